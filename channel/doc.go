// Package channel implements ReliableChannel: the fragmented,
// sliding-window message channel that turns the lossy encrypted datagrams
// session.Packetizer produces into eventual exactly-once delivery of whole
// application messages, with per-priority outbound queues, piggybacked
// acknowledgements, RTT-driven loss detection, and bidirectional
// backpressure.
package channel
