// Package transport implements the datagram transport collaborator: a
// UDP socket with registered-handler dispatch by PacketType, covering the
// two datagram families the core's outer framing distinguishes: handshake
// envelopes and session datagrams.
//
// # Architecture
//
// The Transport interface is the only contract the rest of the core depends
// on:
//
//	type Transport interface {
//	    Send(packet *Packet, addr net.Addr) error
//	    Close() error
//	    LocalAddr() net.Addr
//	    RegisterHandler(packetType PacketType, handler PacketHandler)
//	}
//
// UDPTransport is the sole implementation this package ships. It is built
// on net.PacketConn (no concrete *net.UDPAddr anywhere) with a
// context-cancellable receive loop.
//
// # Packet types
//
//	const (
//	    PacketHandshake PacketType = iota // outer envelope, routed to handshake.*
//	    PacketSession                     // session datagram, routed to session.Packetizer
//	)
//
// NAT traversal, transport discovery, TCP/relay fallback, and wire-level
// backward compatibility are all out of scope; this package is UDP-only
// with addresses chosen by the caller.
package transport
