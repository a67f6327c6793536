// Package session implements SessionPacketizer: encrypting and
// authenticating outbound packets on a chosen keytracker.Tracker, and
// resolving which of a peer's (current, previous, unverified) trackers an
// inbound datagram belongs to via the sequence-number watchlist, promoting
// and deprecating trackers as the handshake and rekey lifecycle dictates.
package session
