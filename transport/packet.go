// Package transport — packet.go defines the outer framing byte that lets
// one UDP socket carry both handshake datagrams (routed to
// handshake.Responder/InitiatorSession via the outer envelope) and
// session datagrams (routed to session.Packetizer) without a second port.
//
// This is deliberately a two-value enum, not an application-level
// packet-type catalog: request routing, content store, and peer
// management live outside the core, so the only
// distinction the transport layer itself needs to make is "handshake
// envelope" vs. "session datagram" (handshake datagrams bypass the
// packetizer and are routed to the handshake engine by a well-known
// outer framing).
package transport

import "errors"

// PacketType identifies which of the core's two datagram families a
// received packet belongs to.
type PacketType byte

const (
	// PacketHandshake carries an outer-envelope-wrapped handshake message
	// (M1-M4); the payload's own version/negType/packetType fields select
	// which one once wire.UnwrapEnvelope peels the outer layer.
	PacketHandshake PacketType = iota

	// PacketSession carries a session datagram: truncated-HMAC prefix
	// followed by the stream-ciphertext a KeyTracker produced.
	PacketSession
)

func (t PacketType) String() string {
	switch t {
	case PacketHandshake:
		return "handshake"
	case PacketSession:
		return "session"
	default:
		return "unknown"
	}
}

var errEmptyPacket = errors.New("transport: packet data is empty")
var errTooShortForType = errors.New("transport: packet too short to carry a type byte")

// Packet is the fundamental on-the-wire unit: a one-byte PacketType prefix
// followed by the payload transport.Send/RegisterHandler dispatch on.
type Packet struct {
	PacketType PacketType
	Data       []byte
}

// Serialize produces the wire form: [packet_type(1)][data(variable)].
func (p *Packet) Serialize() ([]byte, error) {
	if p.Data == nil {
		return nil, errEmptyPacket
	}
	out := make([]byte, 1+len(p.Data))
	out[0] = byte(p.PacketType)
	copy(out[1:], p.Data)
	return out, nil
}

// ParsePacket splits a received datagram back into its type byte and
// payload.
func ParsePacket(data []byte) (*Packet, error) {
	if len(data) < 1 {
		return nil, errTooShortForType
	}
	p := &Packet{
		PacketType: PacketType(data[0]),
		Data:       make([]byte, len(data)-1),
	}
	copy(p.Data, data[1:])
	return p, nil
}
