package handshake

// FrameMessage prepends the outer-envelope payload header
// (version ∥ negType ∥ packetType) to body, producing the value that gets
// wrapped by wire.WrapEnvelope. Always stamps NegTypeJFK and the fixed
// Version — this implementation supports no other negotiation type.
func FrameMessage(packetType PacketType, body []byte) []byte {
	out := make([]byte, 0, 3+len(body))
	out = append(out, Version, byte(NegTypeJFK), byte(packetType))
	out = append(out, body...)
	return out
}

// ParseFrame splits an envelope payload back into its negotiation type,
// message type, and body, rejecting anything but NegTypeJFK outright —
// legacy negotiation types are a protocol violation, not a downgrade
// path.
func ParseFrame(data []byte) (packetType PacketType, body []byte, err error) {
	if len(data) < 3 {
		return 0, nil, ErrBadLength
	}
	if NegType(data[1]) != NegTypeJFK {
		return 0, nil, ErrUnsupportedNegType
	}
	return PacketType(data[2]), data[3:], nil
}
