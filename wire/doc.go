// Package wire implements the external wire formats shared by the
// handshake and session layers: the outer handshake envelope, the session
// datagram header, and the ACK/FRAG record encoding the reliable channel
// packs into a packet payload.
//
// Nothing in this package holds state; every function is a pure
// encode/decode transform over byte slices, mirroring crypto's posture of
// deterministic, side-effect-free primitives one layer up.
package wire
