// Package transport provides the datagram transport collaborator the core
// consumes through a narrow contract: send a datagram to an address,
// register a receive callback. This file defines the
// registered-handler dispatch shape; packet.go defines the two wire-level
// packet kinds the dispatch routes on, and udp.go is the concrete UDP
// implementation.
package transport

import (
	"net"
)

// PacketHandler processes one received datagram. Handlers are invoked
// concurrently, one goroutine per datagram, and must not block the
// transport's receive loop on anything beyond framing/dispatch —
// CPU-heavy work (DH generation, signing) stays off this path via
// scheduler.Executor.
type PacketHandler func(packet *Packet, addr net.Addr) error

// Transport is the datagram transport collaborator. Implementations
// must support concurrent Send calls and dispatch received datagrams to
// handlers registered by PacketType.
type Transport interface {
	// Send transmits a packet to the specified network address.
	Send(packet *Packet, addr net.Addr) error

	// Close shuts down the transport and releases all resources. After
	// calling Close, the transport must not be used further.
	Close() error

	// LocalAddr returns the local address the transport is listening on.
	LocalAddr() net.Addr

	// RegisterHandler associates a handler with a packet type. Incoming
	// datagrams of that type are routed to it; datagrams of an
	// unregistered type are dropped.
	RegisterHandler(packetType PacketType, handler PacketHandler)
}
