package transport

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// readBufferSize is sized for the default MTU plus the outer envelope's
// worst-case expansion (IV + digest + length prefix + padding); oversized
// reads are simply truncated by net.PacketConn and fail to parse, which the
// receive loop treats as a transient decode error.
const readBufferSize = 2048

// UDPTransport is the primary datagram transport for the core. It
// satisfies Transport by running one receive loop per socket that dispatches
// each datagram to its registered PacketType handler in its own goroutine,
// so a slow or blocking handler for one peer never stalls another's.
type UDPTransport struct {
	conn       net.PacketConn
	listenAddr net.Addr
	handlers   map[PacketType]PacketHandler
	mu         sync.RWMutex
	ctx        context.Context
	cancel     context.CancelFunc
}

// NewUDPTransport binds a UDP socket at listenAddr (e.g. ":0" for an
// ephemeral port) and starts its receive loop.
func NewUDPTransport(listenAddr string) (Transport, error) {
	conn, err := net.ListenPacket("udp", listenAddr)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &UDPTransport{
		conn:       conn,
		listenAddr: conn.LocalAddr(),
		handlers:   make(map[PacketType]PacketHandler),
		ctx:        ctx,
		cancel:     cancel,
	}

	go t.receiveLoop()
	return t, nil
}

// RegisterHandler associates handler with packetType, replacing any handler
// previously registered for it.
func (t *UDPTransport) RegisterHandler(packetType PacketType, handler PacketHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers[packetType] = handler
}

// Send serializes packet and writes it to addr. Fire-and-forget —
// callers observe delivery only indirectly, via
// the reliable channel's acks.
func (t *UDPTransport) Send(packet *Packet, addr net.Addr) error {
	data, err := packet.Serialize()
	if err != nil {
		return err
	}
	_, err = t.conn.WriteTo(data, addr)
	return err
}

// Close stops the receive loop and releases the underlying socket.
func (t *UDPTransport) Close() error {
	t.cancel()
	return t.conn.Close()
}

// LocalAddr returns the address the socket actually bound to.
func (t *UDPTransport) LocalAddr() net.Addr {
	return t.conn.LocalAddr()
}

// receiveLoop is the single receive pump for the socket: it reads
// datagrams with a short deadline so ctx cancellation is observed promptly,
// parses the outer packet-type byte, and dispatches to the matching handler
// on its own goroutine. Unparseable or unhandled datagrams are silently
// dropped as transient decode failures.
func (t *UDPTransport) receiveLoop() {
	log := logrus.WithFields(logrus.Fields{"package": "transport", "local_addr": t.listenAddr.String()})
	buffer := make([]byte, readBufferSize)

	for {
		select {
		case <-t.ctx.Done():
			return
		default:
		}

		_ = t.conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
		n, addr, err := t.conn.ReadFrom(buffer)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			if t.ctx.Err() != nil {
				return
			}
			log.WithError(err).Debug("udp read failed")
			continue
		}

		packet, err := ParsePacket(buffer[:n])
		if err != nil {
			continue
		}

		t.mu.RLock()
		handler, ok := t.handlers[packet.PacketType]
		t.mu.RUnlock()
		if !ok {
			continue
		}
		go func(p *Packet, a net.Addr) {
			if err := handler(p, a); err != nil {
				log.WithError(err).WithField("packet_type", p.PacketType).Debug("handler returned error")
			}
		}(packet, addr)
	}
}
