package transport

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPacketRoundTrip(t *testing.T) {
	p := &Packet{PacketType: PacketSession, Data: []byte("hello")}
	wire, err := p.Serialize()
	require.NoError(t, err)

	parsed, err := ParsePacket(wire)
	require.NoError(t, err)
	require.Equal(t, PacketSession, parsed.PacketType)
	require.Equal(t, []byte("hello"), parsed.Data)
}

func TestParsePacketTooShort(t *testing.T) {
	_, err := ParsePacket(nil)
	require.Error(t, err)
}

func TestSerializeNilDataRejected(t *testing.T) {
	p := &Packet{PacketType: PacketHandshake}
	_, err := p.Serialize()
	require.Error(t, err)
}

func TestUDPTransportSendReceive(t *testing.T) {
	server, err := NewUDPTransport("127.0.0.1:0")
	require.NoError(t, err)
	defer server.Close()

	client, err := NewUDPTransport("127.0.0.1:0")
	require.NoError(t, err)
	defer client.Close()

	received := make(chan []byte, 1)
	server.RegisterHandler(PacketHandshake, func(p *Packet, addr net.Addr) error {
		received <- p.Data
		return nil
	})

	err = client.Send(&Packet{PacketType: PacketHandshake, Data: []byte("m1")}, server.LocalAddr())
	require.NoError(t, err)

	select {
	case data := <-received:
		require.Equal(t, []byte("m1"), data)
	case <-time.After(2 * time.Second):
		t.Fatal("handshake packet never arrived")
	}
}
