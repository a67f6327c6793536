package channel

// outboundMessage is a MessageWrapper: an in-flight outbound
// application message plus the sparse bitmap of byte ranges the peer has
// acknowledged. done is closed (with sendErr set) once every byte has been
// acknowledged or the channel disconnects.
type outboundMessage struct {
	id       uint32
	priority Priority
	payload  []byte
	acked    rangeSet
	inflight rangeSet

	done    chan struct{}
	sendErr error
}

func newOutboundMessage(id uint32, priority Priority, payload []byte) *outboundMessage {
	return &outboundMessage{
		id:       id,
		priority: priority,
		payload:  payload,
		done:     make(chan struct{}),
	}
}

func (m *outboundMessage) fullyAcked() bool {
	return m.acked.coversAll(uint64(len(m.payload)))
}

func (m *outboundMessage) finish(err error) {
	select {
	case <-m.done:
		return
	default:
	}
	m.sendErr = err
	close(m.done)
}

// inboundMessage is a PartiallyReceivedBuffer: a grow-on-demand
// reassembly buffer sized once the first fragment (which carries the total
// message length) arrives, plus the sparse bitmap of bytes received so far.
type inboundMessage struct {
	length     uint64
	haveLength bool
	buf        []byte
	received   rangeSet
}

func (m *inboundMessage) setLength(length uint64) {
	if m.haveLength {
		return
	}
	m.length = length
	m.haveLength = true
	m.grow(length)
}

// grow extends the buffer to at least upTo bytes. Fragments may arrive
// before the first one declares the total length, so the buffer grows on
// demand until setLength pins it.
func (m *inboundMessage) grow(upTo uint64) {
	if uint64(len(m.buf)) >= upTo {
		return
	}
	grown := make([]byte, upTo)
	copy(grown, m.buf)
	m.buf = grown
}

func (m *inboundMessage) write(offset uint64, data []byte) {
	if offset+uint64(len(data)) > uint64(len(m.buf)) {
		return
	}
	copy(m.buf[offset:], data)
	m.received.mark(offset, offset+uint64(len(data)))
}

func (m *inboundMessage) complete() bool {
	return m.haveLength && m.received.coversAll(m.length)
}
