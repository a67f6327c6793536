package channel

import (
	"sort"
	"sync"
	"time"

	"github.com/fn2mesh/overlaycore/crypto"
	"github.com/fn2mesh/overlaycore/keytracker"
	"github.com/fn2mesh/overlaycore/limits"
	"github.com/fn2mesh/overlaycore/serial"
	"github.com/fn2mesh/overlaycore/wire"
	"github.com/sirupsen/logrus"
)

// SeqTracker is the slice of keytracker.Tracker the reliable channel needs:
// in-flight bookkeeping for the packets it hands to SessionPacketizer, used
// for RTT estimation and loss detection. keytracker.Tracker
// satisfies this directly.
type SeqTracker interface {
	TrackSent(seq uint32, numBytes int, sentAt time.Time)
	TakeSent(seq uint32) (*keytracker.SentPacket, bool)
	InFlight() []*keytracker.SentPacket
}

type fragRef struct {
	messageID uint32
	offset    uint64
	length    uint64
}

// SendFuture is returned by Send and resolves once the message is fully
// acknowledged or the channel disconnects.
type SendFuture struct {
	done chan struct{}
	err  error
	msg  *outboundMessage
}

// Wait blocks until the message is delivered or the channel disconnects.
func (f *SendFuture) Wait() error {
	<-f.done
	return f.Err()
}

// Done returns a channel closed once the future resolves, for select-based
// callers that don't want to block.
func (f *SendFuture) Done() <-chan struct{} { return f.done }

// Err returns the resolved error, or nil if still pending or delivered
// cleanly. Only meaningful after Done() has fired.
func (f *SendFuture) Err() error {
	select {
	case <-f.done:
	default:
		return nil
	}
	if f.msg != nil {
		return f.msg.sendErr
	}
	return f.err
}

// Channel is ReliableChannel: message-ID window, per-priority
// outbound queues, reassembly buffers, and backpressure for one peer.
type Channel struct {
	mu sync.Mutex

	tp      crypto.TimeProvider
	tracker SeqTracker
	mtu     int

	nextMsgID         uint32
	ackedWindowPtr    uint32
	receivedWindowPtr uint32

	ackedMsgSet    *idSet
	receivedMsgSet *idSet

	queues   [numPriorities][]*outboundMessage
	outbound map[uint32]*outboundMessage

	inbound map[uint32]*inboundMessage

	pendingAcks []uint32
	seqFragRefs map[uint32][]fragRef

	usedLocalBuffer  uint64
	usedRemoteBuffer uint64

	avgRTT  time.Duration
	haveRTT bool

	blockedSince time.Time
	blocked      bool

	disconnected bool

	onMessage func([]byte)
}

// New constructs a Channel. tracker supplies in-flight/RTT bookkeeping
// (normally a *keytracker.Tracker); onMessage is invoked, in delivery
// order within a priority level, once a message is fully reassembled.
func New(tp crypto.TimeProvider, tracker SeqTracker, mtu int, onMessage func([]byte)) *Channel {
	if tp == nil {
		tp = crypto.DefaultTimeProvider{}
	}
	if mtu <= 0 {
		mtu = limits.DefaultMTU
	}
	return &Channel{
		tp:             tp,
		tracker:        tracker,
		mtu:            mtu,
		ackedMsgSet:    newIDSet(),
		receivedMsgSet: newIDSet(),
		outbound:       make(map[uint32]*outboundMessage),
		inbound:        make(map[uint32]*inboundMessage),
		seqFragRefs:    make(map[uint32][]fragRef),
		onMessage:      onMessage,
	}
}

// SetSeqTracker redirects in-flight bookkeeping to a new tracker, used when
// SessionPacketizer promotes a fresh KeyTracker to current on rekey.
// Packets still in flight on the outgoing tracker are not migrated: they are
// dropped from its bookkeeping and their fragment ranges are unmarked, so the
// next BuildOutboundPacket repacks them under the new tracker.
func (c *Channel) SetSeqTracker(tracker SeqTracker) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if tracker == c.tracker {
		return
	}
	if old := c.tracker; old != nil {
		for _, sp := range old.InFlight() {
			old.TakeSent(sp.Seq)
			refs := c.seqFragRefs[sp.Seq]
			delete(c.seqFragRefs, sp.Seq)
			for _, ref := range refs {
				if m, ok := c.outbound[ref.messageID]; ok {
					m.inflight.unmark(ref.offset, ref.offset+ref.length)
				}
			}
		}
	}
	c.tracker = tracker
}

// Send enqueues payload for delivery at priority, returning a future that
// resolves once it is fully acknowledged. The message does not receive a
// message ID until it is pulled off its priority queue for packing.
func (c *Channel) Send(priority Priority, payload []byte) (*SendFuture, error) {
	if !priority.Valid() {
		return nil, ErrInvalidPriority
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.disconnected {
		f := &SendFuture{done: make(chan struct{})}
		f.err = ErrDisconnected
		close(f.done)
		return f, nil
	}

	m := newOutboundMessage(0, priority, payload)
	c.queues[priority] = append(c.queues[priority], m)
	return &SendFuture{done: m.done, msg: m}, nil
}

// NotifyReceived feeds one decrypted session packet's (seq, payload) into
// the channel: seq is queued for acknowledgement and payload is parsed as
// ACK + FRAG records.
func (c *Channel) NotifyReceived(seq uint32, payload []byte) error {
	completed, err := c.processReceivedLocked(seq, payload)

	// Deliver outside the lock: onMessage callbacks routinely re-enter the
	// channel (acking, replying), which would deadlock on c.mu otherwise.
	if c.onMessage != nil {
		for _, msg := range completed {
			c.onMessage(msg)
		}
	}
	return err
}

// processReceivedLocked does all of NotifyReceived's bookkeeping under
// c.mu, returning any fully reassembled messages for the caller to deliver
// after the lock is released.
func (c *Channel) processReceivedLocked(seq uint32, payload []byte) ([][]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.disconnected {
		return nil, nil
	}

	acks, rest, err := wire.DecodeAckList(payload)
	if err != nil {
		return nil, err
	}
	now := c.tp.Now()
	for _, ackedSeq := range acks {
		c.handleAckLocked(ackedSeq, now)
	}

	var completed [][]byte
	accepted := true
	for len(rest) > 0 {
		hdr, tail, err := wire.DecodeFragmentHeader(rest)
		if err != nil {
			return completed, err
		}
		if uint64(len(tail)) < hdr.Length {
			return completed, wire.ErrMalformedRecord
		}
		data := tail[:hdr.Length]
		rest = tail[hdr.Length:]
		msg, ok := c.handleFragmentLocked(hdr, data)
		if !ok {
			accepted = false
		}
		if msg != nil {
			completed = append(completed, msg)
		}
	}

	// A packet whose fragment was refused for buffer space must not be
	// acked; the sender's loss timeout will resend it once space frees up.
	if accepted {
		c.pendingAcks = append(c.pendingAcks, seq)
	}
	return completed, nil
}

func (c *Channel) handleAckLocked(seq uint32, now time.Time) {
	sent, ok := c.tracker.TakeSent(seq)
	if ok {
		rtt := now.Sub(sent.SentAt)
		c.feedRTT(rtt)
	}

	refs, ok := c.seqFragRefs[seq]
	if !ok {
		return
	}
	delete(c.seqFragRefs, seq)

	for _, ref := range refs {
		m, ok := c.outbound[ref.messageID]
		if !ok {
			continue
		}
		m.acked.mark(ref.offset, ref.offset+ref.length)
		if m.fullyAcked() {
			delete(c.outbound, ref.messageID)
			if uint64(len(m.payload)) <= c.usedRemoteBuffer {
				c.usedRemoteBuffer -= uint64(len(m.payload))
			} else {
				c.usedRemoteBuffer = 0
			}
			c.ackedMsgSet.add(ref.messageID)
			c.ackedWindowPtr = advanceWindow(c.ackedMsgSet, c.ackedWindowPtr)
			m.finish(nil)
		}
	}
}

func (c *Channel) feedRTT(sample time.Duration) {
	if sample < 0 {
		return
	}
	if !c.haveRTT {
		c.avgRTT = sample
		c.haveRTT = true
		return
	}
	// Exponential moving average, weighting recent samples more, the same
	// smoothing shape as a classic TCP SRTT estimator.
	c.avgRTT = c.avgRTT - c.avgRTT/8 + sample/8
}

func (c *Channel) lossTimeout() time.Duration {
	rtt := c.avgRTT
	timeout := rtt * time.Duration(limits.AckTimeoutRTTMultiplier)
	if timeout < limits.MinAckTimeout {
		timeout = limits.MinAckTimeout
	}
	return timeout
}

// handleFragmentLocked buffers one fragment. ok reports whether the packet
// carrying it may be acked: out-of-window and already-delivered fragments
// are accepted (silently acked) to avoid stalling the sender, and only a
// fragment refused for local buffer space withholds the ack. completed is
// non-nil when this fragment finished its message; the caller delivers it
// once c.mu is released.
func (c *Channel) handleFragmentLocked(hdr wire.FragmentHeader, data []byte) (completed []byte, ok bool) {
	if !inWindow(hdr.MessageID, c.receivedWindowPtr, limits.MessageIDWindowWidth) {
		return nil, true
	}
	if c.receivedMsgSet.has(hdr.MessageID) {
		return nil, true
	}

	msg, exists := c.inbound[hdr.MessageID]
	if !exists {
		msg = &inboundMessage{}
	}

	// Buffer growth this fragment forces: to the declared total length if
	// it is the first fragment, otherwise just far enough to hold it.
	want := hdr.Offset + hdr.Length
	if hdr.IsFirst && hdr.MessageLength > want {
		want = hdr.MessageLength
	}
	var delta uint64
	if cur := uint64(len(msg.buf)); want > cur {
		delta = want - cur
	}
	if delta > 0 && c.usedLocalBuffer+delta > limits.LocalBufferCap {
		logrus.WithFields(logrus.Fields{
			"package":    "channel",
			"message_id": hdr.MessageID,
		}).Debug("refusing fragment: local buffer cap would be exceeded")
		return nil, false
	}

	if hdr.IsFirst {
		msg.setLength(hdr.MessageLength)
	} else {
		msg.grow(want)
	}
	c.usedLocalBuffer += delta
	if !exists {
		c.inbound[hdr.MessageID] = msg
	}

	msg.write(hdr.Offset, data)
	if msg.complete() {
		delete(c.inbound, hdr.MessageID)
		allocated := uint64(len(msg.buf))
		if allocated <= c.usedLocalBuffer {
			c.usedLocalBuffer -= allocated
		} else {
			c.usedLocalBuffer = 0
		}
		c.receivedMsgSet.add(hdr.MessageID)
		c.receivedWindowPtr = advanceWindow(c.receivedMsgSet, c.receivedWindowPtr)
		completed = msg.buf[:msg.length]
	}
	return completed, true
}

func inWindow(id, windowStart uint32, width uint32) bool {
	return serial.Distance(id, windowStart, limits.MessageIDBits) < width
}

// fragmentPayloadBudget is the room a packet must have left before another
// fragment is attempted: FragmentHeaderMaxBytes of header plus one data byte.
const fragmentPayloadBudget = limits.FragmentHeaderMaxBytes + 1

// BuildOutboundPacket assembles the next outgoing packet's payload: queued
// acks first, then continuations of in-flight messages and fresh messages
// from the priority queues, highest priority first. ok is false when
// there is nothing to send (no acks, no fragments) — such a packet is
// suppressed rather than sent empty.
func (c *Channel) BuildOutboundPacket(maxLen int) (payload []byte, refs []fragRef, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.disconnected || maxLen <= 0 {
		return nil, nil, false
	}

	acks := c.pendingAcks
	c.pendingAcks = nil
	buf := wire.EncodeAckList(nil, acks)
	if len(buf) > maxLen {
		// Pathological: more queued acks than fit in one packet. Keep as
		// many as fit and requeue the rest.
		buf = wire.EncodeAckList(nil, acks[:0])
		kept := 0
		for kept < len(acks) {
			trial := wire.EncodeAckList(nil, acks[:kept+1])
			if len(trial) > maxLen {
				break
			}
			buf = trial
			kept++
		}
		c.pendingAcks = append(append([]uint32(nil), acks[kept:]...), c.pendingAcks...)
	}

	remaining := maxLen - len(buf)
	now := c.tp.Now()

	c.packContinuationsLocked(&buf, &refs, &remaining)
	c.packFreshLocked(&buf, &refs, &remaining, now)

	if len(acks) == 0 && len(refs) == 0 {
		return nil, nil, false
	}
	return buf, refs, true
}

func (c *Channel) packContinuationsLocked(buf *[]byte, refs *[]fragRef, remaining *int) {
	for p := PriorityHigh; int(p) < numPriorities; p++ {
		for _, m := range c.messagesForPriorityLocked(p) {
			c.packMessageFragmentsLocked(m, buf, refs, remaining)
		}
	}
}

// messagesForPriorityLocked returns the in-flight (already-allocated)
// outbound messages at priority p, in message-ID order for deterministic
// per-priority send order.
func (c *Channel) messagesForPriorityLocked(p Priority) []*outboundMessage {
	var out []*outboundMessage
	for _, m := range c.outbound {
		if m.priority == p {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

func (c *Channel) packMessageFragmentsLocked(m *outboundMessage, buf *[]byte, refs *[]fragRef, remaining *int) {
	total := uint64(len(m.payload))
	for *remaining > fragmentPayloadBudget {
		lo, hi, ok := coveredGap(m, total)
		if !ok {
			break
		}
		chunk := hi - lo
		budget := uint64(*remaining) - limits.FragmentHeaderMaxBytes
		if chunk > budget {
			chunk = budget
		}
		if chunk == 0 {
			break
		}
		isFirst := lo == 0
		hdr := wire.FragmentHeader{MessageID: m.id, IsFirst: isFirst, Offset: lo, Length: chunk}
		if isFirst {
			hdr.MessageLength = total
		}
		hdrLen := wire.EncodedHeaderLen(hdr)
		if hdrLen+int(chunk) > *remaining {
			if *remaining <= hdrLen {
				break
			}
			chunk = uint64(*remaining - hdrLen)
		}
		*buf = wire.EncodeFragmentHeader(*buf, hdr)
		*buf = append(*buf, m.payload[lo:lo+chunk]...)
		*remaining -= hdrLen + int(chunk)

		m.inflight.mark(lo, lo+chunk)
		*refs = append(*refs, fragRef{messageID: m.id, offset: lo, length: chunk})
	}
}

// coveredGap finds the first byte range that is neither acked nor already
// in-flight for m, by merging both bitmaps and taking the first gap.
func coveredGap(m *outboundMessage, total uint64) (lo, hi uint64, ok bool) {
	var merged rangeSet
	for _, r := range m.acked.ranges {
		merged.mark(r.Lo, r.Hi)
	}
	for _, r := range m.inflight.ranges {
		merged.mark(r.Lo, r.Hi)
	}
	return merged.firstGap(0, total)
}

func (c *Channel) packFreshLocked(buf *[]byte, refs *[]fragRef, remaining *int, now time.Time) {
	anyBlocked := false
	for p := PriorityHigh; int(p) < numPriorities; p++ {
		for len(c.queues[p]) > 0 && *remaining > fragmentPayloadBudget {
			candidate := c.queues[p][0]
			dist := serial.Distance(c.nextMsgID, c.ackedWindowPtr, limits.MessageIDBits)
			if dist >= limits.MessageIDWindowWidth {
				anyBlocked = true
				break
			}
			if c.usedRemoteBuffer+uint64(len(candidate.payload)) > limits.RemoteBufferCap {
				break
			}

			c.queues[p] = c.queues[p][1:]
			candidate.id = c.nextMsgID
			c.nextMsgID = serial.Add(c.nextMsgID, 1, limits.MessageIDBits)
			c.outbound[candidate.id] = candidate
			c.usedRemoteBuffer += uint64(len(candidate.payload))

			c.packMessageFragmentsLocked(candidate, buf, refs, remaining)
		}
	}

	if anyBlocked {
		if !c.blocked {
			c.blocked = true
			c.blockedSince = now
		}
	} else {
		c.blocked = false
	}
}

// RecordSent registers a just-encrypted outgoing packet's sequence number
// against the fragment ranges it carried, so a later ack or loss timeout
// can credit or retry them. Called by the peer facade immediately
// after session.Packetizer.Encrypt returns seq for a payload built by
// BuildOutboundPacket.
func (c *Channel) RecordSent(seq uint32, refs []fragRef, numBytes int, sentAt time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(refs) > 0 {
		c.seqFragRefs[seq] = refs
	}
	c.tracker.TrackSent(seq, numBytes, sentAt)
}

// CheckLosses scans in-flight packets for ones older than the current loss
// timeout and unmarks their fragment ranges so they are repacked.
// Called periodically by the scheduler's sender task.
func (c *Channel) CheckLosses() {
	c.mu.Lock()
	defer c.mu.Unlock()

	timeout := c.lossTimeout()
	now := c.tp.Now()
	for _, sp := range c.tracker.InFlight() {
		if now.Sub(sp.SentAt) <= timeout {
			continue
		}
		if _, ok := c.tracker.TakeSent(sp.Seq); !ok {
			continue
		}
		refs, ok := c.seqFragRefs[sp.Seq]
		if !ok {
			continue
		}
		delete(c.seqFragRefs, sp.Seq)
		for _, ref := range refs {
			if m, ok := c.outbound[ref.messageID]; ok {
				m.inflight.unmark(ref.offset, ref.offset+ref.length)
			}
		}
		logrus.WithFields(logrus.Fields{"package": "channel", "seq": sp.Seq}).Debug("packet declared lost, fragments requeued")
	}
}

// BlockedTooLong reports whether message-ID allocation has been blocked on
// window exhaustion for longer than limits.MessageIDBlockedTimeout — the
// caller should treat this as fatal and disconnect.
func (c *Channel) BlockedTooLong() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.blocked && c.tp.Since(c.blockedSince) > limits.MessageIDBlockedTimeout
}

// UsedLocalBuffer and UsedRemoteBuffer report the current backpressure
// accounting, primarily for tests and diagnostics.
func (c *Channel) UsedLocalBuffer() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.usedLocalBuffer
}

func (c *Channel) UsedRemoteBuffer() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.usedRemoteBuffer
}

// Disconnect tears the channel down: drops all
// in-flight outbound messages (resolving their futures with
// ErrDisconnected), zeroes the remote-buffer estimate, and clears the
// per-priority queues.
func (c *Channel) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.disconnected {
		return
	}
	c.disconnected = true

	for _, m := range c.outbound {
		m.finish(ErrDisconnected)
	}
	for p := range c.queues {
		for _, m := range c.queues[p] {
			m.finish(ErrDisconnected)
		}
		c.queues[p] = nil
	}
	c.outbound = make(map[uint32]*outboundMessage)
	c.usedRemoteBuffer = 0
	c.seqFragRefs = make(map[uint32][]fragRef)
}
