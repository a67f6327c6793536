package keytracker

import (
	"encoding/binary"

	"github.com/fn2mesh/overlaycore/crypto"
	"github.com/fn2mesh/overlaycore/limits"
	"github.com/fn2mesh/overlaycore/serial"
)

type watchEntry struct {
	seq   uint32
	tag   [limits.TruncatedTagSize]byte
	valid bool
}

// watchlist is the 1024-entry circular cache of precomputed 4-byte
// sequence-number tags. A tag is the first four bytes
// of the CFB keystream's first block XORed with the candidate sequence
// number — exactly the bytes that would appear as ciphertext[0:4] if that
// sequence number were actually used, since the wire plaintext begins with
// seq_be32. This lets the receiver recognize a packet's sequence number
// without attempting decryption.
//
// The buffer is sized exactly to the window width, so seq&1023 is a stable
// slot: advancing the window by one simply overwrites the slot that just
// fell out of range.
type watchlist struct {
	entries   [limits.WatchlistSize]watchEntry
	centerSeq uint32
	inited    bool
}

func watchSlot(seq uint32) uint32 {
	return seq & (limits.WatchlistSize - 1)
}

func computeWatchTag(inCipher, ivCipher *crypto.BlockCipher, ivNonce [12]byte, seq uint32) ([limits.TruncatedTagSize]byte, error) {
	var tag [limits.TruncatedTagSize]byte

	var ivInput [16]byte
	copy(ivInput[:12], ivNonce[:])
	binary.BigEndian.PutUint32(ivInput[12:], seq)

	iv, err := ivCipher.EncryptBlock(ivInput[:])
	if err != nil {
		return tag, err
	}
	keystreamBlock, err := inCipher.EncryptBlock(iv)
	if err != nil {
		return tag, err
	}

	var seqBytes [4]byte
	binary.BigEndian.PutUint32(seqBytes[:], seq)
	for i := 0; i < limits.TruncatedTagSize; i++ {
		tag[i] = keystreamBlock[i] ^ seqBytes[i]
	}
	return tag, nil
}

// reinit recomputes the entire window centered on centerSeq.
func (w *watchlist) reinit(inCipher, ivCipher *crypto.BlockCipher, ivNonce [12]byte, centerSeq uint32) error {
	half := uint32(limits.WatchlistSize / 2)
	mod := uint32(1) << limits.SequenceNumberBits
	start := serial.Add(centerSeq, mod-half, limits.SequenceNumberBits)

	for i := range w.entries {
		w.entries[i] = watchEntry{}
	}

	seq := start
	for i := 0; i < limits.WatchlistSize; i++ {
		tag, err := computeWatchTag(inCipher, ivCipher, ivNonce, seq)
		if err != nil {
			return err
		}
		w.entries[watchSlot(seq)] = watchEntry{seq: seq, tag: tag, valid: true}
		seq = serial.Add(seq, 1, limits.SequenceNumberBits)
	}

	w.centerSeq = centerSeq
	w.inited = true
	return nil
}

// shiftTo advances the window to be centered on newCenter, recomputing only
// the newly exposed high-end entries when the shift is small (the common
// case), and falling back to a full reinit when the shift exceeds the
// window width.
func (w *watchlist) shiftTo(inCipher, ivCipher *crypto.BlockCipher, ivNonce [12]byte, newCenter uint32) error {
	if !w.inited {
		return w.reinit(inCipher, ivCipher, ivNonce, newCenter)
	}
	if newCenter == w.centerSeq {
		return nil
	}

	delta := serial.Distance(newCenter, w.centerSeq, limits.SequenceNumberBits)
	if delta >= limits.WatchlistSize {
		return w.reinit(inCipher, ivCipher, ivNonce, newCenter)
	}

	half := uint32(limits.WatchlistSize / 2)
	oldHighEdge := serial.Add(w.centerSeq, half-1, limits.SequenceNumberBits)
	seq := serial.Add(oldHighEdge, 1, limits.SequenceNumberBits)

	for i := uint32(0); i < delta; i++ {
		tag, err := computeWatchTag(inCipher, ivCipher, ivNonce, seq)
		if err != nil {
			return err
		}
		w.entries[watchSlot(seq)] = watchEntry{seq: seq, tag: tag, valid: true}
		seq = serial.Add(seq, 1, limits.SequenceNumberBits)
	}

	w.centerSeq = newCenter
	return nil
}

// match linear-scans the watchlist for tag, returning the candidate
// sequence number on a hit.
func (w *watchlist) match(tag [limits.TruncatedTagSize]byte) (uint32, bool) {
	for _, e := range w.entries {
		if e.valid && e.tag == tag {
			return e.seq, true
		}
	}
	return 0, false
}
