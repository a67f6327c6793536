package channel

import (
	"github.com/fn2mesh/overlaycore/limits"
	"github.com/fn2mesh/overlaycore/serial"
)

// idSet is a sparse bitmap over 28-bit message IDs (the acked and
// received sets), backed by a map since membership is sparse relative to
// the 2^28 ID space.
type idSet struct {
	members map[uint32]struct{}
}

func newIDSet() *idSet {
	return &idSet{members: make(map[uint32]struct{})}
}

func (s *idSet) add(id uint32) {
	s.members[id] = struct{}{}
}

func (s *idSet) has(id uint32) bool {
	_, ok := s.members[id]
	return ok
}

func (s *idSet) remove(id uint32) {
	delete(s.members, id)
}

// advanceWindow moves ptr forward as long as consecutive IDs starting at
// ptr are present in the set, removing each as it is passed over so the
// set never retains IDs below the window pointer.
func advanceWindow(s *idSet, ptr uint32) uint32 {
	for s.has(ptr) {
		s.remove(ptr)
		ptr = serial.Add(ptr, 1, limits.MessageIDBits)
	}
	return ptr
}
