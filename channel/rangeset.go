package channel

import "sort"

// byteRange is a half-open [Lo, Hi) interval of bytes within a message.
type byteRange struct {
	Lo, Hi uint64
}

// rangeSet is a sparse bitmap over byte offsets, represented as a sorted
// list of disjoint half-open ranges. Used for both a MessageWrapper's
// acknowledged-byte bitmap and a PartiallyReceivedBuffer's received-byte
// bitmap. A list of merged intervals is the natural representation
// here: messages are fragmented into a handful of pieces, not millions, so
// linear merge-on-insert is simpler and cheaper than a bit-per-byte array
// for anything past a few KiB.
type rangeSet struct {
	ranges []byteRange
}

// mark inserts [lo, hi) and merges it with any overlapping or adjacent
// existing ranges.
func (s *rangeSet) mark(lo, hi uint64) {
	if hi <= lo {
		return
	}
	merged := make([]byteRange, 0, len(s.ranges)+1)
	inserted := false
	for _, r := range s.ranges {
		if r.Hi < lo {
			merged = append(merged, r)
			continue
		}
		if r.Lo > hi {
			if !inserted {
				merged = append(merged, byteRange{lo, hi})
				inserted = true
			}
			merged = append(merged, r)
			continue
		}
		// Overlaps or touches [lo, hi): fold into it.
		if r.Lo < lo {
			lo = r.Lo
		}
		if r.Hi > hi {
			hi = r.Hi
		}
	}
	if !inserted {
		merged = append(merged, byteRange{lo, hi})
	}
	sort.Slice(merged, func(i, j int) bool { return merged[i].Lo < merged[j].Lo })
	s.ranges = merged
}

// unmark removes [lo, hi) from the set, splitting any range that straddles
// the boundary. Used when a loss timeout forces a fragment to be resent.
func (s *rangeSet) unmark(lo, hi uint64) {
	if hi <= lo {
		return
	}
	out := make([]byteRange, 0, len(s.ranges)+1)
	for _, r := range s.ranges {
		if r.Hi <= lo || r.Lo >= hi {
			out = append(out, r)
			continue
		}
		if r.Lo < lo {
			out = append(out, byteRange{r.Lo, lo})
		}
		if r.Hi > hi {
			out = append(out, byteRange{hi, r.Hi})
		}
	}
	s.ranges = out
}

// covers reports whether [lo, hi) is fully contained within the set.
func (s *rangeSet) covers(lo, hi uint64) bool {
	for _, r := range s.ranges {
		if r.Lo <= lo && hi <= r.Hi {
			return true
		}
	}
	return false
}

// coversAll reports whether the set covers exactly [0, total).
func (s *rangeSet) coversAll(total uint64) bool {
	return s.covers(0, total)
}

// firstGap returns the first sub-range of [from, total) not yet covered,
// used by the sender to find the next unacked bytes to repack.
func (s *rangeSet) firstGap(from, total uint64) (lo, hi uint64, ok bool) {
	cursor := from
	for cursor < total {
		covered := false
		for _, r := range s.ranges {
			if r.Lo <= cursor && cursor < r.Hi {
				cursor = r.Hi
				covered = true
				break
			}
		}
		if !covered {
			end := total
			for _, r := range s.ranges {
				if r.Lo > cursor && r.Lo < end {
					end = r.Lo
				}
			}
			return cursor, end, true
		}
	}
	return 0, 0, false
}
