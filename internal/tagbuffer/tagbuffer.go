// Package tagbuffer implements the bounded 8-way associative structure
// HybridCache uses to bound metadata churn (C6), modeled on the TagBuffer
// class in original_source/src/mc.cpp/mc.h.
package tagbuffer

import "github.com/yxymit/banshee/internal/request"

const numWays = 8

// entry is one tag-buffer slot. The zero value (tag 0, remap false) is the
// "empty" slot, per spec.md §3 invariant 4 (tag 0 is reserved as empty).
type entry struct {
	tag   request.Address
	remap bool
	lru   uint32
}

// TagBuffer holds a fixed number of pending-remap tags, pinning entries
// flagged remap=true against eviction until Clear.
type TagBuffer struct {
	sets     [][numWays]entry
	numSets  uint32
	occupied uint32 // count of entries with remap=true, invariant 5
}

// New constructs a TagBuffer with total capacity totalEntries (rounded down
// to a multiple of 8), matching TagBuffer::TagBuffer's `_num_sets = tb_size
// / _num_ways` sizing.
func New(totalEntries uint32) *TagBuffer {
	numSets := totalEntries / numWays
	if numSets == 0 {
		numSets = 1
	}
	tb := &TagBuffer{sets: make([][numWays]entry, numSets), numSets: numSets}
	tb.reset()
	return tb
}

func (tb *TagBuffer) reset() {
	for s := range tb.sets {
		for w := 0; w < numWays; w++ {
			tb.sets[s][w] = entry{tag: 0, remap: false, lru: uint32(w)}
		}
	}
	tb.occupied = 0
}

func (tb *TagBuffer) setOf(tag request.Address) uint32 {
	return uint32(uint64(tag) % uint64(tb.numSets))
}

// NumWays reports the associativity (always 8), used by callers as the
// "not found" sentinel, matching TagBuffer::existInTB's `return _num_ways`.
func (tb *TagBuffer) NumWays() int { return numWays }

// Exists returns the way tag occupies, or NumWays() if tag is not present.
func (tb *TagBuffer) Exists(tag request.Address) int {
	s := tb.setOf(tag)
	for w := 0; w < numWays; w++ {
		if tb.sets[s][w].tag == tag {
			return w
		}
	}
	return numWays
}

// CanInsert reports whether tag can be admitted into its set: true iff some
// way is not pinned (remap=false) or already holds tag.
func (tb *TagBuffer) CanInsert(tag request.Address) bool {
	s := tb.setOf(tag)
	for w := 0; w < numWays; w++ {
		if !tb.sets[s][w].remap || tb.sets[s][w].tag == tag {
			return true
		}
	}
	return false
}

// CanInsertPair reports whether both tag1 and tag2 can be admitted
// simultaneously. If they fall in different sets this is the conjunction of
// the singleton checks; if they share a set, at least two ways must satisfy
// the singleton admission condition (one slot can't serve both tags).
func (tb *TagBuffer) CanInsertPair(tag1, tag2 request.Address) bool {
	s1, s2 := tb.setOf(tag1), tb.setOf(tag2)
	if s1 != s2 {
		return tb.CanInsert(tag1) && tb.CanInsert(tag2)
	}
	count := 0
	for w := 0; w < numWays; w++ {
		e := tb.sets[s1][w]
		if !e.remap || e.tag == tag1 || e.tag == tag2 {
			count++
		}
	}
	return count >= 2
}

// Insert admits tag into its set with the given remap flag. If tag is
// already present, its remap flag is upgraded (false->true increments
// occupancy) or, if it stays unpinned, its LRU rank is refreshed. Otherwise
// the least-recently-used unpinned way is evicted to make room; callers
// must ensure CanInsert/CanInsertPair held immediately beforehand (asserted
// implicitly: Insert panics if no unpinned way exists and tag is absent).
func (tb *TagBuffer) Insert(tag request.Address, remap bool) {
	s := tb.setOf(tag)
	if w := tb.Exists(tag); w < numWays {
		e := &tb.sets[s][w]
		if remap {
			if !e.remap {
				tb.occupied++
			}
			e.remap = true
		} else if !e.remap {
			tb.updateLRU(s, w)
		}
		return
	}

	replace := -1
	maxLRU := uint32(0)
	for w := 0; w < numWays; w++ {
		e := tb.sets[s][w]
		if !e.remap && e.lru >= maxLRU {
			maxLRU = e.lru
			replace = w
		}
	}
	if replace < 0 {
		panic("tagbuffer: insert with no unpinned way available (caller must check CanInsert first)")
	}
	tb.sets[s][replace].tag = tag
	tb.sets[s][replace].remap = remap
	if remap {
		tb.occupied++
	} else {
		tb.updateLRU(s, replace)
	}
}

// updateLRU promotes way to rank 0 (MRU) among unpinned ways in set s,
// incrementing the rank of every unpinned way that was more recently used.
func (tb *TagBuffer) updateLRU(s uint32, way int) {
	for w := 0; w < numWays; w++ {
		if !tb.sets[s][w].remap && tb.sets[s][w].lru < tb.sets[s][way].lru {
			tb.sets[s][w].lru++
		}
	}
	tb.sets[s][way].lru = 0
}

// Clear resets every entry to {remap=false, tag=0, lru=slot index} and
// zeros occupancy, per spec.md §8's round-trip law.
func (tb *TagBuffer) Clear() {
	tb.reset()
}

// Occupancy returns the fraction of total ways currently pinned
// (remap=true), in [0,1]. The controller's opportunistic flush fires above
// 0.7.
func (tb *TagBuffer) Occupancy() float64 {
	return float64(tb.occupied) / float64(numWays) / float64(tb.numSets)
}
