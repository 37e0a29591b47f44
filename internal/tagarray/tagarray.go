// Package tagarray implements the set-associative near-memory tag metadata
// (C2) and its TLB-style inverse index (tag -> way), modeled on the Way,
// Set, and TLBEntry types in original_source/src/mc.h.
package tagarray

import "github.com/yxymit/banshee/internal/request"

// Way is one associative slot of a Set: a tag, a validity bit, and a dirty
// bit. No data is modeled — only the metadata needed to compute timing.
type Way struct {
	Tag   request.Address
	Valid bool
	Dirty bool
}

// Set is an ordered, fixed-size sequence of Ways.
type Set struct {
	Ways []Way
}

// NewSet allocates a Set with numWays invalid Ways.
func NewSet(numWays uint32) Set {
	return Set{Ways: make([]Way, numWays)}
}

// FirstEmptyWay returns the index of the first invalid Way, or numWays
// (len(s.Ways)) if the set is full — the sentinel used throughout the
// controller to denote "no way" / "miss", matching hit_way == num_ways in
// mc.cpp.
func (s *Set) FirstEmptyWay() int {
	for i := range s.Ways {
		if !s.Ways[i].Valid {
			return i
		}
	}
	return len(s.Ways)
}

// HasEmptyWay reports whether the set has an invalid way available.
func (s *Set) HasEmptyWay() bool {
	return s.FirstEmptyWay() < len(s.Ways)
}

// Lookup performs a linear scan for tag, returning its way index or
// len(s.Ways) if absent. For page-granularity schemes the controller uses
// the TLB side-index instead of calling this directly, and AlloyCache (a
// single way) compares way 0 in place.
func (s *Set) Lookup(tag request.Address) int {
	for i := range s.Ways {
		if s.Ways[i].Valid && s.Ways[i].Tag == tag {
			return i
		}
	}
	return len(s.Ways)
}

// Install marks way valid with the given tag and dirty bit.
func (s *Set) Install(way int, tag request.Address, dirty bool) {
	s.Ways[way].Valid = true
	s.Ways[way].Tag = tag
	s.Ways[way].Dirty = dirty
}

// Invalidate clears way's valid and dirty bits. Its tag is left in place
// (harmless, since Valid gates every consumer) which keeps Install/Invalidate
// round trips a no-op on the rest of the struct, per spec.md §8's
// round-trip law.
func (s *Set) Invalidate(way int) {
	s.Ways[way].Valid = false
	s.Ways[way].Dirty = false
}

// TLBEntry is the inverse tag->way index plus footprint-tracking bitvecs
// used by UnisonCache/Tagless, mirroring TLBEntry in mc.h.
type TLBEntry struct {
	Way   int // sentinel NoWay (== controller's numWays) when not resident
	Count uint64

	// TouchBitvec/DirtyBitvec track, per 4-line group (16 groups per 4KB
	// page), whether any line in the group has been touched/dirtied.
	TouchBitvec uint64
	DirtyBitvec uint64
}

// TLB is the tag -> TLBEntry map, keyed by tag, used by every
// page-granularity scheme (and Tagless, which uses a single set).
type TLB struct {
	entries map[request.Address]*TLBEntry
	noWay   int
}

// NewTLB constructs an empty TLB. noWay is the sentinel "not present" way
// index (the controller's numWays), mirrored into every entry created by
// Lookup so callers can compare against it directly.
func NewTLB(noWay int) *TLB {
	return &TLB{entries: make(map[request.Address]*TLBEntry), noWay: noWay}
}

// NoWay returns the sentinel value denoting "not resident."
func (t *TLB) NoWay() int { return t.noWay }

// Lookup returns the TLBEntry for tag, creating one (Way = NoWay) on first
// reference, matching mc.cpp's `if (_tlb.find(tag) == _tlb.end()) _tlb[tag]
// = TLBEntry{...}` lazily-created-entry pattern.
func (t *TLB) Lookup(tag request.Address) *TLBEntry {
	e, ok := t.entries[tag]
	if !ok {
		e = &TLBEntry{Way: t.noWay}
		t.entries[tag] = e
	}
	return e
}

// Peek returns the TLBEntry for tag without creating one, and whether it
// exists.
func (t *TLB) Peek(tag request.Address) (*TLBEntry, bool) {
	e, ok := t.entries[tag]
	return e, ok
}

// Invalidate resets tag's entry (if any) to not-resident, used when a way is
// evicted.
func (t *TLB) Invalidate(tag request.Address) {
	if e, ok := t.entries[tag]; ok {
		e.Way = t.noWay
	}
}
