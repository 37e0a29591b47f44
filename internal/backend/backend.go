// Package backend defines the DRAM timing back-end contract the controller
// dispatches timed accesses to (C1 in the design), plus SimpleBackend, a
// fixed-latency reference implementation modeled on
// original_source/src/mem_ctrls.cpp's SimpleMemory.
//
// Queueing (M/D/1), DDR page/bank scheduling, and external DRAMSim coupling
// are named interfaces only, per spec.md §1 — they are not implemented here.
package backend

import "github.com/yxymit/banshee/internal/request"

// Priority indicates how urgently an access sits on the critical path. The
// back-end may reorder accesses by priority but must monotonically advance
// req.Cycle for any one access.
type Priority uint8

const (
	// PriorityCritical marks an access on the critical path of the
	// request's data-ready cycle.
	PriorityCritical Priority = 0
	// PriorityDependent marks a dependent, second-half access (e.g. a tag
	// probe that gates a subsequent data access).
	PriorityDependent Priority = 1
	// PriorityBackground marks an access off the critical path entirely
	// (writebacks, installs, GIPT updates).
	PriorityBackground Priority = 2
)

// Backend is a pure function from (request, priority, beats) to the cycle
// at which the access completes. It performs no blocking I/O: every call
// returns immediately with the modeled completion cycle.
type Backend interface {
	// Access returns the cycle at which req, issued at the given priority
	// and occupying beats 64-byte-line transfers, completes.
	Access(req request.Request, priority Priority, beats uint32) uint64
}

// SimpleBackend models a fixed-latency memory: every access completes
// latency cycles after it was issued, regardless of priority or beat count.
// This mirrors SimpleMemory::access in mem_ctrls.cpp, which also ignores
// beats entirely for timing purposes (bandwidth accounting happens in the
// controller, not the back-end).
type SimpleBackend struct {
	Latency uint64
}

// NewSimpleBackend constructs a SimpleBackend with the given fixed latency.
func NewSimpleBackend(latency uint64) *SimpleBackend {
	return &SimpleBackend{Latency: latency}
}

// Access implements Backend.
func (b *SimpleBackend) Access(req request.Request, _ Priority, _ uint32) uint64 {
	return req.Cycle + b.Latency
}
