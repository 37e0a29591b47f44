// Package osplace preserves the interface of the OS-based placement policy
// (C5) used by the HMA scheme. original_source/src/os_placement.cpp keeps
// the real frequency-sorted remap logic entirely commented out; per
// spec.md §9 Open Question (a), this is intentionally not implemented —
// both methods are no-ops so HMA's schedule (which calls RemapPages every
// os_quantum requests) stays intact for whoever implements the real policy
// later.
package osplace

import "github.com/yxymit/banshee/internal/request"

// Policy is the stub OS-placement policy: every method is a no-op,
// preserving HMA's call sites and return-value contract.
type Policy struct{}

// New constructs a no-op OS-placement policy.
func New() *Policy { return &Policy{} }

// HandleCacheAccess records an access to tag for future frequency-based
// remap decisions. No-op: see package doc.
func (p *Policy) HandleCacheAccess(_ request.Address, _ request.Type) {}

// RemapPages performs a periodic frequency-sorted remap and returns the
// number of pages replaced. Always returns 0: see package doc.
func (p *Policy) RemapPages() uint64 { return 0 }
