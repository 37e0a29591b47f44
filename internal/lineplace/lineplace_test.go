package lineplace

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/yxymit/banshee/internal/tagarray"
)

func TestHandleCacheMissInstallsIntoEmptyWay(t *testing.T) {
	p := New(1, 0, false)
	way := &tagarray.Way{}
	assert.True(t, p.HandleCacheMiss(way), "an invalid way must always be installed into")
}

func TestHandleCacheMissSampleRateZeroNeverReplacesValid(t *testing.T) {
	// Boundary: sample_rate=0 with enable_replace=true still installs into
	// empty ways but never replaces a valid occupant.
	p := New(1, 0, true)
	way := &tagarray.Way{Valid: true}
	for i := 0; i < 100; i++ {
		assert.False(t, p.HandleCacheMiss(way), "sample_rate=0 should never admit replacement of a valid way")
	}
}

func TestHandleCacheMissSampleRateOneAlwaysAdmits(t *testing.T) {
	p := New(1, 1, true)
	way := &tagarray.Way{Valid: true}
	for i := 0; i < 100; i++ {
		assert.True(t, p.HandleCacheMiss(way), "sample_rate=1 should always admit replacement")
	}
}

func TestHandleCacheMissReplaceDisabled(t *testing.T) {
	p := New(1, 1, false)
	way := &tagarray.Way{Valid: true}
	assert.False(t, p.HandleCacheMiss(way), "enable_replace=false must never replace a valid occupant")
}
