package controller

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yxymit/banshee/internal/backend"
	"github.com/yxymit/banshee/internal/config"
	"github.com/yxymit/banshee/internal/request"
)

func discardLogger() zerolog.Logger {
	return zerolog.New(zerolog.Nop())
}

func baseConfig(scheme request.Scheme) config.Config {
	// Shared starting point for the scenarios that call it: num_sets=4,
	// num_ways=4, G=4096, footprint=16, 4 near channels, far-latency=100,
	// near-latency=50. Individual tests override geometry as they need.
	cfg := config.Default()
	cfg.Scheme = scheme
	cfg.NumWays = 4
	cfg.Granularity = 4096
	cfg.CacheSizeBytes = 4 * 4 * 4096
	cfg.FootprintSize = 16
	cfg.MCDRAMPerMC = 4
	cfg.ExtDRAMLatency = 100
	cfg.MCDRAMLatency = 50
	cfg.SampleRate = 1
	cfg.EnableReplace = true
	cfg.SampleSeed = 1
	cfg.TagBufferSize = 64
	cfg.NumEntriesPerChunk = 9
	return cfg
}

func newController(t *testing.T, cfg config.Config) *Controller {
	t.Helper()
	require.NoError(t, cfg.Validate())
	ext := backend.NewSimpleBackend(cfg.ExtDRAMLatency)
	mc := make([]backend.Backend, cfg.MCDRAMPerMC)
	for i := range mc {
		mc[i] = backend.NewSimpleBackend(cfg.MCDRAMLatency)
	}
	return New(cfg, ext, mc, nil, discardLogger())
}

// S1: NoCache, one GETS at lineAddr=0x1000, cycle=0 -> returns 100, state E.
func TestS1NoCacheReturnsFarLatency(t *testing.T) {
	cfg := config.Default()
	cfg.Scheme = request.NoCache
	cfg.ExtDRAMLatency = 100
	c := newController(t, cfg)

	cycle, state := c.Access(request.Request{LineAddr: 0x1000, Type: request.GETS, Cycle: 0})
	assert.EqualValues(t, 100, cycle)
	assert.Equal(t, request.E, state)
	assert.EqualValues(t, 1, c.Stats().NumLoadHit)
}

// S2: AlloyCache cold LOAD, lineAddr=0x40, cycle=0, sample_rate=1, no
// replacement needed -> miss counted, install at way 0.
func TestS2AlloyCacheColdMissInstallsAtWay0(t *testing.T) {
	cfg := config.Default()
	cfg.Scheme = request.AlloyCache
	cfg.Granularity = 64
	cfg.NumWays = 1
	cfg.CacheSizeBytes = 64
	cfg.ExtDRAMLatency = 100
	cfg.MCDRAMLatency = 50
	cfg.MCDRAMPerMC = 4
	cfg.SampleRate = 1
	cfg.EnableReplace = true
	c := newController(t, cfg)

	_, _ = c.Access(request.Request{LineAddr: 0x40, Type: request.GETS, Cycle: 0})

	stats := c.Stats()
	assert.EqualValues(t, 1, stats.NumLoadMiss)
	assert.Zero(t, stats.NumLoadHit)

	tag := request.Tag(0x40, 64)
	set := &c.sets[request.SetIndex(tag, c.numSets)]
	assert.True(t, set.Ways[0].Valid)
	assert.Equal(t, tag, set.Ways[0].Tag)
}

// S3: HybridCache LOAD hit after install: second access to the same tag is
// a hit, the tag buffer holds the tag unpinned, and occupancy stays low
// enough that the opportunistic flush does not fire.
func TestS3HybridCacheHitAfterInstall(t *testing.T) {
	cfg := baseConfig(request.HybridCache)
	c := newController(t, cfg)

	addr := request.Address(0x1000)
	_, _ = c.Access(request.Request{LineAddr: addr, Type: request.GETS, Cycle: 0})
	require.EqualValues(t, 1, c.Stats().NumLoadMiss)

	_, _ = c.Access(request.Request{LineAddr: addr, Type: request.GETS, Cycle: 100})
	stats := c.Stats()
	assert.EqualValues(t, 1, stats.NumLoadHit)

	tag := request.Tag(addr, cfg.Granularity)
	assert.NotEqual(t, c.tagBuf.NumWays(), c.tagBuf.Exists(tag), "tag buffer should hold the tag (unpinned) after a LOAD hit")
	assert.LessOrEqual(t, c.tagBuf.Occupancy(), 0.7, "opportunistic flush should not have fired")
	assert.Zero(t, stats.NumTagBufferFlush)
}

// S4: UnisonCache dirty-page eviction writes back exactly popcount(dirty
// footprint bitvec)*16 beats to both tiers, mirroring the dirty-bitvec
// writeback accounting in mc.cpp's access().
func TestS4UnisonCacheDirtyWritebackBeatsMatchPopcountTimes16(t *testing.T) {
	cfg := baseConfig(request.UnisonCache)
	cfg.NumWays = 1
	cfg.CacheSizeBytes = 4096 // a single set, single way

	c := newController(t, cfg)

	var cycle uint64
	// Install page tag 0 via a cold LOAD (footprint group 0 touched, clean).
	cycle, _ = c.Access(request.Request{LineAddr: 0, Type: request.GETS, Cycle: cycle})
	// Dirty two more footprint groups (1 and 2) of the same page via hits.
	cycle, _ = c.Access(request.Request{LineAddr: 4, Type: request.PUTX, Cycle: cycle})
	cycle, _ = c.Access(request.Request{LineAddr: 8, Type: request.PUTX, Cycle: cycle})

	extBefore := c.extBWPerStep

	// Evict the page by installing a different tag into the only way/set.
	_, _ = c.Access(request.Request{LineAddr: 64, Type: request.GETS, Cycle: cycle})

	stats := c.Stats()
	require.EqualValues(t, 1, stats.NumDirtyEviction)
	require.EqualValues(t, 8, stats.NumEvictedLines) // popcount(0b110)=2 groups * 4

	wantFarFetch := uint64(4)                         // the evicting access's own far-memory fetch
	wantInstallLoad := uint64(cfg.FootprintSize) * 4   // the evicting access's own page install load
	wantWriteback := (stats.NumEvictedLines / 4) * 16  // popcount(dirty bitvec) * 16
	assert.Equal(t, wantFarFetch+wantInstallLoad+wantWriteback, c.extBWPerStep-extBefore)
}

// S5: the bandwidth balancer migrates dsIndex forward, invalidating and
// writing back the sets it crosses, when near-memory bandwidth share sits
// well above the 80% target.
func TestS5BandwidthBalancerMigratesDsIndexWhenNearHeavy(t *testing.T) {
	cfg := config.Default()
	cfg.Scheme = request.AlloyCache
	cfg.Granularity = 64
	cfg.NumWays = 1
	cfg.CacheSizeBytes = 2000 * 64 // num_sets=2000, so num_sets/1000 > 0
	cfg.ExtDRAMLatency = 100
	cfg.MCDRAMLatency = 50
	cfg.MCDRAMPerMC = 1
	cfg.SampleRate = 1
	cfg.EnableReplace = true
	cfg.BWBalance = true
	c := newController(t, cfg)
	require.EqualValues(t, 200, c.stepLength)

	// Each distinct address is a cold miss (tag probe 6 + install 6 mc
	// beats, 4 ext beats) followed by 4 repeat LOAD hits (tag probe 6 mc
	// beats each, no ext traffic): a 36 mc : 4 ext ratio per address, i.e.
	// mc_bw:ext_bw ~= 90:10, well past the 80% target. 400 addresses * 5
	// accesses = 2000 requests = 10 * step_length.
	var cycle uint64
	for r := uint64(0); r < 400; r++ {
		addr := request.Address(r) * 64
		cycle, _ = c.Access(request.Request{LineAddr: addr, Type: request.GETS, Cycle: cycle})
		for h := 0; h < 4; h++ {
			cycle, _ = c.Access(request.Request{LineAddr: addr, Type: request.GETS, Cycle: cycle})
		}
	}

	assert.Greater(t, c.dsIndex, uint64(0), "dsIndex should have migrated forward under the near-heavy ratio")
	assert.False(t, c.sets[0].Ways[0].Valid, "set 0 should have been invalidated by the first migration")
}

// S6: a sequence of HybridCache misses whose victim tags all collide in one
// tag-buffer set refuses the ninth replacement: can_insert=false leaves the
// cache unchanged and counts no placement.
func TestS6TagBufferOverflowRefusesReplacement(t *testing.T) {
	cfg := baseConfig(request.HybridCache)
	cfg.NumWays = 1
	cfg.CacheSizeBytes = 4096
	cfg.TagBufferSize = 64 // 8 tag-buffer sets of 8 ways
	c := newController(t, cfg)

	// Every tag below is a multiple of 8, so all of them (incoming and
	// victim) hash into tag-buffer set 0 (tag % 8). With a single cache
	// way, each miss evicts the prior occupant and pins both tags into that
	// one 8-way set; by the 9th miss every way of it is pinned and the
	// incoming/victim pair can no longer be admitted. Occupancy is counted
	// over all 64 entries, so it stays at 8/64 and the opportunistic flush
	// (above 0.7) never fires.
	var cycle uint64
	var lastPlacement uint64
	for i := uint64(0); i < 9; i++ {
		addr := request.Address(i * 8 * 4096 / 64)
		cycle, _ = c.Access(request.Request{LineAddr: addr, Type: request.GETS, Cycle: cycle})
		stats := c.Stats()
		if i < 8 {
			lastPlacement = stats.NumPlacement
		} else {
			assert.Equal(t, lastPlacement, stats.NumPlacement, "the 9th miss should have been refused placement")
		}
	}
}

// Boundary: sample_rate=0 with enable_replace=true still installs into
// empty ways but never replaces valid ones, at the controller level.
func TestAlloyCacheSampleRateZeroBoundary(t *testing.T) {
	cfg := config.Default()
	cfg.Scheme = request.AlloyCache
	cfg.Granularity = 64
	cfg.NumWays = 1
	cfg.CacheSizeBytes = 64
	cfg.ExtDRAMLatency = 100
	cfg.MCDRAMLatency = 50
	cfg.MCDRAMPerMC = 1
	cfg.SampleRate = 0
	cfg.EnableReplace = true
	c := newController(t, cfg)

	var cycle uint64
	cycle, _ = c.Access(request.Request{LineAddr: 0, Type: request.GETS, Cycle: cycle})
	stats := c.Stats()
	require.EqualValues(t, 1, stats.NumLoadMiss, "cold miss should install")

	// A different tag competing for the same (only) set/way must never
	// evict the occupant when sample_rate=0.
	cycle, _ = c.Access(request.Request{LineAddr: 64, Type: request.GETS, Cycle: cycle})
	stats = c.Stats()
	assert.EqualValues(t, 2, stats.NumLoadMiss, "second miss should still be counted")
	assert.Equal(t, request.Tag(0, 64), c.sets[0].Ways[0].Tag, "occupant tag must not change when sample_rate=0")
}

// Invariant 1: every valid way (s,w) with tag t satisfies tlb[t].way = w.
func TestInvariantTLBConsistency(t *testing.T) {
	cfg := baseConfig(request.UnisonCache)
	c := newController(t, cfg)

	for i := uint64(0); i < 20; i++ {
		addr := request.Address(i * 4096 / 64)
		_, _ = c.Access(request.Request{LineAddr: addr, Type: request.GETS, Cycle: i})
	}
	for s := range c.sets {
		for w, way := range c.sets[s].Ways {
			if !way.Valid {
				continue
			}
			entry, ok := c.tlb.Peek(way.Tag)
			require.True(t, ok, "set %d way %d tag %d must have a TLB entry", s, w, way.Tag)
			assert.Equal(t, w, entry.Way, "set %d way %d tag %d", s, w, way.Tag)
		}
	}
}

// Invariant 2 (partial): num_miss_per_step/num_hit_per_step stay bounded by
// the halving performed every step_length requests.
func TestStepCountersHalvePeriodically(t *testing.T) {
	cfg := baseConfig(request.AlloyCache)
	cfg.Granularity = 64
	cfg.NumWays = 1
	cfg.CacheSizeBytes = 64 * 8 // step_length = cache_size/640, force small steps
	c := newController(t, cfg)
	require.NotZero(t, c.stepLength)

	var cycle uint64
	for i := uint64(0); i < c.stepLength*3; i++ {
		cycle, _ = c.Access(request.Request{LineAddr: request.Address(i) * 64, Type: request.GETS, Cycle: cycle})
	}
	assert.LessOrEqual(t, c.numMissPerStep+c.numHitPerStep, 2*c.stepLength)
}

// dsIndex stays within [0, num_sets] and never decreases spontaneously
// without bandwidth balancing enabled.
func TestDSIndexStableWithoutBWBalance(t *testing.T) {
	cfg := baseConfig(request.AlloyCache)
	cfg.Granularity = 64
	cfg.NumWays = 1
	cfg.CacheSizeBytes = 64 * 4
	cfg.BWBalance = false
	c := newController(t, cfg)

	var cycle uint64
	for i := uint64(0); i < 50; i++ {
		cycle, _ = c.Access(request.Request{LineAddr: request.Address(i) * 64, Type: request.GETS, Cycle: cycle})
	}
	assert.Zero(t, c.dsIndex, "dsIndex must stay 0 with bandwidth balancing disabled")
}

// PUTS is a clean LLC eviction: it bypasses the mutex/pipeline entirely and
// resolves to state I at req.Cycle with no stats movement.
func TestPUTSBypassesPipeline(t *testing.T) {
	cfg := baseConfig(request.AlloyCache)
	cfg.Granularity = 64
	cfg.NumWays = 1
	cfg.CacheSizeBytes = 64
	c := newController(t, cfg)

	cycle, state := c.Access(request.Request{LineAddr: 0, Type: request.PUTS, Cycle: 42})
	assert.EqualValues(t, 42, cycle, "req.Cycle must pass through unchanged")
	assert.Equal(t, request.I, state)
	assert.Equal(t, Stats{}, c.Stats(), "PUTS must not touch any counters")
}
