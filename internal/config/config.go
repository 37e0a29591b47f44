// Package config loads and validates the dram-cache controller's
// configuration (spec.md §6), modeled on the zsim Config::get<T>(key,
// default) pattern in original_source/src/mc.cpp: every key is read once,
// with an explicit default, and a geometry mismatch fails fast with a
// diagnostic naming the offending key.
package config

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/yxymit/banshee/internal/request"
)

// ExtDRAMType selects the external (far) memory timing model. Only Simple
// is implemented; DDR/MD1/DRAMSim are named for config compatibility (§1,
// external collaborators) and rejected at load time.
type ExtDRAMType string

const (
	ExtDRAMSimple  ExtDRAMType = "Simple"
	ExtDRAMDDR     ExtDRAMType = "DDR"
	ExtDRAMMD1     ExtDRAMType = "MD1"
	ExtDRAMDRAMSim ExtDRAMType = "DRAMSim"
)

// Config is the fully-resolved, validated configuration for one
// Controller. Field names track the dotted keys of spec.md §6.
type Config struct {
	// sys.mem.cache_scheme
	Scheme request.Scheme
	// sys.mem.sram_tag
	SRAMTag bool
	// sys.caches.l3.latency — only consulted when SRAMTag is set.
	L3Latency uint32

	// sys.mem.ext_dram.type
	ExtDRAMType ExtDRAMType
	// sys.mem.ext_dram.latency
	ExtDRAMLatency uint64

	// sys.mem.mcdram.cache_granularity
	Granularity uint64
	// sys.mem.mcdram.num_ways
	NumWays uint32
	// sys.mem.mcdram.size, in bytes (config key is in MB)
	CacheSizeBytes uint64
	// sys.mem.mcdram.mcdramPerMC
	MCDRAMPerMC uint32
	// sys.mem.mcdram.latency
	MCDRAMLatency uint64

	// sys.mem.mcdram.placementPolicy ("LRU"|"FBR"), page schemes only.
	PlacementPolicy string
	// sys.mem.mcdram.sampleRate
	SampleRate float64
	// sys.mem.mcdram.enableReplace
	EnableReplace bool
	// sys.mem.mcdram.footprint_size, UnisonCache/Tagless only.
	FootprintSize uint32
	// sys.mem.mcdram.tag_buffer_size
	TagBufferSize uint32
	// sys.mem.mcdram.num_entries_per_chunk (EXPANSION, default 9)
	NumEntriesPerChunk uint32
	// sys.mem.mcdram.sample_seed (EXPANSION, default 1)
	SampleSeed int64
	// sys.mem.mcdram.os_quantum (EXPANSION, default 100000)
	OSQuantum uint64

	// sys.mem.bwBalance
	BWBalance bool

	// sys.mem.enableTrace
	EnableTrace bool
	// sys.mem.traceDir
	TraceDir string
}

// Default returns a Config with every documented default applied and no
// scheme selected (NoCache). Callers typically start from Default() and
// override the fields their flag/config layer parsed.
func Default() Config {
	return Config{
		Scheme:             request.NoCache,
		ExtDRAMType:        ExtDRAMSimple,
		ExtDRAMLatency:     100,
		MCDRAMPerMC:        4,
		MCDRAMLatency:      50,
		PlacementPolicy:    "LRU",
		EnableReplace:      true,
		TagBufferSize:      1024,
		NumEntriesPerChunk: 9,
		SampleSeed:         1,
		OSQuantum:          100000,
		TraceDir:           "./",
	}
}

// NumSets returns the derived set count: cache_size / num_ways / granularity.
func (c Config) NumSets() uint64 {
	if c.Scheme == request.NoCache || c.Scheme == request.CacheOnly {
		return 0
	}
	return c.CacheSizeBytes / uint64(c.NumWays) / c.Granularity
}

// Validate checks the geometry constraints asserted at init in spec.md §6,
// returning an error naming the offending key on the first violation.
func (c Config) Validate() error {
	switch c.Scheme {
	case request.AlloyCache:
		if c.Granularity != 64 {
			return keyErr("sys.mem.mcdram.cache_granularity", "AlloyCache requires granularity=64")
		}
		if c.NumWays != 1 {
			return keyErr("sys.mem.mcdram.num_ways", "AlloyCache requires num_ways=1")
		}
	case request.UnisonCache:
		if c.Granularity != 4096 {
			return keyErr("sys.mem.mcdram.cache_granularity", "UnisonCache requires granularity=4096")
		}
		if c.FootprintSize == 0 || c.FootprintSize > 64 {
			return keyErr("sys.mem.mcdram.footprint_size", "UnisonCache requires a footprint_size in [1,64]")
		}
	case request.HMA:
		if c.Granularity != 4096 {
			return keyErr("sys.mem.mcdram.cache_granularity", "HMA requires granularity=4096")
		}
		if c.NumWays != uint32(c.CacheSizeBytes/c.Granularity) {
			return keyErr("sys.mem.mcdram.num_ways", "HMA requires num_ways == cache_size/granularity (num_sets=1)")
		}
	case request.HybridCache:
		if c.Granularity != 4096 && c.Granularity != 4096*512 {
			return keyErr("sys.mem.mcdram.cache_granularity", "HybridCache requires granularity=4096 or 4096*512")
		}
	case request.Tagless:
		if c.NumSets() != 1 {
			return keyErr("sys.mem.mcdram.size", "Tagless requires num_sets=1 (fully associative)")
		}
		if c.Granularity != 4096 {
			return keyErr("sys.mem.mcdram.cache_granularity", "Tagless requires granularity=4096 for its 16-group bitvec")
		}
		if c.FootprintSize == 0 || c.FootprintSize > 64 {
			return keyErr("sys.mem.mcdram.footprint_size", "Tagless requires a footprint_size in [1,64]")
		}
	case request.NoCache, request.CacheOnly:
		// no geometry constraints.
	default:
		return fmt.Errorf("sys.mem.cache_scheme: unknown scheme %v", c.Scheme)
	}

	// Open Question (c): a bitvec width of 16 groups/page is only
	// consistent at G=4096; large-page granularity with bitvec use
	// (UnisonCache/Tagless) is rejected rather than silently truncated.
	if (c.Scheme == request.UnisonCache || c.Scheme == request.Tagless) && c.Granularity != 4096 {
		return keyErr("sys.mem.mcdram.cache_granularity", "footprint bitvec tracking is only defined for 4KB pages")
	}

	if c.BWBalance && c.Scheme != request.AlloyCache && c.Scheme != request.HybridCache {
		return keyErr("sys.mem.bwBalance", "bandwidth balancing is only supported for AlloyCache or HybridCache")
	}

	if c.ExtDRAMType != ExtDRAMSimple {
		return keyErr("sys.mem.ext_dram.type", "only the Simple external DRAM timing model is implemented; DDR/MD1/DRAMSim are external collaborators")
	}

	if c.PlacementPolicy != "LRU" && c.PlacementPolicy != "FBR" {
		return keyErr("sys.mem.mcdram.placementPolicy", "must be LRU or FBR")
	}

	if c.SampleRate < 0 || c.SampleRate > 1 {
		return keyErr("sys.mem.mcdram.sampleRate", "must be in [0,1]")
	}

	return nil
}

func keyErr(key, detail string) error {
	return errors.Wrapf(fmt.Errorf("%s", detail), "invalid configuration for %s", key)
}
