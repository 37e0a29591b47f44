// Package controller implements the dram-cache controller core (C7): the
// scheme-dispatching request pipeline and the bandwidth-balancing rebalance
// step (C8), modeled on MemoryController::access in
// original_source/src/mc.cpp.
package controller

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/yxymit/banshee/internal/backend"
	"github.com/yxymit/banshee/internal/config"
	"github.com/yxymit/banshee/internal/lineplace"
	"github.com/yxymit/banshee/internal/osplace"
	"github.com/yxymit/banshee/internal/pageplace"
	"github.com/yxymit/banshee/internal/request"
	"github.com/yxymit/banshee/internal/tagarray"
	"github.com/yxymit/banshee/internal/tagbuffer"
	"github.com/yxymit/banshee/internal/tracefile"
)

// Stats holds the event counters the original exposes through zsim's
// AggregateStat tree (MemoryController::initStats). Counters are plain
// uint64s updated under Controller's mutex; Controller.Stats returns a copy
// safe to read concurrently with further Access calls.
type Stats struct {
	NumPlacement      uint64
	NumCleanEviction  uint64
	NumDirtyEviction  uint64
	NumLoadHit        uint64
	NumLoadMiss       uint64
	NumStoreHit       uint64
	NumStoreMiss      uint64
	NumCounterAccess  uint64
	NumTagLoad        uint64
	NumTagStore       uint64
	NumTagBufferFlush uint64
	NumTBDirtyHit     uint64
	NumTBDirtyMiss    uint64
	NumTouchedLines   uint64
	NumEvictedLines   uint64
}

// Controller dispatches coherence requests to the near/far memory tiers per
// its configured Scheme, timing each access against a Backend and
// maintaining the near-memory tag metadata and placement policy state.
// One Controller serializes all non-PUTS requests behind mu, matching the
// original's per-controller futex.
type Controller struct {
	mu sync.Mutex

	scheme      request.Scheme
	numWays     uint32
	numSets     uint64
	granularity uint64
	mcdramPerMC uint32
	sramTag     bool
	llcLatency  uint64
	bwBalance   bool
	stepLength  uint64
	osQuantum   uint64
	footprint   uint32

	extDRAM backend.Backend
	mcdram  []backend.Backend

	sets []tagarray.Set
	tlb  *tagarray.TLB

	linePlace *lineplace.Policy
	pagePlace *pageplace.Policy
	osPlace   *osplace.Policy
	tagBuf    *tagbuffer.TagBuffer

	dsIndex       uint64
	nextEvictIdx  uint32
	numRequests   uint64
	numHitPerStep uint64
	numMissPerStep uint64
	mcBWPerStep   uint64
	extBWPerStep  uint64

	trace *tracefile.Writer
	log   zerolog.Logger
	stats Stats
}

// New constructs a Controller from cfg (already Validated by the caller),
// wiring extDRAM as the far-memory backend and mcdram as the near-memory
// channel backends (len(mcdram) == cfg.MCDRAMPerMC, except for NoCache).
// trace may be nil to disable request tracing.
func New(cfg config.Config, extDRAM backend.Backend, mcdram []backend.Backend, trace *tracefile.Writer, log zerolog.Logger) *Controller {
	c := &Controller{
		scheme:      cfg.Scheme,
		numWays:     cfg.NumWays,
		granularity: cfg.Granularity,
		mcdramPerMC: cfg.MCDRAMPerMC,
		sramTag:     cfg.SRAMTag,
		llcLatency:  uint64(cfg.L3Latency),
		bwBalance:   cfg.BWBalance,
		osQuantum:   cfg.OSQuantum,
		footprint:   cfg.FootprintSize,
		extDRAM:     extDRAM,
		mcdram:      mcdram,
		trace:       trace,
		log:         log.With().Str("component", "controller").Str("scheme", cfg.Scheme.String()).Logger(),
	}

	if cfg.Scheme == request.NoCache || cfg.Scheme == request.CacheOnly {
		return c
	}

	c.numSets = cfg.NumSets()
	c.stepLength = cfg.CacheSizeBytes / 64 / 10
	if c.stepLength == 0 {
		c.stepLength = 1
	}
	c.sets = make([]tagarray.Set, c.numSets)
	for i := range c.sets {
		c.sets[i] = tagarray.NewSet(cfg.NumWays)
	}
	c.tlb = tagarray.NewTLB(int(cfg.NumWays))

	switch cfg.Scheme {
	case request.AlloyCache:
		c.linePlace = lineplace.New(cfg.SampleSeed, cfg.SampleRate, cfg.EnableReplace)
	case request.HMA:
		c.osPlace = osplace.New()
	case request.UnisonCache, request.HybridCache:
		c.pagePlace = pageplace.New(pageplace.Config{
			Scheme:          cfg.Scheme,
			RepScheme:       repScheme(cfg.PlacementPolicy),
			NumSets:         c.numSets,
			NumWays:         cfg.NumWays,
			Granularity:     cfg.Granularity,
			SampleRate:      cfg.SampleRate,
			EnableReplace:   cfg.EnableReplace,
			EntriesPerChunk: cfg.NumEntriesPerChunk,
			Seed:            cfg.SampleSeed,
		})
	}

	if cfg.Scheme == request.HybridCache {
		c.tagBuf = tagbuffer.New(cfg.TagBufferSize)
	}

	return c
}

func repScheme(name string) pageplace.RepScheme {
	if name == "FBR" {
		return pageplace.FBR
	}
	return pageplace.LRU
}

// Stats returns a snapshot of the controller's event counters.
func (c *Controller) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// coherenceState derives the post-access MESI state the requesting core
// transitions to, independent of scheme (mc.cpp's switch on req.type at the
// top of access()).
func coherenceState(req request.Request) request.MESIState {
	switch req.Type {
	case request.PUTS, request.PUTX:
		return request.I
	case request.GETS:
		if req.NoExcl {
			return request.S
		}
		return request.E
	case request.GETX:
		return request.M
	default:
		return request.I
	}
}

// Access processes req and returns the cycle at which its data is ready,
// along with the coherence state the requester transitions to. PUTS
// (clean LLC eviction) bypasses the controller's mutex entirely and
// resolves instantly, matching the original's early return.
func (c *Controller) Access(req request.Request) (dataReadyCycle uint64, state request.MESIState) {
	state = coherenceState(req)
	if req.Type == request.PUTS {
		return req.Cycle, state
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.trace != nil {
		if err := c.trace.Record(req.LineAddr, req.Type == request.PUTX); err != nil {
			c.log.Warn().Err(err).Msg("trace record failed")
		}
	}

	c.numRequests++

	if c.scheme == request.NoCache {
		cycle := c.extDRAM.Access(req, backend.PriorityCritical, 4)
		c.stats.NumLoadHit++
		return cycle, state
	}

	typ := request.OpType(req.Type)
	address := req.LineAddr
	mcdramSelect := request.NearChannel(address, c.mcdramPerMC)
	mcAddress := request.NearAddr(address, c.mcdramPerMC)

	if c.scheme == request.CacheOnly {
		mcReq := req
		mcReq.LineAddr = mcAddress
		cycle := c.mcdram[mcdramSelect].Access(mcReq, backend.PriorityCritical, 4)
		c.stats.NumLoadHit++
		return cycle, state
	}

	tag := request.Tag(address, c.granularity)
	setNum := request.SetIndex(tag, c.numSets)
	set := &c.sets[setNum]
	hitWay := int(c.numWays)
	dataReadyCycle = req.Cycle
	cycle := req.Cycle
	hybridTagProbe := false

	if c.granularity >= 4096 {
		entry := c.tlb.Lookup(tag)
		if entry.Way != c.tlb.NoWay() {
			hitWay = entry.Way
		}

		if c.scheme == request.UnisonCache {
			if typ == request.Load {
				probeReq := req
				probeReq.LineAddr = mcAddress
				cycle = c.mcdram[mcdramSelect].Access(probeReq, backend.PriorityCritical, 6)
				c.mcBWPerStep += 6
			} else {
				probeReq := req
				probeReq.LineAddr = mcAddress
				probeReq.Type = request.GETS
				cycle = c.mcdram[mcdramSelect].Access(probeReq, backend.PriorityCritical, 2)
				c.mcBWPerStep += 2
			}
			c.stats.NumTagLoad++
		}

		if c.scheme == request.HybridCache && typ == request.Store {
			if c.tagBuf.Exists(tag) == c.tagBuf.NumWays() && setNum >= c.dsIndex {
				c.stats.NumTBDirtyMiss++
				if !c.sramTag {
					hybridTagProbe = true
				}
			} else {
				c.stats.NumTBDirtyHit++
			}
		}
		if c.scheme == request.HybridCache && c.sramTag {
			cycle += c.llcLatency
		}
	} else {
		// AlloyCache: single-way tag compare, no TLB.
		if set.Ways[0].Valid && set.Ways[0].Tag == tag && setNum >= c.dsIndex {
			hitWay = 0
		}
		if typ == request.Load && setNum >= c.dsIndex {
			if c.sramTag {
				cycle += c.llcLatency
			} else {
				tagReq := req
				tagReq.LineAddr = mcAddress
				cycle = c.mcdram[mcdramSelect].Access(tagReq, backend.PriorityCritical, 6)
				c.mcBWPerStep += 6
				c.stats.NumTagLoad++
			}
		}
	}

	cacheHit := hitWay != int(c.numWays)
	counterAccess := false

	if !cacheHit {
		cycle, dataReadyCycle = c.handleMiss(req, typ, tag, setNum, set, mcAddress, mcdramSelect, cycle, hybridTagProbe, &counterAccess)
	} else {
		cycle, dataReadyCycle = c.handleHit(req, typ, tag, setNum, set, hitWay, mcAddress, mcdramSelect, cycle, hybridTagProbe, &counterAccess)
	}

	if counterAccess && !c.sramTag {
		c.stats.NumCounterAccess++
		counterReq := req
		counterReq.LineAddr = mcAddress
		counterReq.Type = request.GETS
		c.mcdram[mcdramSelect].Access(counterReq, backend.PriorityBackground, 2)
		counterReq.Type = request.PUTX
		c.mcdram[mcdramSelect].Access(counterReq, backend.PriorityBackground, 2)
		c.mcBWPerStep += 4
	}

	if c.scheme == request.HybridCache && c.tagBuf.Occupancy() > 0.7 {
		c.log.Info().Float64("occupancy", c.tagBuf.Occupancy()).Msg("tag buffer flush")
		c.tagBuf.Clear()
		c.stats.NumTagBufferFlush++
	}

	if c.scheme == request.HMA && c.osQuantum > 0 && c.numRequests%c.osQuantum == 0 {
		numReplace := c.osPlace.RemapPages()
		c.stats.NumPlacement += numReplace * 2
	}

	if c.numRequests%c.stepLength == 0 {
		c.rebalance(req)
	}

	return dataReadyCycle, state
}

// handleMiss selects a replacement way (if any) and issues the far-memory
// fetch and near-memory install/writeback accesses, mirroring the
// !cache_hit branch of mc.cpp's access().
func (c *Controller) handleMiss(req request.Request, typ request.Type, tag request.Address, setNum uint64, set *tagarray.Set, mcAddress request.Address, mcdramSelect uint32, cycle uint64, hybridTagProbe bool, counterAccess *bool) (newCycle, dataReadyCycle uint64) {
	curCycle := cycle
	c.numMissPerStep++
	if typ == request.Load {
		c.stats.NumLoadMiss++
	} else {
		c.stats.NumStoreMiss++
	}

	replaceWay := int(c.numWays)
	switch c.scheme {
	case request.AlloyCache:
		if setNum >= c.dsIndex {
			place := c.linePlace.HandleCacheMiss(&set.Ways[0])
			if place {
				replaceWay = 0
			} else {
				replaceWay = 1
			}
		}
	case request.HMA:
		c.osPlace.HandleCacheAccess(tag, typ)
	case request.Tagless:
		replaceWay = int(c.nextEvictIdx)
		c.nextEvictIdx = (c.nextEvictIdx + 1) % c.numWays
	default: // UnisonCache, HybridCache
		if setNum >= c.dsIndex {
			missRate := c.recentMissRate()
			replaceWay, *counterAccess = c.pagePlace.HandleCacheMiss(tag, typ, setNum, set, c.tagBuf, c.numRequests, missRate)
		}
	}

	cycle = c.farFetch(req, typ, tag, setNum, mcAddress, mcdramSelect, replaceWay, hybridTagProbe, cycle)
	dataReadyCycle = cycle

	if replaceWay < int(c.numWays) {
		c.install(req, typ, tag, setNum, set, replaceWay, mcAddress, mcdramSelect, curCycle, cycle)
	} else if c.scheme == request.HybridCache && typ == request.Load && c.tagBuf.CanInsert(tag) {
		c.tagBuf.Insert(tag, false)
	}

	return cycle, dataReadyCycle
}

// farFetch issues the external-dram load (and any companion near-memory tag
// probe) that a miss requires before the replacement can be installed,
// mirroring the "load from external dram" block of access().
func (c *Controller) farFetch(req request.Request, typ request.Type, tag request.Address, setNum uint64, mcAddress request.Address, mcdramSelect uint32, replaceWay int, hybridTagProbe bool, cycle uint64) uint64 {
	switch c.scheme {
	case request.AlloyCache:
		switch {
		case typ == request.Load:
			prio := backend.PriorityCritical
			if !c.sramTag && setNum >= c.dsIndex {
				prio = backend.PriorityDependent
			}
			cycle = c.extDRAM.Access(req, prio, 4)
		case typ == request.Store && replaceWay >= int(c.numWays):
			cycle = c.extDRAM.Access(req, backend.PriorityCritical, 4)
		default: // Store, replacing
			loadReq := req
			loadReq.Type = request.GETS
			cycle = c.extDRAM.Access(loadReq, backend.PriorityCritical, 4)
		}
		c.extBWPerStep += 4
	case request.HMA:
		cycle = c.extDRAM.Access(req, backend.PriorityCritical, 4)
		c.extBWPerStep += 4
	case request.UnisonCache:
		if typ == request.Load || replaceWay >= int(c.numWays) {
			cycle = c.extDRAM.Access(req, backend.PriorityDependent, 4)
			c.extBWPerStep += 4
		}
	case request.HybridCache:
		if hybridTagProbe {
			probeReq := req
			probeReq.LineAddr = mcAddress
			probeReq.Type = request.GETS
			cycle = c.mcdram[mcdramSelect].Access(probeReq, backend.PriorityCritical, 2)
			c.mcBWPerStep += 2
			cycle = c.extDRAM.Access(req, backend.PriorityDependent, 4)
			c.stats.NumTagLoad++
		} else {
			cycle = c.extDRAM.Access(req, backend.PriorityCritical, 4)
		}
		c.extBWPerStep += 4
	case request.Tagless:
		cycle = c.extDRAM.Access(req, backend.PriorityCritical, 4)
		c.extBWPerStep += 4
	}
	return cycle
}

// install places a freshly fetched line/page into set.Ways[replaceWay],
// evicting and (if dirty) writing back whatever was there, and updates the
// TLB/tag-buffer/footprint-bitvec bookkeeping, mirroring the "mcdram
// replacement" block of access().
func (c *Controller) install(req request.Request, typ request.Type, tag request.Address, setNum uint64, set *tagarray.Set, replaceWay int, mcAddress request.Address, mcdramSelect uint32, curCycle, cycle uint64) {
	switch c.scheme {
	case request.AlloyCache:
		size := uint32(6)
		if c.sramTag {
			size = 4
		}
		insertReq := req
		insertReq.LineAddr = mcAddress
		insertReq.Type = request.PUTX
		c.mcdram[mcdramSelect].Access(insertReq, backend.PriorityBackground, size)
		c.mcBWPerStep += uint64(size)
		c.stats.NumTagStore++
	case request.UnisonCache, request.HybridCache, request.Tagless:
		accessSize := c.granularity / 64
		if c.scheme != request.HybridCache {
			accessSize = uint64(c.footprint)
		}
		loadReq := req
		loadReq.LineAddr = tag * 64
		loadReq.Type = request.GETS
		c.extDRAM.Access(loadReq, backend.PriorityBackground, uint32(accessSize)*4)
		c.extBWPerStep += accessSize * 4

		insertReq := req
		insertReq.LineAddr = mcAddress
		insertReq.Type = request.PUTX
		c.mcdram[mcdramSelect].Access(insertReq, backend.PriorityBackground, uint32(accessSize)*4)
		c.mcBWPerStep += accessSize * 4

		if c.scheme == request.Tagless {
			loadGIPT := req
			loadGIPT.LineAddr = tag * 64
			loadGIPT.Type = request.GETS
			storeGIPT := req
			storeGIPT.LineAddr = tag * 64
			storeGIPT.Type = request.PUTS
			c.extDRAM.Access(loadGIPT, backend.PriorityBackground, 2)
			c.extDRAM.Access(storeGIPT, backend.PriorityBackground, 2)
			c.extBWPerStep += 4
		} else if !c.sramTag {
			c.mcdram[mcdramSelect].Access(insertReq, backend.PriorityBackground, 2)
			c.mcBWPerStep += 2
		}
		c.stats.NumTagStore++
	}

	c.stats.NumPlacement++

	if set.Ways[replaceWay].Valid {
		replacedTag := set.Ways[replaceWay].Tag

		if c.scheme == request.HybridCache {
			if !c.tagBuf.CanInsertPair(tag, replacedTag) {
				c.log.Info().Msg("tag buffer flush")
				c.tagBuf.Clear()
				c.stats.NumTagBufferFlush++
			}
			c.tagBuf.Insert(tag, true)
			c.tagBuf.Insert(replacedTag, true)
		}

		c.tlb.Invalidate(replacedTag)
		replacedEntry, _ := c.tlb.Peek(replacedTag)
		var touchLines, dirtyLines uint32
		if replacedEntry != nil {
			touchLines = popcount(replacedEntry.TouchBitvec) * 4
			dirtyLines = popcount(replacedEntry.DirtyBitvec) * 4
		}
		if c.scheme == request.UnisonCache || c.scheme == request.Tagless {
			c.stats.NumTouchedLines += uint64(touchLines)
			c.stats.NumEvictedLines += uint64(dirtyLines)
		}

		if set.Ways[replaceWay].Dirty {
			c.stats.NumDirtyEviction++
			c.writeback(req, typ, set, replaceWay, mcAddress, mcdramSelect, curCycle, dirtyLines)
		} else {
			c.stats.NumCleanEviction++
		}
	}

	set.Install(replaceWay, tag, req.Type == request.PUTX)
	c.tlb.Lookup(tag).Way = replaceWay

	if c.scheme == request.UnisonCache || c.scheme == request.Tagless {
		entry := c.tlb.Lookup(tag)
		bit := footprintBit(req.LineAddr, tag)
		entry.TouchBitvec = bit
		entry.DirtyBitvec = 0
		if typ == request.Store {
			entry.DirtyBitvec = bit
		}
	}
}

// writeback evicts replaceWay's dirty line/page back to external dram,
// mirroring the per-scheme dirty-eviction block.
func (c *Controller) writeback(req request.Request, typ request.Type, set *tagarray.Set, replaceWay int, mcAddress request.Address, mcdramSelect uint32, curCycle uint64, dirtyLines uint32) {
	replacedLineAddr := set.Ways[replaceWay].Tag * 64
	switch c.scheme {
	case request.AlloyCache:
		if typ == request.Store && c.sramTag {
			loadReq := req
			loadReq.LineAddr = mcAddress
			loadReq.Type = request.GETS
			loadReq.Cycle = curCycle
			c.mcdram[mcdramSelect].Access(loadReq, backend.PriorityBackground, 4)
			c.mcBWPerStep += 4
		}
		wbReq := req
		wbReq.LineAddr = replacedLineAddr
		wbReq.Type = request.PUTX
		wbReq.Cycle = curCycle
		c.extDRAM.Access(wbReq, backend.PriorityBackground, 4)
		c.extBWPerStep += 4
	case request.HybridCache:
		beats := uint32(c.granularity/64) * 4
		loadReq := req
		loadReq.LineAddr = mcAddress
		loadReq.Type = request.GETS
		loadReq.Cycle = curCycle
		c.mcdram[mcdramSelect].Access(loadReq, backend.PriorityBackground, beats)
		c.mcBWPerStep += uint64(beats)
		wbReq := req
		wbReq.LineAddr = replacedLineAddr
		wbReq.Type = request.PUTX
		wbReq.Cycle = curCycle
		c.extDRAM.Access(wbReq, backend.PriorityBackground, beats)
		c.extBWPerStep += uint64(beats)
	case request.UnisonCache, request.Tagless:
		beats := dirtyLines * 4
		loadReq := req
		loadReq.LineAddr = mcAddress
		loadReq.Type = request.GETS
		loadReq.Cycle = curCycle
		c.mcdram[mcdramSelect].Access(loadReq, backend.PriorityBackground, beats)
		c.mcBWPerStep += uint64(beats)
		wbReq := req
		wbReq.LineAddr = replacedLineAddr
		wbReq.Type = request.PUTX
		wbReq.Cycle = curCycle
		c.extDRAM.Access(wbReq, backend.PriorityBackground, beats)
		c.extBWPerStep += uint64(beats)
		if c.scheme == request.Tagless {
			tag := replacedLineAddr / 64
			loadGIPT := req
			loadGIPT.LineAddr = tag * 64
			loadGIPT.Type = request.GETS
			storeGIPT := req
			storeGIPT.LineAddr = tag * 64
			storeGIPT.Type = request.PUTS
			c.extDRAM.Access(loadGIPT, backend.PriorityBackground, 2)
			c.extDRAM.Access(storeGIPT, backend.PriorityBackground, 2)
			c.extBWPerStep += 4
		}
	}
}

// handleHit services a cache hit: scheme-specific near-memory accesses,
// placement-policy hit hooks, and dirty-bit/footprint-bitvec updates,
// mirroring the cache_hit branch of access().
func (c *Controller) handleHit(req request.Request, typ request.Type, tag request.Address, setNum uint64, set *tagarray.Set, hitWay int, mcAddress request.Address, mcdramSelect uint32, cycle uint64, hybridTagProbe bool, counterAccess *bool) (newCycle, dataReadyCycle uint64) {
	if c.scheme == request.AlloyCache {
		if typ == request.Load && c.sramTag {
			readReq := req
			readReq.LineAddr = mcAddress
			readReq.Type = request.GETX
			cycle = c.mcdram[mcdramSelect].Access(readReq, backend.PriorityCritical, 4)
			c.mcBWPerStep += 4
		}
		if typ == request.Store {
			writeReq := req
			writeReq.LineAddr = mcAddress
			writeReq.Type = request.PUTX
			cycle = c.mcdram[mcdramSelect].Access(writeReq, backend.PriorityCritical, 4)
			c.mcBWPerStep += 4
		}
	} else if c.scheme == request.UnisonCache && typ == request.Store {
		writeReq := req
		writeReq.LineAddr = mcAddress
		writeReq.Type = request.PUTX
		cycle = c.mcdram[mcdramSelect].Access(writeReq, backend.PriorityDependent, 4)
		c.mcBWPerStep += 4
	}
	if c.scheme == request.AlloyCache || c.scheme == request.UnisonCache {
		dataReadyCycle = cycle
	}

	c.numHitPerStep++

	switch c.scheme {
	case request.HMA:
		c.osPlace.HandleCacheAccess(tag, typ)
	case request.HybridCache, request.UnisonCache:
		missRate := c.recentMissRate()
		*counterAccess = c.pagePlace.HandleCacheHit(tag, setNum, hitWay, c.numRequests, missRate)
	}

	if req.Type == request.PUTX {
		c.stats.NumStoreHit++
		set.Ways[hitWay].Dirty = true
	} else {
		c.stats.NumLoadHit++
	}

	if c.scheme == request.HybridCache {
		if !hybridTagProbe {
			dataReq := req
			dataReq.LineAddr = mcAddress
			cycle = c.mcdram[mcdramSelect].Access(dataReq, backend.PriorityCritical, 4)
			c.mcBWPerStep += 4
			dataReadyCycle = cycle
			if typ == request.Load && c.tagBuf.CanInsert(tag) {
				c.tagBuf.Insert(tag, false)
			}
		} else {
			probeReq := req
			probeReq.LineAddr = mcAddress
			probeReq.Type = request.GETS
			cycle = c.mcdram[mcdramSelect].Access(probeReq, backend.PriorityCritical, 2)
			c.mcBWPerStep += 2
			c.stats.NumTagLoad++
			dataReq := req
			dataReq.LineAddr = mcAddress
			cycle = c.mcdram[mcdramSelect].Access(dataReq, backend.PriorityDependent, 4)
			c.mcBWPerStep += 4
			dataReadyCycle = cycle
		}
	} else if c.scheme == request.Tagless {
		dataReq := req
		dataReq.LineAddr = mcAddress
		cycle = c.mcdram[mcdramSelect].Access(dataReq, backend.PriorityCritical, 4)
		c.mcBWPerStep += 4
		dataReadyCycle = cycle
		entry := c.tlb.Lookup(tag)
		bit := footprintBit(req.LineAddr, tag)
		entry.TouchBitvec |= bit
		if typ == request.Store {
			entry.DirtyBitvec |= bit
		}
	}

	if c.scheme == request.HMA {
		dataReq := req
		dataReq.LineAddr = mcAddress
		cycle = c.mcdram[mcdramSelect].Access(dataReq, backend.PriorityCritical, 4)
		c.mcBWPerStep += 4
		dataReadyCycle = cycle
	}
	if c.scheme == request.UnisonCache {
		updateReq := req
		updateReq.LineAddr = mcAddress
		updateReq.Type = request.PUTX
		c.mcdram[mcdramSelect].Access(updateReq, backend.PriorityBackground, 2)
		c.mcBWPerStep += 2
		c.stats.NumTagStore++
		entry := c.tlb.Lookup(tag)
		bit := footprintBit(req.LineAddr, tag)
		entry.TouchBitvec |= bit
		if typ == request.Store {
			entry.DirtyBitvec |= bit
		}
	}

	return cycle, dataReadyCycle
}

// recentMissRate is the miss fraction over the current accounting window,
// matching MemoryController::getRecentMissRate.
func (c *Controller) recentMissRate() float64 {
	total := c.numMissPerStep + c.numHitPerStep
	if total == 0 {
		return 0
	}
	return float64(c.numMissPerStep) / float64(total)
}

// rebalance halves the windowed hit/miss/bandwidth counters every
// stepLength requests and, if bandwidth balancing is enabled, shifts
// dsIndex toward an 80% near-memory bandwidth share, writing back every
// dirty line and invalidating every way in the sets that cross the boundary.
// Mirrors the tail of access() in mc.cpp.
func (c *Controller) rebalance(req request.Request) {
	c.numHitPerStep /= 2
	c.numMissPerStep /= 2
	c.mcBWPerStep /= 2
	c.extBWPerStep /= 2

	if !c.bwBalance || c.mcBWPerStep+c.extBWPerStep == 0 {
		return
	}

	ratio := float64(c.mcBWPerStep) / float64(c.mcBWPerStep+c.extBWPerStep)
	const targetRatio = 0.8
	indexStep := int64(c.numSets / 1000)
	var deltaIndex int64
	if ratio-targetRatio <= -0.02 || ratio-targetRatio >= 0.02 {
		deltaIndex = int64(float64(indexStep) * (ratio - targetRatio) / 0.01)
	}
	c.log.Debug().Float64("ratio", ratio).Int64("delta_index", deltaIndex).Msg("bandwidth rebalance")

	if deltaIndex > 0 {
		for mc := uint32(0); mc < c.mcdramPerMC; mc++ {
			for set := c.dsIndex; set < c.dsIndex+uint64(deltaIndex); set++ {
				if set >= c.numSets {
					break
				}
				c.flushSet(req, mc, set)
			}
		}
	}

	newIndex := int64(c.dsIndex) + deltaIndex
	if newIndex <= 0 {
		c.dsIndex = 0
	} else {
		c.dsIndex = uint64(newIndex)
	}
}

func (c *Controller) flushSet(req request.Request, mc uint32, setNum uint64) {
	set := &c.sets[setNum]
	for way := uint32(0); way < c.numWays; way++ {
		meta := &set.Ways[way]
		if meta.Valid && meta.Dirty {
			loadReq := req
			loadReq.LineAddr = meta.Tag * 64
			loadReq.Type = request.GETS
			beats := uint32(c.granularity/64) * 4
			c.mcdram[mc].Access(loadReq, backend.PriorityBackground, beats)
			wbReq := req
			wbReq.LineAddr = meta.Tag * 64
			wbReq.Type = request.GETS
			c.extDRAM.Access(wbReq, backend.PriorityBackground, beats)
			c.extBWPerStep += uint64(beats)
			c.mcBWPerStep += uint64(beats)
		}
		if c.scheme == request.HybridCache && meta.Valid {
			c.tlb.Invalidate(meta.Tag)
			if !c.tagBuf.CanInsert(meta.Tag) {
				c.log.Info().Msg("tag buffer flush during rebalance")
				c.tagBuf.Clear()
				c.stats.NumTagBufferFlush++
			}
			c.tagBuf.Insert(meta.Tag, true)
		}
		meta.Valid = false
		meta.Dirty = false
	}
	if c.scheme == request.HybridCache {
		c.pagePlace.FlushChunk(setNum)
	}
}

// footprintBit returns the single-bit mask for address's 4-line group
// within its page (UnisonCache/Tagless footprint tracking: 16 groups of 4
// lines each per 4KB page).
func footprintBit(address, tag request.Address) uint64 {
	bit := (uint64(address) - uint64(tag)*64) / 4
	return uint64(1) << bit
}

func popcount(v uint64) uint32 {
	count := uint32(0)
	for v != 0 {
		v &= v - 1
		count++
	}
	return count
}
