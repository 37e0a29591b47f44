// Package pageplace implements the page-granularity placement/replacement
// policy (C4): LRU and Frequency-Based Replacement (FBR) with per-chunk
// counters, modeled on original_source/src/page_placement.cpp.
package pageplace

import (
	"math/rand"

	"github.com/yxymit/banshee/internal/request"
	"github.com/yxymit/banshee/internal/tagarray"
	"github.com/yxymit/banshee/internal/tagbuffer"
)

// RepScheme selects the page-placement sub-policy.
type RepScheme uint8

const (
	LRU RepScheme = iota
	FBR
)

// ChunkEntry is one page-placement counter record. The first NumWays
// positions of a chunk mirror the currently cached pages of that set
// (spec.md §3 invariant 3); positions [NumWays, len) are shadow candidates.
type ChunkEntry struct {
	Tag   request.Address
	Valid bool
	Count uint32
}

// Config bundles Policy construction parameters.
type Config struct {
	Scheme          request.Scheme
	RepScheme       RepScheme
	NumSets         uint64
	NumWays         uint32
	Granularity     uint64
	SampleRate      float64
	EnableReplace   bool
	EntriesPerChunk uint32
	Seed            int64
}

// Policy implements §4.3's LRU and FBR sub-policies over one shared
// per-set LRU order and per-set chunk-entry array.
type Policy struct {
	scheme        request.Scheme
	rep           RepScheme
	rng           *rand.Rand
	numWays       uint32
	granularity   uint64
	sampleRate    float64
	enableReplace bool
	maxCount      uint32

	lru    [][]uint32     // per set, per way: LRU rank (0 = MRU)
	chunks [][]ChunkEntry // per set: EntriesPerChunk counter records
}

// New constructs a page-placement policy from cfg.
func New(cfg Config) *Policy {
	if cfg.EntriesPerChunk <= cfg.NumWays {
		panic("pageplace: num_entries_per_chunk must exceed num_ways")
	}
	maxCount := uint32(255)
	if cfg.SampleRate < 1 {
		maxCount = 31
		if cfg.Granularity > 4096 {
			maxCount = 255
		}
	}
	p := &Policy{
		scheme:        cfg.Scheme,
		rep:           cfg.RepScheme,
		rng:           rand.New(rand.NewSource(cfg.Seed)),
		numWays:       cfg.NumWays,
		granularity:   cfg.Granularity,
		sampleRate:    cfg.SampleRate,
		enableReplace: cfg.EnableReplace,
		maxCount:      maxCount,
		lru:           make([][]uint32, cfg.NumSets),
		chunks:        make([][]ChunkEntry, cfg.NumSets),
	}
	for s := uint64(0); s < cfg.NumSets; s++ {
		ranks := make([]uint32, cfg.NumWays)
		for w := range ranks {
			ranks[w] = uint32(w)
		}
		p.lru[s] = ranks
		p.chunks[s] = make([]ChunkEntry, cfg.EntriesPerChunk)
	}
	return p
}

// RepScheme reports the configured sub-policy.
func (p *Policy) RepScheme() RepScheme { return p.rep }

// NoWay is the sentinel "do not replace" return value (equal to NumWays).
func (p *Policy) NoWay() int { return int(p.numWays) }

// HandleCacheMiss selects a replacement way for tag on a miss to setNum, or
// NoWay() to install nowhere. counterAccess reports whether a placement
// counter (FBR chunk entry) was touched, which the controller bills as two
// 2-beat near accesses.
func (p *Policy) HandleCacheMiss(tag request.Address, typ request.Type, setNum uint64, set *tagarray.Set, tb *tagbuffer.TagBuffer, numRequests uint64, recentMissRate float64) (way int, counterAccess bool) {
	if p.rep == LRU {
		return p.lruMiss(tag, setNum, set, tb)
	}
	return p.fbrMiss(tag, typ, setNum, set, tb, numRequests, recentMissRate)
}

// HandleCacheHit updates placement state on a hit to hitWay. counterAccess
// reports whether a placement counter was touched (FBR only).
func (p *Policy) HandleCacheHit(tag request.Address, setNum uint64, hitWay int, numRequests uint64, recentMissRate float64) (counterAccess bool) {
	if p.rep == LRU {
		p.updateLRU(setNum, hitWay)
		return false
	}
	return p.fbrHit(tag, setNum, numRequests, recentMissRate)
}

// FlushChunk zeroes every ChunkEntry in set, used by the bandwidth balancer
// when a set's valid ways are invalidated wholesale.
func (p *Policy) FlushChunk(setNum uint64) {
	chunk := p.chunks[setNum]
	for i := range chunk {
		chunk[i] = ChunkEntry{}
	}
}

func (p *Policy) updateLRU(setNum uint64, way int) {
	ranks := p.lru[setNum]
	for i := range ranks {
		if ranks[i] < ranks[way] {
			ranks[i]++
		}
	}
	ranks[way] = 0
}

func (p *Policy) lruMiss(tag request.Address, setNum uint64, set *tagarray.Set, tb *tagbuffer.TagBuffer) (int, bool) {
	if set.HasEmptyWay() {
		w := set.FirstEmptyWay()
		p.updateLRU(setNum, w)
		return w, false
	}
	if !p.enableReplace {
		return p.NoWay(), false
	}
	if p.rng.Float64() >= p.sampleRate {
		return p.NoWay(), false
	}
	ranks := p.lru[setNum]
	for i, r := range ranks {
		if r != p.numWays-1 {
			continue
		}
		victimTag := set.Ways[i].Tag
		if p.scheme == request.HybridCache && !tb.CanInsertPair(tag, victimTag) {
			return p.NoWay(), false
		}
		p.updateLRU(setNum, i)
		return i, false
	}
	return p.NoWay(), false
}

func (p *Policy) fbrMiss(tag request.Address, typ request.Type, setNum uint64, set *tagarray.Set, tb *tagbuffer.TagBuffer, numRequests uint64, recentMissRate float64) (int, bool) {
	// LLC dirty eviction (store) never causes an FBR replacement.
	if typ == request.Store {
		return p.NoWay(), false
	}

	sampleRate := p.sampleRate
	missRateTune := sampleRate != 1
	if numRequests < uint64(len(p.chunks))*uint64(p.numWays)*512 {
		sampleRate = 1
	}

	emptyWay := set.FirstEmptyWay()
	if !set.HasEmptyWay() && !p.sampleOrNot(sampleRate, missRateTune, recentMissRate) {
		return p.NoWay(), false
	}

	chunk := p.chunks[setNum]
	idx := p.getChunkEntry(tag, chunk)
	if idx == len(chunk) {
		return p.NoWay(), true
	}
	chunk[idx].Count++
	if chunk[idx].Count >= p.maxCount {
		p.handleOverflow(chunk, idx)
	}

	if emptyWay < int(p.numWays) {
		if idx != emptyWay {
			panic("pageplace: FBR empty-way allocation must mirror the way index")
		}
		return emptyWay, true
	}

	victim := p.pickVictim(chunk)
	if p.compareCounter(chunk[idx], chunk[victim]) && (p.scheme != request.HybridCache || tb.CanInsertPair(tag, chunk[victim].Tag)) {
		chunk[idx], chunk[victim] = chunk[victim], chunk[idx]
		return victim, true
	}
	return p.NoWay(), true
}

func (p *Policy) fbrHit(tag request.Address, setNum uint64, numRequests uint64, recentMissRate float64) bool {
	sampleRate := p.sampleRate
	missRateTune := sampleRate != 1
	if numRequests < uint64(len(p.chunks))*uint64(p.numWays)*512 {
		sampleRate = 1
	}
	if !p.sampleOrNot(sampleRate, missRateTune, recentMissRate) {
		return false
	}
	chunk := p.chunks[setNum]
	idx := p.getChunkEntry(tag, chunk)
	if idx == len(chunk) {
		return true
	}
	chunk[idx].Count++
	if chunk[idx].Count >= p.maxCount {
		p.handleOverflow(chunk, idx)
	}
	return true
}

// getChunkEntry finds tag's existing chunk slot, or allocates one: the
// first invalid slot if any exists, else a randomly chosen shadow
// candidate, replaced with probability 1 - 1/count (counts of 0 are always
// replaced). Returns len(chunk) if no slot could be allocated.
func (p *Policy) getChunkEntry(tag request.Address, chunk []ChunkEntry) int {
	idx := len(chunk)
	for i := range chunk {
		if chunk[i].Valid && chunk[i].Tag == tag {
			return i
		}
		if !chunk[i].Valid && idx == len(chunk) {
			idx = i
		}
	}
	if idx == len(chunk) {
		shadowLen := len(chunk) - int(p.numWays)
		cand := int(p.numWays) + p.rng.Intn(shadowLen)
		f := p.rng.Float64()
		if chunk[cand].Count == 0 || f > 1.0/float64(chunk[cand].Count) {
			idx = cand
		}
	}
	if idx < len(chunk) {
		chunk[idx] = ChunkEntry{Valid: true, Tag: tag, Count: 0}
	}
	return idx
}

func (p *Policy) sampleOrNot(sampleRate float64, missRateTune bool, recentMissRate float64) bool {
	f := p.rng.Float64()
	if missRateTune {
		return f < sampleRate*recentMissRate
	}
	return f < sampleRate
}

func (p *Policy) compareCounter(cand, victim ChunkEntry) bool {
	threshold := float64(victim.Count) + float64(p.granularity/128)*p.sampleRate
	return float64(cand.Count) >= threshold
}

func (p *Policy) pickVictim(chunk []ChunkEntry) int {
	victim := int(p.numWays)
	minCount := uint32(1<<32 - 1)
	for i := 0; i < int(p.numWays); i++ {
		if chunk[i].Count < minCount {
			minCount = chunk[i].Count
			victim = i
		}
	}
	return victim
}

func (p *Policy) handleOverflow(chunk []ChunkEntry, overflowIdx int) {
	for i := range chunk {
		if i == overflowIdx {
			chunk[i].Count = (chunk[i].Count + 1) / 2
		} else {
			chunk[i].Count /= 2
		}
	}
}
