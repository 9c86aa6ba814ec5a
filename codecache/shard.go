package codecache

import (
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/xvmproject/xvm/addr"
)

// shard is one partition of the Cache.
// It owns its own lock, its own build-in-progress group and its own
// eviction bookkeeping so unrelated keys never contend.
type shard struct {
	mu      sync.Mutex
	entries map[Key]*entry
	epoch   uint64

	budget   int64
	resident int64
	policy   Policy

	build singleflight.Group
}

func newShard(budget int64, policy Policy) *shard {
	return &shard{
		entries: make(map[Key]*entry),
		budget:  budget,
		policy:  policy,
	}
}

func (s *shard) lookup(key Key) (*Handle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok {
		return nil, false
	}

	e.mu.Lock()
	if e.stale {
		e.mu.Unlock()

		return nil, false
	}

	e.refcount++
	epoch := e.epoch
	e.mu.Unlock()

	e.block.Touch()

	return &Handle{e: e, epoch: epoch}, true
}

func (s *shard) insert(block *CompiledBlock) *Handle {
	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.entries[block.Key]; ok {
		old.mu.Lock()
		old.stale = true
		oldRefcount := old.refcount
		old.mu.Unlock()

		if oldRefcount == 0 {
			s.resident -= int64(len(old.block.Code))
		}
	}

	s.epoch++
	e := &entry{block: block, epoch: s.epoch, refcount: 1}
	s.entries[block.Key] = e
	s.resident += int64(len(block.Code))

	s.evictLocked()

	return &Handle{e: e, epoch: e.epoch}
}

// evictLocked runs the configured policy until resident bytes are back
// under budget or no evictable (refcount-0, non-stale) entry remains.
// Caller must hold s.mu.
func (s *shard) evictLocked() {
	for s.resident > s.budget {
		victim, ok := s.pickVictimLocked()
		if !ok {
			return
		}

		victim.mu.Lock()
		victim.stale = true
		victim.mu.Unlock()

		s.resident -= int64(len(victim.block.Code))
		delete(s.entries, victim.block.Key)
	}
}

// pickVictimLocked scores every evictable entry per s.policy and
// returns the lowest-scoring one. Caller must hold s.mu.
func (s *shard) pickVictimLocked() (*entry, bool) {
	var (
		best      *entry
		bestScore float64
	)

	for _, e := range s.entries {
		e.mu.Lock()
		evictable := !e.stale && e.refcount == 0
		e.mu.Unlock()

		if !evictable {
			continue
		}

		score := s.score(e)
		if best == nil || score < bestScore {
			best, bestScore = e, score
		}
	}

	return best, best != nil
}

// score computes a lower-is-evicted-first value for e under the
// shard's configured Policy.
func (s *shard) score(e *entry) float64 {
	switch s.policy {
	case PolicyLFU:
		return float64(e.block.ExecCount())
	case PolicyCostValue:
		cost := float64(len(e.block.Code))
		if cost == 0 {
			cost = 1
		}

		return float64(e.block.ExecCount()) / cost
	default: // PolicyLRU
		return float64(e.block.lastUsedTime().UnixNano())
	}
}

func (s *shard) invalidate(region addr.Region) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key, e := range s.entries {
		if !blockIntersects(e.block, region) {
			continue
		}

		e.mu.Lock()
		alreadyStale := e.stale
		e.stale = true
		refcount := e.refcount
		e.mu.Unlock()

		if alreadyStale {
			continue
		}

		delete(s.entries, key)

		if refcount == 0 {
			s.resident -= int64(len(e.block.Code))
		}
	}
}

func blockIntersects(b *CompiledBlock, region addr.Region) bool {
	codePage := addr.Region{Lo: addr.PageOfPhys(addr.GuestPhys(b.Key.PC)), Hi: addr.PageOfPhys(addr.GuestPhys(b.Key.PC)) + addr.PageSize}
	if codePage.Overlaps(region) {
		return true
	}

	for _, g := range b.Guards {
		if g.Overlaps(region) {
			return true
		}
	}

	return false
}

func (s *shard) residentBytes() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.resident
}

// buildOnce serializes concurrent compiles for the same key through
// singleflight, satisfying  at-most-one-build
// invariant without the shard lock being held across the (potentially
// slow) build call.
func (s *shard) buildOnce(key Key, build func() (*CompiledBlock, error)) (*CompiledBlock, error, bool) {
	v, err, shared := s.build.Do(singleflightKeyOf(key), func() (interface{}, error) {
		return build()
	})
	if err != nil {
		return nil, err, shared
	}

	return v.(*CompiledBlock), nil, shared
}
