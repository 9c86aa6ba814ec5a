package mmu

import (
	"errors"
	"sort"
	"sync"

	"github.com/xvmproject/xvm/addr"
)

// ErrMMIOOverlap is returned when a registered range overlaps one
// already present.
var ErrMMIOOverlap = errors.New("mmu: mmio range overlaps an existing registration")

// Handler is the MMIO handler contract Both
// callbacks must be non-blocking on the fast path; long-running work
// must be offloaded by the handler's own implementation and signaled
// back via an interrupt, not by blocking inside OnRead/OnWrite.
type Handler interface {
	OnRead(offset uint64, size int) uint64
	OnWrite(offset uint64, value uint64, size int)
}

type mmioRange struct {
	region  addr.Region
	handler Handler
}

// mmioRegistry is the sorted set of device-backed address windows.
// Registration requires the exclusive lock from Mmu and waits for any
// lookup currently holding the read lock to finish.
type mmioRegistry struct {
	mu     sync.RWMutex
	ranges []mmioRange
}

func newMMIORegistry() *mmioRegistry {
	return &mmioRegistry{}
}

func (r *mmioRegistry) register(region addr.Region, h Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.ranges {
		if existing.region.Overlaps(region) {
			return ErrMMIOOverlap
		}
	}

	r.ranges = append(r.ranges, mmioRange{region: region, handler: h})
	sort.Slice(r.ranges, func(i, j int) bool { return r.ranges[i].region.Lo < r.ranges[j].region.Lo })

	return nil
}

func (r *mmioRegistry) unregister(region addr.Region) {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := r.ranges[:0]

	for _, existing := range r.ranges {
		if existing.region != region {
			out = append(out, existing)
		}
	}

	r.ranges = out
}

// find returns the handler covering pa, and the range's base address
// so the caller can compute an offset, using binary search over the
// sorted range list.
func (r *mmioRegistry) find(pa addr.GuestPhys) (Handler, addr.GuestPhys, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	i := sort.Search(len(r.ranges), func(i int) bool { return r.ranges[i].region.Hi > pa })
	if i < len(r.ranges) && r.ranges[i].region.Contains(pa) {
		return r.ranges[i].handler, r.ranges[i].region.Lo, true
	}

	return nil, 0, false
}
