package mmu

import "github.com/xvmproject/xvm/addr"

// tlbKey is the lookup tag  assigns a TlbEntry:
// (asid, virtual-page-number, access-kind).
type tlbKey struct {
	asid uint16
	vpn  uint64
	kind addr.Access
}

// tlbEntry mirrors  TlbEntry: a translation plus a
// generation stamp. The generation is compared against the owning
// Mmu's per-ASID counter at lookup time so flush_asid/flush_tlb_all are
// O(1) (lazy invalidation) instead of requiring every per-vCPU TLB to
// be visited synchronously.
type tlbEntry struct {
	ppn        uint64
	perm       addr.Access
	global     bool
	generation uint64
}

// tlb is one of a View's two independent caches (instruction or data).
// A TLB belongs to exactly one vCPU; the mutex here only matters for
// the rare cross-thread maintenance calls (flush_range, invalidate_pa)
// — the owning vCPU's hot lookup path takes the same uncontended lock,
// which costs effectively nothing when no other goroutine is flushing
// concurrently.
type tlb struct {
	entries  map[tlbKey]tlbEntry
	capacity int
}

func newTLB(capacity int) *tlb {
	return &tlb{entries: make(map[tlbKey]tlbEntry, capacity), capacity: capacity}
}

func (t *tlb) lookup(asid uint16, vpn uint64, kind addr.Access, curGen func(asid uint16) uint64) (tlbEntry, bool) {
	e, ok := t.entries[tlbKey{asid: asid, vpn: vpn, kind: kind}]
	if !ok {
		return tlbEntry{}, false
	}

	gen := curGen(asid)
	if e.global {
		gen = curGen(0)
	}

	if e.generation != gen {
		delete(t.entries, tlbKey{asid: asid, vpn: vpn, kind: kind})

		return tlbEntry{}, false
	}

	return e, true
}

func (t *tlb) install(asid uint16, vpn uint64, kind addr.Access, e tlbEntry) {
	if len(t.entries) >= t.capacity {
		t.evictOne()
	}

	t.entries[tlbKey{asid: asid, vpn: vpn, kind: kind}] = e
}

// evictOne drops an arbitrary entry. Go map iteration order is
// randomized per run, which is an acceptable stand-in for a real LRU
// clock on a structure this small and this rarely full.
func (t *tlb) evictOne() {
	for k := range t.entries {
		delete(t.entries, k)

		return
	}
}

func (t *tlb) flushAll() {
	t.entries = make(map[tlbKey]tlbEntry, t.capacity)
}

func (t *tlb) flushRange(loVPN, hiVPN uint64) {
	for k := range t.entries {
		if k.vpn >= loVPN && k.vpn < hiVPN {
			delete(t.entries, k)
		}
	}
}

func (t *tlb) flushASID(asid uint16) {
	for k := range t.entries {
		if k.asid == asid {
			delete(t.entries, k)
		}
	}
}

func (t *tlb) invalidatePPN(ppn uint64) {
	for k, e := range t.entries {
		if e.ppn == ppn {
			delete(t.entries, k)
		}
	}
}
