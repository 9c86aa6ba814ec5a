// Package codecache implements the JIT/AOT code cache: a sharded
// fingerprint -> CompiledBlock mapping with refcounted handles,
// pluggable eviction, region-based invalidation and an
// at-most-one-concurrent-build-per-key guarantee. It is grounded on
// gokvm's memory.Memory slot/shard bookkeeping style; the
// at-most-one-build invariant is wired through
// golang.org/x/sync/singleflight, a dependency several sibling VMM
// projects (tinyrange-cc, kata-containers) require directly.
package codecache

import (
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/xvmproject/xvm/addr"
	"github.com/xvmproject/xvm/hotpath"
	"github.com/xvmproject/xvm/ir"
)

// Key identifies one compiled block: the guest PC it starts at, the
// guest ISA, and the IR fingerprint of the bytes it was compiled from.
type Key struct {
	PC          addr.GuestVirt
	ISA         string
	Fingerprint ir.Fingerprint
}

func (k Key) shardHash() uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(k.ISA))

	var buf [16]byte

	for i := 0; i < 8; i++ {
		buf[i] = byte(k.PC >> (8 * i))
		buf[8+i] = byte(k.Fingerprint >> (8 * i))
	}

	_, _ = h.Write(buf[:])

	return h.Sum64()
}

// CompiledBlock is the cached artifact: host code plus the metadata
// needed to serve lookups, track hotness tiers and decide
// eviction/invalidation.
type CompiledBlock struct {
	Key       Key
	Code      []byte // host machine code (or, under the interpreter-only build, a marker payload)
	Tier      hotpath.Tier
	Guards    []addr.Region // memory/code regions whose mutation invalidates this block
	CreatedAt time.Time

	execCount int64 // atomic
	lastUsed  int64 // atomic, UnixNano
}

// Touch records one execution of the block, for LFU/cost-value
// eviction scoring and for §8's "hit count after compile" feedback.
func (b *CompiledBlock) Touch() {
	atomic.AddInt64(&b.execCount, 1)
	atomic.StoreInt64(&b.lastUsed, time.Now().UnixNano())
}

// ExecCount reports the number of times Touch has been called.
func (b *CompiledBlock) ExecCount() int64 { return atomic.LoadInt64(&b.execCount) }

func (b *CompiledBlock) lastUsedTime() time.Time {
	return time.Unix(0, atomic.LoadInt64(&b.lastUsed))
}

// entry is the cache's internal bookkeeping for one key: the block
// plus the refcount and epoch that let Invalidate and Lookup stay
// consistent without a global lock.
type entry struct {
	block *CompiledBlock
	epoch uint64

	mu       sync.Mutex
	refcount int32
	stale    bool
}

// Handle is a caller-held reference to a CompiledBlock. The code it
// points at remains executable until Release is called, even if
// Invalidate ran in the meantime.
type Handle struct {
	e     *entry
	epoch uint64
}

// Block returns the underlying compiled block. Valid until Release.
func (h *Handle) Block() *CompiledBlock { return h.e.block }

// Epoch returns the shard-local generation this handle was obtained
// at: TlbEntry-style generation tagging applied to code-cache handles
// so a stale lookup can be detected without a lock, since a handle's
// epoch never changes after Lookup/Insert hands it out.
func (h *Handle) Epoch() uint64 { return h.epoch }

// Stale reports whether the cache has since marked this handle's key
// invalidated; the code is still safe to run (the handle keeps it
// alive) but a fresh Lookup would no longer find it.
func (h *Handle) Stale() bool {
	h.e.mu.Lock()
	defer h.e.mu.Unlock()

	return h.e.stale
}

// Release drops the handle's reference. Once every handle referencing
// a stale entry has been released, its storage is reclaimed.
func (h *Handle) Release() {
	h.e.mu.Lock()
	h.e.refcount--
	inUse := h.e.refcount > 0
	h.e.mu.Unlock()

	if !inUse {
		// Nothing else to do here: the shard, not the handle, owns
		// removing stale zero-refcount entries from its freed-bytes
		// budget accounting (see shard.release).
	}
}

// Policy selects which eviction heuristic a Cache uses. It is fixed at
// construction for the cache's lifetime: one pluggable policy per
// cache instance, chosen once and never changed.
type Policy uint8

const (
	PolicyLRU Policy = iota
	PolicyLFU
	PolicyCostValue
)

// Config constructs a Cache.
type Config struct {
	Shards      int   // power of two, default 16
	BudgetBytes int64 // total resident-byte budget across all shards
	Policy      Policy
}

const (
	defaultShards = 16
	defaultBudget = 64 << 20
)

// Cache is the sharded code cache. Each shard
// has its own lock, build-in-progress group and eviction bookkeeping,
// giving near-linear read concurrency across vCPUs hitting different
// keys.
type Cache struct {
	shards []*shard
	mask   uint64
	log    *logrus.Entry
}

// New constructs a Cache per cfg, filling in documented defaults for
// zero fields.
func New(cfg Config) *Cache {
	n := cfg.Shards
	if n <= 0 {
		n = defaultShards
	}

	n = nextPow2(n)

	budget := cfg.BudgetBytes
	if budget <= 0 {
		budget = defaultBudget
	}

	perShardBudget := budget / int64(n)

	c := &Cache{
		shards: make([]*shard, n),
		mask:   uint64(n - 1),
		log:    logrus.WithField("component", "codecache"),
	}

	for i := range c.shards {
		c.shards[i] = newShard(perShardBudget, cfg.Policy)
	}

	return c
}

func nextPow2(n int) int {
	p := 1
	for p < n {
		p <<= 1
	}

	return p
}

func (c *Cache) shardFor(k Key) *shard {
	return c.shards[k.shardHash()&c.mask]
}

// Lookup returns a refcounted Handle for key, or (nil, false) on a
// miss or a since-invalidated entry.
func (c *Cache) Lookup(key Key) (*Handle, bool) {
	return c.shardFor(key).lookup(key)
}

// Insert installs a freshly compiled block, running eviction first if
// the shard is over budget, and returns a Handle the caller already
// holds a reference through. Inserting
// over an existing key atomically replaces the mapping; holders of the
// old Handle keep seeing the old code until they Release it.
func (c *Cache) Insert(key Key, code []byte, tier hotpath.Tier, guards []addr.Region) *Handle {
	block := &CompiledBlock{
		Key:       key,
		Code:      code,
		Tier:      tier,
		Guards:    guards,
		CreatedAt: time.Now(),
	}

	return c.shardFor(key).insert(block)
}

// Invalidate marks every block whose guard set intersects region as
// stale. It fans out to every
// shard since a guard region is not itself shard-keyed.
func (c *Cache) Invalidate(region addr.Region) {
	for _, s := range c.shards {
		s.invalidate(region)
	}
}

// BuildOnce runs build exactly once per key even if multiple goroutines
// call BuildOnce concurrently for the same key; late callers block and
// receive the same result instead of recompiling.
func (c *Cache) BuildOnce(key Key, build func() (*CompiledBlock, error)) (*CompiledBlock, error, bool) {
	return c.shardFor(key).buildOnce(key, build)
}

// ResidentBytes sums the code-size footprint currently held across
// every shard.
func (c *Cache) ResidentBytes() int64 {
	var total int64
	for _, s := range c.shards {
		total += s.residentBytes()
	}

	return total
}

// singleflightKeyOf renders a Key into singleflight's string keyspace.
func singleflightKeyOf(k Key) string {
	return k.ISA + ":" + itoa(uint64(k.PC)) + ":" + itoa(uint64(k.Fingerprint))
}

func itoa(v uint64) string {
	if v == 0 {
		return "0"
	}

	var buf [20]byte

	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}

	return string(buf[i:])
}
