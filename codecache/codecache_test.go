package codecache_test

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/xvmproject/xvm/addr"
	"github.com/xvmproject/xvm/codecache"
	"github.com/xvmproject/xvm/hotpath"
	"github.com/xvmproject/xvm/ir"
)

func TestInsertThenLookup(t *testing.T) {
	c := codecache.New(codecache.Config{Shards: 4, BudgetBytes: 1 << 20})

	key := codecache.Key{PC: 0x1000, ISA: "riscv64", Fingerprint: 42}
	h := c.Insert(key, []byte{1, 2, 3}, hotpath.TierFastJit, nil)
	defer h.Release()

	got, ok := c.Lookup(key)
	if !ok {
		t.Fatalf("Lookup missed after Insert")
	}
	defer got.Release()

	if got.Block().Tier != hotpath.TierFastJit {
		t.Fatalf("Tier = %v, want FastJit", got.Block().Tier)
	}
}

func TestLookupMiss(t *testing.T) {
	c := codecache.New(codecache.Config{})

	if _, ok := c.Lookup(codecache.Key{PC: 1, ISA: "x86-64"}); ok {
		t.Fatalf("Lookup should miss on an empty cache")
	}
}

func TestInvalidateRemovesFromLookupButHandleSurvives(t *testing.T) {
	c := codecache.New(codecache.Config{})

	key := codecache.Key{PC: 0x2000, ISA: "arm64", Fingerprint: 7}
	guard := addr.Region{Lo: addr.PageOfPhys(addr.GuestPhys(0x2000)), Hi: addr.PageOfPhys(addr.GuestPhys(0x2000)) + addr.PageSize}

	h := c.Insert(key, []byte{0xAA}, hotpath.TierOptimizingJit, []addr.Region{guard})

	c.Invalidate(guard)

	if _, ok := c.Lookup(key); ok {
		t.Fatalf("Lookup should miss after Invalidate")
	}

	// The handle obtained before Invalidate still points at live code.
	if h.Block() == nil {
		t.Fatalf("handle obtained before invalidate must remain valid")
	}

	if !h.Stale() {
		t.Fatalf("Stale() should report true once invalidated")
	}

	h.Release()
}

func TestReinsertReplacesMapping(t *testing.T) {
	c := codecache.New(codecache.Config{})
	key := codecache.Key{PC: 0x3000, ISA: "x86-64", Fingerprint: 1}

	old := c.Insert(key, []byte{1}, hotpath.TierFastJit, nil)
	newH := c.Insert(key, []byte{2, 2}, hotpath.TierOptimizingJit, nil)

	if !old.Stale() {
		t.Fatalf("old handle should be marked stale once replaced")
	}

	got, ok := c.Lookup(key)
	if !ok {
		t.Fatalf("Lookup should find the new mapping")
	}

	if got.Block().Tier != hotpath.TierOptimizingJit {
		t.Fatalf("Lookup returned stale mapping")
	}

	old.Release()
	newH.Release()
	got.Release()
}

func TestBudgetEviction(t *testing.T) {
	c := codecache.New(codecache.Config{Shards: 1, BudgetBytes: 16, Policy: codecache.PolicyLRU})

	for i := 0; i < 8; i++ {
		key := codecache.Key{PC: addr.GuestVirt(i * 0x1000), ISA: "riscv64", Fingerprint: ir.Fingerprint(i)}
		c.Insert(key, make([]byte, 8), hotpath.TierFastJit, nil).Release()
	}

	if got := c.ResidentBytes(); got > 16 {
		t.Fatalf("ResidentBytes = %d, want <= budget 16", got)
	}
}

func TestBuildOnceSerializesConcurrentBuilds(t *testing.T) {
	c := codecache.New(codecache.Config{})
	key := codecache.Key{PC: 0x4000, ISA: "arm64", Fingerprint: 99}

	var calls int32

	started := make(chan struct{})
	release := make(chan struct{})
	build := func() (*codecache.CompiledBlock, error) {
		if atomic.AddInt32(&calls, 1) == 1 {
			close(started)
		}

		<-release

		return &codecache.CompiledBlock{Key: key, Code: []byte{1}}, nil
	}

	var (
		wg         sync.WaitGroup
		b1, b2     *codecache.CompiledBlock
		err1, err2 error
	)

	wg.Add(2)

	go func() {
		defer wg.Done()

		b1, err1, _ = c.BuildOnce(key, build)
	}()

	<-started

	go func() {
		defer wg.Done()

		b2, err2, _ = c.BuildOnce(key, build)
	}()

	// Give the second caller time to join the in-flight build before
	// the first one is allowed to finish.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if err1 != nil || err2 != nil {
		t.Fatalf("unexpected errors: %v %v", err1, err2)
	}

	if b1 != b2 {
		t.Fatalf("concurrent BuildOnce calls for the same key should share one result")
	}

	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Fatalf("build ran %d times, want 1", n)
	}
}

func TestBuildOnceErrorPropagates(t *testing.T) {
	c := codecache.New(codecache.Config{})
	key := codecache.Key{PC: 0x5000, ISA: "x86-64"}

	wantErr := errors.New("compile failed")

	_, err, _ := c.BuildOnce(key, func() (*codecache.CompiledBlock, error) {
		return nil, wantErr
	})

	if !errors.Is(err, wantErr) {
		t.Fatalf("BuildOnce error = %v, want %v", err, wantErr)
	}
}
