package hotpath_test

import (
	"testing"
	"time"

	"github.com/xvmproject/xvm/addr"
	"github.com/xvmproject/xvm/hotpath"
)

func TestRecordAndIsHot(t *testing.T) {
	d := hotpath.New(hotpath.Config{InitThreshold: 5, Alpha: 1})

	pc := addr.GuestVirt(0x1000)

	if d.IsHot(pc) {
		t.Fatalf("unseen pc should not be hot")
	}

	for i := 0; i < 10; i++ {
		d.Record(pc, 10)
	}

	if !d.IsHot(pc) {
		t.Fatalf("pc should be hot after repeated high-complexity samples, ewma=%v", d.Hotness(pc))
	}
}

func TestTierOrdering(t *testing.T) {
	d := hotpath.New(hotpath.Config{})
	if d.Tier2() <= d.Tier1() {
		t.Fatalf("Tier2 threshold must exceed Tier1: t1=%v t2=%v", d.Tier1(), d.Tier2())
	}
}

func TestSetTierAndTierOf(t *testing.T) {
	d := hotpath.New(hotpath.Config{})
	pc := addr.GuestVirt(0x2000)

	d.Record(pc, 1)
	d.SetTier(pc, hotpath.TierOptimizingJit)

	if got := d.TierOf(pc); got != hotpath.TierOptimizingJit {
		t.Fatalf("TierOf = %v, want TierOptimizingJit", got)
	}
}

func TestPurgeRemovesStaleEntries(t *testing.T) {
	d := hotpath.New(hotpath.Config{CleanupAge: time.Millisecond})
	pc := addr.GuestVirt(0x3000)

	d.Record(pc, 1)

	removed := d.Purge(time.Now().Add(time.Second))
	if removed != 1 {
		t.Fatalf("Purge removed %d, want 1", removed)
	}

	if d.Len() != 0 {
		t.Fatalf("Len = %d after purge, want 0", d.Len())
	}
}

func TestObserveCompileMovesThreshold(t *testing.T) {
	d := hotpath.New(hotpath.Config{InitThreshold: 100, MinThreshold: 1, MaxThreshold: 1000})

	before := d.Threshold()

	for i := 0; i < 8; i++ {
		d.ObserveCompile(time.Microsecond, 1000)
	}

	if d.Threshold() >= before {
		t.Fatalf("threshold should drop when benefit/cost is high: before=%v after=%v", before, d.Threshold())
	}
}
