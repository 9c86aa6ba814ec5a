package jitrt_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/xvmproject/xvm/addr"
	"github.com/xvmproject/xvm/codecache"
	"github.com/xvmproject/xvm/hotpath"
	"github.com/xvmproject/xvm/ir"
	"github.com/xvmproject/xvm/jitrt"
)

func newTestManager(t *testing.T, compile jitrt.CompileFunc, cfg jitrt.Config) (*jitrt.Manager, *codecache.Cache) {
	t.Helper()

	cache := codecache.New(codecache.Config{})
	detector := hotpath.New(hotpath.Config{InitThreshold: 4, MinThreshold: 1, MaxThreshold: 100})

	m := jitrt.New(cfg, cache, detector, compile)

	return m, cache
}

func TestSubmitAndCompileInsertsIntoCache(t *testing.T) {
	compiled := make(chan struct{}, 1)

	compile := func(ctx context.Context, task *jitrt.CompileTask, tier hotpath.Tier) ([]byte, []addr.Region, error) {
		compiled <- struct{}{}

		return []byte{0x90}, nil, nil
	}

	m, cache := newTestManager(t, compile, jitrt.Config{Workers: 1})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m.Start(ctx)

	block := &ir.Block{StartPC: 0x1000, ISA: "x86-64", Ops: []ir.Op{{Op: ir.OpMovImm, Imm: 1}}}

	if _, err := m.Submit(0x1000, "x86-64", block, jitrt.PriorityHigh, 1000); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	select {
	case <-compiled:
	case <-time.After(2 * time.Second):
		t.Fatalf("compile function never invoked")
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if _, ok := cache.Lookup(codecache.Key{PC: 0x1000, ISA: "x86-64", Fingerprint: block.Hash()}); ok {
			return
		}

		time.Sleep(time.Millisecond)
	}

	t.Fatalf("compiled block never appeared in the cache")
}

func TestSubmitRejectsWhenQueueFull(t *testing.T) {
	block := func() chan struct{} { return make(chan struct{}) }()
	started := make(chan struct{}, 1)

	compile := func(ctx context.Context, task *jitrt.CompileTask, tier hotpath.Tier) ([]byte, []addr.Region, error) {
		select {
		case started <- struct{}{}:
		default:
		}

		<-block // never returns until the test is over, keeping workers busy

		return nil, nil, nil
	}

	m, _ := newTestManager(t, compile, jitrt.Config{Workers: 1, QueueCapacity: 1})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m.Start(ctx)

	b := &ir.Block{StartPC: 1, ISA: "arm64"}

	if _, err := m.Submit(1, "arm64", b, jitrt.PriorityNormal, 9999); err != nil {
		t.Fatalf("first Submit: %v", err)
	}

	// Wait until the single worker has taken the first task off the
	// queue and is blocked compiling it.
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatalf("worker never picked up the first task")
	}

	if _, err := m.Submit(2, "arm64", b, jitrt.PriorityNormal, 9999); err != nil {
		t.Fatalf("second Submit (still queued) should succeed: %v", err)
	}

	if _, err := m.Submit(3, "arm64", b, jitrt.PriorityNormal, 9999); !errors.Is(err, jitrt.ErrQueueFull) {
		t.Fatalf("third Submit should return ErrQueueFull, got %v", err)
	}

	close(block)
}

func TestCompileTimeoutMarksTaskTimeout(t *testing.T) {
	started := make(chan *jitrt.CompileTask, 1)

	compile := func(ctx context.Context, task *jitrt.CompileTask, tier hotpath.Tier) ([]byte, []addr.Region, error) {
		started <- task

		<-ctx.Done()

		return nil, nil, ctx.Err()
	}

	m, _ := newTestManager(t, compile, jitrt.Config{Workers: 1, CompileTimeout: 10 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m.Start(ctx)

	b := &ir.Block{StartPC: 0x2000, ISA: "riscv64"}

	if _, err := m.Submit(0x2000, "riscv64", b, jitrt.PriorityCritical, 5000); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	var task *jitrt.CompileTask

	select {
	case task = <-started:
	case <-time.After(2 * time.Second):
		t.Fatalf("compile function never invoked")
	}

	// Stop lets the worker finish the timed-out task and exit; Wait then
	// makes its status write visible here.
	m.Stop()

	if err := m.Wait(); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	if got := task.Status(); got != jitrt.StatusTimeout {
		t.Fatalf("task status = %v, want StatusTimeout", got)
	}
}
