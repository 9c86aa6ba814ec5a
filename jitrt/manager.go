package jitrt

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/xvmproject/xvm/addr"
	"github.com/xvmproject/xvm/codecache"
	"github.com/xvmproject/xvm/hotpath"
	"github.com/xvmproject/xvm/ir"
)

// ErrQueueFull is returned by Submit when the compile queue is at
// capacity.
var ErrQueueFull = errors.New("jitrt: compile queue full")

// Decision is what a Guidance module or the baseline tier-selection
// rule returns for a task.
type Decision uint8

const (
	DecisionSkip Decision = iota
	DecisionFastJit
	DecisionStandardJit
	DecisionOptimizedJit
	DecisionAot
)

func (d Decision) tier() hotpath.Tier {
	switch d {
	case DecisionFastJit:
		return hotpath.TierFastJit
	case DecisionStandardJit, DecisionOptimizedJit:
		return hotpath.TierOptimizingJit
	case DecisionAot:
		return hotpath.TierAot
	default:
		return hotpath.TierInterpreter
	}
}

// Guidance is the ML-guidance hook: an optional
// module consulted before the baseline tier-selection rule. A nil
// Guidance makes the worker fall back to the baseline T1/T2 rule.
type Guidance interface {
	Decide(task *CompileTask) Decision
}

// CompileFunc performs the actual optimize/regalloc/lowering pipeline
// for one task at the chosen tier and returns host machine code plus
// the guard regions that should invalidate it. Manager supplies this
// as a dependency (typically backed by xarch.Translator.Compile) so jitrt
// itself never imports the translator, keeping the dependency graph a
// DAG instead of a cycle between the two packages.
type CompileFunc func(ctx context.Context, task *CompileTask, tier hotpath.Tier) ([]byte, []addr.Region, error)

// Config constructs a Manager.
type Config struct {
	Workers        int
	QueueCapacity  int
	CompileTimeout time.Duration
	Guidance       Guidance
}

const (
	defaultWorkers        = 4
	defaultQueueCapacity  = 1024
	defaultCompileTimeout = 2 * time.Second
)

// Manager owns the compile queue, worker pool and a reference to the
// code cache.
type Manager struct {
	cache    *codecache.Cache
	detector *hotpath.Detector
	compile  CompileFunc
	guidance Guidance
	timeout  time.Duration
	log      *logrus.Entry

	mu       sync.Mutex
	cond     *sync.Cond
	queue    *priorityQueue
	stopping bool

	workers int
	eg      *errgroup.Group
}

// New constructs a Manager wired to cache and detector. compileFn
// supplies the actual optimize/regalloc/lowering pipeline.
func New(cfg Config, cache *codecache.Cache, detector *hotpath.Detector, compileFn CompileFunc) *Manager {
	workers := cfg.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}

	capacity := cfg.QueueCapacity
	if capacity <= 0 {
		capacity = defaultQueueCapacity
	}

	timeout := cfg.CompileTimeout
	if timeout <= 0 {
		timeout = defaultCompileTimeout
	}

	m := &Manager{
		cache:    cache,
		detector: detector,
		compile:  compileFn,
		guidance: cfg.Guidance,
		timeout:  timeout,
		log:      logrus.WithField("component", "jitrt"),
		queue:    newPriorityQueue(capacity),
		workers:  workers,
	}
	m.cond = sync.NewCond(&m.mu)

	return m
}

// Submit enqueues a compile task for (pc, ir) at the given priority.
// It returns ErrQueueFull if the bounded queue is already at capacity.
func (m *Manager) Submit(pc addr.GuestVirt, isa string, block *ir.Block, pri Priority, execCount int64) (uuid.UUID, error) {
	benefit := float64(execCount) * float64(1+block.Complexity())

	task := newTask(pc, isa, block, pri, execCount, benefit)

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.queue.full() {
		return uuid.Nil, ErrQueueFull
	}

	m.queue.push(task)
	m.cond.Signal()

	return task.ID, nil
}

// QueueLen reports the current queue depth, for tests and diagnostics
// of the "queue length == max" boundary.
func (m *Manager) QueueLen() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.queue.len()
}

// Start launches the worker pool under ctx. Cancelling ctx or calling
// Stop makes every worker exit cooperatively at its next dequeue or
// compile-timeout checkpoint.
func (m *Manager) Start(ctx context.Context) {
	eg, egCtx := errgroup.WithContext(ctx)
	m.eg = eg

	for i := 0; i < m.workers; i++ {
		eg.Go(func() error {
			m.workerLoop(egCtx)

			return nil
		})
	}

	go func() {
		<-ctx.Done()
		m.Stop()
	}()
}

// Stop flips the cooperative stop signal and wakes every worker
// blocked waiting for a task.
func (m *Manager) Stop() {
	m.mu.Lock()
	m.stopping = true
	m.mu.Unlock()
	m.cond.Broadcast()
}

// Wait blocks until every worker goroutine launched by Start has
// returned.
func (m *Manager) Wait() error {
	if m.eg == nil {
		return nil
	}

	return m.eg.Wait()
}

func (m *Manager) dequeue() (*CompileTask, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for m.queue.len() == 0 && !m.stopping {
		m.cond.Wait()
	}

	if m.stopping {
		return nil, false
	}

	task, ok := m.queue.pop()

	return task, ok
}

func (m *Manager) workerLoop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		task, ok := m.dequeue()
		if !ok {
			return
		}

		m.runTask(ctx, task)
	}
}

// selectTier applies the ML-guidance module if one is configured,
// otherwise the baseline T1/T2 rule driven by hotpath's adaptive
// thresholds.
func (m *Manager) selectTier(task *CompileTask) hotpath.Tier {
	if m.guidance != nil {
		return m.guidance.Decide(task).tier()
	}

	count := float64(task.ExecCountAtSubmit)

	switch {
	case count < m.detector.Tier1():
		return hotpath.TierInterpreter
	case count < m.detector.Tier2():
		return hotpath.TierFastJit
	default:
		return hotpath.TierOptimizingJit
	}
}

func (m *Manager) runTask(parent context.Context, task *CompileTask) {
	task.status = StatusCompiling
	task.StartedAt = time.Now()

	tier := m.selectTier(task)
	task.tier = tier

	if tier == hotpath.TierInterpreter {
		task.status = StatusCompleted
		task.CompletedAt = time.Now()

		return
	}

	ctx, cancel := context.WithTimeout(parent, m.timeout)
	defer cancel()

	code, guards, err := m.compile(ctx, task, tier)

	task.CompletedAt = time.Now()

	switch {
	case ctx.Err() == context.DeadlineExceeded:
		task.status = StatusTimeout
		task.err = ctx.Err()

		m.log.WithFields(logrus.Fields{"pc": task.PC, "tier": tier}).Warn("compile timed out")

		return
	case err != nil:
		task.status = StatusFailed
		task.err = err

		m.log.WithFields(logrus.Fields{"pc": task.PC, "tier": tier, "err": err}).Warn("compile failed")

		return
	}

	key := codecache.Key{PC: task.PC, ISA: task.ISA, Fingerprint: task.IR.Hash()}
	h := m.cache.Insert(key, code, tier, guards)
	h.Release()

	task.status = StatusCompleted
	m.detector.SetTier(task.PC, tier)
	m.detector.ObserveCompile(task.CompletedAt.Sub(task.StartedAt), task.ExecCountAtSubmit)
}
