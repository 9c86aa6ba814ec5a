// Package hotpath implements the EWMA-based hot-path detector from
// : per guest-PC exponentially weighted execution
// counts, an adaptive promotion threshold, and periodic purge of stale
// entries. It has no direct analogue in gokvm (gokvm never tiers
// execution); its shape follows the small-struct-plus-map-plus-mutex
// style gokvm uses throughout (memory.Memory's slot bookkeeping).
package hotpath

import (
	"sync"
	"time"

	"github.com/xvmproject/xvm/addr"
)

// Tier labels a guest PC's current promotion state.
type Tier uint8

const (
	TierInterpreter Tier = iota
	TierFastJit
	TierOptimizingJit
	TierAot
)

func (t Tier) String() string {
	switch t {
	case TierFastJit:
		return "fastjit"
	case TierOptimizingJit:
		return "optjit"
	case TierAot:
		return "aot"
	default:
		return "interp"
	}
}

// Config tunes the detector. Zero-value fields take the defaults
// documented below.
type Config struct {
	Alpha          float64       // EWMA smoothing factor, 0 < Alpha <= 1
	MinThreshold   float64       // floor the adaptive threshold never drops below
	MaxThreshold   float64       // ceiling the adaptive threshold never exceeds
	InitThreshold  float64       // starting threshold, between Min and Max
	CleanupAge     time.Duration // entries idle longer than this are purged
}

const (
	defaultAlpha         = 0.2
	defaultMinThreshold  = 8
	defaultMaxThreshold  = 4096
	defaultInitThreshold = 32
	defaultCleanupAge    = 5 * time.Minute
)

func (c *Config) setDefaults() {
	if c.Alpha <= 0 || c.Alpha > 1 {
		c.Alpha = defaultAlpha
	}

	if c.MinThreshold <= 0 {
		c.MinThreshold = defaultMinThreshold
	}

	if c.MaxThreshold <= 0 {
		c.MaxThreshold = defaultMaxThreshold
	}

	if c.InitThreshold <= 0 {
		c.InitThreshold = defaultInitThreshold
	}

	if c.CleanupAge <= 0 {
		c.CleanupAge = defaultCleanupAge
	}
}

// record is the per-PC hotness bookkeeping.
type record struct {
	ewma       float64
	lastUpdate time.Time
	complexity int
	tier       Tier
}

// sample captures one compile's observed outcome so the adaptive
// feedback loop can weigh benefit against cost.
type sample struct {
	compileCost time.Duration
	hitsAfter   int64
}

// Detector tracks per-guest-PC hotness and exposes an adaptive
// promotion threshold. A single Detector is shared read-write across
// every vCPU's scheduler loop via its Record call.
type Detector struct {
	cfg Config

	mu      sync.Mutex
	records map[addr.GuestVirt]*record
	samples []sample

	threshold float64
}

// New returns a ready Detector. Passing the zero Config selects the
// documented defaults.
func New(cfg Config) *Detector {
	cfg.setDefaults()

	return &Detector{
		cfg:       cfg,
		records:   make(map[addr.GuestVirt]*record),
		threshold: cfg.InitThreshold,
	}
}

// Record registers one execution of the block at pc with the given IR
// complexity score (ir.Block.Complexity()), updating its EWMA sample
// is 1+complexity 
func (d *Detector) Record(pc addr.GuestVirt, complexity int) {
	now := time.Now()

	d.mu.Lock()
	defer d.mu.Unlock()

	r, ok := d.records[pc]
	if !ok {
		r = &record{ewma: 0}
		d.records[pc] = r
	}

	x := 1 + float64(complexity)
	r.ewma = d.cfg.Alpha*x + (1-d.cfg.Alpha)*r.ewma
	r.lastUpdate = now
	r.complexity = complexity
}

// Hotness returns the current EWMA value for pc, or 0 if it has never
// been recorded.
func (d *Detector) Hotness(pc addr.GuestVirt) float64 {
	d.mu.Lock()
	defer d.mu.Unlock()

	if r, ok := d.records[pc]; ok {
		return r.ewma
	}

	return 0
}

// IsHot reports whether pc's EWMA has crossed the current adaptive
// threshold.
func (d *Detector) IsHot(pc addr.GuestVirt) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	r, ok := d.records[pc]

	return ok && r.ewma >= d.threshold
}

// Threshold returns the current adaptive promotion threshold.
func (d *Detector) Threshold() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.threshold
}

// Tier1 and Tier2 expose the baseline tier-selection cut points jitrt
// uses when its ML-guidance module is disabled: exec_count < T1 ->
// skip, T1 <= count < T2 -> FastJit, count >= T2 -> OptimizedJit. Both
// scale off the current adaptive threshold so promotion stays
// coherent as it moves.
func (d *Detector) Tier1() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.threshold
}

func (d *Detector) Tier2() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.threshold * 4
}

// SetTier records the promotion tier a compile reached for pc, used by
// callers that want to query what's currently compiled for a PC
// without going through the code cache.
func (d *Detector) SetTier(pc addr.GuestVirt, tier Tier) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if r, ok := d.records[pc]; ok {
		r.tier = tier
	}
}

// TierOf reports the last promotion tier recorded for pc.
func (d *Detector) TierOf(pc addr.GuestVirt) Tier {
	d.mu.Lock()
	defer d.mu.Unlock()

	if r, ok := d.records[pc]; ok {
		return r.tier
	}

	return TierInterpreter
}

// ObserveCompile feeds one compile's cost and a hit count into the
// adaptive feedback loop and re-derives the threshold to maximize
// benefit-minus-cost. jitrt's compile workers call it once per
// successful compile, passing the block's execution count at
// submission time; hits after the compile are not tracked, and no
// periodic background task calls it.
func (d *Detector) ObserveCompile(cost time.Duration, hitsAfter int64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.samples = append(d.samples, sample{compileCost: cost, hitsAfter: hitsAfter})
	if len(d.samples) > 64 {
		d.samples = d.samples[len(d.samples)-64:]
	}

	d.threshold = d.nextThreshold()
}

// nextThreshold computes benefit-cost ratio over the recent sample
// window and nudges the threshold toward whichever direction the sign
// of that ratio favors: a strongly positive ratio (compiles pay for
// themselves) lowers the bar so more blocks qualify; a weak or
// negative ratio raises it so only hotter blocks get compiled. Caller
// must hold d.mu.
func (d *Detector) nextThreshold() float64 {
	if len(d.samples) == 0 {
		return d.threshold
	}

	var totalCost float64

	var totalBenefit float64

	for _, s := range d.samples {
		totalCost += float64(s.compileCost.Microseconds())
		totalBenefit += float64(s.hitsAfter)
	}

	if totalCost == 0 {
		return d.threshold
	}

	ratio := totalBenefit / totalCost

	next := d.threshold

	switch {
	case ratio > 2:
		next *= 0.9
	case ratio < 0.5:
		next *= 1.1
	}

	if next < d.cfg.MinThreshold {
		next = d.cfg.MinThreshold
	}

	if next > d.cfg.MaxThreshold {
		next = d.cfg.MaxThreshold
	}

	return next
}

// Purge removes records that have not been updated in CleanupAge, per
//  ("Old entries ... are purged periodically").
// Callers run this from a background ticker, not the hot path.
func (d *Detector) Purge(now time.Time) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	removed := 0

	for pc, r := range d.records {
		if now.Sub(r.lastUpdate) > d.cfg.CleanupAge {
			delete(d.records, pc)

			removed++
		}
	}

	return removed
}

// Len reports the number of tracked PCs, for diagnostics and tests.
func (d *Detector) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return len(d.records)
}
