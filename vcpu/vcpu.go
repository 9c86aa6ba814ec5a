// Package vcpu implements the per-vCPU scheduler loop: decode ->
// tier-select -> execute -> fault/IRQ delivery, with pause/resume/stop
// and multi-vCPU IPI messaging. It is grounded on gokvm's
// machine.Machine.RunInfiniteLoop/RunOnce (the
// for { ...; switch exit { ... } } shape is carried over almost
// verbatim, generalized from KVM exit reasons to interp.Status) and
// SingleStep for the pause/breakpoint hook.
package vcpu

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/xvmproject/xvm/addr"
	"github.com/xvmproject/xvm/codecache"
	"github.com/xvmproject/xvm/decoder"
	"github.com/xvmproject/xvm/hotpath"
	"github.com/xvmproject/xvm/interp"
	"github.com/xvmproject/xvm/ir"
	"github.com/xvmproject/xvm/jitrt"
	"github.com/xvmproject/xvm/mmu"
)

// IPI is an inter-vCPU message, the only channel vCPUs synchronize
// through besides shared memory and atomics.
type IPI struct {
	From   int
	Vector uint32
}

// Vcpu is one cooperatively-scheduled guest processor context sharing
// an Mmu with its siblings.
type Vcpu struct {
	ID  int
	isa string

	view     *mmu.View
	decoder  decoder.Decoder
	interp   *interp.Interp
	state    *interp.State
	detector *hotpath.Detector
	cache    *codecache.Cache
	jit      *jitrt.Manager

	trapHandler TrapHandler
	irqHandler  IRQHandler

	mu        sync.Mutex
	cond      *sync.Cond
	pc        addr.GuestVirt
	runFlag   bool
	pauseFlag bool
	pending   []uint32 // pending interrupt vectors, lowest index = highest priority slot used

	breakCond *Condition
	onBreak   func(v *Vcpu)

	ipiIn chan IPI

	log *logrus.Entry
}

// Deps bundles the shared collaborators every Vcpu needs a reference
// to: vCPU threads share the MMU and code cache by reference, and
// each holds its own TLB/state.
type Deps struct {
	ISA      string
	View     *mmu.View
	Decoder  decoder.Decoder
	Interp   *interp.Interp
	Detector *hotpath.Detector
	Cache    *codecache.Cache
	Jit      *jitrt.Manager // nil selects Interpreter-only mode
}

// New constructs a Vcpu ready to Run from the given entry PC.
func New(id int, pc addr.GuestVirt, deps Deps) *Vcpu {
	v := &Vcpu{
		ID:       id,
		isa:      deps.ISA,
		view:     deps.View,
		decoder:  deps.Decoder,
		interp:   deps.Interp,
		state:    interp.NewState(),
		detector: deps.Detector,
		cache:    deps.Cache,
		jit:      deps.Jit,
		pc:       pc,
		runFlag:  true,
		ipiIn:    make(chan IPI, 16),
		log:      logrus.WithField("vcpu", id),
	}
	v.cond = sync.NewCond(&v.mu)

	return v
}

// State exposes the architectural register file for snapshotting and
// embedder inspection.
func (v *Vcpu) State() *interp.State { return v.state }

// PC reports the vCPU's current program counter.
func (v *Vcpu) PC() addr.GuestVirt {
	v.mu.Lock()
	defer v.mu.Unlock()

	return v.pc
}

// SetPC directly overwrites the program counter. Callers must not
// invoke this while the vCPU's Run loop is active (e.g. vm.Restore
// requires the Vm be Created or Stopped first).
func (v *Vcpu) SetPC(pc addr.GuestVirt) { v.setPC(pc) }

// SetTrapHandler installs the embedder's fault hook. A nil handler
// restores the architectural default.
func (v *Vcpu) SetTrapHandler(h TrapHandler) { v.trapHandler = h }

// SetIRQHandler installs the embedder's IRQ policy hook.
func (v *Vcpu) SetIRQHandler(h IRQHandler) { v.irqHandler = h }

// SetBreakpoint installs a debug Condition; onHit is called (from the
// vCPU's own goroutine, at the loop top) whenever it matches the
// current PC.
func (v *Vcpu) SetBreakpoint(cond *Condition, onHit func(v *Vcpu)) {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.breakCond = cond
	v.onBreak = onHit
}

// RequestPause sets the pause flag checked at the loop top. Pausing is
// best-effort, bounded to at most one additional IRBlock of execution.
func (v *Vcpu) RequestPause() {
	v.mu.Lock()
	v.pauseFlag = true
	v.mu.Unlock()
}

// RequestResume clears the pause flag and wakes the loop.
func (v *Vcpu) RequestResume() {
	v.mu.Lock()
	v.pauseFlag = false
	v.mu.Unlock()
	v.cond.Broadcast()
}

// RequestStop clears the run flag; the loop exits at its next top-of-
// loop check (or immediately if currently paused).
func (v *Vcpu) RequestStop() {
	v.mu.Lock()
	v.runFlag = false
	v.mu.Unlock()
	v.cond.Broadcast()
}

// SendIPI delivers an inter-vCPU message, handled at the receiving
// vCPU's next loop boundary.
func (v *Vcpu) SendIPI(msg IPI) {
	select {
	case v.ipiIn <- msg:
	default:
		v.log.Warn("IPI queue full, dropping message")
	}
}

// Interrupt marks vector as pending for delivery on this vCPU's next
// loop boundary.
func (v *Vcpu) Interrupt(vector uint32) {
	v.mu.Lock()
	v.pending = append(v.pending, vector)
	v.mu.Unlock()
}

// StepResult is the outcome of one Run iteration, for tests that want
// to drive the loop one block at a time.
type StepResult struct {
	Status interp.Status
	Fault  *addr.Fault
	Halted bool
	Action Action
}

// Run executes blocks until RequestStop is called or the guest halts.
// It matches gokvm's RunInfiniteLoop/RunOnce split: Run is the
// infinite loop, step is RunOnce.
func (v *Vcpu) Run() {
	for {
		if !v.waitIfPaused() {
			return
		}

		v.drainIPIs()

		res := v.step()
		if res.Halted {
			return
		}

		if res.Action == ActionMask || res.Action == ActionDeliver || res.Action == ActionAbort {
			return
		}
	}
}

// waitIfPaused blocks on the condvar while paused, returning false if
// a stop was requested while waiting or beforehand.
func (v *Vcpu) waitIfPaused() bool {
	v.mu.Lock()
	defer v.mu.Unlock()

	for v.pauseFlag && v.runFlag {
		v.cond.Wait()
	}

	return v.runFlag
}

func (v *Vcpu) drainIPIs() {
	for {
		select {
		case msg := <-v.ipiIn:
			v.log.WithField("from", msg.From).Debug("delivering IPI")
			v.Interrupt(msg.Vector)
		default:
			return
		}
	}
}

// step decodes and executes exactly one IRBlock starting at the
// current PC.
func (v *Vcpu) step() StepResult {
	v.checkBreakpoint()

	pc := v.PC()

	block, decodeFault := v.decoder.Decode(v.view, pc)
	if decodeFault != nil && block == nil {
		return v.handleFault(decodeFault)
	}

	optimized, _ := ir.Optimize(block)

	v.detector.Record(pc, optimized.Complexity())

	start := time.Now()
	result := v.execute(optimized)
	_ = time.Since(start)

	switch result.Status {
	case interp.StatusOk:
		v.setPC(result.NextPC)
		v.maybeDeliverIRQ()

		return StepResult{Status: result.Status}
	case interp.StatusFault:
		return v.handleFault(result.Fault)
	case interp.StatusHalt:
		return StepResult{Status: result.Status, Halted: true}
	default:
		return v.handleIRQ()
	}
}

// execute runs optimized against the shared MMU view and interpreter,
// consulting the code cache first. A cache hit re-enters the
// interpreter on the exact optimized block the compile pipeline
// produced (regalloc/xarch only change how that block's cost and
// resident-byte footprint are tracked, not its semantics), which is
// what makes interpreter/JIT-tier equivalence hold by construction
// rather than by keeping two executors in sync.
func (v *Vcpu) execute(optimized *ir.Block) interp.Result {
	key := codecache.Key{PC: optimized.StartPC, ISA: v.isa, Fingerprint: optimized.Hash()}

	if h, ok := v.cache.Lookup(key); ok {
		defer h.Release()

		return v.interp.Run(optimized, v.state, v.view)
	}

	if v.jit != nil && v.detector.IsHot(optimized.StartPC) {
		execCount := int64(v.detector.Hotness(optimized.StartPC))
		if _, err := v.jit.Submit(optimized.StartPC, v.isa, optimized, jitrt.PriorityNormal, execCount); err != nil {
			v.log.WithError(err).Debug("compile submission dropped")
		}
	}

	return v.interp.Run(optimized, v.state, v.view)
}

func (v *Vcpu) setPC(pc addr.GuestVirt) {
	v.mu.Lock()
	v.pc = pc
	v.mu.Unlock()
}

func (v *Vcpu) checkBreakpoint() {
	v.mu.Lock()
	cond, cb := v.breakCond, v.onBreak
	pc := v.pc
	v.mu.Unlock()

	if cond != nil && cond.Eval(pc) && cb != nil {
		cb(v)
	}
}

// handleFault dispatches a fault to the installed TrapHandler, or the
// architectural default if none is set.
func (v *Vcpu) handleFault(f *addr.Fault) StepResult {
	if v.trapHandler != nil {
		action := v.trapHandler(v, f)
		v.applyTrapAction(action, f)

		return StepResult{Status: interp.StatusFault, Fault: f, Action: action}
	}

	v.setPC(defaultTrapVector(v, f))

	return StepResult{Status: interp.StatusFault, Fault: f, Action: ActionContinue}
}

func (v *Vcpu) applyTrapAction(action Action, f *addr.Fault) {
	switch action {
	case ActionRetry:
		v.setPC(f.PC)
	case ActionContinue, ActionMask, ActionDeliver, ActionAbort:
		// ActionContinue: handler already wrote vCPU state (including
		// PC) before returning. The stop-worthy actions need no PC
		// update; Run's caller checks the Action field itself.
	}
}

// maybeDeliverIRQ consults the IRQ policy when an interrupt is
// pending, defaulting to delivering the highest-priority (lowest
// vector value) pending vector "IRQ
// delivery".
func (v *Vcpu) maybeDeliverIRQ() {
	v.mu.Lock()
	if len(v.pending) == 0 {
		v.mu.Unlock()

		return
	}
	v.mu.Unlock()

	v.handleIRQ()
}

func (v *Vcpu) handleIRQ() StepResult {
	v.mu.Lock()
	if len(v.pending) == 0 {
		v.mu.Unlock()

		return StepResult{Status: interp.StatusOk}
	}

	best := 0

	for i, vec := range v.pending {
		if vec < v.pending[best] {
			best = i
		}
	}

	vector := v.pending[best]
	v.pending = append(v.pending[:best], v.pending[best+1:]...)
	v.mu.Unlock()

	if v.irqHandler != nil {
		_, action := v.irqHandler(v)

		return StepResult{Status: interp.StatusInterruptPending, Action: action}
	}

	v.log.WithField("vector", vector).Debug("default IRQ delivery")

	return StepResult{Status: interp.StatusInterruptPending, Action: ActionContinue}
}
