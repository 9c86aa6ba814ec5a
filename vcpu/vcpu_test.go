package vcpu_test

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/xvmproject/xvm/addr"
	"github.com/xvmproject/xvm/codecache"
	"github.com/xvmproject/xvm/hotpath"
	"github.com/xvmproject/xvm/interp"
	"github.com/xvmproject/xvm/ir"
	"github.com/xvmproject/xvm/mmu"
	"github.com/xvmproject/xvm/vcpu"
)

// stubDecoder serves a fixed table of pre-built blocks keyed by PC,
// letting these tests drive the scheduler loop without depending on a
// specific guest ISA's instruction encoding.
type stubDecoder struct {
	blocks map[addr.GuestVirt]*ir.Block
}

func (d *stubDecoder) ISA() string { return "stub" }

func (d *stubDecoder) Decode(_ *mmu.View, pc addr.GuestVirt) (*ir.Block, *addr.Fault) {
	if b, ok := d.blocks[pc]; ok {
		return b, nil
	}

	return &ir.Block{StartPC: pc, ISA: "stub", Term: ir.Terminator{Kind: ir.TermFault, Cause: addr.IllegalInstruction}}, nil
}

func newTestView(t *testing.T) *mmu.View {
	t.Helper()

	m, err := mmu.New(mmu.Config{RAMSize: 1 << 20, Mode: mmu.PagingMode{Levels: 1, BitsPerLevel: 20}})
	if err != nil {
		t.Fatalf("mmu.New: %v", err)
	}

	return m.NewView(0, 0)
}

func newDeps(t *testing.T, blocks map[addr.GuestVirt]*ir.Block) vcpu.Deps {
	t.Helper()

	return vcpu.Deps{
		ISA:      "stub",
		View:     newTestView(t),
		Decoder:  &stubDecoder{blocks: blocks},
		Interp:   interp.New(),
		Detector: hotpath.New(hotpath.Config{}),
		Cache:    codecache.New(codecache.Config{}),
	}
}

func TestVcpuHalts(t *testing.T) {
	const pc = addr.GuestVirt(0x1000)

	block := &ir.Block{
		StartPC: pc,
		ISA:     "stub",
		Ops:     []ir.Op{{Op: ir.OpMovImm, Dst: ir.Reg(1), Imm: 5}},
		Term:    ir.Terminator{Kind: ir.TermHalt},
	}

	v := vcpu.New(0, pc, newDeps(t, map[addr.GuestVirt]*ir.Block{pc: block}))

	done := make(chan struct{})

	go func() {
		v.Run()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("vCPU never halted")
	}

	if got := v.State().Regs[1]; got != 5 {
		t.Fatalf("x1 = %d, want 5", got)
	}
}

func TestVcpuPauseQuiescesWithinOneBlock(t *testing.T) {
	const pc = addr.GuestVirt(0x2000)

	// A block that increments x1 and jumps right back to itself,
	// giving the pause request something to interrupt.
	block := &ir.Block{
		StartPC: pc,
		ISA:     "stub",
		Ops: []ir.Op{
			{Op: ir.OpAdd, Dst: ir.Reg(1), Src1: ir.Reg(1), Imm: 1},
		},
		Term: ir.Terminator{Kind: ir.TermJmp, Target: pc},
	}

	v := vcpu.New(0, pc, newDeps(t, map[addr.GuestVirt]*ir.Block{pc: block}))

	var running int32
	atomic.StoreInt32(&running, 1)

	go func() {
		v.Run()
		atomic.StoreInt32(&running, 0)
	}()

	time.Sleep(20 * time.Millisecond)
	v.RequestPause()

	time.Sleep(20 * time.Millisecond)

	before := v.State().Regs[1]
	time.Sleep(20 * time.Millisecond)
	after := v.State().Regs[1]

	if before != after {
		t.Fatalf("vCPU kept executing after pause: before=%d after=%d", before, after)
	}

	v.RequestStop()
	v.RequestResume()

	deadline := time.Now().Add(2 * time.Second)
	for atomic.LoadInt32(&running) == 1 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	if atomic.LoadInt32(&running) == 1 {
		t.Fatalf("vCPU never stopped")
	}
}

func TestVcpuDefaultFaultDelivery(t *testing.T) {
	const pc = addr.GuestVirt(0x3000)

	block := &ir.Block{
		StartPC: pc,
		ISA:     "stub",
		Term:    ir.Terminator{Kind: ir.TermFault, Cause: addr.PageFault},
	}

	v := vcpu.New(0, pc, newDeps(t, map[addr.GuestVirt]*ir.Block{pc: block}))

	done := make(chan struct{})

	v.SetTrapHandler(func(vc *vcpu.Vcpu, f *addr.Fault) vcpu.Action {
		close(done)

		return vcpu.ActionAbort
	})

	go v.Run()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("trap handler never invoked")
	}
}

func TestSchedulerBroadcastIPI(t *testing.T) {
	const pcA, pcB = addr.GuestVirt(0x4000), addr.GuestVirt(0x5000)

	haltBlock := func(pc addr.GuestVirt) *ir.Block {
		return &ir.Block{StartPC: pc, ISA: "stub", Term: ir.Terminator{Kind: ir.TermHalt}}
	}

	depsA := newDeps(t, map[addr.GuestVirt]*ir.Block{pcA: haltBlock(pcA)})
	depsB := newDeps(t, map[addr.GuestVirt]*ir.Block{pcB: haltBlock(pcB)})

	va := vcpu.New(0, pcA, depsA)
	vb := vcpu.New(1, pcB, depsB)

	sched := vcpu.NewScheduler([]*vcpu.Vcpu{va, vb})
	sched.Broadcast(0, 7) // exercises SendIPI's non-blocking send before anyone is running

	sched.Start()
	sched.Wait()
}
