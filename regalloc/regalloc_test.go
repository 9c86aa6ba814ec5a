package regalloc_test

import (
	"testing"

	"github.com/xvmproject/xvm/ir"
	"github.com/xvmproject/xvm/regalloc"
)

func vreg(n uint32) ir.Reg {
	v, _ := ir.NewVirtual(0)

	return v + ir.Reg(n)
}

func TestAllocateSmallBlockUsesLinearScan(t *testing.T) {
	v1, v2 := vreg(0), vreg(1)

	b := &ir.Block{
		Ops: []ir.Op{
			{Op: ir.OpMovImm, Dst: v1, Imm: 10},
			{Op: ir.OpMovImm, Dst: v2, Imm: 20},
			{Op: ir.OpAdd, Dst: v1, Src1: v1, Src2: v2},
		},
	}

	assign := regalloc.Allocate(b, 4)

	if len(assign) != 2 {
		t.Fatalf("Allocate returned %d locations, want 2", len(assign))
	}

	for _, r := range []ir.Reg{v1, v2} {
		if _, ok := assign[r]; !ok {
			t.Fatalf("register %v missing from assignment", r)
		}
	}
}

func TestAllocateSpillsWhenOutOfRegisters(t *testing.T) {
	var ops []ir.Op

	next := ir.Reg(0)

	var regs []ir.Reg

	for i := 0; i < 8; i++ {
		var v ir.Reg
		v, next = ir.NewVirtual(next)
		regs = append(regs, v)
		ops = append(ops, ir.Op{Op: ir.OpMovImm, Dst: v, Imm: int64(i)})
	}
	// Keep every register live simultaneously by reading them all in one op chain.
	for i := 1; i < len(regs); i++ {
		ops = append(ops, ir.Op{Op: ir.OpAdd, Dst: regs[0], Src1: regs[0], Src2: regs[i]})
	}

	b := &ir.Block{Ops: ops}

	assign := regalloc.Allocate(b, 2)

	spilled := 0

	for _, loc := range assign {
		if loc.Kind == regalloc.LocStack {
			spilled++
		}
	}

	if spilled == 0 {
		t.Fatalf("expected at least one spill with only 2 physical registers for 8 live values")
	}
}

func TestAllocateLargeBlockUsesGraphColoring(t *testing.T) {
	var ops []ir.Op

	next := ir.Reg(0)

	for i := 0; i < regalloc.SmallBlockThreshold+5; i++ {
		var v ir.Reg
		v, next = ir.NewVirtual(next)
		ops = append(ops, ir.Op{Op: ir.OpMovImm, Dst: v, Imm: int64(i)})
	}

	b := &ir.Block{Ops: ops}

	assign := regalloc.Allocate(b, 16)
	if len(assign) != len(ops) {
		t.Fatalf("Allocate returned %d locations, want %d", len(assign), len(ops))
	}
}
