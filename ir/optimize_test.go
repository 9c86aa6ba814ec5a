package ir_test

import (
	"reflect"
	"testing"

	"github.com/xvmproject/xvm/ir"
)

func TestConstantFoldDoesNotFoldDivByZero(t *testing.T) {
	t.Parallel()

	b := &ir.Block{
		Ops: []ir.Op{
			{Op: ir.OpMovImm, Dst: 1, Imm: 10},
			{Op: ir.OpMovImm, Dst: 2, Imm: 0},
			{Op: ir.OpDivU, Dst: 3, Src1: 1, Src2: 2},
		},
		Term: ir.Terminator{Kind: ir.TermRet},
	}
	b.Ops[2].Dst = ir.Reg(1) // alias to a guest register so DCE keeps it

	out, _ := ir.Optimize(b)

	for _, op := range out.Ops {
		if op.Op == ir.OpDivU {
			return // division survives unfolded
		}
	}

	t.Fatalf("expected unfolded division by zero to survive optimization, got %+v", out.Ops)
}

func TestAlgebraicSimplifyMulPow2ToShift(t *testing.T) {
	t.Parallel()

	b := &ir.Block{
		Ops: []ir.Op{
			{Op: ir.OpMovImm, Dst: 100, Imm: 8},
			{Op: ir.OpMul, Dst: ir.Reg(1), Src1: ir.Reg(2), Src2: 100},
		},
		Term: ir.Terminator{Kind: ir.TermRet},
	}

	out, stats := ir.Optimize(b)

	if stats.Simplified == 0 {
		t.Fatalf("expected a simplification to be recorded")
	}

	found := false

	for _, op := range out.Ops {
		if op.Op == ir.OpSll && op.Imm == 3 {
			found = true
		}
	}

	if !found {
		t.Fatalf("expected mul-by-8 to become shift-left-3, got %+v", out.Ops)
	}
}

func TestDeadCodeEliminationKeepsSideEffects(t *testing.T) {
	t.Parallel()

	dead := ir.Reg(1 << 16)
	b := &ir.Block{
		Ops: []ir.Op{
			{Op: ir.OpMovImm, Dst: dead, Imm: 42}, // unused, should be removed
			{Op: ir.OpStore, Src1: ir.Reg(1), Src2: ir.Reg(2), Size: ir.Size8},
		},
		Term: ir.Terminator{Kind: ir.TermRet},
	}

	out, stats := ir.Optimize(b)

	if stats.DeadRemoved == 0 {
		t.Fatalf("expected the unused movimm to be removed")
	}

	if len(out.Ops) != 1 || out.Ops[0].Op != ir.OpStore {
		t.Fatalf("expected only the store to survive, got %+v", out.Ops)
	}
}

func TestCommonSubexprEliminationAcrossStoreBarrier(t *testing.T) {
	t.Parallel()

	a, c := ir.Reg(1), ir.Reg(2)
	r1, r2 := ir.Reg(1<<16), ir.Reg(1<<16+1)

	b := &ir.Block{
		Ops: []ir.Op{
			{Op: ir.OpLoad, Dst: r1, Src1: a, Size: ir.Size8},
			{Op: ir.OpStore, Src1: a, Src2: c, Size: ir.Size8},
			{Op: ir.OpLoad, Dst: r2, Src1: a, Size: ir.Size8},
		},
		Term: ir.Terminator{Kind: ir.TermRet, CondReg: r2},
	}
	b.Term.Kind = ir.TermCondJmp

	out, stats := ir.Optimize(b)

	if stats.CSEReplaced != 0 {
		t.Fatalf("loads separated by a store must not be CSE'd, got %d replacements: %+v", stats.CSEReplaced, out.Ops)
	}
}

func TestOptimizeIsIdempotent(t *testing.T) {
	t.Parallel()

	b := &ir.Block{
		Ops: []ir.Op{
			{Op: ir.OpMovImm, Dst: 100, Imm: 0},
			{Op: ir.OpAdd, Dst: ir.Reg(1), Src1: ir.Reg(1), Src2: 100},
			{Op: ir.OpMov, Dst: ir.Reg(2), Src1: ir.Reg(2)},
		},
		Term: ir.Terminator{Kind: ir.TermRet},
	}

	once, _ := ir.Optimize(b)
	twice, stats := ir.Optimize(once)

	if len(once.Ops) != len(twice.Ops) {
		t.Fatalf("optimize is not idempotent: %+v vs %+v", once.Ops, twice.Ops)
	}

	for i := range once.Ops {
		if !reflect.DeepEqual(once.Ops[i], twice.Ops[i]) {
			t.Fatalf("optimize is not idempotent at op %d: %+v vs %+v", i, once.Ops[i], twice.Ops[i])
		}
	}

	if stats.ConstFolded != 0 || stats.Simplified != 0 || stats.DeadRemoved != 0 || stats.CSEReplaced != 0 {
		t.Fatalf("second optimize pass should be a no-op, got stats %+v", stats)
	}
}

func TestFingerprintStableAcrossEqualBlocks(t *testing.T) {
	t.Parallel()

	mk := func() *ir.Block {
		return &ir.Block{
			StartPC: 0x1000,
			Ops: []ir.Op{
				{Op: ir.OpMovImm, Dst: ir.Reg(1), Imm: 5},
			},
			Term: ir.Terminator{Kind: ir.TermRet},
		}
	}

	if mk().Hash() != mk().Hash() {
		t.Fatalf("identical blocks must fingerprint identically")
	}

	other := mk()
	other.Ops[0].Imm = 6

	if mk().Hash() == other.Hash() {
		t.Fatalf("blocks differing in an immediate must not fingerprint identically")
	}
}

func TestValidateRejectsUndefinedRegister(t *testing.T) {
	t.Parallel()

	b := &ir.Block{
		Ops: []ir.Op{
			{Op: ir.OpAdd, Dst: ir.Reg(1), Src1: ir.Reg(1), Src2: ir.Reg(1 << 16)},
		},
		Term: ir.Terminator{Kind: ir.TermRet},
	}

	if err := b.Validate(); err == nil {
		t.Fatalf("expected Validate to reject a use of an undefined virtual register")
	}
}
