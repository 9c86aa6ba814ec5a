package xarch_test

import (
	"errors"
	"testing"

	"github.com/xvmproject/xvm/addr"
	"github.com/xvmproject/xvm/ir"
	"github.com/xvmproject/xvm/xarch"
)

func simpleBlock(isa string) *ir.Block {
	return &ir.Block{
		StartPC: 0x1000,
		ISA:     isa,
		Ops: []ir.Op{
			{Op: ir.OpMovImm, Dst: ir.Reg(1), Imm: 10},
			{Op: ir.OpAdd, Dst: ir.Reg(2), Src1: ir.Reg(1), Imm: 5},
		},
		Term: ir.Terminator{Kind: ir.TermJmp, Target: 0x1008},
	}
}

func TestSelectStrategyDirect(t *testing.T) {
	tr := xarch.New("riscv64")

	ev := tr.SelectStrategy(simpleBlock("riscv64"), "riscv64")
	if ev.Strategy != xarch.StrategyDirect {
		t.Fatalf("strategy = %v, want direct", ev.Strategy)
	}
}

func TestSelectStrategyIRMediated(t *testing.T) {
	tr := xarch.New("arm64")

	ev := tr.SelectStrategy(simpleBlock("riscv64"), "arm64")
	if ev.Strategy != xarch.StrategyIRMediated {
		t.Fatalf("strategy = %v, want ir-mediated", ev.Strategy)
	}
}

func TestSelectStrategyFallbackOnUnknownTarget(t *testing.T) {
	tr := xarch.New("arm64")

	ev := tr.SelectStrategy(simpleBlock("riscv64"), "mips64")
	if ev.Strategy != xarch.StrategyInterpreterFallback {
		t.Fatalf("strategy = %v, want interpreter-fallback", ev.Strategy)
	}
}

func TestSelectStrategyFallbackOnUnsupportedOp(t *testing.T) {
	tr := xarch.New("x86-64")

	b := &ir.Block{
		StartPC: 0x2000,
		ISA:     "riscv64",
		Ops:     []ir.Op{{Op: ir.OpLoadReserve, Dst: ir.Reg(1), Src1: ir.Reg(2)}},
		Term:    ir.Terminator{Kind: ir.TermHalt},
	}

	ev := tr.SelectStrategy(b, "x86-64")
	if ev.Strategy != xarch.StrategyInterpreterFallback {
		t.Fatalf("strategy = %v, want interpreter-fallback", ev.Strategy)
	}
}

func TestCompileProducesCodeAndCodePageGuard(t *testing.T) {
	tr := xarch.New("riscv64")

	res, err := tr.Compile(simpleBlock("riscv64"), "riscv64", 16)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}

	if len(res.Code) == 0 {
		t.Fatalf("expected non-empty lowered payload")
	}

	if len(res.Regions) != 1 {
		t.Fatalf("expected exactly one guard region, got %d", len(res.Regions))
	}

	want := addr.Region{Lo: 0x1000, Hi: 0x2000}
	if res.Regions[0] != want {
		t.Fatalf("guard region = %+v, want %+v", res.Regions[0], want)
	}
}

func TestCompileReturnsFallbackErrorForUnsupportedOp(t *testing.T) {
	tr := xarch.New("x86-64")

	b := &ir.Block{
		StartPC: 0x3000,
		ISA:     "riscv64",
		Ops:     []ir.Op{{Op: ir.OpStoreCond, Dst: ir.Reg(1), Src1: ir.Reg(2)}},
		Term:    ir.Terminator{Kind: ir.TermHalt},
	}

	_, err := tr.Compile(b, "x86-64", 16)

	var fallback *xarch.FallbackError
	if !errors.As(err, &fallback) {
		t.Fatalf("expected *xarch.FallbackError, got %T: %v", err, err)
	}
}
