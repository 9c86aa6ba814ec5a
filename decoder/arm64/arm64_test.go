package arm64_test

import (
	"encoding/binary"
	"testing"

	"github.com/xvmproject/xvm/addr"
	"github.com/xvmproject/xvm/decoder/arm64"
	"github.com/xvmproject/xvm/ir"
	"github.com/xvmproject/xvm/mmu"
)

func newIdentityMMU(t *testing.T, code []byte) *mmu.View {
	t.Helper()

	m, err := mmu.New(mmu.Config{RAMSize: 1 << 20, Mode: mmu.PagingMode{Levels: 1, BitsPerLevel: 20}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	pt := make([]byte, 4096)
	binary.LittleEndian.PutUint64(pt[0:8], 0x1000|0x1|0x2|0x4|0x8)

	if err := m.LoadPhys(0, pt); err != nil {
		t.Fatalf("LoadPhys pt: %v", err)
	}

	if err := m.LoadPhys(0x1000, code); err != nil {
		t.Fatalf("LoadPhys code: %v", err)
	}

	return m.NewView(0, 0)
}

func TestDecodeMovzImmediate(t *testing.T) {
	t.Parallel()

	code := make([]byte, 4)
	binary.LittleEndian.PutUint32(code, 0xD28000A0) // movz x0, #5

	v := newIdentityMMU(t, code)
	b, fault := arm64.New().Decode(v, 0)
	if fault != nil {
		t.Fatalf("unexpected fault: %v", fault)
	}

	if b.Len() != 1 {
		t.Fatalf("want 1 op, got %d: %+v", b.Len(), b.Ops)
	}

	op := b.Ops[0]
	if op.Op != ir.OpMovImm || op.Dst != 0 || op.Imm != 5 {
		t.Fatalf("unexpected op: %+v", op)
	}

	if b.Term.Kind != ir.TermFault || b.Term.Cause != addr.IllegalInstruction {
		t.Fatalf("want IllegalInstruction on the trailing zero word, got %+v", b.Term)
	}
}

func TestDecodeCompareAndBranchZero(t *testing.T) {
	t.Parallel()

	code := make([]byte, 4)
	binary.LittleEndian.PutUint32(code, 0xB4000040) // cbz x0, #8

	v := newIdentityMMU(t, code)
	b, fault := arm64.New().Decode(v, 0)
	if fault != nil {
		t.Fatalf("unexpected fault: %v", fault)
	}

	if b.Len() != 1 || b.Ops[0].Op != ir.OpCmpEq || b.Ops[0].Src1 != 0 {
		t.Fatalf("unexpected op set: %+v", b.Ops)
	}

	if b.Term.Kind != ir.TermCondJmp || b.Term.TrueAddr != 8 || b.Term.FalseAddr != 4 {
		t.Fatalf("unexpected terminator: %+v", b.Term)
	}
}

func TestDecodeRet(t *testing.T) {
	t.Parallel()

	code := make([]byte, 4)
	binary.LittleEndian.PutUint32(code, 0xD65F03C0) // ret

	v := newIdentityMMU(t, code)
	b, fault := arm64.New().Decode(v, 0)
	if fault != nil {
		t.Fatalf("unexpected fault: %v", fault)
	}

	if b.Len() != 0 || b.Term.Kind != ir.TermRet {
		t.Fatalf("want an empty block ending in TermRet, got %+v / %+v", b.Ops, b.Term)
	}
}
