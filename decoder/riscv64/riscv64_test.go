package riscv64_test

import (
	"encoding/binary"
	"testing"

	"github.com/xvmproject/xvm/addr"
	"github.com/xvmproject/xvm/decoder/riscv64"
	"github.com/xvmproject/xvm/ir"
	"github.com/xvmproject/xvm/mmu"
)

// newIdentityMMU builds a one-level identity-mapped MMU with insns
// staged at VA 0, for exercising a decoder without a full MMU test
// suite duplicated per ISA. The page-table bit layout (valid=1,
// read=2, write=4, exec=8) matches mmu's internal PTE encoding.
func newIdentityMMU(t *testing.T, code []byte) *mmu.View {
	t.Helper()

	m, err := mmu.New(mmu.Config{RAMSize: 1 << 20, Mode: mmu.PagingMode{Levels: 1, BitsPerLevel: 20}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	pt := make([]byte, 4096)
	// vpn=0 -> frame 0x1000, RWX.
	binary.LittleEndian.PutUint64(pt[0:8], 0x1000|0x1|0x2|0x4|0x8)

	if err := m.LoadPhys(0, pt); err != nil {
		t.Fatalf("LoadPhys pt: %v", err)
	}

	if err := m.LoadPhys(0x1000, code); err != nil {
		t.Fatalf("LoadPhys code: %v", err)
	}

	return m.NewView(0, 0)
}

func TestDecodeAddImmediate(t *testing.T) {
	t.Parallel()

	code := make([]byte, 4)
	binary.LittleEndian.PutUint32(code, 0x00500093) // addi x1, x0, 5

	v := newIdentityMMU(t, code)
	b, fault := riscv64.New().Decode(v, 0)
	if fault != nil {
		t.Fatalf("unexpected fault: %v", fault)
	}

	if b.Len() != 1 {
		t.Fatalf("want 1 op, got %d", b.Len())
	}

	op := b.Ops[0]
	if op.Op != ir.OpAdd || op.Dst != 1 || op.Src1 != 0 || op.Imm != 5 {
		t.Fatalf("unexpected op: %+v", op)
	}

	// The rest of the identity-mapped page is zero-filled, and a
	// zero word isn't a valid RV64I opcode, so the block ends there.
	if b.Term.Kind != ir.TermFault || b.Term.Cause != addr.IllegalInstruction {
		t.Fatalf("want a TermFault/IllegalInstruction terminator on the trailing zero word, got %+v", b.Term)
	}
}

func TestDecodeBranchEqual(t *testing.T) {
	t.Parallel()

	code := make([]byte, 4)
	binary.LittleEndian.PutUint32(code, 0x00208463) // beq x1, x2, +8

	v := newIdentityMMU(t, code)
	b, fault := riscv64.New().Decode(v, 0)
	if fault != nil {
		t.Fatalf("unexpected fault: %v", fault)
	}

	if b.Len() != 1 || b.Ops[0].Op != ir.OpCmpEq {
		t.Fatalf("want a single CmpEq op, got %+v", b.Ops)
	}

	if b.Term.Kind != ir.TermCondJmp || b.Term.TrueAddr != 8 || b.Term.FalseAddr != 4 {
		t.Fatalf("unexpected terminator: %+v", b.Term)
	}
}

func TestDecodeStopsAtFaultingFetch(t *testing.T) {
	t.Parallel()

	m, err := mmu.New(mmu.Config{RAMSize: 1 << 20, Mode: mmu.PagingMode{Levels: 1, BitsPerLevel: 20}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	v := m.NewView(0, 0)

	b, fault := riscv64.New().Decode(v, 0)
	if fault != nil {
		t.Fatalf("decode itself should not return a *addr.Fault, got %v", fault)
	}

	if b.Term.Kind != ir.TermFault || b.Term.Cause != addr.PageFault {
		t.Fatalf("want a TermFault/PageFault terminator on unmapped fetch, got %+v", b.Term)
	}
}
