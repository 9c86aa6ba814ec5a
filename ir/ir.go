// Package ir defines the register-based intermediate representation
// shared by the decoder front ends (decoder), the optimizer pipeline,
// the interpreter (interp), the register allocator (regalloc) and the
// cross-architecture translator (xarch). An IRBlock is the unit of
// compilation, hotness tracking and cache invalidation.
package ir

import (
	"fmt"

	"github.com/xvmproject/xvm/addr"
)

// Reg is a virtual register handle. Values 0..numGuestRegs-1 are guest
// architectural registers (aliased 1:1 to the guest's GPR file);
// values >= firstVirtual are SSA-like temporaries assigned by the
// decoder or introduced by optimizer passes.
type Reg uint32

const firstVirtual Reg = 1 << 16

// IsGuest reports whether r names a guest architectural register
// rather than a decoder/optimizer-introduced temporary.
func (r Reg) IsGuest() bool { return r < firstVirtual }

// NewVirtual allocates a fresh virtual register given the current high
// water mark, returning the new register and the updated counter.
func NewVirtual(next Reg) (Reg, Reg) {
	if next < firstVirtual {
		next = firstVirtual
	}

	return next, next + 1
}

// Size is the width, in bytes, of a memory or register-truncating
// operation. Memory ops are restricted to these widths.
type Size uint8

const (
	Size1  Size = 1
	Size2  Size = 2
	Size4  Size = 4
	Size8  Size = 8
	Size16 Size = 16
)

func (s Size) Valid() bool {
	switch s {
	case Size1, Size2, Size4, Size8, Size16:
		return true
	default:
		return false
	}
}

// Opcode tags every IROp variant.
type Opcode uint16

const (
	OpMovImm Opcode = iota
	OpMov
	OpAdd
	OpSub
	OpMul
	OpMulU
	OpDiv
	OpDivU
	OpRem
	OpRemU
	OpAnd
	OpOr
	OpXor
	OpNot
	OpSll
	OpSrl
	OpSra
	OpLoad
	OpStore
	OpCmpEq
	OpCmpNe
	OpCmpLt
	OpCmpLtU
	OpCmpGe
	OpCmpGeU
	OpSelect
	OpAtomicRMW
	OpAtomicCAS
	OpLoadReserve // LR half of an LR/SC pair
	OpStoreCond   // SC half of an LR/SC pair
	OpVecAdd
	OpVecSub
	OpVecMul
	OpSatAdd
	OpSatSub
	OpFAdd
	OpFSub
	OpFMul
	OpFDiv
	OpFSqrt
	OpFMin
	OpFMax
	OpFMA
	OpFLoad
	OpFStore
	OpCSRRead
	OpCSRWrite
	OpCSRSet
	OpCSRClear
	OpBroadcast
	OpCPUID
	OpFence
	OpVendor // opaque vendor/accelerator-specific payload (matrix/vector extensions)
)

var opcodeNames = map[Opcode]string{
	OpMovImm: "movimm", OpMov: "mov", OpAdd: "add", OpSub: "sub",
	OpMul: "mul", OpMulU: "mulu", OpDiv: "div", OpDivU: "divu",
	OpRem: "rem", OpRemU: "remu", OpAnd: "and", OpOr: "or", OpXor: "xor",
	OpNot: "not", OpSll: "sll", OpSrl: "srl", OpSra: "sra",
	OpLoad: "load", OpStore: "store",
	OpCmpEq: "cmpeq", OpCmpNe: "cmpne", OpCmpLt: "cmplt", OpCmpLtU: "cmpltu",
	OpCmpGe: "cmpge", OpCmpGeU: "cmpgeu", OpSelect: "select",
	OpAtomicRMW: "atomic.rmw", OpAtomicCAS: "atomic.cas",
	OpLoadReserve: "lr", OpStoreCond: "sc",
	OpVecAdd: "vec.add", OpVecSub: "vec.sub", OpVecMul: "vec.mul",
	OpSatAdd: "sat.add", OpSatSub: "sat.sub",
	OpFAdd: "fadd", OpFSub: "fsub", OpFMul: "fmul", OpFDiv: "fdiv",
	OpFSqrt: "fsqrt", OpFMin: "fmin", OpFMax: "fmax", OpFMA: "fma",
	OpFLoad: "fload", OpFStore: "fstore",
	OpCSRRead: "csr.read", OpCSRWrite: "csr.write",
	OpCSRSet: "csr.set", OpCSRClear: "csr.clear",
	OpBroadcast: "broadcast", OpCPUID: "cpuid", OpFence: "fence",
	OpVendor: "vendor",
}

func (o Opcode) String() string {
	if n, ok := opcodeNames[o]; ok {
		return n
	}

	return fmt.Sprintf("op(%d)", o)
}

// sideEffecting lists opcodes the dead-code elimination pass must
// never remove even when their destination register has no further
// use.
var sideEffecting = map[Opcode]bool{
	OpStore: true, OpFStore: true,
	OpAtomicRMW: true, OpAtomicCAS: true,
	OpLoadReserve: true, OpStoreCond: true,
	OpCSRWrite: true, OpCSRSet: true, OpCSRClear: true,
	OpFence: true, OpVendor: true, OpCPUID: true, OpBroadcast: true,
}

// HasSideEffect reports whether an op with this opcode must be kept
// regardless of whether its result register is later read.
func (o Opcode) HasSideEffect() bool { return sideEffecting[o] }

// Op is a single IR instruction. Not every field is meaningful for
// every Opcode; Dst/Src1/Src2 follow a fixed destination-then-operands
// convention and are simply left zero when unused.
type Op struct {
	Op        Opcode
	Dst       Reg
	Src1      Reg
	Src2      Reg
	Imm       int64 // immediate operand (MovImm, shift-by-imm, CSR index, CPUID leaf, ...)
	Size      Size  // memory/vector element width, when applicable
	Signed    bool  // sign-extend on load / arithmetic on signed variant
	Atomic    bool  // the access must be indivisible with respect to other vCPUs
	GuestPC   addr.GuestVirt // guest PC this op originated from, for fault reporting
	VendorTag uint32         // opaque payload discriminator for OpVendor
	VendorBuf []byte         // opaque payload for OpVendor
}

// TermKind tags the terminator variants.
type TermKind uint8

const (
	TermJmp TermKind = iota
	TermCondJmp
	TermJmpReg
	TermRet
	TermFault
	TermHalt
)

// Terminator ends every IRBlock. Exactly one of its fields is
// meaningful, selected by Kind.
type Terminator struct {
	Kind      TermKind
	Target    addr.GuestVirt // TermJmp
	CondReg   Reg            // TermCondJmp
	TrueAddr  addr.GuestVirt // TermCondJmp
	FalseAddr addr.GuestVirt // TermCondJmp
	BaseReg   Reg            // TermJmpReg
	Offset    int64          // TermJmpReg
	Cause     addr.Kind      // TermFault
}

// Block is the decoder's unit of output and the code cache's unit of
// compilation: a straight-line sequence of Ops ending in exactly one
// Terminator.
type Block struct {
	StartPC    addr.GuestVirt
	ISA        string // "x86-64" | "arm64" | "riscv64"
	Ops        []Op
	Term       Terminator
	NextVirtual Reg // high-water mark for NewVirtual, carried so passes can add temporaries
}

// Len returns the number of IR ops in the block (terminator excluded).
func (b *Block) Len() int { return len(b.Ops) }

// Complexity is a coarse per-block cost estimate fed to the hot-path
// detector and the JIT runtime's expected-benefit heuristic. Memory
// and floating point ops weigh more than simple ALU ops.
func (b *Block) Complexity() int {
	score := 0

	for _, op := range b.Ops {
		switch op.Op {
		case OpLoad, OpStore, OpFLoad, OpFStore, OpAtomicRMW, OpAtomicCAS, OpLoadReserve, OpStoreCond:
			score += 3
		case OpFAdd, OpFSub, OpFMul, OpFDiv, OpFSqrt, OpFMin, OpFMax, OpFMA:
			score += 4
		case OpVecAdd, OpVecSub, OpVecMul, OpSatAdd, OpSatSub, OpBroadcast:
			score += 2
		case OpVendor, OpCPUID:
			score += 5
		default:
			score++
		}
	}

	if b.Term.Kind == TermCondJmp || b.Term.Kind == TermJmpReg {
		score++
	}

	return score
}
