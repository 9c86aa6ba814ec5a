// Package x86 decodes x86-64 guest code into the shared IR using
// golang.org/x/arch/x86/x86asm, the same disassembler gokvm's
// debug_amd64.go uses for its instruction-at-RIP printing.
package x86

import (
	"github.com/xvmproject/xvm/addr"
	"github.com/xvmproject/xvm/decoder"
	"github.com/xvmproject/xvm/ir"
	"github.com/xvmproject/xvm/mmu"

	"golang.org/x/arch/x86/x86asm"
)

type Decoder struct{}

func New() *Decoder { return &Decoder{} }

func (*Decoder) ISA() string { return "x86-64" }

// gpr maps an x86asm general-purpose register to a stable guest
// register number, collapsing sub-register aliases (AL/AX/EAX/RAX) onto
// one architectural slot the way the interpreter's vCPU state file
// does.
func gpr(r x86asm.Reg) (ir.Reg, bool) {
	switch r {
	case x86asm.AL, x86asm.AX, x86asm.EAX, x86asm.RAX:
		return 0, true
	case x86asm.CL, x86asm.CX, x86asm.ECX, x86asm.RCX:
		return 1, true
	case x86asm.DL, x86asm.DX, x86asm.EDX, x86asm.RDX:
		return 2, true
	case x86asm.BL, x86asm.BX, x86asm.EBX, x86asm.RBX:
		return 3, true
	case x86asm.SPB, x86asm.SP, x86asm.ESP, x86asm.RSP:
		return 4, true
	case x86asm.BPB, x86asm.BP, x86asm.EBP, x86asm.RBP:
		return 5, true
	case x86asm.SIB, x86asm.SI, x86asm.ESI, x86asm.RSI:
		return 6, true
	case x86asm.DIB, x86asm.DI, x86asm.EDI, x86asm.RDI:
		return 7, true
	case x86asm.R8B, x86asm.R8W, x86asm.R8L, x86asm.R8:
		return 8, true
	case x86asm.R9B, x86asm.R9W, x86asm.R9L, x86asm.R9:
		return 9, true
	default:
		return 0, false
	}
}

func regSize(r x86asm.Reg) ir.Size {
	switch r {
	case x86asm.AL, x86asm.CL, x86asm.DL, x86asm.BL, x86asm.SPB, x86asm.BPB, x86asm.SIB, x86asm.DIB, x86asm.R8B, x86asm.R9B:
		return ir.Size1
	case x86asm.AX, x86asm.CX, x86asm.DX, x86asm.BX, x86asm.SP, x86asm.BP, x86asm.SI, x86asm.DI, x86asm.R8W, x86asm.R9W:
		return ir.Size2
	case x86asm.EAX, x86asm.ECX, x86asm.EDX, x86asm.EBX, x86asm.ESP, x86asm.EBP, x86asm.ESI, x86asm.EDI, x86asm.R8L, x86asm.R9L:
		return ir.Size4
	default:
		return ir.Size8
	}
}

// Decode implements decoder.Decoder.
func (d *Decoder) Decode(v *mmu.View, pc addr.GuestVirt) (*ir.Block, *addr.Fault) {
	b := &ir.Block{StartPC: pc, ISA: d.ISA()}
	cur := pc

	for b.Len() < decoder.MaxBlockOps {
		insnBytes, ffault := fetchWindow(v, cur)
		if ffault != nil {
			b.Term = ir.Terminator{Kind: ir.TermFault, Cause: ffault.Kind}

			return b, nil
		}

		inst, err := x86asm.Decode(insnBytes, 64)
		if err != nil {
			b.Term = ir.Terminator{Kind: ir.TermFault, Cause: addr.IllegalInstruction}

			return b, nil
		}

		ops, term, ok := translate(&inst, cur)
		if !ok {
			b.Term = ir.Terminator{Kind: ir.TermFault, Cause: addr.IllegalInstruction}

			return b, nil
		}

		b.Ops = append(b.Ops, ops...)

		if term != nil {
			b.Term = *term

			return b, nil
		}

		cur += addr.GuestVirt(inst.Len)
	}

	b.Term = ir.Terminator{Kind: ir.TermJmp, Target: cur}

	return b, nil
}

// fetchWindow reads up to 16 bytes at va one byte at a time via
// FetchInsn, the widest an x86 instruction can be, stopping early at
// the first faulting byte. x86asm.Decode tolerates a short buffer.
func fetchWindow(v *mmu.View, va addr.GuestVirt) ([]byte, *addr.Fault) {
	buf := make([]byte, 0, 16)

	for i := 0; i < 16; i++ {
		w, fault := v.FetchInsn(va+addr.GuestVirt(i), 1)
		if fault != nil {
			if i == 0 {
				return nil, fault
			}

			break
		}

		buf = append(buf, byte(w))
	}

	return buf, nil
}

func translate(inst *x86asm.Inst, pc addr.GuestVirt) ([]ir.Op, *ir.Terminator, bool) {
	switch inst.Op {
	case x86asm.NOP:
		return nil, nil, true
	case x86asm.RET:
		return nil, &ir.Terminator{Kind: ir.TermRet}, true
	case x86asm.HLT:
		return nil, &ir.Terminator{Kind: ir.TermHalt}, true
	case x86asm.SYSCALL, x86asm.INT:
		return nil, &ir.Terminator{Kind: ir.TermFault, Cause: addr.Breakpoint}, true
	case x86asm.JMP:
		return translateJmp(inst, pc)
	case x86asm.CALL:
		return translateCall(inst, pc)
	case x86asm.JE, x86asm.JNE, x86asm.JL, x86asm.JGE, x86asm.JB, x86asm.JAE:
		return translateCondJmp(inst, pc)
	case x86asm.MOV:
		return translateMov(inst, pc)
	case x86asm.ADD:
		return translateBinOp(inst, pc, ir.OpAdd)
	case x86asm.SUB:
		return translateBinOp(inst, pc, ir.OpSub)
	case x86asm.AND:
		return translateBinOp(inst, pc, ir.OpAnd)
	case x86asm.OR:
		return translateBinOp(inst, pc, ir.OpOr)
	case x86asm.XOR:
		return translateBinOp(inst, pc, ir.OpXor)
	case x86asm.IMUL:
		return translateBinOp(inst, pc, ir.OpMul)
	case x86asm.CPUID:
		return []ir.Op{{Op: ir.OpCPUID, GuestPC: pc}}, nil, true
	default:
		return nil, nil, false
	}
}

func translateJmp(inst *x86asm.Inst, pc addr.GuestVirt) ([]ir.Op, *ir.Terminator, bool) {
	if rel, ok := inst.Args[0].(x86asm.Rel); ok {
		return nil, &ir.Terminator{Kind: ir.TermJmp, Target: pc + addr.GuestVirt(inst.Len) + addr.GuestVirt(rel)}, true
	}

	if r, ok := inst.Args[0].(x86asm.Reg); ok {
		if g, ok := gpr(r); ok {
			return nil, &ir.Terminator{Kind: ir.TermJmpReg, BaseReg: g}, true
		}
	}

	return nil, nil, false
}

// translateCall lowers CALL rel32 as the guest ABI's push-then-branch:
// decrement the stack pointer, materialize the return address into a
// fresh temporary, and store it at the new top of stack, all ahead of
// the unconditional jump terminator.
func translateCall(inst *x86asm.Inst, pc addr.GuestVirt) ([]ir.Op, *ir.Terminator, bool) {
	rel, ok := inst.Args[0].(x86asm.Rel)
	if !ok {
		return nil, nil, false
	}

	retAddr := pc + addr.GuestVirt(inst.Len)
	rsp := ir.Reg(4)
	tmp, _ := ir.NewVirtual(0)

	ops := []ir.Op{
		{Op: ir.OpSub, Dst: rsp, Src1: rsp, Imm: 8, GuestPC: pc},
		{Op: ir.OpMovImm, Dst: tmp, Imm: int64(retAddr), GuestPC: pc},
		{Op: ir.OpStore, Src1: rsp, Src2: tmp, Size: ir.Size8, GuestPC: pc},
	}

	return ops, &ir.Terminator{Kind: ir.TermJmp, Target: pc + addr.GuestVirt(inst.Len) + addr.GuestVirt(rel)}, true
}

func translateCondJmp(inst *x86asm.Inst, pc addr.GuestVirt) ([]ir.Op, *ir.Terminator, bool) {
	rel, ok := inst.Args[0].(x86asm.Rel)
	if !ok {
		return nil, nil, false
	}

	var cmp ir.Opcode

	switch inst.Op {
	case x86asm.JE:
		cmp = ir.OpCmpEq
	case x86asm.JNE:
		cmp = ir.OpCmpNe
	case x86asm.JL:
		cmp = ir.OpCmpLt
	case x86asm.JGE:
		cmp = ir.OpCmpGe
	case x86asm.JB:
		cmp = ir.OpCmpLtU
	case x86asm.JAE:
		cmp = ir.OpCmpGeU
	}

	cond, _ := ir.NewVirtual(0)
	target := pc + addr.GuestVirt(inst.Len) + addr.GuestVirt(rel)
	fallthroughAddr := pc + addr.GuestVirt(inst.Len)

	// Like arm64's B.cond, this reads the flags set by the preceding
	// CMP/SUB, not a pair of GPRs; cond is populated by xarch's
	// flag-model reconciliation at lowering time.
	return []ir.Op{{Op: cmp, Dst: cond, GuestPC: pc}},
		&ir.Terminator{Kind: ir.TermCondJmp, CondReg: cond, TrueAddr: target, FalseAddr: fallthroughAddr}, true
}

func translateMov(inst *x86asm.Inst, pc addr.GuestVirt) ([]ir.Op, *ir.Terminator, bool) {
	dst, ok := inst.Args[0].(x86asm.Reg)
	if !ok {
		return nil, nil, false
	}

	dreg, ok := gpr(dst)
	if !ok {
		return nil, nil, false
	}

	switch src := inst.Args[1].(type) {
	case x86asm.Imm:
		return []ir.Op{{Op: ir.OpMovImm, Dst: dreg, Imm: int64(src), GuestPC: pc}}, nil, true
	case x86asm.Reg:
		sreg, ok := gpr(src)
		if !ok {
			return nil, nil, false
		}

		return []ir.Op{{Op: ir.OpMov, Dst: dreg, Src1: sreg, GuestPC: pc}}, nil, true
	case x86asm.Mem:
		base, ok := gpr(src.Base)
		if !ok {
			return nil, nil, false
		}

		return []ir.Op{{Op: ir.OpLoad, Dst: dreg, Src1: base, Imm: src.Disp, Size: regSize(dst), GuestPC: pc}}, nil, true
	default:
		return nil, nil, false
	}
}

func translateBinOp(inst *x86asm.Inst, pc addr.GuestVirt, op ir.Opcode) ([]ir.Op, *ir.Terminator, bool) {
	dst, ok := inst.Args[0].(x86asm.Reg)
	if !ok {
		return nil, nil, false
	}

	dreg, ok := gpr(dst)
	if !ok {
		return nil, nil, false
	}

	switch src := inst.Args[1].(type) {
	case x86asm.Imm:
		return []ir.Op{{Op: op, Dst: dreg, Src1: dreg, Imm: int64(src), GuestPC: pc}}, nil, true
	case x86asm.Reg:
		sreg, ok := gpr(src)
		if !ok {
			return nil, nil, false
		}

		return []ir.Op{{Op: op, Dst: dreg, Src1: dreg, Src2: sreg, GuestPC: pc}}, nil, true
	default:
		return nil, nil, false
	}
}
