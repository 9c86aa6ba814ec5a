package ir

import "math/bits"

// Stats records what the optimizer pipeline did to a block. The JIT
// runtime manager reads this to tune its expected-benefit heuristic.
type Stats struct {
	ConstFolded int
	DeadRemoved int
	CSEReplaced int
	Simplified  int
	Peepholed   int
}

// Optimize runs the fixed five-pass pipeline 
// and returns the optimized block together with the stats the run
// produced. Optimize is idempotent: running it again on its own output
// yields the same block with an all-zero Stats.
func Optimize(b *Block) (*Block, Stats) {
	var stats Stats

	out := cloneBlock(b)

	constantFold(out, &stats)
	algebraicSimplify(out, &stats)
	deadCodeEliminate(out, &stats)
	commonSubexprEliminate(out, &stats)
	peephole(out, &stats)

	return out, stats
}

func cloneBlock(b *Block) *Block {
	ops := make([]Op, len(b.Ops))
	copy(ops, b.Ops)

	return &Block{
		StartPC:     b.StartPC,
		ISA:         b.ISA,
		Ops:         ops,
		Term:        b.Term,
		NextVirtual: b.NextVirtual,
	}
}

// constantFold propagates MovImm constants through pure arithmetic
// whose operands are both constant. Division and remainder by a
// constant zero are deliberately left unfolded so the interpreter/JIT
// produces the runtime trap instead.
func constantFold(b *Block, stats *Stats) {
	known := map[Reg]int64{}

	for i := range b.Ops {
		op := &b.Ops[i]

		switch op.Op {
		case OpMovImm:
			known[op.Dst] = op.Imm

			continue
		case OpAdd, OpSub, OpMul, OpMulU, OpAnd, OpOr, OpXor:
			c1, ok1 := known[op.Src1]
			c2, ok2 := known[op.Src2]

			if !ok1 || !ok2 {
				delete(known, op.Dst)

				continue
			}

			var v int64

			switch op.Op {
			case OpAdd:
				v = c1 + c2
			case OpSub:
				v = c1 - c2
			case OpMul, OpMulU:
				v = c1 * c2
			case OpAnd:
				v = c1 & c2
			case OpOr:
				v = c1 | c2
			case OpXor:
				v = c1 ^ c2
			}

			*op = Op{Op: OpMovImm, Dst: op.Dst, Imm: v, GuestPC: op.GuestPC}
			known[op.Dst] = v
			stats.ConstFolded++

			continue
		case OpDiv, OpDivU, OpRem, OpRemU:
			// Never folded: zero-divisor must surface as a runtime trap.
			delete(known, op.Dst)

			continue
		}

		if op.Dst != 0 {
			delete(known, op.Dst)
		}
	}
}

// algebraicSimplify implements pass 4 (applied before DCE so the
// opcodes it rewrites to Mov/MovImm become DCE-eligible, and before CSE
// so CSE sees the simplified forms).
func algebraicSimplify(b *Block, stats *Stats) {
	isImm := func(r Reg, want int64, known map[Reg]int64) bool {
		v, ok := known[r]
		return ok && v == want
	}

	known := map[Reg]int64{}

	for i := range b.Ops {
		op := &b.Ops[i]
		if op.Op == OpMovImm {
			known[op.Dst] = op.Imm
		}

		switch op.Op {
		case OpAdd, OpOr, OpXor:
			if isImm(op.Src2, 0, known) {
				*op = Op{Op: OpMov, Dst: op.Dst, Src1: op.Src1, GuestPC: op.GuestPC}
				stats.Simplified++
			} else if op.Op == OpXor && op.Src1 == op.Src2 && op.Src1 != 0 {
				*op = Op{Op: OpMovImm, Dst: op.Dst, Imm: 0, GuestPC: op.GuestPC}
				stats.Simplified++
			}
		case OpSub:
			if isImm(op.Src2, 0, known) {
				*op = Op{Op: OpMov, Dst: op.Dst, Src1: op.Src1, GuestPC: op.GuestPC}
				stats.Simplified++
			}
		case OpMul:
			if isImm(op.Src2, 1, known) {
				*op = Op{Op: OpMov, Dst: op.Dst, Src1: op.Src1, GuestPC: op.GuestPC}
				stats.Simplified++
			} else if isImm(op.Src2, 0, known) {
				*op = Op{Op: OpMovImm, Dst: op.Dst, Imm: 0, GuestPC: op.GuestPC}
				stats.Simplified++
			} else if v, ok := known[op.Src2]; ok && v > 0 && isPow2(v) {
				*op = Op{Op: OpSll, Dst: op.Dst, Src1: op.Src1, Imm: int64(bits.TrailingZeros64(uint64(v))), GuestPC: op.GuestPC}
				stats.Simplified++
			}
		case OpDivU:
			if v, ok := known[op.Src2]; ok && v > 0 && isPow2(v) {
				*op = Op{Op: OpSrl, Dst: op.Dst, Src1: op.Src1, Imm: int64(bits.TrailingZeros64(uint64(v))), GuestPC: op.GuestPC}
				stats.Simplified++
			}
		case OpAnd:
			if isImm(op.Src2, 0, known) {
				*op = Op{Op: OpMovImm, Dst: op.Dst, Imm: 0, GuestPC: op.GuestPC}
				stats.Simplified++
			} else if isImm(op.Src2, -1, known) {
				*op = Op{Op: OpMov, Dst: op.Dst, Src1: op.Src1, GuestPC: op.GuestPC}
				stats.Simplified++
			}
		}

		if op.Op != OpMovImm && op.Dst != 0 {
			delete(known, op.Dst)
		}
	}
}

func isPow2(v int64) bool { return v > 0 && v&(v-1) == 0 }

// deadCodeEliminate implements pass 2: a backward liveness scan drops
// any op whose destination is never subsequently read and which has no
// side effect.
func deadCodeEliminate(b *Block, stats *Stats) {
	live := map[Reg]bool{}

	switch b.Term.Kind {
	case TermCondJmp:
		live[b.Term.CondReg] = true
	case TermJmpReg:
		live[b.Term.BaseReg] = true
	}

	keep := make([]bool, len(b.Ops))

	for i := len(b.Ops) - 1; i >= 0; i-- {
		op := b.Ops[i]

		necessary := op.Op.HasSideEffect() || op.Dst.IsGuest() && op.Dst != 0 || live[op.Dst]
		if !necessary {
			stats.DeadRemoved++

			continue
		}

		keep[i] = true
		delete(live, op.Dst)

		if op.Src1 != 0 {
			live[op.Src1] = true
		}

		if op.Src2 != 0 {
			live[op.Src2] = true
		}
	}

	filtered := make([]Op, 0, len(b.Ops))

	for i, op := range b.Ops {
		if keep[i] {
			filtered = append(filtered, op)
		}
	}

	b.Ops = filtered
}

type cseKey struct {
	op         Opcode
	src1, src2 Reg
	imm        int64
	size       Size
}

// commonSubexprEliminate is a single forward pass keyed by (opcode,
// operand identities); loads are only matched within a region free of
// intervening stores or fences.
func commonSubexprEliminate(b *Block, stats *Stats) {
	canonical := map[cseKey]Reg{}

	pure := func(op Opcode) bool {
		switch op {
		case OpMovImm, OpLoad, OpStore, OpFStore, OpAtomicRMW, OpAtomicCAS,
			OpLoadReserve, OpStoreCond, OpCSRRead, OpCSRWrite, OpCSRSet, OpCSRClear,
			OpVendor, OpCPUID, OpFence:
			return false
		default:
			return true
		}
	}

	out := make([]Op, 0, len(b.Ops))

	for _, op := range b.Ops {
		switch op.Op {
		case OpStore, OpFStore, OpAtomicRMW, OpAtomicCAS, OpStoreCond, OpFence:
			// A store/fence invalidates every tracked load so later loads
			// cannot be CSE'd across it.
			for k := range canonical {
				if k.op == OpLoad || k.op == OpFLoad {
					delete(canonical, k)
				}
			}
		}

		if !pure(op.Op) && op.Op != OpLoad && op.Op != OpFLoad {
			out = append(out, op)

			continue
		}

		key := cseKey{op: op.Op, src1: op.Src1, src2: op.Src2, imm: op.Imm, size: op.Size}
		if canon, ok := canonical[key]; ok && op.Dst != 0 {
			out = append(out, Op{Op: OpMov, Dst: op.Dst, Src1: canon, GuestPC: op.GuestPC})
			stats.CSEReplaced++

			continue
		}

		if op.Dst != 0 {
			canonical[key] = op.Dst
		}

		out = append(out, op)
	}

	b.Ops = out
}

// peephole implements pass 5: small fixed two/three-op rewrites.
func peephole(b *Block, stats *Stats) {
	out := make([]Op, 0, len(b.Ops))

	for i := 0; i < len(b.Ops); i++ {
		op := b.Ops[i]

		// Redundant self-move.
		if op.Op == OpMov && op.Dst == op.Src1 {
			stats.Peepholed++

			continue
		}

		// MovImm(r, k); Mov(r2, r) -> MovImm(r2, k).
		if op.Op == OpMov {
			if prev := lastDefOf(out, op.Src1); prev != nil && prev.Op == OpMovImm {
				out = append(out, Op{Op: OpMovImm, Dst: op.Dst, Imm: prev.Imm, GuestPC: op.GuestPC})
				stats.Peepholed++

				continue
			}
		}

		// Add(r, x, k); Sub(r2, r, k) with the same immediate collapses to
		// a plain Mov — the add is immediately undone. Only safe when the
		// intermediate register r is never read again afterwards.
		if op.Op == OpSub && len(out) > 0 {
			prev := out[len(out)-1]
			if prev.Op == OpAdd && prev.Dst == op.Src1 && prev.Src2 == op.Src2 &&
				!prev.Dst.IsGuest() && !usedAfter(b.Ops[i+1:], b.Term, prev.Dst) {
				out[len(out)-1] = Op{Op: OpMov, Dst: op.Dst, Src1: prev.Src1, GuestPC: op.GuestPC}
				stats.Peepholed++

				continue
			}
		}

		out = append(out, op)
	}

	b.Ops = out
}

func usedAfter(ops []Op, term Terminator, r Reg) bool {
	for _, op := range ops {
		if op.Src1 == r || op.Src2 == r {
			return true
		}
	}

	switch term.Kind {
	case TermCondJmp:
		return term.CondReg == r
	case TermJmpReg:
		return term.BaseReg == r
	default:
		return false
	}
}

func lastDefOf(ops []Op, r Reg) *Op {
	for i := len(ops) - 1; i >= 0; i-- {
		if ops[i].Dst == r {
			return &ops[i]
		}
	}

	return nil
}
