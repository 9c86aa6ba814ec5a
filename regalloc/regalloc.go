// Package regalloc implements the two register-allocation strategies
//  calls for: linear scan for small blocks and
// Chaitin-Briggs graph coloring for large ones, selected by block
// length against a configurable threshold. Neither strategy has a
// direct analogue in gokvm (gokvm runs guest code natively under KVM
// and never allocates host registers); the interval-list/worklist
// bookkeeping shape follows the parallel-slice style gokvm uses
// for its own per-vCPU state (machine.Machine's vcpuFds/runs).
package regalloc

import (
	"sort"

	"github.com/xvmproject/xvm/ir"
)

// LocKind tags where an Assignment places a virtual register.
type LocKind uint8

const (
	LocPhysReg LocKind = iota
	LocStack
)

// Location is one entry of an Assignment: either a host physical
// register number or an 8-byte-aligned spill-slot offset.
type Location struct {
	Kind   LocKind
	Reg    int
	Offset int
}

func physReg(r int) Location { return Location{Kind: LocPhysReg, Reg: r} }
func stackSlot(off int) Location { return Location{Kind: LocStack, Offset: off} }

// Assignment is regalloc's result: every virtual register the block
// defines or uses mapped to a host location.
type Assignment map[ir.Reg]Location

// SmallBlockThreshold is the block-length cutoff between linear scan
// and graph coloring.
const SmallBlockThreshold = 24

// interval is a virtual register's live range within the block,
// expressed as op-index positions.
type interval struct {
	reg        ir.Reg
	start, end int
}

// buildIntervals computes one interval per non-guest (decoder- or
// optimizer-introduced temporary) register referenced in b. Guest
// architectural registers are not allocated here: they have a fixed
// host home established once by the surrounding JIT calling
// convention, per interp.State's Regs array.
func buildIntervals(b *ir.Block) []interval {
	byReg := make(map[ir.Reg]*interval)

	touch := func(r ir.Reg, pos int) {
		if r.IsGuest() {
			return
		}

		if iv, ok := byReg[r]; ok {
			if pos < iv.start {
				iv.start = pos
			}

			if pos > iv.end {
				iv.end = pos
			}

			return
		}

		byReg[r] = &interval{reg: r, start: pos, end: pos}
	}

	for i, op := range b.Ops {
		touch(op.Dst, i)
		touch(op.Src1, i)
		touch(op.Src2, i)
	}

	term := len(b.Ops)
	touch(b.Term.CondReg, term)
	touch(b.Term.BaseReg, term)

	out := make([]interval, 0, len(byReg))
	for _, iv := range byReg {
		out = append(out, *iv)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].start < out[j].start })

	return out
}

// Allocate assigns every virtual register in b a host location, using
// linear scan for blocks at or under SmallBlockThreshold ops and
// graph-coloring otherwise. numRegs is the count
// of available host physical registers for this target.
func Allocate(b *ir.Block, numRegs int) Assignment {
	intervals := buildIntervals(b)

	if b.Len() <= SmallBlockThreshold {
		return linearScan(intervals, numRegs)
	}

	return colorGraph(intervals, numRegs)
}
