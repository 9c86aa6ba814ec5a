package xarch

import (
	"encoding/binary"

	"github.com/xvmproject/xvm/addr"
	"github.com/xvmproject/xvm/ir"
	"github.com/xvmproject/xvm/regalloc"
)

// lowerHeader, lowerOp and lowerFooter are the three sections of the
// emitted payload: pipeline orchestration covers saving/restoring
// host callee-saved registers, maintaining guest PC on entry/exit,
// and dispatching faults back to the vCPU scheduler. Each is a
// fixed-width symbolic record rather than real host instructions,
// matching the rest of this translator.
const (
	lowerHeaderSize = 16 // magic(4) | StartPC(8) | op count(4)
	lowerOpRecord   = 12 // opcode(2) | size(1) | flags(1) | dst loc(4) | imm(4)
	lowerFooterSize = 9  // terminator kind(1) | target/cause(8)
)

var lowerMagic = [4]byte{'x', 'v', 'm', 0}

// lower emits the symbolic host-code payload for b plus the memory
// regions a write to any of them must invalidate this payload for.
// Units is accepted for signature
// symmetry with the planning stage; this translator lowers op-by-op
// rather than unit-by-unit, since units only exist to bound register
// pressure during regalloc, a decision already baked into assignment.
func lower(b *ir.Block, units []TranslationUnit, assignment regalloc.Assignment, table loweringTable) ([]byte, []addr.Region, error) {
	_ = units

	size := lowerHeaderSize + len(b.Ops)*lowerOpRecord + lowerFooterSize
	code := make([]byte, 0, size)

	header := make([]byte, lowerHeaderSize)
	copy(header[0:4], lowerMagic[:])
	binary.LittleEndian.PutUint64(header[4:12], uint64(b.StartPC))
	binary.LittleEndian.PutUint32(header[12:16], uint32(len(b.Ops)))
	code = append(code, header...)

	for _, op := range b.Ops {
		rec := make([]byte, lowerOpRecord)
		binary.LittleEndian.PutUint16(rec[0:2], uint16(op.Op))
		rec[2] = byte(op.Size)
		rec[3] = lowerFlags(op, table)
		binary.LittleEndian.PutUint32(rec[4:8], uint32(locCode(assignment[op.Dst])))
		binary.LittleEndian.PutUint32(rec[8:12], uint32(op.Imm))
		code = append(code, rec...)
	}

	// The only guard this translator can state from static IR alone is
	// the block's own code page: a guest store that lands on it must
	// invalidate the compiled payload before it is reused. Guards
	// covering arbitrary data a block reads through OpLoad/OpStore
	// would need the addresses those loads/stores actually resolve to
	// at run time, which this static lowering pass does not have.
	codePage := addr.GuestPhys(addr.PageOf(addr.GuestVirt(b.StartPC)))
	regions := []addr.Region{{Lo: codePage, Hi: codePage + addr.PageSize}}

	footer := make([]byte, lowerFooterSize)
	footer[0] = byte(b.Term.Kind)

	switch b.Term.Kind {
	case ir.TermJmp:
		binary.LittleEndian.PutUint64(footer[1:9], uint64(b.Term.Target))
	case ir.TermFault:
		binary.LittleEndian.PutUint64(footer[1:9], uint64(b.Term.Cause))
	}

	code = append(code, footer...)

	return code, regions, nil
}

// lowerFlags packs the cross-arch quirks this op's lowering needs to
// remember, condensed to a bitset since the payload is never actually
// executed, only measured and diffed.
func lowerFlags(op ir.Op, table loweringTable) byte {
	var f byte

	if op.Signed {
		f |= 1 << 0
	}

	if op.Atomic {
		f |= 1 << 1
	}

	if table.flagsAsCC {
		f |= 1 << 2
	}

	if table.strongMemOrd {
		f |= 1 << 3
	}

	return f
}

// locCode packs a regalloc.Location into a single int for the payload:
// physical registers are their number, stack slots are the offset with
// the sign bit set as a spill marker.
func locCode(loc regalloc.Location) int32 {
	if loc.Kind == regalloc.LocStack {
		return -int32(loc.Offset) - 1
	}

	return int32(loc.Reg)
}
