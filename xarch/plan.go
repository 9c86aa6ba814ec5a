package xarch

import "github.com/xvmproject/xvm/ir"

// TranslationUnit is one scheduling unit within a block: this
// translator divides the block into translation units so register
// mapping and instruction selection can be scheduled per unit. It
// uses a simple split: a fresh unit starts after every
// memory or vendor op, since those are the ops most likely to need
// unit-local register pressure decisions (a load's destination is
// frequently dead by the next unit, freeing its assignment early).
type TranslationUnit struct {
	Ops []ir.Op
}

func plan(b *ir.Block) []TranslationUnit {
	var units []TranslationUnit

	var cur []ir.Op

	flush := func() {
		if len(cur) > 0 {
			units = append(units, TranslationUnit{Ops: cur})
			cur = nil
		}
	}

	for _, op := range b.Ops {
		cur = append(cur, op)

		switch op.Op {
		case ir.OpLoad, ir.OpStore, ir.OpFLoad, ir.OpFStore, ir.OpAtomicRMW, ir.OpAtomicCAS,
			ir.OpLoadReserve, ir.OpStoreCond, ir.OpVendor:
			flush()
		}
	}

	flush()

	return units
}
