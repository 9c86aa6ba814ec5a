package xarch

import (
	"fmt"

	"github.com/hashicorp/go-multierror"

	"github.com/xvmproject/xvm/ir"
)

// loweringTable names, per target ISA, which IR opcodes this
// translator knows how to lower plus the byte/memory-order quirks
// lower needs to apply: flag vs. condition-code models, memory order,
// byte order.
type loweringTable struct {
	target       string
	supported    map[ir.Opcode]bool
	bigEndian    bool // true only for target ISAs that are not little-endian; none of x86-64/arm64/riscv64 are today, kept for completeness
	flagsAsCC    bool // target models comparisons as condition codes rather than a boolean result register
	strongMemOrd bool // target's normal loads/stores are already acquire/release; no explicit fence lowering needed for Fence ops
}

// loweringTableFor returns the built-in table for a known target ISA
// name. x86-64's condition-code model and arm64/riscv64's weaker
// memory order are the only quirks this translator currently tracks;
// an unrecognized name yields an empty table (nothing supported, so
// SelectStrategy always falls back for it).
func loweringTableFor(target string) loweringTable {
	switch target {
	case "x86-64":
		return loweringTable{
			target:       target,
			supported:    allExcept(ir.OpLoadReserve, ir.OpStoreCond),
			flagsAsCC:    true,
			strongMemOrd: true,
		}
	case "arm64":
		return loweringTable{
			target:    target,
			supported: allExcept(),
		}
	case "riscv64":
		return loweringTable{
			target:    target,
			supported: allExcept(),
		}
	default:
		return loweringTable{target: target, supported: map[ir.Opcode]bool{}}
	}
}

// allExcept returns the set of every opcode this translator knows
// about in general, minus the ones a specific target cannot lower.
// x86-64 has no exposed load-link/store-conditional primitive (it uses
// a cmpxchg-based lowering for atomics instead), so OpLoadReserve and
// OpStoreCond are excluded there.
func allExcept(excluded ...ir.Opcode) map[ir.Opcode]bool {
	skip := make(map[ir.Opcode]bool, len(excluded))
	for _, op := range excluded {
		skip[op] = true
	}

	set := make(map[ir.Opcode]bool, int(ir.OpVendor)+1)
	for op := ir.OpMovImm; op <= ir.OpVendor; op++ {
		if !skip[op] {
			set[op] = true
		}
	}

	return set
}

// validate checks every op in b against the table, accumulating every
// unsupported opcode into one error via go-multierror rather than
// stopping at the first miss.
func (t loweringTable) validate(b *ir.Block) error {
	var result *multierror.Error

	seen := map[ir.Opcode]bool{}

	for _, op := range b.Ops {
		if t.supported[op.Op] {
			continue
		}

		if seen[op.Op] {
			continue
		}

		seen[op.Op] = true
		result = multierror.Append(result, fmt.Errorf("%s: no lowering for %s", t.target, op.Op))
	}

	return result.ErrorOrNil()
}
