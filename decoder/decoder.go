// Package decoder defines the Decoder plugin contract: a pure function
// from (mmu view, guest PC) to an ir.Block, stopping at the first
// basic-block terminator. Concrete front ends live in the riscv64,
// arm64 and x86 subpackages.
package decoder

import (
	"github.com/xvmproject/xvm/addr"
	"github.com/xvmproject/xvm/ir"
	"github.com/xvmproject/xvm/mmu"
)

// MaxBlockOps is the decoder-defined block-length cap shared uniformly
// across every guest ISA front end rather than varied per-ISA.
const MaxBlockOps = 256

// Decoder turns guest code at pc into a single straight-line IRBlock.
// Implementations must be pure with respect to v: the only
// MMU interaction permitted is FetchInsn.
type Decoder interface {
	// Decode decodes one basic block starting at pc. It never returns
	// a nil *ir.Block; on an undecodable or faulting fetch the
	// returned block still ends in Terminator{Kind: ir.TermFault}.
	Decode(v *mmu.View, pc addr.GuestVirt) (*ir.Block, *addr.Fault)

	// ISA names the guest architecture this decoder handles, matching
	// ir.Block.ISA.
	ISA() string
}
