package ir

import (
	"encoding/binary"
	"hash/fnv"
)

// Fingerprint is a stable content hash of a block's ops and terminator,
// used as the code cache key alongside (guest PC, ISA). Two blocks
// decoded from the same bytes at the same PC always hash equal; a
// self-modifying-code rewrite changes the fingerprint and therefore
// the cache key.
type Fingerprint uint64

// Hash computes the block's Fingerprint. It is pure and allocation-light
// so it can run on every decode, including ones that miss the cache.
func (b *Block) Hash() Fingerprint {
	h := fnv.New64a()

	var buf [8]byte

	writeU64 := func(v uint64) {
		binary.LittleEndian.PutUint64(buf[:], v)
		_, _ = h.Write(buf[:])
	}

	writeU64(uint64(b.StartPC))

	for _, op := range b.Ops {
		writeU64(uint64(op.Op))
		writeU64(uint64(op.Dst))
		writeU64(uint64(op.Src1))
		writeU64(uint64(op.Src2))
		writeU64(uint64(op.Imm))
		writeU64(uint64(op.Size))

		if op.Signed {
			writeU64(1)
		}

		if op.Atomic {
			writeU64(1)
		}

		if op.Op == OpVendor {
			writeU64(uint64(op.VendorTag))
			_, _ = h.Write(op.VendorBuf)
		}
	}

	writeU64(uint64(b.Term.Kind))
	writeU64(uint64(b.Term.Target))
	writeU64(uint64(b.Term.CondReg))
	writeU64(uint64(b.Term.TrueAddr))
	writeU64(uint64(b.Term.FalseAddr))
	writeU64(uint64(b.Term.BaseReg))
	writeU64(uint64(b.Term.Offset))
	writeU64(uint64(b.Term.Cause))

	return Fingerprint(h.Sum64())
}
