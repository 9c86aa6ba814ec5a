package mmu

import "github.com/xvmproject/xvm/addr"

// PTEBits lays out a PageTableEntry: a valid bit, a
// permission nibble {R,W,X,U}, a global bit, and accessed/dirty bits,
// packed below the physical frame number. The three supported guest
// ISAs encode their real page tables differently (Sv39, VMSAv8-64,
// x86-64 4-level paging); the software walker normalizes all of them
// to this one packed representation so a single Walk implementation
// serves every PagingMode, and each decoder's MMU setup path is
// responsible for writing page tables guests can read back in their
// own native format separately, via MMIO or a paravirt boot shim
// (out of scope here ).
const (
	bitValid = 1 << iota
	bitRead
	bitWrite
	bitExec
	bitUser
	bitGlobal
	bitAccessed
	bitDirty
)

// PTE is a decoded page-table entry.
type PTE struct {
	Frame    addr.GuestPhys
	Valid    bool
	Perm     addr.Access
	Global   bool
	Accessed bool
	Dirty    bool
}

// PagingMode configures the software walker: how many levels the
// radix tree has and how many VPN bits each level consumes. All three
// guest ISAs use 4 KiB pages and 9 VPN bits per level once normalized;
// level count is the one thing that varies (riscv64 Sv39 uses 3,
// arm64/x86-64 4-level paging use 4).
type PagingMode struct {
	Levels          int
	BitsPerLevel    uint
	RootPhysAddr    addr.GuestPhys
}

var (
	Sv39     = PagingMode{Levels: 3, BitsPerLevel: 9}
	VMSAv8_4K = PagingMode{Levels: 4, BitsPerLevel: 9}
	X86_64_4Level = PagingMode{Levels: 4, BitsPerLevel: 9}
)

func (pm PagingMode) vpnAt(va addr.GuestVirt, level int) uint64 {
	shift := addr.PageShift + uint(level)*pm.BitsPerLevel
	mask := uint64(1)<<pm.BitsPerLevel - 1

	return (uint64(va) >> shift) & mask
}

// decodePTE unpacks the flat bit layout above out of a little-endian
// 8-byte raw entry.
func decodePTE(raw uint64) PTE {
	var perm addr.Access
	if raw&bitRead != 0 {
		perm |= addr.Read
	}

	if raw&bitWrite != 0 {
		perm |= addr.Write
	}

	if raw&bitExec != 0 {
		perm |= addr.Exec
	}

	if raw&bitUser != 0 {
		perm |= addr.User
	}

	return PTE{
		Frame:    addr.GuestPhys(raw &^ 0xFFF),
		Valid:    raw&bitValid != 0,
		Perm:     perm,
		Global:   raw&bitGlobal != 0,
		Accessed: raw&bitAccessed != 0,
		Dirty:    raw&bitDirty != 0,
	}
}
