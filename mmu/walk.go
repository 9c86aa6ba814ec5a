package mmu

import "github.com/xvmproject/xvm/addr"

// walk performs the page-table walk descend
// from root through m.mode.Levels radix levels, 8 bytes per entry,
// little-endian, failing with InvalidEntry on a malformed read,
// PageFault on an invalid (not-present) entry, and AccessViolation
// when a present leaf doesn't grant the requested access.
func (m *Mmu) walk(root addr.GuestPhys, va addr.GuestVirt, access addr.Access, pc addr.GuestVirt) (PTE, *addr.Fault) {
	table := root

	for level := m.mode.Levels - 1; level >= 0; level-- {
		idx := m.mode.vpnAt(va, level)
		entryPA := table + addr.GuestPhys(idx*8)

		if !m.inRAM(entryPA) || uint64(entryPA)+8 > uint64(len(m.ram)) {
			return PTE{}, addr.New(addr.InvalidEntry, pc, va, 0)
		}

		raw := readLE(m.ram[entryPA:entryPA+8], 8)
		pte := decodePTE(raw)

		if !pte.Valid {
			return PTE{}, addr.New(addr.PageFault, pc, va, 0)
		}

		if level == 0 {
			required := access & (addr.Read | addr.Write | addr.Exec)
			if pte.Perm&required != required {
				return PTE{}, addr.New(addr.AccessViolation, pc, va, 0)
			}

			if access&addr.User != 0 && pte.Perm&addr.User == 0 {
				return PTE{}, addr.New(addr.AccessViolation, pc, va, 0)
			}

			return pte, nil
		}

		table = pte.Frame
	}

	return PTE{}, addr.New(addr.InvalidEntry, pc, va, 0)
}
