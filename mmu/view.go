package mmu

import (
	"sync"

	"github.com/xvmproject/xvm/addr"
)

// View is the per-vCPU handle onto a shared Mmu: its own I-TLB and
// D-TLB, plus the ASID and page-table root currently active on that
// vCPU. The TLB itself is per-vCPU; the mutex here exists for the rare
// cross-view maintenance calls in mmu.go, and the owning vCPU's own
// lookups in Translate take it too, uncontended in the common case.
type View struct {
	m    *Mmu
	asid uint16
	root addr.GuestPhys

	mu   sync.Mutex
	itlb *tlb
	dtlb *tlb
}

// NewView creates a per-vCPU MMU view sharing m's RAM backing store by
// reference.
func (m *Mmu) NewView(asid uint16, root addr.GuestPhys) *View {
	v := &View{
		m:    m,
		asid: asid,
		root: root,
		itlb: newTLB(m.itlbCap),
		dtlb: newTLB(m.dtlbCap),
	}

	m.mu.Lock()
	m.views = append(m.views, v)
	m.mu.Unlock()

	return v
}

// SetRoot updates the page-table root (e.g. on a guest context switch
// that writes satp/CR3/TTBR_ELx). It does not implicitly flush the
// TLB; callers that need that guest-ISA semantic call FlushASID/
// FlushTLBAll themselves, matching the real architectures' behavior.
func (v *View) SetRoot(root addr.GuestPhys) { v.root = root }

// SetASID changes the ASID tag used for subsequent translations.
func (v *View) SetASID(asid uint16) { v.asid = asid }

func tlbKindFor(access addr.Access) addr.Access {
	if access&addr.Exec != 0 {
		return addr.Exec
	}

	mask := access &^ addr.User

	return mask
}

func (v *View) tlbFor(access addr.Access) *tlb {
	if access&addr.Exec != 0 {
		return v.itlb
	}

	return v.dtlb
}

// Translate performs a guest-virtual to guest-physical translation:
// TLB lookup first, then a page-table walk on miss, installing a
// fresh entry before returning.
func (v *View) Translate(va addr.GuestVirt, access addr.Access, pc addr.GuestVirt) (addr.GuestPhys, *addr.Fault) {
	vpn := addr.VPN(va)
	kind := tlbKindFor(access)

	v.mu.Lock()
	t := v.tlbFor(access)

	if e, ok := t.lookup(v.asid, vpn, kind, v.m.curGen); ok {
		if e.perm&access&(addr.Read|addr.Write|addr.Exec) != access&(addr.Read|addr.Write|addr.Exec) {
			v.mu.Unlock()

			return 0, addr.New(addr.AccessViolation, pc, va, 0)
		}

		v.mu.Unlock()

		return addr.GuestPhys(e.ppn<<addr.PageShift) | addr.GuestPhys(uint64(va)&addr.PageMask), nil
	}
	v.mu.Unlock()

	pte, fault := v.m.walk(v.root, va, access, pc)
	if fault != nil {
		return 0, fault
	}

	ppn := uint64(pte.Frame) >> addr.PageShift
	gen := v.m.curGen(v.asid)

	if pte.Global {
		gen = v.m.curGen(0)
	}

	v.mu.Lock()
	t.install(v.asid, vpn, kind, tlbEntry{ppn: ppn, perm: pte.Perm, global: pte.Global, generation: gen})
	v.mu.Unlock()

	return pte.Frame | addr.GuestPhys(uint64(va)&addr.PageMask), nil
}

func (v *View) route(pa addr.GuestPhys, size int) ([]byte, bool) {
	if v.m.inRAM(pa) {
		return v.m.ram[pa : uint64(pa)+uint64(size)], true
	}

	return nil, false
}

// readByte translates and reads a single byte at va, used to emulate
// an access that straddles a page boundary one byte at a time so each
// half obeys its own page's permissions and a fault on either half
// surfaces with that half's PC.
func (v *View) readByte(va addr.GuestVirt, pc addr.GuestVirt) (byte, *addr.Fault) {
	pa, fault := v.Translate(va, addr.Read, pc)
	if fault != nil {
		fault.Size = 1

		return 0, fault
	}

	if buf, ok := v.route(pa, 1); ok {
		return buf[0], nil
	}

	if h, base, ok := v.m.mmio.find(pa); ok {
		return byte(h.OnRead(uint64(pa-base), 1)), nil
	}

	return 0, addr.New(addr.PageFault, pc, va, 1)
}

func (v *View) writeByte(va addr.GuestVirt, b byte, pc addr.GuestVirt) *addr.Fault {
	pa, fault := v.Translate(va, addr.Write, pc)
	if fault != nil {
		fault.Size = 1

		return fault
	}

	if buf, ok := v.route(pa, 1); ok {
		buf[0] = b
		v.m.invalidateCode(addr.Region{Lo: addr.PageOfPhys(pa), Hi: addr.PageOfPhys(pa) + addr.PageSize})

		return nil
	}

	if h, base, ok := v.m.mmio.find(pa); ok {
		h.OnWrite(uint64(pa-base), uint64(b), 1)
		v.m.invalidateCode(addr.Region{Lo: addr.PageOfPhys(pa), Hi: addr.PageOfPhys(pa) + addr.PageSize})

		return nil
	}

	return addr.New(addr.PageFault, pc, va, 1)
}

// crossesPage reports whether [va, va+size) spans two guest pages.
func crossesPage(va addr.GuestVirt, size int) bool {
	return addr.PageOf(va) != addr.PageOf(va+addr.GuestVirt(size)-1)
}

// Read translates then routes to RAM or a registered MMIO handler.
// An access that straddles a page boundary is split into independent
// byte accesses so each half is translated, and faults, independently.
func (v *View) Read(va addr.GuestVirt, size int, pc addr.GuestVirt) (uint64, *addr.Fault) {
	if v.m.alignment == AlignStrict && !aligned(va, size) {
		return 0, addr.New(addr.AlignmentFault, pc, va, size)
	}

	if crossesPage(va, size) {
		var buf [16]byte

		for i := 0; i < size; i++ {
			b, fault := v.readByte(va+addr.GuestVirt(i), pc)
			if fault != nil {
				return 0, fault
			}

			buf[i] = b
		}

		return readLE(buf[:size], size), nil
	}

	pa, fault := v.Translate(va, addr.Read, pc)
	if fault != nil {
		fault.Size = size

		return 0, fault
	}

	if buf, ok := v.route(pa, size); ok {
		return readLE(buf, size), nil
	}

	if h, base, ok := v.m.mmio.find(pa); ok {
		return h.OnRead(uint64(pa-base), size), nil
	}

	return 0, addr.New(addr.PageFault, pc, va, size)
}

// Write handles the self-modifying-code invalidation path: a write
// landing in a page previously handed out as code triggers
// invalidateCode regardless of whether it went to RAM or an MMIO
// device.
func (v *View) Write(va addr.GuestVirt, value uint64, size int, pc addr.GuestVirt) *addr.Fault {
	if v.m.alignment == AlignStrict && !aligned(va, size) {
		return addr.New(addr.AlignmentFault, pc, va, size)
	}

	if crossesPage(va, size) {
		var buf [16]byte

		writeLE(buf[:size], size, value)

		for i := 0; i < size; i++ {
			if fault := v.writeByte(va+addr.GuestVirt(i), buf[i], pc); fault != nil {
				return fault
			}
		}

		return nil
	}

	pa, fault := v.Translate(va, addr.Write, pc)
	if fault != nil {
		fault.Size = size

		return fault
	}

	if buf, ok := v.route(pa, size); ok {
		writeLE(buf, size, value)
		v.m.invalidateCode(addr.Region{Lo: addr.PageOfPhys(pa), Hi: addr.PageOfPhys(pa) + addr.PageSize})

		return nil
	}

	if h, base, ok := v.m.mmio.find(pa); ok {
		h.OnWrite(uint64(pa-base), value, size)
		v.m.invalidateCode(addr.Region{Lo: addr.PageOfPhys(pa), Hi: addr.PageOfPhys(pa) + addr.PageSize})

		return nil
	}

	return addr.New(addr.PageFault, pc, va, size)
}

// FetchInsn reads an instruction word through the I-TLB, distinct from
// data accesses so W^X regions are enforced per cache.
func (v *View) FetchInsn(va addr.GuestVirt, size int) (uint64, *addr.Fault) {
	pa, fault := v.Translate(va, addr.Exec, va)
	if fault != nil {
		fault.Size = size

		return 0, fault
	}

	if buf, ok := v.route(pa, size); ok {
		return readLE(buf, size), nil
	}

	return 0, addr.New(addr.PageFault, va, va, size)
}

func aligned(va addr.GuestVirt, size int) bool {
	return uint64(va)&uint64(size-1) == 0
}

// FlushTLBAll, FlushASID, FlushRange and InvalidatePA forward to the
// shared Mmu so any vCPU can trigger whole-VM TLB maintenance.
func (v *View) FlushTLBAll()                        { v.m.FlushTLBAll() }
func (v *View) FlushASID(asid uint16)                { v.m.FlushASID(asid) }
func (v *View) FlushRange(lo, hi addr.GuestVirt)     { v.m.FlushRange(lo, hi) }
func (v *View) InvalidatePA(pa addr.GuestPhys)       { v.m.InvalidatePA(pa) }
