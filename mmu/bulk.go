package mmu

import "github.com/xvmproject/xvm/addr"

// BulkFault wraps a Fault with the byte offset into the bulk request
// at which it occurred.
type BulkFault struct {
	*addr.Fault
	Offset int
}

// ReadBulk amortizes a multi-page read into one TLB lookup per page.
// An empty request is a no-op that returns success.
func (v *View) ReadBulk(va addr.GuestVirt, dst []byte, pc addr.GuestVirt) *BulkFault {
	if len(dst) == 0 {
		return nil
	}

	off := 0

	for off < len(dst) {
		pageVA := va + addr.GuestVirt(off)
		n := addr.PageSize - int(uint64(pageVA)&addr.PageMask)

		if rem := len(dst) - off; n > rem {
			n = rem
		}

		if err := v.readSpan(pageVA, dst[off:off+n], pc); err != nil {
			return &BulkFault{Fault: err, Offset: off}
		}

		off += n
	}

	return nil
}

// WriteBulk is ReadBulk's write counterpart.
func (v *View) WriteBulk(va addr.GuestVirt, src []byte, pc addr.GuestVirt) *BulkFault {
	if len(src) == 0 {
		return nil
	}

	off := 0

	for off < len(src) {
		pageVA := va + addr.GuestVirt(off)
		n := addr.PageSize - int(uint64(pageVA)&addr.PageMask)

		if rem := len(src) - off; n > rem {
			n = rem
		}

		if err := v.writeSpan(pageVA, src[off:off+n], pc); err != nil {
			return &BulkFault{Fault: err, Offset: off}
		}

		off += n
	}

	return nil
}

// TranslateBulk resolves every page touched by [va, va+len(out)) in
// one TLB lookup per page and writes the resulting guest-physical page
// bases into out, one per page crossed.
func (v *View) TranslateBulk(va addr.GuestVirt, length int, access addr.Access, pc addr.GuestVirt) ([]addr.GuestPhys, *BulkFault) {
	if length == 0 {
		return nil, nil
	}

	var out []addr.GuestPhys

	off := 0

	for off < length {
		pageVA := va + addr.GuestVirt(off)
		n := addr.PageSize - int(uint64(pageVA)&addr.PageMask)

		if rem := length - off; n > rem {
			n = rem
		}

		pa, fault := v.Translate(pageVA, access, pc)
		if fault != nil {
			return out, &BulkFault{Fault: fault, Offset: off}
		}

		out = append(out, pa)
		off += n
	}

	return out, nil
}

// readSpan reads a span guaranteed not to cross a page boundary.
func (v *View) readSpan(va addr.GuestVirt, dst []byte, pc addr.GuestVirt) *addr.Fault {
	pa, fault := v.Translate(va, addr.Read, pc)
	if fault != nil {
		return fault
	}

	if buf, ok := v.route(pa, len(dst)); ok {
		copy(dst, buf)

		return nil
	}

	if h, base, ok := v.m.mmio.find(pa); ok {
		for i := range dst {
			dst[i] = byte(h.OnRead(uint64(pa-base)+uint64(i), 1))
		}

		return nil
	}

	return addr.New(addr.PageFault, pc, va, len(dst))
}

func (v *View) writeSpan(va addr.GuestVirt, src []byte, pc addr.GuestVirt) *addr.Fault {
	pa, fault := v.Translate(va, addr.Write, pc)
	if fault != nil {
		return fault
	}

	if buf, ok := v.route(pa, len(src)); ok {
		copy(buf, src)
		v.m.invalidateCode(addr.Region{Lo: addr.PageOfPhys(pa), Hi: addr.PageOfPhys(pa) + addr.PageSize})

		return nil
	}

	if h, base, ok := v.m.mmio.find(pa); ok {
		for i, b := range src {
			h.OnWrite(uint64(pa-base)+uint64(i), uint64(b), 1)
		}

		v.m.invalidateCode(addr.Region{Lo: addr.PageOfPhys(pa), Hi: addr.PageOfPhys(pa) + addr.PageSize})

		return nil
	}

	return addr.New(addr.PageFault, pc, va, len(src))
}
