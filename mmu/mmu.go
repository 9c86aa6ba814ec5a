// Package mmu implements the software MMU: guest-virtual to
// guest-physical translation, permission enforcement, RAM/MMIO
// routing, and a two-level (instruction/data) TLB per vCPU. It is
// grounded on gokvm's memory.Memory (mmap'd
// RAM backing, slot bookkeeping) and machine.Machine's ioportHandlers
// dispatch table, generalized from a single flat I/O port space to an
// arbitrary, sorted guest-physical MMIO range registry.
package mmu

import (
	"encoding/binary"
	"fmt"
	"sync"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/xvmproject/xvm/addr"
)

// CodeInvalidator is the narrow interface the MMU uses to notify the
// code cache (C7) that a guest store or MMIO write has landed inside a
// page carrying compiled code: both device writes and guest stores
// route through the same call.
type CodeInvalidator interface {
	Invalidate(r addr.Region)
}

// Config constructs an Mmu. RAMSize must be non-zero and a multiple of
// addr.PageSize; it is a configuration error otherwise.
type Config struct {
	RAMSize      uint64
	Mode         PagingMode
	ITLBCapacity int
	DTLBCapacity int
	Alignment    AlignmentPolicy
}

// AlignmentPolicy governs what happens when a guest access is not
// naturally aligned to its size. AlignStrict faults; AlignEmulate performs the access a
// byte at a time on the slow path.
type AlignmentPolicy uint8

const (
	AlignEmulate AlignmentPolicy = iota
	AlignStrict
)

const (
	defaultITLBCapacity = 64
	defaultDTLBCapacity = 256
)

// Mmu is the shared, reference-counted MMU owned by vm.Vm. Each vCPU
// obtains its own lightweight *View via NewView, sharing this RAM
// backing store by reference.
type Mmu struct {
	ram    []byte
	mode   PagingMode
	mmio   *mmioRegistry
	log    *logrus.Entry
	invalidator CodeInvalidator

	mu        sync.Mutex // guards asidGen/globalGen and the registered-views list
	asidGen   map[uint16]uint64
	globalGen uint64
	views     []*View

	itlbCap, dtlbCap int
	alignment        AlignmentPolicy
}

// New allocates the RAM backing store and returns a ready Mmu.
func New(cfg Config) (*Mmu, error) {
	if cfg.RAMSize == 0 || cfg.RAMSize%addr.PageSize != 0 {
		return nil, fmt.Errorf("mmu: RAMSize must be a non-zero multiple of %d bytes", addr.PageSize)
	}

	ram, err := syscall.Mmap(-1, 0, int(cfg.RAMSize),
		syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED|syscall.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("mmu: mmap ram: %w", err)
	}

	itlb, dtlb := cfg.ITLBCapacity, cfg.DTLBCapacity
	if itlb == 0 {
		itlb = defaultITLBCapacity
	}

	if dtlb == 0 {
		dtlb = defaultDTLBCapacity
	}

	return &Mmu{
		ram:       ram,
		mode:      cfg.Mode,
		alignment: cfg.Alignment,
		mmio:      newMMIORegistry(),
		log:       logrus.WithField("component", "mmu"),
		asidGen:   make(map[uint16]uint64),
		itlbCap:   itlb,
		dtlbCap:   dtlb,
	}, nil
}

// SetCodeInvalidator wires the code cache so self-modifying writes are
// noticed and the affected block is invalidated.
func (m *Mmu) SetCodeInvalidator(c CodeInvalidator) { m.invalidator = c }

// RAMSize reports the configured backing-store size in bytes.
func (m *Mmu) RAMSize() uint64 { return uint64(len(m.ram)) }

func (m *Mmu) curGen(asid uint16) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	if asid == 0 {
		return m.globalGen
	}

	// Both counters only grow, so the sum changes whenever either a
	// whole-TLB or a per-ASID flush happens.
	return m.globalGen + m.asidGen[asid]
}

// FlushTLBAll invalidates every TLB entry across every vCPU view. It
// is O(1): bumping the global generation counter makes every entry
// lazily stale at its next lookup via the TLB entry's generation
// field.
func (m *Mmu) FlushTLBAll() {
	m.mu.Lock()
	m.globalGen++
	m.mu.Unlock()
}

// FlushASID invalidates every TLB entry tagged with asid, across every
// vCPU view, in O(1).
func (m *Mmu) FlushASID(asid uint16) {
	m.mu.Lock()
	m.asidGen[asid]++
	m.mu.Unlock()
}

// FlushRange removes entries whose VPN falls in [vaLo, vaHi) from
// every registered view's TLBs. Unlike the generation-tagged flushes
// above this is O(entries) per view; a per-page tagging scheme could
// make it cheaper.
func (m *Mmu) FlushRange(vaLo, vaHi addr.GuestVirt) {
	lo, hi := addr.VPN(vaLo), addr.VPN(vaHi)

	m.mu.Lock()
	views := append([]*View(nil), m.views...)
	m.mu.Unlock()

	for _, v := range views {
		v.mu.Lock()
		v.itlb.flushRange(lo, hi)
		v.dtlb.flushRange(lo, hi)
		v.mu.Unlock()
	}
}

// InvalidatePA drops every TLB entry mapping to the physical page
// containing pa, across every view.
func (m *Mmu) InvalidatePA(pa addr.GuestPhys) {
	ppn := uint64(addr.PageOfPhys(pa)) >> addr.PageShift

	m.mu.Lock()
	views := append([]*View(nil), m.views...)
	m.mu.Unlock()

	for _, v := range views {
		v.mu.Lock()
		v.itlb.invalidatePPN(ppn)
		v.dtlb.invalidatePPN(ppn)
		v.mu.Unlock()
	}
}

// MapMMIO registers a device-backed address window.
func (m *Mmu) MapMMIO(region addr.Region, h Handler) error {
	return m.mmio.register(region, h)
}

// UnmapMMIO removes a previously registered window.
func (m *Mmu) UnmapMMIO(region addr.Region) {
	m.mmio.unregister(region)
}

func (m *Mmu) inRAM(pa addr.GuestPhys) bool {
	return uint64(pa)+0 < uint64(len(m.ram)) && pa >= 0
}

// LoadPhys copies data directly into the RAM backing store at pa,
// bypassing translation. Embedders use this once, before any vCPU
// starts, to stage a kernel/initrd image and the guest's initial page
// tables; grounded on gokvm's machine.Machine.LoadLinux, which
// copies kernel bytes directly into its mmap'd m.mem.
func (m *Mmu) LoadPhys(pa addr.GuestPhys, data []byte) error {
	if uint64(pa)+uint64(len(data)) > uint64(len(m.ram)) {
		return fmt.Errorf("mmu: LoadPhys out of range: pa=%s len=%d ramsize=%d", pa, len(data), len(m.ram))
	}

	copy(m.ram[pa:], data)
	m.invalidateCode(addr.Region{Lo: addr.PageOfPhys(pa), Hi: addr.PageOfPhys(pa+addr.GuestPhys(len(data))) + addr.PageSize})

	return nil
}

// Snapshot returns a copy of the RAM backing store's current contents,
// for the vm package's snapshot support.
func (m *Mmu) Snapshot() []byte {
	out := make([]byte, len(m.ram))
	copy(out, m.ram)

	return out
}

// Restore overwrites the RAM backing store with data, which must be
// exactly RAMSize() bytes, and invalidates every cached code page
// across the whole store.
func (m *Mmu) Restore(data []byte) error {
	if len(data) != len(m.ram) {
		return fmt.Errorf("mmu: Restore size mismatch: got %d, want %d", len(data), len(m.ram))
	}

	copy(m.ram, data)
	m.invalidateCode(addr.Region{Lo: 0, Hi: addr.GuestPhys(len(m.ram))})

	return nil
}

// invalidateCode notifies C7 that region has been written, whether the
// write came from a guest store or an MMIO device write-back (design
// note iii: both paths call this single helper).
func (m *Mmu) invalidateCode(region addr.Region) {
	if m.invalidator != nil {
		m.invalidator.Invalidate(region)
	}
}

func readLE(buf []byte, size int) uint64 {
	switch size {
	case 1:
		return uint64(buf[0])
	case 2:
		return uint64(binary.LittleEndian.Uint16(buf))
	case 4:
		return uint64(binary.LittleEndian.Uint32(buf))
	case 8, 16:
		return binary.LittleEndian.Uint64(buf)
	default:
		panic(fmt.Sprintf("mmu: unsupported size %d", size))
	}
}

func writeLE(buf []byte, size int, v uint64) {
	switch size {
	case 1:
		buf[0] = byte(v)
	case 2:
		binary.LittleEndian.PutUint16(buf, uint16(v))
	case 4:
		binary.LittleEndian.PutUint32(buf, uint32(v))
	case 8, 16:
		binary.LittleEndian.PutUint64(buf, v)
	default:
		panic(fmt.Sprintf("mmu: unsupported size %d", size))
	}
}
