// Package none implements accel.Accelerator as the software-only
// fallback: it tracks vCPU and memory-mapping bookkeeping faithfully
// (so callers can exercise the full Accelerator lifecycle in tests
// without a hypervisor) but RunVcpu always returns ErrNotAccelerated,
// telling the caller to keep running the guest through the
// interpreter/JIT pipeline instead (: "when
// unavailable the core transparently falls back to software").
package none

import (
	"errors"
	"fmt"
	"sync"

	"github.com/xvmproject/xvm/accel"
	"github.com/xvmproject/xvm/addr"
)

// ErrNotAccelerated is returned by every operation that would require
// an actual hypervisor.
var ErrNotAccelerated = errors.New("accel/none: no hardware acceleration available")

type mapping struct {
	gpa   addr.GuestPhys
	hva   addr.Host
	size  uint64
	flags accel.MemFlags
}

// None is the zero-cost Accelerator implementation.
type None struct {
	mu       sync.Mutex
	vcpus    map[int]bool
	mappings []mapping
}

// New returns a ready-to-use None accelerator.
func New() *None {
	return &None{vcpus: make(map[int]bool)}
}

func (*None) Name() string { return "none" }

func (*None) Init() error { return nil }

func (n *None) CreateVcpu(id int) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.vcpus[id] = true

	return nil
}

func (n *None) MapMemory(gpa addr.GuestPhys, hva addr.Host, size uint64, flags accel.MemFlags) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.mappings = append(n.mappings, mapping{gpa: gpa, hva: hva, size: size, flags: flags})

	return nil
}

func (n *None) UnmapMemory(gpa addr.GuestPhys, size uint64) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	kept := n.mappings[:0]

	for _, m := range n.mappings {
		if m.gpa == gpa && m.size == size {
			continue
		}

		kept = append(kept, m)
	}

	n.mappings = kept

	return nil
}

func (n *None) RunVcpu(id int) (accel.ExitReason, error) {
	n.mu.Lock()
	_, ok := n.vcpus[id]
	n.mu.Unlock()

	if !ok {
		return accel.ExitReason{}, fmt.Errorf("accel/none: vcpu %d not created: %w", id, ErrNotAccelerated)
	}

	return accel.ExitReason{}, ErrNotAccelerated
}

func (n *None) GetRegs(id int) (accel.Regs, error) {
	n.mu.Lock()
	_, ok := n.vcpus[id]
	n.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("accel/none: vcpu %d not created: %w", id, ErrNotAccelerated)
	}

	return accel.Regs{}, nil
}

func (n *None) SetRegs(id int, _ accel.Regs) error {
	n.mu.Lock()
	_, ok := n.vcpus[id]
	n.mu.Unlock()

	if !ok {
		return fmt.Errorf("accel/none: vcpu %d not created: %w", id, ErrNotAccelerated)
	}

	return nil
}

func (*None) Close() error { return nil }
