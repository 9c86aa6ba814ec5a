//go:build darwin

// Package hvf is the macOS Hypervisor.framework accel.Accelerator
// variant. gokvm has no
// Hypervisor.framework analogue (it is Linux/KVM-only); this stub
// exists so the {None, Linux-KVM, macOS-HVF} trait is complete and the
// vm layer can select a backend by platform without a missing case.
// Wiring cgo bindings to Hypervisor.framework's hv_vm_create/
// hv_vcpu_create/hv_vcpu_run C API is future work — see ErrUnsupported.
package hvf

import (
	"errors"

	"github.com/xvmproject/xvm/accel"
	"github.com/xvmproject/xvm/addr"
)

// ErrUnsupported is returned by every HVF method; the backend compiles
// and satisfies accel.Accelerator on darwin but cannot yet accelerate
// anything.
var ErrUnsupported = errors.New("accel/hvf: Hypervisor.framework backend not yet implemented")

// HVF is a not-yet-functional placeholder Accelerator.
type HVF struct{}

// New returns an HVF accelerator. Init always fails with
// ErrUnsupported, so vm.New logs the failure and runs the guest in
// software exactly as it would on a Mac without the Hypervisor
// entitlement.
func New() *HVF { return &HVF{} }

func (*HVF) Name() string { return "hvf" }

func (*HVF) Init() error { return ErrUnsupported }

func (*HVF) CreateVcpu(int) error { return ErrUnsupported }

func (*HVF) MapMemory(addr.GuestPhys, addr.Host, uint64, accel.MemFlags) error {
	return ErrUnsupported
}

func (*HVF) UnmapMemory(addr.GuestPhys, uint64) error { return ErrUnsupported }

func (*HVF) RunVcpu(int) (accel.ExitReason, error) { return accel.ExitReason{}, ErrUnsupported }

func (*HVF) GetRegs(int) (accel.Regs, error) { return nil, ErrUnsupported }

func (*HVF) SetRegs(int, accel.Regs) error { return ErrUnsupported }

func (*HVF) Close() error { return nil }
