// Package accel defines the hardware-acceleration abstraction from
// : a polymorphic Accelerator trait with {None,
// Linux-KVM, macOS-HVF} variants. In accelerated mode vcpu.Vcpu would
// invoke RunVcpu and dispatch the resulting ExitReason through the
// same fault/MMIO paths the software path uses; when an accelerator is
// unavailable the core falls back to the interpreter/JIT pipeline
// untouched, so accel/none is always a legal choice.
package accel

import "github.com/xvmproject/xvm/addr"

// MemFlags mirror the guest-memory protection bits map_memory accepts.
type MemFlags uint32

const (
	MemReadOnly MemFlags = 1 << iota
	MemLogDirty
)

// Regs is an architecture-agnostic register snapshot: accelerator
// backends translate their native register layout to and from this
// keyed form at the GetRegs/SetRegs boundary, the same shape
// interp.State already uses for GuestPC-indexed values.
type Regs map[string]uint64

// ExitKind tags the reason variant a RunVcpu call returned.
type ExitKind uint8

const (
	ExitIO ExitKind = iota
	ExitMMIO
	ExitInterrupt
	ExitCPUID
	ExitRDMSR
	ExitWRMSR
	ExitHalt
	ExitException
	ExitUnknown
)

// ExitReason is the sum type RunVcpu returns; only the field(s) the
// Kind names are meaningful.
type ExitReason struct {
	Kind       ExitKind
	Port       uint16 // ExitIO
	Size       uint8  // ExitIO, ExitMMIO
	IsWrite    bool   // ExitIO, ExitMMIO
	GPA        addr.GuestPhys // ExitMMIO
	Leaf       uint32         // ExitCPUID
	Subleaf    uint32         // ExitCPUID
	MSR        uint32         // ExitRDMSR, ExitWRMSR
	Value      uint64         // ExitWRMSR
	Vector     uint32         // ExitException
	ErrorCode  uint32         // ExitException
	RawUnknown uint64         // ExitUnknown
}

// Accelerator is implemented by each hardware-acceleration backend
//. Init must be idempotent-safe to call once
// per process lifetime; CreateVcpu/MapMemory/UnmapMemory may be called
// any number of times after Init succeeds.
type Accelerator interface {
	Name() string
	Init() error
	CreateVcpu(id int) error
	MapMemory(gpa addr.GuestPhys, hva addr.Host, size uint64, flags MemFlags) error
	UnmapMemory(gpa addr.GuestPhys, size uint64) error
	RunVcpu(id int) (ExitReason, error)
	GetRegs(id int) (Regs, error)
	SetRegs(id int, regs Regs) error
	Close() error
}
