//go:build linux

// Package kvm implements accel.Accelerator against Linux's /dev/kvm,
// adapted directly from gokvm's kvm package: the same ioctl
// numbers and the same Regs/RunData/UserspaceMemoryRegion struct
// layouts (the kernel ABI dictates those verbatim), generalized from
// "the only backend this program has" to "one Accelerator
// implementation among three." The bzImage/initrd boot-loading logic
// gokvm's LinuxGuest carried is gone: loading a kernel image is
// an embedder concern (cmd/xvmrun), not part of the accelerator
// contract.
package kvm

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"syscall"
	"unsafe"

	"github.com/sirupsen/logrus"

	"github.com/xvmproject/xvm/accel"
	"github.com/xvmproject/xvm/addr"
)

const (
	ioGetAPIVersion       = 44544
	ioCreateVM            = 44545
	ioCreateVCPU          = 44609
	ioRun                 = 44672
	ioGetVCPUMMapSize     = 44548
	ioGetRegs             = 0x8090ae81
	ioSetRegs             = 0x4090ae82
	ioSetUserMemoryRegion = 1075883590

	exitUnknown = 0
	exitIO      = 2
	exitHlt     = 5
	exitMMIO    = 6
	exitIntr    = 10

	ioDirectionIn = 0

	kvmStableAPIVersion = 12
)

// Regs mirrors struct kvm_regs for x86-64 (unchanged from gokvm's
// kvm.Regs: the field order and widths are the kernel ioctl ABI, not a
// Go design choice).
type Regs struct {
	RAX, RBX, RCX, RDX    uint64
	RSI, RDI, RSP, RBP    uint64
	R8, R9, R10, R11      uint64
	R12, R13, R14, R15    uint64
	RIP, RFLAGS           uint64
}

// RunData mirrors the mmap'd struct kvm_run header fields this
// accelerator reads; gokvm's Data[32] trailing array is where
// the IO/MMIO-specific payload lives, exactly as KVM defines it.
type RunData struct {
	RequestInterruptWindow     uint8
	_                          [7]uint8
	ExitReason                 uint32
	ReadyForInterruptInjection uint8
	IfFlag                     uint8
	_                          [2]uint8
	CR8                        uint64
	ApicBase                   uint64
	Data                       [32]uint64
}

func (r *RunData) io() (direction, size, port, count, offset uint64) {
	direction = r.Data[0] & 0xFF
	size = (r.Data[0] >> 8) & 0xFF
	port = (r.Data[0] >> 16) & 0xFFFF
	count = (r.Data[0] >> 32) & 0xFFFFFFFF
	offset = r.Data[1]

	return
}

// UserspaceMemoryRegion mirrors struct kvm_userspace_memory_region.
type UserspaceMemoryRegion struct {
	Slot          uint32
	Flags         uint32
	GuestPhysAddr uint64
	MemorySize    uint64
	UserspaceAddr uint64
}

func ioctl(fd, op, arg uintptr) (uintptr, error) {
	res, _, errno := syscall.Syscall(syscall.SYS_IOCTL, fd, op, arg)
	if errno != 0 {
		return res, errno
	}

	return res, nil
}

// ErrUnavailable wraps any failure opening /dev/kvm or creating a VM;
// vm.New logs it and keeps running the guest in software.
var ErrUnavailable = errors.New("accel/kvm: hardware acceleration unavailable")

type vcpuState struct {
	fd  uintptr
	run *RunData
}

// KVM is the Linux/dev/kvm-backed Accelerator.
type KVM struct {
	mu       sync.Mutex
	kvmFd    uintptr
	vmFd     uintptr
	vcpus    map[int]*vcpuState
	memSlots uint32
	log      *logrus.Entry
}

// New returns a KVM accelerator; Init must be called before any other
// method.
func New() *KVM {
	return &KVM{vcpus: make(map[int]*vcpuState), log: logrus.WithField("component", "accel/kvm")}
}

func (*KVM) Name() string { return "kvm" }

// Init opens /dev/kvm and creates one VM file descriptor. It returns
// ErrUnavailable (never a raw syscall error) so callers can treat any
// failure here as "fall back to software" without inspecting errno.
func (k *KVM) Init() error {
	k.mu.Lock()
	defer k.mu.Unlock()

	f, err := os.OpenFile("/dev/kvm", os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("%w: open /dev/kvm: %v", ErrUnavailable, err)
	}

	k.kvmFd = f.Fd()

	version, err := ioctl(k.kvmFd, uintptr(ioGetAPIVersion), 0)
	if err != nil {
		return fmt.Errorf("%w: KVM_GET_API_VERSION: %v", ErrUnavailable, err)
	}

	if version != kvmStableAPIVersion {
		return fmt.Errorf("%w: KVM_GET_API_VERSION returned %d, want %d", ErrUnavailable, version, kvmStableAPIVersion)
	}

	vmFd, err := ioctl(k.kvmFd, uintptr(ioCreateVM), 0)
	if err != nil {
		return fmt.Errorf("%w: KVM_CREATE_VM: %v", ErrUnavailable, err)
	}

	k.vmFd = vmFd
	k.log.WithField("api_version", version).Info("kvm accelerator initialized")

	return nil
}

func (k *KVM) CreateVcpu(id int) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	fd, err := ioctl(k.vmFd, uintptr(ioCreateVCPU), uintptr(id))
	if err != nil {
		return fmt.Errorf("accel/kvm: KVM_CREATE_VCPU(%d): %w", id, err)
	}

	size, err := ioctl(k.kvmFd, uintptr(ioGetVCPUMMapSize), 0)
	if err != nil {
		return fmt.Errorf("accel/kvm: KVM_GET_VCPU_MMAP_SIZE: %w", err)
	}

	mem, err := syscall.Mmap(int(fd), 0, int(size), syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED)
	if err != nil {
		return fmt.Errorf("accel/kvm: mmap vcpu run struct: %w", err)
	}

	k.vcpus[id] = &vcpuState{fd: fd, run: (*RunData)(unsafe.Pointer(&mem[0]))}

	return nil
}

func (k *KVM) MapMemory(gpa addr.GuestPhys, hva addr.Host, size uint64, flags accel.MemFlags) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	region := UserspaceMemoryRegion{
		Slot:          k.memSlots,
		GuestPhysAddr: uint64(gpa),
		MemorySize:    size,
		UserspaceAddr: uint64(hva),
	}

	if flags&accel.MemReadOnly != 0 {
		region.Flags |= 1 << 1
	}

	if flags&accel.MemLogDirty != 0 {
		region.Flags |= 1 << 0
	}

	if _, err := ioctl(k.vmFd, uintptr(ioSetUserMemoryRegion), uintptr(unsafe.Pointer(&region))); err != nil {
		return fmt.Errorf("accel/kvm: KVM_SET_USER_MEMORY_REGION: %w", err)
	}

	k.memSlots++

	return nil
}

// UnmapMemory is not supported by this minimal adaptation: gokvm
// never unmapped a region either (the one guest-RAM region lived for
// the process lifetime). Tracking and reusing freed slot numbers would
// need a slot allocator this accelerator does not yet have.
func (k *KVM) UnmapMemory(_ addr.GuestPhys, _ uint64) error {
	return errors.New("accel/kvm: UnmapMemory not implemented")
}

func (k *KVM) RunVcpu(id int) (accel.ExitReason, error) {
	k.mu.Lock()
	v, ok := k.vcpus[id]
	k.mu.Unlock()

	if !ok {
		return accel.ExitReason{}, fmt.Errorf("accel/kvm: vcpu %d not created", id)
	}

	if _, err := ioctl(v.fd, uintptr(ioRun), 0); err != nil {
		return accel.ExitReason{}, fmt.Errorf("accel/kvm: KVM_RUN: %w", err)
	}

	switch v.run.ExitReason {
	case exitHlt:
		return accel.ExitReason{Kind: accel.ExitHalt}, nil
	case exitIO:
		direction, size, port, _, _ := v.run.io()

		return accel.ExitReason{
			Kind:    accel.ExitIO,
			Port:    uint16(port),
			Size:    uint8(size),
			IsWrite: direction != ioDirectionIn,
		}, nil
	case exitMMIO:
		return accel.ExitReason{Kind: accel.ExitMMIO}, nil
	case exitIntr:
		return accel.ExitReason{Kind: accel.ExitInterrupt}, nil
	case exitUnknown:
		return accel.ExitReason{Kind: accel.ExitUnknown}, nil
	default:
		k.log.WithField("exit_reason", v.run.ExitReason).Warn("unrecognized kvm exit reason")

		return accel.ExitReason{Kind: accel.ExitUnknown, RawUnknown: uint64(v.run.ExitReason)}, nil
	}
}

func (k *KVM) GetRegs(id int) (accel.Regs, error) {
	k.mu.Lock()
	v, ok := k.vcpus[id]
	k.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("accel/kvm: vcpu %d not created", id)
	}

	var regs Regs
	if _, err := ioctl(v.fd, uintptr(ioGetRegs), uintptr(unsafe.Pointer(&regs))); err != nil {
		return nil, fmt.Errorf("accel/kvm: KVM_GET_REGS: %w", err)
	}

	return accel.Regs{
		"rax": regs.RAX, "rbx": regs.RBX, "rcx": regs.RCX, "rdx": regs.RDX,
		"rsi": regs.RSI, "rdi": regs.RDI, "rsp": regs.RSP, "rbp": regs.RBP,
		"r8": regs.R8, "r9": regs.R9, "r10": regs.R10, "r11": regs.R11,
		"r12": regs.R12, "r13": regs.R13, "r14": regs.R14, "r15": regs.R15,
		"rip": regs.RIP, "rflags": regs.RFLAGS,
	}, nil
}

func (k *KVM) SetRegs(id int, gr accel.Regs) error {
	k.mu.Lock()
	v, ok := k.vcpus[id]
	k.mu.Unlock()

	if !ok {
		return fmt.Errorf("accel/kvm: vcpu %d not created", id)
	}

	regs := Regs{
		RAX: gr["rax"], RBX: gr["rbx"], RCX: gr["rcx"], RDX: gr["rdx"],
		RSI: gr["rsi"], RDI: gr["rdi"], RSP: gr["rsp"], RBP: gr["rbp"],
		R8: gr["r8"], R9: gr["r9"], R10: gr["r10"], R11: gr["r11"],
		R12: gr["r12"], R13: gr["r13"], R14: gr["r14"], R15: gr["r15"],
		RIP: gr["rip"], RFLAGS: gr["rflags"],
	}

	if _, err := ioctl(v.fd, uintptr(ioSetRegs), uintptr(unsafe.Pointer(&regs))); err != nil {
		return fmt.Errorf("accel/kvm: KVM_SET_REGS: %w", err)
	}

	return nil
}

func (k *KVM) Close() error {
	k.mu.Lock()
	defer k.mu.Unlock()

	for _, v := range k.vcpus {
		if v.run != nil {
			mem := (*[1 << 20]byte)(unsafe.Pointer(v.run))[:]
			_ = syscall.Munmap(mem)
		}
	}

	return nil
}
