package vm

import (
	"fmt"

	"github.com/hashicorp/go-multierror"

	"github.com/xvmproject/xvm/addr"
	"github.com/xvmproject/xvm/codecache"
	"github.com/xvmproject/xvm/hotpath"
	"github.com/xvmproject/xvm/jitrt"
	"github.com/xvmproject/xvm/mmu"
)

// AccelKind picks the hardware-acceleration backend a Vm tries first,
// generalizing flag.BootArgs's single "-D /dev/kvm" device path to a
// named variant {None, Linux-KVM, macOS-HVF}.
type AccelKind uint8

const (
	// AccelAuto tries the host's native backend (KVM on linux, HVF on
	// darwin); if its Init fails, New logs a warning and the guest runs
	// on the software pipeline as with any other backend.
	AccelAuto AccelKind = iota
	AccelNone
	AccelKVM
	AccelHVF
)

// Config is the immutable description of a Vm, constructed once and
// never mutated after New. It generalizes gokvm's flag.BootArgs
// (kernel path, NCPUs, MemSize, tap/disk device paths) from one fixed
// x86-64/KVM pairing to an arbitrary (ISA, accelerator) combination.
type Config struct {
	// ISA selects the guest decoder front end: "x86-64", "arm64" or
	// "riscv64".
	ISA string

	NCPUs   int
	EntryPC addr.GuestVirt
	Accel   AccelKind

	MMU       mmu.Config
	CodeCache codecache.Config
	Hotpath   hotpath.Config
	Jit       JitConfig
}

// JitConfig tunes the compile pipeline. Enabled=false runs every
// vCPU in interpreter-only mode, matching 
// "JIT can be disabled wholesale, reducing to a pure interpreter".
type JitConfig struct {
	Enabled     bool
	Manager     jitrt.Config
	NumPhysRegs int
}

const defaultNumPhysRegs = 16

var supportedISAs = map[string]bool{
	"x86-64":  true,
	"arm64":   true,
	"riscv64": true,
}

// Validate checks cfg for construction-time errors, accumulating every
// violation via go-multierror so a caller sees the whole list in one
// report instead of fixing them one at a time.
func (c Config) Validate() error {
	var errs *multierror.Error

	if !supportedISAs[c.ISA] {
		errs = multierror.Append(errs, fmt.Errorf("vm: unsupported ISA %q", c.ISA))
	}

	if c.NCPUs <= 0 {
		errs = multierror.Append(errs, fmt.Errorf("vm: NCPUs must be positive, got %d", c.NCPUs))
	}

	if c.MMU.RAMSize == 0 || c.MMU.RAMSize%addr.PageSize != 0 {
		errs = multierror.Append(errs, fmt.Errorf("vm: MMU.RAMSize must be a non-zero multiple of %d bytes", addr.PageSize))
	}

	if c.Jit.Enabled && c.Jit.NumPhysRegs <= 0 {
		errs = multierror.Append(errs, fmt.Errorf("vm: Jit.NumPhysRegs must be positive when Jit.Enabled"))
	}

	return errs.ErrorOrNil()
}
