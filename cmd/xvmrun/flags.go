package main

import (
	"errors"
	"flag"
	"fmt"
	"strconv"
	"strings"

	"github.com/xvmproject/xvm/vm"
)

// ErrInvalidSubcommand mirrors gokvm's flag.ErrorInvalidSubcommands:
// an unrecognized or missing leading verb.
var ErrInvalidSubcommand = errors.New("expected 'boot' or 'probe' subcommands")

// bootArgs is flag.BootArgs generalized from one fixed x86-64/KVM
// pairing to an arbitrary (ISA, accelerator) pairing: -D (device path)
// and -k/-i (kernel/initrd paths) drop out in favor of -image (one
// flat guest-physical memory image, since ELF/bzImage loading is out
// of scope here) and -isa/-accel.
type bootArgs struct {
	ISA     string
	NCPUs   int
	MemSize int
	EntryPC uint64
	Image   string
	Accel   string
	Profile bool
}

func parseBootArgs(args []string) (*bootArgs, error) {
	fs := flag.NewFlagSet("boot", flag.ExitOnError)
	b := &bootArgs{}

	fs.StringVar(&b.ISA, "isa", "riscv64", "guest ISA: x86-64, arm64 or riscv64")
	fs.IntVar(&b.NCPUs, "c", 1, "number of vCPUs")
	fs.StringVar(&b.Accel, "accel", "auto", "accelerator: auto, none, kvm or hvf")
	fs.StringVar(&b.Image, "image", "", "flat guest-physical memory image to load at address 0")
	fs.BoolVar(&b.Profile, "profile", false, "write a CPU profile to ./cpu.pprof")

	msize := fs.String("m", "128M", "memory size: as number[gGmM], defaults to M")
	entry := fs.Uint64("entry", 0, "guest entry program counter")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	var err error

	if b.MemSize, err = parseSize(*msize, "m"); err != nil {
		return nil, err
	}

	b.EntryPC = *entry

	return b, nil
}

func (b *bootArgs) accelKind() (vm.AccelKind, error) {
	switch b.Accel {
	case "auto":
		return vm.AccelAuto, nil
	case "none":
		return vm.AccelNone, nil
	case "kvm":
		return vm.AccelKVM, nil
	case "hvf":
		return vm.AccelHVF, nil
	default:
		return 0, fmt.Errorf("xvmrun: unknown -accel value %q", b.Accel)
	}
}

type probeArgs struct{}

func parseProbeArgs(args []string) (*probeArgs, error) {
	fs := flag.NewFlagSet("probe", flag.ExitOnError)

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	return &probeArgs{}, nil
}

// parseSize parses a number[gGmMkK] string, same grammar as the
// gokvm's flag.ParseSize: an optional trailing unit overrides the
// default passed in.
func parseSize(s, unit string) (int, error) {
	sz := strings.TrimRight(s, "gGmMkK")
	if len(sz) == 0 {
		return -1, fmt.Errorf("%q: can't parse as num[gGmMkK]: %w", s, strconv.ErrSyntax)
	}

	amt, err := strconv.ParseUint(sz, 0, 0)
	if err != nil {
		return -1, err
	}

	if len(s) > len(sz) {
		unit = s[len(sz):]
	}

	switch unit {
	case "G", "g":
		return int(amt) << 30, nil
	case "M", "m":
		return int(amt) << 20, nil
	case "K", "k":
		return int(amt) << 10, nil
	case "":
		return int(amt), nil
	default:
		return -1, fmt.Errorf("can not parse %q as num[gGmMkK]: %w", s, strconv.ErrSyntax)
	}
}

// parseArgs dispatches on args[1] ("boot" or "probe"), mirroring
// flag.ParseArgs's subcommand shape.
func parseArgs(args []string) (*bootArgs, *probeArgs, error) {
	if len(args) < 2 {
		return nil, nil, ErrInvalidSubcommand
	}

	switch args[1] {
	case "boot":
		b, err := parseBootArgs(args[2:])

		return b, nil, err
	case "probe":
		p, err := parseProbeArgs(args[2:])

		return nil, p, err
	default:
		return nil, nil, ErrInvalidSubcommand
	}
}
