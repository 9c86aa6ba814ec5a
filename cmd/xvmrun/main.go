// Command xvmrun is a thin embedder demo binary: it wires a vm.Vm
// together with one console MMIO device and runs it to completion or
// until interrupted. It is grounded on gokvm's main.go + flag
// package (subcommand dispatch) and vmm.VMM (Init/Setup/Boot staged
// construction, now vm.New/Start), generalized from one fixed
// x86-64/KVM configuration to an arbitrary (ISA, accelerator) pairing.
//
// The gokvm's flag/runs.go and flag/flag_test.go reference a CLI/
// BootCMD/ProbeCMD trio built on github.com/alecthomas/kong that is
// never actually defined anywhere in that package — pre-existing
// drift in gokvm, not something to carry forward. xvmrun's flag
// handling is grounded on gokvm's
// other, self-consistent flag.go instead: a stdlib flag.FlagSet per
// subcommand.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/profile"
	"github.com/sirupsen/logrus"

	"github.com/xvmproject/xvm/addr"
	"github.com/xvmproject/xvm/mmu"
	"github.com/xvmproject/xvm/vm"
)

func main() {
	if err := run(os.Args); err != nil {
		logrus.WithError(err).Fatal("xvmrun")
	}
}

func run(args []string) error {
	boot, probe, err := parseArgs(args)
	if err != nil {
		return err
	}

	if probe != nil {
		return runProbe()
	}

	return runBoot(boot)
}

func runProbe() error {
	for _, kind := range []struct {
		name string
		k    vm.AccelKind
	}{
		{"kvm", vm.AccelKVM},
		{"hvf", vm.AccelHVF},
		{"none", vm.AccelNone},
	} {
		cfg := vm.Config{
			ISA:   "riscv64",
			NCPUs: 1,
			Accel: kind.k,
			MMU:   mmu.Config{RAMSize: addr.PageSize},
		}

		v, err := vm.New(cfg)
		if err != nil {
			fmt.Printf("%-5s unavailable: %v\n", kind.name, err)

			continue
		}

		fmt.Printf("%-5s available\n", kind.name)
		_ = v.Destroy()
	}

	return nil
}

func runBoot(b *bootArgs) error {
	if b.Profile {
		defer profile.Start(profile.ProfilePath(".")).Stop()
	}

	accelKind, err := b.accelKind()
	if err != nil {
		return err
	}

	cfg := vm.Config{
		ISA:     b.ISA,
		NCPUs:   b.NCPUs,
		EntryPC: addr.GuestVirt(b.EntryPC),
		Accel:   accelKind,
		MMU:     mmu.Config{RAMSize: uint64(b.MemSize)},
	}

	v, err := vm.New(cfg)
	if err != nil {
		return fmt.Errorf("xvmrun: %w", err)
	}

	if b.Image != "" {
		data, err := os.ReadFile(b.Image)
		if err != nil {
			return fmt.Errorf("xvmrun: reading image: %w", err)
		}

		if err := v.Mmu().LoadPhys(0, data); err != nil {
			return fmt.Errorf("xvmrun: loading image: %w", err)
		}
	}

	console, err := newConsoleDevice(v.Vcpus()[0])
	if err != nil {
		return fmt.Errorf("xvmrun: console device: %w", err)
	}

	consoleWindow := addr.Region{
		Lo: addr.GuestPhys(0x3f8),
		Hi: addr.GuestPhys(0x400),
	}
	if err := v.Mmu().MapMMIO(consoleWindow, console); err != nil {
		return fmt.Errorf("xvmrun: mapping console: %w", err)
	}

	if err := v.Start(); err != nil {
		return fmt.Errorf("xvmrun: %w", err)
	}

	waitForShutdown(v)

	return v.Destroy()
}

// waitForShutdown blocks until SIGINT/SIGTERM or every vCPU halts on
// its own, then stops the Vm, mirroring gokvm's vmm.VMM.Boot's
// sync.WaitGroup.Wait plus its 'x' escape-sequence exit path.
func waitForShutdown(v *vm.Vm) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	done := make(chan struct{})

	go func() {
		v.Wait()
		close(done)
	}()

	select {
	case <-sigCh:
		_ = v.Stop()
		<-done
	case <-done:
	}
}
