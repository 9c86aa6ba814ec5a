package vm_test

import (
	"errors"
	"strings"
	"testing"

	"github.com/xvmproject/xvm/addr"
	"github.com/xvmproject/xvm/mmu"
	"github.com/xvmproject/xvm/vm"
)

func validConfig() vm.Config {
	return vm.Config{
		ISA:     "riscv64",
		NCPUs:   2,
		EntryPC: 0,
		Accel:   vm.AccelNone,
		MMU:     mmu.Config{RAMSize: 64 * addr.PageSize},
	}
}

func TestValidateRejectsUnsupportedISA(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	cfg.ISA = "sparc"

	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected an error for an unsupported ISA")
	}
}

func TestValidateRejectsNonPositiveNCPUs(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	cfg.NCPUs = 0

	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected an error for NCPUs=0")
	}
}

func TestValidateRejectsUnalignedRAMSize(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	cfg.MMU.RAMSize = 100

	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected an error for a non-page-aligned RAMSize")
	}
}

func TestValidateAccumulatesAllErrors(t *testing.T) {
	t.Parallel()

	cfg := vm.Config{ISA: "bogus", NCPUs: -1}

	err := cfg.Validate()
	if err == nil {
		t.Fatalf("expected a combined error")
	}

	for _, want := range []string{"unsupported ISA", "NCPUs", "RAMSize"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("combined error %q does not mention %q", err, want)
		}
	}
}

func TestNewThenDestroyWithoutStarting(t *testing.T) {
	t.Parallel()

	v, err := vm.New(validConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if v.State() != vm.StateCreated {
		t.Fatalf("state = %v, want StateCreated", v.State())
	}

	if len(v.Vcpus()) != 2 {
		t.Fatalf("len(Vcpus()) = %d, want 2", len(v.Vcpus()))
	}

	if err := v.Destroy(); err != nil {
		t.Fatalf("Destroy: %v", err)
	}

	if v.State() != vm.StateDestroyed {
		t.Fatalf("state = %v, want StateDestroyed", v.State())
	}
}

func TestStartAfterDestroyIsInvalidTransition(t *testing.T) {
	t.Parallel()

	v, err := vm.New(validConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := v.Destroy(); err != nil {
		t.Fatalf("Destroy: %v", err)
	}

	if err := v.Start(); !errors.Is(err, vm.ErrInvalidTransition) {
		t.Fatalf("Start after Destroy err = %v, want ErrInvalidTransition", err)
	}
}

func TestPauseBeforeStartIsInvalidTransition(t *testing.T) {
	t.Parallel()

	v, err := vm.New(validConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer v.Destroy()

	if err := v.Pause(); !errors.Is(err, vm.ErrInvalidTransition) {
		t.Fatalf("Pause before Start err = %v, want ErrInvalidTransition", err)
	}
}

func TestSnapshotBeforeStartCapturesInitialState(t *testing.T) {
	t.Parallel()

	v, err := vm.New(validConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer v.Destroy()

	snap := v.Snapshot([]byte("config-v1"))
	if len(snap.Vcpus) != 2 {
		t.Fatalf("len(snap.Vcpus) = %d, want 2", len(snap.Vcpus))
	}

	if len(snap.Mem.Data) != int(64*addr.PageSize) {
		t.Fatalf("len(snap.Mem.Data) = %d, want %d", len(snap.Mem.Data), 64*addr.PageSize)
	}

	if err := v.Restore(snap); err != nil {
		t.Fatalf("Restore: %v", err)
	}
}
