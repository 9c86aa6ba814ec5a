package none_test

import (
	"errors"
	"testing"

	"github.com/xvmproject/xvm/accel"
	"github.com/xvmproject/xvm/accel/none"
)

func TestRunVcpuAlwaysFallsBack(t *testing.T) {
	n := none.New()

	if err := n.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}

	if err := n.CreateVcpu(0); err != nil {
		t.Fatalf("CreateVcpu: %v", err)
	}

	_, err := n.RunVcpu(0)
	if !errors.Is(err, none.ErrNotAccelerated) {
		t.Fatalf("RunVcpu err = %v, want ErrNotAccelerated", err)
	}
}

func TestRunVcpuUnknownIDFails(t *testing.T) {
	n := none.New()

	if _, err := n.RunVcpu(7); !errors.Is(err, none.ErrNotAccelerated) {
		t.Fatalf("RunVcpu err = %v, want ErrNotAccelerated", err)
	}
}

func TestMapThenUnmapMemory(t *testing.T) {
	n := none.New()

	if err := n.MapMemory(0x1000, 0xdead0000, 0x1000, accel.MemReadOnly); err != nil {
		t.Fatalf("MapMemory: %v", err)
	}

	if err := n.UnmapMemory(0x1000, 0x1000); err != nil {
		t.Fatalf("UnmapMemory: %v", err)
	}
}

var _ accel.Accelerator = (*none.None)(nil)
