//go:build linux

package kvm_test

import (
	"errors"
	"testing"

	"github.com/xvmproject/xvm/accel"
	"github.com/xvmproject/xvm/accel/kvm"
)

func TestInitFailsCleanlyWithoutDevKVM(t *testing.T) {
	// This test environment is not guaranteed to have /dev/kvm or the
	// permission to open it; either way Init must return
	// ErrUnavailable rather than a bare syscall error, so vm/ can
	// pattern-match on it to decide whether to fall back to
	// accel/none. If /dev/kvm happens to be usable here, Init
	// succeeding is also an acceptable outcome.
	k := kvm.New()

	err := k.Init()
	if err != nil && !errors.Is(err, kvm.ErrUnavailable) {
		t.Fatalf("Init error = %v, want wrapping kvm.ErrUnavailable", err)
	}
}

func TestRunVcpuUnknownIDFails(t *testing.T) {
	k := kvm.New()

	if _, err := k.RunVcpu(99); err == nil {
		t.Fatalf("expected an error for an uncreated vcpu")
	}
}

var _ accel.Accelerator = (*kvm.KVM)(nil)
