//go:build linux

package vm

import (
	"github.com/xvmproject/xvm/accel"
	"github.com/xvmproject/xvm/accel/kvm"
	"github.com/xvmproject/xvm/accel/none"
)

// acceleratorFor resolves Config.Accel to a concrete backend. This
// file (and its darwin/other siblings) is the only place that imports
// a platform-specific accel subpackage, so the vm package as a whole
// still builds everywhere even though accel/kvm is linux-only and
// accel/hvf is darwin-only.
func acceleratorFor(kind AccelKind) (accel.Accelerator, error) {
	switch kind {
	case AccelKVM, AccelAuto:
		return kvm.New(), nil
	case AccelHVF:
		return nil, errUnsupportedOnPlatform("hvf", "linux")
	default:
		return none.New(), nil
	}
}
