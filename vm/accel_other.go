//go:build !linux && !darwin

package vm

import (
	"github.com/xvmproject/xvm/accel"
	"github.com/xvmproject/xvm/accel/none"
)

// acceleratorFor on every other platform only ever has accel/none
// available; AccelKVM/AccelHVF are configuration errors here rather
// than silent fallbacks, so a misconfigured embedder finds out at
// Init time instead of quietly losing acceleration.
func acceleratorFor(kind AccelKind) (accel.Accelerator, error) {
	switch kind {
	case AccelKVM:
		return nil, errUnsupportedOnPlatform("kvm", "this platform")
	case AccelHVF:
		return nil, errUnsupportedOnPlatform("hvf", "this platform")
	default:
		return none.New(), nil
	}
}
