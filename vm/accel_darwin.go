//go:build darwin

package vm

import (
	"github.com/xvmproject/xvm/accel"
	"github.com/xvmproject/xvm/accel/hvf"
	"github.com/xvmproject/xvm/accel/none"
)

func acceleratorFor(kind AccelKind) (accel.Accelerator, error) {
	switch kind {
	case AccelHVF, AccelAuto:
		return hvf.New(), nil
	case AccelKVM:
		return nil, errUnsupportedOnPlatform("kvm", "darwin")
	default:
		return none.New(), nil
	}
}
