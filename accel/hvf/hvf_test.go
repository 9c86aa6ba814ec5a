//go:build darwin

package hvf_test

import (
	"errors"
	"testing"

	"github.com/xvmproject/xvm/accel"
	"github.com/xvmproject/xvm/accel/hvf"
)

func TestInitReturnsErrUnsupported(t *testing.T) {
	h := hvf.New()

	if err := h.Init(); !errors.Is(err, hvf.ErrUnsupported) {
		t.Fatalf("Init err = %v, want ErrUnsupported", err)
	}
}

var _ accel.Accelerator = (*hvf.HVF)(nil)
