package vm

import (
	"fmt"

	"github.com/xvmproject/xvm/decoder"
	"github.com/xvmproject/xvm/decoder/arm64"
	"github.com/xvmproject/xvm/decoder/riscv64"
	"github.com/xvmproject/xvm/decoder/x86"
)

// selectDecoder resolves a Config.ISA string to a concrete decoder
// front end. New decoders are added here and to supportedISAs in
// config.go; nowhere else needs to change.
func selectDecoder(isa string) (decoder.Decoder, error) {
	switch isa {
	case "x86-64":
		return x86.New(), nil
	case "arm64":
		return arm64.New(), nil
	case "riscv64":
		return riscv64.New(), nil
	default:
		return nil, fmt.Errorf("vm: no decoder registered for ISA %q", isa)
	}
}
