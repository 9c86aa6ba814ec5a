package main

import (
	"github.com/xvmproject/xvm/mmu"
	"github.com/xvmproject/xvm/serial"
	"github.com/xvmproject/xvm/vcpu"
)

// comIRQVector is the standard COM1 IRQ line (IRQ4) a real PC
// chipset wires the 16550 UART to; xvmrun reuses the same vector
// space as a guest-visible interrupt number for simplicity.
const comIRQVector = 4

// consoleDevice adapts gokvm's serial.Serial (an I/O-port style
// 16550 UART model taking an absolute port number) to mmu.Handler (an
// MMIO-window offset/size model), by registering it at a guest-
// physical window starting at serial.COM1Addr and translating
// offset->port via the same arithmetic serial.Serial already performs
// internally (it subtracts serial.COM1Addr right back out).
type consoleDevice struct {
	s *serial.Serial
}

func newConsoleDevice(vc *vcpu.Vcpu) (*consoleDevice, error) {
	s, err := serial.New(&vcpuIRQInjector{vc: vc})
	if err != nil {
		return nil, err
	}

	return &consoleDevice{s: s}, nil
}

func (c *consoleDevice) OnRead(offset uint64, size int) uint64 {
	values := make([]byte, size)
	_ = c.s.In(serial.COM1Addr+offset, values)

	var v uint64
	for i := 0; i < size; i++ {
		v |= uint64(values[i]) << (8 * i)
	}

	return v
}

func (c *consoleDevice) OnWrite(offset uint64, value uint64, size int) {
	values := make([]byte, size)
	for i := 0; i < size; i++ {
		values[i] = byte(value >> (8 * i))
	}

	_ = c.s.Out(serial.COM1Addr+offset, values)
}

var _ mmu.Handler = (*consoleDevice)(nil)

// vcpuIRQInjector satisfies serial.IRQInjector by marking the
// console's owning vCPU's IRQ line pending, delivered at that vCPU's
// next loop boundary (vcpu.Vcpu.Interrupt).
type vcpuIRQInjector struct {
	vc *vcpu.Vcpu
}

func (i *vcpuIRQInjector) InjectSerialIRQ() error {
	i.vc.Interrupt(comIRQVector)

	return nil
}
