package vcpu

import "github.com/xvmproject/xvm/addr"

// Action is what a trap or IRQ handler returns to tell the scheduler
// loop how to proceed.
type Action uint8

const (
	ActionContinue Action = iota // resume after the handler wrote vCPU state
	ActionRetry                  // re-execute the same PC
	ActionMask                   // stop this vCPU
	ActionDeliver                // stop (fault/IRQ delivered to an external handler)
	ActionAbort                  // stop
)

// TrapHandler is the embedder-supplied hook for guest faults.
type TrapHandler func(v *Vcpu, f *addr.Fault) Action

// IRQHandler is the embedder-supplied IRQ policy hook. It returns the
// vector to deliver (arch-specific encoding) and the scheduling
// Action.
type IRQHandler func(v *Vcpu) (vector uint32, action Action)

// defaultTrapVector computes the architectural trap-vector PC per
//  default fault behavior ("set PC to the
// architectural trap-vector register computed from the arch's
// vectoring rules"). Only riscv64's direct/vectored mtvec/stvec
// encoding is modeled explicitly; arm64 and x86-64 use a single fixed
// synchronous-exception vector CSR slot by convention of this
// implementation (a real front end would read VBAR_ELn / the IDT base
// instead).
func defaultTrapVector(v *Vcpu, f *addr.Fault) addr.GuestVirt {
	const (
		csrMtvec = 0x305
		csrStvec = 0x105
	)

	switch v.isa {
	case "riscv64":
		raw := v.state.CSR[csrMtvec]
		base := raw &^ 0b11
		mode := raw & 0b11

		if mode == 1 { // vectored mode: base + 4*cause
			return addr.GuestVirt(base) + addr.GuestVirt(4*uint64(f.Kind))
		}

		return addr.GuestVirt(base)
	default:
		const csrTrapVector = 0x7F0

		return addr.GuestVirt(v.state.CSR[csrTrapVector])
	}
}
