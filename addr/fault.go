package addr

import "fmt"

// Kind enumerates the guest fault taxonomy 
//
//go:generate stringer -type=Kind
type Kind uint8

const (
	PageFault Kind = iota
	AccessViolation
	AlignmentFault
	InvalidEntry
	IllegalInstruction
	DivideByZero
	Breakpoint
)

var kindNames = [...]string{
	PageFault:           "PageFault",
	AccessViolation:     "AccessViolation",
	AlignmentFault:      "AlignmentFault",
	InvalidEntry:        "InvalidEntry",
	IllegalInstruction:  "IllegalInstruction",
	DivideByZero:        "DivideByZero",
	Breakpoint:          "Breakpoint",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) && kindNames[k] != "" {
		return kindNames[k]
	}

	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// Fault is data, never an exception: every fallible core operation
// returns one as a value instead of panicking.
type Fault struct {
	Kind Kind
	PC   GuestVirt // guest PC at the time of the fault
	Addr GuestVirt // faulting address, if applicable
	Size int       // width of the access that faulted, 0 if not an access fault
}

func (f *Fault) Error() string {
	return fmt.Sprintf("%s at pc=%s addr=%s size=%d", f.Kind, f.PC, f.Addr, f.Size)
}

// New builds a Fault value. It never returns nil so callers can always
// treat a non-nil *Fault as authoritative, matching gokvm's
// sentinel-error idiom (kvm.ErrUnexpectedExitReason, kvm.ErrDebug).
func New(kind Kind, pc, faultAddr GuestVirt, size int) *Fault {
	return &Fault{Kind: kind, PC: pc, Addr: faultAddr, Size: size}
}
