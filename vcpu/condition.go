package vcpu

import "github.com/xvmproject/xvm/addr"

// CondKind tags a Condition variant: breakpoint/condition types are
// expressed as a sum type with recursive variants for And/Or rather
// than an inheritance hierarchy.
type CondKind uint8

const (
	CondAlways CondKind = iota
	CondAddrEq
	CondAnd
	CondOr
)

// Condition is the single hook the (out-of-scope) debugger layer gets
// on the vCPU scheduler: a recursive sum type instead of a
// breakpoint/watchpoint class hierarchy.
type Condition struct {
	Kind     CondKind
	Addr     addr.GuestVirt // CondAddrEq
	Children []*Condition   // CondAnd / CondOr
}

// Always returns a Condition that matches every PC, useful for
// single-stepping.
func Always() *Condition { return &Condition{Kind: CondAlways} }

// AddrEq returns a Condition matching exactly one guest PC.
func AddrEq(pc addr.GuestVirt) *Condition { return &Condition{Kind: CondAddrEq, Addr: pc} }

// And returns a Condition matching only when every child matches.
func And(children ...*Condition) *Condition { return &Condition{Kind: CondAnd, Children: children} }

// Or returns a Condition matching when any child matches.
func Or(children ...*Condition) *Condition { return &Condition{Kind: CondOr, Children: children} }

// Eval reports whether c matches pc.
func (c *Condition) Eval(pc addr.GuestVirt) bool {
	if c == nil {
		return false
	}

	switch c.Kind {
	case CondAlways:
		return true
	case CondAddrEq:
		return c.Addr == pc
	case CondAnd:
		for _, child := range c.Children {
			if !child.Eval(pc) {
				return false
			}
		}

		return true
	case CondOr:
		for _, child := range c.Children {
			if child.Eval(pc) {
				return true
			}
		}

		return false
	default:
		return false
	}
}
