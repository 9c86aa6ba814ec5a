// Package xarch is the cross-architecture translator: given a
// decoded, optimized IRBlock it chooses a translation
// strategy, validates that every op has a lowering for the requested
// host target, plans register assignment through regalloc, and lowers
// the block to a host-code payload plus the memory regions that
// payload depends on for invalidation.
//
// There is no assembler here: lowering emits a deterministic symbolic
// encoding rather than real host machine code, the same simplification
// vcpu.Vcpu.execute relies on (a cache hit re-enters the interpreter on
// the original optimized block; the lowered bytes exist for size/cost
// accounting and diagnostics). The pipeline shape below — strategy,
// validate, plan, lower, emit pipeline glue — is grounded on
// machine.Machine's debug_amd64.go disassembly/symbolic trace path:
// walk a decoded block and do something host-aware per instruction.
package xarch

import (
	"github.com/sirupsen/logrus"

	"github.com/xvmproject/xvm/addr"
	"github.com/xvmproject/xvm/ir"
	"github.com/xvmproject/xvm/regalloc"
)

// Strategy is the translation approach chosen for one block.
type Strategy uint8

const (
	// StrategyDirect lowers every op straight to host code; chosen when
	// source and target ISA match (no IR round-trip needed beyond what
	// the decoder already produced).
	StrategyDirect Strategy = iota
	// StrategyIRMediated lowers through the shared IR, the general case
	// for cross-ISA translation.
	StrategyIRMediated
	// StrategyInterpreterFallback is chosen when compatibility
	// validation finds an op with no lowering for the target; the
	// block still executes, just never via the compiled tier.
	StrategyInterpreterFallback
)

func (s Strategy) String() string {
	switch s {
	case StrategyDirect:
		return "direct"
	case StrategyIRMediated:
		return "ir-mediated"
	case StrategyInterpreterFallback:
		return "interpreter-fallback"
	default:
		return "unknown"
	}
}

// RationaleEvent records why a given Strategy was chosen, giving
// callers an observability hook into strategy selection.
type RationaleEvent struct {
	SourceISA string
	TargetISA string
	Strategy  Strategy
	Reason    string
}

// Translator holds the per-target lowering tables and emits
// RationaleEvents as it works. It has no mutable state beyond
// configuration, so one Translator is shared by every compile worker.
type Translator struct {
	targets map[string]loweringTable
	log     *logrus.Entry
}

// New builds a Translator supporting the given target ISA names. Each
// target gets the built-in lowering table for that ISA name if one is
// registered (x86-64, arm64, riscv64); unrecognized names get an empty
// table, which forces every block onto StrategyInterpreterFallback.
func New(targets ...string) *Translator {
	t := &Translator{
		targets: make(map[string]loweringTable, len(targets)),
		log:     logrus.WithField("component", "xarch"),
	}

	for _, name := range targets {
		t.targets[name] = loweringTableFor(name)
	}

	return t
}

// SelectStrategy picks a translation strategy: direct when
// source == target, otherwise IR-mediated provided the target's
// lowering table covers the block, otherwise interpreter fallback.
func (t *Translator) SelectStrategy(b *ir.Block, targetISA string) RationaleEvent {
	ev := RationaleEvent{SourceISA: b.ISA, TargetISA: targetISA}

	table, ok := t.targets[targetISA]
	if !ok {
		ev.Strategy = StrategyInterpreterFallback
		ev.Reason = "no lowering table registered for target"

		return ev
	}

	if err := table.validate(b); err != nil {
		ev.Strategy = StrategyInterpreterFallback
		ev.Reason = err.Error()

		return ev
	}

	if b.ISA == targetISA {
		ev.Strategy = StrategyDirect
		ev.Reason = "source and target ISA match"
	} else {
		ev.Strategy = StrategyIRMediated
		ev.Reason = "translating through shared IR"
	}

	return ev
}

// Compile runs the full pipeline (strategy -> validate -> plan ->
// register map -> lower) for one block, returning the lowered payload
// and the guard regions codecache should invalidate it on. Blocks
// resolving to StrategyInterpreterFallback return a nil payload and a
// non-nil *FallbackError instead of a generic error, so callers can
// distinguish "do not compile this" from an actual pipeline bug.
func (t *Translator) Compile(b *ir.Block, targetISA string, numPhysRegs int) (*CompileResult, error) {
	ev := t.SelectStrategy(b, targetISA)

	t.log.WithFields(logrus.Fields{
		"source":   ev.SourceISA,
		"target":   ev.TargetISA,
		"strategy": ev.Strategy,
		"reason":   ev.Reason,
	}).Debug("translation strategy selected")

	if ev.Strategy == StrategyInterpreterFallback {
		return nil, &FallbackError{Rationale: ev}
	}

	units := plan(b)
	assignment := regalloc.Allocate(b, numPhysRegs)

	code, regions, err := lower(b, units, assignment, t.targets[targetISA])
	if err != nil {
		return nil, err
	}

	return &CompileResult{
		Rationale:  ev,
		Units:      units,
		Assignment: assignment,
		Code:       code,
		Regions:    regions,
	}, nil
}

// FallbackError signals that a block could not be compiled and must
// keep running through the interpreter tier.
type FallbackError struct {
	Rationale RationaleEvent
}

func (e *FallbackError) Error() string {
	return "xarch: interpreter fallback for " + e.Rationale.TargetISA + ": " + e.Rationale.Reason
}

// CompileResult is everything the compiled tier needs out of one
// translation pass.
type CompileResult struct {
	Rationale  RationaleEvent
	Units      []TranslationUnit
	Assignment regalloc.Assignment
	Code       []byte
	Regions    []addr.Region
}
