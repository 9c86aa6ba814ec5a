// Package jitrt implements the JIT runtime manager: a bounded priority
// compile queue, a worker pool, tier selection
// (baseline or ML-guided), async compilation and cooperative
// cancellation. It is grounded on gokvm's vmm.VMM, whose
// sync.WaitGroup-fanned-out StartVCPU/Boot loop is generalized here
// from "one goroutine per vCPU" to "one goroutine per compile worker",
// coordinated with golang.org/x/sync/errgroup instead of a bare
// WaitGroup so a worker's error or the stop signal cancels its
// siblings.
package jitrt

import (
	"time"

	"github.com/google/uuid"

	"github.com/xvmproject/xvm/addr"
	"github.com/xvmproject/xvm/hotpath"
	"github.com/xvmproject/xvm/ir"
)

// Priority orders tasks within the compile queue.
type Priority uint8

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

// Status is a CompileTask's lifecycle state.
type Status uint8

const (
	StatusPending Status = iota
	StatusCompiling
	StatusCompleted
	StatusFailed
	StatusTimeout
)

func (s Status) String() string {
	switch s {
	case StatusCompiling:
		return "compiling"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	case StatusTimeout:
		return "timeout"
	default:
		return "pending"
	}
}

// CompileTask is one unit of compilation work submitted to the
// manager.
type CompileTask struct {
	ID               uuid.UUID
	PC               addr.GuestVirt
	ISA              string
	IR               *ir.Block
	Priority         Priority
	ExecCountAtSubmit int64
	ExpectedBenefit  float64

	CreatedAt   time.Time
	StartedAt   time.Time
	CompletedAt time.Time

	status Status
	tier   hotpath.Tier
	err    error
}

// Status reports the task's current lifecycle state.
func (t *CompileTask) Status() Status { return t.status }

// Tier reports the tier the task was compiled to, valid once Status
// is StatusCompleted.
func (t *CompileTask) Tier() hotpath.Tier { return t.tier }

// Err reports the failure reason, valid once Status is StatusFailed
// or StatusTimeout.
func (t *CompileTask) Err() error { return t.err }

func newTask(pc addr.GuestVirt, isa string, block *ir.Block, pri Priority, execCount int64, benefit float64) *CompileTask {
	return &CompileTask{
		ID:                uuid.New(),
		PC:                pc,
		ISA:               isa,
		IR:                block,
		Priority:          pri,
		ExecCountAtSubmit: execCount,
		ExpectedBenefit:   benefit,
		CreatedAt:         time.Now(),
		status:            StatusPending,
	}
}
