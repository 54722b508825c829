package pool

import (
	"time"

	"github.com/hayashikawa/renderpool/internal/browser"
)

// WorkerState is the lifecycle state of one worker process.
//
//	Launching -> Verifying -> Ready <-> Busy -> Degraded -> Recycling -> Terminated
//
// Degraded is entered when the worker's individual error count crosses the
// per-worker threshold; a degraded worker is drained of in-flight work and
// then recycled rather than killed mid-operation.
type WorkerState string

const (
	StateLaunching  WorkerState = "launching"
	StateVerifying  WorkerState = "verifying"
	StateReady      WorkerState = "ready"
	StateBusy       WorkerState = "busy"
	StateDegraded   WorkerState = "degraded"
	StateRecycling  WorkerState = "recycling"
	StateTerminated WorkerState = "terminated"
)

// WorkerHandle represents one live worker process. Handles are owned
// exclusively by the pool controller; callers receive a snapshot view and
// refer to workers by ID.
type WorkerHandle struct {
	ID        string      `json:"id"`
	Service   string      `json:"service"`
	TaskClass string      `json:"task_class"`
	State     WorkerState `json:"state"`

	AccelerationEnabled bool   `json:"acceleration_enabled"`
	Rationale           string `json:"rationale"`

	LaunchedAt time.Time `json:"launched_at"`
	OpsServed  int       `json:"ops_served"`
	ErrorCount int       `json:"error_count"`

	proc            browser.Process
	busySince       time.Time
	recycleWhenIdle bool
	memoryLimitMB   int
}

// live reports whether the worker counts toward the service's concurrency.
func (w *WorkerHandle) live() bool {
	switch w.State {
	case StateRecycling, StateTerminated:
		return false
	default:
		return true
	}
}

// idle reports whether the worker can be handed out or torn down immediately.
func (w *WorkerHandle) idle() bool {
	return w.State == StateReady || w.State == StateDegraded
}

// snapshot returns a copy safe to hand outside the controller lock.
func (w *WorkerHandle) snapshot() WorkerHandle {
	return WorkerHandle{
		ID:                  w.ID,
		Service:             w.Service,
		TaskClass:           w.TaskClass,
		State:               w.State,
		AccelerationEnabled: w.AccelerationEnabled,
		Rationale:           w.Rationale,
		LaunchedAt:          w.LaunchedAt,
		OpsServed:           w.OpsServed,
		ErrorCount:          w.ErrorCount,
	}
}
