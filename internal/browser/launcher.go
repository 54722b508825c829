package browser

import (
	"context"
)

// BackendStatus describes the rendering backend a live worker actually ended
// up with, as reported by the worker itself. A driver can advertise hardware
// acceleration and still fall back to a software rasterizer at runtime, so
// callers must inspect Accelerated rather than trust launch flags.
type BackendStatus struct {
	Renderer    string `json:"renderer"`
	Accelerated bool   `json:"accelerated"`
}

// Process is one live browser worker process.
type Process interface {
	// PID returns the OS process id, or 0 if the process never started.
	PID() int

	// Ping verifies the worker is responsive (readiness probe).
	Ping(ctx context.Context) error

	// BackendStatus queries the worker for its active rendering backend.
	BackendStatus(ctx context.Context) (BackendStatus, error)

	// Terminate asks the process to exit gracefully and waits for it,
	// escalating to a hard kill if it does not exit in time.
	Terminate(ctx context.Context) error

	// Kill force-terminates the process immediately.
	Kill() error
}

// Launcher spawns browser worker processes. Implementations must be safe for
// concurrent use; the pool controller and the capability detector both launch
// through the same instance.
type Launcher interface {
	Launch(ctx context.Context, args []string) (Process, error)
}
