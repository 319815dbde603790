// Package jobs runs registered background functions in response to published
// events, with durable checkpointed steps, bounded retries, and cooperative
// cancellation matched against a second event.
package jobs

import (
	"context"
	"errors"

	"github.com/driftline/assistd/internal/eventbus"
)

// CancelRule cancels a running instance when an event named Event arrives
// whose payload Field equals the same field of the instance's trigger event.
type CancelRule struct {
	Event string
	Field string
}

// Function is a background function registration.
type Function struct {
	Name     string
	Trigger  string // event name that spawns an instance
	CancelOn []CancelRule

	// Handler is the function body. It observes cancellation only at step
	// and timer boundaries on the Run it is handed.
	Handler func(ctx context.Context, run *Run) error

	// OnFailure runs once after retries are exhausted or a non-retriable
	// error is raised. It receives the original trigger event, not the
	// step-local error, and is skipped entirely on cancellation.
	OnFailure func(ctx context.Context, trigger eventbus.Event)
}

type InstanceStatus string

const (
	StatusRunning   InstanceStatus = "running"
	StatusCompleted InstanceStatus = "completed"
	StatusFailed    InstanceStatus = "failed"
	StatusCancelled InstanceStatus = "cancelled"
)

// ErrCancelled is returned from Step and Sleep once the instance has been
// cancelled or the runtime is shutting down.
var ErrCancelled = errors.New("job instance cancelled")

// NonRetriableError stops the retry loop immediately and routes the instance
// to its failure hook.
type NonRetriableError struct {
	Err error
}

func (e *NonRetriableError) Error() string {
	return e.Err.Error()
}

func (e *NonRetriableError) Unwrap() error {
	return e.Err
}

// NonRetriable wraps an error so the runtime will not retry it.
func NonRetriable(err error) error {
	if err == nil {
		return nil
	}
	return &NonRetriableError{Err: err}
}

func IsNonRetriable(err error) bool {
	var nr *NonRetriableError
	return errors.As(err, &nr)
}

// MetricsRecorder is an optional interface for recording job metrics.
type MetricsRecorder interface {
	RecordJobStarted(ctx context.Context, function string)
	RecordJobFinished(ctx context.Context, function, outcome string, durationSeconds float64)
	RecordJobRetry(ctx context.Context, function string)
}
