package jobs

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/driftline/assistd/internal/eventbus"
)

// Run is the handle a function handler uses to execute durable steps. Step
// results are checkpointed per (instance, step name), so a retried or resumed
// instance replays its handler from the top and skips the steps that already
// completed. Step names must be unique within a handler.
type Run struct {
	rt         *Runtime
	ctx        context.Context
	instanceID string
	trigger    eventbus.Event
}

// Trigger returns the event that spawned this instance.
func (r *Run) Trigger() eventbus.Event {
	return r.trigger
}

// InstanceID returns the id of the running instance.
func (r *Run) InstanceID() string {
	return r.instanceID
}

// Step executes fn exactly once across all attempts of the instance and
// returns its checkpointed result. Cancellation is observed before the step
// starts, never in the middle. A step that began keeps running to the end,
// and its checkpoint is written even when the instance context has since
// been cancelled.
func (r *Run) Step(name string, fn func(ctx context.Context) (string, error)) (string, error) {
	if result, ok, err := r.rt.stepResult(r.ctx, r.instanceID, name); err != nil {
		return "", err
	} else if ok {
		return result, nil
	}
	if r.ctx.Err() != nil {
		return "", ErrCancelled
	}
	result, err := fn(context.WithoutCancel(r.ctx))
	if err != nil {
		return "", fmt.Errorf("step %q: %w", name, err)
	}
	if err := r.rt.saveStep(r.ctx, r.instanceID, name, result); err != nil {
		return "", fmt.Errorf("checkpoint step %q: %w", name, err)
	}
	return result, nil
}

// Sleep waits d once per instance. The wait is interruptible, and a retry or
// resume after the sleep has completed does not wait again.
func (r *Run) Sleep(name string, d time.Duration) error {
	if _, ok, err := r.rt.stepResult(r.ctx, r.instanceID, name); err != nil {
		return err
	} else if ok {
		return nil
	}
	if r.ctx.Err() != nil {
		return ErrCancelled
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-r.ctx.Done():
		return ErrCancelled
	case <-timer.C:
	}
	if err := r.rt.saveStep(r.ctx, r.instanceID, name, ""); err != nil {
		return fmt.Errorf("checkpoint sleep %q: %w", name, err)
	}
	return nil
}

func (rt *Runtime) stepResult(ctx context.Context, instanceID, step string) (string, bool, error) {
	var result string
	err := rt.db.QueryRowContext(context.WithoutCancel(ctx),
		`SELECT result FROM job_steps WHERE instance_id = ? AND step = ?`,
		instanceID, step).Scan(&result)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("load step %q: %w", step, err)
	}
	return result, true, nil
}

func (rt *Runtime) saveStep(ctx context.Context, instanceID, step, result string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := rt.db.ExecContext(context.WithoutCancel(ctx),
		`INSERT INTO job_steps (instance_id, step, result, completed_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (instance_id, step) DO NOTHING`,
		instanceID, step, result, now)
	return err
}
