package jobs

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/driftline/assistd/internal/backoff"
	"github.com/driftline/assistd/internal/eventbus"
	"github.com/driftline/assistd/internal/idgen"
)

// Options configures a Runtime.
type Options struct {
	// MaxAttempts is the total number of handler attempts per instance,
	// including the first. Defaults to 4.
	MaxAttempts int
	Backoff     *backoff.Config
	Logger      *slog.Logger
	Metrics     MetricsRecorder
}

// Runtime subscribes to the event bus and executes registered functions.
// Instance state and step checkpoints are persisted in sqlite so that
// interrupted instances resume from their last completed step on the next
// Start.
type Runtime struct {
	db   *sql.DB
	bus  *eventbus.Bus
	opts Options
	log  *slog.Logger

	mu       sync.Mutex
	fns      map[string]Function
	triggers map[string][]string // event name -> function names
	running  map[string]*instance
	started  bool
	stop     context.CancelFunc

	wg sync.WaitGroup
}

type instance struct {
	id        string
	fn        Function
	trigger   eventbus.Event
	cancel    context.CancelFunc
	cancelled atomic.Bool
}

func NewRuntime(db *sql.DB, bus *eventbus.Bus, opts Options) *Runtime {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 4
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Runtime{
		db:       db,
		bus:      bus,
		opts:     opts,
		log:      opts.Logger.With("component", "jobs"),
		fns:      make(map[string]Function),
		triggers: make(map[string][]string),
		running:  make(map[string]*instance),
	}
}

// Register adds a function. All registrations must happen before Start.
func (rt *Runtime) Register(fn Function) error {
	if fn.Name == "" || fn.Trigger == "" || fn.Handler == nil {
		return fmt.Errorf("jobs: function needs a name, a trigger, and a handler")
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.started {
		return fmt.Errorf("jobs: cannot register %q after Start", fn.Name)
	}
	if _, ok := rt.fns[fn.Name]; ok {
		return fmt.Errorf("jobs: function %q already registered", fn.Name)
	}
	rt.fns[fn.Name] = fn
	rt.triggers[fn.Trigger] = append(rt.triggers[fn.Trigger], fn.Name)
	return nil
}

// Start resumes any instances left running by a previous process, then
// subscribes to all trigger and cancel events and dispatches until Close.
func (rt *Runtime) Start(ctx context.Context) error {
	rt.mu.Lock()
	if rt.started {
		rt.mu.Unlock()
		return fmt.Errorf("jobs: runtime already started")
	}
	rt.started = true
	runCtx, stop := context.WithCancel(ctx)
	rt.stop = stop

	names := make(map[string]struct{})
	for _, fn := range rt.fns {
		names[fn.Trigger] = struct{}{}
		for _, rule := range fn.CancelOn {
			names[rule.Event] = struct{}{}
		}
	}
	subscribe := make([]string, 0, len(names))
	for name := range names {
		subscribe = append(subscribe, name)
	}
	rt.mu.Unlock()

	if err := rt.resume(runCtx); err != nil {
		stop()
		return fmt.Errorf("resume instances: %w", err)
	}

	// Triggers become durable work, so the runtime's subscription must not
	// drop events the way best-effort subscribers do.
	events := rt.bus.SubscribeReliable(runCtx, subscribe)
	rt.wg.Add(1)
	go func() {
		defer rt.wg.Done()
		for evt := range events {
			rt.dispatch(runCtx, evt)
		}
	}()
	return nil
}

// Close stops dispatching and waits for in-flight instances to reach their
// next suspension point, or for ctx to expire. Instances interrupted by
// shutdown keep status running and resume on the next Start.
func (rt *Runtime) Close(ctx context.Context) error {
	rt.mu.Lock()
	stop := rt.stop
	rt.mu.Unlock()
	if stop != nil {
		stop()
	}
	done := make(chan struct{})
	go func() {
		rt.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (rt *Runtime) dispatch(ctx context.Context, evt eventbus.Event) {
	rt.mu.Lock()
	names := rt.triggers[evt.Name]
	fns := make([]Function, 0, len(names))
	for _, name := range names {
		fns = append(fns, rt.fns[name])
	}
	rt.mu.Unlock()

	for _, fn := range fns {
		rt.spawn(ctx, fn, evt)
	}
	rt.matchCancel(evt)
}

func (rt *Runtime) spawn(ctx context.Context, fn Function, evt eventbus.Event) {
	id := idgen.New()
	payload, err := json.Marshal(evt.Payload)
	if err != nil {
		rt.log.Error("marshal trigger payload", "function", fn.Name, "error", err)
		return
	}
	if err := rt.insertInstance(ctx, id, fn.Name, evt.ID, string(payload)); err != nil {
		rt.log.Error("insert job instance", "function", fn.Name, "event", evt.ID, "error", err)
		return
	}
	rt.launch(ctx, &instance{id: id, fn: fn, trigger: evt}, 1)
}

// spawnInsertAttempts bounds how often spawn retries a failed instance
// insert. Losing the insert loses the trigger for good, since nothing
// replays the event to the runtime afterwards.
const spawnInsertAttempts = 5

func (rt *Runtime) insertInstance(ctx context.Context, id, function, eventID, payload string) error {
	var lastErr error
	for attempt := 1; attempt <= spawnInsertAttempts; attempt++ {
		now := time.Now().UTC().Format(time.RFC3339Nano)
		_, err := rt.db.ExecContext(ctx,
			`INSERT INTO job_instances (id, function, trigger_event_id, payload, status, attempts, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, 0, ?, ?)`,
			id, function, eventID, payload, StatusRunning, now, now)
		if err == nil {
			return nil
		}
		lastErr = err
		if attempt == spawnInsertAttempts {
			break
		}
		delay := backoff.Exponential(attempt, rt.opts.Backoff)
		rt.log.Warn("insert job instance failed, retrying", "function", function, "attempt", attempt, "delay", delay, "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return lastErr
}

// resume restarts instances whose process died mid-flight. Completed steps
// are skipped through their checkpoints.
func (rt *Runtime) resume(ctx context.Context) error {
	rows, err := rt.db.QueryContext(ctx,
		`SELECT id, function, trigger_event_id, payload, attempts, created_at
		 FROM job_instances WHERE status = ? ORDER BY created_at ASC`,
		StatusRunning)
	if err != nil {
		return err
	}
	defer rows.Close()

	type pending struct {
		inst    *instance
		attempt int
	}
	var resumed []pending
	for rows.Next() {
		var id, function, eventID, payload, createdAt string
		var attempts int
		if err := rows.Scan(&id, &function, &eventID, &payload, &attempts, &createdAt); err != nil {
			return err
		}
		rt.mu.Lock()
		fn, ok := rt.fns[function]
		rt.mu.Unlock()
		if !ok {
			rt.log.Warn("skipping instance of unregistered function", "instance", id, "function", function)
			continue
		}
		var fields map[string]any
		if err := json.Unmarshal([]byte(payload), &fields); err != nil {
			rt.log.Error("decode instance payload", "instance", id, "error", err)
			continue
		}
		created, _ := time.Parse(time.RFC3339Nano, createdAt)
		evt := eventbus.Event{ID: eventID, Name: fn.Trigger, Payload: fields, CreatedAt: created}
		if attempts < 1 {
			attempts = 1
		}
		resumed = append(resumed, pending{inst: &instance{id: id, fn: fn, trigger: evt}, attempt: attempts})
	}
	if err := rows.Err(); err != nil {
		return err
	}
	for _, p := range resumed {
		rt.log.Info("resuming interrupted instance", "instance", p.inst.id, "function", p.inst.fn.Name)
		rt.launch(ctx, p.inst, p.attempt)
	}
	return nil
}

func (rt *Runtime) launch(ctx context.Context, inst *instance, firstAttempt int) {
	instCtx, cancel := context.WithCancel(ctx)
	inst.cancel = cancel
	rt.mu.Lock()
	rt.running[inst.id] = inst
	rt.mu.Unlock()
	rt.wg.Add(1)
	go rt.execute(instCtx, inst, firstAttempt)
}

func (rt *Runtime) execute(ctx context.Context, inst *instance, firstAttempt int) {
	defer rt.wg.Done()
	defer func() {
		rt.mu.Lock()
		delete(rt.running, inst.id)
		rt.mu.Unlock()
		inst.cancel()
	}()

	start := time.Now()
	if rt.opts.Metrics != nil {
		rt.opts.Metrics.RecordJobStarted(ctx, inst.fn.Name)
	}
	outcome := rt.attempts(ctx, inst, firstAttempt)
	if rt.opts.Metrics != nil {
		rt.opts.Metrics.RecordJobFinished(context.WithoutCancel(ctx), inst.fn.Name, string(outcome), time.Since(start).Seconds())
	}
}

func (rt *Runtime) attempts(ctx context.Context, inst *instance, firstAttempt int) InstanceStatus {
	var lastErr error
	for attempt := firstAttempt; attempt <= rt.opts.MaxAttempts; attempt++ {
		rt.setAttempts(ctx, inst.id, attempt)
		run := &Run{rt: rt, ctx: ctx, instanceID: inst.id, trigger: inst.trigger}
		err := rt.safeHandle(ctx, inst.fn, run)
		if err == nil {
			rt.setStatus(ctx, inst.id, StatusCompleted)
			rt.log.Info("instance completed", "instance", inst.id, "function", inst.fn.Name, "attempts", attempt)
			return StatusCompleted
		}
		if interrupted, outcome := rt.interrupted(ctx, inst, err); interrupted {
			return outcome
		}
		lastErr = err
		if IsNonRetriable(err) {
			rt.log.Warn("instance raised non-retriable error", "instance", inst.id, "function", inst.fn.Name, "error", err)
			break
		}
		if attempt == rt.opts.MaxAttempts {
			break
		}
		if rt.opts.Metrics != nil {
			rt.opts.Metrics.RecordJobRetry(ctx, inst.fn.Name)
		}
		delay := backoff.Exponential(attempt, rt.opts.Backoff)
		rt.log.Warn("attempt failed, retrying", "instance", inst.id, "function", inst.fn.Name, "attempt", attempt, "delay", delay, "error", err)
		select {
		case <-ctx.Done():
			if interrupted, outcome := rt.interrupted(ctx, inst, ErrCancelled); interrupted {
				return outcome
			}
		case <-time.After(delay):
		}
	}

	rt.setStatus(ctx, inst.id, StatusFailed)
	rt.log.Error("instance failed", "instance", inst.id, "function", inst.fn.Name, "error", lastErr)
	if inst.fn.OnFailure != nil {
		rt.safeHook(context.WithoutCancel(ctx), inst.fn, inst.trigger)
	}
	return StatusFailed
}

// interrupted reports whether the attempt loop should stop because the
// instance context was cancelled, and with which outcome. A matched cancel
// event writes the cancelled status; a runtime shutdown leaves the row
// running so it resumes later. Failure hooks never run in either case.
func (rt *Runtime) interrupted(ctx context.Context, inst *instance, err error) (bool, InstanceStatus) {
	if ctx.Err() == nil && !errors.Is(err, ErrCancelled) {
		return false, ""
	}
	if inst.cancelled.Load() {
		rt.setStatus(ctx, inst.id, StatusCancelled)
		rt.log.Info("instance cancelled", "instance", inst.id, "function", inst.fn.Name)
		return true, StatusCancelled
	}
	rt.log.Info("instance interrupted by shutdown", "instance", inst.id, "function", inst.fn.Name)
	return true, StatusRunning
}

func (rt *Runtime) safeHandle(ctx context.Context, fn Function, run *Run) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return fn.Handler(ctx, run)
}

func (rt *Runtime) safeHook(ctx context.Context, fn Function, trigger eventbus.Event) {
	defer func() {
		if r := recover(); r != nil {
			rt.log.Error("failure hook panic", "function", fn.Name, "panic", r)
		}
	}()
	fn.OnFailure(ctx, trigger)
}

// matchCancel compares the cancel event's rule field against the same field
// of each running instance's trigger event. Events that match nothing are a
// no-op, so cancellation delivery can safely be at-least-once.
func (rt *Runtime) matchCancel(evt eventbus.Event) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	for _, inst := range rt.running {
		for _, rule := range inst.fn.CancelOn {
			if rule.Event != evt.Name {
				continue
			}
			want := evt.String(rule.Field)
			if want == "" || inst.trigger.String(rule.Field) != want {
				continue
			}
			if inst.cancelled.CompareAndSwap(false, true) {
				rt.log.Info("cancelling instance", "instance", inst.id, "function", inst.fn.Name, rule.Field, want)
				inst.cancel()
			}
		}
	}
}

func (rt *Runtime) setStatus(ctx context.Context, id string, status InstanceStatus) {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := rt.db.ExecContext(context.WithoutCancel(ctx),
		`UPDATE job_instances SET status = ?, updated_at = ? WHERE id = ?`, status, now, id)
	if err != nil {
		rt.log.Error("update instance status", "instance", id, "status", status, "error", err)
	}
}

func (rt *Runtime) setAttempts(ctx context.Context, id string, attempts int) {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := rt.db.ExecContext(context.WithoutCancel(ctx),
		`UPDATE job_instances SET attempts = ?, updated_at = ? WHERE id = ?`, attempts, now, id)
	if err != nil {
		rt.log.Error("update instance attempts", "instance", id, "error", err)
	}
}

// Instance is a persisted view of a job instance.
type Instance struct {
	ID             string
	Function       string
	TriggerEventID string
	Payload        map[string]any
	Status         InstanceStatus
	Attempts       int
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Instance returns one instance by id, or nil when it does not exist.
func (rt *Runtime) Instance(ctx context.Context, id string) (*Instance, error) {
	row := rt.db.QueryRowContext(ctx,
		`SELECT id, function, trigger_event_id, payload, status, attempts, created_at, updated_at
		 FROM job_instances WHERE id = ?`, id)
	inst, err := scanInstance(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return inst, err
}

// Instances lists instances for one function, newest first.
func (rt *Runtime) Instances(ctx context.Context, function string, limit int) ([]Instance, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := rt.db.QueryContext(ctx,
		`SELECT id, function, trigger_event_id, payload, status, attempts, created_at, updated_at
		 FROM job_instances WHERE function = ? ORDER BY created_at DESC LIMIT ?`, function, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Instance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *inst)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInstance(row rowScanner) (*Instance, error) {
	var inst Instance
	var payload, createdAt, updatedAt string
	if err := row.Scan(&inst.ID, &inst.Function, &inst.TriggerEventID, &payload,
		&inst.Status, &inst.Attempts, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(payload), &inst.Payload); err != nil {
		return nil, fmt.Errorf("decode instance payload: %w", err)
	}
	inst.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	inst.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return &inst, nil
}
