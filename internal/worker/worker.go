// Package worker implements the background function that produces assistant
// replies. It mirrors the submission side in internal/pipeline: triggered by
// message/sent, cancelled by a matching message/cancel, and always leaves the
// assistant message in a terminal state when it writes at all.
package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/driftline/assistd/internal/apperrors"
	"github.com/driftline/assistd/internal/eventbus"
	"github.com/driftline/assistd/internal/jobs"
	"github.com/driftline/assistd/internal/pipeline"
	"github.com/driftline/assistd/internal/store"
)

const FunctionName = "process-message"

// apology replaces the assistant message content when processing fails for
// good. Kept fixed so the failure path never depends on the failing input.
const apology = "Sorry, I ran into an error while processing your request. Please try again."

// Generator produces reply text for a user message.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// SimulatedGenerator is a canned generator used until a real model is wired
// in. The processing delay lives in the worker's timer, not here.
type SimulatedGenerator struct{}

func (SimulatedGenerator) Generate(ctx context.Context, prompt string) (string, error) {
	return "I received your message: " + prompt, nil
}

type Worker struct {
	store *store.Store
	gen   Generator
	key   string
	delay time.Duration
	log   *slog.Logger
}

// New builds a worker. delay is how long the processing timer waits before
// the generation step runs.
func New(st *store.Store, gen Generator, internalKey string, delay time.Duration, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		store: st,
		gen:   gen,
		key:   internalKey,
		delay: delay,
		log:   logger.With("component", "worker"),
	}
}

// Function returns the registration handed to the job runtime. A cancel
// event whose messageId matches the trigger's messageId pre-empts the
// instance at its next step or timer boundary.
func (w *Worker) Function() jobs.Function {
	return jobs.Function{
		Name:    FunctionName,
		Trigger: pipeline.EventMessageSent,
		CancelOn: []jobs.CancelRule{
			{Event: pipeline.EventMessageCancel, Field: "messageId"},
		},
		Handler:   w.process,
		OnFailure: w.failed,
	}
}

func (w *Worker) process(ctx context.Context, run *jobs.Run) error {
	trigger := run.Trigger()
	messageID := trigger.String("messageId")
	if messageID == "" {
		return jobs.NonRetriable(apperrors.Validation("messageId", "missing from trigger event"))
	}
	if w.key == "" {
		return jobs.NonRetriable(apperrors.Misconfigured("worker credential is not configured"))
	}

	if err := run.Sleep("wait-for-processing", w.delay); err != nil {
		return err
	}

	reply, err := run.Step("generate-reply", func(ctx context.Context) (string, error) {
		return w.gen.Generate(ctx, trigger.String("message"))
	})
	if err != nil {
		return err
	}

	// Content and the completed status land in one statement, so the
	// message can never carry a reply while still marked processing. A
	// checkpointed retry of this step is a no-op.
	_, err = run.Step("write-reply", func(ctx context.Context) (string, error) {
		return "", w.store.SetMessageResult(ctx, messageID, reply, store.StatusCompleted)
	})
	return err
}

// failed runs once after retries are exhausted or a non-retriable error. It
// never runs for cancelled instances.
func (w *Worker) failed(ctx context.Context, trigger eventbus.Event) {
	messageID := trigger.String("messageId")
	if messageID == "" {
		return
	}
	if w.key == "" {
		w.log.Error("cannot record failure, worker credential is not configured", "message", messageID)
		return
	}
	if err := w.store.SetMessageResult(ctx, messageID, apology, store.StatusFailed); err != nil {
		w.log.Error("write failure apology", "message", messageID, "error", err)
		return
	}
	w.log.Warn("assistant reply failed", "message", messageID)
}
