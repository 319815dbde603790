// Package pipeline implements the request-time message orchestration: it
// validates a submission, cancels any in-flight assistant replies in the same
// project, persists the user message and the assistant placeholder, and
// publishes the event that starts background processing.
package pipeline

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/driftline/assistd/internal/apperrors"
	"github.com/driftline/assistd/internal/eventbus"
	"github.com/driftline/assistd/internal/store"
)

// Event names shared between the controller and the processing worker.
const (
	EventMessageSent   = "message/sent"
	EventMessageCancel = "message/cancel"
)

// Metrics is the subset of metric recording the controller uses.
type Metrics interface {
	RecordMessageSubmitted(ctx context.Context, projectID string)
	RecordMessageCancelled(ctx context.Context, projectID string)
}

type Controller struct {
	store   *store.Store
	bus     *eventbus.Bus
	key     string
	log     *slog.Logger
	metrics Metrics
}

// New builds a controller. metrics may be nil.
func New(st *store.Store, bus *eventbus.Bus, internalKey string, logger *slog.Logger, metrics Metrics) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		store:   st,
		bus:     bus,
		key:     internalKey,
		log:     logger.With("component", "pipeline"),
		metrics: metrics,
	}
}

type SubmitInput struct {
	// Identity is the authenticated caller, already resolved by the
	// transport layer. Empty means unauthenticated.
	Identity       string
	ConversationID string
	Content        string
}

type SubmitResult struct {
	// MessageID is the assistant placeholder the reply will land in.
	MessageID string `json:"messageId"`
	// EventID identifies the publication that triggered processing.
	EventID string `json:"eventId"`
}

// SubmitMessage runs the full submission flow. The call returns as soon as
// background processing has been triggered; the reply arrives later through
// the assistant message's mutated content.
func (c *Controller) SubmitMessage(ctx context.Context, in SubmitInput) (*SubmitResult, error) {
	if in.Identity == "" {
		return nil, apperrors.Unauthorized()
	}
	if c.key == "" {
		return nil, apperrors.Misconfigured("internal key is not configured")
	}
	if strings.TrimSpace(in.ConversationID) == "" {
		return nil, apperrors.Validation("conversationId", "is required")
	}
	if in.Content == "" {
		return nil, apperrors.Validation("message", "must not be empty")
	}

	conv, err := c.store.GetConversation(ctx, in.ConversationID)
	if err != nil {
		return nil, apperrors.Internal("load conversation", err)
	}
	if conv == nil {
		return nil, apperrors.NotFound("conversation", in.ConversationID)
	}
	projectID := conv.ProjectID

	processing, err := c.store.ProcessingMessages(ctx, projectID)
	if err != nil {
		return nil, apperrors.Internal("load processing messages", err)
	}
	if len(processing) > 0 {
		c.cancelSweep(ctx, projectID, processing)
	}

	if _, err := c.store.CreateMessage(ctx, in.ConversationID, projectID, store.RoleUser, in.Content, store.StatusNone); err != nil {
		return nil, apperrors.Internal("create user message", err)
	}

	assistant, err := c.store.CreateMessage(ctx, in.ConversationID, projectID, store.RoleAssistant, "", store.StatusProcessing)
	if err != nil {
		return nil, apperrors.Internal("create assistant message", err)
	}

	event, err := c.bus.Publish(ctx, EventMessageSent, map[string]any{
		"messageId":      assistant.ID,
		"conversationId": in.ConversationID,
		"projectId":      projectID,
		"message":        in.Content,
	})
	if err != nil {
		return nil, apperrors.Internal("publish processing event", err)
	}

	if c.metrics != nil {
		c.metrics.RecordMessageSubmitted(ctx, projectID)
	}
	c.log.Info("message submitted", "conversation", in.ConversationID, "project", projectID,
		"message", assistant.ID, "event", event.ID, "cancelled", len(processing))
	return &SubmitResult{MessageID: assistant.ID, EventID: event.ID}, nil
}

// cancelSweep publishes a cancel event for each in-flight message and marks
// it cancelled, fanning the pairs out concurrently. The sweep finishes before
// the caller creates the new messages. Per-message failures are logged rather
// than aborting the submission: delivery is at-least-once and the status
// write is idempotent, so a later sweep repairs anything missed here.
func (c *Controller) cancelSweep(ctx context.Context, projectID string, msgs []store.Message) {
	var wg sync.WaitGroup
	for _, msg := range msgs {
		wg.Add(1)
		go func(msg store.Message) {
			defer wg.Done()
			if _, err := c.bus.Publish(ctx, EventMessageCancel, map[string]any{"messageId": msg.ID}); err != nil {
				c.log.Error("publish cancel event", "message", msg.ID, "error", err)
			}
			if err := c.store.UpdateMessageStatus(ctx, msg.ID, store.StatusCancelled); err != nil {
				c.log.Error("mark message cancelled", "message", msg.ID, "error", err)
				return
			}
			if c.metrics != nil {
				c.metrics.RecordMessageCancelled(ctx, projectID)
			}
		}(msg)
	}
	wg.Wait()
}
