package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/driftline/assistd/internal/apperrors"
	"github.com/driftline/assistd/internal/eventbus"
	"github.com/driftline/assistd/internal/store"
	"github.com/driftline/assistd/internal/testutil"
)

const testKey = "internal-test-key"

func newTestController(t *testing.T) (*Controller, *store.Store, *eventbus.Bus) {
	t.Helper()
	db, cleanup := testutil.OpenTestDB(t)
	t.Cleanup(cleanup)
	st := store.New(db, testKey)
	bus := eventbus.NewBus(db)
	logger := slog.New(slog.DiscardHandler)
	return New(st, bus, testKey, logger, nil), st, bus
}

func mustConversation(t *testing.T, st *store.Store, projectID string) store.Conversation {
	t.Helper()
	conv, err := st.CreateConversation(context.Background(), projectID)
	if err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}
	return conv
}

func TestSubmitMessageCreatesUserAndPlaceholder(t *testing.T) {
	ctrl, st, bus := newTestController(t)
	ctx := context.Background()
	conv := mustConversation(t, st, "proj-1")

	result, err := ctrl.SubmitMessage(ctx, SubmitInput{
		Identity:       "user-1",
		ConversationID: conv.ID,
		Content:        "hello",
	})
	if err != nil {
		t.Fatalf("SubmitMessage: %v", err)
	}
	if result.MessageID == "" || result.EventID == "" {
		t.Fatalf("result missing ids: %+v", result)
	}

	msgs, err := st.ListMessages(ctx, conv.ID, 0)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2", len(msgs))
	}
	user, assistant := msgs[0], msgs[1]
	if user.Role != store.RoleUser || user.Content != "hello" || user.Status != store.StatusNone {
		t.Errorf("user message = %+v", user)
	}
	if assistant.Role != store.RoleAssistant || assistant.Content != "" || assistant.Status != store.StatusProcessing {
		t.Errorf("assistant message = %+v", assistant)
	}
	if assistant.ID != result.MessageID {
		t.Errorf("returned messageId %q, want assistant id %q", result.MessageID, assistant.ID)
	}

	events, err := bus.List(ctx, EventMessageSent, 10)
	if err != nil {
		t.Fatalf("List events: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("got %d %s events, want 1", len(events), EventMessageSent)
	}
	evt := events[0]
	if evt.ID != result.EventID {
		t.Errorf("returned eventId %q, want %q", result.EventID, evt.ID)
	}
	if evt.String("messageId") != assistant.ID ||
		evt.String("conversationId") != conv.ID ||
		evt.String("projectId") != "proj-1" ||
		evt.String("message") != "hello" {
		t.Errorf("event payload = %v", evt.Payload)
	}
}

func TestSubmitMessageCancelsInFlightRepliesInProject(t *testing.T) {
	ctrl, st, bus := newTestController(t)
	ctx := context.Background()
	conv := mustConversation(t, st, "proj-1")
	otherProject := mustConversation(t, st, "proj-2")

	inflight, err := st.CreateMessage(ctx, conv.ID, "proj-1", store.RoleAssistant, "", store.StatusProcessing)
	if err != nil {
		t.Fatalf("CreateMessage: %v", err)
	}
	unrelated, err := st.CreateMessage(ctx, otherProject.ID, "proj-2", store.RoleAssistant, "", store.StatusProcessing)
	if err != nil {
		t.Fatalf("CreateMessage: %v", err)
	}

	if _, err := ctrl.SubmitMessage(ctx, SubmitInput{
		Identity:       "user-1",
		ConversationID: conv.ID,
		Content:        "newer message",
	}); err != nil {
		t.Fatalf("SubmitMessage: %v", err)
	}

	got, err := st.GetMessage(ctx, inflight.ID)
	if err != nil {
		t.Fatalf("GetMessage: %v", err)
	}
	if got.Status != store.StatusCancelled {
		t.Errorf("in-flight message status = %q, want cancelled", got.Status)
	}

	other, err := st.GetMessage(ctx, unrelated.ID)
	if err != nil {
		t.Fatalf("GetMessage: %v", err)
	}
	if other.Status != store.StatusProcessing {
		t.Errorf("other project's message status = %q, want processing", other.Status)
	}

	cancels, err := bus.List(ctx, EventMessageCancel, 10)
	if err != nil {
		t.Fatalf("List events: %v", err)
	}
	if len(cancels) != 1 {
		t.Fatalf("got %d cancel events, want 1", len(cancels))
	}
	if cancels[0].String("messageId") != inflight.ID {
		t.Errorf("cancel event payload = %v", cancels[0].Payload)
	}
}

func TestSubmitMessageCancelSweepIsIdempotent(t *testing.T) {
	ctrl, st, _ := newTestController(t)
	ctx := context.Background()
	conv := mustConversation(t, st, "proj-1")

	inflight, err := st.CreateMessage(ctx, conv.ID, "proj-1", store.RoleAssistant, "", store.StatusProcessing)
	if err != nil {
		t.Fatalf("CreateMessage: %v", err)
	}
	// Already swept by an earlier, partially delivered cancellation.
	if err := st.UpdateMessageStatus(ctx, inflight.ID, store.StatusCancelled); err != nil {
		t.Fatalf("UpdateMessageStatus: %v", err)
	}

	if _, err := ctrl.SubmitMessage(ctx, SubmitInput{
		Identity:       "user-1",
		ConversationID: conv.ID,
		Content:        "again",
	}); err != nil {
		t.Fatalf("SubmitMessage: %v", err)
	}

	got, err := st.GetMessage(ctx, inflight.ID)
	if err != nil {
		t.Fatalf("GetMessage: %v", err)
	}
	if got.Status != store.StatusCancelled {
		t.Errorf("status = %q, want cancelled", got.Status)
	}
}

func TestSubmitMessageErrors(t *testing.T) {
	tests := []struct {
		name     string
		input    func(convID string) SubmitInput
		key      string
		sentinel error
	}{
		{
			name: "no identity",
			input: func(convID string) SubmitInput {
				return SubmitInput{ConversationID: convID, Content: "hi"}
			},
			key:      testKey,
			sentinel: apperrors.ErrUnauthorized,
		},
		{
			name: "missing internal key",
			input: func(convID string) SubmitInput {
				return SubmitInput{Identity: "user-1", ConversationID: convID, Content: "hi"}
			},
			key:      "",
			sentinel: apperrors.ErrMisconfigured,
		},
		{
			name: "blank conversation id",
			input: func(string) SubmitInput {
				return SubmitInput{Identity: "user-1", ConversationID: "  ", Content: "hi"}
			},
			key:      testKey,
			sentinel: apperrors.ErrInvalidInput,
		},
		{
			name: "empty content",
			input: func(convID string) SubmitInput {
				return SubmitInput{Identity: "user-1", ConversationID: convID}
			},
			key:      testKey,
			sentinel: apperrors.ErrInvalidInput,
		},
		{
			name: "unknown conversation",
			input: func(string) SubmitInput {
				return SubmitInput{Identity: "user-1", ConversationID: "missing", Content: "hi"}
			},
			key:      testKey,
			sentinel: apperrors.ErrNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, cleanup := testutil.OpenTestDB(t)
			t.Cleanup(cleanup)
			st := store.New(db, testKey)
			bus := eventbus.NewBus(db)
			ctrl := New(st, bus, tt.key, slog.New(slog.DiscardHandler), nil)
			conv := mustConversation(t, st, "proj-1")

			_, err := ctrl.SubmitMessage(context.Background(), tt.input(conv.ID))
			if !errors.Is(err, tt.sentinel) {
				t.Fatalf("SubmitMessage error = %v, want %v", err, tt.sentinel)
			}

			// Failed submissions must leave no messages behind.
			msgs, listErr := st.ListMessages(context.Background(), conv.ID, 0)
			if listErr != nil {
				t.Fatalf("ListMessages: %v", listErr)
			}
			if len(msgs) != 0 {
				t.Errorf("found %d messages after failed submit, want 0", len(msgs))
			}
		})
	}
}
