package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/coder/websocket"

	"github.com/driftline/assistd/internal/apperrors"
	"github.com/driftline/assistd/internal/eventbus"
	"github.com/driftline/assistd/internal/pipeline"
)

type wsWriter interface {
	Write(ctx context.Context, msgType websocket.MessageType, data []byte) error
}

// handleStreamWS pushes pipeline events to a websocket client as they are
// published, so a UI can flip messages between processing and their terminal
// states without polling.
func (s *Server) handleStreamWS(w http.ResponseWriter, r *http.Request) {
	if s.identity(r) == "" && r.URL.Query().Get("token") != s.AuthToken {
		writeError(w, apperrors.Unauthorized())
		return
	}
	eventsParam := r.URL.Query().Get("events")
	if eventsParam == "" {
		eventsParam = pipeline.EventMessageSent + "," + pipeline.EventMessageCancel
	}
	names := splitComma(eventsParam)

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusInternalError, "closed")

	ctx := r.Context()
	if err := streamEvents(ctx, s.Bus, names, conn); err != nil {
		_ = conn.Close(websocket.StatusInternalError, "stream error")
		return
	}
	_ = conn.Close(websocket.StatusNormalClosure, "done")
}

func streamEvents(ctx context.Context, bus *eventbus.Bus, names []string, writer wsWriter) error {
	sub := bus.Subscribe(ctx, names)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-sub:
			if !ok {
				return nil
			}
			payload, err := json.Marshal(evt)
			if err != nil {
				return err
			}
			if err := writer.Write(ctx, websocket.MessageText, payload); err != nil {
				return err
			}
		}
	}
}
