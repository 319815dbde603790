package api

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/driftline/assistd/internal/apperrors"
	"github.com/driftline/assistd/internal/eventbus"
	"github.com/driftline/assistd/internal/jobs"
	"github.com/driftline/assistd/internal/pipeline"
	"github.com/driftline/assistd/internal/store"
)

type Server struct {
	Pipeline *pipeline.Controller
	Store    *store.Store
	Bus      *eventbus.Bus
	Jobs     *jobs.Runtime

	// AuthToken, when set, is the bearer token callers must present on
	// every /api route except health.
	AuthToken string

	Metrics        HTTPMetrics
	MetricsHandler http.Handler
	StartedAt      time.Time
	Info           DiagnosticsInfo
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/health", s.handleHealth)
	mux.HandleFunc("/api/messages", s.handleMessages)
	mux.HandleFunc("/api/conversations", s.handleConversations)
	mux.HandleFunc("/api/conversations/", s.handleConversationItem)
	mux.HandleFunc("/api/events", s.handleEvents)
	mux.HandleFunc("/api/jobs", s.handleJobs)
	mux.HandleFunc("/api/streams/ws", s.handleStreamWS)
	mux.HandleFunc("/api/diagnostics", s.handleDiagnostics)
	if s.MetricsHandler != nil {
		mux.Handle("/metrics", s.MetricsHandler)
	}

	return s.withRequestMetrics(mux)
}

// identity resolves the caller from the bearer token. An empty return means
// the request is unauthenticated.
func (s *Server) identity(r *http.Request) string {
	header := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || token == "" {
		return ""
	}
	if s.AuthToken != "" && token != s.AuthToken {
		return ""
	}
	return token
}

// authorize rejects requests without a valid identity on routes that need
// one, returning the identity otherwise.
func (s *Server) authorize(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := s.identity(r)
	if id == "" {
		writeError(w, apperrors.Unauthorized())
		return "", false
	}
	return id, true
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "time": time.Now().UTC()})
}

type submitRequest struct {
	ConversationID string `json:"conversationId"`
	Message        string `json:"message"`
}

type submitResponse struct {
	Success   bool   `json:"success"`
	EventID   string `json:"eventId"`
	MessageID string `json:"messageId"`
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	var req submitRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		writeError(w, apperrors.Validation("body", err.Error()))
		return
	}
	result, err := s.Pipeline.SubmitMessage(r.Context(), pipeline.SubmitInput{
		Identity:       s.identity(r),
		ConversationID: req.ConversationID,
		Content:        req.Message,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, submitResponse{
		Success:   true,
		EventID:   result.EventID,
		MessageID: result.MessageID,
	})
}

type createConversationRequest struct {
	ProjectID string `json:"projectId"`
}

func (s *Server) handleConversations(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	if _, ok := s.authorize(w, r); !ok {
		return
	}
	var req createConversationRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		writeError(w, apperrors.Validation("body", err.Error()))
		return
	}
	if strings.TrimSpace(req.ProjectID) == "" {
		writeError(w, apperrors.Validation("projectId", "is required"))
		return
	}
	conv, err := s.Store.CreateConversation(r.Context(), req.ProjectID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, conv)
}

// handleConversationItem serves /api/conversations/{id} and
// /api/conversations/{id}/messages, the caller's read path for replies.
func (s *Server) handleConversationItem(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	if _, ok := s.authorize(w, r); !ok {
		return
	}
	path := strings.TrimPrefix(r.URL.Path, "/api/conversations/")
	segments := strings.Split(strings.Trim(path, "/"), "/")
	if len(segments) == 0 || segments[0] == "" {
		writeError(w, apperrors.NotFound("conversation", ""))
		return
	}
	id := segments[0]
	conv, err := s.Store.GetConversation(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if conv == nil {
		writeError(w, apperrors.NotFound("conversation", id))
		return
	}

	if len(segments) == 1 {
		writeJSON(w, http.StatusOK, conv)
		return
	}
	if segments[1] != "messages" {
		writeError(w, apperrors.NotFound("conversation resource", segments[1]))
		return
	}
	limit := parseInt(r.URL.Query().Get("limit"), 100)
	msgs, err := s.Store.ListMessages(r.Context(), id, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if msgs == nil {
		msgs = []store.Message{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	if _, ok := s.authorize(w, r); !ok {
		return
	}
	name := r.URL.Query().Get("name")
	if name == "" {
		writeError(w, apperrors.Validation("name", "is required"))
		return
	}
	limit := parseInt(r.URL.Query().Get("limit"), 100)
	events, err := s.Bus.List(r.Context(), name, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if events == nil {
		events = []eventbus.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	if _, ok := s.authorize(w, r); !ok {
		return
	}
	function := r.URL.Query().Get("function")
	if function == "" {
		writeError(w, apperrors.Validation("function", "is required"))
		return
	}
	limit := parseInt(r.URL.Query().Get("limit"), 50)
	instances, err := s.Jobs.Instances(r.Context(), function, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if instances == nil {
		instances = []jobs.Instance{}
	}
	writeJSON(w, http.StatusOK, instances)
}

func decodeJSON(body io.Reader, dest any) error {
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	return dec.Decode(dest)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, apperrors.HTTPStatus(err), map[string]any{"error": err.Error()})
}

func writeMethodNotAllowed(w http.ResponseWriter) {
	writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
}

func parseInt(value string, fallback int) int {
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func splitComma(value string) []string {
	parts := strings.Split(value, ",")
	var out []string
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
