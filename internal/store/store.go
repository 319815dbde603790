// Package store persists conversations and messages.
//
// Status transitions are forward-only: an assistant message moves from
// processing to exactly one terminal status and never back. Every write is
// an idempotent overwrite guarded by the current status, which is what makes
// retried job steps safe.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/driftline/assistd/internal/apperrors"
	"github.com/driftline/assistd/internal/idgen"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type Status string

const (
	StatusNone       Status = "none" // user messages, never queued for processing
	StatusProcessing Status = "processing"
	StatusCancelled  Status = "cancelled"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

func IsTerminal(status Status) bool {
	switch status {
	case StatusCancelled, StatusCompleted, StatusFailed:
		return true
	default:
		return false
	}
}

func canTransition(from, to Status) bool {
	if from == to {
		return true
	}
	switch from {
	case StatusProcessing:
		return IsTerminal(to)
	default:
		return false
	}
}

type Conversation struct {
	ID        string    `json:"id"`
	ProjectID string    `json:"project_id"`
	CreatedAt time.Time `json:"created_at"`
}

type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	ProjectID      string    `json:"project_id"`
	Role           Role      `json:"role"`
	Content        string    `json:"content"`
	Status         Status    `json:"status"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

type StatusTransitionError struct {
	MessageID string
	From      Status
	To        Status
}

func (e *StatusTransitionError) Error() string {
	return fmt.Sprintf("invalid message status transition for %s: %s -> %s", e.MessageID, e.From, e.To)
}

var ErrInvalidStatusTransition = errors.New("invalid message status transition")

func (e *StatusTransitionError) Unwrap() error {
	return ErrInvalidStatusTransition
}

// Store mediates all message and conversation persistence. Mutations require
// the privileged internal key it was constructed with; an empty key makes
// every call fail with a misconfiguration error.
type Store struct {
	db  *sql.DB
	key string
}

func New(db *sql.DB, internalKey string) *Store {
	return &Store{db: db, key: internalKey}
}

func (s *Store) authorized() error {
	if s.key == "" {
		return apperrors.Misconfigured("store credential is not configured")
	}
	return nil
}

func (s *Store) CreateConversation(ctx context.Context, projectID string) (Conversation, error) {
	if err := s.authorized(); err != nil {
		return Conversation{}, err
	}
	if projectID == "" {
		return Conversation{}, apperrors.Validation("project_id", "project_id is required")
	}
	id := idgen.Record()
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `INSERT INTO conversations (id, project_id, created_at) VALUES (?, ?, ?)`,
		id, projectID, now.Format(time.RFC3339Nano))
	if err != nil {
		return Conversation{}, fmt.Errorf("insert conversation: %w", err)
	}
	return Conversation{ID: id, ProjectID: projectID, CreatedAt: now}, nil
}

// GetConversation returns nil without error when the conversation is absent.
func (s *Store) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	if err := s.authorized(); err != nil {
		return nil, err
	}
	var conv Conversation
	var createdAtStr string
	err := s.db.QueryRowContext(ctx, `SELECT id, project_id, created_at FROM conversations WHERE id = ?`, id).
		Scan(&conv.ID, &conv.ProjectID, &createdAtStr)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load conversation: %w", err)
	}
	conv.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAtStr)
	return &conv, nil
}

func (s *Store) CreateMessage(ctx context.Context, conversationID, projectID string, role Role, content string, status Status) (Message, error) {
	if err := s.authorized(); err != nil {
		return Message{}, err
	}
	if conversationID == "" {
		return Message{}, apperrors.Validation("conversation_id", "conversation_id is required")
	}
	if role != RoleUser && role != RoleAssistant {
		return Message{}, apperrors.Validation("role", fmt.Sprintf("unknown role %q", role))
	}
	if status == "" {
		status = StatusNone
	}
	id := idgen.Record()
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (id, conversation_id, project_id, role, content, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, id, conversationID, projectID, role, content, status, now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano))
	if err != nil {
		return Message{}, fmt.Errorf("insert message: %w", err)
	}
	return Message{
		ID:             id,
		ConversationID: conversationID,
		ProjectID:      projectID,
		Role:           role,
		Content:        content,
		Status:         status,
		CreatedAt:      now,
		UpdatedAt:      now,
	}, nil
}

func (s *Store) GetMessage(ctx context.Context, id string) (*Message, error) {
	if err := s.authorized(); err != nil {
		return nil, err
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT id, conversation_id, project_id, role, content, status, created_at, updated_at
		FROM messages WHERE id = ?
	`, id)
	msg, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load message: %w", err)
	}
	return &msg, nil
}

// ProcessingMessages returns every message in the project still marked
// processing, the set the controller's cancellation sweep operates on.
func (s *Store) ProcessingMessages(ctx context.Context, projectID string) ([]Message, error) {
	if err := s.authorized(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, project_id, role, content, status, created_at, updated_at
		FROM messages WHERE project_id = ? AND status = ?
		ORDER BY created_at ASC
	`, projectID, StatusProcessing)
	if err != nil {
		return nil, fmt.Errorf("list processing messages: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return out, nil
}

func (s *Store) ListMessages(ctx context.Context, conversationID string, limit int) ([]Message, error) {
	if err := s.authorized(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, project_id, role, content, status, created_at, updated_at
		FROM messages WHERE conversation_id = ?
		ORDER BY id ASC
		LIMIT ?
	`, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return out, nil
}

// UpdateMessageStatus moves a message forward along the status machine.
// Repeating the current status is a no-op; moving a terminal status anywhere
// else returns a StatusTransitionError.
func (s *Store) UpdateMessageStatus(ctx context.Context, id string, status Status) error {
	if err := s.authorized(); err != nil {
		return err
	}
	current, err := s.currentStatus(ctx, id)
	if err != nil {
		return err
	}
	if current == status {
		return nil
	}
	if !canTransition(current, status) {
		return &StatusTransitionError{MessageID: id, From: current, To: status}
	}

	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE messages SET status = ?, updated_at = ? WHERE id = ? AND status = ?
	`, status, now.Format(time.RFC3339Nano), id, current)
	if err != nil {
		return fmt.Errorf("update message status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update message status rows affected: %w", err)
	}
	if affected == 0 {
		// Lost a race; re-check so an identical concurrent write stays idempotent.
		latest, err := s.currentStatus(ctx, id)
		if err != nil {
			return err
		}
		if latest == status {
			return nil
		}
		return &StatusTransitionError{MessageID: id, From: latest, To: status}
	}
	return nil
}

func (s *Store) UpdateMessageContent(ctx context.Context, id, content string) error {
	if err := s.authorized(); err != nil {
		return err
	}
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE messages SET content = ?, updated_at = ? WHERE id = ?
	`, content, now.Format(time.RFC3339Nano), id)
	if err != nil {
		return fmt.Errorf("update message content: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update message content rows affected: %w", err)
	}
	if affected == 0 {
		return apperrors.NotFound("message", id)
	}
	return nil
}

// SetMessageResult writes content and its terminal status in one statement so
// a message can never end up with a reply but a stale processing status.
// If the message already reached a different terminal status (for example the
// controller cancelled it while the reply was in flight) the write is
// silently skipped: the first terminal status wins.
func (s *Store) SetMessageResult(ctx context.Context, id, content string, status Status) error {
	if err := s.authorized(); err != nil {
		return err
	}
	if !IsTerminal(status) {
		return apperrors.Validation("status", fmt.Sprintf("%q is not a terminal status", status))
	}
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE messages SET content = ?, status = ?, updated_at = ?
		WHERE id = ? AND status IN (?, ?)
	`, content, status, now.Format(time.RFC3339Nano), id, StatusProcessing, status)
	if err != nil {
		return fmt.Errorf("set message result: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("set message result rows affected: %w", err)
	}
	if affected > 0 {
		return nil
	}

	current, err := s.currentStatus(ctx, id)
	if err != nil {
		return err
	}
	if IsTerminal(current) {
		return nil
	}
	return &StatusTransitionError{MessageID: id, From: current, To: status}
}

func (s *Store) currentStatus(ctx context.Context, id string) (Status, error) {
	var status Status
	err := s.db.QueryRowContext(ctx, `SELECT status FROM messages WHERE id = ?`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", apperrors.NotFound("message", id)
	}
	if err != nil {
		return "", fmt.Errorf("load message status: %w", err)
	}
	return status, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (Message, error) {
	var msg Message
	var createdAtStr, updatedAtStr string
	if err := row.Scan(&msg.ID, &msg.ConversationID, &msg.ProjectID, &msg.Role, &msg.Content, &msg.Status, &createdAtStr, &updatedAtStr); err != nil {
		return Message{}, err
	}
	msg.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAtStr)
	msg.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAtStr)
	return msg, nil
}
