// Package eventbus provides an sqlite-backed publish/subscribe event bus.
//
// Every published event is durably recorded before being fanned out to
// in-process subscribers, so the event log doubles as an audit trail for the
// message pipeline.
package eventbus

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/driftline/assistd/internal/idgen"
)

type Event struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Payload   map[string]any `json:"payload,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// String extracts a string payload field, returning "" when absent or not a
// string. Event payloads cross a JSON boundary, so typed access lives here.
func (e Event) String(field string) string {
	if e.Payload == nil {
		return ""
	}
	v, _ := e.Payload[field].(string)
	return v
}

type Bus struct {
	db *sql.DB

	mu   sync.RWMutex
	subs map[string]*subscriber
}

type subscriber struct {
	names map[string]struct{}
	ch    chan Event

	// block makes broadcast wait for the subscriber instead of dropping,
	// aborting only when ctx is done.
	block bool
	ctx   context.Context
}

func NewBus(db *sql.DB) *Bus {
	return &Bus{db: db, subs: map[string]*subscriber{}}
}

// Publish records the event and delivers it to current subscribers. The
// returned event carries the publication id callers hand back to clients.
func (b *Bus) Publish(ctx context.Context, name string, payload map[string]any) (Event, error) {
	if strings.TrimSpace(name) == "" {
		return Event{}, fmt.Errorf("event name is required")
	}

	id := idgen.New()
	createdAt := time.Now().UTC()
	payloadJSON, err := encodeJSON(payload)
	if err != nil {
		return Event{}, fmt.Errorf("encode payload: %w", err)
	}

	_, err = b.db.ExecContext(ctx, `
		INSERT INTO events (id, name, payload, created_at)
		VALUES (?, ?, ?, ?)
	`, id, name, payloadJSON, createdAt.Format(time.RFC3339Nano))
	if err != nil {
		return Event{}, fmt.Errorf("insert event: %w", err)
	}

	event := Event{
		ID:        id,
		Name:      name,
		Payload:   payload,
		CreatedAt: createdAt,
	}

	b.broadcast(event)
	return event, nil
}

// Subscribe returns a channel of events whose names are in the given set.
// The channel closes when ctx is cancelled. Slow subscribers drop events,
// which suits best-effort consumers like websocket streams.
func (b *Bus) Subscribe(ctx context.Context, names []string) <-chan Event {
	return b.subscribe(ctx, names, false)
}

// SubscribeReliable is like Subscribe, but Publish blocks until the
// subscriber accepts the event or its context is done. Consumers that turn
// events into durable work must not lose them to a full buffer.
func (b *Bus) SubscribeReliable(ctx context.Context, names []string) <-chan Event {
	return b.subscribe(ctx, names, true)
}

func (b *Bus) subscribe(ctx context.Context, names []string, block bool) <-chan Event {
	ch := make(chan Event, 64)
	nameSet := map[string]struct{}{}
	for _, n := range names {
		if n == "" {
			continue
		}
		nameSet[n] = struct{}{}
	}
	id := idgen.New()

	sub := &subscriber{names: nameSet, ch: ch, block: block, ctx: ctx}
	b.mu.Lock()
	b.subs[id] = sub
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
		close(ch)
	}()

	return ch
}

// List returns the most recent events for a name, newest first.
func (b *Bus) List(ctx context.Context, name string, limit int) ([]Event, error) {
	if strings.TrimSpace(name) == "" {
		return nil, fmt.Errorf("event name is required")
	}
	if limit <= 0 {
		limit = 50
	}

	rows, err := b.db.QueryContext(ctx, `
		SELECT id, name, payload, created_at FROM events
		WHERE name = ?
		ORDER BY created_at DESC
		LIMIT ?
	`, name, limit)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		var payloadStr sql.NullString
		var createdAtStr string
		if err := rows.Scan(&e.ID, &e.Name, &payloadStr, &createdAtStr); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.Payload = decodeJSONMap(payloadStr.String)
		e.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAtStr)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return out, nil
}

func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

func (b *Bus) broadcast(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if len(sub.names) > 0 {
			if _, ok := sub.names[event.Name]; !ok {
				continue
			}
		}
		if sub.block {
			// The cleanup goroutine only closes sub.ch after removing the
			// subscriber under the write lock, and a blocked send here gives
			// up on the same ctx that triggers cleanup, so this cannot send
			// on a closed channel or deadlock against it.
			select {
			case sub.ch <- event:
			case <-sub.ctx.Done():
			}
			continue
		}
		select {
		case sub.ch <- event:
		default:
			// Drop if subscriber is slow.
		}
	}
}

func encodeJSON(v map[string]any) (string, error) {
	if v == nil {
		return "", nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func decodeJSONMap(v string) map[string]any {
	if v == "" {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(v), &out); err != nil {
		return nil
	}
	return out
}
