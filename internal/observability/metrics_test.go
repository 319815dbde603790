package observability

import (
	"context"
	"testing"
)

func TestNewMetrics(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	metrics, handler, err := NewMetrics(ctx)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	if metrics == nil {
		t.Fatal("expected metrics to be non-nil")
	}
	if handler == nil {
		t.Fatal("expected handler to be non-nil")
	}
}

func TestRecordHTTPRequest(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	metrics, _, err := NewMetrics(ctx)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	// Should not panic
	metrics.RecordHTTPRequest(ctx, "GET", "/api/health", 200, 0.001)
	metrics.RecordHTTPRequest(ctx, "POST", "/api/messages", 200, 0.050)
	metrics.RecordHTTPRequest(ctx, "GET", "/api/conversations/abc123/messages", 200, 0.010)
	metrics.RecordHTTPRequest(ctx, "POST", "/api/messages", 401, 0.001)
	metrics.RecordHTTPRequest(ctx, "POST", "/api/messages", 500, 0.001)
}

func TestRecordJobMetrics(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	metrics, _, err := NewMetrics(ctx)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	// Should not panic
	metrics.RecordJobStarted(ctx, "process-message")
	metrics.RecordJobRetry(ctx, "process-message")
	metrics.RecordJobFinished(ctx, "process-message", "completed", 5.2)
	metrics.RecordJobStarted(ctx, "process-message")
	metrics.RecordJobFinished(ctx, "process-message", "cancelled", 0.4)
	metrics.RecordMessageSubmitted(ctx, "proj-1")
	metrics.RecordMessageCancelled(ctx, "proj-1")
}

func TestNormalizePath(t *testing.T) {
	t.Parallel()
	tests := []struct {
		input    string
		expected string
	}{
		{"/api/health", "/api/health"},
		{"/metrics", "/metrics"},
		{"/api/messages", "/api/messages"},
		{"/api/conversations", "/api/conversations"},
		{"/api/conversations/01JABCDEF", "/api/conversations/{id}"},
		{"/api/conversations/01JABCDEF/messages", "/api/conversations/{id}/messages"},
	}

	for _, tt := range tests {
		result := normalizePath(tt.input)
		if result != tt.expected {
			t.Errorf("normalizePath(%q) = %q, want %q", tt.input, result, tt.expected)
		}
	}
}
