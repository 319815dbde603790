package api

import (
	"context"
	"net/http"
	"strings"
	"time"
)

// HTTPMetrics records per-request metrics. Satisfied by
// observability.Metrics; nil disables recording.
type HTTPMetrics interface {
	RecordHTTPRequest(ctx context.Context, method, path string, statusCode int, durationSeconds float64)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *Server) withRequestMetrics(next http.Handler) http.Handler {
	if s.Metrics == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// The websocket upgrade needs the raw ResponseWriter.
		if strings.HasPrefix(r.URL.Path, "/api/streams/") {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.Metrics.RecordHTTPRequest(r.Context(), r.Method, r.URL.Path, rec.status, time.Since(start).Seconds())
	})
}
