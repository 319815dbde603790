package observability

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Metrics holds all application metrics covering the golden signals:
// latency, traffic, errors, and saturation.
type Metrics struct {
	meter metric.Meter

	// HTTP metrics
	HTTPRequestDuration metric.Float64Histogram
	HTTPRequestsTotal   metric.Int64Counter
	HTTPErrorsTotal     metric.Int64Counter

	// Message pipeline metrics
	MessagesSubmitted metric.Int64Counter
	MessagesCancelled metric.Int64Counter

	// Job runtime metrics
	JobDuration metric.Float64Histogram
	JobsTotal   metric.Int64Counter
	JobRetries  metric.Int64Counter
	JobsActive  metric.Int64UpDownCounter
}

// NewMetrics creates and registers all metrics with a Prometheus exporter.
func NewMetrics(ctx context.Context) (*Metrics, http.Handler, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, nil, err
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	meter := provider.Meter("assistd")
	m := &Metrics{meter: meter}

	m.HTTPRequestDuration, err = meter.Float64Histogram(
		"http_request_duration_seconds",
		metric.WithDescription("HTTP request latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return nil, nil, err
	}

	m.HTTPRequestsTotal, err = meter.Int64Counter(
		"http_requests_total",
		metric.WithDescription("Total number of HTTP requests"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.HTTPErrorsTotal, err = meter.Int64Counter(
		"http_errors_total",
		metric.WithDescription("Total number of HTTP errors (4xx and 5xx)"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.MessagesSubmitted, err = meter.Int64Counter(
		"messages_submitted_total",
		metric.WithDescription("Total user messages accepted by the pipeline"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.MessagesCancelled, err = meter.Int64Counter(
		"messages_cancelled_total",
		metric.WithDescription("Total in-flight assistant replies superseded by a newer message"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.JobDuration, err = meter.Float64Histogram(
		"job_duration_seconds",
		metric.WithDescription("Job instance duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300),
	)
	if err != nil {
		return nil, nil, err
	}

	m.JobsTotal, err = meter.Int64Counter(
		"jobs_total",
		metric.WithDescription("Total job instances finished, by outcome"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.JobRetries, err = meter.Int64Counter(
		"job_retries_total",
		metric.WithDescription("Total job attempt retries"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.JobsActive, err = meter.Int64UpDownCounter(
		"jobs_active",
		metric.WithDescription("Number of currently running job instances (saturation)"),
	)
	if err != nil {
		return nil, nil, err
	}

	return m, promhttp.Handler(), nil
}

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, path string, statusCode int, durationSeconds float64) {
	attrs := metric.WithAttributes(
		methodAttr(method),
		pathAttr(path),
		statusAttr(statusCode),
	)

	m.HTTPRequestDuration.Record(ctx, durationSeconds, attrs)
	m.HTTPRequestsTotal.Add(ctx, 1, attrs)

	if statusCode >= 400 {
		m.HTTPErrorsTotal.Add(ctx, 1, attrs)
	}
}

// RecordMessageSubmitted records a user message accepted by the pipeline.
func (m *Metrics) RecordMessageSubmitted(ctx context.Context, projectID string) {
	m.MessagesSubmitted.Add(ctx, 1)
}

// RecordMessageCancelled records an in-flight reply superseded by a newer
// message in the same project.
func (m *Metrics) RecordMessageCancelled(ctx context.Context, projectID string) {
	m.MessagesCancelled.Add(ctx, 1)
}

// RecordJobStarted records a job instance starting.
func (m *Metrics) RecordJobStarted(ctx context.Context, function string) {
	m.JobsActive.Add(ctx, 1, metric.WithAttributes(functionAttr(function)))
}

// RecordJobFinished records a job instance finishing with the given outcome.
func (m *Metrics) RecordJobFinished(ctx context.Context, function, outcome string, durationSeconds float64) {
	attrs := metric.WithAttributes(functionAttr(function), outcomeAttr(outcome))
	m.JobDuration.Record(ctx, durationSeconds, attrs)
	m.JobsTotal.Add(ctx, 1, attrs)
	m.JobsActive.Add(ctx, -1, metric.WithAttributes(functionAttr(function)))
}

// RecordJobRetry records a retried job attempt.
func (m *Metrics) RecordJobRetry(ctx context.Context, function string) {
	m.JobRetries.Add(ctx, 1, metric.WithAttributes(functionAttr(function)))
}
