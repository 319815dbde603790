package config

import (
	"errors"
	"testing"
	"time"

	"github.com/driftline/assistd/internal/apperrors"
)

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{
		"ASSISTD_HTTP_ADDR", "ASSISTD_DATA_DIR", "ASSISTD_DB_PATH",
		"ASSISTD_AUTH_TOKEN", "ASSISTD_INTERNAL_KEY",
		"ASSISTD_PROCESSING_DELAY", "ASSISTD_JOB_MAX_ATTEMPTS",
	} {
		t.Setenv(key, "")
	}

	cfg := Load()
	if cfg.HTTPAddr != ":8080" {
		t.Errorf("HTTPAddr = %q, want :8080", cfg.HTTPAddr)
	}
	if cfg.ProcessingDelay != 5*time.Second {
		t.Errorf("ProcessingDelay = %v, want 5s", cfg.ProcessingDelay)
	}
	if cfg.JobMaxAttempts != 4 {
		t.Errorf("JobMaxAttempts = %d, want 4", cfg.JobMaxAttempts)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("ASSISTD_HTTP_ADDR", ":9999")
	t.Setenv("ASSISTD_INTERNAL_KEY", "secret")
	t.Setenv("ASSISTD_PROCESSING_DELAY", "250ms")
	t.Setenv("ASSISTD_JOB_MAX_ATTEMPTS", "2")

	cfg := Load()
	if cfg.HTTPAddr != ":9999" {
		t.Errorf("HTTPAddr = %q, want :9999", cfg.HTTPAddr)
	}
	if cfg.InternalKey != "secret" {
		t.Errorf("InternalKey = %q, want secret", cfg.InternalKey)
	}
	if cfg.ProcessingDelay != 250*time.Millisecond {
		t.Errorf("ProcessingDelay = %v, want 250ms", cfg.ProcessingDelay)
	}
	if cfg.JobMaxAttempts != 2 {
		t.Errorf("JobMaxAttempts = %d, want 2", cfg.JobMaxAttempts)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	cfg := Config{InternalKey: "secret", JobMaxAttempts: 3}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	cfg.InternalKey = ""
	if err := cfg.Validate(); !errors.Is(err, apperrors.ErrMisconfigured) {
		t.Errorf("missing internal key: got %v, want ErrMisconfigured", err)
	}

	cfg = Config{InternalKey: "secret", JobMaxAttempts: 0}
	if err := cfg.Validate(); !errors.Is(err, apperrors.ErrInvalidInput) {
		t.Errorf("zero attempts: got %v, want ErrInvalidInput", err)
	}
}
