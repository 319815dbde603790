// Package config loads service configuration from the environment.
package config

import (
	"bufio"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/driftline/assistd/internal/apperrors"
)

type Config struct {
	HTTPAddr string
	DataDir  string
	DBPath   string

	// AuthToken gates the public API. Empty means any bearer token is
	// accepted as a caller identity (local development).
	AuthToken string

	// InternalKey is the privileged store credential. It authorizes direct
	// message mutations and is distinct from end-user authentication.
	InternalKey string

	// ProcessingDelay is how long the worker waits before generating a
	// reply, standing in for real model latency.
	ProcessingDelay time.Duration

	// JobMaxAttempts bounds retries of a failing job instance.
	JobMaxAttempts int
}

func Load() Config {
	loadDotEnv(".env")
	dataDir := getEnv("ASSISTD_DATA_DIR", "data")
	return Config{
		HTTPAddr:        getEnv("ASSISTD_HTTP_ADDR", ":8080"),
		DataDir:         dataDir,
		DBPath:          getEnv("ASSISTD_DB_PATH", filepath.Join(dataDir, "assistd.db")),
		AuthToken:       getEnv("ASSISTD_AUTH_TOKEN", ""),
		InternalKey:     getEnv("ASSISTD_INTERNAL_KEY", ""),
		ProcessingDelay: getDurationEnv("ASSISTD_PROCESSING_DELAY", 5*time.Second),
		JobMaxAttempts:  getIntEnv("ASSISTD_JOB_MAX_ATTEMPTS", 4),
	}
}

// Validate rejects configurations the service cannot run with. A missing
// internal key is a deployment error and must surface at startup, not on the
// first request that needs it.
func (c Config) Validate() error {
	if c.InternalKey == "" {
		return apperrors.Misconfigured("ASSISTD_INTERNAL_KEY is not configured")
	}
	if c.JobMaxAttempts < 1 {
		return apperrors.Validation("ASSISTD_JOB_MAX_ATTEMPTS", "must be at least 1")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getIntEnv(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			return parsed
		}
	}
	return fallback
}

func getDurationEnv(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if parsed, err := time.ParseDuration(v); err == nil {
			return parsed
		}
	}
	return fallback
}

func loadDotEnv(path string) {
	file, err := os.Open(path)
	if err != nil {
		return
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if strings.HasPrefix(line, "export ") {
			line = strings.TrimSpace(strings.TrimPrefix(line, "export "))
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		value = strings.TrimSpace(value)
		value = strings.Trim(value, `"'`)
		if _, exists := os.LookupEnv(key); exists {
			continue
		}
		_ = os.Setenv(key, value)
	}
}
