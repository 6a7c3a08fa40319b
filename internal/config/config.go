package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

var ErrNoCredentials = errors.New("no analysis credentials configured")

// Config holds daemon configuration
type Config struct {
	// AnalysisBaseURL is the root of the external analysis service.
	AnalysisBaseURL string
	// Credentials is the set of opaque API keys the pool load-balances across.
	Credentials []string

	QueueURL     string
	TempVideoDir string
	AdminAddr    string

	MaxQueueSize        int
	MaxConcurrentChunks int
	PerCredCap          int
	WorkerCount         int
	MaxAttempts         int

	RateLimitCooldown time.Duration
	LeaseTimeout      time.Duration
	JobDeadline       time.Duration

	ChunkSizeMinutes    int
	ChunkOverlapSeconds int

	// AutoChunkThresholdMB is an ingress-side hint for pre-submit size
	// warnings. The worker always chunks by the configured window.
	AutoChunkThresholdMB int

	// MaxFileBytes caps the size of a single source video.
	MaxFileBytes int64
}

// DefaultConfig returns default configuration
func DefaultConfig() *Config {
	return &Config{
		AnalysisBaseURL:      "https://generativelanguage.googleapis.com",
		QueueURL:             "",
		TempVideoDir:         os.TempDir(),
		AdminAddr:            "127.0.0.1:8099",
		MaxQueueSize:         10,
		MaxConcurrentChunks:  12,
		PerCredCap:           3,
		WorkerCount:          1,
		MaxAttempts:          3,
		RateLimitCooldown:    60 * time.Second,
		LeaseTimeout:         20 * time.Minute,
		JobDeadline:          15 * time.Minute,
		ChunkSizeMinutes:     20,
		ChunkOverlapSeconds:  5,
		AutoChunkThresholdMB: 500,
		MaxFileBytes:         1 << 30, // 1 GiB
	}
}

// FromEnv loads configuration from environment variables on top of defaults.
func FromEnv() (*Config, error) {
	cfg := DefaultConfig()

	if v := os.Getenv("ANALYSIS_BASE_URL"); v != "" {
		cfg.AnalysisBaseURL = strings.TrimRight(v, "/")
	}
	if v := os.Getenv("CREDENTIALS"); v != "" {
		for _, s := range strings.Split(v, ",") {
			if s = strings.TrimSpace(s); s != "" {
				cfg.Credentials = append(cfg.Credentials, s)
			}
		}
	}
	if v := os.Getenv("QUEUE_URL"); v != "" {
		cfg.QueueURL = v
	}
	if v := os.Getenv("TEMP_VIDEO_DIR"); v != "" {
		cfg.TempVideoDir = v
	}
	if v := os.Getenv("ADMIN_ADDR"); v != "" {
		cfg.AdminAddr = v
	}

	var err error
	if cfg.MaxQueueSize, err = envInt("MAX_QUEUE_SIZE", cfg.MaxQueueSize); err != nil {
		return nil, err
	}
	if cfg.MaxConcurrentChunks, err = envInt("MAX_CONCURRENT_CHUNKS", cfg.MaxConcurrentChunks); err != nil {
		return nil, err
	}
	if cfg.PerCredCap, err = envInt("PER_CRED_CAP", cfg.PerCredCap); err != nil {
		return nil, err
	}
	if cfg.WorkerCount, err = envInt("WORKER_COUNT", cfg.WorkerCount); err != nil {
		return nil, err
	}
	if cfg.MaxAttempts, err = envInt("MAX_ATTEMPTS", cfg.MaxAttempts); err != nil {
		return nil, err
	}
	if cfg.ChunkSizeMinutes, err = envInt("CHUNK_SIZE_MINUTES", cfg.ChunkSizeMinutes); err != nil {
		return nil, err
	}
	if cfg.ChunkOverlapSeconds, err = envInt("CHUNK_OVERLAP_SECONDS", cfg.ChunkOverlapSeconds); err != nil {
		return nil, err
	}
	if cfg.AutoChunkThresholdMB, err = envInt("AUTO_CHUNK_THRESHOLD_MB", cfg.AutoChunkThresholdMB); err != nil {
		return nil, err
	}

	cooldownMS, err := envInt("RATE_LIMIT_COOLDOWN_MS", int(cfg.RateLimitCooldown/time.Millisecond))
	if err != nil {
		return nil, err
	}
	cfg.RateLimitCooldown = time.Duration(cooldownMS) * time.Millisecond

	leaseSec, err := envInt("LEASE_TIMEOUT_SECONDS", int(cfg.LeaseTimeout/time.Second))
	if err != nil {
		return nil, err
	}
	cfg.LeaseTimeout = time.Duration(leaseSec) * time.Second

	deadlineSec, err := envInt("JOB_DEADLINE_SECONDS", int(cfg.JobDeadline/time.Second))
	if err != nil {
		return nil, err
	}
	cfg.JobDeadline = time.Duration(deadlineSec) * time.Second

	return cfg, nil
}

// Validate checks the configuration is usable for serving jobs.
func (c *Config) Validate() error {
	if len(c.Credentials) == 0 {
		return ErrNoCredentials
	}
	if c.MaxQueueSize <= 0 {
		return fmt.Errorf("MAX_QUEUE_SIZE must be positive, got %d", c.MaxQueueSize)
	}
	if c.PerCredCap <= 0 {
		return fmt.Errorf("PER_CRED_CAP must be positive, got %d", c.PerCredCap)
	}
	if c.ChunkSizeMinutes <= 0 {
		return fmt.Errorf("CHUNK_SIZE_MINUTES must be positive, got %d", c.ChunkSizeMinutes)
	}
	return nil
}

func envInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s=%q: %w", key, v, err)
	}
	return n, nil
}
