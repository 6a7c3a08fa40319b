package observability

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger wraps zerolog for structured logging.
type Logger struct {
	logger zerolog.Logger
}

// NewLogger creates a new structured logger.
func NewLogger(service, version string, output io.Writer) *Logger {
	if output == nil {
		output = os.Stdout
	}

	zerolog.TimeFieldFormat = time.RFC3339

	logger := zerolog.New(output).With().
		Timestamp().
		Str("service", service).
		Str("version", version).
		Str("host", getHostname()).
		Logger()

	return &Logger{
		logger: logger,
	}
}

// NewNopLogger returns a logger that discards everything. Used in tests.
func NewNopLogger() *Logger {
	return &Logger{logger: zerolog.Nop()}
}

// WithJob adds job_id context to logger.
func (l *Logger) WithJob(jobID string) *Logger {
	return &Logger{
		logger: l.logger.With().Str("job_id", jobID).Logger(),
	}
}

// WithChunk adds chunk_index context to logger.
func (l *Logger) WithChunk(index int) *Logger {
	return &Logger{
		logger: l.logger.With().Int("chunk_index", index).Logger(),
	}
}

// WithCredential adds the credential id (never the secret) to logger context.
func (l *Logger) WithCredential(credID string) *Logger {
	return &Logger{
		logger: l.logger.With().Str("credential_id", credID).Logger(),
	}
}

// Debug logs a debug message.
func (l *Logger) Debug(msg string) {
	l.logger.Debug().Msg(msg)
}

// Info logs an info message.
func (l *Logger) Info(msg string) {
	l.logger.Info().Msg(msg)
}

// Warn logs a warning message.
func (l *Logger) Warn(msg string) {
	l.logger.Warn().Msg(msg)
}

// Error logs an error message.
func (l *Logger) Error(err error, msg string) {
	l.logger.Error().Err(err).Msg(msg)
}

// Fatal logs a fatal message and exits.
func (l *Logger) Fatal(err error, msg string) {
	l.logger.Fatal().Err(err).Msg(msg)
}

// JobEnqueued logs a job entering the waiting list.
func (l *Logger) JobEnqueued(jobID, displayName string, sizeBytes int64, position int) {
	l.logger.Info().
		Str("job_id", jobID).
		Str("display_name", displayName).
		Int64("size_bytes", sizeBytes).
		Int("queue_position", position).
		Msg("job enqueued")
}

// JobLeased logs a worker claiming a job.
func (l *Logger) JobLeased(jobID string, attempt int) {
	l.logger.Info().
		Str("job_id", jobID).
		Int("attempt", attempt).
		Msg("job leased by worker")
}

// JobCompleted logs a terminal success.
func (l *Logger) JobCompleted(jobID string, duration time.Duration, chunks, failedChunks int) {
	l.logger.Info().
		Str("job_id", jobID).
		Float64("duration_seconds", duration.Seconds()).
		Int("chunks", chunks).
		Int("failed_chunks", failedChunks).
		Msg("job completed")
}

// JobFailed logs a terminal failure.
func (l *Logger) JobFailed(jobID string, err error, retriable bool) {
	l.logger.Error().
		Str("job_id", jobID).
		Err(err).
		Bool("retriable", retriable).
		Msg("job failed")
}

// UploadProgress logs resumable upload advancement.
func (l *Logger) UploadProgress(jobID, credID string, sentBytes, totalBytes int64) {
	l.logger.Debug().
		Str("job_id", jobID).
		Str("credential_id", credID).
		Int64("sent_bytes", sentBytes).
		Int64("total_bytes", totalBytes).
		Msg("upload progress")
}

// ChunkCompleted logs a finished chunk analysis.
func (l *Logger) ChunkCompleted(jobID string, chunkIndex int, elapsed time.Duration) {
	l.logger.Info().
		Str("job_id", jobID).
		Int("chunk_index", chunkIndex).
		Float64("elapsed_seconds", elapsed.Seconds()).
		Msg("chunk analysis completed")
}

// ChunkFailed logs a chunk that exhausted its retries.
func (l *Logger) ChunkFailed(jobID string, chunkIndex int, err error) {
	l.logger.Error().
		Str("job_id", jobID).
		Int("chunk_index", chunkIndex).
		Err(err).
		Msg("chunk analysis failed, substituting placeholder")
}

// CredentialCooldown logs a credential entering rate-limit cooldown.
func (l *Logger) CredentialCooldown(credID string, until time.Time) {
	l.logger.Warn().
		Str("credential_id", credID).
		Time("cooldown_until", until).
		Msg("credential rate limited, cooling down")
}

// StaleLeaseReclaimed logs the sweeper returning a job to the waiting list.
func (l *Logger) StaleLeaseReclaimed(jobID string, leasedAt time.Time) {
	l.logger.Warn().
		Str("job_id", jobID).
		Time("leased_at", leasedAt).
		Msg("stale lease reclaimed, job returned to queue")
}

// Helper function to get hostname.
func getHostname() string {
	hostname, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return hostname
}
