// Package queue is the durable job queue: a bounded waiting list, worker
// leases with stale-lease reclaim, retry with exponential backoff, and a
// progress event stream per job. Persistence is pluggable; bolt serves
// single-node deployments and redis serves shared ones.
package queue

import (
	"encoding/json"
	"time"
)

// State is a job's lifecycle state.
type State string

const (
	StateQueued    State = "queued"
	StateActive    State = "active"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// Terminal reports whether the state admits no further transitions.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed || s == StateCancelled
}

// Stage names the worker phase a job is in, published with progress events.
type Stage string

const (
	StageQueued Stage = "queued"
	// StageDownloading is published by the ingress while it fetches the
	// source video, before the job reaches this queue.
	StageDownloading Stage = "downloading"
	StageUploading   Stage = "uploading"
	StageProcessing  Stage = "processing"
	StageAnalyzing   Stage = "analyzing"
	StageTrimming    Stage = "trimming"
	StageSending     Stage = "sending"
	StageComplete    Stage = "complete"
	// StageError is terminal and exempt from the monotonicity rule.
	StageError Stage = "error"
)

// stageRank orders stages so progress cannot move backwards even when late
// events arrive out of order.
var stageRank = map[Stage]int{
	StageQueued:      0,
	StageDownloading: 1,
	StageUploading:   2,
	StageProcessing:  3,
	StageAnalyzing:   4,
	StageTrimming:    5,
	StageSending:     6,
	StageComplete:    7,
	StageError:       8,
}

// Progress is the latest progress mark persisted on a job, so clients that
// reconnect can poll state instead of replaying the event stream.
type Progress struct {
	Stage      Stage     `json:"stage"`
	Percent    int       `json:"percent"`
	Message    string    `json:"message,omitempty"`
	ETASeconds int       `json:"eta_seconds,omitempty"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Job is one video-analysis request and its full lifecycle record.
type Job struct {
	ID string `json:"id"`

	// ChatRef and ReplyRef are opaque ingress identifiers carried through
	// so result events can be routed back to where the job came from.
	ChatRef  string `json:"chat_ref,omitempty"`
	ReplyRef string `json:"reply_ref,omitempty"`

	SubmitterID    string `json:"submitter_id"`
	SubmitterLabel string `json:"submitter_label,omitempty"`

	DisplayName string `json:"display_name"`
	SourcePath  string `json:"source_path"`
	MimeType    string `json:"mime_type"`
	SizeBytes   int64  `json:"size_bytes"`
	Model       string `json:"model_id"`

	State       State `json:"state"`
	Attempts    int   `json:"attempts"`
	MaxAttempts int   `json:"max_attempts"`

	EnqueuedAt time.Time `json:"enqueued_at"`
	LeasedAt   time.Time `json:"leased_at,omitempty"`
	FinishedAt time.Time `json:"finished_at,omitempty"`

	// NotBefore holds the retry backoff deadline. A waiting job is not
	// leased before it, so the schedule survives restarts.
	NotBefore time.Time `json:"not_before,omitempty"`

	LastError string    `json:"last_error,omitempty"`
	Progress  *Progress `json:"progress,omitempty"`

	// Artifact is the final merged analysis, set on success.
	Artifact json.RawMessage `json:"artifact,omitempty"`

	// TrimmedPath points at the trimmed output video, if one was produced.
	TrimmedPath string `json:"trimmed_path,omitempty"`
}

// Retriable reports whether a failed attempt should be re-enqueued.
func (j *Job) Retriable() bool {
	return j.Attempts < j.MaxAttempts
}
