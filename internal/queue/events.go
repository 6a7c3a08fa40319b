package queue

import (
	"encoding/json"
	"time"
)

// EventKind discriminates the progress stream's message types.
type EventKind string

const (
	EventProgress EventKind = "progress"
	EventResult   EventKind = "result"
	EventError    EventKind = "error"
)

// Event is one message on a job's progress stream. Result events carry the
// final artifact; error events carry a sanitized message.
type Event struct {
	Kind       EventKind       `json:"kind"`
	JobID      string          `json:"job_id"`
	Stage      Stage           `json:"stage,omitempty"`
	Percent    int             `json:"percent"`
	Message    string          `json:"message,omitempty"`
	ETASeconds int             `json:"eta_seconds,omitempty"`
	Artifact   json.RawMessage `json:"artifact,omitempty"`
	Error      string          `json:"error,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
}
