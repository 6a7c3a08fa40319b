package queue

import (
	"context"
	"errors"
)

// List names shared by every store implementation. List entries are job IDs
// in insertion order (oldest first).
const (
	ListWaiting   = "queue:waiting"
	ListActive    = "queue:active"
	ListSucceeded = "queue:succeeded"
	ListFailed    = "queue:failed"
)

var (
	// ErrNotFound is returned when a job ID has no record.
	ErrNotFound = errors.New("job not found")
)

// Store is the persistence contract the queue runs on. Implementations must
// make MoveWaitingToActive atomic: concurrent workers never lease the same
// job.
type Store interface {
	SaveJob(ctx context.Context, job *Job) error
	LoadJob(ctx context.Context, id string) (*Job, error)
	DeleteJob(ctx context.Context, id string) error

	// Push appends a job ID to a list.
	Push(ctx context.Context, list, id string) error
	// PushBounded appends a job ID only while the list holds fewer than
	// max entries, atomically with the length check. It returns the new
	// length, or ErrQueueFull when the cap is already reached. max <= 0
	// means unbounded.
	PushBounded(ctx context.Context, list, id string, max int) (int, error)
	// MoveWaitingToActive atomically moves the oldest waiting ID to the
	// active list and returns it, or "" when the waiting list is empty.
	MoveWaitingToActive(ctx context.Context) (string, error)
	// Remove deletes every occurrence of id from a list.
	Remove(ctx context.Context, list, id string) error
	// List returns a list's IDs, oldest first.
	List(ctx context.Context, list string) ([]string, error)
	Len(ctx context.Context, list string) (int, error)

	// Publish emits an event on the job's progress channel.
	Publish(ctx context.Context, ev Event) error
	// Subscribe streams a job's events until cancel is called or the
	// context ends. Events published before subscribing are not replayed.
	Subscribe(ctx context.Context, jobID string) (<-chan Event, func(), error)

	Ping(ctx context.Context) error
	Close() error
}
