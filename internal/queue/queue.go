package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vidsift/vidsift/internal/observability"
)

var (
	// ErrQueueFull is returned when the waiting list is at capacity.
	ErrQueueFull = errors.New("queue is full")
	// ErrTerminal is returned for operations on jobs already finished.
	ErrTerminal = errors.New("job already in a terminal state")
	// ErrCancelled is the cancellation cause delivered to a running job's
	// context; its text becomes the job's terminal error message.
	ErrCancelled = errors.New("cancelled")
)

const (
	defaultBaseRetryDelay = 5 * time.Second
	defaultMaxRetryDelay  = 5 * time.Minute
	leasePollInterval     = 250 * time.Millisecond

	keepSucceeded = 100
	succeededTTL  = 24 * time.Hour
	keepFailed    = 50
)

// Options tunes a Queue. Zero values take the documented defaults.
type Options struct {
	MaxSize        int
	MaxAttempts    int
	LeaseTimeout   time.Duration
	BaseRetryDelay time.Duration
	MaxRetryDelay  time.Duration
}

func (o *Options) fill() {
	if o.MaxSize <= 0 {
		o.MaxSize = 10
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.LeaseTimeout <= 0 {
		o.LeaseTimeout = 20 * time.Minute
	}
	if o.BaseRetryDelay <= 0 {
		o.BaseRetryDelay = defaultBaseRetryDelay
	}
	if o.MaxRetryDelay <= 0 {
		o.MaxRetryDelay = defaultMaxRetryDelay
	}
}

// Stats is the queue occupancy snapshot served by the admin surface.
type Stats struct {
	Waiting   int `json:"waiting"`
	Active    int `json:"active"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

// Queue is the durable job queue. All job state lives in the Store; the only
// in-process state is the cancel registry for jobs leased by this process.
type Queue struct {
	store   Store
	opts    Options
	log     *observability.Logger
	metrics *observability.Metrics

	cancelMu sync.Mutex
	cancels  map[string]context.CancelCauseFunc
}

// New builds a queue on the given store.
func New(store Store, opts Options, log *observability.Logger, metrics *observability.Metrics) *Queue {
	opts.fill()
	if log == nil {
		log = observability.NewNopLogger()
	}
	return &Queue{
		store:   store,
		opts:    opts,
		log:     log,
		metrics: metrics,
		cancels: make(map[string]context.CancelCauseFunc),
	}
}

// Store exposes the underlying store, for health checks and subscriptions.
func (q *Queue) Store() Store { return q.store }

// Enqueue admits a job to the waiting list and returns its 1-based queue
// position. Admission is atomic with the capacity check, so concurrent
// submitters cannot push the waiting list past MaxSize; a rejected job
// leaves no record behind.
func (q *Queue) Enqueue(ctx context.Context, job *Job) (int, error) {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	job.State = StateQueued
	job.Attempts = 0
	job.MaxAttempts = q.opts.MaxAttempts
	job.EnqueuedAt = time.Now()
	job.Progress = &Progress{Stage: StageQueued, Percent: 0, UpdatedAt: job.EnqueuedAt}

	if err := q.store.SaveJob(ctx, job); err != nil {
		return 0, fmt.Errorf("save job: %w", err)
	}
	position, err := q.store.PushBounded(ctx, ListWaiting, job.ID, q.opts.MaxSize)
	if errors.Is(err, ErrQueueFull) {
		q.store.DeleteJob(ctx, job.ID)
		if q.metrics != nil {
			q.metrics.QueueRejected.Inc()
		}
		return 0, fmt.Errorf("%w: %d jobs waiting", ErrQueueFull, q.opts.MaxSize)
	}
	if err != nil {
		q.store.DeleteJob(ctx, job.ID)
		return 0, fmt.Errorf("push waiting: %w", err)
	}
	q.log.JobEnqueued(job.ID, job.DisplayName, job.SizeBytes, position)
	if q.metrics != nil {
		q.metrics.QueueWaiting.Set(float64(position))
	}
	q.publish(ctx, Event{
		Kind:    EventProgress,
		JobID:   job.ID,
		Stage:   StageQueued,
		Percent: 0,
		Message: fmt.Sprintf("queued at position %d", position),
	})
	return position, nil
}

// Lease blocks until a job is available or the context ends. The leased job
// is moved to the active list and its attempt counter advanced. Jobs still
// inside their retry backoff are rotated back to the waiting tail.
func (q *Queue) Lease(ctx context.Context) (*Job, error) {
	for {
		id, err := q.store.MoveWaitingToActive(ctx)
		if err != nil {
			return nil, fmt.Errorf("lease: %w", err)
		}
		if id != "" {
			job, err := q.store.LoadJob(ctx, id)
			if err != nil {
				// A trimmed or deleted record; drop the dangling entry.
				q.store.Remove(ctx, ListActive, id)
				continue
			}
			if job.NotBefore.After(time.Now()) {
				q.store.Remove(ctx, ListActive, id)
				q.store.Push(ctx, ListWaiting, id)
			} else {
				job.State = StateActive
				job.Attempts++
				job.LeasedAt = time.Now()
				job.NotBefore = time.Time{}
				if err := q.store.SaveJob(ctx, job); err != nil {
					return nil, fmt.Errorf("save leased job: %w", err)
				}
				q.log.JobLeased(job.ID, job.Attempts)
				if q.metrics != nil {
					q.metrics.JobsActive.Inc()
					q.updateWaitingGauge(ctx)
				}
				return job, nil
			}
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(leasePollInterval):
		}
	}
}

// Progress persists and publishes a progress mark. Percent and stage never
// move backwards; late or duplicate updates are clamped.
func (q *Queue) Progress(ctx context.Context, jobID string, stage Stage, percent, etaSeconds int, message string) error {
	job, err := q.store.LoadJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.State.Terminal() {
		return ErrTerminal
	}

	if prev := job.Progress; prev != nil {
		if stageRank[stage] < stageRank[prev.Stage] {
			return nil
		}
		if stageRank[stage] == stageRank[prev.Stage] && percent < prev.Percent {
			percent = prev.Percent
		}
	}
	job.Progress = &Progress{
		Stage:      stage,
		Percent:    percent,
		Message:    message,
		ETASeconds: etaSeconds,
		UpdatedAt:  time.Now(),
	}
	if err := q.store.SaveJob(ctx, job); err != nil {
		return err
	}
	q.publish(ctx, Event{
		Kind:       EventProgress,
		JobID:      jobID,
		Stage:      stage,
		Percent:    percent,
		ETASeconds: etaSeconds,
		Message:    message,
	})
	return nil
}

// AckSuccess finishes a job with its artifact and publishes the result event
// followed by the completion progress mark.
func (q *Queue) AckSuccess(ctx context.Context, job *Job, artifact json.RawMessage) error {
	job.State = StateSucceeded
	job.FinishedAt = time.Now()
	job.Artifact = artifact
	job.LastError = ""
	job.Progress = &Progress{Stage: StageComplete, Percent: 100, UpdatedAt: job.FinishedAt}

	if err := q.store.SaveJob(ctx, job); err != nil {
		return fmt.Errorf("save succeeded job: %w", err)
	}
	if err := q.store.Remove(ctx, ListActive, job.ID); err != nil {
		return fmt.Errorf("remove active: %w", err)
	}
	if err := q.store.Push(ctx, ListSucceeded, job.ID); err != nil {
		return fmt.Errorf("push succeeded: %w", err)
	}

	if q.metrics != nil {
		q.metrics.JobsActive.Dec()
		q.metrics.JobsTotal.WithLabelValues("succeeded").Inc()
		q.metrics.JobDuration.Observe(job.FinishedAt.Sub(job.LeasedAt).Seconds())
	}

	q.publish(ctx, Event{Kind: EventResult, JobID: job.ID, Artifact: artifact, Percent: 100})
	q.publish(ctx, Event{Kind: EventProgress, JobID: job.ID, Stage: StageComplete, Percent: 100})

	q.trimHistory(ctx)
	return nil
}

// AckFailure records a failed attempt. Retriable failures below the attempt
// cap are re-enqueued after an exponential backoff; everything else is
// terminal.
func (q *Queue) AckFailure(ctx context.Context, job *Job, jobErr error, retriable bool) error {
	job.LastError = jobErr.Error()

	if retriable && job.Retriable() {
		delay := q.retryDelay(job.Attempts)
		job.State = StateQueued
		job.NotBefore = time.Now().Add(delay)
		if err := q.store.SaveJob(ctx, job); err != nil {
			return fmt.Errorf("save retrying job: %w", err)
		}
		// The job waits out its backoff parked in the waiting list, so a
		// restart during the window cannot strand it; Lease skips it until
		// NotBefore passes.
		if err := q.store.Push(ctx, ListWaiting, job.ID); err != nil {
			return fmt.Errorf("push waiting: %w", err)
		}
		if err := q.store.Remove(ctx, ListActive, job.ID); err != nil {
			return fmt.Errorf("remove active: %w", err)
		}
		q.log.JobFailed(job.ID, jobErr, true)
		if q.metrics != nil {
			q.metrics.JobsActive.Dec()
			q.metrics.JobRetries.Inc()
		}
		q.publish(ctx, Event{
			Kind:    EventProgress,
			JobID:   job.ID,
			Stage:   StageQueued,
			Percent: 0,
			Message: fmt.Sprintf("retrying in %s (attempt %d of %d)", delay, job.Attempts, job.MaxAttempts),
		})
		return nil
	}

	job.State = StateFailed
	if errors.Is(jobErr, ErrCancelled) {
		job.State = StateCancelled
	}
	job.FinishedAt = time.Now()
	if err := q.store.SaveJob(ctx, job); err != nil {
		return fmt.Errorf("save failed job: %w", err)
	}
	if err := q.store.Remove(ctx, ListActive, job.ID); err != nil {
		return fmt.Errorf("remove active: %w", err)
	}
	if err := q.store.Push(ctx, ListFailed, job.ID); err != nil {
		return fmt.Errorf("push failed: %w", err)
	}

	q.log.JobFailed(job.ID, jobErr, false)
	if q.metrics != nil {
		q.metrics.JobsActive.Dec()
		q.metrics.JobsTotal.WithLabelValues(string(job.State)).Inc()
	}
	q.publish(ctx, Event{Kind: EventError, JobID: job.ID, Stage: StageError, Error: job.LastError})

	q.trimHistory(ctx)
	return nil
}

// RegisterCancel associates a leased job with the cancel trigger of its run
// context, so Cancel can reach a job this process is working on.
func (q *Queue) RegisterCancel(jobID string, cancel context.CancelCauseFunc) {
	q.cancelMu.Lock()
	q.cancels[jobID] = cancel
	q.cancelMu.Unlock()
}

// UnregisterCancel drops a job's cancel trigger once its lease ends.
func (q *Queue) UnregisterCancel(jobID string) {
	q.cancelMu.Lock()
	delete(q.cancels, jobID)
	q.cancelMu.Unlock()
}

// Cancel stops a job. Waiting jobs are marked cancelled in place; active jobs
// have their run context cancelled with ErrCancelled, and the worker drives
// them to the terminal error event.
func (q *Queue) Cancel(ctx context.Context, jobID string) error {
	job, err := q.store.LoadJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.State == StateActive {
		q.cancelMu.Lock()
		cancel, ok := q.cancels[jobID]
		q.cancelMu.Unlock()
		if !ok {
			return fmt.Errorf("job %s is active on another worker process", jobID)
		}
		cancel(ErrCancelled)
		return nil
	}
	if job.State != StateQueued {
		return fmt.Errorf("job %s is %s, only queued or active jobs can be cancelled", jobID, job.State)
	}

	job.State = StateCancelled
	job.FinishedAt = time.Now()
	if err := q.store.SaveJob(ctx, job); err != nil {
		return err
	}
	if err := q.store.Remove(ctx, ListWaiting, jobID); err != nil {
		return err
	}
	if q.metrics != nil {
		q.metrics.JobsTotal.WithLabelValues("cancelled").Inc()
		q.updateWaitingGauge(ctx)
	}
	q.publish(ctx, Event{Kind: EventError, JobID: jobID, Stage: StageError, Error: "cancelled"})
	return nil
}

// WaitingEntry is one waiting job in a user's status view.
type WaitingEntry struct {
	JobID    string `json:"job_id"`
	Position int    `json:"position"`
}

// UserStatus is what a submitter sees: their active job, if any, and their
// waiting jobs with overall queue positions.
type UserStatus struct {
	Active  *Job           `json:"active_job,omitempty"`
	Waiting []WaitingEntry `json:"waiting"`
}

// StatusFor returns the queue as seen by one submitter. Positions are 1-based
// indexes into the whole waiting list, not just the submitter's share.
func (q *Queue) StatusFor(ctx context.Context, submitterID string) (UserStatus, error) {
	var st UserStatus

	waiting, err := q.store.List(ctx, ListWaiting)
	if err != nil {
		return st, err
	}
	for pos, id := range waiting {
		job, err := q.store.LoadJob(ctx, id)
		if err != nil {
			continue
		}
		if job.SubmitterID == submitterID {
			st.Waiting = append(st.Waiting, WaitingEntry{JobID: id, Position: pos + 1})
		}
	}

	active, err := q.store.List(ctx, ListActive)
	if err != nil {
		return st, err
	}
	for _, id := range active {
		job, err := q.store.LoadJob(ctx, id)
		if err != nil {
			continue
		}
		if job.SubmitterID == submitterID {
			st.Active = job
			break
		}
	}
	return st, nil
}

// Status returns a job's current record.
func (q *Queue) Status(ctx context.Context, jobID string) (*Job, error) {
	return q.store.LoadJob(ctx, jobID)
}

// Subscribe streams a job's progress events.
func (q *Queue) Subscribe(ctx context.Context, jobID string) (<-chan Event, func(), error) {
	return q.store.Subscribe(ctx, jobID)
}

// QueueStats reports list occupancy.
func (q *Queue) QueueStats(ctx context.Context) (Stats, error) {
	var st Stats
	var err error
	if st.Waiting, err = q.store.Len(ctx, ListWaiting); err != nil {
		return st, err
	}
	if st.Active, err = q.store.Len(ctx, ListActive); err != nil {
		return st, err
	}
	if st.Succeeded, err = q.store.Len(ctx, ListSucceeded); err != nil {
		return st, err
	}
	st.Failed, err = q.store.Len(ctx, ListFailed)
	return st, err
}

// StartSweeper launches the stale-lease reclaimer. Jobs whose lease outlived
// the timeout are either re-enqueued or failed, depending on attempts left.
// The returned function stops the sweeper.
func (q *Queue) StartSweeper(ctx context.Context) func() {
	interval := q.opts.LeaseTimeout / 4
	if interval > time.Minute {
		interval = time.Minute
	}
	if interval < time.Second {
		interval = time.Second
	}

	sweepCtx, cancel := context.WithCancel(ctx)
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-sweepCtx.Done():
				return
			case <-ticker.C:
				q.sweepStaleLeases(sweepCtx)
			}
		}
	}()
	return cancel
}

func (q *Queue) sweepStaleLeases(ctx context.Context) {
	ids, err := q.store.List(ctx, ListActive)
	if err != nil {
		q.log.Error(err, "sweeper could not list active jobs")
		return
	}
	now := time.Now()
	for _, id := range ids {
		job, err := q.store.LoadJob(ctx, id)
		if err != nil {
			q.store.Remove(ctx, ListActive, id)
			continue
		}
		if now.Sub(job.LeasedAt) < q.opts.LeaseTimeout {
			continue
		}

		q.log.StaleLeaseReclaimed(job.ID, job.LeasedAt)
		if job.Retriable() {
			job.State = StateQueued
			if err := q.store.SaveJob(ctx, job); err != nil {
				continue
			}
			if err := q.store.Remove(ctx, ListActive, job.ID); err != nil {
				continue
			}
			q.store.Push(ctx, ListWaiting, job.ID)
			if q.metrics != nil {
				q.metrics.JobRetries.Inc()
			}
		} else {
			q.AckFailure(ctx, job, fmt.Errorf("lease expired after %v", q.opts.LeaseTimeout), false)
		}
	}
}

// retryDelay is base * 2^(attempt-1), capped.
func (q *Queue) retryDelay(attempt int) time.Duration {
	delay := q.opts.BaseRetryDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= q.opts.MaxRetryDelay {
			return q.opts.MaxRetryDelay
		}
	}
	return delay
}

// trimHistory enforces the retention policy on the terminal lists: bounded
// counts for both, plus an age cap on successes.
func (q *Queue) trimHistory(ctx context.Context) {
	q.trimList(ctx, ListSucceeded, keepSucceeded, succeededTTL)
	q.trimList(ctx, ListFailed, keepFailed, 0)
}

func (q *Queue) trimList(ctx context.Context, list string, keep int, ttl time.Duration) {
	ids, err := q.store.List(ctx, list)
	if err != nil {
		return
	}

	// Oldest first: everything beyond the keep window goes.
	drop := map[string]bool{}
	if excess := len(ids) - keep; excess > 0 {
		for _, id := range ids[:excess] {
			drop[id] = true
		}
	}
	if ttl > 0 {
		cutoff := time.Now().Add(-ttl)
		for _, id := range ids {
			if drop[id] {
				continue
			}
			job, err := q.store.LoadJob(ctx, id)
			if err != nil {
				drop[id] = true
				continue
			}
			if job.FinishedAt.Before(cutoff) {
				drop[id] = true
			}
		}
	}

	for id := range drop {
		q.store.Remove(ctx, list, id)
		q.store.DeleteJob(ctx, id)
	}
}

func (q *Queue) updateWaitingGauge(ctx context.Context) {
	if n, err := q.store.Len(ctx, ListWaiting); err == nil {
		q.metrics.QueueWaiting.Set(float64(n))
	}
}

func (q *Queue) publish(ctx context.Context, ev Event) {
	ev.Timestamp = time.Now()
	if err := q.store.Publish(ctx, ev); err != nil {
		q.log.Error(err, "publish event failed")
	}
}
