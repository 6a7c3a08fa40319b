// Package schedule drives a chunk plan through the credential pool: all chunks
// run in parallel under the pool's concurrency caps, failed chunks get one
// retry when their error class warrants it, and anything still failing is
// substituted with a placeholder so the merge step always sees a dense result
// set.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/vidsift/vidsift/internal/analysis"
	"github.com/vidsift/vidsift/internal/keypool"
	"github.com/vidsift/vidsift/internal/observability"
	"github.com/vidsift/vidsift/internal/plan"
	"github.com/vidsift/vidsift/internal/upload"
)

// TaskStatus is the lifecycle of one chunk within a run.
type TaskStatus string

const (
	StatusPending    TaskStatus = "pending"
	StatusProcessing TaskStatus = "processing"
	StatusCompleted  TaskStatus = "completed"
	StatusFailed     TaskStatus = "failed"
)

const (
	// defaultCallTimeout bounds a single generate-call. A chunk that blows
	// this deadline fails outright; it is not retried.
	defaultCallTimeout = 8 * time.Minute

	// snapshotMinInterval throttles intermediate progress snapshots.
	snapshotMinInterval = time.Second
)

// Snapshot is a point-in-time view of a run, suitable for publishing as job
// progress. OverallPercent counts whole chunks: a generate-call is one opaque
// request with no intermediate progress, so an in-flight chunk contributes
// nothing until it finishes.
type Snapshot struct {
	Total          int            `json:"total"`
	Completed      int            `json:"completed"`
	Failed         int            `json:"failed"`
	Active         int            `json:"active"`
	OverallPercent int            `json:"overall_percent"`
	ETASeconds     int            `json:"eta_seconds"` // -1 until measurable
	Pool           keypool.Status `json:"pool"`
	Statuses       []TaskStatus   `json:"statuses"`
}

// Job is one scheduling request: a chunk plan plus the per-credential file
// references produced by the upload fan-out.
type Job struct {
	JobID    string
	Plan     plan.Plan
	Files    map[string]upload.FileRef // credential ID -> uploaded file
	MimeType string
	Model    string
}

// Scheduler runs chunk plans against the analysis service.
type Scheduler struct {
	pool    *keypool.Pool
	client  *analysis.Client
	log     *observability.Logger
	metrics *observability.Metrics

	maxConcurrency int
	callTimeout    time.Duration
}

// New creates a scheduler. maxConcurrency 0 defers to the pool's cap.
func New(pool *keypool.Pool, client *analysis.Client, log *observability.Logger, metrics *observability.Metrics, maxConcurrency int) *Scheduler {
	return &Scheduler{
		pool:           pool,
		client:         client,
		log:            log,
		metrics:        metrics,
		maxConcurrency: maxConcurrency,
		callTimeout:    defaultCallTimeout,
	}
}

// SetCallTimeout overrides the per-chunk deadline, for tests.
func (s *Scheduler) SetCallTimeout(d time.Duration) {
	if d > 0 {
		s.callTimeout = d
	}
}

// runState is the mutex-guarded bookkeeping for one Run.
type runState struct {
	mu           sync.Mutex
	statuses     []TaskStatus
	results      []*analysis.ChunkResult
	active       int
	startedAt    time.Time
	lastSnapshot time.Time
}

// Run executes every chunk of the plan. The returned slice is dense and
// ordered by chunk index; failed chunks carry placeholders. On cancellation
// the partial results gathered so far are returned alongside ctx.Err().
func (s *Scheduler) Run(ctx context.Context, job Job, onSnapshot func(Snapshot)) ([]analysis.ChunkResult, error) {
	chunks := job.Plan.Chunks
	if len(chunks) == 0 {
		return nil, errors.New("empty chunk plan")
	}
	if len(job.Files) == 0 {
		return nil, errors.New("no uploaded file references")
	}

	st := &runState{
		statuses:  make([]TaskStatus, len(chunks)),
		results:   make([]*analysis.ChunkResult, len(chunks)),
		startedAt: time.Now(),
	}
	for i := range st.statuses {
		st.statuses[i] = StatusPending
	}

	firstErrs := s.runPass(ctx, job, st, indexRange(len(chunks)), onSnapshot)

	// One retry pass for chunks whose failure class is transient. Rate
	// limits already marked the credential's cooldown, so the retry lands
	// on a different credential when one is available.
	var retry []int
	for i := range chunks {
		if firstErrs[i] != nil && analysis.Retriable(firstErrs[i]) && ctx.Err() == nil {
			retry = append(retry, i)
		}
	}
	finalErrs := firstErrs
	if len(retry) > 0 {
		if s.metrics != nil {
			s.metrics.ChunkRetries.Add(float64(len(retry)))
		}
		st.mu.Lock()
		for _, i := range retry {
			st.statuses[i] = StatusPending
		}
		st.mu.Unlock()

		retryErrs := s.runPass(ctx, job, st, retry, onSnapshot)
		for _, i := range retry {
			finalErrs[i] = retryErrs[i]
		}
	}

	if err := ctx.Err(); err != nil {
		return s.partialResults(st), err
	}

	// Substitute placeholders so downstream merging sees every index.
	results := make([]analysis.ChunkResult, 0, len(chunks))
	st.mu.Lock()
	for i, c := range chunks {
		if r := st.results[i]; r != nil {
			results = append(results, *r)
			continue
		}
		reason := failureReason(finalErrs[i])
		st.statuses[i] = StatusFailed
		results = append(results, analysis.ChunkResult{
			ChunkIndex:        c.Index,
			ChunkStartOffsetS: c.StartS,
			Analysis:          analysis.Placeholder(c.StartS, c.EndS, reason),
			Failed:            true,
		})
		if s.log != nil {
			s.log.ChunkFailed(job.JobID, c.Index, finalErrs[i])
		}
		if s.metrics != nil {
			s.metrics.ChunksAnalyzedTotal.WithLabelValues("failed").Inc()
		}
	}
	st.mu.Unlock()

	s.emitSnapshot(st, onSnapshot, true)

	sort.Slice(results, func(a, b int) bool { return results[a].ChunkIndex < results[b].ChunkIndex })
	return results, nil
}

// runPass drives one batch of chunk indexes through the pool and returns a
// per-index error map (indexed like the plan, nil for untouched indexes).
func (s *Scheduler) runPass(ctx context.Context, job Job, st *runState, indexes []int, onSnapshot func(Snapshot)) []error {
	tasks := make([]keypool.Task, len(indexes))
	for pos, idx := range indexes {
		chunk := job.Plan.Chunks[idx]
		tasks[pos] = func(taskCtx context.Context, cred *keypool.Credential) error {
			return s.runChunk(taskCtx, job, st, chunk, cred, onSnapshot)
		}
	}

	passErrs := s.pool.RunWithAll(ctx, tasks, s.maxConcurrency, func(err error) bool {
		return errors.Is(err, analysis.ErrRateLimited)
	})

	errs := make([]error, len(job.Plan.Chunks))
	for pos, idx := range indexes {
		errs[idx] = passErrs[pos]
	}
	return errs
}

func (s *Scheduler) runChunk(ctx context.Context, job Job, st *runState, chunk plan.Chunk, cred *keypool.Credential, onSnapshot func(Snapshot)) error {
	tr := otel.Tracer("vidsiftd")
	ctx, span := tr.Start(ctx, "schedule.analyzeChunk")
	defer span.End()

	ref, ok := job.Files[cred.ID]
	if !ok {
		return fmt.Errorf("credential %s has no uploaded file reference", cred.ID)
	}

	st.mu.Lock()
	st.statuses[chunk.Index] = StatusProcessing
	st.active++
	st.mu.Unlock()
	s.emitSnapshot(st, onSnapshot, false)

	callCtx, cancel := context.WithTimeout(ctx, s.callTimeout)
	defer cancel()

	prompt := analysis.BuildChunkPrompt(chunk.Index, len(job.Plan.Chunks), chunk.StartS, chunk.EndS)
	started := time.Now()
	doc, err := s.client.Generate(callCtx, cred.Secret, ref.URI, job.MimeType, job.Model, prompt)
	elapsed := time.Since(started)

	st.mu.Lock()
	st.active--
	if err != nil {
		st.statuses[chunk.Index] = StatusFailed
	} else {
		st.statuses[chunk.Index] = StatusCompleted
		st.results[chunk.Index] = &analysis.ChunkResult{
			ChunkIndex:        chunk.Index,
			ChunkStartOffsetS: chunk.StartS,
			Analysis:          *doc,
		}
	}
	st.mu.Unlock()

	if err == nil {
		if s.log != nil {
			s.log.ChunkCompleted(job.JobID, chunk.Index, elapsed)
		}
		if s.metrics != nil {
			s.metrics.ChunksAnalyzedTotal.WithLabelValues("completed").Inc()
			s.metrics.ChunkDuration.Observe(elapsed.Seconds())
		}
	}
	s.emitSnapshot(st, onSnapshot, false)
	return err
}

// emitSnapshot publishes a progress snapshot, at most once per
// snapshotMinInterval unless final.
func (s *Scheduler) emitSnapshot(st *runState, onSnapshot func(Snapshot), final bool) {
	if onSnapshot == nil {
		return
	}

	st.mu.Lock()
	now := time.Now()
	if !final && now.Sub(st.lastSnapshot) < snapshotMinInterval {
		st.mu.Unlock()
		return
	}
	st.lastSnapshot = now

	snap := Snapshot{
		Total:      len(st.statuses),
		Active:     st.active,
		ETASeconds: -1,
		Statuses:   append([]TaskStatus(nil), st.statuses...),
	}
	for _, status := range st.statuses {
		switch status {
		case StatusCompleted:
			snap.Completed++
		case StatusFailed:
			snap.Failed++
		}
	}
	processed := snap.Completed + snap.Failed
	snap.OverallPercent = int(math.Round(100 * float64(processed) / float64(snap.Total)))
	if processed > 0 && processed < snap.Total {
		elapsed := now.Sub(st.startedAt).Seconds()
		snap.ETASeconds = int(elapsed * float64(snap.Total-processed) / float64(processed))
	}
	st.mu.Unlock()

	snap.Pool = s.pool.Stats()
	onSnapshot(snap)
}

// partialResults returns whatever completed before cancellation, ordered.
func (s *Scheduler) partialResults(st *runState) []analysis.ChunkResult {
	st.mu.Lock()
	defer st.mu.Unlock()

	var out []analysis.ChunkResult
	for _, r := range st.results {
		if r != nil {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ChunkIndex < out[b].ChunkIndex })
	return out
}

func indexRange(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}

// failureReason condenses a chunk error into the placeholder's reason text.
// Raw error strings never reach the artifact; they may embed response bodies.
func failureReason(err error) string {
	switch {
	case err == nil:
		return "analysis did not complete"
	case errors.Is(err, analysis.ErrRateLimited):
		return "rate limited"
	case errors.Is(err, analysis.ErrTransient):
		return "service unavailable"
	case errors.Is(err, analysis.ErrBadJSON):
		return "unparseable response"
	case errors.Is(err, analysis.ErrContextExceeded):
		return "chunk too large for model context"
	case errors.Is(err, analysis.ErrEmptyResponse):
		return "empty response"
	case errors.Is(err, context.DeadlineExceeded):
		return "analysis timed out"
	default:
		return "analysis error"
	}
}
