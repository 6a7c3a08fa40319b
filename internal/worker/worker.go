// Package worker runs the job pipeline: lease, validate, upload to every
// credential, plan chunks, schedule analyses, merge, optionally trim, and ack.
package worker

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/zeebo/blake3"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"github.com/vidsift/vidsift/internal/config"
	"github.com/vidsift/vidsift/internal/keypool"
	"github.com/vidsift/vidsift/internal/merge"
	"github.com/vidsift/vidsift/internal/observability"
	"github.com/vidsift/vidsift/internal/plan"
	"github.com/vidsift/vidsift/internal/queue"
	"github.com/vidsift/vidsift/internal/schedule"
	"github.com/vidsift/vidsift/internal/trim"
	"github.com/vidsift/vidsift/internal/upload"
	"github.com/vidsift/vidsift/internal/validation"
)

// Percent bands for each stage of the pipeline. Progress within a stage is
// mapped into its band so the overall number is monotonic.
const (
	pctUploadStart  = 10
	pctUploadEnd    = 40
	pctPlanning     = 41
	pctAnalyzeStart = 42
	pctAnalyzeEnd   = 90
	pctMerging      = 91
	pctTrimming     = 93
	pctSending      = 95

	trimmedFileGrace = 60 * time.Second
)

// Worker processes leased jobs one at a time.
type Worker struct {
	queue    *queue.Queue
	pool     *keypool.Pool
	uploader *upload.Adapter
	sched    *schedule.Scheduler
	trimmer  trim.Trimmer // nil disables trimming
	cfg      *config.Config
	log      *observability.Logger
	metrics  *observability.Metrics
}

// New assembles a worker from the daemon's shared components.
func New(q *queue.Queue, pool *keypool.Pool, uploader *upload.Adapter, sched *schedule.Scheduler, trimmer trim.Trimmer, cfg *config.Config, log *observability.Logger, metrics *observability.Metrics) *Worker {
	if log == nil {
		log = observability.NewNopLogger()
	}
	return &Worker{
		queue:    q,
		pool:     pool,
		uploader: uploader,
		sched:    sched,
		trimmer:  trimmer,
		cfg:      cfg,
		log:      log,
		metrics:  metrics,
	}
}

// Run leases and processes jobs until the context ends.
func (w *Worker) Run(ctx context.Context) {
	for {
		job, err := w.queue.Lease(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.log.Error(err, "lease failed")
			continue
		}
		w.process(ctx, job)
	}
}

// process runs one job to a terminal ack. Acks use a fresh context so a job
// deadline cannot prevent recording the outcome. The run context carries a
// cancel trigger registered with the queue, so Cancel on an active job aborts
// uploads and generate-calls mid-flight.
func (w *Worker) process(ctx context.Context, job *queue.Job) {
	start := time.Now()
	tr := otel.Tracer("vidsiftd")
	ctx, span := tr.Start(ctx, "worker.process")
	defer span.End()

	jobCtx, cancelJob := context.WithCancelCause(ctx)
	defer cancelJob(nil)
	w.queue.RegisterCancel(job.ID, cancelJob)
	defer w.queue.UnregisterCancel(job.ID)

	runCtx, cancel := context.WithTimeout(jobCtx, w.cfg.JobDeadline)
	defer cancel()

	artifact, err := w.execute(runCtx, job)

	ackCtx, ackCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer ackCancel()

	if err != nil {
		sanitized := errors.New(w.sanitize(err.Error()))
		if errors.Is(context.Cause(runCtx), queue.ErrCancelled) {
			// Keep the sentinel intact so the queue records the job as
			// cancelled rather than failed.
			err = queue.ErrCancelled
			sanitized = queue.ErrCancelled
		}
		if ackErr := w.queue.AckFailure(ackCtx, job, sanitized, w.retriable(err)); ackErr != nil {
			w.log.Error(ackErr, "ack failure failed")
		}
		w.cleanup(job)
		return
	}

	data, err := json.Marshal(artifact)
	if err != nil {
		w.queue.AckFailure(ackCtx, job, fmt.Errorf("encode artifact: %w", err), false)
		w.cleanup(job)
		return
	}
	w.queue.Progress(ackCtx, job.ID, queue.StageSending, pctSending, -1, "delivering result")
	if ackErr := w.queue.AckSuccess(ackCtx, job, data); ackErr != nil {
		w.log.Error(ackErr, "ack success failed")
	}
	w.log.JobCompleted(job.ID, time.Since(start), artifact.ProcessingMetadata.Chunks, artifact.ProcessingMetadata.FailedChunks)
	w.cleanup(job)
}

func (w *Worker) execute(ctx context.Context, job *queue.Job) (*merge.Artifact, error) {
	started := time.Now()

	if err := validation.ValidateSubmission(job.SourcePath, job.MimeType, job.SizeBytes, w.cfg.MaxFileBytes); err != nil {
		return nil, err
	}
	if job.SizeBytes <= 0 {
		info, err := os.Stat(job.SourcePath)
		if err != nil {
			return nil, fmt.Errorf("%w: %s", validation.ErrFileMissing, job.SourcePath)
		}
		job.SizeBytes = info.Size()
	}

	checksum, err := checksumFile(job.SourcePath)
	if err != nil {
		return nil, fmt.Errorf("checksum source: %w", err)
	}

	w.queue.Progress(ctx, job.ID, queue.StageUploading, pctUploadStart, -1,
		fmt.Sprintf("uploading %s", humanize.Bytes(uint64(job.SizeBytes))))

	files, err := w.uploadAll(ctx, job)
	if err != nil {
		return nil, err
	}

	w.queue.Progress(ctx, job.ID, queue.StageProcessing, pctPlanning, -1, "planning chunks")
	chunkPlan, err := w.buildPlan(job)
	if err != nil {
		return nil, fmt.Errorf("plan chunks: %w", err)
	}

	results, err := w.sched.Run(ctx, schedule.Job{
		JobID:    job.ID,
		Plan:     chunkPlan,
		Files:    files,
		MimeType: job.MimeType,
		Model:    job.Model,
	}, func(snap schedule.Snapshot) {
		pct := pctAnalyzeStart + snap.OverallPercent*(pctAnalyzeEnd-pctAnalyzeStart)/100
		msg := fmt.Sprintf("analyzing chunk %d of %d", snap.Completed+snap.Failed, snap.Total)
		w.queue.Progress(ctx, job.ID, queue.StageAnalyzing, pct, snap.ETASeconds, msg)
	})
	if err != nil {
		return nil, fmt.Errorf("schedule chunks: %w", err)
	}

	w.queue.Progress(ctx, job.ID, queue.StageAnalyzing, pctMerging, -1, "merging chunk analyses")
	artifact, err := merge.Merge(results)
	if err != nil {
		return nil, fmt.Errorf("merge results: %w", err)
	}
	artifact.ProcessingMetadata.ModelID = job.Model
	artifact.ProcessingMetadata.SourceChecksum = checksum
	artifact.ProcessingMetadata.ProcessingSeconds = time.Since(started).Seconds()

	w.maybeTrim(ctx, job, artifact)

	return artifact, nil
}

// uploadAll streams the source to every credential in parallel. Each chunk
// analysis must reference a file uploaded under its own credential. Only the
// first credential reports byte progress; the others land in the same band.
func (w *Worker) uploadAll(ctx context.Context, job *queue.Job) (map[string]upload.FileRef, error) {
	creds := w.pool.Credentials()
	files := make(map[string]upload.FileRef, len(creds))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	for i, cred := range creds {
		cred := cred
		reportProgress := i == 0
		g.Go(func() error {
			var onProgress func(sent, total int64)
			if reportProgress {
				onProgress = func(sent, total int64) {
					w.log.UploadProgress(job.ID, cred.ID, sent, total)
					pct := pctUploadStart
					if total > 0 {
						pct += int(int64(pctUploadEnd-pctUploadStart) * sent / total)
					}
					w.queue.Progress(gctx, job.ID, queue.StageUploading, pct, -1,
						fmt.Sprintf("uploaded %s of %s", humanize.Bytes(uint64(sent)), humanize.Bytes(uint64(total))))
				}
			}

			ref, err := w.uploader.Upload(gctx, cred.Secret, job.SourcePath, job.DisplayName, job.MimeType, onProgress)
			if err != nil {
				if w.metrics != nil {
					w.metrics.UploadsTotal.WithLabelValues("failed").Inc()
				}
				return fmt.Errorf("upload via %s: %w", cred.ID, err)
			}

			waitStart := time.Now()
			if err := w.uploader.WaitReady(gctx, cred.Secret, ref.Name, job.SizeBytes); err != nil {
				if w.metrics != nil {
					w.metrics.UploadsTotal.WithLabelValues("failed").Inc()
				}
				return fmt.Errorf("wait ready via %s: %w", cred.ID, err)
			}
			if w.metrics != nil {
				w.metrics.UploadsTotal.WithLabelValues("succeeded").Inc()
				w.metrics.UploadBytesTotal.Add(float64(job.SizeBytes))
				w.metrics.UploadWaitDuration.Observe(time.Since(waitStart).Seconds())
			}

			mu.Lock()
			files[cred.ID] = ref
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return files, nil
}

// buildPlan probes the container for a real duration and falls back to the
// size heuristic. Chunking is always driven by the configured window; a file
// shorter than one window naturally yields a single chunk.
func (w *Worker) buildPlan(job *queue.Job) (plan.Plan, error) {
	durationS, err := plan.ProbeDuration(job.SourcePath)
	if err != nil {
		durationS = plan.EstimateDuration(job.SizeBytes)
	}

	targetS := float64(w.cfg.ChunkSizeMinutes) * 60
	overlapS := float64(w.cfg.ChunkOverlapSeconds)
	return plan.Build(durationS, targetS, overlapS)
}

// maybeTrim produces the trimmed rendition when the analysis identified
// essential segments. Trim failures degrade: the artifact ships without a
// trimmed file.
func (w *Worker) maybeTrim(ctx context.Context, job *queue.Job, artifact *merge.Artifact) {
	segments := artifact.ContentMetadata.MainContentTimestamps
	if w.trimmer == nil || len(segments) == 0 {
		return
	}

	w.queue.Progress(ctx, job.ID, queue.StageTrimming, pctTrimming, -1,
		fmt.Sprintf("trimming to %d segments", len(segments)))

	outPath := filepath.Join(w.cfg.TempVideoDir, job.ID+"_trimmed"+filepath.Ext(job.SourcePath))
	if err := w.trimmer.Trim(ctx, job.SourcePath, segments, outPath); err != nil {
		w.log.Error(err, "trim failed, delivering untrimmed result")
		return
	}
	job.TrimmedPath = outPath
}

// cleanup deletes the job's temp files. The trimmed rendition gets a grace
// period so a consumer can fetch it after the result event.
func (w *Worker) cleanup(job *queue.Job) {
	if strings.HasPrefix(job.SourcePath, w.cfg.TempVideoDir) {
		if err := os.Remove(job.SourcePath); err != nil && !os.IsNotExist(err) {
			w.log.Error(err, "remove source temp file failed")
		}
	}
	if trimmed := job.TrimmedPath; trimmed != "" {
		time.AfterFunc(trimmedFileGrace, func() {
			os.Remove(trimmed)
		})
	}
}

// retriable classifies a job error for the queue's retry decision. Input
// problems and terminal service rejections fail for good; infrastructure
// hiccups are worth another attempt.
func (w *Worker) retriable(err error) bool {
	switch {
	case errors.Is(err, validation.ErrUnsupportedMime),
		errors.Is(err, validation.ErrFileTooLarge),
		errors.Is(err, validation.ErrFileMissing),
		errors.Is(err, validation.ErrEmptyString):
		return false
	case errors.Is(err, upload.ErrTerminal):
		return false
	case errors.Is(err, queue.ErrCancelled):
		return false
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return false
	default:
		return true
	}
}

// sanitize scrubs credential secrets from an error message before it is
// persisted or published. Upload and analysis URLs embed the secret as a
// query parameter, and transport errors quote the URL.
func (w *Worker) sanitize(msg string) string {
	for _, secret := range w.cfg.Credentials {
		if secret != "" {
			msg = strings.ReplaceAll(msg, secret, "[redacted]")
		}
	}
	return msg
}

func checksumFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := blake3.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
