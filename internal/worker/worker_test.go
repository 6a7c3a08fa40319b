package worker

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/vidsift/vidsift/internal/analysis"
	"github.com/vidsift/vidsift/internal/config"
	"github.com/vidsift/vidsift/internal/keypool"
	"github.com/vidsift/vidsift/internal/merge"
	"github.com/vidsift/vidsift/internal/observability"
	"github.com/vidsift/vidsift/internal/queue"
	"github.com/vidsift/vidsift/internal/schedule"
	"github.com/vidsift/vidsift/internal/upload"
	"github.com/vidsift/vidsift/internal/validation"
)

// fakeService serves both the upload protocol and generate-calls. When
// holdUpload is set, upload bodies block until the client goes away.
type fakeService struct {
	t *testing.T

	holdUpload chan struct{}

	mu        sync.Mutex
	uploads   int
	generates int
}

func (fs *fakeService) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/upload", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Goog-Upload-URL", "http://"+r.Host+"/session")
	})
	mux.HandleFunc("/session", func(w http.ResponseWriter, r *http.Request) {
		// Drain the body so the server can detect a client disconnect and
		// cancel r.Context(); otherwise the hold below can never unblock.
		io.Copy(io.Discard, r.Body)
		if fs.holdUpload != nil {
			select {
			case <-fs.holdUpload:
			case <-r.Context().Done():
				return
			}
		}
		fs.mu.Lock()
		fs.uploads++
		fs.mu.Unlock()
		json.NewEncoder(w).Encode(map[string]any{
			"file": map[string]string{"uri": "http://files.test/f1", "name": "files/f1"},
		})
	})
	mux.HandleFunc("/v1beta/files/f1", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"state": "ACTIVE"})
	})
	mux.HandleFunc("/v1beta/models/", func(w http.ResponseWriter, r *http.Request) {
		fs.mu.Lock()
		fs.generates++
		fs.mu.Unlock()

		doc := analysis.Document{
			CleanScript: "welcome to the lecture",
			Summary:     "an introduction",
			Chapters: []analysis.Chapter{
				{Title: "Intro", StartTime: "00:00", EndTime: "00:30"},
			},
			KeyConcepts: []string{"testing"},
			ContentMetadata: analysis.ContentMetadata{
				OriginalDurationEstimate: "00:30",
				EssentialContentDuration: "00:20",
				RemovedPercentage:        33,
				MainContentTimestamps: []analysis.Segment{
					{Start: "00:00:05", End: "00:00:25"},
				},
			},
		}
		text, _ := json.Marshal(doc)
		json.NewEncoder(w).Encode(map[string]any{
			"candidates": []map[string]any{
				{"content": map[string]any{"parts": []map[string]string{{"text": string(text)}}}},
			},
		})
	})
	return mux
}

// recordingTrimmer captures trim requests without touching ffmpeg.
type recordingTrimmer struct {
	mu       sync.Mutex
	calls    int
	segments []analysis.Segment
	fail     bool
}

func (rt *recordingTrimmer) Trim(_ context.Context, _ string, segments []analysis.Segment, outPath string) error {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.calls++
	rt.segments = segments
	if rt.fail {
		return errors.New("scripted trim failure")
	}
	return os.WriteFile(outPath, []byte("trimmed"), 0o644)
}

type testEnv struct {
	worker  *Worker
	queue   *queue.Queue
	cfg     *config.Config
	trimmer *recordingTrimmer
	service *fakeService
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	fs := &fakeService{t: t}
	srv := httptest.NewServer(fs.handler())
	t.Cleanup(srv.Close)

	cfg := config.DefaultConfig()
	cfg.AnalysisBaseURL = srv.URL
	cfg.Credentials = []string{"secret-alpha", "secret-beta"}
	cfg.TempVideoDir = t.TempDir()
	cfg.JobDeadline = 30 * time.Second
	cfg.MaxAttempts = 2

	store, err := queue.OpenBolt(filepath.Join(t.TempDir(), "queue.db"))
	if err != nil {
		t.Fatalf("OpenBolt failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	log := observability.NewNopLogger()
	q := queue.New(store, queue.Options{MaxSize: cfg.MaxQueueSize, MaxAttempts: cfg.MaxAttempts, BaseRetryDelay: 10 * time.Millisecond}, log, nil)

	pool, err := keypool.New(cfg.Credentials, cfg.PerCredCap, cfg.RateLimitCooldown)
	if err != nil {
		t.Fatalf("keypool.New failed: %v", err)
	}

	uploader := upload.NewAdapter(srv.URL)
	uploader.SetPollInterval(5 * time.Millisecond)

	client := analysis.NewClient(srv.URL)
	sched := schedule.New(pool, client, log, nil, cfg.MaxConcurrentChunks)
	sched.SetCallTimeout(5 * time.Second)

	trimmer := &recordingTrimmer{}
	return &testEnv{
		worker:  New(q, pool, uploader, sched, trimmer, cfg, log, nil),
		queue:   q,
		cfg:     cfg,
		trimmer: trimmer,
		service: fs,
	}
}

func (env *testEnv) enqueueVideo(t *testing.T) *queue.Job {
	t.Helper()
	path := filepath.Join(env.cfg.TempVideoDir, "lecture.mp4")
	if err := os.WriteFile(path, make([]byte, 64<<10), 0o644); err != nil {
		t.Fatalf("write source: %v", err)
	}
	job := &queue.Job{
		SubmitterID: "user-1",
		DisplayName: "lecture.mp4",
		SourcePath:  path,
		MimeType:    "video/mp4",
		Model:       "analyzer-large",
	}
	if _, err := env.queue.Enqueue(context.Background(), job); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	return job
}

func waitTerminal(t *testing.T, q *queue.Queue, jobID string) *queue.Job {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		job, err := q.Status(context.Background(), jobID)
		if err == nil && job.State.Terminal() {
			return job
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("Job never reached a terminal state")
	return nil
}

func TestWorker_EndToEnd(t *testing.T) {
	env := newTestEnv(t)
	job := env.enqueueVideo(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go env.worker.Run(ctx)

	final := waitTerminal(t, env.queue, job.ID)
	if final.State != queue.StateSucceeded {
		t.Fatalf("Expected success, got %s: %s", final.State, final.LastError)
	}

	var artifact merge.Artifact
	if err := json.Unmarshal(final.Artifact, &artifact); err != nil {
		t.Fatalf("Artifact does not decode: %v", err)
	}
	if artifact.CleanScript == "" || len(artifact.Chapters) == 0 {
		t.Errorf("Artifact incomplete: %+v", artifact)
	}
	if artifact.ProcessingMetadata.SourceChecksum == "" {
		t.Error("Missing source checksum")
	}
	if artifact.ProcessingMetadata.ModelID != "analyzer-large" {
		t.Errorf("Wrong model id: %s", artifact.ProcessingMetadata.ModelID)
	}
	if final.Progress == nil || final.Progress.Stage != queue.StageComplete || final.Progress.Percent != 100 {
		t.Errorf("Completion progress wrong: %+v", final.Progress)
	}

	// One upload per credential.
	env.service.mu.Lock()
	uploads := env.service.uploads
	generates := env.service.generates
	env.service.mu.Unlock()
	if uploads != 2 {
		t.Errorf("Expected 2 uploads (one per credential), got %d", uploads)
	}
	if generates == 0 {
		t.Error("No generate-calls issued")
	}

	// The trimmer ran on the identified segments.
	env.trimmer.mu.Lock()
	trims := env.trimmer.calls
	env.trimmer.mu.Unlock()
	if trims != 1 {
		t.Errorf("Expected 1 trim, got %d", trims)
	}

	// Temp source is deleted after the terminal ack.
	if _, err := os.Stat(job.SourcePath); !os.IsNotExist(err) {
		t.Errorf("Source temp file not cleaned up: %v", err)
	}
}

func TestWorker_UnsupportedMimeFailsWithoutRetry(t *testing.T) {
	env := newTestEnv(t)

	path := filepath.Join(env.cfg.TempVideoDir, "audio.ogg")
	if err := os.WriteFile(path, []byte("not a video"), 0o644); err != nil {
		t.Fatal(err)
	}
	job := &queue.Job{
		DisplayName: "audio.ogg",
		SourcePath:  path,
		MimeType:    "audio/ogg",
		Model:       "analyzer-large",
	}
	if _, err := env.queue.Enqueue(context.Background(), job); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go env.worker.Run(ctx)

	final := waitTerminal(t, env.queue, job.ID)
	if final.State != queue.StateFailed {
		t.Fatalf("Expected failed, got %s", final.State)
	}
	if final.Attempts != 1 {
		t.Errorf("Input errors must not be retried, attempts=%d", final.Attempts)
	}
	if !strings.Contains(final.LastError, "unsupported") {
		t.Errorf("Unexpected error: %s", final.LastError)
	}
}

func TestWorker_OversizeRejected(t *testing.T) {
	env := newTestEnv(t)
	env.cfg.MaxFileBytes = 1 << 10

	path := filepath.Join(env.cfg.TempVideoDir, "big.mp4")
	if err := os.WriteFile(path, make([]byte, 4<<10), 0o644); err != nil {
		t.Fatal(err)
	}
	job := &queue.Job{DisplayName: "big.mp4", SourcePath: path, MimeType: "video/mp4", Model: "m"}
	if _, err := env.queue.Enqueue(context.Background(), job); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go env.worker.Run(ctx)

	final := waitTerminal(t, env.queue, job.ID)
	if final.State != queue.StateFailed || final.Attempts != 1 {
		t.Fatalf("Expected immediate terminal failure, got %s attempts=%d", final.State, final.Attempts)
	}
}

func TestWorker_BuildPlanChunksMidsizeFiles(t *testing.T) {
	env := newTestEnv(t)

	// 350 MB estimates to just under 22 minutes, one 20-minute window plus
	// a remainder, so the plan must split it regardless of file size.
	job := &queue.Job{
		SourcePath: filepath.Join(env.cfg.TempVideoDir, "absent.mp4"),
		SizeBytes:  350 << 20,
	}
	p, err := env.worker.buildPlan(job)
	if err != nil {
		t.Fatalf("buildPlan failed: %v", err)
	}
	if len(p.Chunks) != 2 {
		t.Fatalf("Expected a 2-chunk plan, got %d chunks", len(p.Chunks))
	}
}

func TestWorker_CancelActiveJob(t *testing.T) {
	env := newTestEnv(t)
	env.service.holdUpload = make(chan struct{})
	job := env.enqueueVideo(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go env.worker.Run(ctx)

	// Wait for the lease, then cancel. The cancel trigger registers just
	// after the lease, so keep trying until it lands.
	deadline := time.Now().Add(5 * time.Second)
	for {
		st, err := env.queue.Status(context.Background(), job.ID)
		if err == nil && st.State == queue.StateActive {
			if err := env.queue.Cancel(context.Background(), job.ID); err == nil {
				break
			}
		}
		if time.Now().After(deadline) {
			t.Fatal("Job never became cancellable")
		}
		time.Sleep(10 * time.Millisecond)
	}

	final := waitTerminal(t, env.queue, job.ID)
	if final.State != queue.StateCancelled {
		t.Fatalf("Expected cancelled, got %s: %s", final.State, final.LastError)
	}
	if final.LastError != "cancelled" {
		t.Errorf("Expected terminal message %q, got %q", "cancelled", final.LastError)
	}
	if final.Attempts != 1 {
		t.Errorf("Cancelled job must not be retried, attempts=%d", final.Attempts)
	}
	if _, err := os.Stat(job.SourcePath); !os.IsNotExist(err) {
		t.Errorf("Source temp file not cleaned up after cancel: %v", err)
	}
}

func TestWorker_EmitsSpans(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	env := newTestEnv(t)
	job := env.enqueueVideo(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go env.worker.Run(ctx)
	waitTerminal(t, env.queue, job.ID)

	// The job span ends just after the terminal ack; poll briefly.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		names := map[string]bool{}
		for _, s := range exporter.GetSpans() {
			names[s.Name] = true
		}
		if names["worker.process"] && names["schedule.analyzeChunk"] {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("Expected job and chunk spans to be exported")
}

func TestWorker_TrimFailureDegrades(t *testing.T) {
	env := newTestEnv(t)
	env.trimmer.fail = true
	job := env.enqueueVideo(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go env.worker.Run(ctx)

	final := waitTerminal(t, env.queue, job.ID)
	if final.State != queue.StateSucceeded {
		t.Fatalf("Trim failure must not fail the job, got %s: %s", final.State, final.LastError)
	}
	if final.TrimmedPath != "" {
		t.Errorf("TrimmedPath set despite trim failure: %s", final.TrimmedPath)
	}
}

func TestWorker_Sanitize(t *testing.T) {
	env := newTestEnv(t)
	msg := `Post "http://host/upload?key=secret-alpha": connection refused (also secret-beta)`
	got := env.worker.sanitize(msg)
	if strings.Contains(got, "secret-alpha") || strings.Contains(got, "secret-beta") {
		t.Errorf("Secrets leaked: %s", got)
	}
	if !strings.Contains(got, "[redacted]") {
		t.Errorf("Expected redaction marker: %s", got)
	}
}

func TestWorker_RetriableClassification(t *testing.T) {
	env := newTestEnv(t)
	cases := []struct {
		err  error
		want bool
	}{
		{validation.ErrUnsupportedMime, false},
		{validation.ErrFileTooLarge, false},
		{validation.ErrFileMissing, false},
		{upload.ErrTerminal, false},
		{context.DeadlineExceeded, false},
		{context.Canceled, false},
		{upload.ErrTransient, true},
		{upload.ErrRateLimited, true},
		{errors.New("dial tcp: connection refused"), true},
	}
	for _, tc := range cases {
		if got := env.worker.retriable(tc.err); got != tc.want {
			t.Errorf("retriable(%v) = %v, want %v", tc.err, got, tc.want)
		}
	}
}
