// vidsiftd is the video-analysis daemon: it owns the durable job queue, the
// credential pool, and the workers that drive videos through upload, chunked
// analysis, merge and trim.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/vidsift/vidsift/internal/analysis"
	"github.com/vidsift/vidsift/internal/config"
	"github.com/vidsift/vidsift/internal/keypool"
	"github.com/vidsift/vidsift/internal/observability"
	"github.com/vidsift/vidsift/internal/queue"
	"github.com/vidsift/vidsift/internal/schedule"
	"github.com/vidsift/vidsift/internal/trim"
	"github.com/vidsift/vidsift/internal/upload"
	"github.com/vidsift/vidsift/internal/worker"
)

const version = "0.3.0"

func main() {
	log := observability.NewLogger("vidsiftd", version, os.Stdout)

	cfg, err := config.FromEnv()
	if err != nil {
		log.Fatal(err, "invalid configuration")
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal(err, "invalid configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.InitTracing(ctx, "vidsiftd")
	if err != nil {
		log.Fatal(err, "tracing init failed")
	}
	defer shutdownTracing(context.Background())

	metrics := observability.NewMetrics()

	store, err := openStore(cfg)
	if err != nil {
		log.Fatal(err, "queue store init failed")
	}
	defer store.Close()

	q := queue.New(store, queue.Options{
		MaxSize:      cfg.MaxQueueSize,
		MaxAttempts:  cfg.MaxAttempts,
		LeaseTimeout: cfg.LeaseTimeout,
	}, log, metrics)
	stopSweeper := q.StartSweeper(ctx)
	defer stopSweeper()

	pool, err := keypool.New(cfg.Credentials, cfg.PerCredCap, cfg.RateLimitCooldown)
	if err != nil {
		log.Fatal(err, "credential pool init failed")
	}
	pool.SetCooldownHook(func(credID string, until time.Time) {
		log.CredentialCooldown(credID, until)
		metrics.PoolCooldownsTotal.Inc()
	})

	uploader := upload.NewAdapter(cfg.AnalysisBaseURL)
	client := analysis.NewClient(cfg.AnalysisBaseURL)
	sched := schedule.New(pool, client, log, metrics, cfg.MaxConcurrentChunks)

	var trimmer trim.Trimmer
	if ff := trim.NewFFmpeg(); ff.Available() {
		trimmer = ff
	} else {
		log.Warn("ffmpeg not found, trimmed renditions disabled")
	}

	admin := startAdmin(cfg, log, metrics, store, pool, q)

	var wg sync.WaitGroup
	for i := 0; i < cfg.WorkerCount; i++ {
		w := worker.New(q, pool, uploader, sched, trimmer, cfg, log, metrics)
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.Run(ctx)
		}()
	}
	log.Info(fmt.Sprintf("vidsiftd %s serving with %d workers", version, cfg.WorkerCount))

	<-ctx.Done()
	log.Info("shutdown signal received, draining")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	admin.Shutdown(shutdownCtx)
	wg.Wait()
	log.Info("shutdown complete")
}

// openStore picks the queue store from QUEUE_URL: redis schemes get the
// shared redis store, anything else (including empty) gets a bolt file.
func openStore(cfg *config.Config) (queue.Store, error) {
	url := cfg.QueueURL
	if strings.HasPrefix(url, "redis://") || strings.HasPrefix(url, "rediss://") {
		return queue.OpenRedis(url)
	}
	path := url
	if path == "" {
		path = filepath.Join(cfg.TempVideoDir, "vidsift-queue.db")
	}
	return queue.OpenBolt(path)
}

func startAdmin(cfg *config.Config, log *observability.Logger, metrics *observability.Metrics, store queue.Store, pool *keypool.Pool, q *queue.Queue) *http.Server {
	health := observability.NewHealthChecker(version)
	health.RegisterCheck("queue_store", observability.QueueStoreCheck(store.Ping))
	health.RegisterCheck("credential_pool", observability.CredentialPoolCheck(pool.Available, pool.Size()))
	health.RegisterCheck("temp_dir", observability.TempDirCheck(func() error {
		probe := filepath.Join(cfg.TempVideoDir, ".vidsift-probe")
		if err := os.WriteFile(probe, []byte("ok"), 0o600); err != nil {
			return err
		}
		return os.Remove(probe)
	}, cfg.TempVideoDir))

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", health.Handler())
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/queuez", func(w http.ResponseWriter, r *http.Request) {
		stats, err := q.QueueStats(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(stats)
	})

	srv := &http.Server{
		Addr:              cfg.AdminAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error(err, "admin server failed")
		}
	}()
	log.Info(fmt.Sprintf("admin surface on %s", cfg.AdminAddr))
	return srv
}
