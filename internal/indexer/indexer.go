// Package indexer implements the background indexing worker. Accepted uploads
// are handed to it as jobs and driven through the ingestion pipeline on a
// goroutine pool, detached from the HTTP request that created them. Outcomes
// are recorded on the source record (indexed/failed) and logged — never
// surfaced to the uploader's connection, which has long since been answered.
package indexer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/awerner/docdex-go/internal/index"
	"github.com/awerner/docdex-go/internal/store"
)

// defaultPoolSize bounds concurrent indexing runs. Uploads beyond it queue
// inside the pool rather than spawning unbounded goroutines.
const defaultPoolSize = 4

// Job is the tuple handed from the upload path to the worker. It has no
// identity beyond these fields and no persisted retry state: a crash
// mid-indexing leaves the source record pending.
type Job struct {
	// FileID is the source record ID to index.
	FileID string
	// TempPath is the staged upload used for parsing.
	TempPath string
	// UserID is the owning user, used to re-resolve the pipeline.
	UserID string
}

// Config holds the worker settings.
type Config struct {
	// PoolSize is the number of concurrent indexing goroutines.
	// Defaults to 4 if zero.
	PoolSize int

	// Logger is the structured logger for job outcomes.
	// If nil, slog.Default is used.
	Logger *slog.Logger

	// Registry receives the worker's Prometheus metrics.
	// If nil, metrics registration is skipped.
	Registry prometheus.Registerer
}

// Worker runs indexing jobs on a bounded goroutine pool with per-fileID
// mutual exclusion: two near-simultaneous uploads that dedupe to the same
// record never index concurrently.
type Worker struct {
	// idx is the file index service the jobs run against.
	idx *index.FileIndex

	// pool executes jobs.
	pool *ants.Pool

	// log is the structured logger for job outcomes.
	log *slog.Logger

	// wg tracks in-flight jobs so Close can drain them.
	wg sync.WaitGroup

	// mu protects locks.
	mu sync.Mutex
	// locks holds the per-fileID mutexes, created on first use and removed
	// when the last holder releases.
	locks map[string]*fileLock

	// metrics are the worker's Prometheus instruments; nil when no registry
	// was provided.
	metrics *workerMetrics
}

// fileLock is a reference-counted per-fileID mutex entry.
type fileLock struct {
	mu   sync.Mutex
	refs int
}

// workerMetrics holds the Prometheus instruments owned by the worker.
type workerMetrics struct {
	// jobsTotal counts finished indexing jobs, partitioned by outcome:
	// "indexed", "failed", "skipped".
	jobsTotal *prometheus.CounterVec

	// jobDurationSeconds records wall-clock job duration by outcome.
	jobDurationSeconds *prometheus.HistogramVec

	// jobsActive is the number of indexing jobs currently running.
	jobsActive prometheus.Gauge
}

// newWorkerMetrics registers the worker metrics against reg.
func newWorkerMetrics(reg prometheus.Registerer) *workerMetrics {
	factory := promauto.With(reg)
	return &workerMetrics{
		jobsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "docdex",
			Subsystem: "indexer",
			Name:      "jobs_total",
			Help:      "Total number of background indexing jobs finished, partitioned by outcome.",
		}, []string{"outcome"}),
		jobDurationSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "docdex",
			Subsystem: "indexer",
			Name:      "job_duration_seconds",
			Help:      "Wall-clock duration of background indexing jobs.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 60, 300},
		}, []string{"outcome"}),
		jobsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "docdex",
			Subsystem: "indexer",
			Name:      "jobs_active",
			Help:      "Number of background indexing jobs currently running.",
		}),
	}
}

// New constructs a Worker over the given file index.
func New(idx *index.FileIndex, cfg *Config) (*Worker, error) {
	if idx == nil {
		return nil, fmt.Errorf("indexer: index must not be nil")
	}
	if cfg == nil {
		cfg = &Config{}
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = defaultPoolSize
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	pool, err := ants.NewPool(cfg.PoolSize)
	if err != nil {
		return nil, fmt.Errorf("indexer: create pool: %w", err)
	}

	w := &Worker{
		idx:   idx,
		pool:  pool,
		log:   cfg.Logger,
		locks: make(map[string]*fileLock),
	}
	if cfg.Registry != nil {
		w.metrics = newWorkerMetrics(cfg.Registry)
	}
	return w, nil
}

// Schedule submits a job for asynchronous execution and returns immediately.
// The caller never observes the job's outcome directly; it is recorded on the
// source record and in the logs.
func (w *Worker) Schedule(job Job) error {
	w.wg.Add(1)
	err := w.pool.Submit(func() {
		defer w.wg.Done()
		w.run(job)
	})
	if err != nil {
		w.wg.Done()
		return fmt.Errorf("indexer: schedule %s: %w", job.FileID, err)
	}
	return nil
}

// Wait blocks until all scheduled jobs have finished. Used during graceful
// shutdown and by tests.
func (w *Worker) Wait() {
	w.wg.Wait()
}

// Close drains in-flight jobs and releases the pool.
func (w *Worker) Close() {
	w.wg.Wait()
	w.pool.Release()
}

// run executes one indexing job end to end. Nothing escapes it: every failure
// path marks the source record failed and logs, so the task runner never sees
// a panic or error from an accepted upload.
func (w *Worker) run(job Job) {
	ctx := context.Background()
	log := w.log.With(
		slog.String("file_id", job.FileID),
		slog.String("user", job.UserID),
	)

	unlock := w.lockFile(job.FileID)
	defer unlock()

	if w.metrics != nil {
		w.metrics.jobsActive.Inc()
		defer w.metrics.jobsActive.Dec()
	}

	start := time.Now()
	outcome := w.index(ctx, job, log)
	if w.metrics != nil {
		w.metrics.jobsTotal.WithLabelValues(outcome).Inc()
		w.metrics.jobDurationSeconds.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
	}
}

// index performs the actual load → chunk → embed → upsert → finish sequence
// and returns the outcome label.
func (w *Worker) index(ctx context.Context, job Job, log *slog.Logger) string {
	// Re-resolve the pipeline; resolution is stateless so redoing it here is
	// safe and avoids carrying pipeline state across the async boundary.
	pipeline, err := w.idx.IndexingPipeline(job.TempPath, job.UserID)
	if err != nil {
		log.Error("indexing: pipeline resolution failed", slog.Any("error", err))
		w.markFailed(ctx, job.FileID, log)
		return "failed"
	}

	src, err := w.idx.Source(ctx, job.FileID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// Benign race: the record was deleted between scheduling and
			// execution. Nothing to index, nothing to mark.
			log.Info("indexing: source record gone, skipping")
			return "skipped"
		}
		log.Error("indexing: source lookup failed", slog.Any("error", err))
		w.markFailed(ctx, job.FileID, log)
		return "failed"
	}

	// Duplicate uploads schedule a job against the existing record so a
	// failed record gets re-indexed. When the record already indexed cleanly
	// there is nothing to redo.
	if src.Status == store.StatusIndexed {
		w.discardTemp(job.TempPath, log)
		log.Info("indexing: record already indexed, skipping")
		return "skipped"
	}

	// The durable copy lives at the content-addressed path; the temp copy is
	// what gets parsed. Verify the durable copy before doing any work.
	if _, err := os.Stat(pipeline.ContentPath(src.Path)); err != nil {
		log.Warn("indexing: content-addressed file missing on disk",
			slog.String("path", src.Path),
		)
		w.markFailed(ctx, job.FileID, log)
		return "failed"
	}

	docs, err := pipeline.LoadDocs(ctx, job.TempPath, job.FileID, src.Name)
	if err != nil {
		log.Error("indexing: load failed", slog.Any("error", err))
		w.markFailed(ctx, job.FileID, log)
		return "failed"
	}

	// A retry of a failed record may find chunks left over from the earlier
	// partial run; clear them so the upsert below is the record's only source
	// of chunks.
	if err := pipeline.DropChunks(ctx, job.FileID); err != nil {
		log.Error("indexing: clearing stale chunks failed", slog.Any("error", err))
		w.markFailed(ctx, job.FileID, log)
		return "failed"
	}

	if err := pipeline.HandleDocs(ctx, docs); err != nil {
		log.Error("indexing: chunk handling failed", slog.Any("error", err))
		w.markFailed(ctx, job.FileID, log)
		return "failed"
	}

	// Finish only after chunk handling: the token count describes chunk
	// state that must exist.
	if err := pipeline.Finish(ctx, job.FileID, docs); err != nil {
		log.Error("indexing: finish failed", slog.Any("error", err))
		w.markFailed(ctx, job.FileID, log)
		return "failed"
	}

	// The staged upload is consumed; only the content-addressed copy remains.
	w.discardTemp(job.TempPath, log)

	log.Info("indexing: completed",
		slog.Int("chunks", len(docs)),
		slog.String("file", src.Name),
	)
	return "indexed"
}

// discardTemp removes the staged upload and, for uploads staged in their own
// subdirectory, the now-empty directory.
func (w *Worker) discardTemp(tempPath string, log *slog.Logger) {
	if err := os.Remove(tempPath); err != nil && !os.IsNotExist(err) {
		log.Warn("indexing: temp file cleanup failed", slog.Any("error", err))
	}
	if dir := filepath.Dir(tempPath); dir != w.idx.TempDir() {
		_ = os.Remove(dir)
	}
}

// markFailed records the failed outcome, tolerating a concurrently deleted row.
func (w *Worker) markFailed(ctx context.Context, fileID string, log *slog.Logger) {
	if err := w.idx.MarkFailed(ctx, fileID); err != nil {
		log.Error("indexing: could not record failure", slog.Any("error", err))
	}
}

// lockFile acquires the per-fileID mutex and returns its release func.
func (w *Worker) lockFile(fileID string) func() {
	w.mu.Lock()
	entry, ok := w.locks[fileID]
	if !ok {
		entry = &fileLock{}
		w.locks[fileID] = entry
	}
	entry.refs++
	w.mu.Unlock()

	entry.mu.Lock()

	return func() {
		entry.mu.Unlock()

		w.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(w.locks, fileID)
		}
		w.mu.Unlock()
	}
}
