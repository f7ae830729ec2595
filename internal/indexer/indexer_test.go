package indexer

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/awerner/docdex-go/internal/index"
	"github.com/awerner/docdex-go/internal/rag"
	"github.com/awerner/docdex-go/internal/store"
)

// fakeEmbedder produces fixed vectors; err fails every call.
type fakeEmbedder struct {
	err error
}

func (f *fakeEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 2, 3}
	}
	return out, nil
}

// fakeVectors collects upserted documents in memory.
type fakeVectors struct {
	mu   sync.Mutex
	docs []rag.Document
}

func (f *fakeVectors) Upsert(_ context.Context, docs []rag.Document, _ [][]float32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.docs = append(f.docs, docs...)
	return nil
}

func (f *fakeVectors) Search(context.Context, []float32, int) ([]rag.Document, error) {
	return nil, nil
}
func (f *fakeVectors) DeleteByFile(_ context.Context, fileID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	kept := f.docs[:0]
	for _, d := range f.docs {
		if d.FileID != fileID {
			kept = append(kept, d)
		}
	}
	f.docs = kept
	return nil
}

func (f *fakeVectors) Close() error { return nil }

func (f *fakeVectors) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.docs)
}

// contains reports whether any upserted chunk includes the given text.
func (f *fakeVectors) contains(text string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, d := range f.docs {
		if strings.Contains(d.Content, text) {
			return true
		}
	}
	return false
}

// testHarness bundles everything a worker test needs.
type testHarness struct {
	worker  *Worker
	idx     *index.FileIndex
	store   *store.SQLiteStore
	vectors *fakeVectors
	tempDir string
}

// newHarness wires a Worker over an in-memory store, fakes, and temp dirs.
func newHarness(t *testing.T, emb rag.Embedder) *testHarness {
	t.Helper()

	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	vectors := &fakeVectors{}
	tempDir := t.TempDir()

	idx, err := index.New(&index.Config{
		Name:       "test",
		Collection: "test-files",
		TempDir:    tempDir,
		DataDir:    t.TempDir(),
		ChunkSize:  200,
	}, st, vectors, emb)
	if err != nil {
		t.Fatalf("new index: %v", err)
	}
	if err := idx.OnStart(context.Background()); err != nil {
		t.Fatalf("index on start: %v", err)
	}

	w, err := New(idx, &Config{PoolSize: 2})
	if err != nil {
		t.Fatalf("new worker: %v", err)
	}
	t.Cleanup(w.Close)

	return &testHarness{worker: w, idx: idx, store: st, vectors: vectors, tempDir: tempDir}
}

// stage writes an upload into the temp dir and stores it through the
// pipeline, returning the file ID and temp path — the same state the upload
// handler leaves behind before scheduling.
func (h *testHarness) stage(t *testing.T, name, content, user string) (string, string) {
	t.Helper()
	tempPath := filepath.Join(h.tempDir, name)
	if err := os.WriteFile(tempPath, []byte(content), 0o644); err != nil {
		t.Fatalf("write temp: %v", err)
	}

	pipeline, err := h.idx.IndexingPipeline(tempPath, user)
	if err != nil {
		t.Fatalf("pipeline: %v", err)
	}
	id, err := pipeline.StoreFile(context.Background(), tempPath)
	if err != nil {
		t.Fatalf("store file: %v", err)
	}
	return id, tempPath
}

func Test_Worker_IndexesStagedUpload(t *testing.T) {
	t.Parallel()
	h := newHarness(t, &fakeEmbedder{})
	ctx := context.Background()

	id, tempPath := h.stage(t, "doc.txt", "docdex indexes this text end to end", "api")

	if err := h.worker.Schedule(Job{FileID: id, TempPath: tempPath, UserID: "api"}); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	h.worker.Wait()

	src, err := h.store.SourceByID(ctx, id)
	if err != nil {
		t.Fatalf("source by id: %v", err)
	}
	if src.Status != store.StatusIndexed {
		t.Errorf("status: want indexed, got %s", src.Status)
	}
	if src.TokenCount == 0 {
		t.Error("token count not persisted")
	}
	if h.vectors.count() == 0 {
		t.Error("no chunks reached the vector store")
	}
	if !h.vectors.contains("docdex indexes this text end to end") {
		t.Error("upserted chunks should carry the file's text")
	}

	// The staged upload is consumed on success.
	if _, err := os.Stat(tempPath); !os.IsNotExist(err) {
		t.Error("temp file should be deleted after successful indexing")
	}
}

func Test_Worker_MissingRecordSkipsSilently(t *testing.T) {
	t.Parallel()
	h := newHarness(t, &fakeEmbedder{})

	tempPath := filepath.Join(h.tempDir, "orphan.txt")
	if err := os.WriteFile(tempPath, []byte("orphaned"), 0o644); err != nil {
		t.Fatalf("write temp: %v", err)
	}

	// The record was "deleted" between scheduling and execution.
	if err := h.worker.Schedule(Job{FileID: "gone", TempPath: tempPath, UserID: "api"}); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	h.worker.Wait()

	// No escape, no vector writes.
	if h.vectors.count() != 0 {
		t.Error("skipped job must not write chunks")
	}
}

func Test_Worker_MissingContentFileMarksFailed(t *testing.T) {
	t.Parallel()
	h := newHarness(t, &fakeEmbedder{})
	ctx := context.Background()

	// Insert a row whose content address has no file behind it.
	id, err := h.store.InsertSource(ctx, &store.Source{
		Name: "ghost.txt", Path: "0000ghost", Size: 5, User: "api",
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	tempPath := filepath.Join(h.tempDir, "ghost.txt")
	if err := os.WriteFile(tempPath, []byte("ghost"), 0o644); err != nil {
		t.Fatalf("write temp: %v", err)
	}

	if err := h.worker.Schedule(Job{FileID: id, TempPath: tempPath, UserID: "api"}); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	h.worker.Wait()

	src, err := h.store.SourceByID(ctx, id)
	if err != nil {
		t.Fatalf("record must remain queryable: %v", err)
	}
	if src.Status != store.StatusFailed {
		t.Errorf("status: want failed, got %s", src.Status)
	}
}

func Test_Worker_EmbedFailureMarksFailed(t *testing.T) {
	t.Parallel()
	h := newHarness(t, &fakeEmbedder{err: errors.New("backend down")})
	ctx := context.Background()

	id, tempPath := h.stage(t, "doc.txt", "content that will fail to embed", "api")

	if err := h.worker.Schedule(Job{FileID: id, TempPath: tempPath, UserID: "api"}); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	h.worker.Wait()

	src, err := h.store.SourceByID(ctx, id)
	if err != nil {
		t.Fatalf("source by id: %v", err)
	}
	if src.Status != store.StatusFailed {
		t.Errorf("status: want failed, got %s", src.Status)
	}

	// The staged upload is retained on failure for inspection.
	if _, err := os.Stat(tempPath); err != nil {
		t.Error("temp file should be retained after failed indexing")
	}
}

func Test_Worker_RetryAfterFailureReindexes(t *testing.T) {
	t.Parallel()
	emb := &fakeEmbedder{err: errors.New("backend down")}
	h := newHarness(t, emb)
	ctx := context.Background()

	id, tempPath := h.stage(t, "doc.txt", "retry me once the backend recovers", "api")

	if err := h.worker.Schedule(Job{FileID: id, TempPath: tempPath, UserID: "api"}); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	h.worker.Wait()

	src, err := h.store.SourceByID(ctx, id)
	if err != nil {
		t.Fatalf("source by id: %v", err)
	}
	if src.Status != store.StatusFailed {
		t.Fatalf("status after first run: want failed, got %s", src.Status)
	}

	// A re-upload of the same content dedupes to this record and schedules
	// another job. The staged copy survived the failed run, so reuse it.
	emb.err = nil
	if err := h.worker.Schedule(Job{FileID: id, TempPath: tempPath, UserID: "api"}); err != nil {
		t.Fatalf("reschedule: %v", err)
	}
	h.worker.Wait()

	src, err = h.store.SourceByID(ctx, id)
	if err != nil {
		t.Fatalf("source by id: %v", err)
	}
	if src.Status != store.StatusIndexed {
		t.Errorf("status after retry: want indexed, got %s", src.Status)
	}
	if !h.vectors.contains("retry me once the backend recovers") {
		t.Error("retry must index the file's content")
	}
	if _, err := os.Stat(tempPath); !os.IsNotExist(err) {
		t.Error("temp file should be consumed by the successful retry")
	}
}

func Test_Worker_AlreadyIndexedSkips(t *testing.T) {
	t.Parallel()
	h := newHarness(t, &fakeEmbedder{})
	ctx := context.Background()

	id, tempPath := h.stage(t, "doc.txt", "indexed once, uploaded twice", "api")

	if err := h.worker.Schedule(Job{FileID: id, TempPath: tempPath, UserID: "api"}); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	h.worker.Wait()
	chunks := h.vectors.count()
	if chunks == 0 {
		t.Fatal("first run must index chunks")
	}

	// A duplicate upload stages a fresh copy and schedules against the same
	// record; the run must not touch the already-indexed chunks.
	again := filepath.Join(h.tempDir, "again", "doc.txt")
	if err := os.MkdirAll(filepath.Dir(again), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(again, []byte("indexed once, uploaded twice"), 0o644); err != nil {
		t.Fatalf("write temp: %v", err)
	}
	if err := h.worker.Schedule(Job{FileID: id, TempPath: again, UserID: "api"}); err != nil {
		t.Fatalf("reschedule: %v", err)
	}
	h.worker.Wait()

	src, err := h.store.SourceByID(ctx, id)
	if err != nil {
		t.Fatalf("source by id: %v", err)
	}
	if src.Status != store.StatusIndexed {
		t.Errorf("status: want indexed, got %s", src.Status)
	}
	if got := h.vectors.count(); got != chunks {
		t.Errorf("chunk count changed on duplicate run: had %d, got %d", chunks, got)
	}
	if _, err := os.Stat(again); !os.IsNotExist(err) {
		t.Error("duplicate staged copy should be discarded")
	}
}

func Test_Worker_PerFileLockSerializes(t *testing.T) {
	t.Parallel()
	h := newHarness(t, &fakeEmbedder{})

	unlock := h.worker.lockFile("file-1")

	acquired := make(chan struct{})
	go func() {
		u := h.worker.lockFile("file-1")
		close(acquired)
		u()
	}()

	select {
	case <-acquired:
		t.Fatal("second lock acquired while first was held")
	case <-time.After(50 * time.Millisecond):
	}

	unlock()

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second lock never acquired after release")
	}

	// Distinct fileIDs must not contend.
	u2 := h.worker.lockFile("file-2")
	u2()
}
