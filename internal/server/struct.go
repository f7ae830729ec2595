package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/awerner/docdex-go/internal/indexer"
	"github.com/awerner/docdex-go/internal/rag"
	"github.com/awerner/docdex-go/internal/store"
)

// Config holds the HTTP server configuration.
type Config struct {
	// Host is the address to bind to (default: 127.0.0.1).
	Host string
	// Port is the TCP port to listen on (default: 8000).
	Port int
	// ReadTimeout is the maximum duration for reading the request.
	ReadTimeout time.Duration
	// WriteTimeout is the maximum duration for writing the response.
	WriteTimeout time.Duration
	// ShutdownTimeout is the maximum duration for a graceful shutdown.
	ShutdownTimeout time.Duration
	// Logger is the structured logger used by the server and its handlers.
	// If nil, [logging.New] is used.
	Logger *slog.Logger
	// Pingers is the ordered list of dependency probes run by GET /api/ready.
	// If empty, /api/ready returns 200 with no checks (liveness-only mode).
	Pingers []Pinger
	// RateLimit is the sustained request rate allowed per IP on rate-limited
	// endpoints (requests/second). Defaults to 10 if zero.
	RateLimit float64
	// RateBurst is the maximum instantaneous burst per IP. Defaults to 20 if zero.
	RateBurst int
	// APIKey is the Bearer token required on all protected routes.
	// If empty, authentication is disabled (development mode).
	APIKey string
	// AllowedExtensions is the normalized lowercase extension allow-list
	// for uploads (".pdf", ".txt", ...).
	AllowedExtensions []string
	// MaxUploadBytes is the upload size cap in bytes.
	MaxUploadBytes int64
	// TempDir is the staging directory uploads are written to before indexing.
	TempDir string
	// MetricsRegistry receives the server's Prometheus metrics. If nil,
	// prometheus.DefaultRegisterer is used.
	MetricsRegistry prometheus.Registerer
	// MetricsGatherer serves GET /metrics. If nil, prometheus.DefaultGatherer
	// is used.
	MetricsGatherer prometheus.Gatherer
}

// uploadPipeline is the slice of the ingestion pipeline the upload handler
// drives: content-addressed store with dedupe resolution.
// *ingest.IndexPipeline satisfies it; tests inject a fake.
type uploadPipeline interface {
	// StoreFile stores tempPath's content and inserts the source record.
	StoreFile(ctx context.Context, tempPath string) (string, error)
	// IDIfExists resolves tempPath's content to an existing record ID, or "".
	IDIfExists(ctx context.Context, tempPath string) (string, error)
}

// fileIndex is the interface the handlers call on the index service.
// A thin adapter over *index.FileIndex satisfies it in production.
type fileIndex interface {
	// Pipeline resolves the ingestion pipeline for path owned by user.
	Pipeline(path, user string) (uploadPipeline, error)
	// Search retrieves the topK most relevant chunks for query.
	Search(ctx context.Context, query string, topK int, user string) ([]rag.Document, error)
	// ListFiles returns all source records.
	ListFiles(ctx context.Context, user string) ([]*store.Source, error)
}

// scheduler enqueues background indexing jobs.
// *indexer.Worker satisfies it; tests inject a fake.
type scheduler interface {
	// Schedule submits a job for asynchronous execution.
	Schedule(job indexer.Job) error
}

// userStore creates user accounts.
// *store.SQLiteStore satisfies it; tests use an in-memory store.
type userStore interface {
	// CreateUser persists a new account with an already-hashed password.
	CreateUser(ctx context.Context, username, passwordHash string, admin bool) (*store.User, error)
}

// Server is the HTTP server exposing the file index.
type Server struct {
	// index is the file index service behind the handlers.
	index fileIndex
	// scheduler enqueues background indexing jobs.
	scheduler scheduler
	// users creates accounts for POST /users/.
	users userStore
	// cfg holds the resolved server configuration.
	cfg *Config
	// httpServer is the underlying net/http server.
	httpServer *http.Server
	// log is the structured logger for this server instance.
	log *slog.Logger
	// pingers is the ordered list of dependency probes for GET /api/ready.
	pingers []Pinger
	// metrics holds the server's Prometheus instruments.
	metrics *serverMetrics
	// stopRL stops the rate limiter's background eviction goroutine on shutdown.
	stopRL func()
}

// uploadResponse is the JSON body returned by POST /upload/.
type uploadResponse struct {
	// Status is always "accepted": indexing continues after the response.
	Status string `json:"status"`
	// FileID is the stored (or deduped) source record ID.
	FileID string `json:"file_id"`
	// Filename is the sanitized name the upload was stored under.
	Filename string `json:"filename"`
}

// searchResult is one hit in the search response.
type searchResult struct {
	// ID is the chunk identifier.
	ID string `json:"id"`
	// Content is the chunk text.
	Content string `json:"content"`
	// FileID is the source record the chunk came from.
	FileID string `json:"file_id"`
	// FileName is the source's sanitized filename.
	FileName string `json:"file_name"`
	// Score is the retrieval similarity score.
	Score float32 `json:"score"`
}

// searchResponse is the JSON body returned by POST /search/.
type searchResponse struct {
	// Query echoes the submitted query.
	Query string `json:"query"`
	// TopK echoes the effective result limit.
	TopK int `json:"top_k"`
	// Results holds the retrieved chunks, most relevant first.
	Results []searchResult `json:"results"`
}

// fileEntry is one row in the file listing response.
type fileEntry struct {
	// ID is the source record identifier.
	ID string `json:"id"`
	// Name is the sanitized original filename.
	Name string `json:"name"`
	// Path is the content address of the stored bytes.
	Path string `json:"path"`
	// Size is the file size in bytes.
	Size int64 `json:"size"`
	// User is the owning user.
	User string `json:"user"`
	// Created is the creation time in RFC 3339 format.
	Created string `json:"created"`
	// Note is free-form metadata.
	Note string `json:"note"`
	// Status is the indexing state: pending, indexed, or failed.
	Status string `json:"status"`
	// TokenCount is the estimated token total (0 until indexed).
	TokenCount int `json:"token_count"`
}

// filesResponse is the JSON body returned by GET /files/.
type filesResponse struct {
	// Files holds one entry per source record, oldest first.
	Files []fileEntry `json:"files"`
}

// createUserRequest is the JSON body for POST /users/.
type createUserRequest struct {
	// Username is the account name; uniqueness is case-insensitive.
	Username string `json:"username"`
	// Password is hashed before storage and never persisted in clear.
	Password string `json:"password"`
	// Admin marks administrative accounts.
	Admin bool `json:"admin"`
}

// createUserResponse is the JSON body returned by POST /users/.
// It never carries the password or its hash.
type createUserResponse struct {
	// ID is the account identifier.
	ID string `json:"id"`
	// Username is the name as entered.
	Username string `json:"username"`
	// Admin marks administrative accounts.
	Admin bool `json:"admin"`
	// Created is the creation time in RFC 3339 format.
	Created string `json:"created"`
}
