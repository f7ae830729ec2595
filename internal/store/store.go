// Package store provides the SQLite-backed relational store for docdex.
// It persists source records (one row per distinct stored file, deduplicated
// by content address) and user accounts. Each logical operation opens and
// releases its own short-lived statement — no long-lived transaction spans
// the upload-to-index boundary.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	_ "modernc.org/sqlite" // register "sqlite" driver
)

// Sentinel errors returned by store operations. Callers match these with
// [errors.Is] to distinguish expected conditions from real failures.
var (
	// ErrNotFound is returned when a lookup matches no row.
	ErrNotFound = errors.New("store: not found")

	// ErrDuplicateSource is returned when inserting a source whose
	// (content address, user) pair already exists.
	ErrDuplicateSource = errors.New("store: duplicate source")

	// ErrDuplicateUser is returned when creating a user whose username
	// already exists, compared case-insensitively.
	ErrDuplicateUser = errors.New("store: duplicate user")
)

// Status is the indexing state of a source record. A source is created as
// StatusPending, and moves to StatusIndexed or StatusFailed when its
// background indexing run completes. This makes indexing outcomes observable
// through the listing endpoint instead of being silently lost.
type Status string

const (
	// StatusPending means the file is stored but not yet indexed.
	StatusPending Status = "pending"
	// StatusIndexed means chunking, embedding, and upsert all completed.
	StatusIndexed Status = "indexed"
	// StatusFailed means the background indexing run aborted with an error.
	StatusFailed Status = "failed"
)

// Source is one persisted file record.
type Source struct {
	// ID is the opaque stable identifier used as the external handle.
	ID string
	// Name is the sanitized original filename.
	Name string
	// Path is the content address: the sha256 hex digest of the file bytes,
	// which is also the file's name under the content directory.
	Path string
	// Size is the file size in bytes.
	Size int64
	// User is the owning user identifier.
	User string
	// Note is free-form metadata attached at upload time.
	Note string
	// Status is the indexing state of this source.
	Status Status
	// TokenCount is the estimated token total persisted when indexing finishes.
	TokenCount int
	// CreatedAt is when the record was inserted.
	CreatedAt time.Time
}

// User is one account row. PasswordHash is a one-way bcrypt hash and is never
// serialized to API responses.
type User struct {
	// ID is the opaque stable identifier.
	ID string
	// Username is the name as entered at creation time.
	Username string
	// PasswordHash is the bcrypt hash of the password.
	PasswordHash string
	// Admin marks administrative accounts.
	Admin bool
	// CreatedAt is when the account was created.
	CreatedAt time.Time
}

// SQLiteStore is the production store backed by a local SQLite database.
type SQLiteStore struct {
	// db is the underlying database connection pool.
	db *sql.DB
}

// Open opens (or creates) a SQLiteStore at the given path and runs the schema
// migration. Use ":memory:" for an in-memory database in tests.
func Open(path string) (*SQLiteStore, error) {
	// WAL mode improves concurrent read performance and is safe for single-host use.
	dsn := path + "?_journal_mode=WAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	// Limit to a single writer connection to avoid SQLITE_BUSY under concurrent writes.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.Migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Migrate creates the schema if it does not already exist. Safe to rerun.
func (s *SQLiteStore) Migrate() error {
	const ddl = `
CREATE TABLE IF NOT EXISTS sources (
    id          TEXT    PRIMARY KEY,
    name        TEXT    NOT NULL,
    path        TEXT    NOT NULL,  -- sha256 content address
    size        INTEGER NOT NULL,
    user        TEXT    NOT NULL,
    note        TEXT    NOT NULL DEFAULT '',
    status      TEXT    NOT NULL DEFAULT 'pending'
                        CHECK(status IN ('pending','indexed','failed')),
    token_count INTEGER NOT NULL DEFAULT 0,
    created_at  INTEGER NOT NULL,  -- Unix timestamp (seconds)
    UNIQUE (path, user)
);
CREATE INDEX IF NOT EXISTS idx_sources_user ON sources (user, created_at);

CREATE TABLE IF NOT EXISTS users (
    id             TEXT    PRIMARY KEY,
    username       TEXT    NOT NULL,
    username_lower TEXT    NOT NULL UNIQUE,
    password_hash  TEXT    NOT NULL,
    admin          INTEGER NOT NULL DEFAULT 0,
    created_at     INTEGER NOT NULL
);
`
	if _, err := s.db.Exec(ddl); err != nil {
		return fmt.Errorf("store: migrate: %w", err)
	}
	return nil
}

// InsertSource persists a new source row with a fresh UUID and StatusPending.
// Returns [ErrDuplicateSource] when the (path, user) pair already exists so
// the caller can resolve the upload to the existing record.
func (s *SQLiteStore) InsertSource(ctx context.Context, src *Source) (string, error) {
	id := uuid.NewString()
	const q = `
INSERT INTO sources (id, name, path, size, user, note, status, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, q,
		id, src.Name, src.Path, src.Size, src.User, src.Note,
		string(StatusPending), time.Now().Unix())
	if err != nil {
		if isUniqueViolation(err) {
			return "", ErrDuplicateSource
		}
		return "", fmt.Errorf("store: insert source: %w", err)
	}
	return id, nil
}

// SourceByID returns the source with the given ID, or [ErrNotFound].
func (s *SQLiteStore) SourceByID(ctx context.Context, id string) (*Source, error) {
	const q = `
SELECT id, name, path, size, user, note, status, token_count, created_at
FROM   sources WHERE id = ?`
	return s.scanSource(s.db.QueryRowContext(ctx, q, id))
}

// SourceByAddress returns the source with the given content address owned by
// user, or [ErrNotFound]. This is the dedupe lookup used after a unique
// constraint violation on insert.
func (s *SQLiteStore) SourceByAddress(ctx context.Context, address, user string) (*Source, error) {
	const q = `
SELECT id, name, path, size, user, note, status, token_count, created_at
FROM   sources WHERE path = ? AND user = ?`
	return s.scanSource(s.db.QueryRowContext(ctx, q, address, user))
}

// ListSources returns all source rows ordered oldest-first. The user argument
// is accepted for interface stability but intentionally not applied as a row
// filter: the reference contract returns every row regardless of owner.
func (s *SQLiteStore) ListSources(ctx context.Context, user string) ([]*Source, error) {
	_ = user // see package docs: listing is not user-scoped
	const q = `
SELECT id, name, path, size, user, note, status, token_count, created_at
FROM   sources ORDER BY created_at ASC, id ASC`

	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("store: list sources: %w", err)
	}
	defer rows.Close()

	var out []*Source
	for rows.Next() {
		src, err := scanSourceRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, src)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: list sources rows: %w", err)
	}
	return out, nil
}

// SetSourceStatus updates the indexing status of a source.
func (s *SQLiteStore) SetSourceStatus(ctx context.Context, id string, status Status) error {
	const q = `UPDATE sources SET status = ? WHERE id = ?`
	res, err := s.db.ExecContext(ctx, q, string(status), id)
	if err != nil {
		return fmt.Errorf("store: set status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// FinishSource marks a source as indexed and persists its token count.
// Called only after all chunks have been handled.
func (s *SQLiteStore) FinishSource(ctx context.Context, id string, tokenCount int) error {
	const q = `UPDATE sources SET status = ?, token_count = ? WHERE id = ?`
	res, err := s.db.ExecContext(ctx, q, string(StatusIndexed), tokenCount, id)
	if err != nil {
		return fmt.Errorf("store: finish source: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteSource removes a source row by ID. Used by tests and future
// file-deletion support; vector-store cleanup is the caller's concern.
func (s *SQLiteStore) DeleteSource(ctx context.Context, id string) error {
	const q = `DELETE FROM sources WHERE id = ?`
	if _, err := s.db.ExecContext(ctx, q, id); err != nil {
		return fmt.Errorf("store: delete source: %w", err)
	}
	return nil
}

// CreateUser persists a new user row with a fresh UUID. The username is
// stored both as entered and lowercased; the lowercased column carries the
// unique constraint, so "Alice" and "alice" collide. Returns
// [ErrDuplicateUser] on collision.
func (s *SQLiteStore) CreateUser(ctx context.Context, username, passwordHash string, admin bool) (*User, error) {
	u := &User{
		ID:           uuid.NewString(),
		Username:     username,
		PasswordHash: passwordHash,
		Admin:        admin,
		CreatedAt:    time.Now(),
	}
	const q = `
INSERT INTO users (id, username, username_lower, password_hash, admin, created_at)
VALUES (?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, q,
		u.ID, u.Username, strings.ToLower(username), u.PasswordHash,
		boolInt(u.Admin), u.CreatedAt.Unix())
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicateUser
		}
		return nil, fmt.Errorf("store: create user: %w", err)
	}
	return u, nil
}

// UserByUsername returns the user matching username case-insensitively,
// or [ErrNotFound].
func (s *SQLiteStore) UserByUsername(ctx context.Context, username string) (*User, error) {
	const q = `
SELECT id, username, password_hash, admin, created_at
FROM   users WHERE username_lower = ?`

	var u User
	var admin int
	var ts int64
	err := s.db.QueryRowContext(ctx, q, strings.ToLower(username)).
		Scan(&u.ID, &u.Username, &u.PasswordHash, &admin, &ts)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: user by username: %w", err)
	}
	u.Admin = admin != 0
	u.CreatedAt = time.Unix(ts, 0)
	return &u, nil
}

// Ping reports whether the database is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("store: ping: %w", err)
	}
	return nil
}

// Close releases the database connection pool.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("store: close: %w", err)
	}
	return nil
}

// rowScanner abstracts *sql.Row and *sql.Rows for the shared source scan.
type rowScanner interface {
	Scan(dest ...any) error
}

// scanSource scans a single source row, mapping sql.ErrNoRows to ErrNotFound.
func (s *SQLiteStore) scanSource(row *sql.Row) (*Source, error) {
	src, err := scanSourceRow(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return src, nil
}

// scanSourceRow scans the standard source column set from any scanner.
func scanSourceRow(row rowScanner) (*Source, error) {
	var src Source
	var status string
	var ts int64
	err := row.Scan(&src.ID, &src.Name, &src.Path, &src.Size, &src.User,
		&src.Note, &status, &src.TokenCount, &ts)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("store: scan source: %w", err)
	}
	src.Status = Status(status)
	src.CreatedAt = time.Unix(ts, 0)
	return &src, nil
}

// isUniqueViolation reports whether err is a SQLite UNIQUE constraint failure.
// The modernc driver surfaces these as formatted strings rather than typed
// errors, so matching on the canonical SQLite message is the stable check.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// boolInt converts a bool to the 0/1 integer form SQLite stores.
func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
