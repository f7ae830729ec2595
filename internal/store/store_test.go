package store

import (
	"context"
	"errors"
	"testing"
	"time"
)

// openTestStore opens an in-memory SQLiteStore for use in tests.
func openTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("open in-memory store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func Test_Store_InsertAndGetSource(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	id, err := s.InsertSource(ctx, &Source{
		Name: "report.pdf",
		Path: "deadbeef",
		Size: 1024,
		User: "api",
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if id == "" {
		t.Fatal("insert returned empty id")
	}

	src, err := s.SourceByID(ctx, id)
	if err != nil {
		t.Fatalf("source by id: %v", err)
	}
	if src.Name != "report.pdf" || src.Path != "deadbeef" || src.Size != 1024 {
		t.Errorf("unexpected source: %+v", src)
	}
	if src.Status != StatusPending {
		t.Errorf("new source status: want %s, got %s", StatusPending, src.Status)
	}
	if src.CreatedAt.IsZero() || time.Since(src.CreatedAt) > time.Minute {
		t.Errorf("created_at not set sensibly: %v", src.CreatedAt)
	}
}

func Test_Store_DuplicateSourceSameUser(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	first, err := s.InsertSource(ctx, &Source{Name: "a.txt", Path: "cafe", Size: 1, User: "api"})
	if err != nil {
		t.Fatalf("first insert: %v", err)
	}

	_, err = s.InsertSource(ctx, &Source{Name: "a-copy.txt", Path: "cafe", Size: 1, User: "api"})
	if !errors.Is(err, ErrDuplicateSource) {
		t.Fatalf("want ErrDuplicateSource, got %v", err)
	}

	// The dedupe lookup must resolve to the first record.
	src, err := s.SourceByAddress(ctx, "cafe", "api")
	if err != nil {
		t.Fatalf("source by address: %v", err)
	}
	if src.ID != first {
		t.Errorf("dedupe lookup: want id %s, got %s", first, src.ID)
	}
}

func Test_Store_SameContentDifferentUsers(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	idA, err := s.InsertSource(ctx, &Source{Name: "a.txt", Path: "cafe", Size: 1, User: "alice"})
	if err != nil {
		t.Fatalf("insert alice: %v", err)
	}
	idB, err := s.InsertSource(ctx, &Source{Name: "a.txt", Path: "cafe", Size: 1, User: "bob"})
	if err != nil {
		t.Fatalf("insert bob: %v", err)
	}
	if idA == idB {
		t.Error("uniqueness is scoped per-user: ids must differ across owners")
	}
}

func Test_Store_SourceByIDNotFound(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)

	_, err := s.SourceByID(context.Background(), "no-such-id")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

func Test_Store_StatusTransitions(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	id, err := s.InsertSource(ctx, &Source{Name: "b.md", Path: "beef", Size: 9, User: "api"})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	if err := s.SetSourceStatus(ctx, id, StatusFailed); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	src, _ := s.SourceByID(ctx, id)
	if src.Status != StatusFailed {
		t.Errorf("want failed, got %s", src.Status)
	}

	if err := s.FinishSource(ctx, id, 321); err != nil {
		t.Fatalf("finish: %v", err)
	}
	src, _ = s.SourceByID(ctx, id)
	if src.Status != StatusIndexed {
		t.Errorf("want indexed, got %s", src.Status)
	}
	if src.TokenCount != 321 {
		t.Errorf("want token count 321, got %d", src.TokenCount)
	}
}

func Test_Store_SetStatusUnknownID(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)

	err := s.SetSourceStatus(context.Background(), "missing", StatusFailed)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

func Test_Store_ListSourcesReturnsAllRows(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.InsertSource(ctx, &Source{Name: "x", Path: "p1", Size: 1, User: "alice"}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, err := s.InsertSource(ctx, &Source{Name: "y", Path: "p2", Size: 2, User: "bob"}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	// Listing is deliberately not scoped to the requesting user.
	rows, err := s.ListSources(ctx, "alice")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("want 2 rows, got %d", len(rows))
	}
}

func Test_Store_CreateUserAndLookup(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	u, err := s.CreateUser(ctx, "Alice", "hash", true)
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	if u.Username != "Alice" || !u.Admin {
		t.Errorf("unexpected user: %+v", u)
	}

	// Lookup must be case-insensitive.
	got, err := s.UserByUsername(ctx, "aLiCe")
	if err != nil {
		t.Fatalf("user by username: %v", err)
	}
	if got.ID != u.ID {
		t.Errorf("want id %s, got %s", u.ID, got.ID)
	}
}

func Test_Store_DuplicateUsernameCaseInsensitive(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.CreateUser(ctx, "Carol", "h1", false); err != nil {
		t.Fatalf("create: %v", err)
	}
	_, err := s.CreateUser(ctx, "CAROL", "h2", false)
	if !errors.Is(err, ErrDuplicateUser) {
		t.Fatalf("want ErrDuplicateUser, got %v", err)
	}
}

func Test_Store_UserNotFound(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)

	_, err := s.UserByUsername(context.Background(), "ghost")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}
