package state

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "state", "updater.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSessionRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	if _, err := s.LoadSession(ctx); !errors.Is(err, ErrNoSession) {
		t.Fatalf("LoadSession on empty db: %v", err)
	}
	if err := s.SaveSession(ctx, []byte(`{"state":"Downloading"}`)); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveSession(ctx, []byte(`{"state":"Downloaded"}`)); err != nil {
		t.Fatal(err)
	}
	data, err := s.LoadSession(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != `{"state":"Downloaded"}` {
		t.Fatalf("LoadSession = %s", data)
	}
}

func TestSessionSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "updater.db")
	s, err := Open(ctx, path)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.SaveSession(ctx, []byte(`{"state":"Installing"}`)); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	s2, err := Open(ctx, path)
	if err != nil {
		t.Fatal(err)
	}
	defer s2.Close()
	data, err := s2.LoadSession(ctx)
	if err != nil || !strings.Contains(string(data), "Installing") {
		t.Fatalf("LoadSession after reopen = %s, %v", data, err)
	}
}

func TestHistoryNewestFirstAndPrune(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	base := time.Date(2026, 3, 1, 2, 0, 0, 0, time.UTC)

	for i, outcome := range []string{"RestartRequired", "Failed", "RolledBack"} {
		_, err := s.AppendHistory(ctx, HistoryEntry{
			AttemptID:   outcome,
			FromVersion: "1.0.0",
			ToVersion:   "1.1.0",
			Outcome:     outcome,
			StartedAt:   base.Add(time.Duration(i) * time.Hour),
			FinishedAt:  base.Add(time.Duration(i)*time.Hour + time.Minute),
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	all, err := s.History(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 || all[0].Outcome != "RolledBack" || all[2].Outcome != "RestartRequired" {
		t.Fatalf("History = %+v", all)
	}
	if !all[0].StartedAt.Equal(base.Add(2 * time.Hour)) {
		t.Fatalf("StartedAt = %s", all[0].StartedAt)
	}

	limited, err := s.History(ctx, 2)
	if err != nil || len(limited) != 2 {
		t.Fatalf("History(2) = %d entries, %v", len(limited), err)
	}

	n, err := s.PruneHistory(ctx, 1)
	if err != nil || n != 2 {
		t.Fatalf("PruneHistory = %d, %v", n, err)
	}
	rest, _ := s.History(ctx, 0)
	if len(rest) != 1 || rest[0].Outcome != "RolledBack" {
		t.Fatalf("after prune = %+v", rest)
	}
}

func TestOpenRequiresPath(t *testing.T) {
	if _, err := Open(context.Background(), "  "); err == nil {
		t.Fatal("expected error for empty path")
	}
}
