package sqlite_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/kiro/internal/efe"
	"github.com/MrWong99/kiro/internal/efe/efetest"
	"github.com/MrWong99/kiro/internal/efe/sqlite"
	"github.com/MrWong99/kiro/internal/efe/sqlstore"
)

func TestStore(t *testing.T) {
	t.Parallel()
	efetest.RunStoreTests(t, func(t *testing.T, now func() time.Time) efe.Store {
		path := filepath.Join(t.TempDir(), "kiro.db")
		s, err := sqlite.Open(context.Background(), path, sqlstore.WithClock(now))
		if err != nil {
			t.Fatalf("Open: %v", err)
		}
		t.Cleanup(func() { s.Close() })
		return s
	})
}

func TestOpenCreatesDirectory(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "nested", "data", "kiro.db")
	s, err := sqlite.Open(context.Background(), path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()
	if _, err := os.Stat(path); err != nil {
		t.Errorf("database file missing: %v", err)
	}
}

func TestReopenKeepsData(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "kiro.db")

	s, err := sqlite.Open(ctx, path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	task, err := s.CreateTask(ctx, efe.Task{Title: "Water plants"})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	s.Close()

	s, err = sqlite.Open(ctx, path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()
	got, err := s.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Title != "Water plants" {
		t.Errorf("Title = %q, want %q", got.Title, "Water plants")
	}
}

func TestExpandPath(t *testing.T) {
	t.Parallel()
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}
	got, err := sqlite.ExpandPath("")
	if err != nil {
		t.Fatalf("ExpandPath: %v", err)
	}
	if want := filepath.Join(home, ".kiro", "data", "kiro.db"); got != want {
		t.Errorf("got %q, want %q", got, want)
	}
	got, err = sqlite.ExpandPath("/tmp/x.db")
	if err != nil {
		t.Fatalf("ExpandPath: %v", err)
	}
	if got != "/tmp/x.db" {
		t.Errorf("got %q, want /tmp/x.db", got)
	}
	if got, _ := sqlite.ExpandPath("~/k.db"); !strings.HasPrefix(got, home) {
		t.Errorf("got %q, want prefix %q", got, home)
	}
}
