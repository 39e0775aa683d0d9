package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/basket/turnstream/internal/commit"
	"github.com/basket/turnstream/internal/config"
	"github.com/basket/turnstream/internal/persistence"
)

func TestRunBackupCommand_Usage(t *testing.T) {
	if code := runBackupCommand(context.Background(), nil); code != 2 {
		t.Fatalf("got exit code %d, want 2", code)
	}
}

func TestRunBackupCommand_CopiesStore(t *testing.T) {
	setTestConfig(t, "127.0.0.1:0")
	t.Setenv("TURNSTREAM_DB_PATH", "")
	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("config load: %v", err)
	}
	ctx := context.Background()
	store, err := persistence.Open(cfg.DBPath)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	a := commit.Artifact{CommitID: "c_backup", SessionID: "s_1", TurnID: "t_1", Digest: "d", Outcome: commit.OutcomeOK}
	if _, err := store.WriteArtifact(ctx, a); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = store.Close()

	dest := filepath.Join(t.TempDir(), "copy.db")
	if code := runBackupCommand(ctx, []string{dest}); code != 0 {
		t.Fatalf("got exit code %d, want 0", code)
	}
	copied, err := persistence.Open(dest)
	if err != nil {
		t.Fatalf("open backup: %v", err)
	}
	defer copied.Close()
	if _, err := copied.GetCommit(ctx, "c_backup"); err != nil {
		t.Fatalf("backup missing commit: %v", err)
	}

	// An existing destination is never overwritten.
	if code := runBackupCommand(ctx, []string{dest}); code != 1 {
		t.Fatalf("second backup exit code %d, want 1", code)
	}
	if _, err := os.Stat(dest); err != nil {
		t.Fatalf("backup removed: %v", err)
	}
}
