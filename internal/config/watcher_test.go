package config_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/turnstream/internal/config"
)

func TestWatcher_DetectsConfigChange(t *testing.T) {
	homeDir := t.TempDir()
	cfgPath := config.ConfigPath(homeDir)
	if err := os.WriteFile(cfgPath, []byte("log_level: info\n"), 0o644); err != nil {
		t.Fatalf("write initial config: %v", err)
	}

	w := config.NewWatcher(homeDir, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("start watcher: %v", err)
	}

	// Unrelated files in the home dir are ignored.
	_ = os.WriteFile(filepath.Join(homeDir, "notes.txt"), []byte("x"), 0o644)

	deadline := time.After(3 * time.Second)
	writeTick := time.NewTicker(50 * time.Millisecond)
	defer writeTick.Stop()
	if err := os.WriteFile(cfgPath, []byte("log_level: debug\n"), 0o644); err != nil {
		t.Fatalf("write updated config: %v", err)
	}

	for {
		select {
		case ev := <-w.Events():
			if filepath.Base(ev.Path) != "config.yaml" {
				t.Fatalf("expected config.yaml event, got %s", ev.Path)
			}
			return
		case <-writeTick.C:
			_ = os.WriteFile(cfgPath, []byte("log_level: debug\n"), 0o644)
		case <-deadline:
			t.Fatal("timed out waiting for config.yaml change event")
		}
	}
}

func TestReloader_AppliesNewConfig(t *testing.T) {
	homeDir := t.TempDir()
	t.Setenv("TURNSTREAM_HOME", homeDir)
	cfgPath := config.ConfigPath(homeDir)
	if err := os.WriteFile(cfgPath, []byte("bus:\n  bounded_max_events_per_turn: 4\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	w := config.NewWatcher(homeDir, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatal(err)
	}
	applied := make(chan config.Config, 16)
	go config.Reloader(ctx, w, nil, func(c config.Config) { applied <- c })

	body := []byte("bus:\n  bounded_max_events_per_turn: 8\n")
	_ = os.WriteFile(cfgPath, body, 0o644)
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case c := <-applied:
			if c.Bus.BoundedMaxEventsPerTurn == 8 {
				return
			}
		case <-tick.C:
			_ = os.WriteFile(cfgPath, body, 0o644)
		case <-deadline:
			t.Fatal("reload never applied")
		}
	}
}
