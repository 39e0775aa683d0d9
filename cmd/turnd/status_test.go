package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/basket/turnstream/internal/config"
)

// setTestConfig points TURNSTREAM_HOME at a temp dir whose config binds addr.
func setTestConfig(t *testing.T, addr string) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("TURNSTREAM_HOME", home)
	t.Setenv("TURNSTREAM_BIND_ADDR", "")
	body := `bind_addr: "` + addr + `"`
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return home
}

func TestRunStatusCommand_ExtraArgs(t *testing.T) {
	if code := runStatusCommand(context.Background(), []string{"extra"}); code != 2 {
		t.Fatalf("got exit code %d, want 2", code)
	}
}

func TestRunStatusCommand_HealthyServer(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/healthz" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"healthy": true})
	}))
	defer ts.Close()
	setTestConfig(t, ts.Listener.Addr().String())

	if code := runStatusCommand(context.Background(), nil); code != 0 {
		t.Fatalf("got exit code %d, want 0", code)
	}
}

func TestRunStatusCommand_UnhealthyServer(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"healthy":false}`))
	}))
	defer ts.Close()
	setTestConfig(t, ts.Listener.Addr().String())

	if code := runStatusCommand(context.Background(), nil); code != 1 {
		t.Fatalf("got exit code %d, want 1", code)
	}
}

func TestRunStatusCommand_ConnectionRefused(t *testing.T) {
	setTestConfig(t, "127.0.0.1:1")
	if code := runStatusCommand(context.Background(), nil); code != 1 {
		t.Fatalf("got exit code %d, want 1", code)
	}
}

func TestRunSetModelCommand(t *testing.T) {
	home := setTestConfig(t, "127.0.0.1:1")
	if code := runSetModelCommand([]string{"anthropic"}); code != 2 {
		t.Fatalf("got exit code %d, want 2", code)
	}
	if code := runSetModelCommand([]string{"anthropic", "claude-sonnet-4-5"}); code != 0 {
		t.Fatalf("got exit code %d, want 0", code)
	}
	cfg, err := config.Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.HomeDir != home || cfg.Producer.Kind != "genkit" || cfg.Producer.Model != "claude-sonnet-4-5" {
		t.Fatalf("producer = %+v", cfg.Producer)
	}
}

func TestLoadAuthToken(t *testing.T) {
	home := t.TempDir()
	cfg := config.Config{HomeDir: home, AuthToken: " fixed "}
	if tok, err := loadAuthToken(cfg); err != nil || tok != "fixed" {
		t.Fatalf("token = %q, err = %v", tok, err)
	}

	cfg.AuthToken = ""
	first, err := loadAuthToken(cfg)
	if err != nil || first == "" {
		t.Fatalf("generated token = %q, err = %v", first, err)
	}
	second, err := loadAuthToken(cfg)
	if err != nil || second != first {
		t.Fatalf("persisted token = %q, want %q (err %v)", second, first, err)
	}
}

func TestBuildProvider(t *testing.T) {
	cfg := config.Config{Producer: config.ProducerConfig{Kind: "scripted", Tokens: []string{"a"}, TokenDelayMS: 5}}
	p := buildProvider(context.Background(), cfg, nil)
	if h := p.Health(context.Background()); h.Provider != "scripted" || !h.Healthy {
		t.Fatalf("health = %+v", h)
	}
}

func TestRunDoctorCommand(t *testing.T) {
	setTestConfig(t, "127.0.0.1:0")
	if code := runDoctorCommand(context.Background(), []string{"-json"}); code != 0 {
		t.Fatalf("got exit code %d, want 0", code)
	}
	if code := runDoctorCommand(context.Background(), []string{"-bogus"}); code != 2 {
		t.Fatalf("got exit code %d, want 2", code)
	}
}
