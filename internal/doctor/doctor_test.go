package doctor

import (
	"context"
	"net"
	"path/filepath"
	"testing"

	"github.com/basket/turnstream/internal/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	home := t.TempDir()
	return &config.Config{
		HomeDir:     home,
		BindAddr:    "127.0.0.1:0",
		DBPath:      filepath.Join(home, "turnstream.db"),
		ArtifactDir: filepath.Join(home, "artifacts"),
		Producer:    config.ProducerConfig{Kind: "scripted", Tokens: []string{"a"}},
	}
}

func TestRun_ScriptedSetupPasses(t *testing.T) {
	d := Run(context.Background(), testConfig(t), "test")
	if d.Failed() {
		t.Fatalf("diagnosis failed: %+v", d.Results)
	}
	if len(d.Results) != 6 || d.System.Version != "test" {
		t.Fatalf("diagnosis = %+v", d)
	}
	byName := map[string]CheckResult{}
	for _, r := range d.Results {
		byName[r.Name] = r
	}
	if byName["Network"].Status != StatusSkip {
		t.Fatalf("network = %+v", byName["Network"])
	}
	if byName["Database"].Status != StatusPass || byName["Artifacts"].Status != StatusPass {
		t.Fatalf("storage checks = %+v / %+v", byName["Database"], byName["Artifacts"])
	}
}

func TestChecks_NilConfig(t *testing.T) {
	d := Run(context.Background(), nil, "")
	if !d.Failed() {
		t.Fatal("nil config should fail the config check")
	}
	for _, r := range d.Results[1:] {
		if r.Status != StatusSkip {
			t.Fatalf("%s = %s, want SKIP", r.Name, r.Status)
		}
	}
}

func TestCheckProducer_MissingKey(t *testing.T) {
	cfg := testConfig(t)
	cfg.Producer = config.ProducerConfig{Kind: "genkit", Provider: "anthropic", Model: "m"}
	t.Setenv("ANTHROPIC_API_KEY", "")
	if r := checkProducer(context.Background(), cfg); r.Status != StatusWarn {
		t.Fatalf("producer = %+v", r)
	}
	t.Setenv("ANTHROPIC_API_KEY", "k")
	if r := checkProducer(context.Background(), cfg); r.Status != StatusPass {
		t.Fatalf("producer = %+v", r)
	}
}

func TestCheckListener_InUse(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	cfg := testConfig(t)
	cfg.BindAddr = ln.Addr().String()
	if r := checkListener(context.Background(), cfg); r.Status != StatusWarn {
		t.Fatalf("listener = %+v", r)
	}
}

func TestCheckNetwork_CanceledContext(t *testing.T) {
	cfg := testConfig(t)
	cfg.Producer = config.ProducerConfig{Kind: "genkit", Provider: "google"}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if r := checkNetwork(ctx, cfg); r.Status != StatusFail {
		t.Fatalf("expected FAIL for canceled context, got %+v", r)
	}
}

func TestHostOf(t *testing.T) {
	if h, err := hostOf("http://localhost:11434/v1"); err != nil || h != "localhost" {
		t.Fatalf("host = %q, err = %v", h, err)
	}
	if _, err := hostOf("not a url"); err == nil {
		t.Fatal("expected error")
	}
}
