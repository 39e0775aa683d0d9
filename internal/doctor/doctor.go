// Package doctor runs the preflight checks behind `turnd doctor`.
package doctor

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/basket/turnstream/internal/config"
	"github.com/basket/turnstream/internal/persistence"
)

const (
	StatusPass = "PASS"
	StatusFail = "FAIL"
	StatusWarn = "WARN"
	StatusSkip = "SKIP"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

// Failed reports whether any check failed outright.
func (d Diagnosis) Failed() bool {
	for _, r := range d.Results {
		if r.Status == StatusFail {
			return true
		}
	}
	return false
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Run executes all diagnostic checks.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []func(context.Context, *config.Config) CheckResult{
		checkConfig,
		checkProducer,
		checkDatabase,
		checkArtifacts,
		checkListener,
		checkNetwork,
	}
	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}
	return d
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: StatusFail, Message: "Configuration not loaded"}
	}
	if cfg.NeedsGenesis {
		return CheckResult{Name: "Config", Status: StatusWarn, Message: "No config.yaml, running on defaults", Detail: config.ConfigPath(cfg.HomeDir)}
	}
	return CheckResult{Name: "Config", Status: StatusPass, Message: fmt.Sprintf("Loaded from %s", cfg.HomeDir), Detail: cfg.Fingerprint()}
}

func checkProducer(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Producer", Status: StatusSkip, Message: "Config missing"}
	}
	if cfg.Producer.Kind != "genkit" {
		return CheckResult{Name: "Producer", Status: StatusPass, Message: fmt.Sprintf("Scripted producer with %d tokens", len(cfg.Producer.Tokens))}
	}
	if cfg.ProviderAPIKey() == "" && cfg.Producer.Provider != "openai_compatible" {
		return CheckResult{
			Name:    "Producer",
			Status:  StatusWarn,
			Message: fmt.Sprintf("No API key for %s provider", cfg.Producer.Provider),
			Detail:  "Set the provider's API key variable or producer.api_key in config.yaml",
		}
	}
	return CheckResult{Name: "Producer", Status: StatusPass, Message: fmt.Sprintf("genkit %s/%s", cfg.Producer.Provider, cfg.Producer.Model)}
}

func checkDatabase(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil || cfg.DBPath == "" {
		return CheckResult{Name: "Database", Status: StatusSkip, Message: "Config missing"}
	}
	store, err := persistence.Open(cfg.DBPath)
	if err != nil {
		return CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Open failed: %v", err)}
	}
	defer store.Close()

	n, err := store.CommitCount(ctx)
	if err != nil {
		return CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Query failed: %v", err)}
	}
	return CheckResult{Name: "Database", Status: StatusPass, Message: "Connection and schema valid", Detail: fmt.Sprintf("commits=%d", n)}
}

func checkArtifacts(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil || cfg.ArtifactDir == "" {
		return CheckResult{Name: "Artifacts", Status: StatusSkip, Message: "Config missing"}
	}
	if err := os.MkdirAll(cfg.ArtifactDir, 0o755); err != nil {
		return CheckResult{Name: "Artifacts", Status: StatusFail, Message: fmt.Sprintf("Cannot create %s: %v", cfg.ArtifactDir, err)}
	}
	testFile := filepath.Join(cfg.ArtifactDir, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Artifacts", Status: StatusFail, Message: fmt.Sprintf("Artifact dir unwritable: %v", err)}
	}
	_ = os.Remove(testFile)
	return CheckResult{Name: "Artifacts", Status: StatusPass, Message: "Artifact directory writable"}
}

// checkListener warns when bind_addr is taken; that is usually a running
// daemon.
func checkListener(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil || cfg.BindAddr == "" {
		return CheckResult{Name: "Listener", Status: StatusSkip, Message: "Config missing"}
	}
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", cfg.BindAddr)
	if err != nil {
		return CheckResult{Name: "Listener", Status: StatusWarn, Message: fmt.Sprintf("%s unavailable", cfg.BindAddr), Detail: err.Error()}
	}
	_ = ln.Close()
	return CheckResult{Name: "Listener", Status: StatusPass, Message: fmt.Sprintf("%s is free", cfg.BindAddr)}
}

func checkNetwork(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Network", Status: StatusSkip, Message: "Config missing"}
	}
	if cfg.Producer.Kind != "genkit" {
		return CheckResult{Name: "Network", Status: StatusSkip, Message: "Scripted producer needs no network"}
	}

	endpoints := map[string]string{
		"google":    "generativelanguage.googleapis.com",
		"anthropic": "api.anthropic.com",
		"openai":    "api.openai.com",
	}
	host, ok := endpoints[cfg.Producer.Provider]
	if cfg.Producer.BaseURL != "" {
		if h, err := hostOf(cfg.Producer.BaseURL); err == nil {
			host, ok = h, true
		}
	}
	if !ok {
		return CheckResult{Name: "Network", Status: StatusSkip, Message: fmt.Sprintf("No known endpoint for %q", cfg.Producer.Provider)}
	}

	lookupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	start := time.Now()
	addrs, err := net.DefaultResolver.LookupHost(lookupCtx, host)
	latency := time.Since(start)
	if err != nil {
		return CheckResult{
			Name:    "Network",
			Status:  StatusFail,
			Message: fmt.Sprintf("DNS lookup failed for %s: %v", host, err),
			Detail:  fmt.Sprintf("provider=%s, latency=%dms", cfg.Producer.Provider, latency.Milliseconds()),
		}
	}
	return CheckResult{
		Name:    "Network",
		Status:  StatusPass,
		Message: fmt.Sprintf("DNS resolved %s (%d addresses, %dms)", host, len(addrs), latency.Milliseconds()),
		Detail:  fmt.Sprintf("provider=%s, addresses=%v", cfg.Producer.Provider, addrs),
	}
}

func hostOf(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	if u.Hostname() == "" {
		return "", fmt.Errorf("no host in %q", raw)
	}
	return u.Hostname(), nil
}
