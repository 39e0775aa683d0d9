package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/basket/turnstream/internal/bus"
	"github.com/basket/turnstream/internal/otel"
)

// BusConfig holds the per-turn budgets of the stream bus.
type BusConfig struct {
	BestEffortMaxEventsPerTurn int `yaml:"best_effort_max_events_per_turn"`
	BoundedMaxEventsPerTurn    int `yaml:"bounded_max_events_per_turn"`
	MaxBytesPerTurnQueue       int `yaml:"max_bytes_per_turn_queue"`
}

// ProducerConfig selects what generates turn content. Kind "scripted"
// replays Tokens; kind "genkit" streams from an LLM provider.
type ProducerConfig struct {
	Kind            string   `yaml:"kind"`
	Provider        string   `yaml:"provider"`
	Model           string   `yaml:"model"`
	APIKey          string   `yaml:"api_key"`
	BaseURL         string   `yaml:"base_url"`
	CompatName      string   `yaml:"compat_name"`
	System          string   `yaml:"system"`
	Tokens          []string `yaml:"tokens"`
	TokenDelayMS    int      `yaml:"token_delay_ms"`
	DeadlineSeconds int      `yaml:"deadline_seconds"`
}

// RetentionConfig drives the periodic purge. 0 days keeps rows forever.
type RetentionConfig struct {
	Schedule     string `yaml:"schedule"`
	TraceDays    int    `yaml:"trace_days"`
	CommitDays   int    `yaml:"commit_days"`
	AuditLogDays int    `yaml:"audit_log_days"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr  string `yaml:"bind_addr"`
	LogLevel  string `yaml:"log_level"`
	AuthToken string `yaml:"auth_token"`

	// AllowOrigins lists Origin headers accepted for browser websocket
	// connections. Empty means local-only.
	AllowOrigins []string `yaml:"allow_origins"`

	DBPath      string `yaml:"db_path"`
	ArtifactDir string `yaml:"artifact_dir"`

	DrainTimeoutSeconds int `yaml:"drain_timeout_seconds"`

	// RPCRequestsPerMinute caps JSON-RPC calls per websocket connection.
	// Zero disables the limit.
	RPCRequestsPerMinute int `yaml:"rpc_requests_per_minute"`
	RPCBurst             int `yaml:"rpc_burst"`

	// VerifyStream runs the law checker over every forwarded subscription.
	VerifyStream bool `yaml:"verify_stream"`

	Bus       BusConfig       `yaml:"bus"`
	Producer  ProducerConfig  `yaml:"producer"`
	OTel      otel.Config     `yaml:"otel"`
	Retention RetentionConfig `yaml:"retention"`

	NeedsGenesis bool `yaml:"-"`
}

const (
	defaultBindAddr = "127.0.0.1:18790"
	defaultSchedule = "@daily"
)

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// BusLimits converts the bus section for bus.New and bus.SetLimits.
func (c Config) BusLimits() bus.Config {
	return bus.Config{
		BestEffortMaxEventsPerTurn: c.Bus.BestEffortMaxEventsPerTurn,
		BoundedMaxEventsPerTurn:    c.Bus.BoundedMaxEventsPerTurn,
		MaxBytesPerTurnQueue:       c.Bus.MaxBytesPerTurnQueue,
	}
}

// DrainTimeout bounds graceful shutdown.
func (c Config) DrainTimeout() time.Duration {
	return time.Duration(c.DrainTimeoutSeconds) * time.Second
}

// loadRawConfig reads config.yaml into a generic map, returning an empty
// map if the file doesn't exist.
func loadRawConfig(path string) (map[string]any, error) {
	raw := make(map[string]any)
	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("parse config.yaml: %w", err)
		}
	}
	return raw, nil
}

func saveRawConfig(path string, raw map[string]any) error {
	out, err := yaml.Marshal(raw)
	if err != nil {
		return fmt.Errorf("marshal config.yaml: %w", err)
	}
	return os.WriteFile(path, out, 0o644)
}

// SetProducer switches the producer section to a genkit provider and
// model, preserving every other setting.
func SetProducer(homeDir, provider, model string) error {
	path := ConfigPath(homeDir)
	raw, err := loadRawConfig(path)
	if err != nil {
		return err
	}
	section, _ := raw["producer"].(map[string]any)
	if section == nil {
		section = make(map[string]any)
	}
	section["kind"] = "genkit"
	section["provider"] = provider
	section["model"] = model
	raw["producer"] = section
	return saveRawConfig(path, raw)
}

// Fingerprint returns a stable hash of the settings that change behavior.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "bind=%s|log=%s|producer=%s/%s/%s|bus=%d/%d/%d|origins=%v|verify=%t",
		c.BindAddr, c.LogLevel, c.Producer.Kind, c.Producer.Provider, c.Producer.Model,
		c.Bus.BestEffortMaxEventsPerTurn, c.Bus.BoundedMaxEventsPerTurn, c.Bus.MaxBytesPerTurnQueue,
		c.AllowOrigins, c.VerifyStream)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig() Config {
	return Config{
		BindAddr:            defaultBindAddr,
		LogLevel:            "info",
		DrainTimeoutSeconds: 5,
		Bus: BusConfig{
			BestEffortMaxEventsPerTurn: bus.DefaultBestEffortMaxEventsPerTurn,
			BoundedMaxEventsPerTurn:    bus.DefaultBoundedMaxEventsPerTurn,
			MaxBytesPerTurnQueue:       bus.DefaultMaxBytesPerTurnQueue,
		},
		Producer: ProducerConfig{Kind: "scripted"},
		Retention: RetentionConfig{
			Schedule:     defaultSchedule,
			TraceDays:    30,
			CommitDays:   0,
			AuditLogDays: 365,
		},
	}
}

func HomeDir() string {
	if override := os.Getenv("TURNSTREAM_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".turnstream")
}

func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create turnstream home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil {
		if !os.IsNotExist(err) {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
		cfg.NeedsGenesis = true
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.BindAddr == "" {
		cfg.BindAddr = defaultBindAddr
	}
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.DrainTimeoutSeconds <= 0 {
		cfg.DrainTimeoutSeconds = 5
	}
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.HomeDir, "turnstream.db")
	}
	if cfg.ArtifactDir == "" {
		cfg.ArtifactDir = filepath.Join(cfg.HomeDir, "artifacts")
	}

	if cfg.Bus.BestEffortMaxEventsPerTurn <= 0 {
		cfg.Bus.BestEffortMaxEventsPerTurn = bus.DefaultBestEffortMaxEventsPerTurn
	}
	if cfg.Bus.BoundedMaxEventsPerTurn <= 0 {
		cfg.Bus.BoundedMaxEventsPerTurn = bus.DefaultBoundedMaxEventsPerTurn
	}
	if cfg.Bus.MaxBytesPerTurnQueue <= 0 {
		cfg.Bus.MaxBytesPerTurnQueue = bus.DefaultMaxBytesPerTurnQueue
	}

	cfg.Producer.Kind = strings.ToLower(strings.TrimSpace(cfg.Producer.Kind))
	if cfg.Producer.Kind == "" {
		cfg.Producer.Kind = "scripted"
	}
	cfg.Producer.Provider = strings.ToLower(strings.TrimSpace(cfg.Producer.Provider))
	if cfg.Producer.Provider == "gemini" {
		cfg.Producer.Provider = "google"
	}
	if cfg.Producer.Kind == "genkit" && cfg.Producer.Provider == "" {
		cfg.Producer.Provider = "google"
	}
	if cfg.Producer.Kind == "scripted" && len(cfg.Producer.Tokens) == 0 {
		cfg.Producer.Tokens = []string{"Hello", ", ", "world", "."}
	}

	if strings.TrimSpace(cfg.Retention.Schedule) == "" {
		cfg.Retention.Schedule = defaultSchedule
	}
}

func validate(cfg Config) error {
	switch cfg.Producer.Kind {
	case "scripted", "genkit":
	default:
		return fmt.Errorf("producer.kind %q must be scripted or genkit", cfg.Producer.Kind)
	}
	if cfg.Producer.TokenDelayMS < 0 || cfg.Producer.DeadlineSeconds < 0 {
		return fmt.Errorf("producer delays must not be negative")
	}
	if cfg.RPCRequestsPerMinute < 0 || cfg.RPCBurst < 0 {
		return fmt.Errorf("rpc rate limits must not be negative")
	}
	if cfg.Retention.TraceDays < 0 || cfg.Retention.CommitDays < 0 || cfg.Retention.AuditLogDays < 0 {
		return fmt.Errorf("retention days must not be negative")
	}
	return nil
}

// ProviderAPIKey returns the configured key, letting the provider's usual
// environment variable win.
func (c Config) ProviderAPIKey() string {
	envMap := map[string]string{
		"google":            "GEMINI_API_KEY",
		"anthropic":         "ANTHROPIC_API_KEY",
		"openai":            "OPENAI_API_KEY",
		"openai_compatible": "OPENAI_API_KEY",
	}
	if envVar, ok := envMap[c.Producer.Provider]; ok {
		if v := os.Getenv(envVar); v != "" {
			return v
		}
	}
	return c.Producer.APIKey
}

func applyEnvOverrides(cfg *Config) {
	envInt := func(name string, dst *int) {
		if raw := os.Getenv(name); raw != "" {
			if v, err := strconv.Atoi(raw); err == nil {
				*dst = v
			}
		}
	}
	envString := func(name string, dst *string) {
		if raw := os.Getenv(name); raw != "" {
			*dst = raw
		}
	}

	envString("TURNSTREAM_BIND_ADDR", &cfg.BindAddr)
	envString("TURNSTREAM_LOG_LEVEL", &cfg.LogLevel)
	envString("TURNSTREAM_AUTH_TOKEN", &cfg.AuthToken)
	envString("TURNSTREAM_DB_PATH", &cfg.DBPath)
	envString("TURNSTREAM_ARTIFACT_DIR", &cfg.ArtifactDir)
	envInt("TURNSTREAM_DRAIN_TIMEOUT_SECONDS", &cfg.DrainTimeoutSeconds)
	envInt("TURNSTREAM_RPC_REQUESTS_PER_MINUTE", &cfg.RPCRequestsPerMinute)

	envInt("TURNSTREAM_BEST_EFFORT_MAX_EVENTS_PER_TURN", &cfg.Bus.BestEffortMaxEventsPerTurn)
	envInt("TURNSTREAM_BOUNDED_MAX_EVENTS_PER_TURN", &cfg.Bus.BoundedMaxEventsPerTurn)
	envInt("TURNSTREAM_MAX_BYTES_PER_TURN_QUEUE", &cfg.Bus.MaxBytesPerTurnQueue)

	envString("TURNSTREAM_PRODUCER", &cfg.Producer.Kind)
	envString("TURNSTREAM_PROVIDER", &cfg.Producer.Provider)
	envString("TURNSTREAM_MODEL", &cfg.Producer.Model)

	if raw := os.Getenv("TURNSTREAM_VERIFY_STREAM"); raw != "" {
		if v, err := strconv.ParseBool(raw); err == nil {
			cfg.VerifyStream = v
		}
	}
	if raw := os.Getenv("TURNSTREAM_OTEL_ENABLED"); raw != "" {
		if v, err := strconv.ParseBool(raw); err == nil {
			cfg.OTel.Enabled = v
		}
	}
	envString("OTEL_EXPORTER_OTLP_ENDPOINT", &cfg.OTel.Endpoint)
}
