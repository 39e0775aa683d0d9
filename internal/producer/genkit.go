package producer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/anthropic"
	"github.com/firebase/genkit/go/plugins/compat_oai"
	"github.com/firebase/genkit/go/plugins/googlegenai"
)

// ErrNoCredentials is returned by StartTurn when the provider was built
// without an API key.
var ErrNoCredentials = errors.New("provider has no API key")

// GenkitConfig selects the model backend.
type GenkitConfig struct {
	// Provider is "google", "anthropic", "openai" or "openai_compatible".
	Provider string
	Model    string
	APIKey   string
	// BaseURL is used by openai_compatible; other providers read their
	// usual *_BASE_URL environment variable.
	BaseURL string
	// CompatName names the openai_compatible backend.
	CompatName string
	System     string
}

// GenkitProvider streams tokens from a Genkit model.
type GenkitProvider struct {
	g        *genkit.Genkit
	provider string
	model    string
	system   string
	llmOn    bool
	logger   *slog.Logger

	mu      sync.Mutex
	started map[string]context.CancelFunc
}

var defaultModels = map[string]string{
	"google":            "gemini-2.5-flash",
	"anthropic":         "claude-sonnet-4-5",
	"openai":            "gpt-4o-mini",
	"openai_compatible": "gpt-4o-mini",
}

// NewGenkitProvider initializes Genkit with the plugin for cfg.Provider.
// A missing API key leaves the provider unhealthy rather than failing.
func NewGenkitProvider(ctx context.Context, cfg GenkitConfig, logger *slog.Logger) *GenkitProvider {
	if logger == nil {
		logger = slog.Default()
	}
	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))
	if provider == "" {
		provider = "google"
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultModels[provider]
	}
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		apiKey = envAPIKey(provider)
	}

	p := &GenkitProvider{
		provider: provider,
		model:    model,
		system:   cfg.System,
		logger:   logger,
		started:  make(map[string]context.CancelFunc),
	}

	if apiKey == "" {
		p.g = genkit.Init(ctx)
		logger.Warn("provider API key missing; turns will fail", "provider", provider)
		return p
	}

	switch provider {
	case "anthropic":
		p.g = genkit.Init(ctx, genkit.WithPlugins(&anthropic.Anthropic{
			APIKey:  apiKey,
			BaseURL: os.Getenv("ANTHROPIC_BASE_URL"),
		}))
	case "openai":
		p.g = genkit.Init(ctx, genkit.WithPlugins(&compat_oai.OpenAICompatible{
			Provider: "openai",
			APIKey:   apiKey,
			BaseURL:  os.Getenv("OPENAI_BASE_URL"),
		}))
	case "openai_compatible":
		p.g = genkit.Init(ctx, genkit.WithPlugins(&compat_oai.OpenAICompatible{
			Provider: cfg.CompatName,
			APIKey:   apiKey,
			BaseURL:  cfg.BaseURL,
		}))
	case "google":
		p.g = genkit.Init(ctx, genkit.WithPlugins(&googlegenai.GoogleAI{APIKey: apiKey}))
	default:
		p.g = genkit.Init(ctx)
		logger.Warn("unknown provider; turns will fail", "provider", provider)
		return p
	}
	p.llmOn = true
	logger.Info("genkit provider initialized", "provider", provider, "model", p.modelName(model))
	return p
}

func envAPIKey(provider string) string {
	switch provider {
	case "anthropic":
		return os.Getenv("ANTHROPIC_API_KEY")
	case "openai", "openai_compatible":
		return os.Getenv("OPENAI_API_KEY")
	case "google":
		if k := os.Getenv("GEMINI_API_KEY"); k != "" {
			return k
		}
		return os.Getenv("GOOGLE_API_KEY")
	}
	return ""
}

func (p *GenkitProvider) modelName(model string) string {
	switch p.provider {
	case "anthropic":
		return "anthropic/" + model
	case "openai":
		return "openai/" + model
	case "openai_compatible":
		return model
	default:
		return "googleai/" + model
	}
}

func (p *GenkitProvider) StartTurn(ctx context.Context, req Request) (<-chan ProviderEvent, error) {
	if !p.llmOn {
		return nil, fmt.Errorf("%w: %s", ErrNoCredentials, p.provider)
	}
	p.mu.Lock()
	if _, ok := p.started[req.TurnID]; ok {
		p.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrTurnStarted, req.TurnID)
	}
	ctx, cancel := context.WithCancel(ctx)
	p.started[req.TurnID] = cancel
	p.mu.Unlock()

	model := req.Model
	if model == "" {
		model = p.model
	}
	out := make(chan ProviderEvent)
	go func() {
		defer close(out)
		defer func() {
			cancel()
			p.mu.Lock()
			delete(p.started, req.TurnID)
			p.mu.Unlock()
		}()
		p.stream(ctx, p.modelName(model), req, out)
	}()
	return out, nil
}

func (p *GenkitProvider) stream(ctx context.Context, name string, req Request, out chan<- ProviderEvent) {
	if !send(ctx, out, ProviderEvent{Kind: EventSelected, Model: name}) {
		return
	}
	if !send(ctx, out, ProviderEvent{Kind: EventLoading, Model: name}) {
		return
	}

	opts := []ai.GenerateOption{
		ai.WithModelName(name),
		ai.WithMessages(ai.NewUserTextMessage(req.Input)),
	}
	system := p.system
	if s, ok := req.Params["system"].(string); ok && s != "" {
		system = s
	}
	if system != "" {
		// ai.WithSystem formats its argument.
		opts = append(opts, ai.WithSystem(strings.ReplaceAll(system, "%", "%%")))
	}

	ready := false
	reason := "stop"
	for val, err := range genkit.GenerateStream(ctx, p.g, opts...) {
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			send(ctx, out, ProviderEvent{Kind: EventError, Err: fmt.Errorf("stream %s: %w", name, err)})
			return
		}
		if !ready {
			ready = true
			if !send(ctx, out, ProviderEvent{Kind: EventReady, Model: name}) {
				return
			}
		}
		if val.Chunk != nil {
			for _, part := range val.Chunk.Content {
				if part.Kind != ai.PartText || part.Text == "" {
					continue
				}
				if !send(ctx, out, ProviderEvent{Kind: EventTokenDelta, Text: part.Text}) {
					return
				}
			}
		}
		if val.Done && val.Response != nil && val.Response.FinishReason != "" {
			reason = string(val.Response.FinishReason)
		}
	}
	send(ctx, out, ProviderEvent{Kind: EventStopped, Reason: reason})
}

func (p *GenkitProvider) Cancel(_ context.Context, providerTurnID string) error {
	p.mu.Lock()
	cancel, ok := p.started[providerTurnID]
	p.mu.Unlock()
	if ok {
		cancel()
		p.logger.Debug("provider turn canceled", "provider", p.provider, "turn_id", providerTurnID)
	}
	return nil
}

func (p *GenkitProvider) Health(context.Context) Health {
	h := Health{Provider: p.provider, Model: p.model, Healthy: p.llmOn}
	if !p.llmOn {
		h.Detail = "no API key configured"
	}
	return h
}

// Prewarm resolves the model so the first turn does not pay for plugin
// lookup.
func (p *GenkitProvider) Prewarm(_ context.Context, modelID string) error {
	if !p.llmOn {
		return fmt.Errorf("%w: %s", ErrNoCredentials, p.provider)
	}
	if modelID == "" {
		modelID = p.model
	}
	if genkit.LookupModel(p.g, p.modelName(modelID)) == nil {
		return fmt.Errorf("model %s not registered by %s plugin", modelID, p.provider)
	}
	return nil
}
