// Package gateway exposes the interaction manager over a websocket
// JSON-RPC 2.0 endpoint. Clients start sessions, drive turns and receive
// each session's event stream as turn.event notifications.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"golang.org/x/time/rate"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/turnstream/internal/bus"
	"github.com/basket/turnstream/internal/interaction"
	tsotel "github.com/basket/turnstream/internal/otel"
	"github.com/basket/turnstream/internal/persistence"
	"github.com/basket/turnstream/internal/producer"
	"github.com/basket/turnstream/internal/shared"
	"github.com/basket/turnstream/internal/telemetry"
)

const (
	ErrCodeParse          = -32700
	ErrCodeInvalidRequest = -32600
	ErrCodeMethodNotFound = -32601
	ErrCodeInternal       = -32603

	// Stable app error taxonomy.
	ErrCodeInvalid  = 1000
	ErrCodeUnknown  = 4040 // unknown session or turn
	ErrCodeConflict = 4090 // lifecycle conflict
	ErrCodeShutdown = 5030
)

// Server-initiated notifications.
const (
	notifyTurnEvent  = "turn.event"
	notifySessionEnd = "session.closed"
)

type Config struct {
	Manager *interaction.Manager
	// Bridge runs the configured provider for turns begun over RPC. Nil
	// leaves turns to be driven by the client.
	Bridge *producer.Bridge
	Bus    *bus.Bus
	// Store is optional; when set, /healthz pings it and system.status
	// reports the persisted commit count.
	Store *persistence.Store

	AuthToken string

	// AllowOrigins controls accepted Origin headers for browser WS
	// connections. Empty means same-origin only.
	AllowOrigins []string

	// ConfigFingerprint is reported in system.status.
	ConfigFingerprint string

	// VerifyStream runs every forwarded event through a laws checker.
	VerifyStream bool

	RateLimit RateLimit

	// Retention and MetricsSource are optional extras for system.status.
	Retention     RetentionReporter
	MetricsSource MetricsSource

	Logger  *slog.Logger
	Tracer  trace.Tracer
	Metrics *tsotel.Metrics
}

// RetentionReporter describes the retention scheduler.
type RetentionReporter interface {
	Status() (runs int, lastRun time.Time, last persistence.RetentionResult)
	NextRun(after time.Time) (time.Time, error)
}

// MetricsSource returns a point-in-time view of the process metrics.
type MetricsSource interface {
	Snapshot(ctx context.Context) (map[string]any, error)
}

type Server struct {
	cfg    Config
	logger *slog.Logger
	tracer trace.Tracer
	auth   *AuthMiddleware

	clientsMu sync.RWMutex
	clients   map[*client]struct{}

	// turns launched through the bridge, keyed by turn id.
	turnsMu  sync.Mutex
	turns    map[string]string
	draining bool
	turnsWG  sync.WaitGroup
}

type client struct {
	conn    *websocket.Conn
	mu      sync.Mutex
	limiter *rate.Limiter

	subMu sync.Mutex
	subs  map[string]*forwarder
}

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string    `json:"jsonrpc"`
	ID      any       `json:"id,omitempty"`
	Result  any       `json:"result,omitempty"`
	Error   *rpcError `json:"error,omitempty"`
	Method  string    `json:"method,omitempty"`
	Params  any       `json:"params,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string { return e.Message }

func invalidParams(msg string) *rpcError {
	return &rpcError{Code: ErrCodeInvalid, Message: msg}
}

func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = nooptrace.NewTracerProvider().Tracer(tsotel.TracerName)
	}
	return &Server{
		cfg:     cfg,
		logger:  logger,
		tracer:  tracer,
		auth:    NewAuthMiddleware(cfg.AuthToken),
		clients: map[*client]struct{}{},
		turns:   map[string]string{},
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/healthz", s.handleHealthz)
	return s.auth.Wrap(mux)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	dbOK := true
	if s.cfg.Store != nil {
		if err := s.cfg.Store.DB().PingContext(r.Context()); err != nil {
			dbOK = false
		}
	}
	stats := s.cfg.Manager.Stats()
	payload := map[string]any{
		"healthy":      dbOK,
		"db_ok":        dbOK,
		"sessions":     stats.Sessions,
		"active_turns": stats.ActiveTurns,
	}
	w.Header().Set("Content-Type", "application/json")
	if !dbOK {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Same-origin requests are always allowed by the websocket library.
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		return
	}
	c := &client{conn: conn, limiter: s.cfg.RateLimit.newLimiter(), subs: map[string]*forwarder{}}
	s.addClient(c)
	s.logger.Info("ws: client connected")
	ctx := r.Context()
	defer func() {
		s.stopForwarders(c)
		s.removeClient(c)
		s.logger.Info("ws: client disconnecting")
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
	}()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != websocket.StatusNormalClosure {
				s.logger.Debug("ws: read error, closing", "error", err)
			}
			return
		}
		var req rpcRequest
		if err := json.Unmarshal(data, &req); err != nil {
			_ = c.write(ctx, &rpcResponse{
				JSONRPC: "2.0",
				Error:   &rpcError{Code: ErrCodeParse, Message: "parse error"},
			})
			continue
		}
		s.logger.Debug("ws: request", "method", req.Method, "id", string(req.ID))
		resp := s.handleRPC(ctx, c, req)
		if resp == nil {
			continue
		}
		if err := c.write(ctx, resp); err != nil {
			s.logger.Error("ws: write response error", "method", req.Method, "error", err)
			return
		}
	}
}

type methodFunc func(ctx context.Context, s *Server, c *client, params json.RawMessage) (any, error)

var methods = map[string]methodFunc{
	"session.start":       handleSessionStart,
	"session.subscribe":   handleSessionSubscribe,
	"session.unsubscribe": handleSessionUnsubscribe,
	"session.close":       handleSessionClose,
	"turn.begin":          handleTurnBegin,
	"turn.cancel":         handleTurnCancel,
	"turn.finalize":       handleTurnFinalize,
	"turn.commit":         handleTurnCommit,
	"system.status":       handleSystemStatus,
	"session.history":     handleSessionHistory,
}

func (s *Server) handleRPC(ctx context.Context, c *client, req rpcRequest) *rpcResponse {
	id, hasID := decodeID(req.ID)
	if req.JSONRPC != "2.0" || req.Method == "" {
		if !hasID {
			return nil
		}
		return &rpcResponse{
			JSONRPC: "2.0",
			ID:      id,
			Error:   &rpcError{Code: ErrCodeInvalidRequest, Message: "invalid JSON-RPC request"},
		}
	}

	ctx = shared.WithTraceID(ctx, shared.NewTraceID())
	ctx, span := tsotel.StartServerSpan(ctx, s.tracer, "rpc."+req.Method, tsotel.AttrMethod.String(req.Method))
	defer span.End()
	start := time.Now()

	var (
		result any
		rpcErr *rpcError
	)
	fn, ok := methods[req.Method]
	switch {
	case c.limiter != nil && !c.limiter.Allow():
		rpcErr = errRateLimited
	case !ok:
		rpcErr = &rpcError{Code: ErrCodeMethodNotFound, Message: "method not found: " + req.Method}
	default:
		res, err := fn(ctx, s, c, req.Params)
		if err != nil {
			span.RecordError(err)
			rpcErr = toRPCError(err)
		} else {
			result = res
		}
	}
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.RequestDuration.Record(ctx, time.Since(start).Seconds(),
			metric.WithAttributes(tsotel.AttrMethod.String(req.Method)))
	}
	if rpcErr != nil {
		telemetry.ForRequest(ctx, s.logger).Warn("rpc failed", "method", req.Method, "code", rpcErr.Code, "error", rpcErr.Message)
	}

	if !hasID {
		return nil
	}
	if rpcErr != nil {
		return &rpcResponse{JSONRPC: "2.0", ID: id, Error: rpcErr}
	}
	return &rpcResponse{JSONRPC: "2.0", ID: id, Result: result}
}

// toRPCError maps lifecycle errors onto the app error taxonomy.
func toRPCError(err error) *rpcError {
	var re *rpcError
	switch {
	case errors.As(err, &re):
		return re
	case errors.Is(err, interaction.ErrUnknownSession), errors.Is(err, interaction.ErrUnknownTurn):
		return &rpcError{Code: ErrCodeUnknown, Message: err.Error()}
	case errors.Is(err, interaction.ErrTurnActive),
		errors.Is(err, interaction.ErrSessionClosed),
		errors.Is(err, interaction.ErrCommitScheduled),
		errors.Is(err, bus.ErrStateViolation),
		errors.Is(err, bus.ErrCapacityExceeded):
		return &rpcError{Code: ErrCodeConflict, Message: err.Error()}
	case errors.Is(err, interaction.ErrManagerShutdown), errors.Is(err, errDraining):
		return &rpcError{Code: ErrCodeShutdown, Message: err.Error()}
	default:
		return &rpcError{Code: ErrCodeInternal, Message: shared.Redact(err.Error())}
	}
}

func decodeID(raw json.RawMessage) (any, bool) {
	if len(raw) == 0 {
		return nil, false
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, false
	}
	return generic, true
}

func (s *Server) addClient(c *client) {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	s.clients[c] = struct{}{}
}

func (s *Server) removeClient(c *client) {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	delete(s.clients, c)
}

// ClientCount returns the number of connected websocket clients.
func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

func (c *client) write(ctx context.Context, payload any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return wsjson.Write(ctx, c.conn, payload)
}
