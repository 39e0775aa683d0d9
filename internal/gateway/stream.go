package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/basket/turnstream/internal/bus"
	"github.com/basket/turnstream/internal/laws"
	tsotel "github.com/basket/turnstream/internal/otel"
)

const notifyWriteTimeout = 10 * time.Second

// forwarder pushes one session's bus subscription to one client.
type forwarder struct {
	sub    *bus.Subscription
	cancel context.CancelFunc
	done   chan struct{}
}

// subscribe attaches c to sessionID. A repeated subscribe for the same
// session is a no-op and reports false.
func (s *Server) subscribe(c *client, sessionID string, verify bool) (bool, error) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	if _, ok := c.subs[sessionID]; ok {
		return false, nil
	}
	sub, err := s.cfg.Manager.Subscribe(sessionID)
	if err != nil {
		return false, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	f := &forwarder{sub: sub, cancel: cancel, done: make(chan struct{})}
	c.subs[sessionID] = f
	go s.forward(ctx, c, f, verify)
	return true, nil
}

// unsubscribe detaches c from sessionID and waits for its forwarder.
func (s *Server) unsubscribe(c *client, sessionID string) bool {
	c.subMu.Lock()
	f, ok := c.subs[sessionID]
	delete(c.subs, sessionID)
	c.subMu.Unlock()
	if !ok {
		return false
	}
	f.cancel()
	s.cfg.Manager.Unsubscribe(f.sub)
	<-f.done
	return true
}

func (s *Server) stopForwarders(c *client) {
	c.subMu.Lock()
	subs := c.subs
	c.subs = map[string]*forwarder{}
	c.subMu.Unlock()
	for _, f := range subs {
		f.cancel()
		s.cfg.Manager.Unsubscribe(f.sub)
		<-f.done
	}
}

func (s *Server) forward(ctx context.Context, c *client, f *forwarder, verify bool) {
	defer close(f.done)
	sessionID := f.sub.SessionID()

	// Forwarders can attach while a turn is in flight, so the checker
	// takes its baseline from the first event it sees.
	var checker *laws.Checker
	if verify {
		checker = laws.New(laws.JoinMidTurn())
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-f.sub.Ch():
			if !ok {
				if ctx.Err() != nil {
					return
				}
				c.subMu.Lock()
				if c.subs[sessionID] == f {
					delete(c.subs, sessionID)
				}
				c.subMu.Unlock()
				_ = s.notify(ctx, c, notifySessionEnd, map[string]any{"session_id": sessionID})
				return
			}
			raw, err := json.Marshal(ev)
			if err != nil {
				s.logger.Error("ws: encode event failed", "session_id", sessionID, "seq", ev.Seq, "error", err)
				continue
			}
			if checker != nil {
				if err := checker.ConsumeWire(raw); err != nil {
					s.reportViolation(ctx, sessionID, err)
				}
			}
			if err := s.notify(ctx, c, notifyTurnEvent, json.RawMessage(raw)); err != nil {
				if ctx.Err() == nil {
					s.logger.Warn("ws: forward event failed", "session_id", sessionID, "error", err)
				}
				return
			}
		}
	}
}

func (s *Server) notify(ctx context.Context, c *client, method string, params any) error {
	wctx, cancel := context.WithTimeout(ctx, notifyWriteTimeout)
	defer cancel()
	return c.write(wctx, &rpcResponse{JSONRPC: "2.0", Method: method, Params: params})
}

func (s *Server) reportViolation(ctx context.Context, sessionID string, err error) {
	rule := "wire_schema"
	var v *laws.Violation
	if errors.As(err, &v) {
		rule = string(v.Rule)
	}
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.LawViolations.Add(ctx, 1, metric.WithAttributes(tsotel.AttrRule.String(rule)))
	}
	s.logger.Error("stream law violated", "session_id", sessionID, "rule", rule, "error", err)
}
