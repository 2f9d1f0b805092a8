// Package bridge serves the agent over a websocket so that a browser or
// editor front end can drive it. One client is attached at a time; engine
// events are forwarded to it as JSON frames.
package bridge

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/m4xw311/tandem/agent"
	"github.com/m4xw311/tandem/errors"
)

const (
	FrameInput     = "input"
	FrameInterrupt = "interrupt"
)

// Frame is a message from the client.
type Frame struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type Server struct {
	agent  *agent.Agent
	events <-chan agent.Event
	logger *slog.Logger

	startOnce sync.Once
	ctx       context.Context

	mu   sync.Mutex
	conn *websocket.Conn
}

// New creates a bridge. events must be the channel the agent was created
// with.
func New(a *agent.Agent, events <-chan agent.Event, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{agent: a, events: events, logger: logger, ctx: context.Background()}
}

// Start begins forwarding engine events. Turns started by clients run under
// ctx.
func (s *Server) Start(ctx context.Context) {
	s.startOnce.Do(func() {
		s.ctx = ctx
		go s.pump(ctx)
	})
}

// Handler exposes the websocket endpoint at /ws.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	return mux
}

// ListenAndServe serves the bridge on addr until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	s.Start(ctx)
	srv := &http.Server{Addr: addr, Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	s.logger.Info("websocket bridge listening", slog.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrapf(err, "websocket bridge failed")
	}
	return nil
}

func (s *Server) pump(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-s.events:
			s.send(ev)
		}
	}
}

// send writes ev to the attached client. Events without a client are
// dropped.
func (s *Server) send(ev agent.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		s.logger.Warn("failed to encode event", slog.String("kind", string(ev.Kind)), slog.Any("err", err))
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		s.logger.Debug("dropping event without client", slog.String("kind", string(ev.Kind)))
		return
	}
	if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		s.logger.Warn("WS write error", slog.Any("err", err))
	}
}

func (s *Server) sendError(err error) {
	s.send(agent.Event{Kind: agent.EventError, Err: err, Error: err.Error()})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("upgrade error", slog.Any("err", err))
		return
	}
	defer conn.Close()

	s.mu.Lock()
	if s.conn != nil {
		s.mu.Unlock()
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "another client is attached"))
		return
	}
	s.conn = conn
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.conn = nil
		s.mu.Unlock()
	}()
	s.logger.Info("client attached", slog.String("remote", r.RemoteAddr))

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			s.logger.Debug("WS read error", slog.Any("err", err))
			return
		}
		var f Frame
		if err := json.Unmarshal(msg, &f); err != nil {
			s.sendError(errors.Wrapf(err, "invalid frame"))
			continue
		}
		switch f.Type {
		case FrameInput:
			go func(text string) {
				if err := s.agent.HandleInput(s.ctx, text); err != nil {
					s.sendError(err)
				}
			}(f.Text)
		case FrameInterrupt:
			s.agent.Interrupt(f.Text)
		default:
			s.sendError(errors.New("unknown frame type '%s'", f.Type))
		}
	}
}
