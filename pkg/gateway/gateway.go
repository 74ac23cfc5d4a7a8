// Package gateway serves the JSON-RPC session protocol over WebSocket and
// wires incoming room traffic into the agent decision loop.
package gateway

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/tinyland-inc/parley/pkg/agent"
	"github.com/tinyland-inc/parley/pkg/bus"
	"github.com/tinyland-inc/parley/pkg/config"
	"github.com/tinyland-inc/parley/pkg/cron"
	"github.com/tinyland-inc/parley/pkg/logger"
	"github.com/tinyland-inc/parley/pkg/results"
	"github.com/tinyland-inc/parley/pkg/tools"
)

// Options carries the collaborators the server dispatches into.
type Options struct {
	Cfg     *config.Config
	Bus     *bus.Bus
	Agents  *agent.Registry
	Loop    *agent.Loop
	Results *results.Registry
	Runner  *tools.Runner
	Cron    *cron.Service
}

type Server struct {
	opts     Options
	upgrader websocket.Upgrader
	started  time.Time

	clientsMu sync.RWMutex
	clients   map[string]*client
}

// client is the gateway-side state for one WebSocket, paired with its
// bus connection. Writes are serialized through writeMu.
type client struct {
	id      string
	ws      *websocket.Conn
	busConn *bus.Conn

	writeMu sync.Mutex

	mu     sync.Mutex
	userID string
}

func New(opts Options) *Server {
	s := &Server{
		opts:    opts,
		started: time.Now(),
		clients: make(map[string]*client),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/healthz", s.handleHealthz)
	return mux
}

// Start blocks serving the configured listen address.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.opts.Cfg.Gateway.Host, s.opts.Cfg.Gateway.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	logger.InfoCF("gateway", "listening", map[string]any{"addr": addr})
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"healthy":true,"connections":%d,"rooms":%d}`,
		s.opts.Bus.ConnCount(), s.opts.Bus.RoomCount())
}

// checkOrigin allows same-host connections always, cross-origin only when
// the origin is on the configured allowlist.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.opts.Cfg.Gateway.AllowOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	// Fall back to the same-host rule non-browser clients rely on.
	return strings.Contains(origin, r.Host)
}

func (s *Server) authorize(r *http.Request) bool {
	token := s.opts.Cfg.Gateway.AuthToken
	if token == "" {
		return true
	}
	if got := r.URL.Query().Get("token"); got == token {
		return true
	}
	authz := strings.TrimSpace(r.Header.Get("Authorization"))
	const prefix = "Bearer "
	if strings.HasPrefix(authz, prefix) {
		return strings.TrimSpace(strings.TrimPrefix(authz, prefix)) == token
	}
	return false
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	connID := uuid.NewString()
	busConn, err := s.opts.Bus.Register(connID, "")
	if err != nil {
		_ = ws.Close()
		return
	}
	c := &client{id: connID, ws: ws, busConn: busConn}

	s.clientsMu.Lock()
	s.clients[connID] = c
	s.clientsMu.Unlock()

	logger.InfoCF("gateway", "client connected", map[string]any{"conn_id": connID})

	go s.pumpOutbound(c)

	defer func() {
		s.clientsMu.Lock()
		delete(s.clients, connID)
		s.clientsMu.Unlock()
		s.opts.Bus.Unregister(connID)
		_ = ws.Close()
		logger.InfoCF("gateway", "client disconnected", map[string]any{"conn_id": connID})
	}()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		busConn.Touch()
		s.handleFrame(r.Context(), c, data)
	}
}

// pumpOutbound drains the bus delivery channel onto the socket, preserving
// the bus's per-room publish order.
func (s *Server) pumpOutbound(c *client) {
	for {
		select {
		case env := <-c.busConn.Outbound():
			frame := rpcResponse{
				JSONRPC: "2.0",
				Method:  env.Method,
				Params:  env.Params,
			}
			if env.CorrelationID != "" {
				frame.ID = env.CorrelationID
			}
			if err := c.write(frame); err != nil {
				logger.DebugCF("gateway", "outbound write failed", map[string]any{
					"conn_id": c.id,
					"error":   err.Error(),
				})
				return
			}
		case <-c.busConn.Done():
			return
		}
	}
}

func (c *client) write(payload any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteJSON(payload)
}

func (c *client) user() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

func (c *client) setUser(userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.userID = userID
}
