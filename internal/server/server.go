// Package server exposes the sync protocol over websocket. One HTTP
// endpoint upgrades to the persistent connection clients subscribe
// through; authentication is a pluggable hook that resolves a request to
// a subject id before the upgrade.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/zjrosen/relay/internal/channels"
	"github.com/zjrosen/relay/internal/log"
)

// AuthFunc resolves an upgrade request to the subject id all of the
// connection's access checks run as. An error rejects the request with
// 401 before the upgrade.
type AuthFunc func(r *http.Request) (string, error)

// Config configures the sync server.
type Config struct {
	// Addr is the listen address, e.g. ":7070" or "127.0.0.1:0".
	Addr string
	// AuthToken, when set, is the shared bearer token TokenAuth requires.
	AuthToken string
	// Auth overrides the default TokenAuth(AuthToken) hook.
	Auth AuthFunc
}

// Server serves GET /ws (websocket upgrade) and GET /healthz.
type Server struct {
	addr     string
	registry *channels.Registry
	auth     AuthFunc
	upgrader websocket.Upgrader
	httpSrv  *http.Server
	listener net.Listener

	mu    sync.Mutex
	conns map[*conn]struct{}
}

// New creates a server around an already-wired registry.
func New(cfg Config, registry *channels.Registry) *Server {
	auth := cfg.Auth
	if auth == nil {
		auth = TokenAuth(cfg.AuthToken)
	}

	s := &Server{
		addr:     cfg.Addr,
		registry: registry,
		auth:     auth,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		conns: make(map[*conn]struct{}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/healthz", s.handleHealthz)

	s.httpSrv = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	// Upgraded connections are hijacked, so Shutdown alone never ends
	// them; this hook closes them when Shutdown begins.
	s.httpSrv.RegisterOnShutdown(s.closeConns)
	return s
}

// TokenAuth builds the default auth hook: when token is non-empty the
// request must carry it as a bearer token, and the subject is read from
// the X-Relay-Subject header with ?subject= as a fallback.
func TokenAuth(token string) AuthFunc {
	return func(r *http.Request) (string, error) {
		if token != "" && r.Header.Get("Authorization") != "Bearer "+token {
			return "", errors.New("bad or missing token")
		}
		subject := r.Header.Get("X-Relay-Subject")
		if subject == "" {
			subject = r.URL.Query().Get("subject")
		}
		if subject == "" {
			return "", errors.New("missing subject")
		}
		return subject, nil
	}
}

// Handler returns the HTTP handler, for mounting under a test server.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

// Start begins listening and serving in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.addr, err)
	}
	s.listener = ln
	log.Info(log.CatConn, "sync server listening", "addr", ln.Addr().String())

	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error(log.CatConn, "serve failed", "error", err)
		}
	}()
	return nil
}

// Addr returns the bound address. Useful with a ":0" configured address.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// Shutdown stops accepting requests, closes live connections, and waits
// for handlers up to ctx's deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	subject, err := s.auth(r)
	if err != nil {
		log.Debug(log.CatConn, "rejecting connection", "remote", r.RemoteAddr, "error", err)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		log.Debug(log.CatConn, "upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	c := newConn(ws, subject, s.registry)
	s.track(c)
	log.Debug(log.CatConn, "connection open", "conn", c.ID(), "subject", subject)

	go c.writePump()
	c.readPump()
	s.untrack(c)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":      "ok",
		"connections": s.ConnCount(),
	})
}

// ConnCount returns the number of open connections.
func (s *Server) ConnCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *Server) track(c *conn) {
	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()
}

func (s *Server) untrack(c *conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}

func (s *Server) closeConns() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.conns {
		c.close()
	}
}
