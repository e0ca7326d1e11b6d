// Package web is the gateway's HTTP face: the two websocket endpoints,
// a small JSON API clients bootstrap from, and the built frontend.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/tmuxmobile/gateway/internal/config"
	"github.com/tmuxmobile/gateway/internal/web/middleware"
)

const (
	readTimeout  = 15 * time.Second
	writeTimeout = 15 * time.Second

	shutdownTimeout = 5 * time.Second
)

// SocketHandler exposes the websocket upgrade endpoints the server
// mounts under /ws/.
type SocketHandler interface {
	HandleControl(w http.ResponseWriter, r *http.Request)
	HandleData(w http.ResponseWriter, r *http.Request)
}

// Server serves the gateway's HTTP surface.
type Server struct {
	cfg     *config.Config
	sockets SocketHandler
	logger  *log.Logger

	mu         sync.Mutex
	listener   net.Listener
	httpServer *http.Server

	// Hot-reloadable fields, kept separate from cfg so /api/config
	// reports what the broker and monitor are actually using.
	scrollbackLines int
	pollIntervalMs  int
}

// NewServer creates a server for the given config and websocket
// handlers.
func NewServer(cfg *config.Config, sockets SocketHandler, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.Default()
	}
	return &Server{
		cfg:             cfg,
		sockets:         sockets,
		logger:          logger,
		scrollbackLines: cfg.ScrollbackLines,
		pollIntervalMs:  cfg.PollIntervalMs,
	}
}

// ApplyConfig picks up the hot-reloadable fields after a config file
// change.
func (s *Server) ApplyConfig(cfg *config.Config) {
	s.mu.Lock()
	s.scrollbackLines = cfg.ScrollbackLines
	s.pollIntervalMs = cfg.PollIntervalMs
	s.mu.Unlock()
}

// Listen binds the configured address. After it returns, Addr reports
// the actual bound address (useful with port 0).
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.cfg.Addr())
	if err != nil {
		return fmt.Errorf("failed to bind %s: %w", s.cfg.Addr(), err)
	}

	s.mu.Lock()
	s.listener = ln
	s.httpServer = &http.Server{
		Handler: s.router(),
		// These cover the plain HTTP routes only; both websocket pumps
		// re-arm their own deadlines after the upgrade hijacks the
		// connection.
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	}
	s.mu.Unlock()

	s.logger.Info("http server listening", "addr", ln.Addr().String())
	return nil
}

// Serve accepts connections until Stop. It blocks and returns nil
// after a clean shutdown.
func (s *Server) Serve() error {
	s.mu.Lock()
	ln, srv := s.listener, s.httpServer
	s.mu.Unlock()
	if ln == nil {
		return fmt.Errorf("serve called before listen")
	}

	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Addr returns the bound address once Listen has succeeded.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop drains in-flight HTTP requests and closes the listener.
// Hijacked websocket connections are not waited on; the broker owns
// their shutdown.
func (s *Server) Stop() error {
	s.mu.Lock()
	srv := s.httpServer
	s.mu.Unlock()
	if srv == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}
	return nil
}

func (s *Server) router() *mux.Router {
	r := mux.NewRouter()
	r.Use(middleware.Logging(s.logger))
	r.Use(middleware.Recovery(s.logger))
	r.Use(middleware.CORS)

	r.HandleFunc("/api/config", s.handleConfig).Methods("GET")
	r.HandleFunc("/api/health", s.handleHealth).Methods("GET")

	// Only the two exact paths accept upgrades; everything else under
	// /ws/ is a 404 so typos fail fast instead of hanging a socket.
	r.HandleFunc("/ws/control", requireUpgrade(s.sockets.HandleControl))
	r.HandleFunc("/ws/terminal", requireUpgrade(s.sockets.HandleData))
	r.PathPrefix("/ws/").Handler(http.NotFoundHandler())

	r.PathPrefix("/").HandlerFunc(s.handleApp)
	return r
}

// requireUpgrade turns plain HTTP requests to the websocket endpoints
// into 404s instead of upgrade-failure responses.
func requireUpgrade(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !websocket.IsWebSocketUpgrade(r) {
			http.NotFound(w, r)
			return
		}
		h(w, r)
	}
}

// clientConfig is the subset of config a browser may see before it
// authenticates. The token and password never leave the server.
type clientConfig struct {
	PasswordRequired bool `json:"passwordRequired"`
	ScrollbackLines  int  `json:"scrollbackLines"`
	PollIntervalMs   int  `json:"pollIntervalMs"`
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	scrollback, poll := s.scrollbackLines, s.pollIntervalMs
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(clientConfig{
		PasswordRequired: s.cfg.PasswordRequired(),
		ScrollbackLines:  scrollback,
		PollIntervalMs:   poll,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// handleApp serves the built frontend: real files when the path names
// one, index.html for app routes so client-side routing survives a
// reload.
func (s *Server) handleApp(w http.ResponseWriter, r *http.Request) {
	if strings.HasPrefix(r.URL.Path, "/api/") || strings.HasPrefix(r.URL.Path, "/ws/") {
		http.NotFound(w, r)
		return
	}

	if path.Ext(r.URL.Path) != "" {
		if s.serveFileIfExists(w, r, r.URL.Path) {
			return
		}
	}

	s.serveIndex(w, r)
}

func (s *Server) serveFileIfExists(w http.ResponseWriter, r *http.Request, requestPath string) bool {
	cleanPath := filepath.Clean(strings.TrimPrefix(requestPath, "/"))
	if strings.HasPrefix(cleanPath, "..") {
		return false
	}
	filePath := filepath.Join(s.cfg.FrontendDir, cleanPath)
	if info, err := os.Stat(filePath); err == nil && !info.IsDir() {
		http.ServeFile(w, r, filePath)
		return true
	}
	return false
}

func (s *Server) serveIndex(w http.ResponseWriter, r *http.Request) {
	content, err := os.ReadFile(filepath.Join(s.cfg.FrontendDir, "index.html"))
	if err != nil {
		http.Error(w, "Frontend not built", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(content)
}
