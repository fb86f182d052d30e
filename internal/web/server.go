package web

import (
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"smartthings-go-home/internal/account"
	"smartthings-go-home/internal/coordinator"
	"smartthings-go-home/internal/webhook"
)

// ServerOption configures the web server.
type ServerOption func(*Server)

// WithAPIKey enables API key authentication.
func WithAPIKey(key string) ServerOption {
	return func(s *Server) {
		s.apiKey = key
	}
}

// WithAllowedOrigins sets allowed WebSocket origin patterns.
func WithAllowedOrigins(origins []string) ServerOption {
	return func(s *Server) {
		s.allowedOrigins = origins
	}
}

// WithVersion sets the application version string.
func WithVersion(v string) ServerOption {
	return func(s *Server) {
		s.version = v
	}
}

// WithWebhookOptions passes options to the push endpoint handlers.
func WithWebhookOptions(opts ...webhook.Option) ServerOption {
	return func(s *Server) {
		s.webhookOpts = append(s.webhookOpts, opts...)
	}
}

// Server is the HTTP server: push endpoints, JSON API and event stream.
type Server struct {
	reg            *account.Registry
	wsHub          *WSHub
	logger         *slog.Logger
	mux            *http.ServeMux
	apiKey         string
	allowedOrigins []string
	version        string
	wg             sync.WaitGroup
	unsubEvents    func()

	webhookOpts []webhook.Option
	hooksMu     sync.Mutex
	hooks       map[string]*webhook.Handler
}

// NewServer creates a new web server. Every event on bus is forwarded to
// WebSocket clients.
func NewServer(reg *account.Registry, bus *coordinator.EventBus, logger *slog.Logger, opts ...ServerOption) *Server {
	s := &Server{
		reg:    reg,
		logger: logger.With("component", "web"),
		mux:    http.NewServeMux(),
		hooks:  make(map[string]*webhook.Handler),
	}

	for _, opt := range opts {
		opt(s)
	}

	s.wsHub = NewWSHub(s.logger)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.wsHub.Run()
	}()

	if bus != nil {
		s.unsubEvents = bus.OnAll(s.wsHub.Broadcast)
	}

	s.routes()
	return s
}

// Stop shuts down the WebSocket hub and waits for goroutines, including
// pending webhook confirmations.
func (s *Server) Stop() {
	if s.unsubEvents != nil {
		s.unsubEvents()
	}
	s.wsHub.Stop()
	s.wg.Wait()

	s.hooksMu.Lock()
	defer s.hooksMu.Unlock()
	for _, h := range s.hooks {
		h.Wait()
	}
}

func (s *Server) routes() {
	// Push endpoint, authenticated by its unguessable id.
	s.mux.HandleFunc("POST /webhook/{id}", s.handleWebhook)

	s.mux.HandleFunc("GET /healthz", s.handleHealth)

	// REST API
	s.mux.HandleFunc("GET /api/accounts", s.handleAPIListAccounts)
	s.mux.HandleFunc("GET /api/devices", s.handleAPIListDevices)
	s.mux.HandleFunc("GET /api/devices/{id}/status", s.handleAPIDeviceStatus)
	s.mux.HandleFunc("GET /api/entities", s.handleAPIListEntities)
	s.mux.HandleFunc("GET /api/entities/{platform}/{unique_id}", s.handleAPIGetEntity)
	s.mux.HandleFunc("POST /api/entities/{platform}/{unique_id}", s.handleAPIEntityAction)
	s.mux.HandleFunc("GET /api/cameras/{unique_id}/image", s.handleAPICameraImage)
	s.mux.HandleFunc("POST /api/command", s.handleAPISendCommand)
	s.mux.HandleFunc("GET /api/version", s.handleAPIVersion)

	// WebSocket
	s.mux.HandleFunc("GET /ws", s.handleWS)
}

// ServeHTTP implements http.Handler, applying auth and CORS middleware.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// CORS: check Origin on mutating requests to prevent CSRF.
	if len(s.allowedOrigins) > 0 {
		origin := r.Header.Get("Origin")
		if origin != "" {
			if r.Method == http.MethodOptions {
				if s.isOriginAllowed(origin) {
					w.Header().Set("Access-Control-Allow-Origin", origin)
					w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
					w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-API-Key")
					w.Header().Set("Access-Control-Max-Age", "3600")
					w.WriteHeader(http.StatusNoContent)
					return
				}
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}

			if r.Method != http.MethodGet {
				if !s.isOriginAllowed(origin) {
					http.Error(w, "Forbidden", http.StatusForbidden)
					return
				}
				w.Header().Set("Access-Control-Allow-Origin", origin)
			}
		}
	}

	if s.apiKey != "" {
		// Only /api/ is key-protected: the cloud cannot send custom headers
		// to the push endpoint and browsers cannot send them on WS upgrade.
		if strings.HasPrefix(r.URL.Path, "/api/") {
			key := r.Header.Get("X-API-Key")
			if subtle.ConstantTimeCompare([]byte(key), []byte(s.apiKey)) != 1 {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
		}
	}
	s.mux.ServeHTTP(w, r)
}

// isOriginAllowed checks if the origin matches any allowed origin pattern.
func (s *Server) isOriginAllowed(origin string) bool {
	for _, allowed := range s.allowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// webhookHandler returns the push handler of a webhook id, creating it on
// first use.
func (s *Server) webhookHandler(id string) *webhook.Handler {
	s.hooksMu.Lock()
	defer s.hooksMu.Unlock()
	h, ok := s.hooks[id]
	if !ok {
		h = webhook.NewHandler(s.reg.Targets(id), s.logger, s.webhookOpts...)
		s.hooks[id] = h
	}
	return h
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, ok := s.reg.ByWebhookID(id); !ok {
		s.logger.Debug("push for unknown webhook", "id", id)
		http.NotFound(w, r)
		return
	}
	s.webhookHandler(id).ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAPIVersion(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"version": s.version})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("writeJSON encode failed", "err", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
