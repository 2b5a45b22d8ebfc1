// Package httpserver exposes the provider webhook, the admin RPC surface,
// health and metrics over HTTP.
package httpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"green-relay/internal/metrics"
)

// WebhookPath is where the provider posts events.
const WebhookPath = "/green-api/webhook/"

// Handlers groups optional HTTP handlers to mount.
type Handlers struct {
	Webhook http.Handler
	// Media serves stored attachments under /media/.
	Media http.Handler
}

// Server wraps an http.Server with predefined routes.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
	metrics    *metrics.Metrics
	handlers   Handlers
	admin      *Admin
	basePath   string
}

// New creates a new HTTP server listening on addr. admin may be nil, in
// which case no /admin routes are mounted.
func New(addr string, logger *slog.Logger, metricRegistry *metrics.Metrics, handlers Handlers, admin *Admin, basePath string) *Server {
	server := &Server{
		logger:   logger.With("component", "http"),
		metrics:  metricRegistry,
		handlers: handlers,
		admin:    admin,
		basePath: normaliseBasePath(basePath),
	}

	server.httpServer = &http.Server{
		Addr:              addr,
		Handler:           server.rootHandler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	if server.basePath != "" {
		server.logger.Info("http server configured with base path", "base_path", server.basePath)
	}
	return server
}

func (s *Server) rootHandler() http.Handler {
	if s.basePath == "" {
		return s.Router()
	}
	root := chi.NewRouter()
	root.Mount(s.basePath, s.Router())
	return root
}

// Router builds the route table without the base path.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", healthHandler)
	r.Handle("/metrics", promhttp.Handler())

	if s.handlers.Webhook != nil {
		r.Post(WebhookPath, s.handlers.Webhook.ServeHTTP)
		r.Post(strings.TrimSuffix(WebhookPath, "/"), s.handlers.Webhook.ServeHTTP)
	}
	if s.handlers.Media != nil {
		r.Handle("/media/*", http.StripPrefix("/media/", s.handlers.Media))
	}

	if s.admin != nil && s.admin.token != "" {
		r.Route("/admin", func(r chi.Router) {
			r.Use(tokenMiddleware(s.admin.token))
			r.Post("/instance/{api_id}/refresh", s.admin.handleRefresh)
			r.Post("/instance/{api_id}/logout", s.admin.handleLogout)
			r.Post("/instance/{api_id}/qr", s.admin.handleQR)
			r.Post("/history/{api_id}", s.admin.handleStartHistory)
			r.Get("/history/{api_id}", s.admin.handleHistoryReport)
		})
	}
	return r
}

// Start begins listening for incoming HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server listen: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.httpServer.Shutdown(ctx)
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func normaliseBasePath(base string) string {
	base = strings.TrimSpace(base)
	if base == "" || base == "/" {
		return ""
	}
	if !strings.HasPrefix(base, "/") {
		base = "/" + base
	}
	return strings.TrimSuffix(base, "/")
}
