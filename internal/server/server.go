// Package server runs the HTTP listener for webhook transports, health checks
// and Prometheus metrics.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"relaybot/internal/domain"
)

// Webhook is a transport that receives messages over HTTP.
type Webhook interface {
	Name() string
	WebhookPath() string
	HandleVerification(http.ResponseWriter, *http.Request)
	HandleIncoming(http.ResponseWriter, *http.Request)
}

// Status reports what /healthz needs to know about the pipeline.
type Status interface {
	Mode() domain.Mode
	Modes() []domain.Mode
}

type Config struct {
	Addr            string
	Webhooks        []Webhook
	Status          Status
	Metrics         http.Handler // nil disables /metrics
	Logger          *slog.Logger
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

type Server struct {
	cfg       Config
	logger    *slog.Logger
	server    *http.Server
	startedAt time.Time
}

func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 30 * time.Second
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 30 * time.Second
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	return &Server{cfg: cfg, logger: cfg.Logger}
}

// Router builds the chi mux with all routes wired.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	if s.cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.cfg.Metrics)
	}

	// Webhooks authenticate themselves.
	for _, wh := range s.cfg.Webhooks {
		r.Get(wh.WebhookPath(), wh.HandleVerification)
		r.Post(wh.WebhookPath(), wh.HandleIncoming)
		s.logger.Info("webhook mounted", "transport", wh.Name(), "path", wh.WebhookPath())
	}
	return r
}

// Start listens on the configured address and serves in the background.
func (s *Server) Start() error {
	s.startedAt = time.Now()
	s.server = &http.Server{
		Addr:         s.cfg.Addr,
		Handler:      s.Router(),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(context.Background(), "tcp", s.cfg.Addr)
	if err != nil {
		return errors.New("server: listen failed: " + err.Error())
	}

	go func() {
		s.logger.Info("http server listening", "addr", ln.Addr().String())
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http serve error", "err", err)
		}
	}()
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
	defer cancel()

	s.logger.Info("http server shutting down")
	return s.server.Shutdown(shutdownCtx)
}

// HealthResponse is the JSON body of GET /healthz.
type HealthResponse struct {
	Status   string   `json:"status"` // "ok" or "degraded"
	Mode     string   `json:"mode,omitempty"`
	Backends []string `json:"backends,omitempty"`
	Uptime   string   `json:"uptime,omitempty"`
}

// handleHealth answers 503 when the active mode has no backend to submit to.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := HealthResponse{Status: "ok"}
	if !s.startedAt.IsZero() {
		resp.Uptime = time.Since(s.startedAt).Truncate(time.Second).String()
	}

	if s.cfg.Status != nil {
		mode := s.cfg.Status.Mode()
		resp.Mode = string(mode)
		resp.Status = "degraded"
		for _, m := range s.cfg.Status.Modes() {
			resp.Backends = append(resp.Backends, string(m))
			if m == mode {
				resp.Status = "ok"
			}
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if resp.Status == "degraded" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(resp)
}
