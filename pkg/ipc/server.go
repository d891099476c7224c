// Package ipc exposes the relay over HTTP: a JSON session API, the
// per-session websocket, a lifecycle event stream and prometheus metrics.
package ipc

import (
	"context"
	stdliberrors "errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
	"golang.org/x/time/rate"

	"github.com/odvcencio/browserrelay/pkg/logging"
	"github.com/odvcencio/browserrelay/pkg/relay"
	"github.com/odvcencio/browserrelay/pkg/storage"
	"github.com/odvcencio/browserrelay/pkg/telemetry"
)

// Config controls the HTTP server behavior.
type Config struct {
	BindAddress    string
	AllowedOrigins []string
	// MaxConnections caps concurrent session websockets; zero is unlimited.
	MaxConnections int
	// CreateRate limits session creation per second; zero disables limiting.
	CreateRate      float64
	CreateBurst     int
	ReadLimitBytes  int64
	MetricsPath     string
	ShutdownTimeout time.Duration
	Version         string
}

// Server hosts the relay's HTTP and websocket API.
type Server struct {
	cfg           Config
	manager       *relay.Manager
	journal       *storage.Store
	telemetry     *telemetry.Hub
	hub           *Hub
	wsLimiter     *connLimiter
	eventLimiter  *connLimiter
	createLimiter *rate.Limiter
	httpServer    *http.Server
	log           *logging.Logger
}

// NewServer constructs a server for manager. journal and telemetryHub may
// be nil.
func NewServer(cfg Config, manager *relay.Manager, telemetryHub *telemetry.Hub, journal *storage.Store, log *logging.Logger) *Server {
	if cfg.BindAddress == "" {
		cfg.BindAddress = "127.0.0.1:8090"
	}
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{"http://localhost", "http://127.0.0.1"}
	}
	if cfg.ReadLimitBytes <= 0 {
		cfg.ReadLimitBytes = maxWSReadBytesSession
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 5 * time.Second
	}
	if log == nil {
		log = logging.Nop()
	}

	var limiter *rate.Limiter
	if cfg.CreateRate > 0 {
		burst := cfg.CreateBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.CreateRate), burst)
	}

	return &Server{
		cfg:           cfg,
		manager:       manager,
		journal:       journal,
		telemetry:     telemetryHub,
		hub:           NewHub(),
		wsLimiter:     newConnLimiter(cfg.MaxConnections),
		eventLimiter:  newConnLimiter(maxEventStreamClients),
		createLimiter: limiter,
		log:           log.WithComponent("ipc"),
	}
}

// Handler builds the routed handler, wrapped for HTTP/2 cleartext.
func (s *Server) Handler() http.Handler {
	router := chi.NewRouter()
	router.Use(s.requestLogMiddleware)
	router.Use(s.corsMiddleware)
	router.Use(s.securityHeadersMiddleware)

	router.Get("/healthz", s.handleHealthz)
	if s.cfg.MetricsPath != "" {
		router.Handle(s.cfg.MetricsPath, promhttp.Handler())
	}

	router.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Route("/sessions", func(r chi.Router) {
			r.Post("/", s.handleCreateSession)
			r.Get("/", s.handleListSessions)
			r.Get("/{sessionID}", s.handleGetSession)
			r.Delete("/{sessionID}", s.handleDeleteSession)
		})
		r.Get("/ws/{sessionID}", s.handleSessionWS)
		r.Get("/events", s.handleEventStream)
		r.Route("/history", func(r chi.Router) {
			r.Get("/", s.handleListHistory)
			r.Get("/{sessionID}", s.handleGetHistory)
		})
	})

	// Wrap router with H2C handler to support HTTP/2 cleartext connections.
	// This enables WebSocket over HTTP/2 (RFC 8441) when behind reverse proxies
	// like Traefik that strip HTTP/1.1 upgrade headers.
	return h2c.NewHandler(router, &http2.Server{})
}

// Start runs the HTTP server until the context is cancelled.
func (s *Server) Start(ctx context.Context) error {
	if err := s.validateStartupConfig(); err != nil {
		return err
	}

	s.httpServer = &http.Server{
		Addr:              s.cfg.BindAddress,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       2 * time.Minute,
		MaxHeaderBytes:    1 << 20,
	}

	go s.forwardTelemetry(ctx)

	serverErr := make(chan error, 1)
	go func() {
		s.log.Info("serving relay", slog.String("bind", s.cfg.BindAddress), slog.String("version", s.cfg.Version))
		if err := s.httpServer.ListenAndServe(); err != nil && !stdliberrors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		s.hub.CloseAll()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-serverErr:
		return err
	}
}

// forwardTelemetry relays lifecycle events to event stream clients until
// ctx is done.
func (s *Server) forwardTelemetry(ctx context.Context) {
	if s.telemetry == nil {
		return
	}
	ch, cancel := s.telemetry.Subscribe()
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			s.broadcastTelemetry(event)
		}
	}
}

func (s *Server) validateStartupConfig() error {
	if s.manager == nil {
		return fmt.Errorf("relay server requires a session manager")
	}
	if !isLoopbackBindAddress(s.cfg.BindAddress) {
		for _, origin := range s.cfg.AllowedOrigins {
			if strings.TrimSpace(origin) == "*" {
				return fmt.Errorf("refusing to bind %q with wildcard allowed origins", s.cfg.BindAddress)
			}
		}
	}
	return nil
}

func isLoopbackBindAddress(addr string) bool {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return false
	}

	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	host = strings.TrimSpace(host)
	if host == "" {
		return false
	}
	switch strings.ToLower(host) {
	case "localhost":
		return true
	case "0.0.0.0", "::":
		return false
	default:
		ip := net.ParseIP(host)
		if ip == nil {
			return false
		}
		return ip.IsLoopback()
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if s.journal != nil && s.journal.DB() != nil {
		if err := s.journal.DB().PingContext(r.Context()); err != nil {
			respondError(w, http.StatusServiceUnavailable, stdliberrors.New("database unavailable"))
			return
		}
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok", "time": time.Now().UTC().Format(time.RFC3339)})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{
		"status":      "healthy",
		"sessions":    s.manager.Len(),
		"connections": s.wsLimiter.Active(),
		"version":     s.cfg.Version,
	}
	if s.telemetry != nil {
		body["droppedEvents"] = s.telemetry.Dropped()
	}
	if s.journal != nil {
		if stats, err := s.journal.Stats(r.Context()); err == nil {
			body["journal"] = stats
		} else {
			s.log.Warn("journal stats failed", slog.String("error", err.Error()))
		}
	}
	respondJSON(w, http.StatusOK, body)
}
