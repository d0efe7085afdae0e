package api

import (
	"context"
	"crypto/tls"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"secure-exec/internal/config"
	"secure-exec/internal/monitor"
	"secure-exec/internal/runtime"
)

// multipartOverhead is the request body allowance on top of the largest
// accepted file, for the multipart boundary and part headers.
const multipartOverhead = 64 << 10

// Server is the main HTTP server for the execution API.
type Server struct {
	httpServer *http.Server
	handlers   *Handlers
	cfg        *config.Config
	executor   Executor
	logs       LogReader
	startTime  time.Time
}

// NewServer creates and configures the HTTP server with all routes and middleware.
func NewServer(cfg *config.Config, executor Executor, admission Admission, logs LogReader, languages *runtime.Registry, metrics *monitor.Metrics) *Server {
	handlers := NewHandlers(executor, admission, logs, languages, metrics, LogLimits{
		Default: cfg.LogStore.DefaultFetch,
		Max:     cfg.LogStore.MaxFetchLimit,
	})

	s := &Server{
		handlers:  handlers,
		cfg:       cfg,
		executor:  executor,
		logs:      logs,
		startTime: time.Now(),
	}

	if len(cfg.Security.APIKeys) == 0 && cfg.Security.JWTSecret == "" {
		if cfg.Security.AllowAnonymous {
			log.Warn().Msg("no API keys configured, allow_anonymous is true: callers are identified by remote IP")
		} else {
			log.Warn().Msg("no API keys configured and allow_anonymous is false: all API requests will be rejected")
		}
	}

	apiMux := http.NewServeMux()
	apiMux.HandleFunc("POST /execute", handlers.HandleExecute)
	apiMux.HandleFunc("GET /logs", handlers.HandleLogs)
	apiMux.HandleFunc("GET /languages", handlers.HandleLanguages)

	authedAPI := AuthMiddleware(cfg.Security)(apiMux)

	// Top-level mux: health/metrics bypass auth, everything else goes through auth
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	if cfg.Metrics.Enabled && metrics != nil {
		mux.Handle("GET "+cfg.Metrics.Path, promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
	}
	mux.Handle("/", authedAPI)

	// Apply middleware chain (outermost first)
	var handler http.Handler = mux
	handler = MetricsMiddleware(metrics)(handler)
	handler = MaxBodyMiddleware(requestBodyLimit(cfg.Server.MaxRequestBody, executor.MaxFileSize()))(handler)
	handler = SecurityHeadersMiddleware(handler)
	handler = LoggingMiddleware(handler)
	handler = RequestIDMiddleware(handler)
	handler = RecoveryMiddleware(handler)

	s.httpServer = &http.Server{
		Addr:              cfg.Address(),
		Handler:           handler,
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       120 * time.Second,
	}

	return s
}

// Handler returns the fully wrapped handler, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

func requestBodyLimit(configured, maxFileSize int64) int64 {
	return max(configured, maxFileSize+multipartOverhead)
}

// Start begins listening for requests. Uses TLS if configured.
func (s *Server) Start() error {
	if s.cfg.TLS.Enabled {
		log.Info().
			Str("addr", s.httpServer.Addr).
			Str("cert", s.cfg.TLS.CertFile).
			Msg("starting HTTPS server with TLS")

		s.httpServer.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
		return s.httpServer.ListenAndServeTLS(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
	}

	log.Warn().Msg("TLS not enabled, running plain HTTP (API keys travel in the clear)")
	log.Info().
		Str("addr", s.httpServer.Addr).
		Msg("starting HTTP server")
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server. In-flight executions finish first.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	runtimeOK := s.executor.Healthy(ctx)
	dbOK := s.logs == nil || s.logs.Healthy(ctx)

	resp := HealthResponse{
		Status:   "ok",
		Runtime:  runtimeOK,
		Database: dbOK,
		Uptime:   time.Since(s.startTime).Round(time.Second).String(),
	}

	status := http.StatusOK
	if !runtimeOK || !dbOK {
		resp.Status = "degraded"
		status = http.StatusServiceUnavailable
	}

	writeJSON(w, status, resp)
}
