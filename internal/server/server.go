package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	wire "github.com/jeroenrinzema/psql-wire"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/malbeclabs/mcp-clickhouse/internal/config"
	"github.com/malbeclabs/mcp-clickhouse/internal/metrics"
	"github.com/malbeclabs/mcp-clickhouse/internal/query"
)

const (
	serverName = "mcp-clickhouse"

	mcpEndpoint    = "/"
	healthEndpoint = "/health"
)

type Server struct {
	log    *slog.Logger
	cfg    Config
	mcp    *mcp.Server
	health *healthChecker

	http    *http.Server
	psqlSrv *wire.Server
}

func New(cfg Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate server config: %w", err)
	}

	s := &Server{
		log: cfg.Logger,
		cfg: cfg,
		mcp: mcp.NewServer(&mcp.Implementation{
			Name:    serverName,
			Version: cfg.Version,
		}, nil),
		health: newHealthChecker(cfg.Catalog, cfg.Dispatcher.Enabled(query.DriverEmbedded), cfg.HealthCacheTTL),
	}

	if err := s.registerTools(); err != nil {
		return nil, fmt.Errorf("failed to register tools: %w", err)
	}
	if cfg.Dispatcher.Enabled(query.DriverEmbedded) {
		s.registerPrompts()
	}
	if cfg.Catalog != nil && cfg.QueryRules != "" {
		s.registerQueryRulesPrompt()
	}

	if cfg.Transport == config.TransportHTTP {
		s.http = &http.Server{
			Handler:           s.Handler(),
			ReadHeaderTimeout: cfg.ReadHeaderTimeout,
			ReadTimeout:       60 * time.Second,
			WriteTimeout:      60 * time.Second,
			IdleTimeout:       120 * time.Second,
			MaxHeaderBytes:    1 << 20,
		}
	}

	if cfg.PostgresListener != nil {
		if len(cfg.PostgresAccounts) > 0 {
			s.log.Info("server: postgres authentication enabled", "account_count", len(cfg.PostgresAccounts))
		} else {
			s.log.Info("server: postgres authentication disabled (no accounts configured)")
		}
		psqlSrv, err := wire.NewServer(
			s.psqlQueryHandler,
			wire.Logger(s.log),
			wire.SessionAuthStrategy(newAuthStrategy(s.log, cfg.PostgresAccounts)),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create PostgreSQL wire server: %w", err)
		}
		s.psqlSrv = psqlSrv
	}

	return s, nil
}

// Handler serves the streamable MCP endpoint at / and the health check at /health.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mcpHandler := mcp.NewStreamableHTTPHandler(func(_ *http.Request) *mcp.Server {
		return s.mcp
	}, &mcp.StreamableHTTPOptions{
		Stateless: true,
	})

	handler := s.metricsMiddleware(mcpEndpoint, mcpHandler)
	if len(s.cfg.AuthTokens) > 0 {
		handler = s.authMiddleware(handler)
	}
	mux.Handle(mcpEndpoint, handler)
	mux.Handle(healthEndpoint, s.metricsMiddleware(healthEndpoint, http.HandlerFunc(s.healthHandler)))
	return mux
}

// Run serves the configured transport, plus the PostgreSQL gateway when enabled, until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	serveErrCh := make(chan error, 2)

	switch s.cfg.Transport {
	case config.TransportHTTP:
		go func() {
			if err := s.http.Serve(s.cfg.HTTPListener); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.log.Error("server: http server error", "error", err)
				serveErrCh <- fmt.Errorf("failed to serve HTTP: %w", err)
			}
		}()
		s.log.Info("server: mcp streamable http listening", "address", s.cfg.HTTPListener.Addr())
	default:
		go func() {
			err := s.mcp.Run(ctx, &mcp.StdioTransport{})
			if err != nil && ctx.Err() == nil {
				serveErrCh <- fmt.Errorf("failed to serve stdio: %w", err)
				return
			}
			// The client closed stdin.
			serveErrCh <- nil
		}()
		s.log.Info("server: mcp stdio transport running")
	}

	if s.psqlSrv != nil {
		go func() {
			if err := s.psqlSrv.Serve(s.cfg.PostgresListener); err != nil && ctx.Err() == nil {
				s.log.Error("server: postgres wire server error", "error", err)
				serveErrCh <- fmt.Errorf("failed to serve PostgreSQL: %w", err)
			}
		}()
		s.log.Info("server: postgres wire protocol listening", "address", s.cfg.PostgresListener.Addr())
	}

	var runErr error
	select {
	case <-ctx.Done():
		s.log.Info("server: stopping", "reason", ctx.Err())
	case runErr = <-serveErrCh:
		if runErr != nil {
			s.log.Error("server: server error causing shutdown", "error", runErr)
		} else {
			s.log.Info("server: stdio session closed")
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer shutdownCancel()
	if s.http != nil {
		if err := s.http.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("failed to shutdown HTTP server: %w", err)
		}
		s.log.Info("server: http server shutdown complete")
	}
	if s.psqlSrv != nil {
		if err := s.psqlSrv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("failed to shutdown PostgreSQL wire server: %w", err)
		}
		s.log.Info("server: postgres wire server shutdown complete")
	}
	return runErr
}

// MCP returns the underlying MCP server.
func (s *Server) MCP() *mcp.Server {
	return s.mcp
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			s.unauthorized(w, "missing_header", "missing authorization header")
			return
		}

		scheme, token, ok := strings.Cut(authHeader, " ")
		if !ok || !strings.EqualFold(scheme, "bearer") {
			s.unauthorized(w, "invalid_format", "invalid authorization header format")
			return
		}

		token = strings.TrimSpace(token)
		if token == "" {
			s.unauthorized(w, "empty_token", "empty token")
			return
		}

		if !s.tokenAllowed(token) {
			s.unauthorized(w, "invalid_token", "invalid token")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) tokenAllowed(token string) bool {
	for _, allowed := range s.cfg.AuthTokens {
		if subtle.ConstantTimeCompare([]byte(token), []byte(allowed)) == 1 {
			return true
		}
	}
	return false
}

func (s *Server) unauthorized(w http.ResponseWriter, reason, message string) {
	metrics.AuthFailuresTotal.WithLabelValues(reason).Inc()
	w.Header().Set("WWW-Authenticate", `Bearer`)
	w.WriteHeader(http.StatusUnauthorized)
	if _, err := w.Write([]byte("unauthorized: " + message + "\n")); err != nil {
		s.log.Error("failed to write auth error response", "error", err)
	}
}

// metricsMiddleware labels requests by route; the MCP route matches any path.
func (s *Server) metricsMiddleware(endpoint string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		metrics.HTTPRequestsTotal.WithLabelValues(r.Method, endpoint, strconv.Itoa(wrapped.statusCode)).Inc()
		metrics.HTTPRequestDuration.Observe(time.Since(startTime).Seconds())
	})
}

// responseWriter captures the status code written by the wrapped handler.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Flush keeps streaming responses working through the wrapper.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
