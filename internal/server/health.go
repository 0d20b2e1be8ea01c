package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/malbeclabs/mcp-clickhouse/internal/query"
)

const (
	serverVersionCacheKey = "server_version"
	healthCheckTimeout    = 10 * time.Second
)

// healthChecker reports remote connectivity, caching the server version for a short TTL.
type healthChecker struct {
	catalog         Catalog
	embeddedEnabled bool
	cache           *ttlcache.Cache[string, string]
	ttl             time.Duration
}

func newHealthChecker(catalog Catalog, embeddedEnabled bool, ttl time.Duration) *healthChecker {
	return &healthChecker{
		catalog:         catalog,
		embeddedEnabled: embeddedEnabled,
		cache:           ttlcache.New(ttlcache.WithTTL[string, string](ttl)),
		ttl:             ttl,
	}
}

// check returns the status code and body of the health response.
func (h *healthChecker) check(ctx context.Context) (int, string) {
	if h.catalog == nil {
		if h.embeddedEnabled {
			return http.StatusOK, "OK - MCP server running with chDB enabled"
		}
		return http.StatusServiceUnavailable, "ERROR - Both ClickHouse and chDB are disabled. At least one must be enabled."
	}

	version, err := h.serverVersion(ctx)
	if err != nil {
		return http.StatusServiceUnavailable, fmt.Sprintf("ERROR - Cannot connect to ClickHouse: %s", query.DriverMessage(err))
	}
	return http.StatusOK, fmt.Sprintf("OK - Connected to ClickHouse %s", version)
}

func (h *healthChecker) serverVersion(ctx context.Context) (string, error) {
	if cached := h.cache.Get(serverVersionCacheKey); cached != nil {
		return cached.Value(), nil
	}
	version, err := h.catalog.ServerVersion(ctx)
	if err != nil {
		return "", err
	}
	h.cache.Set(serverVersionCacheKey, version, h.ttl)
	return version, nil
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	status, body := s.health.check(ctx)
	if status != http.StatusOK {
		s.log.Warn("health: check failed", "status", status, "body", body)
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	if _, err := w.Write([]byte(body)); err != nil {
		s.log.Error("failed to write health response", "error", err)
	}
}
