package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"time"

	"github.com/malbeclabs/mcp-clickhouse/internal/clickhouse"
	"github.com/malbeclabs/mcp-clickhouse/internal/config"
	"github.com/malbeclabs/mcp-clickhouse/internal/query"
)

const (
	defaultReadHeaderTimeout = 5 * time.Second
	defaultShutdownTimeout   = 5 * time.Second
	defaultHealthCacheTTL    = 10 * time.Second
)

// Catalog is the metadata surface of the remote server.
type Catalog interface {
	ServerVersion(ctx context.Context) (string, error)
	ListDatabases(ctx context.Context) ([]string, error)
	ListTables(ctx context.Context, database, like, notLike string) ([]clickhouse.Table, error)
}

type Config struct {
	Logger  *slog.Logger
	Version string

	Dispatcher *query.Dispatcher

	// Catalog is set when the remote server is enabled.
	Catalog Catalog
	// QueryRules, when set with a catalog, is served by the get_query_rules tool and the
	// query_rules prompt.
	QueryRules string

	Transport config.Transport

	// HTTPListener serves the streamable HTTP transport and the health endpoint.
	HTTPListener      net.Listener
	AuthTokens        []string
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
	HealthCacheTTL    time.Duration

	// PostgresListener enables the PostgreSQL wire gateway when set.
	PostgresListener net.Listener
	// PostgresAccounts maps username to password. Empty accepts every client.
	PostgresAccounts map[string]string
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Dispatcher == nil {
		return errors.New("dispatcher is required")
	}
	if c.Dispatcher.Enabled(query.DriverRemote) != (c.Catalog != nil) {
		return errors.New("catalog must be set exactly when the remote driver is enabled")
	}
	if c.Transport == "" {
		c.Transport = config.TransportStdio
	}
	switch c.Transport {
	case config.TransportStdio:
	case config.TransportHTTP:
		if c.HTTPListener == nil {
			return errors.New("http listener is required for the http transport")
		}
	default:
		return errors.New("unsupported transport " + string(c.Transport))
	}
	if c.ReadHeaderTimeout == 0 {
		c.ReadHeaderTimeout = defaultReadHeaderTimeout
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = defaultShutdownTimeout
	}
	if c.HealthCacheTTL == 0 {
		c.HealthCacheTTL = defaultHealthCacheTTL
	}
	return nil
}
