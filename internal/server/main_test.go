package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/mcp-clickhouse/internal/clickhouse"
	"github.com/malbeclabs/mcp-clickhouse/internal/config"
	"github.com/malbeclabs/mcp-clickhouse/internal/query"
)

func newTestLogger() *slog.Logger {
	log := slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{}))
	if os.Getenv("TEST_LOG") != "" {
		log = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}
	return log
}

type fakeCatalog struct {
	version      string
	versionErr   error
	versionCalls atomic.Int32

	databases []string
	tables    []clickhouse.Table
	listErr   error
}

func (c *fakeCatalog) ServerVersion(context.Context) (string, error) {
	c.versionCalls.Add(1)
	return c.version, c.versionErr
}

func (c *fakeCatalog) ListDatabases(context.Context) ([]string, error) {
	return c.databases, c.listErr
}

func (c *fakeCatalog) ListTables(_ context.Context, database, like, notLike string) ([]clickhouse.Table, error) {
	if c.listErr != nil {
		return nil, c.listErr
	}
	tables := []clickhouse.Table{}
	for _, table := range c.tables {
		if table.Database != database {
			continue
		}
		if like != "" && table.Name != like {
			continue
		}
		if notLike != "" && table.Name == notLike {
			continue
		}
		tables = append(tables, table)
	}
	return tables, nil
}

type tableQuerierFunc func(ctx context.Context, text string) ([]string, [][]any, error)

func (f tableQuerierFunc) QueryTable(ctx context.Context, text string) ([]string, [][]any, error) {
	return f(ctx, text)
}

type payloadQuerierFunc func(ctx context.Context, text string) ([]byte, error)

func (f payloadQuerierFunc) QueryJSON(ctx context.Context, text string) ([]byte, error) {
	return f(ctx, text)
}

// testRemote answers "SELECT 1" with a single row and fails every other query.
func testRemote() query.Driver {
	return query.NewRemoteDriver(tableQuerierFunc(func(_ context.Context, text string) ([]string, [][]any, error) {
		switch text {
		case "SELECT 1":
			return []string{"1"}, [][]any{{uint8(1)}}, nil
		case "panic":
			var m map[string]int
			m["boom"] = 1
		}
		return nil, nil, errors.New("Syntax error: failed at position 1")
	}))
}

// testEmbedded answers "SELECT 1" with a single record and fails every other query.
func testEmbedded() query.Driver {
	return query.NewEmbeddedDriver(payloadQuerierFunc(func(_ context.Context, text string) ([]byte, error) {
		if text == "SELECT 1" {
			return []byte(`{"meta":[{"name":"one","type":"INTEGER"}],"data":[{"one":1}],"rows":1}`), nil
		}
		return nil, errors.New("Parser Error: syntax error at or near \"SELEC\"")
	}))
}

func newTestDispatcher(t *testing.T, drivers ...query.Driver) *query.Dispatcher {
	t.Helper()
	log := newTestLogger()
	pool, err := query.NewPool(query.PoolConfig{Logger: log, Size: 2})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_ = pool.Close(ctx)
	})
	arbiter, err := query.NewArbiter(query.ArbiterConfig{Logger: log, Pool: pool})
	require.NoError(t, err)
	dispatcher, err := query.NewDispatcher(query.DispatcherConfig{Logger: log, Arbiter: arbiter, Drivers: drivers})
	require.NoError(t, err)
	return dispatcher
}

// newTestServer builds a stdio server; the HTTP surface is exercised through Handler.
func newTestServer(t *testing.T, catalog Catalog, drivers ...query.Driver) *Server {
	t.Helper()
	cfg := Config{
		Logger:     newTestLogger(),
		Version:    "test",
		Dispatcher: newTestDispatcher(t, drivers...),
		Transport:  config.TransportStdio,
	}
	if catalog != nil {
		cfg.Catalog = catalog
	}
	s, err := New(cfg)
	require.NoError(t, err)
	return s
}

func newTestServerWithRules(t *testing.T, rules string, drivers ...query.Driver) *Server {
	t.Helper()
	s, err := New(Config{
		Logger:     newTestLogger(),
		Dispatcher: newTestDispatcher(t, drivers...),
		Catalog:    &fakeCatalog{},
		QueryRules: rules,
	})
	require.NoError(t, err)
	return s
}
