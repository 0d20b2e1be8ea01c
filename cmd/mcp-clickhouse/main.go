package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"

	"github.com/malbeclabs/mcp-clickhouse/internal/clickhouse"
	"github.com/malbeclabs/mcp-clickhouse/internal/config"
	"github.com/malbeclabs/mcp-clickhouse/internal/embedded"
	"github.com/malbeclabs/mcp-clickhouse/internal/logger"
	"github.com/malbeclabs/mcp-clickhouse/internal/metrics"
	"github.com/malbeclabs/mcp-clickhouse/internal/query"
	"github.com/malbeclabs/mcp-clickhouse/internal/server"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const (
	defaultEnvFile         = ".env"
	defaultShutdownTimeout = 10 * time.Second
	defaultWaitReady       = 10 * time.Second
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	verboseFlag := flag.Bool("verbose", false, "enable verbose (debug) logging")
	metricsAddrFlag := flag.String("metrics-addr", "", "Address to listen on for prometheus metrics (disabled when empty)")
	postgresListenAddrFlag := flag.String("postgres-listen-addr", "", "PostgreSQL wire protocol listen address (or set CLICKHOUSE_MCP_POSTGRES_LISTEN_ADDR env var)")
	envFileFlag := flag.String("env-file", defaultEnvFile, "Path to an optional .env file loaded before reading the environment")
	shutdownTimeoutFlag := flag.Duration("shutdown-timeout", defaultShutdownTimeout, "Maximum time to wait for in-flight requests and queries on shutdown")
	waitReadyFlag := flag.Duration("wait-ready", defaultWaitReady, "How long to wait for ClickHouse at startup before serving anyway (0 to skip)")
	flag.Parse()

	// Existing environment variables take precedence over the file.
	if *envFileFlag != "" {
		if err := godotenv.Load(*envFileFlag); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to load env file %s: %w", *envFileFlag, err)
		}
	}

	cfg, err := config.Load(os.Getenv)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.MCP.PostgresListenAddr == "" {
		cfg.MCP.PostgresListenAddr = *postgresListenAddrFlag
	}

	// Stdout carries the stdio transport.
	log := logger.New(os.Stderr, *verboseFlag)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		sig := <-sigCh
		log.Info("server: received signal", "signal", sig.String())
		cancel()
	}()

	if *metricsAddrFlag != "" {
		metrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)
		go func() {
			listener, err := net.Listen("tcp", *metricsAddrFlag)
			if err != nil {
				log.Error("failed to start prometheus metrics server listener", "error", err)
				return
			}
			log.Info("prometheus metrics server listening", "address", listener.Addr().String())
			http.Handle("/metrics", promhttp.Handler())
			if err := http.Serve(listener, nil); err != nil {
				log.Error("failed to start prometheus metrics server", "error", err)
			}
		}()
	}

	if err := cfg.CheckBackends(); err != nil {
		log.Warn("server: no query engine enabled, health checks will fail", "error", err)
	}

	var drivers []query.Driver
	var catalog server.Catalog
	if cfg.ClickHouseEnabled {
		cfg.ClickHouse.Logger = log
		client, err := clickhouse.NewClient(cfg.ClickHouse)
		if err != nil {
			return fmt.Errorf("failed to create clickhouse client: %w", err)
		}
		log.Info("clickhouse: enabled",
			"host", cfg.ClickHouse.Host,
			"port", cfg.ClickHouse.Port,
			"interface", cfg.ClickHouse.Interface(),
			"user", cfg.ClickHouse.Username,
			"database", cfg.ClickHouse.Database,
		)
		if *waitReadyFlag > 0 {
			if _, err := client.WaitReady(ctx, *waitReadyFlag); err != nil {
				log.Warn("clickhouse: server unreachable at startup, queries will fail until it recovers", "error", err)
			}
		}
		drivers = append(drivers, query.NewRemoteDriver(client))
		catalog = client
	}
	if cfg.EmbeddedEnabled {
		cfg.Embedded.Logger = log
		session, err := embedded.Open(ctx, cfg.Embedded)
		if err != nil {
			return fmt.Errorf("failed to open embedded engine: %w", err)
		}
		// Registered before the pool so it is closed after the pool drains.
		defer func() {
			if err := session.Close(); err != nil {
				log.Error("failed to close embedded engine", "error", err)
			}
		}()
		drivers = append(drivers, query.NewEmbeddedDriver(session))
	}

	pool, err := query.NewPool(query.PoolConfig{
		Logger: log,
		Size:   cfg.MCP.QueryWorkers,
	})
	if err != nil {
		return fmt.Errorf("failed to create query pool: %w", err)
	}
	defer func() {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), *shutdownTimeoutFlag)
		defer closeCancel()
		if err := pool.Close(closeCtx); err != nil {
			log.Warn("query pool: close did not drain", "error", err)
		}
	}()

	arbiter, err := query.NewArbiter(query.ArbiterConfig{
		Logger: log,
		Pool:   pool,
	})
	if err != nil {
		return fmt.Errorf("failed to create arbiter: %w", err)
	}

	dispatcher, err := query.NewDispatcher(query.DispatcherConfig{
		Logger:  log,
		Arbiter: arbiter,
		Drivers: drivers,
		Timeout: cfg.MCP.QueryTimeout,
	})
	if err != nil {
		return fmt.Errorf("failed to create dispatcher: %w", err)
	}

	serverCfg := server.Config{
		Logger:          log,
		Version:         version,
		Dispatcher:      dispatcher,
		Catalog:         catalog,
		Transport:       cfg.MCP.Transport,
		ShutdownTimeout: *shutdownTimeoutFlag,
	}

	if catalog != nil {
		rules, err := cfg.MCP.LoadQueryRules()
		if err != nil {
			return err
		}
		if rules != "" {
			serverCfg.QueryRules = rules
			log.Info("mcp server: query rules loaded", "path", cfg.MCP.QueryRulesFile)
		}
	}

	if cfg.MCP.Transport == config.TransportHTTP {
		if cfg.MCP.AuthDisabled {
			log.Warn("mcp server: authentication explicitly disabled")
		} else {
			serverCfg.AuthTokens = cfg.MCP.AuthTokens
			log.Info("mcp server: token authentication enabled", "token_count", len(cfg.MCP.AuthTokens))
		}
		httpListener, err := net.Listen("tcp", cfg.MCP.ListenAddr())
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", cfg.MCP.ListenAddr(), err)
		}
		defer httpListener.Close()
		serverCfg.HTTPListener = httpListener
	}

	if cfg.MCP.PostgresListenAddr != "" {
		postgresListener, err := net.Listen("tcp", cfg.MCP.PostgresListenAddr)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", cfg.MCP.PostgresListenAddr, err)
		}
		defer postgresListener.Close()
		serverCfg.PostgresListener = postgresListener
		serverCfg.PostgresAccounts = cfg.MCP.PostgresAccounts
	}

	srv, err := server.New(serverCfg)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	log.Info("server: starting",
		"version", version,
		"commit", commit,
		"date", date,
		"transport", cfg.MCP.Transport,
		"queryWorkers", cfg.MCP.QueryWorkers,
		"queryTimeout", cfg.MCP.QueryTimeout,
	)
	if err := srv.Run(ctx); err != nil {
		return fmt.Errorf("failed to run server: %w", err)
	}
	log.Info("server: stopped")
	return nil
}
