package clickhousetesting

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"testing"
	"time"

	ch "github.com/ClickHouse/clickhouse-go/v2"
	"github.com/docker/go-connections/nat"
	"github.com/malbeclabs/mcp-clickhouse/internal/clickhouse"
	"github.com/stretchr/testify/require"
	tcch "github.com/testcontainers/testcontainers-go/modules/clickhouse"
)

type ServerConfig struct {
	Database       string
	Username       string
	Password       string
	ContainerImage string
}

func (cfg *ServerConfig) Validate() error {
	if cfg.Database == "" {
		cfg.Database = "test"
	}
	if cfg.Username == "" {
		cfg.Username = "default"
	}
	if cfg.Password == "" {
		cfg.Password = "password"
	}
	if cfg.ContainerImage == "" {
		cfg.ContainerImage = "clickhouse/clickhouse-server:latest"
	}
	return nil
}

// Server is a ClickHouse container reachable over its plain HTTP interface.
type Server struct {
	Config clickhouse.Config
	Client *clickhouse.Client
}

// NewServer starts a ClickHouse container and returns a client config pointing at it. The test is
// skipped under -short.
func NewServer(t testing.TB, log *slog.Logger, cfg *ServerConfig) *Server {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping ClickHouse container test in short mode")
	}
	ctx := t.Context()

	if cfg == nil {
		cfg = &ServerConfig{}
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("failed to validate server config: %v", err)
	}

	var container *tcch.ClickHouseContainer
	var lastErr error
	for attempt := 1; attempt <= 3; attempt++ {
		var err error
		container, err = tcch.Run(ctx,
			cfg.ContainerImage,
			tcch.WithDatabase(cfg.Database),
			tcch.WithUsername(cfg.Username),
			tcch.WithPassword(cfg.Password),
		)
		if err != nil {
			lastErr = err
			if isRetryableContainerStartErr(err) && attempt < 3 {
				time.Sleep(time.Duration(attempt) * 750 * time.Millisecond)
				continue
			}
			require.NoError(t, err)
		}
		break
	}
	if container == nil {
		t.Fatalf("failed to start ClickHouse container after retries: %v", lastErr)
	}
	t.Cleanup(func() {
		if err := container.Terminate(context.Background()); err != nil {
			t.Logf("failed to terminate ClickHouse container: %v", err)
		}
	})

	host, err := container.Host(ctx)
	require.NoError(t, err)
	mappedPort, err := container.MappedPort(ctx, nat.Port(fmt.Sprintf("%d/tcp", clickhouse.DefaultPort(false))))
	require.NoError(t, err)
	port, err := strconv.Atoi(mappedPort.Port())
	require.NoError(t, err)

	chCfg := clickhouse.Config{
		Logger:   log,
		Host:     host,
		Port:     port,
		Username: cfg.Username,
		Password: cfg.Password,
		Database: cfg.Database,
	}
	client, err := clickhouse.NewClient(chCfg)
	require.NoError(t, err)

	// The server may need a moment after the container reports ready.
	_, err = client.WaitReady(ctx, 30*time.Second)
	require.NoError(t, err)

	return &Server{Config: chCfg, Client: client}
}

// Exec runs a statement on a writable connection, for seeding fixtures.
func (s *Server) Exec(t testing.TB, stmt string) {
	t.Helper()
	conn, err := ch.Open(&ch.Options{
		Protocol: ch.HTTP,
		Addr:     []string{s.Config.Addr()},
		Auth: ch.Auth{
			Database: s.Config.Database,
			Username: s.Config.Username,
			Password: s.Config.Password,
		},
	})
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.Exec(t.Context(), stmt))
}

func isRetryableContainerStartErr(err error) bool {
	if err == nil {
		return false
	}
	s := err.Error()
	return strings.Contains(s, "wait until ready") ||
		strings.Contains(s, "mapped port") ||
		strings.Contains(s, "timeout") ||
		strings.Contains(s, "context deadline exceeded") ||
		strings.Contains(s, "Get \"http://%2Fvar%2Frun%2Fdocker.sock")
}
