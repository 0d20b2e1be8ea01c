package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/malbeclabs/mcp-clickhouse/internal/clickhouse"
	"github.com/malbeclabs/mcp-clickhouse/internal/embedded"
)

// ErrNoBackendEnabled is reported when both the remote and the embedded engine are disabled.
var ErrNoBackendEnabled = errors.New("both ClickHouse and chDB are disabled, at least one must be enabled")

type Transport string

const (
	TransportStdio Transport = "stdio"
	TransportHTTP  Transport = "http"
)

const (
	defaultBindHost     = "127.0.0.1"
	defaultBindPort     = 8000
	defaultQueryTimeout = 30 * time.Second
	defaultQueryWorkers = 10
)

type Config struct {
	ClickHouseEnabled bool
	ClickHouse        clickhouse.Config

	EmbeddedEnabled bool
	Embedded        embedded.Config

	MCP MCPConfig
}

type MCPConfig struct {
	Transport Transport
	BindHost  string
	BindPort  int

	QueryTimeout time.Duration
	QueryWorkers int

	// AuthTokens are the accepted bearer tokens for the HTTP transport.
	AuthTokens []string
	// AuthDisabled serves the HTTP transport without authentication.
	AuthDisabled bool

	// QueryRulesFile holds deployment-specific query rules served to clients. Optional.
	QueryRulesFile string

	// PostgresListenAddr enables the PostgreSQL wire gateway when set.
	PostgresListenAddr string
	PostgresAccounts   map[string]string
}

// ListenAddr is the HTTP transport's bind address.
func (c *MCPConfig) ListenAddr() string {
	return net.JoinHostPort(c.BindHost, strconv.Itoa(c.BindPort))
}

// LoadQueryRules reads QueryRulesFile. It returns an empty string when no file is configured.
func (c *MCPConfig) LoadQueryRules() (string, error) {
	if c.QueryRulesFile == "" {
		return "", nil
	}
	b, err := os.ReadFile(c.QueryRulesFile)
	if err != nil {
		return "", fmt.Errorf("failed to read CLICKHOUSE_MCP_QUERY_RULES_FILE: %w", err)
	}
	rules := strings.TrimSpace(string(b))
	if rules == "" {
		return "", fmt.Errorf("CLICKHOUSE_MCP_QUERY_RULES_FILE %s is empty", c.QueryRulesFile)
	}
	return rules, nil
}

// CheckBackends returns ErrNoBackendEnabled when no engine is enabled. The server still starts in
// that case so the health endpoint can report it.
func (c *Config) CheckBackends() error {
	if !c.ClickHouseEnabled && !c.EmbeddedEnabled {
		return ErrNoBackendEnabled
	}
	return nil
}

// Load reads the configuration from getenv, usually os.Getenv.
func Load(getenv func(string) string) (*Config, error) {
	env := envReader{getenv: getenv}

	cfg := &Config{
		ClickHouseEnabled: env.getBool("CLICKHOUSE_ENABLED", true),
		EmbeddedEnabled:   env.getBool("CHDB_ENABLED", false),
	}

	if cfg.ClickHouseEnabled {
		secure := env.getBool("CLICKHOUSE_SECURE", true)
		cfg.ClickHouse = clickhouse.Config{
			Host:               env.getString("CLICKHOUSE_HOST", ""),
			Port:               env.getInt("CLICKHOUSE_PORT", clickhouse.DefaultPort(secure)),
			Username:           env.getString("CLICKHOUSE_USER", ""),
			Password:           env.getString("CLICKHOUSE_PASSWORD", ""),
			Database:           env.getString("CLICKHOUSE_DATABASE", ""),
			Role:               env.getString("CLICKHOUSE_ROLE", ""),
			Secure:             secure,
			Verify:             env.getBool("CLICKHOUSE_VERIFY", true),
			ProxyPath:          env.getString("CLICKHOUSE_PROXY_PATH", ""),
			ConnectTimeout:     env.getSeconds("CLICKHOUSE_CONNECT_TIMEOUT", 30*time.Second),
			SendReceiveTimeout: env.getSeconds("CLICKHOUSE_SEND_RECEIVE_TIMEOUT", 300*time.Second),
		}
	}

	if cfg.EmbeddedEnabled {
		cfg.Embedded = embedded.Config{
			DataPath: env.getString("CHDB_DATA_PATH", embedded.MemoryPath),
		}
	}

	cfg.MCP = MCPConfig{
		Transport:          Transport(strings.ToLower(env.getString("CLICKHOUSE_MCP_SERVER_TRANSPORT", string(TransportStdio)))),
		BindHost:           env.getString("CLICKHOUSE_MCP_BIND_HOST", defaultBindHost),
		BindPort:           env.getInt("CLICKHOUSE_MCP_BIND_PORT", defaultBindPort),
		QueryTimeout:       env.getSeconds("CLICKHOUSE_MCP_QUERY_TIMEOUT", defaultQueryTimeout),
		QueryWorkers:       env.getInt("CLICKHOUSE_MCP_QUERY_WORKERS", defaultQueryWorkers),
		AuthTokens:         env.getList("CLICKHOUSE_MCP_AUTH_TOKENS"),
		AuthDisabled:       env.getBool("CLICKHOUSE_MCP_AUTH_DISABLED", false),
		QueryRulesFile:     env.getString("CLICKHOUSE_MCP_QUERY_RULES_FILE", ""),
		PostgresListenAddr: env.getString("CLICKHOUSE_MCP_POSTGRES_LISTEN_ADDR", ""),
	}
	accounts, err := parseAccounts(env.getList("CLICKHOUSE_MCP_POSTGRES_ACCOUNTS"))
	if err != nil {
		env.errs = append(env.errs, fmt.Errorf("CLICKHOUSE_MCP_POSTGRES_ACCOUNTS: %w", err))
	}
	cfg.MCP.PostgresAccounts = accounts

	if err := errors.Join(env.errs...); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.ClickHouseEnabled {
		if c.ClickHouse.Host == "" {
			return errors.New("CLICKHOUSE_HOST is required when ClickHouse is enabled")
		}
		if c.ClickHouse.Username == "" {
			return errors.New("CLICKHOUSE_USER is required when ClickHouse is enabled")
		}
		if c.ClickHouse.Port <= 0 || c.ClickHouse.Port > 65535 {
			return fmt.Errorf("invalid CLICKHOUSE_PORT %d", c.ClickHouse.Port)
		}
	}
	switch c.MCP.Transport {
	case TransportStdio, TransportHTTP:
	default:
		return fmt.Errorf("invalid transport %q, must be one of: %s, %s", c.MCP.Transport, TransportStdio, TransportHTTP)
	}
	if c.MCP.Transport == TransportHTTP && !c.MCP.AuthDisabled && len(c.MCP.AuthTokens) == 0 {
		return errors.New("CLICKHOUSE_MCP_AUTH_TOKENS is required for the http transport unless CLICKHOUSE_MCP_AUTH_DISABLED=true")
	}
	if c.MCP.BindPort <= 0 || c.MCP.BindPort > 65535 {
		return fmt.Errorf("invalid CLICKHOUSE_MCP_BIND_PORT %d", c.MCP.BindPort)
	}
	if c.MCP.QueryTimeout <= 0 {
		return errors.New("CLICKHOUSE_MCP_QUERY_TIMEOUT must be > 0")
	}
	if c.MCP.QueryWorkers <= 0 {
		return errors.New("CLICKHOUSE_MCP_QUERY_WORKERS must be > 0")
	}
	return nil
}

func parseAccounts(entries []string) (map[string]string, error) {
	if len(entries) == 0 {
		return nil, nil
	}
	accounts := make(map[string]string, len(entries))
	for _, entry := range entries {
		user, pass, ok := strings.Cut(entry, ":")
		if !ok || user == "" {
			return nil, fmt.Errorf("invalid account %q, expected user:password", entry)
		}
		accounts[user] = pass
	}
	return accounts, nil
}

type envReader struct {
	getenv func(string) string
	errs   []error
}

func (r *envReader) getString(key, def string) string {
	if v := r.getenv(key); v != "" {
		return v
	}
	return def
}

func (r *envReader) getBool(key string, def bool) bool {
	v := strings.TrimSpace(r.getenv(key))
	if v == "" {
		return def
	}
	return strings.EqualFold(v, "true")
}

func (r *envReader) getInt(key string, def int) int {
	v := strings.TrimSpace(r.getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s: invalid integer %q", key, v))
		return def
	}
	return n
}

// getSeconds parses a number of seconds, fractional values allowed.
func (r *envReader) getSeconds(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(r.getenv(key))
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s: invalid number of seconds %q", key, v))
		return def
	}
	return time.Duration(f * float64(time.Second))
}

func (r *envReader) getList(key string) []string {
	var out []string
	for item := range strings.SplitSeq(r.getenv(key), ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
