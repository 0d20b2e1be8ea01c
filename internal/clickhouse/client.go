package clickhouse

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"reflect"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/cenkalti/backoff/v5"
)

// Client runs queries against a remote ClickHouse server over its HTTP interface. Every call
// opens its own connection and closes it before returning, so no state is shared between calls.
type Client struct {
	log *slog.Logger
	cfg Config
}

func NewClient(cfg Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate clickhouse config: %w", err)
	}
	return &Client{
		log: cfg.Logger,
		cfg: cfg,
	}, nil
}

// Options returns the driver options used for every connection.
func (c *Client) Options() *clickhouse.Options {
	opts := &clickhouse.Options{
		Protocol: clickhouse.HTTP,
		Addr:     []string{c.cfg.Addr()},
		Auth: clickhouse.Auth{
			Database: c.cfg.Database,
			Username: c.cfg.Username,
			Password: c.cfg.Password,
		},
		Settings:    clickhouse.Settings{},
		DialTimeout: c.cfg.ConnectTimeout,
		ReadTimeout: c.cfg.SendReceiveTimeout,
		HttpUrlPath: c.cfg.ProxyPath,
	}
	if c.cfg.Secure {
		opts.TLS = &tls.Config{InsecureSkipVerify: !c.cfg.Verify}
	}
	if c.cfg.Role != "" {
		opts.Settings["role"] = c.cfg.Role
	}
	return opts
}

func (c *Client) connect(ctx context.Context) (driver.Conn, error) {
	c.log.Debug("clickhouse: connecting",
		"addr", c.cfg.Addr(),
		"interface", c.cfg.Interface(),
		"user", c.cfg.Username,
		"verify", c.cfg.Verify,
		"connect_timeout", c.cfg.ConnectTimeout,
		"send_receive_timeout", c.cfg.SendReceiveTimeout,
	)
	conn, err := clickhouse.Open(c.Options())
	if err != nil {
		return nil, fmt.Errorf("failed to open ClickHouse connection: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}
	return conn, nil
}

// ServerVersion returns the version string reported by the server.
func (c *Client) ServerVersion(ctx context.Context) (string, error) {
	conn, err := c.connect(ctx)
	if err != nil {
		return "", err
	}
	defer conn.Close()

	var version string
	if err := conn.QueryRow(ctx, "SELECT version()").Scan(&version); err != nil {
		return "", fmt.Errorf("failed to query server version: %w", err)
	}
	return version, nil
}

// WaitReady blocks until the server answers a version query, retrying with exponential backoff
// for at most maxElapsed.
func (c *Client) WaitReady(ctx context.Context, maxElapsed time.Duration) (string, error) {
	version, err := backoff.Retry(ctx, func() (string, error) {
		return c.ServerVersion(ctx)
	},
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxElapsedTime(maxElapsed),
		backoff.WithNotify(func(err error, next time.Duration) {
			c.log.Warn("clickhouse: server not ready, retrying", "error", err, "next", next)
		}),
	)
	if err != nil {
		return "", fmt.Errorf("clickhouse server not ready: %w", err)
	}
	c.log.Info("clickhouse: connected", "addr", c.cfg.Addr(), "version", version)
	return version, nil
}

// QueryTable runs text under the effective readonly level and returns the column names and rows
// in server order.
func (c *Client) QueryTable(ctx context.Context, text string) ([]string, [][]any, error) {
	conn, err := c.connect(ctx)
	if err != nil {
		return nil, nil, err
	}
	defer conn.Close()

	value, present, err := serverReadonly(ctx, conn)
	if err != nil {
		return nil, nil, err
	}
	readonly := EffectiveReadonly(value, present)

	ctx = clickhouse.Context(ctx, clickhouse.WithSettings(clickhouse.Settings{
		"readonly": readonly,
	}))
	rows, err := conn.Query(ctx, text)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	columns := rows.Columns()
	types := rows.ColumnTypes()
	result := make([][]any, 0)
	for rows.Next() {
		dest := make([]any, len(types))
		for i, ct := range types {
			dest[i] = reflect.New(ct.ScanType()).Interface()
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, nil, fmt.Errorf("failed to scan row: %w", err)
		}
		row := make([]any, len(dest))
		for i, ptr := range dest {
			row[i] = deref(ptr)
		}
		result = append(result, row)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	c.log.Debug("clickhouse: query returned rows", "count", len(result), "readonly", readonly)
	return columns, result, nil
}

var jsonMarshalerType = reflect.TypeFor[json.Marshaler]()

// deref unwraps the scan destinations; nullable columns scan into pointer types. Unwrapping stops
// at a pointer that carries its own JSON encoding, such as *big.Int for the 128 and 256 bit
// integer types, so the value is not reduced to its bare struct.
func deref(ptr any) any {
	v := reflect.ValueOf(ptr).Elem()
	for v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return nil
		}
		if v.Type().Implements(jsonMarshalerType) && !v.Type().Elem().Implements(jsonMarshalerType) {
			return v.Interface()
		}
		v = v.Elem()
	}
	return v.Interface()
}
