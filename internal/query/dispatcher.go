package query

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/malbeclabs/mcp-clickhouse/internal/metrics"
)

const defaultTimeout = 30 * time.Second

type DispatcherConfig struct {
	Logger  *slog.Logger
	Arbiter *Arbiter

	// Drivers holds the enabled drivers; a kind without an entry is disabled.
	Drivers []Driver

	// Timeout is the per-query deadline. Defaults to 30s.
	Timeout time.Duration
}

func (c *DispatcherConfig) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Arbiter == nil {
		return errors.New("arbiter is required")
	}
	if c.Timeout == 0 {
		c.Timeout = defaultTimeout
	}
	if c.Timeout < 0 {
		return errors.New("timeout must be > 0")
	}
	seen := make(map[DriverKind]struct{}, len(c.Drivers))
	for _, d := range c.Drivers {
		if d == nil {
			return errors.New("driver must not be nil")
		}
		if _, ok := seen[d.Kind()]; ok {
			return fmt.Errorf("duplicate driver %q", d.Kind())
		}
		seen[d.Kind()] = struct{}{}
	}
	return nil
}

// Dispatcher routes queries to the selected driver through the arbiter and worker pool.
type Dispatcher struct {
	log     *slog.Logger
	cfg     DispatcherConfig
	drivers map[DriverKind]Driver
}

func NewDispatcher(cfg DispatcherConfig) (*Dispatcher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate dispatcher config: %w", err)
	}
	drivers := make(map[DriverKind]Driver, len(cfg.Drivers))
	for _, d := range cfg.Drivers {
		drivers[d.Kind()] = d
	}
	return &Dispatcher{
		log:     cfg.Logger,
		cfg:     cfg,
		drivers: drivers,
	}, nil
}

// Enabled reports whether a driver of the given kind is configured.
func (d *Dispatcher) Enabled(kind DriverKind) bool {
	_, ok := d.drivers[kind]
	return ok
}

// Timeout is the per-query deadline.
func (d *Dispatcher) Timeout() time.Duration {
	return d.cfg.Timeout
}

// Run executes text on the selected driver. Every query-path failure is returned as an error
// Result; the returned error is non-nil only for unexpected failures (recovered panics), which
// callers should surface as protocol-level errors.
func (d *Dispatcher) Run(ctx context.Context, text string, kind DriverKind) (Result, error) {
	driver, ok := d.drivers[kind]
	if !ok {
		res := notEnabledResult(kind)
		d.log.Warn("query: driver not enabled", "driver", kind)
		metrics.QueryResultsTotal.WithLabelValues(string(kind), "not_enabled").Inc()
		return res, nil
	}

	d.log.Info("query: executing", "driver", kind, "query", text)

	res := d.cfg.Arbiter.Run(ctx, Query{Text: text, Driver: kind}, driver, d.cfg.Timeout)

	outcome := "success"
	switch err := res.Err(); {
	case err == nil:
		d.log.Info("query: returned rows", "driver", kind, "count", res.Count())
	case errors.Is(err, ErrUnexpected):
		metrics.QueryResultsTotal.WithLabelValues(string(kind), "unexpected").Inc()
		d.log.Error("query: unexpected failure", "driver", kind, "error", err)
		return res, err
	case errors.Is(err, ErrTimeout):
		outcome = "timeout"
	case errors.Is(err, ErrCancelled):
		outcome = "cancelled"
	default:
		outcome = "error"
		d.log.Warn("query: failed", "driver", kind, "message", res.Message)
	}
	metrics.QueryResultsTotal.WithLabelValues(string(kind), outcome).Inc()
	return res, nil
}
