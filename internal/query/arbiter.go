package query

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/jonboulle/clockwork"
)

type ArbiterConfig struct {
	Logger *slog.Logger
	Clock  clockwork.Clock
	Pool   *Pool
}

func (c *ArbiterConfig) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Pool == nil {
		return errors.New("pool is required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Arbiter races a job's completion against its deadline.
//
// When the deadline fires first the job is cancelled and a timeout result is returned at once.
// Cancellation is best-effort: a driver call blocked on I/O that does not observe its context
// keeps its worker slot until it returns. Such jobs are counted as zombies by the pool
// (PoolStats.Zombies and the mcp_clickhouse_query_pool_zombie_jobs gauge) and reduce effective
// concurrency while they last.
type Arbiter struct {
	log   *slog.Logger
	clock clockwork.Clock
	pool  *Pool
}

func NewArbiter(cfg ArbiterConfig) (*Arbiter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate arbiter config: %w", err)
	}
	return &Arbiter{
		log:   cfg.Logger,
		clock: cfg.Clock,
		pool:  cfg.Pool,
	}, nil
}

// Run submits the query and waits for its result, the deadline, or the caller's context,
// whichever comes first. A non-positive deadline disables the timer.
func (a *Arbiter) Run(ctx context.Context, q Query, driver Driver, deadline time.Duration) Result {
	h := a.pool.Submit(ctx, q, driver)

	var timeout <-chan time.Time
	if deadline > 0 {
		timer := a.clock.NewTimer(deadline)
		defer timer.Stop()
		timeout = timer.Chan()
	}

	select {
	case <-h.Done():
		return h.Result()
	case <-timeout:
		h.Cancel()
		a.log.Warn("query: timed out",
			"job", h.ID(),
			"driver", q.Driver,
			"deadline", deadline,
			"query", q.Text,
		)
		return TimeoutResult(driver.Label(), deadline)
	case <-ctx.Done():
		h.Cancel()
		a.log.Info("query: caller went away", "job", h.ID(), "driver", q.Driver, "reason", ctx.Err())
		return errorResult(fmt.Errorf("%w: %w", ErrCancelled, ctx.Err()), fmt.Sprintf("%s cancelled: %s", driver.Label(), ctx.Err()))
	}
}

// TimeoutResult is the result returned when a job misses its deadline.
func TimeoutResult(label string, deadline time.Duration) Result {
	return errorResult(ErrTimeout, fmt.Sprintf("%s timed out after %s seconds", label, FormatSeconds(deadline)))
}

// FormatSeconds renders a duration as a plain number of seconds, e.g. "30" or "0.25".
func FormatSeconds(d time.Duration) string {
	return strconv.FormatFloat(d.Seconds(), 'f', -1, 64)
}
