package query

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrNotEnabled is returned when a query targets a driver that is not configured.
	ErrNotEnabled = errors.New("driver not enabled")
	// ErrTimeout marks results produced because a job exceeded its deadline.
	ErrTimeout = errors.New("query timed out")
	// ErrCancelled marks results produced because the caller went away first.
	ErrCancelled = errors.New("query cancelled")
	// ErrPoolClosed is returned for submissions after the pool was closed.
	ErrPoolClosed = errors.New("query pool is closed")
	// ErrUnexpected wraps programming errors (recovered panics) raised while executing a job.
	ErrUnexpected = errors.New("unexpected error during query execution")
)

// DriverKind selects the engine a query runs against.
type DriverKind string

const (
	DriverRemote   DriverKind = "remote"
	DriverEmbedded DriverKind = "embedded"
)

// Query is an immutable query submission.
type Query struct {
	Text   string
	Driver DriverKind
}

// Driver executes a query synchronously and returns its normalized result.
type Driver interface {
	Kind() DriverKind
	// Label prefixes user-facing messages, e.g. "Query" or "chDB query".
	Label() string
	Execute(ctx context.Context, text string) Result
}

// TableQuerier is the capability the remote engine provides.
type TableQuerier interface {
	QueryTable(ctx context.Context, text string) (columns []string, rows [][]any, err error)
}

// PayloadQuerier is the capability the embedded engine provides.
type PayloadQuerier interface {
	QueryJSON(ctx context.Context, text string) ([]byte, error)
}

const (
	remoteLabel   = "Query"
	embeddedLabel = "chDB query"
)

type remoteDriver struct {
	q TableQuerier
}

// NewRemoteDriver adapts a remote table querier into a Driver.
func NewRemoteDriver(q TableQuerier) Driver {
	return &remoteDriver{q: q}
}

func (d *remoteDriver) Kind() DriverKind { return DriverRemote }
func (d *remoteDriver) Label() string    { return remoteLabel }

func (d *remoteDriver) Execute(ctx context.Context, text string) Result {
	columns, rows, err := d.q.QueryTable(ctx, text)
	if err != nil {
		return FromError(remoteLabel, err)
	}
	return FromTable(columns, rows)
}

type embeddedDriver struct {
	q PayloadQuerier
}

// NewEmbeddedDriver adapts an embedded payload querier into a Driver.
func NewEmbeddedDriver(q PayloadQuerier) Driver {
	return &embeddedDriver{q: q}
}

func (d *embeddedDriver) Kind() DriverKind { return DriverEmbedded }
func (d *embeddedDriver) Label() string    { return embeddedLabel }

func (d *embeddedDriver) Execute(ctx context.Context, text string) Result {
	payload, err := d.q.QueryJSON(ctx, text)
	if err != nil {
		return FromError(embeddedLabel, err)
	}
	return FromJSONPayload(embeddedLabel, payload)
}

func labelFor(kind DriverKind) string {
	if kind == DriverEmbedded {
		return embeddedLabel
	}
	return remoteLabel
}

func notEnabledResult(kind DriverKind) Result {
	var msg string
	switch kind {
	case DriverRemote:
		msg = "ClickHouse is not enabled. Set CLICKHOUSE_ENABLED=true to enable it."
	case DriverEmbedded:
		msg = "chDB is not enabled. Set CHDB_ENABLED=true to enable it."
	default:
		msg = fmt.Sprintf("unknown driver %q", string(kind))
	}
	return errorResult(fmt.Errorf("%w: %s", ErrNotEnabled, kind), msg)
}
