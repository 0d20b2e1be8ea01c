package query

import (
	"context"
	"io"
	"log/slog"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestLogger() *slog.Logger {
	log := slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{}))
	if os.Getenv("TEST_LOG") != "" {
		log = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}
	return log
}

type tableQuerierFunc func(ctx context.Context, text string) ([]string, [][]any, error)

func (f tableQuerierFunc) QueryTable(ctx context.Context, text string) ([]string, [][]any, error) {
	return f(ctx, text)
}

type payloadQuerierFunc func(ctx context.Context, text string) ([]byte, error)

func (f payloadQuerierFunc) QueryJSON(ctx context.Context, text string) ([]byte, error) {
	return f(ctx, text)
}

// blockingDriver blocks every call until its query's release channel is closed, ignoring
// context cancellation like a driver stuck in a non-interruptible read.
type blockingDriver struct {
	started  chan string
	releases map[string]chan struct{}
}

func newBlockingDriver(queries ...string) *blockingDriver {
	d := &blockingDriver{
		started:  make(chan string, len(queries)),
		releases: make(map[string]chan struct{}, len(queries)),
	}
	for _, q := range queries {
		d.releases[q] = make(chan struct{})
	}
	return d
}

func (d *blockingDriver) Kind() DriverKind { return DriverRemote }
func (d *blockingDriver) Label() string    { return remoteLabel }

func (d *blockingDriver) Execute(_ context.Context, text string) Result {
	d.started <- text
	<-d.releases[text]
	return FromTable([]string{"q"}, [][]any{{text}})
}

func (d *blockingDriver) release(text string) {
	close(d.releases[text])
}

func newTestPool(t *testing.T, size int) *Pool {
	t.Helper()
	pool, err := NewPool(PoolConfig{Logger: newTestLogger(), Size: size})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_ = pool.Close(ctx)
	})
	return pool
}
