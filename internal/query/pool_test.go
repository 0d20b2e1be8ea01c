package query

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMCPClickHouse_Query_Pool_Config(t *testing.T) {
	t.Parallel()

	t.Run("defaults", func(t *testing.T) {
		t.Parallel()

		cfg := PoolConfig{Logger: newTestLogger()}
		require.NoError(t, cfg.Validate())
		require.Equal(t, 10, cfg.Size)
		require.NotNil(t, cfg.Clock)
	})

	t.Run("rejects missing logger", func(t *testing.T) {
		t.Parallel()

		_, err := NewPool(PoolConfig{})
		require.ErrorContains(t, err, "logger is required")
	})

	t.Run("rejects negative size", func(t *testing.T) {
		t.Parallel()

		_, err := NewPool(PoolConfig{Logger: newTestLogger(), Size: -1})
		require.ErrorContains(t, err, "pool size must be > 0")
	})
}

func TestMCPClickHouse_Query_Pool_BoundedFIFO(t *testing.T) {
	t.Parallel()

	const size = 3
	const extra = 5

	queries := make([]string, 0, size+extra)
	for i := range size + extra {
		queries = append(queries, fmt.Sprintf("q%d", i))
	}
	driver := newBlockingDriver(queries...)
	pool := newTestPool(t, size)

	handles := make([]*Handle, 0, len(queries))
	for _, q := range queries {
		handles = append(handles, pool.Submit(t.Context(), Query{Text: q, Driver: DriverRemote}, driver))
	}

	require.Eventually(t, func() bool {
		s := pool.Stats()
		return s.Running == size && s.Queued == extra
	}, 5*time.Second, 5*time.Millisecond)

	first := map[string]bool{}
	for range size {
		first[<-driver.started] = true
	}
	require.Equal(t, map[string]bool{"q0": true, "q1": true, "q2": true}, first)

	// Free one slot at a time; the oldest queued job must take it.
	for i := range extra {
		driver.release(queries[i])
		select {
		case got := <-driver.started:
			require.Equal(t, queries[size+i], got)
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for %s to start", queries[size+i])
		}
		require.Equal(t, int64(size), pool.Stats().Running)
	}
	for i := extra; i < len(queries); i++ {
		driver.release(queries[i])
	}

	for i, h := range handles {
		select {
		case <-h.Done():
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for job %d", i)
		}
		res := h.Result()
		require.True(t, res.OK())
		require.Equal(t, [][]any{{queries[i]}}, res.Rows)
	}

	require.Equal(t, PoolStats{Capacity: size}, pool.Stats())
}

func TestMCPClickHouse_Query_Pool_Cancel(t *testing.T) {
	t.Parallel()

	t.Run("queued job is discarded and never runs", func(t *testing.T) {
		t.Parallel()

		driver := newBlockingDriver("busy", "waiting")
		pool := newTestPool(t, 1)

		busy := pool.Submit(t.Context(), Query{Text: "busy", Driver: DriverRemote}, driver)
		require.Equal(t, "busy", <-driver.started)

		waiting := pool.Submit(t.Context(), Query{Text: "waiting", Driver: DriverRemote}, driver)
		require.True(t, waiting.Cancel())

		<-waiting.Done()
		require.ErrorIs(t, waiting.Result().Err(), ErrCancelled)
		require.Equal(t, int64(0), pool.Stats().Zombies)

		driver.release("busy")
		<-busy.Done()
		require.True(t, busy.Result().OK())

		require.Eventually(t, func() bool { return pool.Stats().Queued == 0 }, 5*time.Second, 5*time.Millisecond)
		select {
		case q := <-driver.started:
			t.Fatalf("discarded job %s was executed", q)
		default:
		}
	})

	t.Run("running job becomes a zombie until the driver returns", func(t *testing.T) {
		t.Parallel()

		driver := newBlockingDriver("slow")
		pool := newTestPool(t, 2)

		h := pool.Submit(t.Context(), Query{Text: "slow", Driver: DriverRemote}, driver)
		<-driver.started
		require.True(t, h.Cancel())
		require.False(t, h.Cancel())

		stats := pool.Stats()
		require.Equal(t, int64(1), stats.Zombies)
		require.Equal(t, int64(1), stats.Running)

		driver.release("slow")
		require.Eventually(t, func() bool {
			s := pool.Stats()
			return s.Zombies == 0 && s.Running == 0
		}, 5*time.Second, 5*time.Millisecond)

		select {
		case <-h.Done():
			t.Fatal("abandoned job must not deliver a result")
		default:
		}
	})

	t.Run("running job sees its context cancelled", func(t *testing.T) {
		t.Parallel()

		pool := newTestPool(t, 1)
		started := make(chan struct{})
		driver := NewRemoteDriver(tableQuerierFunc(func(ctx context.Context, _ string) ([]string, [][]any, error) {
			close(started)
			<-ctx.Done()
			return nil, nil, ctx.Err()
		}))

		h := pool.Submit(t.Context(), Query{Text: "SELECT sleep(3)", Driver: DriverRemote}, driver)
		<-started
		h.Cancel()

		require.Eventually(t, func() bool { return pool.Stats().Running == 0 }, 5*time.Second, 5*time.Millisecond)
	})
}

func TestMCPClickHouse_Query_Pool_Panics(t *testing.T) {
	t.Parallel()

	pool := newTestPool(t, 1)
	driver := NewRemoteDriver(tableQuerierFunc(func(context.Context, string) ([]string, [][]any, error) {
		panic("boom")
	}))

	h := pool.Submit(t.Context(), Query{Text: "SELECT 1", Driver: DriverRemote}, driver)
	<-h.Done()

	res := h.Result()
	require.False(t, res.OK())
	require.ErrorIs(t, res.Err(), ErrUnexpected)
	require.Contains(t, res.Message, "boom")
	require.Equal(t, int64(0), pool.Stats().Running)
}

func TestMCPClickHouse_Query_Pool_Close(t *testing.T) {
	t.Parallel()

	t.Run("drains queued jobs and rejects new ones", func(t *testing.T) {
		t.Parallel()

		pool, err := NewPool(PoolConfig{Logger: newTestLogger(), Size: 1})
		require.NoError(t, err)

		var ran atomic.Int32
		driver := NewRemoteDriver(tableQuerierFunc(func(context.Context, string) ([]string, [][]any, error) {
			ran.Add(1)
			time.Sleep(10 * time.Millisecond)
			return []string{"x"}, nil, nil
		}))

		handles := []*Handle{
			pool.Submit(t.Context(), Query{Text: "a", Driver: DriverRemote}, driver),
			pool.Submit(t.Context(), Query{Text: "b", Driver: DriverRemote}, driver),
		}
		require.NoError(t, pool.Close(t.Context()))
		require.Equal(t, int32(2), ran.Load())
		for _, h := range handles {
			<-h.Done()
			require.True(t, h.Result().OK())
		}

		late := pool.Submit(t.Context(), Query{Text: "c", Driver: DriverRemote}, driver)
		<-late.Done()
		require.ErrorIs(t, late.Result().Err(), ErrPoolClosed)
		require.NoError(t, pool.Close(t.Context()))
	})

	t.Run("cancels in-flight jobs when the drain deadline passes", func(t *testing.T) {
		t.Parallel()

		pool, err := NewPool(PoolConfig{Logger: newTestLogger(), Size: 1})
		require.NoError(t, err)

		started := make(chan struct{})
		cancelled := make(chan struct{})
		driver := NewRemoteDriver(tableQuerierFunc(func(ctx context.Context, _ string) ([]string, [][]any, error) {
			close(started)
			<-ctx.Done()
			close(cancelled)
			return nil, nil, ctx.Err()
		}))
		pool.Submit(t.Context(), Query{Text: "SELECT sleep(3)", Driver: DriverRemote}, driver)
		<-started

		ctx, cancel := context.WithTimeout(t.Context(), 20*time.Millisecond)
		defer cancel()
		err = pool.Close(ctx)
		require.Error(t, err)
		require.True(t, errors.Is(err, context.DeadlineExceeded))

		select {
		case <-cancelled:
		case <-time.After(5 * time.Second):
			t.Fatal("in-flight job was not cancelled")
		}
	})
}
