package query

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/jonboulle/clockwork"

	"github.com/malbeclabs/mcp-clickhouse/internal/metrics"
)

const defaultPoolSize = 10

type PoolConfig struct {
	Logger *slog.Logger
	Clock  clockwork.Clock

	// Size is the number of worker slots. Defaults to 10.
	Size int
}

func (c *PoolConfig) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Size == 0 {
		c.Size = defaultPoolSize
	}
	if c.Size < 0 {
		return errors.New("pool size must be > 0")
	}
	return nil
}

type jobState int32

const (
	jobQueued jobState = iota
	jobRunning
	jobFinished
	// jobDiscarded: cancelled before a worker picked it up; never executed.
	jobDiscarded
	// jobAbandoned: cancelled while running; the worker keeps its slot until the driver returns.
	jobAbandoned
)

// Job is a query bound to a driver, owned by the pool until its result is delivered.
type Job struct {
	ID          uint64
	Query       Query
	SubmittedAt time.Time

	driver Driver
	ctx    context.Context
	cancel context.CancelFunc
	state  atomic.Int32
	handle *Handle
}

func (j *Job) loadState() jobState { return jobState(j.state.Load()) }

func (j *Job) transition(from, to jobState) bool {
	return j.state.CompareAndSwap(int32(from), int32(to))
}

// Handle is the caller's reference to a submitted job.
type Handle struct {
	job  *Job
	pool *Pool

	done   chan struct{}
	once   sync.Once
	result Result
}

// ID returns the job handle identifier.
func (h *Handle) ID() uint64 { return h.job.ID }

// Done is closed once the job's result is available.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Result returns the job's result. It must only be called after Done is closed.
func (h *Handle) Result() Result { return h.result }

func (h *Handle) deliver(res Result) {
	h.once.Do(func() {
		h.result = res
		close(h.done)
	})
}

// Cancel requests cancellation of the job. A queued job is discarded without running. A running
// job has its context cancelled, but the driver call may not be interruptible; the slot stays
// occupied until the call returns and the job is counted as a zombie until then.
// Cancel reports whether the job was still pending or running.
func (h *Handle) Cancel() bool {
	j := h.job
	j.cancel()
	if j.transition(jobQueued, jobDiscarded) {
		h.deliver(errorResult(ErrCancelled, fmt.Sprintf("%s cancelled before execution", labelFor(j.Query.Driver))))
		return true
	}
	if j.transition(jobRunning, jobAbandoned) {
		h.pool.zombies.Add(1)
		metrics.PoolZombieJobs.Inc()
		return true
	}
	return false
}

// PoolStats is a point-in-time view of pool occupancy.
type PoolStats struct {
	Capacity int
	Running  int64
	Queued   int64
	Zombies  int64
}

// Pool is a fixed-size worker pool for query jobs. Jobs are admitted strictly in submission order:
// every pond task takes the oldest waiting job from the pool's own queue, so admission order does
// not depend on the order pond starts its workers.
type Pool struct {
	log   *slog.Logger
	cfg   PoolConfig
	pool  pond.Pool
	clock clockwork.Clock

	baseCtx    context.Context
	baseCancel context.CancelFunc

	mu     sync.Mutex
	queue  *list.List
	closed bool

	nextID  atomic.Uint64
	running atomic.Int64
	queued  atomic.Int64
	zombies atomic.Int64
}

func NewPool(cfg PoolConfig) (*Pool, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate pool config: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		log:        cfg.Logger,
		cfg:        cfg,
		pool:       pond.NewPool(cfg.Size),
		clock:      cfg.Clock,
		baseCtx:    ctx,
		baseCancel: cancel,
		queue:      list.New(),
	}
	metrics.PoolCapacity.Set(float64(cfg.Size))
	return p, nil
}

// Capacity is the number of worker slots.
func (p *Pool) Capacity() int {
	return p.cfg.Size
}

func (p *Pool) Stats() PoolStats {
	return PoolStats{
		Capacity: p.cfg.Size,
		Running:  p.running.Load(),
		Queued:   p.queued.Load(),
		Zombies:  p.zombies.Load(),
	}
}

// Submit enqueues a query for execution on the given driver and returns its handle.
func (p *Pool) Submit(ctx context.Context, q Query, driver Driver) *Handle {
	jobCtx, cancel := context.WithCancel(p.baseCtx)
	// The job context also ends when the caller's context does.
	stop := context.AfterFunc(ctx, cancel)
	job := &Job{
		ID:          p.nextID.Add(1),
		Query:       q,
		SubmittedAt: p.clock.Now(),
		driver:      driver,
		ctx:         jobCtx,
		cancel: func() {
			stop()
			cancel()
		},
	}
	h := &Handle{job: job, pool: p, done: make(chan struct{})}
	job.handle = h

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		job.cancel()
		job.state.Store(int32(jobDiscarded))
		h.deliver(errorResult(ErrPoolClosed, fmt.Sprintf("%s rejected: %s", labelFor(q.Driver), ErrPoolClosed)))
		return h
	}
	p.queue.PushBack(job)
	p.queued.Add(1)
	metrics.PoolQueuedJobs.Inc()
	// Submitted under the lock so Close cannot stop pond between the check and the submit.
	p.pool.Submit(p.runNext)
	p.mu.Unlock()

	p.log.Debug("query: job submitted", "job", job.ID, "driver", q.Driver)
	return h
}

// runNext executes the oldest queued job. There is exactly one pond task per queued job.
func (p *Pool) runNext() {
	p.mu.Lock()
	front := p.queue.Front()
	if front == nil {
		p.mu.Unlock()
		return
	}
	job := p.queue.Remove(front).(*Job)
	p.mu.Unlock()

	p.queued.Add(-1)
	metrics.PoolQueuedJobs.Dec()

	if !job.transition(jobQueued, jobRunning) {
		// Discarded while queued; its handle already holds the cancellation result.
		job.cancel()
		return
	}

	p.running.Add(1)
	metrics.PoolRunningJobs.Inc()
	start := p.clock.Now()

	res := p.execute(job)

	p.running.Add(-1)
	metrics.PoolRunningJobs.Dec()
	metrics.QueryDuration.WithLabelValues(string(job.Query.Driver)).Observe(p.clock.Since(start).Seconds())

	if !job.transition(jobRunning, jobFinished) {
		// The caller already received a timeout; drop the result.
		p.zombies.Add(-1)
		metrics.PoolZombieJobs.Dec()
		p.log.Warn("query: abandoned job finished",
			"job", job.ID,
			"driver", job.Query.Driver,
			"elapsed", p.clock.Since(job.SubmittedAt),
			"ok", res.OK(),
		)
		job.cancel()
		return
	}
	job.cancel()
	job.handle.deliver(res)
}

func (p *Pool) execute(job *Job) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("query: driver panicked", "job", job.ID, "driver", job.Query.Driver, "panic", r)
			err := fmt.Errorf("%w: %v", ErrUnexpected, r)
			res = errorResult(err, fmt.Sprintf("Unexpected error during query execution: %v", r))
		}
	}()
	return job.driver.Execute(job.ctx, job.Query.Text)
}

// Close stops accepting jobs and waits for queued and in-flight jobs to finish. If ctx ends
// first, every in-flight job context is cancelled so drivers can abort and release their
// connections; Close then returns without waiting for calls that ignore cancellation.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.pool.StopAndWait()
		close(done)
	}()

	select {
	case <-done:
		p.baseCancel()
		return nil
	case <-ctx.Done():
		p.log.Warn("query: pool drain deadline exceeded, cancelling in-flight jobs", "stats", p.Stats())
		p.baseCancel()
		return fmt.Errorf("failed to drain query pool: %w", ctx.Err())
	}
}
