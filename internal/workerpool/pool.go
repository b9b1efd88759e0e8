// Package workerpool provides a bounded task pool sized from the machine:
// workers scale between 2x and 4x the CPU count, the queue is sized from
// available memory, and a saturated pool degrades by running in the caller
// when the machine has headroom and dropping otherwise.
package workerpool

import (
	"context"
	"errors"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/applyforge/applyforge-api/internal/metrics"
)

// ErrRejected is returned when a saturated pool drops a task.
var ErrRejected = errors.New("task rejected: pool saturated")

// Task is one unit of queued work.
type Task func(ctx context.Context)

// Headroom reports whether the machine can absorb caller-runs execution.
// Production uses SystemHeadroom; tests substitute.
type Headroom func() bool

// Pool is the shared task pool.
type Pool struct {
	tasks    chan Task
	headroom Headroom
	logger   *slog.Logger

	workers    atomic.Int32
	maxWorkers int32

	mu      sync.Mutex
	started bool
	runCtx  context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a pool sized for the current machine. queueDepth <= 0 derives
// the depth from available memory, capped at 1000.
func New(queueDepth int, headroom Headroom, logger *slog.Logger) *Pool {
	if queueDepth <= 0 {
		queueDepth = defaultQueueDepth()
	}
	if headroom == nil {
		headroom = SystemHeadroom
	}
	return &Pool{
		tasks:      make(chan Task, queueDepth),
		headroom:   headroom,
		logger:     logger,
		maxWorkers: int32(4 * runtime.NumCPU()),
	}
}

func defaultQueueDepth() int {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	// Rough guide: one queue slot per 10 MB of reachable heap budget.
	depth := int(ms.Sys / (10 * 1024 * 1024))
	if depth < 64 {
		depth = 64
	}
	if depth > 1000 {
		depth = 1000
	}
	return depth
}

// SystemHeadroom approves caller-runs execution when the process is not
// memory-pressed. CPU pressure is approximated by queue occupancy at the
// call site; here we only gate on memory.
func SystemHeadroom() bool {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	const minFree = 100 * 1024 * 1024
	return ms.Sys-ms.HeapInuse > minFree
}

// Start launches the initial workers (2x CPU).
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return
	}
	p.started = true

	p.runCtx, p.cancel = context.WithCancel(ctx)
	initial := int32(2 * runtime.NumCPU())
	for i := int32(0); i < initial; i++ {
		p.spawn(p.runCtx)
	}
}

func (p *Pool) spawn(ctx context.Context) {
	p.workers.Add(1)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer p.workers.Add(-1)
		for {
			select {
			case <-ctx.Done():
				return
			case task, ok := <-p.tasks:
				if !ok {
					return
				}
				metrics.PoolQueueDepth.Set(float64(len(p.tasks)))
				task(ctx)
			}
		}
	}()
}

// Submit queues a task. When the queue is full: grow up to the worker
// ceiling, then run in the caller if the machine has headroom, otherwise
// drop with ErrRejected.
func (p *Pool) Submit(ctx context.Context, task Task) error {
	select {
	case p.tasks <- task:
		metrics.PoolQueueDepth.Set(float64(len(p.tasks)))
		return nil
	default:
	}

	if p.workers.Load() < p.maxWorkers {
		p.mu.Lock()
		if p.started && p.workers.Load() < p.maxWorkers {
			p.spawn(p.runCtx)
		}
		p.mu.Unlock()
		select {
		case p.tasks <- task:
			metrics.PoolQueueDepth.Set(float64(len(p.tasks)))
			return nil
		default:
		}
	}

	if p.headroom() {
		task(ctx)
		return nil
	}

	metrics.RejectedTasks.Inc()
	p.logger.Warn("worker pool saturated, task dropped")
	return ErrRejected
}

// Stop cancels workers and waits for in-flight tasks.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return
	}
	p.started = false
	cancel := p.cancel
	p.mu.Unlock()

	cancel()
	p.wg.Wait()
}
