package queue

import (
	"context"
	"errors"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"
)

// Job 一个可执行的站点任务。
type Job func(ctx context.Context) error

// ErrClosed 表示池已停止接收新任务。
var ErrClosed = errors.New("worker pool closed")

// Pool 固定大小的 worker 池。
//
// 每个站点 pass 作为一个 Job 提交，worker 数即并发站点数上限。
// Drain 关闭提交通道并等待已提交的任务全部执行完。
type Pool struct {
	logger *slog.Logger
	size   int
	jobs   chan Job

	wg     sync.WaitGroup
	closed atomic.Bool

	executed atomic.Int64
	failed   atomic.Int64
	panics   atomic.Int64
}

// New 创建 worker 池。size 与 capacity 至少为 1。
func New(logger *slog.Logger, size, capacity int) *Pool {
	if size < 1 {
		size = 1
	}
	if capacity < 1 {
		capacity = 1
	}
	return &Pool{
		logger: logger,
		size:   size,
		jobs:   make(chan Job, capacity),
	}
}

// Start 启动所有 worker。ctx 取消后 worker 不再取新任务。
func (p *Pool) Start(ctx context.Context) {
	p.wg.Add(p.size)
	for i := 0; i < p.size; i++ {
		go func(id int) {
			defer p.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case job, ok := <-p.jobs:
					if !ok {
						return
					}
					p.run(ctx, id, job)
				}
			}
		}(i)
	}
}

// run 执行单个任务，panic 不会带崩 worker。
// executed 在 defer 里计数，panic 的任务也算执行完。
func (p *Pool) run(ctx context.Context, workerID int, job Job) {
	defer func() {
		if r := recover(); r != nil {
			p.panics.Add(1)
			p.logger.Error("job panic recovered",
				slog.Int("worker", workerID),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
		}
		p.executed.Add(1)
	}()

	if err := job(ctx); err != nil {
		p.failed.Add(1)
		p.logger.Warn("job failed",
			slog.Int("worker", workerID),
			slog.String("error", err.Error()))
	}
}

// Submit 阻塞式提交任务，直到入队成功或 ctx 取消。
// 池已关闭时返回 ErrClosed。
func (p *Pool) Submit(ctx context.Context, job Job) error {
	if job == nil {
		return errors.New("nil job")
	}
	if p.closed.Load() {
		return ErrClosed
	}
	select {
	case p.jobs <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Drain 停止接收新任务并等待已提交的任务全部执行完。可重复调用。
func (p *Pool) Drain() {
	if p.closed.CompareAndSwap(false, true) {
		close(p.jobs)
	}
	p.wg.Wait()
}

// DrainTimeout 带超时的 Drain，超时返回 context.DeadlineExceeded。
func (p *Pool) DrainTimeout(timeout time.Duration) error {
	if p.closed.CompareAndSwap(false, true) {
		close(p.jobs)
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		p.logger.Error("worker pool drain timeout",
			slog.Duration("timeout", timeout))
		return context.DeadlineExceeded
	}
}

// Executed 返回已执行完的任务数（含失败与 panic）。
func (p *Pool) Executed() int64 { return p.executed.Load() }

// Failed 返回返回了错误的任务数。
func (p *Pool) Failed() int64 { return p.failed.Load() }

// Panics 返回被恢复的 panic 次数。
func (p *Pool) Panics() int64 { return p.panics.Load() }

// Pending 返回已提交但尚未被 worker 取走的任务数。
func (p *Pool) Pending() int { return len(p.jobs) }
