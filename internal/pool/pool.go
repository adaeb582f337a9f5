// ============================================================================
// Bounded worker pool
// Responsibility: run synchronous tasks for one category on a fixed set
// of workers with a bounded FIFO inbox. Admission is non-blocking:
// submit either accepts immediately or rejects with ErrQueueFull.
// ============================================================================

package pool

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redunix/computed/internal/ident"
	"github.com/redunix/computed/internal/metrics"
	"github.com/redunix/computed/internal/registry"
	"github.com/redunix/computed/pkg/types"
)

var log = slog.Default()

var (
	// ErrQueueFull means the inbox is at capacity; the caller decides
	// whether to retry.
	ErrQueueFull = errors.New("worker pool inbox is full")
	// ErrPoolClosed means the pool has been stopped.
	ErrPoolClosed = errors.New("worker pool is closed")
	// ErrPoolNotStarted means Submit was called before Start.
	ErrPoolNotStarted = errors.New("worker pool not started")
)

// Task is one unit of synchronous work. Created by the dispatcher,
// owned by the inbox until delivered, then by exactly one worker.
type Task struct {
	ID         string
	Command    string
	Category   types.Category
	Handler    registry.HandlerFunc
	Ctx        *registry.Context
	EnqueuedAt time.Time

	// Done receives exactly one outcome. Buffered so the worker never
	// blocks on delivery.
	Done chan Outcome
}

// NewTask builds a task with its completion channel wired up.
func NewTask(id, command string, cat types.Category, handler registry.HandlerFunc, ctx *registry.Context, now time.Time) *Task {
	return &Task{
		ID:         id,
		Command:    command,
		Category:   cat,
		Handler:    handler,
		Ctx:        ctx,
		EnqueuedAt: now,
		Done:       make(chan Outcome, 1),
	}
}

// Outcome is what a worker delivers back through the completion channel.
type Outcome struct {
	Outcome     types.Outcome
	Body        any
	Err         *types.ErrorInfo
	WorkerIndex int
	Elapsed     time.Duration
}

// Config tunes one pool instance.
type Config struct {
	Category types.Category
	Workers  int
	Capacity int
	// Grace is how long past the deadline a worker waits for a handler
	// to yield before the worker is considered hung and replaced.
	Grace time.Duration
}

// Pool owns the workers and the bounded inbox for one category.
type Pool struct {
	cfg     Config
	clock   ident.Clock
	metrics *metrics.Collector

	inbox  chan *Task
	stopCh chan struct{}
	wg     sync.WaitGroup

	busy       atomic.Int32
	nextWorker atomic.Int32

	mu      sync.Mutex
	started bool
	stopped bool
}

// New builds a pool. The metrics collector may be nil in tests.
func New(cfg Config, clock ident.Clock, collector *metrics.Collector) *Pool {
	return &Pool{
		cfg:     cfg,
		clock:   clock,
		metrics: collector,
		inbox:   make(chan *Task, cfg.Capacity),
		stopCh:  make(chan struct{}),
	}
}

// Start launches the configured number of workers.
func (p *Pool) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return errors.New("pool already started")
	}
	for i := 0; i < p.cfg.Workers; i++ {
		p.spawnWorker(int(p.nextWorker.Add(1)) - 1)
	}
	p.started = true
	return nil
}

func (p *Pool) spawnWorker(index int) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.run(index)
	}()
}

// Submit offers a task to the inbox. Never blocks: returns nil on
// acceptance, ErrQueueFull when the inbox is at capacity.
func (p *Pool) Submit(task *Task) error {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return ErrPoolNotStarted
	}
	if p.stopped {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	p.mu.Unlock()

	select {
	case p.inbox <- task:
		return nil
	default:
		return ErrQueueFull
	}
}

// Depth returns the current inbox depth.
func (p *Pool) Depth() int { return len(p.inbox) }

// Busy returns the number of workers currently executing a handler.
func (p *Pool) Busy() int { return int(p.busy.Load()) }

// Gauges adapts the pool for metrics registration.
func (p *Pool) Gauges() (int, int) { return p.Depth(), p.Busy() }

// Stop drains the pool: no new submissions are accepted, queued tasks
// finish, then workers exit.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.started || p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	p.mu.Unlock()

	close(p.stopCh)
	close(p.inbox)
	p.wg.Wait()
}

// run is one worker's loop. FIFO order of acceptance is preserved by
// the inbox channel.
func (p *Pool) run(index int) {
	for task := range p.inbox {
		if replaced := p.execute(index, task); replaced {
			// A replacement worker has taken over this slot; this
			// goroutine stays alive only to finish the hung handler.
			return
		}
	}
}

type handlerResult struct {
	body any
	err  error
}

// execute runs one task to completion (or abandonment). Returns true
// when the worker was replaced because the handler hung past the grace
// window.
func (p *Pool) execute(index int, task *Task) bool {
	start := p.clock.Now()

	// Expired before start: complete as Timeout without running.
	if !task.Ctx.Deadline.IsZero() && !start.Before(task.Ctx.Deadline) {
		p.finish(task, Outcome{
			Outcome:     types.OutcomeTimeout,
			Err:         types.NewError(types.KindTimeout, "deadline expired before execution"),
			WorkerIndex: index,
		}, start)
		return false
	}

	p.busy.Add(1)
	defer p.busy.Add(-1)

	resCh := make(chan handlerResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				resCh <- handlerResult{err: types.NewError(types.KindServerError, "handler panic: %v", r)}
			}
		}()
		body, err := task.Handler(task.Ctx)
		resCh <- handlerResult{body: body, err: err}
	}()

	var res handlerResult
	var timedOut bool

	if task.Ctx.Deadline.IsZero() {
		res = <-resCh
		p.finish(task, p.classify(res, false, index), start)
		return false
	}

	deadlineTimer := time.NewTimer(task.Ctx.Deadline.Sub(start))
	select {
	case res = <-resCh:
		deadlineTimer.Stop()
	case <-deadlineTimer.C:
		// Deadline passed: signal cooperative cancellation and give the
		// handler the grace window to yield.
		timedOut = true
		task.Ctx.Cancel.Cancel()

		graceTimer := time.NewTimer(p.cfg.Grace)
		select {
		case res = <-resCh:
			graceTimer.Stop()
		case <-graceTimer.C:
			// Hung handler: report timeout, hand the slot to a fresh
			// worker, and let the rogue goroutine finish in background.
			log.Warn("worker hung past grace window, replacing",
				"category", p.cfg.Category,
				"worker", index,
				"task", task.ID,
				"command", task.Command)
			p.finish(task, Outcome{
				Outcome:     types.OutcomeTimeout,
				Err:         types.NewError(types.KindTimeout, "handler did not yield within grace window"),
				WorkerIndex: index,
			}, start)
			p.replaceWorker()
			<-resCh // block until the rogue handler returns, then exit
			return true
		}
	}

	p.finish(task, p.classify(res, timedOut, index), start)
	return false
}

func (p *Pool) replaceWorker() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return
	}
	p.spawnWorker(int(p.nextWorker.Add(1)) - 1)
}

// classify maps a handler result to an outcome. Deadline-driven
// cancellations surface as Timeout on the synchronous path.
func (p *Pool) classify(res handlerResult, timedOut bool, index int) Outcome {
	out := Outcome{WorkerIndex: index}

	if res.err == nil && !timedOut {
		out.Outcome = types.OutcomeSuccess
		out.Body = res.body
		return out
	}

	info := types.AsErrorInfo(res.err)
	switch {
	case timedOut || (info != nil && (info.Kind == types.KindTimeout || info.Kind == types.KindCanceled)):
		out.Outcome = types.OutcomeTimeout
		out.Err = types.NewError(types.KindTimeout, "deadline exceeded")
	case info.Kind.ClientKind():
		out.Outcome = types.OutcomeClientError
		out.Err = info
	default:
		out.Outcome = types.OutcomeServerError
		out.Err = info
	}
	return out
}

// finish records the sample and delivers the outcome exactly once.
func (p *Pool) finish(task *Task, out Outcome, start time.Time) {
	out.Elapsed = p.clock.Now().Sub(start)

	if p.metrics != nil {
		p.metrics.Record(types.Sample{
			Category: task.Category,
			Command:  task.Command,
			Elapsed:  out.Elapsed,
			Outcome:  out.Outcome,
		})
	}

	task.Done <- out
}

// String implements fmt.Stringer for log context.
func (p *Pool) String() string {
	return fmt.Sprintf("pool[%s workers=%d cap=%d]", p.cfg.Category, p.cfg.Workers, p.cfg.Capacity)
}
