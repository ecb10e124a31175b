package pool

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/icified/icebot/pkg/bus"
	"github.com/icified/icebot/pkg/delivery"
	"github.com/icified/icebot/pkg/logger"
	"github.com/icified/icebot/pkg/router"
	"github.com/icified/icebot/pkg/utils"
)

// ErrHandlerTimeout marks an invocation cancelled at its deadline.
var ErrHandlerTimeout = errors.New("handler timeout")

type Options struct {
	Workers    int
	Timeout    time.Duration
	QueueDepth int
}

// Pool executes resolved handlers on a bounded set of workers. Each
// invocation gets a hard deadline and panic containment: one faulting
// handler never takes down a worker or its neighbors.
type Pool struct {
	table   *router.Table
	queue   *delivery.Queue
	timeout time.Duration
	workers int

	jobs   chan bus.Command
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(table *router.Table, queue *delivery.Queue, opts Options) *Pool {
	if opts.Workers <= 0 {
		opts.Workers = 8
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.QueueDepth <= 0 {
		opts.QueueDepth = 256
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		table:   table,
		queue:   queue,
		timeout: opts.Timeout,
		workers: opts.Workers,
		jobs:    make(chan bus.Command, opts.QueueDepth),
		ctx:     ctx,
		cancel:  cancel,
	}
}

func (p *Pool) Start() {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	logger.InfoCF("pool", "Execution pool started", map[string]interface{}{
		"workers": p.workers,
		"timeout": p.timeout.String(),
	})
}

// Dispatch hands a command to the pool without blocking the caller.
// Returns false when the pool is saturated and the command was shed.
func (p *Pool) Dispatch(cmd bus.Command) bool {
	select {
	case <-p.ctx.Done():
		return false
	case p.jobs <- cmd:
		return true
	default:
		logger.WarnCF("pool", "Dispatch queue full, shedding event", map[string]interface{}{
			"event_id": cmd.Event.ID,
			"command":  cmd.Name,
		})
		return false
	}
}

// Stop cancels in-flight invocations and waits for workers to exit.
func (p *Pool) Stop() {
	p.cancel()
	p.wg.Wait()
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for {
		select {
		case <-p.ctx.Done():
			return
		case cmd := <-p.jobs:
			p.process(cmd)
		}
	}
}

func (p *Pool) process(cmd bus.Command) {
	handler, err := p.table.Resolve(cmd.Name)
	if err != nil {
		// Unroutable commands are acknowledged upstream; nothing to do
		// beyond noting them.
		logger.DebugCF("pool", "No handler for command", map[string]interface{}{
			"event_id": cmd.Event.ID,
			"command":  cmd.Name,
		})
		return
	}

	ctx, cancel := context.WithTimeout(p.ctx, p.timeout)
	defer cancel()

	type outcome struct {
		msgs []bus.OutboundMessage
		err  error
	}
	done := make(chan outcome, 1)

	go func() {
		msgs, err := invoke(ctx, handler, cmd)
		done <- outcome{msgs: msgs, err: err}
	}()

	select {
	case <-ctx.Done():
		// The invocation goroutine is abandoned; its results, if any,
		// are discarded when it eventually returns.
		logger.ErrorCF("pool", "Handler timeout", map[string]interface{}{
			"event_id": cmd.Event.ID,
			"command":  cmd.Name,
			"timeout":  p.timeout.String(),
		})
	case out := <-done:
		if errors.Is(out.err, context.DeadlineExceeded) || errors.Is(out.err, ErrHandlerTimeout) {
			logger.ErrorCF("pool", "Handler timeout", map[string]interface{}{
				"event_id": cmd.Event.ID,
				"command":  cmd.Name,
				"timeout":  p.timeout.String(),
			})
			return
		}
		if out.err != nil {
			logger.ErrorCF("pool", "Handler failed", map[string]interface{}{
				"event_id": cmd.Event.ID,
				"command":  cmd.Name,
				"error":    utils.Truncate(out.err.Error(), 200),
			})
			return
		}
		for _, msg := range out.msgs {
			p.queue.Enqueue(msg)
		}
	}
}

// invoke runs the handler with panic containment. A panicking handler
// becomes an error with the captured stack, never a crashed worker.
func invoke(ctx context.Context, handler bus.Handler, cmd bus.Command) (msgs []bus.OutboundMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
			logger.ErrorCF("pool", "Handler panicked", map[string]interface{}{
				"command": cmd.Name,
				"panic":   fmt.Sprintf("%v", r),
				"stack":   utils.Truncate(string(debug.Stack()), 2000),
			})
		}
	}()
	return handler(ctx, cmd)
}
