package delivery

import (
	"context"
	"sync"
	"time"

	"github.com/icified/icebot/pkg/bus"
	"github.com/icified/icebot/pkg/logger"
	"github.com/icified/icebot/pkg/utils"
)

// Result classifies one transmission attempt.
type Result int

const (
	Delivered Result = iota
	TransientFailure
	PermanentFailure
)

// Transport sends an outbound message to its provider. Implementations
// decide whether a failure is worth retrying.
type Transport interface {
	Send(ctx context.Context, msg bus.OutboundMessage) Result
}

// ExhaustedFunc receives messages that will never be delivered.
type ExhaustedFunc func(msg bus.OutboundMessage, reason string)

type Options struct {
	MaxAttempts int
	Backoff     BackoffFunc
	OnExhausted ExhaustedFunc
}

type conversation struct {
	pending []bus.OutboundMessage
	active  bool
}

// Queue delivers outbound messages with bounded retries. Messages for
// one conversation go out strictly in enqueue order: the next message
// is not attempted until the current one is delivered or exhausted.
// Distinct conversations deliver concurrently, each on its own worker
// goroutine, created on demand and retired when its backlog drains.
type Queue struct {
	transport   Transport
	maxAttempts int
	backoff     BackoffFunc
	onExhausted ExhaustedFunc

	mu    sync.Mutex
	convs map[string]*conversation

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewQueue(transport Transport, opts Options) *Queue {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	if opts.Backoff == nil {
		opts.Backoff = ExponentialBackoff
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		transport:   transport,
		maxAttempts: opts.MaxAttempts,
		backoff:     opts.Backoff,
		onExhausted: opts.OnExhausted,
		convs:       make(map[string]*conversation),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Enqueue accepts ownership of msg. The queue delivers it or reports
// it exhausted; the caller never sees it again.
func (q *Queue) Enqueue(msg bus.OutboundMessage) {
	if msg.ConversationID == "" {
		logger.WarnC("delivery", "Dropping outbound message without conversation id")
		return
	}
	if msg.MaxAttempts <= 0 {
		msg.MaxAttempts = q.maxAttempts
	}

	q.mu.Lock()
	conv, ok := q.convs[msg.ConversationID]
	if !ok {
		conv = &conversation{}
		q.convs[msg.ConversationID] = conv
	}
	conv.pending = append(conv.pending, msg)
	spawn := !conv.active
	if spawn {
		conv.active = true
		q.wg.Add(1)
	}
	q.mu.Unlock()

	if spawn {
		go q.run(msg.ConversationID)
	}
}

// Stop cancels in-progress backoff waits and blocks until all
// conversation workers have retired.
func (q *Queue) Stop() {
	q.cancel()
	q.wg.Wait()
}

// Wait blocks until every conversation backlog has drained. Test and
// shutdown helper; new enqueues while waiting extend the wait.
func (q *Queue) Wait() {
	q.wg.Wait()
}

func (q *Queue) run(conversationID string) {
	defer q.wg.Done()
	for {
		q.mu.Lock()
		conv := q.convs[conversationID]
		if len(conv.pending) == 0 {
			conv.active = false
			delete(q.convs, conversationID)
			q.mu.Unlock()
			return
		}
		msg := conv.pending[0]
		conv.pending = conv.pending[1:]
		q.mu.Unlock()

		q.deliver(msg)
	}
}

// deliver drives one message through its state machine:
// Pending -> InFlight -> {Delivered | Pending(retry) | Exhausted}.
func (q *Queue) deliver(msg bus.OutboundMessage) {
	for {
		msg.AttemptCount++

		switch q.transport.Send(q.ctx, msg) {
		case Delivered:
			logger.DebugCF("delivery", "Message delivered", map[string]interface{}{
				"conversation": msg.ConversationID,
				"attempts":     msg.AttemptCount,
			})
			return

		case PermanentFailure:
			q.exhaust(msg, "permanent failure")
			return

		case TransientFailure:
			if msg.AttemptCount >= msg.MaxAttempts {
				q.exhaust(msg, "max attempts reached")
				return
			}
			wait := q.backoff(msg.AttemptCount)
			msg.NextAttemptAt = time.Now().Add(wait)
			logger.DebugCF("delivery", "Transient failure, backing off", map[string]interface{}{
				"conversation": msg.ConversationID,
				"attempt":      msg.AttemptCount,
				"wait":         wait.String(),
			})
			if !q.sleep(wait) {
				// Shutdown mid-retry: the message is reported, not
				// silently lost.
				q.exhaust(msg, "queue stopped")
				return
			}
		}
	}
}

func (q *Queue) exhaust(msg bus.OutboundMessage, reason string) {
	logger.ErrorCF("delivery", "Message exhausted", map[string]interface{}{
		"conversation": msg.ConversationID,
		"attempts":     msg.AttemptCount,
		"reason":       reason,
		"preview":      utils.Truncate(msg.Body, 50),
	})
	if q.onExhausted != nil {
		q.onExhausted(msg, reason)
	}
}

func (q *Queue) sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-q.ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
