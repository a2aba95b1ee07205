// Package completion implements the event queues that deliver asynchronous
// op results to the application. A queue linearizes events from many
// producers (connection reader loops, timer expiries, the server accept
// path) towards many consumers blocked in Next.
package completion

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

type Kind uint8

const (
	// OpComplete — завершился батч операций с данным тегом.
	OpComplete Kind = iota
	// Shutdown — очередь остановлена и полностью вычитана.
	Shutdown
	// QueueTimeout — дедлайн Next истек раньше, чем появилось событие.
	QueueTimeout
)

func (k Kind) String() string {
	switch k {
	case OpComplete:
		return "op_complete"
	case Shutdown:
		return "shutdown"
	case QueueTimeout:
		return "queue_timeout"
	}
	return "unknown"
}

// Event is the (tag, kind, success) triple returned to the application.
// Tag is opaque to the runtime.
type Event struct {
	Kind    Kind
	Tag     any
	Success bool
}

// Pusher is the producer side shared by both queue flavors.
type Pusher interface {
	Push(tag any, success bool)
}

// Queue is the NEXT flavor: a FIFO drained in arrival order.
type Queue struct {
	clk clock.Clock
	log *zap.Logger

	mu       sync.Mutex
	cond     *sync.Cond
	events   []Event
	shutdown bool
}

func New(clk clock.Clock, log *zap.Logger) *Queue {
	if clk == nil {
		clk = clock.New()
	}
	if log == nil {
		log = zap.NewNop()
	}
	q := &Queue{clk: clk, log: log}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Push enqueues an op-complete event. After shutdown the event is dropped
// with a diagnostic.
func (q *Queue) Push(tag any, success bool) {
	q.mu.Lock()
	if q.shutdown {
		q.mu.Unlock()
		q.log.Warn("event pushed to a shut down completion queue, dropping",
			zap.Any("tag", tag), zap.Bool("success", success))
		return
	}
	q.events = append(q.events, Event{Kind: OpComplete, Tag: tag, Success: success})
	q.mu.Unlock()
	q.cond.Signal()
}

// Next blocks until an event arrives, the queue shuts down empty, or the
// deadline passes. The zero deadline blocks indefinitely; a deadline in the
// past returns QueueTimeout without blocking.
func (q *Queue) Next(deadline time.Time) Event {
	q.mu.Lock()
	defer q.mu.Unlock()

	timedOut := false
	if !deadline.IsZero() {
		d := deadline.Sub(q.clk.Now())
		if d <= 0 {
			timedOut = true
		} else {
			t := q.clk.AfterFunc(d, func() {
				q.mu.Lock()
				timedOut = true
				q.mu.Unlock()
				q.cond.Broadcast()
			})
			defer t.Stop()
		}
	}

	for {
		if len(q.events) > 0 {
			ev := q.events[0]
			q.events = q.events[1:]
			return ev
		}
		if q.shutdown {
			return Event{Kind: Shutdown, Success: true}
		}
		if timedOut {
			return Event{Kind: QueueTimeout, Success: false}
		}
		q.cond.Wait()
	}
}

// Shutdown stops the queue. Buffered events remain drainable; a consumer
// that drains past the last event observes a Shutdown event.
func (q *Queue) Shutdown() {
	q.mu.Lock()
	q.shutdown = true
	q.mu.Unlock()
	q.cond.Broadcast()
}

// Destroy frees the queue. Only legal after Shutdown; remaining events are
// dropped.
func (q *Queue) Destroy() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.shutdown {
		panic("assertion error: completion queue destroyed before shutdown")
	}
	q.events = nil
}
