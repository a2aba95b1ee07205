package completion

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

// PluckQueue is the PLUCK flavor: consumers select events by tag rather
// than in FIFO order. Tags must be registered before their ops are
// submitted; events for unregistered tags are rejected.
type PluckQueue struct {
	clk clock.Clock
	log *zap.Logger

	mu         sync.Mutex
	cond       *sync.Cond
	events     []Event
	registered map[any]struct{}
	shutdown   bool
}

func NewPluck(clk clock.Clock, log *zap.Logger) *PluckQueue {
	if clk == nil {
		clk = clock.New()
	}
	if log == nil {
		log = zap.NewNop()
	}
	q := &PluckQueue{clk: clk, log: log, registered: make(map[any]struct{})}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Register makes the tag pluckable. Returns false after shutdown.
func (q *PluckQueue) Register(tag any) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.shutdown {
		return false
	}
	q.registered[tag] = struct{}{}
	return true
}

func (q *PluckQueue) Push(tag any, success bool) {
	q.mu.Lock()
	if q.shutdown {
		q.mu.Unlock()
		q.log.Warn("event pushed to a shut down pluck queue, dropping", zap.Any("tag", tag))
		return
	}
	if _, ok := q.registered[tag]; !ok {
		q.mu.Unlock()
		q.log.Warn("event for unregistered pluck tag, dropping", zap.Any("tag", tag))
		return
	}
	q.events = append(q.events, Event{Kind: OpComplete, Tag: tag, Success: success})
	q.mu.Unlock()
	q.cond.Broadcast()
}

// Pluck blocks until the event with the given tag arrives, the queue shuts
// down, or the deadline passes.
func (q *PluckQueue) Pluck(tag any, deadline time.Time) Event {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.registered[tag]; !ok && !q.shutdown {
		return Event{Kind: QueueTimeout, Success: false}
	}

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
		for i, ev := range q.events {
			if ev.Tag == tag {
				q.events = append(q.events[:i], q.events[i+1:]...)
				delete(q.registered, tag)
				return ev
			}
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

func (q *PluckQueue) Shutdown() {
	q.mu.Lock()
	q.shutdown = true
	q.mu.Unlock()
	q.cond.Broadcast()
}

func (q *PluckQueue) Destroy() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.shutdown {
		panic("assertion error: pluck queue destroyed before shutdown")
	}
	q.events = nil
	q.registered = nil
}
