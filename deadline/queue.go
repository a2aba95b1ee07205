// Package deadline runs a shared queue of absolute deadlines. Calls park
// their expiry here instead of holding a timer each; one worker goroutine
// fires callbacks in deadline order.
package deadline

import (
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

type item struct {
	at        time.Time
	fn        func()
	cancelled bool
}

// Queue — очередь дедлайнов поверх отсортированного слайса. Для нагрузок
// этого ядра слайс дешевле кучи: вставки почти всегда в хвост.
type Queue struct {
	clk clock.Clock

	mu     sync.Mutex
	cond   *sync.Cond
	items  []*item
	closed bool
	done   chan struct{}
}

func NewQueue(clk clock.Clock) *Queue {
	if clk == nil {
		clk = clock.New()
	}
	q := &Queue{clk: clk, done: make(chan struct{})}
	q.cond = sync.NewCond(&q.mu)
	go q.loop()
	return q
}

// Add schedules fn to run at the given absolute time. The returned cancel
// is idempotent; cancelling after the callback fired is a no-op.
func (q *Queue) Add(at time.Time, fn func()) (cancel func()) {
	it := &item{at: at, fn: fn}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return func() {}
	}
	i := sort.Search(len(q.items), func(i int) bool { return q.items[i].at.After(at) })
	q.items = append(q.items, nil)
	copy(q.items[i+1:], q.items[i:])
	q.items[i] = it
	q.mu.Unlock()
	q.cond.Signal()

	return func() {
		q.mu.Lock()
		it.cancelled = true
		q.mu.Unlock()
		q.cond.Signal()
	}
}

func (q *Queue) loop() {
	defer close(q.done)

	q.mu.Lock()
	defer q.mu.Unlock()

	for {
		if q.closed {
			return
		}
		if len(q.items) == 0 {
			q.cond.Wait()
			continue
		}

		head := q.items[0]
		if head.cancelled {
			q.items = q.items[1:]
			continue
		}

		now := q.clk.Now()
		if !head.at.After(now) {
			q.items = q.items[1:]
			q.mu.Unlock()
			head.fn() // вне лока: колбек берет локи колла
			q.mu.Lock()
			continue
		}

		t := q.clk.AfterFunc(head.at.Sub(now), q.cond.Broadcast)
		q.cond.Wait()
		t.Stop()
	}
}

// Close stops the worker. Pending callbacks are dropped.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.cond.Broadcast()
	<-q.done
}
