// Package flowcontrol tracks http2 send and receive windows at connection
// and stream scope.
package flowcontrol

import (
	"errors"
	"fmt"
	"sync"

	"github.com/ozontech/wireline/consts"
)

var (
	// ErrWindowOverflow — инкремент выводит окно за 2^31-1.
	ErrWindowOverflow = errors.New("flowcontrol: window overflow")
	// ErrWindowUnderflow — принято больше байт, чем позволяло окно.
	ErrWindowUnderflow = errors.New("flowcontrol: window underflow")
)

// SendWindow is the remote-advertised window this side may send into.
// Senders block in Take until the peer opens the window with WINDOW_UPDATE.
type SendWindow struct {
	n    int64 // может уйти в минус после отрицательной дельты SETTINGS_INITIAL_WINDOW_SIZE
	cond *sync.Cond
	ok   bool
}

func NewSendWindow(n uint32) *SendWindow {
	return &SendWindow{
		n:    int64(n),
		cond: sync.NewCond(&sync.Mutex{}),
		ok:   true,
	}
}

// Take blocks until at least one byte of window is available (or the window
// is disabled), then claims min(max, available). ok == false means the
// stream may no longer send.
func (w *SendWindow) Take(max uint32) (uint32, bool) {
	if max == 0 {
		return 0, w.alive()
	}
	cond := w.cond

	cond.L.Lock()
	defer cond.L.Unlock()

	for w.n <= 0 && w.ok {
		cond.Wait()
	}
	if !w.ok {
		return 0, false
	}
	n := min(int64(max), w.n)
	w.n -= n
	return uint32(n), true
}

func (w *SendWindow) alive() bool {
	w.cond.L.Lock()
	defer w.cond.L.Unlock()
	return w.ok
}

// Add applies a WINDOW_UPDATE increment. The increment must be in
// [1, 2^31-1] and may not push the window past 2^31-1.
func (w *SendWindow) Add(n uint32) error {
	if n == 0 || n > consts.MaxWindowSize {
		return fmt.Errorf("%w: increment %d", ErrWindowOverflow, n)
	}

	w.cond.L.Lock()
	defer w.cond.L.Unlock()

	if w.n+int64(n) > consts.MaxWindowSize {
		return fmt.Errorf("%w: window %d + %d", ErrWindowOverflow, w.n, n)
	}
	w.n += int64(n)
	w.cond.Broadcast() // оповещаем все горутины, заблокированные в Take, проверить лимиты
	return nil
}

// Refund returns unclaimed bytes taken from a sibling scope. В отличие от
// Add не валидирует инкремент: возвращаются только что взятые байты.
func (w *SendWindow) Refund(n uint32) {
	if n == 0 {
		return
	}
	w.cond.L.Lock()
	defer w.cond.L.Unlock()
	w.n += int64(n)
	w.cond.Broadcast()
}

// Adjust applies a SETTINGS_INITIAL_WINDOW_SIZE delta to an existing
// stream's window. The result may be negative.
func (w *SendWindow) Adjust(delta int64) {
	w.cond.L.Lock()
	defer w.cond.L.Unlock()
	w.n += delta
	if delta > 0 {
		w.cond.Broadcast()
	}
}

// Available is a racy snapshot, for logs and tests.
func (w *SendWindow) Available() int64 {
	w.cond.L.Lock()
	defer w.cond.L.Unlock()
	return w.n
}

func (w *SendWindow) Reset(n uint32) {
	// лок нужен, чтобы избежать гонки: ошибку уже установили,
	// но Take еще не вернул результат
	w.cond.L.Lock()
	defer w.cond.L.Unlock()
	w.n = int64(n)
	w.ok = true
}

// Disable wakes all blocked senders with ok == false.
func (w *SendWindow) Disable() {
	w.cond.L.Lock()
	defer w.cond.L.Unlock()
	w.ok = false
	w.cond.Broadcast()
}

// RecvWindow is the window we advertised to the peer. Consume accounts
// received DATA bytes and decides when to send WINDOW_UPDATE: once the
// window drops below half of the initial size, it is restored to the
// initial size and the увеличение отдается вызывающему на отправку.
type RecvWindow struct {
	mu      sync.Mutex
	initial int64
	n       int64
}

func NewRecvWindow(initial uint32) *RecvWindow {
	return &RecvWindow{initial: int64(initial), n: int64(initial)}
}

// Consume accounts n received bytes. A non-zero increment must be sent to
// the peer as WINDOW_UPDATE for this scope.
func (w *RecvWindow) Consume(n uint32) (increment uint32, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.n -= int64(n)
	if w.n < 0 {
		return 0, fmt.Errorf("%w: %d bytes past the advertised window", ErrWindowUnderflow, -w.n)
	}
	if w.n < w.initial/2 {
		increment = uint32(w.initial - w.n)
		w.n = w.initial
	}
	return increment, nil
}
