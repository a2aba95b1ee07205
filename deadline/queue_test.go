package deadline

import (
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
)

func TestFiresInDeadlineOrder(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	mock := clock.NewMock()
	q := NewQueue(mock)
	defer q.Close()

	var mu sync.Mutex
	var fired []string

	now := mock.Now()
	q.Add(now.Add(300*time.Millisecond), func() {
		mu.Lock()
		fired = append(fired, "late")
		mu.Unlock()
	})
	q.Add(now.Add(100*time.Millisecond), func() {
		mu.Lock()
		fired = append(fired, "early")
		mu.Unlock()
	})

	time.Sleep(20 * time.Millisecond) // воркер должен успеть заснуть
	mock.Add(150 * time.Millisecond)
	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(fired) == 1
	}, time.Second, 5*time.Millisecond)

	mock.Add(200 * time.Millisecond)
	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(fired) == 2
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	a.Equal([]string{"early", "late"}, fired)
	mu.Unlock()
}

func TestCancel(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	mock := clock.NewMock()
	q := NewQueue(mock)
	defer q.Close()

	var fired sync.Map
	cancel := q.Add(mock.Now().Add(100*time.Millisecond), func() {
		fired.Store("cancelled", true)
	})
	q.Add(mock.Now().Add(100*time.Millisecond), func() {
		fired.Store("kept", true)
	})
	cancel()
	cancel() // идемпотентна

	time.Sleep(20 * time.Millisecond)
	mock.Add(time.Second)

	assert.Eventually(t, func() bool {
		_, ok := fired.Load("kept")
		return ok
	}, time.Second, 5*time.Millisecond)

	_, ok := fired.Load("cancelled")
	a.False(ok)
}

func TestPastDeadlineFiresImmediately(t *testing.T) {
	t.Parallel()

	mock := clock.NewMock()
	q := NewQueue(mock)
	defer q.Close()

	done := make(chan struct{})
	q.Add(mock.Now().Add(-time.Second), func() { close(done) })

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("expired deadline did not fire")
	}
}

func TestAddAfterClose(t *testing.T) {
	t.Parallel()

	q := NewQueue(clock.NewMock())
	q.Close()
	cancel := q.Add(time.Now(), func() { t.Error("fired after close") })
	cancel()
}
