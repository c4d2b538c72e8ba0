package hub

import (
	"errors"
	"sync"
	"testing"
	"time"
)

type testWriter struct {
	mu     sync.Mutex
	writes int
	closed bool
	fail   bool
	block  chan struct{}
}

func (w *testWriter) Write(message []byte) error {
	if w.block != nil {
		<-w.block
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.writes++
	if w.fail {
		return errors.New("broken pipe")
	}
	return nil
}

func (w *testWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return nil
}

func (w *testWriter) state() (int, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.writes, w.closed
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s", what)
}

func writesOf(w *testWriter) func() int {
	return func() int {
		n, _ := w.state()
		return n
	}
}

func TestHub_RegisterBroadcastUnregister(t *testing.T) {
	h := New()
	w1 := &testWriter{}
	c1 := &Connection{UserID: 5, Writer: w1}
	writes := writesOf(w1)

	h.Register(c1)
	if n := h.Broadcast(5, []byte("x")); n != 1 {
		t.Fatalf("expected 1 delivery, got %d", n)
	}
	waitFor(t, "first write", func() bool { return writes() == 1 })

	if n := h.Broadcast(6, []byte("x")); n != 0 {
		t.Fatalf("other rooms must not reach this socket")
	}

	h.Unregister(c1)
	h.Unregister(c1)
	if n := h.Broadcast(5, []byte("x")); n != 0 || h.Members(5) != 0 {
		t.Fatalf("expected empty room, queued %d", n)
	}
	time.Sleep(10 * time.Millisecond)
	if writes() != 1 {
		t.Fatalf("expected no more writes, got %d", writes())
	}
}

func TestHub_RemovesFailedConnections(t *testing.T) {
	h := New()
	w1 := &testWriter{fail: true}
	w2 := &testWriter{}
	h.Register(&Connection{UserID: 1, Writer: w1})
	h.Register(&Connection{UserID: 1, Writer: w2})

	h.Broadcast(1, []byte("x"))
	waitFor(t, "failed socket dropped", func() bool { return h.Members(1) == 1 })
	h.Broadcast(1, []byte("x"))
	waitFor(t, "healthy socket writes", func() bool { return writesOf(w2)() == 2 })

	if n, closed := w1.state(); n != 1 || !closed {
		t.Fatalf("expected failed socket closed after 1 write, got %d writes closed=%v", n, closed)
	}
}

func TestHub_SlowSocketDoesNotBlockBroadcast(t *testing.T) {
	h := New()
	slow := &testWriter{block: make(chan struct{})}
	fast := &testWriter{}
	h.Register(&Connection{UserID: 1, Writer: slow})
	h.Register(&Connection{UserID: 1, Writer: fast})

	const pushes = sendBuffer + 2
	start := time.Now()
	for i := 1; i <= pushes; i++ {
		h.Broadcast(1, []byte("x"))
		waitFor(t, "fast socket write", func() bool { return writesOf(fast)() == i })
	}
	if took := time.Since(start); took > time.Second {
		t.Fatalf("broadcast waited on a stuck socket for %v", took)
	}

	if h.Members(1) != 1 {
		t.Fatalf("expected the stuck socket dropped, members %d", h.Members(1))
	}
	if _, closed := slow.state(); !closed {
		t.Fatalf("stuck socket must be closed")
	}
	close(slow.block)
}
