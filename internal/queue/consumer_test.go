package queue

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"wamator/internal/logging"
)

type trace struct {
	mu    sync.Mutex
	steps []string
}

func (t *trace) add(step string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.steps = append(t.steps, step)
}

func (t *trace) snapshot() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.steps...)
}

type fakeBroker struct {
	trace *trace
	ch    *fakeChannel
}

func (b *fakeBroker) Channel() (brokerChannel, error)                 { return b.ch, nil }
func (b *fakeBroker) NotifyClose(r chan *amqp.Error) chan *amqp.Error { return r }
func (b *fakeBroker) Close() error {
	b.trace.add("conn closed")
	return nil
}

type fakeChannel struct {
	fakeDeclarer
	trace      *trace
	deliveries chan amqp.Delivery
	consuming  chan struct{}

	mu     sync.Mutex
	closed chan *amqp.Error
}

func newFakeChannel(tr *trace) *fakeChannel {
	return &fakeChannel{
		trace:      tr,
		deliveries: make(chan amqp.Delivery),
		consuming:  make(chan struct{}),
	}
}

func (c *fakeChannel) Qos(int, int, bool) error { return nil }

func (c *fakeChannel) Consume(string, string, bool, bool, bool, bool, amqp.Table) (<-chan amqp.Delivery, error) {
	return c.deliveries, nil
}

func (c *fakeChannel) Cancel(string, bool) error {
	c.trace.add("cancel")
	return nil
}

func (c *fakeChannel) NotifyClose(r chan *amqp.Error) chan *amqp.Error {
	c.mu.Lock()
	c.closed = r
	c.mu.Unlock()
	close(c.consuming)
	return r
}

func (c *fakeChannel) Close() error {
	c.trace.add("channel closed")
	return nil
}

// fail simulates the broker closing the channel.
func (c *fakeChannel) fail() {
	c.mu.Lock()
	r := c.closed
	c.mu.Unlock()
	r <- &amqp.Error{Code: amqp.ChannelError, Reason: "channel error"}
}

func waitClosed(t *testing.T, what string, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout waiting for %s", what)
	}
}

func waitRun(t *testing.T, done <-chan error) {
	t.Helper()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not return after cancel")
	}
}

func newTestConsumer(delay time.Duration) *Consumer {
	return NewConsumer(ConsumerOptions{
		Topology:       Topology{Queue: "jobs"},
		Prefetch:       2,
		ReconnectDelay: delay,
		Logger:         logging.Nop(),
	})
}

func TestConsumer_RestartsAfterDialAndChannelFailures(t *testing.T) {
	tr := &trace{}
	first, second := newFakeChannel(tr), newFakeChannel(tr)
	delay := 20 * time.Millisecond
	c := newTestConsumer(delay)

	var (
		mu    sync.Mutex
		dials []time.Time
	)
	c.dial = func(string) (broker, error) {
		mu.Lock()
		defer mu.Unlock()
		dials = append(dials, time.Now())
		switch len(dials) {
		case 1:
			return nil, errors.New("connection refused")
		case 2:
			return &fakeBroker{trace: tr, ch: first}, nil
		default:
			return &fakeBroker{trace: tr, ch: second}, nil
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx, func(context.Context, Delivery) {}) }()

	waitClosed(t, "first channel", first.consuming)
	first.fail()
	waitClosed(t, "second channel", second.consuming)
	cancel()
	waitRun(t, done)

	mu.Lock()
	defer mu.Unlock()
	if len(dials) != 3 {
		t.Fatalf("expected 3 dials, got %d", len(dials))
	}
	for i := 1; i < len(dials); i++ {
		if gap := dials[i].Sub(dials[i-1]); gap < delay {
			t.Fatalf("restart %d came after %v, want at least %v", i, gap, delay)
		}
	}
	steps := strings.Join(tr.snapshot(), ",")
	if steps != "channel closed,conn closed,cancel,channel closed,conn closed" {
		t.Fatalf("unexpected lifecycle %s", steps)
	}
}

func TestConsumer_DrainsInFlightJobsBeforeClosing(t *testing.T) {
	tr := &trace{}
	ch := newFakeChannel(tr)
	c := newTestConsumer(time.Hour)
	c.dial = func(string) (broker, error) { return &fakeBroker{trace: tr, ch: ch}, nil }

	started := make(chan struct{})
	release := make(chan struct{})
	handler := func(ctx context.Context, d Delivery) {
		close(started)
		<-release
		if ctx.Err() != nil {
			tr.add("job context cancelled")
		}
		if err := d.Ack(); err != nil {
			tr.add("ack failed")
		}
		tr.add("job settled")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx, handler) }()

	waitClosed(t, "consumer", ch.consuming)
	acker := &fakeAcker{}
	ch.deliveries <- amqp.Delivery{Acknowledger: acker, DeliveryTag: 1, Body: []byte("{}")}
	waitClosed(t, "job start", started)
	cancel()

	select {
	case <-done:
		t.Fatalf("Run returned with a job still in flight")
	case <-time.After(50 * time.Millisecond):
	}
	close(release)
	waitRun(t, done)

	steps := strings.Join(tr.snapshot(), ",")
	if steps != "cancel,job settled,channel closed,conn closed" {
		t.Fatalf("unexpected lifecycle %s", steps)
	}
	if acker.acks != 1 {
		t.Fatalf("expected the job acked on the open channel, got %d acks", acker.acks)
	}
}

func TestConsumer_CancelDuringReconnectDelay(t *testing.T) {
	c := newTestConsumer(time.Hour)
	dialed := make(chan struct{})
	var once sync.Once
	c.dial = func(string) (broker, error) {
		once.Do(func() { close(dialed) })
		return nil, errors.New("connection refused")
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx, func(context.Context, Delivery) {}) }()

	waitClosed(t, "dial", dialed)
	cancel()
	waitRun(t, done)
}
