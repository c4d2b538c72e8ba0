// Package queue holds the broker side of job dispatch: one consumer connection
// that restarts on failure and a publisher for enqueuing jobs.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/pool"

	"wamator/internal/metrics"
)

// Handler processes one delivery and must settle it.
type Handler func(ctx context.Context, d Delivery)

type ConsumerOptions struct {
	URL            string
	Topology       Topology
	Prefetch       int
	ReconnectDelay time.Duration
	Logger         zerolog.Logger
	Metrics        *metrics.Metrics
}

// broker is the slice of an AMQP connection the consumer uses.
type broker interface {
	Channel() (brokerChannel, error)
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
	Close() error
}

type brokerChannel interface {
	declarer
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Cancel(consumer string, noWait bool) error
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
	Close() error
}

type amqpBroker struct{ *amqp.Connection }

func (b amqpBroker) Channel() (brokerChannel, error) {
	ch, err := b.Connection.Channel()
	if err != nil {
		return nil, err
	}
	return ch, nil
}

func dialAMQP(url string) (broker, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	return amqpBroker{conn}, nil
}

type Consumer struct {
	dial     func(url string) (broker, error)
	url      string
	topology Topology
	prefetch int
	delay    time.Duration
	log      zerolog.Logger
	metrics  *metrics.Metrics
}

func NewConsumer(opts ConsumerOptions) *Consumer {
	if opts.Prefetch <= 0 {
		opts.Prefetch = 10
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = 5 * time.Second
	}
	return &Consumer{
		dial:     dialAMQP,
		url:      opts.URL,
		topology: opts.Topology,
		prefetch: opts.Prefetch,
		delay:    opts.ReconnectDelay,
		log:      opts.Logger.With().Str("component", "queue").Str("queue", opts.Topology.Queue).Logger(),
		metrics:  opts.Metrics,
	}
}

// Run consumes until ctx ends, rebuilding connection and channel after a fixed
// delay whenever either fails. In-flight jobs are drained before the channel
// closes, so Run returning means every delivery it handed out was settled.
func (c *Consumer) Run(ctx context.Context, h Handler) error {
	for {
		err := c.consume(ctx, h)
		if ctx.Err() != nil {
			return nil
		}
		c.metrics.QueueRestart()
		c.log.Warn().Err(err).Dur("retry_in", c.delay).Msg("consumer stopped, restarting")

		t := time.NewTimer(c.delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
	}
}

func (c *Consumer) consume(ctx context.Context, h Handler) error {
	conn, err := c.dial(c.url)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	defer ch.Close()

	if err := c.topology.declare(ch); err != nil {
		return err
	}
	if err := ch.Qos(c.prefetch, 0, false); err != nil {
		return fmt.Errorf("qos: %w", err)
	}
	tag := "wamator-" + c.topology.Queue
	deliveries, err := ch.Consume(c.topology.Queue, tag, false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume: %w", err)
	}
	connClosed := conn.NotifyClose(make(chan *amqp.Error, 1))
	chClosed := ch.NotifyClose(make(chan *amqp.Error, 1))

	// Jobs keep running through shutdown so they settle on the open channel.
	jobCtx := context.WithoutCancel(ctx)
	p := pool.New().WithMaxGoroutines(c.prefetch)
	defer p.Wait()

	c.log.Info().Int("prefetch", c.prefetch).Msg("awaiting jobs")
	for {
		select {
		case <-ctx.Done():
			if err := ch.Cancel(tag, false); err != nil {
				c.log.Warn().Err(err).Msg("cancel consumer")
			}
			return ctx.Err()
		case e := <-connClosed:
			return closeErr("connection", e)
		case e := <-chClosed:
			return closeErr("channel", e)
		case d, ok := <-deliveries:
			if !ok {
				return errors.New("delivery stream closed")
			}
			job := wrap(d)
			p.Go(func() { h(jobCtx, job) })
		}
	}
}

func closeErr(what string, e *amqp.Error) error {
	if e == nil {
		return fmt.Errorf("%s closed", what)
	}
	return fmt.Errorf("%s closed: %w", what, e)
}
