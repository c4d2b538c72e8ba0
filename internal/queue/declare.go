package queue

import (
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Topology names the job queue and its optional dead-letter exchange.
type Topology struct {
	Queue      string
	DeadLetter string
}

// DeadLetterQueue is where rejected jobs of t.Queue end up.
func (t Topology) DeadLetterQueue() string {
	return t.Queue + ".dead"
}

func (t Topology) queueArgs() amqp.Table {
	if t.DeadLetter == "" {
		return nil
	}
	return amqp.Table{
		"x-dead-letter-exchange":    t.DeadLetter,
		"x-dead-letter-routing-key": t.Queue,
	}
}

type declarer interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
}

// declare asserts the durable job queue, plus its dead-letter route when configured.
// Consumer and publisher must declare with identical arguments.
func (t Topology) declare(ch declarer) error {
	if t.DeadLetter != "" {
		if err := ch.ExchangeDeclare(t.DeadLetter, amqp.ExchangeDirect, true, false, false, false, nil); err != nil {
			return fmt.Errorf("declare dead-letter exchange: %w", err)
		}
		if _, err := ch.QueueDeclare(t.DeadLetterQueue(), true, false, false, false, nil); err != nil {
			return fmt.Errorf("declare dead-letter queue: %w", err)
		}
		if err := ch.QueueBind(t.DeadLetterQueue(), t.Queue, t.DeadLetter, false, nil); err != nil {
			return fmt.Errorf("bind dead-letter queue: %w", err)
		}
	}
	if _, err := ch.QueueDeclare(t.Queue, true, false, false, false, t.queueArgs()); err != nil {
		return fmt.Errorf("declare queue %s: %w", t.Queue, err)
	}
	return nil
}
