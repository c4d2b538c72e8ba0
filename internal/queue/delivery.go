package queue

import (
	"errors"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ErrAlreadySettled is returned when a delivery is acked or nacked twice.
var ErrAlreadySettled = errors.New("delivery already settled")

// Delivery is one queued job. Ack and Nack settle it; only the first call has effect.
type Delivery interface {
	Body() []byte
	Redelivered() bool
	Ack() error
	// Nack rejects the delivery without requeue.
	Nack() error
}

type delivery struct {
	d    amqp.Delivery
	once sync.Once
}

func wrap(d amqp.Delivery) *delivery { return &delivery{d: d} }

func (d *delivery) Body() []byte      { return d.d.Body }
func (d *delivery) Redelivered() bool { return d.d.Redelivered }

func (d *delivery) Ack() error {
	return d.settle(func() error { return d.d.Ack(false) })
}

func (d *delivery) Nack() error {
	return d.settle(func() error { return d.d.Nack(false, false) })
}

func (d *delivery) settle(fn func() error) error {
	err := ErrAlreadySettled
	d.once.Do(func() { err = fn() })
	return err
}
