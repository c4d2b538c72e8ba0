package queue

import (
	"errors"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
)

type fakeAcker struct {
	acks, nacks int
	requeued    bool
}

func (f *fakeAcker) Ack(tag uint64, multiple bool) error { f.acks++; return nil }
func (f *fakeAcker) Nack(tag uint64, multiple, requeue bool) error {
	f.nacks++
	f.requeued = f.requeued || requeue
	return nil
}
func (f *fakeAcker) Reject(tag uint64, requeue bool) error { return nil }

func TestDelivery_SettlesOnce(t *testing.T) {
	acker := &fakeAcker{}
	d := wrap(amqp.Delivery{Acknowledger: acker, DeliveryTag: 1, Body: []byte("{}")})

	if err := d.Nack(); err != nil {
		t.Fatalf("Nack: %v", err)
	}
	if err := d.Ack(); !errors.Is(err, ErrAlreadySettled) {
		t.Fatalf("expected ErrAlreadySettled, got %v", err)
	}
	if err := d.Nack(); !errors.Is(err, ErrAlreadySettled) {
		t.Fatalf("expected ErrAlreadySettled, got %v", err)
	}
	if acker.acks != 0 || acker.nacks != 1 || acker.requeued {
		t.Fatalf("expected one nack without requeue, got %+v", acker)
	}
}

type fakeDeclarer struct {
	exchanges []string
	queues    map[string]amqp.Table
	binds     []string
}

func (f *fakeDeclarer) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	f.exchanges = append(f.exchanges, name+":"+kind)
	return nil
}

func (f *fakeDeclarer) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	if !durable {
		return amqp.Queue{}, errors.New("queue must be durable")
	}
	if f.queues == nil {
		f.queues = make(map[string]amqp.Table)
	}
	f.queues[name] = args
	return amqp.Queue{Name: name}, nil
}

func (f *fakeDeclarer) QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error {
	f.binds = append(f.binds, exchange+"->"+name+"@"+key)
	return nil
}

func TestTopology_PlainQueue(t *testing.T) {
	f := &fakeDeclarer{}
	if err := (Topology{Queue: "whatsapp_msg_queue"}).declare(f); err != nil {
		t.Fatalf("declare: %v", err)
	}
	if len(f.queues) != 1 || f.queues["whatsapp_msg_queue"] != nil || len(f.exchanges) != 0 {
		t.Fatalf("expected a single durable queue without arguments, got %+v", f)
	}
}

func TestTopology_DeadLetter(t *testing.T) {
	f := &fakeDeclarer{}
	top := Topology{Queue: "jobs", DeadLetter: "jobs.dlx"}
	if err := top.declare(f); err != nil {
		t.Fatalf("declare: %v", err)
	}
	args := f.queues["jobs"]
	if args["x-dead-letter-exchange"] != "jobs.dlx" || args["x-dead-letter-routing-key"] != "jobs" {
		t.Fatalf("unexpected queue args %v", args)
	}
	if _, ok := f.queues["jobs.dead"]; !ok {
		t.Fatalf("expected dead-letter queue declared")
	}
	if len(f.binds) != 1 || f.binds[0] != "jobs.dlx->jobs.dead@jobs" {
		t.Fatalf("unexpected bindings %v", f.binds)
	}
}
