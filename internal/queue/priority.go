package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/streadway/amqp"

	"github.com/codepr/crucible/internal/priority"
)

// PriorityQueues fronts the three AMQP queues and implements the strict
// descending-priority poll mandated by spec §4.9 / §5: "do NOT emulate with
// round-robin; emulate with strict descending-queue polling" on every
// single poll, never by remembering which queue was served last.
type PriorityQueues struct {
	conn *amqp.Connection
	ch   *amqp.Channel
	pollInterval time.Duration
}

// NewPriorityQueues dials url once and declares all three durable queues.
func NewPriorityQueues(url string, pollInterval time.Duration) (*PriorityQueues, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("queue: dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("queue: channel: %w", err)
	}
	for _, q := range priority.Queues {
		if _, err := ch.QueueDeclare(string(q), true, false, false, false, nil); err != nil {
			conn.Close()
			return nil, fmt.Errorf("queue: declare %s: %w", q, err)
		}
	}
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	return &PriorityQueues{conn: conn, ch: ch, pollInterval: pollInterval}, nil
}

// Publish routes m onto the queue its Priority maps to.
func (p *PriorityQueues) Publish(m Message) error {
	body, err := Encode(m)
	if err != nil {
		return err
	}
	q := priority.ToQueue(m.Priority)
	return p.ch.Publish("", string(q), false, false, amqp.Publishing{
		ContentType:  "application/json",
		Body:         body,
		DeliveryMode: amqp.Persistent,
	})
}

// PublishTo routes m onto the given queue q instead of the one Publish
// would pick; the dispatcher's requeue paths and the DLQ retry callback
// pass the queue they computed from m.Priority.
func (p *PriorityQueues) PublishTo(q priority.Queue, m Message) error {
	body, err := Encode(m)
	if err != nil {
		return err
	}
	return p.ch.Publish("", string(q), false, false, amqp.Publishing{
		ContentType:  "application/json",
		Body:         body,
		DeliveryMode: amqp.Persistent,
	})
}

// AckNacker is the ack/nack handle a Delivery wraps, satisfied by
// amqp.Delivery in production and by a hand-written fake in tests.
type AckNacker interface {
	Ack(multiple bool) error
	Nack(multiple, requeue bool) error
}

// Delivery is one fetched message plus its ack/nack handle.
type Delivery struct {
	Message Message
	Queue   priority.Queue
	raw     AckNacker
}

// NewDelivery constructs a Delivery directly, used by tests to drive
// dispatch.Worker without a live AMQP connection.
func NewDelivery(m Message, q priority.Queue, raw AckNacker) Delivery {
	return Delivery{Message: m, Queue: q, raw: raw}
}

// Ack acknowledges successful processing.
func (d Delivery) Ack() error { return d.raw.Ack(false) }

// Nack rejects the delivery; requeue controls whether the broker should
// redeliver it (the dispatcher instead prefers explicit re-publish with a
// computed countdown, so requeue is normally false).
func (d Delivery) Nack(requeue bool) error { return d.raw.Nack(false, requeue) }

// Next polls high_priority, then evaluation, then low_priority, in that
// order, on every call -- never round-robin. It blocks, sleeping
// pollInterval between empty sweeps, until ctx is cancelled.
func (p *PriorityQueues) Next(ctx context.Context) (Delivery, error) {
	for {
		for _, q := range priority.Queues {
			raw, ok, err := p.ch.Get(string(q), false)
			if err != nil {
				return Delivery{}, fmt.Errorf("queue: get %s: %w", q, err)
			}
			if ok {
				msg, err := Decode(raw.Body)
				if err != nil {
					raw.Nack(false, false)
					continue
				}
				return NewDelivery(msg, q, raw), nil
			}
		}
		select {
		case <-ctx.Done():
			return Delivery{}, ctx.Err()
		case <-time.After(p.pollInterval):
		}
	}
}

// Depths reports the pending message count of each priority queue, keyed by
// queue name, used by internal/metrics to populate the queue-depth gauge.
func (p *PriorityQueues) Depths() (map[string]int, error) {
	depths := make(map[string]int, len(priority.Queues))
	for _, q := range priority.Queues {
		state, err := p.ch.QueueInspect(string(q))
		if err != nil {
			return nil, fmt.Errorf("queue: inspect %s: %w", q, err)
		}
		depths[string(q)] = state.Messages
	}
	return depths, nil
}

// Close releases the underlying AMQP connection.
func (p *PriorityQueues) Close() error {
	if p.ch != nil {
		p.ch.Close()
	}
	return p.conn.Close()
}
