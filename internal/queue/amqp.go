// Package queue implements the task-queue transport: one AMQP queue per
// priority band (high_priority, evaluation, low_priority), polled by the
// dispatcher in strict descending order.
//
// Grounded on agent/message_queue.go's AmqpQueue, generalized from a single
// commits queue to one queue per priority.Queue and from raw []byte payloads
// to typed Messages.
package queue

import (
	"encoding/json"
	"fmt"

	"github.com/streadway/amqp"
)

// ProducerConsumer is the seam tests inject a fake transport through,
// mirroring agent/message_queue.go's interface of the same name.
type ProducerConsumer interface {
	Produce([]byte) error
	Consume(chan []byte) error
	Close() error
}

// AmqpQueue is a single durable AMQP queue.
type AmqpQueue struct {
	url, name string
	durable   bool

	conn *amqp.Connection
	ch   *amqp.Channel
}

// QueueOption configures an AmqpQueue at construction time.
type QueueOption func(*AmqpQueue)

// Durable marks the declared queue as durable (survives broker restarts).
func Durable() QueueOption {
	return func(q *AmqpQueue) { q.durable = true }
}

// NewAmqpQueue dials url lazily on first Produce/Consume call.
func NewAmqpQueue(url, name string, opts ...QueueOption) *AmqpQueue {
	q := &AmqpQueue{url: url, name: name}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

func (q *AmqpQueue) connect() error {
	if q.conn != nil && !q.conn.IsClosed() {
		return nil
	}
	conn, err := amqp.Dial(q.url)
	if err != nil {
		return fmt.Errorf("queue: dial %s: %w", q.name, err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("queue: open channel %s: %w", q.name, err)
	}
	if _, err := ch.QueueDeclare(q.name, q.durable, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("queue: declare %s: %w", q.name, err)
	}
	q.conn = conn
	q.ch = ch
	return nil
}

// Produce publishes item onto the queue, connecting if necessary.
func (q *AmqpQueue) Produce(item []byte) error {
	if err := q.connect(); err != nil {
		return err
	}
	return q.ch.Publish("", q.name, false, false, amqp.Publishing{
		ContentType:  "application/json",
		Body:         item,
		DeliveryMode: amqp.Persistent,
	})
}

// Consume streams queue deliveries onto itemChan until the channel the AMQP
// library hands back is closed (broker shutdown, connection drop).
func (q *AmqpQueue) Consume(itemChan chan []byte) error {
	if err := q.connect(); err != nil {
		return err
	}
	msgs, err := q.ch.Consume(q.name, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("queue: consume %s: %w", q.name, err)
	}
	for d := range msgs {
		itemChan <- d.Body
		d.Ack(false)
	}
	return nil
}

// Close tears down the channel and connection.
func (q *AmqpQueue) Close() error {
	if q.ch != nil {
		q.ch.Close()
	}
	if q.conn != nil {
		return q.conn.Close()
	}
	return nil
}

// Message is the wire payload for one queued evaluation task.
type Message struct {
	EvalID   string `json:"eval_id"`
	Code     string `json:"code"`
	Language string `json:"language"`
	Engine   string `json:"engine"`
	Timeout  int    `json:"timeout"`
	Priority int    `json:"priority"`
	Attempt  int    `json:"attempt"`
}

// Encode serializes a Message for transport.
func Encode(m Message) ([]byte, error) {
	return json.Marshal(m)
}

// Decode parses a transported Message.
func Decode(b []byte) (Message, error) {
	var m Message
	err := json.Unmarshal(b, &m)
	return m, err
}
