// Package events defines the pub/sub fan-out of evaluation lifecycle
// transitions (spec §4.6/§5) and a Redis-backed Publisher.
//
// Grounded on queue-worker/app.py's QueueWorker._publish_event, which
// publishes onto redis.asyncio pubsub channels named
// "evaluation:{completed,failed}"; generalized here to one channel per
// Status.
package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/codepr/crucible/internal/eval"
)

// Event is one evaluation lifecycle transition broadcast to subscribers.
type Event struct {
	EvalID    string     `json:"eval_id"`
	Status    eval.Status `json:"status"`
	ExitCode  int        `json:"exit_code,omitempty"`
	Error     string     `json:"error,omitempty"`
	Timestamp int64      `json:"timestamp"`
}

// Channel returns the pubsub channel name for a given status, e.g.
// "evaluation:completed".
func Channel(s eval.Status) string {
	return "evaluation:" + string(s)
}

// Publisher broadcasts evaluation events. Implemented by RedisPublisher in
// production and by a recording fake in tests.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// RedisPublisher publishes onto Redis pubsub channels.
type RedisPublisher struct {
	rdb *redis.Client
}

// NewRedisPublisher constructs a RedisPublisher over an existing client.
func NewRedisPublisher(rdb *redis.Client) *RedisPublisher {
	return &RedisPublisher{rdb: rdb}
}

// Publish serializes e and publishes it to Channel(e.Status).
func (p *RedisPublisher) Publish(ctx context.Context, e Event) error {
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("events: marshal: %w", err)
	}
	if err := p.rdb.Publish(ctx, Channel(e.Status), body).Err(); err != nil {
		return fmt.Errorf("events: publish %s: %w", e.EvalID, err)
	}
	return nil
}

// Subscriber consumes evaluation events off one or more channels, backing
// the Running-State Index's live-update path (spec §4.6).
type Subscriber struct {
	rdb *redis.Client
}

// NewSubscriber constructs a Subscriber over an existing client.
func NewSubscriber(rdb *redis.Client) *Subscriber {
	return &Subscriber{rdb: rdb}
}

// Subscribe opens a pubsub connection across every status channel and
// invokes handle for each decoded Event until ctx is cancelled.
func (s *Subscriber) Subscribe(ctx context.Context, handle func(Event)) error {
	channels := []string{
		Channel(eval.StatusQueued),
		Channel(eval.StatusProvisioning),
		Channel(eval.StatusRunning),
		Channel(eval.StatusCompleted),
		Channel(eval.StatusFailed),
		Channel(eval.StatusCancelled),
		Channel(eval.StatusTimeout),
	}
	pubsub := s.rdb.Subscribe(ctx, channels...)
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return fmt.Errorf("events: subscription channel closed")
			}
			var e Event
			if err := json.Unmarshal([]byte(msg.Payload), &e); err != nil {
				continue
			}
			handle(e)
		}
	}
}
