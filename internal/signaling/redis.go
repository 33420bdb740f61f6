package signaling

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisTopic implements Topic over a redis pub/sub channel. Redis delivers
// to every subscriber including the publisher, so events are tagged with the
// publisher id and self-broadcasts are filtered on receipt.
type RedisTopic struct {
	client *redis.Client
	name   string
	selfID string
	log    zerolog.Logger

	pubsub *redis.PubSub
	events chan Event
	cancel context.CancelFunc

	leaveOnce sync.Once
	leaveErr  error
}

// JoinRedisTopic subscribes to the stream's broadcast topic.
func JoinRedisTopic(ctx context.Context, client *redis.Client, streamID, selfID string, log zerolog.Logger) (*RedisTopic, error) {
	name := TopicName(streamID)
	pubsub := client.Subscribe(ctx, name)
	// Force the subscription onto the wire before any publish can race it.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", name, err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	t := &RedisTopic{
		client: client,
		name:   name,
		selfID: selfID,
		log:    log.With().Str("component", "topic").Str("topic", name).Logger(),
		pubsub: pubsub,
		events: make(chan Event, 64),
		cancel: cancel,
	}
	go t.pump(loopCtx)
	return t, nil
}

// Publish broadcasts an event, stamping it with the publisher id.
func (t *RedisTopic) Publish(ctx context.Context, ev Event) error {
	ev.From = t.selfID
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := t.client.Publish(ctx, t.name, data).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", ev.Type, err)
	}
	return nil
}

// Events returns the inbound stream, self-broadcasts excluded.
func (t *RedisTopic) Events() <-chan Event {
	return t.events
}

// Leave unsubscribes. Safe to call more than once.
func (t *RedisTopic) Leave() error {
	t.leaveOnce.Do(func() {
		t.cancel()
		t.leaveErr = t.pubsub.Close()
	})
	return t.leaveErr
}

func (t *RedisTopic) pump(ctx context.Context) {
	defer close(t.events)

	ch := t.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var ev Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				t.log.Warn().Err(err).Msg("dropping malformed event")
				continue
			}
			if ev.From == t.selfID {
				continue
			}
			select {
			case t.events <- ev:
			case <-ctx.Done():
				return
			}
		}
	}
}
