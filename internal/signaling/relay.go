package signaling

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Relay carries publishes between hub instances that share clients' rooms.
type Relay interface {
	// Publish forwards a publish frame received by this instance.
	Publish(ctx context.Context, topic string, frame []byte) error
	// Subscribe delivers frames published by other instances until ctx is
	// done.
	Subscribe(ctx context.Context, deliver func(topic string, frame []byte)) error
}

// DefaultChannelPrefix namespaces relay channels in redis.
const DefaultChannelPrefix = "schlopping:signal:"

// RedisRelay relays through redis pub/sub, one channel per topic.
type RedisRelay struct {
	rdb    *redis.Client
	prefix string
	origin string
	log    zerolog.Logger
}

type relayEnvelope struct {
	Origin string          `json:"origin"`
	Topic  string          `json:"topic"`
	Frame  json.RawMessage `json:"frame"`
}

func NewRedisRelay(rdb *redis.Client, log zerolog.Logger) *RedisRelay {
	return &RedisRelay{
		rdb:    rdb,
		prefix: DefaultChannelPrefix,
		origin: uuid.NewString(),
		log:    log.With().Str("component", "relay").Logger(),
	}
}

func (r *RedisRelay) Publish(ctx context.Context, topic string, frame []byte) error {
	b, err := r.encode(topic, frame)
	if err != nil {
		return err
	}
	if err := r.rdb.Publish(ctx, r.prefix+topic, b).Err(); err != nil {
		return fmt.Errorf("relay publish %s: %w", topic, err)
	}
	return nil
}

func (r *RedisRelay) Subscribe(ctx context.Context, deliver func(topic string, frame []byte)) error {
	pubsub := r.rdb.PSubscribe(ctx, r.prefix+"*")
	defer pubsub.Close()

	// Wait for the subscription to be confirmed before relaying.
	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("relay subscribe: %w", err)
	}
	r.log.Info().Str("pattern", r.prefix+"*").Msg("relay subscribed")

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			topic, frame, own, err := r.decode(msg.Channel, []byte(msg.Payload))
			if err != nil {
				r.log.Warn().Err(err).Str("channel", msg.Channel).Msg("dropped relay message")
				continue
			}
			if !own {
				deliver(topic, frame)
			}
		}
	}
}

func (r *RedisRelay) encode(topic string, frame []byte) ([]byte, error) {
	return json.Marshal(relayEnvelope{Origin: r.origin, Topic: topic, Frame: frame})
}

func (r *RedisRelay) decode(channel string, payload []byte) (topic string, frame []byte, own bool, err error) {
	var env relayEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return "", nil, false, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.Topic == "" || strings.TrimPrefix(channel, r.prefix) != env.Topic {
		return "", nil, false, fmt.Errorf("%w: relay topic %q on channel %q", ErrMalformed, env.Topic, channel)
	}
	return env.Topic, env.Frame, env.Origin == r.origin, nil
}
