package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/abrahaamv/realtime-gateway/pkg/log"
)

// RedisPubSub implements PubSub using Redis. A subscriber-mode connection
// cannot run other commands, so publish and subscribe use separate
// clients; Close closes both.
type RedisPubSub struct {
	pub           *redis.Client
	sub           *redis.Client
	subscriptions map[string]*redis.PubSub
	mu            sync.RWMutex
}

// Config holds Redis bus connection settings.
type Config struct {
	Address  string
	Password string
	DB       int
}

// NewRedisPubSub connects to Redis and verifies the connection. A failure
// here is fatal to gateway startup.
func NewRedisPubSub(ctx context.Context, cfg Config) (*RedisPubSub, error) {
	opts := &redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	}
	pub := redis.NewClient(opts)
	sub := redis.NewClient(opts)

	if err := pub.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisPubSub{
		pub:           pub,
		sub:           sub,
		subscriptions: make(map[string]*redis.PubSub),
	}, nil
}

// Publish publishes an event to the specified channel.
func (r *RedisPubSub) Publish(ctx context.Context, channel string, event *Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	return r.pub.Publish(ctx, channel, data).Err()
}

// Subscribe subscribes to a channel and returns a stream of decoded
// events. Payloads that fail to decode are logged and skipped; a corrupt
// message from one instance must not tear down sibling subscriptions.
func (r *RedisPubSub) Subscribe(ctx context.Context, channel string) (<-chan *Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	pubsub := r.sub.Subscribe(ctx, channel)

	// Wait for the subscription to be active before reading.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", channel, err)
	}
	r.subscriptions[channel] = pubsub

	eventCh := make(chan *Event, 100)
	go r.processMessages(ctx, channel, pubsub, eventCh)

	return eventCh, nil
}

// Unsubscribe closes the subscription for a channel.
func (r *RedisPubSub) Unsubscribe(_ context.Context, channel string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if pubsub, ok := r.subscriptions[channel]; ok {
		if err := pubsub.Close(); err != nil {
			return err
		}
		delete(r.subscriptions, channel)
	}
	return nil
}

// Close closes all subscriptions and both Redis connections.
func (r *RedisPubSub) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, pubsub := range r.subscriptions {
		_ = pubsub.Close()
	}
	r.subscriptions = make(map[string]*redis.PubSub)

	if err := r.sub.Close(); err != nil {
		_ = r.pub.Close()
		return err
	}
	return r.pub.Close()
}

func (r *RedisPubSub) processMessages(ctx context.Context, channel string, pubsub *redis.PubSub, eventCh chan<- *Event) {
	defer close(eventCh)

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}

			var event Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				l := log.L()
				l.Warn().Err(err).Str(log.FieldChannel, channel).Msg("bus: dropping malformed payload")
				continue
			}

			select {
			case eventCh <- &event:
			case <-ctx.Done():
				return
			}
		}
	}
}
