package caretpubsub

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// RedisPubSub implements PubSub on Redis channels, letting servers on
// different machines see each other's carets.
type RedisPubSub struct {
	// client is the Redis client.
	client *redis.Client
	// logger receives delivery failures.
	logger *zap.Logger
	// mutex protects the subscriptions map.
	mutex sync.Mutex
	// subscriptions maps topic to subscriber id to its running
	// subscription.
	subscriptions map[string]map[string]*redisSubscription
	// closed indicates whether the PubSub has been closed.
	closed bool
}

// redisSubscription is one running receive loop.
type redisSubscription struct {
	pubsub *redis.PubSub
	cancel context.CancelFunc
	done   chan struct{}
}

// NewRedisPubSub creates a pubsub over an existing Redis client. The
// connection is verified before use.
func NewRedisPubSub(client *redis.Client, logger *zap.Logger) (*RedisPubSub, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return &RedisPubSub{
		client:        client,
		logger:        logger,
		subscriptions: make(map[string]map[string]*redisSubscription),
	}, nil
}

// Publish implements PubSub.
func (ps *RedisPubSub) Publish(ctx context.Context, topic string, data []byte) error {
	ps.mutex.Lock()
	closed := ps.closed
	ps.mutex.Unlock()
	if closed {
		return fmt.Errorf("pubsub is closed")
	}
	return ps.client.Publish(ctx, topic, data).Err()
}

// Subscribe implements PubSub.
func (ps *RedisPubSub) Subscribe(ctx context.Context, topic, subscriberID string, handler MessageHandler) error {
	ps.mutex.Lock()
	defer ps.mutex.Unlock()
	if ps.closed {
		return fmt.Errorf("pubsub is closed")
	}
	if existing, ok := ps.subscriptions[topic][subscriberID]; ok {
		existing.stop()
	}
	if _, ok := ps.subscriptions[topic]; !ok {
		ps.subscriptions[topic] = make(map[string]*redisSubscription)
	}

	subCtx, cancel := context.WithCancel(context.Background())
	pubsub := ps.client.Subscribe(subCtx, topic)
	sub := &redisSubscription{pubsub: pubsub, cancel: cancel, done: make(chan struct{})}
	ps.subscriptions[topic][subscriberID] = sub

	go func() {
		defer close(sub.done)
		ch := pubsub.Channel()
		for {
			select {
			case <-subCtx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				handler(topic, []byte(msg.Payload))
			}
		}
	}()
	return nil
}

// Unsubscribe implements PubSub.
func (ps *RedisPubSub) Unsubscribe(ctx context.Context, topic, subscriberID string) error {
	ps.mutex.Lock()
	defer ps.mutex.Unlock()
	if subs, ok := ps.subscriptions[topic]; ok {
		if sub, ok := subs[subscriberID]; ok {
			sub.stop()
			delete(subs, subscriberID)
		}
		if len(subs) == 0 {
			delete(ps.subscriptions, topic)
		}
	}
	return nil
}

// Close implements PubSub.
func (ps *RedisPubSub) Close() error {
	ps.mutex.Lock()
	defer ps.mutex.Unlock()
	if ps.closed {
		return nil
	}
	ps.closed = true
	for _, subs := range ps.subscriptions {
		for _, sub := range subs {
			sub.stop()
		}
	}
	ps.subscriptions = make(map[string]map[string]*redisSubscription)
	return nil
}

func (s *redisSubscription) stop() {
	s.cancel()
	s.pubsub.Close()
	<-s.done
}
