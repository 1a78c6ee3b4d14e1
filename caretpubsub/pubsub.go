// Package caretpubsub carries caret changes between servers attached to the
// same document. Delivery is best-effort: editing correctness never depends
// on it.
package caretpubsub

import "context"

// MessageHandler consumes one published message.
type MessageHandler func(topic string, data []byte)

// PubSub is a topic-based broadcast channel for encoded caret changes.
type PubSub interface {
	// Publish sends data to every subscriber of topic.
	Publish(ctx context.Context, topic string, data []byte) error

	// Subscribe registers a handler under a subscriber id. Subscribing the
	// same id twice on one topic replaces the handler.
	Subscribe(ctx context.Context, topic, subscriberID string, handler MessageHandler) error

	// Unsubscribe removes a handler.
	Unsubscribe(ctx context.Context, topic, subscriberID string) error

	// Close shuts the channel down.
	Close() error
}
