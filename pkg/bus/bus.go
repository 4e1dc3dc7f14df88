// Package bus carries chauffeur events between processes. It supports
// publish/subscribe and request/reply patterns. The default implementation
// uses NATS, with an in-memory option for tests and single-process runs.
package bus

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrTimeout is returned when a request times out waiting for a response.
	ErrTimeout = errors.New("request timeout")

	// ErrNoResponders is returned when no subscribers are available to handle a request.
	ErrNoResponders = errors.New("no responders available")

	// ErrClosed is returned when operating on a closed bus or subscription.
	ErrClosed = errors.New("bus or subscription closed")
)

// Subject layout. One token per event kind keeps wildcard subscriptions
// simple: "chauffeur.target.>" sees everything the registry publishes.
const (
	targetSubjectPrefix = "chauffeur.target."

	// SubjectAllTargetEvents matches every published target event.
	SubjectAllTargetEvents = "chauffeur.target.>"
)

// TargetSubject returns the subject for one event kind, e.g.
// "chauffeur.target.navigated".
func TargetSubject(kind string) string {
	return targetSubjectPrefix + kind
}

// MessageBus is the transport behind the event bridge.
// Implementations must be safe for concurrent use.
type MessageBus interface {
	// Publish sends a message to all subscribers of the given subject.
	// Returns immediately; does not wait for message delivery.
	Publish(ctx context.Context, subject string, data []byte) error

	// Subscribe registers a handler for messages on the given subject.
	// Supports wildcards: "chauffeur.target.*" matches
	// "chauffeur.target.crashed".
	Subscribe(ctx context.Context, subject string, handler MessageHandler) (Subscription, error)

	// Request sends a message and waits for a single response.
	Request(ctx context.Context, subject string, data []byte, timeout time.Duration) ([]byte, error)

	// QueueSubscribe creates a queue subscription where messages are
	// load-balanced across subscribers in the same queue group.
	QueueSubscribe(ctx context.Context, subject, queue string, handler MessageHandler) (Subscription, error)

	// Close shuts down the bus and all subscriptions.
	Close() error
}

// MessageHandler processes incoming messages.
// For request/reply, return data to send as response; return nil for no response.
type MessageHandler func(msg *Message) []byte

// Message represents an incoming message from the bus.
type Message struct {
	Subject string
	Data    []byte
	ReplyTo string // Set if sender expects a response
}

// Subscription represents an active subscription that can be cancelled.
type Subscription interface {
	// Unsubscribe stops receiving messages and cleans up resources.
	Unsubscribe() error

	// Subject returns the subject pattern this subscription is for.
	Subject() string
}

// Config holds configuration for creating a MessageBus.
type Config struct {
	// URL is the NATS server URL (e.g., "nats://localhost:4222").
	// Ignored for in-memory bus.
	URL string

	// Name is a client identifier for debugging/monitoring.
	Name string

	// Timeout is the default timeout for operations.
	Timeout time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		URL:     "nats://localhost:4222",
		Name:    "chauffeur",
		Timeout: 30 * time.Second,
	}
}
