// Package bus fans build and session events out to interested consumers:
// the websocket feed, log followers, and any external NATS subscribers.
// The in-memory implementation is the default; NATS is opt-in via config.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrClosed is returned when operating on a closed bus or subscription.
	ErrClosed = errors.New("bus or subscription closed")
)

// Subject layout: builder.session.<session-id>.<kind>.
const subjectPrefix = "builder.session"

// SubjectFor returns the publish subject for a session event kind.
func SubjectFor(sessionID, kind string) string {
	return fmt.Sprintf("%s.%s.%s", subjectPrefix, sessionID, kind)
}

// SubjectAllSessions subscribes to every session event.
func SubjectAllSessions() string {
	return subjectPrefix + ".>"
}

// SubjectSession subscribes to all events for one session.
func SubjectSession(sessionID string) string {
	return fmt.Sprintf("%s.%s.>", subjectPrefix, sessionID)
}

// Envelope is the wire form of a published build event.
type Envelope struct {
	SessionID string         `json:"session_id"`
	BuildID   string         `json:"build_id,omitempty"`
	Kind      string         `json:"kind"`
	Seq       uint64         `json:"seq,omitempty"`
	Stage     string         `json:"stage,omitempty"`
	Message   string         `json:"message,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// EventBus is the fan-out interface. Implementations must be safe for
// concurrent use. Delivery is best-effort: slow subscribers lose messages
// rather than stalling the build.
type EventBus interface {
	// Publish sends raw data to all subscribers matching subject.
	Publish(ctx context.Context, subject string, data []byte) error

	// Subscribe registers a handler for subjects matching pattern.
	// Patterns support "*" (one token) and ">" (rest of subject).
	Subscribe(ctx context.Context, pattern string, handler Handler) (Subscription, error)

	// Close shuts down the bus and all subscriptions.
	Close() error
}

// Handler processes one delivered message.
type Handler func(msg *Message)

// Message is a delivered bus message.
type Message struct {
	Subject string
	Data    []byte
}

// Subscription is an active subscription.
type Subscription interface {
	Unsubscribe() error
	Subject() string
}

// PublishEnvelope encodes and publishes a build event envelope.
func PublishEnvelope(ctx context.Context, b EventBus, env Envelope) error {
	if b == nil {
		return nil
	}
	if env.Timestamp.IsZero() {
		env.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return b.Publish(ctx, SubjectFor(env.SessionID, env.Kind), data)
}

// Config selects and tunes the bus backend.
type Config struct {
	// URL is the NATS server URL. Empty selects the in-memory bus.
	URL string

	// Name identifies this client to the NATS server.
	Name string

	// Timeout bounds connection establishment.
	Timeout time.Duration
}

// New builds an EventBus from config: NATS when a URL is set, in-memory
// otherwise.
func New(cfg Config) (EventBus, error) {
	if cfg.URL == "" {
		return NewMemoryBus(), nil
	}
	return NewNATSBus(cfg)
}
