// Package bus carries relay lifecycle events and remote control requests
// between processes. NATS backs production deployments; MemoryBus serves a
// single process and the tests.
package bus

import (
	"context"
	"errors"
	"time"

	"github.com/odvcencio/browserrelay/pkg/logging"
)

var (
	// ErrTimeout means a request got no reply in time.
	ErrTimeout = errors.New("request timeout")

	// ErrNoResponders means nothing is subscribed to the request subject.
	ErrNoResponders = errors.New("no responders available")

	// ErrClosed is returned by every operation after Close.
	ErrClosed = errors.New("bus or subscription closed")
)

// MessageBus is safe for concurrent use.
type MessageBus interface {
	// Publish is fire-and-forget.
	Publish(ctx context.Context, subject string, data []byte) error

	// Subscribe accepts NATS wildcards: "*" for one token, a trailing ">"
	// for the rest.
	Subscribe(ctx context.Context, subject string, handler MessageHandler) (Subscription, error)

	// Request publishes data with a reply subject and waits for the first reply.
	Request(ctx context.Context, subject string, data []byte, timeout time.Duration) ([]byte, error)

	Close() error
}

// MessageHandler handles one message. A non-nil return value is sent back
// when the message carries a reply subject.
type MessageHandler func(msg *Message) []byte

// Message is a delivered bus message.
type Message struct {
	Subject string
	Data    []byte
	ReplyTo string
}

// Subscription is an active subscription.
type Subscription interface {
	Unsubscribe() error
	Subject() string
}

// Config configures a NATS connection. MemoryBus ignores it.
type Config struct {
	URL     string
	Name    string
	Timeout time.Duration

	Username string
	Password string
	Token    string

	// Logger receives connection state changes.
	Logger *logging.Logger
}

// DefaultConfig targets a local broker.
func DefaultConfig() Config {
	return Config{
		URL:     "nats://localhost:4222",
		Name:    "browserrelay",
		Timeout: 30 * time.Second,
	}
}
