package bus

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
)

// memoryBuffer is the per-subscription backlog before messages are dropped.
const memoryBuffer = 256

// MemoryBus is a single-process MessageBus. Delivery is asynchronous and
// lossy: a subscriber that falls memoryBuffer messages behind misses the
// overflow, which is counted by Dropped.
type MemoryBus struct {
	mu      sync.RWMutex
	subs    map[uint64]*memorySubscription
	nextID  atomic.Uint64
	dropped atomic.Uint64
	closed  atomic.Bool
}

// NewMemoryBus creates an empty in-memory bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[uint64]*memorySubscription)}
}

// Publish implements MessageBus.
func (b *MemoryBus) Publish(ctx context.Context, subject string, data []byte) error {
	if b.closed.Load() {
		return ErrClosed
	}
	b.deliver(&Message{Subject: subject, Data: data})
	return nil
}

// Subscribe implements MessageBus. The handler runs on one goroutine per
// subscription, so messages on a subscription are handled in order.
func (b *MemoryBus) Subscribe(ctx context.Context, subject string, handler MessageHandler) (Subscription, error) {
	if b.closed.Load() {
		return nil, ErrClosed
	}
	sub := &memorySubscription{
		id:      b.nextID.Add(1),
		subject: subject,
		tokens:  strings.Split(subject, "."),
		inbox:   make(chan *Message, memoryBuffer),
		handler: handler,
		bus:     b,
	}

	b.mu.Lock()
	b.subs[sub.id] = sub
	b.mu.Unlock()

	go sub.run(ctx)
	return sub, nil
}

// Request implements MessageBus using a private inbox subject.
func (b *MemoryBus) Request(ctx context.Context, subject string, data []byte, timeout time.Duration) ([]byte, error) {
	if b.closed.Load() {
		return nil, ErrClosed
	}

	inbox := "_INBOX." + ulid.Make().String()
	replies := make(chan []byte, 1)
	sub, err := b.Subscribe(ctx, inbox, func(msg *Message) []byte {
		select {
		case replies <- msg.Data:
		default:
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	defer sub.Unsubscribe()

	if b.deliver(&Message{Subject: subject, Data: data, ReplyTo: inbox}) == 0 {
		return nil, ErrNoResponders
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	select {
	case reply := <-replies:
		return reply, nil
	case <-ctx.Done():
		if ctx.Err() == context.DeadlineExceeded {
			return nil, ErrTimeout
		}
		return nil, ctx.Err()
	}
}

// Close implements MessageBus. Pending messages are discarded.
func (b *MemoryBus) Close() error {
	if b.closed.Swap(true) {
		return ErrClosed
	}
	b.mu.Lock()
	subs := b.subs
	b.subs = make(map[uint64]*memorySubscription)
	b.mu.Unlock()

	for _, sub := range subs {
		sub.stop()
	}
	return nil
}

// Dropped reports how many messages were discarded because a subscriber's
// backlog was full.
func (b *MemoryBus) Dropped() uint64 {
	return b.dropped.Load()
}

// deliver queues msg for every matching subscription and returns how many
// subscriptions matched.
func (b *MemoryBus) deliver(msg *Message) int {
	tokens := strings.Split(msg.Subject, ".")

	b.mu.RLock()
	defer b.mu.RUnlock()

	matched := 0
	for _, sub := range b.subs {
		if !matchTokens(sub.tokens, tokens) {
			continue
		}
		matched++
		if !sub.offer(msg) {
			b.dropped.Add(1)
		}
	}
	return matched
}

type memorySubscription struct {
	id      uint64
	subject string
	tokens  []string
	handler MessageHandler
	bus     *MemoryBus

	mu     sync.Mutex
	inbox  chan *Message
	closed bool
}

func (s *memorySubscription) Unsubscribe() error {
	s.bus.mu.Lock()
	delete(s.bus.subs, s.id)
	s.bus.mu.Unlock()
	s.stop()
	return nil
}

func (s *memorySubscription) Subject() string {
	return s.subject
}

// offer enqueues msg without blocking.
func (s *memorySubscription) offer(msg *Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return true
	}
	select {
	case s.inbox <- msg:
		return true
	default:
		return false
	}
}

func (s *memorySubscription) stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.inbox)
	}
}

func (s *memorySubscription) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-s.inbox:
			if !ok {
				return
			}
			if reply := s.handler(msg); reply != nil && msg.ReplyTo != "" {
				_ = s.bus.Publish(ctx, msg.ReplyTo, reply)
			}
		}
	}
}

// matchSubject reports whether subject matches pattern. "*" matches exactly
// one token and a trailing ">" matches one or more.
func matchSubject(pattern, subject string) bool {
	return matchTokens(strings.Split(pattern, "."), strings.Split(subject, "."))
}

func matchTokens(pattern, subject []string) bool {
	for i, tok := range pattern {
		if tok == ">" && i == len(pattern)-1 {
			return len(subject) > i
		}
		if i >= len(subject) {
			return false
		}
		if tok != "*" && tok != subject[i] {
			return false
		}
	}
	return len(pattern) == len(subject)
}
