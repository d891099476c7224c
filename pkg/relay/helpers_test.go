package relay

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/odvcencio/browserrelay/pkg/browser/adapters/memory"
	"github.com/odvcencio/browserrelay/pkg/logging"
)

// fakeConn is an in-memory Conn. Inbound payloads are queued with push;
// every written payload is copied and kept.
type fakeConn struct {
	in     chan []byte
	closed chan struct{}
	once   sync.Once

	mu          sync.Mutex
	written     [][]byte
	closeReason CloseReason
	closeText   string
	writeHook   func(payload []byte) error
}

func newFakeConn() *fakeConn {
	return &fakeConn{in: make(chan []byte, 64), closed: make(chan struct{})}
}

func (c *fakeConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.closed:
		return nil, io.EOF
	case payload := <-c.in:
		return payload, nil
	}
}

func (c *fakeConn) Write(ctx context.Context, payload []byte) error {
	select {
	case <-c.closed:
		return errors.New("write on closed connection")
	default:
	}
	c.mu.Lock()
	hook := c.writeHook
	c.mu.Unlock()
	if hook != nil {
		if err := hook(payload); err != nil {
			return err
		}
	}
	c.mu.Lock()
	c.written = append(c.written, append([]byte(nil), payload...))
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) Close(reason CloseReason, text string) error {
	c.once.Do(func() {
		c.mu.Lock()
		c.closeReason = reason
		c.closeText = text
		c.mu.Unlock()
		close(c.closed)
	})
	return nil
}

func (c *fakeConn) setWriteHook(fn func(payload []byte) error) {
	c.mu.Lock()
	c.writeHook = fn
	c.mu.Unlock()
}

func (c *fakeConn) push(t *testing.T, msg any) {
	t.Helper()
	payload, err := json.Marshal(msg)
	require.NoError(t, err)
	c.in <- payload
}

func (c *fakeConn) pushRaw(payload string) {
	c.in <- []byte(payload)
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *fakeConn) reason() CloseReason {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeReason
}

func (c *fakeConn) messages(t *testing.T) []ServerMessage {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]ServerMessage, 0, len(c.written))
	for _, payload := range c.written {
		var msg ServerMessage
		require.NoError(t, json.Unmarshal(payload, &msg))
		out = append(out, msg)
	}
	return out
}

func (c *fakeConn) frames(t *testing.T) int {
	n := 0
	for _, msg := range c.messages(t) {
		if msg.Type == ServerFrame {
			n++
		}
	}
	return n
}

func (c *fakeConn) errorMessages(t *testing.T) []string {
	var out []string
	for _, msg := range c.messages(t) {
		if msg.Type == ServerError {
			out = append(out, msg.Message)
		}
	}
	return out
}

// fakeClock is a settable clock for idle tests.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func testOptions() Options {
	opts := DefaultOptions()
	opts.CloseGrace = time.Second
	opts.Stream.BaseInterval = 5 * time.Millisecond
	opts.Stream.MaxInterval = 50 * time.Millisecond
	opts.Stream.SlowSendThreshold = 100 * time.Millisecond
	opts.Stream.RetryBackoff = time.Millisecond
	opts.Stream.WriteTimeout = time.Second
	return opts
}

func newTestManager(t *testing.T, opts Options) (*Manager, *memory.Driver) {
	t.Helper()
	drv := memory.NewDriver(memory.Config{})
	m := NewManager(drv, opts, logging.Nop(), nil)
	t.Cleanup(func() {
		_ = m.Close(context.Background())
		_ = drv.Close()
	})
	return m, drv
}

func onlyHandle(t *testing.T, drv *memory.Driver) *memory.Handle {
	t.Helper()
	handles := drv.Handles()
	require.Len(t, handles, 1)
	return handles[0]
}

// serveAsync runs Serve in the background and returns its result channel.
func serveAsync(m *Manager, id string, conn Conn) <-chan error {
	errc := make(chan error, 1)
	go func() {
		errc <- m.Serve(context.Background(), id, conn)
	}()
	return errc
}

func waitServe(t *testing.T, errc <-chan error) error {
	t.Helper()
	select {
	case err := <-errc:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return")
		return nil
	}
}
