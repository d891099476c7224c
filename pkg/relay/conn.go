package relay

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/odvcencio/browserrelay/pkg/logging"
)

// CloseReason tells the transport why the relay is closing a connection.
type CloseReason int

const (
	// CloseNormal ends a connection without error.
	CloseNormal CloseReason = iota
	// CloseGoingAway is used when the server shuts down.
	CloseGoingAway
	// ClosePreempted means another client attached to the session.
	ClosePreempted
	// CloseSessionEnded means the session was destroyed or failed.
	CloseSessionEnded
	// CloseRejected means the attachment was refused.
	CloseRejected
)

// Conn is a persistent duplex message transport. Read is only called from
// one goroutine; Write and Close may be called concurrently.
type Conn interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, payload []byte) error
	Close(reason CloseReason, text string) error
}

var errConnClosed = errors.New("connection closed")

const terminalWriteTimeout = time.Second

// maxPendingNotices bounds queued non-terminal error messages. Further
// notices are dropped until the queue drains.
const maxPendingNotices = 8

// attachment is one connection bound to a session.
type attachment struct {
	id     string
	conn   Conn
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	log    *logging.Logger

	writeTimeout time.Duration

	writeMu sync.Mutex
	closed  bool

	noticeMu    sync.Mutex
	notices     [][]byte
	noticeReady chan struct{}
}

func newAttachment(parent context.Context, id string, conn Conn, writeTimeout time.Duration, log *logging.Logger) *attachment {
	ctx, cancel := context.WithCancel(parent)
	return &attachment{
		id:           id,
		conn:         conn,
		ctx:          ctx,
		cancel:       cancel,
		done:         make(chan struct{}),
		log:          log,
		writeTimeout: writeTimeout,
		noticeReady:  make(chan struct{}, 1),
	}
}

// send writes one message. Writes are serialized so a terminal message is
// always the last thing the client sees. Queued notices go out first.
func (a *attachment) send(payload []byte) error {
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	if a.closed {
		return errConnClosed
	}
	a.flushNoticesLocked(a.ctx, a.writeTimeout)
	ctx, cancel := context.WithTimeout(a.ctx, a.writeTimeout)
	defer cancel()
	return a.conn.Write(ctx, payload)
}

// sendError queues a non-terminal error for the client and returns without
// waiting on the transport. A full queue drops the message.
func (a *attachment) sendError(message string) {
	payload := marshalError(message)
	a.noticeMu.Lock()
	if len(a.notices) >= maxPendingNotices {
		a.noticeMu.Unlock()
		a.log.Debug("error message dropped", slog.String("message", message))
		return
	}
	a.notices = append(a.notices, payload)
	a.noticeMu.Unlock()
	select {
	case a.noticeReady <- struct{}{}:
	default:
	}
}

// flushNotices writes queued notices when no frame is going out.
func (a *attachment) flushNotices() {
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	if a.closed {
		return
	}
	a.flushNoticesLocked(a.ctx, a.writeTimeout)
}

// flushNoticesLocked requires writeMu.
func (a *attachment) flushNoticesLocked(parent context.Context, timeout time.Duration) {
	a.noticeMu.Lock()
	pending := a.notices
	a.notices = nil
	a.noticeMu.Unlock()
	for _, payload := range pending {
		ctx, cancel := context.WithTimeout(parent, timeout)
		err := a.conn.Write(ctx, payload)
		cancel()
		if err != nil {
			a.log.Debug("error message not delivered", slog.String("error", err.Error()))
			return
		}
	}
}

// terminate optionally sends a final error message, then closes the
// transport and cancels the connection context. It is idempotent.
func (a *attachment) terminate(reason CloseReason, message string) {
	a.writeMu.Lock()
	if a.closed {
		a.writeMu.Unlock()
		return
	}
	a.closed = true
	if message != "" {
		a.flushNoticesLocked(context.Background(), terminalWriteTimeout)
		ctx, cancel := context.WithTimeout(context.Background(), terminalWriteTimeout)
		if err := a.conn.Write(ctx, marshalError(message)); err != nil {
			a.log.Debug("terminal message not delivered", slog.String("error", err.Error()))
		}
		cancel()
	}
	a.writeMu.Unlock()

	a.cancel()
	if err := a.conn.Close(reason, message); err != nil {
		a.log.Debug("close connection", slog.String("error", err.Error()))
	}
}

// wait blocks until the connection goroutines exit or grace elapses.
func (a *attachment) wait(grace time.Duration) bool {
	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-a.done:
		return true
	case <-timer.C:
		return false
	}
}
