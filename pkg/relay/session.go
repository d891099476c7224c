package relay

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/odvcencio/browserrelay/pkg/browser"
)

// State is a session lifecycle state.
type State int32

const (
	StateInitializing State = iota
	StateActive
	StateDisconnected
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateActive:
		return "active"
	case StateDisconnected:
		return "disconnected"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Session binds one browser handle to at most one live connection.
type Session struct {
	id        string
	createdAt time.Time
	now       func() time.Time
	done      chan struct{}

	mu           sync.Mutex
	handle       browser.Handle
	state        State
	viewport     browser.Viewport
	att          *attachment
	lastActivity time.Time
	closeReason  string

	frameSeq atomic.Uint64
}

func newSession(id string, viewport browser.Viewport, now func() time.Time) *Session {
	created := now()
	return &Session{
		id:           id,
		createdAt:    created,
		now:          now,
		done:         make(chan struct{}),
		state:        StateInitializing,
		viewport:     viewport,
		lastActivity: created,
	}
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// CreatedAt returns when the session was created.
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// Done is closed once the session reaches StateClosed.
func (s *Session) Done() <-chan struct{} { return s.done }

// FrameSeq returns the number of frames delivered so far.
func (s *Session) FrameSeq() uint64 { return s.frameSeq.Load() }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Viewport returns the viewport currently applied to the browser.
func (s *Session) Viewport() browser.Viewport {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.viewport
}

// LastActivity returns the time of the last inbound event or frame send.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// Attached reports whether a connection is currently bound.
func (s *Session) Attached() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.att != nil
}

// CloseReason returns why the session was closed, if it was.
func (s *Session) CloseReason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeReason
}

// Summary is a point-in-time view of a session.
type Summary struct {
	ID           string           `json:"id"`
	State        string           `json:"state"`
	Viewport     browser.Viewport `json:"viewport"`
	CreatedAt    time.Time        `json:"createdAt"`
	LastActivity time.Time        `json:"lastActivity"`
	Streaming    bool             `json:"streaming"`
	FrameSeq     uint64           `json:"frameSeq"`
}

// Summary returns a snapshot of the session.
func (s *Session) Summary() Summary {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Summary{
		ID:           s.id,
		State:        s.state.String(),
		Viewport:     s.viewport,
		CreatedAt:    s.createdAt,
		LastActivity: s.lastActivity,
		Streaming:    s.att != nil,
		FrameSeq:     s.frameSeq.Load(),
	}
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastActivity = s.now()
	s.mu.Unlock()
}

func (s *Session) recordFrame() uint64 {
	s.touch()
	return s.frameSeq.Add(1)
}

func (s *Session) setViewport(vp browser.Viewport) {
	s.mu.Lock()
	s.viewport = vp
	s.mu.Unlock()
}

// ready finishes initialization: the session is connectable but idle.
func (s *Session) ready(handle browser.Handle) {
	s.mu.Lock()
	s.handle = handle
	s.state = StateDisconnected
	s.lastActivity = s.now()
	s.mu.Unlock()
}

func (s *Session) browserHandle() browser.Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handle
}

// bind attaches att and returns the connection it replaced, if any. With
// reject set, an existing connection makes bind fail instead.
func (s *Session) bind(att *attachment, reject bool) (*attachment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StateClosing, StateClosed:
		return nil, errSessionGone(s.id)
	case StateInitializing:
		return nil, errSessionNotFound(s.id)
	}
	if reject && s.att != nil {
		return nil, errAttachRejected(s.id)
	}
	prev := s.att
	s.att = att
	s.state = StateActive
	s.lastActivity = s.now()
	return prev, nil
}

func (s *Session) current() *attachment {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.att
}

// unbind clears att if it is still the bound connection. It reports
// whether the session moved to Disconnected.
func (s *Session) unbind(att *attachment) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.att != att {
		return false
	}
	s.att = nil
	s.lastActivity = s.now()
	if s.state == StateActive {
		s.state = StateDisconnected
		return true
	}
	return false
}

// beginClosing moves the session to Closing. Only the first caller gets
// true; later callers find the transition already made.
func (s *Session) beginClosing(reason string) (State, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.state
	if prev == StateClosing || prev == StateClosed {
		return prev, false
	}
	s.state = StateClosing
	s.closeReason = reason
	return prev, true
}

// detach removes and returns the bound connection without changing state.
func (s *Session) detach() *attachment {
	s.mu.Lock()
	defer s.mu.Unlock()
	att := s.att
	s.att = nil
	return att
}

func (s *Session) markClosed() {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.state = StateClosed
	s.mu.Unlock()
	close(s.done)
}

// idleSince reports whether the session is Disconnected and has been idle
// for longer than timeout at now.
func (s *Session) idleSince(now time.Time, timeout time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateDisconnected && s.att == nil && now.Sub(s.lastActivity) > timeout
}
