package relay

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/odvcencio/browserrelay/pkg/browser"
	"github.com/odvcencio/browserrelay/pkg/logging"
	"github.com/odvcencio/browserrelay/pkg/session"
	"github.com/odvcencio/browserrelay/pkg/telemetry"
)

// HandleOpener allocates browser handles. Both browser.Driver and
// *browser.Pool satisfy it.
type HandleOpener interface {
	Open(ctx context.Context, opts browser.OpenOptions) (browser.Handle, error)
}

// CreateRequest describes a new session.
type CreateRequest struct {
	Viewport browser.Viewport
	URL      string
}

// Manager owns every live session and the index that maps ids to them.
type Manager struct {
	opts   Options
	opener HandleOpener
	log    *logging.Logger
	hub    *telemetry.Hub
	tracer trace.Tracer

	mu       sync.RWMutex
	sessions map[string]*Session
	// gone remembers recently closed ids so late lookups can tell a
	// finished session from one that never existed.
	gone map[string]time.Time
	keys keyedMutex

	closed atomic.Bool
	wg     sync.WaitGroup
}

// NewManager creates a session manager. hub may be nil.
func NewManager(opener HandleOpener, opts Options, log *logging.Logger, hub *telemetry.Hub) *Manager {
	if log == nil {
		log = logging.Nop()
	}
	return &Manager{
		opts:     opts.withDefaults(),
		opener:   opener,
		log:      log.WithComponent("relay"),
		hub:      hub,
		tracer:   otel.Tracer("github.com/odvcencio/browserrelay/pkg/relay"),
		sessions: make(map[string]*Session),
		gone:     make(map[string]time.Time),
	}
}

// Options returns the effective options.
func (m *Manager) Options() Options { return m.opts }

// Create opens a browser handle and registers a new session. The session
// starts Disconnected, waiting for a connection.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (*Session, error) {
	ctx, span := m.tracer.Start(ctx, "relay.Create")
	defer span.End()

	vp := req.Viewport
	if err := vp.Validate(); err != nil {
		span.SetStatus(codes.Error, "invalid viewport")
		return nil, errInvalidViewport(vp, err)
	}
	if limit := m.opts.MaxViewport; limit.Width > 0 && limit.Height > 0 && (vp.Width > limit.Width || vp.Height > limit.Height) {
		span.SetStatus(codes.Error, "viewport too large")
		return nil, errInvalidViewport(vp, errViewportTooLarge(m.opts.MaxViewport))
	}
	if vp.DeviceScaleFactor == 0 {
		vp.DeviceScaleFactor = 1
	}
	if m.closed.Load() || m.opener == nil {
		return nil, errDriver(browser.ErrUnavailable)
	}
	url := req.URL
	if url == "" {
		url = m.opts.DefaultURL
	}

	id := session.NewID()
	span.SetAttributes(attribute.String("session.id", id), attribute.String("viewport", vp.String()))
	unlock := m.keys.lock(id)
	defer unlock()

	s := newSession(id, vp, m.opts.Now)
	m.mu.Lock()
	// Close flips closed under mu before its snapshot, so a session
	// inserted here is always torn down by it.
	if m.closed.Load() {
		m.mu.Unlock()
		return nil, errDriver(browser.ErrUnavailable)
	}
	m.sessions[id] = s
	m.mu.Unlock()

	handle, err := m.opener.Open(ctx, browser.OpenOptions{URL: url, Viewport: vp})
	if err != nil {
		m.mu.Lock()
		delete(m.sessions, id)
		m.mu.Unlock()
		s.markClosed()
		span.RecordError(err)
		span.SetStatus(codes.Error, "open failed")
		m.log.WithContext(ctx).Warn("browser open failed", slog.String("session_id", id), slog.String("error", err.Error()))
		return nil, errDriver(err)
	}
	s.ready(handle)

	m.log.WithContext(ctx).WithSession(id).Info("session created",
		slog.String("url", url),
		slog.String("viewport", vp.String()),
	)
	m.publish(telemetry.EventSessionCreated, id, "", map[string]any{
		"url":      url,
		"viewport": vp.String(),
	})
	return s, nil
}

// Get returns a session by id. Recently closed sessions yield SessionGone.
func (m *Manager) Get(id string) (*Session, error) {
	if s := m.lookup(id); s != nil {
		return s, nil
	}
	return nil, m.missing(id)
}

// List returns summaries of all indexed sessions, oldest first.
func (m *Manager) List() []Summary {
	sessions := m.snapshot()
	out := make([]Summary, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Summary())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of indexed sessions.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Destroy closes a session, force-closing any attached connection. It is
// idempotent: destroying an unknown session is not an error.
func (m *Manager) Destroy(ctx context.Context, id string) error {
	ctx, span := m.tracer.Start(ctx, "relay.Destroy", trace.WithAttributes(attribute.String("session.id", id)))
	defer span.End()
	destroyed := m.destroy(ctx, id, "destroyed", nil, CloseSessionEnded, "session closed")
	span.SetAttributes(attribute.Bool("destroyed", destroyed))
	return nil
}

// ReapIdle destroys Disconnected sessions idle for longer than the idle
// timeout and returns how many were removed.
func (m *Manager) ReapIdle(ctx context.Context) int {
	idle := m.opts.IdleTimeout
	reaped := 0
	for _, s := range m.snapshot() {
		if !s.idleSince(m.opts.Now(), idle) {
			continue
		}
		// Re-checked under the key lock: a connection may have attached.
		ok := m.destroy(ctx, s.id, "idle timeout", func(s *Session) bool {
			return s.idleSince(m.opts.Now(), idle)
		}, CloseSessionEnded, "")
		if ok {
			reaped++
			m.publish(telemetry.EventSessionReaped, s.id, "", map[string]any{"idle_timeout": idle.String()})
		}
	}
	m.pruneGone(m.opts.Now().Add(-idle))
	return reaped
}

// Run reaps idle sessions every ReapInterval until ctx is done.
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.opts.ReapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n := m.ReapIdle(ctx); n > 0 {
				m.log.Info("reaped idle sessions", slog.Int("count", n))
			}
		}
	}
}

// Close destroys every session and refuses new ones.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	first := m.closed.CompareAndSwap(false, true)
	m.mu.Unlock()
	if !first {
		return nil
	}
	var wg sync.WaitGroup
	for _, s := range m.snapshot() {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			m.destroy(ctx, id, "shutdown", nil, CloseGoingAway, "server shutting down")
		}(s.id)
	}
	wg.Wait()
	m.wg.Wait()
	return nil
}

func (m *Manager) lookup(id string) *Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessions[id]
}

func (m *Manager) missing(id string) error {
	m.mu.RLock()
	_, gone := m.gone[id]
	m.mu.RUnlock()
	if gone {
		return errSessionGone(id)
	}
	return errSessionNotFound(id)
}

func (m *Manager) pruneGone(before time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, closedAt := range m.gone {
		if closedAt.Before(before) {
			delete(m.gone, id)
		}
	}
}

func (m *Manager) snapshot() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}

// destroy tears a session down under its key lock. cond, when set, must
// hold for the session at lock time.
func (m *Manager) destroy(ctx context.Context, id, reason string, cond func(*Session) bool, closeReason CloseReason, clientMessage string) bool {
	unlock := m.keys.lock(id)
	defer unlock()

	s := m.lookup(id)
	if s == nil {
		return false
	}
	if cond != nil && !cond(s) {
		return false
	}
	m.teardown(ctx, s, reason, closeReason, clientMessage)
	return true
}

func (m *Manager) teardown(ctx context.Context, s *Session, reason string, closeReason CloseReason, clientMessage string) {
	log := m.log.WithContext(ctx).WithSession(s.id)
	if prev, first := s.beginClosing(reason); first {
		log.SessionState(prev.String(), StateClosing.String(), reason)
		m.publish(telemetry.EventSessionClosing, s.id, "", map[string]any{"reason": reason})
	}

	if att := s.detach(); att != nil {
		att.terminate(closeReason, clientMessage)
		if !att.wait(m.opts.CloseGrace) {
			log.Warn("connection did not stop within grace period; releasing browser",
				slog.String("conn_id", att.id),
				slog.Duration("grace", m.opts.CloseGrace),
			)
		}
	}

	if h := s.browserHandle(); h != nil {
		if err := h.Close(); err != nil {
			log.Warn("browser close failed", slog.String("error", err.Error()))
		}
	}

	m.mu.Lock()
	delete(m.sessions, s.id)
	m.gone[s.id] = m.opts.Now()
	m.mu.Unlock()
	s.markClosed()

	log.SessionState(StateClosing.String(), StateClosed.String(), s.CloseReason())
	m.publish(telemetry.EventSessionClosed, s.id, "", map[string]any{"reason": s.CloseReason()})
}

// fail moves the session to Closing after an unrecoverable error on att,
// tells the client once, and finishes teardown in the background so the
// calling connection goroutine can exit.
func (m *Manager) fail(s *Session, att *attachment, cause error) {
	if s.current() != att {
		return
	}
	reason := "failed: " + cause.Error()
	prev, first := s.beginClosing(reason)
	if !first {
		return
	}
	log := m.log.WithSession(s.id).WithConn(att.id)
	log.Error("session failed", slog.String("error", cause.Error()))
	log.SessionState(prev.String(), StateClosing.String(), reason)
	m.publish(telemetry.EventSessionClosing, s.id, att.id, map[string]any{"reason": reason})

	att.terminate(CloseSessionEnded, "session closed: browser stopped responding")

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.destroy(context.Background(), s.id, reason, nil, CloseSessionEnded, "")
	}()
}

func (m *Manager) publish(typ telemetry.EventType, sessionID, connID string, data map[string]any) {
	if m.hub == nil {
		return
	}
	m.hub.Publish(telemetry.Event{
		Type:      typ,
		Timestamp: m.opts.Now(),
		SessionID: sessionID,
		ConnID:    connID,
		Data:      data,
	})
}
