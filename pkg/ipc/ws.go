package ipc

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-chi/chi/v5"
	"nhooyr.io/websocket"

	relayerrors "github.com/odvcencio/browserrelay/pkg/errors"
	"github.com/odvcencio/browserrelay/pkg/relay"
)

// Application close codes sent on the session websocket.
const (
	statusPreempted      websocket.StatusCode = 4001
	statusSessionEnded   websocket.StatusCode = 4002
	statusAttachRejected websocket.StatusCode = 4009
	statusNotFound       websocket.StatusCode = 4004
	statusGone           websocket.StatusCode = 4010
)

func closeStatus(reason relay.CloseReason) websocket.StatusCode {
	switch reason {
	case relay.CloseGoingAway:
		return websocket.StatusGoingAway
	case relay.ClosePreempted:
		return statusPreempted
	case relay.CloseSessionEnded:
		return statusSessionEnded
	case relay.CloseRejected:
		return statusAttachRejected
	default:
		return websocket.StatusNormalClosure
	}
}

func closeStatusForError(err error) websocket.StatusCode {
	switch relayerrors.GetCode(err) {
	case relayerrors.ErrCodeSessionNotFound:
		return statusNotFound
	case relayerrors.ErrCodeSessionGone:
		return statusGone
	case relayerrors.ErrCodeAttachRejected:
		return statusAttachRejected
	default:
		return websocket.StatusInternalError
	}
}

// truncateCloseReason keeps text within the close frame limit without
// splitting a rune.
func truncateCloseReason(text string) string {
	if len(text) <= maxCloseReasonBytes {
		return text
	}
	cut := maxCloseReasonBytes
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	return text[:cut]
}

// relayConn adapts a websocket to relay.Conn.
type relayConn struct {
	conn *websocket.Conn
}

func (c *relayConn) Read(ctx context.Context) ([]byte, error) {
	_, data, err := c.conn.Read(ctx)
	return data, err
}

func (c *relayConn) Write(ctx context.Context, payload []byte) error {
	return c.conn.Write(ctx, websocket.MessageText, payload)
}

func (c *relayConn) Close(reason relay.CloseReason, text string) error {
	return c.conn.Close(closeStatus(reason), truncateCloseReason(text))
}

func (c *relayConn) Ping(ctx context.Context) error {
	return c.conn.Ping(ctx)
}

func (s *Server) handleSessionWS(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimSpace(chi.URLParam(r, "sessionID"))
	if !s.isWebSocketOriginAllowed(r) {
		httpError(w, "forbidden", http.StatusForbidden)
		return
	}
	if !s.wsLimiter.Acquire() {
		httpError(w, "too many connections", http.StatusTooManyRequests)
		return
	}
	defer s.wsLimiter.Release()

	// Origin is checked above so same-host and configured origins both pass.
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		s.log.Warn("websocket accept failed", slog.String("session_id", sessionID), slog.String("error", err.Error()))
		return
	}
	conn.SetReadLimit(s.cfg.ReadLimitBytes)
	metricWSConnections.Inc()
	defer metricWSConnections.Dec()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	rc := &relayConn{conn: conn}
	startWSPing(ctx, rc, func(err error) {
		s.log.Info("websocket ping failed", slog.String("session_id", sessionID), slog.String("error", err.Error()))
		_ = rc.Close(relay.CloseNormal, "ping timeout")
	})

	start := time.Now()
	if err := s.manager.Serve(ctx, sessionID, rc); err != nil {
		metricAttachRefused.WithLabelValues(string(relayerrors.GetCode(err))).Inc()
		message := err.Error()
		if relayErr, ok := relayerrors.As(err); ok {
			message = relayErr.ClientMessage()
		}
		writeCtx, writeCancel := context.WithTimeout(ctx, time.Second)
		_ = conn.Write(writeCtx, websocket.MessageText, relay.ErrorMessage(message))
		writeCancel()
		_ = conn.Close(closeStatusForError(err), truncateCloseReason(message))
		return
	}
	s.log.Debug("websocket closed",
		slog.String("session_id", sessionID),
		slog.Duration("duration", time.Since(start)),
	)
}

func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	if !s.isWebSocketOriginAllowed(r) {
		httpError(w, "forbidden", http.StatusForbidden)
		return
	}
	if !s.eventLimiter.Acquire() {
		httpError(w, "too many connections", http.StatusTooManyRequests)
		return
	}
	defer s.eventLimiter.Release()

	var filter func(Event) bool
	if sessionID := strings.TrimSpace(r.URL.Query().Get("sessionId")); sessionID != "" {
		filter = func(ev Event) bool { return ev.SessionID == sessionID }
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		s.log.Warn("event stream accept failed", slog.String("error", err.Error()))
		return
	}
	conn.SetReadLimit(maxWSReadBytesEventStream)

	// Observers never send; CloseRead handles control frames and cancels
	// ctx when the peer goes away.
	ctx := conn.CloseRead(r.Context())
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	startWSPing(ctx, conn, func(error) { cancel() })

	c := s.hub.register(conn, filter)
	defer s.hub.removeClient(c, websocket.StatusNormalClosure, "")

	if err := c.writeLoop(ctx); err != nil {
		c.close(websocket.StatusNormalClosure, "")
		return
	}
	s.hub.mu.RLock()
	status, reason := c.status, c.reason
	s.hub.mu.RUnlock()
	c.close(status, reason)
}
