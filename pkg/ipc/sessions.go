package ipc

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/odvcencio/browserrelay/pkg/browser"
	relayerrors "github.com/odvcencio/browserrelay/pkg/errors"
	"github.com/odvcencio/browserrelay/pkg/relay"
)

// createSessionRequest is the body of POST /api/sessions. Absent fields
// take server defaults; present ones are validated as given.
type createSessionRequest struct {
	ViewportWidth     *int     `json:"viewportWidth"`
	ViewportHeight    *int     `json:"viewportHeight"`
	DeviceScaleFactor *float64 `json:"deviceScaleFactor"`
	StartURL          string   `json:"startUrl"`
}

type createSessionResponse struct {
	SessionID string           `json:"sessionId"`
	Status    string           `json:"status"`
	Viewport  browser.Viewport `json:"viewport"`
	WebSocket string           `json:"websocket"`
	Session   relay.Summary    `json:"session"`
}

type listSessionsResponse struct {
	Count    int             `json:"count"`
	Sessions []relay.Summary `json:"sessions"`
}

// mergeQuery fills fields missing from the body with query parameters,
// accepting camelCase and snake_case names.
func (req *createSessionRequest) mergeQuery(r *http.Request) error {
	q := r.URL.Query()
	intParam := func(dst **int, names ...string) error {
		if *dst != nil {
			return nil
		}
		for _, name := range names {
			raw := strings.TrimSpace(q.Get(name))
			if raw == "" {
				continue
			}
			v, err := strconv.Atoi(raw)
			if err != nil {
				return relayerrors.Wrap(err, relayerrors.ErrCodeInvalidViewport, "invalid "+name).
					WithUserMessage(name + " must be an integer")
			}
			*dst = &v
			return nil
		}
		return nil
	}
	if err := intParam(&req.ViewportWidth, "viewportWidth", "viewport_width"); err != nil {
		return err
	}
	if err := intParam(&req.ViewportHeight, "viewportHeight", "viewport_height"); err != nil {
		return err
	}
	if req.StartURL == "" {
		req.StartURL = strings.TrimSpace(q.Get("startUrl"))
	}
	if req.StartURL == "" {
		req.StartURL = strings.TrimSpace(q.Get("start_url"))
	}
	return nil
}

func (req createSessionRequest) viewport(def browser.Viewport) browser.Viewport {
	vp := def
	if req.ViewportWidth != nil {
		vp.Width = *req.ViewportWidth
	}
	if req.ViewportHeight != nil {
		vp.Height = *req.ViewportHeight
	}
	if req.DeviceScaleFactor != nil {
		vp.DeviceScaleFactor = *req.DeviceScaleFactor
	}
	return vp
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	if s.createLimiter != nil && !s.createLimiter.Allow() {
		metricSessionsCreated.WithLabelValues("rate_limited").Inc()
		respondRelayError(w, relayerrors.New(relayerrors.ErrCodeRateLimited, "session creation rate exceeded").
			WithRetryable(true).
			WithUserMessage("too many sessions created; slow down"))
		return
	}

	var req createSessionRequest
	if status, err := decodeJSONBody(w, r, &req, maxBodyBytesCreate, true); err != nil {
		metricSessionsCreated.WithLabelValues("bad_request").Inc()
		respondError(w, status, relayerrors.Wrap(err, relayerrors.ErrCodeInvalidInput, "invalid request body").
			WithUserMessage(err.Error()))
		return
	}
	if err := req.mergeQuery(r); err != nil {
		metricSessionsCreated.WithLabelValues("bad_request").Inc()
		respondRelayError(w, err)
		return
	}

	opts := s.manager.Options()
	sess, err := s.manager.Create(r.Context(), relay.CreateRequest{
		Viewport: req.viewport(opts.DefaultViewport),
		URL:      req.StartURL,
	})
	if err != nil {
		metricSessionsCreated.WithLabelValues(strings.ToLower(string(relayerrors.GetCode(err)))).Inc()
		s.log.WithContext(r.Context()).Info("session create refused", slog.String("error", err.Error()))
		respondRelayError(w, err)
		return
	}
	metricSessionsCreated.WithLabelValues("created").Inc()

	respondJSON(w, http.StatusCreated, createSessionResponse{
		SessionID: sess.ID(),
		Status:    "created",
		Viewport:  sess.Viewport(),
		WebSocket: "/api/ws/" + sess.ID(),
		Session:   sess.Summary(),
	})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions := s.manager.List()
	respondJSON(w, http.StatusOK, listSessionsResponse{Count: len(sessions), Sessions: sessions})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.manager.Get(strings.TrimSpace(chi.URLParam(r, "sessionID")))
	if err != nil {
		respondRelayError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, sess.Summary())
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimSpace(chi.URLParam(r, "sessionID"))
	if _, err := s.manager.Get(sessionID); err != nil {
		respondRelayError(w, err)
		return
	}
	if err := s.manager.Destroy(r.Context(), sessionID); err != nil {
		respondRelayError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "deleted", "sessionId": sessionID})
}

func (s *Server) handleListHistory(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		httpError(w, "session journal disabled", http.StatusNotFound)
		return
	}
	limit := parseIntDefault(r.URL.Query().Get("limit"), 100)
	openOnly := r.URL.Query().Get("open") == "true" || r.URL.Query().Get("open") == "1"
	records, err := s.journal.ListSessions(r.Context(), limit, openOnly)
	if err != nil {
		s.log.Warn("journal list failed", slog.String("error", err.Error()))
		respondRelayError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"count": len(records), "sessions": records})
}

func (s *Server) handleGetHistory(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		httpError(w, "session journal disabled", http.StatusNotFound)
		return
	}
	sessionID := strings.TrimSpace(chi.URLParam(r, "sessionID"))
	record, err := s.journal.GetSession(r.Context(), sessionID)
	if err != nil {
		respondRelayError(w, err)
		return
	}
	if record == nil {
		httpError(w, "session not in journal", http.StatusNotFound)
		return
	}
	events, err := s.journal.SessionEvents(r.Context(), sessionID, parseIntDefault(r.URL.Query().Get("limit"), 500))
	if err != nil {
		respondRelayError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"session": record, "events": events})
}
