package relay

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/odvcencio/browserrelay/pkg/session"
	"github.com/odvcencio/browserrelay/pkg/telemetry"
)

// Serve attaches conn to the session and relays frames and input until the
// connection ends, is preempted, or the session closes. It returns an error
// only when the attachment itself is refused; the caller should then report
// the error and close conn.
func (m *Manager) Serve(ctx context.Context, sessionID string, conn Conn) error {
	att, s, err := m.attach(ctx, sessionID, conn)
	if err != nil {
		return err
	}
	defer close(att.done)
	m.run(s, att)
	return nil
}

func (m *Manager) attach(ctx context.Context, id string, conn Conn) (*attachment, *Session, error) {
	ctx, span := m.tracer.Start(ctx, "relay.Attach", trace.WithAttributes(attribute.String("session.id", id)))
	defer span.End()

	unlock := m.keys.lock(id)
	defer unlock()

	s := m.lookup(id)
	if s == nil {
		err := m.missing(id)
		span.SetStatus(codes.Error, err.Error())
		return nil, nil, err
	}

	connID := session.NewConnID()
	log := m.log.WithSession(id).WithConn(connID)
	att := newAttachment(ctx, connID, conn, m.opts.Stream.WriteTimeout, log)
	prev, err := s.bind(att, m.opts.AttachPolicy == AttachReject)
	if err != nil {
		att.cancel()
		span.RecordError(err)
		span.SetStatus(codes.Error, "attach refused")
		return nil, nil, err
	}
	span.SetAttributes(attribute.String("conn.id", connID), attribute.Bool("preempted", prev != nil))

	if prev != nil {
		prev.terminate(ClosePreempted, "session opened in another connection")
		if !prev.wait(m.opts.CloseGrace) {
			log.Warn("preempted connection did not stop within grace period", slog.String("previous_conn_id", prev.id))
		}
		log.Info("preempted previous connection", slog.String("previous_conn_id", prev.id))
		m.publish(telemetry.EventSessionPreempted, id, prev.id, map[string]any{"by": connID})
	} else {
		log.SessionState(StateDisconnected.String(), StateActive.String(), "attached")
	}
	m.publish(telemetry.EventSessionAttached, id, connID, nil)
	return att, s, nil
}

// run drives one attachment: a streamer goroutine pushes frames while this
// goroutine reads and applies input.
func (m *Manager) run(s *Session, att *attachment) {
	handle := s.browserHandle()
	fail := func(err error) { m.fail(s, att, err) }

	st := newStreamer(s, handle, att, m.opts.Stream, att.log.WithComponent("streamer"), fail)
	st.onDegraded = func(interval time.Duration) {
		att.log.Info("frame pacing degraded", slog.Duration("interval", interval))
		m.publish(telemetry.EventStreamDegraded, s.id, att.id, map[string]any{"interval_ms": interval.Milliseconds()})
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		st.run(att.ctx)
	}()

	in := &inputRelay{
		sess:        s,
		handle:      handle,
		att:         att,
		log:         att.log.WithComponent("input"),
		maxViewport: m.opts.MaxViewport,
		threshold:   m.opts.InputFailureThreshold,
		onFatal:     fail,
		onFailure: func(kind MessageKind, err error) {
			m.publish(telemetry.EventInputFailed, s.id, att.id, map[string]any{
				"type":  string(kind),
				"error": err.Error(),
			})
		},
	}

	for {
		payload, err := att.conn.Read(att.ctx)
		if err != nil {
			if att.ctx.Err() == nil {
				att.log.Debug("connection read ended", slog.String("error", err.Error()))
			}
			break
		}
		if !in.process(att.ctx, payload) {
			break
		}
	}

	att.cancel()
	wg.Wait()

	if s.unbind(att) {
		att.log.SessionState(StateActive.String(), StateDisconnected.String(), "connection closed")
		m.publish(telemetry.EventSessionDetached, s.id, att.id, nil)
	}
	att.terminate(CloseNormal, "")
}
