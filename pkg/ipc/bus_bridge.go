package ipc

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"

	"github.com/odvcencio/browserrelay/pkg/bus"
	relayerrors "github.com/odvcencio/browserrelay/pkg/errors"
	"github.com/odvcencio/browserrelay/pkg/logging"
	"github.com/odvcencio/browserrelay/pkg/relay"
	"github.com/odvcencio/browserrelay/pkg/telemetry"
)

// BusBridge publishes relay lifecycle events to the MessageBus and answers
// control requests from it.
//
// Subjects, under the configured prefix:
//
//	<prefix>.events.<event type>   lifecycle events, e.g. browserrelay.events.session.closed
//	<prefix>.control.list          request: reply with session summaries
//	<prefix>.control.create        request: {"viewportWidth","viewportHeight","startUrl"}
//	<prefix>.control.destroy       request: {"sessionId"}
type BusBridge struct {
	bus       bus.MessageBus
	telemetry *telemetry.Hub
	manager   *relay.Manager
	prefix    string
	log       *logging.Logger

	mu   sync.Mutex
	subs []bus.Subscription
}

// NewBusBridge creates a bridge. A nil manager disables control subjects.
func NewBusBridge(b bus.MessageBus, hub *telemetry.Hub, manager *relay.Manager, prefix string, log *logging.Logger) *BusBridge {
	prefix = strings.Trim(strings.TrimSpace(prefix), ".")
	if prefix == "" {
		prefix = "browserrelay"
	}
	if log == nil {
		log = logging.Nop()
	}
	return &BusBridge{
		bus:       b,
		telemetry: hub,
		manager:   manager,
		prefix:    prefix,
		log:       log.WithComponent("bus"),
	}
}

// EventSubject returns the subject an event type is published on.
func (br *BusBridge) EventSubject(typ telemetry.EventType) string {
	return br.prefix + ".events." + string(typ)
}

// ControlSubject returns the request subject for a control verb.
func (br *BusBridge) ControlSubject(verb string) string {
	return br.prefix + ".control." + verb
}

// Start subscribes to control subjects and forwards telemetry events to the
// bus until ctx is cancelled.
func (br *BusBridge) Start(ctx context.Context) error {
	if br.manager != nil {
		handlers := map[string]bus.MessageHandler{
			"list":    br.handleList,
			"create":  br.handleCreate(ctx),
			"destroy": br.handleDestroy(ctx),
		}
		for verb, handler := range handlers {
			sub, err := br.bus.Subscribe(ctx, br.ControlSubject(verb), handler)
			if err != nil {
				br.Stop()
				return err
			}
			br.mu.Lock()
			br.subs = append(br.subs, sub)
			br.mu.Unlock()
		}
	}

	if br.telemetry != nil {
		events, unsubscribe := br.telemetry.Subscribe()
		go func() {
			defer unsubscribe()
			for {
				select {
				case <-ctx.Done():
					return
				case ev, ok := <-events:
					if !ok {
						return
					}
					br.publishEvent(ctx, ev)
				}
			}
		}()
	}
	return nil
}

// Stop unsubscribes from all MessageBus subjects.
func (br *BusBridge) Stop() {
	br.mu.Lock()
	defer br.mu.Unlock()

	for _, sub := range br.subs {
		_ = sub.Unsubscribe()
	}
	br.subs = nil
}

func (br *BusBridge) publishEvent(ctx context.Context, ev telemetry.Event) {
	data, err := json.Marshal(eventFromTelemetry(ev))
	if err != nil {
		return
	}
	if err := br.bus.Publish(ctx, br.EventSubject(ev.Type), data); err != nil && ctx.Err() == nil {
		br.log.Warn("event publish failed",
			slog.String("type", string(ev.Type)),
			slog.String("session_id", ev.SessionID),
			slog.String("error", err.Error()),
		)
	}
}

type controlReply struct {
	Status    string          `json:"status,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
	Sessions  []relay.Summary `json:"sessions,omitempty"`
	Count     *int            `json:"count,omitempty"`
	Error     string          `json:"error,omitempty"`
	Code      string          `json:"code,omitempty"`
}

func encodeReply(reply controlReply) []byte {
	data, err := json.Marshal(reply)
	if err != nil {
		return []byte(`{"error":"internal error","code":"INTERNAL"}`)
	}
	return data
}

func errorReply(err error) []byte {
	message := err.Error()
	if relayErr, ok := relayerrors.As(err); ok {
		message = relayErr.ClientMessage()
	}
	return encodeReply(controlReply{Error: message, Code: string(relayerrors.GetCode(err))})
}

func (br *BusBridge) handleList(*bus.Message) []byte {
	sessions := br.manager.List()
	count := len(sessions)
	return encodeReply(controlReply{Status: "ok", Sessions: sessions, Count: &count})
}

func (br *BusBridge) handleCreate(ctx context.Context) bus.MessageHandler {
	return func(msg *bus.Message) []byte {
		var req createSessionRequest
		if len(msg.Data) > 0 {
			if err := json.Unmarshal(msg.Data, &req); err != nil {
				return errorReply(relayerrors.Wrap(err, relayerrors.ErrCodeInvalidInput, "invalid create request").
					WithUserMessage("invalid create request"))
			}
		}
		sess, err := br.manager.Create(ctx, relay.CreateRequest{
			Viewport: req.viewport(br.manager.Options().DefaultViewport),
			URL:      req.StartURL,
		})
		if err != nil {
			return errorReply(err)
		}
		return encodeReply(controlReply{Status: "created", SessionID: sess.ID()})
	}
}

func (br *BusBridge) handleDestroy(ctx context.Context) bus.MessageHandler {
	return func(msg *bus.Message) []byte {
		var req struct {
			SessionID string `json:"sessionId"`
		}
		if err := json.Unmarshal(msg.Data, &req); err != nil || strings.TrimSpace(req.SessionID) == "" {
			return errorReply(relayerrors.New(relayerrors.ErrCodeInvalidInput, "sessionId required").
				WithUserMessage("sessionId required"))
		}
		if _, err := br.manager.Get(req.SessionID); err != nil {
			return errorReply(err)
		}
		if err := br.manager.Destroy(ctx, req.SessionID); err != nil {
			return errorReply(err)
		}
		return encodeReply(controlReply{Status: "deleted", SessionID: req.SessionID})
	}
}
