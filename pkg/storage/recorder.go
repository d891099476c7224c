package storage

import (
	"context"
	"log/slog"

	"github.com/odvcencio/browserrelay/pkg/logging"
	"github.com/odvcencio/browserrelay/pkg/telemetry"
)

// Recorder journals telemetry hub events into a Store.
type Recorder struct {
	store *Store
	hub   *telemetry.Hub
	log   *logging.Logger
}

// NewRecorder builds a recorder for hub events.
func NewRecorder(store *Store, hub *telemetry.Hub, log *logging.Logger) *Recorder {
	if log == nil {
		log = logging.Nop()
	}
	return &Recorder{store: store, hub: hub, log: log.WithComponent("journal")}
}

// Run records events until ctx is cancelled or the hub closes. Write
// failures are logged and skipped.
func (r *Recorder) Run(ctx context.Context) error {
	events, unsubscribe := r.hub.Subscribe(telemetry.HasSession())
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			// Journal writes outlive request cancellation.
			if err := r.store.Record(context.WithoutCancel(ctx), ev); err != nil {
				r.log.Warn("journal write failed",
					slog.String("session_id", ev.SessionID),
					slog.String("type", string(ev.Type)),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}
