package ipc

import (
	"context"
	"time"
)

const (
	wsPingInterval = 20 * time.Second
	wsPingTimeout  = 5 * time.Second
)

type pinger interface {
	Ping(ctx context.Context) error
}

// startWSPing keeps conn alive until ctx ends. onFail runs once, on the
// first ping that gets no pong in time.
func startWSPing(ctx context.Context, conn pinger, onFail func(error)) {
	startWSPingEvery(ctx, conn, wsPingInterval, onFail)
}

func startWSPingEvery(ctx context.Context, conn pinger, interval time.Duration, onFail func(error)) {
	if conn == nil {
		return
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				pingCtx, cancel := context.WithTimeout(ctx, wsPingTimeout)
				err := conn.Ping(pingCtx)
				cancel()
				if err != nil && ctx.Err() == nil {
					if onFail != nil {
						onFail(err)
					}
					return
				}
			}
		}
	}()
}
