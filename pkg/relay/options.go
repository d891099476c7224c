package relay

import (
	"fmt"
	"strings"
	"time"

	"github.com/odvcencio/browserrelay/pkg/browser"
)

// AttachPolicy decides what happens when a connection attaches to a
// session that already has one.
type AttachPolicy string

const (
	// AttachPreempt closes the existing connection; the latest client wins.
	AttachPreempt AttachPolicy = "preempt"
	// AttachReject refuses the new connection while one is attached.
	AttachReject AttachPolicy = "reject"
)

// ParseAttachPolicy parses a policy name, defaulting to preempt.
func ParseAttachPolicy(raw string) (AttachPolicy, error) {
	switch AttachPolicy(strings.ToLower(strings.TrimSpace(raw))) {
	case "", AttachPreempt:
		return AttachPreempt, nil
	case AttachReject:
		return AttachReject, nil
	default:
		return "", fmt.Errorf("unknown attach policy %q", raw)
	}
}

// StreamOptions tunes the frame streamer.
type StreamOptions struct {
	// Quality is the JPEG quality, 1-100.
	Quality int
	// BaseInterval is the target interval between frames on a fast link.
	BaseInterval time.Duration
	// MaxInterval caps how far pacing may back off.
	MaxInterval time.Duration
	// SlowSendThreshold is the send latency above which pacing backs off.
	SlowSendThreshold time.Duration
	// RetryBackoff is the pause before the single retry of a failed
	// capture or send.
	RetryBackoff time.Duration
	// FailureThreshold is the number of consecutive failed attempts after
	// which the session is closed.
	FailureThreshold int
	// WriteTimeout bounds a single frame send.
	WriteTimeout time.Duration
}

// Options configures the session manager and connection handler.
type Options struct {
	IdleTimeout  time.Duration
	ReapInterval time.Duration
	AttachPolicy AttachPolicy
	// CloseGrace bounds how long destroy waits for connection goroutines
	// before releasing the browser handle.
	CloseGrace time.Duration
	// InputFailureThreshold is the number of consecutive dispatch failures
	// after which the session is closed.
	InputFailureThreshold int
	DefaultViewport       browser.Viewport
	// MaxViewport caps created and resized viewports. Zero leaves them
	// unbounded.
	MaxViewport browser.Viewport
	DefaultURL  string
	Stream      StreamOptions

	// Now overrides the clock; nil means time.Now.
	Now func() time.Time
}

// DefaultOptions returns the recommended relay settings.
func DefaultOptions() Options {
	return Options{
		IdleTimeout:           5 * time.Minute,
		ReapInterval:          time.Minute,
		AttachPolicy:          AttachPreempt,
		CloseGrace:            2 * time.Second,
		InputFailureThreshold: 10,
		DefaultViewport:       browser.Viewport{Width: 1280, Height: 720, DeviceScaleFactor: 1},
		DefaultURL:            "about:blank",
		Stream: StreamOptions{
			Quality:           50,
			BaseInterval:      100 * time.Millisecond,
			MaxInterval:       2 * time.Second,
			SlowSendThreshold: 200 * time.Millisecond,
			RetryBackoff:      50 * time.Millisecond,
			FailureThreshold:  10,
			WriteTimeout:      10 * time.Second,
		},
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.IdleTimeout > 0 {
		d.IdleTimeout = o.IdleTimeout
	}
	if o.ReapInterval > 0 {
		d.ReapInterval = o.ReapInterval
	}
	if o.AttachPolicy != "" {
		d.AttachPolicy = o.AttachPolicy
	}
	if o.CloseGrace > 0 {
		d.CloseGrace = o.CloseGrace
	}
	if o.InputFailureThreshold > 0 {
		d.InputFailureThreshold = o.InputFailureThreshold
	}
	if o.DefaultViewport.Width > 0 && o.DefaultViewport.Height > 0 {
		d.DefaultViewport = o.DefaultViewport
	}
	if o.MaxViewport.Width > 0 && o.MaxViewport.Height > 0 {
		d.MaxViewport = o.MaxViewport
	}
	if o.DefaultURL != "" {
		d.DefaultURL = o.DefaultURL
	}
	d.Stream = o.Stream.withDefaults(d.Stream)
	d.Now = o.Now
	if d.Now == nil {
		d.Now = time.Now
	}
	return d
}

func (s StreamOptions) withDefaults(d StreamOptions) StreamOptions {
	if s.Quality > 0 && s.Quality <= 100 {
		d.Quality = s.Quality
	}
	if s.BaseInterval > 0 {
		d.BaseInterval = s.BaseInterval
	}
	if s.MaxInterval > 0 {
		d.MaxInterval = s.MaxInterval
	}
	if d.MaxInterval < d.BaseInterval {
		d.MaxInterval = d.BaseInterval
	}
	if s.SlowSendThreshold > 0 {
		d.SlowSendThreshold = s.SlowSendThreshold
	}
	if s.RetryBackoff > 0 {
		d.RetryBackoff = s.RetryBackoff
	}
	if s.FailureThreshold > 0 {
		d.FailureThreshold = s.FailureThreshold
	}
	if s.WriteTimeout > 0 {
		d.WriteTimeout = s.WriteTimeout
	}
	return d
}
