// Package chrome drives headless Chrome through the DevTools protocol.
package chrome

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/go-rod/rod/lib/proto"

	"github.com/odvcencio/browserrelay/pkg/browser"
)

// Driver is a browser.Driver backed by one shared Chrome process. Every
// handle gets its own incognito context.
type Driver struct {
	cfg Config

	mu       sync.Mutex
	browser  *rod.Browser
	launcher *launcher.Launcher
	closed   bool
}

// NewDriver creates a Chrome driver. The browser is launched lazily on the
// first Open.
func NewDriver(cfg Config) (*Driver, error) {
	merged := cfg.withDefaults()
	if err := merged.Validate(); err != nil {
		return nil, err
	}
	return &Driver{cfg: merged}, nil
}

// Open creates an isolated page at opts.URL with the requested viewport.
func (d *Driver) Open(ctx context.Context, opts browser.OpenOptions) (browser.Handle, error) {
	b, err := d.ensureBrowser(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", browser.ErrUnavailable, err)
	}

	incognito, err := b.Incognito()
	if err != nil {
		return nil, fmt.Errorf("%w: incognito context: %v", browser.ErrUnavailable, err)
	}
	page, err := incognito.Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		_ = incognito.Close()
		return nil, fmt.Errorf("%w: create page: %v", browser.ErrUnavailable, err)
	}

	h := &Handle{
		id:        string(page.TargetID),
		page:      page,
		incognito: incognito,
		cfg:       d.cfg,
		viewport:  opts.Viewport,
	}
	if err := h.prepare(ctx, opts); err != nil {
		_ = h.Close()
		return nil, err
	}
	return h, nil
}

// Close shuts down the shared browser process.
func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	var err error
	if d.browser != nil {
		err = d.browser.Close()
		d.browser = nil
	}
	if d.launcher != nil {
		d.launcher.Kill()
		d.launcher = nil
	}
	return err
}

func (d *Driver) ensureBrowser(ctx context.Context) (*rod.Browser, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, browser.ErrUnavailable
	}
	if d.browser != nil {
		return d.browser, nil
	}

	controlURL := d.cfg.ControlURL
	if controlURL == "" {
		l := launcher.New().Headless(d.cfg.Headless)
		if d.cfg.Bin != "" {
			l = l.Bin(d.cfg.Bin)
		}
		for _, rawFlag := range d.cfg.Flags {
			name, val, hasVal := strings.Cut(strings.TrimLeft(rawFlag, "-"), "=")
			if hasVal {
				l = l.Set(flags.Flag(name), val)
			} else {
				l = l.Set(flags.Flag(name))
			}
		}
		u, err := l.Launch()
		if err != nil {
			return nil, fmt.Errorf("launch chrome: %w", err)
		}
		d.launcher = l
		controlURL = u
	}

	// The browser outlives the request that launched it.
	b := rod.New().ControlURL(controlURL).Context(context.WithoutCancel(ctx))
	if err := b.Connect(); err != nil {
		if d.launcher != nil {
			d.launcher.Kill()
			d.launcher = nil
		}
		return nil, fmt.Errorf("connect to chrome: %w", err)
	}
	d.browser = b
	return b, nil
}
