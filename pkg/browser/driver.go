package browser

import "context"

// Driver allocates browser handles. Implementations must be safe for
// concurrent use.
//
//go:generate mockgen -package=browser -destination=mock_driver_test.go github.com/odvcencio/browserrelay/pkg/browser Driver,Handle
type Driver interface {
	Open(ctx context.Context, opts OpenOptions) (Handle, error)
	Close() error
}

// Handle is one running, controllable browser page. A handle is used by a
// single owner; Close is idempotent.
type Handle interface {
	ID() string
	CaptureFrame(ctx context.Context, quality int) (Frame, error)
	Dispatch(ctx context.Context, action Action) error
	Resize(ctx context.Context, viewport Viewport) error
	Close() error
}
