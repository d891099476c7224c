package browser

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestViewportValidate(t *testing.T) {
	tests := []struct {
		name    string
		vp      Viewport
		wantErr bool
	}{
		{"valid", Viewport{Width: 1280, Height: 720}, false},
		{"one by one", Viewport{Width: 1, Height: 1}, false},
		{"zero width", Viewport{Width: 0, Height: 720}, true},
		{"negative height", Viewport{Width: 1280, Height: -1}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.vp.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestOpenOptionsWithDefaults(t *testing.T) {
	opts := OpenOptions{Viewport: Viewport{Width: 640, Height: 480}}.WithDefaults()
	assert.Equal(t, "about:blank", opts.URL)
	assert.Equal(t, 640, opts.Viewport.Width)
	assert.Equal(t, 480, opts.Viewport.Height)
	assert.Equal(t, 1.0, opts.Viewport.DeviceScaleFactor)

	zero := OpenOptions{URL: "https://example.com"}.WithDefaults()
	assert.Error(t, zero.Viewport.Validate(), "explicit zero dims must survive defaults")
}

func TestActionIsPointer(t *testing.T) {
	assert.True(t, Action{Type: ActionClick}.IsPointer())
	assert.True(t, Action{Type: ActionScroll}.IsPointer())
	assert.False(t, Action{Type: ActionInsertText}.IsPointer())
	assert.False(t, Action{Type: ActionNavigate}.IsPointer())
}

func TestIsRetryableError(t *testing.T) {
	assert.False(t, IsRetryableError(nil))
	assert.True(t, IsRetryableError(WrapDriverError("capture", "screenshot", context.DeadlineExceeded)))
	assert.True(t, IsRetryableError(WrapDriverError("dispatch", "mouse", errors.New("boom"))))
	assert.False(t, IsRetryableError(WrapDriverError("capture", "screenshot", ErrHandleClosed)))
	assert.False(t, IsRetryableError(errors.New("plain")))
}

func TestDriverErrorFormatting(t *testing.T) {
	err := WrapDriverError("resize", "set metrics", errors.New("target closed"))
	assert.Contains(t, err.Error(), "resize")
	assert.Contains(t, err.Error(), "target closed")
	assert.Equal(t, "failed", err.Code)

	bare := NewDriverError("open", "unsupported", "no page")
	assert.NotContains(t, bare.Error(), "<nil>")

	wrapped := fmt.Errorf("open: %w", ErrCapacity)
	assert.True(t, IsUnavailable(wrapped))
	assert.False(t, IsUnavailable(nil))
}
