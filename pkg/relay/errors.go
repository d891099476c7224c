package relay

import (
	"errors"
	"fmt"

	"github.com/odvcencio/browserrelay/pkg/browser"
	relayerrors "github.com/odvcencio/browserrelay/pkg/errors"
)

func errSessionNotFound(id string) error {
	return relayerrors.New(relayerrors.ErrCodeSessionNotFound, "session not found").
		WithContext("session_id", id).
		WithUserMessage("session not found")
}

func errSessionGone(id string) error {
	return relayerrors.New(relayerrors.ErrCodeSessionGone, "session is closing or closed").
		WithContext("session_id", id).
		WithUserMessage("session has ended; create a new one")
}

func errAttachRejected(id string) error {
	return relayerrors.New(relayerrors.ErrCodeAttachRejected, "session already has a connection").
		WithContext("session_id", id).
		WithUserMessage("session is in use by another client")
}

func errInvalidViewport(vp browser.Viewport, cause error) error {
	return relayerrors.Wrap(cause, relayerrors.ErrCodeInvalidViewport, "invalid viewport").
		WithContext("viewport", vp.String()).
		WithUserMessage("viewport width and height must be positive")
}

func errDriver(err error) error {
	if browser.IsUnavailable(err) {
		return relayerrors.Wrap(err, relayerrors.ErrCodeDriverUnavailable, "no browser capacity").
			WithRetryable(true).
			WithUserMessage("no browser available right now").
			WithRemediation("retry after a short delay")
	}
	return relayerrors.Wrap(err, relayerrors.ErrCodeDriverError, "browser failed").
		WithRetryable(browser.IsRetryableError(err)).
		WithUserMessage("browser error")
}

func isClosedErr(err error) bool {
	return errors.Is(err, errConnClosed) || errors.Is(err, browser.ErrHandleClosed)
}

func errViewportTooLarge(max browser.Viewport) error {
	return fmt.Errorf("viewport exceeds maximum %s", max.String())
}
