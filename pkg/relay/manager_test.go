package relay

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/odvcencio/browserrelay/pkg/browser"
	"github.com/odvcencio/browserrelay/pkg/browser/adapters/memory"
	relayerrors "github.com/odvcencio/browserrelay/pkg/errors"
	"github.com/odvcencio/browserrelay/pkg/logging"
	"github.com/odvcencio/browserrelay/pkg/session"
	"github.com/odvcencio/browserrelay/pkg/telemetry"
)

func TestCreate_RegistersDisconnectedSession(t *testing.T) {
	m, drv := newTestManager(t, testOptions())

	s, err := m.Create(context.Background(), CreateRequest{
		Viewport: browser.Viewport{Width: 1280, Height: 720},
		URL:      "https://example.com/login",
	})
	require.NoError(t, err)

	assert.True(t, session.ValidID(s.ID()))
	assert.Equal(t, StateDisconnected, s.State())
	assert.Equal(t, browser.Viewport{Width: 1280, Height: 720, DeviceScaleFactor: 1}, s.Viewport())
	assert.Equal(t, 1, m.Len())

	h := onlyHandle(t, drv)
	assert.Equal(t, "https://example.com/login", h.URL())

	got, err := m.Get(s.ID())
	require.NoError(t, err)
	assert.Same(t, s, got)
}

func TestCreate_DefaultURL(t *testing.T) {
	m, drv := newTestManager(t, testOptions())

	_, err := m.Create(context.Background(), CreateRequest{Viewport: browser.Viewport{Width: 320, Height: 240}})
	require.NoError(t, err)
	assert.Equal(t, "about:blank", onlyHandle(t, drv).URL())
}

func TestCreate_InvalidViewport(t *testing.T) {
	m, drv := newTestManager(t, testOptions())

	for _, vp := range []browser.Viewport{
		{Width: 0, Height: 720},
		{Width: 1280, Height: -1},
	} {
		_, err := m.Create(context.Background(), CreateRequest{Viewport: vp})
		require.Error(t, err, vp.String())
		assert.True(t, relayerrors.IsCode(err, relayerrors.ErrCodeInvalidViewport), vp.String())
	}
	assert.Zero(t, m.Len())
	assert.Empty(t, drv.Handles())
}

func TestCreate_LargeViewportRoundTrips(t *testing.T) {
	m, drv := newTestManager(t, testOptions())

	s, err := m.Create(context.Background(), CreateRequest{Viewport: browser.Viewport{Width: 5120, Height: 2880}})
	require.NoError(t, err)
	want := browser.Viewport{Width: 5120, Height: 2880, DeviceScaleFactor: 1}
	assert.Equal(t, want, s.Viewport())
	assert.Equal(t, want, onlyHandle(t, drv).Viewport())
}

func TestCreate_MaxViewportWhenConfigured(t *testing.T) {
	opts := testOptions()
	opts.MaxViewport = browser.Viewport{Width: 3840, Height: 2160}
	m, drv := newTestManager(t, opts)

	_, err := m.Create(context.Background(), CreateRequest{Viewport: browser.Viewport{Width: 5120, Height: 2880}})
	require.Error(t, err)
	assert.True(t, relayerrors.IsCode(err, relayerrors.ErrCodeInvalidViewport))
	assert.Empty(t, drv.Handles())

	_, err = m.Create(context.Background(), CreateRequest{Viewport: browser.Viewport{Width: 3840, Height: 2160}})
	require.NoError(t, err)
}

func TestCreate_DriverUnavailable(t *testing.T) {
	drv := memory.NewDriver(memory.Config{MaxHandles: 1})
	m := NewManager(drv, testOptions(), logging.Nop(), nil)
	defer m.Close(context.Background())

	_, err := m.Create(context.Background(), CreateRequest{Viewport: browser.Viewport{Width: 320, Height: 240}})
	require.NoError(t, err)

	_, err = m.Create(context.Background(), CreateRequest{Viewport: browser.Viewport{Width: 320, Height: 240}})
	require.Error(t, err)
	assert.True(t, relayerrors.IsCode(err, relayerrors.ErrCodeDriverUnavailable))
	assert.True(t, relayerrors.IsRetryable(err))
	assert.Equal(t, 1, m.Len(), "failed create must not leave a session behind")
}

func TestCreate_DriverError(t *testing.T) {
	ctrl := gomock.NewController(t)
	drv := NewMockDriver(ctrl)
	drv.EXPECT().Open(gomock.Any(), gomock.Any()).Return(nil, browser.NewDriverError("open", "failed", "chrome crashed"))

	m := NewManager(drv, testOptions(), logging.Nop(), nil)
	_, err := m.Create(context.Background(), CreateRequest{Viewport: browser.Viewport{Width: 320, Height: 240}})
	require.Error(t, err)
	assert.True(t, relayerrors.IsCode(err, relayerrors.ErrCodeDriverError))
	assert.Zero(t, m.Len())
}

func TestCreate_PassesOpenOptions(t *testing.T) {
	ctrl := gomock.NewController(t)
	drv := NewMockDriver(ctrl)
	handle := NewMockHandle(ctrl)
	drv.EXPECT().Open(gomock.Any(), browser.OpenOptions{
		URL:      "https://example.com",
		Viewport: browser.Viewport{Width: 800, Height: 600, DeviceScaleFactor: 1},
	}).Return(handle, nil)
	handle.EXPECT().Close().Return(nil)

	m := NewManager(drv, testOptions(), logging.Nop(), nil)
	s, err := m.Create(context.Background(), CreateRequest{
		Viewport: browser.Viewport{Width: 800, Height: 600},
		URL:      "https://example.com",
	})
	require.NoError(t, err)
	require.NoError(t, m.Destroy(context.Background(), s.ID()))
}

func TestGet_UnknownSession(t *testing.T) {
	m, _ := newTestManager(t, testOptions())

	_, err := m.Get(session.NewID())
	assert.True(t, relayerrors.IsCode(err, relayerrors.ErrCodeSessionNotFound))
}

func TestList_ReturnsSummaries(t *testing.T) {
	m, _ := newTestManager(t, testOptions())

	first, err := m.Create(context.Background(), CreateRequest{Viewport: browser.Viewport{Width: 320, Height: 240}})
	require.NoError(t, err)
	second, err := m.Create(context.Background(), CreateRequest{Viewport: browser.Viewport{Width: 640, Height: 480}})
	require.NoError(t, err)

	list := m.List()
	require.Len(t, list, 2)
	assert.Equal(t, first.ID(), list[0].ID)
	assert.Equal(t, second.ID(), list[1].ID)
	assert.Equal(t, "disconnected", list[0].State)
	assert.False(t, list[0].Streaming)
	assert.Equal(t, 640, list[1].Viewport.Width)
}

func TestDestroy_ClosesHandleAndIsIdempotent(t *testing.T) {
	m, drv := newTestManager(t, testOptions())

	s, err := m.Create(context.Background(), CreateRequest{Viewport: browser.Viewport{Width: 320, Height: 240}})
	require.NoError(t, err)
	h := onlyHandle(t, drv)

	require.NoError(t, m.Destroy(context.Background(), s.ID()))
	assert.True(t, h.Closed())
	assert.Equal(t, StateClosed, s.State())
	assert.Equal(t, "destroyed", s.CloseReason())
	assert.Zero(t, m.Len())
	select {
	case <-s.Done():
	default:
		t.Fatal("Done should be closed after destroy")
	}

	require.NoError(t, m.Destroy(context.Background(), s.ID()))
	require.NoError(t, m.Destroy(context.Background(), session.NewID()))

	_, err = m.Get(s.ID())
	assert.True(t, relayerrors.IsCode(err, relayerrors.ErrCodeSessionGone))
}

func TestDestroy_TerminatesAttachedConnection(t *testing.T) {
	m, drv := newTestManager(t, testOptions())

	s, err := m.Create(context.Background(), CreateRequest{Viewport: browser.Viewport{Width: 320, Height: 240}})
	require.NoError(t, err)
	h := onlyHandle(t, drv)
	conn := newFakeConn()
	errc := serveAsync(m, s.ID(), conn)
	require.Eventually(t, func() bool { return conn.frames(t) > 0 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, m.Destroy(context.Background(), s.ID()))

	assert.NoError(t, waitServe(t, errc))
	assert.True(t, conn.isClosed())
	assert.Equal(t, CloseSessionEnded, conn.reason())
	assert.Equal(t, []string{"session closed"}, conn.errorMessages(t))
	assert.True(t, h.Closed())
	assert.Empty(t, drv.Handles())
}

func TestReapIdle(t *testing.T) {
	clock := newFakeClock()
	opts := testOptions()
	opts.Now = clock.Now
	opts.IdleTimeout = 5 * time.Minute
	m, drv := newTestManager(t, opts)

	idle, err := m.Create(context.Background(), CreateRequest{Viewport: browser.Viewport{Width: 320, Height: 240}})
	require.NoError(t, err)
	busy, err := m.Create(context.Background(), CreateRequest{Viewport: browser.Viewport{Width: 320, Height: 240}})
	require.NoError(t, err)

	conn := newFakeConn()
	errc := serveAsync(m, busy.ID(), conn)
	require.Eventually(t, func() bool { return busy.State() == StateActive }, 2*time.Second, 5*time.Millisecond)

	assert.Zero(t, m.ReapIdle(context.Background()), "nothing is idle yet")

	clock.Advance(6 * time.Minute)
	assert.Equal(t, 1, m.ReapIdle(context.Background()))

	_, err = m.Get(idle.ID())
	assert.True(t, relayerrors.IsCode(err, relayerrors.ErrCodeSessionGone))
	assert.Equal(t, StateActive, busy.State(), "attached sessions are never reaped")
	assert.Len(t, drv.Handles(), 1)

	// Once the client leaves, the session becomes eligible after the timeout.
	require.NoError(t, conn.Close(CloseNormal, ""))
	require.NoError(t, waitServe(t, errc))
	assert.Equal(t, StateDisconnected, busy.State())
	assert.Zero(t, m.ReapIdle(context.Background()))

	clock.Advance(6 * time.Minute)
	assert.Equal(t, 1, m.ReapIdle(context.Background()))
	assert.Zero(t, m.Len())
	assert.Empty(t, drv.Handles())
}

func TestReapIdle_ForgetsOldTombstones(t *testing.T) {
	clock := newFakeClock()
	opts := testOptions()
	opts.Now = clock.Now
	m, _ := newTestManager(t, opts)

	s, err := m.Create(context.Background(), CreateRequest{Viewport: browser.Viewport{Width: 320, Height: 240}})
	require.NoError(t, err)
	require.NoError(t, m.Destroy(context.Background(), s.ID()))

	clock.Advance(opts.IdleTimeout + time.Second)
	m.ReapIdle(context.Background())

	_, err = m.Get(s.ID())
	assert.True(t, relayerrors.IsCode(err, relayerrors.ErrCodeSessionNotFound))
}

func TestRun_StopsOnContextCancel(t *testing.T) {
	opts := testOptions()
	opts.ReapInterval = 5 * time.Millisecond
	m, _ := newTestManager(t, opts)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}
}

func TestClose_DestroysEverythingAndRefusesCreate(t *testing.T) {
	m, drv := newTestManager(t, testOptions())

	attached, err := m.Create(context.Background(), CreateRequest{Viewport: browser.Viewport{Width: 320, Height: 240}})
	require.NoError(t, err)
	_, err = m.Create(context.Background(), CreateRequest{Viewport: browser.Viewport{Width: 320, Height: 240}})
	require.NoError(t, err)

	conn := newFakeConn()
	errc := serveAsync(m, attached.ID(), conn)
	require.Eventually(t, func() bool { return attached.State() == StateActive }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, m.Close(context.Background()))
	require.NoError(t, waitServe(t, errc))

	assert.Zero(t, m.Len())
	assert.Empty(t, drv.Handles())
	assert.Equal(t, CloseGoingAway, conn.reason())
	assert.Equal(t, []string{"server shutting down"}, conn.errorMessages(t))

	_, err = m.Create(context.Background(), CreateRequest{Viewport: browser.Viewport{Width: 320, Height: 240}})
	assert.True(t, relayerrors.IsCode(err, relayerrors.ErrCodeDriverUnavailable))
	require.NoError(t, m.Close(context.Background()))
}

func TestClose_RacingCreatesLeaveNoHandles(t *testing.T) {
	drv := memory.NewDriver(memory.Config{})
	drv.OnOpen = func(browser.OpenOptions) error {
		time.Sleep(time.Millisecond)
		return nil
	}
	m := NewManager(drv, testOptions(), logging.Nop(), nil)

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.Create(context.Background(), CreateRequest{Viewport: browser.Viewport{Width: 320, Height: 240}})
			if err != nil {
				assert.True(t, relayerrors.IsCode(err, relayerrors.ErrCodeDriverUnavailable), err.Error())
			}
		}()
	}
	time.Sleep(2 * time.Millisecond)
	require.NoError(t, m.Close(context.Background()))
	wg.Wait()

	assert.Zero(t, m.Len())
	assert.Empty(t, drv.Handles())
}

func TestManager_PublishesLifecycleEvents(t *testing.T) {
	hub := telemetry.NewHub()
	defer hub.Close()
	events, unsubscribe := hub.Subscribe()
	defer unsubscribe()

	drv := memory.NewDriver(memory.Config{})
	m := NewManager(drv, testOptions(), logging.Nop(), hub)
	defer m.Close(context.Background())

	s, err := m.Create(context.Background(), CreateRequest{Viewport: browser.Viewport{Width: 320, Height: 240}})
	require.NoError(t, err)
	require.NoError(t, m.Destroy(context.Background(), s.ID()))

	var got []telemetry.EventType
	timeout := time.After(2 * time.Second)
	for len(got) < 3 {
		select {
		case ev := <-events:
			assert.Equal(t, s.ID(), ev.SessionID)
			got = append(got, ev.Type)
		case <-timeout:
			t.Fatalf("timed out waiting for events, got %v", got)
		}
	}
	assert.Equal(t, []telemetry.EventType{
		telemetry.EventSessionCreated,
		telemetry.EventSessionClosing,
		telemetry.EventSessionClosed,
	}, got)
}

func TestKeyedMutex_SerializesPerKey(t *testing.T) {
	var k keyedMutex
	unlock := k.lock("a")

	acquired := make(chan struct{})
	go func() {
		u := k.lock("a")
		close(acquired)
		u()
	}()

	other := k.lock("b")
	other()

	select {
	case <-acquired:
		t.Fatal("second lock on the same key should block")
	case <-time.After(20 * time.Millisecond):
	}
	unlock()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("lock was not released")
	}

	require.Eventually(t, func() bool {
		k.mu.Lock()
		defer k.mu.Unlock()
		return len(k.locks) == 0
	}, time.Second, time.Millisecond)
}
