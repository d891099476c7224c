package telemetry

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewHub(t *testing.T) {
	hub := NewHub()
	require.NotNil(t, hub)
	assert.Empty(t, hub.subs)
	assert.False(t, hub.closed)
}

func TestHub_PublishSubscribe(t *testing.T) {
	hub := NewHub()
	defer hub.Close()

	ch, unsub := hub.Subscribe()
	defer unsub()

	hub.Publish(Event{
		Type:      EventSessionAttached,
		SessionID: "01HZX",
		ConnID:    "c-1",
		Data:      map[string]any{"policy": "preempt"},
	})

	select {
	case received := <-ch:
		assert.Equal(t, EventSessionAttached, received.Type)
		assert.Equal(t, "01HZX", received.SessionID)
		assert.Equal(t, "c-1", received.ConnID)
		assert.False(t, received.Timestamp.IsZero())
	case <-time.After(100 * time.Millisecond):
		t.Fatal("timeout waiting for event")
	}
}

func TestHub_MultipleSubscribers(t *testing.T) {
	hub := NewHub()
	defer hub.Close()

	ch1, unsub1 := hub.Subscribe()
	defer unsub1()
	ch2, unsub2 := hub.Subscribe()
	defer unsub2()

	hub.Publish(Event{Type: EventSessionClosed})

	for _, ch := range []<-chan Event{ch1, ch2} {
		select {
		case received := <-ch:
			assert.Equal(t, EventSessionClosed, received.Type)
		case <-time.After(100 * time.Millisecond):
			t.Fatal("subscriber did not receive event")
		}
	}
}

func TestHub_Unsubscribe(t *testing.T) {
	hub := NewHub()
	defer hub.Close()

	ch, unsub := hub.Subscribe()
	unsub()
	unsub()

	_, ok := <-ch
	assert.False(t, ok, "channel should be closed after unsubscribe")
}

func TestHub_Close(t *testing.T) {
	hub := NewHub()
	ch, _ := hub.Subscribe()

	hub.Close()
	hub.Close()

	_, ok := <-ch
	assert.False(t, ok, "channel should be closed after hub close")
	assert.NotPanics(t, func() { hub.Publish(Event{Type: EventSessionCreated}) })

	late, _ := hub.Subscribe()
	_, ok = <-late
	assert.False(t, ok, "subscribe after close returns a closed channel")
}

func TestHub_DropsWhenBufferFull(t *testing.T) {
	hub := NewHub()
	defer hub.Close()

	ch, unsub := hub.Subscribe()
	defer unsub()

	for i := 0; i < 500; i++ {
		hub.Publish(Event{Type: EventStreamDegraded, Data: map[string]any{"i": i}})
	}

	count := 0
	for {
		select {
		case <-ch:
			count++
			continue
		default:
		}
		break
	}
	assert.Equal(t, subscriberBuffer, count, "buffer holds 64 events, the rest are dropped")
	assert.EqualValues(t, 500-subscriberBuffer, hub.Dropped())
}

func TestHub_PresetTimestampPreserved(t *testing.T) {
	hub := NewHub()
	defer hub.Close()

	ch, unsub := hub.Subscribe()
	defer unsub()

	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	hub.Publish(Event{Type: EventSessionReaped, Timestamp: ts})
	received := <-ch
	assert.Equal(t, ts, received.Timestamp)
}

func TestHub_ConcurrentPublish(t *testing.T) {
	hub := NewHub()
	defer hub.Close()

	ch, unsub := hub.Subscribe()
	defer unsub()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 4; j++ {
				hub.Publish(Event{Type: EventInputFailed})
			}
		}()
	}
	wg.Wait()
	assert.Len(t, ch, 32)
}

func TestHub_Filters(t *testing.T) {
	hub := NewHub()
	defer hub.Close()

	sessionCh, unsub1 := hub.Subscribe(ForSession("a"))
	defer unsub1()
	closedCh, unsub2 := hub.Subscribe(HasSession(), OfTypes(EventSessionClosed, EventSessionReaped))
	defer unsub2()

	hub.Publish(Event{Type: EventSessionCreated, SessionID: "a"})
	hub.Publish(Event{Type: EventSessionClosed, SessionID: "b"})
	hub.Publish(Event{Type: EventSessionClosed})
	hub.Publish(Event{Type: EventSessionReaped, SessionID: "a"})

	require.Len(t, sessionCh, 2)
	assert.Equal(t, EventSessionCreated, (<-sessionCh).Type)
	assert.Equal(t, EventSessionReaped, (<-sessionCh).Type)

	require.Len(t, closedCh, 2)
	assert.Equal(t, "b", (<-closedCh).SessionID)
	assert.Equal(t, "a", (<-closedCh).SessionID)
	assert.Zero(t, hub.Dropped())
}
