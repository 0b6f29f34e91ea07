package event

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBusPublishSubscribe(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe(4)
	defer bus.Unsubscribe(sub)

	bus.Publish(Event{Type: TypeUploadStarted, UploadID: "u1"})

	select {
	case ev := <-sub.C:
		assert.Equal(t, TypeUploadStarted, ev.Type)
		assert.Equal(t, "u1", ev.UploadID)
		assert.False(t, ev.Time.IsZero())
	case <-time.After(time.Second):
		t.Fatal("no event received")
	}
}

func TestBusFanOut(t *testing.T) {
	bus := NewBus()
	a := bus.Subscribe(1)
	b := bus.Subscribe(1)
	defer bus.Unsubscribe(a)
	defer bus.Unsubscribe(b)

	bus.Publish(Event{Type: TypeUploadProgress})

	assert.Equal(t, TypeUploadProgress, (<-a.C).Type)
	assert.Equal(t, TypeUploadProgress, (<-b.C).Type)
}

func TestBusSlowSubscriberDoesNotBlock(t *testing.T) {
	bus := NewBus()
	slow := bus.Subscribe(1)
	defer bus.Unsubscribe(slow)

	done := make(chan struct{})
	go func() {
		// Second publish overflows the buffer and must not block
		bus.Publish(Event{Type: TypeUploadProgress})
		bus.Publish(Event{Type: TypeUploadProgress})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
}

func TestBusUnsubscribe(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe(1)
	assert.Equal(t, 1, bus.SubscriberCount())

	bus.Unsubscribe(sub)
	assert.Equal(t, 0, bus.SubscriberCount())

	// Channel is closed
	_, ok := <-sub.C
	assert.False(t, ok)

	// Double unsubscribe is a no-op
	bus.Unsubscribe(sub)
}

type recordingSink struct {
	mu    sync.Mutex
	paths []string
}

func (r *recordingSink) FileFinalized(path string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.paths = append(r.paths, path)
}

func (r *recordingSink) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.paths...)
}

func TestForwardFinalized(t *testing.T) {
	bus := NewBus()
	sink := &recordingSink{}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ForwardFinalized(ctx, bus, sink)

	bus.Publish(Event{Type: TypeUploadProgress})
	bus.Publish(Event{Type: TypeUploadFinalized, Path: "/media/vid.mp4"})

	require.Eventually(t, func() bool {
		got := sink.snapshot()
		return len(got) == 1 && got[0] == "/media/vid.mp4"
	}, time.Second, 10*time.Millisecond)
}
