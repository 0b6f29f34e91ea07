// Package event provides the publish/subscribe channel that decouples the
// upload engine from its observers (status UI stream, indexing trigger,
// notification updater).
package event

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Event types published by the upload engine.
const (
	TypeUploadStarted   = "upload.started"
	TypeUploadProgress  = "upload.progress"
	TypeUploadFinalized = "upload.finalized"
	TypeUploadCancelled = "upload.cancelled"
	TypeUploadFailed    = "upload.failed"
)

// Event describes a change in upload state.
type Event struct {
	Type          string
	UploadID      string
	FileName      string
	Path          string // finalized file path, set on TypeUploadFinalized
	BytesReceived int64
	Size          int64
	Time          time.Time
}

// Subscriber receives events on C until unsubscribed.
type Subscriber struct {
	C    chan Event
	done chan struct{}
}

// Bus fans events out to independent subscribers. Publishing never blocks: a
// subscriber that falls behind misses events rather than stalling an upload.
type Bus struct {
	mu   sync.RWMutex
	subs map[*Subscriber]bool
}

// NewBus creates an empty event bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[*Subscriber]bool)}
}

// Subscribe registers a new subscriber with the given channel buffer.
func (b *Bus) Subscribe(buffer int) *Subscriber {
	sub := &Subscriber{
		C:    make(chan Event, buffer),
		done: make(chan struct{}),
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[sub] = true
	return sub
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Bus) Unsubscribe(sub *Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub]; ok {
		delete(b.subs, sub)
		close(sub.done)
		close(sub.C)
	}
}

// Publish delivers an event to all subscribers without blocking.
func (b *Bus) Publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subs {
		select {
		case sub.C <- ev:
		default:
			log.Debug().Str("type", ev.Type).Msg("event subscriber buffer full, dropping event")
		}
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// FinalizedSink is the external indexing collaborator: it is notified once
// for every file committed to the media library.
type FinalizedSink interface {
	FileFinalized(path string)
}

// ForwardFinalized subscribes to the bus and forwards finalized-file events
// to the sink until ctx is cancelled.
func ForwardFinalized(ctx context.Context, bus *Bus, sink FinalizedSink) {
	sub := bus.Subscribe(16)
	go func() {
		defer bus.Unsubscribe(sub)
		for {
			select {
			case ev, ok := <-sub.C:
				if !ok {
					return
				}
				if ev.Type == TypeUploadFinalized {
					sink.FileFinalized(ev.Path)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}
