package server

import (
	"context"
	"sync"

	"github.com/MarcoPoloResearchLab/channel-mirror/internal/mirror"
)

const (
	realtimeEventHeartbeat = "heartbeat"
	realtimeSourceBackend  = "mirrorbot"
	defaultFeedBufferSize  = 16
)

// EventFeed fans mirror events out to live subscribers. Slow subscribers
// miss events instead of blocking the publisher.
type EventFeed struct {
	mu          sync.RWMutex
	subscribers map[int64]*feedSubscriber
	nextID      int64
	bufferSize  int
}

type feedSubscriber struct {
	id      int64
	channel int64
	stream  chan mirror.Event
}

// NewEventFeed returns an empty feed.
func NewEventFeed() *EventFeed {
	return &EventFeed{
		subscribers: make(map[int64]*feedSubscriber),
		bufferSize:  defaultFeedBufferSize,
	}
}

// Subscribe registers a subscriber until ctx is done or cleanup is called.
// A non-zero channel limits delivery to events touching that channel.
func (f *EventFeed) Subscribe(ctx context.Context, channel int64) (<-chan mirror.Event, func()) {
	subscriber := &feedSubscriber{
		channel: channel,
		stream:  make(chan mirror.Event, f.bufferSize),
	}
	f.register(subscriber)
	var once sync.Once
	cleanup := func() {
		once.Do(func() { f.unregister(subscriber.id) })
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

// Notify implements mirror.Observer.
func (f *EventFeed) Notify(event mirror.Event) {
	if event.Type == "" {
		return
	}
	f.mu.RLock()
	copies := make([]*feedSubscriber, 0, len(f.subscribers))
	for _, subscriber := range f.subscribers {
		if subscriber.wants(event) {
			copies = append(copies, subscriber)
		}
	}
	f.mu.RUnlock()
	for _, subscriber := range copies {
		select {
		case subscriber.stream <- event:
		default:
		}
	}
}

// Subscribers reports how many subscribers are registered.
func (f *EventFeed) Subscribers() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.subscribers)
}

func (s *feedSubscriber) wants(event mirror.Event) bool {
	return s.channel == 0 || s.channel == event.Channel || s.channel == event.TargetChannel
}

func (f *EventFeed) register(subscriber *feedSubscriber) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	subscriber.id = f.nextID
	f.subscribers[subscriber.id] = subscriber
}

func (f *EventFeed) unregister(subscriberID int64) {
	f.mu.Lock()
	delete(f.subscribers, subscriberID)
	f.mu.Unlock()
}
