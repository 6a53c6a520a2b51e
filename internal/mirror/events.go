package mirror

import "time"

type EventType string

const (
	EventMirrored         EventType = "mirrored"
	EventMirrorFailed     EventType = "mirror_failed"
	EventEdited           EventType = "edited"
	EventGroupFlushed     EventType = "group_flushed"
	EventGroupFallback    EventType = "group_fallback"
	EventReactionsUpdated EventType = "reactions_updated"
)

// Event describes one observable outcome of mirroring or reconciliation.
type Event struct {
	Type            EventType `json:"type"`
	Channel         int64     `json:"channel_id"`
	MessageID       int64     `json:"message_id,omitempty"`
	TargetChannel   int64     `json:"target_channel_id,omitempty"`
	TargetMessageID int64     `json:"target_message_id,omitempty"`
	GroupID         string    `json:"group_id,omitempty"`
	Items           int       `json:"items,omitempty"`
	Summary         string    `json:"summary,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
}

// Observer receives events. Implementations must not block.
type Observer interface {
	Notify(Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Event)

func (f ObserverFunc) Notify(event Event) {
	f(event)
}

type nopObserver struct{}

func (nopObserver) Notify(Event) {}

// NopObserver returns an Observer that drops every event.
func NopObserver() Observer {
	return nopObserver{}
}
