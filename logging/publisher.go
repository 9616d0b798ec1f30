// Package logging carries structured platform events (session lifecycle,
// dice activity, presence churn) from producers to configurable sinks
// without blocking the producers.
package logging

import (
	"context"
	"time"
)

type EventType string

const (
	EventSessionCreated EventType = "session_created"
	EventSessionJoined  EventType = "session_joined"
	EventSessionLeft    EventType = "session_left"
	EventSessionStarted EventType = "session_started"
	EventSessionEnded   EventType = "session_ended"
	EventDiceRolled     EventType = "dice_rolled"
	EventPresenceJoin   EventType = "presence_join"
	EventPresenceLeave  EventType = "presence_leave"
	EventChannelError   EventType = "channel_error"
)

type Severity int

const (
	SeverityDebug Severity = iota
	SeverityInfo
	SeverityWarn
	SeverityError
)

type EntityKind string

const (
	EntityKindUnknown   EntityKind = "unknown"
	EntityKindPlayer    EntityKind = "player"
	EntityKindSeer      EntityKind = "seer"
	EntityKindSession   EntityKind = "session"
	EntityKindCharacter EntityKind = "character"
	EntityKindSystem    EntityKind = "system"
)

type EntityRef struct {
	ID   string     `json:"id"`
	Kind EntityKind `json:"kind"`
}

type Event struct {
	Type     EventType      `json:"type"`
	Time     time.Time      `json:"time"`
	Actor    EntityRef      `json:"actor"`
	Session  string         `json:"session,omitempty"`
	Category string         `json:"category,omitempty"`
	Severity Severity       `json:"severity"`
	Payload  any            `json:"payload,omitempty"`
	Extra    map[string]any `json:"extra,omitempty"`
}

const (
	CategorySession  = "session"
	CategoryDice     = "dice"
	CategoryPresence = "presence"
	CategorySystem   = "system"
)

type Publisher interface {
	Publish(ctx context.Context, event Event)
}

type PublisherFunc func(ctx context.Context, event Event)

func (f PublisherFunc) Publish(ctx context.Context, event Event) {
	if f == nil {
		return
	}
	f(ctx, event)
}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, Event) {}

// NopPublisher returns a publisher that discards every event.
func NopPublisher() Publisher {
	return nopPublisher{}
}
