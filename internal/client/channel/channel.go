// Package channel is the client side of the realtime pub/sub surface. A
// Client owns one websocket connection; each Channel binds to exactly one
// topic on it and delivers broadcasts, change notifications, and presence
// updates to registered handlers.
package channel

import (
	"encoding/json"

	"sparc/server/internal/net/proto"
)

// Status is a channel's subscription state.
type Status int

const (
	StatusConnecting Status = iota
	StatusSubscribed
	StatusChannelError
	StatusClosed
)

func (s Status) String() string {
	switch s {
	case StatusConnecting:
		return "connecting"
	case StatusSubscribed:
		return "subscribed"
	case StatusChannelError:
		return "channel_error"
	case StatusClosed:
		return "closed"
	}
	return "unknown"
}

// BroadcastHandler receives one peer broadcast.
type BroadcastHandler func(event string, payload json.RawMessage, sender string)

// ChangeHandler receives one authoritative record change.
type ChangeHandler func(recordID string, record json.RawMessage)

// PresenceHandler receives one presence update. State carries the full
// roster snapshot for sync events and the post-change snapshot for
// join/leave.
type PresenceHandler func(key string, state proto.PresenceSet)

// StatusHandler observes subscription state transitions. Reason is empty
// except for channel_error.
type StatusHandler func(status Status, reason string)

// Channel is one topic binding. Handlers must be registered before
// Subscribe; after Unsubscribe no handler fires again.
type Channel interface {
	Topic() string
	OnBroadcast(event string, fn BroadcastHandler)
	OnChange(fn ChangeHandler)
	OnPresence(kind string, fn PresenceHandler)
	Subscribe(onStatus StatusHandler) error
	Send(event string, payload any) error
	Track(state any) error
	PresenceState() proto.PresenceSet
	IsSubscribed() bool
	Unsubscribe()
}

// ChannelOptions configures a topic binding.
type ChannelOptions struct {
	// PresenceKey enables presence tracking under this identity key.
	PresenceKey string
	// ChangeRecordID filters change notifications to one record.
	ChangeRecordID string
}
