// Package proto defines the websocket wire protocol between realtime
// clients and the hub. A single connection multiplexes any number of
// topics; every frame is a JSON object carrying a type tag and a topic.
package proto

import (
	"encoding/json"
	"fmt"
)

// Version tracks the wire-protocol revision expected by clients.
const Version = 1

// Client message type identifiers.
const (
	TypeJoin      = "join"
	TypeLeave     = "leave"
	TypeBroadcast = "broadcast"
	TypeTrack     = "track"
	TypeHeartbeat = "heartbeat"
)

// Server message type identifiers.
const (
	TypeJoinReply = "joinReply"
	TypeChange    = "change"
	TypePresence  = "presence"
)

// Join reply status values.
const (
	JoinStatusSubscribed = "subscribed"
	JoinStatusError      = "error"
)

// Presence event kinds.
const (
	PresenceSync  = "sync"
	PresenceJoin  = "join"
	PresenceLeave = "leave"
)

// ChangeFilter narrows change notifications on a topic to one record.
type ChangeFilter struct {
	RecordID string `json:"recordId"`
}

// PresenceSet maps presence identity keys to the states reported for that
// key, oldest first. Readers take the first entry per key.
type PresenceSet map[string][]json.RawMessage

// ClientMessage captures an inbound websocket frame from a client.
type ClientMessage struct {
	Ver         int             `json:"ver,omitempty"`
	Type        string          `json:"type"`
	Topic       string          `json:"topic,omitempty"`
	Event       string          `json:"event,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	PresenceKey string          `json:"presenceKey,omitempty"`
	Filter      *ChangeFilter   `json:"filter,omitempty"`
	State       json.RawMessage `json:"state,omitempty"`
	SentAt      int64           `json:"sentAt,omitempty"`
}

// ServerMessage is an outbound websocket frame. The populated fields depend
// on Type; both ends share this struct so the tags cannot drift.
type ServerMessage struct {
	Ver      int             `json:"ver"`
	Type     string          `json:"type"`
	Topic    string          `json:"topic,omitempty"`
	Status   string          `json:"status,omitempty"`
	Reason   string          `json:"reason,omitempty"`
	Event    string          `json:"event,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	Sender   string          `json:"sender,omitempty"`
	RecordID string          `json:"recordId,omitempty"`
	Record   json.RawMessage `json:"record,omitempty"`
	Kind     string          `json:"kind,omitempty"`
	Key      string          `json:"key,omitempty"`
	State    PresenceSet     `json:"state,omitempty"`

	ServerTime int64 `json:"serverTime,omitempty"`
	ClientTime int64 `json:"clientTime,omitempty"`
	RTTMillis  int64 `json:"rtt,omitempty"`
}

// DecodeClientMessage parses and validates an inbound frame.
func DecodeClientMessage(data []byte) (ClientMessage, error) {
	var msg ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return ClientMessage{}, fmt.Errorf("decode client message: %w", err)
	}
	if msg.Type == "" {
		return ClientMessage{}, fmt.Errorf("client message missing type")
	}
	switch msg.Type {
	case TypeJoin, TypeLeave, TypeBroadcast, TypeTrack:
		if msg.Topic == "" {
			return ClientMessage{}, fmt.Errorf("%s message missing topic", msg.Type)
		}
	case TypeHeartbeat:
	default:
		return ClientMessage{}, fmt.Errorf("unknown client message type %q", msg.Type)
	}
	return msg, nil
}

// EncodeServerMessage renders an outbound frame, stamping the protocol
// version when unset.
func EncodeServerMessage(msg ServerMessage) ([]byte, error) {
	if msg.Ver == 0 {
		msg.Ver = Version
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode server message: %w", err)
	}
	return data, nil
}

// DecodeServerMessage parses an inbound frame on the client side.
func DecodeServerMessage(data []byte) (ServerMessage, error) {
	var msg ServerMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return ServerMessage{}, fmt.Errorf("decode server message: %w", err)
	}
	if msg.Type == "" {
		return ServerMessage{}, fmt.Errorf("server message missing type")
	}
	return msg, nil
}

// SessionTopic names the session-state channel for a session id.
func SessionTopic(sessionID string) string { return "session:" + sessionID }

// CombatTopic names the combat channel for a session id.
func CombatTopic(sessionID string) string { return "combat:" + sessionID }

// PresenceTopic names the presence channel for a session id.
func PresenceTopic(sessionID string) string { return "presence:" + sessionID }
