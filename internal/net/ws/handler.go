// Package ws exposes the realtime hub over a websocket endpoint. One
// connection multiplexes any number of topic subscriptions.
package ws

import (
	"encoding/json"
	nethttp "net/http"
	"time"

	"github.com/gorilla/websocket"

	"sparc/server/internal/net/proto"
	"sparc/server/internal/realtime"
	"sparc/server/internal/telemetry"
)

type HandlerConfig struct {
	Logger telemetry.Logger
}

// Handler upgrades HTTP requests and runs the per-connection message loop.
type Handler struct {
	hub      *realtime.Hub
	logger   telemetry.Logger
	upgrader websocket.Upgrader
}

func NewHandler(hub *realtime.Hub, cfg HandlerConfig) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = telemetry.LoggerFunc(nil)
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *nethttp.Request) bool {
			return true
		},
	}

	return &Handler{hub: hub, logger: logger, upgrader: upgrader}
}

func (h *Handler) Handle(w nethttp.ResponseWriter, r *nethttp.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Printf("upgrade failed: %v", err)
		return
	}

	sess := newSession(conn)
	subs := make(map[string]*realtime.Subscription)
	defer func() {
		for _, sub := range subs {
			sub.Close()
		}
		sess.Close()
	}()

	writeJSON := func(msg proto.ServerMessage) bool {
		data, err := proto.EncodeServerMessage(msg)
		if err != nil {
			h.logger.Printf("failed to encode %s message: %v", msg.Type, err)
			return true
		}
		if err := sess.WriteMessage(websocket.TextMessage, data); err != nil {
			return false
		}
		return true
	}

	deliver := func(msg realtime.Message) {
		out, ok := translate(msg)
		if !ok {
			return
		}
		writeJSON(out)
	}

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return
		}

		msg, err := proto.DecodeClientMessage(payload)
		if err != nil {
			h.logger.Printf("discarding malformed message: %v", err)
			continue
		}

		switch msg.Type {
		case proto.TypeJoin:
			if _, exists := subs[msg.Topic]; exists {
				if !writeJSON(proto.ServerMessage{
					Type:   proto.TypeJoinReply,
					Topic:  msg.Topic,
					Status: proto.JoinStatusError,
					Reason: "already subscribed",
				}) {
					return
				}
				continue
			}

			opts := realtime.SubscribeOptions{PresenceKey: msg.PresenceKey}
			if msg.Filter != nil {
				opts.Filter = &realtime.ChangeFilter{RecordID: msg.Filter.RecordID}
			}
			sub, err := h.hub.Subscribe(msg.Topic, opts, deliver)
			if err != nil {
				if !writeJSON(proto.ServerMessage{
					Type:   proto.TypeJoinReply,
					Topic:  msg.Topic,
					Status: proto.JoinStatusError,
					Reason: err.Error(),
				}) {
					return
				}
				continue
			}
			subs[msg.Topic] = sub
			if !writeJSON(proto.ServerMessage{
				Type:   proto.TypeJoinReply,
				Topic:  msg.Topic,
				Status: proto.JoinStatusSubscribed,
			}) {
				return
			}
		case proto.TypeLeave:
			if sub, exists := subs[msg.Topic]; exists {
				sub.Close()
				delete(subs, msg.Topic)
			}
		case proto.TypeBroadcast:
			sub, exists := subs[msg.Topic]
			if !exists {
				h.logger.Printf("broadcast to unjoined topic %q dropped", msg.Topic)
				continue
			}
			h.hub.Broadcast(msg.Topic, msg.Event, msg.Payload, sub)
		case proto.TypeTrack:
			sub, exists := subs[msg.Topic]
			if !exists {
				h.logger.Printf("track on unjoined topic %q dropped", msg.Topic)
				continue
			}
			if err := h.hub.Track(sub, msg.State); err != nil {
				h.logger.Printf("track failed on %q: %v", msg.Topic, err)
			}
		case proto.TypeHeartbeat:
			now := time.Now()
			ack := proto.ServerMessage{
				Type:       proto.TypeHeartbeat,
				ServerTime: now.UnixMilli(),
				ClientTime: msg.SentAt,
			}
			if msg.SentAt > 0 {
				if rtt := now.UnixMilli() - msg.SentAt; rtt > 0 {
					ack.RTTMillis = rtt
				}
			}
			if !writeJSON(ack) {
				return
			}
		}
	}
}

func translate(msg realtime.Message) (proto.ServerMessage, bool) {
	switch msg.Kind {
	case realtime.KindBroadcast:
		return proto.ServerMessage{
			Type:    proto.TypeBroadcast,
			Topic:   msg.Topic,
			Event:   msg.Event,
			Payload: msg.Payload,
			Sender:  msg.Sender,
		}, true
	case realtime.KindChange:
		return proto.ServerMessage{
			Type:     proto.TypeChange,
			Topic:    msg.Topic,
			RecordID: msg.RecordID,
			Record:   msg.Record,
		}, true
	case realtime.KindPresence:
		return proto.ServerMessage{
			Type:  proto.TypePresence,
			Topic: msg.Topic,
			Kind:  msg.PresenceKind,
			Key:   msg.PresenceKey,
			State: toPresenceSet(msg.PresenceState),
		}, true
	}
	return proto.ServerMessage{}, false
}

func toPresenceSet(state map[string][]json.RawMessage) proto.PresenceSet {
	if state == nil {
		return nil
	}
	return proto.PresenceSet(state)
}
