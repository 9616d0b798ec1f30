// Package realtime implements the topic hub behind the websocket endpoint:
// per-topic subscriptions, broadcast fan-out, row-change notifications, and
// heartbeat-based presence bookkeeping with idle expiry.
package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"sparc/server/internal/telemetry"
	"sparc/server/logging"
)

const (
	defaultPresenceTTL   = 90 * time.Second
	defaultSweepInterval = 15 * time.Second
)

// Config controls hub behavior. Zero values fall back to defaults.
type Config struct {
	PresenceTTL   time.Duration
	SweepInterval time.Duration
	Logger        telemetry.Logger
	Metrics       telemetry.Metrics
	Publisher     logging.Publisher
	Clock         logging.Clock
}

// Hub owns every live topic and its subscribers. All methods are safe for
// concurrent use.
type Hub struct {
	mu     sync.Mutex
	cfg    Config
	topics map[string]*topic
	nextID atomic.Uint64
}

type topic struct {
	name     string
	subs     map[uint64]*Subscription
	presence map[string][]presenceEntry
}

type presenceEntry struct {
	subID    uint64
	state    json.RawMessage
	lastSeen time.Time
}

// SubscribeOptions configures one subscription on a topic.
type SubscribeOptions struct {
	// PresenceKey enables presence tracking under this identity key.
	PresenceKey string
	// Filter narrows change notifications to one record id.
	Filter *ChangeFilter
}

// ChangeFilter narrows change delivery to a single record.
type ChangeFilter struct {
	RecordID string
}

// Subscription is one consumer's membership on a topic. Messages are
// delivered through the callback passed to Subscribe; after Close no
// further deliveries happen.
type Subscription struct {
	id          uint64
	topicName   string
	presenceKey string
	filter      *ChangeFilter
	deliver     func(Message)
	hub         *Hub
	closed      bool
}

// Message is one outbound hub-to-subscriber signal.
type Message struct {
	Topic   string
	Kind    MessageKind
	Event   string
	Payload json.RawMessage
	Sender  string

	RecordID string
	Record   json.RawMessage

	PresenceKind  string // "sync", "join" or "leave"
	PresenceKey   string
	PresenceState map[string][]json.RawMessage
}

// MessageKind distinguishes the three delivery categories.
type MessageKind int

const (
	KindBroadcast MessageKind = iota
	KindChange
	KindPresence
)

// NewHub constructs an empty hub.
func NewHub(cfg Config) *Hub {
	if cfg.PresenceTTL <= 0 {
		cfg.PresenceTTL = defaultPresenceTTL
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = defaultSweepInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = telemetry.LoggerFunc(nil)
	}
	if cfg.Metrics == nil {
		cfg.Metrics = telemetry.NopMetrics()
	}
	if cfg.Publisher == nil {
		cfg.Publisher = logging.NopPublisher()
	}
	if cfg.Clock == nil {
		cfg.Clock = logging.SystemClock{}
	}
	return &Hub{cfg: cfg, topics: make(map[string]*topic)}
}

// Subscribe registers a consumer on a topic and returns its subscription
// handle. If the topic tracks presence, the new subscriber immediately
// receives a sync snapshot of the current roster.
func (h *Hub) Subscribe(topicName string, opts SubscribeOptions, deliver func(Message)) (*Subscription, error) {
	if topicName == "" {
		return nil, fmt.Errorf("subscribe: empty topic")
	}
	if deliver == nil {
		return nil, fmt.Errorf("subscribe: nil deliver callback")
	}

	sub := &Subscription{
		id:          h.nextID.Add(1),
		topicName:   topicName,
		presenceKey: opts.PresenceKey,
		filter:      opts.Filter,
		deliver:     deliver,
		hub:         h,
	}

	h.mu.Lock()
	tp, ok := h.topics[topicName]
	if !ok {
		tp = &topic{
			name:     topicName,
			subs:     make(map[uint64]*Subscription),
			presence: make(map[string][]presenceEntry),
		}
		h.topics[topicName] = tp
	}
	tp.subs[sub.id] = sub
	snapshot := tp.presenceSnapshotLocked()
	h.mu.Unlock()

	h.cfg.Metrics.Add("realtime.subscriptions", 1)

	if len(snapshot) > 0 {
		sub.deliver(Message{
			Topic:         topicName,
			Kind:          KindPresence,
			PresenceKind:  "sync",
			PresenceState: snapshot,
		})
	}
	return sub, nil
}

// Close removes the subscription from its topic. Any presence entries the
// subscription tracked are dropped, emitting leave and sync to the
// remaining subscribers.
func (s *Subscription) Close() {
	if s == nil || s.hub == nil {
		return
	}
	h := s.hub

	h.mu.Lock()
	if s.closed {
		h.mu.Unlock()
		return
	}
	s.closed = true

	tp, ok := h.topics[s.topicName]
	if !ok {
		h.mu.Unlock()
		return
	}
	delete(tp.subs, s.id)

	var departedKeys []string
	if s.presenceKey != "" {
		departedKeys = tp.removePresenceLocked(s.id)
	}
	targets := tp.targetsLocked(0)
	snapshot := tp.presenceSnapshotLocked()
	if len(tp.subs) == 0 && len(tp.presence) == 0 {
		delete(h.topics, s.topicName)
	}
	h.mu.Unlock()

	for _, key := range departedKeys {
		h.emitPresence(s.topicName, targets, "leave", key, snapshot)
		h.publishPresenceEvent(logging.EventPresenceLeave, s.topicName, key)
	}
	if len(departedKeys) > 0 {
		h.emitPresence(s.topicName, targets, "sync", "", snapshot)
	}
}

// Broadcast fans an event out to every subscriber of the topic except the
// sender. Messages to a topic nobody subscribes to vanish silently.
func (h *Hub) Broadcast(topicName, event string, payload json.RawMessage, from *Subscription) {
	fromID := uint64(0)
	sender := ""
	if from != nil {
		fromID = from.id
		sender = from.presenceKey
	}

	h.mu.Lock()
	tp, ok := h.topics[topicName]
	if !ok {
		h.mu.Unlock()
		return
	}
	targets := tp.targetsLocked(fromID)
	h.mu.Unlock()

	h.cfg.Metrics.Add("realtime.broadcasts", 1)
	msg := Message{
		Topic:   topicName,
		Kind:    KindBroadcast,
		Event:   event,
		Payload: payload,
		Sender:  sender,
	}
	for _, target := range targets {
		target.deliver(msg)
	}
}

// PublishChange delivers an authoritative row-change notification to every
// subscriber of the topic whose filter accepts the record.
func (h *Hub) PublishChange(topicName, recordID string, record any) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("publish change: %w", err)
	}

	h.mu.Lock()
	tp, ok := h.topics[topicName]
	if !ok {
		h.mu.Unlock()
		return nil
	}
	targets := make([]*Subscription, 0, len(tp.subs))
	for _, sub := range tp.subs {
		if sub.filter != nil && sub.filter.RecordID != recordID {
			continue
		}
		targets = append(targets, sub)
	}
	h.mu.Unlock()

	h.cfg.Metrics.Add("realtime.changes", 1)
	msg := Message{
		Topic:    topicName,
		Kind:     KindChange,
		RecordID: recordID,
		Record:   data,
	}
	for _, target := range targets {
		target.deliver(msg)
	}
	return nil
}

// Track publishes the subscription's presence state under its identity key
// and refreshes its last-seen time. The first track for a key emits join;
// every track emits a fresh sync so clients can rebuild the roster.
func (h *Hub) Track(s *Subscription, state json.RawMessage) error {
	if s == nil || s.presenceKey == "" {
		return fmt.Errorf("track: subscription has no presence key")
	}
	now := h.cfg.Clock.Now()

	h.mu.Lock()
	if s.closed {
		h.mu.Unlock()
		return fmt.Errorf("track: subscription closed")
	}
	tp, ok := h.topics[s.topicName]
	if !ok {
		h.mu.Unlock()
		return fmt.Errorf("track: unknown topic %q", s.topicName)
	}

	entries := tp.presence[s.presenceKey]
	newKey := len(entries) == 0
	replaced := false
	for i := range entries {
		if entries[i].subID == s.id {
			entries[i].state = state
			entries[i].lastSeen = now
			replaced = true
			break
		}
	}
	if !replaced {
		entries = append(entries, presenceEntry{subID: s.id, state: state, lastSeen: now})
	}
	tp.presence[s.presenceKey] = entries

	targets := tp.targetsLocked(0)
	snapshot := tp.presenceSnapshotLocked()
	h.mu.Unlock()

	if newKey {
		h.emitPresence(s.topicName, targets, "join", s.presenceKey, snapshot)
		h.publishPresenceEvent(logging.EventPresenceJoin, s.topicName, s.presenceKey)
	}
	h.emitPresence(s.topicName, targets, "sync", "", snapshot)
	return nil
}

// PresenceSnapshot copies the current per-key presence states of a topic.
func (h *Hub) PresenceSnapshot(topicName string) map[string][]json.RawMessage {
	h.mu.Lock()
	defer h.mu.Unlock()
	tp, ok := h.topics[topicName]
	if !ok {
		return nil
	}
	return tp.presenceSnapshotLocked()
}

// Run sweeps idle presence entries until the stop channel closes. Entries
// that have not re-tracked within PresenceTTL are treated as departed.
func (h *Hub) Run(stop <-chan struct{}) {
	ticker := time.NewTicker(h.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			h.SweepPresence(h.cfg.Clock.Now())
		}
	}
}

// SweepPresence expires presence entries older than PresenceTTL relative to
// now, emitting leave and sync for every departed key.
func (h *Hub) SweepPresence(now time.Time) {
	type departure struct {
		topicName string
		keys      []string
		targets   []*Subscription
		snapshot  map[string][]json.RawMessage
	}
	var departures []departure

	h.mu.Lock()
	for name, tp := range h.topics {
		var departedKeys []string
		for key, entries := range tp.presence {
			kept := entries[:0]
			for _, entry := range entries {
				if now.Sub(entry.lastSeen) <= h.cfg.PresenceTTL {
					kept = append(kept, entry)
				}
			}
			if len(kept) == 0 {
				delete(tp.presence, key)
				departedKeys = append(departedKeys, key)
			} else {
				tp.presence[key] = kept
			}
		}
		if len(departedKeys) > 0 {
			departures = append(departures, departure{
				topicName: name,
				keys:      departedKeys,
				targets:   tp.targetsLocked(0),
				snapshot:  tp.presenceSnapshotLocked(),
			})
		}
	}
	h.mu.Unlock()

	for _, dep := range departures {
		for _, key := range dep.keys {
			h.cfg.Logger.Printf("presence expired for %s on %s", key, dep.topicName)
			h.emitPresence(dep.topicName, dep.targets, "leave", key, dep.snapshot)
			h.publishPresenceEvent(logging.EventPresenceLeave, dep.topicName, key)
		}
		h.emitPresence(dep.topicName, dep.targets, "sync", "", dep.snapshot)
	}
}

func (h *Hub) emitPresence(topicName string, targets []*Subscription, kind, key string, snapshot map[string][]json.RawMessage) {
	msg := Message{
		Topic:         topicName,
		Kind:          KindPresence,
		PresenceKind:  kind,
		PresenceKey:   key,
		PresenceState: snapshot,
	}
	for _, target := range targets {
		target.deliver(msg)
	}
}

func (h *Hub) publishPresenceEvent(eventType logging.EventType, topicName, key string) {
	h.cfg.Publisher.Publish(context.Background(), logging.Event{
		Type:     eventType,
		Actor:    logging.EntityRef{ID: key, Kind: logging.EntityKindPlayer},
		Session:  topicName,
		Category: logging.CategoryPresence,
		Severity: logging.SeverityInfo,
	})
}

func (tp *topic) targetsLocked(excludeID uint64) []*Subscription {
	targets := make([]*Subscription, 0, len(tp.subs))
	for id, sub := range tp.subs {
		if id == excludeID {
			continue
		}
		targets = append(targets, sub)
	}
	return targets
}

func (tp *topic) presenceSnapshotLocked() map[string][]json.RawMessage {
	if len(tp.presence) == 0 {
		return nil
	}
	snapshot := make(map[string][]json.RawMessage, len(tp.presence))
	for key, entries := range tp.presence {
		states := make([]json.RawMessage, 0, len(entries))
		for _, entry := range entries {
			states = append(states, entry.state)
		}
		snapshot[key] = states
	}
	return snapshot
}

// removePresenceLocked drops every entry owned by subID and returns the
// keys that have no entries left.
func (tp *topic) removePresenceLocked(subID uint64) []string {
	var departed []string
	for key, entries := range tp.presence {
		kept := entries[:0]
		for _, entry := range entries {
			if entry.subID != subID {
				kept = append(kept, entry)
			}
		}
		if len(kept) == 0 {
			delete(tp.presence, key)
			departed = append(departed, key)
		} else {
			tp.presence[key] = kept
		}
	}
	return departed
}
