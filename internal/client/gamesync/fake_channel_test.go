package gamesync

import (
	"encoding/json"
	"sync"
	"testing"

	"sparc/server/internal/client/channel"
	"sparc/server/internal/net/proto"
)

// fakeChannel drives the synchronizers without a transport. Tests feed it
// inbound events and inspect what was sent or tracked.
type fakeChannel struct {
	mu    sync.Mutex
	topic string
	opts  channel.ChannelOptions

	broadcasts map[string][]channel.BroadcastHandler
	changes    []channel.ChangeHandler
	presence   map[string][]channel.PresenceHandler
	onStatus   channel.StatusHandler
	status     channel.Status

	sent         []fakeSend
	tracked      []json.RawMessage
	unsubscribed bool
}

type fakeSend struct {
	event   string
	payload json.RawMessage
}

func newFakeChannel(topic string, opts channel.ChannelOptions) *fakeChannel {
	return &fakeChannel{
		topic:      topic,
		opts:       opts,
		status:     channel.StatusClosed,
		broadcasts: make(map[string][]channel.BroadcastHandler),
		presence:   make(map[string][]channel.PresenceHandler),
	}
}

func (f *fakeChannel) Topic() string { return f.topic }

func (f *fakeChannel) OnBroadcast(event string, fn channel.BroadcastHandler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.broadcasts[event] = append(f.broadcasts[event], fn)
}

func (f *fakeChannel) OnChange(fn channel.ChangeHandler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.changes = append(f.changes, fn)
}

func (f *fakeChannel) OnPresence(kind string, fn channel.PresenceHandler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.presence[kind] = append(f.presence[kind], fn)
}

func (f *fakeChannel) Subscribe(onStatus channel.StatusHandler) error {
	f.mu.Lock()
	f.onStatus = onStatus
	f.status = channel.StatusConnecting
	f.mu.Unlock()
	if onStatus != nil {
		onStatus(channel.StatusConnecting, "")
	}
	return nil
}

func (f *fakeChannel) Send(event string, payload any) error {
	f.mu.Lock()
	subscribed := f.status == channel.StatusSubscribed
	f.mu.Unlock()
	if !subscribed {
		return channel.ErrNotSubscribed
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.sent = append(f.sent, fakeSend{event: event, payload: data})
	f.mu.Unlock()
	return nil
}

func (f *fakeChannel) Track(state any) error {
	f.mu.Lock()
	subscribed := f.status == channel.StatusSubscribed
	f.mu.Unlock()
	if !subscribed {
		return channel.ErrNotSubscribed
	}
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.tracked = append(f.tracked, data)
	f.mu.Unlock()
	return nil
}

func (f *fakeChannel) PresenceState() proto.PresenceSet { return nil }

func (f *fakeChannel) IsSubscribed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status == channel.StatusSubscribed
}

func (f *fakeChannel) Unsubscribe() {
	f.mu.Lock()
	f.unsubscribed = true
	f.status = channel.StatusClosed
	onStatus := f.onStatus
	f.mu.Unlock()
	if onStatus != nil {
		onStatus(channel.StatusClosed, "")
	}
}

// Test drivers.

func (f *fakeChannel) setStatus(status channel.Status, reason string) {
	f.mu.Lock()
	f.status = status
	onStatus := f.onStatus
	f.mu.Unlock()
	if onStatus != nil {
		onStatus(status, reason)
	}
}

func (f *fakeChannel) emitBroadcast(t *testing.T, event string, payload any) {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal %s payload: %v", event, err)
	}
	f.mu.Lock()
	handlers := append([]channel.BroadcastHandler(nil), f.broadcasts[event]...)
	f.mu.Unlock()
	for _, fn := range handlers {
		fn(event, data, "peer")
	}
}

func (f *fakeChannel) emitChange(t *testing.T, recordID string, record any) {
	t.Helper()
	data, err := json.Marshal(record)
	if err != nil {
		t.Fatalf("marshal change record: %v", err)
	}
	f.mu.Lock()
	handlers := append([]channel.ChangeHandler(nil), f.changes...)
	f.mu.Unlock()
	for _, fn := range handlers {
		fn(recordID, data)
	}
}

func (f *fakeChannel) emitPresence(kind, key string, state proto.PresenceSet) {
	f.mu.Lock()
	handlers := append([]channel.PresenceHandler(nil), f.presence[kind]...)
	f.mu.Unlock()
	for _, fn := range handlers {
		fn(key, state)
	}
}

func (f *fakeChannel) sentEvents() []fakeSend {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]fakeSend(nil), f.sent...)
}

func (f *fakeChannel) trackedStates() []json.RawMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]json.RawMessage(nil), f.tracked...)
}

// fakeProvider hands out fake channels keyed by topic.
type fakeProvider struct {
	mu       sync.Mutex
	channels map[string]*fakeChannel
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{channels: make(map[string]*fakeChannel)}
}

func (p *fakeProvider) Channel(topic string, opts channel.ChannelOptions) (channel.Channel, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ch := newFakeChannel(topic, opts)
	p.channels[topic] = ch
	return ch, nil
}

func (p *fakeProvider) channelFor(t *testing.T, topic string) *fakeChannel {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	ch, ok := p.channels[topic]
	if !ok {
		t.Fatalf("no channel opened for topic %s", topic)
	}
	return ch
}
