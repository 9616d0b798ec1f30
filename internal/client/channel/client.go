package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"sparc/server/internal/net/proto"
	"sparc/server/internal/telemetry"
)

const writeWait = 10 * time.Second

var (
	ErrClientClosed   = errors.New("channel client closed")
	ErrTopicOpen      = errors.New("topic already has an open channel")
	ErrNotSubscribed  = errors.New("channel not subscribed")
	ErrAlreadyStarted = errors.New("channel already subscribing")
)

// Config tunes a Client.
type Config struct {
	Logger telemetry.Logger
}

// Client multiplexes topic channels over a single websocket connection.
type Client struct {
	mu       sync.Mutex
	conn     *websocket.Conn
	writeMu  sync.Mutex
	logger   telemetry.Logger
	channels map[string]*topicChannel
	closed   bool
	done     chan struct{}
}

// Dial connects to a realtime endpoint and starts the read loop.
func Dial(ctx context.Context, url string, cfg Config) (*Client, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = telemetry.LoggerFunc(nil)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	c := &Client{
		conn:     conn,
		logger:   logger,
		channels: make(map[string]*topicChannel),
		done:     make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Channel binds a topic. At most one open channel per topic is allowed;
// reopening requires unsubscribing the previous handle first.
func (c *Client) Channel(topic string, opts ChannelOptions) (Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClientClosed
	}
	if _, exists := c.channels[topic]; exists {
		return nil, fmt.Errorf("%w: %s", ErrTopicOpen, topic)
	}
	ch := &topicChannel{
		client:     c,
		topic:      topic,
		opts:       opts,
		status:     StatusClosed,
		broadcasts: make(map[string][]BroadcastHandler),
		presence:   make(map[string][]PresenceHandler),
	}
	c.channels[topic] = ch
	return ch, nil
}

// Heartbeat sends a liveness probe carrying the client's clock.
func (c *Client) Heartbeat() error {
	return c.write(proto.ClientMessage{
		Type:   proto.TypeHeartbeat,
		SentAt: time.Now().UnixMilli(),
	})
}

// Done closes when the read loop exits (connection lost or Close called).
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Close tears down every channel and the underlying connection.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	channels := make([]*topicChannel, 0, len(c.channels))
	for _, ch := range c.channels {
		channels = append(channels, ch)
	}
	c.channels = make(map[string]*topicChannel)
	c.mu.Unlock()

	for _, ch := range channels {
		ch.markClosed()
	}
	c.conn.Close()
}

func (c *Client) write(msg proto.ClientMessage) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClientClosed
	}
	c.mu.Unlock()

	msg.Ver = proto.Version
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode %s message: %w", msg.Type, err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *Client) readLoop() {
	defer close(c.done)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		msg, err := proto.DecodeServerMessage(data)
		if err != nil {
			c.logger.Printf("discarding malformed frame: %v", err)
			continue
		}
		if msg.Type == proto.TypeHeartbeat {
			continue
		}

		c.mu.Lock()
		ch := c.channels[msg.Topic]
		c.mu.Unlock()
		if ch == nil {
			// Late frame for an unsubscribed topic: dropped, never applied.
			continue
		}
		ch.dispatch(msg)
	}
}

// remove detaches a channel after Unsubscribe. Safe when already detached.
func (c *Client) remove(topic string, ch *topicChannel) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if current, ok := c.channels[topic]; ok && current == ch {
		delete(c.channels, topic)
	}
}

type topicChannel struct {
	client *Client
	topic  string
	opts   ChannelOptions

	mu         sync.Mutex
	status     Status
	onStatus   StatusHandler
	started    bool
	broadcasts map[string][]BroadcastHandler
	changes    []ChangeHandler
	presence   map[string][]PresenceHandler
	roster     proto.PresenceSet
}

func (ch *topicChannel) Topic() string { return ch.topic }

func (ch *topicChannel) OnBroadcast(event string, fn BroadcastHandler) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.broadcasts[event] = append(ch.broadcasts[event], fn)
}

func (ch *topicChannel) OnChange(fn ChangeHandler) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.changes = append(ch.changes, fn)
}

func (ch *topicChannel) OnPresence(kind string, fn PresenceHandler) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.presence[kind] = append(ch.presence[kind], fn)
}

// Subscribe sends the join request. The status handler observes the
// connecting state immediately and the outcome when the reply arrives.
func (ch *topicChannel) Subscribe(onStatus StatusHandler) error {
	ch.mu.Lock()
	if ch.started {
		ch.mu.Unlock()
		return ErrAlreadyStarted
	}
	ch.started = true
	ch.onStatus = onStatus
	ch.status = StatusConnecting
	ch.mu.Unlock()

	ch.notify(StatusConnecting, "")

	msg := proto.ClientMessage{
		Type:        proto.TypeJoin,
		Topic:       ch.topic,
		PresenceKey: ch.opts.PresenceKey,
	}
	if ch.opts.ChangeRecordID != "" {
		msg.Filter = &proto.ChangeFilter{RecordID: ch.opts.ChangeRecordID}
	}
	if err := ch.client.write(msg); err != nil {
		ch.mu.Lock()
		ch.status = StatusChannelError
		ch.mu.Unlock()
		ch.notify(StatusChannelError, err.Error())
		return err
	}
	return nil
}

func (ch *topicChannel) Send(event string, payload any) error {
	ch.mu.Lock()
	subscribed := ch.status == StatusSubscribed
	ch.mu.Unlock()
	if !subscribed {
		return ErrNotSubscribed
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode broadcast payload: %w", err)
	}
	return ch.client.write(proto.ClientMessage{
		Type:    proto.TypeBroadcast,
		Topic:   ch.topic,
		Event:   event,
		Payload: data,
	})
}

func (ch *topicChannel) Track(state any) error {
	ch.mu.Lock()
	subscribed := ch.status == StatusSubscribed
	ch.mu.Unlock()
	if !subscribed {
		return ErrNotSubscribed
	}
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode presence state: %w", err)
	}
	return ch.client.write(proto.ClientMessage{
		Type:  proto.TypeTrack,
		Topic: ch.topic,
		State: data,
	})
}

// PresenceState returns the roster from the most recent presence update.
func (ch *topicChannel) PresenceState() proto.PresenceSet {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.roster == nil {
		return nil
	}
	out := make(proto.PresenceSet, len(ch.roster))
	for key, states := range ch.roster {
		out[key] = append([]json.RawMessage(nil), states...)
	}
	return out
}

func (ch *topicChannel) IsSubscribed() bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.status == StatusSubscribed
}

// Unsubscribe leaves the topic and detaches the channel. The closed status
// is reported silently; late frames for the topic are dropped by the
// client's read loop.
func (ch *topicChannel) Unsubscribe() {
	ch.client.remove(ch.topic, ch)
	_ = ch.client.write(proto.ClientMessage{Type: proto.TypeLeave, Topic: ch.topic})
	ch.markClosed()
}

func (ch *topicChannel) markClosed() {
	ch.mu.Lock()
	alreadyClosed := ch.status == StatusClosed
	ch.status = StatusClosed
	ch.started = false
	ch.mu.Unlock()
	if !alreadyClosed {
		ch.notify(StatusClosed, "")
	}
}

func (ch *topicChannel) dispatch(msg proto.ServerMessage) {
	switch msg.Type {
	case proto.TypeJoinReply:
		if msg.Status == proto.JoinStatusSubscribed {
			ch.mu.Lock()
			ch.status = StatusSubscribed
			ch.mu.Unlock()
			ch.notify(StatusSubscribed, "")
			return
		}
		ch.mu.Lock()
		ch.status = StatusChannelError
		ch.mu.Unlock()
		ch.notify(StatusChannelError, msg.Reason)
	case proto.TypeBroadcast:
		ch.mu.Lock()
		handlers := append([]BroadcastHandler(nil), ch.broadcasts[msg.Event]...)
		ch.mu.Unlock()
		for _, fn := range handlers {
			fn(msg.Event, msg.Payload, msg.Sender)
		}
	case proto.TypeChange:
		if msg.Record == nil {
			// Change with no record carries nothing to apply.
			return
		}
		ch.mu.Lock()
		handlers := append([]ChangeHandler(nil), ch.changes...)
		ch.mu.Unlock()
		for _, fn := range handlers {
			fn(msg.RecordID, msg.Record)
		}
	case proto.TypePresence:
		ch.mu.Lock()
		ch.roster = msg.State
		handlers := append([]PresenceHandler(nil), ch.presence[msg.Kind]...)
		ch.mu.Unlock()
		for _, fn := range handlers {
			fn(msg.Key, msg.State)
		}
	}
}

func (ch *topicChannel) notify(status Status, reason string) {
	ch.mu.Lock()
	fn := ch.onStatus
	ch.mu.Unlock()
	if fn != nil {
		fn(status, reason)
	}
}
