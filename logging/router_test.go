package logging

import (
	"context"
	"sync"
	"testing"
	"time"
)

type captureSink struct {
	mu     sync.Mutex
	events []Event
}

func (c *captureSink) Write(event Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
	return nil
}

func (c *captureSink) Close(context.Context) error { return nil }

func (c *captureSink) snapshot() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Event(nil), c.events...)
}

func TestRouterDeliversToEnabledSink(t *testing.T) {
	sink := &captureSink{}
	cfg := DefaultConfig()
	router, err := NewRouter(cfg, nil, nil, map[string]Sink{"console": sink})
	if err != nil {
		t.Fatalf("new router: %v", err)
	}

	router.Publish(context.Background(), Event{
		Type:     EventDiceRolled,
		Actor:    EntityRef{ID: "char-1", Kind: EntityKindCharacter},
		Session:  "session-1",
		Severity: SeverityInfo,
	})

	if err := router.Close(context.Background()); err != nil {
		t.Fatalf("close router: %v", err)
	}

	events := sink.snapshot()
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].Type != EventDiceRolled {
		t.Fatalf("unexpected event type %s", events[0].Type)
	}
	if events[0].Time.IsZero() {
		t.Fatal("router must stamp event time")
	}
}

func TestRouterFiltersBelowMinimumSeverity(t *testing.T) {
	sink := &captureSink{}
	cfg := DefaultConfig()
	cfg.MinimumSeverity = SeverityWarn
	router, err := NewRouter(cfg, nil, nil, map[string]Sink{"console": sink})
	if err != nil {
		t.Fatalf("new router: %v", err)
	}

	router.Publish(context.Background(), Event{Type: EventPresenceJoin, Severity: SeverityInfo})
	router.Publish(context.Background(), Event{Type: EventChannelError, Severity: SeverityError})

	if err := router.Close(context.Background()); err != nil {
		t.Fatalf("close router: %v", err)
	}

	events := sink.snapshot()
	if len(events) != 1 || events[0].Type != EventChannelError {
		t.Fatalf("expected only the error event, got %+v", events)
	}
}

func TestRouterStampsConfiguredFields(t *testing.T) {
	sink := &captureSink{}
	cfg := DefaultConfig()
	cfg.Fields = map[string]any{"service": "sparc"}
	clock := ClockFunc(func() time.Time { return time.Unix(100, 0) })
	router, err := NewRouter(cfg, clock, nil, map[string]Sink{"console": sink})
	if err != nil {
		t.Fatalf("new router: %v", err)
	}

	router.Publish(context.Background(), Event{Type: EventSessionCreated, Severity: SeverityInfo})
	if err := router.Close(context.Background()); err != nil {
		t.Fatalf("close router: %v", err)
	}

	events := sink.snapshot()
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].Extra["service"] != "sparc" {
		t.Fatalf("expected configured field, got %+v", events[0].Extra)
	}
	if !events[0].Time.Equal(time.Unix(100, 0)) {
		t.Fatalf("expected injected clock time, got %v", events[0].Time)
	}
}

func TestRouterStatsCountPublishes(t *testing.T) {
	sink := &captureSink{}
	router, err := NewRouter(DefaultConfig(), nil, nil, map[string]Sink{"console": sink})
	if err != nil {
		t.Fatalf("new router: %v", err)
	}

	for i := 0; i < 5; i++ {
		router.Publish(context.Background(), Event{Type: EventDiceRolled, Severity: SeverityInfo})
	}
	if err := router.Close(context.Background()); err != nil {
		t.Fatalf("close router: %v", err)
	}

	stats := router.Stats()
	if stats.EventsTotal != 5 {
		t.Fatalf("expected 5 events counted, got %d", stats.EventsTotal)
	}
}
