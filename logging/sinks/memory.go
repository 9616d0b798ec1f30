package sinks

import (
	"context"
	"sync"

	"sparc/server/logging"
)

// Memory retains events in order for inspection in tests.
type Memory struct {
	mu     sync.Mutex
	events []logging.Event
}

func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) Write(event logging.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return nil
}

func (m *Memory) Events() []logging.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]logging.Event(nil), m.events...)
}

func (m *Memory) Close(context.Context) error { return nil }
