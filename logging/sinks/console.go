// Package sinks provides Sink implementations for the logging router.
package sinks

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"sparc/server/logging"
)

// Console writes one line per event to the given writer.
type Console struct {
	mu  sync.Mutex
	out io.Writer
}

func NewConsole(out io.Writer) *Console {
	return &Console{out: out}
}

func (c *Console) Write(event logging.Event) error {
	payload := ""
	if event.Payload != nil {
		if data, err := json.Marshal(event.Payload); err == nil {
			payload = " " + string(data)
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := fmt.Fprintf(c.out, "%s %s actor=%s session=%s%s\n",
		event.Time.Format("15:04:05.000"), event.Type, event.Actor.ID, event.Session, payload)
	return err
}

func (c *Console) Close(context.Context) error { return nil }
