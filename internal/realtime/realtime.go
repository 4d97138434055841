// Package realtime pushes incident changes to connected observers.
//
// Messages are JSON envelopes {"event": "...", "data": {...}}. Delivery is
// best-effort: a slow or dead client is dropped, and a publish failure never
// propagates into the state change that triggered it.
package realtime

import (
	"context"
	"encoding/json"
	"fmt"
)

// Event names understood by the mobile client.
const (
	EventIncidentNew     = "incident:new"
	EventIncidentUpdated = "incident:updated"
)

// Notifier broadcasts an event to every observer.
type Notifier interface {
	Publish(ctx context.Context, event string, payload any) error
}

// Envelope is the wire format of every message.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

func encode(event string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("realtime: encoding %s payload: %w", event, err)
	}
	msg, err := json.Marshal(Envelope{Event: event, Data: data})
	if err != nil {
		return nil, fmt.Errorf("realtime: encoding %s envelope: %w", event, err)
	}
	return msg, nil
}

// Discard is a Notifier that drops everything.
var Discard Notifier = discard{}

type discard struct{}

func (discard) Publish(context.Context, string, any) error { return nil }
