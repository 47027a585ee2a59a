// Package broadcast delivers file and job status events to observers.
//
// The worker publishes into a StatusSink without knowing who listens; the
// websocket Hub fans events out to connected clients, NopSink discards them
// (headless worker processes), and LogSink mirrors them into the structured
// log for debugging.
package broadcast

import (
	"time"

	"go.uber.org/zap"
)

// StatusSink receives status events. Publish is fire-and-forget: slow or
// absent observers must never block or fail the worker loop.
type StatusSink interface {
	Publish(topic, event string, payload any)
}

// Message is the wire envelope for a published event.
type Message struct {
	Type      string `json:"type"`
	Topic     string `json:"topic"`
	Payload   any    `json:"payload,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// NopSink discards every event.
type NopSink struct{}

func (NopSink) Publish(topic, event string, payload any) {}

// LogSink mirrors events into the structured log.
type LogSink struct {
	Logger *zap.SugaredLogger
}

func (s LogSink) Publish(topic, event string, payload any) {
	if s.Logger == nil {
		return
	}
	s.Logger.Debugw("Status event",
		"topic", topic,
		"event", event,
		"payload", payload,
		"timestamp", time.Now().Unix(),
	)
}

// MultiSink publishes to each sink in order.
type MultiSink []StatusSink

func (m MultiSink) Publish(topic, event string, payload any) {
	for _, s := range m {
		s.Publish(topic, event, payload)
	}
}
