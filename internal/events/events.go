// Package events defines the structured lifecycle records the pipeline emits
// for status/dashboard consumers.
package events

import (
	"time"

	"github.com/rs/zerolog"
)

// Type identifies a lifecycle event.
type Type string

const (
	SessionOpened    Type = "session-opened"
	SessionClosed    Type = "session-closed"
	SessionDiscarded Type = "session-discarded"
	ChunkWriteFailed Type = "chunk-write-failed"
	DeviceLost       Type = "device-lost"
)

// Event is a single structured lifecycle record.
type Event struct {
	Type      Type          `json:"type"`
	Time      time.Time     `json:"time"`
	SessionID string        `json:"session_id,omitempty"`
	ChunkPath string        `json:"chunk_path,omitempty"`
	Duration  time.Duration `json:"duration,omitempty"`
	Detail    string        `json:"detail,omitempty"`
}

// Sink receives lifecycle events.
type Sink interface {
	Emit(Event)
}

// LogSink writes events to a zerolog logger.
type LogSink struct {
	Log zerolog.Logger
}

func (s LogSink) Emit(e Event) {
	evt := s.Log.Info().
		Str("event", string(e.Type)).
		Time("at", e.Time)
	if e.SessionID != "" {
		evt = evt.Str("session_id", e.SessionID)
	}
	if e.ChunkPath != "" {
		evt = evt.Str("chunk", e.ChunkPath)
	}
	if e.Duration != 0 {
		evt = evt.Dur("duration", e.Duration)
	}
	if e.Detail != "" {
		evt = evt.Str("detail", e.Detail)
	}
	evt.Msg("lifecycle event")
}

// NopSink discards all events.
type NopSink struct{}

func (NopSink) Emit(Event) {}
