// Package segment groups contiguous chunks into sessions by detecting
// silence gaps in the chunk-level RMS stream.
package segment

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/voicelink/voicelink/internal/chunk"
	"github.com/voicelink/voicelink/internal/events"
)

// State is the silence-gap state machine's position.
type State int

const (
	// Idle: no open session.
	Idle State = iota
	// Active: session open, silence run is zero.
	Active
	// TrailingSilence: session open, accumulating silence below the gap.
	TrailingSilence
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Active:
		return "active"
	case TrailingSilence:
		return "trailing-silence"
	}
	return "unknown"
}

// Outcome is how a session ends.
type Outcome string

const (
	OutcomeClosed    Outcome = "closed"
	OutcomeDiscarded Outcome = "discarded"
)

// SessionSink applies session lifecycle events. Calls for a given session
// arrive strictly in chunk order and must be applied in that order.
type SessionSink interface {
	Begin(start time.Time) (string, error)
	Append(sessionID string, c chunk.Meta) error
	Close(sessionID string, end time.Time, outcome Outcome) error
}

// Config configures the segmentation engine.
type Config struct {
	SilenceThreshold   float64       // RMS below this marks a chunk silent
	SilenceGap         time.Duration // consecutive silence that closes a session
	MinSessionDuration time.Duration // shorter sessions are discarded
	Sink               SessionSink
	Events             events.Sink
	Log                zerolog.Logger
}

// Engine consumes chunk metadata in capture order and drives session
// lifecycle through the sink. Classification is per chunk, so segmentation
// latency is bounded by one chunk duration.
type Engine struct {
	cfg Config

	state      State
	sessionID  string
	sessionDur time.Duration
	silenceRun time.Duration
	lastEnd    time.Time
}

// New creates a segmentation engine in the Idle state.
func New(cfg Config) *Engine {
	if cfg.Events == nil {
		cfg.Events = events.NopSink{}
	}
	return &Engine{cfg: cfg}
}

// State returns the current machine state.
func (e *Engine) State() State { return e.state }

// SessionID returns the open session's identifier, or "".
func (e *Engine) SessionID() string { return e.sessionID }

// Observe processes one chunk. Chunks must arrive in capture-time order.
func (e *Engine) Observe(m chunk.Meta) error {
	silent := m.RMS < e.cfg.SilenceThreshold

	// A session closes on the silent chunk that arrives after a full gap of
	// silence has already accumulated; that chunk is still appended to the
	// closing session, never to a future one.
	closeAfterAppend := silent &&
		e.state == TrailingSilence &&
		e.silenceRun >= e.cfg.SilenceGap

	if e.state == Idle {
		if silent {
			// Not part of any session; the file stays on disk under its
			// partition until retention reclaims it.
			return nil
		}
		id, err := e.cfg.Sink.Begin(m.Start)
		if err != nil {
			return fmt.Errorf("begin session: %w", err)
		}
		e.sessionID = id
		e.sessionDur = 0
		e.silenceRun = 0
		e.state = Active

		e.cfg.Log.Info().Str("session_id", id).Time("start", m.Start).Msg("session opened")
		e.cfg.Events.Emit(events.Event{
			Type:      events.SessionOpened,
			Time:      m.Start,
			SessionID: id,
		})
	}

	// Silence inside a session is retained: pauses in speech belong to the
	// session until the gap threshold is reached.
	if err := e.cfg.Sink.Append(e.sessionID, m); err != nil {
		return fmt.Errorf("append chunk to %s: %w", e.sessionID, err)
	}
	e.sessionDur += m.Duration
	e.lastEnd = m.Start.Add(m.Duration)

	if !silent {
		e.silenceRun = 0
		e.state = Active
		return nil
	}

	e.silenceRun += m.Duration
	e.state = TrailingSilence

	if closeAfterAppend {
		return e.closeSession(e.lastEnd)
	}
	return nil
}

// Finish force-closes any open session, applying the same minimum-duration
// rule as a silence-triggered closure. Used on engine stop and on crash
// recovery replay.
func (e *Engine) Finish() error {
	if e.state == Idle {
		return nil
	}
	return e.closeSession(e.lastEnd)
}

func (e *Engine) closeSession(end time.Time) error {
	outcome := OutcomeClosed
	if e.sessionDur < e.cfg.MinSessionDuration {
		outcome = OutcomeDiscarded
	}

	if err := e.cfg.Sink.Close(e.sessionID, end, outcome); err != nil {
		return fmt.Errorf("close session %s: %w", e.sessionID, err)
	}

	e.cfg.Log.Info().
		Str("session_id", e.sessionID).
		Str("outcome", string(outcome)).
		Dur("duration", e.sessionDur).
		Msg("session closed")

	evType := events.SessionClosed
	if outcome == OutcomeDiscarded {
		evType = events.SessionDiscarded
	}
	e.cfg.Events.Emit(events.Event{
		Type:      evType,
		Time:      end,
		SessionID: e.sessionID,
		Duration:  e.sessionDur,
	})

	e.sessionID = ""
	e.sessionDur = 0
	e.silenceRun = 0
	e.state = Idle
	return nil
}
