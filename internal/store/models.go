// Package store provides durable sqlite-backed session records.
package store

import "time"

// Status is a session's lifecycle state.
type Status string

const (
	StatusOpen      Status = "open"
	StatusClosed    Status = "closed"
	StatusDiscarded Status = "discarded"
)

// TranscriptionStatus tracks the external transcription collaborator's
// progress on a session.
type TranscriptionStatus string

const (
	TranscriptionNone    TranscriptionStatus = "none"
	TranscriptionPending TranscriptionStatus = "pending"
	TranscriptionDone    TranscriptionStatus = "done"
	TranscriptionFailed  TranscriptionStatus = "failed"
)

// Session is one contiguous run of chunks bounded by silence gaps.
type Session struct {
	ID                  string
	StartTime           time.Time
	EndTime             *time.Time
	DurationSeconds     float64
	AvgRMS              float64
	ChunkCount          int
	Status              Status
	Tags                []string
	TranscriptionStatus TranscriptionStatus
	TranscriptionPath   string
	Title               string
	Summary             string
	Notes               string
	// Stale is set when a referenced chunk file is found missing; the
	// session's chunk list can no longer be trusted.
	Stale  bool
	Chunks []ChunkRef
}

// ChunkRef is a non-owning reference to a chunk file. The file bytes belong
// to the day partition, never to the session.
type ChunkRef struct {
	Seq             int
	Path            string
	Start           time.Time
	DurationSeconds float64
	RMS             float64
}

// Filter narrows List results.
type Filter struct {
	Date   string // YYYY-MM-DD, matches session start date
	Status Status
	Tag    string
	Limit  int
}

// Stats summarizes the store for status consumers.
type Stats struct {
	TotalSessions      int
	OpenSessions       int
	TranscribedCount   int
	TotalDurationHours float64
}
