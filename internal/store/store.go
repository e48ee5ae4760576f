package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

var (
	// ErrSessionNotOpen is returned when a mutation targets a session that
	// is already closed or discarded. That indicates a caller bug.
	ErrSessionNotOpen = errors.New("store: session not open")

	// ErrSessionNotFound is returned when no session has the given ID.
	ErrSessionNotFound = errors.New("store: session not found")
)

// Store is the durable record of sessions and their chunk membership. It is
// single-writer: only the pipeline's consumer goroutine mutates it. Readers
// get consistent snapshots through WAL mode.
type Store struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	start_time REAL NOT NULL,
	end_time REAL,
	duration_seconds REAL NOT NULL DEFAULT 0,
	avg_rms REAL NOT NULL DEFAULT 0,
	chunk_count INTEGER NOT NULL DEFAULT 0,
	status TEXT NOT NULL DEFAULT 'open',
	tags TEXT NOT NULL DEFAULT '[]',
	transcription_status TEXT NOT NULL DEFAULT 'none',
	transcription_path TEXT NOT NULL DEFAULT '',
	title TEXT NOT NULL DEFAULT '',
	summary TEXT NOT NULL DEFAULT '',
	notes TEXT NOT NULL DEFAULT '',
	stale INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_sessions_start_time ON sessions(start_time);
CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);

CREATE TABLE IF NOT EXISTS session_chunks (
	session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	seq INTEGER NOT NULL,
	path TEXT NOT NULL,
	start_time REAL NOT NULL,
	duration_seconds REAL NOT NULL,
	rms REAL NOT NULL,
	PRIMARY KEY (session_id, seq)
);
`

// Open opens (creating if needed) the session database at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// The store is single-writer; one connection sidesteps SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// NewSessionID derives a globally unique identifier from the start time.
func NewSessionID(start time.Time) string {
	return fmt.Sprintf("sess_%s_%s", start.Format("20060102_150405"), uuid.NewString()[:6])
}

// Begin creates a new open session and returns its ID.
func (s *Store) Begin(start time.Time) (string, error) {
	id := NewSessionID(start)
	_, err := s.db.Exec(`
		INSERT INTO sessions (id, start_time, status)
		VALUES (?, ?, ?)
	`, id, unix(start), StatusOpen)
	if err != nil {
		return "", fmt.Errorf("begin session: %w", err)
	}
	return id, nil
}

// AppendChunk adds a chunk reference and recomputes the session's duration,
// end time and running average RMS in a single transaction, so partial
// application is never observable.
func (s *Store) AppendChunk(sessionID string, c ChunkRef) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var status Status
	var count int
	var avg float64
	err = tx.QueryRow(`
		SELECT status, chunk_count, avg_rms FROM sessions WHERE id = ?
	`, sessionID).Scan(&status, &count, &avg)
	if err == sql.ErrNoRows {
		return ErrSessionNotFound
	}
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}
	if status != StatusOpen {
		return ErrSessionNotOpen
	}

	if _, err := tx.Exec(`
		INSERT INTO session_chunks (session_id, seq, path, start_time, duration_seconds, rms)
		VALUES (?, ?, ?, ?, ?, ?)
	`, sessionID, c.Seq, c.Path, unix(c.Start), c.DurationSeconds, c.RMS); err != nil {
		return fmt.Errorf("insert chunk: %w", err)
	}

	end := c.Start.Add(time.Duration(c.DurationSeconds * float64(time.Second)))
	newAvg := (avg*float64(count) + c.RMS) / float64(count+1)

	if _, err := tx.Exec(`
		UPDATE sessions
		SET duration_seconds = duration_seconds + ?,
		    avg_rms = ?,
		    chunk_count = chunk_count + 1,
		    end_time = ?
		WHERE id = ?
	`, c.DurationSeconds, newAvg, unix(end), sessionID); err != nil {
		return fmt.Errorf("update session: %w", err)
	}

	return tx.Commit()
}

// CloseSession finalizes an open session with the given outcome status.
func (s *Store) CloseSession(sessionID string, end time.Time, outcome Status) error {
	if outcome != StatusClosed && outcome != StatusDiscarded {
		return fmt.Errorf("invalid close outcome %q", outcome)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var status Status
	err = tx.QueryRow(`SELECT status FROM sessions WHERE id = ?`, sessionID).Scan(&status)
	if err == sql.ErrNoRows {
		return ErrSessionNotFound
	}
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}
	if status != StatusOpen {
		return ErrSessionNotOpen
	}

	transcription := TranscriptionPending
	if outcome == StatusDiscarded {
		transcription = TranscriptionNone
	}

	if _, err := tx.Exec(`
		UPDATE sessions SET status = ?, end_time = ?, transcription_status = ?
		WHERE id = ?
	`, outcome, unix(end), transcription, sessionID); err != nil {
		return fmt.Errorf("close session: %w", err)
	}

	return tx.Commit()
}

// Get returns one session with its ordered chunk references.
func (s *Store) Get(sessionID string) (*Session, error) {
	row := s.db.QueryRow(sessionSelect+` WHERE id = ?`, sessionID)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan session: %w", err)
	}

	chunks, err := s.chunksFor(sessionID)
	if err != nil {
		return nil, err
	}
	sess.Chunks = chunks
	return sess, nil
}

// List returns sessions matching the filter, newest first.
func (s *Store) List(f Filter) ([]*Session, error) {
	query := sessionSelect + ` WHERE 1=1`
	var args []any

	if f.Date != "" {
		t, err := time.ParseInLocation("2006-01-02", f.Date, time.Local)
		if err != nil {
			return nil, fmt.Errorf("invalid date filter %q: %w", f.Date, err)
		}
		query += ` AND start_time >= ? AND start_time < ?`
		args = append(args, unix(t), unix(t.AddDate(0, 0, 1)))
	}
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, f.Status)
	}
	if f.Tag != "" {
		query += ` AND tags LIKE ?`
		args = append(args, `%"`+f.Tag+`"%`)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` ORDER BY start_time DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// ListEndedBefore returns non-open sessions whose end time is older than the
// cutoff, oldest first, with chunk references populated. Used by retention.
func (s *Store) ListEndedBefore(cutoff time.Time) ([]*Session, error) {
	rows, err := s.db.Query(sessionSelect+`
		WHERE status != ? AND end_time IS NOT NULL AND end_time < ?
		ORDER BY end_time ASC
	`, StatusOpen, unix(cutoff))
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, sess := range sessions {
		chunks, err := s.chunksFor(sess.ID)
		if err != nil {
			return nil, err
		}
		sess.Chunks = chunks
	}
	return sessions, nil
}

// Delete removes a session record and its chunk references.
func (s *Store) Delete(sessionID string) error {
	res, err := s.db.Exec(`DELETE FROM sessions WHERE id = ?`, sessionID)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// AddTag adds a tag to a session if not already present.
func (s *Store) AddTag(sessionID, tag string) error {
	return s.updateTags(sessionID, func(tags []string) []string {
		for _, t := range tags {
			if t == tag {
				return tags
			}
		}
		return append(tags, tag)
	})
}

// RemoveTag removes a tag from a session.
func (s *Store) RemoveTag(sessionID, tag string) error {
	return s.updateTags(sessionID, func(tags []string) []string {
		out := tags[:0]
		for _, t := range tags {
			if t != tag {
				out = append(out, t)
			}
		}
		return out
	})
}

func (s *Store) updateTags(sessionID string, mutate func([]string) []string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var raw string
	err = tx.QueryRow(`SELECT tags FROM sessions WHERE id = ?`, sessionID).Scan(&raw)
	if err == sql.ErrNoRows {
		return ErrSessionNotFound
	}
	if err != nil {
		return fmt.Errorf("load tags: %w", err)
	}

	var tags []string
	if err := json.Unmarshal([]byte(raw), &tags); err != nil {
		tags = nil
	}
	tags = mutate(tags)
	if tags == nil {
		tags = []string{}
	}

	data, err := json.Marshal(tags)
	if err != nil {
		return err
	}
	if _, err := tx.Exec(`UPDATE sessions SET tags = ? WHERE id = ?`, string(data), sessionID); err != nil {
		return fmt.Errorf("update tags: %w", err)
	}
	return tx.Commit()
}

// SetTranscription records the external transcriber's result. Only the
// transcription fields are writable from outside; chunk and timing fields
// never change after close.
func (s *Store) SetTranscription(sessionID string, status TranscriptionStatus, path string) error {
	res, err := s.db.Exec(`
		UPDATE sessions SET transcription_status = ?, transcription_path = ?
		WHERE id = ?
	`, status, path, sessionID)
	if err != nil {
		return fmt.Errorf("set transcription: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// SetTitleSummary records LLM-generated title and summary text.
func (s *Store) SetTitleSummary(sessionID, title, summary string) error {
	res, err := s.db.Exec(`
		UPDATE sessions SET title = ?, summary = ? WHERE id = ?
	`, title, summary, sessionID)
	if err != nil {
		return fmt.Errorf("set title: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// RecoverOpen force-closes sessions left open by a prior run, applying the
// same minimum-duration rule as a live closure. Must run before any new
// session is created. Returns the recovered session IDs.
func (s *Store) RecoverOpen(minDuration time.Duration) ([]string, error) {
	open, err := s.List(Filter{Status: StatusOpen, Limit: 1000})
	if err != nil {
		return nil, err
	}

	var recovered []string
	for _, sess := range open {
		end := sess.StartTime.Add(time.Duration(sess.DurationSeconds * float64(time.Second)))
		if sess.EndTime != nil {
			end = *sess.EndTime
		}

		outcome := StatusClosed
		if sess.DurationSeconds < minDuration.Seconds() {
			outcome = StatusDiscarded
		}
		if err := s.CloseSession(sess.ID, end, outcome); err != nil {
			return recovered, fmt.Errorf("recover %s: %w", sess.ID, err)
		}
		recovered = append(recovered, sess.ID)
	}
	return recovered, nil
}

// VerifyChunks checks that every chunk file a session references still
// exists. A missing file marks the session stale rather than failing: the
// record stays queryable, flagged as no longer trustworthy.
func (s *Store) VerifyChunks(sessionID string, exists func(path string) bool) (bool, error) {
	chunks, err := s.chunksFor(sessionID)
	if err != nil {
		return false, err
	}

	for _, c := range chunks {
		if !exists(c.Path) {
			if _, err := s.db.Exec(`UPDATE sessions SET stale = 1 WHERE id = ?`, sessionID); err != nil {
				return false, fmt.Errorf("mark stale: %w", err)
			}
			return true, nil
		}
	}
	return false, nil
}

// GetStats summarizes the store.
func (s *Store) GetStats() (*Stats, error) {
	var st Stats
	err := s.db.QueryRow(`
		SELECT COUNT(*),
		       COALESCE(SUM(CASE WHEN status = 'open' THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(CASE WHEN transcription_status = 'done' THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(duration_seconds), 0) / 3600.0
		FROM sessions
	`).Scan(&st.TotalSessions, &st.OpenSessions, &st.TranscribedCount, &st.TotalDurationHours)
	if err != nil {
		return nil, fmt.Errorf("query stats: %w", err)
	}
	return &st, nil
}

const sessionSelect = `
	SELECT id, start_time, end_time, duration_seconds, avg_rms, chunk_count,
	       status, tags, transcription_status, transcription_path,
	       title, summary, notes, stale
	FROM sessions`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*Session, error) {
	var sess Session
	var startTime float64
	var endTime sql.NullFloat64
	var tags string

	err := row.Scan(&sess.ID, &startTime, &endTime, &sess.DurationSeconds,
		&sess.AvgRMS, &sess.ChunkCount, &sess.Status, &tags,
		&sess.TranscriptionStatus, &sess.TranscriptionPath,
		&sess.Title, &sess.Summary, &sess.Notes, &sess.Stale)
	if err != nil {
		return nil, err
	}

	sess.StartTime = timeFromUnix(startTime)
	if endTime.Valid {
		t := timeFromUnix(endTime.Float64)
		sess.EndTime = &t
	}
	if err := json.Unmarshal([]byte(tags), &sess.Tags); err != nil {
		sess.Tags = nil
	}
	return &sess, nil
}

func (s *Store) chunksFor(sessionID string) ([]ChunkRef, error) {
	rows, err := s.db.Query(`
		SELECT seq, path, start_time, duration_seconds, rms
		FROM session_chunks
		WHERE session_id = ?
		ORDER BY seq ASC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query chunks: %w", err)
	}
	defer rows.Close()

	var chunks []ChunkRef
	for rows.Next() {
		var c ChunkRef
		var start float64
		if err := rows.Scan(&c.Seq, &c.Path, &start, &c.DurationSeconds, &c.RMS); err != nil {
			return nil, fmt.Errorf("scan chunk: %w", err)
		}
		c.Start = timeFromUnix(start)
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

func unix(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

func timeFromUnix(ts float64) time.Time {
	sec := int64(ts)
	nsec := int64((ts - float64(sec)) * 1e9)
	return time.Unix(sec, nsec)
}
