package store

import (
	"errors"
	"math"
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "sessions.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testChunk(seq int, start time.Time, dur time.Duration, rms float64) ChunkRef {
	return ChunkRef{
		Seq:             seq,
		Path:            "/data/2026-08-20/chunk.wav",
		Start:           start,
		DurationSeconds: dur.Seconds(),
		RMS:             rms,
	}
}

func TestBeginAppendClose(t *testing.T) {
	s := openTestStore(t)
	start := time.Date(2026, 8, 20, 10, 0, 0, 0, time.Local)

	id, err := s.Begin(start)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}

	for i := 0; i < 3; i++ {
		c := testChunk(i+1, start.Add(time.Duration(i)*30*time.Second), 30*time.Second, 0.05)
		if err := s.AppendChunk(id, c); err != nil {
			t.Fatalf("AppendChunk %d: %v", i+1, err)
		}
	}

	sess, err := s.Get(id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if sess.Status != StatusOpen {
		t.Errorf("status = %s, want open", sess.Status)
	}
	if sess.ChunkCount != 3 {
		t.Errorf("chunk count = %d, want 3", sess.ChunkCount)
	}
	// Duration must always equal the sum of the chunks' durations.
	var sum float64
	for _, c := range sess.Chunks {
		sum += c.DurationSeconds
	}
	if math.Abs(sess.DurationSeconds-sum) > 1e-9 {
		t.Errorf("duration = %f, want sum of chunks %f", sess.DurationSeconds, sum)
	}
	if sess.EndTime == nil {
		t.Fatal("end time should track the last chunk")
	}
	wantEnd := start.Add(90 * time.Second)
	if !sess.EndTime.Equal(wantEnd) {
		t.Errorf("end = %s, want %s", sess.EndTime, wantEnd)
	}

	end := start.Add(90 * time.Second)
	if err := s.CloseSession(id, end, StatusClosed); err != nil {
		t.Fatalf("CloseSession: %v", err)
	}

	sess, _ = s.Get(id)
	if sess.Status != StatusClosed {
		t.Errorf("status = %s, want closed", sess.Status)
	}
	if sess.TranscriptionStatus != TranscriptionPending {
		t.Errorf("transcription = %s, want pending", sess.TranscriptionStatus)
	}
}

func TestAppendToClosedSessionFails(t *testing.T) {
	s := openTestStore(t)
	start := time.Now()

	id, _ := s.Begin(start)
	if err := s.AppendChunk(id, testChunk(1, start, 30*time.Second, 0.05)); err != nil {
		t.Fatalf("AppendChunk: %v", err)
	}
	if err := s.CloseSession(id, start.Add(30*time.Second), StatusClosed); err != nil {
		t.Fatalf("CloseSession: %v", err)
	}

	err := s.AppendChunk(id, testChunk(2, start.Add(30*time.Second), 30*time.Second, 0.05))
	if !errors.Is(err, ErrSessionNotOpen) {
		t.Errorf("append to closed session: got %v, want ErrSessionNotOpen", err)
	}

	// No partial application: chunk count unchanged.
	sess, _ := s.Get(id)
	if sess.ChunkCount != 1 {
		t.Errorf("chunk count = %d, want 1", sess.ChunkCount)
	}
	if len(sess.Chunks) != 1 {
		t.Errorf("chunk rows = %d, want 1", len(sess.Chunks))
	}
}

func TestAverageRMSIncremental(t *testing.T) {
	s := openTestStore(t)
	start := time.Now()

	id, _ := s.Begin(start)
	levels := []float64{0.02, 0.04, 0.06}
	for i, rms := range levels {
		c := testChunk(i+1, start.Add(time.Duration(i)*30*time.Second), 30*time.Second, rms)
		if err := s.AppendChunk(id, c); err != nil {
			t.Fatalf("AppendChunk: %v", err)
		}
	}

	sess, _ := s.Get(id)
	if math.Abs(sess.AvgRMS-0.04) > 1e-9 {
		t.Errorf("avg rms = %f, want 0.04", sess.AvgRMS)
	}
}

func TestDiscardedSessionSkipsTranscription(t *testing.T) {
	s := openTestStore(t)
	start := time.Now()

	id, _ := s.Begin(start)
	if err := s.CloseSession(id, start.Add(10*time.Second), StatusDiscarded); err != nil {
		t.Fatalf("CloseSession: %v", err)
	}

	sess, _ := s.Get(id)
	if sess.Status != StatusDiscarded {
		t.Errorf("status = %s, want discarded", sess.Status)
	}
	if sess.TranscriptionStatus != TranscriptionNone {
		t.Errorf("transcription = %s, want none", sess.TranscriptionStatus)
	}
}

func TestRecoverOpenForceCloses(t *testing.T) {
	s := openTestStore(t)
	start := time.Now().Add(-time.Hour)

	longID, _ := s.Begin(start)
	for i := 0; i < 3; i++ {
		c := testChunk(i+1, start.Add(time.Duration(i)*30*time.Second), 30*time.Second, 0.05)
		if err := s.AppendChunk(longID, c); err != nil {
			t.Fatalf("AppendChunk: %v", err)
		}
	}

	shortID, _ := s.Begin(start.Add(10 * time.Minute))
	if err := s.AppendChunk(shortID, testChunk(1, start.Add(10*time.Minute), 10*time.Second, 0.05)); err != nil {
		t.Fatalf("AppendChunk: %v", err)
	}

	recovered, err := s.RecoverOpen(30 * time.Second)
	if err != nil {
		t.Fatalf("RecoverOpen: %v", err)
	}
	if len(recovered) != 2 {
		t.Fatalf("recovered %d sessions, want 2", len(recovered))
	}

	long, _ := s.Get(longID)
	if long.Status != StatusClosed {
		t.Errorf("90s session status = %s, want closed", long.Status)
	}
	short, _ := s.Get(shortID)
	if short.Status != StatusDiscarded {
		t.Errorf("10s session status = %s, want discarded", short.Status)
	}

	// Idempotent: nothing left open.
	recovered, err = s.RecoverOpen(30 * time.Second)
	if err != nil {
		t.Fatalf("RecoverOpen second run: %v", err)
	}
	if len(recovered) != 0 {
		t.Errorf("second recovery touched %d sessions, want 0", len(recovered))
	}
}

func TestTags(t *testing.T) {
	s := openTestStore(t)
	id, _ := s.Begin(time.Now())

	if err := s.AddTag(id, "meeting"); err != nil {
		t.Fatalf("AddTag: %v", err)
	}
	if err := s.AddTag(id, "meeting"); err != nil {
		t.Fatalf("AddTag duplicate: %v", err)
	}
	if err := s.AddTag(id, "standup"); err != nil {
		t.Fatalf("AddTag: %v", err)
	}

	sess, _ := s.Get(id)
	if len(sess.Tags) != 2 {
		t.Fatalf("tags = %v, want [meeting standup]", sess.Tags)
	}

	byTag, err := s.List(Filter{Tag: "standup"})
	if err != nil {
		t.Fatalf("List by tag: %v", err)
	}
	if len(byTag) != 1 || byTag[0].ID != id {
		t.Errorf("tag filter returned %d sessions", len(byTag))
	}

	if err := s.RemoveTag(id, "meeting"); err != nil {
		t.Fatalf("RemoveTag: %v", err)
	}
	sess, _ = s.Get(id)
	if len(sess.Tags) != 1 || sess.Tags[0] != "standup" {
		t.Errorf("tags after remove = %v, want [standup]", sess.Tags)
	}
}

func TestListFilters(t *testing.T) {
	s := openTestStore(t)

	day1 := time.Date(2026, 8, 19, 9, 0, 0, 0, time.Local)
	day2 := time.Date(2026, 8, 20, 9, 0, 0, 0, time.Local)

	id1, _ := s.Begin(day1)
	s.CloseSession(id1, day1.Add(time.Minute), StatusClosed)
	id2, _ := s.Begin(day2)
	s.CloseSession(id2, day2.Add(time.Minute), StatusDiscarded)

	byDate, err := s.List(Filter{Date: "2026-08-19"})
	if err != nil {
		t.Fatalf("List by date: %v", err)
	}
	if len(byDate) != 1 || byDate[0].ID != id1 {
		t.Errorf("date filter returned %d sessions", len(byDate))
	}

	byStatus, err := s.List(Filter{Status: StatusDiscarded})
	if err != nil {
		t.Fatalf("List by status: %v", err)
	}
	if len(byStatus) != 1 || byStatus[0].ID != id2 {
		t.Errorf("status filter returned %d sessions", len(byStatus))
	}
}

func TestVerifyChunksMarksStale(t *testing.T) {
	s := openTestStore(t)
	start := time.Now()

	id, _ := s.Begin(start)
	s.AppendChunk(id, testChunk(1, start, 30*time.Second, 0.05))
	s.CloseSession(id, start.Add(30*time.Second), StatusClosed)

	stale, err := s.VerifyChunks(id, func(string) bool { return true })
	if err != nil {
		t.Fatalf("VerifyChunks: %v", err)
	}
	if stale {
		t.Error("session marked stale with all files present")
	}

	stale, err = s.VerifyChunks(id, func(string) bool { return false })
	if err != nil {
		t.Fatalf("VerifyChunks: %v", err)
	}
	if !stale {
		t.Error("session not marked stale with missing file")
	}

	sess, _ := s.Get(id)
	if !sess.Stale {
		t.Error("stale flag not persisted")
	}
}

func TestSetTranscription(t *testing.T) {
	s := openTestStore(t)
	id, _ := s.Begin(time.Now())

	if err := s.SetTranscription(id, TranscriptionDone, "/data/transcripts/x.txt"); err != nil {
		t.Fatalf("SetTranscription: %v", err)
	}
	sess, _ := s.Get(id)
	if sess.TranscriptionStatus != TranscriptionDone {
		t.Errorf("transcription = %s, want done", sess.TranscriptionStatus)
	}
	if sess.TranscriptionPath != "/data/transcripts/x.txt" {
		t.Errorf("path = %s", sess.TranscriptionPath)
	}

	if err := s.SetTranscription("missing", TranscriptionDone, ""); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("missing session: got %v, want ErrSessionNotFound", err)
	}
}

func TestListEndedBefore(t *testing.T) {
	s := openTestStore(t)

	old := time.Now().AddDate(0, 0, -40)
	recent := time.Now().AddDate(0, 0, -1)

	oldID, _ := s.Begin(old)
	s.AppendChunk(oldID, testChunk(1, old, 30*time.Second, 0.05))
	s.CloseSession(oldID, old.Add(30*time.Second), StatusClosed)

	recentID, _ := s.Begin(recent)
	s.CloseSession(recentID, recent.Add(30*time.Second), StatusClosed)

	openID, _ := s.Begin(old)
	_ = openID

	expired, err := s.ListEndedBefore(time.Now().AddDate(0, 0, -30))
	if err != nil {
		t.Fatalf("ListEndedBefore: %v", err)
	}
	if len(expired) != 1 || expired[0].ID != oldID {
		t.Fatalf("expected only the old closed session, got %d", len(expired))
	}
	if len(expired[0].Chunks) != 1 {
		t.Errorf("expired session chunks = %d, want 1", len(expired[0].Chunks))
	}
}

func TestSessionIDFormat(t *testing.T) {
	start := time.Date(2026, 8, 20, 14, 30, 5, 0, time.Local)
	id := NewSessionID(start)

	const prefix = "sess_20260820_143005_"
	if len(id) != len(prefix)+6 || id[:len(prefix)] != prefix {
		t.Errorf("session id = %q, want prefix %q plus 6 chars", id, prefix)
	}

	if id == NewSessionID(start) {
		t.Error("two IDs from the same start time should differ")
	}
}
