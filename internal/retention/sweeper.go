// Package retention reclaims storage from sessions and chunks older than the
// configured horizon.
package retention

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/rs/zerolog"

	"github.com/voicelink/voicelink/internal/store"
)

// Policy is the process-wide retention configuration, read once at startup.
type Policy struct {
	RetentionDays int
	DataDir       string
}

// Report is the result of one sweep.
type Report struct {
	DeletedSessions int
	FreedBytes      int64
}

// Sweeper deletes expired sessions and their chunk files. It runs on its own
// schedule and takes no lock the capture or writer paths depend on.
type Sweeper struct {
	Store *store.Store
	Log   zerolog.Logger
}

var dayDirPattern = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)

// Sweep removes sessions whose end time is older than the policy horizon,
// chunk files first, record second: a file deletion failure leaves the record
// behind as a retryable orphan instead of a dangling reference. Re-running
// with nothing eligible is a no-op.
func (s *Sweeper) Sweep(now time.Time, policy Policy) (Report, error) {
	var report Report

	cutoff := now.AddDate(0, 0, -policy.RetentionDays)

	sessions, err := s.Store.ListEndedBefore(cutoff)
	if err != nil {
		return report, fmt.Errorf("list expired sessions: %w", err)
	}

	for _, sess := range sessions {
		freed, failed := s.deleteChunkFiles(sess)
		report.FreedBytes += freed

		if failed {
			s.Log.Warn().Str("session_id", sess.ID).Msg("chunk deletion incomplete, keeping record for retry")
			continue
		}

		if err := s.Store.Delete(sess.ID); err != nil {
			s.Log.Error().Err(err).Str("session_id", sess.ID).Msg("failed to delete session record")
			continue
		}
		report.DeletedSessions++
	}

	freed, err := s.sweepPartitions(cutoff, policy.DataDir)
	report.FreedBytes += freed
	if err != nil {
		return report, err
	}

	s.verifyIntegrity()

	if report.DeletedSessions > 0 || report.FreedBytes > 0 {
		s.Log.Info().
			Int("deleted_sessions", report.DeletedSessions).
			Int64("freed_bytes", report.FreedBytes).
			Msg("retention sweep complete")
	}
	return report, nil
}

// verifyIntegrity cross-checks retained closed sessions against the
// filesystem and flags any whose chunk files have gone missing outside the
// store's control. The record stays queryable, marked as untrustworthy.
func (s *Sweeper) verifyIntegrity() {
	sessions, err := s.Store.List(store.Filter{Status: store.StatusClosed, Limit: 1000})
	if err != nil {
		s.Log.Error().Err(err).Msg("integrity check skipped")
		return
	}

	for _, sess := range sessions {
		if sess.Stale {
			continue
		}
		stale, err := s.Store.VerifyChunks(sess.ID, func(path string) bool {
			_, err := os.Stat(path)
			return err == nil
		})
		if err != nil {
			s.Log.Warn().Err(err).Str("session_id", sess.ID).Msg("chunk verification failed")
			continue
		}
		if stale {
			s.Log.Warn().Str("session_id", sess.ID).Msg("session marked stale, chunk file missing")
		}
	}
}

func (s *Sweeper) deleteChunkFiles(sess *store.Session) (freed int64, failed bool) {
	for _, c := range sess.Chunks {
		info, err := os.Stat(c.Path)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			failed = true
			continue
		}
		if err := os.Remove(c.Path); err != nil {
			s.Log.Warn().Err(err).Str("chunk", c.Path).Msg("failed to delete chunk file")
			failed = true
			continue
		}
		freed += info.Size()
	}
	return freed, failed
}

// sweepPartitions removes whole day-partition directories older than the
// horizon. This reclaims silent chunks that never joined a session. One extra
// day of margin keeps the files of a retained session that spans midnight at
// the boundary.
func (s *Sweeper) sweepPartitions(cutoff time.Time, dataDir string) (int64, error) {
	boundary := cutoff.AddDate(0, 0, -1).Format("2006-01-02")

	entries, err := os.ReadDir(dataDir)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read data dir: %w", err)
	}

	var freed int64
	for _, entry := range entries {
		if !entry.IsDir() || !dayDirPattern.MatchString(entry.Name()) {
			continue
		}
		if entry.Name() >= boundary {
			continue
		}

		dir := filepath.Join(dataDir, entry.Name())
		size := dirSize(dir)
		if err := os.RemoveAll(dir); err != nil {
			s.Log.Warn().Err(err).Str("partition", entry.Name()).Msg("failed to remove partition")
			continue
		}
		freed += size
		s.Log.Debug().Str("partition", entry.Name()).Int64("bytes", size).Msg("partition removed")
	}
	return freed, nil
}

func dirSize(dir string) int64 {
	var size int64
	filepath.Walk(dir, func(_ string, info os.FileInfo, err error) error {
		if err == nil && !info.IsDir() {
			size += info.Size()
		}
		return nil
	})
	return size
}
