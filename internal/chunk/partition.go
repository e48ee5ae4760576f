package chunk

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const manifestName = "partition.json"

// Manifest is the per-date aggregate record kept alongside a partition's
// chunk files, for quick disk-usage queries.
type Manifest struct {
	Date                 string  `json:"date"`
	ChunkCount           int     `json:"chunk_count"`
	TotalDurationSeconds float64 `json:"total_duration_seconds"`
	TotalBytes           int64   `json:"total_bytes"`
}

// partition is one calendar date's chunk directory. Created lazily on the
// first chunk of a new date; never merged or split.
type partition struct {
	date     string // YYYY-MM-DD
	dir      string
	manifest Manifest
}

func openPartition(dataDir, date string) (*partition, error) {
	dir := filepath.Join(dataDir, date)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create partition %s: %w", date, err)
	}

	p := &partition{
		date:     date,
		dir:      dir,
		manifest: Manifest{Date: date},
	}

	// Resume the manifest after a restart within the same day.
	if data, err := os.ReadFile(filepath.Join(dir, manifestName)); err == nil {
		json.Unmarshal(data, &p.manifest)
		p.manifest.Date = date
	}

	return p, nil
}

func (p *partition) chunkPath(name string) string {
	return filepath.Join(p.dir, name)
}

func (p *partition) recordChunk(duration time.Duration, bytes int64) error {
	p.manifest.ChunkCount++
	p.manifest.TotalDurationSeconds += duration.Seconds()
	p.manifest.TotalBytes += bytes
	return p.writeManifest()
}

// writeManifest rewrites the manifest atomically so readers never observe a
// torn record.
func (p *partition) writeManifest() error {
	data, err := json.MarshalIndent(p.manifest, "", "  ")
	if err != nil {
		return err
	}

	tmp := filepath.Join(p.dir, manifestName+".tmp")
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, filepath.Join(p.dir, manifestName))
}

// ReadManifest loads the aggregate record for one date, for stats consumers.
func ReadManifest(dataDir, date string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(dataDir, date, manifestName))
	if err != nil {
		return nil, err
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest for %s: %w", date, err)
	}
	return &m, nil
}
