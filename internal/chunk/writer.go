// Package chunk accumulates capture frames into fixed-duration WAV files,
// grouped into day partitions.
package chunk

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/voicelink/voicelink/internal/audio"
)

// Meta describes a flushed chunk. Chunks are immutable once flushed.
type Meta struct {
	Seq        int
	Path       string
	Start      time.Time
	Duration   time.Duration
	SampleRate int
	Channels   int
	RMS        float64
}

// Config configures a chunk writer.
type Config struct {
	DataDir       string
	ChunkDuration time.Duration
	SampleRate    int
	Channels      int
	Log           zerolog.Logger
}

// Writer accumulates frames and flushes a chunk file whenever the target
// duration is reached. Boundaries are time-based, never silence-based, so a
// chunk may span silence and speech.
type Writer struct {
	cfg             Config
	samplesPerChunk int

	seq      int
	buf      []float32
	bufStart time.Time

	part *partition
}

// NewWriter creates a chunk writer rooted at cfg.DataDir.
func NewWriter(cfg Config) (*Writer, error) {
	if cfg.SampleRate <= 0 || cfg.Channels < 1 {
		return nil, fmt.Errorf("invalid format: %d Hz, %d channels", cfg.SampleRate, cfg.Channels)
	}
	if cfg.ChunkDuration <= 0 {
		return nil, fmt.Errorf("invalid chunk duration %s", cfg.ChunkDuration)
	}
	perChunk := int(cfg.ChunkDuration.Seconds()*float64(cfg.SampleRate)) * cfg.Channels
	if perChunk < 1 {
		return nil, fmt.Errorf("chunk duration %s too short for %d Hz", cfg.ChunkDuration, cfg.SampleRate)
	}
	return &Writer{
		cfg:             cfg,
		samplesPerChunk: perChunk,
	}, nil
}

// OnFrame appends a frame to the accumulation buffer and flushes any chunks
// that became complete. A write failure drops that chunk and is returned
// alongside the chunks that did flush; accumulation continues with the
// remaining buffer either way.
func (w *Writer) OnFrame(f audio.Frame) ([]Meta, error) {
	if len(f.Samples) == 0 {
		return nil, nil
	}

	var metas []Meta

	// Partition rollover at local midnight: flush the partial chunk into the
	// old partition before any frame of the new date is buffered.
	if w.part != nil && len(w.buf) > 0 && dateOf(f.Time) != w.part.date {
		meta, err := w.Flush()
		if err != nil {
			return nil, err
		}
		if meta != nil {
			metas = append(metas, *meta)
		}
	}

	if len(w.buf) == 0 {
		w.bufStart = f.Time
	}
	w.buf = append(w.buf, f.Samples...)
	for len(w.buf) >= w.samplesPerChunk {
		samples := w.buf[:w.samplesPerChunk]
		remainder := make([]float32, len(w.buf)-w.samplesPerChunk)
		copy(remainder, w.buf[w.samplesPerChunk:])

		start := w.bufStart
		w.buf = remainder
		w.bufStart = start.Add(w.cfg.ChunkDuration)

		meta, err := w.flush(samples, start)
		if err != nil {
			return metas, err
		}
		metas = append(metas, *meta)
	}
	return metas, nil
}

// minFinalSamples is one second of audio; shorter remainders on stop are
// discarded rather than written as a degenerate chunk.
func (w *Writer) minFinalSamples() int {
	return w.cfg.SampleRate * w.cfg.Channels
}

// Flush writes the buffered remainder as a final short chunk. Returns nil
// when less than one second of audio is buffered.
func (w *Writer) Flush() (*Meta, error) {
	if len(w.buf) < w.minFinalSamples() {
		w.buf = nil
		return nil, nil
	}

	samples := w.buf
	start := w.bufStart
	w.buf = nil

	return w.flush(samples, start)
}

func (w *Writer) flush(samples []float32, start time.Time) (*Meta, error) {
	part, err := w.partitionFor(start)
	if err != nil {
		return nil, err
	}

	w.seq++
	name := fmt.Sprintf("%s_%04d.wav", start.Format("15-04-05"), w.seq)
	path := part.chunkPath(name)

	bytes, err := encodeWAV(path, samples, w.cfg.SampleRate, w.cfg.Channels)
	if err != nil {
		w.cfg.Log.Error().Err(err).Str("chunk", name).Msg("chunk write failed")
		return nil, fmt.Errorf("write chunk %s: %w", name, err)
	}

	duration := time.Duration(float64(len(samples)) / float64(w.cfg.SampleRate*w.cfg.Channels) * float64(time.Second))
	meta := &Meta{
		Seq:        w.seq,
		Path:       path,
		Start:      start,
		Duration:   duration,
		SampleRate: w.cfg.SampleRate,
		Channels:   w.cfg.Channels,
		RMS:        audio.RMS(samples),
	}

	if err := part.recordChunk(duration, bytes); err != nil {
		// Manifest is advisory; the chunk itself is durable.
		w.cfg.Log.Warn().Err(err).Str("date", part.date).Msg("partition manifest update failed")
	}

	w.cfg.Log.Debug().
		Str("chunk", name).
		Dur("duration", duration).
		Float64("rms", meta.RMS).
		Msg("chunk flushed")

	return meta, nil
}

func (w *Writer) partitionFor(t time.Time) (*partition, error) {
	date := dateOf(t)
	if w.part != nil && w.part.date == date {
		return w.part, nil
	}
	part, err := openPartition(w.cfg.DataDir, date)
	if err != nil {
		return nil, err
	}
	w.part = part
	return part, nil
}

func dateOf(t time.Time) string {
	return t.Format("2006-01-02")
}
