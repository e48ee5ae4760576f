// Package pipeline wires the capture engine, chunk writer, segmentation
// engine and session store into one explicitly constructed object with a
// clear init/run/shutdown lifecycle.
package pipeline

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/voicelink/voicelink/internal/audio"
	"github.com/voicelink/voicelink/internal/chunk"
	"github.com/voicelink/voicelink/internal/config"
	"github.com/voicelink/voicelink/internal/events"
	"github.com/voicelink/voicelink/internal/retention"
	"github.com/voicelink/voicelink/internal/segment"
	"github.com/voicelink/voicelink/internal/store"
)

// Config assembles a pipeline. Capture may be nil, in which case a PortAudio
// engine is built for the configured (or auto-detected) device.
type Config struct {
	Cfg     *config.Config
	Capture audio.Capture
	Events  events.Sink
	Logger  zerolog.Logger
}

// Pipeline owns the capture → chunking → segmentation → store data path.
type Pipeline struct {
	cfg     *config.Config
	capture audio.Capture
	writer  *chunk.Writer
	seg     *segment.Engine
	store   *store.Store
	sweeper *retention.Sweeper
	events  events.Sink
	log     zerolog.Logger

	mu      sync.Mutex
	running bool
	done    chan struct{}
}

// New opens the store, replays crash recovery, and assembles the pipeline.
func New(pc Config) (*Pipeline, error) {
	cfg := pc.Cfg
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	sink := pc.Events
	if sink == nil {
		sink = events.LogSink{Log: pc.Logger}
	}

	st, err := store.Open(filepath.Join(cfg.Storage.DataDir, "sessions.db"))
	if err != nil {
		return nil, err
	}

	// Any session left open by a prior run is force-closed with the same
	// minimum-duration rule as a live closure, before new sessions exist.
	recovered, err := st.RecoverOpen(cfg.Session.MinSessionDuration.Std())
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("crash recovery: %w", err)
	}
	for _, id := range recovered {
		pc.Logger.Warn().Str("session_id", id).Msg("recovered session from prior run")
	}

	writer, err := chunk.NewWriter(chunk.Config{
		DataDir:       cfg.Storage.DataDir,
		ChunkDuration: cfg.Recording.ChunkDuration.Std(),
		SampleRate:    cfg.Recording.SampleRate,
		Channels:      cfg.Recording.Channels,
		Log:           pc.Logger,
	})
	if err != nil {
		st.Close()
		return nil, err
	}

	seg := segment.New(segment.Config{
		SilenceThreshold:   cfg.Recording.SilenceThreshold,
		SilenceGap:         cfg.Session.SilenceGap.Std(),
		MinSessionDuration: cfg.Session.MinSessionDuration.Std(),
		Sink:               storeSink{st: st},
		Events:             sink,
		Log:                pc.Logger,
	})

	capture := pc.Capture
	if capture == nil {
		capture, err = buildCapture(cfg, pc.Logger)
		if err != nil {
			st.Close()
			return nil, err
		}
	}

	return &Pipeline{
		cfg:     cfg,
		capture: capture,
		writer:  writer,
		seg:     seg,
		store:   st,
		sweeper: &retention.Sweeper{Store: st, Log: pc.Logger},
		events:  sink,
		log:     pc.Logger,
	}, nil
}

// Store exposes the session store for read-side consumers (queries run under
// WAL snapshot reads and never block the writer path).
func (p *Pipeline) Store() *store.Store { return p.store }

// Run starts capture and blocks consuming frames until the context is
// cancelled, Shutdown is called, or capture fails terminally. The returned
// error is the terminal capture status a supervising process can act on.
func (p *Pipeline) Run(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return fmt.Errorf("pipeline already running")
	}
	p.running = true
	p.done = make(chan struct{})
	p.mu.Unlock()

	defer close(p.done)

	if err := p.capture.Start(ctx); err != nil {
		return fmt.Errorf("start capture: %w", err)
	}
	p.log.Info().Str("device", p.capture.DeviceName()).Msg("capture started")

	sweepCtx, stopSweep := context.WithCancel(ctx)
	defer stopSweep()
	if p.cfg.Storage.AutoCleanup {
		go p.sweepLoop(sweepCtx)
	}

	// Consumer loop. The frames channel closes once capture has stopped and
	// all enqueued frames are drained, so trailing audio is never lost
	// silently.
	for frame := range p.capture.Frames() {
		p.handleFrame(frame)
	}

	// Deterministic final chunk, then force-close any open session.
	if meta, err := p.writer.Flush(); err != nil {
		p.emitWriteFailure(err)
	} else if meta != nil {
		p.observe(*meta)
	}
	if err := p.seg.Finish(); err != nil {
		p.log.Error().Err(err).Msg("failed to finish open session")
	}

	if overruns := p.capture.Overruns(); overruns > 0 {
		p.log.Warn().Uint64("overruns", overruns).Msg("frames dropped during capture")
	}

	if err := p.capture.Err(); err != nil {
		p.events.Emit(events.Event{
			Type:   events.DeviceLost,
			Time:   time.Now(),
			Detail: err.Error(),
		})
		return err
	}
	return nil
}

func (p *Pipeline) handleFrame(frame audio.Frame) {
	metas, err := p.writer.OnFrame(frame)
	if err != nil {
		// One failed chunk never halts capture; the writer already reset
		// its buffer.
		p.emitWriteFailure(err)
	}
	for _, m := range metas {
		p.observe(m)
	}
}

func (p *Pipeline) observe(m chunk.Meta) {
	if err := p.seg.Observe(m); err != nil {
		p.log.Error().Err(err).Str("chunk", m.Path).Msg("segmentation error")
	}
}

func (p *Pipeline) emitWriteFailure(err error) {
	p.log.Error().Err(err).Msg("chunk write failed")
	p.events.Emit(events.Event{
		Type:   events.ChunkWriteFailed,
		Time:   time.Now(),
		Detail: err.Error(),
	})
}

// sweepLoop runs retention once at startup and then daily, independent of
// the capture path.
func (p *Pipeline) sweepLoop(ctx context.Context) {
	policy := retention.Policy{
		RetentionDays: p.cfg.Storage.RetentionDays,
		DataDir:       p.cfg.Storage.DataDir,
	}

	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()

	for {
		if _, err := p.sweeper.Sweep(time.Now(), policy); err != nil {
			p.log.Error().Err(err).Msg("retention sweep failed")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Shutdown stops capture, waits for the consumer to drain and finalize, and
// closes the store. Safe to call more than once.
func (p *Pipeline) Shutdown(ctx context.Context) error {
	if err := p.capture.Stop(); err != nil {
		p.log.Error().Err(err).Msg("capture stop error")
	}

	p.mu.Lock()
	done := p.done
	p.mu.Unlock()

	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return p.store.Close()
}

// buildCapture selects the capture device and constructs the PortAudio
// engine. PortAudio must already be initialized.
func buildCapture(cfg *config.Config, log zerolog.Logger) (audio.Capture, error) {
	deviceName := cfg.Device.PreferredDevice

	if cfg.Device.AutoDetect {
		devices, err := audio.ListDevices()
		if err != nil {
			return nil, err
		}

		prober := &audio.Prober{
			Reader:        audio.PortAudioLevelReader{},
			Blacklist:     cfg.Device.Blacklist,
			Floor:         cfg.Device.ProbeFloor,
			ProbeDuration: cfg.Device.ProbeDuration.Std(),
			Preferred:     cfg.Device.PreferredDevice,
			ActiveDevice:  func() string { return "" }, // nothing open yet at startup
			Log:           log,
		}

		dev, err := prober.SelectDevice(context.Background(), devices)
		if err != nil {
			return nil, err
		}
		deviceName = dev.Name
	}

	return audio.NewEngine(audio.EngineConfig{
		DeviceName: deviceName,
		SampleRate: cfg.Recording.SampleRate,
		Channels:   cfg.Recording.Channels,
	})
}

// storeSink adapts the session store to the segmentation engine's sink.
type storeSink struct {
	st *store.Store
}

func (s storeSink) Begin(start time.Time) (string, error) {
	return s.st.Begin(start)
}

func (s storeSink) Append(sessionID string, m chunk.Meta) error {
	return s.st.AppendChunk(sessionID, store.ChunkRef{
		Seq:             m.Seq,
		Path:            m.Path,
		Start:           m.Start,
		DurationSeconds: m.Duration.Seconds(),
		RMS:             m.RMS,
	})
}

func (s storeSink) Close(sessionID string, end time.Time, outcome segment.Outcome) error {
	status := store.StatusClosed
	if outcome == segment.OutcomeDiscarded {
		status = store.StatusDiscarded
	}
	return s.st.CloseSession(sessionID, end, status)
}
