package audio

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// LevelReader measures the instantaneous signal level of a device by opening
// it briefly. Implementations must close the device within the probe window;
// failing to release it is a resource leak, not a retryable condition.
type LevelReader interface {
	ReadLevel(ctx context.Context, dev Device, dur time.Duration) (float64, error)
}

// Prober selects the capture source by measuring signal levels across
// candidate devices without disturbing active consumers.
type Prober struct {
	Reader        LevelReader
	Blacklist     []string // name substrings never opened for probing
	Floor         float64  // minimum RMS that counts as signal
	ProbeDuration time.Duration
	Preferred     string // fallback device name substring when nothing has signal
	// ActiveDevice returns the name of the device currently held open by the
	// capture engine, or "". That device is never probed (self-exclusion).
	ActiveDevice func() string
	Log          zerolog.Logger
}

type probeResult struct {
	device Device
	rms    float64
}

// ProbeLevel measures one device's RMS level. The probe is rejected without
// any device-open call if the device is blacklisted or is the engine's
// currently active device.
func (p *Prober) ProbeLevel(ctx context.Context, dev Device, dur time.Duration) (float64, error) {
	if p.ActiveDevice != nil && dev.Name == p.ActiveDevice() {
		return 0, ErrProbeSelfExclusion
	}
	if Blacklisted(dev.Name, p.Blacklist) {
		return 0, fmt.Errorf("device %q is blacklisted for probing", dev.Name)
	}
	if dur <= 0 {
		dur = p.ProbeDuration
	}
	return p.Reader.ReadLevel(ctx, dev, dur)
}

// SelectDevice probes the candidates and returns the non-blacklisted,
// currently-closed device with the highest RMS above the floor. If nothing
// exceeds the floor it falls back to the preferred device, then to a loopback
// device by name, and finally fails with ErrNoActiveDevice.
func (p *Prober) SelectDevice(ctx context.Context, candidates []Device) (Device, error) {
	var best *probeResult

	for _, dev := range p.scanOrder(candidates) {
		rms, err := p.ProbeLevel(ctx, dev, p.ProbeDuration)
		if err != nil {
			p.Log.Debug().Str("device", dev.Name).Err(err).Msg("probe skipped")
			continue
		}
		p.Log.Debug().Str("device", dev.Name).Float64("rms", rms).Msg("probed")

		if rms < p.Floor {
			continue
		}
		if best == nil || rms > best.rms {
			best = &probeResult{device: dev, rms: rms}
		}
	}

	if best != nil {
		p.Log.Info().
			Str("device", best.device.Name).
			Float64("rms", best.rms).
			Msg("active device selected")
		return best.device, nil
	}

	if p.Preferred != "" {
		for _, dev := range candidates {
			if strings.Contains(strings.ToLower(dev.Name), strings.ToLower(p.Preferred)) {
				p.Log.Info().Str("device", dev.Name).Msg("falling back to preferred device")
				return dev, nil
			}
		}
	}

	if dev, ok := FindLoopbackDevice(p.eligible(candidates)); ok {
		p.Log.Info().Str("device", dev.Name).Msg("falling back to loopback device")
		return dev, nil
	}

	return Device{}, ErrNoActiveDevice
}

// scanOrder puts virtual/loopback devices first; they are the usual carriers
// of system audio.
func (p *Prober) scanOrder(candidates []Device) []Device {
	eligible := p.eligible(candidates)

	ordered := make([]Device, 0, len(eligible))
	for _, d := range eligible {
		if IsVirtualName(d.Name) || IsLoopbackName(d.Name) {
			ordered = append(ordered, d)
		}
	}
	for _, d := range eligible {
		if !IsVirtualName(d.Name) && !IsLoopbackName(d.Name) {
			ordered = append(ordered, d)
		}
	}
	return ordered
}

func (p *Prober) eligible(candidates []Device) []Device {
	out := make([]Device, 0, len(candidates))
	for _, d := range candidates {
		if d.MaxInputChannels <= 0 {
			continue
		}
		if Blacklisted(d.Name, p.Blacklist) {
			continue
		}
		out = append(out, d)
	}
	return out
}
