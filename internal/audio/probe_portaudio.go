package audio

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/gordonklaus/portaudio"
)

// PortAudioLevelReader probes devices by opening a short-lived input stream.
type PortAudioLevelReader struct{}

// ReadLevel opens the device, reads for dur, and returns the RMS over all
// captured samples. The stream is always closed before return; a close
// failure is reported as an error because a leaked probe stream disturbs the
// device's other consumers.
func (PortAudioLevelReader) ReadLevel(ctx context.Context, dev Device, dur time.Duration) (float64, error) {
	devices, err := portaudio.Devices()
	if err != nil {
		return 0, fmt.Errorf("failed to enumerate devices: %w", err)
	}
	if dev.Index < 0 || dev.Index >= len(devices) {
		return 0, fmt.Errorf("device index %d out of range", dev.Index)
	}
	info := devices[dev.Index]

	channels := info.MaxInputChannels
	if channels > 2 {
		channels = 2
	}
	if channels < 1 {
		return 0, fmt.Errorf("device %q has no input channels", dev.Name)
	}

	buffer := make([]float32, framesPerBuffer*channels)
	stream, err := portaudio.OpenStream(portaudio.StreamParameters{
		Input: portaudio.StreamDeviceParameters{
			Device:   info,
			Channels: channels,
			Latency:  info.DefaultLowInputLatency,
		},
		SampleRate:      info.DefaultSampleRate,
		FramesPerBuffer: framesPerBuffer,
	}, buffer)
	if err != nil {
		return 0, fmt.Errorf("failed to open probe stream: %w", err)
	}

	if err := stream.Start(); err != nil {
		stream.Close()
		return 0, fmt.Errorf("failed to start probe stream: %w", err)
	}

	var sum float64
	var count int
	deadline := time.Now().Add(dur)

	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			stream.Stop()
			stream.Close()
			return 0, ctx.Err()
		default:
		}
		if err := stream.Read(); err != nil {
			break
		}
		for _, s := range buffer {
			sum += float64(s) * float64(s)
		}
		count += len(buffer)
	}

	stream.Stop()
	if err := stream.Close(); err != nil {
		return 0, fmt.Errorf("probe stream for %q not released: %w", dev.Name, err)
	}

	if count == 0 {
		return 0, nil
	}
	return math.Sqrt(sum / float64(count)), nil
}
