package audio

import (
	"context"
	"errors"
	"math"
	"time"
)

// Capture defines the interface for the continuous audio capture engine.
// Frames are delivered through a bounded queue; when the queue is full the
// oldest frame is dropped and the overrun counter increments.
type Capture interface {
	Start(ctx context.Context) error
	Stop() error
	Frames() <-chan Frame
	Overruns() uint64
	// Err reports the terminal capture status. It is set at most once, from
	// the capture goroutine, and polled by the consumer.
	Err() error
	DeviceName() string
}

// Frame is a timestamped block of PCM samples. It is owned by the queue
// between the capture engine and the chunk writer and discarded once written.
type Frame struct {
	Samples []float32
	Time    time.Time
}

// Device represents an audio input device
type Device struct {
	Index             int
	Name              string
	MaxInputChannels  int
	DefaultSampleRate float64
}

var (
	// ErrDeviceLost is surfaced when the open stream's device disappears
	// mid-capture. The engine stops; reconnecting is the supervisor's job.
	ErrDeviceLost = errors.New("audio: capture device lost")

	// ErrNoActiveDevice means probing found no device with signal above the
	// floor and no preferred fallback matched.
	ErrNoActiveDevice = errors.New("audio: no active device found")

	// ErrProbeSelfExclusion means a probe targeted the device currently held
	// open by the capture engine. Opening it again causes audible glitches in
	// other consumers, so the probe is rejected without any device-open call.
	ErrProbeSelfExclusion = errors.New("audio: probe rejected for active capture device")
)

// RMS returns the root-mean-square level of a block of samples.
func RMS(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(samples)))
}
