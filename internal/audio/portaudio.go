package audio

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gordonklaus/portaudio"
)

const framesPerBuffer = 1024

// EngineConfig configures a PortAudio capture engine.
type EngineConfig struct {
	DeviceName string // empty selects the default input device
	SampleRate int
	Channels   int
	// QueueSeconds sizes the frame queue between the capture goroutine and
	// the consumer. Defaults to 4 seconds of audio.
	QueueSeconds int
}

type portAudioEngine struct {
	cfg    EngineConfig
	queue  *frameQueue
	device *portaudio.DeviceInfo

	mu      sync.Mutex
	stream  *portaudio.Stream
	started bool
	err     error

	stopOnce sync.Once
	stopped  chan struct{}
}

// NewEngine creates a PortAudio-backed capture engine. The caller owns the
// PortAudio runtime via Init/Terminate.
func NewEngine(cfg EngineConfig) (Capture, error) {
	if cfg.SampleRate <= 0 {
		return nil, fmt.Errorf("invalid sample rate %d", cfg.SampleRate)
	}
	if cfg.Channels < 1 {
		cfg.Channels = 1
	}
	if cfg.QueueSeconds < 1 {
		cfg.QueueSeconds = 4
	}

	capacity := cfg.QueueSeconds * cfg.SampleRate / framesPerBuffer

	return &portAudioEngine{
		cfg:     cfg,
		queue:   newFrameQueue(capacity),
		stopped: make(chan struct{}),
	}, nil
}

// Init initializes the PortAudio runtime. Call once per process, paired with
// Terminate.
func Init() error {
	if err := portaudio.Initialize(); err != nil {
		return fmt.Errorf("failed to initialize PortAudio: %w", err)
	}
	return nil
}

// Terminate shuts down the PortAudio runtime.
func Terminate() error {
	return portaudio.Terminate()
}

// ListDevices enumerates input-capable devices.
func ListDevices() ([]Device, error) {
	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}

	result := make([]Device, 0, len(devices))
	for i, d := range devices {
		if d.MaxInputChannels > 0 {
			result = append(result, Device{
				Index:             i,
				Name:              d.Name,
				MaxInputChannels:  d.MaxInputChannels,
				DefaultSampleRate: d.DefaultSampleRate,
			})
		}
	}

	return result, nil
}

func findDevice(name string) (*portaudio.DeviceInfo, error) {
	if name == "" {
		device, err := portaudio.DefaultInputDevice()
		if err != nil {
			return nil, fmt.Errorf("failed to get default input device: %w", err)
		}
		return device, nil
	}

	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate devices: %w", err)
	}
	for _, d := range devices {
		if d.Name == name {
			return d, nil
		}
	}
	return nil, fmt.Errorf("device not found: %s", name)
}

func (p *portAudioEngine) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return fmt.Errorf("capture already started")
	}

	device, err := findDevice(p.cfg.DeviceName)
	if err != nil {
		return err
	}
	p.device = device

	buffer := make([]float32, framesPerBuffer*p.cfg.Channels)
	stream, err := portaudio.OpenStream(portaudio.StreamParameters{
		Input: portaudio.StreamDeviceParameters{
			Device:   device,
			Channels: p.cfg.Channels,
			Latency:  device.DefaultLowInputLatency,
		},
		SampleRate:      float64(p.cfg.SampleRate),
		FramesPerBuffer: framesPerBuffer,
	}, buffer)
	if err != nil {
		return fmt.Errorf("failed to open audio stream: %w", err)
	}

	if err := stream.Start(); err != nil {
		stream.Close()
		return fmt.Errorf("failed to start audio stream: %w", err)
	}

	p.stream = stream
	p.started = true

	// Read loop. Never blocks on the queue: push is drop-oldest.
	go func() {
		defer p.queue.close()
		for {
			select {
			case <-ctx.Done():
				p.Stop()
				return
			case <-p.stopped:
				return
			default:
				if err := stream.Read(); err != nil {
					p.readFailed(err)
					p.Stop()
					return
				}
				samples := make([]float32, len(buffer))
				copy(samples, buffer)
				p.queue.push(Frame{Samples: samples, Time: time.Now()})
			}
		}
	}()

	return nil
}

// readFailed records a read error as device loss. When a stop was already
// requested the error is the expected stream teardown, not a lost device, and
// the terminal status stays clean.
func (p *portAudioEngine) readFailed(err error) {
	select {
	case <-p.stopped:
		return
	default:
	}
	p.setErr(fmt.Errorf("%w: %v", ErrDeviceLost, err))
}

// Stop is idempotent. The underlying stream is closed before it returns.
func (p *portAudioEngine) Stop() error {
	var err error
	p.stopOnce.Do(func() {
		close(p.stopped)

		p.mu.Lock()
		stream := p.stream
		p.stream = nil
		p.mu.Unlock()

		if stream != nil {
			stream.Stop()
			err = stream.Close()
		}
	})
	return err
}

func (p *portAudioEngine) Frames() <-chan Frame { return p.queue.frames() }

func (p *portAudioEngine) Overruns() uint64 { return p.queue.overrunCount() }

func (p *portAudioEngine) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func (p *portAudioEngine) setErr(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err == nil {
		p.err = err
	}
}

func (p *portAudioEngine) DeviceName() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.device != nil {
		return p.device.Name
	}
	return p.cfg.DeviceName
}
