package audio

import (
	"errors"
	"testing"
)

func TestReadFailureAfterStopIsNotDeviceLost(t *testing.T) {
	p := &portAudioEngine{stopped: make(chan struct{})}

	// A stop request tears the stream down under the read loop; the resulting
	// read error is expected, not a lost device.
	close(p.stopped)
	p.readFailed(errors.New("stream is stopped"))

	if err := p.Err(); err != nil {
		t.Errorf("terminal status = %v after requested stop, want nil", err)
	}
}

func TestUnsolicitedReadFailureIsDeviceLost(t *testing.T) {
	p := &portAudioEngine{stopped: make(chan struct{})}

	p.readFailed(errors.New("unanticipated host error"))

	if err := p.Err(); !errors.Is(err, ErrDeviceLost) {
		t.Errorf("terminal status = %v, want ErrDeviceLost", err)
	}
}

func TestSetErrKeepsFirstError(t *testing.T) {
	p := &portAudioEngine{stopped: make(chan struct{})}

	first := errors.New("first failure")
	p.setErr(first)
	p.setErr(errors.New("second failure"))

	if err := p.Err(); !errors.Is(err, first) {
		t.Errorf("terminal status = %v, want first recorded error", err)
	}
}
