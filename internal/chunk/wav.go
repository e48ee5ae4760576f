package chunk

import (
	"fmt"
	"os"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// encodeWAV writes samples as 16-bit PCM to path. The file is written under a
// temporary name and renamed into place once complete, so a reader never
// observes a partially written chunk. Returns the file size in bytes.
func encodeWAV(path string, samples []float32, sampleRate, channels int) (int64, error) {
	tmp := path + ".tmp"

	f, err := os.Create(tmp)
	if err != nil {
		return 0, err
	}

	enc := wav.NewEncoder(f, sampleRate, 16, channels, 1)

	data := make([]int, len(samples))
	for i, s := range samples {
		if s > 1 {
			s = 1
		} else if s < -1 {
			s = -1
		}
		data[i] = int(s * 32767)
	}

	buf := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: channels, SampleRate: sampleRate},
		Data:           data,
		SourceBitDepth: 16,
	}

	if err := enc.Write(buf); err != nil {
		f.Close()
		os.Remove(tmp)
		return 0, fmt.Errorf("encode wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		f.Close()
		os.Remove(tmp)
		return 0, fmt.Errorf("finalize wav: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return 0, err
	}

	info, err := os.Stat(tmp)
	if err != nil {
		os.Remove(tmp)
		return 0, err
	}

	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return 0, err
	}
	return info.Size(), nil
}
