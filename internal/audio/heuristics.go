package audio

import "strings"

// Device-name heuristics used by the prober. Kept as pure functions over
// strings so they are testable without live device enumeration.

var virtualIndicators = []string{
	"blackhole",
	"soundflower",
	"loopback",
	"virtual",
	"vb-audio",
	"cable",
	"aggregate",
}

var loopbackIndicators = []string{
	".monitor",
	"monitor of",
	"blackhole",
	"loopback",
	"cable output",
	"stereo mix",
}

var microphoneIndicators = []string{
	"microphone",
	"mic",
	"webcam",
	"headset",
}

func containsAny(name string, indicators []string) bool {
	lower := strings.ToLower(name)
	for _, ind := range indicators {
		if strings.Contains(lower, ind) {
			return true
		}
	}
	return false
}

// IsVirtualName reports whether a device name looks like a virtual audio
// device (BlackHole, VB-Cable and friends).
func IsVirtualName(name string) bool {
	return containsAny(name, virtualIndicators)
}

// IsLoopbackName reports whether a device name looks like a loopback/monitor
// endpoint carrying system audio.
func IsLoopbackName(name string) bool {
	return containsAny(name, loopbackIndicators)
}

// IsMicrophoneName reports whether a device name looks like a physical
// microphone or communication endpoint.
func IsMicrophoneName(name string) bool {
	return containsAny(name, microphoneIndicators)
}

// Blacklisted reports whether the name matches any blacklist substring,
// case-insensitively.
func Blacklisted(name string, blacklist []string) bool {
	lower := strings.ToLower(name)
	for _, entry := range blacklist {
		if entry == "" {
			continue
		}
		if strings.Contains(lower, strings.ToLower(entry)) {
			return true
		}
	}
	return false
}

// FindLoopbackDevice returns the first device whose name marks it as a
// loopback or virtual endpoint, preferring loopback. Used as a fallback when
// probing finds no signal anywhere.
func FindLoopbackDevice(devices []Device) (Device, bool) {
	for _, d := range devices {
		if IsLoopbackName(d.Name) {
			return d, true
		}
	}
	for _, d := range devices {
		if IsVirtualName(d.Name) {
			return d, true
		}
	}
	return Device{}, false
}
