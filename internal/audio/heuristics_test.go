package audio

import "testing"

func TestIsVirtualName(t *testing.T) {
	tests := []struct {
		name string
		want bool
	}{
		{"BlackHole 2ch", true},
		{"Soundflower (2ch)", true},
		{"VB-Audio Virtual Cable", true},
		{"CABLE Output (VB-Audio)", true},
		{"Aggregate Device", true},
		{"MacBook Pro Microphone", false},
		{"USB Headset", false},
	}
	for _, tt := range tests {
		if got := IsVirtualName(tt.name); got != tt.want {
			t.Errorf("IsVirtualName(%q) = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestIsLoopbackName(t *testing.T) {
	tests := []struct {
		name string
		want bool
	}{
		{"Monitor of Built-in Audio", true},
		{"alsa_output.pci-0000.analog-stereo.monitor", true},
		{"BlackHole 16ch", true},
		{"Stereo Mix (Realtek)", true},
		{"CABLE Output (VB-Audio Virtual Cable)", true},
		{"Built-in Audio Analog Stereo", false},
		{"HD Webcam", false},
	}
	for _, tt := range tests {
		if got := IsLoopbackName(tt.name); got != tt.want {
			t.Errorf("IsLoopbackName(%q) = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestIsMicrophoneName(t *testing.T) {
	tests := []struct {
		name string
		want bool
	}{
		{"MacBook Pro Microphone", true},
		{"USB Mic", true},
		{"HD Webcam C920", true},
		{"Logitech Headset", true},
		{"BlackHole 2ch", false},
		{"Monitor of Built-in Audio", false},
	}
	for _, tt := range tests {
		if got := IsMicrophoneName(tt.name); got != tt.want {
			t.Errorf("IsMicrophoneName(%q) = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestBlacklisted(t *testing.T) {
	blacklist := []string{"microphone", "Webcam"}

	if !Blacklisted("MacBook Pro Microphone", blacklist) {
		t.Error("case-insensitive substring should match")
	}
	if !Blacklisted("hd webcam c920", blacklist) {
		t.Error("blacklist entries match case-insensitively")
	}
	if Blacklisted("BlackHole 2ch", blacklist) {
		t.Error("unrelated device matched blacklist")
	}
	if Blacklisted("anything", []string{""}) {
		t.Error("empty blacklist entry must not match everything")
	}
}

func TestFindLoopbackDevice(t *testing.T) {
	devices := []Device{
		{Index: 0, Name: "Built-in Audio", MaxInputChannels: 2},
		{Index: 1, Name: "Aggregate Device", MaxInputChannels: 2},
		{Index: 2, Name: "Monitor of Built-in Audio", MaxInputChannels: 2},
	}

	dev, ok := FindLoopbackDevice(devices)
	if !ok {
		t.Fatal("expected a loopback device")
	}
	// Loopback names win over merely-virtual names.
	if dev.Index != 2 {
		t.Errorf("selected device %d, want 2", dev.Index)
	}

	_, ok = FindLoopbackDevice([]Device{{Name: "Built-in Audio"}})
	if ok {
		t.Error("no loopback expected among physical devices")
	}
}
