package audio

import (
	"errors"
	"testing"

	"github.com/gordonklaus/portaudio"
)

func testDevices() []*portaudio.DeviceInfo {
	return []*portaudio.DeviceInfo{
		{Name: "MacBook Pro Microphone", MaxInputChannels: 1, DefaultSampleRate: 48000},
		{Name: "MacBook Pro Speakers", MaxOutputChannels: 2, DefaultSampleRate: 48000},
		{Name: "USB Audio Interface", MaxInputChannels: 8, MaxOutputChannels: 2, DefaultSampleRate: 44100},
		nil,
	}
}

func TestDescribeInputs(t *testing.T) {
	devices := testDevices()
	infos := describeInputs(devices, devices[0])
	if len(infos) != 2 {
		t.Fatalf("expected 2 input devices, got %d", len(infos))
	}
	if !infos[0].IsDefault || infos[0].Name != "MacBook Pro Microphone" {
		t.Fatalf("expected default microphone first, got %+v", infos[0])
	}
	if infos[1].IsDefault {
		t.Fatalf("interface should not be default")
	}
	if infos[1].Channels != 8 || infos[1].SampleRate != 44100 {
		t.Fatalf("unexpected interface info %+v", infos[1])
	}
}

func TestDescribeInputsWithoutDefault(t *testing.T) {
	for _, info := range describeInputs(testDevices(), nil) {
		if info.IsDefault {
			t.Fatalf("no device should be default: %+v", info)
		}
	}
}

func TestMatchInputDevice(t *testing.T) {
	dev, err := matchInputDevice(testDevices(), "USB Audio Interface")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if dev.MaxInputChannels != 8 {
		t.Fatalf("matched wrong device %+v", dev)
	}

	if _, err := matchInputDevice(testDevices(), "MacBook Pro Speakers"); !errors.Is(err, ErrDeviceNotFound) {
		t.Fatalf("output-only device should not match, got %v", err)
	}
	if _, err := matchInputDevice(testDevices(), "missing"); !errors.Is(err, ErrDeviceNotFound) {
		t.Fatalf("expected ErrDeviceNotFound, got %v", err)
	}
}
