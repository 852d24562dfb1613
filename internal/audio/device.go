package audio

import (
	"errors"
	"fmt"

	"github.com/gordonklaus/portaudio"
)

var (
	ErrNoInputDevice  = errors.New("no input device available")
	ErrDeviceNotFound = errors.New("input device not found")
)

// DeviceInfo describes one capture-capable device.
type DeviceInfo struct {
	Name       string  `json:"name"`
	IsDefault  bool    `json:"is_default"`
	Channels   int     `json:"channels"`
	SampleRate float64 `json:"sample_rate"`
}

// ListInputDevices enumerates the host's input devices and marks the host
// default. Nothing is cached; each call queries the host audio API.
func ListInputDevices() ([]DeviceInfo, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("enumerate input devices: %w", err)
	}
	defer portaudio.Terminate()

	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("enumerate input devices: %w", err)
	}
	// A host without a default input still lists its other devices.
	def, _ := portaudio.DefaultInputDevice()
	return describeInputs(devices, def), nil
}

func describeInputs(devices []*portaudio.DeviceInfo, def *portaudio.DeviceInfo) []DeviceInfo {
	var defaultName string
	if def != nil {
		defaultName = def.Name
	}
	infos := make([]DeviceInfo, 0, len(devices))
	for _, dev := range devices {
		if dev == nil || dev.MaxInputChannels < 1 {
			continue
		}
		infos = append(infos, DeviceInfo{
			Name:       dev.Name,
			IsDefault:  defaultName != "" && dev.Name == defaultName,
			Channels:   dev.MaxInputChannels,
			SampleRate: dev.DefaultSampleRate,
		})
	}
	return infos
}

// resolveInputDevice picks the device named name, or the host default when
// name is empty. PortAudio must be initialized.
func resolveInputDevice(name string) (*portaudio.DeviceInfo, error) {
	if name == "" {
		dev, err := portaudio.DefaultInputDevice()
		if err != nil || dev == nil {
			return nil, ErrNoInputDevice
		}
		return dev, nil
	}
	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("enumerate input devices: %w", err)
	}
	return matchInputDevice(devices, name)
}

func matchInputDevice(devices []*portaudio.DeviceInfo, name string) (*portaudio.DeviceInfo, error) {
	for _, dev := range devices {
		if dev != nil && dev.MaxInputChannels > 0 && dev.Name == name {
			return dev, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrDeviceNotFound, name)
}
