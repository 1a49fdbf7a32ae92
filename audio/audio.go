package audio

import (
	"errors"
	"fmt"
	"strings"
)

const (
	SampleRate    = 16000
	Channels      = 1
	BitsPerSample = 16

	WAVHeaderSize = 44
)

var (
	ErrPermissionDenied  = errors.New("microphone access denied")
	ErrDeviceUnavailable = errors.New("no microphone available")
)

var btKeywords = []string{
	"airpods", "beats", "bose", "wh-1000", "wf-1000",
	"sony wh-", "sony wf-",
	"jabra", "galaxy buds", "pixel buds", "powerbeats",
	"jbl ", "sennheiser momentum", "plantronics",
	"bluetooth", " bt ", " bt)", " bt]",
}

func IsBluetooth(name string) bool {
	lower := strings.ToLower(name)
	for _, kw := range btKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// DataCallback receives little-endian PCM16 mono frames.
type DataCallback func(data []byte, frameCount uint32)

type CaptureConfig struct {
	SampleRate uint32
	Channels   uint32
}

func DefaultCaptureConfig() CaptureConfig {
	return CaptureConfig{SampleRate: SampleRate, Channels: Channels}
}

type DeviceInfo struct {
	ID   string // opaque platform-specific identifier
	Name string
}

type Context interface {
	Devices() ([]DeviceInfo, error)
	NewCapture(device *DeviceInfo, config CaptureConfig) (CaptureDevice, error)
	Close()
}

type CaptureDevice interface {
	Start() error
	Stop()
	Close()
	SetCallback(cb DataCallback)
	ClearCallback()
	DeviceName() string
}

var (
	deniedHints      = []string{"access denied", "permission", "not permitted", "unauthorized", "operation not allowed"}
	unavailableHints = []string{"no such", "no device", "not found", "no entity", "connection refused", "no backend", "does not exist"}
)

// classifyOpenErr maps a backend failure onto ErrPermissionDenied or
// ErrDeviceUnavailable. Unknown failures are reported as unavailable since the
// user cannot record either way.
func classifyOpenErr(backend string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrPermissionDenied) || errors.Is(err, ErrDeviceUnavailable) {
		return err
	}
	msg := strings.ToLower(err.Error())
	for _, h := range deniedHints {
		if strings.Contains(msg, h) {
			return fmt.Errorf("%s: %w (%v)", backend, ErrPermissionDenied, err)
		}
	}
	for _, h := range unavailableHints {
		if strings.Contains(msg, h) {
			return fmt.Errorf("%s: %w (%v)", backend, ErrDeviceUnavailable, err)
		}
	}
	return fmt.Errorf("%s: %w (%v)", backend, ErrDeviceUnavailable, err)
}

// FindDevice returns the device with the given name, or nil when name is
// empty (system default).
func FindDevice(ctx Context, name string) (*DeviceInfo, error) {
	if name == "" {
		return nil, nil
	}
	devices, err := ctx.Devices()
	if err != nil {
		return nil, classifyOpenErr("devices", err)
	}
	for i := range devices {
		if devices[i].Name == name {
			return &devices[i], nil
		}
	}
	return nil, fmt.Errorf("device %q: %w", name, ErrDeviceUnavailable)
}
