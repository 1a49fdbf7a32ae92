package main

import (
	"context"
	"io"
	"slices"
	"sync"
	"time"

	"ekodi/audio"
	"ekodi/capture"
	"ekodi/log"
)

const devicePoll = 3 * time.Second

func deviceLineText(dev *audio.DeviceInfo) string {
	name := "system default"
	suffix := ""
	if dev != nil {
		name = dev.Name
		if audio.IsBluetooth(dev.Name) {
			suffix = " (BT!)"
		}
	}
	return "mic: " + name + suffix + " (g)"
}

// deviceManager follows the user's microphone choice across hotplug
// events and interactive switches.
type deviceManager struct {
	actx     audio.Context
	rec      *capture.Recorder
	onChange func(*audio.DeviceInfo)

	mu        sync.Mutex
	preferred string // remembered so a returning device is picked up again
}

func newDeviceManager(actx audio.Context, rec *capture.Recorder, onChange func(*audio.DeviceInfo)) *deviceManager {
	m := &deviceManager{actx: actx, rec: rec, onChange: onChange}
	if d := rec.Device(); d != nil {
		m.preferred = d.Name
	}
	return m
}

func (m *deviceManager) apply(d *audio.DeviceInfo) {
	name := "system default"
	if d != nil {
		name = d.Name
	}
	log.Info("device_switch: " + name)
	m.rec.SetDevice(d)
	if m.onChange != nil {
		m.onChange(d)
	}
}

// poll reconciles the device list once. A vanished selection falls back
// to the default; the preferred device is reselected when it returns.
func (m *deviceManager) poll(last []string) []string {
	devices, err := m.actx.Devices()
	if err != nil {
		return last
	}
	names := make([]string, len(devices))
	for i := range devices {
		names[i] = devices[i].Name
	}
	if slices.Equal(last, names) {
		return last
	}

	m.mu.Lock()
	preferred := m.preferred
	m.mu.Unlock()

	selName := ""
	if d := m.rec.Device(); d != nil {
		selName = d.Name
	}
	switch {
	case selName != "" && !slices.Contains(names, selName):
		log.Info("device_disconnected: " + selName)
		m.apply(nil)
	case selName == "" && preferred != "":
		if i := slices.Index(names, preferred); i >= 0 {
			log.Info("device_reconnected: " + preferred)
			m.apply(&devices[i])
		}
	}
	return names
}

// watch polls for device changes until ctx is done.
func (m *deviceManager) watch(ctx context.Context) {
	ticker := time.NewTicker(devicePoll)
	defer ticker.Stop()
	var last []string
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			last = m.poll(last)
		}
	}
}

// Run implements tea.ExecCommand: the picker owns the terminal while
// Bubble Tea is suspended.
func (m *deviceManager) Run() error {
	d, err := audio.SelectDevice(m.actx)
	if err != nil {
		log.Warnf("device selection failed: %v", err)
		return err
	}
	m.mu.Lock()
	m.preferred = d.Name
	m.mu.Unlock()
	m.apply(d)
	return nil
}

func (m *deviceManager) SetStdin(io.Reader)  {}
func (m *deviceManager) SetStdout(io.Writer) {}
func (m *deviceManager) SetStderr(io.Writer) {}
