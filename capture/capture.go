// Package capture owns the microphone for one recording at a time and
// turns what it hears into an upload-ready blob.
package capture

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"ekodi/analyser"
	"ekodi/audio"
	"ekodi/encoder"
	"ekodi/log"
)

const (
	// SliceDuration bounds how much audio an abort can lose.
	SliceDuration = 250 * time.Millisecond
	// MinBlobBytes is the smallest finalized blob treated as speech.
	MinBlobBytes = 5000
)

var (
	ErrCaptureTooShort = errors.New("capture too short")
	ErrNotRecording    = errors.New("capture session not recording")
)

type State int

const (
	StateIdle State = iota
	StateRecording
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateRecording:
		return "recording"
	case StateStopped:
		return "stopped"
	}
	return "idle"
}

// Blob is a finalized recording.
type Blob struct {
	Data     []byte
	MIMEType string
	Ext      string
	Duration time.Duration
}

type Options struct {
	Device   *audio.DeviceInfo
	Formats  []string
	Analyser analyser.Config
}

// Recorder hands out capture sessions. At most one session holds the
// device at any time.
type Recorder struct {
	actx audio.Context
	opts Options

	mu     sync.Mutex
	active *Session
}

func NewRecorder(actx audio.Context, opts Options) *Recorder {
	if opts.Analyser.FFTSize == 0 {
		opts.Analyser = analyser.DefaultConfig()
	}
	return &Recorder{actx: actx, opts: opts}
}

// SetDevice picks the input for the next Start; nil is the system
// default. A session already recording keeps its device.
func (r *Recorder) SetDevice(d *audio.DeviceInfo) {
	r.mu.Lock()
	r.opts.Device = d
	r.mu.Unlock()
}

func (r *Recorder) Device() *audio.DeviceInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.opts.Device
}

// Session is one recording attempt.
type Session struct {
	rec       *Recorder
	dev       audio.CaptureDevice
	format    encoder.Format
	tap       *analyser.Tap
	startedAt time.Time
	unwatch   func() bool
	released  sync.Once

	mu      sync.Mutex
	state   State
	chunks  [][]byte
	pending []byte
}

// startError keeps a classification the backend already made and
// treats anything else as an unavailable device.
func startError(err error) error {
	if errors.Is(err, audio.ErrPermissionDenied) || errors.Is(err, audio.ErrDeviceUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %w", audio.ErrDeviceUnavailable, err)
}

func sliceBytes() int {
	return int(audio.SampleRate*SliceDuration/time.Second) * audio.BitsPerSample / 8
}

// Start releases any previous session, opens the device and begins
// buffering. Cancelling ctx aborts the session.
func (r *Recorder) Start(ctx context.Context) (*Session, error) {
	r.mu.Lock()
	prev := r.active
	r.active = nil
	r.mu.Unlock()
	if prev != nil {
		log.Warn("capture: releasing previous session before starting a new one")
		prev.release()
	}

	format, err := encoder.Negotiate(r.opts.Formats)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	device := r.opts.Device
	r.mu.Unlock()
	dev, err := r.actx.NewCapture(device, audio.DefaultCaptureConfig())
	if err != nil {
		return nil, err
	}

	s := &Session{
		rec:     r,
		dev:     dev,
		format:  format,
		tap:     analyser.New(r.opts.Analyser),
		state:   StateRecording,
		pending: make([]byte, 0, sliceBytes()),
	}
	dev.SetCallback(s.onData)

	r.mu.Lock()
	r.active = s
	r.mu.Unlock()

	s.startedAt = time.Now()
	s.mu.Lock()
	s.unwatch = context.AfterFunc(ctx, func() { r.Abort(s) })
	s.mu.Unlock()
	if err := dev.Start(); err != nil {
		s.release()
		return nil, startError(err)
	}

	log.Infof("capture started: device=%s format=%s", dev.DeviceName(), format.Name)
	return s, nil
}

func (s *Session) onData(data []byte, _ uint32) {
	s.mu.Lock()
	if s.state != StateRecording {
		s.mu.Unlock()
		return
	}
	step := sliceBytes()
	for rest := data; len(rest) > 0; {
		n := min(step-len(s.pending), len(rest))
		s.pending = append(s.pending, rest[:n]...)
		rest = rest[n:]
		if len(s.pending) == step {
			s.chunks = append(s.chunks, s.pending)
			s.pending = make([]byte, 0, step)
		}
	}
	tap := s.tap
	s.mu.Unlock()

	tap.WritePCM16(data)
}

// Stop finalizes the session and releases the device. A blob below
// MinBlobBytes is discarded with ErrCaptureTooShort.
func (r *Recorder) Stop(s *Session) (*Blob, error) {
	if s == nil {
		return nil, ErrNotRecording
	}
	s.dev.Stop()

	s.mu.Lock()
	if s.state != StateRecording {
		s.mu.Unlock()
		return nil, ErrNotRecording
	}
	s.state = StateStopped
	pcm := make([]byte, 0, len(s.chunks)*sliceBytes()+len(s.pending))
	for _, c := range s.chunks {
		pcm = append(pcm, c...)
	}
	pcm = append(pcm, s.pending...)
	s.chunks, s.pending = nil, nil
	s.mu.Unlock()

	s.release()

	samples := make([]int16, len(pcm)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(pcm[2*i:]))
	}
	data, encTime, err := encoder.Encode(s.format, samples)
	if err != nil {
		return nil, fmt.Errorf("encoding capture: %w", err)
	}
	dur := time.Duration(len(samples)) * time.Second / audio.SampleRate
	log.Infof("capture stopped: audio=%.1fs %s=%dKB encode=%dms", dur.Seconds(), s.format.Name, len(data)/1024, encTime.Milliseconds())
	return finalize(data, s.format, dur)
}

func finalize(data []byte, f encoder.Format, dur time.Duration) (*Blob, error) {
	if len(data) < MinBlobBytes {
		return nil, ErrCaptureTooShort
	}
	return &Blob{Data: data, MIMEType: f.MIMEType, Ext: f.Ext, Duration: dur}, nil
}

// Abort releases the session without producing a blob.
func (r *Recorder) Abort(s *Session) {
	if s == nil {
		return
	}
	s.mu.Lock()
	if s.state == StateRecording {
		s.state = StateStopped
		s.chunks, s.pending = nil, nil
	}
	s.mu.Unlock()
	s.release()
}

// Active returns the session currently holding the device, if any.
func (r *Recorder) Active() *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

// release closes the device and tap. Safe to call more than once.
func (s *Session) release() {
	s.released.Do(func() {
		s.mu.Lock()
		if s.state == StateRecording {
			s.state = StateStopped
		}
		unwatch := s.unwatch
		s.mu.Unlock()

		if unwatch != nil {
			unwatch()
		}
		s.dev.ClearCallback()
		s.dev.Close()
		s.tap.Close()

		s.rec.mu.Lock()
		if s.rec.active == s {
			s.rec.active = nil
		}
		s.rec.mu.Unlock()
	})
}

// Tap is the live analyser over this session's input.
func (s *Session) Tap() *analyser.Tap { return s.tap }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) StartedAt() time.Time { return s.startedAt }

func (s *Session) Format() encoder.Format { return s.format }

func (s *Session) DeviceName() string { return s.dev.DeviceName() }
