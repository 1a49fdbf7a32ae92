// Package analyser turns a PCM stream into byte-scaled frequency
// magnitudes, the same shape a browser AnalyserNode exposes.
package analyser

import (
	"encoding/binary"
	"math"
	"math/cmplx"
	"sync"

	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/dsp/window"
)

type Config struct {
	FFTSize     int     `yaml:"fft_size"`
	Smoothing   float64 `yaml:"smoothing"`
	MinDecibels float64 `yaml:"min_decibels"`
	MaxDecibels float64 `yaml:"max_decibels"`
}

func DefaultConfig() Config {
	return Config{
		FFTSize:     256,
		Smoothing:   0.8,
		MinDecibels: -100,
		MaxDecibels: -30,
	}
}

// Tap is a passive read point on a signal. Writers push samples,
// readers take snapshots; readers never change analysis state.
type Tap struct {
	cfg Config
	fft *fourier.FFT

	mu       sync.RWMutex
	ring     []float64
	pos      int
	scratch  []float64
	coeffs   []complex128
	smoothed []float64
	bins     []byte
	closed   bool
}

func New(cfg Config) *Tap {
	def := DefaultConfig()
	if cfg.FFTSize <= 0 || cfg.FFTSize&(cfg.FFTSize-1) != 0 {
		cfg.FFTSize = def.FFTSize
	}
	if cfg.Smoothing < 0 || cfg.Smoothing >= 1 {
		cfg.Smoothing = def.Smoothing
	}
	if cfg.MaxDecibels <= cfg.MinDecibels {
		cfg.MinDecibels, cfg.MaxDecibels = def.MinDecibels, def.MaxDecibels
	}
	n := cfg.FFTSize
	return &Tap{
		cfg:      cfg,
		fft:      fourier.NewFFT(n),
		ring:     make([]float64, n),
		scratch:  make([]float64, n),
		coeffs:   make([]complex128, n/2+1),
		smoothed: make([]float64, n/2),
		bins:     make([]byte, n/2),
	}
}

// Bins is the number of frequency bins in a snapshot (FFTSize/2).
func (t *Tap) Bins() int { return t.cfg.FFTSize / 2 }

// WritePCM16 feeds little-endian int16 mono samples.
func (t *Tap) WritePCM16(data []byte) {
	n := len(data) / 2
	if n == 0 {
		return
	}
	samples := make([]float64, n)
	for i := range n {
		samples[i] = float64(int16(binary.LittleEndian.Uint16(data[2*i:]))) / 32768
	}
	t.WriteFloats(samples)
}

// WriteFloats feeds samples in [-1, 1].
func (t *Tap) WriteFloats(samples []float64) {
	if len(samples) == 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	n := len(t.ring)
	if len(samples) > n {
		samples = samples[len(samples)-n:]
	}
	for _, s := range samples {
		t.ring[t.pos] = s
		t.pos = (t.pos + 1) % n
	}
	t.analyse()
}

// analyse runs with mu held for writing.
func (t *Tap) analyse() {
	n := len(t.ring)
	copy(t.scratch, t.ring[t.pos:])
	copy(t.scratch[n-t.pos:], t.ring[:t.pos])
	window.Blackman(t.scratch)
	t.coeffs = t.fft.Coefficients(t.coeffs, t.scratch)

	tau := t.cfg.Smoothing
	span := t.cfg.MaxDecibels - t.cfg.MinDecibels
	for k := range t.smoothed {
		mag := cmplx.Abs(t.coeffs[k]) / float64(n)
		t.smoothed[k] = tau*t.smoothed[k] + (1-tau)*mag
		db := math.Inf(-1)
		if t.smoothed[k] > 0 {
			db = 20 * math.Log10(t.smoothed[k])
		}
		v := 255 * (db - t.cfg.MinDecibels) / span
		switch {
		case v < 0 || math.IsNaN(v):
			t.bins[k] = 0
		case v > 255:
			t.bins[k] = 255
		default:
			t.bins[k] = byte(v)
		}
	}
}

// Snapshot copies the current bins into dst (grown as needed). ok is
// false once the tap is closed.
func (t *Tap) Snapshot(dst []byte) ([]byte, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed {
		return dst[:0], false
	}
	dst = append(dst[:0], t.bins...)
	return dst, true
}

// Level is the arithmetic mean of all bins, 0 when closed.
func (t *Tap) Level() float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed || len(t.bins) == 0 {
		return 0
	}
	var sum int
	for _, b := range t.bins {
		sum += int(b)
	}
	return float64(sum) / float64(len(t.bins))
}

func (t *Tap) Active() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return !t.closed
}

func (t *Tap) Close() {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
}
