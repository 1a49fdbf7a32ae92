// Package vad decides, from spectrum energy alone, when a speaker has
// stopped talking.
package vad

import (
	"sync"
	"time"
)

type Config struct {
	Threshold    float64       `yaml:"threshold"`
	Silence      time.Duration `yaml:"silence"`
	MinElapsed   time.Duration `yaml:"min_elapsed"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

func DefaultConfig() Config {
	return Config{
		Threshold:    12,
		Silence:      1800 * time.Millisecond,
		MinElapsed:   600 * time.Millisecond,
		PollInterval: 100 * time.Millisecond,
	}
}

// Spectrum is anything with a mean bin energy on the 0-255 scale.
type Spectrum interface {
	Level() float64
}

// Detector is the poll-by-poll state machine. Not safe for concurrent use.
type Detector struct {
	cfg          Config
	silenceStart time.Duration
	inSilence    bool
	fired        bool
}

func NewDetector(cfg Config) *Detector {
	return &Detector{cfg: cfg}
}

// Observe feeds one poll taken elapsed after monitoring began. It
// returns true exactly once, on the poll that ends a long enough
// silence run.
func (d *Detector) Observe(elapsed time.Duration, level float64) bool {
	if d.fired || elapsed < d.cfg.MinElapsed {
		return false
	}
	if level >= d.cfg.Threshold {
		d.inSilence = false
		return false
	}
	if !d.inSilence {
		d.inSilence = true
		d.silenceStart = elapsed
		return false
	}
	if elapsed-d.silenceStart >= d.cfg.Silence {
		d.fired = true
		return true
	}
	return false
}

// SilenceRun reports how long the current silence run has lasted.
func (d *Detector) SilenceRun(elapsed time.Duration) time.Duration {
	if !d.inSilence {
		return 0
	}
	return elapsed - d.silenceStart
}

// Monitor polls a Spectrum on a ticker and calls onStop at most once.
type Monitor struct {
	det     *Detector
	src     Spectrum
	onStop  func(silence time.Duration)
	stop    chan struct{}
	done    chan struct{}
	once    sync.Once
	mu      sync.Mutex
	stopped bool
	fired   bool
}

// Start begins polling src. onStop runs on the monitor goroutine with
// the length of the silence run that triggered it.
func Start(cfg Config, src Spectrum, onStop func(silence time.Duration)) *Monitor {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultConfig().PollInterval
	}
	m := &Monitor{
		det:    NewDetector(cfg),
		src:    src,
		onStop: onStop,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go m.run(cfg.PollInterval)
	return m
}

func (m *Monitor) run(interval time.Duration) {
	start := time.Now()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			close(m.done)
			return
		case <-ticker.C:
		}

		elapsed := time.Since(start)
		if !m.det.Observe(elapsed, m.src.Level()) {
			continue
		}
		silence := m.det.SilenceRun(elapsed)

		m.mu.Lock()
		if m.stopped {
			m.mu.Unlock()
			close(m.done)
			return
		}
		m.fired = true
		m.mu.Unlock()

		if m.onStop != nil {
			m.onStop(silence)
		}
		close(m.done)
		return
	}
}

// Cancel stops polling and waits for the poll goroutine to finish,
// including a stop callback already in progress. Idempotent. onStop
// must not call Cancel on its own goroutine; hand the work to another
// goroutine instead.
func (m *Monitor) Cancel() {
	m.mu.Lock()
	m.stopped = true
	m.mu.Unlock()
	m.once.Do(func() { close(m.stop) })
	<-m.done
}

// Fired reports whether the stop callback was invoked.
func (m *Monitor) Fired() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fired
}

// Done is closed once the monitor will issue no further polls and any
// stop callback has returned.
func (m *Monitor) Done() <-chan struct{} { return m.done }
