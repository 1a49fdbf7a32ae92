package vad

import (
	"math"
	"sync/atomic"
	"testing"
	"time"
)

const poll = 100 * time.Millisecond

// feed runs levels through d at poll spacing starting from tick 1 and
// returns the elapsed times at which it fired.
func feed(d *Detector, start int, levels ...float64) []time.Duration {
	var fired []time.Duration
	for i, l := range levels {
		at := time.Duration(start+i) * poll
		if d.Observe(at, l) {
			fired = append(fired, at)
		}
	}
	return fired
}

func repeat(l float64, n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = l
	}
	return out
}

func TestSustainedSpeechNeverStops(t *testing.T) {
	for _, level := range []float64{12, 13, 80, 255} {
		d := NewDetector(DefaultConfig())
		if fired := feed(d, 1, repeat(level, 600)...); len(fired) != 0 {
			t.Errorf("level %v: fired at %v", level, fired)
		}
	}
}

func TestSustainedSilenceFiresOnce(t *testing.T) {
	for _, level := range []float64{0, 5, 11.9} {
		d := NewDetector(DefaultConfig())
		fired := feed(d, 1, repeat(level, 300)...)
		if len(fired) != 1 {
			t.Fatalf("level %v: fired %d times, want 1", level, len(fired))
		}
		// silence run starts at the first eligible poll (600 ms).
		if fired[0] != 2400*time.Millisecond {
			t.Errorf("level %v: fired at %v, want 2.4s", level, fired[0])
		}
	}
}

func TestEarlySilenceDoesNotCount(t *testing.T) {
	d := NewDetector(DefaultConfig())
	levels := append(repeat(0, 5), repeat(40, 3)...)
	levels = append(levels, repeat(0, 19)...)
	fired := feed(d, 0, levels...)

	if len(fired) != 1 {
		t.Fatalf("fired %v, want exactly once", fired)
	}
	if fired[0] < 2400*time.Millisecond {
		t.Errorf("fired at %v, earlier than min elapsed + silence", fired[0])
	}
	if fired[0] > 2800*time.Millisecond {
		t.Errorf("fired at %v, want roughly 2.4s", fired[0])
	}
}

func TestSpeechResetsSilenceRun(t *testing.T) {
	d := NewDetector(DefaultConfig())
	levels := append(repeat(0, 17), 30)
	levels = append(levels, repeat(0, 17)...)
	if fired := feed(d, 6, levels...); len(fired) != 0 {
		t.Fatalf("fired at %v despite speech every 1.7s", fired)
	}
	if got := d.SilenceRun(time.Duration(6+len(levels)-1) * poll); got != 1600*time.Millisecond {
		t.Errorf("SilenceRun = %v, want 1.6s", got)
	}
}

type fakeSpectrum struct{ level atomic.Uint64 }

func (f *fakeSpectrum) set(l float64)  { f.level.Store(math.Float64bits(l)) }
func (f *fakeSpectrum) Level() float64 { return math.Float64frombits(f.level.Load()) }

func fastConfig() Config {
	return Config{
		Threshold:    12,
		Silence:      50 * time.Millisecond,
		MinElapsed:   20 * time.Millisecond,
		PollInterval: 5 * time.Millisecond,
	}
}

func TestMonitorFiresOnce(t *testing.T) {
	src := &fakeSpectrum{}
	var calls atomic.Int32
	m := Start(fastConfig(), src, func(silence time.Duration) {
		calls.Add(1)
		if silence < 50*time.Millisecond {
			t.Errorf("silence = %v, want >= 50ms", silence)
		}
	})

	select {
	case <-m.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("monitor never fired on silence")
	}
	m.Cancel()
	m.Cancel()
	if calls.Load() != 1 || !m.Fired() {
		t.Fatalf("calls = %d, fired = %v", calls.Load(), m.Fired())
	}
}

func TestMonitorCancelHandedOffFromCallback(t *testing.T) {
	src := &fakeSpectrum{}
	var m *Monitor
	returned := make(chan struct{})
	ready := make(chan struct{})
	m = Start(fastConfig(), src, func(time.Duration) {
		<-ready
		go func() {
			m.Cancel()
			close(returned)
		}()
	})
	close(ready)

	select {
	case <-returned:
	case <-time.After(2 * time.Second):
		t.Fatal("Cancel from a goroutine started by the callback never returned")
	}
}

func TestCancelWaitsForRunningCallback(t *testing.T) {
	src := &fakeSpectrum{}
	var calls atomic.Int32
	entered := make(chan struct{})
	m := Start(fastConfig(), src, func(time.Duration) {
		close(entered)
		time.Sleep(20 * time.Millisecond)
		calls.Add(1)
	})

	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("monitor never fired on silence")
	}
	m.Cancel()
	if got := calls.Load(); got != 1 {
		t.Fatalf("calls when Cancel returned = %d, want 1", got)
	}
}

func TestDoneClosesAfterCallback(t *testing.T) {
	src := &fakeSpectrum{}
	var calls atomic.Int32
	m := Start(fastConfig(), src, func(time.Duration) {
		time.Sleep(20 * time.Millisecond)
		calls.Add(1)
	})

	select {
	case <-m.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("monitor never fired on silence")
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("calls when Done closed = %d, want 1", got)
	}
}

func TestNoPollEffectsAfterCancel(t *testing.T) {
	src := &fakeSpectrum{}
	src.set(100)
	var calls atomic.Int32
	m := Start(fastConfig(), src, func(time.Duration) { calls.Add(1) })

	time.Sleep(30 * time.Millisecond)
	m.Cancel()
	src.set(0)
	time.Sleep(150 * time.Millisecond)

	if calls.Load() != 0 || m.Fired() {
		t.Fatalf("callback ran %d times after Cancel", calls.Load())
	}
}
