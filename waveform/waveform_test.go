package waveform

import (
	"bytes"
	"image/color"
	"image/png"
	"math"
	"strings"
	"sync"
	"testing"
)

func TestZeroSpectrumGivesMinimumBars(t *testing.T) {
	st := DefaultStyle()
	bars := Frame(make([]byte, 128), 200, 60, st)
	if len(bars) != 40 {
		t.Fatalf("bars = %d, want 40", len(bars))
	}
	for i, b := range bars {
		if b.H != st.MinHeight {
			t.Fatalf("bar %d height = %v, want %v", i, b.H, st.MinHeight)
		}
		if b.Y < 0 || b.Y+b.H > 60 {
			t.Fatalf("bar %d outside canvas: %+v", i, b)
		}
	}
}

func TestFullScaleHitsCeiling(t *testing.T) {
	bins := bytes.Repeat([]byte{255}, 128)
	bars := Frame(bins, 200, 60, DefaultStyle())
	for _, b := range bars {
		if b.H != 54 {
			t.Fatalf("height = %v, want 90%% of 60", b.H)
		}
	}
}

func TestFrameStride(t *testing.T) {
	bins := make([]byte, 128)
	for i := range bins {
		bins[i] = byte(i * 2)
	}
	st := DefaultStyle()
	st.BarCount = 10
	bars := Frame(bins, 1000, 255, st)

	// stride = floor(128/10) = 12
	for i, b := range bars {
		want := float64(bins[i*12]) * 0.9
		if want < st.MinHeight {
			want = st.MinHeight
		}
		if math.Abs(b.H-want) > 1e-9 {
			t.Errorf("bar %d height = %v, want %v", i, b.H, want)
		}
		if b.X != float64(i)*5 {
			t.Errorf("bar %d x = %v, want %v", i, b.X, float64(i)*5)
		}
	}
}

func TestIdleFrameHasShape(t *testing.T) {
	st := DefaultStyle()
	bars := IdleFrame(200, 60, st)
	distinct := map[float64]bool{}
	for _, b := range bars {
		if b.H < st.MinHeight {
			t.Fatalf("idle bar below floor: %+v", b)
		}
		distinct[b.H] = true
	}
	if len(distinct) < 3 {
		t.Errorf("idle pattern is flat: %d distinct heights", len(distinct))
	}
}

func TestImageCanvasPixelRatio(t *testing.T) {
	c := NewImageCanvas(100, 50, 2)
	if b := c.Image().Bounds(); b.Dx() != 200 || b.Dy() != 100 {
		t.Fatalf("backing = %v, want 200x100", b)
	}
	red := color.RGBA{R: 255, A: 255}
	c.FillRect(10, 10, 1, 1, red)
	if got := c.Image().RGBAAt(21, 21); got != red {
		t.Errorf("pixel (21,21) = %v, want red", got)
	}
	if got := c.Image().RGBAAt(22, 22); got == red {
		t.Error("fill spilled past the scaled rect")
	}

	var buf bytes.Buffer
	if err := c.WritePNG(&buf); err != nil {
		t.Fatal(err)
	}
	img, err := png.Decode(&buf)
	if err != nil || img.Bounds().Dx() != 200 {
		t.Fatalf("png round trip: %v", err)
	}
}

func TestTermCanvasHalfBlocks(t *testing.T) {
	c := NewTermCanvas(3, 1)
	white := color.RGBA{R: 255, G: 255, B: 255, A: 255}
	c.FillRect(0, 0.5, 1, 0.5, white)
	c.FillRect(1, 0, 1, 0.5, white)
	c.FillRect(2, 0, 1, 1, white)
	out := c.String()
	for _, glyph := range []string{"▄", "▀", "█"} {
		if !strings.Contains(out, glyph) {
			t.Errorf("missing %s in %q", glyph, out)
		}
	}
	c.Clear()
	if strings.TrimSpace(c.String()) != "" {
		t.Errorf("cleared canvas = %q", c.String())
	}
}

type manualScheduler struct {
	mu      sync.Mutex
	pending []*request
}

type request struct {
	fn        func()
	cancelled bool
}

func (s *manualScheduler) Request(fn func()) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := &request{fn: fn}
	s.pending = append(s.pending, r)
	return func() {
		s.mu.Lock()
		r.cancelled = true
		s.mu.Unlock()
	}
}

// step runs every live request and reports how many ran.
func (s *manualScheduler) step() int {
	s.mu.Lock()
	reqs := s.pending
	s.pending = nil
	s.mu.Unlock()
	n := 0
	for _, r := range reqs {
		s.mu.Lock()
		live := !r.cancelled
		s.mu.Unlock()
		if live {
			r.fn()
			n++
		}
	}
	return n
}

type fakeSource struct {
	mu     sync.Mutex
	bins   []byte
	closed bool
}

func (f *fakeSource) Snapshot(dst []byte) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return dst[:0], false
	}
	return append(dst[:0], f.bins...), true
}

func (f *fakeSource) close() {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
}

func TestRendererStopsWhenSourceCloses(t *testing.T) {
	sched := &manualScheduler{}
	canvas := NewImageCanvas(50, 20, 1)
	r := NewRenderer(canvas, DefaultStyle(), sched)
	paints := 0
	r.OnPaint(func() { paints++ })

	src := &fakeSource{bins: bytes.Repeat([]byte{200}, 64)}
	r.Attach(src)
	for range 3 {
		if sched.step() != 1 {
			t.Fatal("expected one scheduled frame")
		}
	}
	if !r.Running() || paints != 3 {
		t.Fatalf("running = %v, paints = %d", r.Running(), paints)
	}

	src.close()
	sched.step()
	if r.Running() {
		t.Fatal("loop still scheduled after source closed")
	}
	if sched.step() != 0 {
		t.Fatal("a frame ran after the loop ended")
	}
}

func TestRendererDetachCancelsPending(t *testing.T) {
	sched := &manualScheduler{}
	r := NewRenderer(NewTermCanvas(20, 2), TermStyle(), sched)
	r.Attach(&fakeSource{bins: make([]byte, 64)})
	r.Detach()
	r.Detach()
	if sched.step() != 0 || r.Running() {
		t.Fatal("frame ran after Detach")
	}
}

func TestRendererReattachDropsOldLoop(t *testing.T) {
	sched := &manualScheduler{}
	r := NewRenderer(NewImageCanvas(50, 20, 1), DefaultStyle(), sched)
	r.Attach(&fakeSource{bins: make([]byte, 64)})
	r.Attach(&fakeSource{bins: make([]byte, 64)})
	if n := sched.step(); n != 1 {
		t.Fatalf("%d frames ran, want only the latest loop", n)
	}
	r.Close()
	r.Attach(&fakeSource{})
	if sched.step() != 0 {
		t.Fatal("Attach after Close scheduled a frame")
	}
}
