package waveform

import (
	"image/color"
	"sync"
	"time"
)

// Scheduler runs fn once at the next frame. The returned cancel is
// idempotent.
type Scheduler interface {
	Request(fn func()) (cancel func())
}

// FrameScheduler paces frames on a fixed interval.
type FrameScheduler struct {
	Interval time.Duration
}

func (s FrameScheduler) Request(fn func()) func() {
	interval := s.Interval
	if interval <= 0 {
		interval = time.Second / 30
	}
	t := time.AfterFunc(interval, fn)
	return func() { t.Stop() }
}

// Source yields spectrum snapshots; ok=false means the source is gone.
type Source interface {
	Snapshot(dst []byte) ([]byte, bool)
}

// Renderer keeps a canvas painted from whichever source is attached,
// or with the idle silhouette when none is.
type Renderer struct {
	canvas Canvas
	style  Style
	sched  Scheduler

	mu      sync.Mutex
	src     Source
	cancel  func()
	gen     uint64
	bins    []byte
	closed  bool
	onPaint func()
}

func NewRenderer(c Canvas, st Style, sched Scheduler) *Renderer {
	r := &Renderer{canvas: c, style: st, sched: sched}
	r.mu.Lock()
	r.paintIdle()
	r.mu.Unlock()
	return r
}

// OnPaint registers fn to run after every paint, outside the lock.
func (r *Renderer) OnPaint(fn func()) {
	r.mu.Lock()
	r.onPaint = fn
	r.mu.Unlock()
}

// Attach starts a redraw loop over src, replacing any current loop.
func (r *Renderer) Attach(src Source) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.stopLocked()
	r.src = src
	gen := r.gen
	r.cancel = r.sched.Request(func() { r.tick(gen) })
	r.mu.Unlock()
}

// Detach ends the redraw loop and paints the idle pattern.
func (r *Renderer) Detach() {
	r.mu.Lock()
	r.stopLocked()
	if !r.closed {
		r.paintIdle()
	}
	fn := r.onPaint
	r.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// Close ends the loop for good.
func (r *Renderer) Close() {
	r.mu.Lock()
	r.stopLocked()
	r.closed = true
	r.mu.Unlock()
}

// Running reports whether a redraw is scheduled.
func (r *Renderer) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancel != nil
}

func (r *Renderer) Resize(w, h int) {
	r.mu.Lock()
	r.canvas.Resize(w, h)
	if r.src == nil && !r.closed {
		r.paintIdle()
	}
	r.mu.Unlock()
}

func (r *Renderer) stopLocked() {
	r.gen++
	if r.cancel != nil {
		r.cancel()
		r.cancel = nil
	}
	r.src = nil
}

func (r *Renderer) tick(gen uint64) {
	r.mu.Lock()
	if gen != r.gen || r.closed || r.src == nil {
		r.mu.Unlock()
		return
	}
	bins, ok := r.src.Snapshot(r.bins)
	if !ok {
		r.stopLocked()
		r.paintIdle()
	} else {
		r.bins = bins
		r.paint(Frame(bins, r.width(), r.height(), r.style))
		r.cancel = r.sched.Request(func() { r.tick(gen) })
	}
	fn := r.onPaint
	r.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (r *Renderer) width() float64 {
	w, _ := r.canvas.Size()
	return float64(w)
}

func (r *Renderer) height() float64 {
	_, h := r.canvas.Size()
	return float64(h)
}

func (r *Renderer) paintIdle() {
	r.paint(IdleFrame(r.width(), r.height(), r.style))
}

func (r *Renderer) paint(bars []Bar) {
	Paint(r.canvas, bars, r.style.Color)
}

// Paint clears c and fills one rect per bar.
func Paint(c Canvas, bars []Bar, col color.Color) {
	c.Clear()
	for _, b := range bars {
		c.FillRect(b.X, b.Y, b.W, b.H, col)
	}
}
