// Package waveform draws spectrum bars for live microphone and
// playback feedback.
package waveform

import (
	"image/color"
	"math"
)

type Style struct {
	BarCount  int // 0 fits as many bars as the width allows
	BarWidth  float64
	BarGap    float64
	Color     color.Color
	Ceiling   float64 // fraction of the height a full-scale bin reaches
	MinHeight float64
}

func DefaultStyle() Style {
	return Style{
		BarWidth:  3,
		BarGap:    2,
		Color:     color.RGBA{R: 0xe8, G: 0x7b, B: 0x1e, A: 0xff},
		Ceiling:   0.9,
		MinHeight: 2,
	}
}

// TermStyle draws one-cell bars with a single half-block floor.
func TermStyle() Style {
	st := DefaultStyle()
	st.BarWidth = 1
	st.BarGap = 1
	st.MinHeight = 0.5
	return st
}

type Bar struct {
	X, Y, W, H float64
}

func (st Style) bars(width float64) int {
	if st.BarCount > 0 {
		return st.BarCount
	}
	pitch := st.BarWidth + st.BarGap
	if pitch <= 0 {
		return 0
	}
	return int(math.Floor((width + st.BarGap) / pitch))
}

// Frame resamples bins to the style's bar count, taking one bin every
// floor(len(bins)/bars), and lays the bars out left to right, centred
// vertically.
func Frame(bins []byte, width, height float64, st Style) []Bar {
	n := st.bars(width)
	if n <= 0 {
		return nil
	}
	stride := len(bins) / n
	if stride < 1 {
		stride = 1
	}
	out := make([]Bar, n)
	for i := range out {
		var v byte
		if idx := i * stride; idx < len(bins) {
			v = bins[idx]
		}
		h := float64(v) / 255 * height * st.Ceiling
		out[i] = st.place(i, h, height)
	}
	return out
}

// IdleFrame is the resting silhouette drawn when nothing is playing or
// recording.
func IdleFrame(width, height float64, st Style) []Bar {
	n := st.bars(width)
	out := make([]Bar, n)
	for i := range out {
		wave := (math.Sin(float64(i)*0.35) + 1) / 2
		out[i] = st.place(i, wave*height*0.15, height)
	}
	return out
}

func (st Style) place(i int, h, height float64) Bar {
	h = math.Max(h, st.MinHeight)
	h = math.Min(h, height)
	return Bar{
		X: float64(i) * (st.BarWidth + st.BarGap),
		Y: (height - h) / 2,
		W: st.BarWidth,
		H: h,
	}
}
