package waveform

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"io"
	"math"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"
)

// Canvas is a drawing surface addressed in logical units. The backing
// store is scaled by PixelRatio.
type Canvas interface {
	Size() (w, h int)
	PixelRatio() (x, y float64)
	Resize(w, h int)
	Clear()
	FillRect(x, y, w, h float64, c color.Color)
}

// span converts a logical interval to backing pixel indices, never
// collapsing a non-empty interval to zero pixels.
func span(pos, length, ratio float64, limit int) (int, int) {
	lo := int(math.Round(pos * ratio))
	hi := int(math.Round((pos + length) * ratio))
	if length > 0 && hi <= lo {
		hi = lo + 1
	}
	return max(lo, 0), min(hi, limit)
}

// ImageCanvas renders into an RGBA image.
type ImageCanvas struct {
	mu    sync.Mutex
	ratio float64
	w, h  int
	img   *image.RGBA
	bg    color.Color
}

func NewImageCanvas(w, h int, ratio float64) *ImageCanvas {
	if ratio <= 0 {
		ratio = 1
	}
	c := &ImageCanvas{ratio: ratio, bg: color.Transparent}
	c.Resize(w, h)
	return c
}

func (c *ImageCanvas) Size() (int, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.w, c.h
}

func (c *ImageCanvas) PixelRatio() (float64, float64) { return c.ratio, c.ratio }

func (c *ImageCanvas) Resize(w, h int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.w, c.h = w, h
	c.img = image.NewRGBA(image.Rect(0, 0, int(float64(w)*c.ratio), int(float64(h)*c.ratio)))
}

func (c *ImageCanvas) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	draw.Draw(c.img, c.img.Bounds(), image.NewUniform(c.bg), image.Point{}, draw.Src)
}

func (c *ImageCanvas) FillRect(x, y, w, h float64, col color.Color) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b := c.img.Bounds()
	x0, x1 := span(x, w, c.ratio, b.Dx())
	y0, y1 := span(y, h, c.ratio, b.Dy())
	draw.Draw(c.img, image.Rect(x0, y0, x1, y1), image.NewUniform(col), image.Point{}, draw.Src)
}

func (c *ImageCanvas) Image() *image.RGBA {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.img
}

func (c *ImageCanvas) WritePNG(w io.Writer) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return png.Encode(w, c.img)
}

// TermCanvas is a grid of terminal cells, each holding two vertical
// pixels drawn with half-block glyphs.
type TermCanvas struct {
	mu         sync.Mutex
	cols, rows int
	px         []color.Color // cols x rows*2, nil is empty
}

func NewTermCanvas(cols, rows int) *TermCanvas {
	c := &TermCanvas{}
	c.Resize(cols, rows)
	return c
}

func (c *TermCanvas) Size() (int, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cols, c.rows
}

func (c *TermCanvas) PixelRatio() (float64, float64) { return 1, 2 }

func (c *TermCanvas) Resize(cols, rows int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cols, c.rows = max(cols, 0), max(rows, 0)
	c.px = make([]color.Color, c.cols*c.rows*2)
}

func (c *TermCanvas) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	clear(c.px)
}

func (c *TermCanvas) FillRect(x, y, w, h float64, col color.Color) {
	c.mu.Lock()
	defer c.mu.Unlock()
	x0, x1 := span(x, w, 1, c.cols)
	y0, y1 := span(y, h, 2, c.rows*2)
	for py := y0; py < y1; py++ {
		for px := x0; px < x1; px++ {
			c.px[py*c.cols+px] = col
		}
	}
}

func hex(col color.Color) lipgloss.Color {
	r, g, b, _ := col.RGBA()
	return lipgloss.Color(fmt.Sprintf("#%02x%02x%02x", r>>8, g>>8, b>>8))
}

// String renders the grid, one line per row.
func (c *TermCanvas) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	var sb strings.Builder
	for row := 0; row < c.rows; row++ {
		if row > 0 {
			sb.WriteByte('\n')
		}
		for col := 0; col < c.cols; col++ {
			top := c.px[(2*row)*c.cols+col]
			bot := c.px[(2*row+1)*c.cols+col]
			switch {
			case top == nil && bot == nil:
				sb.WriteByte(' ')
			case bot == nil:
				sb.WriteString(lipgloss.NewStyle().Foreground(hex(top)).Render("▀"))
			case top == nil:
				sb.WriteString(lipgloss.NewStyle().Foreground(hex(bot)).Render("▄"))
			case top == bot:
				sb.WriteString(lipgloss.NewStyle().Foreground(hex(top)).Render("█"))
			default:
				sb.WriteString(lipgloss.NewStyle().Foreground(hex(top)).Background(hex(bot)).Render("▀"))
			}
		}
	}
	return sb.String()
}
