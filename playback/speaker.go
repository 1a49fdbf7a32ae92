package playback

import (
	"bytes"
	"fmt"
	"sync"
	"time"

	"github.com/gopxl/beep/v2"
	"github.com/gopxl/beep/v2/speaker"
	"github.com/gopxl/beep/v2/wav"

	"ekodi/analyser"
)

const (
	outputRate      = beep.SampleRate(44100)
	outputLatency   = 100 * time.Millisecond
	resampleQuality = 4
)

// SpeakerFactory builds graphs that play through the system output.
// The output device is opened on first use.
type SpeakerFactory struct {
	Analyser analyser.Config

	once    sync.Once
	initErr error
}

func (f *SpeakerFactory) init() error {
	f.once.Do(func() {
		f.initErr = speaker.Init(outputRate, outputRate.N(outputLatency))
	})
	return f.initErr
}

func (f *SpeakerFactory) New(data []byte) (Graph, error) {
	if err := f.init(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPlaybackBlocked, err)
	}
	src, format, err := decodeWAV(data)
	if err != nil {
		return nil, err
	}
	cfg := f.Analyser
	if cfg.FFTSize == 0 {
		cfg = analyser.DefaultConfig()
	}
	tap := analyser.New(cfg)

	var s beep.Streamer = src
	if format.SampleRate != outputRate {
		s = beep.Resample(resampleQuality, format.SampleRate, outputRate, s)
	}
	return &speakerGraph{
		src: src,
		tap: tap,
		tee: &tapStreamer{s: s, tap: tap},
		dur: format.SampleRate.D(src.Len()),
	}, nil
}

func decodeWAV(data []byte) (beep.StreamSeekCloser, beep.Format, error) {
	src, format, err := wav.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, beep.Format{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return src, format, nil
}

type speakerGraph struct {
	src  beep.StreamSeekCloser
	tap  *analyser.Tap
	tee  *tapStreamer
	dur  time.Duration
	ctrl *beep.Ctrl
	once sync.Once
}

func (g *speakerGraph) Start(onEnd func()) error {
	g.ctrl = &beep.Ctrl{Streamer: beep.Seq(g.tee, beep.Callback(onEnd))}
	speaker.Play(g.ctrl)
	return nil
}

func (g *speakerGraph) Stop() {
	g.once.Do(func() {
		if g.ctrl != nil {
			speaker.Lock()
			g.ctrl.Streamer = nil
			speaker.Unlock()
		}
		g.src.Close()
		g.tap.Close()
	})
}

func (g *speakerGraph) Tap() *analyser.Tap { return g.tap }

func (g *speakerGraph) Duration() time.Duration { return g.dur }

// tapStreamer passes samples through unchanged and feeds a mono mix
// of them to the tap.
type tapStreamer struct {
	s   beep.Streamer
	tap *analyser.Tap
	buf []float64
}

func (t *tapStreamer) Stream(samples [][2]float64) (int, bool) {
	n, ok := t.s.Stream(samples)
	if n == 0 {
		return n, ok
	}
	t.buf = t.buf[:0]
	for _, s := range samples[:n] {
		t.buf = append(t.buf, (s[0]+s[1])/2)
	}
	t.tap.WriteFloats(t.buf)
	return n, ok
}

func (t *tapStreamer) Err() error { return t.s.Err() }
