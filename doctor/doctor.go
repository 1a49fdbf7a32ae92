// Package doctor runs interactive checks of the backend, the microphone,
// the speaker and the clipboard.
package doctor

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"ekodi/analyser"
	"ekodi/audio"
	"ekodi/capture"
	"ekodi/client"
	"ekodi/encoder"
	"ekodi/playback"
	"ekodi/waveform"
)

const (
	recordFor   = 3 * time.Second
	pollEvery   = 100 * time.Millisecond
	playTimeout = 30 * time.Second
	sampleText  = "I ni ce"
)

type Backend interface {
	Health(ctx context.Context) (*client.Health, error)
	TTS(ctx context.Context, text, speaker string) ([]byte, error)
}

type Options struct {
	API     Backend
	Speaker string

	Audio    audio.Context
	Device   *audio.DeviceInfo
	Formats  []string
	Analyser analyser.Config
	// Threshold is the mean bin level counted as speech.
	Threshold float64
	Record    time.Duration

	Player playback.Factory

	// ReportDir receives the captured waveform as mic_check.png.
	ReportDir string

	CopyText func(string) error
	ReadText func() (string, error)

	In  io.Reader
	Out io.Writer
}

type doctor struct {
	opts Options
	in   *bufio.Reader
	out  io.Writer

	// set by the backend check, reused by the playback check
	healthy bool
}

type check struct {
	name string
	run  func(d *doctor) bool
}

var checks = []check{
	{"Backend", (*doctor).checkBackend},
	{"Microphone", (*doctor).checkMicrophone},
	{"Speaker", (*doctor).checkSpeaker},
	{"Clipboard", (*doctor).checkClipboard},
}

// Run executes every check and returns an exit code (0=all pass, 1=any fail).
func Run(opts Options) int {
	if opts.In == nil {
		resetTerminal()
		setupInterruptHandler()
		opts.In = os.Stdin
	}
	if opts.Out == nil {
		opts.Out = os.Stdout
	}
	if opts.Record <= 0 {
		opts.Record = recordFor
	}
	d := &doctor{opts: opts, in: bufio.NewReader(opts.In), out: opts.Out}

	d.printf("ekodi doctor - interactive system diagnostics\n")
	d.printf("=============================================\n")

	allPass := true
	for i, c := range checks {
		d.printf("\n[%d/%d] %s\n", i+1, len(checks), c.name)
		if !c.run(d) {
			allPass = false
		}
	}

	d.printf("\n")
	if allPass {
		d.printf("All checks passed!\n")
		return 0
	}
	d.printf("Some checks failed. See details above.\n")
	return 1
}

func (d *doctor) printf(format string, args ...any) {
	fmt.Fprintf(d.out, format, args...)
}

func (d *doctor) confirm(question string) bool {
	d.printf("%s [y/n]: ", question)
	answer, _ := d.in.ReadString('\n')
	answer = strings.TrimSpace(strings.ToLower(answer))
	return answer == "y" || answer == "yes"
}

func (d *doctor) checkBackend() bool {
	if d.opts.API == nil {
		d.printf("  SKIP: no backend configured\n")
		return true
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	h, err := d.opts.API.Health(ctx)
	if err != nil {
		d.printf("  FAIL: %v\n", err)
		return false
	}
	if h.Status != "ok" {
		d.printf("  FAIL: backend status %q\n", h.Status)
		return false
	}
	d.healthy = true
	d.printf("  PASS: backend %s is up\n", h.Version)
	if !h.OpenAIConfigured {
		d.printf("  Warning: backend has no OpenAI key; replies may be empty\n")
	}
	return true
}

func (d *doctor) checkMicrophone() bool {
	if d.opts.Audio == nil {
		d.printf("  FAIL: no audio backend\n")
		return false
	}
	rec := capture.NewRecorder(d.opts.Audio, capture.Options{
		Device:   d.opts.Device,
		Formats:  d.opts.Formats,
		Analyser: d.opts.Analyser,
	})

	d.printf("Speak for %.0f seconds...\n", d.opts.Record.Seconds())
	s, err := rec.Start(context.Background())
	if err != nil {
		d.printf("  FAIL: %v\n", err)
		return false
	}
	d.printf("  Recording on %s (%s)", s.DeviceName(), s.Format().Name)

	peak, bins := d.listen(s.Tap())
	d.printf(" done\n")

	blob, err := rec.Stop(s)
	switch {
	case errors.Is(err, capture.ErrCaptureTooShort):
		d.printf("  FAIL: no audio captured\n")
		return false
	case err != nil:
		d.printf("  FAIL: %v\n", err)
		return false
	}
	d.printf("  Captured %.1fs, %.1f KB %s, peak level %.1f\n",
		blob.Duration.Seconds(), float64(len(blob.Data))/1024, blob.MIMEType, peak)

	if path, err := d.writeWaveform(bins); err != nil {
		d.printf("  Warning: could not save waveform: %v\n", err)
	} else if path != "" {
		d.printf("  Waveform saved to %s\n", path)
	}

	if peak < d.opts.Threshold {
		d.printf("  FAIL: input stayed below the speech threshold (%.0f)\n", d.opts.Threshold)
		return false
	}
	d.printf("  PASS: microphone hears speech\n")
	return true
}

// listen polls the tap for the record window and returns the loudest
// level seen with the spectrum at that moment.
func (d *doctor) listen(tap *analyser.Tap) (float64, []byte) {
	ticker := time.NewTicker(pollEvery)
	defer ticker.Stop()
	deadline := time.After(d.opts.Record)

	var peak float64
	var best, scratch []byte
	polls := 0
	for {
		select {
		case <-deadline:
			return peak, best
		case <-ticker.C:
			polls++
			if polls%5 == 0 {
				d.printf(".")
			}
			var ok bool
			scratch, ok = tap.Snapshot(scratch)
			if !ok {
				return peak, best
			}
			if lvl := tap.Level(); lvl >= peak {
				peak = lvl
				best = append(best[:0], scratch...)
			}
		}
	}
}

func (d *doctor) writeWaveform(bins []byte) (string, error) {
	if d.opts.ReportDir == "" || len(bins) == 0 {
		return "", nil
	}
	st := waveform.DefaultStyle()
	c := waveform.NewImageCanvas(240, 60, 2)
	w, h := c.Size()
	waveform.Paint(c, waveform.Frame(bins, float64(w), float64(h), st), st.Color)

	path := filepath.Join(d.opts.ReportDir, "mic_check.png")
	f, err := os.Create(path)
	if err != nil {
		return "", err
	}
	if err := c.WritePNG(f); err != nil {
		f.Close()
		return "", err
	}
	return path, f.Close()
}

func (d *doctor) checkSpeaker() bool {
	if d.opts.Player == nil {
		d.printf("  FAIL: no audio output\n")
		return false
	}

	wav, source := d.sample()
	ctrl := playback.NewController(d.opts.Player)
	ended := make(chan playback.EventKind, 1)
	ctrl.Subscribe(func(ev playback.Event) {
		if ev.Kind != playback.Started {
			select {
			case ended <- ev.Kind:
			default:
			}
		}
	})

	h, err := ctrl.Play(playback.Payload{Data: wav}, "doctor")
	if err != nil {
		d.printf("  FAIL: %v\n", err)
		return false
	}
	d.printf("  Playing %s (%.1fs)...\n", source, h.Duration().Seconds())
	select {
	case <-ended:
	case <-time.After(playTimeout):
		ctrl.Stop()
		d.printf("  FAIL: playback never finished\n")
		return false
	}

	if !d.confirm("Did you hear it?") {
		d.printf("  FAIL: playback not confirmed\n")
		return false
	}
	d.printf("  PASS: speaker verified by user\n")
	return true
}

// sample returns speech from the backend when it is reachable, and a
// local tone otherwise.
func (d *doctor) sample() ([]byte, string) {
	if d.healthy && d.opts.API != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		wav, err := d.opts.API.TTS(ctx, sampleText, d.opts.Speaker)
		if err == nil && len(wav) > 0 {
			return wav, "synthesized speech"
		}
		d.printf("  Warning: tts failed, using a test tone: %v\n", err)
	}
	return Tone(440, time.Second), "a 440 Hz tone"
}

// Tone is a mono PCM16 WAV sine at the capture sample rate.
func Tone(freq float64, dur time.Duration) []byte {
	n := int(dur.Seconds() * audio.SampleRate)
	pcm := make([]byte, 2*n)
	for i := range n {
		v := 0.3 * math.Sin(2*math.Pi*freq*float64(i)/audio.SampleRate)
		binary.LittleEndian.PutUint16(pcm[2*i:], uint16(int16(v*math.MaxInt16)))
	}
	return encoder.WAV(pcm, audio.SampleRate)
}

func (d *doctor) checkClipboard() bool {
	if d.opts.CopyText == nil || d.opts.ReadText == nil {
		d.printf("  SKIP: clipboard unavailable\n")
		return true
	}
	prev, _ := d.opts.ReadText()

	const marker = "ekodi-doctor-test"
	if err := d.opts.CopyText(marker); err != nil {
		d.printf("  FAIL: clipboard copy failed: %v\n", err)
		return false
	}
	got, err := d.opts.ReadText()
	if prev != "" {
		d.opts.CopyText(prev)
	}
	if err != nil {
		d.printf("  FAIL: clipboard read failed: %v\n", err)
		return false
	}
	if got != marker {
		d.printf("  FAIL: clipboard returned %q, want %q\n", got, marker)
		return false
	}
	d.printf("  PASS: replies can be copied\n")
	return true
}
