package encoder

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	SampleRate    = 16000
	Channels      = 1
	BitsPerSample = 16
	BlockSize     = 4096
)

var ErrNoSupportedFormat = errors.New("no supported audio encoding")

type Encoder interface {
	EncodeBlock(block []int16) error
	Close() error
	Bytes() []byte
	TotalFrames() uint64
	EncodeTime() time.Duration
}

// Format is one negotiable container/codec pair.
type Format struct {
	Name     string
	MIMEType string
	Ext      string
	new      func() (Encoder, error)
}

func (f Format) NewEncoder() (Encoder, error) {
	return f.new()
}

var formats = []Format{
	{Name: "flac", MIMEType: "audio/flac", Ext: "flac", new: func() (Encoder, error) { return NewFlac() }},
	{Name: "wav", MIMEType: "audio/wav", Ext: "wav", new: func() (Encoder, error) { return NewWav(), nil }},
}

// DefaultPreference is tried in order when the caller has no opinion.
var DefaultPreference = []string{"flac", "wav"}

func Lookup(name string) (Format, bool) {
	name = strings.ToLower(strings.TrimSpace(name))
	for _, f := range formats {
		if f.Name == name {
			return f, true
		}
	}
	return Format{}, false
}

// Negotiate returns the first format in prefs that this build supports.
func Negotiate(prefs []string) (Format, error) {
	if len(prefs) == 0 {
		prefs = DefaultPreference
	}
	for _, p := range prefs {
		if f, ok := Lookup(p); ok {
			return f, nil
		}
	}
	return Format{}, fmt.Errorf("%w (tried %s)", ErrNoSupportedFormat, strings.Join(prefs, ", "))
}

// Encode runs samples through a fresh encoder of format f in BlockSize blocks.
func Encode(f Format, samples []int16) ([]byte, time.Duration, error) {
	enc, err := f.NewEncoder()
	if err != nil {
		return nil, 0, err
	}
	for len(samples) > 0 {
		n := min(BlockSize, len(samples))
		if err := enc.EncodeBlock(samples[:n]); err != nil {
			return nil, 0, err
		}
		samples = samples[n:]
	}
	if err := enc.Close(); err != nil {
		return nil, 0, err
	}
	return enc.Bytes(), enc.EncodeTime(), nil
}
