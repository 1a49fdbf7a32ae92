package encoder

import (
	"encoding/binary"
	"errors"
	"testing"
)

func ramp(n int) []int16 {
	s := make([]int16, n)
	for i := range s {
		s[i] = int16(i % 1000)
	}
	return s
}

func TestFlacEncoder(t *testing.T) {
	samples := ramp(BlockSize*2 + BlockSize/3)

	enc, err := NewFlac()
	if err != nil {
		t.Fatalf("NewFlac: %v", err)
	}

	var totalFed uint64
	for i := 0; i < len(samples); i += BlockSize {
		block := samples[i:min(i+BlockSize, len(samples))]
		if err := enc.EncodeBlock(block); err != nil {
			t.Fatalf("EncodeBlock at offset %d: %v", i, err)
		}
		totalFed += uint64(len(block))
	}

	if err := enc.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if enc.TotalFrames() != totalFed {
		t.Errorf("TotalFrames = %d, want %d", enc.TotalFrames(), totalFed)
	}
	if data := enc.Bytes(); len(data) < 4 || string(data[:4]) != "fLaC" {
		t.Fatal("output does not start with FLAC magic")
	}
}

func TestFlacEncoderEmpty(t *testing.T) {
	enc, err := NewFlac()
	if err != nil {
		t.Fatalf("NewFlac: %v", err)
	}
	if err := enc.EncodeBlock(nil); err != nil {
		t.Fatalf("EncodeBlock(nil): %v", err)
	}
	if err := enc.Close(); err != nil {
		t.Fatalf("Close on empty encoder: %v", err)
	}
	if enc.TotalFrames() != 0 {
		t.Errorf("TotalFrames = %d, want 0", enc.TotalFrames())
	}
	if len(enc.Bytes()) == 0 {
		t.Error("expected non-empty FLAC output (at least header)")
	}
}

func TestWavEncoder(t *testing.T) {
	samples := ramp(1000)
	data, _, err := Encode(formats[1], samples)
	if err != nil {
		t.Fatal(err)
	}
	if len(data) != wavHeaderSize+len(samples)*2 {
		t.Fatalf("len = %d, want %d", len(data), wavHeaderSize+len(samples)*2)
	}
	if string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" || string(data[36:40]) != "data" {
		t.Fatalf("bad header: %q", data[:44])
	}
	if got := binary.LittleEndian.Uint32(data[24:28]); got != SampleRate {
		t.Errorf("sample rate = %d, want %d", got, SampleRate)
	}
	if got := int16(binary.LittleEndian.Uint16(data[44+2*999:])); got != samples[999] {
		t.Errorf("last sample = %d, want %d", got, samples[999])
	}
}

func TestNegotiate(t *testing.T) {
	for _, tt := range []struct {
		prefs []string
		want  string
	}{
		{nil, "flac"},
		{[]string{"opus", "wav"}, "wav"},
		{[]string{"WAV", "flac"}, "wav"},
		{[]string{"mp4", "flac"}, "flac"},
	} {
		f, err := Negotiate(tt.prefs)
		if err != nil {
			t.Fatalf("Negotiate(%v): %v", tt.prefs, err)
		}
		if f.Name != tt.want {
			t.Errorf("Negotiate(%v) = %s, want %s", tt.prefs, f.Name, tt.want)
		}
	}

	if _, err := Negotiate([]string{"opus", "mp4"}); !errors.Is(err, ErrNoSupportedFormat) {
		t.Errorf("unsupported prefs: got %v, want ErrNoSupportedFormat", err)
	}
}

func TestFormatMetadata(t *testing.T) {
	f, ok := Lookup("flac")
	if !ok || f.MIMEType != "audio/flac" || f.Ext != "flac" {
		t.Errorf("flac = %+v, %v", f, ok)
	}
	w, ok := Lookup("wav")
	if !ok || w.MIMEType != "audio/wav" {
		t.Errorf("wav = %+v, %v", w, ok)
	}
}
