package encoder

import (
	"encoding/binary"
	"sync"
	"time"
)

const wavHeaderSize = 44

// WavEncoder produces a canonical 44-byte-header PCM16 mono WAV.
type WavEncoder struct {
	pcm         []byte
	out         []byte
	totalFrames uint64
	encodeTime  time.Duration
	mu          sync.Mutex
}

func NewWav() *WavEncoder {
	return &WavEncoder{}
}

func (e *WavEncoder) EncodeBlock(block []int16) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	start := time.Now()
	for _, s := range block {
		e.pcm = binary.LittleEndian.AppendUint16(e.pcm, uint16(s))
	}
	e.totalFrames += uint64(len(block))
	e.encodeTime += time.Since(start)
	return nil
}

func (e *WavEncoder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.out = WAV(e.pcm, SampleRate)
	return nil
}

func (e *WavEncoder) Bytes() []byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.out
}

func (e *WavEncoder) TotalFrames() uint64 {
	return e.totalFrames
}

func (e *WavEncoder) EncodeTime() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.encodeTime
}

// WAV wraps little-endian PCM16 mono samples in a RIFF/WAVE container.
func WAV(pcm []byte, sampleRate int) []byte {
	dataSize := len(pcm)
	buf := make([]byte, wavHeaderSize+dataSize)
	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(wavHeaderSize-8+dataSize))
	copy(buf[8:12], "WAVE")
	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)
	binary.LittleEndian.PutUint16(buf[20:22], 1) // PCM
	binary.LittleEndian.PutUint16(buf[22:24], Channels)
	binary.LittleEndian.PutUint32(buf[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(sampleRate*Channels*BitsPerSample/8))
	binary.LittleEndian.PutUint16(buf[32:34], Channels*BitsPerSample/8)
	binary.LittleEndian.PutUint16(buf[34:36], BitsPerSample)
	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(dataSize))
	copy(buf[wavHeaderSize:], pcm)
	return buf
}
