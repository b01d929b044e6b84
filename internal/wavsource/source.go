package wavsource

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

const wavFormatPCM = 1

// ErrUnsupportedFormat is returned for anything other than 16-bit mono PCM.
var ErrUnsupportedFormat = errors.New("wav must be 16-bit mono PCM")

// Source is a decoded 16-bit mono WAV file held as little-endian PCM.
type Source struct {
	SampleRate int
	PCM        []byte
}

// Open decodes path. When sampleRate is non-zero the file must match it.
func Open(path string, sampleRate int) (*Source, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		return nil, fmt.Errorf("%s: not a valid wav file", path)
	}
	if dec.WavAudioFormat != wavFormatPCM || dec.BitDepth != 16 || dec.NumChans != 1 {
		return nil, fmt.Errorf("%s: %w (format=%d bits=%d channels=%d)", path, ErrUnsupportedFormat, dec.WavAudioFormat, dec.BitDepth, dec.NumChans)
	}
	if sampleRate > 0 && int(dec.SampleRate) != sampleRate {
		return nil, fmt.Errorf("%s: sample rate %d Hz, relay expects %d Hz", path, dec.SampleRate, sampleRate)
	}

	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("%s: decode pcm: %w", path, err)
	}
	pcm := make([]byte, len(buf.Data)*2)
	for i, sample := range buf.Data {
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(int16(sample)))
	}
	return &Source{SampleRate: int(dec.SampleRate), PCM: pcm}, nil
}

// DurationMS returns the audio length in milliseconds.
func (s *Source) DurationMS() int {
	if s.SampleRate == 0 {
		return 0
	}
	return len(s.PCM) / 2 * 1000 / s.SampleRate
}

// Chunks splits the audio into frames of ms milliseconds. The last frame may be shorter.
func (s *Source) Chunks(ms int) [][]byte {
	if ms <= 0 || len(s.PCM) == 0 {
		return nil
	}
	size := s.SampleRate * ms / 1000 * 2
	if size < 2 {
		size = 2
	}
	chunks := make([][]byte, 0, (len(s.PCM)+size-1)/size)
	for start := 0; start < len(s.PCM); start += size {
		end := min(start+size, len(s.PCM))
		chunks = append(chunks, s.PCM[start:end])
	}
	return chunks
}

// Write encodes little-endian PCM16 mono audio to a WAV file at path.
func Write(path string, pcm []byte, sampleRate int) error {
	if len(pcm)%2 != 0 {
		return fmt.Errorf("pcm payload not aligned")
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := encode(f, pcm, sampleRate); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return nil
}

type wavFile interface {
	io.WriteSeeker
	io.Closer
}

// encode writes the WAV to f and always closes it.
func encode(f wavFile, pcm []byte, sampleRate int) error {
	samples := make([]int, len(pcm)/2)
	for i := range samples {
		samples[i] = int(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}
	buffer := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: 1, SampleRate: sampleRate},
		Data:           samples,
		SourceBitDepth: 16,
	}
	enc := wav.NewEncoder(f, sampleRate, 16, 1, wavFormatPCM)
	if err := enc.Write(buffer); err != nil {
		_ = f.Close()
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		_ = f.Close()
		return fmt.Errorf("close wav encoder: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close wav file: %w", err)
	}
	return nil
}
