package stt

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/loqalabs/voskrelay/internal/config"
)

// mockVoiceThreshold is the peak sample amplitude below which a chunk counts as silence.
const mockVoiceThreshold = 500

type mockEngine struct {
	utteranceMS int
}

// NewMockEngine returns an engine for local development without a model. Its recognizers
// report partial text for voiced audio and complete an utterance every utteranceMS of it.
func NewMockEngine(cfg config.RecognizerConfig) Engine {
	return &mockEngine{utteranceMS: cfg.MockUtteranceMS}
}

func (m *mockEngine) Name() string { return "mock" }

func (m *mockEngine) NewRecognizer(_ context.Context, sampleRate int) (Recognizer, error) {
	if sampleRate <= 0 {
		return nil, fmt.Errorf("invalid sample rate %d", sampleRate)
	}
	return &mockRecognizer{
		bytesPerMS:  sampleRate * 2 / 1000,
		utteranceMS: m.utteranceMS,
	}, nil
}

func (m *mockEngine) Close() error { return nil }

type mockRecognizer struct {
	bytesPerMS  int
	utteranceMS int
	voiced      int
	utterances  int
	result      string
	closed      bool
}

func (r *mockRecognizer) AcceptWaveform(_ context.Context, pcm []byte) (bool, error) {
	if r.closed {
		return false, ErrClosed
	}
	if !isVoiced(pcm) {
		return false, nil
	}
	r.voiced += len(pcm)
	if r.voicedMS() < r.utteranceMS {
		return false, nil
	}
	r.result = r.complete()
	return true, nil
}

func (r *mockRecognizer) Result(context.Context) (string, error) {
	if r.closed {
		return "", ErrClosed
	}
	res := r.result
	r.result = ""
	return res, nil
}

func (r *mockRecognizer) PartialResult(context.Context) (string, error) {
	if r.closed {
		return "", ErrClosed
	}
	if r.voiced == 0 {
		return "", nil
	}
	return fmt.Sprintf("[speech %dms]", r.voicedMS()), nil
}

func (r *mockRecognizer) FinalResult(context.Context) (string, error) {
	if r.closed {
		return "", ErrClosed
	}
	if r.voiced == 0 {
		return "", nil
	}
	return r.complete(), nil
}

func (r *mockRecognizer) Reset(context.Context) error {
	if r.closed {
		return ErrClosed
	}
	r.voiced = 0
	r.utterances = 0
	r.result = ""
	return nil
}

func (r *mockRecognizer) Close() error {
	r.closed = true
	return nil
}

func (r *mockRecognizer) voicedMS() int {
	if r.bytesPerMS == 0 {
		return 0
	}
	return r.voiced / r.bytesPerMS
}

func (r *mockRecognizer) complete() string {
	r.utterances++
	text := fmt.Sprintf("[utterance %d %dms]", r.utterances, r.voicedMS())
	r.voiced = 0
	return text
}

func isVoiced(pcm []byte) bool {
	for i := 0; i+1 < len(pcm); i += 2 {
		sample := int16(binary.LittleEndian.Uint16(pcm[i:]))
		if sample > mockVoiceThreshold || sample < -mockVoiceThreshold {
			return true
		}
	}
	return false
}
