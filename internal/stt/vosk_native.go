//go:build vosk

package stt

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	vosk "github.com/alphacep/vosk-api/go"
	"github.com/loqalabs/voskrelay/internal/config"
)

// nativeEngine loads the Vosk model once; recognizers created from it share the model
// read-only.
type nativeEngine struct {
	model *vosk.VoskModel
	cfg   config.RecognizerConfig
	log   *slog.Logger
	once  sync.Once
}

func newNativeEngine(cfg config.RecognizerConfig, log *slog.Logger) (Engine, error) {
	vosk.SetLogLevel(cfg.EngineLogLevel)
	log.Info("loading vosk model", slog.String("path", cfg.ModelPath))
	model, err := vosk.NewModel(cfg.ModelPath)
	if err != nil {
		return nil, fmt.Errorf("load vosk model from %q: %w", cfg.ModelPath, err)
	}
	log.Info("vosk model loaded")
	return &nativeEngine{model: model, cfg: cfg, log: log}, nil
}

func (e *nativeEngine) Name() string { return "vosk" }

func (e *nativeEngine) NewRecognizer(_ context.Context, sampleRate int) (Recognizer, error) {
	rec, err := vosk.NewRecognizer(e.model, float64(sampleRate))
	if err != nil {
		return nil, fmt.Errorf("create vosk recognizer: %w", err)
	}
	rec.SetMaxAlternatives(e.cfg.MaxAlternatives)
	if e.cfg.Words {
		rec.SetWords(1)
	} else {
		rec.SetWords(0)
	}
	return &nativeRecognizer{rec: rec}, nil
}

func (e *nativeEngine) Close() error {
	e.once.Do(e.model.Free)
	return nil
}

type nativeRecognizer struct {
	rec    *vosk.VoskRecognizer
	closed bool
}

func (r *nativeRecognizer) AcceptWaveform(_ context.Context, pcm []byte) (bool, error) {
	if r.closed {
		return false, ErrClosed
	}
	switch r.rec.AcceptWaveform(pcm) {
	case 1:
		return true, nil
	case 0:
		return false, nil
	default:
		return false, fmt.Errorf("vosk rejected %d byte waveform", len(pcm))
	}
}

func (r *nativeRecognizer) Result(context.Context) (string, error) {
	if r.closed {
		return "", ErrClosed
	}
	return ParseResult([]byte(r.rec.Result()))
}

func (r *nativeRecognizer) PartialResult(context.Context) (string, error) {
	if r.closed {
		return "", ErrClosed
	}
	return ParsePartial([]byte(r.rec.PartialResult()))
}

func (r *nativeRecognizer) FinalResult(context.Context) (string, error) {
	if r.closed {
		return "", ErrClosed
	}
	return ParseResult([]byte(r.rec.FinalResult()))
}

func (r *nativeRecognizer) Reset(context.Context) error {
	if r.closed {
		return ErrClosed
	}
	r.rec.Reset()
	return nil
}

func (r *nativeRecognizer) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	r.rec.Free()
	return nil
}
