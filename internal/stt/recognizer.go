package stt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/loqalabs/voskrelay/internal/config"
)

// Recognizer is a stateful speech recognizer bound to one audio stream.
// Implementations are not safe for concurrent use; a session drives one recognizer
// from a single goroutine.
type Recognizer interface {
	// AcceptWaveform feeds PCM16 little-endian audio. It reports true when the
	// recognizer reached an utterance boundary and Result holds the completed text.
	AcceptWaveform(ctx context.Context, pcm []byte) (bool, error)
	Result(ctx context.Context) (string, error)
	PartialResult(ctx context.Context) (string, error)
	// FinalResult flushes pending audio at the end of the stream.
	FinalResult(ctx context.Context) (string, error)
	Reset(ctx context.Context) error
	Close() error
}

// Engine owns the shared, read-only model and hands out per-stream recognizers.
type Engine interface {
	Name() string
	NewRecognizer(ctx context.Context, sampleRate int) (Recognizer, error)
	Close() error
}

// ErrClosed is returned by recognizers used after Close.
var ErrClosed = errors.New("recognizer closed")

// NewEngine builds the backend selected by cfg.Mode. Model loading happens here, so an
// error is fatal for the process.
func NewEngine(ctx context.Context, cfg config.RecognizerConfig, logger *slog.Logger) (Engine, error) {
	log := logger.With(slog.String("component", "stt"), slog.String("mode", cfg.Mode))
	switch cfg.Mode {
	case "vosk":
		return newNativeEngine(cfg, log)
	case "vosk-server":
		return NewServerEngine(ctx, cfg, log)
	case "exec":
		return NewExecEngine(cfg, log)
	case "mock":
		return NewMockEngine(cfg), nil
	default:
		return nil, fmt.Errorf("unknown recognizer mode %q", cfg.Mode)
	}
}

// voskResult covers both shapes of recognizer JSON: {"text": ...} and {"partial": ...}.
type voskResult struct {
	Text    *string `json:"text"`
	Partial *string `json:"partial"`
	Error   string  `json:"error,omitempty"`
}

func decodeResult(raw []byte) (voskResult, error) {
	var res voskResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return res, fmt.Errorf("decode recognizer output: %w", err)
	}
	if res.Error != "" {
		return res, fmt.Errorf("recognizer error: %s", res.Error)
	}
	return res, nil
}

// ParseResult extracts the "text" field of a result or final-result document.
func ParseResult(raw []byte) (string, error) {
	res, err := decodeResult(raw)
	if err != nil {
		return "", err
	}
	if res.Text == nil {
		return "", nil
	}
	return trim(*res.Text), nil
}

// ParsePartial extracts the "partial" field of a partial-result document.
func ParsePartial(raw []byte) (string, error) {
	res, err := decodeResult(raw)
	if err != nil {
		return "", err
	}
	if res.Partial == nil {
		return "", nil
	}
	return trim(*res.Partial), nil
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}

func trim(text string) string {
	return strings.TrimSpace(text)
}

func jsonBytes(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode recognizer request: %w", err)
	}
	return data, nil
}
