package stt

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/loqalabs/voskrelay/internal/config"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestParseResult(t *testing.T) {
	text, err := ParseResult([]byte("{\n  \"text\" : \"hello world\"\n}"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if text != "hello world" {
		t.Fatalf("unexpected text %q", text)
	}

	text, err = ParseResult([]byte(`{"text": ""}`))
	if err != nil || text != "" {
		t.Fatalf("expected empty text, got %q (%v)", text, err)
	}

	text, err = ParseResult([]byte(`{"partial": "hel"}`))
	if err != nil || text != "" {
		t.Fatalf("expected no result text in a partial document, got %q (%v)", text, err)
	}
}

func TestParsePartial(t *testing.T) {
	text, err := ParsePartial([]byte(`{"partial" : "hel"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if text != "hel" {
		t.Fatalf("unexpected partial %q", text)
	}
}

func TestParseRejectsMalformed(t *testing.T) {
	if _, err := ParseResult([]byte(`{"text": `)); err == nil {
		t.Fatal("expected decode error")
	}
	if _, err := ParsePartial([]byte(`{"error": "model gone"}`)); err == nil {
		t.Fatal("expected recognizer error to surface")
	}
}

func TestNewEngineUnknownMode(t *testing.T) {
	_, err := NewEngine(context.Background(), config.RecognizerConfig{Mode: "whisper"}, newLogger())
	if err == nil {
		t.Fatal("expected error for unknown mode")
	}
}

func TestNewEngineMock(t *testing.T) {
	cfg := config.Default().Recognizer
	cfg.Mode = "mock"
	engine, err := NewEngine(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(func() { _ = engine.Close() })
	if engine.Name() != "mock" {
		t.Fatalf("unexpected engine %q", engine.Name())
	}
}
