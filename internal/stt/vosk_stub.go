//go:build !vosk

package stt

import (
	"errors"
	"log/slog"

	"github.com/loqalabs/voskrelay/internal/config"
)

// ErrNativeUnavailable is returned for mode=vosk in binaries built without the vosk tag.
var ErrNativeUnavailable = errors.New("native vosk support not compiled in (build with -tags vosk, or use mode vosk-server, exec or mock)")

func newNativeEngine(config.RecognizerConfig, *slog.Logger) (Engine, error) {
	return nil, ErrNativeUnavailable
}
