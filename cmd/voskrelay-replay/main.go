package main

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/loqalabs/voskrelay/internal/protocol"
	"github.com/loqalabs/voskrelay/internal/wavsource"
)

type options struct {
	url        string
	file       string
	chunkMS    int
	sampleRate int
	insecure   bool
	realtime   bool
	idle       time.Duration
}

func main() {
	var opts options
	flag.StringVar(&opts.url, "url", "wss://localhost:5000/audio", "Relay WebSocket URL")
	flag.StringVar(&opts.file, "file", "", "16-bit mono PCM WAV file to stream")
	flag.IntVar(&opts.chunkMS, "chunk-ms", 250, "Audio per binary frame in milliseconds")
	flag.IntVar(&opts.sampleRate, "sample-rate", 16000, "Sample rate the relay expects")
	flag.BoolVar(&opts.insecure, "insecure", false, "Skip TLS certificate verification")
	flag.BoolVar(&opts.realtime, "realtime", false, "Pace frames at playback speed")
	flag.DurationVar(&opts.idle, "idle", 2*time.Second, "How long to wait for transcripts after stop")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	if opts.file == "" {
		logger.Error("-file is required")
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, opts, os.Stdout, logger); err != nil {
		logger.Error("replay failed", slog.String("error", err.Error()))
		stop()
		os.Exit(1)
	}
}

// run streams the file as one recording and writes every transcript to out as a JSON line.
func run(ctx context.Context, opts options, out io.Writer, logger *slog.Logger) error {
	src, err := wavsource.Open(opts.file, opts.sampleRate)
	if err != nil {
		return err
	}
	chunks := src.Chunks(opts.chunkMS)
	logger.Info("streaming file",
		slog.String("file", opts.file),
		slog.Int("duration_ms", src.DurationMS()),
		slog.Int("frames", len(chunks)))

	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	if opts.insecure {
		dialer.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	conn, _, err := dialer.DialContext(ctx, opts.url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", opts.url, err)
	}
	defer conn.Close()

	received := make(chan protocol.TranscriptMessage, 16)
	readErr := make(chan error, 1)
	done := make(chan struct{})
	defer close(done)
	go func() {
		defer close(received)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				readErr <- err
				return
			}
			var msg protocol.TranscriptMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				logger.Warn("ignoring malformed message", slog.String("error", err.Error()))
				continue
			}
			select {
			case received <- msg:
			case <-done:
				return
			}
		}
	}()

	enc := json.NewEncoder(out)
	drain := func() error {
		for {
			select {
			case msg, ok := <-received:
				if !ok {
					return nil
				}
				if err := enc.Encode(msg); err != nil {
					return err
				}
			default:
				return nil
			}
		}
	}

	if err := conn.WriteMessage(websocket.TextMessage, []byte(protocol.CommandStart)); err != nil {
		return fmt.Errorf("send start: %w", err)
	}
	frame := time.Duration(opts.chunkMS) * time.Millisecond
	for _, chunk := range chunks {
		if err := conn.WriteMessage(websocket.BinaryMessage, chunk); err != nil {
			return fmt.Errorf("send audio: %w", err)
		}
		if err := drain(); err != nil {
			return err
		}
		if opts.realtime {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(frame):
			}
		}
	}
	if err := conn.WriteMessage(websocket.TextMessage, []byte(protocol.CommandStop)); err != nil {
		return fmt.Errorf("send stop: %w", err)
	}

	// The relay sends nothing after the stop flush, so a quiet period means we are done.
	idle := time.NewTimer(opts.idle)
	defer idle.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-received:
			if !ok {
				return closeErr(<-readErr)
			}
			if err := enc.Encode(msg); err != nil {
				return err
			}
			idle.Reset(opts.idle)
		case <-idle.C:
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "done"))
			return nil
		}
	}
}

func closeErr(err error) error {
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) || errors.Is(err, io.EOF) {
		return nil
	}
	return fmt.Errorf("connection closed: %w", err)
}
