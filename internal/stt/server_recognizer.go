package stt

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
	"github.com/loqalabs/voskrelay/internal/config"
)

// serverEngine talks to a Vosk server (github.com/alphacep/vosk-server) over WebSocket,
// one connection per recognizer. The server replies to every audio frame with one
// JSON document and to {"eof":1} with the final result.
type serverEngine struct {
	url    string
	dialer *websocket.Dialer
	cfg    config.RecognizerConfig
	log    *slog.Logger
}

type serverConfigMessage struct {
	Config struct {
		SampleRate      int  `json:"sample_rate"`
		MaxAlternatives int  `json:"max_alternatives"`
		Words           bool `json:"words"`
	} `json:"config"`
}

type serverEOFMessage struct {
	EOF int `json:"eof"`
}

// NewServerEngine checks that the server accepts connections before the relay starts
// serving clients.
func NewServerEngine(ctx context.Context, cfg config.RecognizerConfig, log *slog.Logger) (Engine, error) {
	u, err := url.Parse(cfg.ServerURL)
	if err != nil {
		return nil, fmt.Errorf("parse recognizer server url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("recognizer server url must use ws or wss, got %q", u.Scheme)
	}
	dialer := &websocket.Dialer{
		HandshakeTimeout: time.Duration(cfg.DialTimeoutMS) * time.Millisecond,
	}
	e := &serverEngine{url: u.String(), dialer: dialer, cfg: cfg, log: log}

	conn, _, err := dialer.DialContext(ctx, e.url, nil)
	if err != nil {
		return nil, fmt.Errorf("connect to recognizer server: %w", err)
	}
	_ = conn.Close()
	log.Info("recognizer server reachable", slog.String("url", e.url))
	return e, nil
}

func (e *serverEngine) Name() string { return "vosk-server" }

func (e *serverEngine) NewRecognizer(ctx context.Context, sampleRate int) (Recognizer, error) {
	r := &serverRecognizer{
		engine:          e,
		sampleRate:      sampleRate,
		maxAlternatives: e.cfg.MaxAlternatives,
		words:           e.cfg.Words,
	}
	if err := r.dial(ctx); err != nil {
		return nil, err
	}
	return r, nil
}

func (e *serverEngine) Close() error { return nil }

type serverRecognizer struct {
	engine          *serverEngine
	conn            *websocket.Conn
	sampleRate      int
	maxAlternatives int
	words           bool
	result          string
	partial         string
	closed          bool
}

func (r *serverRecognizer) dial(ctx context.Context) error {
	conn, _, err := r.engine.dialer.DialContext(ctx, r.engine.url, nil)
	if err != nil {
		return fmt.Errorf("dial recognizer server: %w", err)
	}
	var msg serverConfigMessage
	msg.Config.SampleRate = r.sampleRate
	msg.Config.MaxAlternatives = r.maxAlternatives
	msg.Config.Words = r.words
	if err := conn.WriteJSON(msg); err != nil {
		_ = conn.Close()
		return fmt.Errorf("configure recognizer stream: %w", err)
	}
	r.conn = conn
	return nil
}

func (r *serverRecognizer) ensureConn(ctx context.Context) error {
	if r.closed {
		return ErrClosed
	}
	if r.conn != nil {
		return nil
	}
	return r.dial(ctx)
}

func (r *serverRecognizer) roundTrip(ctx context.Context, messageType int, payload []byte) (voskResult, error) {
	if err := r.ensureConn(ctx); err != nil {
		return voskResult{}, err
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = r.conn.SetWriteDeadline(deadline)
		_ = r.conn.SetReadDeadline(deadline)
	}
	if err := r.conn.WriteMessage(messageType, payload); err != nil {
		r.drop()
		return voskResult{}, fmt.Errorf("write to recognizer server: %w", err)
	}
	_, data, err := r.conn.ReadMessage()
	if err != nil {
		r.drop()
		return voskResult{}, fmt.Errorf("read from recognizer server: %w", err)
	}
	return decodeResult(data)
}

func (r *serverRecognizer) AcceptWaveform(ctx context.Context, pcm []byte) (bool, error) {
	res, err := r.roundTrip(ctx, websocket.BinaryMessage, pcm)
	if err != nil {
		return false, err
	}
	if res.Text != nil {
		r.result = *res.Text
		r.partial = ""
		return true, nil
	}
	if res.Partial != nil {
		r.partial = *res.Partial
	}
	return false, nil
}

func (r *serverRecognizer) Result(context.Context) (string, error) {
	if r.closed {
		return "", ErrClosed
	}
	text := r.result
	r.result = ""
	return trim(text), nil
}

func (r *serverRecognizer) PartialResult(context.Context) (string, error) {
	if r.closed {
		return "", ErrClosed
	}
	return trim(r.partial), nil
}

// FinalResult ends the server-side stream; the next call dials a fresh one.
func (r *serverRecognizer) FinalResult(ctx context.Context) (string, error) {
	if r.closed {
		return "", ErrClosed
	}
	if r.conn == nil {
		return "", nil
	}
	eof, err := jsonBytes(serverEOFMessage{EOF: 1})
	if err != nil {
		return "", err
	}
	res, err := r.roundTrip(ctx, websocket.TextMessage, eof)
	r.drop()
	r.partial = ""
	r.result = ""
	if err != nil {
		return "", err
	}
	if res.Text == nil {
		return "", nil
	}
	return trim(*res.Text), nil
}

func (r *serverRecognizer) Reset(ctx context.Context) error {
	if r.closed {
		return ErrClosed
	}
	r.drop()
	r.partial = ""
	r.result = ""
	return r.dial(ctx)
}

func (r *serverRecognizer) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	r.drop()
	return nil
}

func (r *serverRecognizer) drop() {
	if r.conn == nil {
		return
	}
	_ = r.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "stream closed"))
	_ = r.conn.Close()
	r.conn = nil
}
