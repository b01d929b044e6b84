package relay

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"

	"github.com/gofiber/websocket/v2"
	"github.com/loqalabs/voskrelay/internal/eventstore"
	"github.com/loqalabs/voskrelay/internal/protocol"
	"github.com/loqalabs/voskrelay/internal/stt"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

// step is what the scripted recognizer does with one chunk.
type step struct {
	partial string
	final   string
	err     error
}

type scriptedEngine struct {
	mu      sync.Mutex
	script  map[string]step
	created []*scriptedRecognizer
	rates   []int
	openErr error
}

func newScriptedEngine(script map[string]step) *scriptedEngine {
	return &scriptedEngine{script: script}
}

func (e *scriptedEngine) Name() string { return "scripted" }

func (e *scriptedEngine) NewRecognizer(_ context.Context, sampleRate int) (stt.Recognizer, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.openErr != nil {
		return nil, e.openErr
	}
	r := &scriptedRecognizer{engine: e}
	e.created = append(e.created, r)
	e.rates = append(e.rates, sampleRate)
	return r, nil
}

func (e *scriptedEngine) Close() error { return nil }

func (e *scriptedEngine) recognizers() []*scriptedRecognizer {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*scriptedRecognizer(nil), e.created...)
}

// scriptedRecognizer maps chunk contents to partial or completed text. Chunks missing
// from the script are silence. FinalResult flushes the pending partial.
type scriptedRecognizer struct {
	engine  *scriptedEngine
	mu      sync.Mutex
	partial string
	result  string
	resets  int
	fed     int
	closed  bool
}

func (r *scriptedRecognizer) AcceptWaveform(_ context.Context, pcm []byte) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false, stt.ErrClosed
	}
	r.fed++
	s, ok := r.engine.script[string(pcm)]
	if !ok {
		return false, nil
	}
	if s.err != nil {
		return false, s.err
	}
	if s.final != "" {
		r.result = s.final
		r.partial = ""
		return true, nil
	}
	r.partial = s.partial
	return false, nil
}

func (r *scriptedRecognizer) Result(context.Context) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	text := r.result
	r.result = ""
	return text, nil
}

func (r *scriptedRecognizer) PartialResult(context.Context) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.partial, nil
}

func (r *scriptedRecognizer) FinalResult(context.Context) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	text := r.partial
	r.partial = ""
	r.result = ""
	return text, nil
}

func (r *scriptedRecognizer) Reset(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resets++
	r.partial = ""
	r.result = ""
	return nil
}

func (r *scriptedRecognizer) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func (r *scriptedRecognizer) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

type frame struct {
	kind int
	data []byte
}

func textFrame(s string) frame { return frame{kind: websocket.TextMessage, data: []byte(s)} }

func audioFrame(s string) frame { return frame{kind: websocket.BinaryMessage, data: []byte(s)} }

func silentFrame(n int) frame { return frame{kind: websocket.BinaryMessage, data: make([]byte, n)} }

func decodeTranscript(data []byte) (protocol.TranscriptMessage, error) {
	var msg protocol.TranscriptMessage
	err := json.Unmarshal(data, &msg)
	return msg, err
}

// fakeConn replays queued frames and returns io.EOF once they run out.
type fakeConn struct {
	in       []frame
	out      []protocol.TranscriptMessage
	writeErr error
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	if len(c.in) == 0 {
		return 0, nil, io.EOF
	}
	f := c.in[0]
	c.in = c.in[1:]
	return f.kind, f.data, nil
}

func (c *fakeConn) WriteMessage(_ int, data []byte) error {
	if c.writeErr != nil {
		return c.writeErr
	}
	msg, err := decodeTranscript(data)
	if err != nil {
		return err
	}
	c.out = append(c.out, msg)
	return nil
}

type recordingPublisher struct {
	err  error
	sent []protocol.Transcript
}

func (p *recordingPublisher) PublishTranscript(msg protocol.Transcript) error {
	p.sent = append(p.sent, msg)
	return p.err
}

type recordingJournal struct {
	sessions []string
	events   []string
	err      error
}

func (j *recordingJournal) AppendSession(_ context.Context, sessionID, _, _ string) error {
	j.sessions = append(j.sessions, sessionID)
	return j.err
}

func (j *recordingJournal) AppendEvent(_ context.Context, evt eventstore.Event) error {
	j.events = append(j.events, evt.Type)
	return j.err
}

var errBoom = errors.New("boom")
