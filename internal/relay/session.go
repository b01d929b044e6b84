package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/gofiber/websocket/v2"
	"github.com/loqalabs/voskrelay/internal/eventstore"
	"github.com/loqalabs/voskrelay/internal/protocol"
	"github.com/loqalabs/voskrelay/internal/stt"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Conn is the part of a WebSocket connection a session reads from and writes to.
// gofiber's and gorilla's connections both satisfy it.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
}

// Sink receives transcript messages destined for the client.
type Sink interface {
	Emit(ctx context.Context, msg protocol.TranscriptMessage) error
}

// Publisher fans transcripts out to other consumers. Failures never end a session.
type Publisher interface {
	PublishTranscript(msg protocol.Transcript) error
}

// Journal records session lifecycle events. Failures never end a session.
type Journal interface {
	AppendSession(ctx context.Context, sessionID, actorID, privacy string) error
	AppendEvent(ctx context.Context, evt eventstore.Event) error
}

// ConnSink writes transcripts to the client as JSON text frames.
type ConnSink struct {
	Conn Conn
}

func (c ConnSink) Emit(_ context.Context, msg protocol.TranscriptMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return c.Conn.WriteMessage(websocket.TextMessage, data)
}

// Options configures a session.
type Options struct {
	ID         string
	RemoteAddr string
	Engine     stt.Engine
	SampleRate int
	Out        Sink
	Publisher  Publisher
	Journal    Journal
	Logger     *slog.Logger
	metrics    *metrics
}

// Session relays one client connection to one recognizer. Its methods must be called
// from a single goroutine, in the order frames arrive.
type Session struct {
	id        string
	rec       stt.Recognizer
	recording bool
	closed    bool
	out       Sink
	publisher Publisher
	journal   Journal
	log       *slog.Logger
	metrics   *metrics
	clock     func() time.Time
}

// NewSession opens the session's recognizer. Recording starts off.
func NewSession(ctx context.Context, opts Options) (*Session, error) {
	if opts.Engine == nil {
		return nil, errors.New("relay: engine is required")
	}
	if opts.Out == nil {
		return nil, errors.New("relay: output sink is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	rec, err := opts.Engine.NewRecognizer(ctx, opts.SampleRate)
	if err != nil {
		return nil, fmt.Errorf("open recognizer: %w", err)
	}
	s := &Session{
		id:        opts.ID,
		rec:       rec,
		out:       opts.Out,
		publisher: opts.Publisher,
		journal:   opts.Journal,
		log:       logger.With(slog.String("session_id", opts.ID)),
		metrics:   opts.metrics,
		clock:     time.Now,
	}
	if s.journal != nil {
		if err := s.journal.AppendSession(ctx, s.id, opts.RemoteAddr, "session"); err != nil {
			s.log.Warn("journal session append failed", slogError(err))
		}
	}
	s.record(ctx, protocol.EventSessionOpen, map[string]any{"remote": opts.RemoteAddr, "sample_rate": opts.SampleRate})
	return s, nil
}

func (s *Session) ID() string { return s.id }

// Recording reports whether binary frames are currently fed to the recognizer.
func (s *Session) Recording() bool { return s.recording }

// Serve reads frames until the connection fails or a handler returns an error. Read
// errors are returned unwrapped so callers can recognise close frames.
func (s *Session) Serve(ctx context.Context, conn Conn) error {
	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		switch kind {
		case websocket.TextMessage:
			err = s.HandleText(ctx, string(data))
		case websocket.BinaryMessage:
			err = s.HandleAudio(ctx, data)
		default:
			s.log.Debug("ignoring frame", slog.Int("type", kind))
		}
		if err != nil {
			return err
		}
	}
}

// HandleText dispatches a control command. Unknown commands are ignored.
func (s *Session) HandleText(ctx context.Context, msg string) error {
	switch strings.TrimSpace(msg) {
	case protocol.CommandStart:
		return s.start(ctx)
	case protocol.CommandStop:
		return s.stop(ctx)
	default:
		s.log.Debug("ignoring text frame", slog.Int("bytes", len(msg)))
		return nil
	}
}

// HandleAudio feeds one binary frame to the recognizer while recording and emits the
// resulting partial or final text. Frames outside a recording are dropped.
func (s *Session) HandleAudio(ctx context.Context, pcm []byte) error {
	if s.closed {
		return stt.ErrClosed
	}
	if !s.recording {
		s.metrics.frame(ctx, len(pcm), true)
		return nil
	}
	s.metrics.frame(ctx, len(pcm), false)

	began := time.Now()
	accepted, err := s.rec.AcceptWaveform(ctx, pcm)
	s.metrics.accepted(ctx, time.Since(began))
	if err != nil {
		return fmt.Errorf("accept waveform: %w", err)
	}
	if accepted {
		text, err := s.rec.Result(ctx)
		if err != nil {
			return fmt.Errorf("recognizer result: %w", err)
		}
		return s.emit(ctx, protocol.MessageFinal, text)
	}
	text, err := s.rec.PartialResult(ctx)
	if err != nil {
		return fmt.Errorf("recognizer partial: %w", err)
	}
	return s.emit(ctx, protocol.MessagePartial, text)
}

func (s *Session) start(ctx context.Context) error {
	if s.closed {
		return stt.ErrClosed
	}
	if err := s.rec.Reset(ctx); err != nil {
		return fmt.Errorf("reset recognizer: %w", err)
	}
	s.recording = true
	s.log.Info("recording started")
	trace.SpanFromContext(ctx).AddEvent(protocol.EventRecordingStart)
	s.record(ctx, protocol.EventRecordingStart, nil)
	return nil
}

func (s *Session) stop(ctx context.Context) error {
	if s.closed {
		return stt.ErrClosed
	}
	s.recording = false
	s.log.Info("recording stopped")
	trace.SpanFromContext(ctx).AddEvent(protocol.EventRecordingStop)
	s.record(ctx, protocol.EventRecordingStop, nil)

	text, err := s.rec.FinalResult(ctx)
	if err != nil {
		return fmt.Errorf("recognizer final result: %w", err)
	}
	return s.emit(ctx, protocol.MessageFinal, text)
}

func (s *Session) emit(ctx context.Context, kind protocol.MessageType, text string) error {
	if text == "" {
		return nil
	}
	if err := s.out.Emit(ctx, protocol.TranscriptMessage{Type: kind, Text: text}); err != nil {
		return fmt.Errorf("write transcript: %w", err)
	}
	s.metrics.transcript(ctx, string(kind))

	final := kind == protocol.MessageFinal
	if final {
		s.log.Info("final transcript", slog.String("text", text))
		trace.SpanFromContext(ctx).AddEvent(protocol.EventTranscriptFinal, trace.WithAttributes(attribute.Int("text.length", len(text))))
		s.record(ctx, protocol.EventTranscriptFinal, map[string]string{"text": text})
	} else {
		s.log.Debug("partial transcript", slog.String("text", text))
	}

	if s.publisher != nil {
		msg := protocol.Transcript{SessionID: s.id, Text: text, Partial: !final, Timestamp: s.clock().UTC()}
		if err := s.publisher.PublishTranscript(msg); err != nil {
			s.log.Warn("failed to publish transcript", slogError(err))
		}
	}
	return nil
}

func (s *Session) record(ctx context.Context, eventType string, payload any) {
	if s.journal == nil {
		return
	}
	var data []byte
	if payload != nil {
		var err error
		if data, err = json.Marshal(payload); err != nil {
			s.log.Warn("failed to encode journal payload", slogError(err))
			return
		}
	}
	evt := eventstore.Event{SessionID: s.id, TraceID: traceID(ctx), Type: eventType, Payload: data, Privacy: "session"}
	if err := s.journal.AppendEvent(ctx, evt); err != nil {
		s.log.Warn("journal append failed", slog.String("event", eventType), slogError(err))
	}
}

// Close releases the recognizer. It is safe to call more than once.
func (s *Session) Close(ctx context.Context) error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.recording = false
	s.record(ctx, protocol.EventSessionClose, nil)
	return s.rec.Close()
}

func traceID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return ""
	}
	return sc.TraceID().String()
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
