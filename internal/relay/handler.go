package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/google/uuid"
	"github.com/loqalabs/voskrelay/internal/stt"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const closeWriteWait = time.Second

// HandlerOptions wires the shared collaborators of every session.
type HandlerOptions struct {
	SampleRate    int
	MaxFrameBytes int
	Publisher     Publisher
	Journal       Journal
	Logger        *slog.Logger
}

// Handler serves the audio WebSocket: one Session per connection, all sharing one Engine.
type Handler struct {
	engine   stt.Engine
	opts     HandlerOptions
	log      *slog.Logger
	tracer   trace.Tracer
	metrics  *metrics
	mu       sync.Mutex
	live     map[string]*websocket.Conn
	closing  bool
	sessions sync.WaitGroup
}

func NewHandler(engine stt.Engine, opts HandlerOptions) (*Handler, error) {
	if engine == nil {
		return nil, errors.New("relay: engine is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	h := &Handler{
		engine: engine,
		opts:   opts,
		log:    opts.Logger.With(slog.String("component", "relay")),
		tracer: otel.Tracer(instrumentationName),
		live:   make(map[string]*websocket.Conn),
	}
	m, err := newMetrics(h.Active)
	if err != nil {
		return nil, fmt.Errorf("relay metrics: %w", err)
	}
	h.metrics = m
	return h, nil
}

// Register mounts the upgrade check and the WebSocket endpoint at path.
func (h *Handler) Register(router fiber.Router, path string) {
	router.Get(path, h.Upgrade, websocket.New(h.Serve))
}

// Upgrade rejects plain HTTP requests and new connections during shutdown.
func (h *Handler) Upgrade(c *fiber.Ctx) error {
	if !websocket.IsWebSocketUpgrade(c) {
		return fiber.ErrUpgradeRequired
	}
	if h.isClosing() {
		return fiber.ErrServiceUnavailable
	}
	return c.Next()
}

// Serve runs one session for the lifetime of c.
func (h *Handler) Serve(c *websocket.Conn) {
	id := uuid.NewString()
	remote := c.RemoteAddr().String()
	log := h.log.With(slog.String("session_id", id), slog.String("remote", remote))

	if !h.track(id, c) {
		_ = c.Close()
		return
	}
	defer h.untrack(id)

	ctx, span := h.tracer.Start(context.Background(), "relay.session",
		trace.WithAttributes(attribute.String("session.id", id), attribute.String("recognizer", h.engine.Name())))
	defer span.End()

	if h.opts.MaxFrameBytes > 0 {
		c.SetReadLimit(int64(h.opts.MaxFrameBytes))
	}
	h.metrics.sessionOpened(ctx)
	log.Info("client connected")

	sess, err := NewSession(ctx, Options{
		ID:         id,
		RemoteAddr: remote,
		Engine:     h.engine,
		SampleRate: h.opts.SampleRate,
		Out:        ConnSink{Conn: c},
		Publisher:  h.opts.Publisher,
		Journal:    h.opts.Journal,
		Logger:     h.log,
		metrics:    h.metrics,
	})
	if err != nil {
		h.fail(ctx, span, log, err)
		_ = c.Close()
		return
	}

	err = sess.Serve(ctx, c)
	if cerr := sess.Close(context.WithoutCancel(ctx)); cerr != nil {
		log.Warn("failed to release recognizer", slogError(cerr))
	}
	switch {
	case isDisconnect(err):
		log.Info("client disconnected")
	case h.isClosing():
		log.Info("session closed by shutdown")
	default:
		h.fail(ctx, span, log, err)
	}
	_ = c.Close()
}

func (h *Handler) fail(ctx context.Context, span trace.Span, log *slog.Logger, err error) {
	h.metrics.fault(ctx)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	log.Warn("session ended with error", slogError(err))
}

func isDisconnect(err error) bool {
	return err == nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived)
}

func (h *Handler) track(id string, c *websocket.Conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closing {
		return false
	}
	h.live[id] = c
	h.sessions.Add(1)
	return true
}

func (h *Handler) isClosing() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closing
}

func (h *Handler) untrack(id string) {
	h.mu.Lock()
	delete(h.live, id)
	h.mu.Unlock()
	h.sessions.Done()
}

// Active returns the number of connected sessions.
func (h *Handler) Active() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return int64(len(h.live))
}

// Shutdown refuses new connections, closes live ones and waits for their sessions to
// release their recognizers.
func (h *Handler) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	h.closing = true
	// Conns stay tracked until their Serve returns, so none is recycled while held here.
	for _, c := range h.live {
		interrupt(c)
	}
	n := len(h.live)
	h.mu.Unlock()
	if n > 0 {
		h.log.Info("closing live sessions", slog.Int("count", n))
	}

	done := make(chan struct{})
	go func() {
		h.sessions.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for sessions: %w", ctx.Err())
	}
}

// interrupt tells the client the server is going away and unblocks the session's pending
// read. Closing a hijacked fasthttp conn is a no-op, so the deadline is what ends the read.
func interrupt(c *websocket.Conn) {
	msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
	_ = c.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeWriteWait))
	_ = c.SetReadDeadline(time.Now())
}
