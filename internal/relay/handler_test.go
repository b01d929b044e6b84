package relay

import (
	"context"
	"errors"
	"net"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	gws "github.com/gorilla/websocket"
	"github.com/loqalabs/voskrelay/internal/protocol"
)

var errPong = errors.New("pong received")

func startRelay(t *testing.T, engine *scriptedEngine) (*Handler, string) {
	t.Helper()
	h, err := NewHandler(engine, HandlerOptions{SampleRate: 16000, MaxFrameBytes: 4096, Logger: newLogger()})
	if err != nil {
		t.Fatalf("new handler: %v", err)
	}
	app := fiber.New(fiber.Config{DisableStartupMessage: true})
	h.Register(app, "/audio")

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() { _ = app.Listener(ln) }()
	t.Cleanup(func() {
		_ = h.Shutdown(context.Background())
		_ = app.Shutdown()
	})
	return h, "ws://" + ln.Addr().String() + "/audio"
}

func dial(t *testing.T, url string) *gws.Conn {
	t.Helper()
	conn, _, err := gws.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func send(t *testing.T, conn *gws.Conn, kind int, data []byte) {
	t.Helper()
	if err := conn.WriteMessage(kind, data); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func readTranscript(t *testing.T, conn *gws.Conn) protocol.TranscriptMessage {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	kind, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if kind != gws.TextMessage {
		t.Fatalf("expected text frame, got %d", kind)
	}
	msg, err := decodeTranscript(data)
	if err != nil {
		t.Fatalf("decode %q: %v", data, err)
	}
	return msg
}

// expectQuiet sends a ping and requires the pong to arrive before any data frame. The
// server answers control frames in order, so nothing was emitted for earlier frames.
func expectQuiet(t *testing.T, conn *gws.Conn) {
	t.Helper()
	conn.SetPongHandler(func(string) error { return errPong })
	if err := conn.WriteControl(gws.PingMessage, []byte("sync"), time.Now().Add(time.Second)); err != nil {
		t.Fatalf("ping: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if !errors.Is(err, errPong) {
		t.Fatalf("expected no transcript, got data=%q err=%v", data, err)
	}
}

func TestServeSilenceProducesNoMessages(t *testing.T) {
	engine := newScriptedEngine(helloScript())
	_, url := startRelay(t, engine)
	conn := dial(t, url)

	send(t, conn, gws.TextMessage, []byte("start"))
	send(t, conn, gws.BinaryMessage, make([]byte, 3200))
	send(t, conn, gws.BinaryMessage, make([]byte, 3200))
	send(t, conn, gws.TextMessage, []byte("stop"))
	expectQuiet(t, conn)
}

func TestServePartialThenFinal(t *testing.T) {
	engine := newScriptedEngine(helloScript())
	_, url := startRelay(t, engine)
	conn := dial(t, url)

	send(t, conn, gws.TextMessage, []byte("start"))
	send(t, conn, gws.BinaryMessage, []byte("hel"))
	if got := readTranscript(t, conn); got != partial("hel") {
		t.Fatalf("expected partial hel, got %+v", got)
	}
	send(t, conn, gws.BinaryMessage, []byte("done"))
	if got := readTranscript(t, conn); got != final("hello") {
		t.Fatalf("expected final hello, got %+v", got)
	}
}

func TestServeConnectionsAreIndependent(t *testing.T) {
	engine := newScriptedEngine(helloScript())
	_, url := startRelay(t, engine)
	first := dial(t, url)
	second := dial(t, url)

	send(t, first, gws.TextMessage, []byte("start"))
	send(t, second, gws.BinaryMessage, []byte("hel"))
	send(t, first, gws.BinaryMessage, []byte("hel"))
	if got := readTranscript(t, first); got != partial("hel") {
		t.Fatalf("expected partial on first connection, got %+v", got)
	}
	expectQuiet(t, second)
	if n := len(engine.recognizers()); n != 2 {
		t.Fatalf("expected one recognizer per connection, got %d", n)
	}
}

func TestServeReleasesRecognizerOnDisconnect(t *testing.T) {
	engine := newScriptedEngine(helloScript())
	h, url := startRelay(t, engine)
	conn := dial(t, url)

	send(t, conn, gws.TextMessage, []byte("start"))
	expectQuiet(t, conn)
	_ = conn.Close()

	waitFor(t, func() bool { return h.Active() == 0 })
	recs := engine.recognizers()
	if len(recs) != 1 || !recs[0].isClosed() {
		t.Fatalf("expected recognizer released after disconnect")
	}
}

func TestServeOversizeFrameEndsConnection(t *testing.T) {
	engine := newScriptedEngine(helloScript())
	h, url := startRelay(t, engine)
	conn := dial(t, url)

	send(t, conn, gws.TextMessage, []byte("start"))
	send(t, conn, gws.BinaryMessage, make([]byte, 8192))
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatalf("expected connection to close")
	}
	waitFor(t, func() bool { return h.Active() == 0 })
}

func TestShutdownClosesLiveSessions(t *testing.T) {
	engine := newScriptedEngine(helloScript())
	h, url := startRelay(t, engine)
	conn := dial(t, url)
	send(t, conn, gws.TextMessage, []byte("start"))
	waitFor(t, func() bool { return h.Active() == 1 })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	began := time.Now()
	if err := h.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if elapsed := time.Since(began); elapsed > time.Second {
		t.Fatalf("shutdown took %s", elapsed)
	}
	if h.Active() != 0 {
		t.Fatalf("expected no live sessions after shutdown, got %d", h.Active())
	}
	if !engine.recognizers()[0].isClosed() {
		t.Fatalf("expected recognizer released on shutdown")
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	if !gws.IsCloseError(err, gws.CloseGoingAway) {
		t.Fatalf("expected going-away close, got %v", err)
	}
}

func TestShutdownRefusesNewConnections(t *testing.T) {
	h, url := startRelay(t, newScriptedEngine(helloScript()))
	if err := h.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	_, resp, err := gws.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatalf("expected dial to fail during shutdown")
	}
	if resp == nil || resp.StatusCode != fiber.StatusServiceUnavailable {
		t.Fatalf("expected 503 during shutdown, got resp=%v err=%v", resp, err)
	}
}

func TestUpgradeRequired(t *testing.T) {
	h, err := NewHandler(newScriptedEngine(nil), HandlerOptions{Logger: newLogger()})
	if err != nil {
		t.Fatalf("new handler: %v", err)
	}
	app := fiber.New(fiber.Config{DisableStartupMessage: true})
	h.Register(app, "/audio")

	resp, err := app.Test(httptest.NewRequest("GET", "/audio", nil))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if resp.StatusCode != fiber.StatusUpgradeRequired {
		t.Fatalf("expected 426, got %d", resp.StatusCode)
	}
}

func TestNewHandlerRequiresEngine(t *testing.T) {
	if _, err := NewHandler(nil, HandlerOptions{}); err == nil {
		t.Fatalf("expected error without engine")
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}
