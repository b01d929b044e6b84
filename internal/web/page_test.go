package web

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v2"
)

func TestPageServesClient(t *testing.T) {
	page, err := NewPage(PageData{AudioPath: "/audio", SampleRate: 16000})
	if err != nil {
		t.Fatalf("new page: %v", err)
	}
	app := fiber.New(fiber.Config{DisableStartupMessage: true})
	app.Get("/", page.Handler)

	resp, err := app.Test(httptest.NewRequest("GET", "/", nil))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
		t.Fatalf("unexpected content type %q", ct)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	for _, want := range []string{`data-audio-path="/audio"`, `data-sample-rate="16000"`, "socket.send('start')", "socket.send('stop')"} {
		if !strings.Contains(string(body), want) {
			t.Fatalf("page missing %q", want)
		}
	}
}

func TestPageEscapesAudioPath(t *testing.T) {
	page, err := NewPage(PageData{AudioPath: `/a"b`, SampleRate: 8000})
	if err != nil {
		t.Fatalf("new page: %v", err)
	}
	if strings.Contains(string(page.body), `data-audio-path="/a"b"`) {
		t.Fatalf("expected attribute to be escaped")
	}
}
