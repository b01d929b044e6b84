package bus

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/loqalabs/voskrelay/internal/config"
	"github.com/loqalabs/voskrelay/internal/natsserver"
	"github.com/loqalabs/voskrelay/internal/protocol"
	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func startBroker(t *testing.T) *natsserver.EmbeddedServer {
	t.Helper()
	srv, err := natsserver.Start(config.BusConfig{Enabled: true, Embedded: true, Port: server.RANDOM_PORT}, newLogger())
	if err != nil {
		t.Fatalf("start embedded server: %v", err)
	}
	t.Cleanup(srv.Shutdown)
	return srv
}

func TestStartSkipsWhenNotEmbedded(t *testing.T) {
	srv, err := natsserver.Start(config.BusConfig{Enabled: true, Embedded: false}, newLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if srv != nil {
		t.Fatalf("expected no embedded server")
	}
}

func TestConnectRequiresServers(t *testing.T) {
	if _, err := Connect(context.Background(), config.BusConfig{}, "test", newLogger()); err == nil {
		t.Fatalf("expected error without servers")
	}
}

func TestPublishTranscriptRoutesBySubject(t *testing.T) {
	srv := startBroker(t)
	cfg := config.BusConfig{Servers: []string{srv.ClientURL()}, ConnectTimeout: 2000}
	client, err := Connect(context.Background(), cfg, "voskrelay-test", newLogger())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)
	if !client.Healthy() {
		t.Fatalf("expected healthy connection")
	}

	partials := make(chan *nats.Msg, 1)
	finals := make(chan *nats.Msg, 1)
	if _, err := client.Conn().ChanSubscribe(protocol.SubjectTranscriptPartial, partials); err != nil {
		t.Fatalf("subscribe partial: %v", err)
	}
	if _, err := client.Conn().ChanSubscribe(protocol.SubjectTranscriptFinal, finals); err != nil {
		t.Fatalf("subscribe final: %v", err)
	}
	if err := client.Conn().Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	if err := client.PublishTranscript(protocol.Transcript{SessionID: "s1", Text: "hel", Partial: true}); err != nil {
		t.Fatalf("publish partial: %v", err)
	}
	if err := client.PublishTranscript(protocol.Transcript{SessionID: "s1", Text: "hello"}); err != nil {
		t.Fatalf("publish final: %v", err)
	}

	got := receive(t, partials)
	if got.Text != "hel" || !got.Partial || got.SessionID != "s1" {
		t.Fatalf("unexpected partial: %+v", got)
	}
	got = receive(t, finals)
	if got.Text != "hello" || got.Partial {
		t.Fatalf("unexpected final: %+v", got)
	}
}

func receive(t *testing.T, ch <-chan *nats.Msg) protocol.Transcript {
	t.Helper()
	select {
	case msg := <-ch:
		var tr protocol.Transcript
		if err := json.Unmarshal(msg.Data, &tr); err != nil {
			t.Fatalf("decode transcript: %v", err)
		}
		return tr
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for transcript")
	}
	return protocol.Transcript{}
}
