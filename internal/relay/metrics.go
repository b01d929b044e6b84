package relay

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/loqalabs/voskrelay/relay"

// metrics holds the relay instruments. A zero value records nothing.
type metrics struct {
	sessions    metric.Int64Counter
	frames      metric.Int64Counter
	audioBytes  metric.Int64Counter
	transcripts metric.Int64Counter
	faults      metric.Int64Counter
	latency     metric.Float64Histogram
}

func newMetrics(active func() int64) (*metrics, error) {
	meter := otel.Meter(instrumentationName)
	m := &metrics{}
	var err error
	if m.sessions, err = meter.Int64Counter("voskrelay.sessions", metric.WithDescription("WebSocket sessions opened")); err != nil {
		return nil, err
	}
	if m.frames, err = meter.Int64Counter("voskrelay.audio.frames", metric.WithDescription("Binary audio frames received")); err != nil {
		return nil, err
	}
	if m.audioBytes, err = meter.Int64Counter("voskrelay.audio.bytes", metric.WithDescription("PCM bytes fed to recognizers"), metric.WithUnit("By")); err != nil {
		return nil, err
	}
	if m.transcripts, err = meter.Int64Counter("voskrelay.transcripts", metric.WithDescription("Transcript messages sent to clients")); err != nil {
		return nil, err
	}
	if m.faults, err = meter.Int64Counter("voskrelay.session.faults", metric.WithDescription("Sessions ended by an error")); err != nil {
		return nil, err
	}
	if m.latency, err = meter.Float64Histogram("voskrelay.recognizer.accept.duration", metric.WithDescription("Time spent in AcceptWaveform"), metric.WithUnit("ms")); err != nil {
		return nil, err
	}
	gauge, err := meter.Int64ObservableGauge("voskrelay.sessions.active", metric.WithDescription("Sessions currently connected"))
	if err != nil {
		return nil, err
	}
	_, err = meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		obs.ObserveInt64(gauge, active())
		return nil
	}, gauge)
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (m *metrics) sessionOpened(ctx context.Context) {
	if m == nil || m.sessions == nil {
		return
	}
	m.sessions.Add(ctx, 1)
}

func (m *metrics) frame(ctx context.Context, size int, dropped bool) {
	if m == nil || m.frames == nil {
		return
	}
	m.frames.Add(ctx, 1, metric.WithAttributes(attribute.Bool("dropped", dropped)))
	if !dropped {
		m.audioBytes.Add(ctx, int64(size))
	}
}

func (m *metrics) transcript(ctx context.Context, kind string) {
	if m == nil || m.transcripts == nil {
		return
	}
	m.transcripts.Add(ctx, 1, metric.WithAttributes(attribute.String("type", kind)))
}

func (m *metrics) fault(ctx context.Context) {
	if m == nil || m.faults == nil {
		return
	}
	m.faults.Add(ctx, 1)
}

func (m *metrics) accepted(ctx context.Context, took time.Duration) {
	if m == nil || m.latency == nil {
		return
	}
	m.latency.Record(ctx, float64(took.Microseconds())/1000)
}
