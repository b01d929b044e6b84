package runtime

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/loqalabs/voskrelay/internal/bus"
	"github.com/loqalabs/voskrelay/internal/config"
	"github.com/loqalabs/voskrelay/internal/eventstore"
	"github.com/loqalabs/voskrelay/internal/natsserver"
	"github.com/loqalabs/voskrelay/internal/relay"
	"github.com/loqalabs/voskrelay/internal/stt"
	"github.com/loqalabs/voskrelay/internal/web"
	"golang.org/x/sync/errgroup"
)

const (
	shutdownTimeout = 10 * time.Second
	pruneInterval   = time.Hour
)

type Runtime struct {
	cfg    config.Config
	logger *slog.Logger
	ready  atomic.Bool

	mu   sync.Mutex
	addr net.Addr
	up   chan struct{}
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
		up:     make(chan struct{}),
	}
}

// Start loads the recognizer, opens the optional journal and bus, and serves HTTP until
// ctx is cancelled. A recognizer that fails to load is returned as an error before the
// HTTP port is bound.
func (r *Runtime) Start(ctx context.Context) error {
	shutdownTelemetry, metricsHandler, err := setupTelemetry(ctx, r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTelemetry(flushCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}()

	r.logger.Info("loading recognizer", slog.String("mode", r.cfg.Recognizer.Mode), slog.String("model", r.cfg.Recognizer.ModelPath))
	engine, err := stt.NewEngine(ctx, r.cfg.Recognizer, r.logger)
	if err != nil {
		return fmt.Errorf("load recognizer: %w", err)
	}
	defer engine.Close()
	r.logger.Info("recognizer loaded", slog.String("engine", engine.Name()))

	journal, err := eventstore.Open(ctx, r.cfg.Journal, r.logger.With(slog.String("component", "journal")))
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	defer journal.Close()

	embedded, client, err := r.startBus(ctx)
	if err != nil {
		return err
	}
	defer embedded.Shutdown()
	defer client.Close()

	opts := relay.HandlerOptions{
		SampleRate:    r.cfg.Recognizer.SampleRate,
		MaxFrameBytes: r.cfg.HTTP.MaxFrameBytes,
		Logger:        r.logger,
	}
	if client != nil {
		opts.Publisher = client
	}
	if journal.Enabled() {
		opts.Journal = journal
	}
	handler, err := relay.NewHandler(engine, opts)
	if err != nil {
		return err
	}
	page, err := web.NewPage(web.PageData{AudioPath: r.cfg.HTTP.AudioPath, SampleRate: r.cfg.Recognizer.SampleRate})
	if err != nil {
		return err
	}

	ln, secure, err := r.listen()
	if err != nil {
		return err
	}
	app := r.newApp(handler, page, metricsHandler)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := app.Listener(ln); err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		journal.PruneEvery(gctx, pruneInterval)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		r.ready.Store(false)
		r.logger.Info("runtime stopping")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := handler.Shutdown(shutdownCtx); err != nil {
			r.logger.Warn("sessions did not close in time", slog.String("error", err.Error()))
		}
		if err := app.ShutdownWithContext(shutdownCtx); err != nil {
			r.logger.Error("http shutdown error", slog.String("error", err.Error()))
		}
		return nil
	})

	r.setAddr(ln.Addr())
	r.ready.Store(true)
	r.logger.Info("runtime started",
		slog.String("addr", ln.Addr().String()),
		slog.Bool("tls", secure),
		slog.String("audio_path", r.cfg.HTTP.AudioPath))

	return g.Wait()
}

func (r *Runtime) newApp(handler *relay.Handler, page *web.Page, metricsHandler http.Handler) *fiber.App {
	app := fiber.New(fiber.Config{
		AppName:               r.cfg.RuntimeName,
		DisableStartupMessage: true,
	})
	app.Use(recover.New())
	app.Get("/healthz", r.handleHealth)
	app.Get("/readyz", r.handleReady)
	if metricsHandler != nil {
		app.Get("/metrics", adaptor.HTTPHandler(metricsHandler))
	}
	app.Get("/", page.Handler)
	handler.Register(app, r.cfg.HTTP.AudioPath)
	return app
}

// listen binds the HTTP port, wrapping it in TLS when both key files exist. Browsers only
// grant microphone access to secure origins, so plain HTTP is only useful on localhost.
func (r *Runtime) listen() (net.Listener, bool, error) {
	addr := net.JoinHostPort(r.cfg.HTTP.Bind, fmt.Sprint(r.cfg.HTTP.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, false, fmt.Errorf("listen on %s: %w", addr, err)
	}

	certFile, keyFile := r.cfg.HTTP.TLSCert, r.cfg.HTTP.TLSKey
	if !fileExists(certFile) || !fileExists(keyFile) {
		r.logger.Warn("TLS certificate not found, serving plain HTTP; browsers will block the microphone outside localhost",
			slog.String("cert", certFile), slog.String("key", keyFile))
		return ln, false, nil
	}
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		ln.Close()
		return nil, false, fmt.Errorf("load TLS key pair: %w", err)
	}
	return tls.NewListener(ln, &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}), true, nil
}

func (r *Runtime) startBus(ctx context.Context) (*natsserver.EmbeddedServer, *bus.Client, error) {
	if !r.cfg.Bus.Enabled {
		return nil, nil, nil
	}
	busCfg := r.cfg.Bus
	embedded, err := natsserver.Start(busCfg, r.logger.With(slog.String("component", "nats")))
	if err != nil {
		return nil, nil, fmt.Errorf("start embedded NATS: %w", err)
	}
	if embedded != nil {
		busCfg.Servers = []string{embedded.ClientURL()}
	}
	client, err := bus.Connect(ctx, busCfg, r.cfg.RuntimeName, r.logger.With(slog.String("component", "bus")))
	if err != nil {
		embedded.Shutdown()
		return nil, nil, fmt.Errorf("connect bus: %w", err)
	}
	return embedded, client, nil
}

// Addr blocks until the server is listening or ctx ends.
func (r *Runtime) Addr(ctx context.Context) (net.Addr, error) {
	select {
	case <-r.up:
		r.mu.Lock()
		defer r.mu.Unlock()
		return r.addr, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r *Runtime) setAddr(addr net.Addr) {
	r.mu.Lock()
	r.addr = addr
	r.mu.Unlock()
	close(r.up)
}

func (r *Runtime) handleHealth(c *fiber.Ctx) error {
	return c.SendString("ok")
}

func (r *Runtime) handleReady(c *fiber.Ctx) error {
	if r.ready.Load() {
		return c.SendString("ready")
	}
	return c.Status(fiber.StatusServiceUnavailable).SendString("not ready")
}

func fileExists(path string) bool {
	if path == "" {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
