// Command binsentry is the realtime relay server for the smart waste bin:
// it terminates the bin units' WebSocket connections, maintains the
// upstream AI session, and drives the sorting chute.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/binsentry/binsentry/internal/actuator"
	"github.com/binsentry/binsentry/internal/config"
	"github.com/binsentry/binsentry/internal/detect"
	"github.com/binsentry/binsentry/internal/gateway"
	"github.com/binsentry/binsentry/internal/health"
	"github.com/binsentry/binsentry/internal/hub"
	"github.com/binsentry/binsentry/internal/observe"
	"github.com/binsentry/binsentry/internal/sink"
	sinkpg "github.com/binsentry/binsentry/internal/sink/postgres"
	"github.com/binsentry/binsentry/pkg/realtime/openai"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "binsentry: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "binsentry: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("binsentry starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"subject_id", cfg.Session.SubjectID,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "binsentry",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sdCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(sdCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	metrics := observe.DefaultMetrics()

	// ── Decision sink ─────────────────────────────────────────────────────────
	var (
		store    sink.Sink
		pgStore  *sinkpg.Store
		checkers []health.Checker
	)
	if dsn := cfg.Sink.PostgresDSN; dsn != "" {
		pgStore, err = sinkpg.New(ctx, dsn)
		if err != nil {
			slog.Error("failed to connect to postgres", "err", err)
			return 1
		}
		defer pgStore.Close()
		store = pgStore
		checkers = append(checkers, health.CheckerFunc{CheckName: "database", Fn: pgStore.Ping})
		slog.Info("decision sink: postgres")
	} else {
		store = sink.NewMemory(cfg.Sink.MemoryCapacity)
		slog.Warn("decision sink: in-memory only; records are lost on restart")
	}

	// ── Upstream session ──────────────────────────────────────────────────────
	var upOpts []openai.Option
	if cfg.Upstream.Model != "" {
		upOpts = append(upOpts, openai.WithModel(cfg.Upstream.Model))
	}
	if cfg.Upstream.Voice != "" {
		upOpts = append(upOpts, openai.WithVoice(cfg.Upstream.Voice))
	}
	if cfg.Upstream.BaseURL != "" {
		upOpts = append(upOpts, openai.WithBaseURL(cfg.Upstream.BaseURL))
	}
	if cfg.Upstream.Instructions != "" {
		upOpts = append(upOpts, openai.WithInstructions(cfg.Upstream.Instructions))
	}
	if cfg.Upstream.ReconnectMaxAttempts > 0 {
		upOpts = append(upOpts, openai.WithBackoff(0, 0, cfg.Upstream.ReconnectMaxAttempts))
	}
	upstream := openai.New(cfg.Upstream.APIKey, upOpts...)
	defer upstream.Close()

	// ── Actuator ──────────────────────────────────────────────────────────────
	var endpoint actuator.Endpoint
	if cfg.Actuator.BridgeURL != "" {
		endpoint = actuator.NewHTTPBridge(cfg.Actuator.BridgeURL)
		slog.Info("actuator: http bridge", "url", cfg.Actuator.BridgeURL)
	} else {
		endpoint = actuator.Noop{}
		slog.Warn("actuator: no bridge configured, motions are logged only")
	}
	driver := actuator.New(endpoint, cfg.Actuator.ResetDelay)
	driver.OnError = func(error) { metrics.ActuatorErrors.Add(ctx, 1) }
	driver.Start(ctx)
	defer driver.Close()

	// ── Hub ───────────────────────────────────────────────────────────────────
	detector := detect.New(cfg.Detection.Threshold)
	sessionHub := hub.New(hub.Config{
		SubjectID:       cfg.Session.SubjectID,
		AudioOutputRole: hub.Role(cfg.Session.AudioOutputRole),
		WatchdogTimeout: cfg.Session.WatchdogTimeout,
		DedupCapacity:   cfg.Session.DedupCapacity,
		DedupTTL:        cfg.Session.DedupTTL,
	}, upstream, detector, driver, store, metrics)

	checkers = append(checkers, health.CheckerFunc{
		CheckName: "upstream",
		Fn: func(context.Context) error {
			if !sessionHub.UpstreamOnline() {
				return errors.New("upstream session is down")
			}
			return nil
		},
	})

	// ── Gateway ───────────────────────────────────────────────────────────────
	gw := gateway.New(gateway.Config{
		Token:      cfg.Auth.Token,
		MaxPayload: cfg.Server.MaxPayloadBytes,
	}, sessionHub, store, metrics, health.NewHandler(checkers...))

	listenAddr := cfg.Server.ListenAddr
	if listenAddr == "" {
		listenAddr = ":8080"
	}
	srv := &http.Server{
		Addr:              listenAddr,
		Handler:           gw.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// ── Run ───────────────────────────────────────────────────────────────────
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := upstream.Run(gctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("upstream session: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		err := sessionHub.Run(gctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("hub: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		slog.Info("server listening", "addr", listenAddr, "tls", cfg.Server.TLS != nil)
		var err error
		if tls := cfg.Server.TLS; tls != nil {
			err = srv.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutdown signal received, stopping…")
		sdCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return srv.Shutdown(sdCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
