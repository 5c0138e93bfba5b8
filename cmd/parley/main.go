// Command parley is the main entry point for the Parley voice conversation
// server.
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

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/parleyvoice/parley/internal/clients"
	"github.com/parleyvoice/parley/internal/config"
	"github.com/parleyvoice/parley/internal/controlapi"
	"github.com/parleyvoice/parley/internal/health"
	"github.com/parleyvoice/parley/internal/manager"
	"github.com/parleyvoice/parley/internal/observe"
	"github.com/parleyvoice/parley/internal/orchestrator"
	"github.com/parleyvoice/parley/internal/resilience"
	"github.com/parleyvoice/parley/internal/sink"
	"github.com/parleyvoice/parley/internal/transport"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "parley: %v\n", err)
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("parley starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Observability ─────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName: "parley",
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics := observe.DefaultMetrics()

	// ── Durable sink (optional) ───────────────────────────────────────────────
	var durable *sink.Sink
	var recorder manager.Recorder
	if dsn := cfg.Store.PostgresDSN; dsn != "" {
		durable, err = sink.New(ctx, dsn)
		if err != nil {
			slog.Error("failed to connect durable store", "err", err)
			return 1
		}
		defer durable.Close()
		recorder = durable
		slog.Info("durable store connected")
	} else {
		slog.Warn("store.postgres_dsn is empty; sessions will not be persisted")
	}

	// ── Service clients ───────────────────────────────────────────────────────
	transcriber, reasoner, synthesizer, err := buildClients(cfg)
	if err != nil {
		slog.Error("failed to build service clients", "err", err)
		return 1
	}

	// ── Core wiring ───────────────────────────────────────────────────────────
	registry := transport.NewRegistry(
		transport.WithReconnectGrace(cfg.Sessions.ReconnectGrace()),
		transport.WithMetrics(metrics),
	)

	orch := orchestrator.New(transcriber, reasoner, synthesizer, registry,
		orchestrator.WithMetrics(metrics))

	mgr := manager.New(manager.Config{
		VADThreshold:     cfg.VAD.Threshold,
		VADSilenceWindow: cfg.VAD.SilenceWindow(),
		BufferCap:        cfg.Sessions.MaxBufferBytes,
		IdleTimeout:      cfg.Sessions.IdleTimeout(),
		CleanupInterval:  cfg.Sessions.CleanupInterval(),
	}, orch, registry, recorder, metrics)
	registry.Bind(mgr)

	control := controlapi.New(mgr, registry, transcriber, reasoner, synthesizer)

	// ── HTTP mux ──────────────────────────────────────────────────────────────
	mux := http.NewServeMux()
	mux.Handle("/api/", observe.Middleware(metrics)(control.Routes()))
	mux.Handle("/ws/", registry.Handler())
	mux.Handle("GET /metrics", promhttp.Handler())

	healthHandler := health.New(buildCheckers(durable, transcriber, reasoner, synthesizer)...)
	healthHandler.Register(mux)

	server := &http.Server{
		Addr:    cfg.Server.ListenAddr,
		Handler: mux,
	}

	// ── Run group ─────────────────────────────────────────────────────────────
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("server ready — press Ctrl+C to shut down", "addr", cfg.Server.ListenAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		err := mgr.RunCleanup(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutdown signal received, stopping…")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	slog.Info("goodbye")
	return 0
}

// buildClients constructs the three service adapters wrapped in circuit
// breakers.
func buildClients(cfg *config.Config) (clients.Transcriber, clients.Reasoner, clients.Synthesizer, error) {
	tc, err := clients.NewTranscribeClient(cfg.Services.TranscribeURL)
	if err != nil {
		return nil, nil, nil, err
	}
	rc, err := clients.NewReasonClient(cfg.Services.ReasonURL)
	if err != nil {
		return nil, nil, nil, err
	}
	sc, err := clients.NewSynthesizeClient(cfg.Services.SynthesizeURL)
	if err != nil {
		return nil, nil, nil, err
	}
	return resilience.NewGuardedTranscriber(tc),
		resilience.NewGuardedReasoner(rc),
		resilience.NewGuardedSynthesizer(sc),
		nil
}

// buildCheckers assembles the readiness checkers for /readyz.
func buildCheckers(durable *sink.Sink, t clients.Transcriber, r clients.Reasoner, s clients.Synthesizer) []health.Checker {
	var checkers []health.Checker
	if durable != nil {
		checkers = append(checkers, health.Checker{
			Name: "database",
			Check: func(ctx context.Context) error {
				if !durable.Healthy(ctx) {
					return errors.New("database unreachable")
				}
				return nil
			},
		})
	}
	probes := []struct {
		name    string
		healthy func(context.Context) bool
	}{
		{"transcribe", t.Healthy},
		{"reason", r.Healthy},
		{"synthesize", s.Healthy},
	}
	for _, p := range probes {
		healthy := p.healthy
		name := p.name
		checkers = append(checkers, health.Checker{
			Name: name,
			Check: func(ctx context.Context) error {
				if !healthy(ctx) {
					return errors.New(name + " endpoint unreachable")
				}
				return nil
			},
		})
	}
	return checkers
}

// newLogger builds the process-wide text logger at the configured level.
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
