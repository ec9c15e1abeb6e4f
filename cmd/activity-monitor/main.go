// activity-monitor records what one target process and its descendants do
// and serves the records to a single consumer over a Unix socket.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mrzor/activity-monitor/internal/bpfloader"
	"github.com/mrzor/activity-monitor/internal/capture"
	"github.com/mrzor/activity-monitor/internal/config"
	"github.com/mrzor/activity-monitor/internal/dispatch"
	"github.com/mrzor/activity-monitor/internal/eventstream"
	"github.com/mrzor/activity-monitor/internal/otel"
	"github.com/mrzor/activity-monitor/internal/procconn"
	"github.com/mrzor/activity-monitor/internal/tracking"
	"github.com/mrzor/activity-monitor/internal/transport"
	"go.opentelemetry.io/otel/trace"
)

// Version information injected at build time.
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("Error: %v", err)
	}
}

// setupLogging installs the default slog logger.
func setupLogging(cfg *config.Config) {
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}
	if cfg.Verbose {
		opts.Level = slog.LevelDebug
	}

	var handler slog.Handler = slog.NewTextHandler(os.Stderr, opts)
	if cfg.LogJSON {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}

// setupOTEL initializes the OTEL provider when an endpoint is configured.
// The returned tracer is nil when tracing is disabled.
func setupOTEL() (trace.Tracer, func(), error) {
	telemetry, err := config.LoadTelemetry()
	if err != nil {
		return nil, nil, err
	}

	tp, err := otel.InitProvider(telemetry, version)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize OTEL provider: %w", err)
	}
	if tp == nil {
		return nil, func() {}, nil
	}

	cleanup := func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otel.ShutdownProvider(tp, shutdownCtx); err != nil {
			slog.Error("shutting down OTEL provider", "error", err)
		}
	}

	return tp.Tracer("activity-monitor"), cleanup, nil
}

// setupTransport creates the consumer socket and starts serving it.
func setupTransport(cfg *config.Config, queue *capture.Queue, set *tracking.Set, monitor *dispatch.Monitor, tracer trace.Tracer) (<-chan error, func(), error) {
	srv, err := transport.Listen(transport.Config{
		Path:   cfg.SocketPath,
		Tracer: tracer,
		StatusFunc: func() transport.Status {
			return transport.Status{
				Tracked:         set.Len(),
				Saturated:       set.Saturated(),
				DispatchDropped: monitor.Dropped(),
			}
		},
	}, queue)
	if err != nil {
		return nil, nil, err
	}

	served := make(chan error, 1)
	go func() {
		served <- srv.Serve()
	}()

	cleanup := func() {
		if err := srv.Close(); err != nil {
			slog.Error("closing transport", "error", err)
		}
		if err := os.Remove(cfg.SocketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			slog.Debug("removing socket", "error", err)
		}
	}

	slog.Info("serving consumers", "socket", cfg.SocketPath)
	return served, cleanup, nil
}

// source is a started event collector.
type source func(ctx context.Context) error

// setupSource prepares the configured event collector.
func setupSource(cfg *config.Config, monitor *dispatch.Monitor, set *tracking.Set, resolver tracking.ImageResolver) (source, func(), error) {
	switch cfg.Source {
	case config.SourceProcConn:
		return procconn.New(monitor, resolver).Run, func() {}, nil

	case config.SourceBPF:
		loader, err := bpfloader.New(cfg.BPFObject)
		if err != nil {
			return nil, nil, err
		}

		if err := loader.Attach(); err != nil {
			if closeErr := loader.Close(); closeErr != nil {
				slog.Error("closing loader after attach failure", "error", closeErr)
			}
			return nil, nil, err
		}

		rd, err := loader.OpenRingBuffer()
		if err != nil {
			if closeErr := loader.Close(); closeErr != nil {
				slog.Error("closing loader after ring buffer open failure", "error", closeErr)
			}
			return nil, nil, err
		}

		// Seed the kernel filter with anything tracked before attach.
		for _, pid := range set.Snapshot() {
			if err := loader.TrackPID(uint32(pid)); err != nil {
				slog.Warn("seeding tracked pid", "pid", pid, "error", err)
			}
		}

		stream := eventstream.New(rd, monitor, eventstream.WithMirror(loader, set))
		cleanup := func() {
			if err := rd.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
				slog.Error("closing ring buffer", "error", err)
			}
			if err := loader.Close(); err != nil {
				slog.Error("closing loader", "error", err)
			}
		}
		return stream.Run, cleanup, nil

	default:
		return nil, nil, fmt.Errorf("unknown source %q", cfg.Source)
	}
}

func run() error {
	cfg, err := config.ParseArgs(os.Args)
	if err != nil {
		return err
	}

	setupLogging(cfg)
	slog.Info("starting activity-monitor",
		"version", version,
		"commit", commit,
		"target", cfg.TargetName,
		"source", cfg.Source,
	)

	tracer, cleanupOTEL, err := setupOTEL()
	if err != nil {
		return err
	}
	defer cleanupOTEL()

	queue := capture.New(capture.WithMaxDepth(cfg.QueueDepth))
	defer func() {
		if discarded := queue.Close(); discarded > 0 {
			slog.Info("discarded undrained records", "count", discarded)
		}
	}()

	resolver := tracking.NewProcfsResolver()
	set := tracking.NewSet(cfg.TargetName, resolver)
	monitor := dispatch.NewMonitor(set, queue)

	served, cleanupTransport, err := setupTransport(cfg, queue, set, monitor, tracer)
	if err != nil {
		return err
	}
	defer cleanupTransport()

	collect, cleanupSource, err := setupSource(cfg, monitor, set, resolver)
	if err != nil {
		return err
	}
	defer cleanupSource()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collected := make(chan error, 1)
	go func() {
		collected <- collect(ctx)
	}()

	select {
	case <-ctx.Done():
		slog.Info("received signal, shutting down")
	case err := <-collected:
		if err != nil {
			return fmt.Errorf("event source: %w", err)
		}
		return nil
	case err := <-served:
		if err != nil {
			return fmt.Errorf("transport: %w", err)
		}
		return nil
	}

	stop()
	if err := <-collected; err != nil {
		slog.Error("event source stopped with error", "error", err)
	}
	return nil
}
