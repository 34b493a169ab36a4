// Command meetcap captures microphone and system audio, mixes them into a
// single recording, and feeds speech segments to local transcription.
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

	"github.com/MrWong99/meetcap/internal/capture"
	"github.com/MrWong99/meetcap/internal/config"
	"github.com/MrWong99/meetcap/internal/health"
	"github.com/MrWong99/meetcap/internal/observe"
	"github.com/MrWong99/meetcap/internal/pipeline"
	"github.com/MrWong99/meetcap/internal/sink"
	"github.com/MrWong99/meetcap/pkg/audio"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	listDevices := flag.Bool("list-devices", false, "list audio devices and exit")
	demo := flag.Bool("demo", false, "use synthetic audio sources instead of real devices")
	duration := flag.Duration("duration", 0, "stop automatically after this duration (0 = run until signal)")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "meetcap: config file %q not found, using built-in defaults — copy configs/example.yaml to customise\n", *configPath)
			cfg = config.Default()
		} else {
			fmt.Fprintf(os.Stderr, "meetcap: %v\n", err)
			return 1
		}
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	slog.SetDefault(newLogger(cfg.Server.LogLevel))

	// ── Device listing ────────────────────────────────────────────────────────
	if *listDevices {
		return printDevices()
	}

	slog.Info("meetcap starting",
		"config", *configPath,
		"sample_rate", cfg.Audio.SampleRate,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(context.Background(), observe.ProviderConfig{})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if *duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *duration)
		defer cancel()
	}

	// ── Capture sources ───────────────────────────────────────────────────────
	mic, system, cleanup, err := buildSources(cfg, *demo)
	if err != nil {
		slog.Error("failed to open capture sources", "err", err)
		return 1
	}
	defer cleanup()

	// ── Pipeline ──────────────────────────────────────────────────────────────
	mgr, err := pipeline.New(cfg)
	if err != nil {
		slog.Error("invalid pipeline configuration", "err", err)
		return 1
	}
	if err := mgr.Start(ctx, mic, system); err != nil {
		slog.Error("failed to start pipeline", "err", err)
		return 1
	}

	if cfg.Server.MetricsAddr != "" {
		go serveMetrics(cfg.Server.MetricsAddr, mgr, cfg.Recording.Dir)
	}

	// ── Sinks ─────────────────────────────────────────────────────────────────
	// Sinks outlive the signal context so they drain their channels after
	// Stop closes them.
	sinkCtx := context.WithoutCancel(ctx)
	g, _ := errgroup.WithContext(sinkCtx)

	recorder, err := sink.NewFLACRecorder(sink.FLACConfig{
		Dir:        cfg.Recording.Dir,
		SampleRate: cfg.Audio.SampleRate,
	})
	if err != nil {
		slog.Error("failed to create recorder", "err", err)
		_ = mgr.Stop(context.Background())
		return 1
	}
	slog.Info("recording to", "path", recorder.Path())
	g.Go(func() error { return recorder.Run(sinkCtx, mgr.Frames()) })

	if cfg.Transcription.ModelPath != "" {
		transcriber, err := sink.NewWhisperTranscriber(sink.WhisperConfig{
			ModelPath: cfg.Transcription.ModelPath,
			Language:  cfg.Transcription.Language,
		})
		if err != nil {
			slog.Error("failed to load transcription model", "err", err)
			_ = mgr.Stop(context.Background())
			return 1
		}
		defer transcriber.Close()
		g.Go(func() error { return transcriber.Run(sinkCtx, mgr.Segments()) })
	} else {
		slog.Warn("no transcription model configured, logging segments only")
		g.Go(func() error {
			for seg := range mgr.Segments() {
				slog.Info("speech segment", "start", seg.Start, "duration", seg.Duration())
			}
			return nil
		})
	}

	slog.Info("capture running — press Ctrl+C to stop")
	<-ctx.Done()
	slog.Info("shutdown signal received, stopping…")

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := mgr.Stop(shutdownCtx); err != nil {
		slog.Error("pipeline stop error", "err", err)
	}
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("sink error", "err", err)
	}

	printSummary(mgr.Snapshot())
	slog.Info("goodbye")
	return 0
}

// buildSources opens the microphone and system sources, real or synthetic.
// The returned cleanup releases whatever backend resources were created.
func buildSources(cfg *config.Config, demo bool) (mic, system audio.CaptureSource, cleanup func(), err error) {
	if demo {
		// Bursty "speech" on the mic, a quieter steady tone as system audio.
		mic = capture.NewSynthetic(capture.SyntheticConfig{
			SampleRate: cfg.Audio.SampleRate,
			Frequency:  220,
			Amplitude:  0.3,
			Burst:      2 * time.Second,
			Pause:      1500 * time.Millisecond,
		})
		system = capture.NewSynthetic(capture.SyntheticConfig{
			SampleRate: cfg.Audio.SampleRate,
			Frequency:  440,
			Amplitude:  0.1,
		})
		return mic, system, func() {}, nil
	}

	cctx, err := capture.NewContext()
	if err != nil {
		return nil, nil, nil, err
	}
	mic = capture.NewDevice(cctx, capture.DeviceConfig{
		SampleRate: cfg.Audio.SampleRate,
		DeviceID:   cfg.Audio.MicDevice,
	})
	system = capture.NewDevice(cctx, capture.DeviceConfig{
		SampleRate: cfg.Audio.SampleRate,
		DeviceID:   cfg.Audio.SystemDevice,
		Loopback:   cfg.Audio.SystemDevice == "",
	})
	cleanup = func() {
		if err := cctx.Close(); err != nil {
			slog.Warn("capture context close error", "err", err)
		}
	}
	return mic, system, cleanup, nil
}

func printDevices() int {
	cctx, err := capture.NewContext()
	if err != nil {
		fmt.Fprintf(os.Stderr, "meetcap: %v\n", err)
		return 1
	}
	defer cctx.Close()

	devices, err := cctx.Devices()
	if err != nil {
		fmt.Fprintf(os.Stderr, "meetcap: %v\n", err)
		return 1
	}
	for _, d := range devices {
		kind := "capture "
		if d.Playback {
			kind = "playback"
		}
		fmt.Printf("%s  %s  %s\n", kind, d.ID, d.Name)
	}
	return 0
}

func printSummary(snap pipeline.Snapshot) {
	slog.Info("session summary",
		"windows", snap.WindowsEmitted,
		"frames_recorded", snap.FramesEmitted,
		"segments", snap.SegmentsEmitted,
		"segments_dropped", snap.SegmentsDropped,
		"mic_stalls", snap.MicStalls,
		"system_stalls", snap.SystemStalls,
		"mic_dropped_samples", snap.MicDroppedSamples,
		"system_dropped_samples", snap.SystemDroppedSamples,
		"speech_ratio", fmt.Sprintf("%.2f", snap.SpeechRatio),
	)
}

func serveMetrics(addr string, mgr *pipeline.Manager, recordingDir string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	health.New(
		health.PipelineChecker(mgr.Running),
		health.RecordingDirChecker(recordingDir),
	).Register(mux)
	slog.Info("metrics endpoint listening", "addr", addr)
	if err := http.ListenAndServe(addr, mux); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("metrics server error", "err", err)
	}
}

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
