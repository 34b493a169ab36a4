// Package pipeline owns the capture-to-sink window loop.
//
// A Manager wires the synchronizing buffer, the adaptive mixer, and the
// voice activity gate, then drives them from a single worker: every aligned
// window is fanned out to both the recording path (mixed frames, never
// dropped) and the transcription path (speech segments, dropped under
// sustained overload). The two paths are independent outlets so a slow
// recording consumer cannot delay live transcription and vice versa.
//
// The manager exposes lifecycle control (Start/Stop), the two outlet
// channels, and a metrics snapshot. It performs no disk or network I/O
// itself — sinks do that on their side of the channels.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/meetcap/internal/config"
	"github.com/MrWong99/meetcap/internal/observe"
	"github.com/MrWong99/meetcap/pkg/audio"
	"github.com/MrWong99/meetcap/pkg/audio/mixer"
	"github.com/MrWong99/meetcap/pkg/audio/syncbuf"
	"github.com/MrWong99/meetcap/pkg/audio/vad"
)

// ErrAlreadyStarted is returned by Start when the manager is already running
// or has already been stopped — a Manager drives exactly one session.
var ErrAlreadyStarted = errors.New("pipeline: already started")

// Manager owns one capture session's pipeline state. All mutable state
// (buffer backlogs, mixer gain envelope, gate hysteresis) belongs to the
// instance; multiple managers can run concurrently without interference.
type Manager struct {
	cfg *config.Config
	met *observe.Metrics

	buf  *syncbuf.Buffer
	mix  *mixer.AdaptiveMixer
	gate *vad.Gate

	frames   *outlet[audio.MixedFrame]
	segments *outlet[audio.SpeechSegment]

	mu      sync.Mutex
	running bool
	stopped bool
	mic     audio.CaptureSource
	system  audio.CaptureSource
	cancel  context.CancelFunc
	group   *errgroup.Group

	// Loop-owned counters mirrored atomically for Snapshot.
	framesUnsent atomic.Uint64
	speechFrames atomic.Uint64
	totalFrames  atomic.Uint64
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*Manager)

// WithMetrics injects a metrics bundle instead of the package default.
// Tests use this with a private meter provider to avoid cross-test pollution.
func WithMetrics(m *observe.Metrics) Option {
	return func(p *Manager) { p.met = m }
}

// Snapshot is a point-in-time view of the pipeline counters.
type Snapshot struct {
	// Buffer occupancy per source.
	MicOccupancy    time.Duration
	SystemOccupancy time.Duration

	// Window accounting.
	WindowsEmitted uint64

	// Samples evicted from backlogs (overflow, rate mismatch, shutdown
	// leftovers).
	MicDroppedSamples    uint64
	SystemDroppedSamples uint64

	// Windows in which a source was silence-padded.
	MicStalls    uint64
	SystemStalls uint64

	// Recording path: frames delivered, and frames that could not be
	// delivered (consumer disconnected or shutdown abort).
	FramesEmitted uint64
	FramesUnsent  uint64

	// Transcription path.
	SegmentsEmitted uint64
	SegmentsDropped uint64

	// RecordingDisconnected is set once the recording consumer failed to
	// keep up within the write timeout.
	RecordingDisconnected bool

	// SpeechRatio is the fraction of gate sub-frames classified as speech.
	SpeechRatio float64
}

// New creates a Manager from cfg. All component configs are validated here;
// an invalid configuration is fatal and the pipeline never starts.
func New(cfg *config.Config, opts ...Option) (*Manager, error) {
	buf, err := syncbuf.New(syncbuf.Config{
		SampleRate: cfg.Audio.SampleRate,
		Window:     cfg.Audio.Window(),
		MaxWait:    cfg.Audio.MaxWait(),
		Capacity:   cfg.Audio.BufferCapacity(),
	})
	if err != nil {
		return nil, fmt.Errorf("pipeline: %w", err)
	}

	mix, err := mixer.New(mixer.Config{
		MaxAttenuationDB: cfg.Mixer.MaxAttenuationDB,
		ThresholdRMS:     cfg.Mixer.ThresholdRMS,
		KneeRMS:          cfg.Mixer.KneeRMS,
		Attack:           time.Duration(cfg.Mixer.AttackMs) * time.Millisecond,
		Release:          time.Duration(cfg.Mixer.ReleaseMs) * time.Millisecond,
	})
	if err != nil {
		return nil, fmt.Errorf("pipeline: %w", err)
	}

	gate, err := vad.NewGate(vad.Config{
		SampleRate:  cfg.Audio.SampleRate,
		SubFrame:    time.Duration(cfg.VAD.SubFrameMs) * time.Millisecond,
		StartFrames: cfg.VAD.StartFrames,
		StopFrames:  cfg.VAD.StopFrames,
		StartRMS:    cfg.VAD.StartRMS,
		StopRMS:     cfg.VAD.StopRMS,
		MaxZCR:      cfg.VAD.MaxZeroCrossRate,
	})
	if err != nil {
		return nil, fmt.Errorf("pipeline: %w", err)
	}

	p := &Manager{
		cfg:  cfg,
		buf:  buf,
		mix:  mix,
		gate: gate,
	}
	for _, o := range opts {
		o(p)
	}
	if p.met == nil {
		p.met = observe.DefaultMetrics()
	}
	return p, nil
}

// Frames returns the recording outlet. Valid only after Start. The channel
// is closed by Stop after the final window; every frame of the session
// appears here unless the consumer was declared disconnected.
func (p *Manager) Frames() <-chan audio.MixedFrame {
	return p.frames.ch
}

// Segments returns the transcription outlet. Valid only after Start. The
// channel is closed by Stop; the final in-progress speech segment (if any)
// is flushed before closing.
func (p *Manager) Segments() <-chan audio.SpeechSegment {
	return p.segments.ch
}

// Start wires the capture sources into the buffer and launches the window
// loop. Chunks from mic and system are force-tagged with their source so a
// misbehaving adapter cannot cross the streams. Start fails if either
// source cannot begin capturing; a Manager can be started at most once.
func (p *Manager) Start(ctx context.Context, mic, system audio.CaptureSource) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running || p.stopped {
		return ErrAlreadyStarted
	}

	ctx, span := observe.StartSpan(ctx, "pipeline.start")
	defer span.End()

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	p.frames = newOutlet[audio.MixedFrame](
		p.cfg.Recording.ChannelBuffer,
		policyBlock,
		time.Duration(p.cfg.Recording.WriteTimeoutMs)*time.Millisecond,
		loopCtx.Done(),
	)
	p.frames.onDisconnect = func() {
		slog.Error("pipeline: recording consumer disconnected, continuing with transcription only")
		observe.Add(loopCtx, p.met.ConsumerDisconnects, 1, observe.PathAttr("recording"))
	}
	p.segments = newOutlet[audio.SpeechSegment](
		p.cfg.Transcription.ChannelBuffer,
		policyDropOldest,
		0,
		loopCtx.Done(),
	)
	p.segments.onDrop = func() {
		observe.Add(loopCtx, p.met.SegmentsDropped, 1)
	}

	deliver := func(src audio.Source) func(audio.Chunk) {
		return func(c audio.Chunk) {
			c.Source = src
			p.buf.Ingest(c)
		}
	}
	if err := mic.Start(ctx, deliver(audio.SourceMicrophone)); err != nil {
		cancel()
		return fmt.Errorf("pipeline: start microphone source: %w", err)
	}
	if err := system.Start(ctx, deliver(audio.SourceSystem)); err != nil {
		_ = mic.Close()
		cancel()
		return fmt.Errorf("pipeline: start system source: %w", err)
	}

	p.mic, p.system = mic, system
	p.cancel = cancel
	p.running = true
	observe.AddUpDown(ctx, p.met.ActivePipelines, 1)

	g, gctx := errgroup.WithContext(loopCtx)
	g.Go(func() error { return p.loop(gctx) })
	g.Go(func() error { return p.sampleOccupancy(gctx) })
	p.group = g

	observe.Logger(ctx).Info("pipeline started",
		"sample_rate", p.cfg.Audio.SampleRate,
		"window", p.cfg.Audio.Window(),
		"max_wait", p.cfg.Audio.MaxWait(),
	)
	return nil
}

// Stop ends the session: the loop finishes its current window, the gate's
// in-progress speech run is flushed as a final segment, both outlet
// channels are closed, and the buffer accounts for any leftover samples.
// Idempotent; subsequent calls are no-ops and return nil.
func (p *Manager) Stop(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running || p.stopped {
		return nil
	}
	p.stopped = true

	ctx, span := observe.StartSpan(ctx, "pipeline.stop")
	defer span.End()

	// The loop observes cancellation only between window boundaries.
	p.cancel()
	err := p.group.Wait()

	var errs []error
	if err != nil {
		errs = append(errs, err)
	}
	if cerr := p.mic.Close(); cerr != nil {
		errs = append(errs, fmt.Errorf("close microphone source: %w", cerr))
	}
	if cerr := p.system.Close(); cerr != nil {
		errs = append(errs, fmt.Errorf("close system source: %w", cerr))
	}

	p.buf.Close()
	p.frames.close()
	p.segments.close()
	p.running = false
	observe.AddUpDown(ctx, p.met.ActivePipelines, -1)

	snap := p.snapshotLocked()
	observe.Logger(ctx).Info("pipeline stopped",
		"windows", snap.WindowsEmitted,
		"segments", snap.SegmentsEmitted,
		"mic_stalls", snap.MicStalls,
		"system_stalls", snap.SystemStalls,
		"speech_ratio", fmt.Sprintf("%.2f", snap.SpeechRatio),
	)

	if len(errs) > 0 {
		return fmt.Errorf("pipeline: stop: %w", errors.Join(errs...))
	}
	return nil
}

// Running reports whether the pipeline has been started and not yet stopped.
func (p *Manager) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running && !p.stopped
}

// Snapshot returns the current pipeline counters. Safe to call from any
// goroutine while the pipeline runs.
func (p *Manager) Snapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snapshotLocked()
}

func (p *Manager) snapshotLocked() Snapshot {
	bs := p.buf.Stats()
	snap := Snapshot{
		MicOccupancy:         bs.MicOccupancy,
		SystemOccupancy:      bs.SystemOccupancy,
		WindowsEmitted:       bs.WindowsEmitted,
		MicDroppedSamples:    bs.MicDropped,
		SystemDroppedSamples: bs.SystemDropped,
		MicStalls:            bs.MicStalls,
		SystemStalls:         bs.SystemStalls,
		FramesUnsent:         p.framesUnsent.Load(),
	}
	if p.frames != nil {
		snap.FramesEmitted = p.frames.emitted.Load()
		snap.RecordingDisconnected = p.frames.disconnected.Load()
	}
	if p.segments != nil {
		snap.SegmentsEmitted = p.segments.emitted.Load()
		snap.SegmentsDropped = p.segments.drops.Load()
	}
	total := p.totalFrames.Load()
	if total > 0 {
		snap.SpeechRatio = float64(p.speechFrames.Load()) / float64(total)
	}
	return snap
}

// loop is the window-consumption worker. It runs until the loop context is
// cancelled, then flushes the gate so an open speech run is never lost.
func (p *Manager) loop(ctx context.Context) error {
	var last syncbuf.Snapshot

	for {
		w, err := p.buf.PopAlignedWindow(ctx)
		if err != nil {
			// Cancellation and buffer closure are the two orderly stop
			// paths; both flush the gate before returning.
			p.flush(ctx)
			if errors.Is(err, context.Canceled) || errors.Is(err, syncbuf.ErrClosed) {
				return nil
			}
			return fmt.Errorf("pipeline: pop window: %w", err)
		}
		p.processWindow(ctx, w, &last)
	}
}

// processWindow fans one aligned window out to both paths and records the
// per-window metrics deltas.
func (p *Manager) processWindow(ctx context.Context, w audio.AlignedWindow, last *syncbuf.Snapshot) {
	begin := time.Now()

	frame := p.mix.Mix(w)
	if !p.frames.send(frame) {
		p.framesUnsent.Add(1)
	}

	for _, seg := range p.gate.Process(w) {
		if p.segments.send(seg) {
			observe.Add(ctx, p.met.SpeechSegments, 1)
		}
	}

	gs := p.gate.Stats()
	p.speechFrames.Store(gs.SpeechFrames)
	p.totalFrames.Store(gs.TotalFrames)

	// Counter deltas since the previous window.
	bs := p.buf.Stats()
	observe.Add(ctx, p.met.WindowsEmitted, 1)
	observe.Add(ctx, p.met.CaptureStalls, int64(bs.MicStalls-last.MicStalls), observe.SourceAttr("microphone"))
	observe.Add(ctx, p.met.CaptureStalls, int64(bs.SystemStalls-last.SystemStalls), observe.SourceAttr("system"))
	observe.Add(ctx, p.met.DroppedSamples, int64(bs.MicDropped-last.MicDropped), observe.SourceAttr("microphone"))
	observe.Add(ctx, p.met.DroppedSamples, int64(bs.SystemDropped-last.SystemDropped), observe.SourceAttr("system"))
	*last = bs

	observe.Record(ctx, p.met.WindowLatency, time.Since(begin).Seconds())
}

// flush force-closes the gate's open run and forwards the final segment.
func (p *Manager) flush(ctx context.Context) {
	seg, ok := p.gate.Flush()
	if !ok {
		return
	}
	if p.segments.send(seg) {
		observe.Add(ctx, p.met.SpeechSegments, 1)
	}
	gs := p.gate.Stats()
	p.speechFrames.Store(gs.SpeechFrames)
	p.totalFrames.Store(gs.TotalFrames)
}

// sampleOccupancy periodically records backlog depth so stalls are visible
// even when no windows are flowing.
func (p *Manager) sampleOccupancy(ctx context.Context) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			bs := p.buf.Stats()
			observe.Record(ctx, p.met.BufferOccupancy, float64(bs.MicOccupancy.Milliseconds()), observe.SourceAttr("microphone"))
			observe.Record(ctx, p.met.BufferOccupancy, float64(bs.SystemOccupancy.Milliseconds()), observe.SourceAttr("system"))
		}
	}
}
