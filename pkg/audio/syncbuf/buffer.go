// Package syncbuf implements the synchronizing ring buffer that merges two
// independently clocked capture streams into time-aligned windows.
//
// Each source (microphone, system) gets its own bounded sample backlog.
// Ingest runs on the capture callback path and never blocks: when a backlog
// exceeds its capacity the oldest samples are evicted and counted — a slow
// consumer can never stall the audio callback. PopAlignedWindow runs on the
// pipeline worker and assembles windows in strictly increasing order,
// silence-padding a source that stops delivering within the bounded wait.
package syncbuf

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/meetcap/pkg/audio"
)

// ErrClosed is returned by PopAlignedWindow once the buffer has been closed
// and no further windows will be produced.
var ErrClosed = errors.New("syncbuf: buffer closed")

const (
	// DefaultWindow is the aligned-window duration when none is configured.
	DefaultWindow = 50 * time.Millisecond

	// DefaultMaxWait bounds how long PopAlignedWindow waits for the lagging
	// source before padding it with silence.
	DefaultMaxWait = 200 * time.Millisecond
)

// Config holds the buffer parameters. Zero durations fall back to the
// package defaults; SampleRate is mandatory.
type Config struct {
	// SampleRate is the common rate of both sources in Hz.
	SampleRate int

	// Window is the aligned-window duration.
	Window time.Duration

	// MaxWait is the bounded wait before a stalled source is padded.
	MaxWait time.Duration

	// Capacity is the per-source backlog cap. Defaults to MaxWait plus two
	// windows, the smallest backlog that lets a live source ride out a full
	// bounded wait on the other side without losing samples.
	Capacity time.Duration
}

func (c *Config) applyDefaults() {
	if c.Window <= 0 {
		c.Window = DefaultWindow
	}
	if c.MaxWait <= 0 {
		c.MaxWait = DefaultMaxWait
	}
	if c.Capacity <= 0 {
		c.Capacity = c.MaxWait + 2*c.Window
	}
}

// Validate reports whether the config is coherent.
func (c Config) Validate() error {
	var errs []error
	if c.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("syncbuf: sample rate %d must be positive", c.SampleRate))
	}
	if c.Window < 0 || c.MaxWait < 0 || c.Capacity < 0 {
		errs = append(errs, errors.New("syncbuf: durations must not be negative"))
	}
	if c.Capacity > 0 && c.Window > 0 && c.Capacity < c.MaxWait+c.Window {
		errs = append(errs, fmt.Errorf("syncbuf: capacity %v must cover max wait %v plus window %v, or a stalled source overflows the live one", c.Capacity, c.MaxWait, c.Window))
	}
	return errors.Join(errs...)
}

// sourceState is the per-source backlog plus its counters.
// Guarded by Buffer.mu.
type sourceState struct {
	backlog        []float32
	dropped        uint64 // samples evicted from the oldest end
	stalls         uint64 // windows in which this side was silence-padded
	rateMismatches uint64 // chunks rejected for a wrong sample rate
	warnedRate     bool
}

// Buffer is the two-source synchronizing ring buffer.
//
// Ingest is safe to call concurrently from both capture callbacks.
// PopAlignedWindow is intended for a single consumer goroutine.
type Buffer struct {
	cfg           Config
	windowSamples int
	capSamples    int

	mu          sync.Mutex
	mic         sourceState
	system      sourceState
	index       uint64    // next window index
	emitted     uint64
	padDeadline time.Time // when the next padded window may be emitted; zero when idle
	closed      bool

	notify chan struct{} // cap-1 wakeup for the popper
	done   chan struct{} // closed by Close
}

// Snapshot is a point-in-time view of the buffer counters.
type Snapshot struct {
	MicOccupancy    time.Duration
	SystemOccupancy time.Duration
	MicDropped      uint64
	SystemDropped   uint64
	MicStalls       uint64
	SystemStalls    uint64
	RateMismatches  uint64
	WindowsEmitted  uint64
}

// New creates a Buffer from cfg. Returns an error if cfg is invalid.
func New(cfg Config) (*Buffer, error) {
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Buffer{
		cfg:           cfg,
		windowSamples: samplesFor(cfg.Window, cfg.SampleRate),
		capSamples:    samplesFor(cfg.Capacity, cfg.SampleRate),
		notify:        make(chan struct{}, 1),
		done:          make(chan struct{}),
	}, nil
}

// Ingest appends a chunk to its source's backlog. Non-blocking: the critical
// section only appends and trims. If the backlog would exceed capacity, the
// oldest samples are evicted and the source's drop counter advances by
// exactly the evicted amount.
func (b *Buffer) Ingest(c audio.Chunk) {
	if len(c.Samples) == 0 {
		return
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}

	src := b.sourceLocked(c.Source)
	if c.SampleRate != b.cfg.SampleRate {
		src.rateMismatches++
		src.dropped += uint64(len(c.Samples))
		warn := !src.warnedRate
		src.warnedRate = true
		b.mu.Unlock()
		if warn {
			slog.Warn("syncbuf: dropping chunk with mismatched sample rate",
				"source", c.Source,
				"got", c.SampleRate,
				"want", b.cfg.SampleRate,
			)
		}
		return
	}

	src.backlog = append(src.backlog, c.Samples...)
	if over := len(src.backlog) - b.capSamples; over > 0 {
		copy(src.backlog, src.backlog[over:])
		src.backlog = src.backlog[:len(src.backlog)-over]
		src.dropped += uint64(over)
	}
	b.mu.Unlock()

	// Wake the popper without ever blocking the callback path.
	select {
	case b.notify <- struct{}{}:
	default:
	}
}

// PopAlignedWindow blocks until the next window can be assembled and returns
// it. A window is emitted as soon as both sources span the window duration,
// or once the pad deadline passes with at least one source holding data —
// the lagging side is then silence-padded and its stall counter advances.
// The first padded window of a stall waits up to MaxWait; while the stall
// persists the deadline advances by one Window per emission, so a live
// source keeps draining at real-time cadence and never overflows its
// backlog waiting on a dead peer. A window in which both sides would be
// entirely silence is never emitted; with no data at all the call simply
// keeps waiting.
//
// Returns ctx.Err() on cancellation and ErrClosed after Close.
func (b *Buffer) PopAlignedWindow(ctx context.Context) (audio.AlignedWindow, error) {
	timer := time.NewTimer(time.Hour)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			return audio.AlignedWindow{}, ErrClosed
		}

		micLen, sysLen := len(b.mic.backlog), len(b.system.backlog)
		full := micLen >= b.windowSamples && sysLen >= b.windowSamples
		anyData := micLen > 0 || sysLen > 0

		now := time.Now()
		if anyData && b.padDeadline.IsZero() {
			b.padDeadline = now.Add(b.cfg.MaxWait)
		}

		if full || (anyData && !now.Before(b.padDeadline)) {
			w := b.assembleLocked()
			if w.MicPadded || w.SystemPadded {
				// Stall in progress: the next padded window is due one
				// window from now, not a fresh MaxWait away.
				b.padDeadline = now.Add(b.cfg.Window)
			} else {
				b.padDeadline = time.Time{}
			}
			b.mu.Unlock()
			return w, nil
		}
		deadline := b.padDeadline
		b.mu.Unlock()

		// Arm the pad timer only while data is waiting; an empty buffer
		// sleeps until ingest wakes it.
		var due <-chan time.Time
		if anyData {
			timer.Reset(deadline.Sub(now))
			due = timer.C
		}

		select {
		case <-ctx.Done():
			return audio.AlignedWindow{}, ctx.Err()
		case <-b.done:
			return audio.AlignedWindow{}, ErrClosed
		case <-b.notify:
			stopTimer(timer)
		case <-due:
		}
	}
}

// assembleLocked builds the next window from whatever each backlog holds,
// padding short sides with silence. Must be called with b.mu held and with
// at least one source non-empty.
func (b *Buffer) assembleLocked() audio.AlignedWindow {
	mic, micPadded := takeLocked(&b.mic, b.windowSamples)
	sys, sysPadded := takeLocked(&b.system, b.windowSamples)

	w := audio.AlignedWindow{
		Index:        b.index,
		Start:        time.Duration(b.index) * b.cfg.Window,
		Duration:     b.cfg.Window,
		SampleRate:   b.cfg.SampleRate,
		Mic:          mic,
		System:       sys,
		MicPadded:    micPadded,
		SystemPadded: sysPadded,
	}
	b.index++
	b.emitted++
	return w
}

// takeLocked removes up to n samples from the front of src's backlog and
// returns exactly n samples, zero-padded at the tail if short.
func takeLocked(src *sourceState, n int) (out []float32, padded bool) {
	out = make([]float32, n)
	got := copy(out, src.backlog)
	if got > 0 {
		remaining := copy(src.backlog, src.backlog[got:])
		src.backlog = src.backlog[:remaining]
	}
	if got < n {
		src.stalls++
		return out, true
	}
	return out, false
}

// Stats returns a snapshot of occupancy and counters.
func (b *Buffer) Stats() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	return Snapshot{
		MicOccupancy:    b.occupancyLocked(&b.mic),
		SystemOccupancy: b.occupancyLocked(&b.system),
		MicDropped:      b.mic.dropped,
		SystemDropped:   b.system.dropped,
		MicStalls:       b.mic.stalls,
		SystemStalls:    b.system.stalls,
		RateMismatches:  b.mic.rateMismatches + b.system.rateMismatches,
		WindowsEmitted:  b.emitted,
	}
}

// Close releases waiters and discards remaining sub-window samples, counting
// them as dropped so that no data vanishes unaccounted. Idempotent.
func (b *Buffer) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.mic.dropped += uint64(len(b.mic.backlog))
	b.system.dropped += uint64(len(b.system.backlog))
	b.mic.backlog = nil
	b.system.backlog = nil
	b.mu.Unlock()

	close(b.done)
}

func (b *Buffer) sourceLocked(s audio.Source) *sourceState {
	if s == audio.SourceSystem {
		return &b.system
	}
	return &b.mic
}

func (b *Buffer) occupancyLocked(src *sourceState) time.Duration {
	return time.Duration(len(src.backlog)) * time.Second / time.Duration(b.cfg.SampleRate)
}

func samplesFor(d time.Duration, rate int) int {
	return int(d * time.Duration(rate) / time.Second)
}

func stopTimer(t *time.Timer) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
}
