package capture

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/MrWong99/meetcap/pkg/audio"
)

// SyntheticConfig configures a generated capture stream.
type SyntheticConfig struct {
	SampleRate int

	// Chunk is the delivery interval. Default: 10ms.
	Chunk time.Duration

	// Frequency of the generated tone in Hz. Default: 440.
	Frequency float64

	// Amplitude of the tone during the "on" phase, in [0,1]. Default: 0.2.
	Amplitude float64

	// Burst and Pause alternate the tone on and off, imitating speech
	// cadence. A zero Pause keeps the tone continuous.
	Burst time.Duration
	Pause time.Duration
}

// Synthetic generates a tone in real time, for demo runs and environments
// without audio hardware. It implements [audio.CaptureSource].
type Synthetic struct {
	cfg SyntheticConfig

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	closed bool
}

var _ audio.CaptureSource = (*Synthetic)(nil)

// NewSynthetic prepares a synthetic source.
func NewSynthetic(cfg SyntheticConfig) *Synthetic {
	if cfg.Chunk <= 0 {
		cfg.Chunk = 10 * time.Millisecond
	}
	if cfg.Frequency == 0 {
		cfg.Frequency = 440
	}
	if cfg.Amplitude == 0 {
		cfg.Amplitude = 0.2
	}
	return &Synthetic{cfg: cfg}
}

// Start launches the generator goroutine. Chunks are delivered on a wall
// clock ticker, so the stream runs at capture speed.
func (s *Synthetic) Start(ctx context.Context, deliver func(audio.Chunk)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("capture: synthetic source already closed")
	}
	if s.cancel != nil {
		return fmt.Errorf("capture: synthetic source already started")
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	s.done = make(chan struct{})

	go s.run(runCtx, deliver)
	return nil
}

func (s *Synthetic) run(ctx context.Context, deliver func(audio.Chunk)) {
	defer close(s.done)

	ticker := time.NewTicker(s.cfg.Chunk)
	defer ticker.Stop()

	chunkSamples := int(s.cfg.Chunk.Seconds() * float64(s.cfg.SampleRate))
	cycle := s.cfg.Burst + s.cfg.Pause

	var seq, pos uint64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		samples := make([]float32, chunkSamples)
		for i := range samples {
			t := float64(pos+uint64(i)) / float64(s.cfg.SampleRate)
			on := true
			if cycle > 0 {
				phase := time.Duration(t * float64(time.Second)) % cycle
				on = phase < s.cfg.Burst
			}
			if on {
				samples[i] = float32(s.cfg.Amplitude * math.Sin(2*math.Pi*s.cfg.Frequency*t))
			}
		}

		deliver(audio.Chunk{
			Samples:    samples,
			SampleRate: s.cfg.SampleRate,
			Timestamp:  time.Duration(pos) * time.Second / time.Duration(s.cfg.SampleRate),
			Seq:        seq,
		})
		seq++
		pos += uint64(chunkSamples)
	}
}

// Close stops the generator and waits for its goroutine to exit. Idempotent.
func (s *Synthetic) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
	return nil
}
