// Package vad implements the voice activity gate that derives a speech-only
// sub-stream from aligned windows for the transcription path.
//
// Detection is a lightweight energy + zero-crossing classifier over fixed
// sub-frames (20 ms by default), wrapped in a two-state hysteresis machine:
// the gate opens only after StartFrames consecutive sub-frames exceed the
// start threshold and closes only after StopFrames consecutive sub-frames
// fall below the stop threshold. Momentary energy dips therefore never
// fragment an utterance, and transient bursts never open a segment.
package vad

import (
	"errors"
	"fmt"
	"time"

	"github.com/MrWong99/meetcap/pkg/audio"
)

const (
	// DefaultSubFrame is the classification granularity.
	DefaultSubFrame = 20 * time.Millisecond

	// DefaultStartFrames and DefaultStopFrames are the hysteresis counts.
	// Stop exceeds start so trailing speech is not clipped.
	DefaultStartFrames = 3
	DefaultStopFrames  = 12

	// DefaultStartRMS and DefaultStopRMS are the energy thresholds.
	DefaultStartRMS = 0.015
	DefaultStopRMS  = 0.008

	// DefaultMaxZCR rejects high-zero-crossing broadband hiss that carries
	// speech-level energy but no voicing.
	DefaultMaxZCR = 0.35
)

// Config holds the gate parameters. Zero values fall back to defaults;
// SampleRate is mandatory.
type Config struct {
	// SampleRate of the incoming windows in Hz.
	SampleRate int

	// SubFrame is the classification sub-frame duration.
	SubFrame time.Duration

	// StartFrames is the number of consecutive speech sub-frames required
	// to open a segment; StopFrames the consecutive silence sub-frames
	// required to close one.
	StartFrames int
	StopFrames  int

	// StartRMS opens the gate; StopRMS closes it. StopRMS must not exceed
	// StartRMS.
	StartRMS float64
	StopRMS  float64

	// MaxZCR is the zero-crossing-rate ceiling for a speech sub-frame.
	MaxZCR float64
}

func (c *Config) applyDefaults() {
	if c.SubFrame <= 0 {
		c.SubFrame = DefaultSubFrame
	}
	if c.StartFrames == 0 {
		c.StartFrames = DefaultStartFrames
	}
	if c.StopFrames == 0 {
		c.StopFrames = DefaultStopFrames
	}
	if c.StartRMS == 0 {
		c.StartRMS = DefaultStartRMS
	}
	if c.StopRMS == 0 {
		c.StopRMS = DefaultStopRMS
	}
	if c.MaxZCR == 0 {
		c.MaxZCR = DefaultMaxZCR
	}
}

// Validate reports whether the config is coherent. Contradictory hysteresis
// thresholds are configuration errors, not runtime surprises.
func (c Config) Validate() error {
	var errs []error
	if c.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("vad: sample rate %d must be positive", c.SampleRate))
	}
	if c.StartFrames < 1 || c.StopFrames < 1 {
		errs = append(errs, fmt.Errorf("vad: hysteresis frame counts (%d start, %d stop) must be at least 1", c.StartFrames, c.StopFrames))
	}
	if c.StopRMS > c.StartRMS {
		errs = append(errs, fmt.Errorf("vad: stop threshold %.4f exceeds start threshold %.4f", c.StopRMS, c.StartRMS))
	}
	if c.StartRMS < 0 || c.StartRMS > 1 {
		errs = append(errs, fmt.Errorf("vad: start threshold %.4f is out of range [0, 1]", c.StartRMS))
	}
	if c.MaxZCR <= 0 || c.MaxZCR > 1 {
		errs = append(errs, fmt.Errorf("vad: max zero-cross rate %.2f is out of range (0, 1]", c.MaxZCR))
	}
	return errors.Join(errs...)
}

// gateState is the hysteresis machine state.
type gateState int

const (
	gateIdle gateState = iota
	gateInSpeech
)

// Gate classifies aligned windows and emits contiguous speech segments.
// State (hysteresis counters, open segment) is per-pipeline-instance;
// the window loop is the only caller, so Gate is not locked.
type Gate struct {
	cfg        Config
	subSamples int
	state      gateState

	// pending carries samples that do not yet fill a sub-frame across
	// window boundaries (windows are not required to be sub-frame-divisible).
	pending []float32
	cursor  uint64 // absolute sample index of pending[0]

	hot        int       // consecutive speech sub-frames while idle
	onset      []float32 // samples of the current onset run
	onsetStart uint64

	cold     int // consecutive silence sub-frames while in speech
	seg      []float32
	segStart uint64

	speechFrames uint64
	totalFrames  uint64
	closed       bool
}

// Stats is a point-in-time view of the gate's sub-frame counters.
type Stats struct {
	SpeechFrames uint64
	TotalFrames  uint64
}

// SpeechRatio returns the fraction of sub-frames spent in speech, in [0, 1].
func (s Stats) SpeechRatio() float64 {
	if s.TotalFrames == 0 {
		return 0
	}
	return float64(s.SpeechFrames) / float64(s.TotalFrames)
}

// NewGate creates a Gate from cfg. Returns an error if cfg is invalid.
func NewGate(cfg Config) (*Gate, error) {
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Gate{
		cfg:        cfg,
		subSamples: int(cfg.SubFrame * time.Duration(cfg.SampleRate) / time.Second),
	}, nil
}

// Process classifies one window and returns any speech segments that closed
// within it, ordered by start time. The gate analyses the summed (mic +
// system) signal, so speech from either side reaches transcription; a
// silence-padded side contributes nothing.
func (g *Gate) Process(w audio.AlignedWindow) []audio.SpeechSegment {
	if g.closed {
		return nil
	}

	g.pending = append(g.pending, summed(w)...)

	var out []audio.SpeechSegment
	consumed := 0
	for len(g.pending)-consumed >= g.subSamples {
		sf := g.pending[consumed : consumed+g.subSamples]
		frameStart := g.cursor
		g.cursor += uint64(g.subSamples)
		consumed += g.subSamples

		if seg, ok := g.classify(sf, frameStart); ok {
			out = append(out, seg)
		}
	}
	if consumed > 0 {
		remaining := copy(g.pending, g.pending[consumed:])
		g.pending = g.pending[:remaining]
	}
	return out
}

// classify advances the hysteresis machine by one sub-frame. It returns a
// closed segment when the stop run completes.
func (g *Gate) classify(sf []float32, frameStart uint64) (audio.SpeechSegment, bool) {
	g.totalFrames++

	rms := audio.RMS(sf)
	isSpeech := rms >= g.cfg.StartRMS && audio.ZeroCrossingRate(sf) <= g.cfg.MaxZCR
	isSilence := rms < g.cfg.StopRMS

	switch g.state {
	case gateIdle:
		if !isSpeech {
			g.hot = 0
			g.onset = g.onset[:0]
			return audio.SpeechSegment{}, false
		}
		if g.hot == 0 {
			g.onsetStart = frameStart
		}
		g.hot++
		g.onset = append(g.onset, sf...)
		if g.hot < g.cfg.StartFrames {
			return audio.SpeechSegment{}, false
		}
		// Start-hysteresis satisfied: open a segment backdated to the
		// first sub-frame of the onset run.
		g.state = gateInSpeech
		g.segStart = g.onsetStart
		g.seg = append(g.seg[:0], g.onset...)
		g.hot = 0
		g.onset = g.onset[:0]
		g.cold = 0
		g.speechFrames += uint64(g.cfg.StartFrames)
		return audio.SpeechSegment{}, false

	case gateInSpeech:
		// The stop run stays in the segment as hangover so trailing
		// speech is never clipped.
		g.seg = append(g.seg, sf...)
		if !isSilence {
			g.speechFrames++
			g.cold = 0
			return audio.SpeechSegment{}, false
		}
		g.cold++
		if g.cold < g.cfg.StopFrames {
			return audio.SpeechSegment{}, false
		}
		seg := g.closeSegment()
		return seg, true
	}
	return audio.SpeechSegment{}, false
}

// Flush force-closes an in-progress speech run and moves the gate to its
// terminal state. Called exactly once, at pipeline shutdown. The second
// return is false when no segment was open.
func (g *Gate) Flush() (audio.SpeechSegment, bool) {
	if g.closed {
		return audio.SpeechSegment{}, false
	}
	g.closed = true

	if g.state != gateInSpeech || len(g.seg) == 0 {
		return audio.SpeechSegment{}, false
	}
	return g.closeSegment(), true
}

// Stats returns the sub-frame counters for the speech-ratio metric.
func (g *Gate) Stats() Stats {
	return Stats{SpeechFrames: g.speechFrames, TotalFrames: g.totalFrames}
}

// closeSegment finalizes the open segment and resets to idle.
func (g *Gate) closeSegment() audio.SpeechSegment {
	samples := make([]float32, len(g.seg))
	copy(samples, g.seg)

	rate := time.Duration(g.cfg.SampleRate)
	seg := audio.SpeechSegment{
		Start:      time.Duration(g.segStart) * time.Second / rate,
		End:        time.Duration(g.segStart+uint64(len(samples))) * time.Second / rate,
		SampleRate: g.cfg.SampleRate,
		Samples:    samples,
	}

	g.state = gateIdle
	g.seg = g.seg[:0]
	g.cold = 0
	return seg
}

// summed combines the window's two channels, hard-limited to [-1, 1] —
// the gate only measures energy, so clipper quality is irrelevant here.
func summed(w audio.AlignedWindow) []float32 {
	out := make([]float32, len(w.Mic))
	for i := range out {
		v := w.Mic[i]
		if i < len(w.System) {
			v += w.System[i]
		}
		switch {
		case v > 1:
			v = 1
		case v < -1:
			v = -1
		}
		out[i] = v
	}
	return out
}
