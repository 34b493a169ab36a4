// Package mixer combines an aligned window's microphone and system channels
// into a single clip-safe frame for the recording path.
//
// The mixer ducks system audio while the microphone carries speech energy:
// system gain is reduced proportionally to microphone RMS, bounded to a
// maximum attenuation, and the gain envelope is smoothed across consecutive
// windows with attack/release time constants so the ducking never pumps
// audibly. The summed signal is soft-clipped to stay inside [-1, 1].
package mixer

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/MrWong99/meetcap/pkg/audio"
)

const (
	// DefaultMaxAttenuationDB is the deepest system-channel cut applied
	// while the microphone is fully active.
	DefaultMaxAttenuationDB = -12.0

	// DefaultThresholdRMS is the microphone RMS above which ducking engages.
	DefaultThresholdRMS = 0.01

	// DefaultKneeRMS is the RMS span over which the gain ramps from unity
	// down to the maximum attenuation.
	DefaultKneeRMS = 0.08

	// DefaultAttack and DefaultRelease are the envelope time constants for
	// gain falling (ducking in) and rising (ducking out).
	DefaultAttack  = 40 * time.Millisecond
	DefaultRelease = 250 * time.Millisecond

	// DefaultSoftClipKnee is the absolute level above which the summed
	// signal bends into the soft clipper instead of passing linearly.
	DefaultSoftClipKnee = 0.85
)

// Config holds the ducking parameters. Zero values fall back to defaults.
type Config struct {
	// MaxAttenuationDB bounds the system-channel cut. Must be negative.
	MaxAttenuationDB float64

	// ThresholdRMS is the microphone speech-presence threshold.
	ThresholdRMS float64

	// KneeRMS is the ramp width of the RMS→gain map above the threshold.
	KneeRMS float64

	// Attack smooths the gain when it falls (mic became active);
	// Release smooths it when it rises (mic went quiet).
	Attack  time.Duration
	Release time.Duration

	// SoftClipKnee is the linear region bound of the output clipper, in (0, 1).
	SoftClipKnee float64
}

func (c *Config) applyDefaults() {
	if c.MaxAttenuationDB == 0 {
		c.MaxAttenuationDB = DefaultMaxAttenuationDB
	}
	if c.ThresholdRMS == 0 {
		c.ThresholdRMS = DefaultThresholdRMS
	}
	if c.KneeRMS == 0 {
		c.KneeRMS = DefaultKneeRMS
	}
	if c.Attack == 0 {
		c.Attack = DefaultAttack
	}
	if c.Release == 0 {
		c.Release = DefaultRelease
	}
	if c.SoftClipKnee == 0 {
		c.SoftClipKnee = DefaultSoftClipKnee
	}
}

// Validate reports whether the config is coherent.
func (c Config) Validate() error {
	var errs []error
	if c.MaxAttenuationDB >= 0 {
		errs = append(errs, fmt.Errorf("mixer: max attenuation %.1f dB must be negative", c.MaxAttenuationDB))
	}
	if c.ThresholdRMS < 0 || c.ThresholdRMS > 1 {
		errs = append(errs, fmt.Errorf("mixer: threshold RMS %.3f is out of range [0, 1]", c.ThresholdRMS))
	}
	if c.KneeRMS <= 0 {
		errs = append(errs, fmt.Errorf("mixer: knee RMS %.3f must be positive", c.KneeRMS))
	}
	if c.Attack < 0 || c.Release < 0 {
		errs = append(errs, errors.New("mixer: attack and release must not be negative"))
	}
	if c.SoftClipKnee <= 0 || c.SoftClipKnee >= 1 {
		errs = append(errs, fmt.Errorf("mixer: soft clip knee %.2f is out of range (0, 1)", c.SoftClipKnee))
	}
	return errors.Join(errs...)
}

// AdaptiveMixer holds the per-pipeline gain envelope. It is owned by a
// single pipeline instance and is not safe for concurrent use — the window
// loop is its only caller.
type AdaptiveMixer struct {
	cfg     Config
	minGain float64 // 10^(MaxAttenuationDB/20)

	gain        float64 // current smoothed system gain
	initialized bool
}

// New creates an AdaptiveMixer. Returns an error if cfg is invalid.
func New(cfg Config) (*AdaptiveMixer, error) {
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &AdaptiveMixer{
		cfg:     cfg,
		minGain: math.Pow(10, cfg.MaxAttenuationDB/20),
		gain:    1,
	}, nil
}

// Mix combines a window into a single frame. It never fails: the very first
// window passes through at unity gain while the envelope initializes, and
// every output sample is clip-safe. The output always covers exactly the
// input window's span.
func (m *AdaptiveMixer) Mix(w audio.AlignedWindow) audio.MixedFrame {
	target := m.targetGain(audio.RMS(w.Mic))

	if !m.initialized {
		// No prior envelope state: pass through at unity for this window.
		m.gain = 1
		m.initialized = true
	} else {
		// One-pole smoothing per window. Attack applies while the gain is
		// falling (ducking engaging), release while it recovers.
		tau := m.cfg.Release
		if target < m.gain {
			tau = m.cfg.Attack
		}
		coeff := 0.0
		if tau > 0 {
			coeff = math.Exp(-float64(w.Duration) / float64(tau))
		}
		m.gain = target + (m.gain-target)*coeff
	}

	samples := make([]float32, len(w.Mic))
	g := float32(m.gain)
	for i := range samples {
		var sys float32
		if i < len(w.System) {
			sys = w.System[i]
		}
		samples[i] = m.softClip(w.Mic[i] + g*sys)
	}

	return audio.MixedFrame{
		Index:      w.Index,
		Start:      w.Start,
		Duration:   w.Duration,
		SampleRate: w.SampleRate,
		Samples:    samples,
	}
}

// Gain returns the current smoothed system-channel gain, in [minGain, 1].
func (m *AdaptiveMixer) Gain() float64 {
	return m.gain
}

// targetGain maps microphone RMS to the instantaneous system gain:
//
//	rms ≤ threshold         → 1 (no ducking)
//	threshold < rms < +knee → linear ramp down
//	rms ≥ threshold + knee  → minGain (maximum attenuation)
//
// The map is monotonic non-increasing in rms and bounded to [minGain, 1].
func (m *AdaptiveMixer) targetGain(rms float64) float64 {
	if rms <= m.cfg.ThresholdRMS {
		return 1
	}
	depth := (rms - m.cfg.ThresholdRMS) / m.cfg.KneeRMS
	if depth > 1 {
		depth = 1
	}
	return 1 - (1-m.minGain)*depth
}

// softClip passes |x| below the knee linearly and bends anything above it
// asymptotically toward ±1, so summed channels can never overflow.
func (m *AdaptiveMixer) softClip(x float32) float32 {
	knee := m.cfg.SoftClipKnee
	ax := math.Abs(float64(x))
	if ax <= knee {
		return x
	}
	span := 1 - knee
	y := knee + span*math.Tanh((ax-knee)/span)
	if x < 0 {
		y = -y
	}
	return float32(y)
}
