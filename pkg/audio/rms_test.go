package audio

import (
	"math"
	"testing"
)

func TestRMS(t *testing.T) {
	t.Parallel()

	if got := RMS(nil); got != 0 {
		t.Errorf("RMS(nil) = %v, want 0", got)
	}
	if got := RMS([]float32{0, 0, 0}); got != 0 {
		t.Errorf("RMS(silence) = %v, want 0", got)
	}
	if got := RMS([]float32{0.5, -0.5, 0.5, -0.5}); math.Abs(got-0.5) > 1e-9 {
		t.Errorf("RMS(±0.5) = %v, want 0.5", got)
	}
}

func TestZeroCrossingRate(t *testing.T) {
	t.Parallel()

	if got := ZeroCrossingRate([]float32{1}); got != 0 {
		t.Errorf("ZCR(single sample) = %v, want 0", got)
	}
	if got := ZeroCrossingRate([]float32{1, 1, 1, 1}); got != 0 {
		t.Errorf("ZCR(constant) = %v, want 0", got)
	}
	if got := ZeroCrossingRate([]float32{1, -1, 1, -1, 1}); got != 1 {
		t.Errorf("ZCR(alternating) = %v, want 1", got)
	}
}

func TestChunkDuration(t *testing.T) {
	t.Parallel()

	c := Chunk{Samples: make([]float32, 480), SampleRate: 48000}
	if got := c.Duration(); got.Milliseconds() != 10 {
		t.Errorf("Duration = %v, want 10ms", got)
	}
}
