package audio

import "math"

// RMS returns the root-mean-square energy of samples, the loudness proxy
// used by both the adaptive mixer and the voice activity gate. Returns 0
// for an empty slice.
func RMS(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// ZeroCrossingRate returns the fraction of adjacent sample pairs whose sign
// differs, in [0, 1]. Voiced speech has a comparatively low rate; broadband
// hiss and fricative noise sit high. Returns 0 for fewer than two samples.
func ZeroCrossingRate(samples []float32) float64 {
	if len(samples) < 2 {
		return 0
	}
	var crossings int
	for i := 1; i < len(samples); i++ {
		if (samples[i-1] >= 0) != (samples[i] >= 0) {
			crossings++
		}
	}
	return float64(crossings) / float64(len(samples)-1)
}
