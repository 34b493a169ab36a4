package audio

import "time"

// Source identifies which capture device a chunk of audio originated from.
type Source int

const (
	// SourceMicrophone is the local user's input device.
	SourceMicrophone Source = iota

	// SourceSystem is the loopback capture of system playback audio
	// (remote meeting participants, shared media, notification sounds).
	SourceSystem
)

// String returns the human-readable name of the source.
func (s Source) String() string {
	switch s {
	case SourceMicrophone:
		return "microphone"
	case SourceSystem:
		return "system"
	default:
		return "unknown"
	}
}

// Chunk is a run of mono float32 PCM samples delivered by a capture adapter.
// Chunks arrive at device cadence and in arbitrary sizes; the synchronizing
// buffer owns them from Ingest until they are merged into a window or
// evicted on overflow.
type Chunk struct {
	// Samples is mono PCM in the range [-1, 1].
	Samples []float32

	// Source tags which device produced the samples.
	Source Source

	// SampleRate in Hz. All sources must be normalized to the pipeline's
	// configured rate by the adapter — no resampling happens downstream.
	SampleRate int

	// Timestamp is the capture-clock time of the first sample, relative to
	// stream start. Used for diagnostics only; window alignment is
	// positional (sample-count based).
	Timestamp time.Duration

	// Seq is a per-source monotonic sequence number assigned by the adapter.
	Seq uint64
}

// Duration returns the wall-clock span the chunk's samples cover.
func (c Chunk) Duration() time.Duration {
	if c.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(c.Samples)) * time.Second / time.Duration(c.SampleRate)
}

// AlignedWindow is a fixed-duration pairing of microphone and system samples
// covering the same span of stream time. One side may be silence-padded if
// its source had no data within the bounded wait; the corresponding Padded
// flag is then set. Windows are immutable once constructed and are emitted
// in strictly increasing Index order, exactly once each.
type AlignedWindow struct {
	// Index is the zero-based window number. Window i covers
	// [i*Duration, (i+1)*Duration) of stream time.
	Index uint64

	// Start is Index * Duration, the stream time of the first sample.
	Start time.Duration

	// Duration is the configured window length (50 ms by default).
	Duration time.Duration

	// SampleRate in Hz, shared by both channels.
	SampleRate int

	// Mic and System hold exactly Duration worth of samples each.
	Mic    []float32
	System []float32

	// MicPadded / SystemPadded report whether the respective side was
	// partially or fully filled with silence because its source stalled.
	MicPadded    bool
	SystemPadded bool
}

// MixedFrame is the adaptive mixer's output for one window: a single
// combined channel, gain-adjusted and clip-safe, with the same duration and
// position as the window it was mixed from.
type MixedFrame struct {
	Index      uint64
	Start      time.Duration
	Duration   time.Duration
	SampleRate int
	Samples    []float32
}

// SpeechSegment is a contiguous span of windows the voice activity gate
// classified as speech. Segments from one gate never overlap and are
// ordered by Start.
type SpeechSegment struct {
	// Start and End bound the segment in stream time.
	Start time.Duration
	End   time.Duration

	// SampleRate in Hz.
	SampleRate int

	// Samples is the concatenated gated audio covering [Start, End).
	Samples []float32
}

// Duration returns End - Start.
func (s SpeechSegment) Duration() time.Duration {
	return s.End - s.Start
}
