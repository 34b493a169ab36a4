// Package audio defines the core types and contracts for the meetcap
// capture-to-sink pipeline.
//
// The flow is:
//
//	CaptureSource (mic)  ─┐
//	                      ├─→ syncbuf.Buffer ─→ AlignedWindow ─→ {mixer, vad}
//	CaptureSource (system)┘
//
// Capture adapters deliver [Chunk] values from their device callback; the
// synchronizing buffer assembles [AlignedWindow] values; the adaptive mixer
// produces [MixedFrame] values for the recording sink and the voice
// activity gate produces [SpeechSegment] values for the transcription sink.
//
// Adapter implementations live outside this package (internal/capture
// provides miniaudio-backed devices); this package only fixes the contract.
package audio

import "context"

// CaptureSource is a single normalized audio input (one device).
//
// Implementations wrap an OS audio callback. The deliver function passed to
// Start is non-blocking and safe to call from a real-time callback context;
// adapters must never buffer or delay around it themselves — backpressure is
// the synchronizing buffer's job.
type CaptureSource interface {
	// Start begins capture and invokes deliver for every chunk until the
	// context is cancelled or Close is called. Start does not block; it
	// returns an error only if the device cannot begin capturing.
	Start(ctx context.Context, deliver func(Chunk)) error

	// Close stops capture and releases the device. Safe to call more than
	// once; subsequent calls are no-ops and return nil.
	Close() error
}
