// Package sink contains the two pipeline consumers: the FLAC recorder on
// the frames path and the whisper transcriber on the segments path. Each
// sink runs its own goroutine and reads from its outlet channel until the
// pipeline closes it.
package sink

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/mewkiz/flac"
	"github.com/mewkiz/flac/frame"
	"github.com/mewkiz/flac/meta"

	"github.com/MrWong99/meetcap/pkg/audio"
)

// FLACConfig configures the recording sink.
type FLACConfig struct {
	// Dir is the directory recordings are written to. Created if missing.
	Dir string

	// SampleRate of the incoming mixed frames.
	SampleRate int
}

// FLACRecorder encodes mixed frames to a FLAC file, one encoder frame per
// pipeline window. Mono, 16-bit.
type FLACRecorder struct {
	cfg  FLACConfig
	path string

	mu      sync.Mutex
	file    *os.File
	enc     *flac.Encoder
	written uint64
	closed  bool
}

// NewFLACRecorder creates the output file and FLAC encoder. The file is
// named after the session start time.
func NewFLACRecorder(cfg FLACConfig) (*FLACRecorder, error) {
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("sink: create recording dir: %w", err)
	}
	path := filepath.Join(cfg.Dir, "recording-"+time.Now().Format("20060102-150405")+".flac")
	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("sink: create recording file: %w", err)
	}

	info := &meta.StreamInfo{
		BlockSizeMin:  16,
		BlockSizeMax:  65535,
		SampleRate:    uint32(cfg.SampleRate),
		NChannels:     1,
		BitsPerSample: 16,
	}
	enc, err := flac.NewEncoder(file, info)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("sink: create flac encoder: %w", err)
	}
	enc.EnablePredictionAnalysis(true)

	return &FLACRecorder{cfg: cfg, path: path, file: file, enc: enc}, nil
}

// Path returns the output file path.
func (r *FLACRecorder) Path() string { return r.path }

// SamplesWritten returns the number of samples encoded so far.
func (r *FLACRecorder) SamplesWritten() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.written
}

// Run consumes frames until the channel is closed or ctx is cancelled, then
// finalises the file. A write error aborts the run; the pipeline then
// declares the recording consumer disconnected via its write timeout.
func (r *FLACRecorder) Run(ctx context.Context, frames <-chan audio.MixedFrame) error {
	defer func() {
		if err := r.Close(); err != nil {
			slog.Error("sink: finalise recording", "path", r.path, "error", err)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case f, ok := <-frames:
			if !ok {
				return nil
			}
			if err := r.writeFrame(f); err != nil {
				return fmt.Errorf("sink: write frame %d: %w", f.Index, err)
			}
		}
	}
}

func (r *FLACRecorder) writeFrame(f audio.MixedFrame) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return fmt.Errorf("recorder closed")
	}

	samples := make([]int32, len(f.Samples))
	for i, s := range f.Samples {
		v := int32(s * 32767)
		if v > 32767 {
			v = 32767
		} else if v < -32768 {
			v = -32768
		}
		samples[i] = v
	}

	subframe := &frame.Subframe{
		SubHeader: frame.SubHeader{Pred: frame.PredVerbatim},
		Samples:   samples,
		NSamples:  len(samples),
	}
	ff := &frame.Frame{
		Header: frame.Header{
			BlockSize:     uint16(len(samples)),
			SampleRate:    uint32(r.cfg.SampleRate),
			Channels:      frame.ChannelsMono,
			BitsPerSample: 16,
		},
		Subframes: []*frame.Subframe{subframe},
	}
	if err := r.enc.WriteFrame(ff); err != nil {
		return err
	}
	r.written += uint64(len(samples))
	return nil
}

// Close finalises the encoder and the file. Idempotent.
func (r *FLACRecorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true

	encErr := r.enc.Close()
	fileErr := r.file.Close()
	if encErr != nil {
		return fmt.Errorf("sink: close flac encoder: %w", encErr)
	}
	if fileErr != nil {
		return fmt.Errorf("sink: close recording file: %w", fileErr)
	}
	slog.Info("recording finalised", "path", r.path, "samples", r.written)
	return nil
}
