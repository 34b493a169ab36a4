// This file contains the whisper transcription sink backed by the
// whisper.cpp CGO bindings. The whisper.cpp static library (libwhisper.a)
// and headers (whisper.h) must be available at link time via LIBRARY_PATH
// and C_INCLUDE_PATH environment variables.

package sink

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"

	"github.com/MrWong99/meetcap/pkg/audio"
)

// whisperRate is the sample rate whisper.cpp models expect.
const whisperRate = 16000

// Transcript is one transcribed speech segment.
type Transcript struct {
	Text  string
	Start time.Duration
	End   time.Duration
}

// WhisperConfig configures the transcription sink.
type WhisperConfig struct {
	// ModelPath is the ggml model file to load.
	ModelPath string

	// Language is the BCP-47 language code. Default: "en".
	Language string

	// Handle receives each transcript. Called from the sink goroutine;
	// must not block for long or segments back up and get dropped by the
	// pipeline. When nil, transcripts are logged.
	Handle func(Transcript)
}

// WhisperTranscriber runs whisper.cpp inference over speech segments. The
// model is loaded once; each inference uses a fresh context because
// contexts are not thread-safe.
type WhisperTranscriber struct {
	cfg   WhisperConfig
	model whisperlib.Model
}

// NewWhisperTranscriber loads the whisper model from cfg.ModelPath.
func NewWhisperTranscriber(cfg WhisperConfig) (*WhisperTranscriber, error) {
	if cfg.ModelPath == "" {
		return nil, errors.New("sink: whisper model path must not be empty")
	}
	if cfg.Language == "" {
		cfg.Language = "en"
	}
	model, err := whisperlib.New(cfg.ModelPath)
	if err != nil {
		return nil, fmt.Errorf("sink: load whisper model %q: %w", cfg.ModelPath, err)
	}
	return &WhisperTranscriber{cfg: cfg, model: model}, nil
}

// Run consumes segments until the channel is closed or ctx is cancelled.
// Inference failures are logged and skipped; the session keeps going.
func (t *WhisperTranscriber) Run(ctx context.Context, segments <-chan audio.SpeechSegment) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case seg, ok := <-segments:
			if !ok {
				return nil
			}
			text, err := t.infer(seg)
			if err != nil {
				slog.Error("whisper inference failed",
					"start", seg.Start, "duration", seg.Duration(), "error", err)
				continue
			}
			if text == "" {
				continue
			}
			tr := Transcript{Text: text, Start: seg.Start, End: seg.End}
			if t.cfg.Handle != nil {
				t.cfg.Handle(tr)
			} else {
				slog.Info("transcript", "start", tr.Start, "end", tr.End, "text", tr.Text)
			}
		}
	}
}

// infer resamples the segment to the whisper rate and runs inference on a
// fresh context.
func (t *WhisperTranscriber) infer(seg audio.SpeechSegment) (string, error) {
	samples := resampleLinear(seg.Samples, seg.SampleRate, whisperRate)

	wctx, err := t.model.NewContext()
	if err != nil {
		return "", fmt.Errorf("create whisper context: %w", err)
	}
	if err := wctx.SetLanguage(t.cfg.Language); err != nil {
		slog.Warn("whisper: failed to set language, using default",
			"language", t.cfg.Language, "error", err)
	}
	if err := wctx.Process(samples, nil, nil, nil); err != nil {
		return "", fmt.Errorf("process segment: %w", err)
	}

	var parts []string
	for {
		segment, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("read segment: %w", err)
		}
		text := strings.TrimSpace(segment.Text)
		if text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, " "), nil
}

// Close releases the whisper model.
func (t *WhisperTranscriber) Close() error {
	if t.model != nil {
		return t.model.Close()
	}
	return nil
}

// resampleLinear converts mono samples between rates with linear
// interpolation. Good enough for speech recognition input; not suitable for
// the recording path.
func resampleLinear(in []float32, fromRate, toRate int) []float32 {
	if fromRate == toRate || len(in) == 0 {
		return in
	}
	ratio := float64(fromRate) / float64(toRate)
	n := int(float64(len(in)) / ratio)
	out := make([]float32, n)
	for i := range out {
		pos := float64(i) * ratio
		j := int(pos)
		if j >= len(in)-1 {
			out[i] = in[len(in)-1]
			continue
		}
		frac := float32(pos - float64(j))
		out[i] = in[j]*(1-frac) + in[j+1]*frac
	}
	return out
}
