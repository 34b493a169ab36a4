package syncbuf

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/meetcap/pkg/audio"
)

// testConfig uses a low sample rate so window sizes stay small and exact:
// 50 ms at 1 kHz is 50 samples.
func testConfig() Config {
	return Config{
		SampleRate: 1000,
		Window:     50 * time.Millisecond,
		MaxWait:    30 * time.Millisecond,
		Capacity:   100 * time.Millisecond,
	}
}

func ramp(start, n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(start+i) / 1000
	}
	return out
}

func TestNew_InvalidConfig(t *testing.T) {
	t.Parallel()

	if _, err := New(Config{}); err == nil {
		t.Error("expected error for zero sample rate")
	}
	if _, err := New(Config{SampleRate: 1000, Window: 50 * time.Millisecond, Capacity: 10 * time.Millisecond}); err == nil {
		t.Error("expected error for capacity smaller than window")
	}
	if _, err := New(Config{
		SampleRate: 1000,
		Window:     50 * time.Millisecond,
		MaxWait:    200 * time.Millisecond,
		Capacity:   100 * time.Millisecond,
	}); err == nil {
		t.Error("expected error for capacity that cannot absorb the bounded wait")
	}
}

func TestPopAlignedWindow_BothSourcesFull(t *testing.T) {
	t.Parallel()

	b, err := New(testConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer b.Close()

	// Two chunks per source; arrival order must survive into the window.
	b.Ingest(audio.Chunk{Samples: ramp(0, 30), Source: audio.SourceMicrophone, SampleRate: 1000})
	b.Ingest(audio.Chunk{Samples: ramp(30, 20), Source: audio.SourceMicrophone, SampleRate: 1000})
	b.Ingest(audio.Chunk{Samples: ramp(500, 50), Source: audio.SourceSystem, SampleRate: 1000})

	w, err := b.PopAlignedWindow(context.Background())
	if err != nil {
		t.Fatalf("PopAlignedWindow: %v", err)
	}

	if w.Index != 0 {
		t.Errorf("Index = %d, want 0", w.Index)
	}
	if w.Start != 0 {
		t.Errorf("Start = %v, want 0", w.Start)
	}
	if len(w.Mic) != 50 || len(w.System) != 50 {
		t.Fatalf("window sides = %d/%d samples, want 50/50", len(w.Mic), len(w.System))
	}
	if w.MicPadded || w.SystemPadded {
		t.Errorf("padded flags = %v/%v, want false/false", w.MicPadded, w.SystemPadded)
	}
	for i, want := range ramp(0, 50) {
		if w.Mic[i] != want {
			t.Fatalf("Mic[%d] = %v, want %v (chunk order broken)", i, w.Mic[i], want)
		}
	}
}

func TestPopAlignedWindow_PadsLaggingSource(t *testing.T) {
	t.Parallel()

	b, err := New(testConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer b.Close()

	b.Ingest(audio.Chunk{Samples: ramp(0, 50), Source: audio.SourceMicrophone, SampleRate: 1000})

	start := time.Now()
	w, err := b.PopAlignedWindow(context.Background())
	if err != nil {
		t.Fatalf("PopAlignedWindow: %v", err)
	}

	if elapsed := time.Since(start); elapsed < 25*time.Millisecond {
		t.Errorf("window emitted after %v, want at least the bounded wait", elapsed)
	}
	if w.MicPadded {
		t.Error("mic side padded despite full backlog")
	}
	if !w.SystemPadded {
		t.Error("system side not marked padded")
	}
	for i, s := range w.System {
		if s != 0 {
			t.Fatalf("System[%d] = %v, want silence", i, s)
		}
	}

	stats := b.Stats()
	if stats.SystemStalls != 1 {
		t.Errorf("SystemStalls = %d, want 1", stats.SystemStalls)
	}
	if stats.MicStalls != 0 {
		t.Errorf("MicStalls = %d, want 0", stats.MicStalls)
	}
}

// TestPopAlignedWindow_SustainedStallKeepsLiveSource drives the production
// shape where MaxWait exceeds Window: one source dies while the other keeps
// delivering in real time. After the first bounded wait, windows must come
// out at window cadence so the live backlog drains as fast as it fills —
// every live sample has to reach a window, with no drops and no gaps.
func TestPopAlignedWindow_SustainedStallKeepsLiveSource(t *testing.T) {
	t.Parallel()

	b, err := New(Config{
		SampleRate: 1000,
		Window:     50 * time.Millisecond,
		MaxWait:    200 * time.Millisecond,
		Capacity:   300 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer b.Close()

	// 700 ms of mic ramp in 10 ms real-time chunks; the system side never
	// produces a sample. Ramp values are strictly positive so padding zeros
	// are distinguishable from payload.
	const total = 700
	go func() {
		for off := 0; off < total; off += 10 {
			b.Ingest(audio.Chunk{Samples: ramp(1+off, 10), Source: audio.SourceMicrophone, SampleRate: 1000})
			time.Sleep(10 * time.Millisecond)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var mic []float32
	for len(mic) < total {
		w, err := b.PopAlignedWindow(ctx)
		if err != nil {
			t.Fatalf("PopAlignedWindow after %d samples: %v", len(mic), err)
		}
		if !w.SystemPadded {
			t.Fatalf("window %d: system side not padded during stall", w.Index)
		}
		for _, s := range w.Mic {
			if s != 0 {
				mic = append(mic, s)
			}
		}
	}

	if got := b.Stats().MicDropped; got != 0 {
		t.Fatalf("MicDropped = %d, want 0: live audio lost during peer stall", got)
	}
	for i, want := range ramp(1, total) {
		if mic[i] != want {
			t.Fatalf("mic sample %d = %v, want %v: gap in live audio", i, mic[i], want)
		}
	}
}

func TestPopAlignedWindow_NoDataKeepsWaiting(t *testing.T) {
	t.Parallel()

	b, err := New(testConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer b.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 80*time.Millisecond)
	defer cancel()

	// No data at all: the bounded wait must not produce an all-silence
	// window; the call waits until the context gives up.
	if _, err := b.PopAlignedWindow(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("PopAlignedWindow error = %v, want deadline exceeded", err)
	}
	if got := b.Stats().WindowsEmitted; got != 0 {
		t.Errorf("WindowsEmitted = %d, want 0", got)
	}
}

func TestIngest_OverflowDropsExactlyOldest(t *testing.T) {
	t.Parallel()

	b, err := New(testConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer b.Close()

	// Capacity is 100 samples; 150 arrive, so exactly the 50 oldest go.
	b.Ingest(audio.Chunk{Samples: ramp(0, 150), Source: audio.SourceMicrophone, SampleRate: 1000})
	b.Ingest(audio.Chunk{Samples: ramp(500, 50), Source: audio.SourceSystem, SampleRate: 1000})

	stats := b.Stats()
	if stats.MicDropped != 50 {
		t.Errorf("MicDropped = %d, want 50", stats.MicDropped)
	}
	if stats.MicOccupancy != 100*time.Millisecond {
		t.Errorf("MicOccupancy = %v, want 100ms", stats.MicOccupancy)
	}

	w, err := b.PopAlignedWindow(context.Background())
	if err != nil {
		t.Fatalf("PopAlignedWindow: %v", err)
	}
	// The retained backlog must start at the 51st ingested sample.
	if want := ramp(50, 50); w.Mic[0] != want[0] || w.Mic[49] != want[49] {
		t.Errorf("Mic window = [%v..%v], want [%v..%v]", w.Mic[0], w.Mic[49], want[0], want[49])
	}
}

func TestIngest_RateMismatchRejected(t *testing.T) {
	t.Parallel()

	b, err := New(testConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer b.Close()

	b.Ingest(audio.Chunk{Samples: ramp(0, 50), Source: audio.SourceMicrophone, SampleRate: 44100})

	stats := b.Stats()
	if stats.RateMismatches != 1 {
		t.Errorf("RateMismatches = %d, want 1", stats.RateMismatches)
	}
	if stats.MicDropped != 50 {
		t.Errorf("MicDropped = %d, want 50", stats.MicDropped)
	}
	if stats.MicOccupancy != 0 {
		t.Errorf("MicOccupancy = %v, want 0", stats.MicOccupancy)
	}
}

func TestPopAlignedWindow_StrictOrder(t *testing.T) {
	t.Parallel()

	b, err := New(testConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer b.Close()

	for i := 0; i < 2; i++ {
		b.Ingest(audio.Chunk{Samples: ramp(0, 50), Source: audio.SourceMicrophone, SampleRate: 1000})
		b.Ingest(audio.Chunk{Samples: ramp(0, 50), Source: audio.SourceSystem, SampleRate: 1000})
	}

	for i := 0; i < 2; i++ {
		w, err := b.PopAlignedWindow(context.Background())
		if err != nil {
			t.Fatalf("PopAlignedWindow %d: %v", i, err)
		}
		if w.Index != uint64(i) {
			t.Errorf("window %d: Index = %d", i, w.Index)
		}
		if want := time.Duration(i) * 50 * time.Millisecond; w.Start != want {
			t.Errorf("window %d: Start = %v, want %v", i, w.Start, want)
		}
	}
	if got := b.Stats().WindowsEmitted; got != 2 {
		t.Errorf("WindowsEmitted = %d, want 2", got)
	}
}

func TestClose_ReleasesWaiterAndAccountsLeftovers(t *testing.T) {
	t.Parallel()

	b, err := New(testConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	// Sub-window leftover that can never form a full window on its own.
	b.Ingest(audio.Chunk{Samples: ramp(0, 10), Source: audio.SourceMicrophone, SampleRate: 1000})

	popErr := make(chan error, 1)
	go func() {
		// Long MaxWait is irrelevant here; Close must release the waiter.
		_, err := b.PopAlignedWindow(context.Background())
		popErr <- err
	}()

	time.Sleep(10 * time.Millisecond)
	b.Close()

	select {
	case err := <-popErr:
		if !errors.Is(err, ErrClosed) && err != nil {
			// The waiter may also legitimately emit the padded window first
			// if MaxWait elapsed; only an unexpected error is a failure.
			t.Errorf("PopAlignedWindow after Close: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("PopAlignedWindow not released by Close")
	}

	stats := b.Stats()
	if stats.MicDropped == 0 && stats.WindowsEmitted == 0 {
		t.Error("leftover samples neither emitted nor accounted as dropped")
	}

	// Idempotent.
	b.Close()
	if _, err := b.PopAlignedWindow(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("PopAlignedWindow after Close = %v, want ErrClosed", err)
	}
}

func TestIngest_AfterCloseIsNoOp(t *testing.T) {
	t.Parallel()

	b, err := New(testConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	b.Close()

	b.Ingest(audio.Chunk{Samples: ramp(0, 50), Source: audio.SourceMicrophone, SampleRate: 1000})
	if got := b.Stats().MicOccupancy; got != 0 {
		t.Errorf("MicOccupancy after closed ingest = %v, want 0", got)
	}
}
