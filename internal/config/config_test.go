package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadFromReader_EmptyUsesDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := LoadFromReader(strings.NewReader(""))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}

	if cfg.Server.LogLevel != LogInfo {
		t.Errorf("LogLevel = %q, want %q", cfg.Server.LogLevel, LogInfo)
	}
	if cfg.Audio.SampleRate != 48000 {
		t.Errorf("SampleRate = %d, want 48000", cfg.Audio.SampleRate)
	}
	if cfg.Audio.Window() != 50*time.Millisecond {
		t.Errorf("Window = %v, want 50ms", cfg.Audio.Window())
	}
	if cfg.Audio.BufferCapacity() != 300*time.Millisecond {
		t.Errorf("BufferCapacity = %v, want max wait + 2x window", cfg.Audio.BufferCapacity())
	}
	if cfg.Mixer.MaxAttenuationDB != -12 {
		t.Errorf("MaxAttenuationDB = %v, want -12", cfg.Mixer.MaxAttenuationDB)
	}
	if cfg.VAD.StopFrames != 12 {
		t.Errorf("StopFrames = %d, want 12", cfg.VAD.StopFrames)
	}
	if cfg.Recording.Dir != "recordings" {
		t.Errorf("Recording.Dir = %q, want %q", cfg.Recording.Dir, "recordings")
	}
	if cfg.Transcription.Language != "en" {
		t.Errorf("Language = %q, want %q", cfg.Transcription.Language, "en")
	}
}

func TestLoadFromReader_OverridesDefaults(t *testing.T) {
	t.Parallel()

	yml := `
server:
  log_level: debug
audio:
  sample_rate: 16000
  window_ms: 100
mixer:
  max_attenuation_db: -6
recording:
  dir: /tmp/rec
`
	cfg, err := LoadFromReader(strings.NewReader(yml))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}

	if cfg.Server.LogLevel != LogDebug {
		t.Errorf("LogLevel = %q, want %q", cfg.Server.LogLevel, LogDebug)
	}
	if cfg.Audio.SampleRate != 16000 {
		t.Errorf("SampleRate = %d, want 16000", cfg.Audio.SampleRate)
	}
	if cfg.Audio.Window() != 100*time.Millisecond {
		t.Errorf("Window = %v, want 100ms", cfg.Audio.Window())
	}
	// Unset fields still get defaults, including ones derived from
	// overridden values.
	if cfg.Audio.BufferCapacity() != 400*time.Millisecond {
		t.Errorf("BufferCapacity = %v, want default max wait + 2x overridden window", cfg.Audio.BufferCapacity())
	}
	if cfg.Mixer.MaxAttenuationDB != -6 {
		t.Errorf("MaxAttenuationDB = %v, want -6", cfg.Mixer.MaxAttenuationDB)
	}
	if cfg.Recording.Dir != "/tmp/rec" {
		t.Errorf("Recording.Dir = %q, want /tmp/rec", cfg.Recording.Dir)
	}
}

func TestLoadFromReader_UnknownFieldRejected(t *testing.T) {
	t.Parallel()

	yml := `
audio:
  sample_rate: 48000
  frame_size: 960
`
	if _, err := LoadFromReader(strings.NewReader(yml)); err == nil {
		t.Fatal("expected error for unknown field, got nil")
	}
}

func TestValidate_CollectsAllErrors(t *testing.T) {
	t.Parallel()

	cfg := Default()
	cfg.Server.LogLevel = "verbose"
	cfg.Mixer.MaxAttenuationDB = 3
	cfg.VAD.StopRMS = 0.5
	cfg.Recording.ChannelBuffer = 0

	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected validation error, got nil")
	}
	for _, want := range []string{
		"server.log_level",
		"mixer.max_attenuation_db",
		"vad.stop_rms",
		"recording.channel_buffer",
	} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %s", err.Error(), want)
		}
	}
}

func TestValidate_BufferCapacityBelowStallBound(t *testing.T) {
	t.Parallel()

	cfg := Default()
	cfg.Audio.BufferCapacityMs = 200 // below max_wait (200) + window (50)

	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for capacity below max wait + window")
	}
	if !strings.Contains(Validate(cfg).Error(), "audio.buffer_capacity_ms") {
		t.Error("error does not mention audio.buffer_capacity_ms")
	}

	cfg.Audio.BufferCapacityMs = 250 // exactly the bound
	if err := Validate(cfg); err != nil {
		t.Errorf("Validate at the exact bound: %v", err)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	t.Parallel()

	if _, err := Load("does-not-exist.yaml"); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLogLevel_IsValid(t *testing.T) {
	t.Parallel()

	for _, l := range []LogLevel{LogDebug, LogInfo, LogWarn, LogError} {
		if !l.IsValid() {
			t.Errorf("%q reported invalid", l)
		}
	}
	if LogLevel("trace").IsValid() {
		t.Error("unknown level reported valid")
	}
}
