package config

import (
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied. It is a convenience wrapper around
// [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults, and
// validates the result. Useful in tests where configs are constructed from
// string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a config with every default applied, suitable for running
// without a config file.
func Default() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults fills unset fields with their documented defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Audio.SampleRate == 0 {
		cfg.Audio.SampleRate = 48000
	}
	if cfg.Audio.WindowMs == 0 {
		cfg.Audio.WindowMs = 50
	}
	if cfg.Audio.MaxWaitMs == 0 {
		cfg.Audio.MaxWaitMs = 200
	}
	if cfg.Audio.BufferCapacityMs == 0 {
		cfg.Audio.BufferCapacityMs = cfg.Audio.MaxWaitMs + 2*cfg.Audio.WindowMs
	}
	if cfg.Mixer.MaxAttenuationDB == 0 {
		cfg.Mixer.MaxAttenuationDB = -12
	}
	if cfg.Mixer.ThresholdRMS == 0 {
		cfg.Mixer.ThresholdRMS = 0.01
	}
	if cfg.Mixer.KneeRMS == 0 {
		cfg.Mixer.KneeRMS = 0.08
	}
	if cfg.Mixer.AttackMs == 0 {
		cfg.Mixer.AttackMs = 40
	}
	if cfg.Mixer.ReleaseMs == 0 {
		cfg.Mixer.ReleaseMs = 250
	}
	if cfg.VAD.SubFrameMs == 0 {
		cfg.VAD.SubFrameMs = 20
	}
	if cfg.VAD.StartFrames == 0 {
		cfg.VAD.StartFrames = 3
	}
	if cfg.VAD.StopFrames == 0 {
		cfg.VAD.StopFrames = 12
	}
	if cfg.VAD.StartRMS == 0 {
		cfg.VAD.StartRMS = 0.015
	}
	if cfg.VAD.StopRMS == 0 {
		cfg.VAD.StopRMS = 0.008
	}
	if cfg.VAD.MaxZeroCrossRate == 0 {
		cfg.VAD.MaxZeroCrossRate = 0.35
	}
	if cfg.Recording.Dir == "" {
		cfg.Recording.Dir = "recordings"
	}
	if cfg.Recording.ChannelBuffer == 0 {
		cfg.Recording.ChannelBuffer = 64
	}
	if cfg.Recording.WriteTimeoutMs == 0 {
		cfg.Recording.WriteTimeoutMs = 5000
	}
	if cfg.Transcription.Language == "" {
		cfg.Transcription.Language = "en"
	}
	if cfg.Transcription.ChannelBuffer == 0 {
		cfg.Transcription.ChannelBuffer = 32
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Audio
	if cfg.Audio.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("audio.sample_rate %d must be positive", cfg.Audio.SampleRate))
	}
	if cfg.Audio.WindowMs <= 0 {
		errs = append(errs, fmt.Errorf("audio.window_ms %d must be positive", cfg.Audio.WindowMs))
	}
	if cfg.Audio.MaxWaitMs <= 0 {
		errs = append(errs, fmt.Errorf("audio.max_wait_ms %d must be positive", cfg.Audio.MaxWaitMs))
	}
	if cfg.Audio.BufferCapacityMs < cfg.Audio.MaxWaitMs+cfg.Audio.WindowMs {
		errs = append(errs, fmt.Errorf("audio.buffer_capacity_ms %d must be at least audio.max_wait_ms %d + audio.window_ms %d, or a stalled source overflows the live one", cfg.Audio.BufferCapacityMs, cfg.Audio.MaxWaitMs, cfg.Audio.WindowMs))
	}

	// Mixer
	if cfg.Mixer.MaxAttenuationDB >= 0 {
		errs = append(errs, fmt.Errorf("mixer.max_attenuation_db %.1f must be negative", cfg.Mixer.MaxAttenuationDB))
	}
	if cfg.Mixer.AttackMs < 0 || cfg.Mixer.ReleaseMs < 0 {
		errs = append(errs, errors.New("mixer.attack_ms and mixer.release_ms must not be negative"))
	}

	// VAD
	if cfg.VAD.SubFrameMs <= 0 {
		errs = append(errs, fmt.Errorf("vad.sub_frame_ms %d must be positive", cfg.VAD.SubFrameMs))
	}
	if cfg.VAD.StartFrames < 1 || cfg.VAD.StopFrames < 1 {
		errs = append(errs, fmt.Errorf("vad.start_frames %d and vad.stop_frames %d must be at least 1", cfg.VAD.StartFrames, cfg.VAD.StopFrames))
	}
	if cfg.VAD.StopRMS > cfg.VAD.StartRMS {
		errs = append(errs, fmt.Errorf("vad.stop_rms %.4f exceeds vad.start_rms %.4f", cfg.VAD.StopRMS, cfg.VAD.StartRMS))
	}

	// Fan-out paths
	if cfg.Recording.ChannelBuffer < 1 {
		errs = append(errs, fmt.Errorf("recording.channel_buffer %d must be at least 1", cfg.Recording.ChannelBuffer))
	}
	if cfg.Recording.WriteTimeoutMs <= 0 {
		errs = append(errs, fmt.Errorf("recording.write_timeout_ms %d must be positive", cfg.Recording.WriteTimeoutMs))
	}
	if cfg.Transcription.ChannelBuffer < 1 {
		errs = append(errs, fmt.Errorf("transcription.channel_buffer %d must be at least 1", cfg.Transcription.ChannelBuffer))
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}
