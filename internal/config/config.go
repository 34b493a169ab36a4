// Package config provides the configuration schema, loader, and validation
// for the meetcap capture pipeline.
package config

import "time"

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration structure for meetcap.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Audio         AudioConfig         `yaml:"audio"`
	Mixer         MixerConfig         `yaml:"mixer"`
	VAD           VADConfig           `yaml:"vad"`
	Recording     RecordingConfig     `yaml:"recording"`
	Transcription TranscriptionConfig `yaml:"transcription"`
}

// ServerConfig holds process-level settings.
type ServerConfig struct {
	// LogLevel is one of debug, info, warn, error. Default: info.
	LogLevel LogLevel `yaml:"log_level"`

	// MetricsAddr is the listen address for the Prometheus /metrics
	// endpoint. Empty disables the endpoint.
	MetricsAddr string `yaml:"metrics_addr"`
}

// AudioConfig holds the synchronizing-buffer and capture parameters.
type AudioConfig struct {
	// SampleRate is the common pipeline rate in Hz. Capture adapters must
	// deliver at this rate; the pipeline never resamples. Default: 48000.
	SampleRate int `yaml:"sample_rate"`

	// WindowMs is the aligned-window duration. Default: 50.
	WindowMs int `yaml:"window_ms"`

	// MaxWaitMs bounds the wait for a lagging source before its side of a
	// window is silence-padded. Default: 200.
	MaxWaitMs int `yaml:"max_wait_ms"`

	// BufferCapacityMs caps each source's unread backlog; older samples are
	// evicted. Must be at least max_wait + window so one source stalling
	// cannot overflow the other. Default: max_wait + 2× window.
	BufferCapacityMs int `yaml:"buffer_capacity_ms"`

	// MicDevice / SystemDevice select capture devices by the IDs printed
	// by `meetcap -list-devices`. Empty selects the platform default.
	MicDevice    string `yaml:"mic_device"`
	SystemDevice string `yaml:"system_device"`
}

// MixerConfig holds the ducking parameters.
type MixerConfig struct {
	// MaxAttenuationDB bounds the system-channel cut while the microphone
	// is active. Must be negative. Default: -12.
	MaxAttenuationDB float64 `yaml:"max_attenuation_db"`

	// ThresholdRMS is the microphone energy above which ducking engages.
	ThresholdRMS float64 `yaml:"threshold_rms"`

	// KneeRMS is the energy span over which the gain ramps to full
	// attenuation.
	KneeRMS float64 `yaml:"knee_rms"`

	// AttackMs / ReleaseMs are the gain envelope time constants.
	AttackMs  int `yaml:"attack_ms"`
	ReleaseMs int `yaml:"release_ms"`
}

// VADConfig holds the voice activity gate parameters.
type VADConfig struct {
	// SubFrameMs is the classification granularity. Default: 20.
	SubFrameMs int `yaml:"sub_frame_ms"`

	// StartFrames / StopFrames are the hysteresis counts: consecutive
	// speech sub-frames to open a segment, consecutive silence sub-frames
	// to close one.
	StartFrames int `yaml:"start_frames"`
	StopFrames  int `yaml:"stop_frames"`

	// StartRMS / StopRMS are the energy thresholds. StopRMS must not
	// exceed StartRMS.
	StartRMS float64 `yaml:"start_rms"`
	StopRMS  float64 `yaml:"stop_rms"`

	// MaxZeroCrossRate rejects high-ZCR noise sub-frames.
	MaxZeroCrossRate float64 `yaml:"max_zero_cross_rate"`
}

// RecordingConfig holds the recording fan-out path settings.
type RecordingConfig struct {
	// Dir is where finished recordings are written.
	Dir string `yaml:"dir"`

	// ChannelBuffer is the recording outlet depth in frames. Default: 64.
	ChannelBuffer int `yaml:"channel_buffer"`

	// WriteTimeoutMs is how long the pipeline blocks on a full recording
	// outlet before declaring the consumer disconnected. The recording
	// path never drops frames short of that. Default: 5000.
	WriteTimeoutMs int `yaml:"write_timeout_ms"`
}

// TranscriptionConfig holds the transcription fan-out path settings.
type TranscriptionConfig struct {
	// ModelPath points at the whisper.cpp model file. Empty disables the
	// built-in transcriber (the Segments outlet is still served).
	ModelPath string `yaml:"model_path"`

	// Language is the BCP-47 transcription language. Default: "en".
	Language string `yaml:"language"`

	// ChannelBuffer is the transcription outlet depth in segments; the
	// oldest segment is dropped when it overflows. Default: 32.
	ChannelBuffer int `yaml:"channel_buffer"`
}

// Window returns the aligned-window duration.
func (a AudioConfig) Window() time.Duration {
	return time.Duration(a.WindowMs) * time.Millisecond
}

// MaxWait returns the bounded source wait.
func (a AudioConfig) MaxWait() time.Duration {
	return time.Duration(a.MaxWaitMs) * time.Millisecond
}

// BufferCapacity returns the per-source backlog cap.
func (a AudioConfig) BufferCapacity() time.Duration {
	return time.Duration(a.BufferCapacityMs) * time.Millisecond
}
