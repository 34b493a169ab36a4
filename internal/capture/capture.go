// Package capture provides the platform capture adapters behind
// [audio.CaptureSource]: real devices via miniaudio (malgo) and a synthetic
// source for tests and demo runs.
//
// Devices always open mono signed-16-bit at the pipeline sample rate;
// miniaudio performs channel downmix and resampling so the rest of the
// pipeline only ever sees mono float32 at one rate.
package capture

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gen2brain/malgo"

	"github.com/MrWong99/meetcap/pkg/audio"
)

// DeviceInfo identifies one platform audio device.
type DeviceInfo struct {
	// ID is an opaque platform identifier, hex-encoded. Empty selects the
	// platform default device.
	ID   string
	Name string
	// Playback marks render-side devices, which are what loopback capture
	// taps into.
	Playback bool
}

// Context owns the miniaudio backend context. One Context serves any number
// of devices; Close only after all of them are closed.
type Context struct {
	ctx *malgo.AllocatedContext
}

// NewContext initialises the miniaudio backend.
func NewContext() (*Context, error) {
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(msg string) {
		slog.Debug("miniaudio", "msg", msg)
	})
	if err != nil {
		return nil, fmt.Errorf("capture: init context: %w", err)
	}
	return &Context{ctx: ctx}, nil
}

// Devices lists capture and playback devices. Playback devices are included
// because loopback capture is opened against them.
func (c *Context) Devices() ([]DeviceInfo, error) {
	var result []DeviceInfo
	for _, kind := range []malgo.DeviceType{malgo.Capture, malgo.Playback} {
		devices, err := c.ctx.Devices(kind)
		if err != nil {
			return nil, fmt.Errorf("capture: list devices: %w", err)
		}
		for _, d := range devices {
			result = append(result, DeviceInfo{
				ID:       hex.EncodeToString(d.ID[:]),
				Name:     d.Name(),
				Playback: kind == malgo.Playback,
			})
		}
	}
	return result, nil
}

// Close tears down the backend context.
func (c *Context) Close() error {
	if err := c.ctx.Uninit(); err != nil {
		return fmt.Errorf("capture: uninit context: %w", err)
	}
	c.ctx.Free()
	return nil
}

// DeviceConfig configures one capture device.
type DeviceConfig struct {
	// SampleRate is the rate chunks are delivered at.
	SampleRate int

	// DeviceID selects a specific device by its hex ID. Empty uses the
	// platform default.
	DeviceID string

	// Loopback opens the device as a system-output tap instead of a
	// microphone. Supported natively on WASAPI; on PulseAudio/PipeWire
	// select the monitor source by DeviceID instead.
	Loopback bool
}

// Device captures one stream from a platform device. It implements
// [audio.CaptureSource].
type Device struct {
	c   *Context
	cfg DeviceConfig

	mu      sync.Mutex
	dev     *malgo.Device
	closed  bool
	seq     uint64
	samples uint64
}

var _ audio.CaptureSource = (*Device)(nil)

// NewDevice prepares a capture device. The platform device is not opened
// until Start.
func NewDevice(c *Context, cfg DeviceConfig) *Device {
	return &Device{c: c, cfg: cfg}
}

// Start opens the device and begins delivering chunks. The deliver callback
// runs on miniaudio's realtime thread and must not block; the pipeline's
// ingest path satisfies that.
func (d *Device) Start(_ context.Context, deliver func(audio.Chunk)) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return fmt.Errorf("capture: device already closed")
	}
	if d.dev != nil {
		return fmt.Errorf("capture: device already started")
	}

	kind := malgo.Capture
	if d.cfg.Loopback {
		kind = malgo.Loopback
	}
	deviceConfig := malgo.DefaultDeviceConfig(kind)
	deviceConfig.Capture.Format = malgo.FormatS16
	deviceConfig.Capture.Channels = 1
	deviceConfig.SampleRate = uint32(d.cfg.SampleRate)

	if d.cfg.DeviceID != "" {
		idBytes, err := hex.DecodeString(d.cfg.DeviceID)
		if err != nil {
			return fmt.Errorf("capture: invalid device ID %q: %w", d.cfg.DeviceID, err)
		}
		var devID malgo.DeviceID
		copy(devID[:], idBytes)
		deviceConfig.Capture.DeviceID = devID.Pointer()
	}

	callbacks := malgo.DeviceCallbacks{
		Data: func(_, data []byte, frameCount uint32) {
			d.onData(data, frameCount, deliver)
		},
	}

	dev, err := malgo.InitDevice(d.c.ctx.Context, deviceConfig, callbacks)
	if err != nil {
		return fmt.Errorf("capture: init device: %w", err)
	}
	if err := dev.Start(); err != nil {
		dev.Uninit()
		return fmt.Errorf("capture: start device: %w", err)
	}
	d.dev = dev
	return nil
}

// onData converts one miniaudio delivery (mono S16LE) into a chunk. Stream
// position is tracked in samples so timestamps stay exact across deliveries
// of varying size.
func (d *Device) onData(data []byte, frameCount uint32, deliver func(audio.Chunk)) {
	n := int(frameCount)
	if len(data) < n*2 {
		n = len(data) / 2
	}
	samples := make([]float32, n)
	for i := 0; i < n; i++ {
		s := int16(binary.LittleEndian.Uint16(data[i*2:]))
		samples[i] = float32(s) / 32768
	}

	d.mu.Lock()
	seq := d.seq
	pos := d.samples
	d.seq++
	d.samples += uint64(n)
	d.mu.Unlock()

	deliver(audio.Chunk{
		Samples:    samples,
		SampleRate: d.cfg.SampleRate,
		Timestamp:  time.Duration(pos) * time.Second / time.Duration(d.cfg.SampleRate),
		Seq:        seq,
	})
}

// Close stops the device and releases it. Idempotent.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	if d.dev != nil {
		_ = d.dev.Stop()
		d.dev.Uninit()
		d.dev = nil
	}
	return nil
}
