//go:build !linux

package audio

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/gen2brain/malgo"
)

var errDeviceStopped = errors.New("capture device stopped unexpectedly")

type malgoCapture struct {
	config CaptureConfig
	ctx    *malgo.AllocatedContext
	device *malgo.Device

	mu      sync.Mutex
	closing bool
	once    sync.Once
	done    chan struct{}
	err     error
}

// NewDeviceCapture opens the platform capture backend.
func NewDeviceCapture(config CaptureConfig) (CaptureDevice, error) {
	if config.SampleRate <= 0 {
		config.SampleRate = 48000
	}
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, fmt.Errorf("malgo: %w", err)
	}
	return &malgoCapture{config: config, ctx: ctx, done: make(chan struct{})}, nil
}

func (c *malgoCapture) SampleRate() int { return c.config.SampleRate }

func (c *malgoCapture) Done() <-chan struct{} { return c.done }

func (c *malgoCapture) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *malgoCapture) Start(cb SampleCallback) error {
	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.Capture.Format = malgo.FormatF32
	deviceConfig.Capture.Channels = Channels
	deviceConfig.SampleRate = uint32(c.config.SampleRate)

	if c.config.DeviceID != "" {
		idBytes, err := hex.DecodeString(c.config.DeviceID)
		if err != nil {
			return fmt.Errorf("invalid device ID: %w", err)
		}
		var devID malgo.DeviceID
		copy(devID[:], idBytes)
		deviceConfig.Capture.DeviceID = devID.Pointer()
	}

	callbacks := malgo.DeviceCallbacks{
		Data: func(_, in []byte, frameCount uint32) {
			n := int(frameCount)
			if len(in) < n*4 {
				n = len(in) / 4
			}
			samples := make([]float32, n)
			for i := range samples {
				samples[i] = math.Float32frombits(binary.LittleEndian.Uint32(in[i*4:]))
			}
			cb(samples)
		},
		Stop: func() {
			c.mu.Lock()
			unexpected := !c.closing
			if unexpected {
				c.err = errDeviceStopped
			}
			c.mu.Unlock()
			if unexpected {
				c.once.Do(func() { close(c.done) })
			}
		},
	}

	dev, err := malgo.InitDevice(c.ctx.Context, deviceConfig, callbacks)
	if err != nil {
		return err
	}
	if err := dev.Start(); err != nil {
		dev.Uninit()
		return err
	}
	c.mu.Lock()
	c.device = dev
	c.mu.Unlock()
	return nil
}

func (c *malgoCapture) Close() error {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return nil
	}
	c.closing = true
	dev := c.device
	c.device = nil
	c.mu.Unlock()

	if dev != nil {
		dev.Stop()
		dev.Uninit()
	}
	c.ctx.Uninit()
	c.ctx.Free()
	c.once.Do(func() { close(c.done) })
	return nil
}
