package audio

import (
	"fmt"
	"sync"

	"github.com/jfreymuth/pulse"
)

// pulseCapture records from a PulseAudio (or PipeWire-pulse) source.
type pulseCapture struct {
	config CaptureConfig
	client *pulse.Client

	mu     sync.Mutex
	stream *pulse.RecordStream
	once   sync.Once
	done   chan struct{}
}

// NewDeviceCapture opens the platform capture backend.
func NewDeviceCapture(config CaptureConfig) (CaptureDevice, error) {
	if config.SampleRate <= 0 {
		config.SampleRate = 48000
	}
	c, err := pulse.NewClient()
	if err != nil {
		return nil, fmt.Errorf("pulse: %w", err)
	}
	return &pulseCapture{config: config, client: c, done: make(chan struct{})}, nil
}

func (c *pulseCapture) SampleRate() int { return c.config.SampleRate }

func (c *pulseCapture) Done() <-chan struct{} { return c.done }

func (c *pulseCapture) Err() error { return nil }

func (c *pulseCapture) Start(cb SampleCallback) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	writer := pulse.Float32Writer(func(buf []float32) (int, error) {
		if len(buf) == 0 {
			return 0, nil
		}
		samples := make([]float32, len(buf))
		copy(samples, buf)
		cb(samples)
		return len(buf), nil
	})

	opts := []pulse.RecordOption{
		pulse.RecordMono,
		pulse.RecordSampleRate(c.config.SampleRate),
		pulse.RecordLatency(0.05),
	}
	if c.config.DeviceID != "" {
		source, err := c.client.SourceByID(c.config.DeviceID)
		if err != nil {
			return fmt.Errorf("pulse source %q: %w", c.config.DeviceID, err)
		}
		opts = append(opts, pulse.RecordSource(source))
	}

	stream, err := c.client.NewRecord(writer, opts...)
	if err != nil {
		return fmt.Errorf("pulse record: %w", err)
	}
	c.stream = stream
	stream.Start()
	return nil
}

func (c *pulseCapture) Close() error {
	c.once.Do(func() {
		c.mu.Lock()
		if c.stream != nil {
			c.stream.Stop()
			c.stream.Close()
			c.stream = nil
		}
		c.mu.Unlock()
		c.client.Close()
		close(c.done)
	})
	return nil
}
