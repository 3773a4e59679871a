// Package audio bridges platform capture devices into fixed-size 16 kHz mono
// PCM frames for the recognition session.
package audio

import (
	"encoding/binary"
	"time"
)

const (
	// SampleRate is the rate recognition backends expect.
	SampleRate = 16000
	// Channels is fixed to mono.
	Channels = 1
	// BitsPerSample of emitted PCM.
	BitsPerSample = 16
	// BlockSize is the number of samples per emitted Frame.
	BlockSize = 4096
)

// Frame is one block of signed 16-bit little-endian PCM at SampleRate.
type Frame struct {
	Samples []int16
}

// Bytes encodes the frame as little-endian LINEAR16.
func (f Frame) Bytes() []byte {
	out := make([]byte, len(f.Samples)*2)
	for i, s := range f.Samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// Duration is the playback length of the frame.
func (f Frame) Duration() time.Duration {
	return time.Duration(len(f.Samples)) * time.Second / SampleRate
}

// SampleCallback receives raw float samples in [-1, 1] at the device's native
// rate. It is invoked from the platform audio thread.
type SampleCallback func(samples []float32)

// CaptureConfig describes the requested capture format.
type CaptureConfig struct {
	SampleRate int
	DeviceID   string // empty selects the system default
}

// CaptureDevice is a live audio source.
type CaptureDevice interface {
	// Start begins delivering samples to cb.
	Start(cb SampleCallback) error
	// SampleRate is the native rate of delivered samples.
	SampleRate() int
	// Done is closed once the device stops delivering samples for any reason.
	Done() <-chan struct{}
	// Err reports why the device stopped, nil for a normal end or Close.
	Err() error
	// Close releases the device. Safe to call more than once.
	Close() error
}
