package audio

import (
	"math"
	"sync"
	"time"
)

// FakeCapture replays a fixed sample buffer. Used by tests and the demo host
// when no microphone is available.
type FakeCapture struct {
	Samples   []float32
	Rate      int
	ChunkSize int           // samples per callback, defaults to 480
	Interval  time.Duration // delay between callbacks, 0 feeds as fast as possible
	Loop      bool          // restart from the beginning instead of ending
	FailWith  error         // reported by Err once the buffer is exhausted

	mu     sync.Mutex
	stopCh chan struct{}
	once   sync.Once
	done   chan struct{}
	err    error
	closed bool
}

// NewFakeCapture creates a fake device replaying samples at rate.
func NewFakeCapture(samples []float32, rate int) *FakeCapture {
	return &FakeCapture{Samples: samples, Rate: rate}
}

// Tone generates a sine wave of the given frequency and amplitude.
func Tone(freq float64, amplitude float32, rate int, d time.Duration) []float32 {
	n := int(d.Seconds() * float64(rate))
	out := make([]float32, n)
	for i := range out {
		out[i] = amplitude * float32(math.Sin(2*math.Pi*freq*float64(i)/float64(rate)))
	}
	return out
}

func (f *FakeCapture) SampleRate() int {
	if f.Rate <= 0 {
		return SampleRate
	}
	return f.Rate
}

func (f *FakeCapture) Done() <-chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.init()
	return f.done
}

func (f *FakeCapture) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

func (f *FakeCapture) init() {
	if f.done == nil {
		f.done = make(chan struct{})
		f.stopCh = make(chan struct{})
	}
}

func (f *FakeCapture) Start(cb SampleCallback) error {
	f.mu.Lock()
	f.init()
	stop := f.stopCh
	f.mu.Unlock()

	chunk := f.ChunkSize
	if chunk <= 0 {
		chunk = 480
	}

	go func() {
		pos := 0
		for {
			select {
			case <-stop:
				return
			default:
			}
			if pos >= len(f.Samples) {
				if !f.Loop || len(f.Samples) == 0 {
					f.finish(f.FailWith)
					return
				}
				pos = 0
			}
			end := min(pos+chunk, len(f.Samples))
			buf := make([]float32, end-pos)
			copy(buf, f.Samples[pos:end])
			cb(buf)
			pos = end

			if f.Interval > 0 {
				select {
				case <-stop:
					return
				case <-time.After(f.Interval):
				}
			}
		}
	}()
	return nil
}

func (f *FakeCapture) finish(err error) {
	f.once.Do(func() {
		f.mu.Lock()
		f.err = err
		f.mu.Unlock()
		close(f.done)
	})
}

// Closed reports whether Close has been called.
func (f *FakeCapture) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *FakeCapture) Close() error {
	f.mu.Lock()
	f.init()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	close(f.stopCh)
	f.mu.Unlock()
	f.finish(nil)
	return nil
}
