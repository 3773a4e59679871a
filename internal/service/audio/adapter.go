package audio

import (
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"live-transcription-service/internal/observability/logging"
)

// ErrAdapterClosed is returned when Start is called on a torn-down adapter.
var ErrAdapterClosed = errors.New("audio adapter closed")

// Adapter turns a CaptureDevice into a stream of Frames at SampleRate.
//
// The device callback runs on the platform audio thread; the only state it
// shares with the rest of the pipeline is the block buffer, guarded by mu.
// Once the device ends or Close has returned no further frames are emitted.
type Adapter struct {
	device    CaptureDevice
	emit      func(Frame)
	resampler *Resampler
	logger    zerolog.Logger

	// emitMu is held by the device callback while it emits; Close takes it
	// to wait out a callback already past the closed check.
	emitMu sync.Mutex

	mu      sync.Mutex
	buf     []int16
	started bool
	closed  bool

	finishOnce sync.Once
	done       chan struct{}
	err        error
}

// NewAdapter wraps device. emit receives every complete Frame.
func NewAdapter(device CaptureDevice, emit func(Frame)) *Adapter {
	return &Adapter{
		device:    device,
		emit:      emit,
		resampler: NewResampler(device.SampleRate(), SampleRate),
		logger:    logging.WithComponent("audio"),
		buf:       make([]int16, 0, BlockSize),
		done:      make(chan struct{}),
	}
}

// Start opens the device and begins emitting frames.
func (a *Adapter) Start() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return ErrAdapterClosed
	}
	if a.started {
		a.mu.Unlock()
		return nil
	}
	a.started = true
	a.mu.Unlock()

	if err := a.device.Start(a.onSamples); err != nil {
		a.finish(err)
		_ = a.device.Close()
		return err
	}

	go a.watch()

	a.logger.Debug().
		Int("nativeRate", a.device.SampleRate()).
		Int("blockSize", BlockSize).
		Msg("Audio capture started")
	return nil
}

// Done is closed once the adapter stops emitting frames.
func (a *Adapter) Done() <-chan struct{} { return a.done }

// Err reports why the source ended. Nil after a normal end or Close.
func (a *Adapter) Err() error {
	<-a.done
	return a.err
}

// Close tears down the device. Idempotent. A partially filled block is
// discarded. emit must not call Close.
func (a *Adapter) Close() error {
	var closeErr error
	a.finish(nil)
	// wait for a callback that is still emitting
	a.emitMu.Lock()
	a.emitMu.Unlock()

	a.mu.Lock()
	started := a.started
	a.started = false
	a.mu.Unlock()
	if started {
		closeErr = a.device.Close()
	}
	return closeErr
}

func (a *Adapter) watch() {
	select {
	case <-a.device.Done():
		err := a.device.Err()
		if err != nil {
			a.logger.Warn().Err(err).Msg("Audio source failed")
		} else {
			a.logger.Info().Msg("Audio source ended")
		}
		a.finish(err)
	case <-a.done:
	}
}

func (a *Adapter) finish(err error) {
	a.finishOnce.Do(func() {
		a.mu.Lock()
		a.closed = true
		a.buf = a.buf[:0]
		a.mu.Unlock()
		a.err = err
		close(a.done)
	})
}

func (a *Adapter) onSamples(samples []float32) {
	a.emitMu.Lock()
	defer a.emitMu.Unlock()

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	var frames []Frame
	for _, s := range a.resampler.Process(samples) {
		a.buf = append(a.buf, s)
		if len(a.buf) == BlockSize {
			frames = append(frames, Frame{Samples: a.buf})
			a.buf = make([]int16, 0, BlockSize)
		}
	}
	a.mu.Unlock()

	for _, f := range frames {
		a.emit(f)
	}
}
