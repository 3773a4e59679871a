// Package mock provides a scripted recognition backend for tests and demos
// without cloud credentials. It simulates progressive interim hypotheses,
// exactly one final per utterance and alternating speakers.
package mock

import (
	"context"
	"errors"
	"sync"
	"time"

	"live-transcription-service/internal/service/stt"
)

// Utterance is one scripted utterance.
type Utterance struct {
	Partials []string // progressive interim hypotheses
	Final    string
	Speaker  string
}

// DefaultUtterances provides sample utterances for simulation.
var DefaultUtterances = []Utterance{
	{
		Partials: []string{"Shall we", "Shall we start", "Shall we start with"},
		Final:    "Shall we start with the roadmap",
		Speaker:  "Guest-1",
	},
	{
		Partials: []string{"Sure", "Sure the first"},
		Final:    "Sure, the first item is the release date",
		Speaker:  "Guest-2",
	},
	{
		Partials: []string{"We moved", "We moved it", "We moved it to"},
		Final:    "We moved it to the end of the month",
		Speaker:  "Guest-1",
	},
	{
		Partials: []string{"Okay"},
		Final:    "Okay, that works for me",
		Speaker:  "Guest-2",
	},
}

var errClosed = errors.New("mock stream closed")

// Config controls the scripted behavior.
type Config struct {
	Utterances []Utterance
	Loop       bool // restart the script when exhausted

	// FramesPerStep is how many audio frames advance the script by one
	// result. Zero means every frame.
	FramesPerStep int

	// NativeTiming reports offsets derived from audio received, as a
	// backend with word timing would.
	NativeTiming bool

	// Failure injection.
	ValidateErr error
	DialErr     error
	FailAfter   int   // emit a cancellation after this many frames, 0 disables
	FailWith    error // cause for the injected cancellation
	// Unresponsive suppresses the stop acknowledgement so callers hit their
	// drain timeout.
	Unresponsive bool
}

// Backend implements stt.Backend with scripted results.
type Backend struct {
	cfg Config

	mu    sync.Mutex
	dials int
	last  *Stream
}

// New creates a mock backend.
func New(cfg Config) *Backend {
	if len(cfg.Utterances) == 0 {
		cfg.Utterances = DefaultUtterances
	}
	if cfg.FramesPerStep <= 0 {
		cfg.FramesPerStep = 1
	}
	return &Backend{cfg: cfg}
}

func (b *Backend) Name() string { return "mock" }

func (b *Backend) Validate() error { return b.cfg.ValidateErr }

// Dial opens a scripted stream.
func (b *Backend) Dial(ctx context.Context, cfg stt.StreamConfig) (stt.Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if b.cfg.DialErr != nil {
		return nil, b.cfg.DialErr
	}
	s := &Stream{
		cfg:       b.cfg,
		streamCfg: cfg,
		results:   make(chan stt.Result, 256),
		closed:    make(chan struct{}),
	}
	b.mu.Lock()
	b.dials++
	b.last = s
	b.mu.Unlock()
	return s, nil
}

// Dials returns how many streams were opened.
func (b *Backend) Dials() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dials
}

// Last returns the most recently opened stream.
func (b *Backend) Last() *Stream {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.last
}

// Stream is a scripted recognition stream.
type Stream struct {
	cfg       Config
	streamCfg stt.StreamConfig

	mu            sync.Mutex
	frames        int
	utterance     int
	partialIndex  int
	sendClosed    bool
	failed        bool
	bytesReceived int64
	uttStart      time.Duration

	results   chan stt.Result
	closeOnce sync.Once
	closed    chan struct{}
}

// Send advances the script.
func (s *Stream) Send(pcm []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	select {
	case <-s.closed:
		return errClosed
	default:
	}
	if s.sendClosed || s.failed {
		return nil
	}

	s.frames++
	s.bytesReceived += int64(len(pcm))

	if s.cfg.FailAfter > 0 && s.frames >= s.cfg.FailAfter {
		s.failed = true
		cause := s.cfg.FailWith
		if cause == nil {
			cause = errors.New("simulated backend failure")
		}
		s.push(stt.Result{Reason: stt.ReasonCanceled, Err: cause})
		return nil
	}

	if s.frames%s.cfg.FramesPerStep != 0 {
		return nil
	}
	s.step()
	return nil
}

// step emits the next partial or final. Must hold mu.
func (s *Stream) step() {
	if s.utterance >= len(s.cfg.Utterances) {
		if !s.cfg.Loop {
			return
		}
		s.utterance = 0
	}
	utt := s.cfg.Utterances[s.utterance]

	if s.partialIndex < len(utt.Partials) {
		s.push(stt.Result{Reason: stt.ReasonRecognizing, Text: utt.Partials[s.partialIndex], SpeakerID: utt.Speaker})
		s.partialIndex++
		return
	}
	s.emitFinal(utt)
}

func (s *Stream) emitFinal(utt Utterance) {
	r := stt.Result{Reason: stt.ReasonRecognized, Text: utt.Final, SpeakerID: utt.Speaker}
	if s.cfg.NativeTiming {
		end := s.audioTime()
		r.HasTiming = true
		r.Offset = s.uttStart
		r.Duration = end - s.uttStart
		s.uttStart = end
	}
	s.push(r)
	s.utterance++
	s.partialIndex = 0
}

func (s *Stream) audioTime() time.Duration {
	rate := s.streamCfg.SampleRate
	if rate <= 0 {
		rate = 16000
	}
	return time.Duration(s.bytesReceived/2) * time.Second / time.Duration(rate)
}

func (s *Stream) push(r stt.Result) {
	select {
	case s.results <- r:
	default:
		// script results are bounded by frames sent; a full buffer means the
		// consumer stopped reading
	}
}

// CloseSend finalizes the utterance in progress and stops the session.
func (s *Stream) CloseSend() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendClosed {
		return nil
	}
	s.sendClosed = true
	if !s.failed && !s.cfg.Unresponsive {
		if s.partialIndex > 0 && s.utterance < len(s.cfg.Utterances) {
			s.emitFinal(s.cfg.Utterances[s.utterance])
		}
		s.push(stt.Result{Reason: stt.ReasonSessionStopped})
	}
	return nil
}

// Recv returns the next scripted result.
func (s *Stream) Recv() (stt.Result, error) {
	select {
	case r := <-s.results:
		return r, nil
	case <-s.closed:
		// deliver anything already queued before reporting closure
		select {
		case r := <-s.results:
			return r, nil
		default:
		}
		return stt.Result{}, errClosed
	}
}

// Close releases the stream.
func (s *Stream) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

// Closed reports whether Close was called.
func (s *Stream) Closed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

// Frames returns the number of audio frames received.
func (s *Stream) Frames() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frames
}

// Config returns the stream configuration received at Dial.
func (s *Stream) Config() stt.StreamConfig { return s.streamCfg }
