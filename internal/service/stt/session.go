package stt

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"live-transcription-service/internal/apperr"
	"live-transcription-service/internal/observability/logging"
	"live-transcription-service/internal/observability/metrics"
)

var (
	// ErrSessionActive is returned by Start while the session is running.
	ErrSessionActive = errors.New("recognition session already active")
	// ErrSessionEnded is returned by Start on a session that already ran.
	// Sessions are single use; resume creates a fresh one.
	ErrSessionEnded = errors.New("recognition session already ended")
)

type sessionState int

const (
	sessionIdle sessionState = iota
	sessionActive
	sessionEnded
)

// Options configures a Session.
type Options struct {
	SessionID      string // used for log context only
	SampleRate     int
	InterimResults bool
	Diarize        bool
	PhraseHints    []string

	// BaseOffset is added to every timestamp. Resumed sessions pass the end
	// of the transcript so far.
	BaseOffset time.Duration
	// DrainTimeout bounds how long Stop waits for outstanding finals before
	// the stream is force-closed.
	DrainTimeout time.Duration
	// AudioBuffer is the number of frames queued toward the backend.
	AudioBuffer int

	Clock func() time.Time
}

// DefaultOptions returns the options used for 16 kHz diarized streaming.
func DefaultOptions() Options {
	return Options{
		SampleRate:     16000,
		InterimResults: true,
		Diarize:        true,
		DrainTimeout:   5 * time.Second,
		AudioBuffer:    32,
		Clock:          time.Now,
	}
}

// Session owns one connection to a recognition backend and re-expresses its
// results as an ordered Event channel.
//
// Lifecycle:
//
//	idle ── Start ──→ active ── Stop / backend end / failure ──→ ended
//
// The event channel is closed after the terminal Ended or Error event.
type Session struct {
	backend Backend
	opts    Options
	logger  zerolog.Logger
	metrics *metrics.Metrics

	mu        sync.Mutex
	state     sessionState
	stream    Stream
	cancel    context.CancelFunc
	drain     *time.Timer
	startedAt time.Time

	audio     chan []byte
	stopping  chan struct{}
	stopOnce  sync.Once
	closeOnce sync.Once
	done      chan struct{}

	// owned by the receive loop
	lastStartMs int64
	lastEndMs   int64
}

// NewSession creates an idle session on backend.
func NewSession(backend Backend, opts Options) *Session {
	def := DefaultOptions()
	if opts.SampleRate <= 0 {
		opts.SampleRate = def.SampleRate
	}
	if opts.DrainTimeout <= 0 {
		opts.DrainTimeout = def.DrainTimeout
	}
	if opts.AudioBuffer <= 0 {
		opts.AudioBuffer = def.AudioBuffer
	}
	if opts.Clock == nil {
		opts.Clock = def.Clock
	}
	return &Session{
		backend:  backend,
		opts:     opts,
		logger:   logging.WithSession(opts.SessionID).With().Str("component", "stt").Str("sttProvider", backend.Name()).Logger(),
		metrics:  metrics.DefaultMetrics,
		audio:    make(chan []byte, opts.AudioBuffer),
		stopping: make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start validates the backend, performs the handshake and returns the event
// stream. Cancelling ctx only interrupts the handshake; the running stream is
// ended with Stop.
func (s *Session) Start(ctx context.Context, languageHint string) (<-chan Event, error) {
	s.mu.Lock()
	switch s.state {
	case sessionActive:
		s.mu.Unlock()
		return nil, ErrSessionActive
	case sessionEnded:
		s.mu.Unlock()
		return nil, ErrSessionEnded
	}
	s.state = sessionActive
	s.mu.Unlock()

	if err := s.validate(languageHint); err != nil {
		s.abort()
		return nil, err
	}

	streamCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stopWatch := context.AfterFunc(ctx, cancel)

	start := s.opts.Clock()
	stream, err := s.backend.Dial(streamCtx, StreamConfig{
		Language:       languageHint,
		SampleRate:     s.opts.SampleRate,
		InterimResults: s.opts.InterimResults,
		Diarize:        s.opts.Diarize,
		PhraseHints:    s.opts.PhraseHints,
	})
	interrupted := !stopWatch()

	if err == nil && (interrupted || s.isStopping()) {
		_ = stream.Close()
		err = apperr.Cancellation("stt.dial", "start interrupted before the handshake completed")
	}
	if err != nil {
		cancel()
		s.abort()
		if interrupted && !apperr.IsCancellation(err) {
			err = apperr.Cancellation("stt.dial", "start interrupted before the handshake completed")
		}
		if apperr.KindOf(err) == "" {
			err = apperr.Connection("stt.dial", err)
		}
		s.metrics.RecordSTTError(s.backend.Name(), string(apperr.KindOf(err)))
		s.logger.Error().Err(err).Msg("Recognition handshake failed")
		return nil, err
	}

	s.mu.Lock()
	s.stream = stream
	s.cancel = cancel
	s.startedAt = s.opts.Clock()
	s.mu.Unlock()

	s.lastStartMs = s.opts.BaseOffset.Milliseconds()
	s.lastEndMs = s.lastStartMs

	events := make(chan Event, 64)
	go s.sendLoop(stream)
	go s.recvLoop(stream, events)

	s.logger.Info().
		Str("language", languageHint).
		Dur("handshake", s.opts.Clock().Sub(start)).
		Dur("baseOffset", s.opts.BaseOffset).
		Msg("Recognition session started")
	return events, nil
}

// Feed queues one LINEAR16 frame for the backend. It reports false when the
// frame was discarded because the session is not running.
// Safe to call from the audio thread.
func (s *Session) Feed(pcm []byte) bool {
	s.mu.Lock()
	active := s.state == sessionActive && s.stream != nil
	s.mu.Unlock()
	if !active {
		return false
	}

	select {
	case <-s.stopping:
		return false
	default:
	}
	select {
	case s.audio <- pcm:
		return true
	case <-s.stopping:
		return false
	case <-s.done:
		return false
	}
}

// Stop requests a graceful shutdown. It returns immediately; outstanding
// finals are still delivered, followed by Ended once backend resources are
// released. Calling Stop before Start is a no-op.
func (s *Session) Stop() {
	s.mu.Lock()
	state := s.state
	s.mu.Unlock()
	if state == sessionIdle {
		return
	}

	s.stopOnce.Do(func() {
		close(s.stopping)
		s.mu.Lock()
		if s.stream != nil && s.state == sessionActive {
			stream := s.stream
			s.drain = time.AfterFunc(s.opts.DrainTimeout, func() {
				s.logger.Warn().Dur("timeout", s.opts.DrainTimeout).Msg("Drain timeout, closing recognition stream")
				_ = stream.Close()
			})
		}
		s.mu.Unlock()
		s.logger.Debug().Msg("Recognition session stop requested")
	})
}

// Done is closed once all backend resources are released.
func (s *Session) Done() <-chan struct{} { return s.done }

// Backend returns the backend name.
func (s *Session) Backend() string { return s.backend.Name() }

func (s *Session) validate(languageHint string) error {
	if strings.TrimSpace(languageHint) == "" {
		return apperr.Configuration("stt.start", "language hint is empty")
	}
	if err := s.backend.Validate(); err != nil {
		if apperr.KindOf(err) == "" {
			return apperr.Configuration("stt.validate", err.Error())
		}
		return err
	}
	return nil
}

func (s *Session) isStopping() bool {
	select {
	case <-s.stopping:
		return true
	default:
		return false
	}
}

// abort marks a session that never reached a running stream as ended.
func (s *Session) abort() {
	s.mu.Lock()
	s.state = sessionEnded
	s.mu.Unlock()
	s.closeOnce.Do(func() { close(s.done) })
}

func (s *Session) sendLoop(stream Stream) {
	send := func(pcm []byte) {
		if err := stream.Send(pcm); err != nil {
			s.logger.Debug().Err(err).Msg("Audio send failed")
			return
		}
		s.metrics.RecordAudioSent(len(pcm))
	}

	for {
		select {
		case pcm := <-s.audio:
			send(pcm)
		case <-s.stopping:
			for {
				select {
				case pcm := <-s.audio:
					send(pcm)
					continue
				default:
				}
				break
			}
			if err := stream.CloseSend(); err != nil {
				s.logger.Debug().Err(err).Msg("CloseSend failed")
			}
			return
		case <-s.done:
			return
		}
	}
}

func (s *Session) recvLoop(stream Stream, events chan<- Event) {
	defer close(events)

	for {
		r, err := stream.Recv()
		if err != nil {
			if s.isStopping() {
				s.logger.Debug().Err(err).Msg("Recognition stream closed during stop")
				s.finish(stream, "stopped")
				s.metrics.RecordRecognitionEvent(EventEnded.String())
				events <- Event{Kind: EventEnded}
				return
			}
			if apperr.KindOf(err) == "" {
				err = apperr.Connection("stt.recv", err)
			}
			s.fail(stream, events, err)
			return
		}

		switch r.Reason {
		case ReasonRecognizing:
			if r.Text == "" {
				continue
			}
			s.metrics.RecordRecognitionEvent(EventInterim.String())
			s.logger.Debug().Str("text", r.Text).Str("speaker", r.SpeakerID).Msg("Interim")
			events <- Interim(r.Text, r.SpeakerID)

		case ReasonRecognized:
			if strings.TrimSpace(r.Text) == "" {
				continue
			}
			startMs, endMs := s.timing(r)
			s.metrics.RecordRecognitionEvent(EventFinal.String())
			s.logger.Debug().
				Str("text", r.Text).
				Str("speaker", r.SpeakerID).
				Int64("startMs", startMs).
				Int64("endMs", endMs).
				Bool("nativeTiming", r.HasTiming).
				Msg("Final")
			events <- Final(r.Text, r.SpeakerID, startMs, endMs)

		case ReasonCanceled:
			err := r.Err
			if err == nil {
				err = errors.New("canceled without reason")
			}
			if apperr.KindOf(err) == "" {
				err = apperr.Recognition("stt.recv", err)
			}
			s.fail(stream, events, err)
			return

		case ReasonSessionStopped:
			s.finish(stream, "stopped")
			s.metrics.RecordRecognitionEvent(EventEnded.String())
			events <- Event{Kind: EventEnded}
			return
		}
	}
}

func (s *Session) fail(stream Stream, events chan<- Event, err error) {
	s.metrics.RecordSTTError(s.backend.Name(), string(apperr.KindOf(err)))
	s.metrics.RecordRecognitionEvent(EventError.String())
	s.logger.Error().Err(err).Msg("Recognition session failed")
	s.finish(stream, string(apperr.KindOf(err)))
	events <- Event{Kind: EventError, Err: err}
}

// finish releases the backend stream. Terminal events are emitted after it
// returns.
func (s *Session) finish(stream Stream, code string) {
	s.closeOnce.Do(func() {
		_ = stream.Close()
		s.mu.Lock()
		if s.cancel != nil {
			s.cancel()
		}
		if s.drain != nil {
			s.drain.Stop()
		}
		s.state = sessionEnded
		started := s.startedAt
		s.mu.Unlock()
		close(s.done)

		s.metrics.RecordSTTStream(s.backend.Name(), code, s.opts.Clock().Sub(started).Seconds())
		s.logger.Info().Str("code", code).Msg("Recognition session ended")
	})
}

// timing derives a Final's range. Native offsets are authoritative; without
// them the range runs from the previous final's end to the elapsed time since
// the stream opened. Start times never decrease.
func (s *Session) timing(r Result) (int64, int64) {
	base := s.opts.BaseOffset.Milliseconds()

	var startMs, endMs int64
	if r.HasTiming {
		startMs = base + r.Offset.Milliseconds()
		endMs = startMs + r.Duration.Milliseconds()
	} else {
		s.mu.Lock()
		started := s.startedAt
		s.mu.Unlock()
		startMs = s.lastEndMs
		endMs = base + s.opts.Clock().Sub(started).Milliseconds()
	}

	if startMs < s.lastStartMs {
		startMs = s.lastStartMs
	}
	if endMs < startMs {
		endMs = startMs
	}
	s.lastStartMs = startMs
	s.lastEndMs = endMs
	return startMs, endMs
}
