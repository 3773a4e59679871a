package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"live-transcription-service/internal/apperr"
	"live-transcription-service/internal/models"
	"live-transcription-service/internal/observability/logging"
	"live-transcription-service/internal/observability/metrics"
	"live-transcription-service/internal/service/audio"
	"live-transcription-service/internal/service/enrich"
	"live-transcription-service/internal/service/segment"
	"live-transcription-service/internal/service/speaker"
	"live-transcription-service/internal/service/stt"
	"live-transcription-service/internal/storage"
)

var (
	// ErrClosed is returned once the controller has been closed.
	ErrClosed = errors.New("session controller closed")
	// ErrNoRecording is returned by enrichment requests before the first
	// recording starts.
	ErrNoRecording = errors.New("no recording")
	// ErrUnknownSegment is returned for enrichment requests naming a
	// segment that does not exist.
	ErrUnknownSegment = errors.New("unknown segment")
)

// LiveFeed receives interim and segment updates as they happen.
type LiveFeed interface {
	PublishInterim(ctx context.Context, ev models.TranscriptInterim) error
	PublishSegment(ctx context.Context, ev models.TranscriptSegment) error
}

// Deps are the collaborators of a Controller.
type Deps struct {
	Backend stt.Backend
	// Capture opens the audio source for one pipeline.
	Capture func() (audio.CaptureDevice, error)
	// Labels persists speaker labels across recordings. Defaults to an
	// in-memory store.
	Labels speaker.LabelStore
	// Corrector and Translator may be nil when that enrichment is off.
	Corrector  enrich.Corrector
	Translator enrich.Translator
	// Sink receives the finalized transcript. Defaults to a log sink.
	Sink storage.Sink
	// Feed is optional.
	Feed LiveFeed
}

// Options configures a Controller.
type Options struct {
	Language       string
	InterimResults bool
	Diarize        bool
	PhraseHints    []string

	// TranslateTo lists languages every new segment is translated into.
	TranslateTo []string
	// CorrectEvery issues a correction pass after this many new segments.
	// Zero disables automatic correction.
	CorrectEvery int
	// CorrectBatch caps the segments sent in one correction pass.
	CorrectBatch int

	// FlushTimeout bounds how long stop waits for pending enrichment.
	FlushTimeout time.Duration
	// DrainTimeout bounds how long the backend may take to deliver
	// outstanding finals after audio stops.
	DrainTimeout  time.Duration
	EnrichTimeout time.Duration
	StoreTimeout  time.Duration
	FeedTimeout   time.Duration
	FeedBuffer    int

	// OnError is called on the controller goroutine for every fatal
	// error. It must not call back into the controller.
	OnError func(error)

	Clock func() time.Time
}

// DefaultOptions returns the production defaults.
func DefaultOptions() Options {
	return Options{
		Language:       "en-US",
		InterimResults: true,
		Diarize:        true,
		CorrectBatch:   20,
		FlushTimeout:   2 * time.Second,
		DrainTimeout:   5 * time.Second,
		EnrichTimeout:  20 * time.Second,
		StoreTimeout:   30 * time.Second,
		FeedTimeout:    5 * time.Second,
		FeedBuffer:     256,
		Clock:          time.Now,
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.CorrectBatch <= 0 {
		o.CorrectBatch = def.CorrectBatch
	}
	if o.FlushTimeout <= 0 {
		o.FlushTimeout = def.FlushTimeout
	}
	if o.DrainTimeout <= 0 {
		o.DrainTimeout = def.DrainTimeout
	}
	if o.EnrichTimeout <= 0 {
		o.EnrichTimeout = def.EnrichTimeout
	}
	if o.StoreTimeout <= 0 {
		o.StoreTimeout = def.StoreTimeout
	}
	if o.FeedTimeout <= 0 {
		o.FeedTimeout = def.FeedTimeout
	}
	if o.FeedBuffer <= 0 {
		o.FeedBuffer = def.FeedBuffer
	}
	if o.Clock == nil {
		o.Clock = def.Clock
	}
	return o
}

// Status describes the controller at one point in time.
type Status struct {
	SessionID  string
	State      State
	StartedAt  time.Time
	LastError  error
	Transcript *segment.State
}

// recording is one transcript from start to storage. It survives pause and
// resume; a start from IDLE begins a new one.
type recording struct {
	id         string
	startedAt  time.Time
	tracker    *speaker.Tracker
	transcript *segment.Reconciler
	fanout     *enrich.FanOut
	logger     zerolog.Logger

	// owned by the controller goroutine
	sinceCorrection int
	stored          bool
}

// pipeline is one capture device plus one recognition session.
type pipeline struct {
	device  audio.CaptureDevice
	adapter *audio.Adapter
	sess    *stt.Session
	events  <-chan stt.Event

	prev        State
	startReply  chan<- error
	cancelStart context.CancelFunc

	audioStarted bool
	watchAudio   bool
}

// Controller runs the recording lifecycle.
//
//	IDLE ── start ──→ STARTING ── handshake ──→ ACTIVE ── pause ──→ PAUSED
//	                                               │                  │
//	                                               └──── stop ──→ STOPPING ──→ IDLE
//
// Every transcript mutation happens on a single controller goroutine:
// recognition events, enrichment results and public operations are all
// funneled through it. Reads (Status, Snapshot, Speakers) go through
// immutable snapshots and never block on it.
type Controller struct {
	deps      Deps
	opts      Options
	lifecycle *Lifecycle
	metrics   *metrics.Metrics
	logger    zerolog.Logger

	cmds      chan func()
	sendMu    sync.RWMutex
	quit      chan struct{}
	loopDone  chan struct{}
	closeOnce sync.Once

	feedQ    chan func(context.Context) error
	feedDone chan struct{}

	current atomic.Pointer[recording]

	errMu   sync.Mutex
	lastErr error

	// owned by the controller goroutine
	pipe         *pipeline
	stopQueued   bool
	stopWaiters  []chan<- error
	pauseWaiters []chan<- error
	flushTimer   *time.Timer
	closed       bool
}

// New creates a controller in IDLE state and starts its goroutine.
func New(deps Deps, opts Options) (*Controller, error) {
	if deps.Backend == nil {
		return nil, apperr.Configuration("session.new", "recognition backend is nil")
	}
	if deps.Capture == nil {
		return nil, apperr.Configuration("session.new", "audio capture is nil")
	}
	if deps.Labels == nil {
		deps.Labels = speaker.NewMemoryStore()
	}
	if deps.Sink == nil {
		deps.Sink = storage.NewLogSink()
	}

	c := &Controller{
		deps:      deps,
		opts:      opts.withDefaults(),
		lifecycle: NewLifecycle(),
		metrics:   metrics.DefaultMetrics,
		logger:    logging.WithComponent("session"),
		cmds:      make(chan func(), 64),
		quit:      make(chan struct{}),
		loopDone:  make(chan struct{}),
		feedDone:  make(chan struct{}),
	}
	c.feedQ = make(chan func(context.Context) error, c.opts.FeedBuffer)

	go c.loop()
	go c.feedLoop()
	return c, nil
}

// Start begins a new recording from IDLE, or resumes a paused one. It
// returns once the backend handshake has resolved. A stop issued while the
// handshake is pending makes Start return a CANCELLATION error.
func (c *Controller) Start(ctx context.Context) error {
	return c.do(ctx, func(reply chan<- error) { c.start(ctx, reply, false) })
}

// Resume opens a fresh recognition session on the paused recording.
// Segments and speakers carry over.
func (c *Controller) Resume(ctx context.Context) error {
	return c.do(ctx, func(reply chan<- error) { c.start(ctx, reply, true) })
}

// Pause stops audio and the recognition session, keeping the transcript.
// It returns once outstanding finals have been applied.
func (c *Controller) Pause(ctx context.Context) error {
	return c.do(ctx, c.pause)
}

// Stop ends the recording and hands the transcript to the sink. It returns
// the storage error, if any, once the controller is back in IDLE.
func (c *Controller) Stop(ctx context.Context) error {
	return c.do(ctx, c.stop)
}

// Close stops the controller goroutine. An open pipeline is torn down
// without storing the transcript; call Stop first for a clean shutdown.
func (c *Controller) Close() {
	c.closeOnce.Do(func() {
		close(c.quit)
		<-c.loopDone
		close(c.feedQ)
		<-c.feedDone
	})
}

// State returns the lifecycle state.
func (c *Controller) State() State {
	return c.lifecycle.State()
}

// Status returns the current state and transcript snapshot.
func (c *Controller) Status() Status {
	st := Status{
		State:      c.lifecycle.State(),
		LastError:  c.LastError(),
		Transcript: &segment.State{},
	}
	if rec := c.current.Load(); rec != nil {
		st.SessionID = rec.id
		st.StartedAt = rec.startedAt
		st.Transcript = rec.transcript.Snapshot()
	}
	return st
}

// Snapshot returns the transcript of the current or most recent recording.
func (c *Controller) Snapshot() *segment.State {
	if rec := c.current.Load(); rec != nil {
		return rec.transcript.Snapshot()
	}
	return &segment.State{}
}

// Speakers lists the speakers of the current recording in first-seen order.
func (c *Controller) Speakers() []speaker.Identity {
	rec := c.current.Load()
	if rec == nil {
		return []speaker.Identity{}
	}
	return rec.tracker.Identities(rec.transcript.Snapshot().SpeakerCounts())
}

// Label returns the display label of a raw speaker tag.
func (c *Controller) Label(rawTag string) string {
	if rec := c.current.Load(); rec != nil {
		return rec.tracker.Label(rawTag)
	}
	return rawTag
}

// RenameSpeaker sets the display label of rawTag. The label applies to
// existing and future segments and is persisted for later recordings.
func (c *Controller) RenameSpeaker(rawTag, label string) error {
	if rec := c.current.Load(); rec != nil {
		return rec.tracker.Rename(rawTag, label)
	}
	return speaker.NewTracker(c.deps.Labels).Rename(rawTag, label)
}

// Payload renders the transcript of the current or most recent recording.
func (c *Controller) Payload() (models.TranscriptPayload, error) {
	rec := c.current.Load()
	if rec == nil {
		return models.TranscriptPayload{}, ErrNoRecording
	}
	return buildPayload(rec, c.opts.Language, c.opts.Clock()), nil
}

// LastError returns the most recent fatal or storage error.
func (c *Controller) LastError() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.lastErr
}

// RequestCorrection proofreads the given segments, or the oldest
// uncorrected ones when ids is empty.
func (c *Controller) RequestCorrection(ctx context.Context, ids []int64) (*enrich.Call, error) {
	var call *enrich.Call
	err := c.do(ctx, func(reply chan<- error) {
		rec := c.current.Load()
		if rec == nil {
			reply <- ErrNoRecording
			return
		}
		snap := rec.transcript.Snapshot()
		var segs []segment.Segment
		if len(ids) == 0 {
			segs = snap.Uncorrected(c.opts.CorrectBatch)
		} else {
			for _, id := range ids {
				if seg, ok := snap.Segment(id); ok {
					segs = append(segs, seg)
				}
			}
			if len(segs) == 0 {
				reply <- ErrUnknownSegment
				return
			}
		}
		rec.sinceCorrection = 0
		call = rec.fanout.RequestCorrection(segs, c.opts.Language, c.opts.PhraseHints)
		reply <- nil
	})
	return call, err
}

// RequestTranslation translates one segment into lang.
func (c *Controller) RequestTranslation(ctx context.Context, segmentID int64, lang string) (*enrich.Call, error) {
	var call *enrich.Call
	err := c.do(ctx, func(reply chan<- error) {
		rec := c.current.Load()
		if rec == nil {
			reply <- ErrNoRecording
			return
		}
		seg, ok := rec.transcript.Snapshot().Segment(segmentID)
		if !ok {
			reply <- ErrUnknownSegment
			return
		}
		call = rec.fanout.RequestTranslation(seg.ID, seg.Text, c.opts.Language, lang)
		reply <- nil
	})
	return call, err
}

// do runs fn on the controller goroutine and waits for its reply.
func (c *Controller) do(ctx context.Context, fn func(reply chan<- error)) error {
	reply := make(chan error, 1)
	ok := c.schedule(func() {
		if c.closed {
			reply <- ErrClosed
			return
		}
		fn(reply)
	})
	if !ok {
		return ErrClosed
	}

	select {
	case err := <-reply:
		return err
	case <-c.loopDone:
		select {
		case err := <-reply:
			return err
		default:
			return ErrClosed
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// schedule queues fn for the controller goroutine. It reports false once
// the controller is closed.
func (c *Controller) schedule(fn func()) bool {
	c.sendMu.RLock()
	defer c.sendMu.RUnlock()

	select {
	case <-c.quit:
		return false
	default:
	}
	select {
	case c.cmds <- fn:
		return true
	case <-c.quit:
		return false
	}
}

func (c *Controller) loop() {
	defer close(c.loopDone)

	for {
		var events <-chan stt.Event
		var audioDone <-chan struct{}
		if p := c.pipe; p != nil {
			events = p.events
			if p.watchAudio {
				audioDone = p.adapter.Done()
			}
		}
		var flush <-chan time.Time
		if c.flushTimer != nil {
			flush = c.flushTimer.C
		}

		select {
		case fn := <-c.cmds:
			fn()
		case ev, ok := <-events:
			c.onEvent(ev, ok)
		case <-audioDone:
			c.onAudioEnd()
		case <-flush:
			c.flushTimer = nil
			c.onFlushTimeout()
		case <-c.quit:
			c.shutdown()
			return
		}

		c.checkFlush()
	}
}

func (c *Controller) setLastErr(err error) {
	c.errMu.Lock()
	c.lastErr = err
	c.errMu.Unlock()
}

func (c *Controller) validate() error {
	if strings.TrimSpace(c.opts.Language) == "" {
		return apperr.Configuration("session.validate", "language is empty")
	}
	if err := c.deps.Backend.Validate(); err != nil {
		if apperr.KindOf(err) == "" {
			err = apperr.Configuration("session.validate", err.Error())
		}
		return err
	}

	type validator interface{ Validate() error }
	var collaborators []any
	if c.deps.Corrector != nil {
		collaborators = append(collaborators, c.deps.Corrector)
	}
	if c.deps.Translator != nil {
		collaborators = append(collaborators, c.deps.Translator)
	}
	for _, v := range collaborators {
		if v, ok := v.(validator); ok {
			if err := v.Validate(); err != nil {
				return err
			}
		}
	}
	return nil
}

// begin creates a new recording and makes it current.
func (c *Controller) begin() *recording {
	id := uuid.NewString()
	rec := &recording{
		id:        id,
		startedAt: c.opts.Clock(),
		tracker:   speaker.NewTracker(c.deps.Labels),
		logger:    logging.WithSession(id).With().Str("component", "session").Logger(),
	}
	rec.transcript = segment.NewReconciler(rec.tracker)
	rec.fanout = enrich.NewFanOut(
		context.Background(),
		&feedTarget{Reconciler: rec.transcript, c: c, rec: rec},
		c.schedule,
		c.deps.Corrector,
		c.deps.Translator,
		enrich.Options{Timeout: c.opts.EnrichTimeout},
	)
	c.current.Store(rec)
	return rec
}

func (c *Controller) start(ctx context.Context, reply chan<- error, resumeOnly bool) {
	state := c.lifecycle.State()
	switch {
	case state == StateStarting || state == StateActive || c.pipe != nil:
		reply <- ErrPipelineOpen
		return
	case resumeOnly && state != StatePaused, state != StateIdle && state != StatePaused:
		reply <- fmt.Errorf("%w: %s from %s", ErrInvalidTransition, startOp(resumeOnly), state)
		return
	}

	if err := c.validate(); err != nil {
		c.logger.Error().Err(err).Msg("Session configuration invalid")
		reply <- err
		return
	}

	device, err := c.deps.Capture()
	if err != nil {
		if apperr.KindOf(err) == "" {
			err = apperr.Connection("audio.open", err)
		}
		c.setLastErr(err)
		c.logger.Error().Err(err).Msg("Failed to open audio source")
		reply <- err
		return
	}

	rec := c.current.Load()
	if state == StateIdle {
		rec = c.begin()
	}
	if err := c.lifecycle.Transition(StateStarting); err != nil {
		_ = device.Close()
		reply <- err
		return
	}

	var base time.Duration
	if snap := rec.transcript.Snapshot(); snap.Len() > 0 {
		base = time.Duration(snap.Segments[snap.Len()-1].EndMs) * time.Millisecond
	}

	sess := stt.NewSession(c.deps.Backend, stt.Options{
		SessionID:      rec.id,
		SampleRate:     audio.SampleRate,
		InterimResults: c.opts.InterimResults,
		Diarize:        c.opts.Diarize,
		PhraseHints:    c.opts.PhraseHints,
		BaseOffset:     base,
		DrainTimeout:   c.opts.DrainTimeout,
		Clock:          c.opts.Clock,
	})

	startCtx, cancel := context.WithCancel(ctx)
	p := &pipeline{
		device:      device,
		sess:        sess,
		prev:        state,
		startReply:  reply,
		cancelStart: cancel,
	}
	p.adapter = audio.NewAdapter(device, func(f audio.Frame) {
		if !sess.Feed(f.Bytes()) {
			c.metrics.RecordAudioDropped()
		}
	})
	c.pipe = p
	c.stopQueued = false
	c.metrics.RecordPipelineOpen()

	rec.logger.Info().
		Str("language", c.opts.Language).
		Str("sttProvider", c.deps.Backend.Name()).
		Bool("resume", state == StatePaused).
		Dur("baseOffset", base).
		Msg("Starting recognition")

	go func() {
		events, err := sess.Start(startCtx, c.opts.Language)
		scheduled := c.schedule(func() { c.onStarted(p, events, err) })
		if !scheduled {
			cancel()
			if err == nil {
				sess.Stop()
				go drain(events)
			}
		}
	}()
}

func startOp(resumeOnly bool) string {
	if resumeOnly {
		return "resume"
	}
	return "start"
}

// onStarted applies the outcome of the backend handshake.
func (c *Controller) onStarted(p *pipeline, events <-chan stt.Event, err error) {
	p.cancelStart()

	if c.pipe != p {
		// torn down while the handshake was pending
		if err == nil {
			p.sess.Stop()
			go drain(events)
		}
		return
	}

	rec := c.current.Load()
	reply := p.startReply

	if err != nil {
		c.closePipeline()
		switch {
		case c.stopQueued:
			c.stopQueued = false
			_ = c.lifecycle.Transition(StateStopping)
			reply <- err
			c.beginFlush()
		case apperr.IsCancellation(err):
			_ = c.lifecycle.Transition(p.prev)
			rec.logger.Info().Str("state", p.prev.String()).Msg("Start cancelled")
			reply <- err
		default:
			reply <- err
			c.fail(err)
		}
		return
	}

	p.events = events
	_ = c.lifecycle.Transition(StateActive)

	if c.stopQueued {
		c.stopQueued = false
		reply <- apperr.Cancellation("session.start", "stop requested before the session became active")
		c.beginStop()
		return
	}

	if err := p.adapter.Start(); err != nil {
		err = apperr.Connection("audio.start", err)
		reply <- err
		c.fail(err)
		return
	}
	p.audioStarted = true
	p.watchAudio = true

	rec.logger.Info().Msg("Recording active")
	reply <- nil
}

func (c *Controller) pause(reply chan<- error) {
	state := c.lifecycle.State()
	if state != StateActive {
		reply <- fmt.Errorf("%w: pause from %s", ErrInvalidTransition, state)
		return
	}
	if err := c.lifecycle.Transition(StatePaused); err != nil {
		reply <- err
		return
	}
	c.pauseWaiters = append(c.pauseWaiters, reply)
	c.stopPipeline()
	c.current.Load().logger.Info().Msg("Recording paused")
}

func (c *Controller) stop(reply chan<- error) {
	switch state := c.lifecycle.State(); state {
	case StateIdle:
		reply <- fmt.Errorf("%w: stop from %s", ErrInvalidTransition, state)
	case StateStarting:
		c.stopQueued = true
		c.stopWaiters = append(c.stopWaiters, reply)
		if c.pipe != nil {
			c.pipe.cancelStart()
		}
	case StateStopping:
		c.stopWaiters = append(c.stopWaiters, reply)
	default:
		c.stopWaiters = append(c.stopWaiters, reply)
		if err := c.beginStop(); err != nil {
			c.replyStop(err)
		}
	}
}

// beginStop moves ACTIVE or PAUSED to STOPPING. The transcript is flushed
// once the recognition session has delivered its last final.
func (c *Controller) beginStop() error {
	if err := c.lifecycle.Transition(StateStopping); err != nil {
		return err
	}
	c.current.Load().logger.Info().Msg("Stopping recording")
	if c.pipe != nil {
		c.stopPipeline()
		return nil
	}
	c.beginFlush()
	return nil
}

// stopPipeline asks the session to drain and closes audio. The pipeline
// stays open until the session reports Ended.
//
// The session stops first so a frame the audio thread is still feeding is
// rejected instead of holding up adapter.Close.
func (c *Controller) stopPipeline() {
	p := c.pipe
	if p == nil {
		return
	}
	p.watchAudio = false
	p.sess.Stop()
	_ = p.adapter.Close()
	if !p.audioStarted {
		_ = p.device.Close()
	}
}

// closePipeline releases a pipeline that has no live session.
func (c *Controller) closePipeline() {
	p := c.pipe
	if p == nil {
		return
	}
	c.pipe = nil
	p.watchAudio = false
	_ = p.adapter.Close()
	if !p.audioStarted {
		_ = p.device.Close()
	}
	c.metrics.RecordPipelineClose()
}

// abandonPipeline tears a pipeline down without waiting for the session.
func (c *Controller) abandonPipeline() {
	p := c.pipe
	if p == nil {
		return
	}
	p.cancelStart()
	p.sess.Stop()
	c.closePipeline()
	if p.events != nil {
		go drain(p.events)
	}
}

func (c *Controller) onEvent(ev stt.Event, ok bool) {
	rec := c.current.Load()
	if !ok {
		c.onPipelineEnded()
		return
	}

	switch ev.Kind {
	case stt.EventInterim:
		rec.transcript.Apply(ev)
		c.publishInterim(rec)

	case stt.EventFinal:
		seg, created := rec.transcript.Apply(ev)
		if !created {
			return
		}
		c.publishSegment(rec, seg.ID)
		c.enrichSegment(rec, seg)

	case stt.EventEnded:
		c.onPipelineEnded()

	case stt.EventError:
		if c.lifecycle.State() == StateStopping {
			rec.logger.Warn().Err(ev.Err).Msg("Recognition failed while stopping")
			c.setLastErr(ev.Err)
			c.onPipelineEnded()
			return
		}
		c.fail(ev.Err)
	}
}

// onPipelineEnded handles the end of the recognition session.
func (c *Controller) onPipelineEnded() {
	if c.pipe == nil {
		return
	}
	c.closePipeline()

	rec := c.current.Load()
	rec.transcript.ClearInterim()

	for _, w := range c.pauseWaiters {
		w <- nil
	}
	c.pauseWaiters = nil

	switch c.lifecycle.State() {
	case StateStopping:
		c.beginFlush()
	case StateActive:
		_ = c.lifecycle.Transition(StatePaused)
		rec.logger.Info().Msg("Recognition ended, recording paused")
	}
}

// onAudioEnd handles the capture device ending on its own.
func (c *Controller) onAudioEnd() {
	p := c.pipe
	p.watchAudio = false

	if err := p.adapter.Err(); err != nil {
		c.fail(apperr.Connection("audio.capture", err))
		return
	}
	if c.lifecycle.State() == StateActive {
		_ = c.lifecycle.Transition(StatePaused)
		c.current.Load().logger.Info().Msg("Audio source ended, recording paused")
		p.sess.Stop()
	}
}

// enrichSegment issues the automatic translation and correction calls for a
// new segment.
func (c *Controller) enrichSegment(rec *recording, seg segment.Segment) {
	if rec.fanout.CanTranslate() {
		source := enrich.NormalizeLanguage(c.opts.Language)
		for _, lang := range c.opts.TranslateTo {
			if enrich.NormalizeLanguage(lang) == source {
				continue
			}
			rec.fanout.RequestTranslation(seg.ID, seg.Text, c.opts.Language, lang)
		}
	}

	if c.opts.CorrectEvery > 0 && rec.fanout.CanCorrect() {
		rec.sinceCorrection++
		if rec.sinceCorrection >= c.opts.CorrectEvery {
			rec.sinceCorrection = 0
			if batch := c.autoCorrectBatch(rec); len(batch) > 0 {
				rec.fanout.RequestCorrection(batch, c.opts.Language, c.opts.PhraseHints)
			}
		}
	}
}

// autoCorrectBatch picks the oldest segments that were never corrected and
// have no correction in flight. Failed segments are left for a manual
// request.
func (c *Controller) autoCorrectBatch(rec *recording) []segment.Segment {
	var batch []segment.Segment
	for _, seg := range rec.transcript.Snapshot().Segments {
		if seg.Correction != segment.FieldPending || rec.fanout.Correcting(seg.ID) {
			continue
		}
		batch = append(batch, seg)
		if len(batch) == c.opts.CorrectBatch {
			break
		}
	}
	return batch
}

// beginFlush gives pending enrichment FlushTimeout to land before the
// transcript is finalized.
func (c *Controller) beginFlush() {
	rec := c.current.Load()
	if pending := rec.fanout.Pending(); pending > 0 {
		rec.logger.Debug().Int("pending", pending).Dur("timeout", c.opts.FlushTimeout).Msg("Waiting for enrichment")
		c.flushTimer = time.NewTimer(c.opts.FlushTimeout)
		return
	}
	c.finalize(rec)
}

func (c *Controller) checkFlush() {
	if c.flushTimer == nil {
		return
	}
	rec := c.current.Load()
	if rec.fanout.Pending() > 0 {
		return
	}
	c.flushTimer.Stop()
	c.flushTimer = nil
	c.finalize(rec)
}

func (c *Controller) onFlushTimeout() {
	rec := c.current.Load()
	rec.logger.Warn().Int("pending", rec.fanout.Pending()).Msg("Enrichment flush timed out, cancelling")
	c.finalize(rec)
}

func (c *Controller) cancelFlush() {
	if c.flushTimer != nil {
		c.flushTimer.Stop()
		c.flushTimer = nil
	}
}

// finalize cancels what is left of enrichment and hands the transcript to
// the sink.
func (c *Controller) finalize(rec *recording) {
	rec.fanout.Close()
	if rec.transcript.Snapshot().Len() == 0 {
		rec.logger.Info().Msg("Nothing recorded, transcript not stored")
		c.onStored(rec, nil)
		return
	}
	c.store(rec, func(err error) { c.onStored(rec, err) })
}

// store hands the transcript of rec to the sink in the background. done runs
// on the controller goroutine.
func (c *Controller) store(rec *recording, done func(error)) {
	if rec.stored {
		return
	}
	rec.stored = true

	endedAt := c.opts.Clock()
	language := c.opts.Language
	sink := c.deps.Sink
	timeout := c.opts.StoreTimeout

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		// persisted speaker labels still loading belong in the payload
		rec.tracker.Wait()
		payload := buildPayload(rec, language, endedAt)

		err := sink.Store(ctx, payload)
		if err != nil {
			rec.logger.Error().Err(err).Str("sink", sink.Name()).Msg("Failed to store transcript")
		} else {
			rec.logger.Info().Str("sink", sink.Name()).Int("segments", len(payload.Segments)).Msg("Transcript stored")
		}
		if done != nil {
			c.schedule(func() { done(err) })
		}
	}()
}

func (c *Controller) onStored(rec *recording, err error) {
	if err != nil {
		err = fmt.Errorf("store transcript: %w", err)
		c.setLastErr(err)
	}
	if c.current.Load() != rec || c.lifecycle.State() != StateStopping {
		return
	}

	_ = c.lifecycle.Transition(StateIdle)
	c.metrics.RecordSessionDuration(c.opts.Clock().Sub(rec.startedAt).Seconds())
	rec.logger.Info().Int("segments", rec.transcript.Snapshot().Len()).Msg("Recording finished")
	c.replyStop(err)
}

func (c *Controller) replyStop(err error) {
	for _, w := range c.stopWaiters {
		w <- err
	}
	c.stopWaiters = nil
}

// fail ends the recording on a fatal error. The transcript is kept and
// handed to the sink.
func (c *Controller) fail(err error) {
	c.setLastErr(err)
	c.metrics.RecordSessionFailed(string(apperr.KindOf(err)))

	c.abandonPipeline()
	c.cancelFlush()
	c.stopQueued = false
	prev := c.lifecycle.Fail()

	rec := c.current.Load()
	if rec != nil {
		rec.fanout.Close()
		rec.logger.Error().Err(err).Str("state", prev.String()).Msg("Recording failed")
	}

	for _, w := range c.pauseWaiters {
		w <- err
	}
	c.pauseWaiters = nil
	c.replyStop(err)

	if c.opts.OnError != nil {
		c.opts.OnError(err)
	}

	if rec != nil && rec.transcript.Snapshot().Len() > 0 {
		c.store(rec, nil)
	}
}

// shutdown runs once on the controller goroutine when Close is called.
func (c *Controller) shutdown() {
	c.closed = true
	c.abandonPipeline()
	c.cancelFlush()
	if rec := c.current.Load(); rec != nil {
		rec.fanout.Close()
	}
	c.lifecycle.Fail()

	for _, w := range c.pauseWaiters {
		w <- ErrClosed
	}
	c.pauseWaiters = nil
	c.replyStop(ErrClosed)

	// Run what was queued before quit so pending replies and enrichment
	// results settle.
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	for {
		select {
		case fn := <-c.cmds:
			fn()
		default:
			return
		}
	}
}

func (c *Controller) publishInterim(rec *recording) {
	if c.deps.Feed == nil {
		return
	}
	snap := rec.transcript.Snapshot()
	ev := models.TranscriptInterim{
		EventType: models.EventTypeInterim,
		SessionID: rec.id,
		Timestamp: c.opts.Clock().UnixMilli(),
		Text:      snap.Interim,
		SpeakerID: snap.InterimSpeaker,
	}
	if ev.SpeakerID != "" {
		ev.SpeakerLabel = rec.tracker.Label(ev.SpeakerID)
	}
	c.enqueueFeed(func(ctx context.Context) error { return c.deps.Feed.PublishInterim(ctx, ev) })
}

func (c *Controller) publishSegment(rec *recording, id int64) {
	if c.deps.Feed == nil {
		return
	}
	seg, ok := rec.transcript.Snapshot().Segment(id)
	if !ok {
		return
	}
	ev := segmentModel(rec.id, seg, rec.tracker.Label)
	ev.EventType = models.EventTypeSegment
	ev.Timestamp = c.opts.Clock().UnixMilli()
	c.enqueueFeed(func(ctx context.Context) error { return c.deps.Feed.PublishSegment(ctx, ev) })
}

// enqueueFeed hands a publish to the feed goroutine. Updates are dropped
// when the feed falls behind.
func (c *Controller) enqueueFeed(fn func(context.Context) error) {
	select {
	case c.feedQ <- fn:
	default:
		c.logger.Warn().Msg("Live feed queue full, dropping update")
	}
}

func (c *Controller) feedLoop() {
	defer close(c.feedDone)
	for fn := range c.feedQ {
		ctx, cancel := context.WithTimeout(context.Background(), c.opts.FeedTimeout)
		if err := fn(ctx); err != nil {
			c.logger.Debug().Err(err).Msg("Live feed publish failed")
		}
		cancel()
	}
}

func drain(events <-chan stt.Event) {
	for range events {
	}
}

// feedTarget republishes segments on the live feed after enrichment
// patches land.
type feedTarget struct {
	*segment.Reconciler
	c   *Controller
	rec *recording
}

func (t *feedTarget) PatchText(id int64, text string) bool {
	ok := t.Reconciler.PatchText(id, text)
	if ok {
		t.c.publishSegment(t.rec, id)
	}
	return ok
}

func (t *feedTarget) PatchTranslation(id int64, lang, text string) bool {
	ok := t.Reconciler.PatchTranslation(id, lang, text)
	if ok {
		t.c.publishSegment(t.rec, id)
	}
	return ok
}
