package enrich

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"live-transcription-service/internal/apperr"
	"live-transcription-service/internal/observability/logging"
	"live-transcription-service/internal/observability/metrics"
	"live-transcription-service/internal/service/segment"
)

const tracerName = "live-transcription-service/internal/service/enrich"

// Kind is the class of an enrichment call.
type Kind string

const (
	KindCorrection  Kind = "correction"
	KindTranslation Kind = "translation"
)

// Outcome is how a call ended.
type Outcome int

const (
	// OutcomePending - the call has not settled yet.
	OutcomePending Outcome = iota
	// OutcomeApplied - the result was written to at least one segment.
	OutcomeApplied
	// OutcomeFailed - the backend failed or timed out; affected fields are
	// marked failed.
	OutcomeFailed
	// OutcomeCanceled - superseded or torn down; nothing was written.
	OutcomeCanceled
	// OutcomeDropped - succeeded, but every target segment was gone.
	OutcomeDropped
)

func (o Outcome) String() string {
	switch o {
	case OutcomePending:
		return "pending"
	case OutcomeApplied:
		return "applied"
	case OutcomeFailed:
		return "failed"
	case OutcomeCanceled:
		return "canceled"
	case OutcomeDropped:
		return "dropped"
	default:
		return fmt.Sprintf("unknown(%d)", o)
	}
}

// Target is the transcript the fan-out patches. Its methods are only called
// through the Scheduler.
type Target interface {
	Snapshot() *segment.State
	PatchText(id int64, text string) bool
	SetCorrectionState(id int64, st segment.FieldState) bool
	PatchTranslation(id int64, lang, text string) bool
	SetTranslationState(id int64, lang string, st segment.FieldState) bool
}

// Scheduler runs fn on the goroutine that owns the Target. It returns false
// when that goroutine is gone and fn will never run.
type Scheduler func(fn func()) bool

// Call is the handle of one enrichment call. A correction call holds one
// key per segment of its batch; a translation call holds a single key.
type Call struct {
	kind Kind
	keys []callKey

	cancel  context.CancelFunc
	done    chan struct{}
	once    sync.Once
	outcome Outcome
	err     error
}

// callKey identifies the field a call writes. A newer call takes over the
// keys it shares with older ones.
type callKey struct {
	kind      Kind
	segmentID int64
	lang      string
}

func newCall(kind Kind, keys ...callKey) *Call {
	return &Call{kind: kind, keys: keys, done: make(chan struct{})}
}

// settled returns a call that finished before it started.
func settled(kind Kind, outcome Outcome, err error) *Call {
	c := newCall(kind)
	c.resolve(outcome, err)
	return c
}

func (c *Call) resolve(outcome Outcome, err error) {
	c.once.Do(func() {
		c.outcome = outcome
		c.err = err
		close(c.done)
	})
}

// Kind returns the call class.
func (c *Call) Kind() Kind { return c.kind }

// Done is closed once the call has settled.
func (c *Call) Done() <-chan struct{} { return c.done }

// Outcome returns the outcome, or OutcomePending before Done is closed.
func (c *Call) Outcome() Outcome {
	select {
	case <-c.done:
		return c.outcome
	default:
		return OutcomePending
	}
}

// Err returns the failure or cancellation cause once settled.
func (c *Call) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// Wait blocks until the call settles or ctx ends.
func (c *Call) Wait(ctx context.Context) (Outcome, error) {
	select {
	case <-c.done:
		return c.outcome, c.err
	case <-ctx.Done():
		return OutcomePending, ctx.Err()
	}
}

// Options configures a FanOut.
type Options struct {
	// Timeout bounds each call. Expiry is a failure, not a cancellation.
	Timeout time.Duration
}

// DefaultOptions returns the production defaults.
func DefaultOptions() Options {
	return Options{Timeout: 20 * time.Second}
}

// FanOut issues correction and translation calls for one session. Requests
// must be made on the goroutine that owns the Target.
type FanOut struct {
	corrector  Corrector
	translator Translator
	target     Target
	schedule   Scheduler
	opts       Options

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	inflight map[callKey]*Call

	tracer trace.Tracer
	logger zerolog.Logger
}

// NewFanOut creates a fan-out scoped to parent. corrector or translator may
// be nil when that enrichment is disabled.
func NewFanOut(parent context.Context, target Target, schedule Scheduler, corrector Corrector, translator Translator, opts Options) *FanOut {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultOptions().Timeout
	}
	ctx, cancel := context.WithCancel(parent)
	return &FanOut{
		corrector:  corrector,
		translator: translator,
		target:     target,
		schedule:   schedule,
		opts:       opts,
		ctx:        ctx,
		cancel:     cancel,
		inflight:   make(map[callKey]*Call),
		tracer:     otel.Tracer(tracerName),
		logger:     logging.WithComponent("enrich"),
	}
}

// CanCorrect reports whether correction is configured.
func (f *FanOut) CanCorrect() bool { return f.corrector != nil }

// CanTranslate reports whether translation is configured.
func (f *FanOut) CanTranslate() bool { return f.translator != nil }

// Pending returns the number of calls that can still apply a result.
func (f *FanOut) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.callsLocked())
}

// Correcting reports whether a correction call currently owns segment id.
func (f *FanOut) Correcting(id int64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.inflight[callKey{kind: KindCorrection, segmentID: id}]
	return ok
}

// callsLocked returns the distinct calls in the registry.
func (f *FanOut) callsLocked() []*Call {
	seen := make(map[*Call]struct{}, len(f.inflight))
	calls := make([]*Call, 0, len(f.inflight))
	for _, c := range f.inflight {
		if _, ok := seen[c]; !ok {
			seen[c] = struct{}{}
			calls = append(calls, c)
		}
	}
	return calls
}

// ownsLocked reports whether c is still current for any of its keys.
func (f *FanOut) ownsLocked(c *Call) bool {
	for _, key := range c.keys {
		if f.inflight[key] == c {
			return true
		}
	}
	return false
}

// register installs c as the current call for each of its keys. An older
// call is cancelled once every one of its keys has been taken over; until
// then it keeps running for the keys it still owns.
func (f *FanOut) register(c *Call) {
	f.mu.Lock()
	var superseded []*Call
	for _, key := range c.keys {
		prev := f.inflight[key]
		f.inflight[key] = c
		if prev != nil && prev != c && !f.ownsLocked(prev) {
			superseded = append(superseded, prev)
		}
	}
	f.mu.Unlock()

	for _, prev := range superseded {
		prev.cancel()
		f.logger.Debug().
			Str("kind", string(prev.kind)).
			Ints64("segmentIds", segmentIDs(prev.keys)).
			Msg("Superseded in-flight enrichment call")
	}
}

// claim removes the keys c still owns from the registry and returns them.
func (f *FanOut) claim(c *Call) []callKey {
	f.mu.Lock()
	defer f.mu.Unlock()
	var owned []callKey
	for _, key := range c.keys {
		if f.inflight[key] == c {
			owned = append(owned, key)
			delete(f.inflight, key)
		}
	}
	return owned
}

func segmentIDs(keys []callKey) []int64 {
	ids := make([]int64, len(keys))
	for i, key := range keys {
		ids[i] = key.segmentID
	}
	return ids
}

// RequestCorrection proofreads segments as one batch. A newer correction
// request supersedes this one for the segments both contain; the rest of
// this batch is still applied.
func (f *FanOut) RequestCorrection(segments []segment.Segment, language string, phraseHints []string) *Call {
	if f.corrector == nil {
		return settled(KindCorrection, OutcomeFailed, apperr.Configuration("enrich.correct", "correction is not configured"))
	}
	if f.ctx.Err() != nil {
		return settled(KindCorrection, OutcomeCanceled, apperr.Cancellation("enrich.correct", "fan-out closed"))
	}
	if len(segments) == 0 {
		return settled(KindCorrection, OutcomeDropped, nil)
	}

	items := make([]CorrectionItem, 0, len(segments))
	keys := make([]callKey, 0, len(segments))
	seen := make(map[int64]bool, len(segments))
	for _, seg := range segments {
		if seen[seg.ID] {
			continue
		}
		seen[seg.ID] = true
		items = append(items, CorrectionItem{ID: seg.ID, Text: seg.Text})
		keys = append(keys, callKey{kind: KindCorrection, segmentID: seg.ID})
		f.target.SetCorrectionState(seg.ID, segment.FieldPending)
	}

	c := newCall(KindCorrection, keys...)
	ctx, cancel := context.WithTimeout(f.ctx, f.opts.Timeout)
	c.cancel = cancel
	f.register(c)

	corrector := f.corrector
	hints := append([]string(nil), phraseHints...)
	f.run(ctx, c, func(ctx context.Context, span trace.Span) (func(owned []callKey) bool, error) {
		span.SetAttributes(
			attribute.Int("segments", len(items)),
			attribute.String("language", language),
		)
		corrections, err := corrector.Correct(ctx, items, language, hints)
		if err != nil {
			return nil, err
		}
		return func(owned []callKey) bool { return f.applyCorrections(owned, corrections) }, nil
	}, func(owned []callKey) {
		for _, key := range owned {
			f.target.SetCorrectionState(key.segmentID, segment.FieldFailed)
		}
	})
	return c
}

// applyCorrections patches the owned segments that were corrected and marks
// the other owned ones as checked. It reports whether any segment still
// existed.
func (f *FanOut) applyCorrections(owned []callKey, corrections []Correction) bool {
	byID := make(map[int64]string, len(corrections))
	for _, c := range corrections {
		byID[c.ID] = c.Corrected
	}

	applied := false
	for _, key := range owned {
		id := key.segmentID
		if corrected, ok := byID[id]; ok && corrected != "" {
			applied = f.target.PatchText(id, corrected) || applied
			continue
		}
		applied = f.target.SetCorrectionState(id, segment.FieldApplied) || applied
	}
	return applied
}

// RequestTranslation translates text of segment segmentID from one language
// into another. A newer request for the same segment and target language
// supersedes this one.
func (f *FanOut) RequestTranslation(segmentID int64, text, from, to string) *Call {
	lang := NormalizeLanguage(to)
	if f.translator == nil {
		return settled(KindTranslation, OutcomeFailed, apperr.Configuration("enrich.translate", "translation is not configured"))
	}
	if lang == "" {
		return settled(KindTranslation, OutcomeFailed, apperr.Configuration("enrich.translate", "target language is empty"))
	}
	if f.ctx.Err() != nil {
		return settled(KindTranslation, OutcomeCanceled, apperr.Cancellation("enrich.translate", "fan-out closed"))
	}
	if !f.target.SetTranslationState(segmentID, lang, segment.FieldPending) {
		return settled(KindTranslation, OutcomeDropped, nil)
	}

	c := newCall(KindTranslation, callKey{kind: KindTranslation, segmentID: segmentID, lang: lang})
	ctx, cancel := context.WithTimeout(f.ctx, f.opts.Timeout)
	c.cancel = cancel
	f.register(c)

	translator := f.translator
	f.run(ctx, c, func(ctx context.Context, span trace.Span) (func(owned []callKey) bool, error) {
		span.SetAttributes(
			attribute.Int64("segment.id", segmentID),
			attribute.String("language.from", NormalizeLanguage(from)),
			attribute.String("language.to", lang),
		)
		translated, err := translator.Translate(ctx, text, from, lang)
		if err != nil {
			return nil, err
		}
		return func([]callKey) bool { return f.target.PatchTranslation(segmentID, lang, translated) }, nil
	}, func([]callKey) {
		f.target.SetTranslationState(segmentID, lang, segment.FieldFailed)
	})
	return c
}

// run executes work off the owner goroutine and hands its outcome back
// through the scheduler. apply and fail run on the owner goroutine with the
// keys c still owns, and only if it owns at least one.
func (f *FanOut) run(ctx context.Context, c *Call, work func(context.Context, trace.Span) (func(owned []callKey) bool, error), fail func(owned []callKey)) {
	metrics.DefaultMetrics.RecordFanOutStart(string(c.kind))
	f.wg.Add(1)

	go func() {
		defer f.wg.Done()
		defer c.cancel()

		start := time.Now()
		spanCtx, span := f.tracer.Start(ctx, "enrich."+string(c.kind))
		apply, err := work(spanCtx, span)
		err = f.classify(ctx, c.kind, err)

		if err != nil && !apperr.IsCancellation(err) {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()

		settle := func(outcome Outcome, cause error) {
			c.resolve(outcome, cause)
			metrics.DefaultMetrics.RecordFanOutEnd(string(c.kind), outcome.String(), time.Since(start).Seconds())
		}

		scheduled := f.schedule(func() {
			owned := f.claim(c)
			if len(owned) == 0 {
				settle(OutcomeCanceled, apperr.Cancellation("enrich."+string(c.kind), "superseded"))
				return
			}
			switch {
			case err == nil:
				if apply(owned) {
					settle(OutcomeApplied, nil)
				} else {
					settle(OutcomeDropped, nil)
				}
			case apperr.IsCancellation(err):
				settle(OutcomeCanceled, err)
			default:
				fail(owned)
				f.logger.Warn().
					Err(err).
					Str("kind", string(c.kind)).
					Ints64("segmentIds", segmentIDs(owned)).
					Str("language", owned[0].lang).
					Msg("Enrichment call failed")
				settle(OutcomeFailed, err)
			}
		})
		if !scheduled {
			f.claim(c)
			settle(OutcomeCanceled, apperr.Cancellation("enrich."+string(c.kind), "session ended"))
		}
	}()
}

// classify maps a backend error onto the taxonomy. A context cancelled by
// supersession or teardown is a cancellation; an expired timeout is a
// failure.
func (f *FanOut) classify(ctx context.Context, kind Kind, err error) error {
	if err == nil {
		return nil
	}
	op := "enrich." + string(kind)
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return apperr.Enrichment(op, fmt.Errorf("timed out after %s: %w", f.opts.Timeout, err))
	case ctx.Err() != nil:
		return apperr.Cancellation(op, ctx.Err().Error())
	case apperr.KindOf(err) != "":
		return err
	default:
		return apperr.Enrichment(op, err)
	}
}

// Close cancels every in-flight call. Pending results are discarded.
func (f *FanOut) Close() {
	f.cancel()

	f.mu.Lock()
	calls := f.callsLocked()
	clear(f.inflight)
	f.mu.Unlock()

	for _, c := range calls {
		c.cancel()
	}
	if len(calls) > 0 {
		f.logger.Info().Int("cancelled", len(calls)).Msg("Cancelled in-flight enrichment calls")
	}
}

// Wait blocks until all call goroutines have returned. It must not be called
// from the owner goroutine while calls are pending, since their results are
// delivered there.
func (f *FanOut) Wait() {
	f.wg.Wait()
}
