package segment

import (
	"maps"
	"slices"
	"sync/atomic"

	"github.com/rs/zerolog"

	"live-transcription-service/internal/observability/logging"
	"live-transcription-service/internal/observability/metrics"
	"live-transcription-service/internal/service/speaker"
	"live-transcription-service/internal/service/stt"
)

// SpeakerResolver registers raw tags as they appear in finals.
type SpeakerResolver interface {
	Resolve(rawTag string) speaker.Identity
}

// Reconciler applies recognition events and enrichment patches to the
// transcript. Every mutation publishes a new State.
//
// Mutating methods must be called from a single goroutine. Snapshot may be
// called from any goroutine.
type Reconciler struct {
	ids      *Generator
	speakers SpeakerResolver
	state    atomic.Pointer[State]
	logger   zerolog.Logger
}

// NewReconciler creates an empty transcript. speakers may be nil.
func NewReconciler(speakers SpeakerResolver) *Reconciler {
	r := &Reconciler{
		ids:      New(),
		speakers: speakers,
		logger:   logging.WithComponent("segment"),
	}
	r.state.Store(&State{})
	return r
}

// Snapshot returns the current transcript.
func (r *Reconciler) Snapshot() *State {
	return r.state.Load()
}

func (r *Reconciler) publish(next *State) {
	next.Version = r.state.Load().Version + 1
	r.state.Store(next)
}

// Apply folds one event into the transcript. It returns the new segment and
// true when the event was a final; finals are the only way segments are
// created.
func (r *Reconciler) Apply(ev stt.Event) (Segment, bool) {
	cur := r.state.Load()

	switch ev.Kind {
	case stt.EventInterim:
		next := *cur
		next.Interim = ev.Text
		if ev.SpeakerTag != "" {
			next.InterimSpeaker = ev.SpeakerTag
		}
		r.publish(&next)
		return Segment{}, false

	case stt.EventFinal:
		tag := ev.SpeakerTag
		if tag == "" {
			tag = cur.InterimSpeaker
		}
		if tag != "" && r.speakers != nil {
			r.speakers.Resolve(tag)
		}

		seg := Segment{
			ID:         r.ids.Next(),
			Text:       ev.Text,
			SpeakerTag: tag,
			StartMs:    ev.StartMs,
			EndMs:      ev.EndMs,
			Correction: FieldPending,
		}
		r.publish(&State{
			Segments: append(slices.Clip(cur.Segments), seg),
		})

		metrics.DefaultMetrics.RecordSegmentCreated()
		r.logger.Debug().
			Int64("segmentId", seg.ID).
			Str("speakerTag", tag).
			Int64("startMs", seg.StartMs).
			Int64("endMs", seg.EndMs).
			Msg("Segment created")
		return seg, true

	default:
		// Error and Ended are the controller's concern.
		return Segment{}, false
	}
}

// ClearInterim drops the in-progress hypothesis, e.g. when audio pauses
// before a final arrives.
func (r *Reconciler) ClearInterim() {
	cur := r.state.Load()
	if cur.Interim == "" && cur.InterimSpeaker == "" {
		return
	}
	next := *cur
	next.Interim = ""
	next.InterimSpeaker = ""
	r.publish(&next)
}

// patch replaces segment id with fn applied to a copy of it. It reports false
// when the segment no longer exists.
func (r *Reconciler) patch(id int64, fn func(*Segment)) bool {
	cur := r.state.Load()
	i, ok := cur.index(id)
	if !ok {
		return false
	}

	next := *cur
	next.Segments = slices.Clone(cur.Segments)
	seg := next.Segments[i]
	seg.Translations = maps.Clone(seg.Translations)
	fn(&seg)
	next.Segments[i] = seg
	r.publish(&next)
	return true
}

// PatchText replaces the text of a segment with its corrected form.
func (r *Reconciler) PatchText(id int64, text string) bool {
	return r.patch(id, func(s *Segment) {
		s.Text = text
		s.Correction = FieldApplied
	})
}

// SetCorrectionState records a correction outcome without touching text.
func (r *Reconciler) SetCorrectionState(id int64, st FieldState) bool {
	return r.patch(id, func(s *Segment) {
		s.Correction = st
	})
}

// PatchTranslation stores the translation of a segment into lang.
func (r *Reconciler) PatchTranslation(id int64, lang, text string) bool {
	return r.patch(id, func(s *Segment) {
		if s.Translations == nil {
			s.Translations = make(map[string]Translation)
		}
		s.Translations[lang] = Translation{Text: text, State: FieldApplied}
	})
}

// SetTranslationState records a translation outcome, keeping any earlier
// translated text.
func (r *Reconciler) SetTranslationState(id int64, lang string, st FieldState) bool {
	return r.patch(id, func(s *Segment) {
		if s.Translations == nil {
			s.Translations = make(map[string]Translation)
		}
		tr := s.Translations[lang]
		tr.State = st
		s.Translations[lang] = tr
	})
}

// Reset empties the transcript. Ids keep increasing, so patches aimed at
// the old segments are dropped.
func (r *Reconciler) Reset() {
	r.publish(&State{})
}
