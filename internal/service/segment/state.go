// Package segment turns recognition events into the transcript: an ordered
// list of segments plus the current interim text.
package segment

import (
	"fmt"
	"sort"
	"strings"
)

// FieldState tracks an enrichment field of a segment.
type FieldState int

const (
	// FieldPending - not enriched yet, or a call is in flight.
	FieldPending FieldState = iota
	// FieldApplied - the enrichment result was written.
	FieldApplied
	// FieldFailed - the last call failed; prior content is kept.
	FieldFailed
)

// String returns the string representation of the state.
func (s FieldState) String() string {
	switch s {
	case FieldPending:
		return "PENDING"
	case FieldApplied:
		return "APPLIED"
	case FieldFailed:
		return "FAILED"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", s)
	}
}

func (s FieldState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Translation is one target language of a segment.
type Translation struct {
	Text  string     `json:"text"`
	State FieldState `json:"state"`
}

// Segment is a finalized unit of transcript. ID and the time range never
// change after creation.
type Segment struct {
	ID         int64  `json:"id"`
	Text       string `json:"text"`
	SpeakerTag string `json:"speakerTag,omitempty"`
	StartMs    int64  `json:"startMs"`
	EndMs      int64  `json:"endMs"`

	Correction   FieldState             `json:"correction"`
	Translations map[string]Translation `json:"translations,omitempty"`
}

// Translation returns the translation into lang, if one was requested.
func (s Segment) Translation(lang string) (Translation, bool) {
	tr, ok := s.Translations[lang]
	return tr, ok
}

// State is an immutable view of the transcript. A State returned by
// Reconciler.Snapshot is never modified afterwards; callers must not modify
// it either.
type State struct {
	Segments []Segment `json:"segments"`

	// Interim is the in-progress hypothesis, not yet a segment.
	Interim        string `json:"interim,omitempty"`
	InterimSpeaker string `json:"interimSpeaker,omitempty"`

	// Version increases with every mutation.
	Version uint64 `json:"version"`
}

// Segment looks a segment up by id.
func (s *State) Segment(id int64) (Segment, bool) {
	i, ok := s.index(id)
	if !ok {
		return Segment{}, false
	}
	return s.Segments[i], true
}

// index relies on ids being strictly increasing along Segments.
func (s *State) index(id int64) (int, bool) {
	i := sort.Search(len(s.Segments), func(i int) bool { return s.Segments[i].ID >= id })
	if i < len(s.Segments) && s.Segments[i].ID == id {
		return i, true
	}
	return 0, false
}

// Len returns the number of segments.
func (s *State) Len() int {
	return len(s.Segments)
}

// SpeakerCounts returns the number of segments per raw speaker tag.
func (s *State) SpeakerCounts() map[string]int {
	counts := make(map[string]int)
	for _, seg := range s.Segments {
		if seg.SpeakerTag != "" {
			counts[seg.SpeakerTag]++
		}
	}
	return counts
}

// Uncorrected returns up to limit segments whose correction is not applied,
// oldest first. limit <= 0 means no limit.
func (s *State) Uncorrected(limit int) []Segment {
	var out []Segment
	for _, seg := range s.Segments {
		if seg.Correction == FieldApplied {
			continue
		}
		out = append(out, seg)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

// Text joins segment text in order. label maps a raw speaker tag to its
// display name; with a nil label speakers are omitted.
func (s *State) Text(label func(rawTag string) string) string {
	var b strings.Builder
	for i, seg := range s.Segments {
		if i > 0 {
			b.WriteByte('\n')
		}
		if label != nil && seg.SpeakerTag != "" {
			b.WriteString(label(seg.SpeakerTag))
			b.WriteString(": ")
		}
		b.WriteString(seg.Text)
	}
	return b.String()
}
