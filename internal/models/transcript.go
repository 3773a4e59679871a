// Package models defines the data structures for transcript events.
package models

import "time"

const (
	EventTypeInterim    = "transcript.interim"
	EventTypeSegment    = "transcript.segment"
	EventTypeTranscript = "transcript.final"
)

// TranscriptInterim represents the in-progress hypothesis of a recording.
type TranscriptInterim struct {
	EventType    string `json:"eventType"`
	SessionID    string `json:"sessionId"`
	Timestamp    int64  `json:"timestamp"`
	Text         string `json:"text"`
	SpeakerID    string `json:"speakerId,omitempty"`
	SpeakerLabel string `json:"speakerLabel,omitempty"`
}

// TranscriptSegment represents one finalized segment.
type TranscriptSegment struct {
	EventType    string                 `json:"eventType,omitempty"`
	SessionID    string                 `json:"sessionId,omitempty"`
	Timestamp    int64                  `json:"timestamp,omitempty"`
	SegmentID    int64                  `json:"segmentId"`
	Text         string                 `json:"text"`
	SpeakerID    string                 `json:"speakerId,omitempty"`
	SpeakerLabel string                 `json:"speakerLabel,omitempty"`
	StartMs      int64                  `json:"startMs"`
	EndMs        int64                  `json:"endMs"`
	Correction   string                 `json:"correction,omitempty"`
	Translations map[string]Translation `json:"translations,omitempty"`
}

// Translation is one translated rendering of a segment.
type Translation struct {
	Text  string `json:"text"`
	State string `json:"state"`
}

// Speaker is a speaker identity in a finalized transcript.
type Speaker struct {
	ID           string `json:"id"`
	Label        string `json:"label"`
	SegmentCount int    `json:"segmentCount"`
}

// TranscriptPayload is the finalized transcript handed to storage.
type TranscriptPayload struct {
	EventType string              `json:"eventType"`
	SessionID string              `json:"sessionId"`
	Language  string              `json:"language"`
	StartedAt time.Time           `json:"startedAt"`
	EndedAt   time.Time           `json:"endedAt"`
	Segments  []TranscriptSegment `json:"segments"`
	FullText  string              `json:"fullText"`
	Speakers  []Speaker           `json:"speakers"`
}
