package stt

import "fmt"

// EventKind tags a recognition Event.
type EventKind int

const (
	EventInterim EventKind = iota
	EventFinal
	EventError
	EventEnded
)

func (k EventKind) String() string {
	switch k {
	case EventInterim:
		return "interim"
	case EventFinal:
		return "final"
	case EventError:
		return "error"
	case EventEnded:
		return "ended"
	default:
		return fmt.Sprintf("unknown(%d)", k)
	}
}

// Event is the typed recognition event consumed by the reconciler.
// StartMs and EndMs are only set for EventFinal, Err only for EventError.
type Event struct {
	Kind       EventKind
	Text       string
	SpeakerTag string
	StartMs    int64
	EndMs      int64
	Err        error
}

// Interim builds an interim event.
func Interim(text, speakerTag string) Event {
	return Event{Kind: EventInterim, Text: text, SpeakerTag: speakerTag}
}

// Final builds a final event.
func Final(text, speakerTag string, startMs, endMs int64) Event {
	return Event{Kind: EventFinal, Text: text, SpeakerTag: speakerTag, StartMs: startMs, EndMs: endMs}
}
