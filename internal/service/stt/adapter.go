// Package stt defines the recognition backend boundary and the Session that
// turns a backend stream into a typed event sequence.
package stt

import (
	"context"
	"fmt"
	"time"
)

// Reason is the backend-native classification of a recognition result.
type Reason int

const (
	// ReasonRecognizing is a provisional hypothesis for the current utterance.
	ReasonRecognizing Reason = iota
	// ReasonRecognized is a confirmed result that will not change further.
	ReasonRecognized
	// ReasonCanceled means the backend aborted recognition. Result.Err says why.
	ReasonCanceled
	// ReasonSessionStopped means the backend closed the session cleanly.
	ReasonSessionStopped
)

// String returns the string representation of the reason.
func (r Reason) String() string {
	switch r {
	case ReasonRecognizing:
		return "RECOGNIZING"
	case ReasonRecognized:
		return "RECOGNIZED"
	case ReasonCanceled:
		return "CANCELED"
	case ReasonSessionStopped:
		return "SESSION_STOPPED"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", r)
	}
}

// Result is one message received from a recognition backend.
type Result struct {
	Reason    Reason
	Text      string
	SpeakerID string // raw speaker tag, empty when diarization is off

	// Offset and Duration are relative to the start of the stream and only
	// meaningful when HasTiming is set.
	Offset    time.Duration
	Duration  time.Duration
	HasTiming bool

	Err error // set for ReasonCanceled
}

// StreamConfig is sent to the backend when a stream is opened.
type StreamConfig struct {
	Language       string
	SampleRate     int
	InterimResults bool
	Diarize        bool
	PhraseHints    []string
}

// Stream is one open recognition session on a backend.
type Stream interface {
	// Send forwards LINEAR16 audio.
	Send(pcm []byte) error
	// CloseSend signals end of audio. The backend keeps delivering pending
	// results and then reports ReasonSessionStopped.
	CloseSend() error
	// Recv blocks for the next result. Transport failures are returned as
	// errors classified with apperr.
	Recv() (Result, error)
	// Close releases every backend resource. Safe to call more than once.
	Close() error
}

// Backend opens recognition streams (Google, Deepgram, mock).
type Backend interface {
	Name() string
	// Validate checks credentials and endpoints without any network call.
	Validate() error
	// Dial performs the session handshake.
	Dial(ctx context.Context, cfg StreamConfig) (Stream, error)
}
