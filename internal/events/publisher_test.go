package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/segmentio/kafka-go"

	"live-transcription-service/internal/models"
)

// testWriter records written messages.
type testWriter struct {
	mu     sync.Mutex
	msgs   []kafka.Message
	err    error
	closed bool
}

func (w *testWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *testWriter) Close() error {
	w.closed = true
	return nil
}

func header(msg kafka.Message, key string) string {
	for _, h := range msg.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

func enabledPublisher() (*Publisher, *testWriter, *testWriter, *testWriter) {
	p := New(&Config{Enabled: false, Principal: "live-transcription", TopicInterim: "t.interim", TopicSegment: "t.segment", TopicTranscript: "t.final"})
	interim, segment, transcript := &testWriter{}, &testWriter{}, &testWriter{}
	p.writerInterim, p.writerSegment, p.writerTranscript = interim, segment, transcript
	p.enabled = true
	return p, interim, segment, transcript
}

func TestNew_DisabledMode(t *testing.T) {
	tests := []struct {
		name string
		cfg  *Config
	}{
		{"nil config", nil},
		{"disabled", &Config{Enabled: false, Brokers: []string{"localhost:9092"}}},
		{"no brokers", &Config{Enabled: true, Brokers: []string{}}},
		{"empty brokers", &Config{Enabled: true, Brokers: nil}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := New(tt.cfg)
			if p == nil {
				t.Fatal("expected non-nil publisher")
			}
			if p.enabled {
				t.Error("expected publisher to be disabled")
			}
			if p.writerInterim != nil || p.writerSegment != nil || p.writerTranscript != nil {
				t.Error("expected nil writers when disabled")
			}
		})
	}
}

func TestNew_ConfigValues(t *testing.T) {
	p := New(&Config{
		Enabled:         false,
		Brokers:         []string{"localhost:9092"},
		TopicInterim:    "test.interim",
		TopicSegment:    "test.segment",
		TopicTranscript: "test.final",
		Principal:       "test-principal",
	})

	if p.principal != "test-principal" {
		t.Errorf("expected principal 'test-principal', got %s", p.principal)
	}
	if p.topicInterim != "test.interim" || p.topicSegment != "test.segment" || p.topicTranscript != "test.final" {
		t.Errorf("unexpected topics %s %s %s", p.topicInterim, p.topicSegment, p.topicTranscript)
	}
	if p.Name() != "kafka" {
		t.Errorf("unexpected sink name %s", p.Name())
	}
}

func TestNew_EnabledCreatesWriters(t *testing.T) {
	p := New(&Config{Enabled: true, Brokers: []string{"localhost:9092"}, TopicInterim: "a", TopicSegment: "b", TopicTranscript: "c"})
	defer p.Close()

	if !p.enabled {
		t.Fatal("expected publisher to be enabled")
	}
	if w, ok := p.writerSegment.(*kafka.Writer); !ok || w.Topic != "b" {
		t.Errorf("unexpected segment writer %#v", p.writerSegment)
	}
}

func TestPublisher_DisabledPublishesNothing(t *testing.T) {
	p := New(&Config{Enabled: false})
	ctx := context.Background()

	if err := p.PublishInterim(ctx, models.TranscriptInterim{SessionID: "s", Text: "hel"}); err != nil {
		t.Errorf("expected no error when disabled, got %v", err)
	}
	if err := p.PublishSegment(ctx, models.TranscriptSegment{SessionID: "s", SegmentID: 1}); err != nil {
		t.Errorf("expected no error when disabled, got %v", err)
	}
	if err := p.Store(ctx, models.TranscriptPayload{SessionID: "s"}); err != nil {
		t.Errorf("expected no error when disabled, got %v", err)
	}
}

func TestPublisher_RoutesByTopic(t *testing.T) {
	p, interim, segment, transcript := enabledPublisher()
	ctx := context.Background()

	_ = p.PublishInterim(ctx, models.TranscriptInterim{EventType: models.EventTypeInterim, SessionID: "s1", Text: "hel"})
	_ = p.PublishSegment(ctx, models.TranscriptSegment{EventType: models.EventTypeSegment, SessionID: "s1", SegmentID: 7, Text: "hello"})
	_ = p.Store(ctx, models.TranscriptPayload{EventType: models.EventTypeTranscript, SessionID: "s1", FullText: "hello"})

	if len(interim.msgs) != 1 || len(segment.msgs) != 1 || len(transcript.msgs) != 1 {
		t.Fatalf("unexpected message counts %d %d %d", len(interim.msgs), len(segment.msgs), len(transcript.msgs))
	}

	if string(segment.msgs[0].Key) != "s1:7" {
		t.Errorf("unexpected segment key %s", segment.msgs[0].Key)
	}
	if string(transcript.msgs[0].Key) != "s1" {
		t.Errorf("unexpected transcript key %s", transcript.msgs[0].Key)
	}
	if header(segment.msgs[0], "eventType") != "segment" || header(segment.msgs[0], "principal") != "live-transcription" {
		t.Errorf("unexpected headers %+v", segment.msgs[0].Headers)
	}

	var got models.TranscriptSegment
	if err := json.Unmarshal(segment.msgs[0].Value, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.SegmentID != 7 || got.Text != "hello" {
		t.Errorf("unexpected segment %+v", got)
	}
}

func TestPublisher_WriteError(t *testing.T) {
	p, _, segment, _ := enabledPublisher()
	segment.err = errors.New("leader not available")

	if err := p.PublishSegment(context.Background(), models.TranscriptSegment{SessionID: "s", SegmentID: 1}); err == nil {
		t.Error("expected write error")
	}
}

func TestPublisher_Close(t *testing.T) {
	p, interim, segment, transcript := enabledPublisher()

	if err := p.Close(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if !interim.closed || !segment.closed || !transcript.closed {
		t.Error("expected all writers closed")
	}

	if err := New(&Config{Enabled: false}).Close(); err != nil {
		t.Errorf("expected no error closing disabled publisher, got %v", err)
	}
}
