package storage

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"

	"live-transcription-service/internal/apperr"
	"live-transcription-service/internal/models"
)

// testS3 records PutObject calls.
type testS3 struct {
	inputs []*awss3.PutObjectInput
	bodies [][]byte
	err    error
}

func (c *testS3) PutObject(ctx context.Context, in *awss3.PutObjectInput, _ ...func(*awss3.Options)) (*awss3.PutObjectOutput, error) {
	body, _ := io.ReadAll(in.Body)
	c.inputs = append(c.inputs, in)
	c.bodies = append(c.bodies, body)
	if c.err != nil {
		return nil, c.err
	}
	return &awss3.PutObjectOutput{}, nil
}

func samplePayload() models.TranscriptPayload {
	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	return models.TranscriptPayload{
		EventType: models.EventTypeTranscript,
		SessionID: "0b7c2c5e-5d55-4c1c-9d7e-3f0c8f6a0c11",
		Language:  "en-US",
		StartedAt: start,
		EndedAt:   start.Add(time.Minute),
		Segments: []models.TranscriptSegment{
			{SegmentID: 1, Text: "hello", SpeakerID: "Guest-1", SpeakerLabel: "Alice", StartMs: 0, EndMs: 900},
		},
		FullText: "Alice: hello",
		Speakers: []models.Speaker{{ID: "Guest-1", Label: "Alice", SegmentCount: 1}},
	}
}

func TestS3Sink_Store(t *testing.T) {
	client := &testS3{}
	sink := NewS3SinkWithClient(client, "transcripts", "meetings/2026")

	payload := samplePayload()
	if err := sink.Store(context.Background(), payload); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(client.inputs) != 1 {
		t.Fatalf("expected one upload, got %d", len(client.inputs))
	}
	in := client.inputs[0]
	if *in.Bucket != "transcripts" {
		t.Errorf("unexpected bucket %s", *in.Bucket)
	}
	if want := "meetings/2026/" + payload.SessionID + ".json"; *in.Key != want {
		t.Errorf("key = %s, want %s", *in.Key, want)
	}
	if *in.ContentType != "application/json" {
		t.Errorf("unexpected content type %s", *in.ContentType)
	}

	var got models.TranscriptPayload
	if err := json.Unmarshal(client.bodies[0], &got); err != nil {
		t.Fatalf("body is not a transcript: %v", err)
	}
	if got.SessionID != payload.SessionID || got.FullText != "Alice: hello" || len(got.Segments) != 1 {
		t.Errorf("unexpected stored payload %+v", got)
	}
}

func TestS3Sink_FailureIsReturned(t *testing.T) {
	sink := NewS3SinkWithClient(&testS3{err: errors.New("access denied")}, "transcripts", "")

	err := sink.Store(context.Background(), samplePayload())
	if err == nil {
		t.Fatal("expected error")
	}
	if sink.Key("abc") != "abc.json" {
		t.Errorf("unexpected key without prefix: %s", sink.Key("abc"))
	}
}

func TestNewS3Sink_RequiresBucket(t *testing.T) {
	_, err := NewS3Sink(context.Background(), S3Config{Region: "eu-west-1"})
	if apperr.KindOf(err) != apperr.KindConfiguration {
		t.Errorf("expected configuration error, got %v", err)
	}
}

func TestLogSink_Store(t *testing.T) {
	sink := NewLogSink()
	if sink.Name() != "log" {
		t.Errorf("unexpected name %s", sink.Name())
	}
	if err := sink.Store(context.Background(), samplePayload()); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}
