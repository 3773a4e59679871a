// Package events publishes the live transcript feed to Kafka.
package events

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"live-transcription-service/internal/models"
	"live-transcription-service/internal/observability/logging"
	"live-transcription-service/internal/observability/metrics"
)

// messageWriter is the part of *kafka.Writer the publisher uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher publishes interim, segment and finalized transcript events to
// separate Kafka topics. It doubles as a storage sink for finalized
// transcripts.
type Publisher struct {
	writerInterim    messageWriter
	writerSegment    messageWriter
	writerTranscript messageWriter
	principal        string
	topicInterim     string
	topicSegment     string
	topicTranscript  string
	enabled          bool
	metrics          *metrics.Metrics
	logger           zerolog.Logger
}

// Config holds Kafka publisher configuration.
type Config struct {
	Brokers         []string
	TopicInterim    string
	TopicSegment    string
	TopicTranscript string
	Principal       string
	Enabled         bool
}

// New creates a Kafka publisher. With a nil or disabled config the
// publisher only logs events.
func New(cfg *Config) *Publisher {
	m := metrics.DefaultMetrics
	logger := logging.WithComponent("events")

	if cfg == nil {
		logger.Info().Msg("Kafka disabled (nil config), using log-only mode")
		return &Publisher{enabled: false, metrics: m, logger: logger}
	}

	p := &Publisher{
		principal:       cfg.Principal,
		topicInterim:    cfg.TopicInterim,
		topicSegment:    cfg.TopicSegment,
		topicTranscript: cfg.TopicTranscript,
		metrics:         m,
		logger:          logger,
	}

	if !cfg.Enabled || len(cfg.Brokers) == 0 {
		logger.Info().Msg("Kafka disabled, using log-only mode")
		return p
	}

	// Longer dial timeout for DNS resolution in Kubernetes
	dialer := &kafka.Dialer{
		Timeout:   10 * time.Second,
		DualStack: true,
	}
	transport := &kafka.Transport{Dial: dialer.DialFunc}

	newWriter := func(topic string) *kafka.Writer {
		return &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			BatchTimeout: 10 * time.Millisecond,
			WriteTimeout: 10 * time.Second,
			RequiredAcks: kafka.RequireOne,
			Transport:    transport,
		}
	}

	p.writerInterim = newWriter(cfg.TopicInterim)
	p.writerSegment = newWriter(cfg.TopicSegment)
	p.writerTranscript = newWriter(cfg.TopicTranscript)
	p.enabled = true

	logger.Info().
		Strs("brokers", cfg.Brokers).
		Str("topicInterim", cfg.TopicInterim).
		Str("topicSegment", cfg.TopicSegment).
		Str("topicTranscript", cfg.TopicTranscript).
		Str("principal", cfg.Principal).
		Msg("Kafka publisher initialized")

	return p
}

// PublishInterim publishes the current interim hypothesis.
func (p *Publisher) PublishInterim(ctx context.Context, ev models.TranscriptInterim) error {
	return p.publish(ctx, p.writerInterim, p.topicInterim, "interim", ev.SessionID, ev)
}

// PublishSegment publishes a segment. The same segment id may be published
// again after correction or translation; consumers keep the latest.
func (p *Publisher) PublishSegment(ctx context.Context, ev models.TranscriptSegment) error {
	return p.publish(ctx, p.writerSegment, p.topicSegment, "segment", ev.SessionID+":"+strconv.FormatInt(ev.SegmentID, 10), ev)
}

// PublishTranscript publishes a finalized transcript.
func (p *Publisher) PublishTranscript(ctx context.Context, payload models.TranscriptPayload) error {
	return p.publish(ctx, p.writerTranscript, p.topicTranscript, "transcript", payload.SessionID, payload)
}

// Name implements storage.Sink.
func (p *Publisher) Name() string { return "kafka" }

// Store implements storage.Sink.
func (p *Publisher) Store(ctx context.Context, payload models.TranscriptPayload) error {
	return p.PublishTranscript(ctx, payload)
}

func (p *Publisher) publish(ctx context.Context, writer messageWriter, topic, eventType, key string, event any) error {
	start := time.Now()

	payload, err := json.Marshal(event)
	if err != nil {
		p.logger.Error().Err(err).Str("topic", topic).Msg("Failed to marshal event")
		return err
	}

	p.logger.Debug().
		Str("principal", p.principal).
		Str("topic", topic).
		Str("key", key).
		RawJSON("payload", payload).
		Msg("Publishing event")

	if !p.enabled || writer == nil {
		p.metrics.RecordKafkaPublish(topic, eventType, nil, time.Since(start).Seconds())
		return nil
	}

	msg := kafka.Message{
		Key:   []byte(key),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "eventType", Value: []byte(eventType)},
			{Key: "principal", Value: []byte(p.principal)},
		},
	}

	if err := writer.WriteMessages(ctx, msg); err != nil {
		p.logger.Error().
			Err(err).
			Str("topic", topic).
			Str("key", key).
			Msg("Failed to write to Kafka")
		p.metrics.RecordKafkaPublish(topic, eventType, err, time.Since(start).Seconds())
		return err
	}

	p.metrics.RecordKafkaPublish(topic, eventType, nil, time.Since(start).Seconds())
	return nil
}

// Close closes all Kafka writers.
func (p *Publisher) Close() error {
	var err error
	for name, w := range map[string]messageWriter{
		"interim":    p.writerInterim,
		"segment":    p.writerSegment,
		"transcript": p.writerTranscript,
	} {
		if w == nil {
			continue
		}
		if e := w.Close(); e != nil {
			p.logger.Error().Err(e).Str("writer", name).Msg("Error closing writer")
			err = e
		}
	}
	return err
}
