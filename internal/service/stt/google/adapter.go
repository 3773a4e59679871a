// Package google provides a Google Cloud Speech-to-Text recognition backend.
package google

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	speech "cloud.google.com/go/speech/apiv1"
	"cloud.google.com/go/speech/apiv1/speechpb"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"live-transcription-service/internal/apperr"
	"live-transcription-service/internal/observability"
	"live-transcription-service/internal/observability/metrics"
	"live-transcription-service/internal/service/stt"
)

// Config holds Google Speech-to-Text settings.
type Config struct {
	CredentialsFile string // falls back to GOOGLE_APPLICATION_CREDENTIALS
	Endpoint        string // optional regional endpoint, e.g. "eu-speech.googleapis.com:443"
	Model           string
	AudioEncoding   string
	MaxSpeakers     int32
	Punctuation     bool
}

// DefaultConfig returns the configuration used for live meeting audio.
func DefaultConfig() Config {
	return Config{
		Model:         "latest_long",
		AudioEncoding: "LINEAR16",
		MaxSpeakers:   6,
		Punctuation:   true,
	}
}

// Backend implements stt.Backend using StreamingRecognize.
type Backend struct {
	cfg Config
}

// New creates a Google backend.
func New(cfg Config) *Backend {
	if cfg.AudioEncoding == "" {
		cfg.AudioEncoding = "LINEAR16"
	}
	return &Backend{cfg: cfg}
}

func (b *Backend) Name() string { return "google" }

// Validate checks that credentials are configured.
func (b *Backend) Validate() error {
	path := b.cfg.CredentialsFile
	if path == "" {
		path = os.Getenv("GOOGLE_APPLICATION_CREDENTIALS")
	}
	if strings.TrimSpace(path) == "" {
		return apperr.Configuration("stt.google", "credentials file is empty")
	}
	if _, err := os.Stat(path); err != nil {
		return apperr.Configuration("stt.google", fmt.Sprintf("credentials file %q is not readable", path))
	}
	return nil
}

// Dial opens a streaming session and sends the recognition config as the
// first message.
func (b *Backend) Dial(ctx context.Context, sc stt.StreamConfig) (stt.Stream, error) {
	opts := []option.ClientOption{
		option.WithGRPCDialOption(grpc.WithChainStreamInterceptor(
			observability.StreamClientInterceptor(b.Name(), metrics.DefaultMetrics),
		)),
	}
	if b.cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(b.cfg.CredentialsFile))
	}
	if b.cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(b.cfg.Endpoint))
	}

	client, err := speech.NewClient(ctx, opts...)
	if err != nil {
		return nil, apperr.Connection("stt.google.client", err)
	}

	rpc, err := client.StreamingRecognize(ctx)
	if err != nil {
		client.Close()
		return nil, classify("stt.google.dial", err)
	}

	if err := rpc.Send(&speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_StreamingConfig{
			StreamingConfig: b.streamingConfig(sc),
		},
	}); err != nil {
		client.Close()
		return nil, classify("stt.google.config", err)
	}

	return &stream{client: client, rpc: rpc}, nil
}

func (b *Backend) streamingConfig(sc stt.StreamConfig) *speechpb.StreamingRecognitionConfig {
	rc := &speechpb.RecognitionConfig{
		Encoding:                   parseAudioEncoding(b.cfg.AudioEncoding),
		SampleRateHertz:            int32(sc.SampleRate),
		AudioChannelCount:          1,
		LanguageCode:               sc.Language,
		Model:                      b.cfg.Model,
		EnableAutomaticPunctuation: b.cfg.Punctuation,
		EnableWordTimeOffsets:      true,
	}
	if sc.Diarize {
		rc.DiarizationConfig = &speechpb.SpeakerDiarizationConfig{
			EnableSpeakerDiarization: true,
			MinSpeakerCount:          1,
			MaxSpeakerCount:          max(b.cfg.MaxSpeakers, 1),
		}
	}
	if len(sc.PhraseHints) > 0 {
		rc.SpeechContexts = []*speechpb.SpeechContext{{Phrases: sc.PhraseHints}}
	}
	return &speechpb.StreamingRecognitionConfig{
		Config:         rc,
		InterimResults: sc.InterimResults,
	}
}

// stream adapts the gRPC client stream to stt.Stream.
type stream struct {
	client  *speech.Client
	rpc     speechpb.Speech_StreamingRecognizeClient
	pending []stt.Result

	closeOnce sync.Once
}

func (s *stream) Send(pcm []byte) error {
	return s.rpc.Send(&speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_AudioContent{
			AudioContent: pcm,
		},
	})
}

func (s *stream) CloseSend() error {
	return s.rpc.CloseSend()
}

func (s *stream) Recv() (stt.Result, error) {
	for len(s.pending) == 0 {
		resp, err := s.rpc.Recv()
		if errors.Is(err, io.EOF) {
			return stt.Result{Reason: stt.ReasonSessionStopped}, nil
		}
		if err != nil {
			return stt.Result{}, classify("stt.google.recv", err)
		}
		s.pending = convertResponse(resp)
	}
	r := s.pending[0]
	s.pending = s.pending[1:]
	return r, nil
}

func (s *stream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.client.Close()
	})
	return err
}

// convertResponse maps one response to results: finals in order, then the
// combined interim hypothesis of all non-final results.
func convertResponse(resp *speechpb.StreamingRecognizeResponse) []stt.Result {
	if resp.Error != nil && resp.Error.Code != int32(codes.OK) {
		return []stt.Result{{Reason: stt.ReasonCanceled, Err: status.ErrorProto(resp.Error)}}
	}

	var out []stt.Result
	var interim []string
	interimSpeaker := ""

	for _, r := range resp.Results {
		if len(r.Alternatives) == 0 {
			continue
		}
		alt := r.Alternatives[0]
		if !r.IsFinal {
			interim = append(interim, strings.TrimSpace(alt.Transcript))
			if interimSpeaker == "" {
				interimSpeaker = speakerOf(alt.Words)
			}
			continue
		}

		res := stt.Result{
			Reason:    stt.ReasonRecognized,
			Text:      strings.TrimSpace(alt.Transcript),
			SpeakerID: speakerOf(alt.Words),
		}
		if n := len(alt.Words); n > 0 && alt.Words[0].StartTime != nil && alt.Words[n-1].EndTime != nil {
			start := alt.Words[0].StartTime.AsDuration()
			end := alt.Words[n-1].EndTime.AsDuration()
			res.HasTiming = true
			res.Offset = start
			res.Duration = end - start
		}
		out = append(out, res)
	}

	if len(interim) > 0 {
		out = append(out, stt.Result{
			Reason:    stt.ReasonRecognizing,
			Text:      strings.Join(interim, " "),
			SpeakerID: interimSpeaker,
		})
	}
	return out
}

// speakerOf returns the most frequent diarization tag among words.
func speakerOf(words []*speechpb.WordInfo) string {
	counts := make(map[int32]int)
	var best int32
	for _, w := range words {
		if w.SpeakerTag <= 0 {
			continue
		}
		counts[w.SpeakerTag]++
		if best == 0 || counts[w.SpeakerTag] > counts[best] {
			best = w.SpeakerTag
		}
	}
	if best == 0 {
		return ""
	}
	return fmt.Sprintf("Guest-%d", best)
}

// classify maps gRPC status codes onto the error taxonomy.
func classify(op string, err error) error {
	switch status.Code(err) {
	case codes.Unauthenticated, codes.PermissionDenied, codes.Unavailable, codes.DeadlineExceeded:
		return apperr.Connection(op, err)
	case codes.Canceled:
		return apperr.Cancellation(op, err.Error())
	default:
		return apperr.Recognition(op, err)
	}
}

// parseAudioEncoding converts a string to Google's AudioEncoding enum.
func parseAudioEncoding(encoding string) speechpb.RecognitionConfig_AudioEncoding {
	switch encoding {
	case "LINEAR16":
		return speechpb.RecognitionConfig_LINEAR16
	case "FLAC":
		return speechpb.RecognitionConfig_FLAC
	case "MULAW":
		return speechpb.RecognitionConfig_MULAW
	case "OGG_OPUS":
		return speechpb.RecognitionConfig_OGG_OPUS
	case "WEBM_OPUS":
		return speechpb.RecognitionConfig_WEBM_OPUS
	default:
		return speechpb.RecognitionConfig_LINEAR16
	}
}
