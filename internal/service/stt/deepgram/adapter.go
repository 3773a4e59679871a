// Package deepgram provides a Deepgram live streaming recognition backend
// over a websocket.
package deepgram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"live-transcription-service/internal/apperr"
	"live-transcription-service/internal/observability/logging"
	"live-transcription-service/internal/service/stt"
)

const defaultURL = "wss://api.deepgram.com/v1/listen"

// Config holds Deepgram settings.
type Config struct {
	APIKey      string
	URL         string
	Model       string // e.g. "nova-3"
	Punctuate   bool
	Endpointing int // milliseconds of silence before a final, 0 for default
}

// DefaultConfig returns the configuration used for live meeting audio.
func DefaultConfig() Config {
	return Config{
		URL:       defaultURL,
		Model:     "nova-3",
		Punctuate: true,
	}
}

// Backend implements stt.Backend against the Deepgram listen endpoint.
type Backend struct {
	cfg    Config
	dialer *websocket.Dialer
	logger zerolog.Logger
}

// New creates a Deepgram backend.
func New(cfg Config) *Backend {
	if cfg.URL == "" {
		cfg.URL = defaultURL
	}
	return &Backend{
		cfg: cfg,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
		},
		logger: logging.WithComponent("stt.deepgram"),
	}
}

func (b *Backend) Name() string { return "deepgram" }

// Validate checks the API key and endpoint.
func (b *Backend) Validate() error {
	if strings.TrimSpace(b.cfg.APIKey) == "" {
		return apperr.Configuration("stt.deepgram", "api key is empty")
	}
	u, err := url.Parse(b.cfg.URL)
	if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
		return apperr.Configuration("stt.deepgram", fmt.Sprintf("invalid endpoint %q", b.cfg.URL))
	}
	return nil
}

func (b *Backend) listenURL(sc stt.StreamConfig) string {
	q := url.Values{}
	if b.cfg.Model != "" {
		q.Set("model", b.cfg.Model)
	}
	q.Set("language", sc.Language)
	q.Set("encoding", "linear16")
	q.Set("sample_rate", strconv.Itoa(sc.SampleRate))
	q.Set("channels", "1")
	q.Set("interim_results", strconv.FormatBool(sc.InterimResults))
	q.Set("diarize", strconv.FormatBool(sc.Diarize))
	q.Set("punctuate", strconv.FormatBool(b.cfg.Punctuate))
	if b.cfg.Endpointing > 0 {
		q.Set("endpointing", strconv.Itoa(b.cfg.Endpointing))
	}
	for _, p := range sc.PhraseHints {
		q.Add("keyterm", p)
	}
	return b.cfg.URL + "?" + q.Encode()
}

// Dial opens the websocket. The handshake is complete once the upgrade
// succeeds.
func (b *Backend) Dial(ctx context.Context, sc stt.StreamConfig) (stt.Stream, error) {
	headers := http.Header{}
	headers.Set("Authorization", "Token "+b.cfg.APIKey)

	conn, resp, err := b.dialer.DialContext(ctx, b.listenURL(sc), headers)
	if err != nil {
		if ctx.Err() != nil {
			return nil, apperr.Cancellation("stt.deepgram.dial", ctx.Err().Error())
		}
		if resp != nil {
			err = fmt.Errorf("%w (http %d)", err, resp.StatusCode)
		}
		return nil, apperr.Connection("stt.deepgram.dial", err)
	}

	return &stream{conn: conn, logger: b.logger}, nil
}

// response is a Deepgram listen message.
type response struct {
	Type     string  `json:"type"`
	IsFinal  bool    `json:"is_final"`
	Start    float64 `json:"start"`
	Duration float64 `json:"duration"`
	Channel  struct {
		Alternatives []struct {
			Transcript string `json:"transcript"`
			Words      []struct {
				Word    string `json:"word"`
				Speaker *int   `json:"speaker"`
			} `json:"words"`
		} `json:"alternatives"`
	} `json:"channel"`
	Description string `json:"description"`
	Message     string `json:"message"`
}

// stream adapts the websocket to stt.Stream. Send and CloseSend are called
// from one goroutine, Recv from another.
type stream struct {
	conn   *websocket.Conn
	logger zerolog.Logger

	writeMu   sync.Mutex
	closeOnce sync.Once
}

func (s *stream) Send(pcm []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(websocket.BinaryMessage, pcm)
}

func (s *stream) CloseSend() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(websocket.TextMessage, []byte(`{"type": "CloseStream"}`))
}

func (s *stream) Recv() (stt.Result, error) {
	for {
		_, msg, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return stt.Result{Reason: stt.ReasonSessionStopped}, nil
			}
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				return stt.Result{Reason: stt.ReasonCanceled, Err: err}, nil
			}
			return stt.Result{}, apperr.Connection("stt.deepgram.recv", err)
		}

		r, ok := convert(msg, s.logger)
		if ok {
			return r, nil
		}
	}
}

func (s *stream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.conn.Close()
	})
	return err
}

// convert maps one message to a result. ok is false for messages that carry
// no recognition content.
func convert(msg []byte, logger zerolog.Logger) (stt.Result, bool) {
	var resp response
	if err := json.Unmarshal(msg, &resp); err != nil {
		logger.Warn().Err(err).Msg("Failed to parse Deepgram message")
		return stt.Result{}, false
	}

	switch resp.Type {
	case "Results":
	case "Error":
		detail := resp.Description
		if detail == "" {
			detail = resp.Message
		}
		return stt.Result{Reason: stt.ReasonCanceled, Err: errors.New(detail)}, true
	default:
		// Metadata, SpeechStarted, UtteranceEnd
		return stt.Result{}, false
	}

	if len(resp.Channel.Alternatives) == 0 {
		return stt.Result{}, false
	}
	alt := resp.Channel.Alternatives[0]
	text := strings.TrimSpace(alt.Transcript)
	if text == "" {
		return stt.Result{}, false
	}

	counts := make(map[int]int)
	best := -1
	for _, w := range alt.Words {
		if w.Speaker == nil {
			continue
		}
		counts[*w.Speaker]++
		if best < 0 || counts[*w.Speaker] > counts[best] {
			best = *w.Speaker
		}
	}
	speaker := ""
	if best >= 0 {
		speaker = fmt.Sprintf("Guest-%d", best+1)
	}

	if !resp.IsFinal {
		return stt.Result{Reason: stt.ReasonRecognizing, Text: text, SpeakerID: speaker}, true
	}
	return stt.Result{
		Reason:    stt.ReasonRecognized,
		Text:      text,
		SpeakerID: speaker,
		Offset:    seconds(resp.Start),
		Duration:  seconds(resp.Duration),
		HasTiming: true,
	}, true
}

func seconds(f float64) time.Duration {
	return time.Duration(f * float64(time.Second))
}
