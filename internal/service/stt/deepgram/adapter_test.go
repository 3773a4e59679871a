package deepgram

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"live-transcription-service/internal/apperr"
	"live-transcription-service/internal/service/stt"
)

const interimMsg = `{"type":"Results","is_final":false,"start":0,"duration":0.5,
 "channel":{"alternatives":[{"transcript":"hello","words":[{"word":"hello","speaker":0}]}]}}`

const finalMsg = `{"type":"Results","is_final":true,"start":1.25,"duration":0.75,
 "channel":{"alternatives":[{"transcript":"hello world","words":[
   {"word":"hello","speaker":1},{"word":"world","speaker":1}]}]}}`

// fakeListen emulates the listen endpoint: one interim after the first audio
// frame, one final and a normal close after CloseStream.
func fakeListen(t *testing.T, gotQuery chan<- url.Values) http.HandlerFunc {
	upgrader := websocket.Upgrader{}
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Token secret" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if gotQuery != nil {
			gotQuery <- r.URL.Query()
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()

		frames := 0
		for {
			mt, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if mt == websocket.BinaryMessage {
				frames++
				if frames == 1 {
					_ = conn.WriteMessage(websocket.TextMessage, []byte(interimMsg))
				}
				continue
			}
			if strings.Contains(string(msg), "CloseStream") {
				_ = conn.WriteMessage(websocket.TextMessage, []byte(finalMsg))
				_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"Metadata"}`))
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
		}
	}
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"missing key", Config{URL: defaultURL}, true},
		{"bad scheme", Config{APIKey: "k", URL: "https://api.deepgram.com/v1/listen"}, true},
		{"ok", Config{APIKey: "k"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := New(tt.cfg).Validate()
			if tt.wantErr && apperr.KindOf(err) != apperr.KindConfiguration {
				t.Errorf("expected configuration error, got %v", err)
			}
			if !tt.wantErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestStream_EndToEnd(t *testing.T) {
	queries := make(chan url.Values, 1)
	srv := httptest.NewServer(fakeListen(t, queries))
	defer srv.Close()

	b := New(Config{APIKey: "secret", URL: wsURL(srv), Model: "nova-3"})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	s, err := b.Dial(ctx, stt.StreamConfig{
		Language:       "en-US",
		SampleRate:     16000,
		InterimResults: true,
		Diarize:        true,
		PhraseHints:    []string{"roadmap"},
	})
	if err != nil {
		t.Fatalf("unexpected dial error: %v", err)
	}
	defer s.Close()

	q := <-queries
	for key, want := range map[string]string{
		"model": "nova-3", "language": "en-US", "encoding": "linear16",
		"sample_rate": "16000", "diarize": "true", "interim_results": "true", "keyterm": "roadmap",
	} {
		if q.Get(key) != want {
			t.Errorf("query %s = %q, want %q", key, q.Get(key), want)
		}
	}

	if err := s.Send(make([]byte, 640)); err != nil {
		t.Fatalf("send: %v", err)
	}
	r, err := s.Recv()
	if err != nil {
		t.Fatalf("recv interim: %v", err)
	}
	if r.Reason != stt.ReasonRecognizing || r.Text != "hello" || r.SpeakerID != "Guest-1" {
		t.Errorf("unexpected interim %+v", r)
	}

	if err := s.CloseSend(); err != nil {
		t.Fatalf("close send: %v", err)
	}
	r, err = s.Recv()
	if err != nil {
		t.Fatalf("recv final: %v", err)
	}
	if r.Reason != stt.ReasonRecognized || r.Text != "hello world" || r.SpeakerID != "Guest-2" {
		t.Errorf("unexpected final %+v", r)
	}
	if !r.HasTiming || r.Offset != 1250*time.Millisecond || r.Duration != 750*time.Millisecond {
		t.Errorf("unexpected timing offset=%v duration=%v", r.Offset, r.Duration)
	}

	r, err = s.Recv()
	if err != nil {
		t.Fatalf("recv stop: %v", err)
	}
	if r.Reason != stt.ReasonSessionStopped {
		t.Errorf("expected session stopped, got %v", r.Reason)
	}
}

func TestDial_RejectedIsConnectionError(t *testing.T) {
	srv := httptest.NewServer(fakeListen(t, nil))
	defer srv.Close()

	b := New(Config{APIKey: "wrong", URL: wsURL(srv)})
	_, err := b.Dial(context.Background(), stt.StreamConfig{Language: "en-US", SampleRate: 16000})
	if apperr.KindOf(err) != apperr.KindConnection {
		t.Errorf("expected connection error, got %v", err)
	}
	if !strings.Contains(err.Error(), "401") {
		t.Errorf("expected status code in error, got %v", err)
	}
}

func TestConvert(t *testing.T) {
	logger := zerolog.Nop()

	tests := []struct {
		name   string
		msg    string
		ok     bool
		reason stt.Reason
	}{
		{"metadata ignored", `{"type":"Metadata"}`, false, 0},
		{"empty transcript ignored", `{"type":"Results","channel":{"alternatives":[{"transcript":" "}]}}`, false, 0},
		{"garbage ignored", `not json`, false, 0},
		{"error message", `{"type":"Error","description":"bad audio"}`, true, stt.ReasonCanceled},
		{"final", finalMsg, true, stt.ReasonRecognized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, ok := convert([]byte(tt.msg), logger)
			if ok != tt.ok {
				t.Fatalf("ok = %v, want %v", ok, tt.ok)
			}
			if ok && r.Reason != tt.reason {
				t.Errorf("reason = %v, want %v", r.Reason, tt.reason)
			}
		})
	}
}
