package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"live-transcription-service/internal/app"
	"live-transcription-service/internal/apperr"
	"live-transcription-service/internal/config"
	"live-transcription-service/internal/events"
	"live-transcription-service/internal/models"
	"live-transcription-service/internal/service/audio"
	"live-transcription-service/internal/service/session"
	"live-transcription-service/internal/service/speaker"
	"live-transcription-service/internal/service/stt/mock"
)

// scriptBlocks plays the default mock script once: 4 segments.
const scriptBlocks = 13

func newTestApp(t *testing.T) *app.Application {
	t.Helper()
	capture := func() (audio.CaptureDevice, error) {
		samples := make([]float32, scriptBlocks*audio.BlockSize)
		for i := range samples {
			samples[i] = 0.1
		}
		return audio.NewFakeCapture(samples, audio.SampleRate), nil
	}
	hub := events.NewHub()
	ctrl, err := session.New(session.Deps{
		Backend: mock.New(mock.Config{}),
		Capture: capture,
		Feed:    hub,
	}, session.Options{Language: "en-US", InterimResults: true, Diarize: true})
	if err != nil {
		t.Fatalf("session.New: %v", err)
	}
	t.Cleanup(ctrl.Close)
	t.Cleanup(func() { _ = hub.Close() })
	return &app.Application{Cfg: &config.Config{}, Session: ctrl, Live: hub}
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rec.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func waitState(t *testing.T, ctrl *session.Controller, want session.State, segments int) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if ctrl.State() == want && ctrl.Snapshot().Len() == segments {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s with %d segments (state %s, %d segments)",
		want, segments, ctrl.State(), ctrl.Snapshot().Len())
}

func TestRouter_Health(t *testing.T) {
	a := newTestApp(t)
	r := NewRouter(a)

	if rec := do(t, r, http.MethodGet, "/v1/liveness", ""); rec.Code != http.StatusOK {
		t.Errorf("liveness = %d", rec.Code)
	}
	if rec := do(t, r, http.MethodGet, "/v1/readiness", ""); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("readiness before start = %d, want 503", rec.Code)
	}
	if err := a.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if rec := do(t, r, http.MethodGet, "/v1/readiness", ""); rec.Code != http.StatusOK {
		t.Errorf("readiness after start = %d, want 200", rec.Code)
	}
}

func TestRouter_IdleRequests(t *testing.T) {
	r := NewRouter(newTestApp(t))

	tests := []struct {
		method, path, body string
		wantCode           int
	}{
		{http.MethodGet, "/v1/session", "", http.StatusOK},
		{http.MethodPost, "/v1/session/pause", "", http.StatusConflict},
		{http.MethodPost, "/v1/session/stop", "", http.StatusConflict},
		{http.MethodPost, "/v1/session/resume", "", http.StatusConflict},
		{http.MethodGet, "/v1/transcript", "", http.StatusNotFound},
		{http.MethodPost, "/v1/segments/correct", "", http.StatusNotFound},
		{http.MethodPost, "/v1/segments/abc/translate", `{"language":"de"}`, http.StatusBadRequest},
		{http.MethodPost, "/v1/segments/1/translate", `{}`, http.StatusBadRequest},
		{http.MethodPut, "/v1/speakers/Guest-1", `not json`, http.StatusBadRequest},
		{http.MethodGet, "/v1/speakers", "", http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			rec := do(t, r, tt.method, tt.path, tt.body)
			if rec.Code != tt.wantCode {
				t.Errorf("got %d, want %d: %s", rec.Code, tt.wantCode, rec.Body.String())
			}
		})
	}

	rec := do(t, r, http.MethodGet, "/v1/session", "")
	if st := decode[statusResponse](t, rec); st.State != session.StateIdle || st.Segments != 0 {
		t.Errorf("unexpected idle status %+v", st)
	}
}

func TestRouter_RecordingFlow(t *testing.T) {
	a := newTestApp(t)
	r := NewRouter(a)

	rec := do(t, r, http.MethodPost, "/v1/session/start", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("start = %d: %s", rec.Code, rec.Body.String())
	}
	started := decode[map[string]any](t, rec)
	if started["state"] != "ACTIVE" || started["sessionId"] == "" {
		t.Errorf("unexpected start response %v", started)
	}

	// the fake device plays the script once and the recording pauses
	waitState(t, a.Session, session.StatePaused, 4)

	rec = do(t, r, http.MethodPut, "/v1/speakers/Guest-1", `{"label":"Alice"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("rename = %d: %s", rec.Code, rec.Body.String())
	}
	if id := decode[speaker.Identity](t, rec); id.Label != "Alice" {
		t.Errorf("unexpected rename response %+v", id)
	}

	rec = do(t, r, http.MethodGet, "/v1/speakers", "")
	speakers := decode[[]speaker.Identity](t, rec)
	if len(speakers) != 2 || speakers[0].Label != "Alice" || speakers[0].SegmentCount != 2 {
		t.Errorf("unexpected speakers %+v", speakers)
	}

	rec = do(t, r, http.MethodGet, "/v1/transcript", "")
	payload := decode[models.TranscriptPayload](t, rec)
	if len(payload.Segments) != 4 || payload.Segments[0].SpeakerLabel != "Alice" {
		t.Errorf("unexpected transcript %+v", payload)
	}

	// no translator is configured, so the call settles as failed at once
	rec = do(t, r, http.MethodPost, "/v1/segments/1/translate", `{"language":"de","wait":true}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("translate = %d: %s", rec.Code, rec.Body.String())
	}
	if call := decode[callResponse](t, rec); call.Outcome != "failed" || call.Kind != "translation" {
		t.Errorf("unexpected call %+v", call)
	}

	if rec = do(t, r, http.MethodPost, "/v1/segments/99/translate", `{"language":"de"}`); rec.Code != http.StatusNotFound {
		t.Errorf("translate unknown segment = %d, want 404", rec.Code)
	}

	rec = do(t, r, http.MethodPost, "/v1/session/stop", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("stop = %d: %s", rec.Code, rec.Body.String())
	}
	if st := decode[statusResponse](t, rec); st.State != session.StateIdle || st.Segments != 4 {
		t.Errorf("unexpected stop response %+v", st)
	}
}

func TestRouter_LiveFeed(t *testing.T) {
	a := newTestApp(t)
	srv := httptest.NewServer(NewRouter(a))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/v1/live", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	deadline := time.Now().Add(2 * time.Second)
	for a.Live.Viewers() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("viewer never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	resp, err := http.Post(srv.URL+"/v1/session/start", "application/json", nil)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("start = %d", resp.StatusCode)
	}

	seen := map[string]int{}
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for seen[models.EventTypeSegment] < 4 {
		var ev struct {
			EventType string `json:"eventType"`
		}
		if err := conn.ReadJSON(&ev); err != nil {
			t.Fatalf("read after %v: %v", seen, err)
		}
		seen[ev.EventType]++
	}
	if seen[models.EventTypeInterim] == 0 {
		t.Errorf("expected interim updates on the live feed, got %v", seen)
	}
}

func TestStatusCode(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("%w: IDLE → PAUSED", session.ErrInvalidTransition), http.StatusConflict},
		{session.ErrPipelineOpen, http.StatusConflict},
		{session.ErrNoRecording, http.StatusNotFound},
		{session.ErrUnknownSegment, http.StatusNotFound},
		{session.ErrClosed, http.StatusServiceUnavailable},
		{speaker.ErrEmptyTag, http.StatusBadRequest},
		{apperr.Configuration("x", "bad"), http.StatusBadRequest},
		{apperr.Connection("x", errors.New("refused")), http.StatusBadGateway},
		{apperr.Recognition("x", errors.New("canceled")), http.StatusBadGateway},
		{apperr.Cancellation("x", "stopped"), http.StatusConflict},
		{errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		if got := statusCode(tt.err); got != tt.want {
			t.Errorf("statusCode(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
