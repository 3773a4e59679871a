package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"live-transcription-service/internal/app"
	"live-transcription-service/internal/apperr"
	"live-transcription-service/internal/service/enrich"
	"live-transcription-service/internal/service/session"
	"live-transcription-service/internal/service/speaker"
)

// NewRouter constructs the HTTP control API for the service.
func NewRouter(application *app.Application) http.Handler {
	r := chi.NewRouter()

	// Basic middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	// Health endpoints
	r.Get("/v1/liveness", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/v1/readiness", func(w http.ResponseWriter, _ *http.Request) {
		if !application.Ready() {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("not ready"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})

	h := &handler{ctrl: application.Session}

	r.Route("/v1", func(r chi.Router) {
		r.Route("/session", func(r chi.Router) {
			r.Get("/", h.status)
			r.Post("/start", h.transition(h.ctrl.Start))
			r.Post("/pause", h.transition(h.ctrl.Pause))
			r.Post("/resume", h.transition(h.ctrl.Resume))
			r.Post("/stop", h.transition(h.ctrl.Stop))
		})
		r.Get("/transcript", h.transcript)
		if application.Live != nil {
			r.Get("/live", application.Live.ServeHTTP)
		}
		r.Get("/speakers", h.speakers)
		r.Put("/speakers/{tag}", h.renameSpeaker)
		r.Post("/segments/correct", h.correct)
		r.Post("/segments/{id}/translate", h.translate)
	})

	return r
}

type handler struct {
	ctrl *session.Controller
}

type statusResponse struct {
	State     session.State  `json:"state"`
	SessionID string         `json:"sessionId,omitempty"`
	StartedAt *time.Time     `json:"startedAt,omitempty"`
	LastError string         `json:"lastError,omitempty"`
	Segments  int            `json:"segments"`
	Interim   *interimStatus `json:"interim,omitempty"`
}

type interimStatus struct {
	Text      string `json:"text"`
	SpeakerID string `json:"speakerId,omitempty"`
}

type callResponse struct {
	Kind    enrich.Kind `json:"kind"`
	Outcome string      `json:"outcome"`
	Error   string      `json:"error,omitempty"`
}

type errorResponse struct {
	Error string      `json:"error"`
	Kind  apperr.Kind `json:"kind,omitempty"`
}

func (h *handler) status(w http.ResponseWriter, _ *http.Request) {
	st := h.ctrl.Status()
	resp := statusResponse{
		State:     st.State,
		SessionID: st.SessionID,
		Segments:  st.Transcript.Len(),
	}
	if !st.StartedAt.IsZero() {
		resp.StartedAt = &st.StartedAt
	}
	if st.LastError != nil {
		resp.LastError = st.LastError.Error()
	}
	if st.Transcript.Interim != "" {
		resp.Interim = &interimStatus{
			Text:      st.Transcript.Interim,
			SpeakerID: st.Transcript.InterimSpeaker,
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *handler) transition(op func(ctx context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := op(r.Context()); err != nil {
			writeError(w, err)
			return
		}
		h.status(w, r)
	}
}

func (h *handler) transcript(w http.ResponseWriter, _ *http.Request) {
	payload, err := h.ctrl.Payload()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

func (h *handler) speakers(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.ctrl.Speakers())
}

func (h *handler) renameSpeaker(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Label string `json:"label"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, apperr.Configuration("http.rename", "invalid JSON body"))
		return
	}
	tag := chi.URLParam(r, "tag")
	if err := h.ctrl.RenameSpeaker(tag, body.Label); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, speaker.Identity{ID: tag, Label: h.ctrl.Label(tag)})
}

func (h *handler) correct(w http.ResponseWriter, r *http.Request) {
	var body struct {
		SegmentIDs []int64 `json:"segmentIds"`
		Wait       bool    `json:"wait"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, apperr.Configuration("http.correct", "invalid JSON body"))
			return
		}
	}
	call, err := h.ctrl.RequestCorrection(r.Context(), body.SegmentIDs)
	if err != nil {
		writeError(w, err)
		return
	}
	writeCall(w, r, call, body.Wait)
}

func (h *handler) translate(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, apperr.Configuration("http.translate", "segment id must be an integer"))
		return
	}
	var body struct {
		Language string `json:"language"`
		Wait     bool   `json:"wait"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Language == "" {
		writeError(w, apperr.Configuration("http.translate", "language is required"))
		return
	}
	call, err := h.ctrl.RequestTranslation(r.Context(), id, body.Language)
	if err != nil {
		writeError(w, err)
		return
	}
	writeCall(w, r, call, body.Wait)
}

// writeCall reports the call handle. With wait set it blocks until the call
// settles or the client goes away.
func writeCall(w http.ResponseWriter, r *http.Request, call *enrich.Call, wait bool) {
	outcome := call.Outcome()
	callErr := call.Err()
	if wait {
		outcome, callErr = call.Wait(r.Context())
	}
	resp := callResponse{Kind: call.Kind(), Outcome: outcome.String()}
	if callErr != nil {
		resp.Error = callErr.Error()
	}
	code := http.StatusOK
	if outcome == enrich.OutcomePending {
		code = http.StatusAccepted
	}
	writeJSON(w, code, resp)
}

// statusCode maps controller and taxonomy errors to HTTP statuses.
func statusCode(err error) int {
	switch {
	case errors.Is(err, session.ErrInvalidTransition), errors.Is(err, session.ErrPipelineOpen):
		return http.StatusConflict
	case errors.Is(err, session.ErrNoRecording), errors.Is(err, session.ErrUnknownSegment):
		return http.StatusNotFound
	case errors.Is(err, speaker.ErrEmptyTag):
		return http.StatusBadRequest
	case errors.Is(err, session.ErrClosed):
		return http.StatusServiceUnavailable
	}
	switch apperr.KindOf(err) {
	case apperr.KindConfiguration:
		return http.StatusBadRequest
	case apperr.KindConnection, apperr.KindRecognition, apperr.KindEnrichment:
		return http.StatusBadGateway
	case apperr.KindCancellation:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusCode(err), errorResponse{Error: err.Error(), Kind: apperr.KindOf(err)})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
