package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"github.com/lexiqai/practice-gateway/internal/attempts"
	"github.com/lexiqai/practice-gateway/internal/audio"
	"github.com/lexiqai/practice-gateway/internal/drafts"
	"github.com/lexiqai/practice-gateway/internal/highlight"
	"github.com/lexiqai/practice-gateway/internal/observability"
	"github.com/lexiqai/practice-gateway/internal/question"
	"github.com/lexiqai/practice-gateway/internal/stt"
	"github.com/lexiqai/practice-gateway/internal/tts"
)

const (
	// maxSpeechBytes bounds uploads to the speech proxy
	maxSpeechBytes = 25 << 20

	clientIDHeader  = "X-Client-ID"
	defaultClientID = "anonymous"
)

// Transcriber is the batch source behind POST /api/speech
type Transcriber interface {
	TranscribeErr(ctx context.Context, artifact audio.Artifact) (string, error)
	Enabled() bool
}

// AttemptReader serves stored attempts
type AttemptReader interface {
	Get(ctx context.Context, id string) (attempts.Attempt, error)
	Latest(ctx context.Context, questionID string) (attempts.Attempt, error)
	List(ctx context.Context, questionID string) ([]attempts.Attempt, error)
	Audio(ctx context.Context, id string) ([]byte, string, error)
}

// Deps are the collaborators behind the REST endpoints. Nil optional
// collaborators turn their endpoints into errors rather than panics.
type Deps struct {
	Bank        *question.Bank
	Transcriber Transcriber
	Narrator    tts.Synthesizer
	Attempts    AttemptReader
	Drafts      *drafts.Store
	Logger      zerolog.Logger
}

// API serves the question, speech, attempt and draft endpoints
type API struct {
	deps   Deps
	logger zerolog.Logger
}

func New(deps Deps) *API {
	return &API{deps: deps, logger: deps.Logger}
}

// Register mounts every endpoint on mux
func (a *API) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/questions", a.listQuestions)
	mux.HandleFunc("GET /api/questions/{id}", a.getQuestion)
	mux.HandleFunc("GET /api/questions/{id}/example", a.getExample)
	mux.HandleFunc("GET /api/questions/{id}/narration", a.getNarration)
	mux.HandleFunc("GET /api/questions/{id}/attempts", a.listAttempts)
	mux.HandleFunc("GET /api/questions/{id}/attempts/latest", a.latestAttempt)

	mux.HandleFunc("POST /api/speech", a.transcribe)

	mux.HandleFunc("GET /api/attempts/{id}", a.getAttempt)
	mux.HandleFunc("GET /api/attempts/{id}/audio", a.getAttemptAudio)

	mux.HandleFunc("HEAD /api/drafts/{questionId}", a.hasDraft)
	mux.HandleFunc("GET /api/drafts/{questionId}", a.getDraft)
	mux.HandleFunc("PUT /api/drafts/{questionId}", a.putDraft)
	mux.HandleFunc("DELETE /api/drafts/{questionId}", a.deleteDraft)
}

type questionSummary struct {
	ID       string `json:"id"`
	Category string `json:"category"`
	Question string `json:"question"`
}

func (a *API) listQuestions(w http.ResponseWriter, r *http.Request) {
	qs := a.deps.Bank.List()
	out := make([]questionSummary, 0, len(qs))
	for _, q := range qs {
		out = append(out, questionSummary{ID: q.ID, Category: q.Category, Question: q.Question})
	}
	observability.RecordPageView("questions")
	writeJSON(w, http.StatusOK, out)
}

func (a *API) getQuestion(w http.ResponseWriter, r *http.Request) {
	q, ok := a.question(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, q)
}

type exampleResponse struct {
	Question question.Question   `json:"question"`
	Answer   string              `json:"answer"`
	Segments []highlight.Segment `json:"segments"`
}

func (a *API) getExample(w http.ResponseWriter, r *http.Request) {
	q, ok := a.question(w, r)
	if !ok {
		return
	}
	answer := q.ExampleAnswer()
	observability.RecordPageView("example")
	writeJSON(w, http.StatusOK, exampleResponse{
		Question: q,
		Answer:   answer,
		Segments: highlight.Parse(answer, q.Signals),
	})
}

func (a *API) getNarration(w http.ResponseWriter, r *http.Request) {
	q, ok := a.question(w, r)
	if !ok {
		return
	}
	if a.deps.Narrator == nil || !a.deps.Narrator.Enabled() {
		writeError(w, http.StatusServiceUnavailable, "narration is not configured")
		return
	}

	out, err := a.deps.Narrator.Synthesize(r.Context(), q.ExampleAnswer())
	if err != nil {
		if errors.Is(err, tts.ErrNotConfigured) {
			writeError(w, http.StatusServiceUnavailable, "narration is not configured")
			return
		}
		a.logger.Error().Err(err).Str("question_id", q.ID).Msg("Narration failed")
		writeError(w, http.StatusBadGateway, "narration failed")
		return
	}

	w.Header().Set("Content-Type", out.ContentType)
	w.Header().Set("Cache-Control", "public, max-age=86400")
	w.WriteHeader(http.StatusOK)
	w.Write(out.Data)
}

type speechResponse struct {
	Transcript string `json:"transcript"`
	Error      string `json:"error,omitempty"`
}

// transcribe proxies a raw recording to the batch transcriber
func (a *API) transcribe(w http.ResponseWriter, r *http.Request) {
	if a.deps.Transcriber == nil || !a.deps.Transcriber.Enabled() {
		writeJSON(w, http.StatusInternalServerError, speechResponse{Error: "Azure Speech is not configured"})
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxSpeechBytes))
	if err != nil {
		writeJSON(w, http.StatusRequestEntityTooLarge, speechResponse{Error: "recording too large"})
		return
	}
	if len(body) == 0 {
		writeJSON(w, http.StatusBadRequest, speechResponse{Error: "empty recording"})
		return
	}

	contentType := r.Header.Get("Content-Type")
	if contentType == "" || !strings.HasPrefix(contentType, "audio/") {
		contentType = audio.DefaultContentType
	}
	artifact := audio.NewArtifact([][]byte{body}, contentType)

	text, err := a.deps.Transcriber.TranscribeErr(r.Context(), artifact)
	if err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, stt.ErrBatchDisabled) {
			status = http.StatusInternalServerError
		}
		a.logger.Warn().Err(err).Int("bytes", len(body)).Msg("Speech transcription failed")
		writeJSON(w, status, speechResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, speechResponse{Transcript: text})
}

func (a *API) listAttempts(w http.ResponseWriter, r *http.Request) {
	q, ok := a.question(w, r)
	if !ok || !a.attemptsEnabled(w) {
		return
	}
	list, err := a.deps.Attempts.List(r.Context(), q.ID)
	if err != nil {
		a.attemptError(w, err)
		return
	}
	if list == nil {
		list = []attempts.Attempt{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (a *API) latestAttempt(w http.ResponseWriter, r *http.Request) {
	q, ok := a.question(w, r)
	if !ok || !a.attemptsEnabled(w) {
		return
	}
	at, err := a.deps.Attempts.Latest(r.Context(), q.ID)
	if err != nil {
		a.attemptError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, at)
}

func (a *API) getAttempt(w http.ResponseWriter, r *http.Request) {
	if !a.attemptsEnabled(w) {
		return
	}
	at, err := a.deps.Attempts.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		a.attemptError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, at)
}

func (a *API) getAttemptAudio(w http.ResponseWriter, r *http.Request) {
	if !a.attemptsEnabled(w) {
		return
	}
	data, contentType, err := a.deps.Attempts.Audio(r.Context(), r.PathValue("id"))
	if err != nil {
		a.attemptError(w, err)
		return
	}
	if contentType == "" {
		contentType = audio.DefaultContentType
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

func (a *API) attemptsEnabled(w http.ResponseWriter) bool {
	if a.deps.Attempts == nil {
		writeError(w, http.StatusServiceUnavailable, "attempt storage is not configured")
		return false
	}
	return true
}

func (a *API) attemptError(w http.ResponseWriter, err error) {
	if errors.Is(err, attempts.ErrNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	a.logger.Error().Err(err).Msg("Attempt lookup failed")
	writeError(w, http.StatusInternalServerError, "attempt lookup failed")
}

func (a *API) getDraft(w http.ResponseWriter, r *http.Request) {
	id, ok := a.draftQuestion(w, r)
	if !ok {
		return
	}
	d, found := a.deps.Drafts.Get(clientID(r), id)
	if !found {
		writeError(w, http.StatusNotFound, "no draft")
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// hasDraft answers with 200 or 404 and no body
func (a *API) hasDraft(w http.ResponseWriter, r *http.Request) {
	id, ok := a.draftQuestion(w, r)
	if !ok {
		return
	}
	if !a.deps.Drafts.Has(clientID(r), id) {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (a *API) putDraft(w http.ResponseWriter, r *http.Request) {
	id, ok := a.draftQuestion(w, r)
	if !ok {
		return
	}
	var d drafts.Draft
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&d); err != nil {
		writeError(w, http.StatusBadRequest, "invalid draft")
		return
	}
	d.QuestionID = id
	writeJSON(w, http.StatusOK, a.deps.Drafts.Save(clientID(r), d))
}

func (a *API) deleteDraft(w http.ResponseWriter, r *http.Request) {
	id, ok := a.draftQuestion(w, r)
	if !ok {
		return
	}
	a.deps.Drafts.Delete(clientID(r), id)
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) draftQuestion(w http.ResponseWriter, r *http.Request) (string, bool) {
	if a.deps.Drafts == nil {
		writeError(w, http.StatusServiceUnavailable, "drafts are not configured")
		return "", false
	}
	id := r.PathValue("questionId")
	if _, err := a.deps.Bank.Get(id); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return "", false
	}
	return id, true
}

func (a *API) question(w http.ResponseWriter, r *http.Request) (question.Question, bool) {
	q, err := a.deps.Bank.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return question.Question{}, false
	}
	return q, true
}

func clientID(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get(clientIDHeader)); id != "" {
		return id
	}
	return defaultClientID
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
