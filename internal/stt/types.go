package stt

import (
	"context"
	"errors"
	"strings"

	"github.com/lexiqai/practice-gateway/internal/audio"
)

// ErrAborted is reported by an engine when recognition was cut short,
// which is expected after an intentional stop.
var ErrAborted = errors.New("recognition aborted")

// TranscriptionResult represents one recognition result from a live engine
type TranscriptionResult struct {
	// Text is the transcribed text
	Text string

	// IsFinal indicates if this is a final transcription (true) or interim (false)
	IsFinal bool

	// Confidence is the confidence score (0.0 to 1.0) if available
	Confidence float64

	// StartTime is the start time of the utterance in seconds
	StartTime float64

	// Duration is the duration of the utterance in seconds
	Duration float64
}

// EngineHandler receives engine events. Any field may be nil.
type EngineHandler struct {
	OnResult func(TranscriptionResult)
	OnError  func(error)
	// OnEnd fires when the engine stops for any reason other than Stop.
	OnEnd func()
}

// Engine is a continuous recognizer that may end on its own,
// for example after a provider side timeout.
type Engine interface {
	// Start begins a recognition run, delivering events to h.
	Start(ctx context.Context, h EngineHandler) error

	// SendAudio feeds encoded audio to the current run.
	SendAudio(chunk []byte) error

	// Stop ends the current run without firing OnEnd.
	Stop() error
}

// BatchTranscriber transcribes a finished recording in one call.
// It reports ok=false instead of an error when no transcript is available.
type BatchTranscriber interface {
	Transcribe(ctx context.Context, artifact audio.Artifact) (text string, ok bool)
}

// Source identifies where a transcript came from
type Source string

const (
	SourceLive  Source = "live"
	SourceBatch Source = "batch"
	SourceNone  Source = "none"
)

// Candidate is a transcript together with its source
type Candidate struct {
	Source Source `json:"source"`
	Text   string `json:"text"`
}

// Pick applies source precedence: a successful, non-empty batch transcript
// wins; otherwise the live transcript is used.
func Pick(live, batch string, batchOK bool) Candidate {
	if batchOK {
		if t := strings.TrimSpace(batch); t != "" {
			return Candidate{Source: SourceBatch, Text: t}
		}
	}
	if t := strings.TrimSpace(live); t != "" {
		return Candidate{Source: SourceLive, Text: t}
	}
	return Candidate{Source: SourceNone}
}
