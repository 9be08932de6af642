package session

import (
	"errors"
	"time"

	"github.com/lexiqai/practice-gateway/internal/audio"
	"github.com/lexiqai/practice-gateway/internal/capture"
	"github.com/lexiqai/practice-gateway/internal/feedback"
	"github.com/lexiqai/practice-gateway/internal/stt"
)

var (
	// ErrBusy is returned by Start while a recording is in progress
	ErrBusy = errors.New("session is busy")

	// ErrNotRecording is returned by Stop outside the Recording state
	ErrNotRecording = errors.New("session is not recording")

	// ErrClosed is returned after Close
	ErrClosed = errors.New("session is closed")
)

// State is the recording lifecycle state
type State int

const (
	StateIdle State = iota
	StateRequesting
	StateRecording
	StateStopping
	StateStaging
	StateReady
	StatePermissionError
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRequesting:
		return "requesting"
	case StateRecording:
		return "recording"
	case StateStopping:
		return "stopping"
	case StateStaging:
		return "staging"
	case StateReady:
		return "ready"
	case StatePermissionError:
		return "permission_error"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// canStart reports whether Start is accepted in s
func (s State) canStart() bool {
	switch s {
	case StateIdle, StatePermissionError, StateReady, StateFailed:
		return true
	}
	return false
}

// Stage is one step of the post-recording sequence shown to the user
type Stage string

const (
	StageAnalyzing  Stage = "analyzing_audio"
	StageExiting    Stage = "analyzing_audio_exiting"
	StageExperts    Stage = "analyzing_by_experts"
	StageConcluding Stage = "concluding"
)

// StageDurations are the minimum display times of each stage
type StageDurations struct {
	Analyzing  time.Duration
	Exiting    time.Duration
	Experts    time.Duration
	Concluding time.Duration
}

// DefaultStageDurations returns the standard pacing
func DefaultStageDurations() StageDurations {
	return StageDurations{
		Analyzing:  1000 * time.Millisecond,
		Exiting:    300 * time.Millisecond,
		Experts:    500 * time.Millisecond,
		Concluding: 500 * time.Millisecond,
	}
}

// Total is the shortest possible staging time
func (d StageDurations) Total() time.Duration {
	return d.Analyzing + d.Exiting + d.Experts + d.Concluding
}

func (d StageDurations) of(stage Stage) time.Duration {
	switch stage {
	case StageAnalyzing:
		return d.Analyzing
	case StageExiting:
		return d.Exiting
	case StageExperts:
		return d.Experts
	default:
		return d.Concluding
	}
}

func nextStage(stage Stage) (Stage, bool) {
	switch stage {
	case StageAnalyzing:
		return StageExiting, true
	case StageExiting:
		return StageExperts, true
	case StageExperts:
		return StageConcluding, true
	}
	return "", false
}

// Result is handed to the caller once per successful or failed recording
type Result struct {
	Artifact        audio.Artifact
	Feedback        feedback.Feedback
	Transcript      stt.Candidate
	DurationSeconds int
	// Failed is set when the recording broke off and Feedback is the fallback
	Failed bool
}

// Event is anything delivered on Session.Events
type Event interface {
	eventName() string
}

// TimeUpdate carries the elapsed recording time
type TimeUpdate struct {
	Seconds int
}

// StateChange reports a lifecycle transition
type StateChange struct {
	From State
	To   State
}

// StageChange reports the current staging step
type StageChange struct {
	Stage Stage
}

// TranscriptUpdate carries the live transcript as displayed, interim text included
type TranscriptUpdate struct {
	Text string
}

// PermissionError reports a failed device acquisition
type PermissionError struct {
	Kind        capture.ErrorKind
	Remediation capture.RemediationText
	Err         error
}

// Completed is the terminal event of a recording
type Completed struct {
	Result Result
}

func (TimeUpdate) eventName() string       { return "time" }
func (StateChange) eventName() string      { return "state" }
func (StageChange) eventName() string      { return "stage" }
func (TranscriptUpdate) eventName() string { return "transcript" }
func (PermissionError) eventName() string  { return "permission_error" }
func (Completed) eventName() string        { return "completed" }
