package transport

import (
	"github.com/lexiqai/practice-gateway/internal/capture"
	"github.com/lexiqai/practice-gateway/internal/feedback"
)

// clientMessage is any JSON text frame sent by the browser
type clientMessage struct {
	Type        string   `json:"type"`
	Status      string   `json:"status,omitempty"`
	Supported   []string `json:"supported,omitempty"`
	ContentType string   `json:"contentType,omitempty"`
	Error       string   `json:"error,omitempty"`
	Message     string   `json:"message,omitempty"`
}

type simpleMessage struct {
	Type string `json:"type"`
}

type readyMessage struct {
	Type       string `json:"type"`
	SessionID  string `json:"sessionId"`
	QuestionID string `json:"questionId"`
	Question   string `json:"question"`
}

type encoderMessage struct {
	Type        string `json:"type"`
	ContentType string `json:"contentType"`
}

type stateMessage struct {
	Type  string `json:"type"`
	From  string `json:"from"`
	State string `json:"state"`
}

type timeMessage struct {
	Type    string `json:"type"`
	Seconds int    `json:"seconds"`
}

type stageMessage struct {
	Type  string `json:"type"`
	Stage string `json:"stage"`
}

type transcriptMessage struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type permissionErrorMessage struct {
	Type        string                  `json:"type"`
	Kind        capture.ErrorKind       `json:"kind"`
	Remediation capture.RemediationText `json:"remediation"`
}

type feedbackMessage struct {
	Type            string            `json:"type"`
	AttemptID       string            `json:"attemptId,omitempty"`
	AttemptIndex    int               `json:"attemptIndex,omitempty"`
	Feedback        feedback.Feedback `json:"feedback"`
	Transcript      string            `json:"transcript"`
	Source          string            `json:"source"`
	DurationSeconds int               `json:"durationSeconds"`
	ContentType     string            `json:"contentType,omitempty"`
	Failed          bool              `json:"failed,omitempty"`
}

type errorMessage struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}
