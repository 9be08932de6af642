package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lexiqai/practice-gateway/internal/attempts"
	"github.com/lexiqai/practice-gateway/internal/audio"
	"github.com/lexiqai/practice-gateway/internal/question"
	"github.com/lexiqai/practice-gateway/internal/session"
)

type fakeBatch struct {
	text string
}

func (b *fakeBatch) Transcribe(ctx context.Context, a audio.Artifact) (string, bool) {
	return b.text, b.text != ""
}

type fakeSaver struct {
	mu    sync.Mutex
	saved []attempts.Attempt
}

func (s *fakeSaver) Save(ctx context.Context, a attempts.Attempt) (attempts.Attempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved = append(s.saved, a)
	a.ID = "attempt-1"
	a.Index = len(s.saved)
	a.Audio = nil
	return a, nil
}

func newTestServer(t *testing.T, cfg Config) *httptest.Server {
	t.Helper()
	bank, err := question.Load("")
	if err != nil {
		t.Fatalf("Failed to load question bank: %v", err)
	}
	cfg.Session.TickInterval = time.Hour
	cfg.Session.Stages = session.StageDurations{
		Analyzing:  5 * time.Millisecond,
		Exiting:    5 * time.Millisecond,
		Experts:    5 * time.Millisecond,
		Concluding: 5 * time.Millisecond,
	}
	srv := httptest.NewServer(NewHandler(bank, cfg))
	t.Cleanup(srv.Close)
	return srv
}

func dial(t *testing.T, srv *httptest.Server, questionID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?question=" + questionID
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// readUntil reads server messages until one of the given type arrives
func readUntil(t *testing.T, conn *websocket.Conn, msgType string) map[string]any {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		var msg map[string]any
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("Failed waiting for %q: %v", msgType, err)
		}
		if msg["type"] == msgType {
			return msg
		}
	}
}

func writeJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	if err := conn.WriteJSON(v); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
}

func TestHandler_RecordingRoundTrip(t *testing.T) {
	saver := &fakeSaver{}
	srv := newTestServer(t, Config{
		Batch:    &fakeBatch{text: "My name is Aung and I have experience in retail"},
		Attempts: saver,
	})
	conn := dial(t, srv, "1")

	ready := readUntil(t, conn, "ready")
	if ready["questionId"] != "1" || ready["sessionId"] == "" {
		t.Errorf("Unexpected ready message %v", ready)
	}

	writeJSON(t, conn, map[string]any{"type": "start"})
	readUntil(t, conn, "request_device")

	writeJSON(t, conn, map[string]any{
		"type":      "device",
		"status":    "granted",
		"supported": []string{"audio/ogg", "audio/webm"},
	})
	enc := readUntil(t, conn, "encoder")
	if enc["contentType"] != "audio/webm" {
		t.Errorf("Expected preferred content type audio/webm, got %v", enc["contentType"])
	}

	for _, chunk := range []string{"chunk-a|", "chunk-b"} {
		if err := conn.WriteMessage(websocket.BinaryMessage, []byte(chunk)); err != nil {
			t.Fatalf("Failed to send chunk: %v", err)
		}
	}
	writeJSON(t, conn, map[string]any{"type": "stop"})
	readUntil(t, conn, "encoder_stop")
	writeJSON(t, conn, map[string]any{"type": "encoder_done"})

	fb := readUntil(t, conn, "feedback")
	if fb["source"] != "batch" {
		t.Errorf("Expected batch source, got %v", fb["source"])
	}
	if fb["attemptId"] != "attempt-1" {
		t.Errorf("Expected attempt id, got %v", fb["attemptId"])
	}
	if fb["contentType"] != "audio/webm" {
		t.Errorf("Expected webm content type, got %v", fb["contentType"])
	}
	inner, ok := fb["feedback"].(map[string]any)
	if !ok || inner["feedbackMessage"] == "" {
		t.Errorf("Expected feedback body, got %v", fb["feedback"])
	}

	saver.mu.Lock()
	defer saver.mu.Unlock()
	if len(saver.saved) != 1 {
		t.Fatalf("Expected one saved attempt, got %d", len(saver.saved))
	}
	got := saver.saved[0]
	if string(got.Audio) != "chunk-a|chunk-b" || got.QuestionID != "1" {
		t.Errorf("Unexpected saved attempt %+v", got)
	}
}

func TestHandler_PermissionDenied(t *testing.T) {
	srv := newTestServer(t, Config{})
	conn := dial(t, srv, "2")

	writeJSON(t, conn, map[string]any{"type": "start"})
	readUntil(t, conn, "request_device")
	writeJSON(t, conn, map[string]any{"type": "device", "status": "error", "error": "NotAllowedError"})

	msg := readUntil(t, conn, "permission_error")
	if msg["kind"] != "permission-denied" {
		t.Errorf("Expected permission-denied, got %v", msg["kind"])
	}
	remediation, ok := msg["remediation"].(map[string]any)
	if !ok || remediation["title"] != "Microphone Access Denied" {
		t.Errorf("Unexpected remediation %v", msg["remediation"])
	}

	// Retry is explicit
	writeJSON(t, conn, map[string]any{"type": "start"})
	readUntil(t, conn, "request_device")
}

func TestHandler_StopWhileIdle(t *testing.T) {
	srv := newTestServer(t, Config{})
	conn := dial(t, srv, "1")

	writeJSON(t, conn, map[string]any{"type": "stop"})
	msg := readUntil(t, conn, "error")
	if msg["error"] != session.ErrNotRecording.Error() {
		t.Errorf("Unexpected error %v", msg["error"])
	}
}

func TestHandler_UnknownQuestion(t *testing.T) {
	srv := newTestServer(t, Config{})
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?question=missing"

	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("Expected dial to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected 404, got %v", resp)
	}
}

func TestHandler_PlainHTTPRejected(t *testing.T) {
	srv := newTestServer(t, Config{})

	resp, err := http.Get(srv.URL + "/?question=1")
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected 400 for a non-websocket request, got %d", resp.StatusCode)
	}
}

func TestHandler_DisconnectReleasesSession(t *testing.T) {
	saver := &fakeSaver{}
	srv := newTestServer(t, Config{Batch: &fakeBatch{text: "x"}, Attempts: saver})
	conn := dial(t, srv, "1")

	writeJSON(t, conn, map[string]any{"type": "start"})
	readUntil(t, conn, "request_device")
	writeJSON(t, conn, map[string]any{"type": "device", "status": "granted", "supported": []string{"audio/webm"}})
	readUntil(t, conn, "encoder")
	conn.WriteMessage(websocket.BinaryMessage, []byte("partial"))
	conn.Close()

	time.Sleep(50 * time.Millisecond)
	saver.mu.Lock()
	defer saver.mu.Unlock()
	if len(saver.saved) != 0 {
		t.Errorf("Expected no attempt saved after disconnect, got %d", len(saver.saved))
	}
}
