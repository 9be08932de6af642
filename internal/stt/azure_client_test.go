package stt

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/practice-gateway/internal/audio"
	"github.com/lexiqai/practice-gateway/internal/config"
)

func testAzureConfig() *config.Config {
	return &config.Config{
		AzureSpeechKey:             "test-key",
		AzureSpeechRegion:          "eastus",
		AzureSpeechLocale:          "en-US",
		AzureSpeechAPIVersion:      "2025-10-15",
		BatchTimeout:               5,
		CircuitBreakerMaxFailures:  50,
		CircuitBreakerResetTimeout: 30,
		RetryMaxAttempts:           2,
		RetryInitialBackoff:        1,
	}
}

func testArtifact() audio.Artifact {
	return audio.NewArtifact([][]byte{[]byte("webm-header"), []byte("opus-data")}, "audio/webm;codecs=opus")
}

func TestExtractTranscript(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		want    string
		wantErr bool
	}{
		{"combined phrases", `{"combinedPhrases":[{"text":"Hello there."},{"text":"I am Aung."}]}`, "Hello there. I am Aung.", false},
		{"phrases fallback", `{"phrases":[{"text":"first"},{"text":" second "}]}`, "first second", false},
		{"blank combined falls back", `{"combinedPhrases":[{"text":"  "}],"phrases":[{"text":"from phrases"}]}`, "from phrases", false},
		{"empty", `{}`, "", false},
		{"malformed", `{not json`, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ExtractTranscript([]byte(tt.body))
			if (err != nil) != tt.wantErr {
				t.Fatalf("Expected error=%v, got %v", tt.wantErr, err)
			}
			if got != tt.want {
				t.Errorf("Expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestAzureTranscriber_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Ocp-Apim-Subscription-Key") != "test-key" {
			t.Errorf("Missing subscription key header")
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Fatalf("Failed to parse multipart body: %v", err)
		}

		file, header, err := r.FormFile("audio")
		if err != nil {
			t.Fatalf("Missing audio part: %v", err)
		}
		data, _ := io.ReadAll(file)
		if string(data) != "webm-headeropus-data" {
			t.Errorf("Unexpected audio payload %q", data)
		}
		if header.Filename != "recording.webm" {
			t.Errorf("Expected recording.webm, got %q", header.Filename)
		}

		var def transcriptionDefinition
		if err := json.Unmarshal([]byte(r.FormValue("definition")), &def); err != nil {
			t.Fatalf("Bad definition: %v", err)
		}
		if len(def.Locales) != 1 || def.Locales[0] != "en-US" {
			t.Errorf("Unexpected locales %v", def.Locales)
		}

		w.Write([]byte(`{"combinedPhrases":[{"text":"I handled the rush."}]}`))
	}))
	defer server.Close()

	a := NewAzureTranscriber(testAzureConfig(), zerolog.Nop()).WithEndpoint(server.URL)
	text, ok := a.Transcribe(context.Background(), testArtifact())
	if !ok {
		t.Fatal("Expected success")
	}
	if text != "I handled the rush." {
		t.Errorf("Unexpected transcript %q", text)
	}
}

func TestAzureTranscriber_FailuresReturnNotOK(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantHit int32
	}{
		{"client error not retried", http.StatusBadRequest, `{"error":"bad"}`, 1},
		{"server error retried", http.StatusInternalServerError, `oops`, 2},
		{"malformed body", http.StatusOK, `<html>`, 1},
		{"empty text", http.StatusOK, `{"combinedPhrases":[]}`, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var hits int32
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				atomic.AddInt32(&hits, 1)
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer server.Close()

			a := NewAzureTranscriber(testAzureConfig(), zerolog.Nop()).WithEndpoint(server.URL)
			text, ok := a.Transcribe(context.Background(), testArtifact())
			if ok || text != "" {
				t.Errorf("Expected (\"\", false), got (%q, %v)", text, ok)
			}
			if got := atomic.LoadInt32(&hits); got != tt.wantHit {
				t.Errorf("Expected %d requests, got %d", tt.wantHit, got)
			}
		})
	}
}

func TestAzureTranscriber_Timeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer server.Close()

	cfg := testAzureConfig()
	cfg.RetryMaxAttempts = 1
	a := NewAzureTranscriber(cfg, zerolog.Nop()).WithEndpoint(server.URL)
	a.timeout = 50 * time.Millisecond

	start := time.Now()
	if _, ok := a.Transcribe(context.Background(), testArtifact()); ok {
		t.Error("Expected timeout to fail")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Expected timeout to cut the request short, took %v", elapsed)
	}
}

func TestAzureTranscriber_Disabled(t *testing.T) {
	a := NewAzureTranscriber(&config.Config{NarrationSpeed: 1}, zerolog.Nop())
	if a.Enabled() {
		t.Error("Expected transcriber without credentials to be disabled")
	}
	if _, ok := a.Transcribe(context.Background(), testArtifact()); ok {
		t.Error("Expected disabled transcriber to fail")
	}
}

func TestAzureTranscriber_EmptyArtifact(t *testing.T) {
	a := NewAzureTranscriber(testAzureConfig(), zerolog.Nop()).WithEndpoint("http://127.0.0.1:1")
	if _, err := a.TranscribeErr(context.Background(), audio.NewArtifact(nil, "")); err == nil {
		t.Error("Expected empty recording to be rejected")
	}
}

func TestAzureTranscriber_HealthCheck(t *testing.T) {
	cfg := testAzureConfig()
	cfg.CircuitBreakerMaxFailures = 2
	a := NewAzureTranscriber(cfg, zerolog.Nop())

	if ok, err := a.HealthCheck(context.Background()); !ok || err != nil {
		t.Fatalf("Expected healthy transcriber, got %v, %v", ok, err)
	}

	a.circuitBreaker.RecordResult(false)
	a.circuitBreaker.RecordResult(false)
	if ok, err := a.HealthCheck(context.Background()); ok || err == nil {
		t.Error("Expected open circuit to fail health check")
	}

	disabled := NewAzureTranscriber(&config.Config{}, zerolog.Nop())
	if _, err := disabled.HealthCheck(context.Background()); !errors.Is(err, ErrBatchDisabled) {
		t.Errorf("Expected ErrBatchDisabled, got %v", err)
	}
}
