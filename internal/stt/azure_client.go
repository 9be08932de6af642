package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/practice-gateway/internal/audio"
	"github.com/lexiqai/practice-gateway/internal/config"
	"github.com/lexiqai/practice-gateway/internal/observability"
	"github.com/lexiqai/practice-gateway/internal/resilience"
)

// ErrBatchDisabled is returned by TranscribeErr when no credentials are configured
var ErrBatchDisabled = errors.New("batch transcription is not configured")

// AzureTranscriber implements BatchTranscriber on Azure's fast transcription API
type AzureTranscriber struct {
	apiKey         string
	endpoint       string
	locale         string
	timeout        time.Duration
	httpClient     *http.Client
	retryConfig    *resilience.RetryConfig
	circuitBreaker *resilience.CircuitBreaker
	logger         zerolog.Logger
}

type transcriptionDefinition struct {
	Locales []string `json:"locales"`
}

type transcriptionResponse struct {
	CombinedPhrases []struct {
		Text string `json:"text"`
	} `json:"combinedPhrases"`
	Phrases []struct {
		Text string `json:"text"`
	} `json:"phrases"`
}

// NewAzureTranscriber creates a batch transcriber from configuration
func NewAzureTranscriber(cfg *config.Config, logger zerolog.Logger) *AzureTranscriber {
	circuitBreaker := resilience.NewCircuitBreaker(
		"azure",
		cfg.CircuitBreakerMaxFailures,
		time.Duration(cfg.CircuitBreakerResetTimeout)*time.Second,
	)
	circuitBreaker.OnStateChange = observability.CircuitBreakerStateChanged

	endpoint := ""
	if cfg.AzureSpeechRegion != "" {
		endpoint = fmt.Sprintf(
			"https://%s.api.cognitive.microsoft.com/speechtotext/transcriptions:transcribe?api-version=%s",
			cfg.AzureSpeechRegion, cfg.AzureSpeechAPIVersion,
		)
	}

	return &AzureTranscriber{
		apiKey:     cfg.AzureSpeechKey,
		endpoint:   endpoint,
		locale:     cfg.AzureSpeechLocale,
		timeout:    cfg.BatchTimeoutDuration(),
		httpClient: &http.Client{},
		retryConfig: &resilience.RetryConfig{
			MaxAttempts:       cfg.RetryMaxAttempts,
			InitialBackoff:    time.Duration(cfg.RetryInitialBackoff) * time.Millisecond,
			MaxBackoff:        2 * time.Second,
			BackoffMultiplier: 2.0,
			Jitter:            true,
		},
		circuitBreaker: circuitBreaker,
		logger:         logger.With().Str("component", "azure").Logger(),
	}
}

// WithEndpoint overrides the transcription URL
func (a *AzureTranscriber) WithEndpoint(endpoint string) *AzureTranscriber {
	a.endpoint = endpoint
	return a
}

// WithHTTPClient overrides the HTTP client
func (a *AzureTranscriber) WithHTTPClient(client *http.Client) *AzureTranscriber {
	a.httpClient = client
	return a
}

// Enabled reports whether credentials are configured
func (a *AzureTranscriber) Enabled() bool {
	return a.apiKey != "" && a.endpoint != ""
}

// HealthCheck reports whether batch transcription can currently be used.
// It does not call the service.
func (a *AzureTranscriber) HealthCheck(ctx context.Context) (bool, error) {
	if !a.Enabled() {
		return false, ErrBatchDisabled
	}
	state, requests, failures, rate := a.circuitBreaker.GetStats()
	if state == resilience.StateOpen {
		return false, fmt.Errorf("circuit open after %d/%d failed requests (%.0f%%)", failures, requests, rate)
	}
	return true, nil
}

// Transcribe returns the transcript of artifact, or ok=false on any failure
func (a *AzureTranscriber) Transcribe(ctx context.Context, artifact audio.Artifact) (string, bool) {
	text, err := a.TranscribeErr(ctx, artifact)
	if err != nil {
		a.logger.Warn().Err(err).Int("bytes", artifact.Size()).Msg("Batch transcription failed")
		return "", false
	}
	if text == "" {
		a.logger.Info().Msg("Batch transcription returned no text")
		return "", false
	}
	return text, true
}

// TranscribeErr is Transcribe with the failure reason kept
func (a *AzureTranscriber) TranscribeErr(ctx context.Context, artifact audio.Artifact) (string, error) {
	if !a.Enabled() {
		return "", ErrBatchDisabled
	}
	if artifact.IsEmpty() {
		return "", fmt.Errorf("recording is empty")
	}

	if a.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}

	var text string
	err := a.circuitBreaker.Call(func() error {
		return resilience.RetryContext(ctx, func(ctx context.Context) error {
			var err error
			text, err = a.do(ctx, artifact)
			return err
		}, a.retryConfig, func(err error) bool {
			return resilience.IsRetryable(err) || resilience.IsRetryableNetworkError(err)
		})
	})
	if err != nil {
		if errors.Is(err, resilience.ErrCircuitOpen) {
			observability.IncrementCircuitBreakerFailures("azure")
		}
		return "", err
	}
	return text, nil
}

func (a *AzureTranscriber) do(ctx context.Context, artifact audio.Artifact) (string, error) {
	body, contentType, err := buildMultipart(artifact, a.locale)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint, body)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Ocp-Apim-Subscription-Key", a.apiKey)

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		err := fmt.Errorf("azure API returned status %d: %s", resp.StatusCode, truncate(string(data), 200))
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return "", resilience.NewRetryableError(err)
		}
		return "", err
	}

	return ExtractTranscript(data)
}

func buildMultipart(artifact audio.Artifact, locale string) (*bytes.Buffer, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="audio"; filename="%s"`, artifact.Filename()))
	header.Set("Content-Type", artifact.ContentType())
	part, err := w.CreatePart(header)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create audio part: %w", err)
	}
	if _, err := io.Copy(part, artifact.Reader()); err != nil {
		return nil, "", fmt.Errorf("failed to write audio part: %w", err)
	}

	definition, err := json.Marshal(transcriptionDefinition{Locales: []string{locale}})
	if err != nil {
		return nil, "", fmt.Errorf("failed to marshal definition: %w", err)
	}
	if err := w.WriteField("definition", string(definition)); err != nil {
		return nil, "", fmt.Errorf("failed to write definition: %w", err)
	}

	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("failed to finish multipart body: %w", err)
	}
	return &buf, w.FormDataContentType(), nil
}

// ExtractTranscript reads the text out of a fast transcription response.
// combinedPhrases is preferred; phrases is used when it is missing or blank.
func ExtractTranscript(body []byte) (string, error) {
	var resp transcriptionResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("failed to parse transcription response: %w", err)
	}

	texts := make([]string, 0, len(resp.CombinedPhrases))
	for _, p := range resp.CombinedPhrases {
		if t := strings.TrimSpace(p.Text); t != "" {
			texts = append(texts, t)
		}
	}
	if len(texts) == 0 {
		for _, p := range resp.Phrases {
			if t := strings.TrimSpace(p.Text); t != "" {
				texts = append(texts, t)
			}
		}
	}
	return strings.TrimSpace(strings.Join(texts, " ")), nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
