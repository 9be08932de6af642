package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/practice-gateway/internal/audio"
	"github.com/lexiqai/practice-gateway/internal/config"
	"github.com/lexiqai/practice-gateway/internal/observability"
	"github.com/lexiqai/practice-gateway/internal/resilience"
)

const (
	defaultCartesiaURL = "https://api.cartesia.ai/v1/tts"
	cartesiaSampleRate = 24000 // Cartesia outputs 16-bit PCM at 24kHz
)

// CartesiaClient implements Synthesizer using Cartesia's TTS API
type CartesiaClient struct {
	apiKey         string
	apiURL         string
	voiceID        string
	modelID        string
	speed          float64
	httpClient     *http.Client
	circuitBreaker *resilience.CircuitBreaker
	logger         zerolog.Logger
}

// CartesiaRequest represents the request payload for Cartesia TTS API
type CartesiaRequest struct {
	Text            string  `json:"text"`
	VoiceID         string  `json:"voice_id"`
	ModelID         string  `json:"model_id,omitempty"`
	OutputFormat    string  `json:"output_format,omitempty"`
	SampleRate      int     `json:"sample_rate,omitempty"`
	Speed           float64 `json:"speed,omitempty"`
	Stability       float64 `json:"stability,omitempty"`
	SimilarityBoost float64 `json:"similarity_boost,omitempty"`
}

// NewCartesiaClient creates a new Cartesia TTS client
func NewCartesiaClient(cfg *config.Config, logger zerolog.Logger) *CartesiaClient {
	circuitBreaker := resilience.NewCircuitBreaker(
		"cartesia",
		cfg.CircuitBreakerMaxFailures,
		time.Duration(cfg.CircuitBreakerResetTimeout)*time.Second,
	)
	circuitBreaker.OnStateChange = observability.CircuitBreakerStateChanged

	return &CartesiaClient{
		apiKey:         cfg.CartesiaAPIKey,
		apiURL:         defaultCartesiaURL,
		voiceID:        cfg.CartesiaVoiceID,
		modelID:        cfg.CartesiaModelID,
		speed:          cfg.NarrationSpeed,
		httpClient:     &http.Client{Timeout: 30 * time.Second},
		circuitBreaker: circuitBreaker,
		logger:         logger.With().Str("component", "cartesia").Logger(),
	}
}

// WithEndpoint overrides the API URL
func (c *CartesiaClient) WithEndpoint(url string) *CartesiaClient {
	c.apiURL = url
	return c
}

// Enabled reports whether an API key is configured
func (c *CartesiaClient) Enabled() bool {
	return c.apiKey != ""
}

// HealthCheck reports whether narration can currently be used without calling the API
func (c *CartesiaClient) HealthCheck(ctx context.Context) (bool, error) {
	if !c.Enabled() {
		return false, ErrNotConfigured
	}
	if c.circuitBreaker.GetState() == resilience.StateOpen {
		return false, resilience.ErrCircuitOpen
	}
	return true, nil
}

// Synthesize converts text to a WAV clip
func (c *CartesiaClient) Synthesize(ctx context.Context, text string) (*Audio, error) {
	if !c.Enabled() {
		return nil, ErrNotConfigured
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, fmt.Errorf("nothing to synthesize")
	}

	start := time.Now()
	var pcm []byte
	err := c.circuitBreaker.Call(func() error {
		var err error
		pcm, err = c.fetchPCM(ctx, text)
		return err
	})
	if err != nil {
		observability.RecordNarration(false, time.Since(start))
		return nil, err
	}

	pcm = audio.TrimSilence(pcm, cartesiaSampleRate, 1, nil)
	wavData, err := audio.ConvertPCMToWAV(pcm, cartesiaSampleRate, 1)
	if err != nil {
		observability.RecordNarration(false, time.Since(start))
		return nil, fmt.Errorf("failed to convert narration to WAV: %w", err)
	}
	observability.RecordNarration(true, time.Since(start))

	c.logger.Debug().
		Int("chars", len(text)).
		Int("pcm_bytes", len(pcm)).
		Dur("latency", time.Since(start)).
		Msg("Narration synthesized")

	return &Audio{
		Data:        wavData,
		ContentType: "audio/wav",
		SampleRate:  cartesiaSampleRate,
		Channels:    1,
		Duration:    audio.PCMDuration(len(pcm), cartesiaSampleRate, 1),
	}, nil
}

func (c *CartesiaClient) fetchPCM(ctx context.Context, text string) ([]byte, error) {
	reqBody := CartesiaRequest{
		Text:            text,
		VoiceID:         c.voiceID,
		ModelID:         c.modelID,
		OutputFormat:    "pcm",
		SampleRate:      cartesiaSampleRate,
		Speed:           c.speed,
		Stability:       0.5,
		SimilarityBoost: 0.75,
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL, bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("cartesia API returned status %d", resp.StatusCode)
	}

	audioData, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read audio response: %w", err)
	}
	if len(audioData) == 0 {
		return nil, fmt.Errorf("cartesia returned empty audio data")
	}
	if len(audioData)%2 != 0 {
		audioData = audioData[:len(audioData)-1]
	}
	return audioData, nil
}
