package config

import (
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config holds all configuration for the practice gateway service
type Config struct {
	// Server configuration
	Port string `envconfig:"PORT" default:"8080"`

	// Public base URL for this service, only used for logging the WebSocket endpoint.
	PublicURL string `envconfig:"PUBLIC_URL" default:""`

	// Port for the gRPC health service. Empty disables it.
	GRPCHealthPort string `envconfig:"GRPC_HEALTH_PORT" default:""`

	// Azure fast transcription (batch source). Both key and region must be set to enable it.
	AzureSpeechKey        string `envconfig:"AZURE_SPEECH_KEY" default:""`
	AzureSpeechRegion     string `envconfig:"AZURE_SPEECH_REGION" default:""`
	AzureSpeechLocale     string `envconfig:"AZURE_SPEECH_LOCALE" default:"en-US"`
	AzureSpeechAPIVersion string `envconfig:"AZURE_SPEECH_API_VERSION" default:"2025-10-15"`
	BatchTimeout          int    `envconfig:"BATCH_TIMEOUT" default:"20"` // seconds

	// Deepgram live recognition. Empty key disables the live source.
	DeepgramAPIKey   string `envconfig:"DEEPGRAM_API_KEY" default:""`
	DeepgramModel    string `envconfig:"DEEPGRAM_MODEL" default:"nova-2"`
	DeepgramLanguage string `envconfig:"DEEPGRAM_LANGUAGE" default:"en-US"`

	// Cartesia narration of example answers. Empty key disables narration.
	CartesiaAPIKey  string  `envconfig:"CARTESIA_API_KEY" default:""`
	CartesiaVoiceID string  `envconfig:"CARTESIA_VOICE_ID" default:"sonic-english"`
	CartesiaModelID string  `envconfig:"CARTESIA_MODEL_ID" default:"sonic"`
	NarrationSpeed  float64 `envconfig:"NARRATION_SPEED" default:"0.9"`

	// Staged post-recording pacing, in milliseconds
	StageAnalyzingMS  int `envconfig:"STAGE_ANALYZING_MS" default:"1000"`
	StageExitingMS    int `envconfig:"STAGE_EXITING_MS" default:"300"`
	StageExpertsMS    int `envconfig:"STAGE_EXPERTS_MS" default:"500"`
	StageConcludingMS int `envconfig:"STAGE_CONCLUDING_MS" default:"500"`

	// Recording limits
	MaxRecordingSeconds int `envconfig:"MAX_RECORDING_SECONDS" default:"300"` // 0 = unlimited

	// Storage
	AttemptsDBPath  string `envconfig:"ATTEMPTS_DB_PATH" default:"data/attempts.db"`
	DraftTTLMinutes int    `envconfig:"DRAFT_TTL_MINUTES" default:"120"`
	QuestionsFile   string `envconfig:"QUESTIONS_FILE" default:""` // empty = embedded bank

	// Resilience configuration
	CircuitBreakerMaxFailures  int `envconfig:"CIRCUIT_BREAKER_MAX_FAILURES" default:"5"`   // Failures before opening circuit
	CircuitBreakerResetTimeout int `envconfig:"CIRCUIT_BREAKER_RESET_TIMEOUT" default:"30"` // Seconds before attempting recovery
	RetryMaxAttempts           int `envconfig:"RETRY_MAX_ATTEMPTS" default:"2"`             // Attempts for the batch call
	RetryInitialBackoff        int `envconfig:"RETRY_INITIAL_BACKOFF" default:"200"`        // Initial backoff in milliseconds
	ReconnectMaxAttempts       int `envconfig:"RECONNECT_MAX_ATTEMPTS" default:"5"`         // Live recognizer restarts per end event
	ReconnectBackoff           int `envconfig:"RECONNECT_BACKOFF" default:"250"`            // Restart backoff in milliseconds

	// Observability configuration
	LogLevel       string `envconfig:"LOG_LEVEL" default:"info"`       // Log level: debug, info, warn, error
	LogPretty      bool   `envconfig:"LOG_PRETTY" default:"false"`     // Pretty print logs (for development)
	MetricsEnabled bool   `envconfig:"METRICS_ENABLED" default:"true"` // Enable Prometheus metrics
}

// Load reads configuration from environment variables
// It first attempts to load from .env file if it exists, then from environment
func Load() (*Config, error) {
	// Try to load .env file (ignore error if it doesn't exist)
	_ = godotenv.Load()
	return LoadFromEnv()
}

// LoadFromEnv loads configuration directly from environment variables
// without attempting to load .env file (useful for containerized deployments)
func LoadFromEnv() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations the service cannot run with.
// Missing transcription credentials are allowed; those sources are simply disabled.
func (c *Config) Validate() error {
	if (c.AzureSpeechKey == "") != (c.AzureSpeechRegion == "") {
		return fmt.Errorf("AZURE_SPEECH_KEY and AZURE_SPEECH_REGION must be set together")
	}
	for name, v := range map[string]int{
		"STAGE_ANALYZING_MS":    c.StageAnalyzingMS,
		"STAGE_EXITING_MS":      c.StageExitingMS,
		"STAGE_EXPERTS_MS":      c.StageExpertsMS,
		"STAGE_CONCLUDING_MS":   c.StageConcludingMS,
		"MAX_RECORDING_SECONDS": c.MaxRecordingSeconds,
		"BATCH_TIMEOUT":         c.BatchTimeout,
	} {
		if v < 0 {
			return fmt.Errorf("%s must not be negative (got %d)", name, v)
		}
	}
	if c.NarrationSpeed <= 0 {
		return fmt.Errorf("NARRATION_SPEED must be positive (got %v)", c.NarrationSpeed)
	}
	return nil
}

// BatchEnabled reports whether the Azure batch transcriber is configured.
func (c *Config) BatchEnabled() bool {
	return c.AzureSpeechKey != "" && c.AzureSpeechRegion != ""
}

// LiveEnabled reports whether the Deepgram live recognizer is configured.
func (c *Config) LiveEnabled() bool {
	return c.DeepgramAPIKey != ""
}

// NarrationEnabled reports whether example narration is configured.
func (c *Config) NarrationEnabled() bool {
	return c.CartesiaAPIKey != ""
}

// BatchTimeoutDuration returns the batch transcription timeout.
func (c *Config) BatchTimeoutDuration() time.Duration {
	return time.Duration(c.BatchTimeout) * time.Second
}

// DraftTTL returns how long STAR drafts are kept.
func (c *Config) DraftTTL() time.Duration {
	return time.Duration(c.DraftTTLMinutes) * time.Minute
}
