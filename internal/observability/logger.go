package observability

import (
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	globalLogger zerolog.Logger
	initOnce     sync.Once
)

// InitLogger initializes the global structured logger. Only the first call
// takes effect.
func InitLogger(level string, pretty bool) {
	initOnce.Do(func() {
		zerolog.SetGlobalLevel(parseLevel(level))
		globalLogger = newLogger(os.Stdout, pretty)
		log.Logger = globalLogger
	})
}

// parseLevel falls back to info for empty or unknown levels
func parseLevel(level string) zerolog.Level {
	l, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || l == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return l
}

func newLogger(w io.Writer, pretty bool) zerolog.Logger {
	if pretty {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	return zerolog.New(w).With().Timestamp().Str("service", serviceName).Logger()
}

// GetLogger returns the global logger
func GetLogger() zerolog.Logger {
	InitLogger("info", false)
	return globalLogger
}

// WithComponent tags the global logger for one collaborator (azure, deepgram, api...)
func WithComponent(component string) zerolog.Logger {
	return GetLogger().With().Str("component", component).Logger()
}

// WithSession creates the logger for one practice connection. The session id
// doubles as the correlation id.
func WithSession(sessionID, questionID string) zerolog.Logger {
	return sessionLogger(GetLogger(), sessionID, questionID)
}

func sessionLogger(base zerolog.Logger, sessionID, questionID string) zerolog.Logger {
	if sessionID == "" {
		sessionID = NewCorrelationID()
	}
	return base.With().
		Str("correlation_id", sessionID).
		Str("session_id", sessionID).
		Str("question_id", questionID).
		Logger()
}

// NewCorrelationID generates a new correlation ID
func NewCorrelationID() string {
	return uuid.New().String()
}
