package stt

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	websocketv1api "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket"
	msginterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	listenClient "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"
	"github.com/rs/zerolog"

	"github.com/lexiqai/practice-gateway/internal/audio"
	"github.com/lexiqai/practice-gateway/internal/config"
	"github.com/lexiqai/practice-gateway/internal/observability"
	"github.com/lexiqai/practice-gateway/internal/resilience"
)

// backlogSize holds roughly a minute of opus audio while the stream is down
const backlogSize = 512 * 1024

// messageCallbackHandler implements the LiveMessageCallback interface
// It embeds the default handler and overrides only the methods we need to customize
type messageCallbackHandler struct {
	*websocketv1api.DefaultCallbackHandler
	handler      func(*msginterfaces.MessageResponse)
	errorHandler func(*msginterfaces.ErrorResponse) error
	closeHandler func()
}

// Message overrides the default handler to forward transcriptions
func (m *messageCallbackHandler) Message(message *msginterfaces.MessageResponse) error {
	m.handler(message)
	return nil
}

// Error overrides the default handler to use our custom error handling
func (m *messageCallbackHandler) Error(errorResponse *msginterfaces.ErrorResponse) error {
	if m.errorHandler != nil {
		return m.errorHandler(errorResponse)
	}
	return m.DefaultCallbackHandler.Error(errorResponse)
}

// Close reports the socket closing so unexpected ends can be restarted
func (m *messageCallbackHandler) Close(closeResponse *msginterfaces.CloseResponse) error {
	if m.closeHandler != nil {
		m.closeHandler()
	}
	return nil
}

// DeepgramEngine implements Engine on Deepgram's streaming API. Audio sent
// while no stream is open is kept in a backlog and flushed on the next Start.
// The first chunk carries the container header and is replayed on every
// restart so Deepgram can decode the continuation.
type DeepgramEngine struct {
	config         *config.Config
	client         *listenClient.WSCallback
	mu             sync.Mutex
	isActive       bool
	runID          int
	header         []byte
	backlog        *audio.Backlog
	circuitBreaker *resilience.CircuitBreaker
	logger         zerolog.Logger
}

// NewDeepgramEngine creates a Deepgram engine for one recording
func NewDeepgramEngine(cfg *config.Config, logger zerolog.Logger) *DeepgramEngine {
	circuitBreaker := resilience.NewCircuitBreaker(
		"deepgram",
		cfg.CircuitBreakerMaxFailures,
		time.Duration(cfg.CircuitBreakerResetTimeout)*time.Second,
	)
	circuitBreaker.OnStateChange = observability.CircuitBreakerStateChanged

	return &DeepgramEngine{
		config:         cfg,
		backlog:        audio.NewBacklog(backlogSize),
		circuitBreaker: circuitBreaker,
		logger:         logger.With().Str("component", "deepgram").Logger(),
	}
}

// Start opens a new Deepgram streaming run
func (d *DeepgramEngine) Start(ctx context.Context, h EngineHandler) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.isActive {
		return fmt.Errorf("deepgram engine is already active")
	}

	// Container formats (webm/ogg/mp4) carry their own encoding, so no
	// encoding or sample rate is set here
	tOptions := &interfaces.LiveTranscriptionOptions{
		Model:          d.config.DeepgramModel,
		Language:       d.config.DeepgramLanguage,
		Punctuate:      true,
		SmartFormat:    true,
		InterimResults: true,
	}

	d.runID++
	run := d.runID
	var endOnce sync.Once
	end := func() {
		endOnce.Do(func() {
			d.mu.Lock()
			unexpected := d.isActive && d.runID == run
			if unexpected {
				d.isActive = false
			}
			d.mu.Unlock()
			if unexpected && h.OnEnd != nil {
				h.OnEnd()
			}
		})
	}

	callback := &messageCallbackHandler{
		DefaultCallbackHandler: websocketv1api.NewDefaultCallbackHandler(),
		handler: func(msg *msginterfaces.MessageResponse) {
			if res, ok := toResult(msg); ok && h.OnResult != nil {
				h.OnResult(res)
			}
		},
		errorHandler: func(errorResponse *msginterfaces.ErrorResponse) error {
			d.circuitBreaker.RecordResult(false)
			observability.IncrementCircuitBreakerFailures("deepgram")
			if h.OnError != nil {
				h.OnError(fmt.Errorf("deepgram error: %+v", errorResponse))
			}
			end()
			return nil
		},
		closeHandler: end,
	}

	err := d.circuitBreaker.Call(func() error {
		client, err := listenClient.NewWSUsingCallback(ctx, d.config.DeepgramAPIKey, nil, tOptions, callback)
		if err != nil {
			return fmt.Errorf("failed to create Deepgram client: %w", err)
		}
		if !client.Connect() {
			return fmt.Errorf("failed to connect to Deepgram")
		}
		d.client = client
		return nil
	})
	if err != nil {
		return err
	}
	d.isActive = true

	// Replay the header, then anything buffered while the stream was down
	if !d.backlog.IsEmpty() {
		d.logger.Debug().Int("bytes", d.backlog.Available()).Msg("Flushing audio backlog")
	}
	pending := d.backlog.Drain()
	if d.header != nil && !bytes.HasPrefix(pending, d.header) {
		if _, err := d.client.Write(d.header); err != nil {
			d.logger.Warn().Err(err).Msg("Failed to replay stream header")
		}
	}
	if len(pending) > 0 {
		if _, err := d.client.Write(pending); err != nil {
			d.logger.Warn().Err(err).Int("bytes", len(pending)).Msg("Failed to flush audio backlog")
		}
	}

	d.logger.Info().
		Str("model", d.config.DeepgramModel).
		Str("language", d.config.DeepgramLanguage).
		Int("run", run).
		Msg("Deepgram streaming run started")
	return nil
}

// toResult converts a Deepgram message into a TranscriptionResult
func toResult(msg *msginterfaces.MessageResponse) (TranscriptionResult, bool) {
	if msg == nil || (msg.Type != "Results" && msg.Type != "Message") {
		return TranscriptionResult{}, false
	}
	if len(msg.Channel.Alternatives) == 0 {
		return TranscriptionResult{}, false
	}

	alt := msg.Channel.Alternatives[0]
	if alt.Transcript == "" {
		return TranscriptionResult{}, false
	}

	startTime := msg.Start
	duration := msg.Duration
	if len(alt.Words) > 0 && duration == 0 {
		startTime = alt.Words[0].Start
		duration = alt.Words[len(alt.Words)-1].End - startTime
	}

	return TranscriptionResult{
		Text:       alt.Transcript,
		IsFinal:    msg.IsFinal,
		Confidence: alt.Confidence,
		StartTime:  startTime,
		Duration:   duration,
	}, true
}

// SendAudio sends an audio chunk to Deepgram, buffering it while no run is open
func (d *DeepgramEngine) SendAudio(chunk []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.header == nil {
		d.header = bytes.Clone(chunk)
	}

	if !d.isActive || d.client == nil {
		if !d.backlog.Write(chunk) {
			d.logger.Warn().Int("bytes", len(chunk)).Msg("Audio backlog full, dropping chunk")
		}
		return nil
	}

	if _, err := d.client.Write(chunk); err != nil {
		d.backlog.Write(chunk)
		return fmt.Errorf("failed to send audio to Deepgram: %w", err)
	}
	return nil
}

// Stop ends the current run without reporting an end event
func (d *DeepgramEngine) Stop() error {
	if dropped := d.backlog.Dropped(); dropped > 0 {
		d.logger.Warn().Int64("bytes", dropped).Msg("Audio dropped while Deepgram was unavailable")
	}
	d.backlog.Clear()

	d.mu.Lock()
	if !d.isActive {
		d.mu.Unlock()
		return nil
	}
	d.isActive = false
	client := d.client
	d.client = nil
	d.mu.Unlock()

	// Finish blocks until the socket is closed; the close callback sees
	// isActive=false and stays quiet
	client.Finish()
	d.logger.Debug().Msg("Deepgram streaming run stopped")
	return nil
}
