package stt

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/practice-gateway/internal/resilience"
)

// StopFunc ends live recognition and returns the finalized transcript.
// Calling it more than once returns the same transcript and has no other effect.
type StopFunc func() string

// LiveOptions configures a LiveRecognizer
type LiveOptions struct {
	// OnUpdate receives the finalized text followed by the current interim text.
	OnUpdate func(text string)

	// OnError receives recognition errors that happen before stop.
	OnError func(error)

	// OnRestart is called each time the engine is restarted after ending on its own.
	OnRestart func()

	// Reconnect bounds automatic restarts. Nil uses a short default.
	Reconnect *resilience.ReconnectConfig

	Logger zerolog.Logger
}

// LiveRecognizer keeps a continuous recognizer running for the length of a
// recording, restarting it whenever it ends unexpectedly. Only final results
// are kept in the transcript; interim results are exposed through OnUpdate.
type LiveRecognizer struct {
	engine Engine
	opts   LiveOptions

	// lifecycle serialises engine Start and Stop
	lifecycle sync.Mutex

	mu         sync.Mutex
	finals     strings.Builder
	interim    string
	started    bool
	stopped    bool
	generation int

	ctx    context.Context
	cancel context.CancelFunc
}

// NewLiveRecognizer wraps engine
func NewLiveRecognizer(engine Engine, opts LiveOptions) *LiveRecognizer {
	if opts.Reconnect == nil {
		opts.Reconnect = &resilience.ReconnectConfig{
			MaxAttempts: 5,
			Backoff:     250 * time.Millisecond,
			Multiplier:  2.0,
			MaxBackoff:  5 * time.Second,
		}
	}
	return &LiveRecognizer{engine: engine, opts: opts}
}

// Start begins recognition. The returned StopFunc must be called exactly once
// per session; extra calls are harmless.
func (r *LiveRecognizer) Start(ctx context.Context) (StopFunc, error) {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return nil, fmt.Errorf("live recognizer already started")
	}
	r.started = true
	r.ctx, r.cancel = context.WithCancel(ctx)
	r.mu.Unlock()

	r.lifecycle.Lock()
	err := r.startEngine()
	r.lifecycle.Unlock()
	if err != nil {
		r.mu.Lock()
		r.stopped = true
		r.mu.Unlock()
		r.cancel()
		return nil, fmt.Errorf("failed to start live recognition: %w", err)
	}

	var once sync.Once
	var final string
	return func() string {
		once.Do(func() { final = r.stop() })
		return final
	}, nil
}

// Feed forwards an encoded audio chunk to the engine
func (r *LiveRecognizer) Feed(chunk []byte) {
	r.mu.Lock()
	stopped := r.stopped
	r.mu.Unlock()
	if stopped {
		return
	}

	if err := r.engine.SendAudio(chunk); err != nil {
		r.opts.Logger.Debug().Err(err).Int("bytes", len(chunk)).Msg("Live recognizer rejected audio chunk")
	}
}

// Transcript returns the finalized text so far
func (r *LiveRecognizer) Transcript() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return strings.TrimSpace(r.finals.String())
}

// startEngine must be called with lifecycle held
func (r *LiveRecognizer) startEngine() error {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return nil
	}
	r.generation++
	gen := r.generation
	r.mu.Unlock()

	return r.engine.Start(r.ctx, EngineHandler{
		OnResult: func(res TranscriptionResult) { r.handleResult(gen, res) },
		OnError:  func(err error) { r.handleError(gen, err) },
		OnEnd:    func() { r.handleEnd(gen) },
	})
}

func (r *LiveRecognizer) handleResult(gen int, res TranscriptionResult) {
	r.mu.Lock()
	if r.stopped || gen != r.generation {
		r.mu.Unlock()
		return
	}
	if res.IsFinal {
		if t := strings.TrimSpace(res.Text); t != "" {
			r.finals.WriteString(t)
			r.finals.WriteString(" ")
		}
		r.interim = ""
	} else {
		r.interim = res.Text
	}
	text := strings.TrimSpace(r.finals.String() + r.interim)
	r.mu.Unlock()

	if r.opts.OnUpdate != nil {
		r.opts.OnUpdate(text)
	}
}

func (r *LiveRecognizer) handleError(gen int, err error) {
	r.mu.Lock()
	// After stop every engine error, aborted included, is expected noise
	ignore := r.stopped || gen != r.generation
	r.mu.Unlock()
	if ignore {
		return
	}

	r.opts.Logger.Warn().Err(err).Msg("Live recognition error")
	if r.opts.OnError != nil {
		r.opts.OnError(err)
	}
}

func (r *LiveRecognizer) handleEnd(gen int) {
	r.mu.Lock()
	ignore := r.stopped || gen != r.generation
	r.mu.Unlock()
	if ignore {
		return
	}

	r.opts.Logger.Info().Msg("Live recognition ended unexpectedly, restarting")
	go r.restart()
}

func (r *LiveRecognizer) restart() {
	r.lifecycle.Lock()
	defer r.lifecycle.Unlock()

	err := resilience.Reconnect(r.ctx, func() error {
		if err := r.ctx.Err(); err != nil {
			return nil
		}
		return r.startEngine()
	}, r.opts.Reconnect)

	r.mu.Lock()
	stopped := r.stopped
	r.mu.Unlock()
	if stopped {
		return
	}

	if err != nil {
		r.opts.Logger.Error().Err(err).Msg("Live recognition could not be restarted")
		if r.opts.OnError != nil {
			r.opts.OnError(err)
		}
		return
	}
	if r.opts.OnRestart != nil {
		r.opts.OnRestart()
	}
}

func (r *LiveRecognizer) stop() string {
	r.mu.Lock()
	r.stopped = true
	final := strings.TrimSpace(r.finals.String())
	r.mu.Unlock()

	// Cancel first so a pending restart stops waiting on its backoff
	r.cancel()

	r.lifecycle.Lock()
	defer r.lifecycle.Unlock()
	if err := r.engine.Stop(); err != nil && !errors.Is(err, ErrAborted) {
		r.opts.Logger.Debug().Err(err).Msg("Error stopping live engine")
	}
	return final
}
