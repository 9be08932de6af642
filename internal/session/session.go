package session

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/practice-gateway/internal/audio"
	"github.com/lexiqai/practice-gateway/internal/capture"
	"github.com/lexiqai/practice-gateway/internal/feedback"
	"github.com/lexiqai/practice-gateway/internal/observability"
	"github.com/lexiqai/practice-gateway/internal/resilience"
	"github.com/lexiqai/practice-gateway/internal/stt"
)

const eventBuffer = 64

// Deps are the collaborators a session drives
type Deps struct {
	// Acquirer hands out exclusive access to an audio input. Required.
	Acquirer capture.Acquirer

	// NewEngine creates a live recognition engine per recording.
	// Nil disables live recognition.
	NewEngine func() stt.Engine

	// Batch transcribes the finished recording. Nil disables it.
	Batch stt.BatchTranscriber

	Logger  zerolog.Logger
	Metrics *observability.Metrics
}

// Options tune one session
type Options struct {
	QuestionID string
	Signals    []string

	// TickInterval is the elapsed counter period. Defaults to one second.
	TickInterval time.Duration

	// Stages is the staging pacing. The zero value uses DefaultStageDurations.
	Stages StageDurations

	// MaxDuration stops the recording automatically. Zero means unlimited.
	MaxDuration time.Duration

	// BatchTimeout bounds the batch transcription call. Defaults to 20s.
	BatchTimeout time.Duration

	// DrainTimeout bounds the wait for the encoder's last chunks. Defaults to 2s.
	DrainTimeout time.Duration

	// Reconnect bounds live recognizer restarts
	Reconnect *resilience.ReconnectConfig
}

func (o *Options) applyDefaults() {
	if o.TickInterval <= 0 {
		o.TickInterval = time.Second
	}
	if o.Stages == (StageDurations{}) {
		o.Stages = DefaultStageDurations()
	}
	if o.BatchTimeout <= 0 {
		o.BatchTimeout = 20 * time.Second
	}
	if o.DrainTimeout <= 0 {
		o.DrainTimeout = 2 * time.Second
	}
}

type commandKind int

const (
	cmdStart commandKind = iota
	cmdStop
)

type command struct {
	kind  commandKind
	reply chan error
}

// Messages posted to the loop by background tasks. Each carries the
// attempt it belongs to so late messages from an earlier attempt are dropped.
type (
	deviceResult struct {
		attempt int
		device  capture.Device
		err     error
	}
	chunkMsg struct {
		attempt int
		data    []byte
	}
	encoderErr struct {
		attempt int
		err     error
	}
	encoderDone struct {
		attempt int
	}
	liveUpdate struct {
		attempt int
		text    string
	}
	liveRestart struct {
		attempt int
	}
	scored struct {
		attempt   int
		feedback  feedback.Feedback
		candidate stt.Candidate
	}
)

// liveRun owns one live recognizer. finish stops it exactly once, waiting
// for a start still in flight.
type liveRun struct {
	rec     *stt.LiveRecognizer
	started chan struct{}
	stop    stt.StopFunc
	once    sync.Once
	final   string
}

func (l *liveRun) finish() string {
	l.once.Do(func() {
		<-l.started
		if l.stop != nil {
			l.final = l.stop()
		}
	})
	return l.final
}

// Session runs one recording surface. All state is owned by a single loop
// goroutine; Start and Stop are commands answered by that loop.
type Session struct {
	deps   Deps
	opts   Options
	logger zerolog.Logger

	cmds     chan command
	internal chan any
	events   chan Event
	done     chan struct{}

	ctx    context.Context
	cancel context.CancelFunc

	current atomic.Int32

	postMu sync.RWMutex
	closed bool

	// Loop-owned state
	state         State
	attempt       int
	attemptCtx    context.Context
	attemptCancel context.CancelFunc
	captureCancel context.CancelFunc
	device        capture.Device
	encoder       capture.Encoder
	live          *liveRun
	chunks        [][]byte
	elapsed       int
	liveText      string
	snapshot      string

	ticker     *time.Ticker
	tickC      <-chan time.Time
	maxTimer   *time.Timer
	maxC       <-chan time.Time
	drainTimer *time.Timer
	drainC     <-chan time.Time
	stageTimer *time.Timer
	stageC     <-chan time.Time
	stage      Stage

	artifact      audio.Artifact
	stagesDone    bool
	feedbackReady bool
	scoredResult  scored
}

// New creates a session and starts its loop. Cancelling ctx has the same
// effect as Close.
func New(ctx context.Context, deps Deps, opts Options) *Session {
	opts.applyDefaults()
	ctx, cancel := context.WithCancel(ctx)

	s := &Session{
		deps:     deps,
		opts:     opts,
		logger:   deps.Logger,
		cmds:     make(chan command),
		internal: make(chan any, 16),
		events:   make(chan Event, eventBuffer),
		done:     make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
		state:    StateIdle,
	}
	go s.run()
	return s
}

// Events delivers session events. It is closed after Close.
func (s *Session) Events() <-chan Event {
	return s.events
}

// State returns the current state
func (s *Session) State() State {
	return State(s.current.Load())
}

// Start begins a recording
func (s *Session) Start() error {
	return s.send(cmdStart)
}

// Stop ends the recording and starts scoring
func (s *Session) Stop() error {
	return s.send(cmdStop)
}

// Close tears the session down without emitting a result and waits for the
// loop to exit. The device is released on every path.
func (s *Session) Close() error {
	s.cancel()
	<-s.done
	return nil
}

func (s *Session) send(kind commandKind) error {
	reply := make(chan error, 1)
	select {
	case s.cmds <- command{kind: kind, reply: reply}:
	case <-s.done:
		return ErrClosed
	}
	select {
	case err := <-reply:
		return err
	case <-s.done:
		return ErrClosed
	}
}

// post delivers a message to the loop unless the session is gone
func (s *Session) post(msg any) bool {
	s.postMu.RLock()
	defer s.postMu.RUnlock()
	if s.closed {
		return false
	}
	select {
	case s.internal <- msg:
		return true
	case <-s.ctx.Done():
		return false
	}
}

func (s *Session) run() {
	defer close(s.done)
	defer close(s.events)
	defer s.cancel()

	for {
		select {
		case <-s.ctx.Done():
			s.teardown()
			return

		case cmd := <-s.cmds:
			switch cmd.kind {
			case cmdStart:
				cmd.reply <- s.handleStart()
			case cmdStop:
				cmd.reply <- s.handleStop()
			}

		case msg := <-s.internal:
			s.handle(msg)

		case <-s.tickC:
			if s.state == StateRecording {
				s.elapsed++
				s.emitLossy(TimeUpdate{Seconds: s.elapsed})
			}

		case <-s.maxC:
			s.maxC = nil
			if s.state == StateRecording {
				s.logger.Info().Int("seconds", s.elapsed).Msg("Maximum recording length reached, stopping")
				s.beginStop()
			}

		case <-s.drainC:
			s.drainC = nil
			if s.state == StateStopping {
				s.logger.Warn().Msg("Encoder did not finish in time, using chunks received so far")
				s.finishStop()
			}

		case <-s.stageC:
			s.stageC = nil
			s.advanceStage()
		}
	}
}

func (s *Session) setState(to State) {
	from := s.state
	if from == to {
		return
	}
	s.state = to
	s.current.Store(int32(to))
	s.logger.Debug().Str("from", from.String()).Str("to", to.String()).Msg("Session state changed")
	s.emit(StateChange{From: from, To: to})
}

// emit delivers an event, waiting for the consumer unless the session closes
func (s *Session) emit(ev Event) {
	select {
	case s.events <- ev:
	case <-s.ctx.Done():
	}
}

// emitLossy delivers an event only if there is room
func (s *Session) emitLossy(ev Event) {
	select {
	case s.events <- ev:
	default:
		s.logger.Debug().Str("event", ev.eventName()).Msg("Event channel full, dropping event")
	}
}

func (s *Session) handleStart() error {
	if !s.state.canStart() {
		return ErrBusy
	}

	s.resetAttempt()
	s.attempt++
	s.attemptCtx, s.attemptCancel = context.WithCancel(s.ctx)
	s.setState(StateRequesting)

	attempt := s.attempt
	ctx := s.attemptCtx
	go func() {
		dev, err := s.deps.Acquirer.RequestAudioInput(ctx)
		if !s.post(deviceResult{attempt: attempt, device: dev, err: err}) && dev != nil {
			dev.Release()
		}
	}()
	return nil
}

func (s *Session) handleStop() error {
	if s.state != StateRecording {
		return ErrNotRecording
	}
	s.beginStop()
	return nil
}

func (s *Session) handle(msg any) {
	switch m := msg.(type) {
	case deviceResult:
		if m.attempt != s.attempt || s.state != StateRequesting {
			if m.device != nil {
				m.device.Release()
			}
			return
		}
		s.onDevice(m.device, m.err)

	case chunkMsg:
		if m.attempt != s.attempt {
			return
		}
		if s.state == StateRecording || s.state == StateStopping {
			s.chunks = append(s.chunks, m.data)
			s.deps.Metrics.RecordAudioBytes("in", int64(len(m.data)))
		}

	case encoderErr:
		if m.attempt != s.attempt {
			return
		}
		if s.state == StateRecording {
			s.fail(m.err)
		} else {
			s.logger.Debug().Err(m.err).Msg("Encoder error after recording stopped")
		}

	case encoderDone:
		if m.attempt != s.attempt {
			return
		}
		switch s.state {
		case StateStopping:
			s.finishStop()
		case StateRecording:
			s.fail(capture.ErrEncoderEnded)
		}

	case liveUpdate:
		if m.attempt != s.attempt || s.state != StateRecording {
			return
		}
		s.liveText = m.text
		s.emitLossy(TranscriptUpdate{Text: m.text})

	case liveRestart:
		if m.attempt == s.attempt {
			s.deps.Metrics.RecordLiveRestart()
		}

	case scored:
		if m.attempt != s.attempt || s.state != StateStaging {
			return
		}
		s.feedbackReady = true
		s.scoredResult = m
		s.tryComplete()
	}
}

func (s *Session) onDevice(dev capture.Device, err error) {
	if err == nil {
		ct := audio.SelectContentType(dev.Supports)
		enc, encErr := dev.StartEncoder(ct)
		if encErr != nil {
			dev.Release()
			err = encErr
		} else {
			s.beginRecording(dev, enc)
			return
		}
	}

	kind := capture.Classify(err)
	s.logger.Warn().Err(err).Str("kind", string(kind)).Msg("Audio input unavailable")
	s.deps.Metrics.RecordPermissionError(string(kind))
	s.deps.Metrics.RecordRecordingOutcome("permission_error")
	s.setState(StatePermissionError)
	s.emit(PermissionError{Kind: kind, Remediation: capture.Remediation(kind), Err: err})
}

func (s *Session) beginRecording(dev capture.Device, enc capture.Encoder) {
	s.device = dev
	s.encoder = enc
	s.chunks = nil
	s.elapsed = 0
	s.liveText = ""

	attempt := s.attempt
	if s.deps.NewEngine != nil {
		s.live = s.startLive(attempt)
	}

	captureCtx, cancel := context.WithCancel(s.attemptCtx)
	s.captureCancel = cancel
	go s.pump(captureCtx, attempt, enc, s.live)

	s.ticker = time.NewTicker(s.opts.TickInterval)
	s.tickC = s.ticker.C
	if s.opts.MaxDuration > 0 {
		s.maxTimer = time.NewTimer(s.opts.MaxDuration)
		s.maxC = s.maxTimer.C
	}

	s.deps.Metrics.RecordRecordingStart()
	s.logger.Info().Str("content_type", enc.ContentType()).Bool("live", s.live != nil).Msg("Recording started")
	s.setState(StateRecording)
	s.emitLossy(TimeUpdate{Seconds: 0})
}

func (s *Session) startLive(attempt int) *liveRun {
	run := &liveRun{started: make(chan struct{})}
	run.rec = stt.NewLiveRecognizer(s.deps.NewEngine(), stt.LiveOptions{
		OnUpdate:  func(text string) { s.post(liveUpdate{attempt: attempt, text: text}) },
		OnRestart: func() { s.post(liveRestart{attempt: attempt}) },
		OnError: func(err error) {
			s.deps.Metrics.RecordError("live", "stt")
		},
		Reconnect: s.opts.Reconnect,
		Logger:    s.logger,
	})

	ctx := s.attemptCtx
	go func() {
		defer close(run.started)
		stop, err := run.rec.Start(ctx)
		if err != nil {
			// The transcript stays empty; batch and duration still score the answer
			s.logger.Warn().Err(err).Msg("Live recognition unavailable")
			return
		}
		run.stop = stop
	}()
	return run
}

// pump forwards encoder output to the loop and the live recognizer
func (s *Session) pump(ctx context.Context, attempt int, enc capture.Encoder, live *liveRun) {
	chunks := enc.Chunks()
	errs := enc.Errors()
	for {
		select {
		case <-ctx.Done():
			return
		case c, ok := <-chunks:
			if !ok {
				s.post(encoderDone{attempt: attempt})
				return
			}
			if len(c) == 0 {
				continue
			}
			if live != nil {
				live.rec.Feed(c)
			}
			if !s.post(chunkMsg{attempt: attempt, data: c}) {
				return
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			s.post(encoderErr{attempt: attempt, err: err})
		}
	}
}

// beginStop freezes the recording and waits for the encoder to drain
func (s *Session) beginStop() {
	s.stopClock()
	s.snapshot = s.liveText
	if s.live != nil {
		// Finals stop accumulating once Stopping begins; score collects them
		go s.live.finish()
	}
	s.setState(StateStopping)

	if err := s.encoder.Stop(); err != nil {
		s.logger.Debug().Err(err).Msg("Error stopping encoder")
	}
	s.drainTimer = time.NewTimer(s.opts.DrainTimeout)
	s.drainC = s.drainTimer.C
}

// finishStop finalizes the artifact, releases the device and starts scoring
func (s *Session) finishStop() {
	stopTimer(s.drainTimer)
	s.drainTimer, s.drainC = nil, nil
	if s.captureCancel != nil {
		s.captureCancel()
	}

	s.artifact = audio.NewArtifact(s.chunks, s.encoder.ContentType())
	s.chunks = nil
	s.releaseDevice()
	s.deps.Metrics.RecordRecordingEnd(s.elapsed)

	s.logger.Info().
		Int("seconds", s.elapsed).
		Int("bytes", s.artifact.Size()).
		Str("content_type", s.artifact.ContentType()).
		Msg("Recording finalized")

	go s.score(s.attemptCtx, s.attempt, s.live, s.snapshot, s.artifact, s.elapsed)
	s.live = nil

	s.stagesDone = false
	s.feedbackReady = false
	s.setState(StateStaging)
	s.enterStage(StageAnalyzing)
}

// score runs alongside staging and posts its result when ready
func (s *Session) score(ctx context.Context, attempt int, live *liveRun, snapshot string, artifact audio.Artifact, seconds int) {
	liveDone := make(chan string, 1)
	go func() {
		text := snapshot
		if live != nil {
			if final := live.finish(); final != "" {
				text = final
			}
		}
		liveDone <- text
	}()

	batchText, batchOK := "", false
	if s.deps.Batch != nil && !artifact.IsEmpty() {
		bctx, cancel := context.WithTimeout(ctx, s.opts.BatchTimeout)
		s.deps.Metrics.RecordBatchStart()
		batchText, batchOK = s.deps.Batch.Transcribe(bctx, artifact)
		cancel()
		s.deps.Metrics.RecordBatchEnd(batchOK)
		if !batchOK {
			s.logger.Info().Msg("Batch transcript unavailable, using live transcript")
		}
	}

	var liveText string
	select {
	case liveText = <-liveDone:
	case <-ctx.Done():
		return
	}

	candidate := stt.Pick(liveText, batchText, batchOK)
	fb := feedback.Generate(candidate.Text, s.opts.Signals, seconds)

	s.deps.Metrics.RecordTranscriptSource(string(candidate.Source))
	s.deps.Metrics.RecordScore(fb.Score)
	s.logger.Info().
		Str("source", string(candidate.Source)).
		Int("score", fb.Score).
		Int("seconds", seconds).
		Msg("Answer scored")

	s.post(scored{attempt: attempt, feedback: fb, candidate: candidate})
}

func (s *Session) enterStage(stage Stage) {
	s.stage = stage
	s.emit(StageChange{Stage: stage})
	s.stageTimer = time.NewTimer(s.opts.Stages.of(stage))
	s.stageC = s.stageTimer.C
}

func (s *Session) advanceStage() {
	if s.state != StateStaging {
		return
	}
	if next, ok := nextStage(s.stage); ok {
		s.enterStage(next)
		return
	}
	// Concluding held its minimum; it stays up until feedback is ready
	s.stagesDone = true
	s.tryComplete()
}

func (s *Session) tryComplete() {
	if !s.stagesDone || !s.feedbackReady {
		return
	}

	result := Result{
		Artifact:        s.artifact,
		Feedback:        s.scoredResult.feedback,
		Transcript:      s.scoredResult.candidate,
		DurationSeconds: s.elapsed,
	}
	s.emit(Completed{Result: result})
	s.setState(StateReady)
	s.deps.Metrics.RecordRecordingOutcome("completed")
	s.resetAttempt()
}

// fail handles a device or encoder error during recording
func (s *Session) fail(err error) {
	s.logger.Error().Err(err).Msg("Recording failed")
	s.deps.Metrics.RecordError("encoder", "session")

	s.stopClock()
	if err := s.encoder.Stop(); err != nil {
		s.logger.Debug().Err(err).Msg("Error stopping encoder")
	}
	if s.captureCancel != nil {
		s.captureCancel()
	}
	s.releaseDevice()
	if s.live != nil {
		go s.live.finish()
		s.live = nil
	}

	s.emit(Completed{Result: Result{
		Artifact:        audio.NewArtifact(nil, ""),
		Feedback:        feedback.Fallback(),
		Transcript:      stt.Candidate{Source: stt.SourceNone},
		DurationSeconds: s.elapsed,
		Failed:          true,
	}})
	s.setState(StateFailed)
	s.deps.Metrics.RecordRecordingOutcome("failed")
	s.resetAttempt()
}

// teardown runs when the session is closed; it emits nothing
func (s *Session) teardown() {
	s.postMu.Lock()
	s.closed = true
	s.postMu.Unlock()
	s.drainInternal()

	if s.encoder != nil && s.state == StateRecording {
		if err := s.encoder.Stop(); err != nil {
			s.logger.Debug().Err(err).Msg("Error stopping encoder")
		}
	}
	if s.live != nil {
		go s.live.finish()
		s.live = nil
	}
	s.releaseDevice()
	s.resetAttempt()

	outcome := "abandoned"
	switch s.state {
	case StateReady:
		outcome = "completed"
	case StateFailed:
		outcome = "failed"
	case StatePermissionError:
		outcome = "permission_error"
	case StateIdle:
		outcome = "idle"
	}
	s.deps.Metrics.RecordSessionEnd(outcome)
	s.logger.Debug().Str("state", s.state.String()).Msg("Session closed")
}

// drainInternal releases devices granted after the session stopped listening
func (s *Session) drainInternal() {
	for {
		select {
		case msg := <-s.internal:
			if m, ok := msg.(deviceResult); ok && m.device != nil {
				m.device.Release()
			}
		default:
			return
		}
	}
}

// resetAttempt clears per-recording timers and buffers
func (s *Session) resetAttempt() {
	s.stopClock()
	stopTimer(s.drainTimer)
	stopTimer(s.stageTimer)
	s.drainTimer, s.drainC = nil, nil
	s.stageTimer, s.stageC = nil, nil

	if s.captureCancel != nil {
		s.captureCancel()
		s.captureCancel = nil
	}
	if s.attemptCancel != nil {
		s.attemptCancel()
		s.attemptCancel = nil
	}

	s.encoder = nil
	s.chunks = nil
	s.elapsed = 0
	s.liveText = ""
	s.snapshot = ""
	s.stage = ""
	s.stagesDone = false
	s.feedbackReady = false
	s.scoredResult = scored{}
	s.artifact = audio.Artifact{}
}

func (s *Session) stopClock() {
	if s.ticker != nil {
		s.ticker.Stop()
	}
	s.ticker, s.tickC = nil, nil
	stopTimer(s.maxTimer)
	s.maxTimer, s.maxC = nil, nil
}

func (s *Session) releaseDevice() {
	if s.device == nil {
		return
	}
	if err := s.device.Release(); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to release audio input")
	}
	s.device = nil
}

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}
