package session

import (
	"bytes"
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/practice-gateway/internal/audio"
	"github.com/lexiqai/practice-gateway/internal/capture"
	"github.com/lexiqai/practice-gateway/internal/feedback"
	"github.com/lexiqai/practice-gateway/internal/stt"
)

// fakeEncoder emits whatever the test sends. Stop closes the chunk stream
// unless holdOnStop is set.
type fakeEncoder struct {
	contentType string
	chunks      chan []byte
	errs        chan error
	holdOnStop  bool

	mu    sync.Mutex
	stops int
	once  sync.Once
}

func newFakeEncoder(ct string) *fakeEncoder {
	return &fakeEncoder{contentType: ct, chunks: make(chan []byte, 64), errs: make(chan error, 4)}
}

func (e *fakeEncoder) ContentType() string    { return e.contentType }
func (e *fakeEncoder) Chunks() <-chan []byte  { return e.chunks }
func (e *fakeEncoder) Errors() <-chan error   { return e.errs }
func (e *fakeEncoder) send(b string)          { e.chunks <- []byte(b) }
func (e *fakeEncoder) fail(err error)         { e.errs <- err }

func (e *fakeEncoder) Stop() error {
	e.mu.Lock()
	e.stops++
	e.mu.Unlock()
	if !e.holdOnStop {
		e.once.Do(func() { close(e.chunks) })
	}
	return nil
}

type fakeDevice struct {
	supported map[string]bool
	encoder   *fakeEncoder
	startErr  error

	mu        sync.Mutex
	requested string
	releases  int
}

func (d *fakeDevice) Supports(ct string) bool { return d.supported[ct] }

func (d *fakeDevice) StartEncoder(ct string) (capture.Encoder, error) {
	d.mu.Lock()
	d.requested = ct
	d.mu.Unlock()
	if d.startErr != nil {
		return nil, d.startErr
	}
	return d.encoder, nil
}

func (d *fakeDevice) Release() error {
	d.mu.Lock()
	d.releases++
	d.mu.Unlock()
	return nil
}

func (d *fakeDevice) releaseCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.releases
}

// fakeAcquirer answers requests in order from results
type fakeAcquirer struct {
	mu      sync.Mutex
	results []acquireResult
	calls   int
	block   bool
}

type acquireResult struct {
	device capture.Device
	err    error
}

func (a *fakeAcquirer) RequestAudioInput(ctx context.Context) (capture.Device, error) {
	a.mu.Lock()
	i := a.calls
	a.calls++
	block := a.block
	a.mu.Unlock()

	res := a.results[min(i, len(a.results)-1)]
	if block {
		<-ctx.Done()
	}
	return res.device, res.err
}

func (a *fakeAcquirer) callCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

type fakeBatch struct {
	text  string
	ok    bool
	delay time.Duration

	mu  sync.Mutex
	got []audio.Artifact
}

func (b *fakeBatch) Transcribe(ctx context.Context, a audio.Artifact) (string, bool) {
	b.mu.Lock()
	b.got = append(b.got, a)
	b.mu.Unlock()
	if b.delay > 0 {
		select {
		case <-time.After(b.delay):
		case <-ctx.Done():
			return "", false
		}
	}
	return b.text, b.ok
}

type fakeEngine struct {
	mu      sync.Mutex
	handler *stt.EngineHandler
	stops   int
}

func (e *fakeEngine) Start(ctx context.Context, h stt.EngineHandler) error {
	e.mu.Lock()
	e.handler = &h
	e.mu.Unlock()
	return nil
}

func (e *fakeEngine) SendAudio([]byte) error { return nil }

func (e *fakeEngine) Stop() error {
	e.mu.Lock()
	e.stops++
	e.mu.Unlock()
	return nil
}

func (e *fakeEngine) stopCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stops
}

func (e *fakeEngine) waitHandler(t *testing.T) stt.EngineHandler {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		e.mu.Lock()
		h := e.handler
		e.mu.Unlock()
		if h != nil {
			return *h
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("Live engine was never started")
	return stt.EngineHandler{}
}

func fastStages() StageDurations {
	return StageDurations{
		Analyzing:  5 * time.Millisecond,
		Exiting:    5 * time.Millisecond,
		Experts:    5 * time.Millisecond,
		Concluding: 5 * time.Millisecond,
	}
}

func newDevice() *fakeDevice {
	return &fakeDevice{
		supported: map[string]bool{"audio/webm": true, "audio/ogg": true},
		encoder:   newFakeEncoder("audio/webm"),
	}
}

func newTestSession(t *testing.T, deps Deps, opts Options) *Session {
	t.Helper()
	deps.Logger = zerolog.Nop()
	if opts.TickInterval == 0 {
		opts.TickInterval = time.Hour
	}
	s := New(context.Background(), deps, opts)
	t.Cleanup(func() { s.Close() })
	return s
}

func waitEvent[T Event](t *testing.T, s *Session) T {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-s.Events():
			if !ok {
				var zero T
				t.Fatalf("Event channel closed while waiting for %T", zero)
			}
			if e, ok := ev.(T); ok {
				return e
			}
		case <-timeout:
			var zero T
			t.Fatalf("Timed out waiting for %T", zero)
		}
	}
}

func waitState(t *testing.T, s *Session, want State) {
	t.Helper()
	for {
		if ev := waitEvent[StateChange](t, s); ev.To == want {
			return
		}
	}
}

func TestSession_BatchTranscriptWins(t *testing.T) {
	dev := newDevice()
	batch := &fakeBatch{text: "My name is Aung and I have experience in retail", ok: true}
	engine := &fakeEngine{}
	signals := []string{"experience"}

	s := newTestSession(t, Deps{
		Acquirer:  &fakeAcquirer{results: []acquireResult{{device: dev}}},
		NewEngine: func() stt.Engine { return engine },
		Batch:     batch,
	}, Options{Signals: signals, Stages: fastStages(), TickInterval: 5 * time.Millisecond})

	if err := s.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitState(t, s, StateRecording)

	dev.mu.Lock()
	requested := dev.requested
	dev.mu.Unlock()
	if requested != "audio/webm" {
		t.Errorf("Expected first supported content type audio/webm, got %q", requested)
	}

	engine.waitHandler(t).OnResult(stt.TranscriptionResult{Text: "live words", IsFinal: true})
	dev.encoder.send("chunk-1|")
	dev.encoder.send("chunk-2")
	waitEvent[TimeUpdate](t, s)

	if err := s.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	done := waitEvent[Completed](t, s)
	res := done.Result

	if res.Transcript.Source != stt.SourceBatch || res.Transcript.Text != batch.text {
		t.Errorf("Expected batch transcript, got %+v", res.Transcript)
	}
	if !bytes.Equal(res.Artifact.Bytes(), []byte("chunk-1|chunk-2")) {
		t.Errorf("Unexpected artifact %q", res.Artifact.Bytes())
	}
	if res.Artifact.ContentType() != "audio/webm" {
		t.Errorf("Expected encoder content type, got %q", res.Artifact.ContentType())
	}
	if want := feedback.Generate(batch.text, signals, res.DurationSeconds); res.Feedback != want {
		t.Errorf("Feedback mismatch: %+v vs %+v", res.Feedback, want)
	}
	if res.Failed {
		t.Error("Expected a successful result")
	}

	waitState(t, s, StateReady)
	if got := dev.releaseCount(); got != 1 {
		t.Errorf("Expected device released once, got %d", got)
	}
	engine.mu.Lock()
	stops := engine.stops
	engine.mu.Unlock()
	if stops != 1 {
		t.Errorf("Expected live engine stopped once, got %d", stops)
	}

	batch.mu.Lock()
	defer batch.mu.Unlock()
	if len(batch.got) != 1 || batch.got[0].Filename() != "recording.webm" {
		t.Errorf("Expected one batch call with the finalized artifact, got %d", len(batch.got))
	}
}

func TestSession_LiveFallback(t *testing.T) {
	tests := []struct {
		name  string
		batch *fakeBatch
	}{
		{"batch failed", &fakeBatch{ok: false}},
		{"batch empty", &fakeBatch{text: "  ", ok: true}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dev := newDevice()
			engine := &fakeEngine{}
			s := newTestSession(t, Deps{
				Acquirer:  &fakeAcquirer{results: []acquireResult{{device: dev}}},
				NewEngine: func() stt.Engine { return engine },
				Batch:     tt.batch,
			}, Options{Stages: fastStages()})

			s.Start()
			waitState(t, s, StateRecording)

			h := engine.waitHandler(t)
			h.OnResult(stt.TranscriptionResult{Text: "my name is", IsFinal: false})
			if got := waitEvent[TranscriptUpdate](t, s); got.Text != "my name is" {
				t.Errorf("Expected interim transcript update, got %q", got.Text)
			}
			h.OnResult(stt.TranscriptionResult{Text: "my name is Aung", IsFinal: true})
			waitEvent[TranscriptUpdate](t, s)

			dev.encoder.send("audio")
			s.Stop()
			res := waitEvent[Completed](t, s).Result

			if res.Transcript.Source != stt.SourceLive || res.Transcript.Text != "my name is Aung" {
				t.Errorf("Expected live transcript, got %+v", res.Transcript)
			}
		})
	}
}

func TestSession_NoTranscript(t *testing.T) {
	dev := newDevice()
	s := newTestSession(t, Deps{
		Acquirer: &fakeAcquirer{results: []acquireResult{{device: dev}}},
	}, Options{Stages: fastStages()})

	s.Start()
	waitState(t, s, StateRecording)
	s.Stop()
	res := waitEvent[Completed](t, s).Result

	if res.Transcript.Source != stt.SourceNone {
		t.Errorf("Expected no transcript source, got %q", res.Transcript.Source)
	}
	if res.Feedback.Score != 0 || res.Feedback.FeedbackMessage != feedback.BannerNotDetected {
		t.Errorf("Expected degenerate feedback, got %+v", res.Feedback)
	}
	if !res.Artifact.IsEmpty() {
		t.Error("Expected empty artifact")
	}
}

func TestSession_PermissionErrorThenRetry(t *testing.T) {
	dev := newDevice()
	acq := &fakeAcquirer{results: []acquireResult{
		{err: &capture.DeviceError{Name: "NotAllowedError"}},
		{device: dev},
	}}
	s := newTestSession(t, Deps{Acquirer: acq}, Options{Stages: fastStages()})

	s.Start()
	perr := waitEvent[PermissionError](t, s)
	if perr.Kind != capture.KindPermissionDenied {
		t.Errorf("Expected permission-denied, got %q", perr.Kind)
	}
	if !reflect.DeepEqual(perr.Remediation, capture.Remediation(capture.KindPermissionDenied)) {
		t.Errorf("Expected remediation for permission-denied, got %+v", perr.Remediation)
	}
	if s.State() != StatePermissionError {
		t.Errorf("Expected PermissionError state, got %v", s.State())
	}

	time.Sleep(20 * time.Millisecond)
	if got := acq.callCount(); got != 1 {
		t.Fatalf("Expected no automatic retry, got %d requests", got)
	}

	if err := s.Start(); err != nil {
		t.Fatalf("Retry start failed: %v", err)
	}
	waitState(t, s, StateRecording)
	if got := acq.callCount(); got != 2 {
		t.Errorf("Expected 2 requests after retry, got %d", got)
	}
}

func TestSession_PermissionErrorKinds(t *testing.T) {
	tests := []struct {
		err  error
		want capture.ErrorKind
	}{
		{&capture.DeviceError{Name: "NotFoundError"}, capture.KindNoDevice},
		{&capture.DeviceError{Name: "NotReadableError"}, capture.KindDeviceInUse},
		{errors.New("boom"), capture.KindUnknown},
	}
	for _, tt := range tests {
		s := newTestSession(t, Deps{Acquirer: &fakeAcquirer{results: []acquireResult{{err: tt.err}}}}, Options{})
		s.Start()
		if got := waitEvent[PermissionError](t, s).Kind; got != tt.want {
			t.Errorf("%v: expected %q, got %q", tt.err, tt.want, got)
		}
	}
}

func TestSession_EncoderStartFailure(t *testing.T) {
	dev := newDevice()
	dev.startErr = errors.New("unsupported")
	s := newTestSession(t, Deps{Acquirer: &fakeAcquirer{results: []acquireResult{{device: dev}}}}, Options{})

	s.Start()
	if got := waitEvent[PermissionError](t, s).Kind; got != capture.KindUnknown {
		t.Errorf("Expected unknown kind, got %q", got)
	}
	if got := dev.releaseCount(); got != 1 {
		t.Errorf("Expected device released, got %d releases", got)
	}
}

func TestSession_EncoderErrorFallsBack(t *testing.T) {
	dev := newDevice()
	s := newTestSession(t, Deps{
		Acquirer: &fakeAcquirer{results: []acquireResult{{device: dev}}},
		Batch:    &fakeBatch{text: "never used", ok: true},
	}, Options{Stages: fastStages()})

	s.Start()
	waitState(t, s, StateRecording)
	dev.encoder.fail(errors.New("track ended"))

	res := waitEvent[Completed](t, s).Result
	if !res.Failed {
		t.Error("Expected failed result")
	}
	if res.Feedback != feedback.Fallback() {
		t.Errorf("Expected fallback feedback, got %+v", res.Feedback)
	}
	waitState(t, s, StateFailed)
	if got := dev.releaseCount(); got != 1 {
		t.Errorf("Expected device released once, got %d", got)
	}

	if err := s.Start(); err != nil {
		t.Errorf("Expected Start to be allowed after failure, got %v", err)
	}
}

func TestSession_DefaultStagingMinimum(t *testing.T) {
	dev := newDevice()
	s := newTestSession(t, Deps{
		Acquirer: &fakeAcquirer{results: []acquireResult{{device: dev}}},
		Batch:    &fakeBatch{text: "instant", ok: true},
	}, Options{})

	s.Start()
	waitState(t, s, StateRecording)

	start := time.Now()
	s.Stop()

	var stages []Stage
	for {
		ev := waitEvent[Event](t, s)
		if sc, ok := ev.(StageChange); ok {
			stages = append(stages, sc.Stage)
		}
		if _, ok := ev.(Completed); ok {
			break
		}
	}
	elapsed := time.Since(start)

	if elapsed < 2300*time.Millisecond {
		t.Errorf("Expected staging to take at least 2300ms, took %v", elapsed)
	}
	want := []Stage{StageAnalyzing, StageExiting, StageExperts, StageConcluding}
	if len(stages) != len(want) {
		t.Fatalf("Expected stages %v, got %v", want, stages)
	}
	for i := range want {
		if stages[i] != want[i] {
			t.Errorf("Stage %d: expected %s, got %s", i, want[i], stages[i])
		}
	}
}

func TestSession_ConcludingWaitsForFeedback(t *testing.T) {
	dev := newDevice()
	s := newTestSession(t, Deps{
		Acquirer: &fakeAcquirer{results: []acquireResult{{device: dev}}},
		Batch:    &fakeBatch{text: "slow", ok: true, delay: 200 * time.Millisecond},
	}, Options{Stages: fastStages()})

	s.Start()
	waitState(t, s, StateRecording)
	dev.encoder.send("audio")

	start := time.Now()
	s.Stop()
	res := waitEvent[Completed](t, s).Result

	if elapsed := time.Since(start); elapsed < 200*time.Millisecond {
		t.Errorf("Expected completion to wait for feedback, took %v", elapsed)
	}
	if res.Transcript.Text != "slow" {
		t.Errorf("Expected batch transcript, got %q", res.Transcript.Text)
	}
}

func TestSession_TeardownEmitsNothing(t *testing.T) {
	dev := newDevice()
	s := New(context.Background(), Deps{
		Acquirer: &fakeAcquirer{results: []acquireResult{{device: dev}}},
		Batch:    &fakeBatch{text: "x", ok: true},
		Logger:   zerolog.Nop(),
	}, Options{TickInterval: time.Hour})

	s.Start()
	waitState(t, s, StateRecording)
	s.Stop()
	waitEvent[StageChange](t, s)

	s.Close()
	for ev := range s.Events() {
		if _, ok := ev.(Completed); ok {
			t.Error("Expected no result after teardown")
		}
	}
	if got := dev.releaseCount(); got != 1 {
		t.Errorf("Expected device released once, got %d", got)
	}
	if err := s.Start(); !errors.Is(err, ErrClosed) {
		t.Errorf("Expected ErrClosed, got %v", err)
	}
}

func TestSession_TeardownWhileRecording(t *testing.T) {
	dev := newDevice()
	s := New(context.Background(), Deps{
		Acquirer: &fakeAcquirer{results: []acquireResult{{device: dev}}},
		Logger:   zerolog.Nop(),
	}, Options{TickInterval: time.Hour})

	s.Start()
	waitState(t, s, StateRecording)
	s.Close()

	if got := dev.releaseCount(); got != 1 {
		t.Errorf("Expected device released on teardown, got %d", got)
	}
	dev.encoder.mu.Lock()
	stops := dev.encoder.stops
	dev.encoder.mu.Unlock()
	if stops != 1 {
		t.Errorf("Expected encoder stopped on teardown, got %d", stops)
	}
}

func TestSession_TeardownWhileRequesting(t *testing.T) {
	dev := newDevice()
	acq := &fakeAcquirer{results: []acquireResult{{device: dev}}, block: true}
	s := New(context.Background(), Deps{Acquirer: acq, Logger: zerolog.Nop()}, Options{})

	s.Start()
	waitState(t, s, StateRequesting)
	s.Close()

	deadline := time.Now().Add(2 * time.Second)
	for dev.releaseCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := dev.releaseCount(); got != 1 {
		t.Errorf("Expected late device to be released, got %d", got)
	}
}

func TestSession_CommandGuards(t *testing.T) {
	dev := newDevice()
	s := newTestSession(t, Deps{Acquirer: &fakeAcquirer{results: []acquireResult{{device: dev}}}}, Options{})

	if err := s.Stop(); !errors.Is(err, ErrNotRecording) {
		t.Errorf("Expected ErrNotRecording from Idle, got %v", err)
	}
	s.Start()
	waitState(t, s, StateRecording)
	if err := s.Start(); !errors.Is(err, ErrBusy) {
		t.Errorf("Expected ErrBusy while recording, got %v", err)
	}
}

func TestSession_MaxDurationStops(t *testing.T) {
	dev := newDevice()
	s := newTestSession(t, Deps{
		Acquirer: &fakeAcquirer{results: []acquireResult{{device: dev}}},
	}, Options{Stages: fastStages(), MaxDuration: 30 * time.Millisecond})

	s.Start()
	waitState(t, s, StateRecording)
	waitEvent[Completed](t, s)
}

func TestSession_DrainTimeout(t *testing.T) {
	dev := newDevice()
	dev.encoder.holdOnStop = true
	s := newTestSession(t, Deps{
		Acquirer: &fakeAcquirer{results: []acquireResult{{device: dev}}},
	}, Options{Stages: fastStages(), DrainTimeout: 20 * time.Millisecond})

	s.Start()
	waitState(t, s, StateRecording)
	dev.encoder.send("partial")
	time.Sleep(10 * time.Millisecond)
	s.Stop()

	res := waitEvent[Completed](t, s).Result
	if string(res.Artifact.Bytes()) != "partial" {
		t.Errorf("Expected chunks received before the timeout, got %q", res.Artifact.Bytes())
	}
}

func TestSession_LiveStopsWhenStoppingBegins(t *testing.T) {
	dev := newDevice()
	dev.encoder.holdOnStop = true
	engine := &fakeEngine{}
	s := newTestSession(t, Deps{
		Acquirer:  &fakeAcquirer{results: []acquireResult{{device: dev}}},
		NewEngine: func() stt.Engine { return engine },
	}, Options{Stages: fastStages(), DrainTimeout: 2 * time.Second})

	s.Start()
	waitState(t, s, StateRecording)
	h := engine.waitHandler(t)
	h.OnResult(stt.TranscriptionResult{Text: "I led the team", IsFinal: true})
	waitEvent[TranscriptUpdate](t, s)

	dev.encoder.send("audio")
	s.Stop()
	waitState(t, s, StateStopping)

	deadline := time.Now().Add(2 * time.Second)
	for engine.stopCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("Expected live engine to stop when Stopping began")
		}
		time.Sleep(2 * time.Millisecond)
	}

	// Arrives while the encoder is still draining
	h.OnResult(stt.TranscriptionResult{Text: "and shipped late", IsFinal: true})
	dev.encoder.once.Do(func() { close(dev.encoder.chunks) })

	res := waitEvent[Completed](t, s).Result
	if res.Transcript.Source != stt.SourceLive || res.Transcript.Text != "I led the team" {
		t.Errorf("Expected finals fixed at stop, got %+v", res.Transcript)
	}
	if got := engine.stopCount(); got != 1 {
		t.Errorf("Expected live engine stopped once, got %d", got)
	}
}

func TestSession_TimeUpdates(t *testing.T) {
	dev := newDevice()
	s := newTestSession(t, Deps{
		Acquirer: &fakeAcquirer{results: []acquireResult{{device: dev}}},
	}, Options{TickInterval: 5 * time.Millisecond})

	s.Start()
	waitState(t, s, StateRecording)
	for {
		if ev := waitEvent[TimeUpdate](t, s); ev.Seconds >= 3 {
			break
		}
	}
}

func TestSession_SecondAttemptAfterReady(t *testing.T) {
	first := newDevice()
	second := newDevice()
	s := newTestSession(t, Deps{
		Acquirer: &fakeAcquirer{results: []acquireResult{{device: first}, {device: second}}},
		Batch:    &fakeBatch{text: "again", ok: true},
	}, Options{Stages: fastStages()})

	s.Start()
	waitState(t, s, StateRecording)
	first.encoder.send("one")
	s.Stop()
	waitEvent[Completed](t, s)
	waitState(t, s, StateReady)

	if err := s.Start(); err != nil {
		t.Fatalf("Second start failed: %v", err)
	}
	waitState(t, s, StateRecording)
	second.encoder.send("two")
	s.Stop()
	res := waitEvent[Completed](t, s).Result

	if string(res.Artifact.Bytes()) != "two" {
		t.Errorf("Expected second artifact to contain only its own audio, got %q", res.Artifact.Bytes())
	}
}
