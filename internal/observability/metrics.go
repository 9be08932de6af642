package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/lexiqai/practice-gateway/internal/resilience"
)

var (
	// Session metrics
	activeSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "practice_gateway_active_sessions",
		Help: "Number of open practice sessions",
	})

	sessionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "practice_gateway_sessions_total",
		Help: "Total number of practice sessions by outcome",
	}, []string{"outcome"})

	recordingsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "practice_gateway_recordings_total",
		Help: "Total number of recording attempts by outcome",
	}, []string{"outcome"})

	recordingDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "practice_gateway_recording_duration_seconds",
		Help:    "Length of recorded answers in seconds",
		Buckets: []float64{5, 10, 15, 20, 30, 60, 120, 300},
	})

	permissionErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "practice_gateway_permission_errors_total",
		Help: "Total number of device acquisition failures by kind",
	}, []string{"kind"})

	// Transcription metrics
	transcriptSource = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "practice_gateway_transcript_source_total",
		Help: "Which transcript source was used for scoring",
	}, []string{"source"})

	batchRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "practice_gateway_batch_requests_total",
		Help: "Total number of batch transcription requests",
	}, []string{"status"})

	batchLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "practice_gateway_batch_latency_seconds",
		Help:    "Batch transcription latency in seconds",
		Buckets: []float64{0.25, 0.5, 1.0, 2.0, 5.0, 10.0, 20.0},
	})

	liveRestarts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "practice_gateway_live_restarts_total",
		Help: "Total number of live recognizer restarts",
	})

	// Scoring metrics
	feedbackScore = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "practice_gateway_feedback_score",
		Help:    "Distribution of heuristic answer scores",
		Buckets: []float64{0, 20, 40, 60, 70, 80, 90, 100},
	})

	// Narration metrics
	ttsRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "practice_gateway_tts_requests_total",
		Help: "Total number of narration requests",
	}, []string{"status"})

	ttsLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "practice_gateway_tts_latency_seconds",
		Help:    "Narration synthesis latency in seconds",
		Buckets: []float64{0.1, 0.25, 0.5, 1.0, 2.0, 5.0},
	})

	// Analytics
	pageViews = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "practice_gateway_page_views_total",
		Help: "Total number of page views by page",
	}, []string{"page"})

	practiceAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "practice_gateway_attempts_total",
		Help: "Total number of completed attempts by question",
	}, []string{"question"})

	// Error metrics
	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "practice_gateway_errors_total",
		Help: "Total number of errors",
	}, []string{"type", "component"})

	// Circuit breaker metrics
	circuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "practice_gateway_circuit_breaker_state",
		Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"service"})

	circuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "practice_gateway_circuit_breaker_failures_total",
		Help: "Total circuit breaker failures",
	}, []string{"service"})

	// Audio metrics
	audioBytesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "practice_gateway_audio_bytes_total",
		Help: "Total audio bytes processed",
	}, []string{"direction"}) // direction: "in" or "out"
)

// Metrics tracks metrics for a single practice session.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	sessionID      string
	startTime      time.Time
	recordingStart time.Time
	batchStart     time.Time
	ended          bool
	mu             sync.Mutex
}

// NewSessionMetrics creates a new metrics tracker for a session
func NewSessionMetrics(sessionID string) *Metrics {
	return &Metrics{
		sessionID: sessionID,
		startTime: time.Now(),
	}
}

// RecordSessionStart records the start of a session
func (m *Metrics) RecordSessionStart() {
	if m == nil {
		return
	}
	activeSessions.Inc()
}

// RecordSessionEnd records the end of a session. Only the first call counts.
func (m *Metrics) RecordSessionEnd(outcome string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ended {
		return
	}
	m.ended = true
	activeSessions.Dec()
	sessionsTotal.WithLabelValues(outcome).Inc()
}

// RecordRecordingStart records the start of a recording
func (m *Metrics) RecordRecordingStart() {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.recordingStart = time.Now()
	m.mu.Unlock()
}

// RecordRecordingEnd records the length of a finished recording
func (m *Metrics) RecordRecordingEnd(seconds int) {
	if m == nil {
		return
	}
	recordingDuration.Observe(float64(seconds))
}

// RecordRecordingOutcome records how one recording attempt ended
func (m *Metrics) RecordRecordingOutcome(outcome string) {
	if m == nil {
		return
	}
	recordingsTotal.WithLabelValues(outcome).Inc()
}

// RecordPermissionError records a device acquisition failure
func (m *Metrics) RecordPermissionError(kind string) {
	if m == nil {
		return
	}
	permissionErrors.WithLabelValues(kind).Inc()
}

// RecordBatchStart records the start of a batch transcription
func (m *Metrics) RecordBatchStart() {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.batchStart = time.Now()
	m.mu.Unlock()
}

// RecordBatchEnd records the end of a batch transcription
func (m *Metrics) RecordBatchEnd(success bool) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.batchStart.IsZero() {
		latency := time.Since(m.batchStart).Seconds()
		batchLatency.Observe(latency)
	}

	status := "success"
	if !success {
		status = "error"
	}
	batchRequests.WithLabelValues(status).Inc()
}

// RecordTranscriptSource records which source won the transcript race
func (m *Metrics) RecordTranscriptSource(source string) {
	if m == nil {
		return
	}
	transcriptSource.WithLabelValues(source).Inc()
}

// RecordLiveRestart records an automatic live recognizer restart
func (m *Metrics) RecordLiveRestart() {
	if m == nil {
		return
	}
	liveRestarts.Inc()
}

// RecordScore records a computed feedback score
func (m *Metrics) RecordScore(score int) {
	if m == nil {
		return
	}
	feedbackScore.Observe(float64(score))
}

// RecordError records an error
func (m *Metrics) RecordError(errorType, component string) {
	if m == nil {
		return
	}
	errorsTotal.WithLabelValues(errorType, component).Inc()
}

// RecordAudioBytes records audio bytes processed
func (m *Metrics) RecordAudioBytes(direction string, bytes int64) {
	if m == nil {
		return
	}
	audioBytesProcessed.WithLabelValues(direction).Add(float64(bytes))
}

// RecordNarration records one narration synthesis
func RecordNarration(success bool, latency time.Duration) {
	ttsLatency.Observe(latency.Seconds())
	status := "success"
	if !success {
		status = "error"
	}
	ttsRequests.WithLabelValues(status).Inc()
}

// RecordPageView counts a view of a practice page
func RecordPageView(page string) {
	pageViews.WithLabelValues(page).Inc()
}

// RecordPracticeAttempt counts a completed attempt for a question
func RecordPracticeAttempt(questionID string) {
	practiceAttempts.WithLabelValues(questionID).Inc()
}

// UpdateCircuitBreakerState updates circuit breaker state metric
func UpdateCircuitBreakerState(service string, state int) {
	circuitBreakerState.WithLabelValues(service).Set(float64(state))
}

// IncrementCircuitBreakerFailures increments circuit breaker failure counter
func IncrementCircuitBreakerFailures(service string) {
	circuitBreakerFailures.WithLabelValues(service).Inc()
}

// CircuitBreakerStateChanged matches resilience.CircuitBreaker.OnStateChange
func CircuitBreakerStateChanged(service string, from, to resilience.CircuitState) {
	UpdateCircuitBreakerState(service, int(to))
	logger := GetLogger()
	logger.Warn().
		Str("service", service).
		Str("from", from.String()).
		Str("to", to.String()).
		Msg("Circuit breaker state changed")
}
