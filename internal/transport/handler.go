package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/lexiqai/practice-gateway/internal/attempts"
	"github.com/lexiqai/practice-gateway/internal/capture"
	"github.com/lexiqai/practice-gateway/internal/observability"
	"github.com/lexiqai/practice-gateway/internal/question"
	"github.com/lexiqai/practice-gateway/internal/session"
	"github.com/lexiqai/practice-gateway/internal/stt"
)

const (
	writeWait      = 10 * time.Second
	outboundBuffer = 64
)

var upgrader = websocket.Upgrader{
	// Origin checks are left to the fronting proxy
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// AttemptSaver persists completed results
type AttemptSaver interface {
	Save(ctx context.Context, a attempts.Attempt) (attempts.Attempt, error)
}

// Config holds the collaborators shared by every practice connection
type Config struct {
	// NewEngine creates a live engine per recording. Nil disables live recognition.
	NewEngine func() stt.Engine

	// Batch transcribes finished recordings. Nil disables it.
	Batch stt.BatchTranscriber

	// Attempts stores completed results. Optional.
	Attempts AttemptSaver

	// Session carries pacing and limits; question fields are set per connection.
	Session session.Options
}

// Handler serves /ws/practice?question=<id>. Each connection drives one
// recording session with the browser acting as the capture device.
type Handler struct {
	bank *question.Bank
	cfg  Config
}

// NewHandler creates a practice websocket handler
func NewHandler(bank *question.Bank, cfg Config) *Handler {
	return &Handler{bank: bank, cfg: cfg}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	q, err := h.bank.Get(r.URL.Query().Get("question"))
	if err != nil {
		http.Error(w, "unknown question", http.StatusNotFound)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied to the client
		logger := observability.GetLogger()
		logger.Warn().Err(err).Msg("Failed to upgrade connection to WebSocket")
		return
	}
	defer conn.Close()

	sessionID := observability.NewCorrelationID()
	logger := observability.WithSession(sessionID, q.ID)
	metrics := observability.NewSessionMetrics(sessionID)
	metrics.RecordSessionStart()
	observability.RecordPageView("practice")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := newClient(conn, logger)
	go c.writeLoop()
	defer c.close()

	opts := h.cfg.Session
	opts.QuestionID = q.ID
	opts.Signals = q.Signals

	acq := newRemoteAcquirer(c)
	sess := session.New(ctx, session.Deps{
		Acquirer:  acq,
		NewEngine: h.cfg.NewEngine,
		Batch:     h.cfg.Batch,
		Logger:    logger,
		Metrics:   metrics,
	}, opts)

	forwarded := make(chan struct{})
	go func() {
		defer close(forwarded)
		h.forward(ctx, c, sess, q, logger)
	}()

	logger.Info().Msg("Practice connection established")
	c.send(readyMessage{Type: "ready", SessionID: sessionID, QuestionID: q.ID, Question: q.Question})

	h.readLoop(c, sess, acq, logger)

	sess.Close()
	<-forwarded
	logger.Info().Msg("Practice connection closed")
}

// readLoop dispatches browser frames until the socket closes
func (h *Handler) readLoop(c *client, sess *session.Session, acq *remoteAcquirer, logger zerolog.Logger) {
	for {
		mt, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Warn().Err(err).Msg("WebSocket read error")
			}
			return
		}

		switch mt {
		case websocket.BinaryMessage:
			enc := c.currentEncoder()
			if enc == nil {
				logger.Debug().Int("bytes", len(data)).Msg("Audio chunk without an active encoder, dropping")
				continue
			}
			enc.deliver(data)

		case websocket.TextMessage:
			var msg clientMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				logger.Error().Err(err).Msg("Failed to parse client message")
				continue
			}
			h.handleMessage(c, sess, acq, msg, logger)
		}
	}
}

func (h *Handler) handleMessage(c *client, sess *session.Session, acq *remoteAcquirer, msg clientMessage, logger zerolog.Logger) {
	switch msg.Type {
	case "start":
		if err := sess.Start(); err != nil {
			c.send(errorMessage{Type: "error", Error: err.Error()})
		}

	case "stop":
		if err := sess.Stop(); err != nil {
			c.send(errorMessage{Type: "error", Error: err.Error()})
		}

	case "device":
		reply := deviceReply{supported: msg.Supported, contentType: msg.ContentType}
		if msg.Status != "granted" {
			reply = deviceReply{err: &capture.DeviceError{Name: msg.Error, Message: msg.Message}}
		}
		if !acq.deliver(reply) {
			logger.Debug().Str("status", msg.Status).Msg("Device reply without a pending request")
		}

	case "encoder_error":
		if enc := c.currentEncoder(); enc != nil {
			enc.fail(fmt.Errorf("browser encoder: %s", msg.Error))
		}

	case "encoder_done":
		if enc := c.currentEncoder(); enc != nil {
			enc.finish()
		}

	default:
		logger.Warn().Str("type", msg.Type).Msg("Unknown client message")
	}
}

// forward translates session events into server messages
func (h *Handler) forward(ctx context.Context, c *client, sess *session.Session, q question.Question, logger zerolog.Logger) {
	for ev := range sess.Events() {
		switch e := ev.(type) {
		case session.StateChange:
			c.send(stateMessage{Type: "state", From: e.From.String(), State: e.To.String()})
		case session.TimeUpdate:
			c.send(timeMessage{Type: "time", Seconds: e.Seconds})
		case session.StageChange:
			c.send(stageMessage{Type: "stage", Stage: string(e.Stage)})
		case session.TranscriptUpdate:
			c.send(transcriptMessage{Type: "transcript", Text: e.Text})
		case session.PermissionError:
			c.send(permissionErrorMessage{Type: "permission_error", Kind: e.Kind, Remediation: e.Remediation})
		case session.Completed:
			c.send(h.complete(ctx, q, e.Result, logger))
		}
	}
}

// complete stores a finished attempt and builds the feedback message
func (h *Handler) complete(ctx context.Context, q question.Question, res session.Result, logger zerolog.Logger) feedbackMessage {
	msg := feedbackMessage{
		Type:            "feedback",
		Feedback:        res.Feedback,
		Transcript:      res.Transcript.Text,
		Source:          string(res.Transcript.Source),
		DurationSeconds: res.DurationSeconds,
		ContentType:     res.Artifact.ContentType(),
		Failed:          res.Failed,
	}
	if res.Failed {
		return msg
	}
	observability.RecordPracticeAttempt(q.ID)

	if h.cfg.Attempts == nil {
		return msg
	}
	saved, err := h.cfg.Attempts.Save(ctx, attempts.Attempt{
		QuestionID:      q.ID,
		Transcript:      res.Transcript.Text,
		Source:          string(res.Transcript.Source),
		DurationSeconds: res.DurationSeconds,
		Feedback:        res.Feedback,
		ContentType:     res.Artifact.ContentType(),
		Audio:           res.Artifact.Bytes(),
	})
	if err != nil {
		logger.Error().Err(err).Msg("Failed to save attempt")
		return msg
	}
	msg.AttemptID = saved.ID
	msg.AttemptIndex = saved.Index
	logger.Info().Str("attempt_id", saved.ID).Int("attempt_index", saved.Index).Msg("Attempt saved")
	return msg
}

// client owns the websocket write side and the active encoder
type client struct {
	conn   *websocket.Conn
	logger zerolog.Logger

	out        chan any
	done       chan struct{}
	writerDone chan struct{}
	closeOnce  sync.Once

	mu      sync.Mutex
	encoder *remoteEncoder
}

func newClient(conn *websocket.Conn, logger zerolog.Logger) *client {
	return &client{
		conn:       conn,
		logger:     logger,
		out:        make(chan any, outboundBuffer),
		done:       make(chan struct{}),
		writerDone: make(chan struct{}),
	}
}

// send queues a message for the writer. It returns false once the client is closed.
func (c *client) send(msg any) bool {
	select {
	case c.out <- msg:
		return true
	case <-c.done:
		return false
	}
}

// writeLoop is the only goroutine writing to the connection
func (c *client) writeLoop() {
	defer close(c.writerDone)
	failed := false
	for {
		select {
		case msg := <-c.out:
			if failed {
				continue
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(msg); err != nil {
				c.logger.Warn().Err(err).Msg("Error writing to WebSocket")
				failed = true
				// Unblocks the read loop
				c.conn.Close()
			}
		case <-c.done:
			if !failed {
				c.conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(writeWait))
			}
			return
		}
	}
}

func (c *client) close() {
	c.closeOnce.Do(func() { close(c.done) })
	<-c.writerDone
}

func (c *client) currentEncoder() *remoteEncoder {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.encoder
}

func (c *client) setEncoder(enc *remoteEncoder) {
	c.mu.Lock()
	old := c.encoder
	c.encoder = enc
	c.mu.Unlock()
	if old != nil && old != enc {
		old.detach()
	}
}

// clearEncoder detaches enc if it is still the active encoder
func (c *client) clearEncoder(enc *remoteEncoder) {
	c.mu.Lock()
	if c.encoder == enc {
		c.encoder = nil
	}
	c.mu.Unlock()
	enc.detach()
}
