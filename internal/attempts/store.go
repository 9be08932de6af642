package attempts

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"github.com/lexiqai/practice-gateway/internal/feedback"
)

// ErrNotFound is returned when no attempt matches
var ErrNotFound = errors.New("attempt not found")

// Attempt is one completed recording with its feedback
type Attempt struct {
	ID              string            `json:"id"`
	QuestionID      string            `json:"questionId"`
	Index           int               `json:"attemptIndex"`
	Transcript      string            `json:"transcript"`
	Source          string            `json:"source"`
	DurationSeconds int               `json:"durationSeconds"`
	Feedback        feedback.Feedback `json:"feedback"`
	ContentType     string            `json:"contentType"`
	AudioSize       int               `json:"audioSize"`
	CreatedAt       time.Time         `json:"createdAt"`

	// Audio is only populated on Save input; reads go through Store.Audio
	Audio []byte `json:"-"`
}

// Store persists attempts in SQLite
type Store struct {
	db     *sql.DB
	mu     sync.Mutex // serialises writers so attempt indexes stay dense
	clock  func() time.Time
	logger zerolog.Logger
}

// Open creates or opens the attempt database at path.
// ":memory:" keeps everything in process.
func Open(ctx context.Context, path string, logger zerolog.Logger) (*Store, error) {
	memory := path == ":memory:"
	if !memory {
		dir := filepath.Dir(path)
		if dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create data dir: %w", err)
			}
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if memory {
		// Every connection would otherwise see its own empty database
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, clock: time.Now, logger: logger.With().Str("component", "attempts").Logger()}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS attempts (
    id TEXT PRIMARY KEY,
    question_id TEXT NOT NULL,
    attempt_index INTEGER NOT NULL,
    transcript TEXT NOT NULL,
    source TEXT NOT NULL,
    duration_seconds INTEGER NOT NULL,
    feedback BLOB NOT NULL,
    content_type TEXT NOT NULL,
    audio BLOB,
    created_at TIMESTAMP NOT NULL,
    UNIQUE(question_id, attempt_index)
);
CREATE INDEX IF NOT EXISTS idx_attempts_question ON attempts(question_id, attempt_index);
`
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("init attempts schema: %w", err)
	}
	return nil
}

// Close releases underlying resources.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping reports whether the database is reachable
func (s *Store) Ping(ctx context.Context) (bool, error) {
	if err := s.db.PingContext(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// Save stores a new attempt, assigning its id, index and creation time
func (s *Store) Save(ctx context.Context, a Attempt) (Attempt, error) {
	if a.QuestionID == "" {
		return Attempt{}, fmt.Errorf("attempt has no question id")
	}
	fb, err := json.Marshal(a.Feedback)
	if err != nil {
		return Attempt{}, fmt.Errorf("marshal feedback: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Attempt{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var next int
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(attempt_index), 0) + 1 FROM attempts WHERE question_id = ?`,
		a.QuestionID).Scan(&next); err != nil {
		return Attempt{}, fmt.Errorf("next attempt index: %w", err)
	}

	a.ID = uuid.NewString()
	a.Index = next
	a.CreatedAt = s.clock().UTC()
	a.AudioSize = len(a.Audio)

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO attempts(id, question_id, attempt_index, transcript, source, duration_seconds, feedback, content_type, audio, created_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.QuestionID, a.Index, a.Transcript, a.Source, a.DurationSeconds, fb, a.ContentType, a.Audio, a.CreatedAt); err != nil {
		return Attempt{}, fmt.Errorf("insert attempt: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Attempt{}, fmt.Errorf("commit attempt: %w", err)
	}

	s.logger.Debug().
		Str("attempt_id", a.ID).
		Str("question_id", a.QuestionID).
		Int("attempt_index", a.Index).
		Int("audio_bytes", a.AudioSize).
		Msg("Attempt saved")

	a.Audio = nil
	return a, nil
}

const selectAttempt = `SELECT id, question_id, attempt_index, transcript, source, duration_seconds, feedback, content_type, COALESCE(LENGTH(audio), 0), created_at FROM attempts`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAttempt(row rowScanner) (Attempt, error) {
	var a Attempt
	var fb []byte
	if err := row.Scan(&a.ID, &a.QuestionID, &a.Index, &a.Transcript, &a.Source,
		&a.DurationSeconds, &fb, &a.ContentType, &a.AudioSize, &a.CreatedAt); err != nil {
		return Attempt{}, err
	}
	if err := json.Unmarshal(fb, &a.Feedback); err != nil {
		return Attempt{}, fmt.Errorf("decode feedback: %w", err)
	}
	return a, nil
}

// Get returns the attempt with the given id
func (s *Store) Get(ctx context.Context, id string) (Attempt, error) {
	a, err := scanAttempt(s.db.QueryRowContext(ctx, selectAttempt+` WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Attempt{}, ErrNotFound
	}
	if err != nil {
		return Attempt{}, fmt.Errorf("get attempt: %w", err)
	}
	return a, nil
}

// Latest returns the most recent attempt for a question
func (s *Store) Latest(ctx context.Context, questionID string) (Attempt, error) {
	a, err := scanAttempt(s.db.QueryRowContext(ctx,
		selectAttempt+` WHERE question_id = ? ORDER BY attempt_index DESC LIMIT 1`, questionID))
	if errors.Is(err, sql.ErrNoRows) {
		return Attempt{}, ErrNotFound
	}
	if err != nil {
		return Attempt{}, fmt.Errorf("latest attempt: %w", err)
	}
	return a, nil
}

// List returns every attempt for a question, oldest first
func (s *Store) List(ctx context.Context, questionID string) ([]Attempt, error) {
	rows, err := s.db.QueryContext(ctx,
		selectAttempt+` WHERE question_id = ? ORDER BY attempt_index ASC`, questionID)
	if err != nil {
		return nil, fmt.Errorf("list attempts: %w", err)
	}
	defer rows.Close()

	var out []Attempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// Audio returns the recorded audio and its content type
func (s *Store) Audio(ctx context.Context, id string) ([]byte, string, error) {
	var data []byte
	var contentType string
	err := s.db.QueryRowContext(ctx,
		`SELECT audio, content_type FROM attempts WHERE id = ?`, id).Scan(&data, &contentType)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, "", ErrNotFound
	}
	if err != nil {
		return nil, "", fmt.Errorf("get attempt audio: %w", err)
	}
	return data, contentType, nil
}
