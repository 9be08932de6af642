package drafts

import (
	"fmt"
	"time"

	"github.com/patrickmn/go-cache"
)

const keyPrefix = "star_draft_q"

// Draft is a partially written STAR answer for one question
type Draft struct {
	QuestionID   string    `json:"questionId"`
	Situation    string    `json:"situation"`
	Task         string    `json:"task"`
	Action       string    `json:"action"`
	Result       string    `json:"result"`
	LastModified time.Time `json:"lastModified"`
}

// Store keeps drafts in memory for a limited time, scoped per client
type Store struct {
	cache *cache.Cache
	clock func() time.Time
}

// NewStore creates a draft store. Drafts expire ttl after their last save.
func NewStore(ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = 2 * time.Hour
	}
	return &Store{
		cache: cache.New(ttl, ttl/2),
		clock: time.Now,
	}
}

func key(clientID, questionID string) string {
	return fmt.Sprintf("%s:%s%s", clientID, keyPrefix, questionID)
}

// Save stores d, stamping its modification time
func (s *Store) Save(clientID string, d Draft) Draft {
	d.LastModified = s.clock().UTC()
	s.cache.Set(key(clientID, d.QuestionID), d, cache.DefaultExpiration)
	return d
}

// Get returns the draft for a question, if any
func (s *Store) Get(clientID, questionID string) (Draft, bool) {
	if x, found := s.cache.Get(key(clientID, questionID)); found {
		return x.(Draft), true
	}
	return Draft{}, false
}

// Has reports whether a draft exists for a question
func (s *Store) Has(clientID, questionID string) bool {
	_, ok := s.Get(clientID, questionID)
	return ok
}

// Delete removes the draft for a question
func (s *Store) Delete(clientID, questionID string) {
	s.cache.Delete(key(clientID, questionID))
}
