package memory

import (
	"context"
	"errors"
	"sync"

	relay "robot-relay/internal/relay/domain"
)

const defaultDeadLetterCapacity = 1000

// DeadLetterStore keeps the most recent dead letters in memory.
type DeadLetterStore struct {
	mu       sync.Mutex
	capacity int
	letters  []relay.DeadLetter
}

// NewDeadLetterStore constructs a bounded store. capacity <= 0 uses the default.
func NewDeadLetterStore(capacity int) *DeadLetterStore {
	if capacity <= 0 {
		capacity = defaultDeadLetterCapacity
	}
	return &DeadLetterStore{capacity: capacity}
}

// RecordFailure appends a dead letter, evicting the oldest when full.
func (s *DeadLetterStore) RecordFailure(_ context.Context, letter relay.DeadLetter) error {
	if s == nil {
		return errors.New("memory dead letter store: nil store")
	}
	if letter.ID == "" {
		return errors.New("memory dead letter store: empty id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.letters) >= s.capacity {
		copy(s.letters, s.letters[1:])
		s.letters = s.letters[:len(s.letters)-1]
	}
	s.letters = append(s.letters, letter)
	return nil
}

// ListDeadLetters returns up to limit letters, newest first.
func (s *DeadLetterStore) ListDeadLetters(_ context.Context, limit int) ([]relay.DeadLetter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 || limit > len(s.letters) {
		limit = len(s.letters)
	}
	out := make([]relay.DeadLetter, 0, limit)
	for i := len(s.letters) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.letters[i])
	}
	return out, nil
}
