package memory

import (
	"context"

	"github.com/ignite/mailflow/internal/service/ingestion"
)

// PutDeadLetter implements ingestion.DeadLetterSink.
func (s *Store) PutDeadLetter(_ context.Context, e *ingestion.DeadLetterEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e.ID = s.id()
	cp := *e
	s.deadLetters = append(s.deadLetters, &cp)
	return nil
}

// ListDeadLetters implements ingestion.DeadLetterStore, newest first.
func (s *Store) ListDeadLetters(_ context.Context, limit int) ([]ingestion.DeadLetterEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []ingestion.DeadLetterEntry
	for i := len(s.deadLetters) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		out = append(out, *s.deadLetters[i])
	}
	return out, nil
}

// GetDeadLetter implements ingestion.DeadLetterStore.
func (s *Store) GetDeadLetter(_ context.Context, id int64) (*ingestion.DeadLetterEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, row := range s.deadLetters {
		if row.ID == id {
			cp := *row
			return &cp, nil
		}
	}
	return nil, ingestion.ErrDeadLetterNotFound
}

// DeleteDeadLetter implements ingestion.DeadLetterStore.
func (s *Store) DeleteDeadLetter(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, row := range s.deadLetters {
		if row.ID == id {
			s.deadLetters = append(s.deadLetters[:i], s.deadLetters[i+1:]...)
			return nil
		}
	}
	return ingestion.ErrDeadLetterNotFound
}
