// Package memory is an in-process implementation of every repository
// contract. Row locks are modelled with one mutex per key, so concurrent
// tests see the same serialization the Postgres store provides.
package memory

import (
	"sync"
	"time"

	"github.com/ignite/mailflow/internal/domain"
	"github.com/ignite/mailflow/internal/service/ingestion"
)

// Store holds all state behind a single data mutex plus per-row locks.
type Store struct {
	mu sync.Mutex

	mails       map[string]*domain.Mail
	statuses    map[string][]domain.MailStatus
	messages    map[string]*domain.Message
	batches     map[string]*domain.MailBatch
	suppression []*domain.SuppressionEntry
	outbox      []*notificationRow
	deadLetters []*ingestion.DeadLetterEntry

	nextID int64

	mailLocks    keyedMutex
	messageLocks keyedMutex
}

// New returns an empty store.
func New() *Store {
	return &Store{
		mails:        make(map[string]*domain.Mail),
		statuses:     make(map[string][]domain.MailStatus),
		messages:     make(map[string]*domain.Message),
		batches:      make(map[string]*domain.MailBatch),
		mailLocks:    keyedMutex{locks: make(map[string]*sync.Mutex)},
		messageLocks: keyedMutex{locks: make(map[string]*sync.Mutex)},
	}
}

func (s *Store) id() int64 {
	s.nextID++
	return s.nextID
}

// keyedMutex hands out one mutex per key.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &sync.Mutex{}
		k.locks[key] = m
	}
	k.mu.Unlock()
	m.Lock()
	return m.Unlock
}

// PutMessage inserts or replaces a Message.
func (s *Store) PutMessage(m domain.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	s.messages[m.ID] = &m
}

// PutBatch inserts or replaces a MailBatch.
func (s *Store) PutBatch(b domain.MailBatch) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches[b.ID] = &b
}
