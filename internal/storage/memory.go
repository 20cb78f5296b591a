package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-memory Store used by tests and ephemeral runs.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string][]*MessageRecord
	latest  map[string]time.Time
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string][]*MessageRecord),
		latest:  make(map[string]time.Time),
	}
}

// Insert appends a record to its conversation.
func (s *MemoryStore) Insert(_ context.Context, rec *MessageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *rec
	if cp.ID == "" {
		cp.ID = uuid.NewString()
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	s.records[cp.ConversationID] = append(s.records[cp.ConversationID], &cp)
	s.latest[cp.ConversationID] = cp.CreatedAt
	return nil
}

// Messages returns a conversation's records in insertion order.
func (s *MemoryStore) Messages(_ context.Context, conversationID string) ([]*MessageRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	recs, ok := s.records[conversationID]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]*MessageRecord, len(recs))
	for i, r := range recs {
		cp := *r
		out[i] = &cp
	}
	return out, nil
}

// Conversations lists conversation ids, most recently written first.
func (s *MemoryStore) Conversations(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.latest))
	for id := range s.latest {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		return s.latest[ids[i]].After(s.latest[ids[j]])
	})
	return ids, nil
}
