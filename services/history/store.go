package history

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Entry is one persisted conversation message.
type Entry struct {
	ID        uuid.UUID
	SessionID string
	UserID    string
	Role      string
	Content   string
	Metadata  map[string]string
	CreatedAt time.Time
}

// Store is the append-only message-persistence collaborator. Adapters write
// assistant replies here best-effort after a successful round trip; a write
// failure must never fail the caller's request.
type Store interface {
	Append(ctx context.Context, entry Entry) error
}

// MemoryStore keeps entries in memory, keyed by session. It stands in for
// the hosted message log.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string][]Entry
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string][]Entry)}
}

// Append records an entry, assigning an id and timestamp when missing.
func (s *MemoryStore) Append(ctx context.Context, entry Entry) error {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[entry.SessionID] = append(s.entries[entry.SessionID], entry)
	return nil
}

// BySession returns a copy of the entries recorded for a session, in append
// order.
func (s *MemoryStore) BySession(sessionID string) []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := s.entries[sessionID]
	out := make([]Entry, len(entries))
	copy(out, entries)
	return out
}
