package grades

import (
	"context"
	"sync"
	"time"
)

type key struct {
	user       string
	assignment string
}

// MemoryStore keeps submissions in process memory. Upserts on the same key
// are serialized by a per-key mutex.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[key]Submission
	locks   sync.Map // key -> *sync.Mutex
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[key]Submission)}
}

func (s *MemoryStore) lock(k key) *sync.Mutex {
	l, _ := s.locks.LoadOrStore(k, &sync.Mutex{})
	return l.(*sync.Mutex)
}

func (s *MemoryStore) Upsert(ctx context.Context, userID, assignmentID string, grade float64, at time.Time) (*Submission, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	k := key{userID, assignmentID}

	l := s.lock(k)
	l.Lock()
	defer l.Unlock()

	s.mu.RLock()
	existing, ok := s.records[k]
	s.mu.RUnlock()

	if ok && grade < existing.Grade {
		return &existing, false, nil
	}

	sub := Submission{UserID: userID, AssignmentID: assignmentID, SubmittedAt: at, Grade: grade}
	s.mu.Lock()
	s.records[k] = sub
	s.mu.Unlock()
	return &sub, true, nil
}

func (s *MemoryStore) Get(ctx context.Context, userID, assignmentID string) (*Submission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sub, ok := s.records[key{userID, assignmentID}]
	if !ok {
		return nil, ErrNotFound
	}
	return &sub, nil
}

func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}
