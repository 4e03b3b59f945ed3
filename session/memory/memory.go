// Package memory provides an in-memory implementation of the session store.
//
// This implementation is suitable for tests and single-process development
// runs where persistence across restarts is not required.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/topspinlab/topspin/pipeline"
	"github.com/topspinlab/topspin/session"
)

// Store is an in-memory implementation of the session.Store interface.
// It is safe for concurrent use; writes serialize per store, which trivially
// satisfies per-id serialization.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*session.Session
}

// Compile-time check that Store implements session.Store.
var _ session.Store = (*Store)(nil)

// New creates a new in-memory session store.
func New() *Store {
	return &Store{sessions: make(map[string]*session.Session)}
}

// Create allocates a fresh active session.
func (s *Store) Create(ctx context.Context, profile pipeline.Profile) (*session.Session, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	now := time.Now()
	sess := &session.Session{
		ID:        uuid.NewString(),
		CreatedAt: now,
		UpdatedAt: now,
		Profile:   profile,
		Status:    session.StatusActive,
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ID] = sess.Clone()
	return sess, nil
}

// Load retrieves a session by id.
func (s *Store) Load(ctx context.Context, id string) (*session.Session, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, pipeline.ErrNotFound
	}
	return sess.Clone(), nil
}

// AppendEvent appends to the session's event log.
func (s *Store) AppendEvent(ctx context.Context, id string, e session.Event) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return pipeline.ErrNotFound
	}
	sess.Append(e)
	return nil
}

// RecordStageResult inserts into the stage-result index.
func (s *Store) RecordStageResult(ctx context.Context, id string, r session.StageResult) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return pipeline.ErrNotFound
	}
	sess.Record(r)
	return nil
}

// UpdateStatus sets the session status.
func (s *Store) UpdateStatus(ctx context.Context, id string, status session.Status) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return pipeline.ErrNotFound
	}
	sess.Status = status
	sess.UpdatedAt = time.Now()
	return nil
}

// Persist stores a copy of the full session record.
func (s *Store) Persist(ctx context.Context, sess *session.Session) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ID] = sess.Clone()
	return nil
}
