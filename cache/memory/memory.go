// Package memory provides an in-memory implementation of the artifact
// cache for tests and local development.
package memory

import (
	"context"
	"sync"

	"github.com/topspinlab/topspin/cache"
	"github.com/topspinlab/topspin/pipeline"
)

type key struct {
	session     string
	stage       pipeline.Stage
	fingerprint pipeline.Fingerprint
}

// Store is an in-memory implementation of the cache.Store interface.
// Artifacts are stored encoded so Get exercises the same decode/validation
// boundary as the durable backends.
type Store struct {
	mu      sync.RWMutex
	entries map[key][]byte
}

// Compile-time check that Store implements cache.Store.
var _ cache.Store = (*Store)(nil)

// New creates a new in-memory cache.
func New() *Store {
	return &Store{entries: make(map[key][]byte)}
}

// Get retrieves an artifact, returning pipeline.ErrNotFound on miss.
func (s *Store) Get(ctx context.Context, sessionID string, stage pipeline.Stage, fp pipeline.Fingerprint) (pipeline.Artifact, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	s.mu.RLock()
	raw, ok := s.entries[key{sessionID, stage, fp}]
	s.mu.RUnlock()
	if !ok {
		return nil, pipeline.ErrNotFound
	}
	a, err := pipeline.DecodeArtifact(stage, raw)
	if err != nil {
		// Malformed entry counts as a miss.
		return nil, pipeline.ErrNotFound
	}
	return a, nil
}

// Put stores an artifact. Re-putting an identical key is a no-op success.
func (s *Store) Put(ctx context.Context, sessionID string, stage pipeline.Stage, fp pipeline.Fingerprint, a pipeline.Artifact) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	raw, err := pipeline.EncodeArtifact(a)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key{sessionID, stage, fp}
	if _, ok := s.entries[k]; ok {
		return nil
	}
	s.entries[k] = raw
	return nil
}
