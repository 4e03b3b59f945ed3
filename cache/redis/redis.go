// Package redis provides a Redis implementation of the artifact cache.
//
// Keys follow cache:<session>:<stage>:<fingerprint>. Publication uses SETNX
// so a re-put of an existing key is a no-op, matching the content-addressed
// contract. Retention is TTL-based: entries expire after the configured
// maximum age, or never when the TTL is zero.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/topspinlab/topspin/cache"
	"github.com/topspinlab/topspin/pipeline"
	"github.com/topspinlab/topspin/telemetry"
)

// Store is a Redis implementation of the cache.Store interface.
type Store struct {
	client *redis.Client
	ttl    time.Duration
	logger telemetry.Logger
}

// Compile-time check that Store implements cache.Store.
var _ cache.Store = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithTTL sets the retention TTL applied to new entries. Zero keeps entries
// until explicitly deleted.
func WithTTL(ttl time.Duration) Option {
	return func(s *Store) { s.ttl = ttl }
}

// WithLogger sets the logger used to report corrupt entries.
func WithLogger(logger telemetry.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// New creates a Redis cache store using the provided client.
func New(client *redis.Client, opts ...Option) *Store {
	s := &Store{client: client, logger: telemetry.NewNoopLogger()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func cacheKey(sessionID string, stage pipeline.Stage, fp pipeline.Fingerprint) string {
	return fmt.Sprintf("cache:%s:%s:%s", sessionID, stage, fp)
}

// Get retrieves an artifact, returning pipeline.ErrNotFound on miss. A
// malformed entry is deleted, reported and treated as a miss.
func (s *Store) Get(ctx context.Context, sessionID string, stage pipeline.Stage, fp pipeline.Fingerprint) (pipeline.Artifact, error) {
	key := cacheKey(sessionID, stage, fp)
	raw, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, pipeline.ErrNotFound
		}
		return nil, fmt.Errorf("cache get %s: %w", key, err)
	}
	a, err := pipeline.DecodeArtifact(stage, raw)
	if err != nil {
		s.logger.Warn(ctx, "cache entry unreadable, treating as miss",
			"session_id", sessionID, "stage", string(stage), "fingerprint", string(fp), "error", err.Error())
		s.client.Del(ctx, key)
		return nil, pipeline.ErrNotFound
	}
	return a, nil
}

// Put publishes an artifact. SETNX makes a re-put of an identical key a
// no-op success; the single-command write is atomic on the server.
func (s *Store) Put(ctx context.Context, sessionID string, stage pipeline.Stage, fp pipeline.Fingerprint, a pipeline.Artifact) error {
	raw, err := pipeline.EncodeArtifact(a)
	if err != nil {
		return err
	}
	key := cacheKey(sessionID, stage, fp)
	if err := s.client.SetNX(ctx, key, raw, s.ttl).Err(); err != nil {
		return fmt.Errorf("cache put %s: %w", key, err)
	}
	return nil
}
