// Package cache defines the content-addressed artifact store for pipeline
// stages.
//
// Entries are keyed by (session id, stage, fingerprint); identical
// fingerprints imply identical artifacts, so a hit can always be reused in
// place of recomputation. The Store interface abstracts the backend;
// available implementations:
//
//   - memory: in-memory store for tests and local development
//   - file: filesystem store with atomic temp-then-rename publish
//   - redis: Redis store with optional TTL-based retention
//
// All implementations treat an unreadable or malformed entry as a cache
// miss — the condition is reported through telemetry, never silently
// trusted — which forces recompute rather than propagating corruption.
package cache

import (
	"context"

	"github.com/topspinlab/topspin/pipeline"
)

// Store persists stage artifacts keyed by (session, stage, fingerprint).
// Implementations must be safe for concurrent use.
type Store interface {
	// Get retrieves the artifact for the key, returning pipeline.ErrNotFound
	// on a miss. A value is never returned for a mismatched fingerprint.
	Get(ctx context.Context, sessionID string, stage pipeline.Stage, fp pipeline.Fingerprint) (pipeline.Artifact, error)

	// Put publishes the artifact atomically: a reader never observes a
	// partially written entry. Overwriting an existing identical key is a
	// no-op success.
	Put(ctx context.Context, sessionID string, stage pipeline.Stage, fp pipeline.Fingerprint, a pipeline.Artifact) error
}
