// Package file provides a filesystem implementation of the artifact cache.
//
// Layout: <root>/<session>/<stage>/<fingerprint>.json, each file an envelope
// recording the stage, schema version, fingerprint and write time alongside
// the artifact payload. Entries are published with temp-then-rename so a
// reader never observes a partial write. Retention is explicit: the owning
// process calls Sweep with a maximum age; the core never evicts implicitly.
package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/topspinlab/topspin/cache"
	"github.com/topspinlab/topspin/pipeline"
	"github.com/topspinlab/topspin/telemetry"
)

// envelope wraps a stored artifact with the metadata needed to detect
// key mismatches and schema drift on read.
type envelope struct {
	Stage       string          `json:"stage"`
	Version     int             `json:"version"`
	Fingerprint string          `json:"fingerprint"`
	WrittenAt   time.Time       `json:"written_at"`
	Artifact    json.RawMessage `json:"artifact"`
}

// Store is a filesystem implementation of the cache.Store interface.
type Store struct {
	root   string
	logger telemetry.Logger
}

// Compile-time check that Store implements cache.Store.
var _ cache.Store = (*Store)(nil)

// New creates a cache store rooted at dir, creating it if necessary. The
// logger reports corrupt entries; pass a noop logger to silence them.
func New(dir string, logger telemetry.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache root: %w", err)
	}
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Store{root: dir, logger: logger}, nil
}

func (s *Store) path(sessionID string, stage pipeline.Stage, fp pipeline.Fingerprint) (string, error) {
	for _, part := range []string{sessionID, string(stage), string(fp)} {
		if part == "" || strings.ContainsAny(part, `/\`) || part != filepath.Base(part) {
			return "", pipeline.ErrNotFound
		}
	}
	return filepath.Join(s.root, sessionID, string(stage), string(fp)+".json"), nil
}

// Get retrieves an artifact. Missing, unreadable or malformed entries all
// surface as pipeline.ErrNotFound (a miss, forcing recompute); corruption is
// additionally reported through the logger.
func (s *Store) Get(ctx context.Context, sessionID string, stage pipeline.Stage, fp pipeline.Fingerprint) (pipeline.Artifact, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	path, err := s.path(sessionID, stage, fp)
	if err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, pipeline.ErrNotFound
		}
		s.corrupt(ctx, sessionID, stage, fp, err)
		return nil, pipeline.ErrNotFound
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		s.corrupt(ctx, sessionID, stage, fp, err)
		return nil, pipeline.ErrNotFound
	}
	if env.Stage != string(stage) || env.Fingerprint != string(fp) {
		s.corrupt(ctx, sessionID, stage, fp, fmt.Errorf("envelope key mismatch: stage %q fingerprint %q", env.Stage, env.Fingerprint))
		return nil, pipeline.ErrNotFound
	}
	a, err := pipeline.DecodeArtifact(stage, env.Artifact)
	if err != nil {
		s.corrupt(ctx, sessionID, stage, fp, err)
		return nil, pipeline.ErrNotFound
	}
	return a, nil
}

// Put publishes an artifact with temp-then-rename semantics. Re-putting an
// existing key is a no-op success.
func (s *Store) Put(ctx context.Context, sessionID string, stage pipeline.Stage, fp pipeline.Fingerprint, a pipeline.Artifact) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	path, err := s.path(sessionID, stage, fp)
	if err != nil {
		return fmt.Errorf("cache put: invalid key: %w", err)
	}
	if _, err := os.Stat(path); err == nil {
		// Content-addressed: an existing entry for this fingerprint already
		// holds an identical artifact.
		return nil
	}
	rawArtifact, err := pipeline.EncodeArtifact(a)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(envelope{
		Stage:       string(stage),
		Version:     a.ArtifactVersion(),
		Fingerprint: string(fp),
		WrittenAt:   time.Now(),
		Artifact:    rawArtifact,
	})
	if err != nil {
		return fmt.Errorf("encode cache envelope: %w", err)
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create cache dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, string(fp)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp cache file: %w", err)
	}
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write cache entry: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close cache entry: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("publish cache entry: %w", err)
	}
	return nil
}

// Sweep removes entries written more than maxAge ago and returns the number
// removed. A zero or negative maxAge is a no-op, making unbounded retention
// an explicit opt-in.
func (s *Store) Sweep(ctx context.Context, maxAge time.Duration) (int, error) {
	if maxAge <= 0 {
		return 0, nil
	}
	cutoff := time.Now().Add(-maxAge)
	removed := 0
	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if d.IsDir() || !strings.HasSuffix(path, ".json") {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(path); err == nil {
				removed++
			}
		}
		return nil
	})
	if err != nil {
		return removed, fmt.Errorf("sweep cache: %w", err)
	}
	return removed, nil
}

func (s *Store) corrupt(ctx context.Context, sessionID string, stage pipeline.Stage, fp pipeline.Fingerprint, err error) {
	s.logger.Warn(ctx, "cache entry unreadable, treating as miss",
		"session_id", sessionID, "stage", string(stage), "fingerprint", string(fp), "error", err.Error())
}
