// Package file provides a filesystem implementation of the session store.
//
// Each session is one JSON document at <root>/<id>.json. Writes go to a
// temporary file in the same directory and are published with os.Rename, so
// a crash mid-write never leaves a corrupted record visible to a subsequent
// Load. Writes serialize per session id through a keyed lock table;
// operations on distinct ids proceed concurrently.
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

	"github.com/google/uuid"

	"github.com/topspinlab/topspin/pipeline"
	"github.com/topspinlab/topspin/session"
)

// Store is a filesystem implementation of the session.Store interface.
type Store struct {
	root  string
	locks session.KeyedMutex
}

// Compile-time check that Store implements session.Store.
var _ session.Store = (*Store)(nil)

// New creates a session store rooted at dir, creating it if necessary.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create session store root: %w", err)
	}
	return &Store{root: dir}, nil
}

func (s *Store) path(id string) (string, error) {
	if id == "" || strings.ContainsAny(id, `/\`) || id != filepath.Base(id) {
		return "", pipeline.ErrNotFound
	}
	return filepath.Join(s.root, id+".json"), nil
}

// Create allocates a fresh active session and persists it.
func (s *Store) Create(ctx context.Context, profile pipeline.Profile) (*session.Session, error) {
	now := time.Now()
	sess := &session.Session{
		ID:        uuid.NewString(),
		CreatedAt: now,
		UpdatedAt: now,
		Profile:   profile,
		Status:    session.StatusActive,
	}
	if err := s.Persist(ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// Load retrieves a session by id. An unreadable record surfaces
// pipeline.ErrCorrupt; a missing file surfaces pipeline.ErrNotFound.
func (s *Store) Load(ctx context.Context, id string) (*session.Session, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	path, err := s.path(id)
	if err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, pipeline.ErrNotFound
		}
		return nil, fmt.Errorf("read session %s: %w", id, err)
	}
	var sess session.Session
	if err := json.Unmarshal(raw, &sess); err != nil {
		return nil, fmt.Errorf("session %s: %v: %w", id, err, pipeline.ErrCorrupt)
	}
	if sess.ID != id {
		return nil, fmt.Errorf("session %s: id mismatch in record: %w", id, pipeline.ErrCorrupt)
	}
	return &sess, nil
}

// AppendEvent appends to the session's event log.
func (s *Store) AppendEvent(ctx context.Context, id string, e session.Event) error {
	return s.update(ctx, id, func(sess *session.Session) {
		sess.Append(e)
	})
}

// RecordStageResult inserts into the stage-result index.
func (s *Store) RecordStageResult(ctx context.Context, id string, r session.StageResult) error {
	return s.update(ctx, id, func(sess *session.Session) {
		sess.Record(r)
	})
}

// UpdateStatus sets the session status.
func (s *Store) UpdateStatus(ctx context.Context, id string, status session.Status) error {
	return s.update(ctx, id, func(sess *session.Session) {
		sess.Status = status
		sess.UpdatedAt = time.Now()
	})
}

// update performs a load-modify-persist cycle under the session's lock.
func (s *Store) update(ctx context.Context, id string, mutate func(*session.Session)) error {
	s.locks.Lock(id)
	defer s.locks.Unlock(id)
	sess, err := s.Load(ctx, id)
	if err != nil {
		return err
	}
	mutate(sess)
	return s.persistLocked(ctx, sess)
}

// Persist durably writes the full session record with temp-then-rename
// semantics.
func (s *Store) Persist(ctx context.Context, sess *session.Session) error {
	s.locks.Lock(sess.ID)
	defer s.locks.Unlock(sess.ID)
	return s.persistLocked(ctx, sess)
}

func (s *Store) persistLocked(ctx context.Context, sess *session.Session) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	path, err := s.path(sess.ID)
	if err != nil {
		return err
	}
	raw, err := json.MarshalIndent(sess, "", "  ")
	if err != nil {
		return fmt.Errorf("encode session %s: %w", sess.ID, err)
	}
	tmp, err := os.CreateTemp(s.root, sess.ID+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp session file: %w", err)
	}
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write session %s: %w", sess.ID, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close session %s: %w", sess.ID, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("publish session %s: %w", sess.ID, err)
	}
	return nil
}
