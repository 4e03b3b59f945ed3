// Package mongo provides a MongoDB implementation of the session store.
//
// Each session is one document keyed by id. Full-document replacement is
// atomic on the server, which satisfies the store's atomic-publish
// requirement; a keyed lock table serializes the load-modify-replace cycles
// per session id within the process.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/topspinlab/topspin/pipeline"
	"github.com/topspinlab/topspin/session"
)

// Store is a MongoDB implementation of the session.Store interface.
type Store struct {
	collection *mongo.Collection
	locks      session.KeyedMutex
}

// Compile-time check that Store implements session.Store.
var _ session.Store = (*Store)(nil)

// sessionDocument is the MongoDB document representation of a Session.
type sessionDocument struct {
	ID        string                `bson:"_id"`
	CreatedAt time.Time             `bson:"created_at"`
	UpdatedAt time.Time             `bson:"updated_at"`
	Profile   map[string]any        `bson:"profile"`
	Events    []eventDocument       `bson:"events"`
	Results   []stageResultDocument `bson:"results"`
	Status    string                `bson:"status"`
}

type eventDocument struct {
	Type      string         `bson:"type"`
	Stage     string         `bson:"stage,omitempty"`
	Timestamp time.Time      `bson:"timestamp"`
	Detail    map[string]any `bson:"detail,omitempty"`
}

type stageResultDocument struct {
	Stage       string    `bson:"stage"`
	Fingerprint string    `bson:"fingerprint"`
	ArtifactRef string    `bson:"artifact_ref"`
	CompletedAt time.Time `bson:"completed_at"`
}

// New creates a MongoDB session store using the provided collection. The
// collection should be from a connected MongoDB client.
func New(collection *mongo.Collection) *Store {
	return &Store{collection: collection}
}

// Create allocates a fresh active session and inserts it.
func (s *Store) Create(ctx context.Context, profile pipeline.Profile) (*session.Session, error) {
	now := time.Now()
	sess := &session.Session{
		ID:        uuid.NewString(),
		CreatedAt: now,
		UpdatedAt: now,
		Profile:   profile,
		Status:    session.StatusActive,
	}
	if _, err := s.collection.InsertOne(ctx, toDocument(sess)); err != nil {
		return nil, fmt.Errorf("insert session: %w", err)
	}
	return sess, nil
}

// Load retrieves a session by id.
func (s *Store) Load(ctx context.Context, id string) (*session.Session, error) {
	var doc sessionDocument
	err := s.collection.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, pipeline.ErrNotFound
		}
		return nil, fmt.Errorf("session %s: %v: %w", id, err, pipeline.ErrCorrupt)
	}
	return fromDocument(&doc), nil
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

// Persist replaces the full session document, inserting it if absent.
func (s *Store) Persist(ctx context.Context, sess *session.Session) error {
	s.locks.Lock(sess.ID)
	defer s.locks.Unlock(sess.ID)
	return s.persistLocked(ctx, sess)
}

func (s *Store) persistLocked(ctx context.Context, sess *session.Session) error {
	opts := options.Replace().SetUpsert(true)
	if _, err := s.collection.ReplaceOne(ctx, bson.M{"_id": sess.ID}, toDocument(sess), opts); err != nil {
		return fmt.Errorf("persist session %s: %w", sess.ID, err)
	}
	return nil
}

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

func toDocument(sess *session.Session) *sessionDocument {
	doc := &sessionDocument{
		ID:        sess.ID,
		CreatedAt: sess.CreatedAt,
		UpdatedAt: sess.UpdatedAt,
		Profile:   sess.Profile,
		Status:    string(sess.Status),
	}
	for _, e := range sess.Events {
		doc.Events = append(doc.Events, eventDocument{
			Type:      e.Type,
			Stage:     string(e.Stage),
			Timestamp: e.Timestamp,
			Detail:    e.Detail,
		})
	}
	for _, r := range sess.Results {
		doc.Results = append(doc.Results, stageResultDocument{
			Stage:       string(r.Stage),
			Fingerprint: string(r.Fingerprint),
			ArtifactRef: r.ArtifactRef,
			CompletedAt: r.CompletedAt,
		})
	}
	return doc
}

func fromDocument(doc *sessionDocument) *session.Session {
	sess := &session.Session{
		ID:        doc.ID,
		CreatedAt: doc.CreatedAt,
		UpdatedAt: doc.UpdatedAt,
		Profile:   doc.Profile,
		Status:    session.Status(doc.Status),
	}
	for _, e := range doc.Events {
		sess.Events = append(sess.Events, session.Event{
			Type:      e.Type,
			Stage:     pipeline.Stage(e.Stage),
			Timestamp: e.Timestamp,
			Detail:    e.Detail,
		})
	}
	for _, r := range doc.Results {
		sess.Results = append(sess.Results, session.StageResult{
			Stage:       pipeline.Stage(r.Stage),
			Fingerprint: pipeline.Fingerprint(r.Fingerprint),
			ArtifactRef: r.ArtifactRef,
			CompletedAt: r.CompletedAt,
		})
	}
	return sess
}
