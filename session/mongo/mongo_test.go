package mongo

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	mongodrv "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/topspinlab/topspin/pipeline"
	"github.com/topspinlab/topspin/session"
)

var (
	testClient *mongodrv.Client
	skipMongo  bool
)

func TestMain(m *testing.M) {
	ctx := context.Background()

	var container testcontainers.Container
	func() {
		defer func() {
			if r := recover(); r != nil {
				skipMongo = true
			}
		}()
		var err error
		container, err = testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
			ContainerRequest: testcontainers.ContainerRequest{
				Image:        "mongo:7",
				ExposedPorts: []string{"27017/tcp"},
				WaitingFor:   wait.ForLog("Waiting for connections"),
				Tmpfs:        map[string]string{"/data/db": "rw"},
			},
			Started: true,
		})
		if err != nil {
			skipMongo = true
		}
	}()

	if !skipMongo {
		host, err := container.Host(ctx)
		if err != nil {
			skipMongo = true
		} else {
			port, err := container.MappedPort(ctx, "27017")
			if err != nil {
				skipMongo = true
			} else {
				uri := fmt.Sprintf("mongodb://%s:%s", host, port.Port())
				testClient, err = mongodrv.Connect(options.Client().ApplyURI(uri))
				if err != nil {
					skipMongo = true
				}
			}
		}
	}

	code := m.Run()

	if testClient != nil {
		_ = testClient.Disconnect(ctx)
	}
	if container != nil {
		_ = container.Terminate(ctx)
	}
	os.Exit(code)
}

func newStore(t *testing.T) *Store {
	t.Helper()
	if skipMongo {
		t.Skip("docker not available, skipping MongoDB tests")
	}
	coll := testClient.Database("topspin_test").Collection(t.Name())
	t.Cleanup(func() {
		_ = coll.Drop(context.Background())
	})
	return New(coll)
}

func TestMongoLifecycle(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	sess, err := store.Create(ctx, pipeline.Profile{"level": "Beginner"})
	require.NoError(t, err)

	require.NoError(t, store.AppendEvent(ctx, sess.ID, session.Event{Type: "pipeline_start"}))
	require.NoError(t, store.RecordStageResult(ctx, sess.ID, session.StageResult{
		Stage: pipeline.StagePerception, Fingerprint: "fp1", ArtifactRef: "ref1", CompletedAt: time.Now(),
	}))
	require.NoError(t, store.UpdateStatus(ctx, sess.ID, session.StatusCompleted))

	loaded, err := store.Load(ctx, sess.ID)
	require.NoError(t, err)
	assert.Len(t, loaded.Events, 1)
	_, ok := loaded.Result(pipeline.StagePerception, "fp1")
	assert.True(t, ok)
	assert.Equal(t, session.StatusCompleted, loaded.Status)
}

func TestMongoMissingSession(t *testing.T) {
	store := newStore(t)
	_, err := store.Load(context.Background(), "absent")
	require.ErrorIs(t, err, pipeline.ErrNotFound)
}

func TestMongoHistoricalFingerprints(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	sess, err := store.Create(ctx, nil)
	require.NoError(t, err)
	for _, fp := range []pipeline.Fingerprint{"fp-old", "fp-new"} {
		require.NoError(t, store.RecordStageResult(ctx, sess.ID, session.StageResult{
			Stage: pipeline.StageEvaluation, Fingerprint: fp, ArtifactRef: string(fp), CompletedAt: time.Now(),
		}))
	}

	loaded, err := store.Load(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, loaded.Results, 2)
}
