package repository

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/dharsanguruparan/FieldLedger/internal/database"
	"github.com/dharsanguruparan/FieldLedger/internal/logging"
	"github.com/dharsanguruparan/FieldLedger/internal/model"
)

// setupQueue starts Postgres in a container, applies migrations and returns a
// repository on a fresh schema. Skipped unless TEST_INTEGRATION is set.
func setupQueue(t *testing.T) *QueueRepository {
	t.Helper()
	if os.Getenv("TEST_INTEGRATION") == "" {
		t.Skip("skipping integration test: TEST_INTEGRATION is not set")
	}
	ctx := context.Background()

	container, err := postgres.Run(ctx,
		"docker.io/postgres:17-alpine",
		postgres.WithDatabase("fieldledger_test"),
		postgres.WithUsername("fieldledger"),
		postgres.WithPassword("test-password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("terminate container: %v", err)
		}
	})

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	require.NoError(t, database.Migrate(dsn, logging.Discard()))
	// A second run must be a no-op.
	require.NoError(t, database.Migrate(dsn, logging.Discard()))

	pool, err := database.Connect(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	return NewQueueRepository(pool, "test-worker")
}

func payload(t *testing.T, text string) []byte {
	t.Helper()
	data, err := json.Marshal(model.Report{RawText: text, Status: model.ReportQueued})
	require.NoError(t, err)
	return data
}

func rawText(t *testing.T, rec *model.QueueRecord) string {
	t.Helper()
	var r model.Report
	require.NoError(t, json.Unmarshal(rec.Payload, &r))
	return r.RawText
}

func TestQueueRepositoryLifecycle(t *testing.T) {
	repo := setupQueue(t)
	ctx := context.Background()
	now := time.Now()

	for _, text := range []string{"A", "B", "C"} {
		require.NoError(t, repo.Push(ctx, payload(t, text)))
	}

	first, err := repo.Lease(ctx, now)
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, "A", rawText(t, first))
	assert.Equal(t, model.StatusProcessing, first.Status)
	assert.Equal(t, 1, first.Attempts)
	assert.Equal(t, "test-worker", first.LeasedBy)

	require.NoError(t, repo.Commit(ctx, first.ID))
	assert.ErrorIs(t, repo.Commit(ctx, first.ID), model.ErrInvalidTransition, "done is terminal")
	assert.ErrorIs(t, repo.Fail(ctx, 999999, "x"), model.ErrNotFound)

	second, err := repo.Lease(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, "B", rawText(t, second))
	assert.Greater(t, second.ID, first.ID)
	require.NoError(t, repo.Fail(ctx, second.ID, "sheet unavailable"))
	assert.ErrorIs(t, repo.Release(ctx, second.ID, now, "x"), model.ErrInvalidTransition, "failed is terminal")

	stats, err := repo.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.QueueStats{Queued: 1, Done: 1, Failed: 1}, stats)

	failed, err := repo.ListFailed(ctx, 10)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "sheet unavailable", failed[0].LastError)
}

func TestQueueRepositoryReleaseRespectsHead(t *testing.T) {
	repo := setupQueue(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, repo.Push(ctx, payload(t, "A")))
	require.NoError(t, repo.Push(ctx, payload(t, "B")))

	rec, err := repo.Lease(ctx, now)
	require.NoError(t, err)
	require.NoError(t, repo.Release(ctx, rec.ID, now.Add(time.Minute), "timeout"))

	blocked, err := repo.Lease(ctx, now)
	require.NoError(t, err)
	assert.Nil(t, blocked, "a head that is not due blocks the queue")

	again, err := repo.Lease(ctx, now.Add(2*time.Minute))
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, rec.ID, again.ID)
	assert.Equal(t, 2, again.Attempts)
	assert.Equal(t, "timeout", again.LastError)
}

func TestQueueRepositoryRecoverStale(t *testing.T) {
	repo := setupQueue(t)
	ctx := context.Background()

	require.NoError(t, repo.Push(ctx, payload(t, "A")))
	leased, err := repo.Lease(ctx, time.Now())
	require.NoError(t, err)
	require.NotNil(t, leased)

	n, err := repo.RecoverStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	rec, err := repo.Get(ctx, leased.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusQueued, rec.Status)
	assert.Empty(t, rec.LeasedBy)
}

func TestQueueRepositoryRetryAndPurge(t *testing.T) {
	repo := setupQueue(t)
	ctx := context.Background()

	require.NoError(t, repo.Push(ctx, payload(t, "A")))
	rec, err := repo.Lease(ctx, time.Now())
	require.NoError(t, err)
	require.NoError(t, repo.Fail(ctx, rec.ID, "boom"))

	newID, err := repo.Retry(ctx, rec.ID)
	require.NoError(t, err)
	assert.Greater(t, newID, rec.ID)

	_, err = repo.Retry(ctx, rec.ID)
	assert.ErrorIs(t, err, model.ErrAlreadyRetried)
	_, err = repo.Retry(ctx, newID)
	assert.ErrorIs(t, err, model.ErrInvalidTransition)

	original, err := repo.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, original.Status)

	copyRec, err := repo.Lease(ctx, time.Now())
	require.NoError(t, err)
	require.NotNil(t, copyRec.RetryOf)
	assert.Equal(t, rec.ID, *copyRec.RetryOf)
	assert.Equal(t, "A", rawText(t, copyRec))
	require.NoError(t, repo.Commit(ctx, copyRec.ID))

	purged, err := repo.PurgeDone(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), purged)

	_, err = repo.Get(ctx, copyRec.ID)
	assert.ErrorIs(t, err, model.ErrNotFound)
}
