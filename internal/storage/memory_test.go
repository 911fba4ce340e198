package storage

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dharsanguruparan/FieldLedger/internal/model"
)

func TestMemoryQueueFIFO(t *testing.T) {
	q := NewMemoryQueue("test")
	ctx := context.Background()
	now := time.Now()

	for _, p := range []string{"A", "B", "C"} {
		require.NoError(t, q.Push(ctx, []byte(p)))
	}

	var got []string
	var lastID int64
	for {
		rec, err := q.Lease(ctx, now)
		require.NoError(t, err)
		if rec == nil {
			break
		}
		assert.Greater(t, rec.ID, lastID)
		lastID = rec.ID
		got = append(got, string(rec.Payload))
		require.NoError(t, q.Commit(ctx, rec.ID))
	}
	assert.Equal(t, []string{"A", "B", "C"}, got)
}

func TestMemoryQueuePayloadRoundTrip(t *testing.T) {
	q := NewMemoryQueue("test")
	ctx := context.Background()
	payload := []byte(`{"raw_text":"привет"}`)

	require.NoError(t, q.Push(ctx, payload))
	payload[0] = 'X'

	rec, err := q.Lease(ctx, time.Now())
	require.NoError(t, err)
	assert.Equal(t, `{"raw_text":"привет"}`, string(rec.Payload))
	assert.Equal(t, model.StatusProcessing, rec.Status)
	assert.Equal(t, 1, rec.Attempts)
	assert.Equal(t, "test", rec.LeasedBy)
}

func TestMemoryQueueTransitions(t *testing.T) {
	q := NewMemoryQueue("test")
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, q.Push(ctx, []byte("A")))
	require.NoError(t, q.Push(ctx, []byte("B")))

	a, err := q.Lease(ctx, now)
	require.NoError(t, err)
	require.NoError(t, q.Commit(ctx, a.ID))

	b, err := q.Lease(ctx, now)
	require.NoError(t, err)
	require.NoError(t, q.Fail(ctx, b.ID, "quota"))

	tests := []struct {
		name string
		err  error
		want error
	}{
		{name: "commit done", err: q.Commit(ctx, a.ID), want: model.ErrInvalidTransition},
		{name: "fail done", err: q.Fail(ctx, a.ID, "x"), want: model.ErrInvalidTransition},
		{name: "release failed", err: q.Release(ctx, b.ID, now, "x"), want: model.ErrInvalidTransition},
		{name: "commit failed", err: q.Commit(ctx, b.ID), want: model.ErrInvalidTransition},
		{name: "unknown id", err: q.Commit(ctx, 42), want: model.ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, tt.err, tt.want)
		})
	}

	rec, err := q.Get(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, rec.Status)
	assert.Equal(t, "quota", rec.LastError)
}

func TestMemoryQueueReleaseBlocksHeadUntilDue(t *testing.T) {
	q := NewMemoryQueue("test")
	ctx := context.Background()
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, q.Push(ctx, []byte("A")))
	require.NoError(t, q.Push(ctx, []byte("B")))

	a, err := q.Lease(ctx, now)
	require.NoError(t, err)
	require.NoError(t, q.Release(ctx, a.ID, now.Add(time.Minute), "timeout"))

	rec, err := q.Lease(ctx, now.Add(30*time.Second))
	require.NoError(t, err)
	assert.Nil(t, rec, "B must not overtake A")

	rec, err = q.Lease(ctx, now.Add(time.Minute))
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, a.ID, rec.ID)
	assert.Equal(t, 2, rec.Attempts)
	assert.Equal(t, "timeout", rec.LastError)
}

func TestMemoryQueueRecoverStale(t *testing.T) {
	q := NewMemoryQueue("test")
	ctx := context.Background()

	require.NoError(t, q.Push(ctx, []byte("A")))
	_, err := q.Lease(ctx, time.Now())
	require.NoError(t, err)

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Processing)
	assert.Equal(t, int64(1), stats.Pending())

	n, err := q.RecoverStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	rec, err := q.Lease(ctx, time.Now())
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "A", string(rec.Payload))
}

func TestMemoryQueueRetryOnce(t *testing.T) {
	q := NewMemoryQueue("test")
	ctx := context.Background()

	require.NoError(t, q.Push(ctx, []byte("A")))
	rec, err := q.Lease(ctx, time.Now())
	require.NoError(t, err)
	require.NoError(t, q.Fail(ctx, rec.ID, "boom"))

	failed, err := q.ListFailed(ctx, 10)
	require.NoError(t, err)
	require.Len(t, failed, 1)

	newID, err := q.Retry(ctx, rec.ID)
	require.NoError(t, err)
	assert.Greater(t, newID, rec.ID)

	_, err = q.Retry(ctx, rec.ID)
	assert.ErrorIs(t, err, model.ErrAlreadyRetried)
	_, err = q.Retry(ctx, newID)
	assert.ErrorIs(t, err, model.ErrInvalidTransition)
	_, err = q.Retry(ctx, 99)
	assert.ErrorIs(t, err, model.ErrNotFound)

	copyRec, err := q.Lease(ctx, time.Now())
	require.NoError(t, err)
	require.NotNil(t, copyRec.RetryOf)
	assert.Equal(t, rec.ID, *copyRec.RetryOf)

	original, err := q.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, original.Status)
}

func TestMemoryQueuePurgeDone(t *testing.T) {
	q := NewMemoryQueue("test")
	ctx := context.Background()
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	q.now = func() time.Time { return base }

	require.NoError(t, q.Push(ctx, []byte("A")))
	require.NoError(t, q.Push(ctx, []byte("B")))
	a, err := q.Lease(ctx, base)
	require.NoError(t, err)
	require.NoError(t, q.Commit(ctx, a.ID))

	n, err := q.PurgeDone(ctx, base)
	require.NoError(t, err)
	assert.Zero(t, n, "records updated at the cutoff are kept")

	n, err = q.PurgeDone(ctx, base.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.QueueStats{Queued: 1}, stats)
}

func TestMemoryQueueConcurrentLeaseIsExclusive(t *testing.T) {
	q := NewMemoryQueue("test")
	ctx := context.Background()
	for i := 0; i < 50; i++ {
		require.NoError(t, q.Push(ctx, []byte(fmt.Sprint(i))))
	}

	var (
		mu   sync.Mutex
		seen = make(map[int64]int)
		wg   sync.WaitGroup
	)
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				rec, err := q.Lease(ctx, time.Now())
				if err != nil || rec == nil {
					return
				}
				mu.Lock()
				seen[rec.ID]++
				mu.Unlock()
				_ = q.Commit(ctx, rec.ID)
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, 50)
	for id, n := range seen {
		assert.Equal(t, 1, n, "record %d leased more than once", id)
	}
}
