//go:build integration

package queue

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesabridge/pesabridge/internal/testutil"
)

func newPGJob(priority Priority) *Job {
	return &Job{
		ID:            uuid.NewString(),
		EscrowID:      uuid.NewString(),
		Priority:      priority,
		Chain:         "base-sepolia",
		Token:         "USDC",
		Amount:        "7.462687",
		RecipientAddr: "0x1111111111111111111111111111111111111111",
		EnqueuedAt:    time.Now().UTC().Truncate(time.Millisecond),
	}
}

func TestPostgresStore_EnqueueDequeue(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	job := newPGJob(PriorityNormal)
	require.NoError(t, store.Enqueue(ctx, job))

	got, err := store.Dequeue(ctx, 5*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, job.ID, got.ID)
	assert.Equal(t, 1, got.Attempts)
	require.NotNil(t, got.LeasedUntil)

	_, err = store.Dequeue(ctx, 5*time.Minute)
	assert.ErrorIs(t, err, ErrEmpty)

	require.NoError(t, store.Complete(ctx, got.ID))
	_, err = store.GetByEscrow(ctx, job.EscrowID)
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestPostgresStore_DuplicateEscrowRejected(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	job := newPGJob(PriorityNormal)
	require.NoError(t, store.Enqueue(ctx, job))

	dup := newPGJob(PriorityHigh)
	dup.EscrowID = job.EscrowID
	assert.ErrorIs(t, store.Enqueue(ctx, dup), ErrDuplicateJob)
}

func TestPostgresStore_PriorityOrder(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	low := newPGJob(PriorityLow)
	normal := newPGJob(PriorityNormal)
	high := newPGJob(PriorityHigh)
	require.NoError(t, store.Enqueue(ctx, low))
	require.NoError(t, store.Enqueue(ctx, normal))
	require.NoError(t, store.Enqueue(ctx, high))

	var order []Priority
	for i := 0; i < 3; i++ {
		job, err := store.Dequeue(ctx, time.Minute)
		require.NoError(t, err)
		order = append(order, job.Priority)
	}
	assert.Equal(t, []Priority{PriorityHigh, PriorityNormal, PriorityLow}, order)
}

func TestPostgresStore_RetryPromotion(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	job := newPGJob(PriorityNormal)
	require.NoError(t, store.Enqueue(ctx, job))

	got, err := store.Dequeue(ctx, time.Minute)
	require.NoError(t, err)

	nextAttempt := time.Now().Add(2 * time.Second)
	require.NoError(t, store.Retry(ctx, got.ID, nextAttempt, "RPC connection failed"))

	// Not due yet
	_, err = store.Dequeue(ctx, time.Minute)
	assert.ErrorIs(t, err, ErrEmpty)

	promoted, err := store.PromoteDue(ctx, nextAttempt.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, 1, promoted)

	got, err = store.Dequeue(ctx, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 2, got.Attempts)
	assert.Equal(t, "RPC connection failed", got.LastError)
}

func TestPostgresStore_RequeueStalled(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	job := newPGJob(PriorityNormal)
	require.NoError(t, store.Enqueue(ctx, job))

	_, err := store.Dequeue(ctx, time.Second)
	require.NoError(t, err)

	// Lease not yet expired
	recovered, err := store.RequeueStalled(ctx, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 0, recovered)

	// A crashed worker's lease expires and the job becomes visible again
	recovered, err = store.RequeueStalled(ctx, time.Now().Add(2*time.Second))
	require.NoError(t, err)
	assert.Equal(t, 1, recovered)

	got, err := store.Dequeue(ctx, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, job.ID, got.ID)
	assert.Equal(t, 2, got.Attempts)
}

func TestPostgresStore_Stats(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	require.NoError(t, store.Enqueue(ctx, newPGJob(PriorityHigh)))
	require.NoError(t, store.Enqueue(ctx, newPGJob(PriorityNormal)))
	require.NoError(t, store.Enqueue(ctx, newPGJob(PriorityNormal)))

	_, err := store.Dequeue(ctx, time.Minute)
	require.NoError(t, err)

	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Processing)
	assert.Equal(t, 2, stats.Waiting())
}
