package queue

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type payload struct {
	ProspectID uint `json:"prospectId"`
}

func setupTestQueue(t *testing.T) (*RedisQueue, *time.Time) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	q := NewRedisQueue(client, "test", time.Minute)
	q.now = func() time.Time { return now }
	return q, &now
}

func TestEnqueueAndClaimRespectsRunAt(t *testing.T) {
	q, now := setupTestQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "later", payload{ProspectID: 2}, now.Add(time.Hour))
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, "due", payload{ProspectID: 1}, now.Add(-time.Second))
	require.NoError(t, err)

	job, err := q.Claim(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, "due", job.ID)
	assert.Equal(t, 1, job.Attempts)

	var p payload
	require.NoError(t, job.DecodePayload(&p))
	assert.EqualValues(t, 1, p.ProspectID)

	job, err = q.Claim(ctx)
	require.NoError(t, err)
	assert.Nil(t, job, "future job must not be claimed early")

	*now = now.Add(2 * time.Hour)
	job, err = q.Claim(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, "later", job.ID)
}

func TestEnqueueSameIDReplaces(t *testing.T) {
	q, now := setupTestQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "send:1:1", payload{ProspectID: 1}, now.Add(time.Hour))
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, "send:1:1", payload{ProspectID: 1}, now.Add(2*time.Hour))
	require.NoError(t, err)

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, stats.Scheduled)

	at, ok, err := q.ScheduledAt(ctx, "send:1:1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, now.Add(2*time.Hour), at)
	assert.Equal(t, time.UTC, at.Location())
}

func TestAckRemovesJob(t *testing.T) {
	q, now := setupTestQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "a", payload{}, *now)
	require.NoError(t, err)
	job, err := q.Claim(ctx)
	require.NoError(t, err)
	require.NoError(t, q.Ack(ctx, job))

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{}, stats)
}

func TestAckKeepsJobReenqueuedWhileRunning(t *testing.T) {
	q, now := setupTestQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "a", payload{}, *now)
	require.NoError(t, err)
	job, err := q.Claim(ctx)
	require.NoError(t, err)

	_, err = q.Enqueue(ctx, "a", payload{}, now.Add(time.Hour))
	require.NoError(t, err)
	require.NoError(t, q.Ack(ctx, job))

	*now = now.Add(2 * time.Hour)
	again, err := q.Claim(ctx)
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, "a", again.ID)
	assert.Equal(t, 1, again.Attempts)
}

func TestRetryCountsAttemptsAndDeferDoesNot(t *testing.T) {
	q, now := setupTestQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "a", payload{}, *now)
	require.NoError(t, err)

	job, err := q.Claim(ctx)
	require.NoError(t, err)
	require.NoError(t, q.Retry(ctx, job, *now, errors.New("421 try later")))

	job, err = q.Claim(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, job.Attempts)
	assert.Equal(t, "421 try later", job.LastError)

	require.NoError(t, q.Defer(ctx, job, *now))
	job, err = q.Claim(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, job.Attempts)
}

func TestRecoverExpiredLeases(t *testing.T) {
	q, now := setupTestQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "a", payload{}, *now)
	require.NoError(t, err)
	_, err = q.Claim(ctx)
	require.NoError(t, err)

	n, err := q.RecoverExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "lease still valid")

	*now = now.Add(2 * time.Minute)
	n, err = q.RecoverExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	job, err := q.Claim(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, 2, job.Attempts)
}

func TestDeadLetter(t *testing.T) {
	q, now := setupTestQueue(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := q.Enqueue(ctx, fmt.Sprintf("j%d", i), payload{ProspectID: uint(i)}, *now)
		require.NoError(t, err)
	}
	job, err := q.Claim(ctx)
	require.NoError(t, err)
	require.NoError(t, q.DeadLetter(ctx, job, errors.New("gave up")))

	dead, err := q.DeadJobs(ctx, 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, job.ID, dead[0].Job.ID)
	assert.Equal(t, "gave up", dead[0].Error)
	assert.Equal(t, 1, dead[0].Attempts)

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{Scheduled: 2, Processing: 0, Dead: 1}, stats)
}

func TestErrorHelpers(t *testing.T) {
	base := errors.New("prospect 9 not found")
	perm := fmt.Errorf("load: %w", Permanent(base))

	assert.True(t, IsPermanent(perm))
	assert.ErrorIs(t, perm, base)
	assert.False(t, IsPermanent(base))
	assert.Nil(t, Permanent(nil))

	until := time.Date(2024, 5, 2, 9, 0, 0, 0, time.UTC)
	d, ok := AsDefer(fmt.Errorf("wrapped: %w", Defer(until, "daily limit")))
	require.True(t, ok)
	assert.True(t, until.Equal(d.Until))
}
