package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"outreach/queue"
)

func TestBackoff(t *testing.T) {
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Minute},
		{1, time.Minute},
		{2, 2 * time.Minute},
		{4, 8 * time.Minute},
		{7, time.Hour},
		{40, time.Hour},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Backoff(tt.attempt, time.Minute, time.Hour), "attempt %d", tt.attempt)
	}
}

func newTestPool(t *testing.T, h Handler) (*Pool, *queue.RedisQueue, *time.Time) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	q := queue.NewRedisQueue(client, "test", time.Minute).WithClock(clock)
	p := NewPool(q, h, PoolConfig{MaxAttempts: 2, BackoffBase: time.Minute}, quietLogger())
	p.now = clock
	return p, q, &now
}

func TestPoolSettlesJobs(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		panics    bool
		wantDead  int64
		wantRetry time.Duration
	}{
		{name: "success"},
		{name: "permanent", err: queue.Permanent(errors.New("bad payload")), wantDead: 1},
		{name: "transient", err: errors.New("timeout"), wantRetry: time.Minute},
		{name: "panic", panics: true, wantRetry: time.Minute},
		{name: "deferred", err: queue.Defer(time.Date(2024, 5, 2, 9, 0, 0, 0, time.UTC), "limit"), wantRetry: 21 * time.Hour},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := HandlerFunc(func(context.Context, *queue.Job) error {
				if tt.panics {
					panic("boom")
				}
				return tt.err
			})
			p, q, now := newTestPool(t, handler)
			ctx := context.Background()
			_, err := q.Enqueue(ctx, "job-1", map[string]int{"n": 1}, *now)
			require.NoError(t, err)

			processed, err := p.ProcessOne(ctx)
			require.NoError(t, err)
			assert.True(t, processed)

			stats, err := q.Stats(ctx)
			require.NoError(t, err)
			assert.Equal(t, tt.wantDead, stats.Dead)
			assert.Zero(t, stats.Processing)

			at, queued, err := q.ScheduledAt(ctx, "job-1")
			require.NoError(t, err)
			if tt.wantRetry == 0 {
				assert.False(t, queued)
				return
			}
			require.True(t, queued)
			assert.Equal(t, now.Add(tt.wantRetry), at)
		})
	}
}

func TestPoolDeadLettersAfterMaxAttempts(t *testing.T) {
	calls := 0
	p, q, now := newTestPool(t, HandlerFunc(func(context.Context, *queue.Job) error {
		calls++
		return errors.New("smtp unavailable")
	}))
	ctx := context.Background()
	_, err := q.Enqueue(ctx, "job-1", nil, *now)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		*now = now.Add(time.Hour)
		processed, err := p.ProcessOne(ctx)
		require.NoError(t, err)
		require.True(t, processed)
	}
	assert.Equal(t, 2, calls)

	dead, err := q.DeadJobs(ctx, 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, 2, dead[0].Attempts)
	assert.Equal(t, "smtp unavailable", dead[0].Error)

	processed, err := p.ProcessOne(ctx)
	require.NoError(t, err)
	assert.False(t, processed)
}

func TestPoolStopsOnCancel(t *testing.T) {
	p, _, _ := newTestPool(t, HandlerFunc(func(context.Context, *queue.Job) error { return nil }))
	p.cfg.PollInterval = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Start(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("pool did not stop")
	}
}
