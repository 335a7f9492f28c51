// Package queue implements a delayed job queue on Redis with at-least-once
// delivery. Jobs wait in a sorted set scored by their due time, move to a
// processing set with a lease while a worker holds them and return to the
// scheduled set if the lease expires.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

const deadLetterCap = 1000

// Job is a unit of work. Payload is opaque to the queue.
type Job struct {
	ID         string          `json:"id"`
	Payload    json.RawMessage `json:"payload"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
	RunAt      time.Time       `json:"run_at"`
	LastError  string          `json:"last_error,omitempty"`

	// Attempts counts claims of this job, including the current one.
	Attempts int `json:"-"`
}

// DeadJob is a job that exhausted its attempts or failed permanently.
type DeadJob struct {
	Job      Job       `json:"job"`
	Attempts int       `json:"attempts"`
	Error    string    `json:"error"`
	FailedAt time.Time `json:"failed_at"`
}

type Stats struct {
	Scheduled  int64 `json:"scheduled"`
	Processing int64 `json:"processing"`
	Dead       int64 `json:"dead"`
}

var claimScript = redis.NewScript(`
local ids = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1], "LIMIT", 0, 1)
if #ids == 0 then
	return false
end
local id = ids[1]
redis.call("ZREM", KEYS[1], id)
local body = redis.call("HGET", KEYS[3], id)
if not body then
	redis.call("HDEL", KEYS[4], id)
	return false
end
redis.call("ZADD", KEYS[2], ARGV[2], id)
local attempts = redis.call("HINCRBY", KEYS[4], id, 1)
return {id, body, attempts}
`)

var ackScript = redis.NewScript(`
redis.call("ZREM", KEYS[2], ARGV[1])
if not redis.call("ZSCORE", KEYS[1], ARGV[1]) then
	redis.call("HDEL", KEYS[3], ARGV[1])
	redis.call("HDEL", KEYS[4], ARGV[1])
end
return 1
`)

var recoverScript = redis.NewScript(`
local ids = redis.call("ZRANGEBYSCORE", KEYS[2], "-inf", ARGV[1])
for _, id in ipairs(ids) do
	redis.call("ZREM", KEYS[2], id)
	redis.call("ZADD", KEYS[1], ARGV[1], id)
end
return #ids
`)

// RedisQueue is safe for concurrent use by many workers and processes.
type RedisQueue struct {
	client     *redis.Client
	name       string
	visibility time.Duration
	now        func() time.Time
}

func NewRedisQueue(client *redis.Client, name string, visibility time.Duration) *RedisQueue {
	if visibility <= 0 {
		visibility = 5 * time.Minute
	}
	return &RedisQueue{client: client, name: name, visibility: visibility, now: time.Now}
}

// WithClock replaces the time source used for due times and leases.
func (q *RedisQueue) WithClock(now func() time.Time) *RedisQueue {
	q.now = now
	return q
}

func (q *RedisQueue) key(suffix string) string {
	return fmt.Sprintf("outreach:queue:%s:%s", q.name, suffix)
}

func (q *RedisQueue) keys() []string {
	return []string{q.key("scheduled"), q.key("processing"), q.key("jobs"), q.key("attempts")}
}

// Enqueue schedules payload to run at runAt. Enqueuing an id that is already
// waiting replaces it, so callers can use deterministic ids to avoid
// duplicate jobs.
func (q *RedisQueue) Enqueue(ctx context.Context, id string, payload interface{}, runAt time.Time) (*Job, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode job payload: %w", err)
	}
	if id == "" {
		id = uuid.NewString()
	}
	job := &Job{ID: id, Payload: raw, EnqueuedAt: q.now(), RunAt: runAt}
	body, err := json.Marshal(job)
	if err != nil {
		return nil, err
	}

	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, q.key("jobs"), id, body)
		pipe.HSet(ctx, q.key("attempts"), id, 0)
		pipe.ZAdd(ctx, q.key("scheduled"), &redis.Z{Score: float64(runAt.UnixMilli()), Member: id})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue job %s: %w", id, err)
	}
	return job, nil
}

// Claim leases the next due job. It returns nil when nothing is due.
func (q *RedisQueue) Claim(ctx context.Context) (*Job, error) {
	now := q.now()
	res, err := claimScript.Run(ctx, q.client, q.keys(),
		now.UnixMilli(), now.Add(q.visibility).UnixMilli()).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}

	parts, ok := res.([]interface{})
	if !ok || len(parts) != 3 {
		return nil, fmt.Errorf("unexpected claim reply %T", res)
	}
	body, _ := parts[1].(string)
	var job Job
	if err := json.Unmarshal([]byte(body), &job); err != nil {
		return nil, fmt.Errorf("failed to decode job %v: %w", parts[0], err)
	}
	attempts, _ := parts[2].(int64)
	job.Attempts = int(attempts)
	return &job, nil
}

// Ack removes a finished job. A job re-enqueued under the same id while it
// was running is kept.
func (q *RedisQueue) Ack(ctx context.Context, job *Job) error {
	if err := ackScript.Run(ctx, q.client, q.keys(), job.ID).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("failed to ack job %s: %w", job.ID, err)
	}
	return nil
}

// Retry puts a failed job back on the schedule. The attempt stays counted.
func (q *RedisQueue) Retry(ctx context.Context, job *Job, at time.Time, cause error) error {
	return q.reschedule(ctx, job, at, cause, false)
}

// Defer reschedules a job without counting the current attempt.
func (q *RedisQueue) Defer(ctx context.Context, job *Job, at time.Time) error {
	return q.reschedule(ctx, job, at, nil, true)
}

func (q *RedisQueue) reschedule(ctx context.Context, job *Job, at time.Time, cause error, refund bool) error {
	job.RunAt = at
	if cause != nil {
		job.LastError = cause.Error()
	}
	body, err := json.Marshal(job)
	if err != nil {
		return err
	}

	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, q.key("processing"), job.ID)
		pipe.HSet(ctx, q.key("jobs"), job.ID, body)
		if refund {
			pipe.HIncrBy(ctx, q.key("attempts"), job.ID, -1)
		}
		pipe.ZAdd(ctx, q.key("scheduled"), &redis.Z{Score: float64(at.UnixMilli()), Member: job.ID})
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to reschedule job %s: %w", job.ID, err)
	}
	return nil
}

// DeadLetter drops a job from the queue and keeps a record of it.
func (q *RedisQueue) DeadLetter(ctx context.Context, job *Job, cause error) error {
	dead := DeadJob{Job: *job, Attempts: job.Attempts, FailedAt: q.now()}
	if cause != nil {
		dead.Error = cause.Error()
	}
	body, err := json.Marshal(dead)
	if err != nil {
		return err
	}

	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, q.key("processing"), job.ID)
		pipe.HDel(ctx, q.key("jobs"), job.ID)
		pipe.HDel(ctx, q.key("attempts"), job.ID)
		pipe.LPush(ctx, q.key("dead"), body)
		pipe.LTrim(ctx, q.key("dead"), 0, deadLetterCap-1)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to dead-letter job %s: %w", job.ID, err)
	}
	return nil
}

// RecoverExpired returns jobs whose lease ran out to the schedule, due now.
func (q *RedisQueue) RecoverExpired(ctx context.Context) (int, error) {
	n, err := recoverScript.Run(ctx, q.client, q.keys(), q.now().UnixMilli()).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		return 0, fmt.Errorf("failed to recover expired jobs: %w", err)
	}
	return n, nil
}

// DeadJobs returns up to limit of the most recent dead jobs.
func (q *RedisQueue) DeadJobs(ctx context.Context, limit int64) ([]DeadJob, error) {
	raw, err := q.client.LRange(ctx, q.key("dead"), 0, limit-1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]DeadJob, 0, len(raw))
	for _, r := range raw {
		var d DeadJob
		if err := json.Unmarshal([]byte(r), &d); err == nil {
			out = append(out, d)
		}
	}
	return out, nil
}

// ScheduledAt returns the due time of a waiting job.
func (q *RedisQueue) ScheduledAt(ctx context.Context, id string) (time.Time, bool, error) {
	score, err := q.client.ZScore(ctx, q.key("scheduled"), id).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return time.UnixMilli(int64(score)).UTC(), true, nil
}

func (q *RedisQueue) Stats(ctx context.Context) (Stats, error) {
	var scheduled, processing, dead *redis.IntCmd
	_, err := q.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		scheduled = pipe.ZCard(ctx, q.key("scheduled"))
		processing = pipe.ZCard(ctx, q.key("processing"))
		dead = pipe.LLen(ctx, q.key("dead"))
		return nil
	})
	if err != nil {
		return Stats{}, err
	}
	return Stats{Scheduled: scheduled.Val(), Processing: processing.Val(), Dead: dead.Val()}, nil
}

// DecodePayload unmarshals a job payload into v.
func (j *Job) DecodePayload(v interface{}) error {
	if err := json.Unmarshal(j.Payload, v); err != nil {
		return fmt.Errorf("job %s has malformed payload: %w", j.ID, err)
	}
	return nil
}

func (j *Job) String() string {
	return j.ID + "#" + strconv.Itoa(j.Attempts)
}
