package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"outreach/queue"
	"outreach/utils"
)

// Handler runs a claimed job. Returning queue.Permanent drops the job,
// queue.Defer reschedules it without counting an attempt, and any other
// error retries it with backoff.
type Handler interface {
	Handle(ctx context.Context, job *queue.Job) error
}

type HandlerFunc func(ctx context.Context, job *queue.Job) error

func (f HandlerFunc) Handle(ctx context.Context, job *queue.Job) error { return f(ctx, job) }

type PoolConfig struct {
	Concurrency     int
	MaxAttempts     int
	BackoffBase     time.Duration
	BackoffMax      time.Duration
	PollInterval    time.Duration
	RecoverInterval time.Duration
}

func (c *PoolConfig) defaults() {
	if c.Concurrency <= 0 {
		c.Concurrency = 3
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = time.Minute
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = time.Hour
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.RecoverInterval <= 0 {
		c.RecoverInterval = 30 * time.Second
	}
}

// Pool runs a fixed number of workers against a queue.
type Pool struct {
	queue   *queue.RedisQueue
	handler Handler
	cfg     PoolConfig
	log     logrus.FieldLogger
	now     func() time.Time
}

func NewPool(q *queue.RedisQueue, handler Handler, cfg PoolConfig, log logrus.FieldLogger) *Pool {
	cfg.defaults()
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Pool{queue: q, handler: handler, cfg: cfg, log: log.WithField("component", "pool"), now: time.Now}
}

// Start blocks until ctx is cancelled and every worker has returned.
func (p *Pool) Start(ctx context.Context) {
	p.log.WithField("concurrency", p.cfg.Concurrency).Info("send pool started")

	var wg sync.WaitGroup
	for i := 0; i < p.cfg.Concurrency; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			p.run(ctx, id)
		}(i)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		p.recoverLoop(ctx)
	}()
	wg.Wait()

	p.log.Info("send pool stopped")
}

func (p *Pool) run(ctx context.Context, id int) {
	log := p.log.WithField("worker", id)
	for ctx.Err() == nil {
		processed, err := p.ProcessOne(ctx)
		if err != nil {
			log.WithError(err).Error("queue error")
		}
		if processed && err == nil {
			continue
		}
		select {
		case <-ctx.Done():
		case <-time.After(p.cfg.PollInterval):
		}
	}
}

func (p *Pool) recoverLoop(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.RecoverInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := p.queue.RecoverExpired(ctx)
			if err != nil {
				p.log.WithError(err).Error("failed to recover expired jobs")
				continue
			}
			if n > 0 {
				p.log.WithField("jobs", n).Warn("recovered jobs with expired leases")
			}
		}
	}
}

// ProcessOne claims and runs a single due job. It reports whether a job was
// claimed.
func (p *Pool) ProcessOne(ctx context.Context) (bool, error) {
	job, err := p.queue.Claim(ctx)
	if err != nil || job == nil {
		return false, err
	}

	herr := p.safeHandle(ctx, job)

	// Settle the job even if shutdown interrupted the handler.
	settleCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	return true, p.settle(settleCtx, job, herr)
}

func (p *Pool) safeHandle(ctx context.Context, job *queue.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in job handler: %v", r)
		}
	}()
	return p.handler.Handle(ctx, job)
}

func (p *Pool) settle(ctx context.Context, job *queue.Job, err error) error {
	log := p.log.WithFields(logrus.Fields{"job_id": job.ID, "attempt": job.Attempts})

	if err == nil {
		return p.queue.Ack(ctx, job)
	}
	if d, ok := queue.AsDefer(err); ok {
		log.WithFields(logrus.Fields{"until": d.Until.Format(time.RFC3339), "reason": d.Reason}).Info("job deferred")
		return p.queue.Defer(ctx, job, d.Until)
	}
	if queue.IsPermanent(err) {
		log.WithError(err).Warn("job failed permanently, dropping")
		utils.LogError("job_dropped", err, map[string]interface{}{"job_id": job.ID})
		return p.queue.DeadLetter(ctx, job, err)
	}
	if job.Attempts >= p.cfg.MaxAttempts {
		log.WithError(err).Error("job exhausted its attempts")
		utils.LogError("job_dead_lettered", err, map[string]interface{}{
			"job_id":   job.ID,
			"attempts": job.Attempts,
			"payload":  string(job.Payload),
		})
		return p.queue.DeadLetter(ctx, job, err)
	}

	delay := Backoff(job.Attempts, p.cfg.BackoffBase, p.cfg.BackoffMax)
	log.WithError(err).WithField("retry_in", delay.String()).Warn("job failed, retrying")
	return p.queue.Retry(ctx, job, p.now().Add(delay), err)
}

// Backoff returns base doubled for every attempt after the first, capped at
// max.
func Backoff(attempt int, base, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}
