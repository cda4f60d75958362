package jobqueue

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultWorkers     = 1
	DefaultMaxAttempts = 3
	DefaultRetryDelay  = time.Minute
)

// Handler runs one job. A non-nil error schedules a retry.
type Handler func(ctx context.Context, job Job) error

// ErrPermanent marks handler errors that must not be retried.
var ErrPermanent = errors.New("permanent job failure")

type PoolOptions struct {
	Workers     int
	MaxAttempts int
	RetryDelay  time.Duration
	Logger      *zap.Logger
	Metrics     *Metrics
}

// Pool drains a Queue with a fixed number of workers. A job is acknowledged
// once it succeeds or fails for good. A failed job goes back on the queue with
// NotBefore set RetryDelay ahead until MaxAttempts is reached, and a job
// interrupted by Stop goes back unchanged, so neither depends on this process
// staying up.
type Pool struct {
	queue       Queue
	handler     Handler
	workers     int
	maxAttempts int
	retryDelay  time.Duration
	logger      *zap.Logger
	metrics     *Metrics
	now         func() time.Time

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once
}

func NewPool(queue Queue, handler Handler, opts PoolOptions) (*Pool, error) {
	if queue == nil || handler == nil {
		return nil, ErrInvalidInput
	}
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = DefaultRetryDelay
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		queue:       queue,
		handler:     handler,
		workers:     opts.Workers,
		maxAttempts: opts.MaxAttempts,
		retryDelay:  opts.RetryDelay,
		logger:      opts.Logger.Named("jobqueue"),
		metrics:     opts.Metrics,
		now:         time.Now,
		ctx:         ctx,
		cancel:      cancel,
	}, nil
}

// Start launches the workers once; later calls do nothing.
func (p *Pool) Start() {
	p.startOnce.Do(func() {
		p.wg.Add(p.workers)
		for i := 0; i < p.workers; i++ {
			go func() {
				defer p.wg.Done()
				p.worker()
			}()
		}
	})
}

// Stop cancels running jobs, hands them back to the queue and waits for
// every worker to return.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() {
		p.cancel()
		p.wg.Wait()
	})
}

func (p *Pool) worker() {
	for {
		job, ok := p.queue.Dequeue(p.ctx)
		if !ok {
			return
		}
		p.process(job)
	}
}

func (p *Pool) process(job Job) {
	logger := p.logger.With(zap.String("job_id", job.ID), zap.Int("attempt", job.Attempt), zap.String("reason", job.Reason))
	logger.Info("job started")
	err := p.handler(p.ctx, job)
	switch {
	case err == nil:
		p.metrics.jobFinished("succeeded")
		logger.Info("job finished")
		p.ack(logger, job)
	case p.ctx.Err() != nil:
		p.metrics.jobFinished("requeued")
		logger.Warn("job interrupted by shutdown, returning it to the queue", zap.Error(err))
		p.release(logger, job)
	case errors.Is(err, ErrPermanent) || job.Attempt >= p.maxAttempts:
		p.metrics.jobFinished("failed")
		logger.Error("job failed", zap.Error(err), zap.Int("max_attempts", p.maxAttempts))
		p.ack(logger, job)
	default:
		p.metrics.jobFinished("retried")
		logger.Warn("job failed, retrying", zap.Error(err), zap.Duration("retry_in", p.retryDelay))
		retry := job
		retry.Attempt++
		retry.NotBefore = p.now().UTC().Add(p.retryDelay)
		p.release(logger, retry)
	}
}

func (p *Pool) ack(logger *zap.Logger, job Job) {
	if err := p.queue.Ack(job); err != nil {
		logger.Warn("acknowledge job failed, it may run again", zap.Error(err))
	}
}

func (p *Pool) release(logger *zap.Logger, job Job) {
	if err := p.queue.Release(job); err != nil {
		logger.Error("return job to queue failed", zap.Error(err))
	}
}
