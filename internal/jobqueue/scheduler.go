package jobqueue

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"go.uber.org/zap"
)

const ReasonScheduled = "scheduled"

type SchedulerOptions struct {
	// DailyAt is a UTC wall-clock time in HH:MM form. It wins over Interval.
	DailyAt  string
	Interval time.Duration
	// Jitter is a ratio in [0, 1] applied to Interval.
	Jitter   float64
	MaxUsers int
	Logger   *zap.Logger
	Now      func() time.Time
	Sample   func() float64
}

// Scheduler enqueues a scheduled job at a daily time or on a jittered
// interval. A scheduler with neither configured is disabled.
type Scheduler struct {
	queue    Queue
	hour     int
	minute   int
	daily    bool
	interval time.Duration
	jitter   float64
	maxUsers int
	logger   *zap.Logger
	now      func() time.Time
	sample   func() float64
}

func NewScheduler(queue Queue, opts SchedulerOptions) (*Scheduler, error) {
	if queue == nil {
		return nil, ErrInvalidInput
	}
	s := &Scheduler{
		queue:    queue,
		interval: opts.Interval,
		jitter:   min(max(opts.Jitter, 0), 1),
		maxUsers: opts.MaxUsers,
		logger:   opts.Logger,
		now:      opts.Now,
		sample:   opts.Sample,
	}
	if dailyAt := strings.TrimSpace(opts.DailyAt); dailyAt != "" {
		hour, minute, err := ParseDailyAt(dailyAt)
		if err != nil {
			return nil, err
		}
		s.hour, s.minute, s.daily = hour, minute, true
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	s.logger = s.logger.Named("scheduler")
	if s.now == nil {
		s.now = time.Now
	}
	if s.sample == nil {
		rng := rand.New(rand.NewSource(time.Now().UnixNano()))
		s.sample = rng.Float64
	}
	return s, nil
}

// ParseDailyAt parses "HH:MM" in 24-hour form.
func ParseDailyAt(value string) (int, int, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(value))
	if err != nil {
		return 0, 0, fmt.Errorf("%w: daily schedule %q must be HH:MM", ErrInvalidInput, value)
	}
	return t.Hour(), t.Minute(), nil
}

func (s *Scheduler) Enabled() bool {
	return s.daily || s.interval > 0
}

// Next returns the delay until the next scheduled job.
func (s *Scheduler) Next() time.Duration {
	if s.daily {
		return untilDaily(s.now().UTC(), s.hour, s.minute)
	}
	return s.spread(s.sample())
}

// Run blocks until ctx is done, enqueueing one job per tick.
func (s *Scheduler) Run(ctx context.Context) error {
	if !s.Enabled() {
		<-ctx.Done()
		return nil
	}
	delay := s.Next()
	s.logger.Info("scheduler started", zap.Duration("next_in", delay))
	timer := time.NewTimer(delay)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
			job := NewJob(s.maxUsers, ReasonScheduled)
			if s.queue.TryEnqueue(job) {
				s.logger.Info("scheduled sync enqueued", zap.String("job_id", job.ID))
			} else {
				s.logger.Warn("scheduled sync dropped, queue full", zap.Int("capacity", s.queue.Capacity()))
			}
			timer.Reset(s.Next())
		}
	}
}

func untilDaily(now time.Time, hour, minute int) time.Duration {
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, time.UTC)
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next.Sub(now)
}

// spread moves the interval by up to jitter of itself in either direction.
// sample in [0, 1] picks the point in that window; 0.5 keeps the interval.
func (s *Scheduler) spread(sample float64) time.Duration {
	if s.interval <= 0 {
		return 0
	}
	offset := (2*min(max(sample, 0), 1) - 1) * s.jitter
	return max(time.Duration(float64(s.interval)*(1+offset)), time.Millisecond)
}
