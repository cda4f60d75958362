package jobqueue

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	ErrInvalidInput   = errors.New("invalid input")
	ErrNotImplemented = errors.New("not implemented")
	// ErrNotClaimed is returned by Ack and Release for a job the queue no
	// longer holds, for example after its lease expired and another worker
	// finished it.
	ErrNotClaimed = errors.New("job not claimed")
)

const (
	defaultCapacity     = 64
	defaultPollInterval = 10 * time.Millisecond
	// DefaultLease bounds how long a claimed job stays hidden when its
	// worker neither acknowledges nor releases it.
	DefaultLease = time.Hour
)

// Job asks a worker to run one directory sync.
type Job struct {
	ID         string    `json:"id"`
	MaxUsers   int       `json:"maxUsers,omitempty"`
	Reason     string    `json:"reason"`
	Attempt    int       `json:"attempt"`
	EnqueuedAt time.Time `json:"enqueuedAt"`
	// NotBefore holds back a retried job until its delay has passed.
	NotBefore  time.Time `json:"notBefore,omitzero"`
}

func NewJob(maxUsers int, reason string) Job {
	return Job{
		ID:         ulid.Make().String(),
		MaxUsers:   maxUsers,
		Reason:     strings.TrimSpace(reason),
		Attempt:    1,
		EnqueuedAt: time.Now().UTC(),
	}
}

// Queue delivers jobs at least once. Dequeue claims a job without removing
// it: the job stays queued, hidden from other consumers, until Ack removes it
// or Release hands it back. A claim that is neither acknowledged nor released
// expires after the queue's lease, so a job held by a process that died is
// delivered again.
//
// TryEnqueue never blocks and accepts a job whose ID is already queued
// without adding it twice. Enqueue waits for room until ctx is done. Dequeue
// blocks until a job is ready or ctx is done, and reports false in the latter
// case. Depth and Capacity count claimed and delayed jobs.
type Queue interface {
	TryEnqueue(job Job) bool
	Enqueue(ctx context.Context, job Job) bool
	Dequeue(ctx context.Context) (Job, bool)
	Ack(job Job) error
	// Release replaces the stored copy of a claimed job with job and makes
	// it deliverable again from job.NotBefore.
	Release(job Job) error
	Depth() int
	Capacity() int
	Snapshot() []Job
	Close() error
}

// queuedJob is a job plus the claim held on it.
type queuedJob struct {
	Job
	LeaseUntil time.Time `json:"leaseUntil,omitzero"`
}

// readyAt is when the job can next be claimed.
func (q queuedJob) readyAt() time.Time {
	if q.LeaseUntil.After(q.NotBefore) {
		return q.LeaseUntil
	}
	return q.NotBefore
}

// localQueue holds jobs in process memory in arrival order. The memory and
// file backends differ only in persist.
type localQueue struct {
	mu       sync.Mutex
	items    []queuedJob
	capacity int
	lease    time.Duration
	persist  func([]queuedJob) error
	now      func() time.Time
	// wake nudges one waiting Dequeue after a change.
	wake     chan struct{}
}

func newLocalQueue(capacity int, items []queuedJob, persist func([]queuedJob) error) *localQueue {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &localQueue{
		items:    items,
		capacity: capacity,
		lease:    DefaultLease,
		persist:  persist,
		now:      time.Now,
		wake:     make(chan struct{}, 1),
	}
}

// commitLocked persists next and installs it. The queue is unchanged when
// persisting fails.
func (q *localQueue) commitLocked(next []queuedJob) error {
	if q.persist != nil {
		if err := q.persist(next); err != nil {
			return err
		}
	}
	q.items = next
	select {
	case q.wake <- struct{}{}:
	default:
	}
	return nil
}

func (q *localQueue) indexLocked(id string) int {
	for i, item := range q.items {
		if item.ID == id {
			return i
		}
	}
	return -1
}

func (q *localQueue) TryEnqueue(job Job) bool {
	if strings.TrimSpace(job.ID) == "" {
		return false
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.indexLocked(job.ID) >= 0 {
		return true
	}
	if len(q.items) >= q.capacity {
		return false
	}
	next := append(append([]queuedJob(nil), q.items...), queuedJob{Job: job})
	return q.commitLocked(next) == nil
}

func (q *localQueue) Enqueue(ctx context.Context, job Job) bool {
	return enqueueWithPoll(ctx, q, job, defaultPollInterval)
}

func (q *localQueue) Dequeue(ctx context.Context) (Job, bool) {
	for {
		job, wait, ok := q.claim()
		if ok {
			return job, true
		}
		var timer *time.Timer
		var timeout <-chan time.Time
		if wait > 0 {
			timer = time.NewTimer(wait)
			timeout = timer.C
		}
		select {
		case <-ctx.Done():
		case <-q.wake:
		case <-timeout:
		}
		if timer != nil {
			timer.Stop()
		}
		if ctx.Err() != nil {
			return Job{}, false
		}
	}
}

// claim leases the first ready job. Otherwise it reports how long until the
// next job becomes ready, or zero when there is nothing to wait for.
func (q *localQueue) claim() (Job, time.Duration, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.now()
	var wait time.Duration
	for i, item := range q.items {
		readyAt := item.readyAt()
		if !readyAt.After(now) {
			next := append([]queuedJob(nil), q.items...)
			next[i].LeaseUntil = now.Add(q.lease)
			if err := q.commitLocked(next); err != nil {
				return Job{}, defaultPollInterval * 10, false
			}
			return item.Job, 0, true
		}
		if d := readyAt.Sub(now); wait == 0 || d < wait {
			wait = d
		}
	}
	return Job{}, wait, false
}

func (q *localQueue) Ack(job Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	i := q.indexLocked(job.ID)
	if i < 0 {
		return ErrNotClaimed
	}
	next := make([]queuedJob, 0, len(q.items)-1)
	next = append(next, q.items[:i]...)
	next = append(next, q.items[i+1:]...)
	return q.commitLocked(next)
}

func (q *localQueue) Release(job Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	i := q.indexLocked(job.ID)
	if i < 0 {
		return ErrNotClaimed
	}
	next := append([]queuedJob(nil), q.items...)
	next[i] = queuedJob{Job: job}
	return q.commitLocked(next)
}

func (q *localQueue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *localQueue) Capacity() int {
	return q.capacity
}

func (q *localQueue) Snapshot() []Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	jobs := make([]Job, 0, len(q.items))
	for _, item := range q.items {
		jobs = append(jobs, item.Job)
	}
	return jobs
}

func (q *localQueue) Close() error {
	return nil
}

type memoryQueue struct {
	*localQueue
}

func NewMemoryQueue(capacity int) Queue {
	return &memoryQueue{localQueue: newLocalQueue(capacity, nil, nil)}
}

// enqueueWithPoll retries TryEnqueue until it succeeds or ctx is done.
func enqueueWithPoll(ctx context.Context, q Queue, job Job, interval time.Duration) bool {
	if strings.TrimSpace(job.ID) == "" {
		return false
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if q.TryEnqueue(job) {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}
