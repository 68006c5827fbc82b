package baseline

import (
	"context"
	"errors"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"enviroguard-backend/internal/metrics"
	"enviroguard-backend/internal/telemetry"
)

// Scheduler drives periodic baseline refreshes, one job per key at that
// key's update frequency. Job start is staggered by a deterministic
// per-key offset so many keys sharing a frequency do not recompute in
// the same instant. A failing key is retried with exponential backoff
// and never blocks refreshes of other keys; evaluation keeps serving
// the last cached baseline in the meantime.
type Scheduler struct {
	mu         sync.Mutex
	jobs       map[telemetry.Key]*refreshJob
	queue      chan telemetry.Key
	calc       *Calculator
	ctx        context.Context
	cancel     context.CancelFunc
	jobTimeout time.Duration
	maxRetries uint64
	logger     *slog.Logger
}

type refreshJob struct {
	key   telemetry.Key
	every time.Duration
	stop  chan struct{}
}

// JobInfo is the admin-surface view of one scheduled refresh.
type JobInfo struct {
	SystemID      string `json:"system_id"`
	MetricType    string `json:"metric_type"`
	UpdateSeconds int    `json:"update_frequency_seconds"`
}

func NewScheduler(calc *Calculator, workers int, jobTimeout time.Duration, maxRetries uint64, logger *slog.Logger) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		jobs:       map[telemetry.Key]*refreshJob{},
		queue:      make(chan telemetry.Key, 128),
		calc:       calc,
		ctx:        ctx,
		cancel:     cancel,
		jobTimeout: jobTimeout,
		maxRetries: maxRetries,
		logger:     logger,
	}
	for i := 0; i < workers; i++ {
		go s.worker()
	}
	return s
}

func (s *Scheduler) Stop() {
	s.cancel()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, job := range s.jobs {
		close(job.stop)
	}
	s.jobs = map[telemetry.Key]*refreshJob{}
}

// Schedule registers or replaces the refresh job for key.
func (s *Scheduler) Schedule(key telemetry.Key, every time.Duration) {
	if every <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.jobs[key]; ok {
		close(existing.stop)
	}
	job := &refreshJob{key: key, every: every, stop: make(chan struct{})}
	s.jobs[key] = job
	go s.runTicker(job)
}

func (s *Scheduler) Unschedule(key telemetry.Key) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if job, ok := s.jobs[key]; ok {
		close(job.stop)
		delete(s.jobs, key)
	}
}

func (s *Scheduler) ListJobs() []JobInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	jobs := make([]JobInfo, 0, len(s.jobs))
	for key, job := range s.jobs {
		jobs = append(jobs, JobInfo{
			SystemID:      key.SystemID,
			MetricType:    key.MetricType,
			UpdateSeconds: int(job.every / time.Second),
		})
	}
	return jobs
}

func (s *Scheduler) runTicker(job *refreshJob) {
	// Initial fire is delayed by a per-key offset within one period to
	// spread recomputation across keys.
	initial := time.NewTimer(staggerOffset(job.key, job.every))
	defer initial.Stop()
	select {
	case <-initial.C:
		s.enqueue(job.key)
	case <-job.stop:
		return
	case <-s.ctx.Done():
		return
	}
	ticker := time.NewTicker(job.every)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.enqueue(job.key)
		case <-job.stop:
			return
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Scheduler) enqueue(key telemetry.Key) {
	select {
	case s.queue <- key:
	default:
		s.logger.Warn("baseline refresh queue full, skipping cycle", slog.String("key", key.String()))
	}
}

func (s *Scheduler) worker() {
	for {
		select {
		case key := <-s.queue:
			s.refresh(key)
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Scheduler) refresh(key telemetry.Key) {
	ctx, cancel := context.WithTimeout(s.ctx, s.jobTimeout)
	defer cancel()
	operation := func() error {
		_, err := s.calc.Recalculate(ctx, key)
		var insufficient *InsufficientDataError
		if errors.As(err, &insufficient) {
			// Low-confidence state, already cached frozen. Not retryable.
			metrics.BaselineRefreshes.WithLabelValues("insufficient_data").Inc()
			return nil
		}
		if err != nil {
			return err
		}
		metrics.BaselineRefreshes.WithLabelValues("success").Inc()
		return nil
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), s.maxRetries), ctx)
	if err := backoff.Retry(operation, policy); err != nil {
		metrics.BaselineRefreshes.WithLabelValues("error").Inc()
		s.logger.Error("baseline refresh failed",
			slog.String("key", key.String()),
			slog.String("error", err.Error()))
	}
}

// staggerOffset maps a key deterministically into [0, every). A 64-bit
// hash keeps the spread uniform for hour-scale periods, where 32 bits
// of nanoseconds would collapse every key into the first few seconds.
func staggerOffset(key telemetry.Key, every time.Duration) time.Duration {
	h := fnv.New64a()
	_, _ = h.Write([]byte(key.String()))
	return time.Duration(h.Sum64() % uint64(every))
}
