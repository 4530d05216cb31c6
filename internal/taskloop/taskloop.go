// Package taskloop implements TaskLoop (§4.14): a deterministic scheduler of
// periodic jobs, each with its own ticker, a cross-process lock against
// overlap, a per-run timeout race, and bounded retry.
package taskloop

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/avast/retry-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"farmengine/internal/apperr"
	"farmengine/internal/kv"
)

// Metrics is the subset of prometheus collectors TaskLoop records to.
type Metrics struct {
	RunsTotal   *prometheus.CounterVec
	RunDuration *prometheus.HistogramVec
}

// Job describes one periodic unit of work.
type Job struct {
	Name          string
	Interval      time.Duration
	Timeout       time.Duration
	RetryAttempts uint
	Enabled       bool
	Run           func(ctx context.Context) error

	// CronSpec, if non-empty, makes this job wall-clock-window driven (the
	// statsReset special case) instead of ticker driven.
	CronSpec string
}

// Loop drives every registered Job on its own timer.
type Loop struct {
	locks *kv.LockManager
	met   *Metrics
	log   zerolog.Logger

	cron    *cron.Cron
	cancels []context.CancelFunc
	jobs    []Job
}

// New constructs a Loop.
func New(locks *kv.LockManager, met *Metrics, log zerolog.Logger) *Loop {
	return &Loop{locks: locks, met: met, log: log.With().Str("component", "taskloop").Logger(), cron: cron.New()}
}

// Register adds job to the loop; it takes effect on the next Start.
func (l *Loop) Register(job Job) {
	l.jobs = append(l.jobs, job)
}

// Start launches every enabled job's timer (ticker or cron) until ctx is
// cancelled or Stop is called.
func (l *Loop) Start(ctx context.Context) {
	for _, job := range l.jobs {
		if !job.Enabled {
			continue
		}
		job := job
		if job.CronSpec != "" {
			spec := job.CronSpec
			_, _ = l.cron.AddFunc(spec, func() { l.dispatch(ctx, job) })
			continue
		}
		jobCtx, cancel := context.WithCancel(ctx)
		l.cancels = append(l.cancels, cancel)
		go l.runTicker(jobCtx, job)
	}
	l.cron.Start()
}

// Stop cancels every running ticker goroutine and the cron scheduler.
func (l *Loop) Stop() {
	for _, cancel := range l.cancels {
		cancel()
	}
	l.cancels = nil
	ctx := l.cron.Stop()
	<-ctx.Done()
}

func (l *Loop) runTicker(ctx context.Context, job Job) {
	ticker := time.NewTicker(job.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.dispatch(ctx, job)
		}
	}
}

// dispatch acquires the job's cross-run lock, races the run against its
// timeout, retries per job.RetryAttempts, and records outcome metrics.
func (l *Loop) dispatch(ctx context.Context, job Job) {
	start := time.Now()
	resource := fmt.Sprintf("scheduler:%s", job.Name)
	lockOpts := kv.LockOptions{TTL: job.Timeout + 5*time.Second, Attempts: 1}

	outcome := "ok"
	err := l.locks.WithLock(ctx, resource, "taskloop", lockOpts, func(ctx context.Context) error {
		runCtx, cancel := context.WithTimeout(ctx, job.Timeout)
		defer cancel()

		attempts := job.RetryAttempts
		if attempts == 0 {
			attempts = 1
		}
		return retry.Do(
			func() error {
				done := make(chan error, 1)
				go func() { done <- job.Run(runCtx) }()
				select {
				case err := <-done:
					return err
				case <-runCtx.Done():
					return fmt.Errorf("taskloop: job %s: %w", job.Name, apperr.ErrTaskTimeout)
				}
			},
			retry.Attempts(attempts),
			retry.Context(ctx),
			retry.LastErrorOnly(true),
		)
	})

	switch {
	case err == nil:
		outcome = "ok"
	case errors.Is(err, kv.ErrLockHeld):
		outcome = "skipped_locked"
	case errors.Is(err, apperr.ErrTaskTimeout):
		outcome = "timeout"
	default:
		outcome = "error"
	}

	dur := time.Since(start)
	if l.met != nil && l.met.RunsTotal != nil {
		l.met.RunsTotal.WithLabelValues(job.Name, outcome).Inc()
	}
	if l.met != nil && l.met.RunDuration != nil {
		l.met.RunDuration.WithLabelValues(job.Name).Observe(dur.Seconds())
	}

	logEvt := l.log.Info()
	if outcome == "error" || outcome == "timeout" {
		logEvt = l.log.Warn()
	}
	logEvt.Str("job", job.Name).Str("outcome", outcome).Dur("duration", dur).Msg("task run finished")
}
