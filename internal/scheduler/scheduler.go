package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
)

// TickFunc is invoked on every aligned interval.
type TickFunc func(ctx context.Context, bucket time.Time) error

// Options tune scheduler behaviour.
type Options struct {
	// Name labels the job in logs.
	Name         string
	Interval     time.Duration
	AlignToStart bool
	StartupDelay time.Duration
	// MaxBackoff caps the wait after consecutive failed ticks. Zero disables
	// backoff: a failed tick is simply retried on the next interval.
	MaxBackoff time.Duration
}

// Scheduler drives aligned execution of periodic jobs.
type Scheduler struct {
	opts   Options
	logger zerolog.Logger
	now    func() time.Time
}

// New constructs a Scheduler instance.
func New(opts Options, logger zerolog.Logger) *Scheduler {
	if opts.Interval <= 0 {
		panic("scheduler interval must be positive")
	}
	if opts.Name == "" {
		opts.Name = "scheduler"
	}
	return &Scheduler{
		opts:   opts,
		logger: logger.With().Str("component", "scheduler").Str("job", opts.Name).Logger(),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Run blocks, invoking the tick function at each aligned interval until ctx is cancelled.
// After a failed tick the next run is pushed out by an exponential backoff
// that resets on the first success.
func (s *Scheduler) Run(ctx context.Context, tick TickFunc) error {
	if s.opts.StartupDelay > 0 {
		timer := time.NewTimer(s.opts.StartupDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	failures := 0
	next := s.nextTick(s.now())
	for {
		delay := next.Sub(s.now())
		if delay < 0 {
			next = s.nextTick(s.now())
			delay = next.Sub(s.now())
		}

		timer := time.NewTimer(delay)
		s.logger.Debug().Time("next_bucket", next).Msg("waiting for next bucket")

		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
			timer.Stop()
		}

		bucket := s.bucketStart(next)
		s.logger.Debug().Time("bucket", bucket).Msg("executing scheduled tick")

		err := tick(ctx, bucket)
		if err != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()) {
			return ctx.Err()
		}
		if err == nil {
			failures = 0
			next = next.Add(s.opts.Interval)
			continue
		}

		failures++
		wait := s.Backoff(failures)
		s.logger.Error().Err(err).
			Time("bucket", bucket).
			Int("consecutive_failures", failures).
			Dur("backoff", wait).
			Msg("tick execution failed")
		next = next.Add(s.opts.Interval)
		if wait > 0 {
			if resume := s.nextTick(s.now().Add(wait)); resume.After(next) {
				next = resume
			}
		}
	}
}

// Backoff returns the wait after the given number of consecutive failures:
// the interval doubled per failure beyond the first, capped at MaxBackoff.
func (s *Scheduler) Backoff(failures int) time.Duration {
	if s.opts.MaxBackoff <= 0 || failures <= 1 {
		return 0
	}
	wait := s.opts.Interval
	for i := 1; i < failures && wait < s.opts.MaxBackoff; i++ {
		wait *= 2
	}
	if wait > s.opts.MaxBackoff {
		wait = s.opts.MaxBackoff
	}
	return wait
}

func (s *Scheduler) nextTick(now time.Time) time.Time {
	if !s.opts.AlignToStart {
		return now.Add(s.opts.Interval)
	}
	bucket := now.Truncate(s.opts.Interval)
	if !bucket.After(now) {
		bucket = bucket.Add(s.opts.Interval)
	}
	return bucket
}

func (s *Scheduler) bucketStart(t time.Time) time.Time {
	if !s.opts.AlignToStart {
		return t
	}
	return t.Truncate(s.opts.Interval)
}
