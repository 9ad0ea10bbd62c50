package retention

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Runner fires the Cleaner on a cron schedule until its context ends.
type Runner struct {
	cron     *cron.Cron
	spec     string
	schedule cron.Schedule
	cleaner  *Cleaner
	logger   zerolog.Logger
	now      func() time.Time
}

// NewRunner parses spec (standard five-field cron or a descriptor such as
// "@hourly") and binds it to cleaner. Overlapping runs are skipped.
func NewRunner(spec string, cleaner *Cleaner, logger zerolog.Logger) (*Runner, error) {
	schedule, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, fmt.Errorf("parse cleanup spec %q: %w", spec, err)
	}
	log := logger.With().Str("component", "retention_cron").Logger()
	return &Runner{
		cron: cron.New(
			cron.WithLocation(time.UTC),
			cron.WithChain(cron.SkipIfStillRunning(cron.PrintfLogger(&log))),
		),
		spec:     spec,
		schedule: schedule,
		cleaner:  cleaner,
		logger:   log,
		now:      func() time.Time { return time.Now().UTC() },
	}, nil
}

// Next returns the first scheduled run after t.
func (r *Runner) Next(t time.Time) time.Time {
	return r.schedule.Next(t)
}

// Run blocks until ctx is cancelled, running cleanup at every scheduled time.
func (r *Runner) Run(ctx context.Context) error {
	r.cron.Schedule(r.schedule, cron.FuncJob(func() {
		if _, err := r.cleaner.Run(ctx, r.now()); err != nil && ctx.Err() == nil {
			r.logger.Error().Err(err).Msg("scheduled cleanup finished with errors")
		}
	}))

	r.cron.Start()
	r.logger.Info().Str("spec", r.spec).Time("next", r.Next(r.now())).Msg("cleanup cron started")

	<-ctx.Done()
	stopped := r.cron.Stop()
	<-stopped.Done()
	r.logger.Info().Msg("cleanup cron stopped")
	return ctx.Err()
}
