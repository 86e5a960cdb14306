package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// TickFunc is invoked once per window; window is the start of the window
// the tick belongs to.
type TickFunc func(ctx context.Context, window time.Time) error

// Options tune scheduler behaviour. Ticks fire Offset after the start of
// every Interval-aligned window.
type Options struct {
	Interval     time.Duration
	Offset       time.Duration
	StartupDelay time.Duration
	// RunOnStart fires one tick for the current window before waiting.
	RunOnStart bool
}

// Scheduler drives window-aligned execution of update jobs.
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
	if opts.Offset < 0 || opts.Offset >= opts.Interval {
		panic("scheduler offset must be within one interval")
	}
	return &Scheduler{
		opts:   opts,
		logger: logger.With().Str("component", "scheduler").Logger(),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Run blocks, invoking the tick function once per window until ctx is cancelled.
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

	if s.opts.RunOnStart {
		s.execute(ctx, tick, s.WindowStart(s.now()))
	}

	next := s.NextTick(s.now())
	for {
		delay := next.Sub(s.now())
		if delay < 0 {
			next = s.NextTick(s.now())
			delay = next.Sub(s.now())
		}

		timer := time.NewTimer(delay)
		s.logger.Debug().Time("next_tick", next).Msg("waiting for next window")

		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
			timer.Stop()
		}

		s.execute(ctx, tick, s.WindowStart(next))
		next = next.Add(s.opts.Interval)
	}
}

func (s *Scheduler) execute(ctx context.Context, tick TickFunc, window time.Time) {
	s.logger.Info().Time("window", window).Msg("executing scheduled tick")
	if err := tick(ctx, window); err != nil {
		s.logger.Error().Err(err).Time("window", window).Msg("tick execution failed")
	}
}

// NextTick returns the first tick strictly after now.
func (s *Scheduler) NextTick(now time.Time) time.Time {
	tick := now.Truncate(s.opts.Interval).Add(s.opts.Offset)
	if !tick.After(now) {
		tick = tick.Add(s.opts.Interval)
	}
	return tick
}

// WindowStart returns the start of the window containing t.
func (s *Scheduler) WindowStart(t time.Time) time.Time {
	return t.Truncate(s.opts.Interval)
}
