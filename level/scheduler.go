package level

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/dragonet/chainnode/metrics"
)

// Executor is the common shape every level type exposes to a Scheduler.
type Executor interface {
	Tick(ctx context.Context) error
}

// tickIntervals are the per-level cadences:
// L1 paces to its own block interval, L2-4 poll aggressively since they
// are latency-sensitive to the broadcast processor's retry window, and L5
// paces to the public chain's own block time.
var tickIntervals = map[int]time.Duration{
	1: 5 * time.Second,
	2: 1 * time.Second,
	3: 1 * time.Second,
	4: 1 * time.Second,
	5: 60 * time.Second,
}

// IntervalFor returns the tick cadence for level.
func IntervalFor(level int) time.Duration {
	if d, ok := tickIntervals[level]; ok {
		return d
	}
	return time.Second
}

// cronLogger adapts zerolog.Logger to cron.Logger.
type cronLogger struct{ log zerolog.Logger }

func (l cronLogger) Info(msg string, kv ...any) {
	l.log.Debug().Fields(kv).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Error().Err(err).Fields(kv).Msg(msg)
}

// Scheduler runs one Executor at a fixed cadence via a single-entry cron.
// DelayIfStillRunning guarantees two ticks never overlap: if a tick is
// still running when the next one is due, the next is delayed until it
// finishes rather than started concurrently; a role never runs two ticks at
// once.
type Scheduler struct {
	cron  *cron.Cron
	exec  Executor
	level int
	log   zerolog.Logger
	mtr   *metrics.Metrics
}

// NewScheduler creates a Scheduler driving exec at its level's reference
// cadence. mtr may be nil.
func NewScheduler(level int, exec Executor, log zerolog.Logger, mtr *metrics.Metrics) *Scheduler {
	clog := cronLogger{log: log}
	c := cron.New(cron.WithChain(
		cron.Recover(clog),
		cron.DelayIfStillRunning(clog),
	))
	return &Scheduler{cron: c, exec: exec, level: level, log: log, mtr: mtr}
}

// Run starts the cron entry and blocks until ctx is canceled, then stops
// it and waits for any in-flight tick to finish.
func (s *Scheduler) Run(ctx context.Context) error {
	spec := fmt.Sprintf("@every %s", IntervalFor(s.level))
	_, err := s.cron.AddFunc(spec, func() {
		start := time.Now()
		err := s.exec.Tick(ctx)
		s.mtr.ObserveTick(s.level, time.Since(start), err)
		if err != nil {
			s.log.Error().Err(err).Int("level", s.level).Msg("tick failed")
		}
	})
	if err != nil {
		return fmt.Errorf("level%d: schedule tick: %w", s.level, err)
	}

	s.cron.Start()
	<-ctx.Done()
	<-s.cron.Stop().Done()
	return nil
}
