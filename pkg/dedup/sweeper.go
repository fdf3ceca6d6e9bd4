package dedup

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

const sweepTimeout = time.Minute

// Sweeper prunes expired dedup records on a cron schedule.
type Sweeper struct {
	cron      *cron.Cron
	pruner    Pruner
	retention time.Duration
	now       func() time.Time
	log       *slog.Logger
}

// NewSweeper parses a standard five-field cron schedule.
func NewSweeper(schedule string, pruner Pruner, retention time.Duration, log *slog.Logger) (*Sweeper, error) {
	if log == nil {
		log = slog.Default()
	}

	s := &Sweeper{
		cron:      cron.New(),
		pruner:    pruner,
		retention: retention,
		now:       time.Now,
		log:       log,
	}
	if _, err := s.cron.AddFunc(schedule, s.sweep); err != nil {
		return nil, fmt.Errorf("parse prune schedule %q: %w", schedule, err)
	}

	return s, nil
}

// Start runs the schedule until ctx is cancelled.
func (s *Sweeper) Start(ctx context.Context) {
	s.cron.Start()
	s.log.Info("Dedup sweeper started", "retention", s.retention)

	go func() {
		<-ctx.Done()
		<-s.cron.Stop().Done()
	}()
}

func (s *Sweeper) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
	defer cancel()

	cutoff := s.now().Add(-s.retention)
	removed, err := s.pruner.Prune(ctx, cutoff)
	if err != nil {
		s.log.Error("Dedup prune failed", "error", err)
		return
	}

	s.log.Info("Dedup records pruned", "removed", removed, "cutoff", cutoff.UTC().Format(time.RFC3339))
}
