// Package maintenance runs the kernel's periodic housekeeping jobs — today
// just the journal sweep (§4.21) — on a robfig/cron/v3 schedule, the same
// library the teacher's own internal/cron package parses schedules with.
package maintenance

import (
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/haasonsaas/nexuskernel/internal/observability"
)

// Sweepable is the narrow Journal surface the sweeper needs.
type Sweepable interface {
	Sweep(now time.Time) int
}

// JournalSweeper periodically invokes Journal.Sweep on cfg.Cron's
// schedule, dropping journal entries whose retention policy has expired.
type JournalSweeper struct {
	journal Sweepable
	log     *slog.Logger
	cron    *cron.Cron
	metrics *observability.Metrics
}

// WithMetrics attaches Prometheus instrumentation for swept-entry counts.
func (s *JournalSweeper) WithMetrics(m *observability.Metrics) *JournalSweeper {
	s.metrics = m
	return s
}

// NewJournalSweeper builds a sweeper for journal. Start takes a standard
// five- or six-field cron expression (or one of robfig/cron's "@every 1h"
// style descriptors).
func NewJournalSweeper(journal Sweepable, log *slog.Logger) *JournalSweeper {
	if log == nil {
		log = slog.Default()
	}
	return &JournalSweeper{
		journal: journal,
		log:     log,
		cron:    cron.New(cron.WithParser(cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor))),
	}
}

// Start schedules the sweep job and begins running it in the background.
// It is a no-op if no schedule was configured.
func (s *JournalSweeper) Start(schedule string) error {
	if schedule == "" {
		return nil
	}
	_, err := s.cron.AddFunc(schedule, func() {
		removed := s.journal.Sweep(time.Now())
		if removed > 0 {
			s.log.Info("journal sweep removed expired entries", "count", removed)
		}
		if s.metrics != nil {
			s.metrics.RecordSweep(removed)
		}
	})
	if err != nil {
		return err
	}
	s.cron.Start()
	return nil
}

// Stop halts the scheduler and waits for any in-flight sweep to finish.
func (s *JournalSweeper) Stop() {
	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
}
