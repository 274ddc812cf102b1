package maintenance

import (
	"log/slog"
	"sync/atomic"
	"testing"
	"time"
)

type countingJournal struct {
	calls atomic.Int32
}

func (j *countingJournal) Sweep(now time.Time) int {
	j.calls.Add(1)
	return 0
}

func TestStartRunsSweepOnSchedule(t *testing.T) {
	j := &countingJournal{}
	s := NewJournalSweeper(j, slog.Default())
	if err := s.Start("@every 10ms"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for j.calls.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if j.calls.Load() == 0 {
		t.Fatalf("expected at least one sweep to have run")
	}
}

func TestStartWithBlankScheduleIsNoop(t *testing.T) {
	j := &countingJournal{}
	s := NewJournalSweeper(j, slog.Default())
	if err := s.Start(""); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()

	time.Sleep(20 * time.Millisecond)
	if j.calls.Load() != 0 {
		t.Fatalf("expected no sweeps for blank schedule")
	}
}

func TestStartRejectsInvalidSchedule(t *testing.T) {
	j := &countingJournal{}
	s := NewJournalSweeper(j, slog.Default())
	if err := s.Start("not a schedule"); err == nil {
		t.Fatalf("expected error for invalid schedule")
	}
}
