// Package scheduler provides scheduling logic for TradeBridge.
//
// Scheduler runs recurring jobs (the marketplace poll) from cron expressions, and
// SimpleTimer runs one-shot delayed tasks such as poll retries.
package scheduler

import (
	"log/slog"

	"github.com/robfig/cron/v3"
)

// EntryID identifies a scheduled job.
type EntryID = cron.EntryID

// Scheduler provides cron-based job scheduling.
type Scheduler struct {
	cron *cron.Cron
}

// NewScheduler creates and starts a cron scheduler.
// Overlapping runs of the same job are skipped and panics are recovered.
func NewScheduler() *Scheduler {
	// 5-field cron plus descriptors such as "@every 1m"
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	logger := cron.PrintfLogger(slog.NewLogLogger(slog.Default().Handler(), slog.LevelWarn))
	c := cron.New(
		cron.WithParser(parser),
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	c.Start()
	return &Scheduler{cron: c}
}

// AddJob schedules a task using the provided cron expression.
// It returns an error if the expression is invalid.
func (s *Scheduler) AddJob(expr string, task func()) (EntryID, error) {
	id, err := s.cron.AddFunc(expr, task)
	if err != nil {
		slog.Error("Scheduler.AddJob: invalid schedule", "expr", expr, "error", err)
		return 0, err
	}
	slog.Debug("Scheduler.AddJob: job scheduled", "expr", expr, "entry_id", id)
	return id, nil
}

// Remove unschedules a job. Running invocations are not interrupted.
func (s *Scheduler) Remove(id EntryID) {
	s.cron.Remove(id)
}

// Len returns the number of scheduled jobs.
func (s *Scheduler) Len() int {
	return len(s.cron.Entries())
}

// Stop stops the cron scheduler and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	slog.Debug("Scheduler.Stop: scheduler stopped")
}
