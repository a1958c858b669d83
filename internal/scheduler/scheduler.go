// Package scheduler runs periodic maintenance: retention cleanup and rescans
// of groups that have not been refreshed recently.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/blockedby/groupscan/internal/events"
	"github.com/blockedby/groupscan/internal/logger"
	"github.com/blockedby/groupscan/internal/models"
	"github.com/blockedby/groupscan/internal/repository"
	"github.com/blockedby/groupscan/internal/scanner"
)

// Cleaner deletes rows older than a cutoff.
type Cleaner interface {
	CleanupOlderThan(ctx context.Context, cutoff time.Time) (map[string]int64, error)
}

// StaleLister lists groups not updated since a time.
type StaleLister interface {
	StaleGroups(ctx context.Context, before time.Time, limit int) ([]models.Group, error)
}

// JobStarter starts scan jobs.
type JobStarter interface {
	Start(ctx context.Context, req scanner.JobRequest) (scanner.Job, error)
}

// accepts both "0 3 * * *" and "0 0 3 * * *" as well as @daily / @every
var parser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Scheduler wraps cron-based jobs.
type Scheduler struct {
	cron   *cron.Cron
	events events.Publisher
	log    *logger.Logger
	now    func() time.Time
}

// New creates a scheduler in the given location (UTC when nil).
func New(loc *time.Location, pub events.Publisher, log *logger.Logger) *Scheduler {
	if loc == nil {
		loc = time.UTC
	}
	if pub == nil {
		pub = events.Nop{}
	}
	if log == nil {
		log = logger.Get()
	}
	return &Scheduler{
		cron:   cron.New(cron.WithLocation(loc), cron.WithParser(parser)),
		events: pub,
		log:    log.Component("scheduler"),
		now:    time.Now,
	}
}

// AddRetention schedules deletion of rows older than days.
func (s *Scheduler) AddRetention(schedule string, days int, cleaner Cleaner) (cron.EntryID, error) {
	id, err := s.cron.AddFunc(schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		defer cancel()
		_, _ = s.RunRetention(ctx, days, cleaner)
	})
	if err != nil {
		return 0, fmt.Errorf("schedule retention %q: %w", schedule, err)
	}
	return id, nil
}

// RunRetention performs one cleanup pass.
func (s *Scheduler) RunRetention(ctx context.Context, days int, cleaner Cleaner) (map[string]int64, error) {
	cutoff := repository.RetentionCutoff(s.now(), days)
	removed, err := cleaner.CleanupOlderThan(ctx, cutoff)
	if err != nil {
		s.log.Error().Err(err).Msg("scheduler: retention cleanup failed")
		return removed, err
	}

	var total int64
	for _, n := range removed {
		total += n
	}
	s.log.Info().Time("cutoff", cutoff).Interface("removed", removed).Msg("scheduler: retention cleanup done")
	s.events.Publish(events.Event{Type: events.TypeRetention, Count: int(total), Complete: true})
	return removed, nil
}

// AddRescan schedules a scan job over groups not refreshed for afterHours.
func (s *Scheduler) AddRescan(schedule string, afterHours, limit int, groups StaleLister, jobs JobStarter) (cron.EntryID, error) {
	id, err := s.cron.AddFunc(schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		_, _ = s.RunRescan(ctx, afterHours, limit, groups, jobs)
	})
	if err != nil {
		return 0, fmt.Errorf("schedule rescan %q: %w", schedule, err)
	}
	return id, nil
}

// RunRescan starts one rescan job. It returns a zero job when nothing is
// stale.
func (s *Scheduler) RunRescan(ctx context.Context, afterHours, limit int, groups StaleLister, jobs JobStarter) (scanner.Job, error) {
	if afterHours <= 0 {
		afterHours = 24
	}
	before := s.now().Add(-time.Duration(afterHours) * time.Hour)

	stale, err := groups.StaleGroups(ctx, before, limit)
	if err != nil {
		s.log.Error().Err(err).Msg("scheduler: failed to list stale groups")
		return scanner.Job{}, err
	}
	if len(stale) == 0 {
		s.log.Debug().Msg("scheduler: no stale groups")
		return scanner.Job{}, nil
	}

	job, err := jobs.Start(ctx, scanner.JobRequest{Groups: scanner.Identifiers(stale)})
	if err != nil {
		s.log.Warn().Err(err).Int("groups", len(stale)).Msg("scheduler: rescan not started")
		return scanner.Job{}, err
	}
	s.log.Job(job.ID).Info().Int("groups", len(stale)).Msg("scheduler: rescan started")
	return job, nil
}

// Entries returns the number of scheduled jobs.
func (s *Scheduler) Entries() int {
	return len(s.cron.Entries())
}

func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop stops the scheduler and waits for running jobs.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}
