package scanner

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/blockedby/groupscan/internal/events"
	"github.com/blockedby/groupscan/internal/logger"
	"github.com/blockedby/groupscan/internal/models"
	"github.com/blockedby/groupscan/internal/telegram"
)

var (
	ErrTooManyJobs = errors.New("too many scan jobs running")
	ErrJobNotFound = errors.New("scan job not found")
	ErrJobFinished = errors.New("scan job already finished")
	ErrEmptyJob    = errors.New("scan job has no groups and no search")
)

// JobStatus is the lifecycle state of a scan job.
type JobStatus string

const (
	JobRunning   JobStatus = "running"
	JobPaused    JobStatus = "paused"
	JobCompleted JobStatus = "completed"
	JobStopped   JobStatus = "stopped"
	JobFailed    JobStatus = "failed"
)

// Finished reports whether the job reached a terminal state.
func (s JobStatus) Finished() bool {
	return s == JobCompleted || s == JobStopped || s == JobFailed
}

// JobRequest describes a scan job: explicit groups, a search whose hits are
// scanned, or both.
type JobRequest struct {
	Groups []string                `json:"groups,omitempty"`
	Search *telegram.SearchOptions `json:"search,omitempty"`
	Limit  int                     `json:"limit,omitempty"`
}

// Job is a snapshot of a scan job.
type Job struct {
	ID         uuid.UUID  `json:"id"`
	Status     JobStatus  `json:"status"`
	Request    JobRequest `json:"request"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Total      int        `json:"total"`
	Scanned    int        `json:"scanned"`
	Failed     int        `json:"failed"`
	Users      int        `json:"users"`
	Error      string     `json:"error,omitempty"`
}

// Runner is the part of Service a job drives.
type Runner interface {
	SearchGroups(ctx context.Context, opts telegram.SearchOptions, ctl *telegram.ScanControl) ([]models.Group, error)
	ScanBatch(ctx context.Context, identifiers []string, opts BatchOptions) ([]GroupScan, error)
}

type jobEntry struct {
	job    Job
	ctl    *telegram.ScanControl
	cancel context.CancelFunc
}

// JobManager runs scan jobs in the background, at most maxJobs at a time.
type JobManager struct {
	mu      sync.Mutex
	jobs    map[uuid.UUID]*jobEntry
	running int
	maxJobs int
	wg      sync.WaitGroup

	runner Runner
	events events.Publisher
	log    *logger.Logger
	now    func() time.Time
}

// NewJobManager creates a job manager. maxJobs <= 0 means one job.
func NewJobManager(runner Runner, pub events.Publisher, maxJobs int, log *logger.Logger) *JobManager {
	if maxJobs <= 0 {
		maxJobs = 1
	}
	if pub == nil {
		pub = events.Nop{}
	}
	if log == nil {
		log = logger.Get()
	}
	return &JobManager{
		jobs:    make(map[uuid.UUID]*jobEntry),
		maxJobs: maxJobs,
		runner:  runner,
		events:  pub,
		log:     log.Component("jobs"),
		now:     time.Now,
	}
}

// Start launches a job. It returns ErrTooManyJobs when the cap is reached.
func (m *JobManager) Start(_ context.Context, req JobRequest) (Job, error) {
	if len(req.Groups) == 0 && (req.Search == nil || len(req.Search.Keywords) == 0) {
		return Job{}, ErrEmptyJob
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running >= m.maxJobs {
		return Job{}, ErrTooManyJobs
	}

	// jobs outlive the request that started them
	ctx, cancel := context.WithCancel(context.Background())
	e := &jobEntry{
		job: Job{
			ID:        uuid.New(),
			Status:    JobRunning,
			Request:   req,
			StartedAt: m.now(),
			Total:     len(req.Groups),
		},
		ctl:    telegram.NewScanControl(),
		cancel: cancel,
	}
	m.jobs[e.job.ID] = e
	m.running++
	m.wg.Add(1)

	id := e.job.ID
	m.events.Publish(events.Event{Type: events.TypeJobStarted, JobID: &id, Count: len(req.Groups)})
	m.log.Job(id).Info().Int("groups", len(req.Groups)).Msg("jobs: started")

	go m.run(ctx, e)

	return e.job, nil
}

func (m *JobManager) run(ctx context.Context, e *jobEntry) {
	defer m.wg.Done()
	id := e.job.ID

	groups := slices.Clone(e.job.Request.Groups)
	var err error
	if s := e.job.Request.Search; s != nil && len(s.Keywords) > 0 {
		var found []models.Group
		found, err = m.runner.SearchGroups(ctx, *s, e.ctl)
		if err == nil {
			groups = append(groups, Identifiers(found)...)
		}
	}

	if err == nil {
		m.update(id, func(j *Job) { j.Total = len(groups) })
		_, err = m.runner.ScanBatch(ctx, groups, BatchOptions{
			JobID:   &id,
			Limit:   e.job.Request.Limit,
			Control: e.ctl,
			Progress: func(res GroupScan, err error) {
				m.update(id, func(j *Job) {
					j.Scanned++
					if err != nil || !res.Success {
						j.Failed++
					}
					j.Users += res.Saved
				})
			},
		})
	}

	m.finish(e, err)
}

func (m *JobManager) finish(e *jobEntry, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e.cancel()
	m.running--

	at := m.now()
	j := &e.job
	j.FinishedAt = &at
	switch {
	case err == nil:
		j.Status = JobCompleted
	case errors.Is(err, telegram.ErrStopped), errors.Is(err, context.Canceled):
		j.Status = JobStopped
	default:
		j.Status = JobFailed
		j.Error = err.Error()
	}

	id := j.ID
	m.events.Publish(events.Event{
		Type:     events.TypeJobFinished,
		JobID:    &id,
		Count:    j.Users,
		Complete: j.Status == JobCompleted,
		Error:    j.Error,
	})
	m.log.Job(id).Info().
		Str("status", string(j.Status)).
		Int("scanned", j.Scanned).
		Int("failed", j.Failed).
		Int("users", j.Users).
		Msg("jobs: finished")
}

func (m *JobManager) update(id uuid.UUID, fn func(*Job)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.jobs[id]; ok {
		fn(&e.job)
	}
}

// Stop asks a job to stop after the current page. Gathered users are kept.
func (m *JobManager) Stop(id uuid.UUID) error {
	return m.control(id, func(e *jobEntry) {
		e.ctl.Stop()
		e.ctl.Resume()
	})
}

// Pause suspends a job at its next checkpoint.
func (m *JobManager) Pause(id uuid.UUID) error {
	return m.control(id, func(e *jobEntry) {
		e.ctl.Pause()
		e.job.Status = JobPaused
		id := e.job.ID
		m.events.Publish(events.Event{Type: events.TypeJobPaused, JobID: &id})
	})
}

// Resume continues a paused job.
func (m *JobManager) Resume(id uuid.UUID) error {
	return m.control(id, func(e *jobEntry) {
		e.ctl.Resume()
		e.job.Status = JobRunning
		id := e.job.ID
		m.events.Publish(events.Event{Type: events.TypeJobResumed, JobID: &id})
	})
}

func (m *JobManager) control(id uuid.UUID, fn func(*jobEntry)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	if e.job.Status.Finished() {
		return ErrJobFinished
	}
	fn(e)
	return nil
}

// Get returns a snapshot of one job.
func (m *JobManager) Get(id uuid.UUID) (Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.jobs[id]
	if !ok {
		return Job{}, ErrJobNotFound
	}
	return e.job, nil
}

// List returns all jobs, newest first.
func (m *JobManager) List() []Job {
	m.mu.Lock()
	out := make([]Job, 0, len(m.jobs))
	for _, e := range m.jobs {
		out = append(out, e.job)
	}
	m.mu.Unlock()

	slices.SortFunc(out, func(a, b Job) int { return b.StartedAt.Compare(a.StartedAt) })
	return out
}

// Running returns the number of unfinished jobs.
func (m *JobManager) Running() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// Shutdown cancels every job and waits for them to return or for ctx.
func (m *JobManager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	for _, e := range m.jobs {
		e.cancel()
	}
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
