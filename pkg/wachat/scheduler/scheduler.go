// Package scheduler runs periodic maintenance jobs for the bot using
// robfig/cron. Jobs are registered by name before or after Start; a job
// that is still running when its schedule fires again is skipped.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultJobTimeout bounds a single job execution.
const DefaultJobTimeout = 5 * time.Minute

// JobFunc is the work performed when a job fires.
type JobFunc func(ctx context.Context) error

// Job is a named cron entry.
type Job struct {
	Name     string
	Schedule string
	Run      JobFunc

	LastRunAt time.Time
	LastError string
	Runs      int
}

// JobInfo is a snapshot of a job's state.
type JobInfo struct {
	Name      string    `json:"name"`
	Schedule  string    `json:"schedule"`
	LastRunAt time.Time `json:"last_run_at"`
	NextRunAt time.Time `json:"next_run_at"`
	LastError string    `json:"last_error,omitempty"`
	Runs      int       `json:"runs"`
}

// Scheduler manages maintenance jobs.
type Scheduler struct {
	jobs    map[string]*Job
	cron    *cron.Cron
	cronIDs map[string]cron.EntryID

	// runningJobs prevents overlapping runs of the same job.
	runningJobs map[string]bool

	jobTimeout time.Duration

	logger *slog.Logger
	mu     sync.RWMutex
	ctx    context.Context
	cancel context.CancelFunc
}

// parser accepts an optional seconds field and descriptors like @daily.
var parser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// New creates a scheduler. Call Start to begin firing jobs.
func New(logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		jobs:        make(map[string]*Job),
		cron:        cron.New(cron.WithParser(parser)),
		cronIDs:     make(map[string]cron.EntryID),
		runningJobs: make(map[string]bool),
		jobTimeout:  DefaultJobTimeout,
		logger:      logger.With("component", "scheduler"),
		ctx:         context.Background(),
	}
}

// SetJobTimeout overrides the per-job timeout.
func (s *Scheduler) SetJobTimeout(d time.Duration) {
	if d > 0 {
		s.mu.Lock()
		s.jobTimeout = d
		s.mu.Unlock()
	}
}

// Add registers a job. The schedule is validated immediately.
func (s *Scheduler) Add(name, schedule string, fn JobFunc) error {
	if name == "" {
		return fmt.Errorf("job name is required")
	}
	if schedule == "" {
		return fmt.Errorf("job schedule is required")
	}
	if fn == nil {
		return fmt.Errorf("job %q has no function", name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[name]; exists {
		return fmt.Errorf("job %q already exists", name)
	}

	job := &Job{Name: name, Schedule: schedule, Run: fn}
	entryID, err := s.cron.AddFunc(schedule, func() { s.executeJob(job) })
	if err != nil {
		return fmt.Errorf("invalid schedule %q: %w", schedule, err)
	}
	s.cronIDs[name] = entryID
	s.jobs[name] = job

	s.logger.Info("job added", "name", name, "schedule", schedule)
	return nil
}

// Remove deletes a job by name.
func (s *Scheduler) Remove(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[name]; !exists {
		return fmt.Errorf("job %q not found", name)
	}
	if entryID, ok := s.cronIDs[name]; ok {
		s.cron.Remove(entryID)
		delete(s.cronIDs, name)
	}
	delete(s.jobs, name)

	s.logger.Info("job removed", "name", name)
	return nil
}

// List returns a snapshot of every job sorted by name.
func (s *Scheduler) List() []JobInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]JobInfo, 0, len(s.jobs))
	for name, j := range s.jobs {
		info := JobInfo{
			Name:      j.Name,
			Schedule:  j.Schedule,
			LastRunAt: j.LastRunAt,
			LastError: j.LastError,
			Runs:      j.Runs,
		}
		if id, ok := s.cronIDs[name]; ok {
			info.NextRunAt = s.cron.Entry(id).Next
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Name < out[k].Name })
	return out
}

// RunNow executes a job synchronously, honoring the overlap guard.
func (s *Scheduler) RunNow(name string) error {
	s.mu.RLock()
	job, ok := s.jobs[name]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("job %q not found", name)
	}
	return s.executeJob(job)
}

// Start begins firing jobs. Jobs are cancelled when ctx is done.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx, s.cancel = context.WithCancel(ctx)
	count := len(s.jobs)
	s.mu.Unlock()

	s.cron.Start()
	s.logger.Info("scheduler started", "jobs", count)
}

// Stop halts the cron loop and waits briefly for running jobs.
func (s *Scheduler) Stop() {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-time.After(10 * time.Second):
		s.logger.Warn("scheduler stop timed out")
	}
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()
	s.logger.Info("scheduler stopped")
}

// ErrAlreadyRunning is returned by RunNow when the job is mid-run.
var ErrAlreadyRunning = errors.New("job already running")

func (s *Scheduler) executeJob(job *Job) (err error) {
	s.mu.Lock()
	if s.runningJobs[job.Name] {
		s.mu.Unlock()
		s.logger.Warn("skipping job (already running)", "name", job.Name)
		return ErrAlreadyRunning
	}
	s.runningJobs[job.Name] = true
	parent, timeout := s.ctx, s.jobTimeout
	s.mu.Unlock()

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			s.logger.Error("scheduled job panicked", "name", job.Name, "panic", r)
		}

		s.mu.Lock()
		delete(s.runningJobs, job.Name)
		job.LastRunAt = start
		job.Runs++
		job.LastError = ""
		if err != nil {
			job.LastError = err.Error()
		}
		s.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	s.logger.Debug("executing job", "name", job.Name)
	if err = job.Run(ctx); err != nil {
		s.logger.Error("job failed", "name", job.Name, "error", err, "duration", time.Since(start))
		return err
	}
	s.logger.Debug("job completed", "name", job.Name, "duration", time.Since(start))
	return nil
}
