package coordinator

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"LocalMR/internal/logger"
	"LocalMR/internal/types"
)

// Journal records job transitions outside the coordinator, e.g. the ledger.
type Journal interface {
	RecordJob(rec types.JobRecord) error
	Forget(jobID string) error
}

// Config configures a Coordinator.
type Config struct {
	Journal Journal        // optional
	Logger  *logger.Logger // defaults to INFO on stderr
}

// trackedJob is the type-erased view the coordinator keeps of a job.
type trackedJob interface {
	record() types.JobRecord
	cancelJob()
}

// Coordinator owns every submitted job and drives it through its phases.
type Coordinator struct {
	mu      sync.RWMutex
	jobs    map[string]trackedJob
	closed  bool
	wg      sync.WaitGroup
	journal Journal
	logger  *logger.Logger
}

// New creates a coordinator.
func New(cfg Config) *Coordinator {
	lg := cfg.Logger
	if lg == nil {
		lg = logger.New("INFO")
	}
	lg = lg.Named("coordinator")

	return &Coordinator{
		jobs:    make(map[string]trackedJob),
		journal: cfg.Journal,
		logger:  lg,
	}
}

// ErrClosed is returned by Submit after Close.
var ErrClosed = errors.New("coordinator is closed")

// register adds a job unless the coordinator is closed.
func (c *Coordinator) register(id string, j trackedJob) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}
	c.jobs[id] = j
	c.wg.Add(1)
	return nil
}

func (c *Coordinator) record(rec types.JobRecord) {
	if c.journal == nil {
		return
	}
	if err := c.journal.RecordJob(rec); err != nil {
		c.logger.Warn("Failed to journal job: job_id=%s phase=%s err=%v", rec.ID, rec.Phase, err)
	}
}

// Status returns the current record of a job.
func (c *Coordinator) Status(jobID string) (types.JobRecord, error) {
	c.mu.RLock()
	j, exists := c.jobs[jobID]
	c.mu.RUnlock()

	if !exists {
		return types.JobRecord{}, fmt.Errorf("job not found: %s", jobID)
	}
	return j.record(), nil
}

// Jobs returns every job's record, oldest first.
func (c *Coordinator) Jobs() []types.JobRecord {
	c.mu.RLock()
	recs := make([]types.JobRecord, 0, len(c.jobs))
	for _, j := range c.jobs {
		recs = append(recs, j.record())
	}
	c.mu.RUnlock()

	sort.Slice(recs, func(i, k int) bool {
		if recs[i].Submitted.Equal(recs[k].Submitted) {
			return recs[i].ID < recs[k].ID
		}
		return recs[i].Submitted.Before(recs[k].Submitted)
	})
	return recs
}

// Cancel fails a running job. It is a no-op for finished jobs.
func (c *Coordinator) Cancel(jobID string) error {
	c.mu.RLock()
	j, exists := c.jobs[jobID]
	c.mu.RUnlock()

	if !exists {
		return fmt.Errorf("job not found: %s", jobID)
	}
	j.cancelJob()
	return nil
}

// Forget drops a finished job from the registry and the journal.
func (c *Coordinator) Forget(jobID string) error {
	c.mu.Lock()
	j, exists := c.jobs[jobID]
	if !exists {
		c.mu.Unlock()
		return fmt.Errorf("job not found: %s", jobID)
	}
	if !j.record().Phase.Terminal() {
		c.mu.Unlock()
		return fmt.Errorf("job %s is still running", jobID)
	}
	delete(c.jobs, jobID)
	c.mu.Unlock()

	if c.journal != nil {
		if err := c.journal.Forget(jobID); err != nil {
			return fmt.Errorf("failed to forget job %s in journal: %w", jobID, err)
		}
	}
	return nil
}

// Close cancels every running job and waits for all of them to finish.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	c.closed = true
	running := make([]trackedJob, 0, len(c.jobs))
	for _, j := range c.jobs {
		running = append(running, j)
	}
	c.mu.Unlock()

	for _, j := range running {
		j.cancelJob()
	}
	c.wg.Wait()
	return nil
}
