package daemon

import (
	"fmt"
	"sort"
	"sync"

	"github.com/adhocore/gronx"

	"github.com/openviber/openviber/pkg/protocol"
)

// JobStore holds the scheduled jobs loaded on this node. Schedules are
// cron expressions validated on every add.
type JobStore struct {
	mu   sync.RWMutex
	jobs map[string]protocol.JobDescriptor
	cron *gronx.Gronx
}

// NewJobStore creates an empty job store.
func NewJobStore() *JobStore {
	return &JobStore{
		jobs: make(map[string]protocol.JobDescriptor),
		cron: gronx.New(),
	}
}

// Add validates and installs a job; a pushed job replaces one with the
// same name.
func (s *JobStore) Add(job protocol.JobDescriptor) error {
	if job.Name == "" {
		return fmt.Errorf("jobs: job needs a name")
	}
	if job.Prompt == "" {
		return fmt.Errorf("jobs: job %s needs a prompt", job.Name)
	}
	if !s.cron.IsValid(job.Schedule) {
		return fmt.Errorf("jobs: job %s has invalid schedule %q", job.Name, job.Schedule)
	}

	s.mu.Lock()
	s.jobs[job.Name] = job
	s.mu.Unlock()
	return nil
}

// List returns the loaded jobs ordered by name.
func (s *JobStore) List() []protocol.JobDescriptor {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]protocol.JobDescriptor, 0, len(s.jobs))
	for _, job := range s.jobs {
		out = append(out, job)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
