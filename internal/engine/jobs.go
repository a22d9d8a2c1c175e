package engine

import (
	"sync"

	"github.com/bardlex/poolportal/internal/validation"
)

// maxJobs bounds the cache when the feed never sends clean jobs
const maxJobs = 16

type jobEntry struct {
	job         *validation.Job
	submissions map[string]struct{}
}

// JobCache holds the jobs miners may still submit against, with the
// submissions already seen for each of them.
type JobCache struct {
	mu      sync.Mutex
	jobs    map[string]*jobEntry
	order   []string
	current *validation.Job
}

// NewJobCache creates an empty cache
func NewJobCache() *JobCache {
	return &JobCache{jobs: make(map[string]*jobEntry)}
}

// Add makes job the current job. It reports whether older jobs were dropped,
// which happens when the job is clean or builds on a different block.
func (c *JobCache) Add(job *validation.Job) (clean bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	clean = job.CleanJobs || (c.current != nil && c.current.PrevHash != job.PrevHash)
	if clean {
		c.jobs = make(map[string]*jobEntry)
		c.order = c.order[:0]
	}

	if _, exists := c.jobs[job.ID]; !exists {
		c.order = append(c.order, job.ID)
	}
	c.jobs[job.ID] = &jobEntry{job: job, submissions: make(map[string]struct{})}
	c.current = job

	for len(c.order) > maxJobs {
		delete(c.jobs, c.order[0])
		c.order = c.order[1:]
	}
	return clean
}

// Get returns a cached job
func (c *JobCache) Get(id string) (*validation.Job, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.jobs[id]
	if !ok {
		return nil, false
	}
	return e.job, true
}

// Current returns the newest job, or nil before the first one arrives
func (c *JobCache) Current() *validation.Job {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Invalidate drops every job that does not build on tip, the display-order
// hash of the new best block, and returns how many were dropped.
func (c *JobCache) Invalidate(tip string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	dropped := 0
	kept := c.order[:0]
	for _, id := range c.order {
		if c.jobs[id].job.PrevHash == tip {
			kept = append(kept, id)
			continue
		}
		delete(c.jobs, id)
		dropped++
	}
	c.order = kept
	if c.current != nil && c.current.PrevHash != tip {
		c.current = nil
	}
	return dropped
}

// Lookup returns the job a submission targets and records the submission.
// job is nil when the job is not cached; fresh is false for a submission
// seen before.
func (c *JobCache) Lookup(jobID, key string) (job *validation.Job, fresh bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.jobs[jobID]
	if !ok {
		return nil, false
	}
	if _, dup := e.submissions[key]; dup {
		return e.job, false
	}
	e.submissions[key] = struct{}{}
	return e.job, true
}

// Len returns the number of cached jobs
func (c *JobCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.jobs)
}
