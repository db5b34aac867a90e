package jobs

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/bobarin/newsreel/internal/models"
	"github.com/bobarin/newsreel/internal/storage"
	"github.com/google/uuid"
)

// DefaultRetention is how long a finished job stays readable before the
// registry drops it.
const DefaultRetention = time.Hour

// QueuedMessage is the status message of an accepted job no worker has
// started yet.
const QueuedMessage = "queued"

var (
	ErrInvalidTransition = errors.New("invalid job state transition")
	ErrInvalidSpec       = errors.New("invalid job spec")
	ErrNotFound          = errors.New("job not found")
)

// Spec is what a job generates from: a keyword to research, or a ready
// storyboard. Exactly one is set.
type Spec struct {
	Keyword string
	Story   *models.StoryboardDocument
}

func (s Spec) Validate() error {
	hasKeyword := strings.TrimSpace(s.Keyword) != ""
	hasStory := s.Story != nil
	switch {
	case hasKeyword && hasStory:
		return fmt.Errorf("%w: provide either keyword or story, not both", ErrInvalidSpec)
	case !hasKeyword && !hasStory:
		return fmt.Errorf("%w: keyword or story is required", ErrInvalidSpec)
	case hasStory && len(s.Story.Paragraphs) == 0:
		return fmt.Errorf("%w: story has no paragraphs", ErrInvalidSpec)
	}
	return nil
}

func (s Spec) Kind() models.JobKind {
	if s.Story != nil {
		return models.JobKindStory
	}
	return models.JobKindKeyword
}

// Job is one generation request and its lifecycle:
// idle -> generating -> completed | error. Reading a completed status
// returns the job to idle.
type Job struct {
	mu         sync.Mutex
	id         string
	spec       Spec
	state      models.JobState
	result     *models.JobResult
	message    string
	createdAt  time.Time
	startedAt  time.Time
	finishedAt time.Time
}

func newJob(id string, spec Spec) *Job {
	return &Job{id: id, spec: spec, state: models.JobStateIdle, createdAt: time.Now()}
}

func (j *Job) ID() string { return j.id }

func (j *Job) Spec() Spec { return j.spec }

func (j *Job) State() models.JobState {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

func (j *Job) transition(from, to models.JobState) error {
	if j.state != from {
		return fmt.Errorf("%w: job %s is %s, cannot move to %s", ErrInvalidTransition, j.id, j.state, to)
	}
	j.state = to
	return nil
}

// Begin moves an idle job to generating.
func (j *Job) Begin() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.transition(models.JobStateIdle, models.JobStateGenerating); err != nil {
		return err
	}
	j.result = nil
	j.message = ""
	j.startedAt = time.Now()
	j.finishedAt = time.Time{}
	return nil
}

// Complete records the result of a generating job.
func (j *Job) Complete(result *models.JobResult) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.transition(models.JobStateGenerating, models.JobStateCompleted); err != nil {
		return err
	}
	j.result = result
	j.finishedAt = time.Now()
	return nil
}

// Fail records why a generating job stopped.
func (j *Job) Fail(cause error) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.transition(models.JobStateGenerating, models.JobStateError); err != nil {
		return err
	}
	if cause != nil {
		j.message = cause.Error()
	}
	j.finishedAt = time.Now()
	return nil
}

// status reports the job and consumes a completed result.
func (j *Job) status() models.JobStatusResponse {
	j.mu.Lock()
	defer j.mu.Unlock()

	resp := models.JobStatusResponse{JobID: j.id, Status: j.state}
	switch j.state {
	case models.JobStateCompleted:
		resp.Result = j.result
		j.state = models.JobStateIdle
		j.result = nil
	case models.JobStateError:
		resp.Message = j.message
	case models.JobStateGenerating:
		resp.Message = fmt.Sprintf("generating since %s", j.startedAt.UTC().Format(time.RFC3339))
	case models.JobStateIdle:
		if j.startedAt.IsZero() {
			resp.Message = QueuedMessage
		}
	}
	return resp
}

// expired reports whether the job finished more than ttl before now.
// Queued and running jobs never expire.
func (j *Job) expired(now time.Time, ttl time.Duration) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state == models.JobStateGenerating || j.finishedAt.IsZero() {
		return false
	}
	return now.Sub(j.finishedAt) > ttl
}

// Registry owns every job known to this process. Finished jobs are
// dropped once they are older than the retention period.
type Registry struct {
	mu        sync.RWMutex
	jobs      map[string]*Job
	retention time.Duration
	lastPrune time.Time
	now       func() time.Time
}

func NewRegistry() *Registry {
	return NewRegistryWithRetention(DefaultRetention)
}

func NewRegistryWithRetention(retention time.Duration) *Registry {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Registry{
		jobs:      make(map[string]*Job),
		retention: retention,
		now:       time.Now,
	}
}

// Create registers a new idle job for spec under a fresh id.
func (r *Registry) Create(spec Spec) (*Job, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	job := newJob(uuid.New().String(), spec)

	r.mu.Lock()
	r.pruneLocked()
	r.jobs[job.id] = job
	r.mu.Unlock()
	return job, nil
}

// Get returns the job with id.
func (r *Registry) Get(id string) (*Job, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	job, ok := r.jobs[id]
	return job, ok
}

// Adopt returns the job registered under id, registering it with spec if
// this process has not seen it. Jobs created by another process arrive
// this way through the shared queue.
func (r *Registry) Adopt(id string, spec Spec) (*Job, error) {
	if err := storage.ValidateJobID(id); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSpec, err)
	}
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.pruneLocked()
	if job, ok := r.jobs[id]; ok {
		return job, nil
	}
	job := newJob(id, spec)
	r.jobs[id] = job
	return job, nil
}

// Status reports a job's state. The first read of a completed job returns
// its result and resets the job to idle; error states stay readable.
func (r *Registry) Status(id string) (models.JobStatusResponse, error) {
	job, ok := r.Get(id)
	if !ok {
		return models.JobStatusResponse{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return job.status(), nil
}

// Prune drops every job that finished longer ago than the retention
// period and returns how many were removed.
func (r *Registry) Prune() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastPrune = time.Time{}
	return r.pruneLocked()
}

// pruneLocked sweeps at most once per quarter of the retention period.
func (r *Registry) pruneLocked() int {
	now := r.now()
	if !r.lastPrune.IsZero() && now.Sub(r.lastPrune) < r.retention/4 {
		return 0
	}
	r.lastPrune = now

	removed := 0
	for id, job := range r.jobs {
		if job.expired(now, r.retention) {
			delete(r.jobs, id)
			removed++
		}
	}
	return removed
}

// Len returns how many jobs are registered.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.jobs)
}
