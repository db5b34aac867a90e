package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"runtime/debug"
	"time"

	"github.com/bobarin/newsreel/internal/jobs"
	"github.com/bobarin/newsreel/internal/models"
	"github.com/bobarin/newsreel/internal/queue"
	"github.com/google/uuid"
)

const dequeueTimeout = 5 * time.Second

// Runner executes one job. *pipeline.Pipeline implements it.
type Runner interface {
	Run(ctx context.Context, jobID string, spec jobs.Spec) (*models.JobResult, error)
}

// Recorder mirrors job lifecycle into durable history. *db.DB implements it.
type Recorder interface {
	CreateJob(ctx context.Context, job *models.JobRecord) error
	UpdateJobStatus(ctx context.Context, id uuid.UUID, state models.JobState) error
	UpdateJobError(ctx context.Context, id uuid.UUID, errorMessage string) error
	CompleteJob(ctx context.Context, id uuid.UUID, result *models.JobResult) error
}

type Worker struct {
	registry *jobs.Registry
	queue    queue.JobQueue
	runner   Runner
	recorder Recorder // nil when job history is disabled
}

func New(registry *jobs.Registry, q queue.JobQueue, runner Runner, recorder Recorder) *Worker {
	return &Worker{
		registry: registry,
		queue:    q,
		runner:   runner,
		recorder: recorder,
	}
}

// Start runs concurrency job loops and blocks until ctx is cancelled.
func (w *Worker) Start(ctx context.Context, concurrency int) {
	if concurrency < 1 {
		concurrency = 1
	}
	log.Printf("[Worker] Started with concurrency: %d", concurrency)

	done := make(chan struct{})
	for i := 0; i < concurrency; i++ {
		go func() {
			w.processQueue(ctx, queue.QueueRunJob)
			done <- struct{}{}
		}()
	}

	<-ctx.Done()
	log.Println("[Worker] Shutting down...")
	for i := 0; i < concurrency; i++ {
		<-done
	}
}

func (w *Worker) processQueue(ctx context.Context, queueName string) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		qjob, err := w.queue.Dequeue(ctx, queueName, dequeueTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("[Worker] Error dequeuing from %s: %v", queueName, err)
			time.Sleep(time.Second)
			continue
		}
		if qjob == nil {
			continue // No job available, retry
		}

		if err := w.Handle(ctx, qjob); err != nil {
			log.Printf("[Worker] Job %s failed: %v", qjob.ID, err)
		}
	}
}

// Handle runs one queued job through its lifecycle.
func (w *Worker) Handle(ctx context.Context, qjob *queue.Job) error {
	spec, err := specFromQueue(qjob)
	if err != nil {
		w.failRegistered(qjob.ID, err)
		return err
	}
	job, err := w.registry.Adopt(qjob.ID, spec)
	if err != nil {
		w.failRegistered(qjob.ID, err)
		return err
	}
	if err := job.Begin(); err != nil {
		return err
	}

	log.Printf("[Worker] Processing job %s (type: %s)", job.ID(), qjob.Type)
	w.recordStart(ctx, job)

	result, runErr := w.run(ctx, job)
	if runErr != nil {
		if err := job.Fail(runErr); err != nil {
			log.Printf("[Worker] Job %s: %v", job.ID(), err)
		}
		w.record(ctx, job.ID(), func(id uuid.UUID) error { return w.recorder.UpdateJobError(ctx, id, runErr.Error()) })
		return runErr
	}

	if err := job.Complete(result); err != nil {
		return err
	}
	w.record(ctx, job.ID(), func(id uuid.UUID) error { return w.recorder.CompleteJob(ctx, id, result) })
	log.Printf("[Worker] Job %s completed: %d/%d paragraphs rendered", job.ID(), result.Rendered, result.Paragraphs)
	return nil
}

// failRegistered moves a job this process accepted to error when its queued
// payload cannot be run, so pollers do not see it queued forever.
func (w *Worker) failRegistered(jobID string, cause error) {
	job, ok := w.registry.Get(jobID)
	if !ok {
		return
	}
	if err := job.Begin(); err != nil {
		log.Printf("[Worker] Job %s: %v", jobID, err)
		return
	}
	if err := job.Fail(cause); err != nil {
		log.Printf("[Worker] Job %s: %v", jobID, err)
	}
}

// run converts a panic in the pipeline into a job error.
func (w *Worker) run(ctx context.Context, job *jobs.Job) (result *models.JobResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[Worker] Job %s panicked: %v\n%s", job.ID(), r, debug.Stack())
			result, err = nil, fmt.Errorf("job panicked: %v", r)
		}
	}()
	result, err = w.runner.Run(ctx, job.ID(), job.Spec())
	if err == nil && result == nil {
		err = errors.New("job finished without a result")
	}
	return result, err
}

func (w *Worker) recordStart(ctx context.Context, job *jobs.Job) {
	w.record(ctx, job.ID(), func(id uuid.UUID) error {
		rec := &models.JobRecord{ID: id, Kind: job.Spec().Kind(), State: models.JobStateIdle}
		if kw := job.Spec().Keyword; kw != "" {
			rec.Keyword = &kw
		}
		if err := w.recorder.CreateJob(ctx, rec); err != nil {
			return err
		}
		return w.recorder.UpdateJobStatus(ctx, id, models.JobStateGenerating)
	})
}

// record applies fn when history is enabled. History failures never fail the job.
func (w *Worker) record(ctx context.Context, jobID string, fn func(id uuid.UUID) error) {
	if w.recorder == nil {
		return
	}
	id, err := uuid.Parse(jobID)
	if err != nil {
		return
	}
	if err := fn(id); err != nil {
		log.Printf("[Worker] Failed to record job %s: %v", jobID, err)
	}
}

func specFromQueue(qjob *queue.Job) (jobs.Spec, error) {
	switch qjob.Type {
	case queue.TypeKeyword:
		return jobs.Spec{Keyword: qjob.Keyword}, nil
	case queue.TypeStory:
		doc, err := models.ParseStoryboard(qjob.Story)
		if err != nil {
			return jobs.Spec{}, fmt.Errorf("job %s: %w", qjob.ID, err)
		}
		return jobs.Spec{Story: doc}, nil
	default:
		return jobs.Spec{}, fmt.Errorf("job %s: unknown job type %q", qjob.ID, qjob.Type)
	}
}
