package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bobarin/newsreel/internal/jobs"
	"github.com/bobarin/newsreel/internal/models"
	"github.com/bobarin/newsreel/internal/queue"
	"github.com/google/uuid"
)

type fakeRunner struct {
	mu    sync.Mutex
	specs map[string]jobs.Spec
	err   error
	panic bool
}

func (f *fakeRunner) Run(ctx context.Context, jobID string, spec jobs.Spec) (*models.JobResult, error) {
	f.mu.Lock()
	if f.specs == nil {
		f.specs = map[string]jobs.Spec{}
	}
	f.specs[jobID] = spec
	f.mu.Unlock()
	if f.panic {
		panic("nil storyboard")
	}
	if f.err != nil {
		return nil, f.err
	}
	return &models.JobResult{FinalVideo: "final_video.mp4", Paragraphs: 1, Rendered: 1}, nil
}

type fakeRecorder struct {
	mu     sync.Mutex
	events []string
}

func (f *fakeRecorder) add(e string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, e)
}

func (f *fakeRecorder) CreateJob(ctx context.Context, job *models.JobRecord) error {
	f.add("create:" + string(job.Kind))
	return nil
}

func (f *fakeRecorder) UpdateJobStatus(ctx context.Context, id uuid.UUID, state models.JobState) error {
	f.add("status:" + string(state))
	return nil
}

func (f *fakeRecorder) UpdateJobError(ctx context.Context, id uuid.UUID, msg string) error {
	f.add("error:" + msg)
	return nil
}

func (f *fakeRecorder) CompleteJob(ctx context.Context, id uuid.UUID, result *models.JobResult) error {
	f.add("complete")
	return nil
}

func TestHandleCompletesJob(t *testing.T) {
	registry := jobs.NewRegistry()
	job, _ := registry.Create(jobs.Spec{Keyword: "harbor"})
	rec := &fakeRecorder{}
	w := New(registry, queue.NewMemory(1), &fakeRunner{}, rec)

	if err := w.Handle(context.Background(), &queue.Job{ID: job.ID(), Type: queue.TypeKeyword, Keyword: "harbor"}); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	st, _ := registry.Status(job.ID())
	if st.Status != models.JobStateCompleted || st.Result == nil {
		t.Fatalf("unexpected status %+v", st)
	}
	want := []string{"create:keyword", "status:generating", "complete"}
	if len(rec.events) != len(want) {
		t.Fatalf("events %v, want %v", rec.events, want)
	}
	for i := range want {
		if rec.events[i] != want[i] {
			t.Errorf("events %v, want %v", rec.events, want)
		}
	}
}

func TestHandleRecordsFailure(t *testing.T) {
	registry := jobs.NewRegistry()
	rec := &fakeRecorder{}
	w := New(registry, queue.NewMemory(1), &fakeRunner{err: errors.New("no articles")}, rec)
	id := uuid.NewString()

	if err := w.Handle(context.Background(), &queue.Job{ID: id, Type: queue.TypeKeyword, Keyword: "x"}); err == nil {
		t.Fatal("expected error")
	}
	st, _ := registry.Status(id)
	if st.Status != models.JobStateError || st.Message != "no articles" {
		t.Fatalf("unexpected status %+v", st)
	}
	if last := rec.events[len(rec.events)-1]; last != "error:no articles" {
		t.Errorf("unexpected last event %q", last)
	}
}

func TestHandleRecoversPanic(t *testing.T) {
	registry := jobs.NewRegistry()
	w := New(registry, queue.NewMemory(1), &fakeRunner{panic: true}, nil)
	id := uuid.NewString()

	if err := w.Handle(context.Background(), &queue.Job{ID: id, Type: queue.TypeKeyword, Keyword: "x"}); err == nil {
		t.Fatal("expected error from panicking job")
	}
	st, _ := registry.Status(id)
	if st.Status != models.JobStateError {
		t.Fatalf("unexpected status %+v", st)
	}
}

func TestHandleDecodesStory(t *testing.T) {
	runner := &fakeRunner{}
	w := New(jobs.NewRegistry(), queue.NewMemory(1), runner, nil)
	story, _ := json.Marshal(&models.StoryboardDocument{Title: "t", Paragraphs: []models.Paragraph{{Voiceover: "v"}}})

	if err := w.Handle(context.Background(), &queue.Job{ID: "j1", Type: queue.TypeStory, Story: story}); err != nil {
		t.Fatal(err)
	}
	spec := runner.specs["j1"]
	if spec.Story == nil || spec.Story.Paragraphs[0].Paragraph != "01" {
		t.Errorf("story not decoded: %+v", spec)
	}

	if err := w.Handle(context.Background(), &queue.Job{ID: "j2", Type: queue.TypeStory, Story: json.RawMessage(`[]`)}); !errors.Is(err, models.ErrMalformedStoryboard) {
		t.Errorf("expected malformed story error, got %v", err)
	}
	if err := w.Handle(context.Background(), &queue.Job{ID: "j3", Type: "render"}); err == nil {
		t.Error("expected unknown type error")
	}
}

func TestHandleFailsRegisteredJobWithBadPayload(t *testing.T) {
	registry := jobs.NewRegistry()
	runner := &fakeRunner{}
	w := New(registry, queue.NewMemory(1), runner, nil)

	tests := []struct {
		name string
		qjob func(id string) *queue.Job
		want error
	}{
		{"malformed story", func(id string) *queue.Job {
			return &queue.Job{ID: id, Type: queue.TypeStory, Story: json.RawMessage(`"nope"`)}
		}, models.ErrMalformedStoryboard},
		{"blank keyword", func(id string) *queue.Job {
			return &queue.Job{ID: id, Type: queue.TypeKeyword, Keyword: " "}
		}, jobs.ErrInvalidSpec},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			job, _ := registry.Create(jobs.Spec{Keyword: "harbor"})
			if err := w.Handle(context.Background(), tt.qjob(job.ID())); !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
			st, _ := registry.Status(job.ID())
			if st.Status != models.JobStateError || st.Message == "" {
				t.Fatalf("job should report the payload error, got %+v", st)
			}
			if _, ran := runner.specs[job.ID()]; ran {
				t.Error("a rejected payload must not run")
			}
		})
	}
}

func TestHandleRejectsRunningJob(t *testing.T) {
	registry := jobs.NewRegistry()
	job, _ := registry.Create(jobs.Spec{Keyword: "x"})
	job.Begin()
	w := New(registry, queue.NewMemory(1), &fakeRunner{}, nil)

	err := w.Handle(context.Background(), &queue.Job{ID: job.ID(), Type: queue.TypeKeyword, Keyword: "x"})
	if !errors.Is(err, jobs.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestStartProcessesQueue(t *testing.T) {
	registry := jobs.NewRegistry()
	q := queue.NewMemory(4)
	w := New(registry, q, &fakeRunner{}, nil)

	job, _ := registry.Create(jobs.Spec{Keyword: "harbor"})
	if err := queue.EnqueueRunJob(context.Background(), q, job.ID(), "harbor", nil); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		w.Start(ctx, 2)
		close(stopped)
	}()

	deadline := time.Now().Add(5 * time.Second)
	for job.State() != models.JobStateCompleted {
		if time.Now().After(deadline) {
			t.Fatal("job was not processed")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	select {
	case <-stopped:
	case <-time.After(10 * time.Second):
		t.Fatal("worker did not stop")
	}
}
