package jobs

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bobarin/newsreel/internal/models"
)

func story() *models.StoryboardDocument {
	return &models.StoryboardDocument{Title: "t", Paragraphs: []models.Paragraph{models.DefaultParagraph(0)}}
}

func TestSpecValidate(t *testing.T) {
	tests := []struct {
		name string
		spec Spec
		ok   bool
	}{
		{"keyword", Spec{Keyword: "台積電"}, true},
		{"story", Spec{Story: story()}, true},
		{"both", Spec{Keyword: "x", Story: story()}, false},
		{"neither", Spec{}, false},
		{"blank keyword", Spec{Keyword: "   "}, false},
		{"empty story", Spec{Story: &models.StoryboardDocument{}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.spec.Validate()
			if tt.ok && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if !tt.ok && !errors.Is(err, ErrInvalidSpec) {
				t.Errorf("expected ErrInvalidSpec, got %v", err)
			}
		})
	}
}

func TestJobLifecycle(t *testing.T) {
	r := NewRegistry()
	job, err := r.Create(Spec{Keyword: "harbor"})
	if err != nil {
		t.Fatal(err)
	}
	if job.State() != models.JobStateIdle {
		t.Fatalf("new job is %s", job.State())
	}

	if err := job.Complete(nil); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("idle -> completed should be rejected, got %v", err)
	}
	if err := job.Begin(); err != nil {
		t.Fatal(err)
	}
	if err := job.Begin(); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("generating -> generating should be rejected, got %v", err)
	}

	st, _ := r.Status(job.ID())
	if st.Status != models.JobStateGenerating || st.Result != nil {
		t.Errorf("unexpected status %+v", st)
	}

	result := &models.JobResult{FinalVideo: "final_video.mp4", Paragraphs: 2, Rendered: 2}
	if err := job.Complete(result); err != nil {
		t.Fatal(err)
	}

	st, err = r.Status(job.ID())
	if err != nil {
		t.Fatal(err)
	}
	if st.Status != models.JobStateCompleted || st.Result != result {
		t.Fatalf("first read should return the result, got %+v", st)
	}
	st, _ = r.Status(job.ID())
	if st.Status != models.JobStateIdle || st.Result != nil {
		t.Fatalf("second read should be idle, got %+v", st)
	}
}

func TestErrorStatusStaysReadable(t *testing.T) {
	r := NewRegistry()
	job, _ := r.Create(Spec{Story: story()})
	job.Begin()
	if err := job.Fail(errors.New("no articles")); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 2; i++ {
		st, _ := r.Status(job.ID())
		if st.Status != models.JobStateError || st.Message != "no articles" {
			t.Fatalf("read %d: unexpected status %+v", i, st)
		}
	}
	if err := job.Begin(); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("error -> generating should be rejected, got %v", err)
	}
}

func TestStatusUnknownJob(t *testing.T) {
	if _, err := NewRegistry().Status("nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestAdopt(t *testing.T) {
	r := NewRegistry()
	created, _ := r.Create(Spec{Keyword: "a"})

	same, err := r.Adopt(created.ID(), Spec{Keyword: "a"})
	if err != nil || same != created {
		t.Fatalf("adopting a known id should return the existing job: %v", err)
	}

	adopted, err := r.Adopt("2b1c7e6a-remote", Spec{Keyword: "b"})
	if err != nil {
		t.Fatal(err)
	}
	if adopted.State() != models.JobStateIdle || r.Len() != 2 {
		t.Errorf("unexpected adopted job state %s (len %d)", adopted.State(), r.Len())
	}

	if _, err := r.Adopt("../etc", Spec{Keyword: "c"}); !errors.Is(err, ErrInvalidSpec) {
		t.Errorf("expected unsafe id to be rejected, got %v", err)
	}
}

func TestConcurrentStatusConsumesResultOnce(t *testing.T) {
	r := NewRegistry()
	job, _ := r.Create(Spec{Keyword: "x"})
	job.Begin()
	job.Complete(&models.JobResult{Rendered: 1})

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		completed int
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			st, _ := r.Status(job.ID())
			if st.Status == models.JobStateCompleted {
				mu.Lock()
				completed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if completed != 1 {
		t.Errorf("expected exactly one completed read, got %d", completed)
	}
}

func TestQueuedStatusMessage(t *testing.T) {
	r := NewRegistry()
	job, _ := r.Create(Spec{Keyword: "harbor"})

	st, _ := r.Status(job.ID())
	if st.Status != models.JobStateIdle || st.Message != QueuedMessage {
		t.Fatalf("accepted job should read as queued, got %+v", st)
	}

	job.Begin()
	job.Complete(&models.JobResult{Rendered: 1})
	r.Status(job.ID())
	st, _ = r.Status(job.ID())
	if st.Status != models.JobStateIdle || st.Message == QueuedMessage {
		t.Fatalf("consumed job must not read as queued, got %+v", st)
	}
}

func TestRegistryDropsExpiredJobs(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	r := NewRegistryWithRetention(time.Hour)
	r.now = func() time.Time { return now }

	queued, _ := r.Create(Spec{Keyword: "queued"})
	running, _ := r.Create(Spec{Keyword: "running"})
	running.Begin()
	failed, _ := r.Create(Spec{Keyword: "failed"})
	failed.Begin()
	failed.Fail(errors.New("boom"))
	consumed, _ := r.Create(Spec{Keyword: "consumed"})
	consumed.Begin()
	consumed.Complete(&models.JobResult{Rendered: 1})
	r.Status(consumed.ID())

	for _, job := range []*Job{failed, consumed} {
		job.mu.Lock()
		job.finishedAt = now.Add(-2 * time.Hour)
		job.mu.Unlock()
	}

	if n := r.Prune(); n != 2 {
		t.Fatalf("expected 2 expired jobs, pruned %d", n)
	}
	for _, id := range []string{failed.ID(), consumed.ID()} {
		if _, err := r.Status(id); !errors.Is(err, ErrNotFound) {
			t.Errorf("job %s should be gone, got %v", id, err)
		}
	}
	for _, job := range []*Job{queued, running} {
		if _, ok := r.Get(job.ID()); !ok {
			t.Errorf("job %s should be kept", job.ID())
		}
	}

	now = now.Add(2 * time.Hour)
	running.Complete(&models.JobResult{Rendered: 1})
	if n := r.Prune(); n != 0 {
		t.Errorf("freshly finished job pruned (%d)", n)
	}
}
