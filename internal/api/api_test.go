package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/bobarin/newsreel/internal/jobs"
	"github.com/bobarin/newsreel/internal/models"
	"github.com/bobarin/newsreel/internal/queue"
	"github.com/bobarin/newsreel/internal/storage"
	"github.com/google/uuid"
)

type fakeHistory struct {
	records map[uuid.UUID]*models.JobRecord
}

func (f *fakeHistory) GetJob(ctx context.Context, id uuid.UUID) (*models.JobRecord, error) {
	if rec, ok := f.records[id]; ok {
		return rec, nil
	}
	return nil, errors.New("job not found")
}

type testServer struct {
	srv      *httptest.Server
	registry *jobs.Registry
	queue    *queue.Memory
	store    *storage.Local
}

func newTestServer(t *testing.T, apiKey string, history History) *testServer {
	t.Helper()
	store, err := storage.NewLocal(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	ts := &testServer{registry: jobs.NewRegistry(), queue: queue.NewMemory(2), store: store}
	h := NewHandler(ts.registry, ts.queue, store, history)
	ts.srv = httptest.NewServer(NewRouter(h, RouterConfig{BackendAPIKey: apiKey}))
	t.Cleanup(ts.srv.Close)
	return ts
}

func (ts *testServer) do(t *testing.T, method, path, body string, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, ts.srv.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	return resp, data
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t, "secret", nil)
	resp, body := ts.do(t, http.MethodGet, "/health", "", nil)
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), `"ok"`) {
		t.Fatalf("unexpected health response %d %s", resp.StatusCode, body)
	}
}

func TestAPIKeyAuth(t *testing.T) {
	ts := newTestServer(t, "secret", nil)
	tests := []struct {
		name    string
		headers map[string]string
		status  int
	}{
		{"missing", nil, http.StatusUnauthorized},
		{"wrong", map[string]string{"X-API-Key": "nope"}, http.StatusForbidden},
		{"header", map[string]string{"X-API-Key": "secret"}, http.StatusNotFound},
		{"bearer", map[string]string{"Authorization": "Bearer secret"}, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, _ := ts.do(t, http.MethodGet, "/v1/jobs/unknown/status", "", tt.headers)
			if resp.StatusCode != tt.status {
				t.Errorf("expected %d, got %d", tt.status, resp.StatusCode)
			}
		})
	}
}

func TestStartJobValidation(t *testing.T) {
	ts := newTestServer(t, "", nil)
	tests := []struct {
		name string
		body string
	}{
		{"not json", `keyword=x`},
		{"empty", `{}`},
		{"both", `{"keyword":"x","story":{"title":"t","storyboard":[{"voiceover":"v"}]}}`},
		{"story without list", `{"story":{"title":"t"}}`},
		{"story is array", `{"story":[1,2]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := ts.do(t, http.MethodPost, "/v1/jobs", tt.body, nil)
			if resp.StatusCode != http.StatusBadRequest {
				t.Errorf("expected 400, got %d %s", resp.StatusCode, body)
			}
			if !strings.Contains(string(body), `"error"`) {
				t.Errorf("expected error body, got %s", body)
			}
		})
	}
	if ts.queue.Len(queue.QueueRunJob) != 0 {
		t.Error("invalid requests must not be enqueued")
	}
}

func TestStartJobAndPollStatus(t *testing.T) {
	ts := newTestServer(t, "", nil)
	resp, body := ts.do(t, http.MethodPost, "/v1/jobs", `{"keyword":"台積電"}`, nil)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d %s", resp.StatusCode, body)
	}
	var started models.StartJobResponse
	json.Unmarshal(body, &started)
	if started.Status != "started" || started.JobID == "" {
		t.Fatalf("unexpected response %s", body)
	}

	qjob, err := ts.queue.Dequeue(context.Background(), queue.QueueRunJob, time.Second)
	if err != nil || qjob == nil || qjob.ID != started.JobID || qjob.Keyword != "台積電" {
		t.Fatalf("unexpected queued job %+v %v", qjob, err)
	}

	statusPath := "/v1/jobs/" + started.JobID + "/status"
	_, body = ts.do(t, http.MethodGet, statusPath, "", nil)
	var queued models.JobStatusResponse
	json.Unmarshal(body, &queued)
	if queued.Status != models.JobStateIdle || queued.Message != jobs.QueuedMessage {
		t.Fatalf("accepted job should read as queued, got %s", body)
	}

	job, _ := ts.registry.Get(started.JobID)
	job.Begin()
	job.Complete(&models.JobResult{FinalVideo: storage.FinalVideoFile, Paragraphs: 2, Rendered: 2})

	_, body = ts.do(t, http.MethodGet, statusPath, "", nil)
	var st models.JobStatusResponse
	json.Unmarshal(body, &st)
	if st.Status != models.JobStateCompleted || st.Result == nil || st.Result.Rendered != 2 {
		t.Fatalf("unexpected first status %s", body)
	}

	_, body = ts.do(t, http.MethodGet, statusPath, "", nil)
	st = models.JobStatusResponse{}
	json.Unmarshal(body, &st)
	if st.Status != models.JobStateIdle || st.Result != nil {
		t.Fatalf("completed status should be consumed, got %s", body)
	}
}

func TestStartJobWithStory(t *testing.T) {
	ts := newTestServer(t, "", nil)
	story := `{"title":"Harbor","storyboard":[{"imageDescription":"pier","voiceover":"Ships wait."}]}`
	resp, body := ts.do(t, http.MethodPost, "/v1/jobs", `{"story":`+story+`}`, nil)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d %s", resp.StatusCode, body)
	}
	qjob, _ := ts.queue.Dequeue(context.Background(), queue.QueueRunJob, time.Second)
	if qjob == nil || qjob.Type != queue.TypeStory {
		t.Fatalf("unexpected queued job %+v", qjob)
	}
	doc, err := models.ParseStoryboard(qjob.Story)
	if err != nil || doc.Title != "Harbor" {
		t.Errorf("story should travel with the job: %v %+v", err, doc)
	}
}

func TestStartJobQueueFull(t *testing.T) {
	ts := newTestServer(t, "", nil)
	for i := 0; i < 2; i++ {
		if resp, _ := ts.do(t, http.MethodPost, "/v1/jobs", `{"keyword":"x"}`, nil); resp.StatusCode != http.StatusAccepted {
			t.Fatalf("job %d: expected 202, got %d", i, resp.StatusCode)
		}
	}
	resp, _ := ts.do(t, http.MethodPost, "/v1/jobs", `{"keyword":"x"}`, nil)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 when the queue is full, got %d", resp.StatusCode)
	}
}

func TestGetJobStatusUnknown(t *testing.T) {
	ts := newTestServer(t, "", nil)
	resp, _ := ts.do(t, http.MethodGet, "/v1/jobs/missing/status", "", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestGetJobAsset(t *testing.T) {
	ts := newTestServer(t, "", nil)
	if err := ts.store.Write(context.Background(), "job-1/final_video.mp4", []byte("mp4data")); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name   string
		path   string
		status int
	}{
		{"found", "/v1/jobs/job-1/assets/final_video.mp4", http.StatusOK},
		{"missing", "/v1/jobs/job-1/assets/paragraph_01.mp4", http.StatusNotFound},
		{"unknown extension", "/v1/jobs/job-1/assets/final_video.exe", http.StatusBadRequest},
		{"hidden file", "/v1/jobs/job-1/assets/.env", http.StatusBadRequest},
		{"encoded traversal", "/v1/jobs/job-1/assets/..%2Fsecret.json", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := ts.do(t, http.MethodGet, tt.path, "", nil)
			if resp.StatusCode != tt.status {
				t.Fatalf("expected %d, got %d %s", tt.status, resp.StatusCode, body)
			}
			if tt.status == http.StatusOK && string(body) != "mp4data" {
				t.Errorf("unexpected body %q", body)
			}
		})
	}
}

func TestGetJobHistory(t *testing.T) {
	id := uuid.New()
	history := &fakeHistory{records: map[uuid.UUID]*models.JobRecord{
		id: {ID: id, Kind: models.JobKindKeyword, State: models.JobStateCompleted},
	}}
	ts := newTestServer(t, "", history)

	resp, body := ts.do(t, http.MethodGet, "/v1/jobs/"+id.String()+"/history", "", nil)
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), `"completed"`) {
		t.Fatalf("unexpected history response %d %s", resp.StatusCode, body)
	}
	if resp, _ := ts.do(t, http.MethodGet, "/v1/jobs/not-a-uuid/history", "", nil); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 for invalid id, got %d", resp.StatusCode)
	}

	disabled := newTestServer(t, "", nil)
	if resp, _ := disabled.do(t, http.MethodGet, "/v1/jobs/"+id.String()+"/history", "", nil); resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404 without history, got %d", resp.StatusCode)
	}
}
