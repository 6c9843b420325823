package database

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"quel-fitting-server/modules/common/model"
)

// fakePostgrest - 마지막 요청을 기록하고 고정 응답을 돌려주는 PostgREST 대역
type fakePostgrest struct {
	mu       sync.Mutex
	method   string
	path     string
	query    string
	body     string
	response string
}

func (f *fakePostgrest) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	raw, _ := io.ReadAll(r.Body)
	f.mu.Lock()
	f.method, f.path, f.query, f.body = r.Method, r.URL.Path, r.URL.RawQuery, string(raw)
	resp := f.response
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if resp == "" {
		w.WriteHeader(http.StatusCreated)
		return
	}
	_, _ = io.WriteString(w, resp)
}

func (f *fakePostgrest) last() (method, path, query, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.method, f.path, f.query, f.body
}

func newTestClient(t *testing.T, fake *fakePostgrest) *Client {
	t.Helper()
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)
	c, err := NewClient(srv.URL, "service-key", "", nil)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return c
}

func TestSaveJobUpsertsRow(t *testing.T) {
	fake := &fakePostgrest{}
	c := newTestClient(t, fake)

	job := &model.GenerationJob{
		ID:          "job-1",
		Status:      model.StatusRunning,
		Stage:       model.StageGeneratingModel,
		Progress:    30,
		Attempt:     1,
		MaxAttempts: 3,
		QualityTier: model.TierPremium,
		CreatedAt:   time.Now(),
	}
	if err := c.SaveJob(context.Background(), job); err != nil {
		t.Fatalf("SaveJob: %v", err)
	}

	method, path, _, body := fake.last()
	if method != http.MethodPost || !strings.HasSuffix(path, "/rest/v1/quel_fitting_jobs") {
		t.Fatalf("request = %s %s", method, path)
	}
	var row map[string]any
	if err := json.Unmarshal([]byte(body), &row); err != nil {
		t.Fatalf("body not json: %v (%s)", err, body)
	}
	if row["job_id"] != "job-1" || row["stage"] != "generating_model" || row["quality_tier"] != "premium" {
		t.Fatalf("row = %v", row)
	}
	if history, ok := row["history"].([]any); !ok || len(history) != 0 {
		t.Fatalf("history should be an empty array, got %v", row["history"])
	}
}

func TestFetchJob(t *testing.T) {
	fake := &fakePostgrest{response: `[{"job_id":"job-2","job_status":"completed","progress":100,"attempt":2,"max_attempts":3,
		"quality_tier":"ultra","result":{"imageUrl":"https://cdn/x.png","metrics":{"consistency":0.9,"accuracy":0.8,"overall":0.85}},
		"history":[{"attempt":1,"success":false,"qualityScore":0.4,"durationMs":1200}]}]`}
	c := newTestClient(t, fake)

	job, err := c.FetchJob(context.Background(), "job-2")
	if err != nil {
		t.Fatalf("FetchJob: %v", err)
	}
	if job.Status != model.StatusCompleted || job.Result == nil || job.Result.ImageURL != "https://cdn/x.png" {
		t.Fatalf("job = %+v", job)
	}
	if len(job.History) != 1 || job.History[0].QualityScore != 0.4 {
		t.Fatalf("history = %+v", job.History)
	}
	if _, _, query, _ := fake.last(); !strings.Contains(query, "job_id=eq.job-2") {
		t.Fatalf("query = %s", query)
	}
}

func TestFetchJobNotFound(t *testing.T) {
	c := newTestClient(t, &fakePostgrest{response: `[]`})
	if _, err := c.FetchJob(context.Background(), "missing"); !errors.Is(err, model.ErrJobNotFound) {
		t.Fatalf("err = %v, want ErrJobNotFound", err)
	}
}

func TestFetchQueuedJob(t *testing.T) {
	fake := &fakePostgrest{response: `[{"job_id":"job-3","quality_settings":{"qualityTier":"basic","enableRetry":true,"maxRetries":1},
		"job_input_data":[{"name":"product","attachId":41,"mimeType":"image/png"},{"name":"detail1","attachId":42,"mimeType":"image/jpeg"}]}]`}
	c := newTestClient(t, fake)

	queued, err := c.FetchQueuedJob(context.Background(), "job-3")
	if err != nil {
		t.Fatalf("FetchQueuedJob: %v", err)
	}
	if queued.Settings.Tier != model.TierBasic || queued.Settings.MaxAttempts() != 2 {
		t.Fatalf("settings = %+v", queued.Settings)
	}
	if len(queued.Inputs) != 2 || queued.Inputs[1].AttachID != 42 {
		t.Fatalf("inputs = %+v", queued.Inputs)
	}
}

func TestFetchQueuedJobWithoutInputs(t *testing.T) {
	c := newTestClient(t, &fakePostgrest{response: `[{"job_id":"job-4","job_input_data":[]}]`})
	if _, err := c.FetchQueuedJob(context.Background(), "job-4"); !errors.Is(err, model.ErrInvalidInput) {
		t.Fatalf("err = %v, want ErrInvalidInput", err)
	}
}

func TestCreateAttachRecord(t *testing.T) {
	fake := &fakePostgrest{response: `[{"attach_id":88,"attach_file_path":"fitting-results/job-1/a.webp"}]`}
	c := newTestClient(t, fake)

	id, err := c.CreateAttachRecord(context.Background(), "fitting-results/job-1/a.webp", 2048, "image/webp")
	if err != nil {
		t.Fatalf("CreateAttachRecord: %v", err)
	}
	if id != 88 {
		t.Fatalf("id = %d", id)
	}
	method, path, _, body := fake.last()
	if method != http.MethodPost || !strings.HasSuffix(path, "/rest/v1/quel_attach") {
		t.Fatalf("request = %s %s", method, path)
	}
	var row map[string]any
	if err := json.Unmarshal([]byte(body), &row); err != nil {
		t.Fatalf("body not json: %v (%s)", err, body)
	}
	if row["attach_file_name"] != "a.webp" || row["attach_file_type"] != "image/webp" || row["attach_file_size"] != float64(2048) {
		t.Fatalf("row = %v", row)
	}
}
