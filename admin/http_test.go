package admin_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stackmesh/conveyor"
	"github.com/stackmesh/conveyor/admin"
	"github.com/stackmesh/conveyor/cron"
	"github.com/stackmesh/conveyor/engine"
	"github.com/stackmesh/conveyor/job"
	"github.com/stackmesh/conveyor/store/memory"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newServer(t *testing.T) (*engine.Engine, *httptest.Server) {
	t.Helper()
	sys, err := conveyor.New(
		conveyor.WithLogger(discardLogger()),
		conveyor.WithStore(memory.New()),
	)
	if err != nil {
		t.Fatalf("conveyor.New: %v", err)
	}
	eng, err := engine.Build(sys)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	srv := httptest.NewServer(admin.NewHandler(admin.NewService(eng, discardLogger()), discardLogger()))
	t.Cleanup(srv.Close)
	return eng, srv
}

func do(t *testing.T, method, url string, body any) *http.Response {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return v
}

func TestHealthz(t *testing.T) {
	_, srv := newServer(t)

	resp := do(t, http.MethodGet, srv.URL+"/healthz", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	h := decode[engine.Health](t, resp)
	if !h.Connected {
		t.Error("Connected = false, want true")
	}
}

func TestAddGetRemoveJob(t *testing.T) {
	eng, srv := newServer(t)

	resp := do(t, http.MethodPost, srv.URL+"/jobs", admin.AddJobRequest{
		Type:     "email:send",
		Payload:  json.RawMessage(`{"to":"a@b.co"}`),
		Priority: 3,
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want 201", resp.StatusCode)
	}
	created := decode[job.Job](t, resp)
	if created.Type != "email:send" || created.Priority != 3 {
		t.Fatalf("created = %+v", created)
	}

	resp = do(t, http.MethodGet, srv.URL+"/jobs/"+created.ID.String(), nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get status = %d, want 200", resp.StatusCode)
	}
	got := decode[job.Job](t, resp)
	if got.ID != created.ID {
		t.Errorf("got job %s, want %s", got.ID, created.ID)
	}

	resp = do(t, http.MethodDelete, srv.URL+"/jobs/"+created.ID.String(), nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete status = %d, want 204", resp.StatusCode)
	}

	if _, err := eng.Store().GetJob(context.Background(), created.ID); err == nil {
		t.Error("job should be gone from the store")
	}
}

func TestAddJobValidation(t *testing.T) {
	_, srv := newServer(t)

	resp := do(t, http.MethodPost, srv.URL+"/jobs", admin.AddJobRequest{})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("missing type: status = %d, want 400", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/jobs", bytes.NewReader([]byte("{not json")))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad body: status = %d, want 400", resp.StatusCode)
	}
}

func TestGetJobNotFound(t *testing.T) {
	_, srv := newServer(t)

	resp := do(t, http.MethodGet, srv.URL+"/jobs/job_00000000000000000000000000", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}

	resp = do(t, http.MethodGet, srv.URL+"/jobs/not-an-id", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("malformed id: status = %d, want 400", resp.StatusCode)
	}
}

func TestListJobsFilters(t *testing.T) {
	eng, srv := newServer(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := eng.EnqueueRaw(ctx, "t", nil, job.WithQueue("emails")); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := eng.EnqueueRaw(ctx, "t", nil, job.WithQueue("other")); err != nil {
		t.Fatal(err)
	}

	resp := do(t, http.MethodGet, srv.URL+"/jobs?queue=emails&status=waiting", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	jobs := decode[[]*job.Job](t, resp)
	if len(jobs) != 3 {
		t.Errorf("len(jobs) = %d, want 3", len(jobs))
	}

	resp = do(t, http.MethodGet, srv.URL+"/jobs?queue=emails&limit=2", nil)
	jobs = decode[[]*job.Job](t, resp)
	if len(jobs) != 2 {
		t.Errorf("limited len(jobs) = %d, want 2", len(jobs))
	}
}

func TestQueueSummaryAndPauseResume(t *testing.T) {
	eng, srv := newServer(t)
	ctx := context.Background()

	if _, err := eng.EnqueueRaw(ctx, "t", nil, job.WithQueue("emails")); err != nil {
		t.Fatal(err)
	}

	resp := do(t, http.MethodPost, srv.URL+"/queues/emails/pause", nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("pause status = %d, want 204", resp.StatusCode)
	}

	resp = do(t, http.MethodGet, srv.URL+"/queues", nil)
	infos := decode[[]admin.QueueInfo](t, resp)
	var found *admin.QueueInfo
	for i := range infos {
		if infos[i].Name == "emails" {
			found = &infos[i]
		}
	}
	if found == nil {
		t.Fatalf("emails queue missing from %+v", infos)
	}
	if !found.Paused {
		t.Error("Paused = false, want true")
	}
	if found.Waiting != 1 {
		t.Errorf("Waiting = %d, want 1", found.Waiting)
	}

	resp = do(t, http.MethodPost, srv.URL+"/queues/emails/resume", nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("resume status = %d, want 204", resp.StatusCode)
	}
	paused, err := eng.Store().IsQueuePaused(ctx, "emails")
	if err != nil || paused {
		t.Errorf("IsQueuePaused = %v, %v, want false", paused, err)
	}
}

func TestRetryFailedEndpoint(t *testing.T) {
	eng, srv := newServer(t)
	ctx := context.Background()

	j, err := eng.EnqueueRaw(ctx, "t", nil, job.WithQueue("emails"))
	if err != nil {
		t.Fatal(err)
	}
	j.Status = job.StatusFailed
	j.FailedReason = "boom"
	if err := eng.Store().UpdateJob(ctx, j); err != nil {
		t.Fatal(err)
	}

	resp := do(t, http.MethodPost, srv.URL+"/queues/emails/retry", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	body := decode[map[string]int64](t, resp)
	if body["count"] != 1 {
		t.Errorf("count = %d, want 1", body["count"])
	}

	stored, err := eng.Store().GetJob(ctx, j.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Status != job.StatusWaiting || stored.AttemptsMade != 0 {
		t.Errorf("job after retry = %s/%d, want waiting/0", stored.Status, stored.AttemptsMade)
	}
}

func TestCleanEndpoint(t *testing.T) {
	eng, srv := newServer(t)
	ctx := context.Background()

	j, err := eng.EnqueueRaw(ctx, "t", nil, job.WithQueue("emails"))
	if err != nil {
		t.Fatal(err)
	}
	finished := time.Now().UTC().Add(-48 * time.Hour)
	j.Status = job.StatusCompleted
	j.FinishedAt = &finished
	if err := eng.Store().UpdateJob(ctx, j); err != nil {
		t.Fatal(err)
	}

	resp := do(t, http.MethodPost, srv.URL+"/queues/emails/clean?status=completed&older_than=24h", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	body := decode[map[string]int64](t, resp)
	if body["count"] != 1 {
		t.Errorf("count = %d, want 1", body["count"])
	}

	resp = do(t, http.MethodPost, srv.URL+"/queues/emails/clean?status=waiting", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("non-terminal status = %d, want 400", resp.StatusCode)
	}
}

func TestScheduleEndpoints(t *testing.T) {
	eng, srv := newServer(t)
	eng.RegisterFunc("report:build", func(context.Context, []byte) error { return nil })

	def := &cron.Definition[struct{}]{
		Name:    "digest",
		JobType: "report:build",
		Every:   time.Hour,
	}
	if err := engine.Schedule(context.Background(), eng, def); err != nil {
		t.Fatal(err)
	}

	resp := do(t, http.MethodGet, srv.URL+"/schedules", nil)
	entries := decode[[]*cron.Entry](t, resp)
	if len(entries) != 1 || entries[0].Name != "digest" {
		t.Fatalf("entries = %+v, want one named digest", entries)
	}

	resp = do(t, http.MethodDelete, srv.URL+"/schedules/digest", nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete status = %d, want 204", resp.StatusCode)
	}

	resp = do(t, http.MethodDelete, srv.URL+"/schedules/digest", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("second delete status = %d, want 404", resp.StatusCode)
	}
}

func TestWorkersEndpoint(t *testing.T) {
	eng, srv := newServer(t)

	if err := eng.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer func() { _ = eng.Stop(context.Background()) }()

	resp := do(t, http.MethodGet, srv.URL+"/workers", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	workers := decode[[]json.RawMessage](t, resp)
	if len(workers) != 1 {
		t.Errorf("len(workers) = %d, want 1", len(workers))
	}
}
