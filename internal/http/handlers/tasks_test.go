package handlers

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"mealsnap/internal/adapter/repo"
	"mealsnap/internal/domain"
)

func newTestApp(t *testing.T) (*App, *repo.MemoryTaskRepository, *httptest.Server) {
	t.Helper()
	tasks := repo.NewMemoryTaskRepository()
	app := NewApp(tasks, zerolog.Nop())
	r := chi.NewRouter()
	r.Post("/v1/tasks/sessions", app.SessionInit)
	r.Post("/v1/tasks/recognize", app.Recognize)
	r.Get("/v1/tasks/{taskID}", app.Status)
	r.Post("/v1/tasks/{taskID}/retry", app.Retry)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return app, tasks, srv
}

func postJSON(t *testing.T, url string, payload any) *http.Response {
	t.Helper()
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decodeTaskID(t *testing.T, resp *http.Response) string {
	t.Helper()
	var out struct {
		TaskID string `json:"task_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode task id: %v", err)
	}
	if out.TaskID == "" {
		t.Fatal("empty task id")
	}
	return out.TaskID
}

func TestSessionInitCreatesUploadingTask(t *testing.T) {
	_, tasks, srv := newTestApp(t)

	resp := postJSON(t, srv.URL+"/v1/tasks/sessions", struct{}{})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want 201", resp.StatusCode)
	}
	id := decodeTaskID(t, resp)

	task, err := tasks.GetByID(context.Background(), id)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if task.Status != domain.TaskStatusUploading {
		t.Fatalf("status = %s, want uploading", task.Status)
	}
}

func TestRecognizeQueuesInlineImage(t *testing.T) {
	_, tasks, srv := newTestApp(t)

	img := base64.StdEncoding.EncodeToString([]byte("fake jpeg"))
	resp := postJSON(t, srv.URL+"/v1/tasks/recognize", map[string]string{
		"image":       img,
		"user_prompt": "half portion",
	})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}
	id := decodeTaskID(t, resp)

	task, _ := tasks.GetByID(context.Background(), id)
	if task.Status != domain.TaskStatusPending || task.PayloadB64 != img || task.UserPrompt != "half portion" {
		t.Fatalf("unexpected task: %+v", task)
	}
}

func TestRecognizeRejectsBadImage(t *testing.T) {
	_, _, srv := newTestApp(t)

	resp := postJSON(t, srv.URL+"/v1/tasks/recognize", map[string]string{"image": ""})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("empty image status = %d, want 400", resp.StatusCode)
	}
	resp = postJSON(t, srv.URL+"/v1/tasks/recognize", map[string]string{"image": "not!!base64"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad base64 status = %d, want 400", resp.StatusCode)
	}
}

func TestStatusReflectsLifecycle(t *testing.T) {
	_, tasks, srv := newTestApp(t)
	ctx := context.Background()
	_ = tasks.Create(ctx, &domain.RecognitionTask{ID: "t1", Status: domain.TaskStatusUploading})

	get := func() taskStatusResponse {
		resp, err := http.Get(srv.URL + "/v1/tasks/t1")
		if err != nil {
			t.Fatalf("GET: %v", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status code = %d", resp.StatusCode)
		}
		var out taskStatusResponse
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			t.Fatalf("decode: %v", err)
		}
		return out
	}

	if got := get(); got.Status != domain.TaskStatusUploading || got.Result != nil || got.Error != nil {
		t.Fatalf("uploading response: %+v", got)
	}

	_ = tasks.MarkPending(ctx, "t1", "aW1n", "")
	if got := get(); got.Status != domain.TaskStatusPending {
		t.Fatalf("pending response: %+v", got)
	}

	_, _ = tasks.ClaimPending(ctx)
	_ = tasks.Complete(ctx, "t1", []domain.Dish{{ID: "d1", Name: "ramen", CaloriesPer100g: 110}})
	got := get()
	if got.Status != domain.TaskStatusCompleted || len(got.Result) != 1 || got.Error != nil {
		t.Fatalf("completed response: %+v", got)
	}

	_, _ = tasks.ClaimPending(ctx)
	_ = tasks.MarkProcessing(ctx, "t1")
	_ = tasks.Fail(ctx, "t1", "model unavailable")
	got = get()
	if got.Status != domain.TaskStatusFailed || got.Error == nil || *got.Error != "model unavailable" || got.Result != nil {
		t.Fatalf("failed response: %+v", got)
	}
}

func TestStatusUnknownTask(t *testing.T) {
	_, _, srv := newTestApp(t)
	resp, err := http.Get(srv.URL + "/v1/tasks/ghost")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestRetryIssuesFreshTask(t *testing.T) {
	_, tasks, srv := newTestApp(t)
	ctx := context.Background()
	_ = tasks.Create(ctx, &domain.RecognitionTask{ID: "t1", Status: domain.TaskStatusPending, PayloadB64: "aW1n", Language: "id"})
	_, _ = tasks.ClaimPending(ctx)
	_ = tasks.Fail(ctx, "t1", "unparsable output")

	resp := postJSON(t, srv.URL+"/v1/tasks/t1/retry", map[string]string{"user_prompt": "it is satay"})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}
	freshID := decodeTaskID(t, resp)
	if freshID == "t1" {
		t.Fatal("retry reused the old task id")
	}

	fresh, err := tasks.GetByID(ctx, freshID)
	if err != nil {
		t.Fatalf("GetByID fresh: %v", err)
	}
	if fresh.Status != domain.TaskStatusPending || fresh.PayloadB64 != "aW1n" || fresh.UserPrompt != "it is satay" || fresh.Language != "id" {
		t.Fatalf("unexpected fresh task: %+v", fresh)
	}

	// The old record stays observable for any poller still watching it.
	old, _ := tasks.GetByID(ctx, "t1")
	if old.Status != domain.TaskStatusFailed {
		t.Fatalf("old task mutated: %+v", old)
	}
}

func TestRetryRequiresTerminalTaskWithPayload(t *testing.T) {
	_, tasks, srv := newTestApp(t)
	ctx := context.Background()
	_ = tasks.Create(ctx, &domain.RecognitionTask{ID: "busy", Status: domain.TaskStatusPending, PayloadB64: "aW1n"})
	_ = tasks.Create(ctx, &domain.RecognitionTask{ID: "bare", Status: domain.TaskStatusFailed})

	resp := postJSON(t, srv.URL+"/v1/tasks/busy/retry", struct{}{})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("in-progress retry status = %d, want 409", resp.StatusCode)
	}
	resp = postJSON(t, srv.URL+"/v1/tasks/bare/retry", struct{}{})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("payload-less retry status = %d, want 409", resp.StatusCode)
	}
	resp = postJSON(t, srv.URL+"/v1/tasks/ghost/retry", struct{}{})
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown retry status = %d, want 404", resp.StatusCode)
	}
}

func TestHandleUploadCompleteTransitionsTask(t *testing.T) {
	app, tasks, _ := newTestApp(t)
	ctx := context.Background()
	_ = tasks.Create(ctx, &domain.RecognitionTask{ID: "t1", Status: domain.TaskStatusUploading})

	if err := app.HandleUploadComplete(ctx, "t1", "cGF5bG9hZA==", "extra cheese"); err != nil {
		t.Fatalf("HandleUploadComplete: %v", err)
	}
	task, _ := tasks.GetByID(ctx, "t1")
	if task.Status != domain.TaskStatusPending || task.PayloadB64 != "cGF5bG9hZA==" || task.UserPrompt != "extra cheese" {
		t.Fatalf("unexpected task: %+v", task)
	}

	// A session the client never initialized is created on the spot.
	if err := app.HandleUploadComplete(ctx, "fresh", "cGF5bG9hZA==", ""); err != nil {
		t.Fatalf("HandleUploadComplete fresh: %v", err)
	}
	task, err := tasks.GetByID(ctx, "fresh")
	if err != nil {
		t.Fatalf("GetByID fresh: %v", err)
	}
	if task.Status != domain.TaskStatusPending {
		t.Fatalf("fresh task status = %s, want pending", task.Status)
	}
}
