package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/conduit-ai/conduit/gateway/idempotency"
	"github.com/conduit-ai/conduit/gateway/store"
)

func newTestAPI(t *testing.T) (*API, *testEnv) {
	t.Helper()
	env := newTestEnv(t)
	api := NewAPI(env.orch, env.store, NewEventHub(env.store), idempotency.NewMemoryStore())
	return api, env
}

func postTask(t *testing.T, h http.Handler, keyID, idemKey string, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/v1/tasks", bytes.NewBufferString(body))
	if keyID != "" {
		req.Header.Set(virtualKeyHeader, keyID)
	}
	if idemKey != "" {
		req.Header.Set(idempotencyHeader, idemKey)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestSubmitEndpoint(t *testing.T) {
	api, env := newTestAPI(t)
	h := api.Routes()

	rec := postTask(t, h, "vk-1", "", `{"type":"transcription","metadata":{"provider":"openai","model":"whisper-1"}}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var task store.Task
	if err := json.Unmarshal(rec.Body.Bytes(), &task); err != nil {
		t.Fatal(err)
	}
	if task.ID == "" || task.State != store.StatePending {
		t.Errorf("task = %+v", task)
	}
	if len(env.queue.enqueued) != 1 {
		t.Errorf("enqueued = %d", len(env.queue.enqueued))
	}
}

func TestSubmitEndpointRequiresKey(t *testing.T) {
	api, _ := newTestAPI(t)
	rec := postTask(t, api.Routes(), "", "", `{"type":"transcription"}`)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestSubmitEndpointRejectsUnknownType(t *testing.T) {
	api, _ := newTestAPI(t)
	rec := postTask(t, api.Routes(), "vk-1", "", `{"type":"teleportation"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestSubmitEndpointUnknownKeyForbidden(t *testing.T) {
	api, _ := newTestAPI(t)
	rec := postTask(t, api.Routes(), "nope", "", `{"type":"transcription"}`)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
}

func TestIdempotentSubmitReplays(t *testing.T) {
	api, env := newTestAPI(t)
	h := api.Routes()
	body := `{"type":"transcription","metadata":{"provider":"openai","model":"whisper-1"}}`

	first := postTask(t, h, "vk-1", "retry-123", body)
	if first.Code != http.StatusAccepted {
		t.Fatalf("first status = %d", first.Code)
	}
	second := postTask(t, h, "vk-1", "retry-123", body)
	if second.Code != http.StatusOK {
		t.Fatalf("replay status = %d, want 200", second.Code)
	}

	var a, b store.Task
	json.Unmarshal(first.Body.Bytes(), &a)
	json.Unmarshal(second.Body.Bytes(), &b)
	if a.ID != b.ID {
		t.Errorf("replay returned a different task: %s vs %s", a.ID, b.ID)
	}
	if len(env.queue.enqueued) != 1 {
		t.Errorf("enqueued = %d, want 1 (replay must not enqueue)", len(env.queue.enqueued))
	}
}

func TestGetTaskEndpoint(t *testing.T) {
	api, env := newTestAPI(t)
	h := api.Routes()
	task := submitTask(t, env, store.TypeImage, `{"provider":"openai","model":"dall-e-3"}`)

	req := httptest.NewRequest(http.MethodGet, "/v1/tasks/"+task.ID, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/v1/tasks/ghost", nil)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown task status = %d", rec.Code)
	}
}

func TestCancelEndpoint(t *testing.T) {
	api, env := newTestAPI(t)
	h := api.Routes()
	task := submitTask(t, env, store.TypeVideo, `{"provider":"openai","model":"sora"}`)

	req := httptest.NewRequest(http.MethodPost, "/v1/tasks/"+task.ID+"/cancel", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	got, _ := env.store.Get(req.Context(), task.ID)
	if got.State != store.StateCancelled {
		t.Errorf("state = %s", got.State)
	}
}

func TestSubmitRateLimit(t *testing.T) {
	api, _ := newTestAPI(t)
	h := api.Routes()
	body := `{"type":"transcription","metadata":{"provider":"openai","model":"whisper-1"}}`

	limited := false
	for i := 0; i < submitBurst+5; i++ {
		if rec := postTask(t, h, "vk-1", "", body); rec.Code == http.StatusTooManyRequests {
			limited = true
			break
		}
	}
	if !limited {
		t.Error("burst of submissions was never rate limited")
	}
}
