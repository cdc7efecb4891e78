package webhook

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestDispatcher(t *testing.T, withRedis bool, opts Options) *Dispatcher {
	t.Helper()
	var rdb redis.UniversalClient
	if withRedis {
		mr := miniredis.RunT(t)
		rdb = redis.NewClient(&redis.Options{Addr: mr.Addr()})
	}
	d := NewDispatcher(rdb, opts)
	d.sleep = func(context.Context, time.Duration) error { return nil }
	return d
}

func notification(event string) Notification {
	return Notification{
		TaskID:    "task-1",
		TaskType:  "image",
		Event:     event,
		State:     "completed",
		Timestamp: time.Now().UTC(),
	}
}

func TestDeliverSignsAndPassesHeaders(t *testing.T) {
	secret := "whsec_test"
	var gotSig, gotCustom string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get(SignatureHeader)
		gotCustom = r.Header.Get("X-Caller-Token")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := newTestDispatcher(t, false, Options{SigningSecret: secret, MaxRetries: 1})
	err := d.Deliver(context.Background(), Delivery{
		URL:          srv.URL,
		Headers:      map[string]string{"X-Caller-Token": "abc123"},
		Notification: notification("task.completed"),
	})
	if err != nil {
		t.Fatal(err)
	}

	if gotCustom != "abc123" {
		t.Errorf("caller header not passed through: %q", gotCustom)
	}
	if !Verify(gotBody, secret, gotSig) {
		t.Errorf("signature %q does not verify against body", gotSig)
	}

	var n Notification
	if err := json.Unmarshal(gotBody, &n); err != nil {
		t.Fatal(err)
	}
	if n.TaskID != "task-1" || n.Event != "task.completed" {
		t.Errorf("body = %+v", n)
	}
}

func TestDeliverRetriesOn5xx(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := newTestDispatcher(t, false, Options{MaxRetries: 5})
	err := d.Deliver(context.Background(), Delivery{URL: srv.URL, Notification: notification("task.completed")})
	if err != nil {
		t.Fatal(err)
	}
	if got := atomic.LoadInt32(&hits); got != 3 {
		t.Errorf("hits = %d, want 3", got)
	}
}

func TestDeliverTerminalOn4xx(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	d := newTestDispatcher(t, false, Options{MaxRetries: 5})
	err := d.Deliver(context.Background(), Delivery{URL: srv.URL, Notification: notification("task.failed")})
	if err == nil {
		t.Fatal("403 must be terminal")
	}
	if got := atomic.LoadInt32(&hits); got != 1 {
		t.Errorf("hits = %d, want 1 (no retry on 403)", got)
	}
}

func TestDeliverRetriesOn429(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	d := newTestDispatcher(t, false, Options{MaxRetries: 3})
	if err := d.Deliver(context.Background(), Delivery{URL: srv.URL, Notification: notification("task.completed")}); err != nil {
		t.Fatal(err)
	}
	if got := atomic.LoadInt32(&hits); got != 2 {
		t.Errorf("hits = %d, want 2", got)
	}
}

func TestDeliverExhaustsRetries(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	d := newTestDispatcher(t, false, Options{MaxRetries: 3})
	err := d.Deliver(context.Background(), Delivery{URL: srv.URL, Notification: notification("task.completed")})
	if err == nil {
		t.Fatal("expected exhaustion error")
	}
	if got := atomic.LoadInt32(&hits); got != 3 {
		t.Errorf("hits = %d, want 3", got)
	}
}

func TestDuplicateDeliverySuppressed(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := newTestDispatcher(t, true, Options{MaxRetries: 1})
	del := Delivery{URL: srv.URL, Notification: notification("task.completed")}

	for i := 0; i < 2; i++ {
		if err := d.Deliver(context.Background(), del); err != nil {
			t.Fatal(err)
		}
	}
	if got := atomic.LoadInt32(&hits); got != 1 {
		t.Errorf("hits = %d, want 1 (second delivery deduplicated)", got)
	}
}

func TestEmptyURLIsNoop(t *testing.T) {
	d := newTestDispatcher(t, false, Options{})
	if err := d.Deliver(context.Background(), Delivery{Notification: notification("task.completed")}); err != nil {
		t.Fatal(err)
	}
}
