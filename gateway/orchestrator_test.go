package main

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/conduit-ai/conduit/gateway/errs"
	"github.com/conduit-ai/conduit/gateway/events"
	"github.com/conduit-ai/conduit/gateway/pricing"
	"github.com/conduit-ai/conduit/gateway/progress"
	"github.com/conduit-ai/conduit/gateway/provider"
	"github.com/conduit-ai/conduit/gateway/quality"
	"github.com/conduit-ai/conduit/gateway/queue"
	"github.com/conduit-ai/conduit/gateway/resilience"
	"github.com/conduit-ai/conduit/gateway/store"
)

// fakeQueue records queue interactions in memory.
type fakeQueue struct {
	mu        sync.Mutex
	enqueued  []queue.WorkItem
	acked     []string
	returned  []string
	retries   []queue.WorkItem
	retryAt   []time.Time
	failEnq   bool
}

func (q *fakeQueue) Enqueue(ctx context.Context, item queue.WorkItem) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.failEnq {
		return errs.New(errs.KindTransient, "queue down")
	}
	q.enqueued = append(q.enqueued, item)
	return nil
}

func (q *fakeQueue) Dequeue(ctx context.Context, instanceID string) (*queue.WorkItem, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.enqueued) == 0 {
		return nil, nil
	}
	item := q.enqueued[0]
	q.enqueued = q.enqueued[1:]
	return &item, nil
}

func (q *fakeQueue) ExtendClaim(ctx context.Context, taskID, instanceID string, extension time.Duration) error {
	return nil
}

func (q *fakeQueue) Acknowledge(ctx context.Context, taskID, instanceID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.acked = append(q.acked, taskID)
	return nil
}

func (q *fakeQueue) ReturnToQueue(ctx context.Context, taskID, instanceID, reason string, retryAfter time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.returned = append(q.returned, taskID)
	return nil
}

func (q *fakeQueue) ScheduleRetry(ctx context.Context, item queue.WorkItem, eligibleAt time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.retries = append(q.retries, item)
	q.retryAt = append(q.retryAt, eligibleAt)
	return nil
}

func (q *fakeQueue) RecoverOrphans(ctx context.Context, retryDelay time.Duration) (int, error) {
	return 0, nil
}

var _ queue.Queue = (*fakeQueue)(nil)

type recordedEvent struct {
	topic   events.Topic
	taskID  string
	payload interface{}
}

type capturePublisher struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (p *capturePublisher) Publish(_ context.Context, topic events.Topic, taskID string, payload interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, recordedEvent{topic: topic, taskID: taskID, payload: payload})
	return nil
}

func (p *capturePublisher) Close() error { return nil }

func (p *capturePublisher) last(topic events.Topic) (recordedEvent, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := len(p.events) - 1; i >= 0; i-- {
		if p.events[i].topic == topic {
			return p.events[i], true
		}
	}
	return recordedEvent{}, false
}

func (p *capturePublisher) count(topic events.Topic) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, e := range p.events {
		if e.topic == topic {
			n++
		}
	}
	return n
}

type testEnv struct {
	orch  *Orchestrator
	store *store.MemoryStore
	queue *fakeQueue
	bus   *capturePublisher
	mock  *provider.Mock
	blobs *MemoryBlobStore
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	mock := provider.NewMock("openai")
	registry := provider.NewRegistry()
	registry.Register(mock, resilience.ProviderInfo{
		Capabilities: []resilience.Capability{
			resilience.CapTranscribe, resilience.CapSynthesize,
			resilience.CapImage, resilience.CapVideo, resilience.CapRealtime,
		},
		ModelCategories: []string{"whisper-1", "tts-1", "dall-e-3", "sora", "gpt-4o-realtime-preview"},
	})

	health := resilience.NewController(resilience.DefaultOptions(), nil, registry.Prober(), nil, nil)
	for _, info := range registry.Infos() {
		health.Register(info)
	}

	keys := NewMemoryKeyValidator()
	keys.Put(VirtualKey{ID: "vk-1", Balance: decimal.NewFromInt(50)})

	st := store.NewMemoryStore()
	q := &fakeQueue{}
	bus := &capturePublisher{}
	blobs := NewMemoryBlobStore()

	orch := NewOrchestrator(OrchestratorDeps{
		Store:    st,
		Queue:    q,
		Bus:      bus,
		Pricing:  pricing.NewEngine(nil),
		Health:   health,
		Registry: registry,
		Blobs:    blobs,
		Keys:     keys,
		Progress: progress.NewTracker(st, bus),
		Quality:  quality.NewTracker(),
	})
	return &testEnv{orch: orch, store: st, queue: q, bus: bus, mock: mock, blobs: blobs}
}

func submitTask(t *testing.T, env *testEnv, taskType store.TaskType, metadata string) *store.Task {
	t.Helper()
	task, err := env.orch.Submit(context.Background(), SubmitRequest{
		Type:         taskType,
		VirtualKeyID: "vk-1",
		Metadata:     json.RawMessage(metadata),
		WebhookURL:   "https://example.com/hook",
	})
	if err != nil {
		t.Fatal(err)
	}
	return task
}

func TestSubmitCreatesAndEnqueues(t *testing.T) {
	env := newTestEnv(t)
	task := submitTask(t, env, store.TypeTranscription, `{"provider":"openai","model":"whisper-1","audio_url":"https://a/b.mp3"}`)

	if task.ID == "" || task.State != store.StatePending {
		t.Fatalf("task = %+v", task)
	}
	if len(env.queue.enqueued) != 1 || env.queue.enqueued[0].TaskID != task.ID {
		t.Errorf("enqueued = %+v", env.queue.enqueued)
	}
	if env.bus.count(events.TaskCreated) != 1 {
		t.Error("TaskCreated not published")
	}
}

func TestSubmitEnqueueFailureFailsTask(t *testing.T) {
	env := newTestEnv(t)
	env.queue.failEnq = true

	_, err := env.orch.Submit(context.Background(), SubmitRequest{
		Type:         store.TypeTranscription,
		VirtualKeyID: "vk-1",
	})
	if err == nil {
		t.Fatal("expected enqueue error")
	}
	if env.bus.count(events.TaskCreated) != 0 {
		t.Error("TaskCreated published for a submission that never enqueued")
	}
}

func TestSubmitRejectsUnknownKey(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.orch.Submit(context.Background(), SubmitRequest{
		Type:         store.TypeImage,
		VirtualKeyID: "nope",
	})
	if errs.Classify(err) != errs.KindAuthorization {
		t.Fatalf("err = %v, want authorization kind", err)
	}
}

func TestExecuteTranscriptionCompletesAndCharges(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	task := submitTask(t, env, store.TypeTranscription, `{"provider":"openai","model":"whisper-1","audio_url":"https://a/b.mp3"}`)

	item := &queue.WorkItem{TaskID: task.ID, VirtualKeyID: "vk-1"}
	env.orch.Execute(ctx, item, "worker-1")

	got, _ := env.store.Get(ctx, task.ID)
	if got.State != store.StateCompleted {
		t.Fatalf("state = %s (error %q)", got.State, got.Error)
	}
	var res provider.TranscriptionResult
	if err := json.Unmarshal(got.Result, &res); err != nil {
		t.Fatal(err)
	}
	if res.Text != "hello world" {
		t.Errorf("result text = %q", res.Text)
	}

	if env.bus.count(events.TaskCompleted) != 1 {
		t.Error("TaskCompleted not published")
	}
	if env.bus.count(events.BillingCharge) != 1 {
		t.Error("charge event not published")
	}
	if env.bus.count(events.WebhookDeliveryRequested) != 1 {
		t.Error("webhook not requested")
	}
	if len(env.queue.acked) != 1 {
		t.Errorf("acked = %v", env.queue.acked)
	}
}

func TestReExecutionDoesNotDoubleCharge(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	task := submitTask(t, env, store.TypeTranscription, `{"provider":"openai","model":"whisper-1","audio_url":"https://a/b.mp3"}`)
	item := &queue.WorkItem{TaskID: task.ID, VirtualKeyID: "vk-1"}

	// Second delivery of the same item, as after a lost claim.
	env.orch.Execute(ctx, item, "worker-1")
	env.orch.Execute(ctx, item, "worker-2")

	if n := env.bus.count(events.BillingCharge); n != 1 {
		t.Fatalf("charge events = %d, want exactly 1", n)
	}
	if n := env.bus.count(events.TaskCompleted); n != 1 {
		t.Errorf("TaskCompleted events = %d, want 1 (second delivery retires silently)", n)
	}
}

func TestLegacyMetadataWrapper(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	task := submitTask(t, env, store.TypeTranscription,
		`{"originalMetadata":{"provider":"openai","model":"whisper-1","audio_url":"https://a/b.mp3"}}`)

	env.orch.Execute(ctx, &queue.WorkItem{TaskID: task.ID}, "worker-1")

	got, _ := env.store.Get(ctx, task.ID)
	if got.State != store.StateCompleted {
		t.Fatalf("state = %s (error %q), legacy wrapper not unwrapped", got.State, got.Error)
	}
}

func TestRetryableFailureSchedulesBackoff(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.mock.Err = errs.New(errs.KindTransient, "upstream flake")

	task := submitTask(t, env, store.TypeTranscription, `{"provider":"openai","model":"whisper-1"}`)
	env.orch.Execute(ctx, &queue.WorkItem{TaskID: task.ID}, "worker-1")

	got, _ := env.store.Get(ctx, task.ID)
	if got.State != store.StatePending {
		t.Fatalf("state = %s, want pending for retry", got.State)
	}
	if got.RetryCount != 1 || got.NextRetryAt == nil {
		t.Errorf("retry fields: count=%d next=%v", got.RetryCount, got.NextRetryAt)
	}
	if len(env.queue.retries) != 1 {
		t.Fatalf("scheduled retries = %d", len(env.queue.retries))
	}
	// First retry lands around now + 30s, jittered +/-20%.
	if d := time.Until(env.queue.retryAt[0]); d < 20*time.Second || d > 40*time.Second {
		t.Errorf("first retry in %v, want ~30s", d)
	}
	if env.bus.count(events.TaskFailed) != 0 {
		t.Error("TaskFailed published for a retryable failure")
	}
}

func TestNetworkTimeoutIsRetried(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.mock.Err = &net.DNSError{Err: "lookup timed out", IsTimeout: true}

	task := submitTask(t, env, store.TypeTranscription, `{"provider":"openai","model":"whisper-1"}`)
	env.orch.Execute(ctx, &queue.WorkItem{TaskID: task.ID}, "worker-1")

	got, _ := env.store.Get(ctx, task.ID)
	if got.State != store.StatePending {
		t.Fatalf("state = %s, want pending (network timeouts are transient)", got.State)
	}
	if got.RetryCount != 1 {
		t.Errorf("retry count = %d, want 1", got.RetryCount)
	}
	if len(env.queue.retries) != 1 {
		t.Errorf("scheduled retries = %d, want 1", len(env.queue.retries))
	}
}

func TestFatalFailureFinishesTask(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.mock.Err = errs.ErrContentBlocked

	task := submitTask(t, env, store.TypeTranscription, `{"provider":"openai","model":"whisper-1"}`)
	env.orch.Execute(ctx, &queue.WorkItem{TaskID: task.ID}, "worker-1")

	got, _ := env.store.Get(ctx, task.ID)
	if got.State != store.StateFailed {
		t.Fatalf("state = %s, want failed", got.State)
	}
	if got.Error == "" {
		t.Error("error message empty")
	}
	if env.bus.count(events.TaskFailed) != 1 {
		t.Error("TaskFailed not published")
	}
	if env.bus.count(events.WebhookDeliveryRequested) != 1 {
		t.Error("failure webhook not requested")
	}
}

func TestRetriesExhaustedFails(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.mock.Err = errs.New(errs.KindTransient, "still flaking")

	task := submitTask(t, env, store.TypeTranscription, `{"provider":"openai","model":"whisper-1"}`)
	item := &queue.WorkItem{TaskID: task.ID}

	for i := 0; i <= task.MaxRetries; i++ {
		env.orch.Execute(ctx, item, "worker-1")
	}

	got, _ := env.store.Get(ctx, task.ID)
	if got.State != store.StateFailed {
		t.Fatalf("state = %s after exhausting retries", got.State)
	}
	if got.RetryCount != task.MaxRetries {
		t.Errorf("retry count = %d, want %d", got.RetryCount, task.MaxRetries)
	}
}

func TestCancelBeatsExecution(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	task := submitTask(t, env, store.TypeTranscription, `{"provider":"openai","model":"whisper-1"}`)

	if err := env.orch.Cancel(ctx, task.ID); err != nil {
		t.Fatal(err)
	}
	env.orch.Execute(ctx, &queue.WorkItem{TaskID: task.ID}, "worker-1")

	got, _ := env.store.Get(ctx, task.ID)
	if got.State != store.StateCancelled {
		t.Fatalf("state = %s, cancellation must stick", got.State)
	}
	if len(env.mock.Calls()) != 0 {
		t.Error("provider invoked for a cancelled task")
	}
	if env.bus.count(events.TaskCancelled) != 1 {
		t.Error("TaskCancelled not published")
	}
}

func TestCancelUnknownTask(t *testing.T) {
	env := newTestEnv(t)
	if err := env.orch.Cancel(context.Background(), "ghost"); errs.Classify(err) != errs.KindNotFound {
		t.Fatalf("err = %v, want not-found", err)
	}
}

func TestInlineMediaPersistedToBlobStore(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	// Mock TTS result carries inline base64 audio.
	task := submitTask(t, env, store.TypeTTS, `{"provider":"openai","model":"tts-1","text":"hello world"}`)

	env.orch.Execute(ctx, &queue.WorkItem{TaskID: task.ID}, "worker-1")

	got, _ := env.store.Get(ctx, task.ID)
	if got.State != store.StateCompleted {
		t.Fatalf("state = %s (error %q)", got.State, got.Error)
	}
	var res struct {
		AudioURL string `json:"audio_url"`
	}
	if err := json.Unmarshal(got.Result, &res); err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(res.AudioURL, "memory://audio/") {
		t.Errorf("audio url = %q, want our storage url", res.AudioURL)
	}
	data, _, ok := env.blobs.Get("audio/" + task.ID)
	if !ok {
		t.Fatal("audio object missing from blob store")
	}

	ev, ok := env.bus.last(events.MediaGenerationCompleted)
	if !ok {
		t.Fatal("MediaGenerationCompleted not published")
	}
	payload, ok := ev.payload.(map[string]interface{})
	if !ok {
		t.Fatalf("payload = %T", ev.payload)
	}
	objects, ok := payload["objects"].([]mediaObject)
	if !ok || len(objects) != 1 {
		t.Fatalf("objects = %#v, want one media object", payload["objects"])
	}
	if objects[0].Key != "audio/"+task.ID {
		t.Errorf("object key = %q", objects[0].Key)
	}
	if objects[0].Bytes != int64(len(data)) {
		t.Errorf("object bytes = %d, want %d", objects[0].Bytes, len(data))
	}
}

type failingTransport struct{}

func (failingTransport) RoundTrip(*http.Request) (*http.Response, error) {
	return nil, errors.New("dial tcp: connection refused")
}

func TestProviderURLKeptOnDownloadFailure(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.orch.DownloaderTransport(failingTransport{})

	task := submitTask(t, env, store.TypeImage, `{"provider":"openai","model":"dall-e-3","prompt":"a fox"}`)
	env.orch.Execute(ctx, &queue.WorkItem{TaskID: task.ID}, "worker-1")

	got, _ := env.store.Get(ctx, task.ID)
	if got.State != store.StateCompleted {
		t.Fatalf("state = %s (error %q), download failure must not fail the task", got.State, got.Error)
	}
	var res struct {
		Images []string `json:"images"`
	}
	if err := json.Unmarshal(got.Result, &res); err != nil {
		t.Fatal(err)
	}
	if len(res.Images) != 1 || res.Images[0] != "https://cdn.example.com/mock.png" {
		t.Errorf("images = %v, want provider url fallback", res.Images)
	}
}

func TestQuarantinedProviderFailsOver(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	backup := provider.NewMock("deepgram")
	env.orch.registry.Register(backup, resilience.ProviderInfo{
		Capabilities:    []resilience.Capability{resilience.CapTranscribe},
		ModelCategories: []string{"whisper-1"},
	})
	env.orch.health.Register(resilience.ProviderInfo{
		ID:              "deepgram",
		Capabilities:    []resilience.Capability{resilience.CapTranscribe},
		ModelCategories: []string{"whisper-1"},
	})
	env.orch.health.Quarantine(ctx, "openai", "manual")

	task := submitTask(t, env, store.TypeTranscription, `{"provider":"openai","model":"whisper-1"}`)
	env.orch.Execute(ctx, &queue.WorkItem{TaskID: task.ID}, "worker-1")

	got, _ := env.store.Get(ctx, task.ID)
	if got.State != store.StateCompleted {
		t.Fatalf("state = %s (error %q)", got.State, got.Error)
	}
	if len(backup.Calls()) == 0 {
		t.Error("backup provider never invoked")
	}
	if len(env.mock.Calls()) != 0 {
		t.Error("quarantined provider invoked")
	}
}
