package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net/http"
	"time"

	"github.com/conduit-ai/conduit/gateway/errs"
	"github.com/conduit-ai/conduit/gateway/events"
	"github.com/conduit-ai/conduit/gateway/observability"
	"github.com/conduit-ai/conduit/gateway/pricing"
	"github.com/conduit-ai/conduit/gateway/progress"
	"github.com/conduit-ai/conduit/gateway/provider"
	"github.com/conduit-ai/conduit/gateway/quality"
	"github.com/conduit-ai/conduit/gateway/queue"
	"github.com/conduit-ai/conduit/gateway/resilience"
	"github.com/conduit-ai/conduit/gateway/stats"
	"github.com/conduit-ai/conduit/gateway/store"
	"github.com/conduit-ai/conduit/gateway/webhook"
)

const (
	retryBackoffBase = 30 * time.Second
	retryBackoffCap  = 5 * time.Minute

	videoDownloadCap = 15 * time.Minute
	imageDownloadCap = 2 * time.Minute
	audioDownloadCap = 5 * time.Minute
)

// Orchestrator drives one task end to end: provider selection, invocation,
// media persistence, cost charge, webhook dispatch and retry scheduling.
// It holds no durable state of its own; every side effect is keyed by task
// id so re-execution after a lost claim stays correct.
type Orchestrator struct {
	store      store.Store
	queue      queue.Queue
	bus        events.Publisher
	pricing    *pricing.Engine
	health     *resilience.Controller
	registry   *provider.Registry
	blobs      BlobStore
	keys       KeyValidator
	progress   *progress.Tracker
	quality    *quality.Tracker
	stats      *stats.Collector
	downloader *http.Client

	maxRuntime time.Duration
}

type OrchestratorDeps struct {
	Store      store.Store
	Queue      queue.Queue
	Bus        events.Publisher
	Pricing    *pricing.Engine
	Health     *resilience.Controller
	Registry   *provider.Registry
	Blobs      BlobStore
	Keys       KeyValidator
	Progress   *progress.Tracker
	Quality    *quality.Tracker
	Stats      *stats.Collector
	MaxRuntime time.Duration
}

func NewOrchestrator(deps OrchestratorDeps) *Orchestrator {
	if deps.MaxRuntime <= 0 {
		deps.MaxRuntime = 15 * time.Minute
	}
	return &Orchestrator{
		store:      deps.Store,
		queue:      deps.Queue,
		bus:        deps.Bus,
		pricing:    deps.Pricing,
		health:     deps.Health,
		registry:   deps.Registry,
		blobs:      deps.Blobs,
		keys:       deps.Keys,
		progress:   deps.Progress,
		quality:    deps.Quality,
		stats:      deps.Stats,
		downloader: &http.Client{},
		maxRuntime: deps.MaxRuntime,
	}
}

// SubmitRequest is the validated task submission.
type SubmitRequest struct {
	Type           store.TaskType
	VirtualKeyID   string
	Metadata       json.RawMessage
	Priority       int
	MaxRetries     int
	WebhookURL     string
	WebhookHeaders map[string]string
	CorrelationID  string
}

// Submit validates the key, persists the task and enqueues it.
func (o *Orchestrator) Submit(ctx context.Context, req SubmitRequest) (*store.Task, error) {
	if _, err := o.keys.Validate(ctx, req.VirtualKeyID); err != nil {
		return nil, err
	}

	task := &store.Task{
		Type:           req.Type,
		VirtualKeyID:   req.VirtualKeyID,
		Metadata:       req.Metadata,
		MaxRetries:     req.MaxRetries,
		WebhookURL:     req.WebhookURL,
		WebhookHeaders: req.WebhookHeaders,
		CorrelationID:  req.CorrelationID,
	}
	if task.MaxRetries <= 0 {
		task.MaxRetries = 3
	}
	if err := o.store.Create(ctx, task); err != nil {
		return nil, err
	}

	if err := o.queue.Enqueue(ctx, queue.WorkItem{
		TaskID:       task.ID,
		Priority:     req.Priority,
		VirtualKeyID: task.VirtualKeyID,
		EnqueuedAt:   time.Now().UTC(),
	}); err != nil {
		// The record exists but nothing will execute it; fail the task so
		// the caller is not left polling forever.
		o.store.UpdateState(ctx, task.ID, store.StateUpdate{
			State: store.StateFailed,
			Error: "enqueue failed",
		})
		return nil, fmt.Errorf("enqueue task %s: %w", task.ID, err)
	}

	observability.TasksSubmitted.WithLabelValues(string(task.Type)).Inc()
	o.publish(ctx, events.TaskCreated, task.ID, map[string]string{
		"task_id": task.ID,
		"type":    string(task.Type),
	})
	return task, nil
}

// Cancel requests cancellation. First terminal state wins: a task that
// completed concurrently stays completed.
func (o *Orchestrator) Cancel(ctx context.Context, taskID string) error {
	task, err := o.store.Get(ctx, taskID)
	if err != nil {
		return err
	}
	if task == nil {
		return errs.ErrTaskNotFound
	}

	if _, err := o.store.UpdateState(ctx, taskID, store.StateUpdate{State: store.StateCancelled}); err != nil {
		return err
	}
	o.cancelTracking(ctx, taskID)
	observability.TasksCompleted.WithLabelValues(string(task.Type), string(store.StateCancelled)).Inc()
	o.publish(ctx, events.TaskCancelled, taskID, map[string]string{"task_id": taskID})
	o.notify(ctx, task, events.TaskCancelled, store.StateCancelled, nil, "")
	return nil
}

// Execute runs one claimed work item to an exit. Every exit path releases
// the claim and, on terminal transitions, emits the terminal event and
// webhook.
func (o *Orchestrator) Execute(ctx context.Context, item *queue.WorkItem, instanceID string) {
	start := time.Now()
	defer func() {
		observability.TaskRuntimeSeconds.Observe(time.Since(start).Seconds())
	}()

	task, err := o.store.Get(ctx, item.TaskID)
	if err != nil {
		log.Printf("orchestrator: load %s: %v", item.TaskID, err)
		o.queue.ReturnToQueue(ctx, item.TaskID, instanceID, "store unavailable", 0)
		return
	}
	// Absent or already-terminal tasks just retire the work item; a second
	// delivery of finished work is expected under at-least-once.
	if task == nil || task.State.IsTerminal() {
		o.queue.Acknowledge(ctx, item.TaskID, instanceID)
		return
	}

	if _, err := o.store.UpdateState(ctx, task.ID, store.StateUpdate{State: store.StateProcessing}); err != nil {
		// A cancel won the race. Retire the item.
		if errors.Is(err, errs.ErrTerminalState) {
			o.queue.Acknowledge(ctx, item.TaskID, instanceID)
			return
		}
		o.queue.ReturnToQueue(ctx, item.TaskID, instanceID, "state transition failed", 0)
		return
	}
	task.State = store.StateProcessing

	runCtx, cancel := context.WithTimeout(ctx, o.maxRuntime)
	defer cancel()

	result, providerID, media, execErr := o.invoke(runCtx, task)
	if execErr != nil {
		o.handleFailure(ctx, task, item, instanceID, execErr)
		return
	}
	o.complete(ctx, task, instanceID, providerID, result, media)
}

// taskMetadata is the request payload reconstructed from task metadata.
type taskMetadata struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`

	// transcription
	AudioURL string `json:"audio_url"`
	Language string `json:"language"`
	Prompt   string `json:"prompt"`

	// tts
	Text   string `json:"text"`
	Voice  string `json:"voice"`
	Format string `json:"format"`

	// image / video
	Size            string `json:"size"`
	Count           int    `json:"n"`
	DurationSeconds int    `json:"duration_seconds"`
}

// decodeMetadata unwraps the legacy envelope where the payload is nested
// under "originalMetadata", then decodes the typed request.
func decodeMetadata(raw json.RawMessage) (*taskMetadata, error) {
	if len(raw) == 0 {
		return nil, errs.New(errs.KindValidation, "task has no metadata")
	}
	var wrapper struct {
		Original json.RawMessage `json:"originalMetadata"`
	}
	if err := json.Unmarshal(raw, &wrapper); err == nil && len(wrapper.Original) > 0 {
		raw = wrapper.Original
	}
	var md taskMetadata
	if err := json.Unmarshal(raw, &md); err != nil {
		return nil, errs.Wrap(errs.KindValidation, "malformed task metadata", err)
	}
	return &md, nil
}

func capabilityFor(t store.TaskType) resilience.Capability {
	switch t {
	case store.TypeTranscription:
		return resilience.CapTranscribe
	case store.TypeTTS:
		return resilience.CapSynthesize
	case store.TypeImage:
		return resilience.CapImage
	case store.TypeVideo:
		return resilience.CapVideo
	default:
		return resilience.CapRealtime
	}
}

// invoke resolves the provider and runs the typed operation, returning the
// structured result for the task record and the media objects it persisted.
func (o *Orchestrator) invoke(ctx context.Context, task *store.Task) (json.RawMessage, string, []mediaObject, error) {
	md, err := decodeMetadata(task.Metadata)
	if err != nil {
		return nil, "", nil, err
	}

	if _, err := o.keys.Validate(ctx, task.VirtualKeyID); err != nil {
		return nil, "", nil, err
	}

	providerID, err := o.health.SelectProvider(md.Provider, capabilityFor(task.Type), md.Model)
	if err != nil {
		return nil, "", nil, errs.Wrap(errs.KindProviderDegraded, "provider selection", err)
	}
	if !o.health.Allow(providerID) {
		return nil, providerID, nil, errs.Wrap(errs.KindProviderDegraded, "provider not accepting traffic", nil)
	}
	adapter, ok := o.registry.Get(providerID)
	if !ok {
		return nil, providerID, nil, errs.Newf(errs.KindFatal, "provider %q selected but not registered", providerID)
	}

	invokeStart := time.Now()
	var result json.RawMessage
	var media []mediaObject
	switch task.Type {
	case store.TypeTranscription:
		result, err = o.runTranscription(ctx, task, adapter, md)
	case store.TypeTTS:
		result, media, err = o.runTTS(ctx, task, adapter, md)
	case store.TypeImage:
		result, media, err = o.runImage(ctx, task, adapter, md)
	case store.TypeVideo:
		result, media, err = o.runVideo(ctx, task, adapter, md)
	case store.TypeRealtime:
		result, err = o.runRealtime(ctx, task, adapter, md)
	default:
		return nil, providerID, nil, errs.Newf(errs.KindValidation, "unsupported task type %q", task.Type)
	}
	if o.stats != nil {
		millis := float64(time.Since(invokeStart).Milliseconds())
		if serr := o.stats.RecordResponseTime(ctx, statsRegion, providerID, millis); serr != nil {
			log.Printf("orchestrator: record response time: %v", serr)
		}
		metric := stats.HitCount
		if err != nil {
			metric = stats.ErrorCount
		}
		if serr := o.stats.Record(ctx, statsRegion, metric, 1); serr != nil {
			log.Printf("orchestrator: record counter: %v", serr)
		}
	}
	if err != nil {
		o.health.RecordFailure(ctx, providerID, err)
		return nil, providerID, nil, err
	}
	o.health.RecordSuccess(providerID)
	return result, providerID, media, nil
}

func (o *Orchestrator) runTranscription(ctx context.Context, task *store.Task, a provider.Adapter, md *taskMetadata) (json.RawMessage, error) {
	res, err := a.Transcribe(ctx, provider.TranscriptionRequest{
		AudioURL: md.AudioURL,
		Model:    md.Model,
		Language: md.Language,
		Prompt:   md.Prompt,
	})
	if err != nil {
		return nil, err
	}

	if o.quality != nil && res.Confidence > 0 {
		o.quality.Record(a.ID(), md.Model, res.Language, quality.Sample{
			Confidence:    res.Confidence,
			WordErrorRate: res.WordErrorRate,
		})
	}
	o.charge(ctx, task, func() (pricing.CostResult, error) {
		return o.pricing.Transcription(ctx, a.ID(), md.Model, res.DurationSeconds)
	})
	return json.Marshal(res)
}

func (o *Orchestrator) runTTS(ctx context.Context, task *store.Task, a provider.Adapter, md *taskMetadata) (json.RawMessage, []mediaObject, error) {
	res, err := a.Synthesize(ctx, provider.SpeechRequest{
		Text:   md.Text,
		Model:  md.Model,
		Voice:  md.Voice,
		Format: md.Format,
	})
	if err != nil {
		return nil, nil, err
	}

	url, media := o.persistMedia(ctx, task.ID, "audio", res.Audio, audioDownloadCap)
	o.charge(ctx, task, func() (pricing.CostResult, error) {
		return o.pricing.TTS(ctx, a.ID(), md.Model, int64(res.CharacterCount))
	})
	result, err := json.Marshal(map[string]interface{}{
		"audio_url":       url,
		"character_count": res.CharacterCount,
	})
	return result, collectMedia(nil, media), err
}

func (o *Orchestrator) runImage(ctx context.Context, task *store.Task, a provider.Adapter, md *taskMetadata) (json.RawMessage, []mediaObject, error) {
	res, err := a.GenerateImage(ctx, provider.ImageRequest{
		Prompt: md.Prompt,
		Model:  md.Model,
		Size:   md.Size,
		Count:  md.Count,
	})
	if err != nil {
		return nil, nil, err
	}

	var objects []mediaObject
	urls := make([]string, 0, len(res.Images))
	for i, img := range res.Images {
		url, media := o.persistMedia(ctx, fmt.Sprintf("%s/%d", task.ID, i), "image", img, imageDownloadCap)
		urls = append(urls, url)
		objects = collectMedia(objects, media)
	}
	result, err := json.Marshal(map[string]interface{}{"images": urls})
	return result, objects, err
}

func (o *Orchestrator) runVideo(ctx context.Context, task *store.Task, a provider.Adapter, md *taskMetadata) (json.RawMessage, []mediaObject, error) {
	// Third-party video generation reports no progress; synthesize it.
	if o.progress != nil {
		o.progress.Track(task, 0)
	}
	res, err := a.GenerateVideo(ctx, provider.VideoRequest{
		Prompt:          md.Prompt,
		Model:           md.Model,
		DurationSeconds: md.DurationSeconds,
	})
	if err != nil {
		return nil, nil, err
	}

	url, media := o.persistMedia(ctx, task.ID, "video", res.Video, videoDownloadCap)
	result, err := json.Marshal(map[string]interface{}{"video_url": url})
	return result, collectMedia(nil, media), err
}

func (o *Orchestrator) runRealtime(ctx context.Context, task *store.Task, a provider.Adapter, md *taskMetadata) (json.RawMessage, error) {
	session, err := a.OpenRealtime(ctx, provider.RealtimeRequest{Model: md.Model, Voice: md.Voice})
	if err != nil {
		return nil, err
	}
	defer session.Close()

	usage := session.Usage()
	o.charge(ctx, task, func() (pricing.CostResult, error) {
		return o.pricing.Realtime(ctx, a.ID(), md.Model, pricing.Usage{
			InputAudioSeconds:  usage.InputSeconds,
			OutputAudioSeconds: usage.OutputSeconds,
			InputTokens:        usage.InputTokens,
			OutputTokens:       usage.OutputTokens,
		})
	})
	return json.Marshal(map[string]interface{}{
		"session_id": session.SessionID(),
		"usage":      usage,
	})
}

// mediaObject describes one artifact moved into our storage, reported on
// MediaGenerationCompleted.
type mediaObject struct {
	Key   string `json:"key"`
	URL   string `json:"url"`
	Bytes int64  `json:"bytes"`
}

func collectMedia(objects []mediaObject, m *mediaObject) []mediaObject {
	if m == nil {
		return objects
	}
	return append(objects, *m)
}

// countingReader counts bytes as the blob store consumes them.
type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

// persistMedia moves a provider artifact into our storage. Inline base64
// bodies are decoded and uploaded; external URLs are downloaded (bounded by
// cap) and re-uploaded. On download failure the provider URL stands as
// fallback rather than failing the task, and no media object is reported.
func (o *Orchestrator) persistMedia(ctx context.Context, key, kind string, payload provider.MediaPayload, cap time.Duration) (string, *mediaObject) {
	blobKey := fmt.Sprintf("%s/%s", kind, key)

	if payload.Base64 != "" {
		body := &countingReader{r: base64.NewDecoder(base64.StdEncoding, bytes.NewReader([]byte(payload.Base64)))}
		url, err := o.blobs.Put(ctx, blobKey, payload.ContentType, body)
		if err != nil {
			log.Printf("orchestrator: persist inline %s: %v", blobKey, err)
			return payload.URL, nil
		}
		return url, &mediaObject{Key: blobKey, URL: url, Bytes: body.n}
	}
	if payload.URL == "" {
		return "", nil
	}

	dlCtx, cancel := context.WithTimeout(ctx, cap)
	defer cancel()
	req, err := http.NewRequestWithContext(dlCtx, http.MethodGet, payload.URL, nil)
	if err != nil {
		return payload.URL, nil
	}
	resp, err := o.downloader.Do(req)
	if err != nil {
		log.Printf("orchestrator: download %s: %v (keeping provider url)", payload.URL, err)
		return payload.URL, nil
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		log.Printf("orchestrator: download %s: status %d (keeping provider url)", payload.URL, resp.StatusCode)
		return payload.URL, nil
	}

	contentType := payload.ContentType
	if contentType == "" {
		contentType = resp.Header.Get("Content-Type")
	}
	body := &countingReader{r: resp.Body}
	url, err := o.blobs.Put(ctx, blobKey, contentType, body)
	if err != nil {
		log.Printf("orchestrator: persist %s: %v (keeping provider url)", blobKey, err)
		return payload.URL, nil
	}
	return url, &mediaObject{Key: blobKey, URL: url, Bytes: body.n}
}

// charge computes the cost and emits a charge event exactly once per task.
// The idempotency marker is checked before the event so a re-executed task
// cannot double-charge.
func (o *Orchestrator) charge(ctx context.Context, task *store.Task, compute func() (pricing.CostResult, error)) {
	fresh, err := o.store.MarkCharged(ctx, task.ID)
	if err != nil {
		log.Printf("orchestrator: charge marker for %s: %v", task.ID, err)
		return
	}
	if !fresh {
		return
	}

	cost, err := compute()
	if err != nil {
		log.Printf("orchestrator: cost for %s: %v", task.ID, err)
		return
	}

	observability.ChargesEmitted.WithLabelValues(cost.Provider, string(cost.Operation)).Inc()
	o.publish(ctx, events.BillingCharge, task.ID, map[string]interface{}{
		"task_id":        task.ID,
		"virtual_key_id": task.VirtualKeyID,
		"cost":           cost,
	})
}

func (o *Orchestrator) complete(ctx context.Context, task *store.Task, instanceID, providerID string, result json.RawMessage, media []mediaObject) {
	if _, err := o.store.UpdateState(ctx, task.ID, store.StateUpdate{
		State:  store.StateCompleted,
		Result: result,
	}); err != nil {
		// A concurrent cancel reached terminal first; its webhook already
		// went out.
		o.queue.Acknowledge(ctx, task.ID, instanceID)
		return
	}

	o.queue.Acknowledge(ctx, task.ID, instanceID)
	observability.TasksCompleted.WithLabelValues(string(task.Type), string(store.StateCompleted)).Inc()

	o.publish(ctx, events.TaskCompleted, task.ID, map[string]interface{}{
		"task_id":  task.ID,
		"provider": providerID,
	})
	switch task.Type {
	case store.TypeImage, store.TypeVideo, store.TypeTTS:
		o.publish(ctx, events.MediaGenerationCompleted, task.ID, map[string]interface{}{
			"task_id": task.ID,
			"type":    string(task.Type),
			"objects": media,
		})
	}
	o.notify(ctx, task, events.TaskCompleted, store.StateCompleted, result, "")
}

// handleFailure classifies the error and either schedules a retry with
// jittered exponential backoff or finishes the task as failed/cancelled.
func (o *Orchestrator) handleFailure(ctx context.Context, task *store.Task, item *queue.WorkItem, instanceID string, execErr error) {
	kind := errs.Classify(execErr)
	msg := errs.Sanitize(execErr.Error())

	if kind == errs.KindCancelled {
		if _, err := o.store.UpdateState(ctx, task.ID, store.StateUpdate{State: store.StateCancelled}); err == nil {
			observability.TasksCompleted.WithLabelValues(string(task.Type), string(store.StateCancelled)).Inc()
			o.publish(ctx, events.TaskCancelled, task.ID, map[string]string{"task_id": task.ID})
			o.notify(ctx, task, events.TaskCancelled, store.StateCancelled, nil, "")
		}
		o.cancelTracking(ctx, task.ID)
		o.queue.Acknowledge(ctx, task.ID, instanceID)
		return
	}

	terminalState := store.StateFailed
	if kind == errs.KindTimedOut {
		terminalState = store.StateTimedOut
	}

	if kind.Retryable() && task.RetryCount < task.MaxRetries {
		retries := task.RetryCount + 1
		eligibleAt := time.Now().Add(retryBackoff(task.RetryCount))
		if _, err := o.store.UpdateState(ctx, task.ID, store.StateUpdate{
			State:       store.StatePending,
			Error:       msg,
			RetryCount:  &retries,
			NextRetryAt: &eligibleAt,
		}); err != nil {
			o.queue.Acknowledge(ctx, task.ID, instanceID)
			return
		}

		o.queue.Acknowledge(ctx, task.ID, instanceID)
		if err := o.queue.ScheduleRetry(ctx, *item, eligibleAt); err != nil {
			log.Printf("orchestrator: schedule retry for %s: %v", task.ID, err)
		}
		observability.TaskRetries.Inc()
		log.Printf("orchestrator: task %s retry %d/%d in %s (%s)",
			task.ID, retries, task.MaxRetries, time.Until(eligibleAt).Round(time.Second), kind)
		return
	}

	if _, err := o.store.UpdateState(ctx, task.ID, store.StateUpdate{
		State: terminalState,
		Error: msg,
	}); err == nil {
		observability.TasksCompleted.WithLabelValues(string(task.Type), string(terminalState)).Inc()
		o.publish(ctx, events.TaskFailed, task.ID, map[string]interface{}{
			"task_id": task.ID,
			"error":   msg,
			"kind":    kind.String(),
		})
		o.notify(ctx, task, events.TaskFailed, terminalState, nil, msg)
	}
	o.cancelTracking(ctx, task.ID)
	o.queue.Acknowledge(ctx, task.ID, instanceID)
}

// retryBackoff is base * 2^count, jittered +/-20%, capped.
func retryBackoff(retryCount int) time.Duration {
	d := retryBackoffBase << uint(retryCount)
	if d > retryBackoffCap || d <= 0 {
		d = retryBackoffCap
	}
	jitter := time.Duration(rand.Int63n(2*int64(d)/5+1)) - d/5
	return d + jitter
}

func (o *Orchestrator) cancelTracking(ctx context.Context, taskID string) {
	if o.progress != nil {
		o.progress.Cancel(ctx, taskID)
	}
}

// notify requests a webhook delivery if the task carries one.
func (o *Orchestrator) notify(ctx context.Context, task *store.Task, event events.Topic, state store.State, result json.RawMessage, errMsg string) {
	if task.WebhookURL == "" {
		return
	}
	o.publish(ctx, events.WebhookDeliveryRequested, task.ID, webhookDelivery(task, event, state, result, errMsg))
}

func (o *Orchestrator) publish(ctx context.Context, topic events.Topic, taskID string, payload interface{}) {
	if err := o.bus.Publish(ctx, topic, taskID, payload); err != nil {
		log.Printf("orchestrator: publish %s for %s: %v", topic, taskID, err)
	}
}

// DownloaderTransport overrides the media download transport; test seam.
func (o *Orchestrator) DownloaderTransport(rt http.RoundTripper) {
	o.downloader = &http.Client{Transport: rt}
}

// webhookDelivery renders the delivery request payload for one terminal or
// progress notification.
func webhookDelivery(task *store.Task, event events.Topic, state store.State, result json.RawMessage, errMsg string) webhook.Delivery {
	return webhook.Delivery{
		URL:     task.WebhookURL,
		Headers: task.WebhookHeaders,
		Notification: webhook.Notification{
			TaskID:    task.ID,
			TaskType:  string(task.Type),
			Event:     string(event),
			State:     string(state),
			Result:    result,
			Error:     errMsg,
			Timestamp: time.Now().UTC(),
		},
	}
}
