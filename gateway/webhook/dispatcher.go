// Package webhook delivers outbound task notifications. Deliveries are
// signed, deduplicated across instances and retried on transient failures.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/conduit-ai/conduit/gateway/errs"
	"github.com/conduit-ai/conduit/gateway/events"
	"github.com/conduit-ai/conduit/gateway/observability"
)

const (
	// SignatureHeader carries the hex HMAC-SHA256 of the request body.
	SignatureHeader = "X-Conduit-Signature"

	dedupTTL  = 10 * time.Minute
	dedupSlot = 5 * time.Minute

	baseBackoff = 1 * time.Second
	maxBackoff  = 30 * time.Second
)

// Notification is the JSON body posted to the caller's webhook URL.
// Result is present only for completed events, Error only for failures.
type Notification struct {
	TaskID    string          `json:"task_id"`
	TaskType  string          `json:"task_type"`
	Event     string          `json:"event"`
	State     string          `json:"state"`
	Progress  int             `json:"progress,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Delivery is one requested webhook post.
type Delivery struct {
	URL          string            `json:"url"`
	Headers      map[string]string `json:"headers,omitempty"`
	Notification Notification      `json:"notification"`
}

// Options configure the dispatcher.
type Options struct {
	Timeout       time.Duration
	MaxRetries    int
	SigningSecret string
}

// Dispatcher posts notifications with signing, cross-instance dedup and
// bounded retries. Safe for concurrent use.
type Dispatcher struct {
	client *http.Client
	rdb    redis.UniversalClient
	opts   Options

	// sleep is replaceable so tests skip real backoff waits.
	sleep func(context.Context, time.Duration) error
}

func NewDispatcher(rdb redis.UniversalClient, opts Options) *Dispatcher {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 5
	}
	return &Dispatcher{
		client: &http.Client{Timeout: opts.Timeout},
		rdb:    rdb,
		opts:   opts,
		sleep:  sleepCtx,
	}
}

// dedupKey is stable across instances within one time slot, so a task
// executed twice posts each event once.
func dedupKey(n Notification) string {
	slot := time.Now().Unix() / int64(dedupSlot.Seconds())
	return fmt.Sprintf("conduit:webhooks:sent:%s-%s-%s-%d", n.TaskType, n.TaskID, n.Event, slot)
}

// Deliver posts one notification. Duplicate deliveries inside the dedup
// window return nil without posting.
func (d *Dispatcher) Deliver(ctx context.Context, del Delivery) error {
	if del.URL == "" {
		return nil
	}

	if d.rdb != nil {
		fresh, err := d.rdb.SetNX(ctx, dedupKey(del.Notification), "1", dedupTTL).Result()
		if err != nil {
			log.Printf("webhook: dedup check: %v", err)
		} else if !fresh {
			observability.WebhookDeliveries.WithLabelValues(del.Notification.Event, "deduplicated").Inc()
			return nil
		}
	}

	body, err := json.Marshal(del.Notification)
	if err != nil {
		return errs.Wrap(errs.KindFatal, "webhook: marshal notification", err)
	}

	var lastErr error
	for attempt := 0; attempt < d.opts.MaxRetries; attempt++ {
		if attempt > 0 {
			if err := d.sleep(ctx, backoff(attempt)); err != nil {
				return err
			}
		}

		retryable, err := d.post(ctx, del, body)
		if err == nil {
			observability.WebhookDeliveries.WithLabelValues(del.Notification.Event, "delivered").Inc()
			return nil
		}
		lastErr = err
		if !retryable {
			observability.WebhookDeliveries.WithLabelValues(del.Notification.Event, "rejected").Inc()
			return err
		}
		log.Printf("webhook: attempt %d for task %s failed: %v", attempt+1, del.Notification.TaskID, err)
	}

	observability.WebhookDeliveries.WithLabelValues(del.Notification.Event, "exhausted").Inc()
	return errs.Wrap(errs.KindTransient, "webhook: retries exhausted", lastErr)
}

// post performs one attempt. The bool reports whether a failure may be
// retried: network errors, 5xx, 408 and 429 are retryable; other 4xx are
// terminal.
func (d *Dispatcher) post(ctx context.Context, del Delivery, body []byte) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, del.URL, bytes.NewReader(body))
	if err != nil {
		return false, err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range del.Headers {
		req.Header.Set(k, v)
	}
	if d.opts.SigningSecret != "" {
		req.Header.Set(SignatureHeader, Sign(body, d.opts.SigningSecret))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return true, err
	}
	defer func() {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
	}()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return false, nil
	case resp.StatusCode >= 500,
		resp.StatusCode == http.StatusRequestTimeout,
		resp.StatusCode == http.StatusTooManyRequests:
		return true, fmt.Errorf("webhook: endpoint returned %d", resp.StatusCode)
	default:
		return false, errs.Newf(errs.KindFatal, "webhook: endpoint rejected with %d", resp.StatusCode)
	}
}

// Sign returns the hex HMAC-SHA256 of body under secret, prefixed with the
// scheme so receivers can evolve verification.
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a received signature against the body.
func Verify(body []byte, secret, signature string) bool {
	return hmac.Equal([]byte(Sign(body, secret)), []byte(signature))
}

func backoff(attempt int) time.Duration {
	d := baseBackoff << (attempt - 1)
	if d > maxBackoff {
		d = maxBackoff
	}
	// Full jitter keeps retry bursts from aligning across tasks.
	return time.Duration(rand.Int63n(int64(d))) + d/2
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Consume subscribes to delivery requests on the bus and posts them. The
// subscription lives until ctx is cancelled.
func (d *Dispatcher) Consume(ctx context.Context, sub events.Subscriber) error {
	subscription, err := sub.Subscribe(ctx, events.WebhookDeliveryRequested, func(ev events.Event) {
		var del Delivery
		if err := json.Unmarshal(ev.Payload, &del); err != nil {
			log.Printf("webhook: malformed delivery request for task %s: %v", ev.TaskID, err)
			return
		}
		if err := d.Deliver(ctx, del); err != nil {
			log.Printf("webhook: delivery for task %s: %v", del.Notification.TaskID, err)
		}
	})
	if err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		subscription.Unsubscribe()
	}()
	return nil
}
