package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/conduit-ai/conduit/gateway/errs"
	"github.com/conduit-ai/conduit/gateway/idempotency"
	"github.com/conduit-ai/conduit/gateway/store"
)

const (
	idempotencyHeader = "X-Conduit-Idempotency-Key"
	virtualKeyHeader  = "X-Conduit-Virtual-Key"

	submitRatePerKey = 10 // submissions per second per virtual key
	submitBurst      = 20
)

// API is the HTTP ingress surface: task lifecycle endpoints, health,
// metrics and the websocket event hub.
type API struct {
	orchestrator *Orchestrator
	store        store.Store
	hub          *EventHub
	replays      idempotency.Store

	limMu    sync.Mutex
	limiters map[string]*rate.Limiter

	upgrader websocket.Upgrader
}

func NewAPI(orch *Orchestrator, st store.Store, hub *EventHub, replays idempotency.Store) *API {
	return &API{
		orchestrator: orch,
		store:        st,
		hub:          hub,
		replays:      replays,
		limiters:     make(map[string]*rate.Limiter),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Routes builds the mux.
func (a *API) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/tasks", a.handleTasks)
	mux.HandleFunc("/v1/tasks/", a.handleTaskByID)
	mux.HandleFunc("/healthz", a.handleHealthz)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/ws", a.handleWS)
	return mux
}

type submitBody struct {
	Type           string            `json:"type"`
	Metadata       json.RawMessage   `json:"metadata"`
	Priority       int               `json:"priority"`
	MaxRetries     int               `json:"max_retries"`
	WebhookURL     string            `json:"webhook_url"`
	WebhookHeaders map[string]string `json:"webhook_headers"`
	CorrelationID  string            `json:"correlation_id"`
}

func (a *API) handleTasks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	keyID := r.Header.Get(virtualKeyHeader)
	if keyID == "" {
		writeError(w, http.StatusUnauthorized, "missing virtual key")
		return
	}
	if !a.allowSubmit(keyID) {
		writeError(w, http.StatusTooManyRequests, "submission rate exceeded")
		return
	}

	// Replay: a retried submission with the same idempotency key returns
	// the original task.
	idemKey := r.Header.Get(idempotencyHeader)
	if idemKey != "" {
		if taskID, ok, err := a.replays.Lookup(r.Context(), idemKey); err == nil && ok {
			if task, err := a.store.Get(r.Context(), taskID); err == nil && task != nil {
				writeJSON(w, http.StatusOK, task)
				return
			}
		}
	}

	var body submitBody
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	taskType := store.TaskType(body.Type)
	switch taskType {
	case store.TypeTranscription, store.TypeTTS, store.TypeImage, store.TypeVideo, store.TypeRealtime:
	default:
		writeError(w, http.StatusBadRequest, "unknown task type")
		return
	}

	task, err := a.orchestrator.Submit(r.Context(), SubmitRequest{
		Type:           taskType,
		VirtualKeyID:   keyID,
		Metadata:       body.Metadata,
		Priority:       body.Priority,
		MaxRetries:     body.MaxRetries,
		WebhookURL:     body.WebhookURL,
		WebhookHeaders: body.WebhookHeaders,
		CorrelationID:  body.CorrelationID,
	})
	if err != nil {
		writeClassified(w, err)
		return
	}

	if idemKey != "" {
		if err := a.replays.Remember(r.Context(), idemKey, task.ID); err != nil {
			log.Printf("api: record idempotency key: %v", err)
		}
	}
	writeJSON(w, http.StatusAccepted, task)
}

func (a *API) handleTaskByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/tasks/")
	taskID, action, _ := strings.Cut(rest, "/")
	if taskID == "" {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}

	switch {
	case r.Method == http.MethodGet && action == "":
		task, err := a.store.Get(r.Context(), taskID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "store unavailable")
			return
		}
		if task == nil {
			writeError(w, http.StatusNotFound, "task not found")
			return
		}
		writeJSON(w, http.StatusOK, task)

	case r.Method == http.MethodPost && action == "cancel":
		if err := a.orchestrator.Cancel(r.Context(), taskID); err != nil {
			writeClassified(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{
			"task_id": taskID,
			"state":   string(store.StateCancelled),
		})

	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (a *API) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *API) handleWS(w http.ResponseWriter, r *http.Request) {
	keyID := r.Header.Get(virtualKeyHeader)
	if keyID == "" {
		keyID = r.URL.Query().Get("key")
	}
	if keyID == "" {
		writeError(w, http.StatusUnauthorized, "missing virtual key")
		return
	}

	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("api: ws upgrade: %v", err)
		return
	}
	a.hub.Register(conn, keyID)

	// Read pump: discard client frames, unregister on close.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				a.hub.Unregister(conn)
				return
			}
		}
	}()
}

func (a *API) allowSubmit(keyID string) bool {
	a.limMu.Lock()
	defer a.limMu.Unlock()
	lim, ok := a.limiters[keyID]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(submitRatePerKey), submitBurst)
		a.limiters[keyID] = lim
	}
	return lim.Allow()
}

// writeClassified maps the error taxonomy onto HTTP status codes. Messages
// are sanitized; kinds never leak.
func writeClassified(w http.ResponseWriter, err error) {
	msg := errs.Sanitize(err.Error())
	switch errs.Classify(err) {
	case errs.KindValidation:
		writeError(w, http.StatusBadRequest, msg)
	case errs.KindAuthorization:
		writeError(w, http.StatusForbidden, msg)
	case errs.KindNotFound:
		writeError(w, http.StatusNotFound, msg)
	case errs.KindProviderDegraded:
		writeError(w, http.StatusServiceUnavailable, msg)
	case errs.KindTimedOut:
		writeError(w, http.StatusGatewayTimeout, msg)
	default:
		writeError(w, http.StatusInternalServerError, msg)
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("api: encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// Serve runs the HTTP server until ctx is cancelled, then drains.
func (a *API) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      a.Routes(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // websocket and long polls manage their own deadlines
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
