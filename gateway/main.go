package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/conduit-ai/conduit/gateway/config"
	"github.com/conduit-ai/conduit/gateway/events"
	"github.com/conduit-ai/conduit/gateway/idempotency"
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

const statsRegion = "Tasks"

func main() {
	configPath := flag.String("config", "", "path to YAML config")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatalf("redis %s: %v", cfg.Redis.Addr, err)
	}

	taskStore, err := store.NewRedisStore(rdb)
	if err != nil {
		log.Fatalf("task store: %v", err)
	}
	workQueue, err := queue.NewRedisQueue(ctx, rdb, queue.Options{
		ClaimTTL:       cfg.Queue.ClaimTTL,
		PriorityLevels: 3,
	})
	if err != nil {
		log.Fatalf("work queue: %v", err)
	}

	bus := events.NewRedisBus(rdb, cfg.InstanceID)
	defer bus.Close()

	// Cost engine: Postgres-backed overrides when a DSN is configured,
	// built-in rates otherwise.
	var overrides pricing.OverrideStore
	if cfg.Postgres.DSN != "" {
		pg, err := pricing.NewPostgresOverrides(ctx, cfg.Postgres.DSN)
		if err != nil {
			log.Fatalf("rate overrides: %v", err)
		}
		defer pg.Close()
		overrides = pg
	}
	costEngine := pricing.NewEngine(overrides)

	collector := stats.NewCollector(rdb, cfg.InstanceID)
	collector.StartHeartbeat(ctx, 30*time.Second)
	alerter := stats.NewAlerter(collector)
	if err := alerter.SubscribeAlerts(ctx); err != nil {
		log.Printf("stats: alert subscription: %v", err)
	}
	alerter.AddListener(func(alert stats.Alert) {
		if err := bus.Publish(ctx, events.CacheAlert, alert.Region, alert); err != nil {
			log.Printf("stats: alert event: %v", err)
		}
	})
	// Threshold evaluation and the distributed stats snapshot run on their
	// own timer next to the heartbeat.
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := alerter.Check(ctx, statsRegion); err != nil {
					log.Printf("stats: alert check: %v", err)
				}
				if err := collector.PublishSnapshot(ctx, statsRegion); err != nil {
					log.Printf("stats: snapshot publish: %v", err)
					continue
				}
				snap, err := collector.Snapshot(ctx, statsRegion)
				if err != nil {
					log.Printf("stats: snapshot: %v", err)
					continue
				}
				if err := bus.Publish(ctx, events.CacheStatisticsUpdate, statsRegion, snap); err != nil {
					log.Printf("stats: snapshot event: %v", err)
				}
			}
		}
	}()

	qualityTracker := quality.NewTracker()
	qualityTracker.StartPruning(ctx, time.Hour)

	registry := provider.NewRegistry()
	registerProviders(registry)

	limiter := resilience.NewProviderLimiter(50, 100)
	health := resilience.NewController(resilience.DefaultOptions(), bus, registry.Prober(), resilience.NopRouter{}, limiter)
	for _, info := range registry.Infos() {
		health.Register(info)
	}
	health.Start(ctx, func(ctx context.Context) map[string]resilience.MetricsSnapshot {
		return healthSnapshots(ctx, collector, qualityTracker, registry)
	})

	dispatcher := webhook.NewDispatcher(rdb, webhook.Options{
		Timeout:       cfg.Webhook.Timeout,
		MaxRetries:    cfg.Webhook.MaxRetries,
		SigningSecret: cfg.Webhook.SigningSecret,
	})
	if err := dispatcher.Consume(ctx, bus); err != nil {
		log.Fatalf("webhook consumer: %v", err)
	}

	progressTracker := progress.NewTracker(taskStore, bus)
	go progressTracker.Run(ctx)

	keys := NewMemoryKeyValidator()
	seedDevKeys(keys)

	orch := NewOrchestrator(OrchestratorDeps{
		Store:      taskStore,
		Queue:      workQueue,
		Bus:        bus,
		Pricing:    costEngine,
		Health:     health,
		Registry:   registry,
		Blobs:      NewMemoryBlobStore(),
		Keys:       keys,
		Progress:   progressTracker,
		Quality:    qualityTracker,
		Stats:      collector,
		MaxRuntime: cfg.Workers.MaxTaskRuntime,
	})

	pool := NewWorkerPool(cfg, workQueue, orch, bus)
	pool.Start(ctx)

	// Periodic store cleanup for terminal records.
	go func() {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n, err := taskStore.Cleanup(ctx, store.TTLTerminal); err != nil {
					log.Printf("store cleanup: %v", err)
				} else if n > 0 {
					log.Printf("store cleanup: removed %d terminal records", n)
				}
			}
		}
	}()

	hub := NewEventHub(taskStore)
	go func() {
		if err := hub.Run(ctx, bus); err != nil {
			log.Printf("event hub: %v", err)
		}
	}()

	api := NewAPI(orch, taskStore, hub, idempotency.NewRedisStore(rdb))
	log.Printf("gateway %s listening on %s", cfg.InstanceID, cfg.ListenAddr)
	if err := api.Serve(ctx, cfg.ListenAddr); err != nil {
		log.Printf("http server: %v", err)
	}

	stop()
	pool.Wait()
	log.Printf("gateway %s stopped", cfg.InstanceID)
	os.Exit(0)
}

// registerProviders wires the adapters this deployment fronts. Real
// deployments swap the mocks for SDK-backed adapters satisfying
// provider.Adapter.
func registerProviders(registry *provider.Registry) {
	registry.Register(provider.NewMock("openai"), resilience.ProviderInfo{
		Capabilities: []resilience.Capability{
			resilience.CapTranscribe, resilience.CapSynthesize,
			resilience.CapImage, resilience.CapRealtime,
		},
		ModelCategories: []string{"whisper-1", "tts-1", "tts-1-hd", "dall-e-3", "gpt-4o-realtime-preview"},
	})
	registry.Register(provider.NewMock("deepgram"), resilience.ProviderInfo{
		Capabilities:    []resilience.Capability{resilience.CapTranscribe},
		ModelCategories: []string{"nova-2"},
	})
	registry.Register(provider.NewMock("elevenlabs"), resilience.ProviderInfo{
		Capabilities:    []resilience.Capability{resilience.CapSynthesize},
		ModelCategories: []string{"eleven_multilingual_v2"},
	})
}

// healthSnapshots assembles the per-provider input for a health-check
// cycle from the statistics and quality trackers.
func healthSnapshots(ctx context.Context, collector *stats.Collector, qt *quality.Tracker, registry *provider.Registry) map[string]resilience.MetricsSnapshot {
	out := make(map[string]resilience.MetricsSnapshot)
	for _, info := range registry.Infos() {
		snap := resilience.MetricsSnapshot{IsHealthy: true}

		p, err := collector.ResponsePercentiles(ctx, statsRegion, info.ID)
		if err == nil && p.Samples > 0 {
			snap.AvgResponseTimeMs = p.P50
		}
		m := qt.MetricsFor(quality.AxisProvider, info.ID)
		if m.Count > 0 && m.Trend == quality.TrendDeclining && m.AvgConfidence < 0.5 {
			snap.IsHealthy = false
		}
		out[info.ID] = snap
	}
	return out
}

func seedDevKeys(keys *MemoryKeyValidator) {
	keys.Put(VirtualKey{ID: "dev-key", Balance: decimal.NewFromInt(100)})
}
