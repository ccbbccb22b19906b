package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"chainwatch/config"
	"chainwatch/internal/alert"
	"chainwatch/internal/canonical"
	"chainwatch/internal/cursor"
	"chainwatch/internal/dedup"
	"chainwatch/internal/health"
	"chainwatch/internal/listener"
	"chainwatch/internal/logger"
	"chainwatch/internal/lookup"
	"chainwatch/internal/metrics"
	"chainwatch/internal/observe"
	"chainwatch/internal/pipeline"
	"chainwatch/internal/queue"
	"chainwatch/internal/scoring"
	"chainwatch/internal/sink"
	"chainwatch/internal/source"
	"chainwatch/internal/storage"
	"chainwatch/pkg/models"
)

func findConfigFile(configArg string) string {
	if configArg != "" {
		path := configArg
		if _, err := os.Stat(path); err == nil {
			return path
		}
		log.Printf("Warning: config file not found at %s, trying default locations", path)
	}

	if _, err := os.Stat("chainwatch.yml"); err == nil {
		return "chainwatch.yml"
	}

	exePath, err := os.Executable()
	if err == nil {
		exeDir := filepath.Dir(exePath)
		path := filepath.Join(exeDir, "chainwatch.yml")
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}

	return "chainwatch.yml"
}

func applyDefaults(cfg *config.Config) {
	cw := &cfg.ChainWatch

	for i := range cw.Sources {
		src := &cw.Sources[i]
		if src.ChunkSize == 0 {
			src.ChunkSize = 100
		}
		if src.PollInterval <= 0 {
			src.PollInterval = 10 * time.Second
		}
		if src.ProbeInterval <= 0 {
			src.ProbeInterval = 15 * time.Second
		}
		if src.FailureThreshold <= 0 {
			src.FailureThreshold = 3
		}
		for j := range src.Endpoints {
			if src.Endpoints[j].Timeout <= 0 {
				src.Endpoints[j].Timeout = 10 * time.Second
			}
		}
	}

	if cw.Queue.Workers <= 0 {
		cw.Queue.Workers = 8
	}
	if cw.Queue.MaxAttempts <= 0 {
		cw.Queue.MaxAttempts = 5
	}
	if cw.Queue.BackoffBase <= 0 {
		cw.Queue.BackoffBase = 500 * time.Millisecond
	}
	if cw.Queue.BackoffMax <= 0 {
		cw.Queue.BackoffMax = 2 * time.Minute
	}
	if cw.Queue.Priority.LargeAmount <= 0 {
		cw.Queue.Priority.LargeAmount = 10000
	}
	if cw.Queue.Priority.LargeAmountBoost <= 0 {
		cw.Queue.Priority.LargeAmountBoost = 5
	}
	if cw.Queue.Priority.CrossSourceBoost <= 0 {
		cw.Queue.Priority.CrossSourceBoost = 3
	}
	if cw.Queue.Priority.UnknownCounterpartBoost <= 0 {
		cw.Queue.Priority.UnknownCounterpartBoost = 2
	}

	if cw.Dedup.Mode == "" {
		cw.Dedup.Mode = "memory"
	}
	if cw.Dedup.TTL <= 0 {
		cw.Dedup.TTL = 30 * time.Minute
	}
	if cw.Dedup.MaxEntries <= 0 {
		cw.Dedup.MaxEntries = 100000
	}

	if cw.Scoring.AlertThreshold <= 0 {
		cw.Scoring.AlertThreshold = 70
	}
	if cw.Scoring.ValueThreshold <= 0 {
		cw.Scoring.ValueThreshold = 10000
	}

	if cw.Cursor.Mode == "" {
		cw.Cursor.Mode = "redis"
	}
	if cw.Storage.Mode == "" {
		cw.Storage.Mode = "memory"
	}
	if cw.Alerts.Mode == "" {
		cw.Alerts.Mode = "file"
	}
	if cw.Alerts.File.Path == "" {
		cw.Alerts.File.Path = "output/alerts.jsonl"
	}
	if cw.Observe.Addr == "" {
		cw.Observe.Addr = ":9090"
	}
	if cw.Logging.Level == "" {
		cw.Logging.Level = "info"
	}
}

func newAdapter(src config.SourceConfig) source.Adapter {
	switch src.Kind {
	case "solana":
		return source.NewSolanaAdapter(src.Name)
	case "subgraph":
		return source.NewSubgraphAdapter(src.Name)
	default:
		return source.NewEVMAdapter(src.Name)
	}
}

func newCursorStore(cfg config.CursorConfig) (cursor.Store, error) {
	if cfg.Mode == "memory" {
		return cursor.NewMemoryStore(), nil
	}
	return cursor.NewRedisStore(cursor.RedisConfig{
		Addr:      cfg.Redis.Addr,
		Password:  cfg.Redis.Password,
		DB:        cfg.Redis.DB,
		KeyPrefix: cfg.Redis.KeyPrefix,
	})
}

func newDedupCache(cfg config.DedupConfig) (dedup.Cache, error) {
	if cfg.Mode == "redis" {
		return dedup.NewRedisCache(dedup.RedisConfig{
			Addr:      cfg.Redis.Addr,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			KeyPrefix: cfg.Redis.KeyPrefix,
		}, cfg.TTL)
	}
	return dedup.NewMemoryCache(cfg.MaxEntries, cfg.TTL), nil
}

func newStorage(ctx context.Context, cfg config.StorageConfig) (storage.Storage, error) {
	if cfg.Mode == "postgres" {
		return storage.NewPostgresStorage(ctx, cfg.Postgres.DSN)
	}
	logger.Warnf("storage mode is memory; scored events will not survive a restart")
	return storage.NewMemoryStorage(), nil
}

func newAlertSink(cfg config.AlertConfig) (alert.Sink, error) {
	switch cfg.Mode {
	case "http":
		return alert.NewWebhookSink(alert.WebhookConfig{
			URL:     cfg.HTTP.URL,
			Timeout: cfg.HTTP.Timeout,
			Headers: cfg.HTTP.Headers,
		})
	case "nats":
		return alert.NewNATSSink(alert.NATSConfig{
			URL:     cfg.NATS.URL,
			Subject: cfg.NATS.Subject,
		})
	default:
		return alert.NewFileSink(cfg.File.Path)
	}
}

func buildRules(cfg config.ChainWatchConfig) []scoring.Rule {
	var rules []scoring.Rule

	if strings.TrimSpace(cfg.Lookup.URL) != "" {
		client, err := lookup.NewHTTPClient(lookup.Config{
			URL:     cfg.Lookup.URL,
			APIKey:  cfg.Lookup.APIKey,
			Timeout: cfg.Lookup.Timeout,
		})
		if err != nil {
			log.Fatalf("Failed to create lookup client: %v", err)
		}
		rules = append(rules, &scoring.SanctionsRule{
			Lookup:      client,
			ListedScore: cfg.Lookup.ListedScore,
		})
	} else {
		logger.Warnf("lookup.url not configured; sanctions/PEP rule disabled")
	}

	rules = append(rules, &scoring.ValueThresholdRule{
		Threshold: cfg.Scoring.ValueThreshold,
		Score:     cfg.Scoring.ValueScore,
	})
	rules = append(rules, scoring.NewVelocityRule(
		cfg.Scoring.VelocityWindow,
		cfg.Scoring.VelocityLimit,
		cfg.Scoring.VelocityScore,
	))

	if strings.TrimSpace(cfg.Scoring.PatternRulesPath) != "" {
		patternRule, stats, err := scoring.NewPatternRule(cfg.Scoring.PatternRulesPath, cfg.Scoring.PatternScore)
		if err != nil {
			log.Fatalf("Failed to load pattern rules: %v", err)
		}
		logger.Infof("pattern rules loaded: loaded=%d skipped_invalid=%d files=%d",
			stats.Loaded, stats.SkippedInvalid, stats.TotalFiles)
		rules = append(rules, patternRule)
	}

	return rules
}

func main() {
	configArg := ""
	if len(os.Args) > 1 {
		configArg = os.Args[1]
	}
	configPath := findConfigFile(configArg)

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	applyDefaults(cfg)
	cw := cfg.ChainWatch

	if err := logger.Init(cw.Logging.Enabled, cw.Logging.Level, cw.Logging.File, cw.Logging.Console); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	logger.Infof("chainwatch starting")
	logger.Infof("Config loaded from: %s", configPath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := metrics.New()

	cursors, err := newCursorStore(cw.Cursor)
	if err != nil {
		log.Fatalf("Failed to create cursor store: %v", err)
	}
	defer cursors.Close()

	dedupCache, err := newDedupCache(cw.Dedup)
	if err != nil {
		log.Fatalf("Failed to create dedup cache: %v", err)
	}
	defer dedupCache.Close()

	store, err := newStorage(ctx, cw.Storage)
	if err != nil {
		log.Fatalf("Failed to create storage: %v", err)
	}
	defer store.Close()

	alertSink, err := newAlertSink(cw.Alerts)
	if err != nil {
		log.Fatalf("Failed to create alert sink: %v", err)
	}
	defer alertSink.Close()

	engine := scoring.NewEngine(scoring.Config{AlertThreshold: cw.Scoring.AlertThreshold}, buildRules(cw))
	resultSink := sink.New(sink.Config{}, store, alertSink, m)

	dispatch := queue.New(queue.Config{
		Workers:     cw.Queue.Workers,
		MaxAttempts: cw.Queue.MaxAttempts,
		BackoffBase: cw.Queue.BackoffBase,
		BackoffMax:  cw.Queue.BackoffMax,
		Priority: queue.PriorityConfig{
			LargeAmount:             cw.Queue.Priority.LargeAmount,
			LargeAmountBoost:        cw.Queue.Priority.LargeAmountBoost,
			CrossSourceBoost:        cw.Queue.Priority.CrossSourceBoost,
			UnknownCounterpartBoost: cw.Queue.Priority.UnknownCounterpartBoost,
		},
	}, func(ctx context.Context, event *models.ComplianceEvent) error {
		return resultSink.Handle(ctx, engine.Score(ctx, event))
	}, store, resultSink.NotifyExhausted, m)

	currencies := make(map[string]string, len(cw.Sources))
	for _, src := range cw.Sources {
		currencies[src.Name] = src.Currency
	}

	pipe := pipeline.New(pipeline.Deps{
		Canonicalizer: canonical.New(currencies),
		Dedup:         dedupCache,
		Queue:         dispatch,
		Sink:          resultSink,
		Metrics:       m,
	})

	for _, src := range cw.Sources {
		adapter := newAdapter(src)

		endpoints := make([]*health.Endpoint, 0, len(src.Endpoints))
		for _, ep := range src.Endpoints {
			endpoints = append(endpoints, &health.Endpoint{
				URL:      ep.URL,
				Priority: ep.Priority,
				Weight:   ep.Weight,
				Timeout:  ep.Timeout,
			})
		}

		registry, err := health.NewRegistry(health.Config{
			Source:           src.Name,
			ProbeInterval:    src.ProbeInterval,
			FailureThreshold: src.FailureThreshold,
		}, endpoints, adapter.Ping, m)
		if err != nil {
			log.Fatalf("Failed to create health registry for %s: %v", src.Name, err)
		}

		listeners := make([]*listener.Listener, 0, len(src.Subscriptions))
		for _, sub := range src.Subscriptions {
			listeners = append(listeners, listener.New(listener.Config{
				Source:        src.Name,
				Subscription:  sub,
				StartPosition: src.StartPosition,
				ChunkSize:     src.ChunkSize,
				PollInterval:  src.PollInterval,
			}, adapter, registry, cursors, pipe.ProcessWindow, m))
		}

		pipe.AddSource(registry, listeners...)
		logger.Infof("source configured: name=%s kind=%s endpoints=%d subscriptions=%d",
			src.Name, src.Kind, len(src.Endpoints), len(src.Subscriptions))
	}

	var observeServer *observe.Server
	if cw.Observe.Enabled {
		observeServer = observe.NewServer(cw.Observe.Addr, pipe, m)
		observeServer.Start()
	}

	pipe.Start(ctx)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Infof("Shutting down")
	cancel()
	pipe.Stop()

	if observeServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := observeServer.Stop(shutdownCtx); err != nil {
			logger.Errorf("Error stopping observability server: %v", err)
		}
		shutdownCancel()
	}

	logger.Infof("chainwatch stopped")
}
