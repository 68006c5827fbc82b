package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"enviroguard-backend/internal/api"
	"enviroguard-backend/internal/baseline"
	"enviroguard-backend/internal/bus"
	"enviroguard-backend/internal/config"
	"enviroguard-backend/internal/engine"
	"enviroguard-backend/internal/ingest"
	"enviroguard-backend/internal/notify"
	"enviroguard-backend/internal/rules"
	"enviroguard-backend/internal/storage"
	"enviroguard-backend/internal/telemetry"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	cfg := config.Load()
	ctx := context.Background()

	store, err := storage.NewStore(ctx, cfg.DatabaseURL, cfg.DBMaxConns)
	if err != nil {
		logger.Error("failed to connect to db", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer store.Close()
	repo := storage.NewRepository(store)

	conn, err := bus.Connect(cfg.NATSURL)
	if err != nil {
		logger.Error("failed to connect to nats", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer conn.Close()

	seedRules, seedConfigs, err := loadSeed(cfg.SeedPath)
	if err != nil {
		logger.Error("failed to load seed file", slog.String("path", cfg.SeedPath), slog.String("error", err.Error()))
		os.Exit(1)
	}

	cache := baseline.NewCache()
	configs := &seededConfigSource{repo: repo, seeds: seedConfigs}
	calc := baseline.NewCalculator(repo, configs, cache, cfg.MaxWindowRows, logger)
	sched := baseline.NewScheduler(calc, cfg.BaselineWorkers, cfg.JobTimeout, uint64(cfg.MaxRefreshRetries), logger)
	defer sched.Stop()

	ruleSource := buildRuleSource(repo, seedRules)
	evaluator := engine.NewEvaluator(ruleSource, cache, repo, logger)
	notifier := notify.NewBusNotifier(conn, cfg.AlertSubject)
	lifecycle := engine.NewLifecycle(repo, notifier, cfg.ClearCycles, logger)
	if err := lifecycle.Restore(ctx); err != nil {
		logger.Error("failed to restore open alerts", slog.String("error", err.Error()))
	}

	pipeline := ingest.NewPipeline(repo, evaluator, lifecycle, ingest.Options{
		QueueSize:    cfg.QueueSize,
		Workers:      cfg.IngestWorkers,
		PointTimeout: cfg.PointTimeout,
		ClockSkew:    cfg.ClockSkew,
	}, logger)
	pipeline.Start()
	defer pipeline.Stop()

	if _, err := conn.Subscribe(cfg.TelemetrySubject, pipeline.HandleMessage); err != nil {
		logger.Error("failed to subscribe to telemetry", slog.String("subject", cfg.TelemetrySubject), slog.String("error", err.Error()))
		os.Exit(1)
	}

	reload := func(ctx context.Context) error {
		return reconcileJobs(ctx, repo, sched, seedConfigs)
	}
	if err := reload(ctx); err != nil {
		logger.Error("initial job reconcile failed", slog.String("error", err.Error()))
	}

	handler := &api.Handler{
		Alerts:    lifecycle,
		Pipeline:  pipeline,
		Baselines: cache,
		Jobs:      sched,
		Reload:    reload,
		Timeout:   5 * time.Second,
		MaxBatch:  cfg.MaxBatch,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(10 * time.Second))
	handler.RegisterRoutes(r)

	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  30 * time.Second,
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-shutdown
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}()

	logger.Info("engine listening", slog.String("port", cfg.HTTPPort))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server error", slog.String("error", err.Error()))
	}
}

func loadSeed(path string) ([]rules.Rule, map[telemetry.Key]baseline.Config, error) {
	if path == "" {
		return nil, nil, nil
	}
	seed, err := config.LoadSeed(path)
	if err != nil {
		return nil, nil, err
	}
	ruleSet, err := seed.RuleSet()
	if err != nil {
		return nil, nil, err
	}
	configs, err := seed.BaselineSet()
	if err != nil {
		return nil, nil, err
	}
	return ruleSet, configs, nil
}

// buildRuleSource layers seeded static rules over the database-backed
// rule store.
func buildRuleSource(repo *storage.Repository, seedRules []rules.Rule) rules.Source {
	if len(seedRules) == 0 {
		return repo
	}
	mem := rules.NewMemorySource()
	for _, rule := range seedRules {
		_ = mem.Upsert(rule)
	}
	return &mergedRuleSource{primary: repo, extra: mem}
}

type mergedRuleSource struct {
	primary rules.Source
	extra   rules.Source
}

func (m *mergedRuleSource) RulesFor(ctx context.Context, key telemetry.Key) ([]rules.Rule, error) {
	stored, err := m.primary.RulesFor(ctx, key)
	if err != nil {
		return nil, err
	}
	seeded, err := m.extra.RulesFor(ctx, key)
	if err != nil {
		return nil, err
	}
	return append(stored, seeded...), nil
}

// seededConfigSource consults the database first and falls back to the
// seed file for streams the database does not know.
type seededConfigSource struct {
	repo  *storage.Repository
	seeds map[telemetry.Key]baseline.Config
}

func (s *seededConfigSource) BaselineConfig(ctx context.Context, key telemetry.Key) (baseline.Config, error) {
	cfg, err := s.repo.BaselineConfig(ctx, key)
	if err == nil {
		return cfg, nil
	}
	if errors.Is(err, storage.ErrNotFound) {
		if seeded, ok := s.seeds[key]; ok {
			return seeded, nil
		}
	}
	return baseline.Config{}, err
}

func reconcileJobs(ctx context.Context, repo *storage.Repository, sched *baseline.Scheduler, seeds map[telemetry.Key]baseline.Config) error {
	seen := map[telemetry.Key]bool{}
	configs, err := repo.ListBaselineConfigs(ctx)
	if err == nil {
		for _, kc := range configs {
			sched.Schedule(kc.Key, kc.Config.UpdateFrequency)
			seen[kc.Key] = true
		}
	}
	for key, cfg := range seeds {
		if seen[key] {
			continue
		}
		sched.Schedule(key, cfg.UpdateFrequency)
	}
	return err
}
