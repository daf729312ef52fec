// Command worker runs one (language, instance) execution loop: claim jobs
// from the broker, run them through the Executor, and report results.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/sentinelcode/sentinel/internal/broker"
	"github.com/sentinelcode/sentinel/internal/cache"
	"github.com/sentinelcode/sentinel/internal/config"
	"github.com/sentinelcode/sentinel/internal/executor"
	"github.com/sentinelcode/sentinel/internal/metrics"
	"github.com/sentinelcode/sentinel/internal/registry"
	"github.com/sentinelcode/sentinel/internal/worker"
)

func main() {
	cfg, err := config.LoadWorker()
	if err != nil {
		logrus.WithError(err).Fatal("invalid worker configuration")
	}

	log := logrus.New()
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		log.SetLevel(level)
	}
	log.SetFormatter(&logrus.JSONFormatter{})
	entry := logrus.NewEntry(log).WithField("language", cfg.Language)

	reg, err := registry.Load(cfg.LanguageConfigDir, entry)
	if err != nil {
		entry.WithError(err).Fatal("failed to load language registry")
	}
	defer reg.Close()
	if !reg.IsSupported(cfg.Language) {
		entry.Fatal("configured language is not a registered descriptor")
	}

	b, err := broker.NewRedisBroker(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, entry)
	if err != nil {
		entry.WithError(err).Fatal("failed to connect to broker")
	}
	defer b.Close()

	if err := os.MkdirAll(cfg.WorkspaceRoot, 0o755); err != nil {
		entry.WithError(err).Fatal("failed to create workspace root")
	}
	store, err := cache.NewStore(cfg.CacheRoot, cfg.CacheLRUSize, entry)
	if err != nil {
		entry.WithError(err).Fatal("failed to open compile cache")
	}

	exec := executor.New(cfg.WorkspaceRoot, store, entry)
	m := metrics.New()
	exec.Metrics = m

	queue := cfg.Language + "-executor"
	if cfg.QueueTopology == "legacy" && cfg.ExecutorID != "" {
		queue = cfg.Language + "-executor-" + cfg.ExecutorID
	}

	w := &worker.Worker{
		Broker:      b,
		Registry:    reg,
		Executor:    exec,
		Queue:       queue,
		Language:    cfg.Language,
		Concurrency: cfg.Concurrency,
		Log:         entry,
		Metrics:     m,
	}

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		entry.Info("received shutdown signal")
		cancel()
	}()

	statsScheduler := cron.New()
	if _, err := statsScheduler.AddFunc("@every 5m", func() {
		hits, misses := store.Stats()
		entry.WithField("cacheHits", hits).WithField("cacheMisses", misses).Info("compile cache stats")
	}); err != nil {
		entry.WithError(err).Fatal("failed to schedule cache stats logging")
	}
	statsScheduler.Start()
	defer statsScheduler.Stop()

	entry.WithField("queue", queue).Info("worker ready")
	w.Run(ctx)
}
