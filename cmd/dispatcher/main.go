// Command dispatcher runs the HTTP front end: it accepts submissions,
// enqueues them, and serves status/load/health/language lookups.
package main

import (
	"fmt"
	"net/http"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/sentinelcode/sentinel/internal/broker"
	"github.com/sentinelcode/sentinel/internal/config"
	"github.com/sentinelcode/sentinel/internal/dispatcher"
	"github.com/sentinelcode/sentinel/internal/metrics"
	"github.com/sentinelcode/sentinel/internal/ratelimit"
	"github.com/sentinelcode/sentinel/internal/registry"
	"github.com/sentinelcode/sentinel/internal/sanitize"
)

func main() {
	cfg := config.LoadDispatcher()

	log := logrus.New()
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		log.SetLevel(level)
	}
	log.SetFormatter(&logrus.JSONFormatter{})
	entry := logrus.NewEntry(log)

	reg, err := registry.Load(cfg.LanguageConfigDir, entry)
	if err != nil {
		entry.WithError(err).Fatal("failed to load language registry")
	}
	defer reg.Close()

	b, err := broker.NewRedisBroker(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, entry)
	if err != nil {
		entry.WithError(err).Fatal("failed to connect to broker")
	}
	defer b.Close()

	var sanitizer *sanitize.Sanitizer
	if cfg.EnableSanitizer {
		sanitizer = sanitize.New(50000)
	}

	d := &dispatcher.Dispatcher{
		Broker:    b,
		Registry:  reg,
		Topology:  dispatcher.Topology{Legacy: cfg.QueueTopology == "legacy"},
		Sanitizer: sanitizer,
		Metrics:   metrics.New(),
		Log:       entry,
	}

	limiter := ratelimit.New(cfg.RateLimitPerMin, cfg.RateLimitBurst)
	handler := dispatcher.WithMiddleware(d.Router(), limiter)

	scheduler := cron.New()
	if _, err := scheduler.AddFunc("@every 10m", func() {
		limiter.CleanupStale(30 * time.Minute)
	}); err != nil {
		entry.WithError(err).Fatal("failed to schedule rate limiter cleanup")
	}
	scheduler.Start()
	defer scheduler.Stop()

	addr := fmt.Sprintf(":%s", cfg.Port)
	entry.WithField("addr", addr).Info("dispatcher starting")
	if err := http.ListenAndServe(addr, handler); err != nil {
		entry.WithError(err).Fatal("dispatcher stopped")
	}
}
