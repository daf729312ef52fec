// Package config loads process configuration from the environment. Both
// the dispatcher and worker bootstraps use it; neither reads os.Getenv
// directly outside this package.
package config

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
)

// defaultWorkspaceRoot and defaultCacheRoot match the filesystem layout
// convention: a POSIX temp root, or its Windows equivalent.
func defaultWorkspaceRoot() string {
	if runtime.GOOS == "windows" {
		return `C:\temp\code-execution`
	}
	return "/tmp/code-execution"
}

func defaultCacheRoot() string {
	if runtime.GOOS == "windows" {
		return `C:\temp\sentinel-cache`
	}
	return "/tmp/sentinel-cache"
}

// Dispatcher is the configuration the dispatcher bootstrap reads from the
// environment.
type Dispatcher struct {
	Port              string
	RedisAddr         string
	RedisPassword     string
	RedisDB           int
	LanguageConfigDir string
	LogLevel          string
	QueueTopology     string // "" (default, one queue per language) or "legacy"
	EnableSanitizer   bool
	RateLimitPerMin   int
	RateLimitBurst    int
}

// LoadDispatcher reads Dispatcher configuration from the environment,
// applying the same defaults a systemd unit or container entrypoint would
// otherwise need to hard-code.
func LoadDispatcher() Dispatcher {
	return Dispatcher{
		Port:              getEnv("PORT", "8910"),
		RedisAddr:         fmt.Sprintf("%s:%s", getEnv("REDIS_HOST", "localhost"), getEnv("REDIS_PORT", "6379")),
		RedisPassword:     getEnv("REDIS_PASSWORD", ""),
		RedisDB:           getEnvInt("REDIS_DB", 0),
		LanguageConfigDir: getEnv("LANGUAGE_CONFIG_DIR", "./languages"),
		LogLevel:          getEnv("LOG_LEVEL", "info"),
		QueueTopology:     getEnv("QUEUE_TOPOLOGY", ""),
		EnableSanitizer:   getEnvBool("ENABLE_SANITIZER", false),
		RateLimitPerMin:   getEnvInt("RATE_LIMIT_PER_MINUTE", 100),
		RateLimitBurst:    getEnvInt("RATE_LIMIT_BURST", 10),
	}
}

// Worker is the configuration a Worker bootstrap reads from the
// environment. Language is mandatory: a Worker with no language configured
// refuses to start.
type Worker struct {
	Language          string
	ExecutorID        string
	Concurrency       int
	RedisAddr         string
	RedisPassword     string
	RedisDB           int
	LanguageConfigDir string
	WorkspaceRoot     string
	CacheRoot         string
	CacheLRUSize      int
	LogLevel          string
	QueueTopology     string
}

// LoadWorker reads Worker configuration from the environment. It returns an
// error if LANGUAGE is unset, matching the documented non-zero-exit
// contract for a misconfigured Worker.
func LoadWorker() (Worker, error) {
	language := getEnv("LANGUAGE", "")
	if language == "" {
		return Worker{}, fmt.Errorf("config: LANGUAGE must be set")
	}

	return Worker{
		Language:          language,
		ExecutorID:        getEnv("EXECUTOR_ID", ""),
		Concurrency:       getEnvInt("CONCURRENCY", 1),
		RedisAddr:         fmt.Sprintf("%s:%s", getEnv("REDIS_HOST", "localhost"), getEnv("REDIS_PORT", "6379")),
		RedisPassword:     getEnv("REDIS_PASSWORD", ""),
		RedisDB:           getEnvInt("REDIS_DB", 0),
		LanguageConfigDir: getEnv("LANGUAGE_CONFIG_DIR", "./languages"),
		WorkspaceRoot:     getEnv("WORKSPACE_ROOT", defaultWorkspaceRoot()),
		CacheRoot:         getEnv("CACHE_ROOT", defaultCacheRoot()),
		CacheLRUSize:      getEnvInt("CACHE_LRU_SIZE", 256),
		LogLevel:          getEnv("LOG_LEVEL", "info"),
		QueueTopology:     getEnv("QUEUE_TOPOLOGY", ""),
	}, nil
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvBool(key string, fallback bool) bool {
	v, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(v) {
	case "1", "true", "yes":
		return true
	case "0", "false", "no":
		return false
	default:
		return fallback
	}
}
