// Package config loads the YAML configuration file described in
// SPEC_FULL.md §2.3 and spec.md §6, applying OZ_MONITOR_* environment
// overrides and startup validation. Grounded on the teacher's
// single-purpose per-component Config structs (balancer.Config,
// worker.Config, blockcache.Config, watcher.Config, rpcpool.Config) — the
// teacher has no config-file loader of its own to adapt, so this package is
// newly built on that established convention, using gopkg.in/yaml.v3 the
// same way cmd/warren/apply.go parses manifests.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ServiceMode selects which components a process activates.
type ServiceMode string

const (
	ModeWorker       ServiceMode = "worker"
	ModeBlockWatcher ServiceMode = "block-watcher"
	ModeAPI          ServiceMode = "api"
	ModeAll          ServiceMode = "all"
)

// Config is the root configuration document.
type Config struct {
	DatabaseURL  string            `yaml:"database_url"`
	RedisURL     string            `yaml:"redis_url"`
	ServiceMode  ServiceMode       `yaml:"service_mode"`
	Worker       WorkerConfig      `yaml:"worker"`
	BlockCache   BlockCacheConfig  `yaml:"block_cache"`
	LoadBalancer LoadBalancerConfig `yaml:"load_balancer"`
	BlockWatcher BlockWatcherConfig `yaml:"block_watcher"`
	API          APIConfig         `yaml:"api"`
}

// WorkerConfig mirrors pkg/worker.Config plus the fleet-wide cap spec.md
// §6 places alongside it.
type WorkerConfig struct {
	MaxTenantsPerWorker  int           `yaml:"max_tenants_per_worker"`
	HealthCheckInterval  time.Duration `yaml:"health_check_interval"`
	TenantReloadInterval time.Duration `yaml:"tenant_reload_interval"`
}

// BlockCacheConfig mirrors pkg/blockcache.Config.
type BlockCacheConfig struct {
	BlockTTL       time.Duration `yaml:"block_ttl"`
	LatestBlockTTL time.Duration `yaml:"latest_block_ttl"`
	KeyPrefix      string        `yaml:"key_prefix"`
}

// LoadBalancerConfig mirrors pkg/balancer.Config.
type LoadBalancerConfig struct {
	Strategy             string        `yaml:"strategy"`
	MaxTenantsPerWorker  int           `yaml:"max_tenants_per_worker"`
	RebalanceThreshold   float64       `yaml:"rebalance_threshold"`
	MinRebalanceInterval time.Duration `yaml:"min_rebalance_interval"`
}

// BlockWatcherConfig mirrors pkg/watcher.Config.
type BlockWatcherConfig struct {
	ChannelBufferSize int `yaml:"channel_buffer_size"`
	MaxBlocksPerFetch int `yaml:"max_blocks_per_fetch"`
	RetryAttempts     int `yaml:"retry_attempts"`
	RetryDelayMs      int `yaml:"retry_delay_ms"`
}

// APIConfig configures the worker registration HTTP surface (pkg/api).
type APIConfig struct {
	Host        string `yaml:"host"`
	Port        int    `yaml:"port"`
	CORSEnabled bool   `yaml:"cors_enabled"`
	RateLimit   int    `yaml:"rate_limit"`
}

// searchPaths are tried in order; the first file found is loaded.
var searchPaths = []string{"/etc/oz-monitor/config.yaml", "./config.yaml"}

// Load locates, parses, overrides from environment, defaults, and
// validates the configuration. path overrides the search list when
// non-empty.
func Load(path string) (Config, error) {
	var cfg Config

	resolved := path
	if resolved == "" {
		for _, candidate := range searchPaths {
			if _, err := os.Stat(candidate); err == nil {
				resolved = candidate
				break
			}
		}
	}
	if resolved != "" {
		data, err := os.ReadFile(resolved)
		if err != nil {
			return cfg, fmt.Errorf("read config file %q: %w", resolved, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config file %q: %w", resolved, err)
		}
	}

	applyEnvOverrides(&cfg, os.Environ())
	cfg = withDefaults(cfg)

	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func withDefaults(cfg Config) Config {
	if cfg.Worker.MaxTenantsPerWorker <= 0 {
		cfg.Worker.MaxTenantsPerWorker = 50
	}
	if cfg.Worker.HealthCheckInterval <= 0 {
		cfg.Worker.HealthCheckInterval = 30 * time.Second
	}
	if cfg.Worker.TenantReloadInterval <= 0 {
		cfg.Worker.TenantReloadInterval = 300 * time.Second
	}
	if cfg.BlockCache.BlockTTL <= 0 {
		cfg.BlockCache.BlockTTL = 60 * time.Second
	}
	if cfg.BlockCache.LatestBlockTTL <= 0 {
		cfg.BlockCache.LatestBlockTTL = 5 * time.Second
	}
	if cfg.BlockCache.KeyPrefix == "" {
		cfg.BlockCache.KeyPrefix = "oz_cache"
	}
	if cfg.LoadBalancer.Strategy == "" {
		cfg.LoadBalancer.Strategy = "round_robin"
	}
	if cfg.LoadBalancer.MaxTenantsPerWorker <= 0 {
		cfg.LoadBalancer.MaxTenantsPerWorker = cfg.Worker.MaxTenantsPerWorker
	}
	if cfg.LoadBalancer.MinRebalanceInterval <= 0 {
		cfg.LoadBalancer.MinRebalanceInterval = 300 * time.Second
	}
	if cfg.BlockWatcher.ChannelBufferSize <= 0 {
		cfg.BlockWatcher.ChannelBufferSize = 1000
	}
	if cfg.BlockWatcher.MaxBlocksPerFetch <= 0 {
		cfg.BlockWatcher.MaxBlocksPerFetch = 100
	}
	if cfg.BlockWatcher.RetryAttempts <= 0 {
		cfg.BlockWatcher.RetryAttempts = 3
	}
	if cfg.BlockWatcher.RetryDelayMs <= 0 {
		cfg.BlockWatcher.RetryDelayMs = 1000
	}
	return cfg
}

func validate(cfg Config) error {
	var errs []string

	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		errs = append(errs, "database_url is required")
	}
	if strings.TrimSpace(cfg.RedisURL) == "" {
		errs = append(errs, "redis_url is required")
	}
	switch cfg.ServiceMode {
	case ModeWorker, ModeBlockWatcher, ModeAPI, ModeAll:
	default:
		errs = append(errs, fmt.Sprintf("service_mode %q is not one of worker|block-watcher|api|all", cfg.ServiceMode))
	}
	if cfg.Worker.MaxTenantsPerWorker <= 0 {
		errs = append(errs, "worker.max_tenants_per_worker must be > 0")
	}
	if cfg.Worker.HealthCheckInterval < 5*time.Second {
		errs = append(errs, "worker.health_check_interval must be >= 5s")
	}
	if cfg.Worker.TenantReloadInterval < 30*time.Second {
		errs = append(errs, "worker.tenant_reload_interval must be >= 30s")
	}
	if cfg.BlockCache.KeyPrefix == "" {
		errs = append(errs, "block_cache.key_prefix must be non-empty")
	}
	switch cfg.LoadBalancer.Strategy {
	case "round_robin", "least_loaded", "consistent_hashing", "activity_based":
	default:
		errs = append(errs, fmt.Sprintf("load_balancer.strategy %q is not a recognized strategy", cfg.LoadBalancer.Strategy))
	}
	if cfg.LoadBalancer.RebalanceThreshold < 0 || cfg.LoadBalancer.RebalanceThreshold > 1 {
		errs = append(errs, "load_balancer.rebalance_threshold must be within [0.0, 1.0]")
	}
	if cfg.LoadBalancer.MinRebalanceInterval < 60*time.Second {
		errs = append(errs, "load_balancer.min_rebalance_interval must be >= 60s")
	}
	if cfg.BlockWatcher.ChannelBufferSize <= 0 {
		errs = append(errs, "block_watcher.channel_buffer_size must be > 0")
	}
	if cfg.BlockWatcher.MaxBlocksPerFetch <= 0 {
		errs = append(errs, "block_watcher.max_blocks_per_fetch must be > 0")
	}
	if cfg.ServiceMode == ModeAPI || cfg.ServiceMode == ModeAll {
		if strings.TrimSpace(cfg.API.Host) == "" {
			errs = append(errs, "api.host is required when service_mode includes the api surface")
		}
		if cfg.API.Port <= 0 {
			errs = append(errs, "api.port must be > 0 when service_mode includes the api surface")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(errs, "; "))
	}
	return nil
}

// applyEnvOverrides maps OZ_MONITOR_DOTTED_PATH style variables (e.g.
// OZ_MONITOR_WORKER_MAX_TENANTS_PER_WORKER) onto the matching field.
func applyEnvOverrides(cfg *Config, environ []string) {
	for _, kv := range environ {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(key, "OZ_MONITOR_") {
			continue
		}
		path := strings.ToLower(strings.TrimPrefix(key, "OZ_MONITOR_"))
		setField(cfg, path, value)
	}
}

func setField(cfg *Config, path, value string) {
	switch path {
	case "database_url":
		cfg.DatabaseURL = value
	case "redis_url":
		cfg.RedisURL = value
	case "service_mode":
		cfg.ServiceMode = ServiceMode(value)
	case "worker_max_tenants_per_worker":
		cfg.Worker.MaxTenantsPerWorker = atoiOr(value, cfg.Worker.MaxTenantsPerWorker)
	case "worker_health_check_interval":
		cfg.Worker.HealthCheckInterval = durationOr(value, cfg.Worker.HealthCheckInterval)
	case "worker_tenant_reload_interval":
		cfg.Worker.TenantReloadInterval = durationOr(value, cfg.Worker.TenantReloadInterval)
	case "block_cache_block_ttl":
		cfg.BlockCache.BlockTTL = durationOr(value, cfg.BlockCache.BlockTTL)
	case "block_cache_latest_block_ttl":
		cfg.BlockCache.LatestBlockTTL = durationOr(value, cfg.BlockCache.LatestBlockTTL)
	case "block_cache_key_prefix":
		cfg.BlockCache.KeyPrefix = value
	case "load_balancer_strategy":
		cfg.LoadBalancer.Strategy = value
	case "load_balancer_max_tenants_per_worker":
		cfg.LoadBalancer.MaxTenantsPerWorker = atoiOr(value, cfg.LoadBalancer.MaxTenantsPerWorker)
	case "load_balancer_rebalance_threshold":
		cfg.LoadBalancer.RebalanceThreshold = floatOr(value, cfg.LoadBalancer.RebalanceThreshold)
	case "load_balancer_min_rebalance_interval":
		cfg.LoadBalancer.MinRebalanceInterval = durationOr(value, cfg.LoadBalancer.MinRebalanceInterval)
	case "block_watcher_channel_buffer_size":
		cfg.BlockWatcher.ChannelBufferSize = atoiOr(value, cfg.BlockWatcher.ChannelBufferSize)
	case "block_watcher_max_blocks_per_fetch":
		cfg.BlockWatcher.MaxBlocksPerFetch = atoiOr(value, cfg.BlockWatcher.MaxBlocksPerFetch)
	case "block_watcher_retry_attempts":
		cfg.BlockWatcher.RetryAttempts = atoiOr(value, cfg.BlockWatcher.RetryAttempts)
	case "block_watcher_retry_delay_ms":
		cfg.BlockWatcher.RetryDelayMs = atoiOr(value, cfg.BlockWatcher.RetryDelayMs)
	case "api_host":
		cfg.API.Host = value
	case "api_port":
		cfg.API.Port = atoiOr(value, cfg.API.Port)
	case "api_cors_enabled":
		cfg.API.CORSEnabled = value == "true" || value == "1"
	case "api_rate_limit":
		cfg.API.RateLimit = atoiOr(value, cfg.API.RateLimit)
	}
}

func atoiOr(s string, fallback int) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return fallback
	}
	return n
}

func floatOr(s string, fallback float64) float64 {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fallback
	}
	return f
}

func durationOr(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}
