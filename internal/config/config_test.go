package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const sampleYAML = `
database_url: "postgres://localhost/oz"
redis_url: "redis://localhost:6379"
service_mode: worker
worker:
  max_tenants_per_worker: 25
  health_check_interval: 45s
  tenant_reload_interval: 600s
load_balancer:
  strategy: least_loaded
  max_tenants_per_worker: 25
  rebalance_threshold: 0.3
  min_rebalance_interval: 120s
`

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0644))
	return path
}

func TestLoadAppliesFileAndDefaults(t *testing.T) {
	path := writeConfig(t, sampleYAML)

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, "postgres://localhost/oz", cfg.DatabaseURL)
	require.Equal(t, ModeWorker, cfg.ServiceMode)
	require.Equal(t, 25, cfg.Worker.MaxTenantsPerWorker)
	require.Equal(t, 45*time.Second, cfg.Worker.HealthCheckInterval)

	// Defaults fill in untouched sections.
	require.Equal(t, 60*time.Second, cfg.BlockCache.BlockTTL)
	require.Equal(t, "oz_cache", cfg.BlockCache.KeyPrefix)
	require.Equal(t, 1000, cfg.BlockWatcher.ChannelBufferSize)
}

func TestLoadRejectsMissingRequiredFields(t *testing.T) {
	path := writeConfig(t, "service_mode: worker\n")

	_, err := Load(path)
	require.Error(t, err)
	require.Contains(t, err.Error(), "database_url")
	require.Contains(t, err.Error(), "redis_url")
}

func TestLoadRejectsUnknownServiceMode(t *testing.T) {
	path := writeConfig(t, `
database_url: "postgres://localhost/oz"
redis_url: "redis://localhost:6379"
service_mode: bogus
`)

	_, err := Load(path)
	require.Error(t, err)
	require.Contains(t, err.Error(), "service_mode")
}

func TestApplyEnvOverridesDottedPath(t *testing.T) {
	path := writeConfig(t, sampleYAML)

	t.Setenv("OZ_MONITOR_WORKER_MAX_TENANTS_PER_WORKER", "99")
	t.Setenv("OZ_MONITOR_LOAD_BALANCER_STRATEGY", "activity_based")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 99, cfg.Worker.MaxTenantsPerWorker)
	require.Equal(t, "activity_based", cfg.LoadBalancer.Strategy)
}

func TestLoadRejectsOutOfRangeRebalanceThreshold(t *testing.T) {
	path := writeConfig(t, `
database_url: "postgres://localhost/oz"
redis_url: "redis://localhost:6379"
service_mode: worker
load_balancer:
  strategy: round_robin
  max_tenants_per_worker: 10
  rebalance_threshold: 1.5
  min_rebalance_interval: 120s
`)

	_, err := Load(path)
	require.Error(t, err)
	require.Contains(t, err.Error(), "rebalance_threshold")
}
