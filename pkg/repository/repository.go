// Package repository is the Tenant Repository View (C2): reads monitors,
// networks, triggers and trigger-condition scripts from the relational
// store, filtered by a held tenant-id set. The filter is updatable
// atomically; readers observe a consistent filter for the duration of a
// single operation.
package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/ozmonitor/orchestrator/pkg/log"
	"github.com/ozmonitor/orchestrator/pkg/metrics"
	"github.com/ozmonitor/orchestrator/pkg/types"
	"github.com/rs/zerolog"
)

// Config configures the repository's database connection and script fallback path.
type Config struct {
	DatabaseURL string
	ScriptsDir  string // local filesystem fallback for load_script
}

// View is the Tenant Repository View.
type View struct {
	pool       *pgxpool.Pool
	scriptsDir string
	logger     zerolog.Logger

	mu     sync.RWMutex
	filter map[types.TenantId]struct{}
}

// New connects the pool lazily (pgxpool dials on first use) and returns a View.
func New(ctx context.Context, cfg Config) (*View, error) {
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect tenant repository: %w", err)
	}
	return &View{
		pool:       pool,
		scriptsDir: cfg.ScriptsDir,
		logger:     log.WithComponent("repository"),
		filter:     make(map[types.TenantId]struct{}),
	}, nil
}

// Close releases the connection pool.
func (v *View) Close() {
	v.pool.Close()
}

// SetTenantFilter atomically replaces the held tenant-id set.
func (v *View) SetTenantFilter(ids []types.TenantId) {
	next := make(map[types.TenantId]struct{}, len(ids))
	for _, id := range ids {
		next[id] = struct{}{}
	}
	v.mu.Lock()
	v.filter = next
	v.mu.Unlock()
}

func (v *View) snapshotFilter() []types.TenantId {
	v.mu.RLock()
	defer v.mu.RUnlock()
	ids := make([]types.TenantId, 0, len(v.filter))
	for id := range v.filter {
		ids = append(ids, id)
	}
	return ids
}

func tenantIDStrings(ids []types.TenantId) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = string(id)
	}
	return out
}

// GetAllMonitors returns active monitors whose tenant_id is in the held filter, keyed by name.
func (v *View) GetAllMonitors(ctx context.Context) (map[string]*types.Monitor, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.RepositoryQueryDuration, "get_all_monitors")

	filter := v.snapshotFilter()
	if len(filter) == 0 {
		return map[string]*types.Monitor{}, nil
	}

	rows, err := v.pool.Query(ctx,
		`SELECT tenant_id, name, configuration FROM tenant_monitors
		 WHERE tenant_id = ANY($1) AND is_active = true`,
		tenantIDStrings(filter))
	if err != nil {
		metrics.RepositoryQueryErrorsTotal.WithLabelValues("get_all_monitors").Inc()
		return nil, &types.RepositoryQueryError{Query: "get_all_monitors", Err: err}
	}
	defer rows.Close()

	result := make(map[string]*types.Monitor)
	for rows.Next() {
		var tenantID, name string
		var rawConfig []byte
		if err := rows.Scan(&tenantID, &name, &rawConfig); err != nil {
			metrics.RepositoryQueryErrorsTotal.WithLabelValues("get_all_monitors").Inc()
			return nil, &types.RepositoryQueryError{Query: "get_all_monitors", Err: err}
		}
		monitor := &types.Monitor{TenantId: types.TenantId(tenantID), Name: name}
		if err := json.Unmarshal(rawConfig, monitor); err != nil {
			return nil, fmt.Errorf("deserialize monitor %s/%s: %w", tenantID, name, err)
		}
		monitor.TenantId = types.TenantId(tenantID)
		monitor.Name = name
		result[name] = monitor
	}
	if err := rows.Err(); err != nil {
		metrics.RepositoryQueryErrorsTotal.WithLabelValues("get_all_monitors").Inc()
		return nil, &types.RepositoryQueryError{Query: "get_all_monitors", Err: err}
	}
	return result, nil
}

// GetAllNetworks returns active networks whose tenant_id is in the held filter, keyed by slug.
func (v *View) GetAllNetworks(ctx context.Context) (map[string]*types.NetworkDescriptor, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.RepositoryQueryDuration, "get_all_networks")

	filter := v.snapshotFilter()
	if len(filter) == 0 {
		return map[string]*types.NetworkDescriptor{}, nil
	}

	rows, err := v.pool.Query(ctx,
		`SELECT network_id, configuration FROM tenant_networks
		 WHERE tenant_id = ANY($1) AND is_active = true`,
		tenantIDStrings(filter))
	if err != nil {
		metrics.RepositoryQueryErrorsTotal.WithLabelValues("get_all_networks").Inc()
		return nil, &types.RepositoryQueryError{Query: "get_all_networks", Err: err}
	}
	defer rows.Close()

	result := make(map[string]*types.NetworkDescriptor)
	for rows.Next() {
		var slug string
		var rawConfig []byte
		if err := rows.Scan(&slug, &rawConfig); err != nil {
			metrics.RepositoryQueryErrorsTotal.WithLabelValues("get_all_networks").Inc()
			return nil, &types.RepositoryQueryError{Query: "get_all_networks", Err: err}
		}
		descriptor := &types.NetworkDescriptor{Slug: slug}
		if err := json.Unmarshal(rawConfig, descriptor); err != nil {
			return nil, fmt.Errorf("deserialize network %s: %w", slug, err)
		}
		descriptor.Slug = slug
		result[slug] = descriptor
	}
	if err := rows.Err(); err != nil {
		metrics.RepositoryQueryErrorsTotal.WithLabelValues("get_all_networks").Inc()
		return nil, &types.RepositoryQueryError{Query: "get_all_networks", Err: err}
	}
	return result, nil
}

// GetAllTriggers returns active triggers whose tenant_id is in the held filter, keyed by name.
func (v *View) GetAllTriggers(ctx context.Context) (map[string]*types.Trigger, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.RepositoryQueryDuration, "get_all_triggers")

	filter := v.snapshotFilter()
	if len(filter) == 0 {
		return map[string]*types.Trigger{}, nil
	}

	rows, err := v.pool.Query(ctx,
		`SELECT tenant_id, name, type, configuration FROM tenant_triggers
		 WHERE tenant_id = ANY($1) AND is_active = true`,
		tenantIDStrings(filter))
	if err != nil {
		metrics.RepositoryQueryErrorsTotal.WithLabelValues("get_all_triggers").Inc()
		return nil, &types.RepositoryQueryError{Query: "get_all_triggers", Err: err}
	}
	defer rows.Close()

	result := make(map[string]*types.Trigger)
	for rows.Next() {
		var tenantID, name, triggerType string
		var rawConfig []byte
		if err := rows.Scan(&tenantID, &name, &triggerType, &rawConfig); err != nil {
			metrics.RepositoryQueryErrorsTotal.WithLabelValues("get_all_triggers").Inc()
			return nil, &types.RepositoryQueryError{Query: "get_all_triggers", Err: err}
		}
		var config map[string]string
		if len(rawConfig) > 0 {
			if err := json.Unmarshal(rawConfig, &config); err != nil {
				return nil, fmt.Errorf("deserialize trigger %s/%s: %w", tenantID, name, err)
			}
		}
		result[name] = &types.Trigger{
			TenantId:      types.TenantId(tenantID),
			Name:          name,
			Type:          types.TriggerType(triggerType),
			Configuration: config,
		}
	}
	if err := rows.Err(); err != nil {
		metrics.RepositoryQueryErrorsTotal.WithLabelValues("get_all_triggers").Inc()
		return nil, &types.RepositoryQueryError{Query: "get_all_triggers", Err: err}
	}
	return result, nil
}

// GetTriggersByMonitor returns the triggers bound to a monitor by its external monitor_id.
func (v *View) GetTriggersByMonitor(ctx context.Context, monitorExternalID string) ([]*types.Trigger, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.RepositoryQueryDuration, "get_triggers_by_monitor")

	rows, err := v.pool.Query(ctx,
		`SELECT tt.tenant_id, tt.name, tt.type, tt.configuration
		 FROM tenant_triggers tt
		 JOIN tenant_monitors tm ON tt.monitor_id = tm.id
		 WHERE tm.monitor_id = $1 AND tt.is_active = true`,
		monitorExternalID)
	if err != nil {
		metrics.RepositoryQueryErrorsTotal.WithLabelValues("get_triggers_by_monitor").Inc()
		return nil, &types.RepositoryQueryError{Query: "get_triggers_by_monitor", Err: err}
	}
	defer rows.Close()

	var triggers []*types.Trigger
	for rows.Next() {
		var tenantID, name, triggerType string
		var rawConfig []byte
		if err := rows.Scan(&tenantID, &name, &triggerType, &rawConfig); err != nil {
			metrics.RepositoryQueryErrorsTotal.WithLabelValues("get_triggers_by_monitor").Inc()
			return nil, &types.RepositoryQueryError{Query: "get_triggers_by_monitor", Err: err}
		}
		var config map[string]string
		if len(rawConfig) > 0 {
			_ = json.Unmarshal(rawConfig, &config)
		}
		triggers = append(triggers, &types.Trigger{
			TenantId:      types.TenantId(tenantID),
			Name:          name,
			Type:          types.TriggerType(triggerType),
			Configuration: config,
		})
	}
	return triggers, rows.Err()
}

// LoadScript resolves a trigger-condition script by reference, restricted to
// the given tenant filter. On no matching active row it falls back to a
// local filesystem read under ScriptsDir, logging a migration notice (this
// is a backward-compatibility path for scripts not yet migrated to the
// database).
func (v *View) LoadScript(ctx context.Context, name string, tenantFilter []types.TenantId) (string, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.RepositoryQueryDuration, "load_script")

	var content string
	err := v.pool.QueryRow(ctx,
		`SELECT content FROM trigger_scripts
		 WHERE name = $1 AND tenant_id = ANY($2) AND is_active = true
		 LIMIT 1`,
		name, tenantIDStrings(tenantFilter)).Scan(&content)
	if err == nil {
		return content, nil
	}

	// No active row: fall back to the filesystem.
	if v.scriptsDir == "" {
		metrics.RepositoryQueryErrorsTotal.WithLabelValues("load_script").Inc()
		return "", &types.RepositoryQueryError{Query: "load_script", Err: err}
	}

	v.logger.Warn().Str("script", name).Msg("script not found in database, falling back to filesystem (migration pending)")
	data, readErr := os.ReadFile(filepath.Join(v.scriptsDir, name))
	if readErr != nil {
		metrics.RepositoryQueryErrorsTotal.WithLabelValues("load_script").Inc()
		return "", &types.RepositoryQueryError{Query: "load_script", Err: readErr}
	}
	return string(data), nil
}
