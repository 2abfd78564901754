// Package worker implements the Worker Pool & Block Processing Pipeline
// (C6): MonitorWorker, its three long-running tasks, and the
// MonitorWorkerPool registry. Grounded on the teacher's worker lifecycle
// (cuemby-warren pkg/worker/worker.go's heartbeat loop,
// pkg/worker/health_monitor.go's periodic ticker-driven reporting)
// generalized from container execution to tenant block processing.
package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ozmonitor/orchestrator/pkg/log"
	"github.com/ozmonitor/orchestrator/pkg/metrics"
	"github.com/ozmonitor/orchestrator/pkg/types"
	"github.com/ozmonitor/orchestrator/pkg/watcher"
	"github.com/rs/zerolog"
)

// Services is the subset of Monitor Services (C5) a MonitorWorker drives.
type Services interface {
	ReloadConfigurations(ctx context.Context, tenantIDs []types.TenantId) error
	ProcessBlock(ctx context.Context, tenantID types.TenantId, networkSlug string, block types.Block) ([]types.TenantMonitorMatch, error)
}

// ServicesFactory instantiates Monitor Services for a worker's tenant list.
type ServicesFactory func(tenants []types.TenantId) (Services, error)

// Config controls the two periodic tasks' cadence.
type Config struct {
	HealthCheckInterval  time.Duration // default 30s, >= 5s
	TenantReloadInterval time.Duration // default 300s, >= 30s
}

func (c Config) withDefaults() Config {
	if c.HealthCheckInterval < 5*time.Second {
		c.HealthCheckInterval = 30 * time.Second
	}
	if c.TenantReloadInterval < 30*time.Second {
		c.TenantReloadInterval = 300 * time.Second
	}
	return c
}

// MonitorWorker holds one worker's assigned tenants, lifecycle status and
// lazily-instantiated Monitor Services.
type MonitorWorker struct {
	id              types.WorkerId
	cfg             Config
	servicesFactory ServicesFactory
	logger          zerolog.Logger

	mu              sync.RWMutex
	assignedTenants []types.TenantId
	status          types.WorkerStatus
	statusMessage   string
	services        Services
}

// NewMonitorWorker constructs a worker in Starting status with no tenants assigned.
func NewMonitorWorker(id types.WorkerId, cfg Config, factory ServicesFactory) *MonitorWorker {
	return &MonitorWorker{
		id:              id,
		cfg:             cfg.withDefaults(),
		servicesFactory: factory,
		logger:          log.WithWorkerID(string(id)),
		status:          types.WorkerStatusStarting,
	}
}

// ID returns the worker's id.
func (w *MonitorWorker) ID() types.WorkerId { return w.id }

// AssignTenants replaces the tenant list. Safe to call during Running.
func (w *MonitorWorker) AssignTenants(tenants []types.TenantId) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.assignedTenants = append([]types.TenantId(nil), tenants...)
	metrics.WorkerTenantsAssigned.WithLabelValues(string(w.id)).Set(float64(len(tenants)))
}

func (w *MonitorWorker) snapshotTenants() []types.TenantId {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return append([]types.TenantId(nil), w.assignedTenants...)
}

// Status returns the worker's lifecycle status and any error message.
func (w *MonitorWorker) Status() (types.WorkerStatus, string) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.status, w.statusMessage
}

func (w *MonitorWorker) setStatus(status types.WorkerStatus, message string) {
	w.mu.Lock()
	w.status = status
	w.statusMessage = message
	w.mu.Unlock()

	for _, s := range []types.WorkerStatus{
		types.WorkerStatusStarting, types.WorkerStatusRunning, types.WorkerStatusReloading,
		types.WorkerStatusStopping, types.WorkerStatusStopped, types.WorkerStatusError,
	} {
		v := 0.0
		if s == status {
			v = 1.0
		}
		metrics.WorkerStatus.WithLabelValues(string(w.id), string(s)).Set(v)
	}
}

// Start runs the worker's lifecycle per spec §4.6: transitions to Running,
// instantiates Monitor Services for the current tenant list, subscribes to
// the shared watcher, and runs the three long-running tasks until the
// first one terminates, then transitions to Stopped. Start blocks until
// that happens; callers (MonitorWorkerPool) run it in its own goroutine.
func (w *MonitorWorker) Start(ctx context.Context, sw *watcher.Watcher, pool watcher.ClientPool) error {
	w.setStatus(types.WorkerStatusRunning, "")

	tenants := w.snapshotTenants()
	if len(tenants) == 0 {
		w.logger.Info().Msg("worker started idle: no tenants assigned")
		return nil
	}

	services, err := w.servicesFactory(tenants)
	if err != nil {
		w.setStatus(types.WorkerStatusError, err.Error())
		return fmt.Errorf("instantiate monitor services: %w", err)
	}
	w.mu.Lock()
	w.services = services
	w.mu.Unlock()

	if err := services.ReloadConfigurations(ctx, tenants); err != nil {
		w.logger.Warn().Err(err).Msg("initial configuration load failed")
	}

	sub := sw.Subscribe()
	defer sw.Unsubscribe(sub)

	taskCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make(chan error, 3)
	var wg sync.WaitGroup
	wg.Add(3)
	go func() { defer wg.Done(); results <- w.healthReporter(taskCtx) }()
	go func() { defer wg.Done(); results <- w.configReloader(taskCtx) }()
	go func() { defer wg.Done(); results <- w.eventConsumer(taskCtx, sub) }()

	firstErr := <-results
	cancel()
	wg.Wait()

	w.setStatus(types.WorkerStatusStopped, "")
	return firstErr
}

func (w *MonitorWorker) healthReporter(ctx context.Context) error {
	ticker := time.NewTicker(w.cfg.HealthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			status, msg := w.Status()
			w.logger.Info().
				Str("status", string(status)).
				Int("tenant_count", len(w.snapshotTenants())).
				Str("message", msg).
				Msg("worker health report")
		case <-ctx.Done():
			return nil
		}
	}
}

func (w *MonitorWorker) configReloader(ctx context.Context) error {
	ticker := time.NewTicker(w.cfg.TenantReloadInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			w.setStatus(types.WorkerStatusReloading, "")
			w.mu.RLock()
			services := w.services
			w.mu.RUnlock()
			if err := services.ReloadConfigurations(ctx, w.snapshotTenants()); err != nil {
				w.logger.Warn().Err(err).Msg("periodic configuration reload failed")
			}
			w.setStatus(types.WorkerStatusRunning, "")
		case <-ctx.Done():
			return nil
		}
	}
}

func (w *MonitorWorker) eventConsumer(ctx context.Context, sub *watcher.Subscription) error {
	for {
		ev, lag, err := sub.Recv(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("event consumer: %w", types.ErrWorkerTaskTerminated)
		}
		if lag > 0 {
			w.logger.Warn().Int("lag", lag).Str("network", ev.Network).Msg("subscription fell behind, events dropped")
		}

		tenants := w.snapshotTenants()
		if len(tenants) == 0 {
			continue
		}

		w.mu.RLock()
		services := w.services
		w.mu.RUnlock()

		for _, tenantID := range tenants {
			total := 0
			for _, block := range ev.Blocks {
				matches, err := services.ProcessBlock(ctx, tenantID, ev.Network, block)
				if err != nil {
					w.setStatus(types.WorkerStatusError, err.Error())
					w.logger.Error().Err(err).Str("tenant_id", string(tenantID)).Msg("block processing failed")
					continue
				}
				total += len(matches)
			}
			if total > 0 {
				w.logger.Info().Str("tenant_id", string(tenantID)).Str("network", ev.Network).Int("matches", total).Msg("block processed")
			}
		}
	}
}
