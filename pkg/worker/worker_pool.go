package worker

import (
	"context"
	"fmt"
	"sync"

	"github.com/ozmonitor/orchestrator/pkg/log"
	"github.com/ozmonitor/orchestrator/pkg/types"
	"github.com/ozmonitor/orchestrator/pkg/watcher"
	"github.com/rs/zerolog"
)

// MonitorWorkerPool is the registry of MonitorWorkers.
type MonitorWorkerPool struct {
	cfg             Config
	servicesFactory ServicesFactory
	watcher         *watcher.Watcher
	pool            watcher.ClientPool
	logger          zerolog.Logger

	mu      sync.RWMutex
	workers map[types.WorkerId]*MonitorWorker
}

// NewMonitorWorkerPool constructs an empty pool.
func NewMonitorWorkerPool(cfg Config, factory ServicesFactory, sw *watcher.Watcher, pool watcher.ClientPool) *MonitorWorkerPool {
	return &MonitorWorkerPool{
		cfg:             cfg,
		servicesFactory: factory,
		watcher:         sw,
		pool:            pool,
		logger:          log.WithComponent("worker_pool"),
		workers:         make(map[types.WorkerId]*MonitorWorker),
	}
}

// CreateWorker creates a worker with the given tenant list and
// background-spawns its Start loop.
func (p *MonitorWorkerPool) CreateWorker(ctx context.Context, id types.WorkerId, tenants []types.TenantId) (*MonitorWorker, error) {
	p.mu.Lock()
	if _, exists := p.workers[id]; exists {
		p.mu.Unlock()
		return nil, fmt.Errorf("create worker %s: already registered", id)
	}
	w := NewMonitorWorker(id, p.cfg, p.servicesFactory)
	w.AssignTenants(tenants)
	p.workers[id] = w
	p.mu.Unlock()

	go func() {
		if err := w.Start(ctx, p.watcher, p.pool); err != nil {
			p.logger.Warn().Err(err).Str("worker_id", string(id)).Msg("worker terminated")
		}
	}()
	return w, nil
}

// GetWorkerStatus returns a worker's status, or false if unknown.
func (p *MonitorWorkerPool) GetWorkerStatus(id types.WorkerId) (types.WorkerStatus, bool) {
	p.mu.RLock()
	w, ok := p.workers[id]
	p.mu.RUnlock()
	if !ok {
		return "", false
	}
	status, _ := w.Status()
	return status, true
}

// ListWorkers returns a summary of every registered worker.
func (p *MonitorWorkerPool) ListWorkers() []types.WorkerSummary {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]types.WorkerSummary, 0, len(p.workers))
	for id, w := range p.workers {
		status, _ := w.Status()
		out = append(out, types.WorkerSummary{
			WorkerId:    id,
			Status:      status,
			TenantCount: len(w.snapshotTenants()),
		})
	}
	return out
}

// ReassignTenants updates a worker's tenant list and asks its services to
// reload configurations for the new list.
func (p *MonitorWorkerPool) ReassignTenants(ctx context.Context, id types.WorkerId, tenants []types.TenantId) error {
	p.mu.RLock()
	w, ok := p.workers[id]
	p.mu.RUnlock()
	if !ok {
		return fmt.Errorf("reassign tenants: %w", types.ErrWorkerUnknown)
	}

	w.AssignTenants(tenants)

	w.mu.RLock()
	services := w.services
	w.mu.RUnlock()
	if services == nil {
		return nil
	}
	return services.ReloadConfigurations(ctx, tenants)
}

// RemoveWorker marks a worker Stopping and removes it from the registry.
func (p *MonitorWorkerPool) RemoveWorker(id types.WorkerId) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	w, ok := p.workers[id]
	if !ok {
		return fmt.Errorf("remove worker: %w", types.ErrWorkerUnknown)
	}
	w.setStatus(types.WorkerStatusStopping, "")
	delete(p.workers, id)
	return nil
}
