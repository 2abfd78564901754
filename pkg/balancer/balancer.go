// Package balancer implements the Tenant ↔ Worker Load Balancer (C4): the
// assignment engine mapping tenant ids to worker ids under four pluggable
// strategies, imbalance detection, and whole-fleet rebalancing with stable
// affinity.
package balancer

import (
	"fmt"
	"hash/fnv"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/ozmonitor/orchestrator/pkg/log"
	"github.com/ozmonitor/orchestrator/pkg/metrics"
	"github.com/ozmonitor/orchestrator/pkg/types"
	"github.com/rs/zerolog"
)

// Strategy selects how assign_tenant picks a worker.
type Strategy string

const (
	StrategyRoundRobin        Strategy = "round_robin"
	StrategyLeastLoaded       Strategy = "least_loaded"
	StrategyConsistentHashing Strategy = "consistent_hashing"
	StrategyActivityBased     Strategy = "activity_based"
)

// Config controls strategy selection and rebalance pacing.
type Config struct {
	Strategy              Strategy
	MaxTenantsPerWorker   int
	RebalanceThreshold    float64       // default 0.2
	MinRebalanceInterval  time.Duration // default 300s
}

func (c Config) withDefaults() Config {
	if c.Strategy == "" {
		c.Strategy = StrategyRoundRobin
	}
	if c.RebalanceThreshold <= 0 {
		c.RebalanceThreshold = 0.2
	}
	if c.MinRebalanceInterval <= 0 {
		c.MinRebalanceInterval = 300 * time.Second
	}
	return c
}

// Balancer holds the assignment table, worker registry, affinity map and
// tenant metrics table described in spec §4.4.
type Balancer struct {
	cfg    Config
	logger zerolog.Logger

	mu              sync.RWMutex
	workers         map[types.WorkerId]*types.WorkerMetrics
	assignments     map[types.TenantId]*types.TenantAssignment
	affinity        map[string]types.WorkerId // tenant id canonical string -> worker id
	tenantMetrics   map[types.TenantId]*types.TenantMetrics
	lastRebalanceAt time.Time
}

// New constructs a Balancer.
func New(cfg Config) *Balancer {
	return &Balancer{
		cfg:           cfg.withDefaults(),
		logger:        log.WithComponent("balancer"),
		workers:       make(map[types.WorkerId]*types.WorkerMetrics),
		assignments:   make(map[types.TenantId]*types.TenantAssignment),
		affinity:      make(map[string]types.WorkerId),
		tenantMetrics: make(map[types.TenantId]*types.TenantMetrics),
	}
}

// AddWorker registers a new worker with empty metrics. No reassignment occurs.
func (b *Balancer) AddWorker(id types.WorkerId) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.workers[id]; exists {
		return
	}
	b.workers[id] = &types.WorkerMetrics{WorkerId: id, CollectedAt: time.Now()}
	metrics.BalancerWorkersTotal.Set(float64(len(b.workers)))
}

// RemoveWorker removes a worker's metrics and affinity entries, returning
// the tenants that are now orphaned (callers must re-assign them).
func (b *Balancer) RemoveWorker(id types.WorkerId) []types.TenantId {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.workers, id)
	for ts, wid := range b.affinity {
		if wid == id {
			delete(b.affinity, ts)
		}
	}

	var orphaned []types.TenantId
	for tid, assignment := range b.assignments {
		if assignment.WorkerId == id {
			orphaned = append(orphaned, tid)
			delete(b.assignments, tid)
		}
	}
	metrics.BalancerWorkersTotal.Set(float64(len(b.workers)))
	metrics.BalancerTenantsTotal.Set(float64(len(b.assignments)))
	return orphaned
}

// UpdateWorkerMetrics overwrites the full metrics record for a worker.
func (b *Balancer) UpdateWorkerMetrics(m types.WorkerMetrics) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.workers[m.WorkerId] = &m
}

// UpdateTenantMetrics overwrites the full metrics record for a tenant.
func (b *Balancer) UpdateTenantMetrics(m types.TenantMetrics) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tenantMetrics[m.TenantId] = &m
}

// GetWorkerForTenant looks up the current assignment, if any.
func (b *Balancer) GetWorkerForTenant(tid types.TenantId) (types.WorkerId, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	a, ok := b.assignments[tid]
	if !ok {
		return "", false
	}
	return a.WorkerId, true
}

// GetWorkerAssignments lists tenants currently bound to a worker.
func (b *Balancer) GetWorkerAssignments(wid types.WorkerId) []types.TenantId {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var tenants []types.TenantId
	for tid, a := range b.assignments {
		if a.WorkerId == wid {
			tenants = append(tenants, tid)
		}
	}
	return tenants
}

// AssignTenant selects a worker per the configured strategy, records the
// assignment (reason Initial for a tenant's first assignment, LoadRebalance
// for a replacement) and increments the chosen worker's tenant_count.
func (b *Balancer) AssignTenant(tid types.TenantId) (types.WorkerId, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.workers) == 0 {
		metrics.BalancerNoWorkersAvailable.Inc()
		return "", fmt.Errorf("assign tenant %s: %w", tid, types.ErrNoWorkersAvailable)
	}

	worker, err := b.selectWorker(b.cfg.Strategy, tid)
	if err != nil {
		return "", err
	}

	existing, hadPrior := b.assignments[tid]
	reason := types.AssignmentReasonInitial
	version := uint64(1)
	if hadPrior {
		reason = types.AssignmentReasonLoadRebalance
		version = existing.Version + 1
		if existing.WorkerId != worker {
			if wm, ok := b.workers[existing.WorkerId]; ok {
				wm.TenantCount--
			}
		}
	}

	b.assignments[tid] = &types.TenantAssignment{
		TenantId:   tid,
		WorkerId:   worker,
		AssignedAt: time.Now(),
		Version:    version,
		Reason:     reason,
	}
	b.affinity[string(tid)] = worker
	if wm, ok := b.workers[worker]; ok {
		wm.TenantCount++
	}

	metrics.BalancerAssignmentsTotal.WithLabelValues(string(reason)).Inc()
	metrics.BalancerTenantsTotal.Set(float64(len(b.assignments)))
	return worker, nil
}

// selectWorker dispatches to the configured strategy. Caller holds b.mu.
func (b *Balancer) selectWorker(strategy Strategy, tid types.TenantId) (types.WorkerId, error) {
	switch strategy {
	case StrategyLeastLoaded:
		return b.selectLeastLoaded()
	case StrategyConsistentHashing:
		return b.selectConsistentHashing(tid)
	case StrategyActivityBased:
		if tm, ok := b.tenantMetrics[tid]; ok && tm.ActivityScore() > 0.7 {
			return b.selectLeastLoaded()
		}
		return b.selectConsistentHashing(tid)
	default:
		return b.selectRoundRobin()
	}
}

// selectRoundRobin chooses the worker with the smallest tenant_count.
func (b *Balancer) selectRoundRobin() (types.WorkerId, error) {
	var best types.WorkerId
	bestCount := math.MaxInt64
	for id, wm := range b.workers {
		if wm.TenantCount < bestCount {
			bestCount = wm.TenantCount
			best = id
		}
	}
	if best == "" {
		return "", types.ErrNoWorkersAvailable
	}
	return best, nil
}

// selectLeastLoaded minimizes round(cpu*100) + round(mem*100) + tenant_count.
func (b *Balancer) selectLeastLoaded() (types.WorkerId, error) {
	var best types.WorkerId
	bestScore := math.MaxInt64
	for id, wm := range b.workers {
		score := int(math.Round(wm.CPUUsage*100)) + int(math.Round(wm.MemoryUsage*100)) + wm.TenantCount
		if score < bestScore {
			bestScore = score
			best = id
		}
	}
	if best == "" {
		return "", types.ErrNoWorkersAvailable
	}
	return best, nil
}

// selectConsistentHashing is a stable hash-partition plus an affinity map,
// per the design note in spec §9 — not classical ring-based consistent
// hashing; removing a worker may remap many tenants, and stability across
// re-assignments of the same tenant set comes from the affinity map alone.
func (b *Balancer) selectConsistentHashing(tid types.TenantId) (types.WorkerId, error) {
	if wid, ok := b.affinity[string(tid)]; ok {
		if _, registered := b.workers[wid]; registered {
			return wid, nil
		}
	}

	ids := b.sortedWorkerIDs()
	if len(ids) == 0 {
		return "", types.ErrNoWorkersAvailable
	}

	h := fnv.New64a()
	_, _ = h.Write([]byte(tid))
	idx := h.Sum64() % uint64(len(ids))
	return ids[idx], nil
}

func (b *Balancer) sortedWorkerIDs() []string {
	ids := make([]string, 0, len(b.workers))
	for id := range b.workers {
		ids = append(ids, string(id))
	}
	sort.Strings(ids)
	out := make([]string, len(ids))
	copy(out, ids)
	return out
}

// NeedsRebalancing reports whether both gates in spec §4.4.3 are satisfied:
// the minimum interval has elapsed since the last rebalance, and with at
// least two workers the tenant-count spread exceeds the configured
// threshold relative to the average.
func (b *Balancer) NeedsRebalancing() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if time.Since(b.lastRebalanceAt) < b.cfg.MinRebalanceInterval {
		return false
	}
	if len(b.workers) < 2 {
		return false
	}

	var minTC, maxTC, sumTC int
	minTC = math.MaxInt64
	for _, wm := range b.workers {
		if wm.TenantCount < minTC {
			minTC = wm.TenantCount
		}
		if wm.TenantCount > maxTC {
			maxTC = wm.TenantCount
		}
		sumTC += wm.TenantCount
	}
	avg := float64(sumTC) / float64(len(b.workers))
	if avg == 0 {
		return false
	}
	return (float64(maxTC-minTC) / avg) > b.cfg.RebalanceThreshold
}

// bucket groups a tenant id with its activity score for rebalance ordering.
type bucket struct {
	tenant types.TenantId
	score  float64
}

// Rebalance recomputes every tenant's assignment from scratch: tenants are
// grouped into high (>0.7), medium (>0.3) and low activity buckets, each
// bucket processed in order, and within a bucket each tenant goes to the
// worker with the smallest running score accumulator (greedy, tie-broken on
// a fixed-precision integer key so results are deterministic given
// identical inputs modulo map iteration). Returns the new tenant->worker
// assignment.
func (b *Balancer) Rebalance() (map[types.TenantId]types.WorkerId, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.workers) == 0 {
		return nil, types.ErrNoWorkersAvailable
	}

	tenantSet := make(map[types.TenantId]struct{})
	for tid := range b.assignments {
		tenantSet[tid] = struct{}{}
	}
	for tid := range b.tenantMetrics {
		tenantSet[tid] = struct{}{}
	}

	var high, medium, low []bucket
	for tid := range tenantSet {
		score := 0.0
		if tm, ok := b.tenantMetrics[tid]; ok {
			score = tm.ActivityScore()
		}
		switch {
		case score > 0.7:
			high = append(high, bucket{tid, score})
		case score > 0.3:
			medium = append(medium, bucket{tid, score})
		default:
			low = append(low, bucket{tid, score})
		}
	}
	for _, bk := range [][]bucket{high, medium, low} {
		sort.Slice(bk, func(i, j int) bool { return bk[i].score > bk[j].score })
	}

	accum := make(map[types.WorkerId]int64)
	for id := range b.workers {
		accum[id] = 0
	}
	sortedIDs := b.sortedWorkerIDs()

	newAssignments := make(map[types.TenantId]types.WorkerId)
	assignOne := func(bk bucket) {
		var best types.WorkerId
		bestScore := int64(math.MaxInt64)
		for _, idStr := range sortedIDs {
			id := types.WorkerId(idStr)
			key := int64(math.Round(float64(accum[id]) * 1000))
			if key < bestScore {
				bestScore = key
				best = id
			}
		}
		newAssignments[bk.tenant] = best
		accum[best] += int64(math.Round(bk.score * 1000))
	}
	for _, bk := range high {
		assignOne(bk)
	}
	for _, bk := range medium {
		assignOne(bk)
	}
	for _, bk := range low {
		assignOne(bk)
	}

	now := time.Now()
	for tid, worker := range newAssignments {
		existing, hadPrior := b.assignments[tid]
		version := uint64(1)
		if hadPrior {
			version = existing.Version + 1
		}
		b.assignments[tid] = &types.TenantAssignment{
			TenantId:   tid,
			WorkerId:   worker,
			AssignedAt: now,
			Version:    version,
			Reason:     types.AssignmentReasonLoadRebalance,
		}
		b.affinity[string(tid)] = worker
	}
	for id, wm := range b.workers {
		count := 0
		for _, w := range newAssignments {
			if w == id {
				count++
			}
		}
		wm.TenantCount = count
	}

	b.lastRebalanceAt = now
	metrics.BalancerRebalancesTotal.Inc()
	metrics.BalancerTenantsTotal.Set(float64(len(b.assignments)))
	return newAssignments, nil
}
