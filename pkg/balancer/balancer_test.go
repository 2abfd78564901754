package balancer

import (
	"testing"
	"time"

	"github.com/ozmonitor/orchestrator/pkg/types"
	"github.com/stretchr/testify/require"
)

func TestAssignTenantRoundRobinPicksLeastLoaded(t *testing.T) {
	b := New(Config{Strategy: StrategyRoundRobin})
	b.AddWorker("a")
	b.AddWorker("b")

	w1, err := b.AssignTenant("t1")
	require.NoError(t, err)
	w2, err := b.AssignTenant("t2")
	require.NoError(t, err)
	require.NotEqual(t, w1, w2)
}

func TestAssignTenantNoWorkersAvailable(t *testing.T) {
	b := New(Config{})
	_, err := b.AssignTenant("t1")
	require.ErrorIs(t, err, types.ErrNoWorkersAvailable)
}

func TestAssignTenantReasonInitialThenLoadRebalance(t *testing.T) {
	b := New(Config{Strategy: StrategyLeastLoaded})
	b.AddWorker("a")

	_, err := b.AssignTenant("t1")
	require.NoError(t, err)
	wid, ok := b.GetWorkerForTenant("t1")
	require.True(t, ok)
	require.Equal(t, types.WorkerId("a"), wid)

	a1 := b.assignments["t1"]
	require.Equal(t, types.AssignmentReasonInitial, a1.Reason)
	require.Equal(t, uint64(1), a1.Version)

	b.AddWorker("b")
	b.UpdateWorkerMetrics(types.WorkerMetrics{WorkerId: "a", TenantCount: 1, CPUUsage: 50})
	b.UpdateWorkerMetrics(types.WorkerMetrics{WorkerId: "b", TenantCount: 0, CPUUsage: 0})
	_, err = b.AssignTenant("t1")
	require.NoError(t, err)

	a2 := b.assignments["t1"]
	require.Equal(t, types.AssignmentReasonLoadRebalance, a2.Reason)
	require.Equal(t, uint64(2), a2.Version)
}

func TestRemoveWorkerReturnsOrphanedTenants(t *testing.T) {
	b := New(Config{Strategy: StrategyRoundRobin})
	b.AddWorker("a")
	_, err := b.AssignTenant("t1")
	require.NoError(t, err)
	_, err = b.AssignTenant("t2")
	require.NoError(t, err)

	orphans := b.RemoveWorker("a")
	require.ElementsMatch(t, []types.TenantId{"t1", "t2"}, orphans)
	_, ok := b.GetWorkerForTenant("t1")
	require.False(t, ok)
}

// TestRebalanceSplitsHighActivityTenants validates scenario S4: two workers,
// four tenants at activity scores 0.9/0.8/0.2/0.1 under ActivityBased must
// split the two high-activity tenants 1-and-1, each worker ending with two
// tenants and every new assignment carrying reason LoadRebalance.
func TestRebalanceSplitsHighActivityTenants(t *testing.T) {
	b := New(Config{Strategy: StrategyActivityBased, RebalanceThreshold: 0.2})
	b.AddWorker("A")
	b.AddWorker("B")

	scores := map[types.TenantId]float64{"t1": 0.9, "t2": 0.8, "t3": 0.2, "t4": 0.1}
	for tid, score := range scores {
		// ActivityScore = 0.4*rpcTerm + 0.3*complexityTerm + 0.3*matchesTerm; setting
		// all three terms equal to score makes the weighted sum equal score exactly.
		b.UpdateTenantMetrics(types.TenantMetrics{
			TenantId:             tid,
			AvgRPCCallsPerMinute: score * 100,
			AvgFilterComplexity:  score * 10,
			TotalMatchesLastHour: int(score * 1000),
		})
	}

	assignments, err := b.Rebalance()
	require.NoError(t, err)
	require.Len(t, assignments, 4)

	counts := map[types.WorkerId]int{}
	highWorkers := map[types.WorkerId]bool{}
	for tid, w := range assignments {
		counts[w]++
		if scores[tid] > 0.7 {
			highWorkers[w] = true
		}
	}
	require.Equal(t, 2, counts[types.WorkerId("A")])
	require.Equal(t, 2, counts[types.WorkerId("B")])
	require.Len(t, highWorkers, 2, "the two high-activity tenants must land on different workers")

	for tid := range scores {
		a := b.assignments[tid]
		require.Equal(t, types.AssignmentReasonLoadRebalance, a.Reason)
	}
}

// TestConsistentHashingStableAcrossSameWorkerSet validates the first half of
// scenario S5: repeated assign_tenant calls with an unchanged worker set
// return the same worker via the affinity map.
func TestConsistentHashingStableAcrossSameWorkerSet(t *testing.T) {
	b := New(Config{Strategy: StrategyConsistentHashing})
	b.AddWorker("A")
	b.AddWorker("B")
	b.AddWorker("C")

	w1, err := b.AssignTenant("T")
	require.NoError(t, err)
	w2, err := b.AssignTenant("T")
	require.NoError(t, err)
	require.Equal(t, w1, w2)
}

// TestConsistentHashingRemapsDeterministicallyAfterRemoval validates the
// second half of scenario S5: after removing the tenant's current worker,
// the next assignment deterministically picks from the remaining set and is
// stable thereafter.
func TestConsistentHashingRemapsDeterministicallyAfterRemoval(t *testing.T) {
	b := New(Config{Strategy: StrategyConsistentHashing})
	b.AddWorker("A")
	b.AddWorker("B")
	b.AddWorker("C")

	w1, err := b.AssignTenant("T")
	require.NoError(t, err)

	b.RemoveWorker(w1)

	w2, err := b.AssignTenant("T")
	require.NoError(t, err)
	require.NotEqual(t, w1, w2)

	w3, err := b.AssignTenant("T")
	require.NoError(t, err)
	require.Equal(t, w2, w3)
}

func TestNeedsRebalancingRequiresIntervalAndImbalance(t *testing.T) {
	b := New(Config{MinRebalanceInterval: 0, RebalanceThreshold: 0.2})
	b.AddWorker("a")
	require.False(t, b.NeedsRebalancing(), "fewer than two workers never needs rebalancing")

	b.AddWorker("b")
	b.UpdateWorkerMetrics(types.WorkerMetrics{WorkerId: "a", TenantCount: 0})
	b.UpdateWorkerMetrics(types.WorkerMetrics{WorkerId: "b", TenantCount: 0})
	require.False(t, b.NeedsRebalancing(), "zero average load never needs rebalancing")

	b.UpdateWorkerMetrics(types.WorkerMetrics{WorkerId: "a", TenantCount: 10})
	b.UpdateWorkerMetrics(types.WorkerMetrics{WorkerId: "b", TenantCount: 1})
	require.True(t, b.NeedsRebalancing())
}

func TestNeedsRebalancingRespectsMinInterval(t *testing.T) {
	b := New(Config{MinRebalanceInterval: time.Hour, RebalanceThreshold: 0.2})
	b.AddWorker("a")
	b.AddWorker("b")
	b.UpdateWorkerMetrics(types.WorkerMetrics{WorkerId: "a", TenantCount: 10})
	b.UpdateWorkerMetrics(types.WorkerMetrics{WorkerId: "b", TenantCount: 1})

	b.lastRebalanceAt = time.Now()
	require.False(t, b.NeedsRebalancing())
}
