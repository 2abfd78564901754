package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ozmonitor/orchestrator/pkg/types"
	"github.com/ozmonitor/orchestrator/pkg/watcher"
	"github.com/stretchr/testify/require"
)

type fakeServices struct {
	reloadCalls int
	reloadErr   error
}

func (f *fakeServices) ReloadConfigurations(ctx context.Context, tenants []types.TenantId) error {
	f.reloadCalls++
	return f.reloadErr
}

func (f *fakeServices) ProcessBlock(ctx context.Context, tenantID types.TenantId, networkSlug string, block types.Block) ([]types.TenantMonitorMatch, error) {
	return nil, nil
}

func TestStartIsIdleWhenNoTenantsAssigned(t *testing.T) {
	sw := watcher.New(watcher.Config{}, nil)
	w := NewMonitorWorker("w1", Config{}, func(tenants []types.TenantId) (Services, error) {
		t.Fatal("services factory should not be called with no tenants")
		return nil, nil
	})

	err := w.Start(context.Background(), sw, nil)
	require.NoError(t, err)

	status, _ := w.Status()
	require.Equal(t, types.WorkerStatusRunning, status)
}

func TestAssignTenantsReplacesSnapshot(t *testing.T) {
	w := NewMonitorWorker("w1", Config{}, nil)
	w.AssignTenants([]types.TenantId{"t1", "t2"})
	require.ElementsMatch(t, []types.TenantId{"t1", "t2"}, w.snapshotTenants())

	w.AssignTenants([]types.TenantId{"t3"})
	require.Equal(t, []types.TenantId{"t3"}, w.snapshotTenants())
}

func TestEventConsumerReturnsNilOnContextCancel(t *testing.T) {
	sw := watcher.New(watcher.Config{}, nil)
	sub := sw.Subscribe()
	defer sw.Unsubscribe(sub)

	w := NewMonitorWorker("w1", Config{}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := w.eventConsumer(ctx, sub)
	require.NoError(t, err)
}

func TestEventConsumerTerminatesWhenChannelClosed(t *testing.T) {
	sw := watcher.New(watcher.Config{}, nil)
	sub := sw.Subscribe()
	sw.Unsubscribe(sub)

	w := NewMonitorWorker("w1", Config{}, nil)
	err := w.eventConsumer(context.Background(), sub)
	require.Error(t, err)
	require.ErrorIs(t, err, types.ErrWorkerTaskTerminated)
}

func TestWorkerPoolCreateGetListRemove(t *testing.T) {
	sw := watcher.New(watcher.Config{}, nil)
	svc := &fakeServices{}
	factory := func(tenants []types.TenantId) (Services, error) { return svc, nil }
	pool := NewMonitorWorkerPool(Config{HealthCheckInterval: time.Hour, TenantReloadInterval: time.Hour}, factory, sw, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := pool.CreateWorker(ctx, "w1", []types.TenantId{"t1"})
	require.NoError(t, err)

	_, err = pool.CreateWorker(ctx, "w1", nil)
	require.Error(t, err, "duplicate worker id must be rejected")

	require.Eventually(t, func() bool {
		status, ok := pool.GetWorkerStatus("w1")
		return ok && status == types.WorkerStatusRunning
	}, time.Second, time.Millisecond)

	summaries := pool.ListWorkers()
	require.Len(t, summaries, 1)
	require.Equal(t, types.WorkerId("w1"), summaries[0].WorkerId)
	require.Equal(t, 1, summaries[0].TenantCount)

	require.NoError(t, pool.RemoveWorker("w1"))
	require.Empty(t, pool.ListWorkers())
}

func TestReassignTenantsUnknownWorker(t *testing.T) {
	sw := watcher.New(watcher.Config{}, nil)
	pool := NewMonitorWorkerPool(Config{}, nil, sw, nil)
	err := pool.ReassignTenants(context.Background(), "missing", []types.TenantId{"t1"})
	require.True(t, errors.Is(err, types.ErrWorkerUnknown))
}
