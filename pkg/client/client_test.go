package client_test

import (
	"context"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/ozmonitor/orchestrator/pkg/api"
	"github.com/ozmonitor/orchestrator/pkg/balancer"
	"github.com/ozmonitor/orchestrator/pkg/client"
	"github.com/ozmonitor/orchestrator/pkg/manager"
	"github.com/ozmonitor/orchestrator/pkg/security"
	"github.com/ozmonitor/orchestrator/pkg/types"
	"github.com/stretchr/testify/require"
)

func newTestCoordinator(t *testing.T) (*httptest.Server, *manager.TokenManager, *balancer.Balancer) {
	t.Helper()
	b := balancer.New(balancer.Config{Strategy: balancer.StrategyLeastLoaded, MaxTenantsPerWorker: 10})
	tokens := manager.NewTokenManager()
	ca := security.NewCertAuthority()
	require.NoError(t, ca.Initialize())
	srv := httptest.NewServer(api.NewServer(b, tokens, ca))
	t.Cleanup(srv.Close)
	return srv, tokens, b
}

func TestRegisterReturnsCredentials(t *testing.T) {
	srv, tokens, _ := newTestCoordinator(t)
	token, err := tokens.GenerateToken("worker", time.Hour)
	require.NoError(t, err)

	c, err := client.New(srv.URL, "worker-1", nil)
	require.NoError(t, err)

	creds, err := c.Register(context.Background(), token.Token)
	require.NoError(t, err)
	require.NotEmpty(t, creds.CertPEM)
	require.NotEmpty(t, creds.KeyPEM)
	require.NotEmpty(t, creds.RootCAPEM)
}

func TestRegisterRejectsBadToken(t *testing.T) {
	srv, _, _ := newTestCoordinator(t)

	c, err := client.New(srv.URL, "worker-1", nil)
	require.NoError(t, err)

	_, err = c.Register(context.Background(), "not-a-real-token")
	require.Error(t, err)
}

func TestHeartbeatAndAssignments(t *testing.T) {
	srv, _, b := newTestCoordinator(t)
	b.AddWorker("worker-1")
	_, err := b.AssignTenant("tenant-a")
	require.NoError(t, err)

	c, err := client.New(srv.URL, "worker-1", nil)
	require.NoError(t, err)

	require.NoError(t, c.Heartbeat(context.Background(), client.Heartbeat{CPUUsage: 0.4, TenantCount: 1}))

	tenants, err := c.Assignments(context.Background())
	require.NoError(t, err)
	require.Equal(t, []types.TenantId{"tenant-a"}, tenants)
}

func TestLoadOrRegisterReusesPersistedCredentials(t *testing.T) {
	srv, tokens, _ := newTestCoordinator(t)
	token, err := tokens.GenerateToken("worker", time.Hour)
	require.NoError(t, err)

	certDir, err := security.GetCertDir("worker", "worker-reuse")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(certDir) })

	c, err := client.New(srv.URL, "worker-reuse", nil)
	require.NoError(t, err)

	first, err := c.LoadOrRegister(context.Background(), token.Token)
	require.NoError(t, err)
	require.NotEmpty(t, first.CertPEM)
	require.True(t, security.CertExists(certDir), "credentials must be persisted to the worker's cert directory")

	second, err := c.LoadOrRegister(context.Background(), "not-a-real-token")
	require.NoError(t, err, "a restarted worker must reuse its persisted cert instead of re-registering")
	require.Equal(t, first.CertPEM, second.CertPEM)
	require.Equal(t, first.KeyPEM, second.KeyPEM)
}

func TestDeregisterRemovesWorker(t *testing.T) {
	srv, _, b := newTestCoordinator(t)
	b.AddWorker("worker-1")

	c, err := client.New(srv.URL, "worker-1", nil)
	require.NoError(t, err)

	require.NoError(t, c.Deregister(context.Background()))
	require.Empty(t, b.GetWorkerAssignments("worker-1"))
}
