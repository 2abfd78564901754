package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ozmonitor/orchestrator/pkg/balancer"
	"github.com/ozmonitor/orchestrator/pkg/manager"
	"github.com/ozmonitor/orchestrator/pkg/security"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	b := balancer.New(balancer.Config{Strategy: balancer.StrategyLeastLoaded, MaxTenantsPerWorker: 10})
	tokens := manager.NewTokenManager()
	ca := security.NewCertAuthority()
	require.NoError(t, ca.Initialize())
	return NewServer(b, tokens, ca)
}

func TestHandleRegisterRejectsInvalidToken(t *testing.T) {
	s := newTestServer(t)

	body, _ := json.Marshal(RegisterRequest{WorkerId: "worker-1", JoinToken: "bogus"})
	req := httptest.NewRequest(http.MethodPost, "/v1/workers/register", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	s.ServeHTTP(rec, req)

	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHandleRegisterIssuesCertificate(t *testing.T) {
	s := newTestServer(t)
	token, err := s.tokens.GenerateToken("worker", time.Hour)
	require.NoError(t, err)

	body, _ := json.Marshal(RegisterRequest{WorkerId: "worker-1", JoinToken: token.Token})
	req := httptest.NewRequest(http.MethodPost, "/v1/workers/register", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	s.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var resp RegisterResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.CertPEM)
	require.NotEmpty(t, resp.KeyPEM)
	require.NotEmpty(t, resp.RootCAPEM)

	assignments := s.balancer.GetWorkerAssignments("worker-1")
	require.Empty(t, assignments)
}

func TestHandleHeartbeatUpdatesMetrics(t *testing.T) {
	s := newTestServer(t)
	s.balancer.AddWorker("worker-1")

	body, _ := json.Marshal(HeartbeatRequest{CPUUsage: 0.5, TenantCount: 3})
	req := httptest.NewRequest(http.MethodPost, "/v1/workers/worker-1/heartbeat", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	s.ServeHTTP(rec, req)

	require.Equal(t, http.StatusNoContent, rec.Code)
}

func TestHandleAssignmentsReturnsTenants(t *testing.T) {
	s := newTestServer(t)
	s.balancer.AddWorker("worker-1")
	_, err := s.balancer.AssignTenant("tenant-a")
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/v1/workers/worker-1/assignments", nil)
	rec := httptest.NewRecorder()

	s.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp AssignmentsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Tenants, 1)
}

func TestHandleRemoveDeletesWorker(t *testing.T) {
	s := newTestServer(t)
	s.balancer.AddWorker("worker-1")

	req := httptest.NewRequest(http.MethodDelete, "/v1/workers/worker-1", nil)
	rec := httptest.NewRecorder()

	s.ServeHTTP(rec, req)

	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Empty(t, s.balancer.GetWorkerAssignments("worker-1"))
}
