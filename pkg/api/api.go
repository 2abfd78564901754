// Package api implements the worker↔coordinator HTTP+JSON registration and
// heartbeat surface described in SPEC_FULL.md §3.1. This is internal fleet
// bookkeeping — not the tenant/monitor management surface spec.md §1 places
// out of scope. Grounded on the teacher's gRPC worker-registration handlers
// (pkg/worker/worker.go's registration call, pkg/manager/token.go's
// join-token gate), carried over net/http+encoding/json instead of
// hand-authored protobuf bindings (see DESIGN.md for the rationale).
package api

import (
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"net/http"
	"time"

	"github.com/ozmonitor/orchestrator/pkg/balancer"
	"github.com/ozmonitor/orchestrator/pkg/log"
	"github.com/ozmonitor/orchestrator/pkg/manager"
	"github.com/ozmonitor/orchestrator/pkg/security"
	"github.com/ozmonitor/orchestrator/pkg/types"
	"github.com/rs/zerolog"
)

// Server exposes the fleet-bookkeeping HTTP surface: worker registration
// (join-token gated), heartbeat, assignment lookup and removal.
type Server struct {
	balancer *balancer.Balancer
	tokens   *manager.TokenManager
	ca       *security.CertAuthority
	logger   zerolog.Logger
	mux      *http.ServeMux
}

// NewServer wires the balancer, token manager and certificate authority
// into an http.Handler.
func NewServer(b *balancer.Balancer, tokens *manager.TokenManager, ca *security.CertAuthority) *Server {
	s := &Server{
		balancer: b,
		tokens:   tokens,
		ca:       ca,
		logger:   log.WithComponent("api"),
		mux:      http.NewServeMux(),
	}
	s.routes()
	return s
}

// ServeHTTP satisfies http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) routes() {
	s.mux.HandleFunc("POST /v1/workers/register", s.handleRegister)
	s.mux.HandleFunc("POST /v1/workers/{id}/heartbeat", s.handleHeartbeat)
	s.mux.HandleFunc("GET /v1/workers/{id}/assignments", s.handleAssignments)
	s.mux.HandleFunc("DELETE /v1/workers/{id}", s.handleRemove)
}

// RegisterRequest is the body of a first-contact registration call.
type RegisterRequest struct {
	WorkerId  types.WorkerId `json:"worker_id"`
	JoinToken string         `json:"join_token"`
}

// RegisterResponse hands back PEM-encoded mTLS material the worker uses for
// every subsequent call.
type RegisterResponse struct {
	CertPEM   []byte `json:"cert_pem"`
	KeyPEM    []byte `json:"key_pem"`
	RootCAPEM []byte `json:"root_ca_pem"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode register request: %w", err))
		return
	}
	if req.WorkerId == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("worker_id is required"))
		return
	}

	if _, err := s.tokens.ValidateToken(req.JoinToken); err != nil {
		writeError(w, http.StatusUnauthorized, fmt.Errorf("join token rejected: %w", err))
		return
	}

	tlsCert, err := s.ca.IssueNodeCertificate(string(req.WorkerId), "worker", nil, nil)
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Errorf("issue worker certificate: %w", err))
		return
	}

	s.balancer.AddWorker(req.WorkerId)
	s.logger.Info().Str("worker_id", string(req.WorkerId)).Msg("worker registered")

	writeJSON(w, http.StatusOK, RegisterResponse{
		CertPEM:   encodeCertPEM(tlsCert.Certificate[0]),
		KeyPEM:    encodeKeyPEM(tlsCert),
		RootCAPEM: encodeCertPEM(s.ca.GetRootCACert()),
	})
}

// HeartbeatRequest reports a worker's current load.
type HeartbeatRequest struct {
	CPUUsage            float64 `json:"cpu_usage"`
	MemoryUsage         float64 `json:"memory_usage"`
	TenantCount         int     `json:"tenant_count"`
	RPCRate             float64 `json:"rpc_rate"`
	AvgProcessingTimeMs float64 `json:"avg_processing_time_ms"`
	ErrorsLastHour      int     `json:"errors_last_hour"`
	UptimeSeconds       int64   `json:"uptime_seconds"`
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	id := types.WorkerId(r.PathValue("id"))

	var req HeartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode heartbeat request: %w", err))
		return
	}

	s.balancer.UpdateWorkerMetrics(types.WorkerMetrics{
		WorkerId:            id,
		TenantCount:         req.TenantCount,
		CPUUsage:            req.CPUUsage,
		MemoryUsage:         req.MemoryUsage,
		RPCRate:             req.RPCRate,
		AvgProcessingTimeMs: req.AvgProcessingTimeMs,
		ErrorsLastHour:      req.ErrorsLastHour,
		UptimeSeconds:       req.UptimeSeconds,
		CollectedAt:         time.Now(),
	})
	w.WriteHeader(http.StatusNoContent)
}

// AssignmentsResponse lists a worker's currently assigned tenants.
type AssignmentsResponse struct {
	Tenants []types.TenantId `json:"tenants"`
}

func (s *Server) handleAssignments(w http.ResponseWriter, r *http.Request) {
	id := types.WorkerId(r.PathValue("id"))
	writeJSON(w, http.StatusOK, AssignmentsResponse{Tenants: s.balancer.GetWorkerAssignments(id)})
}

func (s *Server) handleRemove(w http.ResponseWriter, r *http.Request) {
	id := types.WorkerId(r.PathValue("id"))
	orphaned := s.balancer.RemoveWorker(id)
	s.logger.Info().Str("worker_id", string(id)).Int("orphaned_tenants", len(orphaned)).Msg("worker removed")
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func encodeCertPEM(der []byte) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
}

func encodeKeyPEM(cert *tls.Certificate) []byte {
	key, ok := cert.PrivateKey.(*rsa.PrivateKey)
	if !ok {
		return nil
	}
	return pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
}
