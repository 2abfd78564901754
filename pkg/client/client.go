// Package client is the worker-side counterpart of pkg/api: it registers a
// worker process with the coordinator over HTTP+JSON, exchanges the
// returned mTLS material for a hardened client, and polls
// heartbeat/assignment endpoints on the cadence a MonitorWorker needs.
// Grounded on the teacher's worker-side manager-dial code
// (cuemby-warren's worker registering against the manager over gRPC+mTLS),
// carried over net/http instead of generated protobuf stubs.
package client

import (
	"bytes"
	"context"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ozmonitor/orchestrator/pkg/log"
	"github.com/ozmonitor/orchestrator/pkg/security"
	"github.com/ozmonitor/orchestrator/pkg/types"
)

// Client talks to a pkg/api Server on behalf of one worker process.
type Client struct {
	baseURL    string
	workerID   types.WorkerId
	httpClient *http.Client
}

// Credentials is the mTLS material returned by a successful registration,
// ready to be handed to New for all subsequent calls.
type Credentials struct {
	CertPEM   []byte
	KeyPEM    []byte
	RootCAPEM []byte
}

// New builds a Client for baseURL (e.g. "https://coordinator:8443"). Pass
// nil creds before registration; reopen with New after Register
// returns mTLS material to harden subsequent calls.
func New(baseURL string, workerID types.WorkerId, creds *Credentials) (*Client, error) {
	httpClient := &http.Client{Timeout: 10 * time.Second}
	if creds != nil {
		tlsConfig, err := tlsConfigFromCredentials(creds)
		if err != nil {
			return nil, fmt.Errorf("build tls config: %w", err)
		}
		httpClient.Transport = &http.Transport{TLSClientConfig: tlsConfig}
	}
	return &Client{baseURL: baseURL, workerID: workerID, httpClient: httpClient}, nil
}

func tlsConfigFromCredentials(creds *Credentials) (*tls.Config, error) {
	cert, err := tls.X509KeyPair(creds.CertPEM, creds.KeyPEM)
	if err != nil {
		return nil, fmt.Errorf("parse client cert/key: %w", err)
	}

	pool := x509.NewCertPool()
	block, _ := pem.Decode(creds.RootCAPEM)
	if block == nil {
		return nil, fmt.Errorf("decode root ca pem")
	}
	rootCert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse root ca cert: %w", err)
	}
	pool.AddCert(rootCert)

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		RootCAs:      pool,
	}, nil
}

// Register performs first-contact registration with joinToken, returning
// the mTLS material the worker should persist and reconnect with.
func (c *Client) Register(ctx context.Context, joinToken string) (*Credentials, error) {
	reqBody, err := json.Marshal(struct {
		WorkerId  types.WorkerId `json:"worker_id"`
		JoinToken string         `json:"join_token"`
	}{WorkerId: c.workerID, JoinToken: joinToken})
	if err != nil {
		return nil, fmt.Errorf("marshal register request: %w", err)
	}

	var resp struct {
		CertPEM   []byte `json:"cert_pem"`
		KeyPEM    []byte `json:"key_pem"`
		RootCAPEM []byte `json:"root_ca_pem"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/v1/workers/register", reqBody, &resp); err != nil {
		return nil, fmt.Errorf("register worker: %w", err)
	}
	return &Credentials{CertPEM: resp.CertPEM, KeyPEM: resp.KeyPEM, RootCAPEM: resp.RootCAPEM}, nil
}

// LoadOrRegister reuses the worker's mTLS credentials from a prior Register
// call, persisted under pkg/security's cert directory, so a restarted worker
// process does not re-register (and re-spend its join token) on every boot.
// It falls through to Register, and persists the result, on any cache miss:
// no cert on disk, unreadable cert/key/CA, or a cert nearing rotation.
func (c *Client) LoadOrRegister(ctx context.Context, joinToken string) (*Credentials, error) {
	logger := log.WithComponent("client")

	certDir, err := security.GetCertDir("worker", string(c.workerID))
	if err != nil {
		return nil, fmt.Errorf("resolve cert directory: %w", err)
	}

	if creds, ok := loadPersistedCredentials(certDir); ok {
		logger.Info().Str("cert_dir", certDir).Msg("reusing persisted worker credentials")
		return creds, nil
	}

	creds, err := c.Register(ctx, joinToken)
	if err != nil {
		return nil, err
	}
	if err := persistCredentials(creds, certDir); err != nil {
		logger.Warn().Err(err).Str("cert_dir", certDir).Msg("failed to persist issued credentials, will re-register next boot")
	}
	return creds, nil
}

// persistCredentials writes issued mTLS material to certDir via pkg/security
// so LoadOrRegister can reuse it across process restarts.
func persistCredentials(creds *Credentials, certDir string) error {
	cert, err := tls.X509KeyPair(creds.CertPEM, creds.KeyPEM)
	if err != nil {
		return fmt.Errorf("parse issued cert/key: %w", err)
	}
	if err := security.SaveCertToFile(&cert, certDir); err != nil {
		return fmt.Errorf("save cert: %w", err)
	}

	block, _ := pem.Decode(creds.RootCAPEM)
	if block == nil {
		return fmt.Errorf("decode root ca pem")
	}
	if err := security.SaveCACertToFile(block.Bytes, certDir); err != nil {
		return fmt.Errorf("save ca cert: %w", err)
	}
	return nil
}

// loadPersistedCredentials reads back a previously persisted cert/key/CA
// triple, treating anything unreadable or due for rotation as a cache miss.
func loadPersistedCredentials(certDir string) (*Credentials, bool) {
	if !security.CertExists(certDir) {
		return nil, false
	}
	cert, err := security.LoadCertFromFile(certDir)
	if err != nil {
		return nil, false
	}
	if security.CertNeedsRotation(cert.Leaf) {
		return nil, false
	}
	ca, err := security.LoadCACertFromFile(certDir)
	if err != nil {
		return nil, false
	}

	privateKey, ok := cert.PrivateKey.(*rsa.PrivateKey)
	if !ok {
		return nil, false
	}
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Certificate[0]})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(privateKey)})
	caPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: ca.Raw})

	return &Credentials{CertPEM: certPEM, KeyPEM: keyPEM, RootCAPEM: caPEM}, true
}

// Heartbeat reports current load to the coordinator.
type Heartbeat struct {
	CPUUsage            float64
	MemoryUsage         float64
	TenantCount         int
	RPCRate             float64
	AvgProcessingTimeMs float64
	ErrorsLastHour      int
	UptimeSeconds       int64
}

// Heartbeat sends the worker's current metrics snapshot.
func (c *Client) Heartbeat(ctx context.Context, hb Heartbeat) error {
	body, err := json.Marshal(struct {
		CPUUsage            float64 `json:"cpu_usage"`
		MemoryUsage         float64 `json:"memory_usage"`
		TenantCount         int     `json:"tenant_count"`
		RPCRate             float64 `json:"rpc_rate"`
		AvgProcessingTimeMs float64 `json:"avg_processing_time_ms"`
		ErrorsLastHour      int     `json:"errors_last_hour"`
		UptimeSeconds       int64   `json:"uptime_seconds"`
	}{hb.CPUUsage, hb.MemoryUsage, hb.TenantCount, hb.RPCRate, hb.AvgProcessingTimeMs, hb.ErrorsLastHour, hb.UptimeSeconds})
	if err != nil {
		return fmt.Errorf("marshal heartbeat: %w", err)
	}
	path := fmt.Sprintf("/v1/workers/%s/heartbeat", c.workerID)
	return c.doJSON(ctx, http.MethodPost, path, body, nil)
}

// Assignments fetches the worker's currently assigned tenants.
func (c *Client) Assignments(ctx context.Context) ([]types.TenantId, error) {
	var resp struct {
		Tenants []types.TenantId `json:"tenants"`
	}
	path := fmt.Sprintf("/v1/workers/%s/assignments", c.workerID)
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, fmt.Errorf("fetch assignments: %w", err)
	}
	return resp.Tenants, nil
}

// Deregister tells the coordinator this worker is leaving the fleet.
func (c *Client) Deregister(ctx context.Context) error {
	path := fmt.Sprintf("/v1/workers/%s", c.workerID)
	return c.doJSON(ctx, http.MethodDelete, path, nil, nil)
}

func (c *Client) doJSON(ctx context.Context, method, path string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(respBody))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
