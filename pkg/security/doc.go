/*
Package security provides the certificate authority that secures the
worker↔coordinator registration channel (pkg/api / pkg/client): a root CA,
node certificate issuance, and certificate lifecycle helpers.

# Architecture

	┌─────────────────────────────────────────────┐
	│              CertAuthority                    │
	│  RSA-4096 root, 10-year validity              │
	└──────┬─────────────────────────────┬──────────┘
	       │                             │
	┌──────▼──────────┐          ┌───────▼──────────┐
	│ Coordinator cert │          │   Worker cert     │
	│ RSA-2048, 90-day │          │ RSA-2048, 90-day  │
	└──────────────────┘          └───────────────────┘

# Root CA

Created once per cluster via NewCertAuthority().Initialize(), persisted to
disk as root.crt/root.key via SaveToFile/LoadFromFile (the same plain-PEM,
0600-permission file convention certs.go uses for node certificates — this
package holds no cluster secrets store, so there is nothing to encrypt the
root key against).

# Node Certificates

IssueNodeCertificate issues a 90-day RSA-2048 certificate carrying both
ClientAuth and ServerAuth extended key usage, so the same certificate
serves a worker dialing out to the coordinator and the coordinator's HTTP
server terminating that connection. Certificates are cached in memory by
node id; CertNeedsRotation flags anything within 30 days of expiry.

# Usage

	ca := security.NewCertAuthority()
	if err := ca.Initialize(); err != nil {
		return err
	}
	if err := ca.SaveToFile(certDir); err != nil {
		return err
	}

	workerCert, err := ca.IssueNodeCertificate("worker-3", "worker", nil, nil)
	if err != nil {
		return err
	}

	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{*workerCert},
		ClientAuth:   tls.RequireAndVerifyClientCert,
	}

# See Also

  - pkg/api for the HTTP server this secures
  - pkg/client for the worker-side registration client
  - pkg/manager for join-token issuance gating first registration
*/
package security
