package main

import (
	"context"
	"time"

	"github.com/ozmonitor/orchestrator/pkg/client"
	"github.com/ozmonitor/orchestrator/pkg/log"
	"github.com/ozmonitor/orchestrator/pkg/types"
	"github.com/ozmonitor/orchestrator/pkg/worker"
)

// runRegistrationLoop implements the cross-process side of SPEC_FULL.md
// §3.1: register this worker process with a remote coordinator over
// pkg/client, then heartbeat and pull fresh tenant assignments on the
// worker's configured reload cadence until ctx is canceled.
func runRegistrationLoop(ctx context.Context, coordinatorURL, joinToken string, workerID types.WorkerId, pool *worker.MonitorWorkerPool, reloadInterval time.Duration) {
	logger := log.WithComponent("registration")

	c, err := client.New(coordinatorURL, workerID, nil)
	if err != nil {
		logger.Error().Err(err).Msg("build coordinator client")
		return
	}

	creds, err := c.LoadOrRegister(ctx, joinToken)
	if err != nil {
		logger.Error().Err(err).Msg("register with coordinator")
		return
	}
	if c, err = client.New(coordinatorURL, workerID, creds); err != nil {
		logger.Error().Err(err).Msg("rebuild client with issued credentials")
		return
	}
	logger.Info().Str("coordinator", coordinatorURL).Msg("registered with coordinator")

	ticker := time.NewTicker(reloadInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			deregisterCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := c.Deregister(deregisterCtx); err != nil {
				logger.Warn().Err(err).Msg("deregister from coordinator")
			}
			cancel()
			return
		case <-ticker.C:
			status, _ := pool.GetWorkerStatus(workerID)
			if err := c.Heartbeat(ctx, client.Heartbeat{TenantCount: tenantCountFor(pool, workerID)}); err != nil {
				logger.Warn().Err(err).Msg("send heartbeat")
				continue
			}

			tenants, err := c.Assignments(ctx)
			if err != nil {
				logger.Warn().Err(err).Msg("fetch assignments")
				continue
			}
			if err := pool.ReassignTenants(ctx, workerID, tenants); err != nil {
				logger.Warn().Err(err).Msg("reassign tenants")
				continue
			}
			logger.Debug().Str("status", string(status)).Int("tenants", len(tenants)).Msg("assignments refreshed")
		}
	}
}

func tenantCountFor(pool *worker.MonitorWorkerPool, id types.WorkerId) int {
	for _, summary := range pool.ListWorkers() {
		if summary.WorkerId == id {
			return summary.TenantCount
		}
	}
	return 0
}
