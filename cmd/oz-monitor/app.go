package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/ozmonitor/orchestrator/internal/config"
	"github.com/ozmonitor/orchestrator/pkg/api"
	"github.com/ozmonitor/orchestrator/pkg/balancer"
	"github.com/ozmonitor/orchestrator/pkg/blockcache"
	"github.com/ozmonitor/orchestrator/pkg/log"
	"github.com/ozmonitor/orchestrator/pkg/manager"
	"github.com/ozmonitor/orchestrator/pkg/metrics"
	"github.com/ozmonitor/orchestrator/pkg/monitorsvc"
	"github.com/ozmonitor/orchestrator/pkg/repository"
	"github.com/ozmonitor/orchestrator/pkg/rpcpool"
	"github.com/ozmonitor/orchestrator/pkg/security"
	"github.com/ozmonitor/orchestrator/pkg/types"
	"github.com/ozmonitor/orchestrator/pkg/watcher"
	"github.com/ozmonitor/orchestrator/pkg/worker"
	"github.com/spf13/cobra"
)

type processMode int

const (
	modeWorker processMode = iota
	modeBlockWatcher
	modeAPI
	modeAll
)

func (m processMode) wantsWatcher() bool { return m == modeWorker || m == modeBlockWatcher || m == modeAll }
func (m processMode) wantsWorkerPool() bool { return m == modeWorker || m == modeAll }
func (m processMode) wantsAPI() bool     { return m == modeAPI || m == modeAll }

// runMode boots the components a process mode needs, then blocks until
// SIGINT/SIGTERM, shutting down in the order SPEC_FULL.md §5 prescribes:
// API server, then worker pool, then block watcher, then repository pool.
func runMode(cmd *cobra.Command, mode processMode) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	logger := log.WithComponent("bootstrap")

	repo, err := repository.New(ctx, repository.Config{DatabaseURL: cfg.DatabaseURL})
	if err != nil {
		return fmt.Errorf("connect tenant repository: %w", err)
	}
	defer repo.Close()

	cache, err := blockcache.New(blockcache.Config{
		RedisURL:  cfg.RedisURL,
		KeyPrefix: cfg.BlockCache.KeyPrefix,
		BlockTTL:  cfg.BlockCache.BlockTTL,
		LatestTTL: cfg.BlockCache.LatestBlockTTL,
	})
	if err != nil {
		return fmt.Errorf("connect block cache: %w", err)
	}
	if err := cache.Ping(ctx); err != nil {
		return fmt.Errorf("connect block cache: %w", err)
	}

	pool := rpcpool.New(rpcpool.Config{})

	var sw *watcher.Watcher
	var watcherCtx context.Context
	var cancelWatcher context.CancelFunc
	if mode.wantsWatcher() {
		sw = watcher.New(watcher.Config{
			ChannelBufferSize: cfg.BlockWatcher.ChannelBufferSize,
			MaxBlocksPerFetch: cfg.BlockWatcher.MaxBlocksPerFetch,
			RetryAttempts:     cfg.BlockWatcher.RetryAttempts,
			RetryDelayMs:      cfg.BlockWatcher.RetryDelayMs,
		}, cache)

		networks, err := repo.GetAllNetworks(ctx)
		if err != nil {
			return fmt.Errorf("load networks: %w", err)
		}
		for _, network := range networks {
			sw.AddNetwork(*network)
		}

		watcherCtx, cancelWatcher = context.WithCancel(ctx)
		sw.Start(watcherCtx, pool)
		logger.Info().Int("networks", len(networks)).Msg("block watcher started")
	}

	var b *balancer.Balancer
	if mode.wantsWorkerPool() || mode.wantsAPI() {
		b = balancer.New(balancer.Config{
			Strategy:             balancer.Strategy(cfg.LoadBalancer.Strategy),
			MaxTenantsPerWorker:  cfg.LoadBalancer.MaxTenantsPerWorker,
			RebalanceThreshold:   cfg.LoadBalancer.RebalanceThreshold,
			MinRebalanceInterval: cfg.LoadBalancer.MinRebalanceInterval,
		})
	}

	var workerPool *worker.MonitorWorkerPool
	var workerCtx context.Context
	var cancelWorkerPool context.CancelFunc
	if mode.wantsWorkerPool() {
		factory := newServicesFactory(repo, pool)
		workerPool = worker.NewMonitorWorkerPool(worker.Config{
			HealthCheckInterval:  cfg.Worker.HealthCheckInterval,
			TenantReloadInterval: cfg.Worker.TenantReloadInterval,
		}, factory, sw, pool)

		workerCtx, cancelWorkerPool = context.WithCancel(ctx)
		id := types.WorkerId(resolveWorkerID(cmd))
		if _, err := workerPool.CreateWorker(workerCtx, id, nil); err != nil {
			return fmt.Errorf("create worker %s: %w", id, err)
		}
		logger.Info().Str("worker_id", string(id)).Msg("worker pool started")

		if mode == modeWorker {
			coordinatorURL, _ := cmd.Flags().GetString("coordinator")
			if coordinatorURL != "" {
				joinToken, _ := cmd.Flags().GetString("join-token")
				go runRegistrationLoop(workerCtx, coordinatorURL, joinToken, id, workerPool, cfg.Worker.TenantReloadInterval)
			}
		}
	}

	var httpServer *http.Server
	if mode.wantsAPI() {
		tokens := manager.NewTokenManager()
		ca := security.NewCertAuthority()
		if err := ca.Initialize(); err != nil {
			return fmt.Errorf("initialize certificate authority: %w", err)
		}

		apiServer := api.NewServer(b, tokens, ca)
		mux := http.NewServeMux()
		mux.Handle("/v1/", apiServer)
		mux.Handle("/metrics", metrics.Handler())
		httpServer = &http.Server{
			Addr:    fmt.Sprintf("%s:%d", cfg.API.Host, cfg.API.Port),
			Handler: mux,
		}
		go func() {
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error().Err(err).Msg("api server exited unexpectedly")
			}
		}()
		logger.Info().Str("addr", httpServer.Addr).Msg("api server started")
	}

	<-ctx.Done()
	logger.Info().Msg("shutdown signal received, draining in order: api, worker pool, watcher, repository")

	if httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("api server shutdown error")
		}
		cancel()
	}
	if cancelWorkerPool != nil {
		cancelWorkerPool()
		time.Sleep(200 * time.Millisecond)
	}
	if cancelWatcher != nil {
		cancelWatcher()
		time.Sleep(200 * time.Millisecond)
	}

	return nil
}

// newServicesFactory builds Monitor Services (C5) for a worker's tenant
// list. FilterService and TriggerDispatcher are external collaborators out
// of scope per spec.md §1; noopFilter/noopDispatcher are harmless
// placeholders so the process can start without those engines wired in.
func newServicesFactory(repo *repository.View, pool *rpcpool.Pool) worker.ServicesFactory {
	return func(tenants []types.TenantId) (worker.Services, error) {
		repo.SetTenantFilter(tenants)
		return monitorsvc.New(repo, pool, noopFilter{}, noopDispatcher{}, monitorsvc.NewExprExecutorFactory()), nil
	}
}
