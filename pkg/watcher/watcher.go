// Package watcher implements the Shared Block Watcher (C3): one scan loop
// per network slug, regardless of how many workers are interested, fanning
// out BlockEvents to a bounded multi-producer-multi-consumer broadcast.
package watcher

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/ozmonitor/orchestrator/pkg/blockcache"
	"github.com/ozmonitor/orchestrator/pkg/log"
	"github.com/ozmonitor/orchestrator/pkg/metrics"
	"github.com/ozmonitor/orchestrator/pkg/types"
	"github.com/rs/zerolog"
)

// RPCClient is the per-network collaborator the watcher drives; its
// implementations (EVM, Stellar) live outside the core per spec §1.
type RPCClient interface {
	GetLatestBlockNumber(ctx context.Context) (uint64, error)
	GetBlocks(ctx context.Context, start, end uint64) ([]types.Block, error)
}

// ClientPool memoizes one RPCClient per network; concurrent lookups for the
// same network must return the same client.
type ClientPool interface {
	Get(ctx context.Context, network types.NetworkDescriptor) (RPCClient, error)
}

// Config controls the scan loop's batching, retry and fan-out behavior.
type Config struct {
	ChannelBufferSize int // default 1000
	MaxBlocksPerFetch int // default 100
	RetryAttempts     int // default 3
	RetryDelayMs      int // default 1000
}

func (c Config) withDefaults() Config {
	if c.ChannelBufferSize <= 0 {
		c.ChannelBufferSize = 1000
	}
	if c.MaxBlocksPerFetch <= 0 {
		c.MaxBlocksPerFetch = 100
	}
	if c.RetryAttempts <= 0 {
		c.RetryAttempts = 3
	}
	if c.RetryDelayMs <= 0 {
		c.RetryDelayMs = 1000
	}
	return c
}

// pollInterval returns the coarse inter-iteration sleep per network type,
// intentionally coarser than block time per spec §4.3.2 step 8.
func pollInterval(nt types.NetworkType) time.Duration {
	switch nt {
	case types.NetworkTypeEVM:
		return 15 * time.Second
	case types.NetworkTypeStellar:
		return 5 * time.Second
	default:
		return 30 * time.Second
	}
}

type networkState struct {
	descriptor types.NetworkDescriptor
	lastBlock  uint64
	isRunning  bool
}

// Watcher is the Shared Block Watcher.
type Watcher struct {
	cfg   Config
	cache *blockcache.Cache
	logger zerolog.Logger

	mu       sync.RWMutex
	networks map[string]*networkState

	broadcastMu sync.RWMutex
	subscribers map[*Subscription]struct{}

	wg sync.WaitGroup
}

// New constructs a Watcher. cache may be nil, in which case fetches always
// go to the RPC client.
func New(cfg Config, cache *blockcache.Cache) *Watcher {
	return &Watcher{
		cfg:         cfg.withDefaults(),
		cache:       cache,
		logger:      log.WithComponent("watcher"),
		networks:    make(map[string]*networkState),
		subscribers: make(map[*Subscription]struct{}),
	}
}

// AddNetwork registers a network. Idempotent: re-adding a known slug is a
// no-op that logs and returns success.
func (w *Watcher) AddNetwork(descriptor types.NetworkDescriptor) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, exists := w.networks[descriptor.Slug]; exists {
		w.logger.Info().Str("network", descriptor.Slug).Msg("network already registered, ignoring")
		return
	}
	w.networks[descriptor.Slug] = &networkState{descriptor: descriptor}
}

// RemoveNetwork stops the loop for slug on its next iteration.
func (w *Watcher) RemoveNetwork(slug string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.networks, slug)
}

// State returns a snapshot of a network's watcher state, for tests and status reporting.
func (w *Watcher) State(slug string) (types.NetworkWatcherState, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	ns, ok := w.networks[slug]
	if !ok {
		return types.NetworkWatcherState{}, false
	}
	return types.NetworkWatcherState{
		Network:            ns.descriptor,
		LastProcessedBlock: ns.lastBlock,
		IsRunning:          ns.isRunning,
	}, true
}

// Subscription is a lossy receiver of BlockEvents; see Recv for lag semantics.
type Subscription struct {
	ch      chan *types.BlockEvent
	dropped chan struct{} // never set or closed; Unsubscribe signals shutdown by closing ch
	mu      sync.Mutex
	lagged  int
	closed  bool
}

// Recv blocks until an event is available, the subscription is closed, or
// ctx is done. lag names how many events were dropped before this one
// because the subscriber fell behind.
func (s *Subscription) Recv(ctx context.Context) (event *types.BlockEvent, lag int, err error) {
	select {
	case ev, ok := <-s.ch:
		if !ok {
			return nil, 0, fmt.Errorf("subscription closed")
		}
		s.mu.Lock()
		lag = s.lagged
		s.lagged = 0
		s.mu.Unlock()
		return ev, lag, nil
	case <-ctx.Done():
		return nil, 0, ctx.Err()
	}
}

func (s *Subscription) deliver(ev *types.BlockEvent) {
	select {
	case s.ch <- ev:
		return
	default:
	}
	// Buffer full: drop the oldest unread message, then push this one.
	select {
	case <-s.ch:
		s.mu.Lock()
		s.lagged++
		s.mu.Unlock()
	default:
	}
	select {
	case s.ch <- ev:
	default:
		s.mu.Lock()
		s.lagged++
		s.mu.Unlock()
	}
}

// Subscribe returns a new lossy receiver.
func (w *Watcher) Subscribe() *Subscription {
	sub := &Subscription{ch: make(chan *types.BlockEvent, w.cfg.ChannelBufferSize)}
	w.broadcastMu.Lock()
	w.subscribers[sub] = struct{}{}
	w.broadcastMu.Unlock()
	return sub
}

// Unsubscribe removes and closes a subscription.
func (w *Watcher) Unsubscribe(sub *Subscription) {
	w.broadcastMu.Lock()
	defer w.broadcastMu.Unlock()
	if _, ok := w.subscribers[sub]; !ok {
		return
	}
	delete(w.subscribers, sub)
	sub.mu.Lock()
	if !sub.closed {
		sub.closed = true
		close(sub.ch)
	}
	sub.mu.Unlock()
}

func (w *Watcher) broadcast(ev *types.BlockEvent) (subscriberCount int) {
	w.broadcastMu.RLock()
	defer w.broadcastMu.RUnlock()
	for sub := range w.subscribers {
		sub.deliver(ev)
	}
	return len(w.subscribers)
}

// Start launches one scan task per not-yet-running registered network.
// Idempotent.
func (w *Watcher) Start(ctx context.Context, pool ClientPool) {
	w.mu.Lock()
	var toStart []types.NetworkDescriptor
	for slug, ns := range w.networks {
		if !ns.isRunning {
			ns.isRunning = true
			toStart = append(toStart, ns.descriptor)
			_ = slug
		}
	}
	w.mu.Unlock()

	for _, descriptor := range toStart {
		w.wg.Add(1)
		go func(d types.NetworkDescriptor) {
			defer w.wg.Done()
			w.scanLoop(ctx, d, pool)
		}(descriptor)
	}
}

// Run blocks until all scan tasks have terminated.
func (w *Watcher) Run() {
	w.wg.Wait()
}

func (w *Watcher) scanLoop(ctx context.Context, descriptor types.NetworkDescriptor, pool ClientPool) {
	logger := log.WithNetwork(descriptor.Slug)
	client, err := pool.Get(ctx, descriptor)
	if err != nil {
		logger.Error().Err(err).Msg("failed to acquire rpc client, abandoning scan loop")
		w.markStopped(descriptor.Slug)
		return
	}

	interval := pollInterval(descriptor.NetworkType)

	for {
		if ctx.Err() != nil {
			w.markStopped(descriptor.Slug)
			return
		}
		w.mu.RLock()
		ns, ok := w.networks[descriptor.Slug]
		var running bool
		var lastBlock uint64
		if ok {
			running = ns.isRunning
			lastBlock = ns.lastBlock
		}
		w.mu.RUnlock()
		if !ok || !running {
			w.markStopped(descriptor.Slug)
			return
		}

		timer := metrics.NewTimer()
		advanced := w.scanIteration(ctx, descriptor, client, lastBlock)
		timer.ObserveDurationVec(metrics.WatcherScanDuration, descriptor.Slug)
		if advanced {
			metrics.WatcherScanIterations.WithLabelValues(descriptor.Slug, "advanced").Inc()
		} else {
			metrics.WatcherScanIterations.WithLabelValues(descriptor.Slug, "no_progress").Inc()
		}

		select {
		case <-time.After(interval):
		case <-ctx.Done():
			w.markStopped(descriptor.Slug)
			return
		}
	}
}

func (w *Watcher) markStopped(slug string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if ns, ok := w.networks[slug]; ok {
		ns.isRunning = false
	}
}

// scanIteration runs one pass of the per-network scan loop (spec §4.3.2),
// returning whether the cursor advanced.
func (w *Watcher) scanIteration(ctx context.Context, descriptor types.NetworkDescriptor, client RPCClient, lastProcessedBlock uint64) bool {
	logger := log.WithNetwork(descriptor.Slug)

	latest, err := w.fetchLatest(ctx, descriptor.Slug, client)
	if err != nil {
		logger.Error().Err(err).Msg("failed to fetch latest block number after retries, abandoning iteration")
		return false
	}

	latestConfirmed := uint64(0)
	if latest > descriptor.ConfirmationBlocks {
		latestConfirmed = latest - descriptor.ConfirmationBlocks
	}

	var start uint64
	if lastProcessedBlock == 0 {
		// Cold-start: emit only the current confirmed tip, no backfill.
		start = latestConfirmed
	} else {
		start = lastProcessedBlock + 1
	}

	if start > latestConfirmed {
		return false
	}

	end := latestConfirmed
	if maxEnd := start + uint64(w.cfg.MaxBlocksPerFetch) - 1; maxEnd < end {
		end = maxEnd
	}

	blocks, err := w.fetchBlocks(ctx, descriptor.Slug, client, start, end)
	if err != nil {
		logger.Error().Err(err).Uint64("start", start).Uint64("end", end).Msg("failed to fetch blocks after retries, abandoning iteration")
		return false
	}
	if len(blocks) == 0 {
		return false
	}

	event := &types.BlockEvent{
		Network:   descriptor.Slug,
		Blocks:    blocks,
		Timestamp: time.Now(),
	}
	subCount := w.broadcast(event)
	if subCount == 0 {
		logger.Warn().Msg("no subscribers for block event, advancing cursor regardless")
	}
	metrics.WatcherBlocksFetched.WithLabelValues(descriptor.Slug).Add(float64(len(blocks)))

	w.mu.Lock()
	if ns, ok := w.networks[descriptor.Slug]; ok {
		ns.lastBlock = end
	}
	w.mu.Unlock()
	metrics.WatcherLastProcessedBlock.WithLabelValues(descriptor.Slug).Set(float64(end))

	return true
}

// fetchLatest resolves the network's current chain tip through the latest-
// height cache class (spec §4.1, 5s default TTL), so workers sharing a
// network collapse duplicate get_latest_block_number calls onto one upstream
// request per TTL window instead of one per worker per scan.
func (w *Watcher) fetchLatest(ctx context.Context, slug string, client RPCClient) (uint64, error) {
	if w.cache != nil {
		if cached, ok := w.cache.GetLatest(ctx, slug); ok {
			return cached, nil
		}
	}
	latest, err := withRetry(ctx, w, "get_latest_block_number", func() (uint64, error) {
		return client.GetLatestBlockNumber(ctx)
	})
	if err != nil {
		return 0, err
	}
	if w.cache != nil {
		w.cache.PutLatest(ctx, slug, latest, 0)
	}
	return latest, nil
}

func (w *Watcher) fetchBlocks(ctx context.Context, slug string, client RPCClient, start, end uint64) ([]types.Block, error) {
	if w.cache != nil {
		if cached, ok := w.cache.GetBlocks(ctx, slug, start, end); ok {
			return cached, nil
		}
	}
	blocks, err := withRetry(ctx, w, "get_blocks", func() ([]types.Block, error) {
		return client.GetBlocks(ctx, start, end)
	})
	if err != nil {
		return nil, err
	}
	if w.cache != nil && len(blocks) > 0 {
		w.cache.PutBlocks(ctx, slug, start, end, blocks, 0)
	}
	return blocks, nil
}

// withRetry implements the pure-exponential backoff policy of spec §4.3.3:
// the first attempt runs immediately, and the delay before attempt k
// (1-indexed, k >= 2) is base_delay_ms * 2^(k-2), i.e. base, 2*base, 4*base...
func withRetry[T any](ctx context.Context, w *Watcher, op string, fn func() (T, error)) (T, error) {
	var zero T
	var lastErr error
	for attempt := 1; attempt <= w.cfg.RetryAttempts; attempt++ {
		if attempt > 1 {
			delay := time.Duration(float64(w.cfg.RetryDelayMs)*math.Pow(2, float64(attempt-2))) * time.Millisecond
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return zero, ctx.Err()
			}
		}
		v, err := fn()
		if err == nil {
			return v, nil
		}
		lastErr = err
	}
	return zero, &types.RpcTransientError{Op: op, Err: lastErr}
}
