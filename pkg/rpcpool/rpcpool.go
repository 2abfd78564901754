// Package rpcpool implements the per-network RPC client pool shared by the
// Shared Block Watcher (C3) and Monitor Services (C5): one memoized client
// per network slug, double-checked under a lock so concurrent first-use
// callers never construct duplicate clients.
package rpcpool

import (
	"context"
	"fmt"
	"math/big"
	"net/url"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ozmonitor/orchestrator/pkg/health"
	"github.com/ozmonitor/orchestrator/pkg/log"
	"github.com/ozmonitor/orchestrator/pkg/types"
	"github.com/ozmonitor/orchestrator/pkg/watcher"
	"github.com/rs/zerolog"
)

// Config controls client construction.
type Config struct {
	DialTimeout time.Duration // default 10s
}

func (c Config) withDefaults() Config {
	if c.DialTimeout <= 0 {
		c.DialTimeout = 10 * time.Second
	}
	return c
}

// Pool memoizes one watcher.RPCClient per network slug.
type Pool struct {
	cfg    Config
	logger zerolog.Logger

	mu      sync.Mutex
	clients map[string]watcher.RPCClient
}

// New constructs an empty Pool.
func New(cfg Config) *Pool {
	return &Pool{
		cfg:     cfg.withDefaults(),
		logger:  log.WithComponent("rpcpool"),
		clients: make(map[string]watcher.RPCClient),
	}
}

// Get returns the memoized client for network.Slug, dialing one if this is
// the first request for that network.
func (p *Pool) Get(ctx context.Context, network types.NetworkDescriptor) (watcher.RPCClient, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if c, ok := p.clients[network.Slug]; ok {
		return c, nil
	}

	client, err := p.dial(ctx, network)
	if err != nil {
		return nil, fmt.Errorf("dial client for network %s: %w", network.Slug, err)
	}
	p.clients[network.Slug] = client
	return client, nil
}

// CheckLiveness probes reachability of network's first RPC endpoint without
// going through the memoized client. Used by callers (e.g. an
// operator-facing status endpoint) that want a liveness signal independent
// of whether a client has already been dialed. An http(s) endpoint gets a
// real HTTP round-trip, catching a TCP-reachable but wedged RPC server that
// a bare TCP dial would miss; anything else falls back to a TCP dial.
func (p *Pool) CheckLiveness(ctx context.Context, network types.NetworkDescriptor) health.Result {
	if len(network.RPCEndpoints) == 0 {
		return health.Result{Healthy: false, Message: "no rpc endpoints configured"}
	}
	endpoint := network.RPCEndpoints[0]
	if isHTTPEndpoint(endpoint) {
		// JSON-RPC endpoints commonly reject a bare GET with 4xx; any
		// response short of 5xx still proves the HTTP server is alive.
		return health.NewHTTPChecker(endpoint).
			WithTimeout(p.cfg.DialTimeout).
			WithStatusRange(200, 499).
			Check(ctx)
	}
	addr, err := endpointHostPort(endpoint)
	if err != nil {
		return health.Result{Healthy: false, Message: err.Error()}
	}
	return health.NewTCPChecker(addr).WithTimeout(p.cfg.DialTimeout).Check(ctx)
}

func isHTTPEndpoint(endpoint string) bool {
	u, err := url.Parse(endpoint)
	return err == nil && (u.Scheme == "http" || u.Scheme == "https")
}

func endpointHostPort(endpoint string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("parse rpc endpoint %q: %w", endpoint, err)
	}
	host := u.Host
	if host == "" {
		host = u.Opaque
	}
	if host == "" {
		return "", fmt.Errorf("rpc endpoint %q has no host", endpoint)
	}
	if u.Port() == "" {
		switch u.Scheme {
		case "https", "wss":
			host += ":443"
		default:
			host += ":80"
		}
	}
	return host, nil
}

func (p *Pool) dial(ctx context.Context, network types.NetworkDescriptor) (watcher.RPCClient, error) {
	if len(network.RPCEndpoints) == 0 {
		return nil, fmt.Errorf("network %s has no rpc endpoints configured", network.Slug)
	}

	switch network.NetworkType {
	case types.NetworkTypeEVM:
		return newEVMClient(ctx, p.cfg, network)
	case types.NetworkTypeStellar:
		return newStellarClient(network), nil
	default:
		return nil, fmt.Errorf("unsupported network type %q for network %s", network.NetworkType, network.Slug)
	}
}

// evmClient wraps go-ethereum's ethclient to satisfy watcher.RPCClient.
type evmClient struct {
	eth *ethclient.Client
}

func newEVMClient(ctx context.Context, cfg Config, network types.NetworkDescriptor) (*evmClient, error) {
	dialCtx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
	defer cancel()

	eth, err := ethclient.DialContext(dialCtx, network.RPCEndpoints[0])
	if err != nil {
		return nil, err
	}
	return &evmClient{eth: eth}, nil
}

func (c *evmClient) GetLatestBlockNumber(ctx context.Context) (uint64, error) {
	return c.eth.BlockNumber(ctx)
}

func (c *evmClient) GetBlocks(ctx context.Context, start, end uint64) ([]types.Block, error) {
	blocks := make([]types.Block, 0, end-start+1)
	for h := start; h <= end; h++ {
		header, err := c.eth.HeaderByNumber(ctx, new(big.Int).SetUint64(h))
		if err != nil {
			return nil, fmt.Errorf("header by number %d: %w", h, err)
		}
		blocks = append(blocks, types.Block{
			Height: h,
			Hash:   header.Hash().Hex(),
		})
	}
	return blocks, nil
}

// stellarClient is a documented stub: spec.md places RPC clients out of
// scope, only their call-shape is exercised here. A real implementation
// would wrap Horizon or soroban-rpc.
type stellarClient struct {
	network types.NetworkDescriptor
}

func newStellarClient(network types.NetworkDescriptor) *stellarClient {
	return &stellarClient{network: network}
}

func (c *stellarClient) GetLatestBlockNumber(ctx context.Context) (uint64, error) {
	return 0, fmt.Errorf("stellar rpc client not implemented (network %s)", c.network.Slug)
}

func (c *stellarClient) GetBlocks(ctx context.Context, start, end uint64) ([]types.Block, error) {
	return nil, fmt.Errorf("stellar rpc client not implemented (network %s)", c.network.Slug)
}
