package monitorsvc

import (
	"context"
	"errors"
	"testing"

	"github.com/ozmonitor/orchestrator/pkg/types"
	"github.com/ozmonitor/orchestrator/pkg/watcher"
	"github.com/stretchr/testify/require"
)

type fakeRepo struct {
	monitors map[string]*types.Monitor
	networks map[string]*types.NetworkDescriptor
	triggers map[string]*types.Trigger
	scripts  map[string]string
}

func (f *fakeRepo) SetTenantFilter(ids []types.TenantId) {}

func (f *fakeRepo) GetAllMonitors(ctx context.Context) (map[string]*types.Monitor, error) {
	return f.monitors, nil
}

func (f *fakeRepo) GetAllNetworks(ctx context.Context) (map[string]*types.NetworkDescriptor, error) {
	return f.networks, nil
}

func (f *fakeRepo) GetAllTriggers(ctx context.Context) (map[string]*types.Trigger, error) {
	return f.triggers, nil
}

func (f *fakeRepo) LoadScript(ctx context.Context, name string, tenantFilter []types.TenantId) (string, error) {
	content, ok := f.scripts[name]
	if !ok {
		return "", errors.New("script not found")
	}
	return content, nil
}

type fakeRPCClient struct{}

func (fakeRPCClient) GetLatestBlockNumber(ctx context.Context) (uint64, error) { return 0, nil }
func (fakeRPCClient) GetBlocks(ctx context.Context, start, end uint64) ([]types.Block, error) {
	return nil, nil
}

type fakePool struct{}

func (fakePool) Get(ctx context.Context, network types.NetworkDescriptor) (watcher.RPCClient, error) {
	return fakeRPCClient{}, nil
}

type fakeFilter struct {
	matches []types.RawMatch
}

func (f *fakeFilter) Filter(ctx context.Context, client watcher.RPCClient, network types.NetworkDescriptor, block types.Block, monitors []*types.Monitor, specs map[string]*types.ContractInterfaceSpec) ([]types.RawMatch, error) {
	return f.matches, nil
}

type fakeDispatcher struct {
	calls int
}

func (d *fakeDispatcher) Dispatch(ctx context.Context, triggers []*types.Trigger, vars map[string]string, match types.RawMatch, overrides map[string]string) error {
	d.calls++
	return nil
}

func newTestService(t *testing.T, monitor *types.Monitor, matches []types.RawMatch, scripts map[string]string) (*Service, *fakeDispatcher) {
	repo := &fakeRepo{
		monitors: map[string]*types.Monitor{monitor.Name: monitor},
		networks: map[string]*types.NetworkDescriptor{"eth-mainnet": {Slug: "eth-mainnet", NetworkType: types.NetworkTypeEVM}},
		triggers: map[string]*types.Trigger{},
		scripts:  scripts,
	}
	dispatcher := &fakeDispatcher{}
	svc := New(repo, fakePool{}, &fakeFilter{matches: matches}, dispatcher, NewExprExecutorFactory())
	err := svc.ReloadConfigurations(context.Background(), []types.TenantId{monitor.TenantId})
	require.NoError(t, err)
	return svc, dispatcher
}

func TestProcessBlockIncludesMatchWithZeroConditions(t *testing.T) {
	monitor := &types.Monitor{
		TenantId:         "t1",
		Name:             "m1",
		NetworkSlugs:     []string{"eth-mainnet"},
		WatchedAddresses: []types.WatchedAddress{{Address: "0xABC"}},
	}
	matches := []types.RawMatch{{Network: "eth-mainnet", TransactionDest: "0xabc"}}
	svc, dispatcher := newTestService(t, monitor, matches, nil)

	out, err := svc.ProcessBlock(context.Background(), "t1", "eth-mainnet", types.Block{Height: 1})
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Equal(t, "m1", out[0].MonitorName)
	require.Zero(t, dispatcher.calls, "no triggers bound to this monitor")
}

func TestProcessBlockDropsEVMContractCreation(t *testing.T) {
	monitor := &types.Monitor{
		TenantId:         "t1",
		Name:             "m1",
		NetworkSlugs:     []string{"eth-mainnet"},
		WatchedAddresses: []types.WatchedAddress{{Address: "0xABC"}},
	}
	matches := []types.RawMatch{{Network: "eth-mainnet", TransactionDest: ""}}
	svc, _ := newTestService(t, monitor, matches, nil)

	out, err := svc.ProcessBlock(context.Background(), "t1", "eth-mainnet", types.Block{Height: 1})
	require.NoError(t, err)
	require.Empty(t, out)
}

func TestProcessBlockExcludesOnFalseCondition(t *testing.T) {
	monitor := &types.Monitor{
		TenantId:         "t1",
		Name:             "m1",
		NetworkSlugs:     []string{"eth-mainnet"},
		WatchedAddresses: []types.WatchedAddress{{Address: "0xABC"}},
		TriggerConditions: []types.TriggerCondition{
			{ScriptRef: "cond1", Language: "expr"},
		},
	}
	matches := []types.RawMatch{{Network: "eth-mainnet", TransactionDest: "0xabc"}}
	svc, _ := newTestService(t, monitor, matches, map[string]string{"cond1": "false"})

	out, err := svc.ProcessBlock(context.Background(), "t1", "eth-mainnet", types.Block{Height: 1})
	require.NoError(t, err)
	require.Empty(t, out)
}

// TestProcessBlockFailsOpenOnMissingScript validates scenario S6: a missing
// script must not drop the match.
func TestProcessBlockFailsOpenOnMissingScript(t *testing.T) {
	monitor := &types.Monitor{
		TenantId:         "t1",
		Name:             "m1",
		NetworkSlugs:     []string{"eth-mainnet"},
		WatchedAddresses: []types.WatchedAddress{{Address: "0xABC"}},
		TriggerConditions: []types.TriggerCondition{
			{ScriptRef: "missing", Language: "expr"},
		},
	}
	matches := []types.RawMatch{{Network: "eth-mainnet", TransactionDest: "0xabc"}}
	svc, _ := newTestService(t, monitor, matches, nil) // no scripts registered

	out, err := svc.ProcessBlock(context.Background(), "t1", "eth-mainnet", types.Block{Height: 1})
	require.NoError(t, err)
	require.Len(t, out, 1, "missing script must fail open and include the match")
}

func TestProcessBlockUnknownTenantReturnsNoMatches(t *testing.T) {
	svc, _ := newTestService(t, &types.Monitor{TenantId: "t1", Name: "m1", NetworkSlugs: []string{"eth-mainnet"}}, nil, nil)
	out, err := svc.ProcessBlock(context.Background(), "unknown-tenant", "eth-mainnet", types.Block{Height: 1})
	require.NoError(t, err)
	require.Empty(t, out)
}

// TestProcessBlockStellarUsesProducingMonitorNotFirstCandidate guards
// against attributing a Stellar match to an arbitrary candidate monitor:
// with two monitors watching the same network, the match must resolve to
// whichever monitor the filter service actually reported via
// RawMatch.MonitorAddresses, not the first one a map range happens to visit.
func TestProcessBlockStellarUsesProducingMonitorNotFirstCandidate(t *testing.T) {
	monitorA := &types.Monitor{
		TenantId:         "t1",
		Name:             "mA",
		NetworkSlugs:     []string{"stellar-mainnet"},
		WatchedAddresses: []types.WatchedAddress{{Address: "GAAA"}},
	}
	monitorB := &types.Monitor{
		TenantId:         "t1",
		Name:             "mB",
		NetworkSlugs:     []string{"stellar-mainnet"},
		WatchedAddresses: []types.WatchedAddress{{Address: "GBBB"}},
	}
	repo := &fakeRepo{
		monitors: map[string]*types.Monitor{"mA": monitorA, "mB": monitorB},
		networks: map[string]*types.NetworkDescriptor{"stellar-mainnet": {Slug: "stellar-mainnet", NetworkType: types.NetworkTypeStellar}},
		triggers: map[string]*types.Trigger{},
	}
	matches := []types.RawMatch{{Network: "stellar-mainnet", MonitorAddresses: []string{"GBBB"}}}
	dispatcher := &fakeDispatcher{}
	svc := New(repo, fakePool{}, &fakeFilter{matches: matches}, dispatcher, NewExprExecutorFactory())
	require.NoError(t, svc.ReloadConfigurations(context.Background(), []types.TenantId{"t1"}))

	for i := 0; i < 20; i++ {
		out, err := svc.ProcessBlock(context.Background(), "t1", "stellar-mainnet", types.Block{Height: 1})
		require.NoError(t, err)
		require.Len(t, out, 1)
		require.Equal(t, "mB", out[0].MonitorName, "match must attribute to the monitor the filter service named, not an arbitrary candidate")
	}
}
