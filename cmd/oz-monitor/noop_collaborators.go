package main

import (
	"context"

	"github.com/ozmonitor/orchestrator/pkg/types"
	"github.com/ozmonitor/orchestrator/pkg/watcher"
)

// noopFilter and noopDispatcher are placeholders for the filter engine and
// trigger-execution collaborators spec.md §1 places out of scope for this
// module. They let a process start and exercise Monitor Services' control
// flow without a real filter/dispatch backend wired in.
type noopFilter struct{}

func (noopFilter) Filter(ctx context.Context, client watcher.RPCClient, network types.NetworkDescriptor, block types.Block, monitors []*types.Monitor, specs map[string]*types.ContractInterfaceSpec) ([]types.RawMatch, error) {
	return nil, nil
}

type noopDispatcher struct{}

func (noopDispatcher) Dispatch(ctx context.Context, triggers []*types.Trigger, vars map[string]string, match types.RawMatch, scriptOverrides map[string]string) error {
	return nil
}
