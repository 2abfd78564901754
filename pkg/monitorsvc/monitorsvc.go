// Package monitorsvc implements Monitor Services (C5): given a BlockEvent
// and a tenant's assigned monitors, produces matches and fires triggers.
package monitorsvc

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ozmonitor/orchestrator/pkg/log"
	"github.com/ozmonitor/orchestrator/pkg/metrics"
	"github.com/ozmonitor/orchestrator/pkg/types"
	"github.com/ozmonitor/orchestrator/pkg/watcher"
	"github.com/rs/zerolog"
)

// Repository is the subset of the Tenant Repository View (C2) Monitor
// Services depends on.
type Repository interface {
	SetTenantFilter(ids []types.TenantId)
	GetAllMonitors(ctx context.Context) (map[string]*types.Monitor, error)
	GetAllNetworks(ctx context.Context) (map[string]*types.NetworkDescriptor, error)
	GetAllTriggers(ctx context.Context) (map[string]*types.Trigger, error)
	LoadScript(ctx context.Context, name string, tenantFilter []types.TenantId) (string, error)
}

// FilterService is the external filter collaborator: given a block and a
// tenant's candidate monitors, returns raw matches. Out of scope per
// spec.md §1 — only its call-shape lives here.
type FilterService interface {
	Filter(ctx context.Context, client watcher.RPCClient, network types.NetworkDescriptor, block types.Block, monitors []*types.Monitor, specs map[string]*types.ContractInterfaceSpec) ([]types.RawMatch, error)
}

// TriggerDispatcher is the external trigger-execution collaborator.
type TriggerDispatcher interface {
	Dispatch(ctx context.Context, triggers []*types.Trigger, vars map[string]string, match types.RawMatch, scriptOverrides map[string]string) error
}

// ScriptExecutor evaluates one trigger condition against a match.
type ScriptExecutor interface {
	Execute(ctx context.Context, match types.RawMatch, args map[string]string) (bool, error)
}

// ScriptExecutorFactory instantiates a language-specific executor.
type ScriptExecutorFactory interface {
	New(language, content string) (ScriptExecutor, error)
}

// tenantContext is the per-tenant cached view described in spec §4.5.1.
type tenantContext struct {
	monitors map[string]*types.Monitor          // name -> monitor, memoized
	networks map[string]*types.NetworkDescriptor // slug -> network, always refreshed
	triggers map[string][]*types.Trigger         // monitor name -> triggers, always refreshed
}

// Service is Monitor Services (C5).
type Service struct {
	repo        Repository
	pool        watcher.ClientPool
	filter      FilterService
	dispatcher  TriggerDispatcher
	execFactory ScriptExecutorFactory
	logger      zerolog.Logger

	mu      sync.RWMutex
	tenants map[types.TenantId]*tenantContext

	specCache   sync.Map // "{slug}:{address}" -> *types.ContractInterfaceSpec
	scriptCache sync.Map // scriptRef -> content string
}

// New constructs a Service. pool must already be wired to an RPC client
// implementation (pkg/rpcpool) per network type.
func New(repo Repository, pool watcher.ClientPool, filter FilterService, dispatcher TriggerDispatcher, execFactory ScriptExecutorFactory) *Service {
	return &Service{
		repo:        repo,
		pool:        pool,
		filter:      filter,
		dispatcher:  dispatcher,
		execFactory: execFactory,
		logger:      log.WithComponent("monitorsvc"),
		tenants:     make(map[types.TenantId]*tenantContext),
	}
}

// ReloadConfigurations refreshes the per-tenant context for every id in
// tenantIDs: monitors, networks and triggers are all re-fetched from the
// repository and the tenant's cached context is replaced wholesale.
func (s *Service) ReloadConfigurations(ctx context.Context, tenantIDs []types.TenantId) error {
	s.repo.SetTenantFilter(tenantIDs)

	allMonitors, err := s.repo.GetAllMonitors(ctx)
	if err != nil {
		return fmt.Errorf("reload configurations: %w", err)
	}
	allNetworks, err := s.repo.GetAllNetworks(ctx)
	if err != nil {
		return fmt.Errorf("reload configurations: %w", err)
	}
	allTriggers, err := s.repo.GetAllTriggers(ctx)
	if err != nil {
		return fmt.Errorf("reload configurations: %w", err)
	}

	wanted := make(map[types.TenantId]struct{}, len(tenantIDs))
	for _, tid := range tenantIDs {
		wanted[tid] = struct{}{}
	}

	perTenantMonitors := make(map[types.TenantId]map[string]*types.Monitor)
	perTenantTriggers := make(map[types.TenantId]map[string][]*types.Trigger)
	for name, m := range allMonitors {
		if _, ok := wanted[m.TenantId]; !ok {
			continue
		}
		if perTenantMonitors[m.TenantId] == nil {
			perTenantMonitors[m.TenantId] = make(map[string]*types.Monitor)
		}
		perTenantMonitors[m.TenantId][name] = m
	}
	for _, trg := range allTriggers {
		if _, ok := wanted[trg.TenantId]; !ok {
			continue
		}
		if perTenantTriggers[trg.TenantId] == nil {
			perTenantTriggers[trg.TenantId] = make(map[string][]*types.Trigger)
		}
		for name, m := range perTenantMonitors[trg.TenantId] {
			for _, triggerName := range m.TriggerNames {
				if triggerName == trg.Name {
					perTenantTriggers[trg.TenantId][name] = append(perTenantTriggers[trg.TenantId][name], trg)
				}
			}
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, tid := range tenantIDs {
		s.tenants[tid] = &tenantContext{
			monitors: perTenantMonitors[tid],
			networks: allNetworks,
			triggers: perTenantTriggers[tid],
		}
	}
	return nil
}

func (s *Service) contextFor(tid types.TenantId) (*tenantContext, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tc, ok := s.tenants[tid]
	return tc, ok
}

// ProcessBlock runs the block processing pipeline of spec §4.5.2 for one
// (tenant, block) pair, evaluating trigger conditions and dispatching
// triggers for every match that survives (best-effort, per §4.5.4).
// networkSlug is resolved against the tenant's cached network map; an
// unknown slug is a lookup miss and the item is skipped per the
// TenantNotFound/MonitorNotFound disposition in spec §7.
func (s *Service) ProcessBlock(ctx context.Context, tenantID types.TenantId, networkSlug string, block types.Block) ([]types.TenantMonitorMatch, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.BlockProcessingDuration, networkSlug)

	tc, ok := s.contextFor(tenantID)
	if !ok {
		return nil, nil
	}
	network, ok := tc.networks[networkSlug]
	if !ok {
		return nil, nil
	}

	var candidates []*types.Monitor
	for _, m := range tc.monitors {
		for _, slug := range m.NetworkSlugs {
			if slug == network.Slug {
				candidates = append(candidates, m)
				break
			}
		}
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	client, err := s.pool.Get(ctx, *network)
	if err != nil {
		return nil, fmt.Errorf("acquire rpc client for network %s: %w", network.Slug, err)
	}

	specs := s.gatherSpecs(network.Slug, candidates)

	rawMatches, err := s.filter.Filter(ctx, client, *network, block, candidates, specs)
	if err != nil {
		return nil, fmt.Errorf("filter service: %w", err)
	}

	var out []types.TenantMonitorMatch
	for _, raw := range rawMatches {
		subject, ok := subjectAddress(network.NetworkType, raw)
		if !ok {
			continue
		}
		monitor := findMonitorByAddress(candidates, subject)
		if monitor == nil {
			continue
		}
		if !s.evaluateConditions(ctx, tenantID, monitor, raw) {
			continue
		}

		match := types.TenantMonitorMatch{TenantId: tenantID, MonitorName: monitor.Name, Match: raw}
		out = append(out, match)
		metrics.MonitorMatchesTotal.WithLabelValues(network.Slug).Inc()

		s.dispatchTriggers(ctx, tc, monitor, raw, network.Slug)
	}
	return out, nil
}

func (s *Service) gatherSpecs(slug string, monitors []*types.Monitor) map[string]*types.ContractInterfaceSpec {
	specs := make(map[string]*types.ContractInterfaceSpec)
	for _, m := range monitors {
		for _, addr := range m.WatchedAddresses {
			if addr.Spec == nil {
				continue
			}
			key := slug + ":" + addr.Address
			if cached, ok := s.specCache.Load(key); ok {
				specs[key] = cached.(*types.ContractInterfaceSpec)
				continue
			}
			s.specCache.Store(key, addr.Spec)
			specs[key] = addr.Spec
		}
	}
	return specs
}

// subjectAddress implements spec §4.5.2 step 5. The Stellar case relies on
// raw.MonitorAddresses, which the filter service populates with the
// addresses of the specific monitor that produced the match — it must not
// guess by scanning every candidate monitor on the network, since two
// monitors can watch the same network and only one of them produced raw.
func subjectAddress(networkType types.NetworkType, raw types.RawMatch) (string, bool) {
	switch networkType {
	case types.NetworkTypeEVM:
		if raw.TransactionDest == "" {
			return "", false
		}
		return raw.TransactionDest, true
	case types.NetworkTypeStellar:
		if len(raw.MonitorAddresses) > 0 {
			return raw.MonitorAddresses[0], true
		}
		if raw.ContractId != "" {
			return raw.ContractId, true
		}
		return "", false
	default:
		if raw.TransactionDest != "" {
			return raw.TransactionDest, true
		}
		return "", false
	}
}

func findMonitorByAddress(candidates []*types.Monitor, subject string) *types.Monitor {
	for _, m := range candidates {
		for _, addr := range m.WatchedAddresses {
			if strings.EqualFold(addr.Address, subject) {
				return m
			}
		}
	}
	return nil
}

// evaluateConditions implements spec §4.5.3: fail-open on any unresolved
// script or executor error, exclude on an explicit false, include
// everything when the monitor declares zero conditions.
func (s *Service) evaluateConditions(ctx context.Context, tenantID types.TenantId, monitor *types.Monitor, match types.RawMatch) bool {
	for _, cond := range monitor.TriggerConditions {
		content, err := s.resolveScript(ctx, tenantID, cond.ScriptRef)
		if err != nil {
			s.logger.Warn().Err(err).Str("script_ref", cond.ScriptRef).Msg("script load failed, including match (fail-open)")
			metrics.TriggerConditionErrorsTotal.WithLabelValues("script_load").Inc()
			continue
		}

		executor, err := s.execFactory.New(cond.Language, content)
		if err != nil {
			s.logger.Warn().Err(err).Str("language", cond.Language).Msg("executor construction failed, including match (fail-open)")
			metrics.TriggerConditionErrorsTotal.WithLabelValues("script_execute").Inc()
			continue
		}

		execCtx := ctx
		var cancel context.CancelFunc
		if cond.TimeoutMs > 0 {
			execCtx, cancel = context.WithTimeout(ctx, time.Duration(cond.TimeoutMs)*time.Millisecond)
		}
		ok, err := executor.Execute(execCtx, match, cond.Arguments)
		if cancel != nil {
			cancel()
		}
		if err != nil {
			s.logger.Warn().Err(err).Str("script_ref", cond.ScriptRef).Msg("script execution failed, including match (fail-open)")
			metrics.TriggerConditionErrorsTotal.WithLabelValues("script_execute").Inc()
			continue
		}
		if !ok {
			return false
		}
	}
	return true
}

func (s *Service) resolveScript(ctx context.Context, tenantID types.TenantId, ref string) (string, error) {
	if cached, ok := s.scriptCache.Load(ref); ok {
		return cached.(string), nil
	}
	content, err := s.repo.LoadScript(ctx, ref, []types.TenantId{tenantID})
	if err != nil {
		return "", err
	}
	s.scriptCache.Store(ref, content)
	return content, nil
}

// dispatchTriggers implements spec §4.5.4: best-effort, log-and-swallow.
func (s *Service) dispatchTriggers(ctx context.Context, tc *tenantContext, monitor *types.Monitor, match types.RawMatch, network string) {
	if s.dispatcher == nil {
		return
	}
	triggers := tc.triggers[monitor.Name]
	if len(triggers) == 0 {
		return
	}
	vars := map[string]string{"monitor_name": monitor.Name, "network": network}
	if err := s.dispatcher.Dispatch(ctx, triggers, vars, match, map[string]string{}); err != nil {
		s.logger.Warn().Err(err).Str("monitor", monitor.Name).Msg("trigger dispatch failed, swallowing (best-effort)")
		metrics.TriggerDispatchErrorsTotal.Inc()
	}
}
