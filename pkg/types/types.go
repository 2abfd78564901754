// Package types holds the data model shared by the watcher, balancer,
// monitor services and worker pool: tenants, networks, monitors, triggers,
// assignments and the events that flow between them.
package types

import "time"

// TenantId is an opaque unique identifier for a tenant.
type TenantId string

// WorkerId is an opaque string unique within the fleet for a worker's lifetime.
type WorkerId string

// NetworkType classifies the blockchain a NetworkDescriptor talks to.
type NetworkType string

const (
	NetworkTypeEVM     NetworkType = "evm"
	NetworkTypeStellar NetworkType = "stellar"
	NetworkTypeOther   NetworkType = "other"
)

// NetworkDescriptor is an immutable bundle describing one monitored blockchain.
type NetworkDescriptor struct {
	Slug               string      `json:"slug"`
	NetworkType        NetworkType `json:"network_type"`
	ConfirmationBlocks uint64      `json:"confirmation_blocks"`
	RPCEndpoints       []string    `json:"rpc_endpoints"`
	PollScheduleHint   string      `json:"poll_schedule_hint"`
}

// ContractInterfaceSpec is an optional interface specification carried by a
// watched address (e.g. an ABI reference for EVM, opaque elsewhere).
type ContractInterfaceSpec struct {
	Name    string `json:"name"`
	Content string `json:"content"`
}

// WatchedAddress is one address a Monitor watches, with an optional interface spec.
type WatchedAddress struct {
	Address string                  `json:"address"`
	Spec    *ContractInterfaceSpec `json:"spec,omitempty"`
}

// TriggerCondition gates whether a raw match is included in a Monitor's output.
type TriggerCondition struct {
	ScriptRef string            `json:"script_ref"`
	Language  string            `json:"language"`
	TimeoutMs int               `json:"timeout_ms"`
	Arguments map[string]string `json:"arguments,omitempty"`
}

// Monitor is a tenant-authored declaration of what to watch and how.
// Unique per (TenantId, Name).
type Monitor struct {
	TenantId          TenantId           `json:"-"`
	Name              string             `json:"-"`
	NetworkSlugs      []string           `json:"network_slugs"`
	WatchedAddresses  []WatchedAddress   `json:"watched_addresses"`
	FilterExpressions []string           `json:"filter_expressions"`
	TriggerNames      []string           `json:"trigger_names"`
	TriggerConditions []TriggerCondition `json:"trigger_conditions"`
}

// TriggerType classifies what a Trigger does when it fires.
type TriggerType string

// Trigger is a tenant-authored action performed when a monitor matches.
// Unique per (TenantId, Name).
type Trigger struct {
	TenantId      TenantId
	Name          string
	Type          TriggerType
	Configuration map[string]string
}

// Script is a named executable fragment resolvable by script reference; the
// script-content cache is content-addressed by ScriptRef.
type Script struct {
	ScriptRef string
	Language  string
	Content   string
}

// AssignmentReason records why a TenantAssignment was created.
type AssignmentReason string

const (
	AssignmentReasonInitial        AssignmentReason = "initial"
	AssignmentReasonLoadRebalance  AssignmentReason = "load_rebalance"
	AssignmentReasonWorkerFailure  AssignmentReason = "worker_failure"
	AssignmentReasonManual         AssignmentReason = "manual"
	AssignmentReasonScaling        AssignmentReason = "scaling"
	AssignmentReasonPriorityChange AssignmentReason = "priority_change"
)

// TenantAssignment binds a tenant to the worker currently responsible for it.
// Invariant: for any tenant, at most one current assignment exists.
type TenantAssignment struct {
	TenantId   TenantId
	WorkerId   WorkerId
	AssignedAt time.Time
	Version    uint64
	Reason     AssignmentReason
}

// WorkerMetrics is the most recently reported health/load snapshot for a worker.
type WorkerMetrics struct {
	WorkerId            WorkerId
	TenantCount         int
	CPUUsage            float64 // [0,100]
	MemoryUsage         float64 // [0,100]
	RPCRate             float64
	AvgProcessingTimeMs float64
	ErrorsLastHour      int
	UptimeSeconds       int64
	CollectedAt         time.Time
}

// LoadScore is a derived load scalar: 0.4*cpu/100 + 0.4*mem/100 +
// 0.2*min(1,tc/50). The balancer's rebalance imbalance check compares tenant
// counts and does not use it.
func (m WorkerMetrics) LoadScore() float64 {
	tenantTerm := float64(m.TenantCount) / 50.0
	if tenantTerm > 1 {
		tenantTerm = 1
	}
	return 0.4*(m.CPUUsage/100.0) + 0.4*(m.MemoryUsage/100.0) + 0.2*tenantTerm
}

// Healthy reports whether the worker is within acceptable resource/error bounds.
func (m WorkerMetrics) Healthy() bool {
	return m.CPUUsage < 90 && m.MemoryUsage < 90 && m.ErrorsLastHour < 10
}

// TenantMetrics is the most recently reported activity snapshot for a tenant.
type TenantMetrics struct {
	TenantId                   TenantId
	MonitorsCount              int
	AvgRPCCallsPerMinute       float64
	AvgFilterComplexity        float64
	TotalMatchesLastHour       int
	NotificationsSentLastHour  int
	LastActive                 time.Time
	CollectedAt                time.Time
}

// ActivityScore is the derived scalar used for bucketing and strategy choice:
// 0.4*min(1,rpc/100) + 0.3*min(1,complexity/10) + 0.3*min(1,matches/1000).
func (m TenantMetrics) ActivityScore() float64 {
	rpcTerm := m.AvgRPCCallsPerMinute / 100.0
	if rpcTerm > 1 {
		rpcTerm = 1
	}
	complexityTerm := m.AvgFilterComplexity / 10.0
	if complexityTerm > 1 {
		complexityTerm = 1
	}
	matchesTerm := float64(m.TotalMatchesLastHour) / 1000.0
	if matchesTerm > 1 {
		matchesTerm = 1
	}
	return 0.4*rpcTerm + 0.3*complexityTerm + 0.3*matchesTerm
}

// NetworkWatcherState tracks one network's scan progress and run flag.
// Invariants: LastProcessedBlock is monotonically non-decreasing over the
// watcher's lifetime; IsRunning=true implies exactly one active scan loop
// exists for this slug.
type NetworkWatcherState struct {
	Network            NetworkDescriptor
	LastProcessedBlock uint64
	IsRunning           bool
}

// Block is the minimal per-block payload the watcher fans out; concrete
// fields beyond height are opaque to the core (carried as Raw for the
// external filter service to interpret).
type Block struct {
	Height uint64
	Hash   string
	Raw    []byte
}

// BlockEvent is broadcast by the watcher; Blocks is non-empty, contiguous,
// and ordered by height ascending.
type BlockEvent struct {
	Network   string // NetworkDescriptor.Slug
	Blocks    []Block
	Timestamp time.Time
}

// TenantMonitorMatch is the per-tenant output of block processing.
type TenantMonitorMatch struct {
	TenantId    TenantId
	MonitorName string
	Match       RawMatch
}

// RawMatch is a single candidate match surfaced by the external filter
// service before trigger-condition evaluation and address resolution.
type RawMatch struct {
	Network           string
	BlockHeight       uint64
	TransactionHash   string
	TransactionDest   string // EVM: destination address, empty for contract creation
	ContractId        string // Stellar: invokeHostFunction contractId, if present
	// MonitorAddresses carries the watched address(es) of the specific
	// monitor that produced this match, set by the filter service. Used
	// by subjectAddress to resolve the Stellar case, where TransactionDest
	// is meaningless and multiple candidate monitors can watch one network.
	MonitorAddresses  []string
	Data              map[string]string
}

// WorkerStatus is the lifecycle state of a MonitorWorker.
type WorkerStatus string

const (
	WorkerStatusStarting  WorkerStatus = "starting"
	WorkerStatusRunning   WorkerStatus = "running"
	WorkerStatusReloading WorkerStatus = "reloading"
	WorkerStatusStopping  WorkerStatus = "stopping"
	WorkerStatusStopped   WorkerStatus = "stopped"
	WorkerStatusError     WorkerStatus = "error"
)

// WorkerSummary is the pool-level view of one worker: id, status and current
// tenant count.
type WorkerSummary struct {
	WorkerId    WorkerId
	Status      WorkerStatus
	TenantCount int
}
