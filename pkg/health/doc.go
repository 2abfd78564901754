/*
Package health provides generic HTTP and TCP liveness checkers, used by
pkg/rpcpool to probe RPC endpoint reachability independent of whether a
client has already been dialed for that network.

# Architecture

	┌──────────────────────────────────────────────┐
	│                Checker Interface               │
	│  • Check(ctx) Result                           │
	│  • Type() CheckType                            │
	└────────┬───────────────────────┬───────────────┘
	         │                       │
	    ┌────▼────┐             ┌────▼────┐
	    │  HTTP   │             │   TCP   │
	    │ Checker │             │ Checker │
	    └─────────┘             └─────────┘

# Core Components

Checker:

	type Checker interface {
		Check(ctx context.Context) Result
		Type() CheckType
	}

Result:

	type Result struct {
		Healthy   bool
		Message   string
		CheckedAt time.Time
		Duration  time.Duration
	}

Status tracks health over a run of checks, requiring Config.Retries
consecutive failures before flipping Healthy to false — this hysteresis
keeps a single transient RPC timeout from flagging a network as down.

# Usage

TCP reachability, as used by pkg/rpcpool.Pool.CheckLiveness:

	checker := health.NewTCPChecker("mainnet-rpc.example.com:443").WithTimeout(3 * time.Second)
	result := checker.Check(ctx)
	if !result.Healthy {
		log.Warn().Str("message", result.Message).Msg("rpc endpoint unreachable")
	}

HTTP reachability, for endpoints exposing a dedicated health path:

	checker := health.NewHTTPChecker("https://mainnet-rpc.example.com/health").
		WithStatusRange(200, 299).
		WithTimeout(5 * time.Second)
	result := checker.Check(ctx)

Status tracking across a polling loop:

	status := health.NewStatus()
	config := health.Config{Interval: 15 * time.Second, Timeout: 5 * time.Second, Retries: 3}
	for {
		ctx, cancel := context.WithTimeout(context.Background(), config.Timeout)
		result := checker.Check(ctx)
		cancel()
		status.Update(result, config)
		if !status.Healthy {
			// flag the network as degraded
		}
		time.Sleep(config.Interval)
	}

# See Also

  - pkg/rpcpool for the RPC client pool this package backs
*/
package health
