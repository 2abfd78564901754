/*
Package worker implements the Worker Pool & Block Processing Pipeline: the
set of MonitorWorkers that consume shared block events and evaluate
per-tenant monitors against them, and the MonitorWorkerPool that creates,
tracks and reassigns them.

# Architecture

	┌──────────────────── MonitorWorkerPool ─────────────────────┐
	│                                                              │
	│   workers: map[WorkerId]*MonitorWorker, guarded by RWMutex  │
	│                                                              │
	└──────┬───────────────────┬───────────────────┬─────────────┘
	       │                   │                   │
	┌──────▼──────┐     ┌──────▼──────┐     ┌──────▼──────┐
	│MonitorWorker│     │MonitorWorker│     │MonitorWorker│
	│  tenants:   │     │  tenants:   │     │  tenants:   │
	│  [t1, t2]   │     │  [t3]       │     │  [t4, t5]   │
	└──────┬──────┘     └──────┬──────┘     └──────┬──────┘
	       │                   │                   │
	       └─────────┬─────────┴─────────┬─────────┘
	                 │                   │
	          watcher.Subscribe()  servicesFactory(tenants)
	                 │                   │
	         ┌───────▼──────┐    ┌───────▼────────┐
	         │ Shared Block │    │ Monitor         │
	         │ Watcher      │    │ Services (C5)   │
	         └──────────────┘    └────────────────┘

# Core Components

MonitorWorker:
  - Owns one tenant list and one lazily-instantiated Services instance
  - Runs three long-running tasks concurrently once started
  - Reports its lifecycle status through Status()

MonitorWorkerPool:
  - Registry of MonitorWorkers keyed by WorkerId
  - CreateWorker background-spawns a worker's Start loop
  - ReassignTenants updates a worker's tenant list and triggers a reload
  - RemoveWorker marks a worker Stopping and drops it from the registry

# Worker Lifecycle

Start:

 1. Transition to Running
 2. Snapshot the assigned tenant list; if empty, stay Running and return
    (the worker is registered but idle — there is nothing to process yet)
 3. Instantiate Monitor Services for the tenant list; on failure,
    transition to Error and return the wrapped error
 4. Run an initial ReloadConfigurations (a failure here is logged, not
    fatal — the periodic configReloader task will retry)
 5. Subscribe to the shared block watcher
 6. Run healthReporter, configReloader and eventConsumer concurrently;
    whichever terminates first ends the worker
 7. Cancel the other two tasks, wait for them to return, transition to
    Stopped

Long-running tasks:

  - healthReporter: logs status/tenant-count/message on a fixed interval,
    never terminates on its own (ctx.Done() is a clean exit)
  - configReloader: on a fixed interval, transitions to Reloading, asks
    Services to reload, transitions back to Running; a reload failure is
    logged and the loop continues
  - eventConsumer: receives BlockEvents from its subscription; a lag count
    is logged and processing continues; a channel-closed error (the
    subscription was explicitly terminated, not the caller's context)
    terminates the worker via the wrapped ErrWorkerTaskTerminated sentinel;
    a context-cancellation error is a clean shutdown

# Block Processing

For every BlockEvent the eventConsumer receives, it hands each of the
worker's assigned tenants every block in the event via
Services.ProcessBlock. A per-tenant processing error transitions the
worker to Error and is logged, but the loop continues with the tenant's
remaining blocks and then the next tenant — one tenant's failure does not
stop another tenant's blocks from being processed.

# Reassignment

MonitorWorkerPool.ReassignTenants updates a worker's tenant list in place
and, if the worker has already instantiated Services, asks it to reload
configurations for the new list immediately rather than waiting for the
next configReloader tick. A worker whose Start is still instantiating
Services picks up the new tenant list the next time its configReloader
runs. A worker whose Start returned idle (no tenants when it started) has
no Services and runs no configReloader or eventConsumer: ReassignTenants
only records the new list, and those tenants' blocks are not processed.

# See Also

  - pkg/watcher for the shared block event source
  - pkg/monitorsvc for the Services implementation workers drive
  - pkg/balancer for tenant-to-worker assignment decisions
*/
package worker
