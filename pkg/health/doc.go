/*
Package health provides active dependency probes for the collaboration
network: HTTP checks against the wallet, escrow and payment collaborators,
TCP checks against network dependencies, and a store check against the
durable backend.

A Monitor runs the registered checkers on an interval, tracks consecutive
failures against a retry threshold, and publishes the outcome to the
component health registry in pkg/metrics, which backs the /health and
/ready endpoints.

# Core Components

Checker:
  - Check(ctx) Result / Type() — implemented by HTTPChecker, TCPChecker
    and StoreChecker

Status:
  - Consecutive failure/success tracking; a dependency flips unhealthy
    only after Config.Retries consecutive failures, flips healthy on the
    first success

Monitor:
  - Named checker registry + interval loop
  - Pushes results into metrics.UpdateComponent

# Usage

	monitor := health.NewMonitor(health.DefaultConfig())
	monitor.Register("storage", health.NewStoreChecker(store))
	if cfg.WalletURL != "" {
		monitor.Register("wallet", health.NewHTTPChecker(cfg.WalletURL+"/health"))
	}
	monitor.Start()
	defer monitor.Stop()

# Design Notes

Collaborator probes are observational: a down wallet marks the component
degraded on the dashboard but never gates request handling. Task
settlement already degrades per-call (payment_released stays false, the
operator retries). Only storage, gateway and api gate readiness.

# See Also

  - pkg/metrics for the component registry and probe endpoints
*/
package health
