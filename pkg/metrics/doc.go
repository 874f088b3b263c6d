/*
Package metrics provides Prometheus metrics for BuildNet.

Collectors are package-level variables registered in init and shared by
every component: ledger write counters, resource gauges, session gauges,
watcher/orchestrator counters and API latency histograms. Handler exposes
the standard /metrics endpoint.
*/
package metrics
