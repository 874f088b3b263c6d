/*
Package registry maintains the live catalog of worker nodes and other
resources: hot add/remove, drain/resume, and heartbeat-driven health
transitions.

The health state machine is online -> draining -> offline with an
online <-> unhealthy detour driven by the missed-heartbeat scanner:
a resource silent for missed_threshold heartbeat intervals is marked
unhealthy, one silent beyond the hard-eject window goes offline, and a
heartbeat from an unhealthy resource brings it back online. Workers emit
heartbeats on the backend pub/sub channel "resources:heartbeat".

Removal of a resource with active claims fails with ConflictingState
unless forced; a forced removal publishes resource.forced_removal so the
session manager can release the stale claims.

Every mutation records through the ledger before the corresponding bus
event is published.
*/
package registry
