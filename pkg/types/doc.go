/*
Package types defines the core data structures used throughout BuildNet.

This package contains all fundamental types that represent BuildNet's domain
model, including actors, ledger entries, resources, sessions, activities,
micro-bundles, build plans and results, and file-change batches. These types
are used by all other packages for state management, audit recording, and
orchestration logic.

# Core Types

Audit substrate:
  - Actor: Originator of any state change (user, agent, service, system)
  - LedgerEntry: One immutable half of a hash-chained double-entry pair
  - LedgerTransaction: The 1-2 entries produced by one recorded change
  - Delta: Create/update/delete classification with per-field diffs

Resource catalog:
  - Resource: Addressable capacity unit (worker, storage, cache)
  - ResourceStatus: Online, draining, offline, unhealthy

Session tracking:
  - Session: Live connection owning permissions, claims and activities
  - Activity: One unit of in-flight work, at most one per session
  - Permission: Resource glob pattern to allowed actions

Build pipeline:
  - MicroBundle: Smallest independently schedulable unit of build work
  - BuildScore: Per-bundle worker assignments plus dependency graph
  - BuildRequest / BuildResult: The orchestrator's request/response pair

File watching:
  - FileEvent: One observed filesystem change
  - ChangeBatch: Debounced event group with a derived four-level Impact

All types are designed to be JSON-serializable; the ledger additionally
canonicalizes State payloads before hashing or diffing them.
*/
package types
