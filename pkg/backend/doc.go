/*
Package backend defines the abstract key/value state backend consumed by
every BuildNet component, plus three conforming implementations:

  - Memory: in-process map with lazy TTL, the default for tests and
    single-node development
  - Bolt: bbolt file-backed persistence, one process per database file
  - Redis: external store with native pub/sub, for multi-process setups

The contract is deliberately small: single-key get/set/delete with TTL,
ordered prefix listing, an atomic set-if-absent, named leases for
cross-process mutual exclusion, and a pub/sub channel pair. The backend is
the only cross-process coordination channel in the system; everything else
(caches, schedulers, scanners) is process-local and invalidated through
pub/sub.
*/
package backend
