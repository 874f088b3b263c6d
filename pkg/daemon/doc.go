/*
Package daemon assembles the BuildNet master: it owns the state backend,
the event bus, the ledger, the resource registry, the session manager,
the file watcher, the build orchestrator and the activity tracker, and
exposes the top-level operations the API adapter translates to HTTP.

Data flows through the daemon exactly once: filesystem events debounce
into batches, batches of local or broader impact re-arm the auto-build
timer, the timer submits an incremental system build, the orchestrator
fans bundles out across workers, and every mutation along the way lands
in the ledger and streams to tracker subscribers.

Builds beyond the configured concurrency limit wait in a FIFO queue; the
request at the head takes each freed slot.
*/
package daemon
