/*
Package orchestrator conducts builds across the worker pool.

A build runs in four phases:

 1. Prepare: derive micro-bundles from the requested targets (default:
    one bundle per target, priority shared > core > client > ui > api >
    frontend > everything else).
 2. Score: build the dependency graph, compute the critical path, and
    assign each bundle in priority order to the worker maximizing a
    placement score over simulated load, bundler capability, CPU and
    memory. Ties always break toward the lower worker id so plans are
    deterministic.
 3. Perform: execute ready bundles in parallel waves under the
    dependency DAG, retrying each bundle with linear back-off. A wave
    with pending bundles but nothing ready fails the build with
    DEADLOCK. Cancellation is cooperative: in-flight bundles finish but
    nothing new schedules.
 4. Verify: successful bundles without artifacts raise a
    verification warning without failing the build.

Build start, cancellation and completion all record through the ledger,
and every entry produced during one build shares a correlation id.
Bundler invocation itself lives behind the WorkerExecutor interface.
*/
package orchestrator
