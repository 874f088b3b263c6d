/*
Package watcher observes filesystem changes and turns them into
classified change batches for the auto-build scheduler.

Events arriving within the debounce interval of each other coalesce into
one batch. When the window closes the batch is classified:

  - ignored: every path is excluded
  - cosmetic: only test, documentation or lock files changed
  - local: changes confined to a single top-level package
  - broad: changes span packages or touch shared roots

Batches publish as changes.batched on the event bus; with preemptive
preparation enabled, batches of at least local impact additionally emit
preparation.ready so the orchestrator can pre-fetch caches.

The fsnotify layer is one input source, not the only one: HandleEvent
accepts injected events from remote agents and tests.
*/
package watcher
