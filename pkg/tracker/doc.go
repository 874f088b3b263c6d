/*
Package tracker fans dashboard state out to subscribers with throttling.

Producers record events and session/build/resource changes into a pending
accumulator; a broadcast loop flushes it as one incremental update per
interval (default 100ms). UpdateState replaces the full snapshot and
broadcasts it immediately, superseding anything pending. New subscribers
receive the current full state on subscription.

The recent-events ring is bounded at 1000 entries; subscriptions may
filter by event type, severity or actor kind. Incremental updates reach
callbacks sequentially on the broadcast goroutine, so Record* producers
never block on a subscriber. Full snapshots are not queued: UpdateState and
Subscribe invoke the callbacks directly on the caller's goroutine, which
blocks until they return.
*/
package tracker
