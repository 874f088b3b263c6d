/*
Package events implements BuildNet's in-process event bus.

Every component publishes its state transitions here: the ledger emits one
event per recorded transaction, the registry and session manager announce
lifecycle changes, the watcher emits change batches, and the orchestrator
reports build progress. The activity tracker and the master daemon are the
main consumers.

Subscribers register a callback and receive an unsubscribe handle:

	unsub := bus.SubscribeTypes(func(ev *events.Event) {
		batch := ev.Payload.(*types.ChangeBatch)
		// ...
	}, events.EventChangesBatched)
	defer unsub()

Each subscriber owns a bounded queue drained by its own goroutine:
publishers never block, and a subscriber sees events in publication order.
A transaction published by the ledger arrives as a single event, so
subscribers observe both halves of a double-entry pair atomically.
*/
package events
