package backend

import (
	"context"
	"time"
)

// Backend is the state-backend contract the core consumes. It is
// single-key strongly consistent and offers no cross-key transactions;
// components must never require multi-key atomicity from it.
//
// Implementations map unreachable-store failures to
// errdefs.ErrBackendUnavailable. TTL expiry may be lazy: an expired key
// must be reported absent on the next access but need not be reaped
// eagerly.
type Backend interface {
	// Get returns the value for key, or found=false when absent.
	Get(ctx context.Context, key string) (value []byte, found bool, err error)

	// Set stores value under key. A zero ttl means no expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// Keys returns all keys with the given prefix, in lexical order.
	Keys(ctx context.Context, prefix string) ([]string, error)

	// SetIfAbsent atomically stores value only when key is absent.
	SetIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (accepted bool, err error)

	// AcquireLease takes a named mutual-exclusion lease. Returns an
	// opaque token, or ok=false when the lease is held elsewhere.
	AcquireLease(ctx context.Context, resource string, ttl time.Duration) (token string, ok bool, err error)

	// RenewLease extends a held lease. Returns false when the token no
	// longer owns the lease.
	RenewLease(ctx context.Context, token string, ttl time.Duration) (bool, error)

	// ReleaseLease gives up a held lease. Releasing a lost lease is a
	// no-op.
	ReleaseLease(ctx context.Context, token string) error

	// Publish sends message to every subscriber of channel.
	Publish(ctx context.Context, channel string, message []byte) error

	// Subscribe registers fn for messages on channel and returns an
	// unsubscribe handle. Callbacks run sequentially per subscriber and
	// never block the publisher.
	Subscribe(channel string, fn func(message []byte)) (unsubscribe func(), err error)

	Close() error
}
