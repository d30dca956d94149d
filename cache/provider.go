// Package cache defines the pluggable cache provider contract the
// Cluster Manager uses for peer discovery (spec.md §1, §4.5, §6). The
// contract itself is an external collaborator per the spec's Non-goals
// ("pluggable cache providers, assumed to offer get/set/clear"); this
// package ships two concrete providers so the broker is runnable without
// requiring an operator to write one: an in-process map provider for
// single-node/dev/test use, and a NATS JetStream KV provider for real
// multi-process clusters.
package cache

import "context"

// Provider is the cache contract the Cluster Manager depends on. Get
// returns ("", false, nil) when the key is absent, matching spec.md
// §6's "get returns null when missing". Writes are assumed non-atomic
// across nodes; the Cluster Manager compensates with retry-with-verify
// (spec.md §4.5, §9 Design Notes: cache non-atomicity).
type Provider interface {
	Get(ctx context.Context, key string) (value string, found bool, err error)
	Set(ctx context.Context, key, value string) error
	Clear(ctx context.Context, key string) error
}
