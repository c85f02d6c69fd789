// Package sessionstore is the durable hand-off point for sessions shared
// across contexts of the identity domain.
//
// # Overview
//
// A Store keeps at most one session record under the key
// "reelapps-shared-auth:v1" of a storage.KeyValueStore. Any context may
// write at any time; the last write wins and readers adopt whatever is
// there. The broadcast channel is only a low-latency hint on top of this.
//
//	store := sessionstore.New(kv,
//		sessionstore.WithLogger(logger),
//		sessionstore.WithRetryPolicy(policies.For(retry.ClassStore)),
//	)
//	store.Put(ctx, record)
//	if rec, ok := store.Get(ctx); ok {
//		// rec is unexpired
//	}
package sessionstore
