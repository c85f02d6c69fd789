// Package broadcast notifies the other live contexts of the identity domain
// about session changes.
//
// # Overview
//
// A Broadcast wraps a PubSubChannel transport with a per-context id. Every
// frame carries that id so a context never handles its own messages, even
// on transports that echo. Delivery is best effort and at most once; the
// shared session store is the fallback when a message is lost.
//
// # Transports
//
//   - Bus: in-process fan-out with a bounded queue per endpoint
//   - RedisChannel: Redis PUBLISH/SUBSCRIBE across processes
//   - Relay and WSChannel: WebSocket fan-out hub and its client
//
// # Usage
//
//	bus := broadcast.NewBus(0, metrics)
//	b := broadcast.New(bus.Channel(), broadcast.WithLogger(logger))
//	defer b.Close()
//
//	dispose := b.Subscribe(func(m broadcast.Message) {
//		switch m.Type {
//		case broadcast.TypeSessionUpdate:
//			adopt(*m.Session)
//		case broadcast.TypeLogout:
//			clear()
//		}
//	})
//	defer dispose()
//
//	b.Publish(ctx, broadcast.LoggedOut())
package broadcast
