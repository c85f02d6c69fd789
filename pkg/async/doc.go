// Package async provides safe concurrent execution primitives for background tasks.
//
// # Overview
//
// This package handles goroutine lifecycle management with panic recovery,
// timeout enforcement, context cancellation and error logging. Failures are
// logged through observability.Logger and never reach the caller.
//
// # Key Functions
//
// SafeGo: Execute function in goroutine with safety features
//
//	async.SafeGo(ctx, logger, 30*time.Second, "profile fetch", func(ctx context.Context) error {
//		return fetchProfile(ctx)
//	})
//
// Group: Tasks owned by a component and cancelled on its teardown
//
//	tasks := async.NewGroup(logger)
//	tasks.Go(10*time.Second, "profile fetch", fetch)
//	defer tasks.Close(5 * time.Second)
package async
