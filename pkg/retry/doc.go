// Package retry provides bounded exponential backoff policies, one per
// failure class.
//
// # Overview
//
//	policies := retry.DefaultPolicies()
//	err := policies.For(retry.ClassProfile).Do(ctx, func(ctx context.Context) error {
//		return fetch(ctx)
//	})
//
// Return retry.Permanent(err) from the operation to stop early.
package retry
