// Package shutdown coordinates best-effort cleanup of the process subscription.
//
// A Coordinator is triggered by a termination signal (Graceful), a recovered
// fault (Fatal), or a normal return from main (Exit). Whichever comes first runs
// cleanup; later triggers reuse its result. Cleanup re-checks that the
// subscription exists and deletes it, waiting at most the configured budget for
// the broker to confirm. Graceful and Fatal then exit the process.
//
//	coord := shutdown.NewCoordinator(brk, "response-pod1",
//	    shutdown.WithBudget(2*time.Second))
//	defer coord.Recover()
//	go coord.Watch(ctx)
package shutdown
