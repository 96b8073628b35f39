// Package retry decides whether a failing operation may be attempted again.
//
// It never runs the operation itself. A Policy opens a Context for each
// sequence of attempts, counts the failures registered into it and answers
// CanRetry. Waiting between attempts is handled by package backoff and the
// loop tying both together lives in package runner.
//
// Policies:
//   - NeverPolicy: the first attempt only
//   - AlwaysPolicy: unlimited attempts
//   - SimplePolicy: a fixed number of attempts for retryable failures
//   - TimeoutPolicy: attempts until a wall-clock budget is spent
//   - CompositePolicy: AND (pessimistic) or OR (optimistic) of several policies
//   - CircuitBreakerPolicy: a delegate gated by a time-windowed circuit
//
// Driving a policy by hand:
//
//	policy := retry.NewSimplePolicy(5)
//	rc := policy.Open(nil)
//	defer policy.Close(rc)
//	for policy.CanRetry(rc) {
//	    if err := call(); err != nil {
//	        policy.RegisterError(rc, err)
//	        continue
//	    }
//	    break
//	}
//
// Any collaborator may call Context.SetExhaustedOnly to stop a sequence;
// every policy in this package refuses further attempts afterwards.
//
// Monitoring code reads state through Context.Attribute with the Attr* keys
// or through Context.Snapshot, without depending on concrete policy types.
package retry
