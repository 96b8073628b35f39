// Package shared contains the error taxonomy shared by the adapters and the
// prober.
//
// Errors are grouped into kinds through sentinel errors. Adapters mark
// third-party errors with MarkKind and everything downstream classifies with
// KindOf:
//
//	if resp.StatusCode >= 400 {
//	    return shared.MarkKind(fmt.Errorf("status %d", resp.StatusCode), shared.KindOfStatus(resp.StatusCode))
//	}
//
// When several kinds are present, KindOf returns the highest priority one:
//
//	Priority | Kind
//	---------|----------------------
//	1        | KindCanceled
//	2        | KindTimeout
//	3        | KindRateLimited
//	4        | KindUnavailable
//	5        | KindNotFound
//	6        | KindValidation
//	7        | KindUnauthorized
//	8        | KindDependencyFailure
//	9        | KindInternal
//
// RetryableKinds turns a set of kinds into a classify.Classifier for
// retry.SimplePolicy, so retry decisions follow the same taxonomy:
//
//	policy := retry.NewSimplePolicy(5, retry.WithClassifier(
//	    shared.RetryableKinds(shared.DefaultRetryableKinds...),
//	))
//
// Keep error messages lowercase and without punctuation; they are usually
// wrapped with more context.
package shared
