package estimate

import "errors"

var (
	// ErrInvalidArgument reports a malformed configuration value. It is
	// surfaced by the mutator that received the bad value, never clamped.
	ErrInvalidArgument = errors.New("estimate: invalid argument")

	// ErrNotReady reports that Estimate was called before the configured
	// inputs satisfy the minimum-sample preconditions.
	ErrNotReady = errors.New("estimate: estimator not ready")

	// ErrLocked reports a mutation attempted while an Estimate call is in
	// progress on the same instance.
	ErrLocked = errors.New("estimate: estimator locked by ongoing estimation")

	// ErrRobustEstimationFailed reports that the consensus stages could not
	// produce an acceptable model within their iteration budgets. The
	// estimator remains reusable.
	ErrRobustEstimationFailed = errors.New("estimate: robust consensus failed")
)
