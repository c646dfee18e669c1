package model

import "fmt"

// Sentinel error taxonomy, per SPEC_FULL.md §7. Handlers use errors.Is/As to
// decide how to unwind rather than inspecting error strings.
var (
	// ErrInvalidImageRequest marks a validation failure at admission; the
	// caller must move the offending message to the DLQ without writing
	// any progress-table state.
	ErrInvalidImageRequest = fmt.Errorf("invalid image request")

	// ErrRetryableJob signals the core loop should return the message to
	// its queue with a zero visibility timeout and try again later.
	ErrRetryableJob = fmt.Errorf("retryable job error")

	// ErrSelfThrottledRegion signals the region handler rejected a claim
	// because the endpoint is already at its region-concurrency ceiling.
	ErrSelfThrottledRegion = fmt.Errorf("region self-throttled")
)

// DistillationError reports a feature-selector configuration or input
// problem (unknown algorithm kind, an input that is not a *Feature).
type DistillationError struct {
	Reason string
}

func (e *DistillationError) Error() string {
	return "feature distillation: " + e.Reason
}

// InvalidImageRequestError wraps ErrInvalidImageRequest with the specific
// reason, so callers see both the sentinel (via errors.Is) and the detail.
type InvalidImageRequestError struct {
	Reason string
}

func (e *InvalidImageRequestError) Error() string {
	return fmt.Sprintf("invalid image request: %s", e.Reason)
}

func (e *InvalidImageRequestError) Unwrap() error {
	return ErrInvalidImageRequest
}

// InvalidAssumedRoleError reports that a configured IAM role ARN could not
// be assumed, mirroring original_source's InvalidAssumedRoleException.
type InvalidAssumedRoleError struct {
	RoleARN string
	Cause   error
}

func (e *InvalidAssumedRoleError) Error() string {
	return fmt.Sprintf("cannot assume role %s: %v", e.RoleARN, e.Cause)
}

func (e *InvalidAssumedRoleError) Unwrap() error {
	return e.Cause
}

// InvalidS3ObjectError reports that a requested image, sink bucket, or
// other S3 object could not be validated at admission time.
type InvalidS3ObjectError struct {
	URL    string
	Reason string
}

func (e *InvalidS3ObjectError) Error() string {
	return fmt.Sprintf("invalid S3 object %s: %s", e.URL, e.Reason)
}
