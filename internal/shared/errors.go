package shared

import "errors"

// Error taxonomy shared by every layer. Lower layers wrap these with context;
// callers classify with errors.Is.
var (
	// ErrValidation indicates malformed input caught before any network interaction.
	ErrValidation = errors.New("validation failed")
	// ErrAlreadyExists indicates a duplicate registration or record.
	ErrAlreadyExists = errors.New("already exists")
	// ErrNotFound indicates resource not found.
	ErrNotFound = errors.New("not found")
	// ErrRestrictedCaller indicates an authorization precondition not met at a contract boundary.
	ErrRestrictedCaller = errors.New("restricted caller")
	// ErrAccessDenied indicates a failed permission check on a guarded read or write.
	ErrAccessDenied = errors.New("access denied")
	// ErrUnauthorizedCall indicates a signature or caller mismatch at the smart account boundary.
	ErrUnauthorizedCall = errors.New("unauthorized call")
	// ErrAlreadyEvaluated indicates a second evaluation of the same course.
	ErrAlreadyEvaluated = errors.New("result already evaluated")
	// ErrTransactionRejected indicates the operation was definitely not applied.
	ErrTransactionRejected = errors.New("transaction rejected")
	// ErrTransactionVerificationFailed indicates the operation was included but logically failed.
	ErrTransactionVerificationFailed = errors.New("transaction verification failed")
	// ErrReceiptTimeout indicates the client stopped waiting; the operation may still land.
	ErrReceiptTimeout = errors.New("receipt wait timed out")
	// ErrUnauthenticated indicates a missing or expired session.
	ErrUnauthenticated = errors.New("authentication required")
	// ErrStorageFailure indicates an I/O error from an external collaborator.
	ErrStorageFailure = errors.New("storage failure")
)

// Retryable reports whether a fresh envelope may safely be submitted after err.
func Retryable(err error) bool {
	return errors.Is(err, ErrTransactionRejected) || errors.Is(err, ErrReceiptTimeout)
}
