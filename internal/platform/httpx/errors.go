// Package httpx provides HTTP response utilities.
package httpx

import (
	"errors"
	"net/http"

	"github.com/acadledger/acadledger/internal/shared"
)

// problemFor maps the error taxonomy to a status and title. Business errors are
// matched before the transport classification that may wrap them.
func problemFor(err error) (int, string) {
	switch {
	case errors.Is(err, shared.ErrValidation):
		return http.StatusBadRequest, "Validation Failed"
	case errors.Is(err, shared.ErrUnauthenticated):
		return http.StatusUnauthorized, "Unauthorized"
	case errors.Is(err, shared.ErrAccessDenied),
		errors.Is(err, shared.ErrRestrictedCaller),
		errors.Is(err, shared.ErrUnauthorizedCall):
		return http.StatusForbidden, "Forbidden"
	case errors.Is(err, shared.ErrAlreadyEvaluated),
		errors.Is(err, shared.ErrAlreadyExists):
		return http.StatusConflict, "Conflict"
	case errors.Is(err, shared.ErrNotFound):
		return http.StatusNotFound, "Not Found"
	case errors.Is(err, shared.ErrReceiptTimeout):
		return http.StatusAccepted, "Pending"
	case errors.Is(err, shared.ErrTransactionRejected):
		return http.StatusServiceUnavailable, "Transaction Rejected"
	case errors.Is(err, shared.ErrTransactionVerificationFailed):
		return http.StatusUnprocessableEntity, "Transaction Failed"
	case errors.Is(err, shared.ErrStorageFailure):
		return http.StatusBadGateway, "Storage Failure"
	}
	return http.StatusInternalServerError, "Internal Error"
}

// Status returns the HTTP status err maps to.
func Status(err error) int {
	status, _ := problemFor(err)
	return status
}

// RespondError maps domain errors to HTTP responses using RFC7807. Internal
// errors never expose their message.
func RespondError(w http.ResponseWriter, err error) {
	status, title := problemFor(err)
	detail := err.Error()
	if status == http.StatusInternalServerError {
		detail = ""
	}
	Problem(w, status, title, detail)
}
