package app

import (
	"database/sql"
	"errors"
	"fmt"
	"net/http"

	"brokerdesk/api/internal/assistant"
	"brokerdesk/api/internal/auth"
	"brokerdesk/api/internal/authpw"
	"brokerdesk/api/internal/billing"
	"brokerdesk/api/internal/calendar"
	"brokerdesk/api/internal/export"
	"brokerdesk/api/internal/storage"
	"brokerdesk/api/internal/store"
)

type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

func validationError(message string) *DomainError {
	return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", message, nil)
}

func notFound(what string) *DomainError {
	return domainError(http.StatusNotFound, "NOT_FOUND", what+" not found", nil)
}

func isNotFound(err error) bool {
	var de *DomainError
	return errors.As(err, &de) && de.Status == http.StatusNotFound
}

var (
	errForbidden   = domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	errAdminOnly   = domainError(http.StatusForbidden, "FORBIDDEN", "Admin access required", nil)
	errArchived    = domainError(http.StatusConflict, "CASE_ARCHIVED", "Case is archived", nil)
	errUnavailable = func(code, message string) *DomainError {
		return domainError(http.StatusServiceUnavailable, code, message, nil)
	}
)

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	case errors.Is(err, auth.ErrInvalidToken), errors.Is(err, auth.ErrExpiredToken):
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	case errors.Is(err, store.ErrConflict):
		return http.StatusConflict, "CONFLICT", "Conflicting change, reload and retry", nil
	case errors.Is(err, store.ErrInsufficientTokens):
		return http.StatusPaymentRequired, "INSUFFICIENT_TOKENS", "Not enough tokens", nil
	case errors.Is(err, store.ErrBelowMinimum):
		return http.StatusUnprocessableEntity, "BELOW_MINIMUM", "Approved commissions are below the payout minimum", nil

	case errors.Is(err, authpw.ErrMissingFields),
		errors.Is(err, authpw.ErrInvalidEmail),
		errors.Is(err, authpw.ErrWeakPassword):
		return http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil
	case errors.Is(err, authpw.ErrEmailExists):
		return http.StatusConflict, "EMAIL_EXISTS", "Email already registered", nil
	case errors.Is(err, authpw.ErrInvalidCredentials):
		return http.StatusUnauthorized, "INVALID_CREDENTIALS", "Invalid email or password", nil
	case errors.Is(err, authpw.ErrDeactivated):
		return http.StatusForbidden, "ACCOUNT_DEACTIVATED", "Account deactivated", nil
	case errors.Is(err, authpw.ErrInvalidToken):
		return http.StatusBadRequest, "INVALID_TOKEN", "Invalid or expired token", nil

	case errors.Is(err, storage.ErrTooLarge),
		errors.Is(err, storage.ErrEmpty),
		errors.Is(err, storage.ErrUnsupportedType):
		return http.StatusUnprocessableEntity, "INVALID_UPLOAD", err.Error(), nil
	case errors.Is(err, storage.ErrObjectNotFound):
		return http.StatusUnprocessableEntity, "UPLOAD_MISSING", "Uploaded object not found", nil
	case errors.Is(err, storage.ErrStorageNotConfigured):
		return http.StatusServiceUnavailable, "STORAGE_UNAVAILABLE", "Document storage not configured", nil

	case errors.Is(err, calendar.ErrInvalidRange),
		errors.Is(err, calendar.ErrRangeTooWide),
		errors.Is(err, calendar.ErrEndBeforeStart):
		return http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil

	case errors.Is(err, billing.ErrInvalidSignature):
		return http.StatusBadRequest, "INVALID_SIGNATURE", "Invalid webhook signature", nil
	case errors.Is(err, billing.ErrNotConfigured):
		return http.StatusServiceUnavailable, "BILLING_UNAVAILABLE", "Billing not configured", nil
	case errors.Is(err, assistant.ErrNotConfigured):
		return http.StatusServiceUnavailable, "ASSISTANT_UNAVAILABLE", "Assistant not configured", nil
	case errors.Is(err, export.ErrUnavailable):
		return http.StatusNotImplemented, "EXPORT_UNAVAILABLE", "PDF export is not available on this server", nil
	case errors.Is(err, export.ErrUnsupportedFormat):
		return http.StatusUnprocessableEntity, "VALIDATION_ERROR", "format must be pdf or html", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
