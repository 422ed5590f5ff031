package app

import (
	"errors"
	"fmt"
	"net/http"

	"scriptorium/api/internal/authpw"
	"scriptorium/api/internal/catalog"
	"scriptorium/api/internal/gitrepo"
	"scriptorium/api/internal/pending"
	"scriptorium/api/internal/people"
	"scriptorium/api/internal/search"
	"scriptorium/api/internal/session"
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
	return domainError(http.StatusBadRequest, "VALIDATION_ERROR", message, nil)
}

// IntegrityError means content failed to reach the version history. The
// filesystem may be ahead of history until an operator retries.
type IntegrityError struct {
	Path string
	Err  error
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("commit %s: %v", e.Path, e.Err)
}

func (e *IntegrityError) Unwrap() error {
	return e.Err
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	var integrityErr *IntegrityError
	if errors.As(err, &integrityErr) {
		return http.StatusInternalServerError, "INTEGRITY_ERROR", "Content could not be committed to history", map[string]any{"path": integrityErr.Path}
	}

	switch {
	case errors.Is(err, authpw.ErrInvalidCredentials):
		return http.StatusUnauthorized, "INVALID_CREDENTIALS", "Invalid username or password", nil
	case errors.Is(err, session.ErrNoToken), errors.Is(err, session.ErrInvalidToken):
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	case errors.Is(err, session.ErrExpired):
		return http.StatusUnauthorized, "SESSION_EXPIRED", "Session expired", nil
	case errors.Is(err, session.ErrInsufficientRole):
		return http.StatusForbidden, "FORBIDDEN", "Forbidden", nil

	case errors.Is(err, pending.ErrNotFound),
		errors.Is(err, catalog.ErrWorkNotFound),
		errors.Is(err, catalog.ErrPageNotFound),
		errors.Is(err, catalog.ErrBackupNotFound),
		errors.Is(err, gitrepo.ErrNotFound),
		errors.Is(err, gitrepo.ErrUnknownRevision),
		errors.Is(err, authpw.ErrUserNotFound),
		errors.Is(err, authpw.ErrRegistrationNotFound):
		return http.StatusNotFound, "NOT_FOUND", err.Error(), nil

	case errors.Is(err, pending.ErrAlreadyReviewed),
		errors.Is(err, authpw.ErrRegistrationReviewed),
		errors.Is(err, authpw.ErrUserExists),
		errors.Is(err, authpw.ErrLastAdmin),
		errors.Is(err, people.ErrRefreshRunning):
		return http.StatusConflict, "CONFLICT", err.Error(), nil

	case errors.Is(err, pending.ErrInvalidEdit),
		errors.Is(err, catalog.ErrInvalidWorkID),
		errors.Is(err, gitrepo.ErrInvalidPath),
		errors.Is(err, authpw.ErrWeakPassword),
		errors.Is(err, authpw.ErrPasswordTooLong),
		errors.Is(err, authpw.ErrInvalidInput),
		errors.Is(err, authpw.ErrInvalidRole),
		errors.Is(err, authpw.ErrInviteInvalid):
		return http.StatusBadRequest, "VALIDATION_ERROR", err.Error(), nil

	case errors.Is(err, search.ErrUnavailable),
		errors.Is(err, search.ErrTaskTimeout),
		errors.Is(err, people.ErrLookupFailed):
		return http.StatusServiceUnavailable, "EXTERNAL_SERVICE_ERROR", err.Error(), nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
