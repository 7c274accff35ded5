package app

import (
	"errors"
	"fmt"
	"net/http"

	"facilityops/api/internal/archive"
	"facilityops/api/internal/auth"
	"facilityops/api/internal/authpw"
	"facilityops/api/internal/session"
	"facilityops/api/internal/store"
	"facilityops/api/internal/workflow"
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

var errForbidden = domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)

func mapError(err error) (status int, code, message string, details any) {
	var (
		domainErr *DomainError
		conflict  *workflow.ConflictError
		invalid   *workflow.ValidationError
	)
	switch {
	case errors.As(err, &domainErr):
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details

	// Faults first: a rolled back operation may wrap any cause.
	case errors.Is(err, workflow.ErrTransactionAborted):
		return http.StatusInternalServerError, "OPERATION_FAILED", "The operation failed and was rolled back", nil

	case errors.As(err, &conflict):
		code := "EDITED_BY_OTHER"
		if conflict.Status == workflow.DeletedByOther {
			code = "DELETED_BY_OTHER"
		}
		return http.StatusConflict, code, conflict.Error(), map[string]any{
			"editStatus": int(conflict.Status),
			"ownerName":  conflict.OwnerName,
			"version":    conflict.Version,
		}
	case errors.As(err, &invalid):
		return http.StatusUnprocessableEntity, "VALIDATION_ERROR", "Validation failed", map[string]any{"fields": invalid.Fields}
	case errors.Is(err, workflow.ErrIllegalTransition):
		return http.StatusConflict, "ILLEGAL_TRANSITION", err.Error(), nil
	case errors.Is(err, workflow.ErrSameApprover):
		return http.StatusConflict, "SAME_APPROVER", err.Error(), nil
	case errors.Is(err, workflow.ErrNothingPublished):
		return http.StatusConflict, "NOTHING_PUBLISHED", err.Error(), nil
	case errors.Is(err, workflow.ErrNotFound), errors.Is(err, store.ErrNotFound), errors.Is(err, archive.ErrNoSuchRevision):
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil

	case errors.Is(err, auth.ErrInvalidToken), errors.Is(err, auth.ErrExpiredToken), errors.Is(err, session.ErrSessionNotFound):
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	case errors.Is(err, authpw.ErrInvalidCredentials):
		return http.StatusUnauthorized, "INVALID_CREDENTIALS", err.Error(), nil
	case errors.Is(err, authpw.ErrDeactivated):
		return http.StatusForbidden, "ACCOUNT_DEACTIVATED", err.Error(), nil
	case errors.Is(err, authpw.ErrMissingFields), errors.Is(err, authpw.ErrWeakPassword), errors.Is(err, authpw.ErrUnknownRole):
		return http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil
	case errors.Is(err, authpw.ErrInvalidResetToken):
		return http.StatusBadRequest, "INVALID_RESET_TOKEN", err.Error(), nil
	case errors.Is(err, store.ErrEmailTaken):
		return http.StatusConflict, "EMAIL_EXISTS", "Email already registered", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
