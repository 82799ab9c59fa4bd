package app

import (
	"errors"
	"fmt"
	"net/http"

	"thesis/api/internal/domain"
	"thesis/api/internal/export"
	"thesis/api/internal/filestore"
	"thesis/api/internal/review"
	"thesis/api/internal/store"
)

// Stable failure codes surfaced to callers.
const (
	CodeValidation   = "VALIDATION_ERROR"
	CodeNotFound     = "NOT_FOUND"
	CodeInvalidState = "INVALID_STATE"
	CodeConflict     = "CONFLICT"

	CodeUnauthorized = "UNAUTHORIZED"
	CodeForbidden    = "FORBIDDEN"
	CodeInvalidBody  = "INVALID_BODY"
	CodeServerError  = "SERVER_ERROR"
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

func validationError(message string, details any) *DomainError {
	return domainError(http.StatusUnprocessableEntity, CodeValidation, message, details)
}

func notFoundError(message string) *DomainError {
	return domainError(http.StatusNotFound, CodeNotFound, message, nil)
}

func invalidStateError(message string) *DomainError {
	return domainError(http.StatusConflict, CodeInvalidState, message, nil)
}

func conflictError(message string) *DomainError {
	return domainError(http.StatusConflict, CodeConflict, message, nil)
}

func forbiddenError(message string) *DomainError {
	return domainError(http.StatusForbidden, CodeForbidden, message, nil)
}

// translate maps package sentinels onto the four caller-facing error kinds.
// Errors it does not recognize pass through and surface as SERVER_ERROR.
func translate(err error) error {
	if err == nil {
		return nil
	}
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr
	}
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, filestore.ErrNotFound):
		return notFoundError(err.Error())
	case errors.Is(err, review.ErrInvalidState),
		errors.Is(err, store.ErrStateChanged),
		errors.Is(err, store.ErrNotTrashed):
		return invalidStateError(err.Error())
	case errors.Is(err, store.ErrApprovedImmutable),
		errors.Is(err, store.ErrProtected),
		errors.Is(err, store.ErrVersionConflict):
		return conflictError(err.Error())
	case errors.Is(err, domain.ErrInvalidUnitType),
		errors.Is(err, domain.ErrInvalidStatus),
		errors.Is(err, domain.ErrInvalidDecision),
		errors.Is(err, domain.ErrInvalidBulkAction),
		errors.Is(err, domain.ErrInvalidEntityKind),
		errors.Is(err, domain.ErrReservedPartName),
		errors.Is(err, review.ErrCommentRequired),
		errors.Is(err, review.ErrInvalidRequest),
		errors.Is(err, filestore.ErrEmptyFile),
		errors.Is(err, export.ErrUnsupportedFormat):
		return validationError(err.Error(), nil)
	}
	return err
}
