package app

import (
	"errors"
	"fmt"
	"net/http"
)

type ErrorKind string

const (
	KindUnauthenticated ErrorKind = "unauthenticated"
	KindUnauthorized    ErrorKind = "unauthorized"
	KindConflict        ErrorKind = "conflict"
	KindValidation      ErrorKind = "validation"
	KindNotFound        ErrorKind = "not_found"
	KindExternalFailure ErrorKind = "external_failure"
)

type DomainError struct {
	Kind    ErrorKind
	Status  int
	Code    string
	Message string
	Details any
	Err     error
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *DomainError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func domainError(kind ErrorKind, status int, code, message string, details any) *DomainError {
	return &DomainError{
		Kind:    kind,
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

func unauthenticated(message string) *DomainError {
	return domainError(KindUnauthenticated, http.StatusUnauthorized, "UNAUTHENTICATED", message, nil)
}

func unauthorized(message string) *DomainError {
	return domainError(KindUnauthorized, http.StatusForbidden, "UNAUTHORIZED", message, nil)
}

func conflict(message string) *DomainError {
	return domainError(KindConflict, http.StatusConflict, "CONFLICT", message, nil)
}

func validationError(message string, details any) *DomainError {
	return domainError(KindValidation, http.StatusUnprocessableEntity, "VALIDATION_ERROR", message, details)
}

func notFound(message string) *DomainError {
	return domainError(KindNotFound, http.StatusNotFound, "NOT_FOUND", message, nil)
}

// externalFailure names the stage that failed so a partial multi-step
// operation can be diagnosed and retried.
func externalFailure(stage string, err error) *DomainError {
	e := domainError(KindExternalFailure, http.StatusBadGateway, "EXTERNAL_FAILURE",
		"A backing service failed during "+stage, map[string]any{"stage": stage})
	e.Err = err
	return e
}

// IsKind reports whether err carries a DomainError of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var domainErr *DomainError
	return errors.As(err, &domainErr) && domainErr.Kind == kind
}
