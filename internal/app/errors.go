package app

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"

	"pipecd/api/internal/auth"
	"pipecd/api/internal/store"
	"pipecd/api/internal/validate"
)

// Kind is the closed set of failure codes a caller can see.
type Kind string

const (
	KindUnauthenticated Kind = "UNAUTHENTICATED"
	KindForbidden       Kind = "FORBIDDEN"
	KindBadUserInput    Kind = "BAD_USER_INPUT"
	KindNotFound        Kind = "NOT_FOUND"
	KindConflict        Kind = "CONFLICT"
	KindInternal        Kind = "INTERNAL_SERVER_ERROR"
)

// SQLSTATE codes beyond the ones the memory store also raises.
const (
	sqlNotNullViolation = "23502"
	sqlCheckViolation   = "23514"
	sqlInvalidText      = "22P02"
	sqlInvalidDatetime  = "22007"
	sqlDatetimeOverflow = "22008"
)

// Error is the only failure shape that reaches the wire. Diagnostic and
// Cause stay server side unless diagnostics are exposed.
type Error struct {
	Kind       Kind
	Message    string
	Details    map[string]any
	Diagnostic string
	Cause      error

	exposeDiagnostic bool
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Extensions feeds the GraphQL error "extensions" object.
func (e *Error) Extensions() map[string]any {
	ext := map[string]any{"code": string(e.Kind)}
	if len(e.Details) > 0 {
		ext["details"] = e.Details
	}
	if e.exposeDiagnostic && e.Diagnostic != "" {
		ext["diagnostic"] = e.Diagnostic
	}
	return ext
}

func (e *Error) withDiagnostic() *Error {
	exposed := *e
	exposed.exposeDiagnostic = true
	return &exposed
}

func newError(kind Kind, message string, details map[string]any) *Error {
	return &Error{Kind: kind, Message: message, Details: details}
}

func errUnauthenticated() *Error {
	return newError(KindUnauthenticated, "You must be signed in to perform this action.", nil)
}

func errForbidden(capability string) *Error {
	return newError(KindForbidden, "You do not have permission to perform this action.", map[string]any{"capability": capability})
}

func errNotFound(label, id string) *Error {
	return newError(KindNotFound, label+" not found.", map[string]any{"id": id})
}

func internalError(action string, cause error) *Error {
	e := newError(KindInternal, fmt.Sprintf("An unexpected error occurred during %s.", action), nil)
	if cause != nil {
		e.Diagnostic = cause.Error()
		e.Cause = cause
	}
	return e
}

// Classify turns any failure into an *Error. The first matching rule wins:
// validation, already classified, store codes, credential errors, then
// internal. It never returns nil for a non-nil err.
func Classify(err error, action string) *Error {
	if err == nil {
		return nil
	}

	var verr *validate.Error
	if errors.As(err, &verr) {
		return newError(KindBadUserInput, verr.Error(), map[string]any{"fields": verr.Fields()})
	}

	var classified *Error
	if errors.As(err, &classified) {
		if classified.Kind == KindInternal {
			diagnostic := classified.Diagnostic
			if diagnostic == "" {
				diagnostic = classified.Message
			}
			e := internalError(action, classified.Cause)
			e.Diagnostic = diagnostic
			return e
		}
		return classified
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if e := classifyStoreError(pgErr); e != nil {
			e.Diagnostic = pgErr.Error()
			e.Cause = err
			return e
		}
	}

	if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken) || errors.Is(err, auth.ErrRevokedToken) {
		e := errUnauthenticated()
		e.Cause = err
		return e
	}

	return internalError(action, err)
}

func classifyStoreError(pgErr *pgconn.PgError) *Error {
	details := map[string]any{}
	if pgErr.ConstraintName != "" {
		details["constraint"] = pgErr.ConstraintName
	}
	if pgErr.ColumnName != "" {
		details["field"] = pgErr.ColumnName
	}
	if len(details) == 0 {
		details = nil
	}

	switch pgErr.Code {
	case store.CodeUniqueViolation:
		return newError(KindConflict, "A record with the same unique values already exists.", details)
	case store.CodeInsufficientPrivs:
		return newError(KindForbidden, "You do not have permission to perform this action.", details)
	case store.CodeForeignKeyViolation:
		return newError(KindBadUserInput, "Invalid input: a referenced record does not exist.", details)
	case sqlNotNullViolation:
		return newError(KindBadUserInput, "Invalid input: a required field is missing.", details)
	case sqlCheckViolation, sqlInvalidText, sqlInvalidDatetime, sqlDatetimeOverflow:
		return newError(KindBadUserInput, "Invalid input: a value has the wrong format.", details)
	}
	return nil
}
