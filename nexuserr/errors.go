// Package nexuserr provides unified error handling for the store engine.
package nexuserr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for recovery routing.
type Kind string

const (
	KindNotFound       Kind = "not_found"
	KindNetwork        Kind = "network"
	KindTimeout        Kind = "timeout"
	KindValidation     Kind = "validation"
	KindConflict       Kind = "conflict"
	KindSync           Kind = "sync"
	KindAuthentication Kind = "authentication"
	KindAuthorization  Kind = "authorization"
	KindTransaction    Kind = "transaction"
	KindEncryption     Kind = "encryption"
	KindDecryption     Kind = "decryption"
	KindNotReady       Kind = "not_ready"
	KindUnknown        Kind = "unknown"
)

// ErrorCode represents a unique error code
type ErrorCode string

const (
	// Authentication errors (1xxx)
	ErrCodeUnauthenticated ErrorCode = "AUTH_1001"

	// Authorization errors (2xxx)
	ErrCodeForbidden ErrorCode = "AUTHZ_2001"

	// Validation errors (3xxx)
	ErrCodeInvalidInput ErrorCode = "VAL_3001"

	// Resource errors (4xxx)
	ErrCodeNotFound ErrorCode = "RES_4001"
	ErrCodeConflict ErrorCode = "RES_4002"

	// Service errors (5xxx)
	ErrCodeNetwork     ErrorCode = "SVC_5001"
	ErrCodeTimeout     ErrorCode = "SVC_5002"
	ErrCodeSync        ErrorCode = "SVC_5003"
	ErrCodeTransaction ErrorCode = "SVC_5004"
	ErrCodeUnknown     ErrorCode = "SVC_5999"

	// Cryptographic errors (6xxx)
	ErrCodeEncryptionFailed ErrorCode = "CRYPTO_6001"
	ErrCodeDecryptionFailed ErrorCode = "CRYPTO_6002"

	// Lifecycle errors (7xxx)
	ErrCodeNotReady ErrorCode = "LIFE_7001"
)

// Error represents a structured store error with kind, code and operation context.
type Error struct {
	Kind    Kind           `json:"kind"`
	Code    ErrorCode      `json:"code"`
	Message string         `json:"message"`
	Op      string         `json:"op,omitempty"`
	Entity  string         `json:"entity,omitempty"`
	Key     string         `json:"key,omitempty"`
	Attempt int            `json:"attempt,omitempty"`
	Details map[string]any `json:"details,omitempty"`
	Err     error          `json:"-"`
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Err
}

// WithDetail adds an additional detail to the error
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// WithOp records the operation that produced the error.
func (e *Error) WithOp(op, entity string) *Error {
	e.Op = op
	e.Entity = entity
	return e
}

// WithKey records the id or query key the operation targeted.
func (e *Error) WithKey(key string) *Error {
	e.Key = key
	return e
}

// WithAttempt records the attempt number inside a retry loop.
func (e *Error) WithAttempt(n int) *Error {
	e.Attempt = n
	return e
}

// New creates a new Error
func New(kind Kind, code ErrorCode, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

// Wrap wraps an existing error with an Error
func Wrap(kind Kind, code ErrorCode, message string, err error) *Error {
	return &Error{Kind: kind, Code: code, Message: message, Err: err}
}

// Kind constructors

func NotFound(entity, key string) *Error {
	return New(KindNotFound, ErrCodeNotFound, "item not found").
		WithOp("get", entity).WithKey(key)
}

func Network(op string, err error) *Error {
	return Wrap(KindNetwork, ErrCodeNetwork, "remote operation failed", err).
		WithDetail("operation", op)
}

func Timeout(op string) *Error {
	return New(KindTimeout, ErrCodeTimeout, "operation timed out").
		WithDetail("operation", op)
}

func Validation(field, reason string) *Error {
	return New(KindValidation, ErrCodeInvalidInput, "validation failed").
		WithDetail("field", field).
		WithDetail("reason", reason)
}

func Conflict(message string) *Error {
	return New(KindConflict, ErrCodeConflict, message)
}

func Sync(message string, err error) *Error {
	return Wrap(KindSync, ErrCodeSync, message, err)
}

func Unauthenticated(message string) *Error {
	return New(KindAuthentication, ErrCodeUnauthenticated, message)
}

func Forbidden(message string) *Error {
	return New(KindAuthorization, ErrCodeForbidden, message)
}

func Transaction(message string, err error) *Error {
	return Wrap(KindTransaction, ErrCodeTransaction, message, err)
}

func EncryptionFailed(err error) *Error {
	return Wrap(KindEncryption, ErrCodeEncryptionFailed, "encryption failed", err)
}

func DecryptionFailed(err error) *Error {
	return Wrap(KindDecryption, ErrCodeDecryptionFailed, "decryption failed", err)
}

func NotReady(state string) *Error {
	return New(KindNotReady, ErrCodeNotReady, "store is not ready").
		WithDetail("state", state)
}

func Unknown(err error) *Error {
	return Wrap(KindUnknown, ErrCodeUnknown, "unexpected failure", err)
}

// Helper functions

// As extracts an *Error from an error chain.
func As(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return nil
}

// KindOf returns the kind of an error, or KindUnknown for foreign errors.
func KindOf(err error) Kind {
	if e := As(err); e != nil {
		return e.Kind
	}
	return KindUnknown
}

// DefaultRetryableKinds is the set recovered inside the sync loop and
// background revalidation.
var DefaultRetryableKinds = []Kind{KindNetwork, KindTimeout}

// IsRetryable reports whether err belongs to one of the given kinds.
// A nil or empty kinds slice means the default retryable set.
func IsRetryable(err error, kinds ...Kind) bool {
	if len(kinds) == 0 {
		kinds = DefaultRetryableKinds
	}
	k := KindOf(err)
	for _, rk := range kinds {
		if k == rk {
			return true
		}
	}
	return false
}
