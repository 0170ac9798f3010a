package models

import (
	"errors"
	"fmt"
)

// ErrKind is the transfer error taxonomy shared across the wire protocol,
// the session table, and the facade callbacks.
type ErrKind uint8

const (
	ErrNone ErrKind = iota
	ErrNetworkFailure
	ErrConnectionTimeout
	ErrAuthFailed
	ErrFileNotFound
	ErrFileAccessDenied
	ErrInsufficientSpace
	ErrTransferCancelled
	ErrProtocolError
	ErrChecksumMismatch
	ErrDeviceNotFound
	ErrInvalidRequest
	ErrUnsupportedVersion
)

// String returns the canonical error kind name.
func (k ErrKind) String() string {
	switch k {
	case ErrNone:
		return "none"
	case ErrNetworkFailure:
		return "network_failure"
	case ErrConnectionTimeout:
		return "connection_timeout"
	case ErrAuthFailed:
		return "auth_failed"
	case ErrFileNotFound:
		return "file_not_found"
	case ErrFileAccessDenied:
		return "file_access_denied"
	case ErrInsufficientSpace:
		return "insufficient_space"
	case ErrTransferCancelled:
		return "transfer_cancelled"
	case ErrProtocolError:
		return "protocol_error"
	case ErrChecksumMismatch:
		return "checksum_mismatch"
	case ErrDeviceNotFound:
		return "device_not_found"
	case ErrInvalidRequest:
		return "invalid_request"
	case ErrUnsupportedVersion:
		return "unsupported_version"
	default:
		return fmt.Sprintf("err_kind(%d)", uint8(k))
	}
}

// Retryable reports whether an operation that failed with this kind may be
// retried internally. Checksum mismatches on a single chunk are transient;
// authentication, version, and permission failures are final.
func (k ErrKind) Retryable() bool {
	switch k {
	case ErrChecksumMismatch, ErrNetworkFailure, ErrConnectionTimeout:
		return true
	default:
		return false
	}
}

// KindError carries an ErrKind across internal boundaries as a plain error.
type KindError struct {
	Kind    ErrKind
	Message string
}

// Error implements the error interface.
func (e *KindError) Error() string {
	if e.Message == "" {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// NewKindError builds a KindError with a formatted message.
func NewKindError(kind ErrKind, format string, args ...any) *KindError {
	return &KindError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// KindOf extracts the taxonomy kind from an error, defaulting to
// ErrNetworkFailure for unclassified transport failures.
func KindOf(err error) ErrKind {
	if err == nil {
		return ErrNone
	}
	var kerr *KindError
	if errors.As(err, &kerr) {
		return kerr.Kind
	}
	return ErrNetworkFailure
}
