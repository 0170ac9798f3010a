package models

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrKindRetryable(t *testing.T) {
	retryable := []ErrKind{ErrChecksumMismatch, ErrNetworkFailure, ErrConnectionTimeout}
	for _, k := range retryable {
		assert.True(t, k.Retryable(), "%s", k)
	}

	final := []ErrKind{
		ErrNone, ErrAuthFailed, ErrFileNotFound, ErrFileAccessDenied,
		ErrInsufficientSpace, ErrTransferCancelled, ErrProtocolError,
		ErrDeviceNotFound, ErrInvalidRequest, ErrUnsupportedVersion,
	}
	for _, k := range final {
		assert.False(t, k.Retryable(), "%s", k)
	}
}

func TestKindError(t *testing.T) {
	err := NewKindError(ErrFileNotFound, "stat %q", "/tmp/missing")
	assert.Equal(t, `file_not_found: stat "/tmp/missing"`, err.Error())
	assert.Equal(t, ErrFileNotFound, KindOf(err))

	bare := &KindError{Kind: ErrTransferCancelled}
	assert.Equal(t, "transfer_cancelled", bare.Error())
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, ErrNone, KindOf(nil))

	// Wrapped KindErrors still classify.
	wrapped := fmt.Errorf("send file: %w", NewKindError(ErrChecksumMismatch, "chunk at %d", 4096))
	assert.Equal(t, ErrChecksumMismatch, KindOf(wrapped))

	// Unclassified errors default to a network failure.
	assert.Equal(t, ErrNetworkFailure, KindOf(errors.New("connection reset")))
}

func TestErrKindString(t *testing.T) {
	assert.Equal(t, "none", ErrNone.String())
	assert.Equal(t, "checksum_mismatch", ErrChecksumMismatch.String())
	assert.Contains(t, ErrKind(200).String(), "err_kind")
}
