package core

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorTaxonomy(t *testing.T) {
	appErr := &ApplicationError{Message: "bad query"}
	nfErr := &NotFoundError{ObjectID: "obj/1"}
	stErr := &StorageError{Op: "replace", Err: errors.New("disk full")}
	opErr := &OperationNotAvailableError{Operation: "frobnicate"}

	assert.True(t, IsApplicationError(appErr))
	assert.False(t, IsApplicationError(nfErr))
	assert.True(t, IsNotFound(nfErr))
	assert.True(t, IsStorageError(stErr))
	assert.True(t, IsOperationNotAvailable(opErr))

	// Checks must see through wrapping.
	wrapped := fmt.Errorf("while searching: %w", appErr)
	assert.True(t, IsApplicationError(wrapped))
	assert.ErrorIs(t, stErr, stErr.Err, "StorageError must unwrap to its cause")
}

func TestErrorCode(t *testing.T) {
	assert.Equal(t, CodeApplicationError, ErrorCode(&ApplicationError{Message: "x"}))
	assert.Equal(t, CodeNotFound, ErrorCode(&NotFoundError{ObjectID: "o"}))
	assert.Equal(t, CodeOperationNotAvailable, ErrorCode(&OperationNotAvailableError{Operation: "op"}))
	assert.Equal(t, CodeStorageError, ErrorCode(errors.New("anything else")))
}
