package types

import (
	"errors"
	"fmt"
)

var (
	// ErrBatchNotFound is returned when a batch ID has no registry entry.
	ErrBatchNotFound = errors.New("batch not found")

	// ErrArchiveAlreadySet is returned when a batch already carries an archive reference.
	ErrArchiveAlreadySet = errors.New("archive reference already set")

	// ErrBatchNotDone is returned when archiving is attempted before the batch is done.
	ErrBatchNotDone = errors.New("batch is not done")

	// ErrValidation marks rejected ingestion requests.
	ErrValidation = errors.New("validation failed")

	// ErrStorage marks blob store failures.
	ErrStorage = errors.New("storage failure")

	// ErrQueue marks failures of the durable queue/registry layer.
	ErrQueue = errors.New("queue failure")

	// ErrLeaseLost is returned when a delivery's lease was reclaimed and the item
	// now belongs to another consumer.
	ErrLeaseLost = errors.New("delivery lease lost")
)

// Validation error codes surfaced to callers.
const (
	CodeOwnershipNotConfirmed = "ownership_not_confirmed"
	CodeNoFiles               = "no_files"
	CodeInvalidRange          = "invalid_range"
	CodeDuplicateFilename     = "duplicate_filename"
)

// ValidationError describes why an ingestion request was rejected.
type ValidationError struct {
	Code    string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is makes every ValidationError match ErrValidation.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// NewValidationError builds a ValidationError with a formatted message.
func NewValidationError(code, format string, args ...any) error {
	return &ValidationError{Code: code, Message: fmt.Sprintf(format, args...)}
}
