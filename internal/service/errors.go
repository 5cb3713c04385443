package service

import (
	"errors"
	"fmt"
)

// --- Upload Error Definitions ---
var (
	ErrValidation          = errors.New("validation failed")
	ErrEmptyChunk          = fmt.Errorf("%w: chunk body is empty", ErrValidation)
	ErrSessionNotFound     = errors.New("upload session not found")
	ErrSessionComplete     = errors.New("upload session is already complete")
	ErrSessionBusy         = errors.New("upload session is being reassembled")
	ErrUploadIncomplete    = errors.New("upload is not complete")
	ErrAllocationExhausted = errors.New("could not allocate a staging name")
	ErrStorage             = errors.New("storage error")
	ErrReassembly          = errors.New("reassembly failed")
)

func validationError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

func storageError(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrStorage, op, err)
}
