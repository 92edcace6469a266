package models

import "errors"

// Error kinds shared by every stage. Callers wrap them with context and
// test with errors.Is.
var (
	// ErrInvalidInput reports a missing input file or an unsupported extension
	ErrInvalidInput = errors.New("invalid input")

	// ErrInvalidParameter reports a parameter outside its valid domain
	ErrInvalidParameter = errors.New("invalid parameter")

	// ErrOverwriteDenied reports that the user declined to replace an output
	ErrOverwriteDenied = errors.New("overwrite denied")

	// ErrIOFailure reports a read or write failure at the storage boundary
	ErrIOFailure = errors.New("i/o failure")
)
