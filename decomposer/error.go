// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package decomposer

import (
	"errors"
	"fmt"
)

// ErrorCode identifies a kind of error.
type ErrorCode int

// These constants are used to identify a specific Error.
const (
	// ErrNoDenominations indicates the denomination menu was empty or
	// held no amount usable under the configured output policy.
	ErrNoDenominations ErrorCode = iota

	// ErrInsufficientFunds indicates the input sum cannot pay for even the
	// cheapest denomination and its output fee.
	ErrInsufficientFunds

	// ErrInvalidConfig indicates the decomposer was constructed with an
	// unusable configuration.
	ErrInvalidConfig

	// ErrInvariantViolation indicates a decomposition failed its final
	// sanity checks.  This is a logic error in the decomposer, never a
	// problem with the caller's input.
	ErrInvariantViolation
)

// Map of ErrorCode values back to their constant names for pretty printing.
var errorCodeStrings = map[ErrorCode]string{
	ErrNoDenominations:    "ErrNoDenominations",
	ErrInsufficientFunds:  "ErrInsufficientFunds",
	ErrInvalidConfig:      "ErrInvalidConfig",
	ErrInvariantViolation: "ErrInvariantViolation",
}

// String returns the ErrorCode as a human-readable name.
func (e ErrorCode) String() string {
	if s := errorCodeStrings[e]; s != "" {
		return s
	}
	return fmt.Sprintf("Unknown ErrorCode (%d)", int(e))
}

// Error provides a single type for errors that can happen while decomposing
// an input sum.
type Error struct {
	ErrorCode   ErrorCode // Describes the kind of error
	Description string    // Human readable description of the issue
	Err         error     // Underlying error
}

// Error satisfies the error interface and prints human-readable errors.
func (e Error) Error() string {
	if e.Err != nil {
		return e.Description + ": " + e.Err.Error()
	}
	return e.Description
}

// Unwrap returns the underlying error, if any.
func (e Error) Unwrap() error {
	return e.Err
}

// decompError creates an Error given a set of arguments.
func decompError(c ErrorCode, desc string, err error) Error {
	return Error{ErrorCode: c, Description: desc, Err: err}
}

// IsErrorCode returns whether err is an Error with a matching error code.
func IsErrorCode(err error, c ErrorCode) bool {
	var e Error
	return errors.As(err, &e) && e.ErrorCode == c
}
