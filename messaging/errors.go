// Copyright 2026 The Anteroom Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"errors"
	"fmt"
)

// MatrixError is a structured error response from the homeserver.
// Callers use errors.As (or the helpers below) to branch on the code:
//
//	if messaging.IsMatrixError(err, messaging.ErrCodeNotFound) { ... }
type MatrixError struct {
	// Code is the Matrix error code (e.g., "M_FORBIDDEN").
	Code string `json:"errcode"`
	// Message is the human-readable description from the server.
	Message string `json:"error"`
	// StatusCode is the HTTP status of the response.
	StatusCode int `json:"-"`
}

func (e *MatrixError) Error() string {
	return fmt.Sprintf("matrix: %s (%d): %s", e.Code, e.StatusCode, e.Message)
}

// Standard Matrix error codes.
const (
	ErrCodeForbidden     = "M_FORBIDDEN"
	ErrCodeUnknownToken  = "M_UNKNOWN_TOKEN"
	ErrCodeNotFound      = "M_NOT_FOUND"
	ErrCodeLimitExceeded = "M_LIMIT_EXCEEDED"
	ErrCodeUnknown       = "M_UNKNOWN"
)

// IsMatrixError reports whether err is a *MatrixError with the given code.
func IsMatrixError(err error, code string) bool {
	var matrixErr *MatrixError
	return errors.As(err, &matrixErr) && matrixErr.Code == code
}

// IsNotFound reports whether err indicates a missing room, event, or
// state entry. Stale panel handles surface this way after a restart.
func IsNotFound(err error) bool {
	return IsMatrixError(err, ErrCodeNotFound)
}

// IsForbidden reports whether the server rejected the call for lack of
// permission.
func IsForbidden(err error) bool {
	return IsMatrixError(err, ErrCodeForbidden)
}
