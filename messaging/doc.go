// Copyright 2026 The Anteroom Authors
// SPDX-License-Identifier: Apache-2.0

// Package messaging wraps the slice of the Matrix client-server API
// that Anteroom needs.
//
// [Client] is an unauthenticated client holding the homeserver URL and
// HTTP transport. [Client.Login] and [Client.SessionFromToken] produce
// an authenticated [Session] for room management (create, join, leave,
// invite, kick), messaging (idempotent sends via transaction IDs,
// event fetch), state events, membership listing, and incremental
// /sync with long-polling.
//
// All API errors are returned as [*MatrixError] carrying the standard
// Matrix error code (M_FORBIDDEN, M_NOT_FOUND, ...) and HTTP status.
// [IsMatrixError] tests for a specific code. Request URLs are built by
// string concatenation rather than url.URL to avoid double-encoding of
// path segments.
package messaging
