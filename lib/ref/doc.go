// Copyright 2026 The Anteroom Authors
// SPDX-License-Identifier: Apache-2.0

// Package ref provides validated value types for platform identifiers.
//
// Anteroom never constructs room or event identifiers itself; they
// come from the homeserver via room creation, /sync responses, and
// message sends, and are parsed into these types at the boundary.
// [UserID], [RoomID], and [EventID] are immutable value types whose
// zero value is "unset"; use IsZero to check. All three implement
// encoding.TextMarshaler/TextUnmarshaler so they validate themselves
// when decoded from JSON.
package ref
