// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package routegroup

import (
	"errors"
	"fmt"
)

var (
	// ErrDuplicatePrefix is returned when a group reuses a registered prefix.
	ErrDuplicatePrefix = errors.New("duplicate route group prefix")

	// ErrDuplicateTag is returned when a group reuses a registered tag.
	ErrDuplicateTag = errors.New("duplicate route group tag")

	// ErrInvalidPrefix is returned for empty prefixes, prefixes that do not
	// start with "/", and prefixes containing path parameters or whitespace.
	ErrInvalidPrefix = errors.New("invalid route group prefix")

	// ErrInvalidTag is returned for an empty tag.
	ErrInvalidTag = errors.New("invalid route group tag")

	// ErrNilProvider is returned when a group has no provider.
	ErrNilProvider = errors.New("route group has no provider")
)

// RegistrationError describes why a group was rejected by the registry.
//
// # Fields
//
//   - Group: Name of the group being registered.
//   - Conflict: Name of the already-registered group it collides with.
//     Empty for validation failures.
//   - Value: The offending prefix or tag.
//   - Err: One of the sentinel errors above; use errors.Is to match.
type RegistrationError struct {
	Group    string
	Conflict string
	Value    string
	Err      error
}

// Error implements error.
func (e *RegistrationError) Error() string {
	if e.Conflict != "" {
		return fmt.Sprintf("register route group %q: %v %q (already used by %q)",
			e.Group, e.Err, e.Value, e.Conflict)
	}
	return fmt.Sprintf("register route group %q: %v %q", e.Group, e.Err, e.Value)
}

// Unwrap returns the sentinel error.
func (e *RegistrationError) Unwrap() error {
	return e.Err
}

var _ error = (*RegistrationError)(nil)
