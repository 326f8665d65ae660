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
	"strings"
	"sync"
)

// Registry holds route groups in registration order.
//
// # Description
//
// Registry rejects any group whose normalized prefix or tag is already
// taken. Uniqueness violations are configuration errors: callers should
// refuse to start serving when Register fails.
//
// # Thread Safety
//
// Safe for concurrent use, although in practice it is filled by a single
// goroutine during start-up and only read afterwards.
type Registry struct {
	mu       sync.RWMutex
	groups   []RouteGroup
	prefixes map[string]string
	tags     map[string]string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		prefixes: make(map[string]string),
		tags:     make(map[string]string),
	}
}

// Register validates and appends a group.
//
// # Inputs
//
//   - group: The group to add. Prefix must be non-empty and start with "/".
//
// # Outputs
//
//   - error: nil on success, otherwise a *RegistrationError wrapping
//     ErrDuplicatePrefix, ErrDuplicateTag, ErrInvalidPrefix, ErrInvalidTag
//     or ErrNilProvider. The registry is unchanged on error.
func (r *Registry) Register(group RouteGroup) error {
	if err := validate(group); err != nil {
		return err
	}

	prefix := group.NormalizedPrefix()
	tag := strings.TrimSpace(group.Tag)

	r.mu.Lock()
	defer r.mu.Unlock()

	if owner, taken := r.prefixes[prefix]; taken {
		return &RegistrationError{Group: group.Name, Conflict: owner, Value: prefix, Err: ErrDuplicatePrefix}
	}
	if owner, taken := r.tags[tag]; taken {
		return &RegistrationError{Group: group.Name, Conflict: owner, Value: tag, Err: ErrDuplicateTag}
	}

	group.Prefix = prefix
	group.Tag = tag
	r.groups = append(r.groups, group)
	r.prefixes[prefix] = group.Name
	r.tags[tag] = group.Name
	return nil
}

// RegisterAll registers groups in order and stops at the first failure.
func (r *Registry) RegisterAll(groups ...RouteGroup) error {
	for _, g := range groups {
		if err := r.Register(g); err != nil {
			return err
		}
	}
	return nil
}

// All returns a copy of the registered groups in registration order.
func (r *Registry) All() []RouteGroup {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]RouteGroup, len(r.groups))
	copy(out, r.groups)
	return out
}

// Len returns the number of registered groups.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.groups)
}

func validate(group RouteGroup) error {
	prefix := strings.TrimSpace(group.Prefix)
	if prefix == "" || !strings.HasPrefix(prefix, "/") || strings.ContainsAny(prefix, ":* \t\n") {
		return &RegistrationError{Group: group.Name, Value: group.Prefix, Err: ErrInvalidPrefix}
	}
	if strings.TrimSpace(group.Tag) == "" {
		return &RegistrationError{Group: group.Name, Value: group.Tag, Err: ErrInvalidTag}
	}
	if group.Provider == nil {
		return &RegistrationError{Group: group.Name, Err: ErrNilProvider}
	}
	return nil
}
