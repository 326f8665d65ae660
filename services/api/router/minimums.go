// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package router

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrBelowMinimum is returned when a tag has fewer routes than required.
var ErrBelowMinimum = errors.New("route count below minimum")

// Shortfall is one tag that did not meet its minimum.
type Shortfall struct {
	Tag     string `json:"tag"`
	Have    int    `json:"have"`
	Minimum int    `json:"minimum"`
}

// MinimumError lists every tag below its minimum, sorted by tag.
type MinimumError struct {
	Shortfalls []Shortfall
}

// Error implements error.
func (e *MinimumError) Error() string {
	parts := make([]string, len(e.Shortfalls))
	for i, s := range e.Shortfalls {
		parts[i] = fmt.Sprintf("%s has %d, needs %d", s.Tag, s.Have, s.Minimum)
	}
	return fmt.Sprintf("%v: %s", ErrBelowMinimum, strings.Join(parts, "; "))
}

// Unwrap returns ErrBelowMinimum.
func (e *MinimumError) Unwrap() error { return ErrBelowMinimum }

// CheckMinimums compares the table's per-tag counts with minimums and
// returns every shortfall. Tags missing from the table count as zero.
func CheckMinimums(t *Table, minimums map[string]int) []Shortfall {
	counts := t.Introspect()
	var out []Shortfall
	for tag, want := range minimums {
		if have := counts[tag]; have < want {
			out = append(out, Shortfall{Tag: tag, Have: have, Minimum: want})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Tag < out[j].Tag })
	return out
}

// VerifyMinimums enforces the deployment health contract.
//
// # Description
//
// Returns nil when every tag in minimums has at least that many routes.
// Otherwise returns a *MinimumError wrapping ErrBelowMinimum; the server
// refuses to start in that case.
func VerifyMinimums(t *Table, minimums map[string]int) error {
	if short := CheckMinimums(t, minimums); len(short) > 0 {
		return &MinimumError{Shortfalls: short}
	}
	return nil
}
