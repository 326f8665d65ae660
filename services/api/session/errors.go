// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package session

import "errors"

var (
	// ErrPoolExhausted is returned by Acquire when no session became
	// available within the wait timeout.
	ErrPoolExhausted = errors.New("session pool exhausted")

	// ErrClosed is returned by Acquire after Close.
	ErrClosed = errors.New("session factory closed")

	// ErrUnsupportedURL is returned by ParseURL for unknown schemes.
	ErrUnsupportedURL = errors.New("unsupported database url")
)
