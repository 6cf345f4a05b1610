// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package crdt

import "errors"

// -----------------------------------------------------------------------------
// Document Errors
// -----------------------------------------------------------------------------

var (
	// ErrNoTransaction is returned when a Txn is used after its transaction
	// resolved. It is a protocol error and must not be retried.
	ErrNoTransaction = errors.New("no active transaction")

	// ErrDocumentClosed is returned by Transact and Merge after Close.
	ErrDocumentClosed = errors.New("document is closed")

	// ErrTransactionPanicked wraps a panic recovered from a transaction callback.
	ErrTransactionPanicked = errors.New("transaction callback panicked")

	// ErrPathNotFound is returned when a path does not resolve to a value.
	ErrPathNotFound = errors.New("path not found")

	// ErrNotContainer is returned when a path segment addresses a scalar or
	// the wrong kind of container.
	ErrNotContainer = errors.New("path does not address a container of the expected kind")

	// ErrIndexOutOfRange is returned for list indices outside the live range.
	ErrIndexOutOfRange = errors.New("list index out of range")

	// ErrRootImmutable is returned when a mutation targets the root itself.
	ErrRootImmutable = errors.New("root cannot be replaced or deleted")
)

// -----------------------------------------------------------------------------
// Operation Errors
// -----------------------------------------------------------------------------

var (
	// ErrInvalidID is returned when an ID cannot be parsed.
	ErrInvalidID = errors.New("invalid operation id")

	// ErrInvalidOperation is returned by Operation.Validate.
	ErrInvalidOperation = errors.New("invalid operation")
)
