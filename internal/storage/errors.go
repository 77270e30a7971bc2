// Package storage defines the interfaces and option types for the durable
// record of frames, text blocks, windows, and summaries. The concrete SQLite
// implementation lives in the sqlite sub-package.
package storage

import "errors"

// ErrNotFound indicates the requested record does not exist.
var ErrNotFound = errors.New("record not found")

// ErrInvalidInput indicates the caller passed invalid or missing data.
var ErrInvalidInput = errors.New("invalid input")

// ErrClosed indicates an operation was attempted on a closed store.
var ErrClosed = errors.New("store is closed")
