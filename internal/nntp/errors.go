package nntp

import "errors"

var (
	// ErrNotIdle is returned when a caller issues a second operation on a
	// Connection that already has one in flight — the original's
	// "only one outstanding command per connection" invariant
	// (connection.cc's m_state == BUSY guard).
	ErrNotIdle = errors.New("nntp: connection has an operation in flight")

	// ErrClosed is returned by any operation attempted after Close.
	ErrClosed = errors.New("nntp: connection closed")

	// ErrTimeout wraps a deadline exceeded on the underlying conn.
	ErrTimeout = errors.New("nntp: operation timed out")
)
