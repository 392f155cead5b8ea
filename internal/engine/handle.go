package engine

import "github.com/nzbpost/nzbpost/internal/nntp"

// handle is a stable identity for one pool connection, standing in for
// the original's std::list<connection_handle>::iterator. Go has no
// splice-to-iterator primitive, so the pool is addressed by these
// integers into the conns map instead of by list position.
type handle int

type connSlot struct {
	h    handle
	conn *nntp.Connection
	info nntp.ServerInfo
	// work delivers a command directly to this connection's goroutine
	// when it is handed off while already idle in the ready set.
	// Closed (not sent on) to wake a parked connection during shutdown.
	work chan command
}
