// Package engine implements the posting engine: a pool of nntp.Connections
// fed by a bounded FIFO queue, with retry policy on transient failure. It
// is a direct port of the original post2usenet usenet class (usenet.hpp/
// usenet.cc) to Go's goroutine-per-connection model: where the original
// dispatches callbacks through a shared asio::io_service, this package
// gives each Connection its own goroutine and decouples callback delivery
// through a small dispatcher pool sized by IOThreads, managed with
// golang.org/x/sync/errgroup the way the teacher's engine manages its
// worker pool lifecycle.
package engine

import (
	"time"

	"github.com/nzbpost/nzbpost/internal/nntp"
	"github.com/nzbpost/nzbpost/internal/segment"
)

type commandKind int

const (
	cmdKindPost commandKind = iota
	cmdKindStat
)

// command is a QueuedCommand: work bound to "whichever connection next
// becomes idle" per spec.md §4.4.
type command struct {
	kind    commandKind
	article segment.Article
	msgid   string
}

// Callbacks is the observability surface set before Start, read-only
// thereafter — the Go equivalent of the original's m_slot_* handler
// members. Each is invoked on a dispatcher goroutine, never on the
// connection goroutine that produced the result, so a slow callback
// does not stall that connection's next command until the dispatch
// channel's 64-entry buffer is full; then the connection blocks until a
// slot frees.
type Callbacks struct {
	OnPostFinished func(article segment.Article)
	OnPostFailed   func(article segment.Article, err error)
	OnStatFinished func(msgid string, result nntp.StatResult)
}

// Config parameterises a new Engine.
type Config struct {
	// MaxQueueSize bounds the pending-command FIFO; 0 means unbounded.
	MaxQueueSize int
	// MaxRetries is the ceiling for a SegmentKey's retry counter before
	// the article is escalated as a fatal, dumped failure.
	MaxRetries int
	// IOThreads sizes the callback-dispatcher pool. 1 is fine; it exists
	// so operators with many connections can parallelize callback work
	// the way --iothreads did for the original's executor.
	IOThreads int
	// OperationTimeout bounds every individual connect/post/stat
	// round-trip, replacing the original's per-operation deadline_timer.
	OperationTimeout time.Duration
	// DumpDir receives a <msgid>.dump file for every article that
	// exhausts MaxRetries.
	DumpDir string
	// PostsPerSecond caps the whole pool's POST dispatch rate when > 0,
	// an operator knob several posting tools expose; 0 means unlimited,
	// matching spec.md's silence on rate limiting.
	PostsPerSecond float64
	Callbacks      Callbacks
}
