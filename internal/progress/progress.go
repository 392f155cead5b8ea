// Package progress prints human-readable posting progress to the
// terminal, subscribing to the posting engine's observability callbacks.
// It uses dustin/go-humanize for byte-count formatting, matching the
// teacher's habit of using the same library for download progress.
package progress

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/nzbpost/nzbpost/internal/segment"
)

// Reporter tracks remaining piece counts and throughput and prints one
// line per finished piece, of the form the original's main.cc prints:
// "POST FINISH ## subject ## pieces remaining ## speed".
type Reporter struct {
	w io.Writer

	mu        sync.Mutex
	remaining int
	started   time.Time
	posted    int64 // bytes posted so far, for the running speed figure
}

// NewReporter returns a Reporter that expects total pieces overall.
func NewReporter(w io.Writer, total int) *Reporter {
	return &Reporter{w: w, remaining: total, started: time.Now()}
}

// PostFinished records one successfully posted article and prints the
// progress line.
func (r *Reporter) PostFinished(art segment.Article) {
	r.mu.Lock()
	r.remaining--
	remaining := r.remaining
	r.posted += art.PayloadSize()
	elapsed := time.Since(r.started).Seconds()
	speed := float64(r.posted)
	if elapsed > 0 {
		speed = float64(r.posted) / elapsed
	}
	r.mu.Unlock()

	fmt.Fprintf(r.w, "POST FINISH ## %s ## %d remaining ## %s/s\n",
		art.Header.Subject, remaining, humanize.IBytes(uint64(speed)))
}

// PostFailed reports a transient failure without decrementing the
// remaining count — the piece is still outstanding until it succeeds or
// is permanently dumped.
func (r *Reporter) PostFailed(art segment.Article, err error) {
	fmt.Fprintf(r.w, "POST FAILED %s: %v\n", art.Header.Subject, err)
}

// Remaining returns the current outstanding piece count.
func (r *Reporter) Remaining() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.remaining
}
