package engine

import (
	"bufio"
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nzbpost/nzbpost/internal/nntp"
	"github.com/nzbpost/nzbpost/internal/segment"
)

// postDecision lets a test script the server's response to the Nth
// (0-indexed) article it receives on a given connection.
type postDecision func(postNum int) string

// startFakeServer launches a minimal NNTP server implementing just
// enough of the protocol (greeting, AUTHINFO USER/PASS, POST, STAT,
// QUIT) to drive the engine, in the style of
// misc/dummy_usenet/dummy_server.cc.
func startFakeServer(t *testing.T, decide postDecision) (addr string, stop func()) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	var wg sync.WaitGroup
	done := make(chan struct{})

	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				serveFakeConn(conn, decide)
			}()
		}
	}()

	stop = func() {
		close(done)
		ln.Close()
		wg.Wait()
	}
	return ln.Addr().String(), stop
}

func serveFakeConn(conn net.Conn, decide postDecision) {
	defer conn.Close()
	r := bufio.NewReader(conn)

	fmt.Fprintf(conn, "200 fake server ready\r\n")

	line, err := r.ReadString('\n')
	if err != nil || !strings.HasPrefix(line, "AUTHINFO USER") {
		return
	}
	fmt.Fprintf(conn, "381 password required\r\n")

	line, err = r.ReadString('\n')
	if err != nil || !strings.HasPrefix(line, "AUTHINFO PASS") {
		return
	}
	fmt.Fprintf(conn, "281 ok\r\n")

	postNum := 0
	for {
		line, err = r.ReadString('\n')
		if err != nil {
			return
		}
		switch {
		case strings.HasPrefix(line, "POST"):
			fmt.Fprintf(conn, "340 send article\r\n")
			for {
				l, err := r.ReadString('\n')
				if err != nil || l == ".\r\n" {
					break
				}
			}
			fmt.Fprintf(conn, "%s\r\n", decide(postNum))
			postNum++
		case strings.HasPrefix(line, "STAT"):
			fmt.Fprintf(conn, "223 0 article exists\r\n")
		case strings.HasPrefix(line, "QUIT"):
			return
		default:
			return
		}
	}
}

func testEngine(t *testing.T, addr string) (*Engine, chan segment.Article, chan segment.Article) {
	t.Helper()

	finished := make(chan segment.Article, 16)
	failed := make(chan segment.Article, 16)

	e := New(Config{
		MaxRetries:       3,
		IOThreads:        1,
		OperationTimeout: 2 * time.Second,
		Callbacks: Callbacks{
			OnPostFinished: func(a segment.Article) { finished <- a },
			OnPostFailed:   func(a segment.Article, err error) { failed <- a },
		},
	})
	e.Start()

	host, portStr, _ := net.SplitHostPort(addr)
	var port int
	fmt.Sscanf(portStr, "%d", &port)

	e.AddConnections(nntp.ServerInfo{
		Address:        host,
		Port:           port,
		Username:       "user",
		Password:       "pass",
		MaxConnections: 1,
	}, 1)

	return e, finished, failed
}

func articleFor(i int) segment.Article {
	return segment.Article{
		Header: segment.Header{
			From:       "poster@example.test",
			Subject:    fmt.Sprintf("piece %d", i),
			MessageID:  fmt.Sprintf("<nonce.0.%d@example.test>", i),
			Newsgroups: []string{"misc.test"},
		},
		Payload: [][]byte{[]byte("payload\r\n")},
		Key:     segment.Key{FileIndex: 0, PieceIndex: i},
	}
}

// TestEngineSingleFileSuccess posts three pieces over one connection and
// expects three OnPostFinished callbacks (scenario S1).
func TestEngineSingleFileSuccess(t *testing.T) {
	addr, stop := startFakeServer(t, func(postNum int) string { return "240 posted" })
	defer stop()

	e, finished, failed := testEngine(t, addr)

	for i := 0; i < 3; i++ {
		e.EnqueuePost(articleFor(i), false)
	}

	for i := 0; i < 3; i++ {
		select {
		case <-finished:
		case a := <-failed:
			t.Fatalf("unexpected failure for %s", a.Header.MessageID)
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for post %d to finish", i)
		}
	}

	e.Stop()
	if err := e.Join(); err != nil {
		t.Fatalf("Join: %v", err)
	}
}

// TestEngineRetryAfterRejectedPiece mirrors S2: the server rejects the
// second piece once; the caller re-mints and re-enqueues with
// bypassWait=true, and the retry succeeds.
func TestEngineRetryAfterRejectedPiece(t *testing.T) {
	var mu sync.Mutex
	rejectedOnce := false

	addr, stop := startFakeServer(t, func(postNum int) string {
		mu.Lock()
		defer mu.Unlock()
		if postNum == 1 && !rejectedOnce {
			rejectedOnce = true
			return "441 posting failed"
		}
		return "240 posted"
	})
	defer stop()

	e, finished, failed := testEngine(t, addr)

	arts := []segment.Article{articleFor(0), articleFor(1), articleFor(2)}
	for _, a := range arts {
		e.EnqueuePost(a, false)
	}

	successes := 0
	var failedArticle segment.Article
	for successes < 2 {
		select {
		case <-finished:
			successes++
		case failedArticle = <-failed:
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out, only %d successes so far", successes)
		}
	}

	if failedArticle.Header.MessageID == "" {
		t.Fatal("expected one failure before retry")
	}

	count, exceeded := e.IncrementRetry(failedArticle.Key)
	if exceeded {
		t.Fatalf("retry count %d should not exceed max", count)
	}

	retryArt := failedArticle
	retryArt.Header.MessageID = "<retry-nonce.0.1@example.test>"
	e.SetMsgidException(failedArticle.Key, retryArt.Header.MessageID)
	e.EnqueuePost(retryArt, true)

	select {
	case <-finished:
	case a := <-failed:
		t.Fatalf("retry unexpectedly failed again: %s", a.Header.MessageID)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for retried post to finish")
	}

	if msgid, ok := e.MsgidException(failedArticle.Key); !ok || msgid != retryArt.Header.MessageID {
		t.Fatalf("msgid exception not recorded: got %q ok=%v", msgid, ok)
	}

	e.Stop()
	if err := e.Join(); err != nil {
		t.Fatalf("Join: %v", err)
	}
}

// TestEngineBoundedQueueBackpressure verifies that a bypassWait enqueue
// never blocks even when the queue is already at its bound.
func TestEngineBoundedQueueBackpressure(t *testing.T) {
	addr, stop := startFakeServer(t, func(postNum int) string { return "240 posted" })
	defer stop()

	finished := make(chan segment.Article, 16)
	e := New(Config{
		MaxQueueSize:     2,
		IOThreads:        1,
		OperationTimeout: 2 * time.Second,
		Callbacks: Callbacks{
			OnPostFinished: func(a segment.Article) { finished <- a },
		},
	})
	e.Start()

	// No connections yet, so nothing is ready: the first two enqueues
	// fill the queue to its bound of 2.
	e.EnqueuePost(articleFor(0), false)
	e.EnqueuePost(articleFor(1), false)

	done := make(chan struct{})
	go func() {
		e.EnqueuePost(articleFor(2), true)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("bypassWait enqueue blocked on a full queue")
	}

	host, portStr, _ := net.SplitHostPort(addr)
	var port int
	fmt.Sscanf(portStr, "%d", &port)
	e.AddConnections(nntp.ServerInfo{Address: host, Port: port, Username: "u", Password: "p"}, 1)

	for i := 0; i < 3; i++ {
		select {
		case <-finished:
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for post %d to drain", i)
		}
	}

	e.Stop()
	if err := e.Join(); err != nil {
		t.Fatalf("Join: %v", err)
	}
}
