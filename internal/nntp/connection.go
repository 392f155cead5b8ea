package nntp

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/textproto"
	"strings"
	"sync"
	"time"

	"github.com/nzbpost/nzbpost/internal/segment"
)

// ServerInfo is everything needed to dial and authenticate against one
// NNTP server. It mirrors the original's connection_info and the
// teacher's domain.ProviderConfig, trimmed to the posting engine's needs.
type ServerInfo struct {
	Address        string
	Port           int
	Username       string
	Password       string
	TLS            bool
	MaxConnections int
}

func (s ServerInfo) addr() string {
	return fmt.Sprintf("%s:%d", s.Address, s.Port)
}

// asTimeout wraps err as ErrTimeout when it is a timeout on the
// underlying socket — the deadline set by applyDeadline firing, per
// spec.md §4.3's "every socket read and write operation is guarded by a
// deadline". Non-timeout errors are returned unchanged.
func asTimeout(err error) error {
	if err == nil {
		return nil
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return err
}

// claimIdle transitions a connected Connection to busy, or reports which
// sentinel applies if it isn't available: ErrNotIdle when an operation is
// already in flight, ErrClosed when it was never connected or has been
// torn down.
func (c *Connection) claimIdle() error {
	switch c.state {
	case stateConnected:
		c.state = stateBusy
		return nil
	case stateBusy:
		return fmt.Errorf("nntp: %w", ErrNotIdle)
	default:
		return fmt.Errorf("nntp: %w", ErrClosed)
	}
}

type state int

const (
	stateDisconnected state = iota
	stateConnected
	stateBusy
)

// Connection is one authenticated session to one server. It is not safe
// for concurrent use: like the original, exactly one operation may be in
// flight at a time (Connect, then any number of serialized Post/Stat
// calls, then Close). The engine is responsible for ensuring a
// Connection is only ever driven from one goroutine at a time; it does
// so by holding the Connection in its "busy" set while an operation runs.
type Connection struct {
	info ServerInfo

	mu    sync.Mutex
	state state
	conn  *textproto.Conn
	raw   net.Conn
}

// New returns an unconnected Connection for info. Call Connect before
// issuing Post or Stat.
func New(info ServerInfo) *Connection {
	return &Connection{info: info}
}

// Connect dials the server, performs the TLS handshake if configured,
// reads the greeting and runs the AUTHINFO USER/PASS exchange if
// credentials are set. It mirrors do_connect/do_authenticate from the
// original connection state machine, collapsed into one blocking call
// since Go's goroutine-per-operation model needs no callback chain.
func (c *Connection) Connect(ctx context.Context) (result ConnectResult, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != stateDisconnected {
		return ConnectFatalError, fmt.Errorf("nntp: Connect: %w", ErrNotIdle)
	}

	dialer := &net.Dialer{}
	if dl, ok := ctx.Deadline(); ok {
		dialer.Deadline = dl
	}

	var raw net.Conn
	if c.info.TLS {
		// TODO: validated server certificates are tracked as a follow-up;
		// legacy post2usenet skipped verification entirely (initSSL's
		// verify_none) and operators have come to rely on that against
		// self-signed Usenet provider certs.
		raw, err = tls.DialWithDialer(dialer, "tcp", c.info.addr(), &tls.Config{
			ServerName:         c.info.Address,
			InsecureSkipVerify: true,
		})
	} else {
		raw, err = dialer.DialContext(ctx, "tcp", c.info.addr())
	}
	if err != nil {
		return ConnectFatalError, fmt.Errorf("nntp: dial %s: %w", c.info.addr(), err)
	}

	c.raw = raw
	c.conn = textproto.NewConn(raw)
	c.state = stateConnected

	c.applyDeadline(ctx)
	// Expect code 20 matches any 20x greeting, so both 200 (posting
	// allowed) and 201 (posting forbidden) are accepted from one line.
	if _, _, err := c.conn.ReadCodeLine(20); err != nil {
		c.closeLocked()
		return ConnectFatalError, fmt.Errorf("nntp: greeting: %w", asTimeout(err))
	}

	if c.info.Username == "" {
		return ConnectSuccess, nil
	}

	result, err = c.authenticate(ctx)
	if err != nil || result != ConnectSuccess {
		c.closeLocked()
	}
	return result, err
}

func (c *Connection) authenticate(ctx context.Context) (ConnectResult, error) {
	c.applyDeadline(ctx)
	if _, err := c.conn.Cmd(cmdAuthUser + "%s", c.info.Username); err != nil {
		return ConnectFatalError, fmt.Errorf("nntp: AUTHINFO USER: %w", asTimeout(err))
	}

	c.applyDeadline(ctx)
	line, err := c.conn.ReadLine()
	if err != nil {
		return ConnectFatalError, fmt.Errorf("nntp: AUTHINFO USER response: %w", asTimeout(err))
	}
	if strings.HasPrefix(line, "381") {
		c.applyDeadline(ctx)
		if _, err := c.conn.Cmd(cmdAuthPass + "%s", c.info.Password); err != nil {
			return ConnectFatalError, fmt.Errorf("nntp: AUTHINFO PASS: %w", asTimeout(err))
		}
		c.applyDeadline(ctx)
		line, err = c.conn.ReadLine()
		if err != nil {
			return ConnectFatalError, fmt.Errorf("nntp: AUTHINFO PASS response: %w", asTimeout(err))
		}
	}

	if len(line) == 0 || line[0] != '2' {
		return ConnectInvalidCredentials, nil
	}
	return ConnectSuccess, nil
}

// Post sends art as a POST command, following up with the article header
// and body once the server signals it's ready for them, matching
// do_post/send_article.
func (c *Connection) Post(ctx context.Context, art segment.Article) (PostResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.claimIdle(); err != nil {
		return PostFailureConnectionError, err
	}
	defer func() { c.state = stateConnected }()

	c.applyDeadline(ctx)
	if _, err := c.conn.Cmd("%s", cmdPost); err != nil {
		return PostFailureConnectionError, fmt.Errorf("nntp: POST: %w", asTimeout(err))
	}

	c.applyDeadline(ctx)
	line, err := c.conn.ReadLine()
	if err != nil {
		return PostFailureConnectionError, fmt.Errorf("nntp: POST response: %w", asTimeout(err))
	}
	if len(line) > 0 && line[0] == '4' {
		return PostingNotPermitted, nil
	}

	if err := c.writeArticle(ctx, art); err != nil {
		return PostFailureConnectionError, err
	}

	c.applyDeadline(ctx)
	line, err = c.conn.ReadLine()
	if err != nil {
		return PostFailureConnectionError, fmt.Errorf("nntp: post completion response: %w", asTimeout(err))
	}
	if len(line) == 0 || line[0] != '2' {
		return PostFailure, fmt.Errorf("nntp: server rejected article: %s", line)
	}
	return PostSuccess, nil
}

func (c *Connection) writeArticle(ctx context.Context, art segment.Article) error {
	w := c.conn.W

	fmt.Fprintf(w, "From: %s\r\n", art.Header.From)
	fmt.Fprintf(w, "Subject: %s\r\n", art.Header.Subject)
	fmt.Fprintf(w, "Newsgroups: %s\r\n", strings.Join(art.Header.Newsgroups, ","))
	fmt.Fprintf(w, "Message-ID: %s\r\n", art.Header.MessageID)
	for k, v := range art.Header.Extra {
		fmt.Fprintf(w, "%s: %s\r\n", k, v)
	}
	if _, err := w.WriteString(crlf); err != nil {
		return fmt.Errorf("nntp: write header: %w", asTimeout(err))
	}

	for _, chunk := range art.Payload {
		if _, err := w.Write(chunk); err != nil {
			return fmt.Errorf("nntp: write payload: %w", asTimeout(err))
		}
	}

	if _, err := w.WriteString(messageTerm); err != nil {
		return fmt.Errorf("nntp: write terminator: %w", asTimeout(err))
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("nntp: flush article: %w", asTimeout(err))
	}
	return nil
}

// Stat issues STAT <msgid> and reports whether the server already has
// an article under that message-id, used by the validation pass
// (§5/§7).
func (c *Connection) Stat(ctx context.Context, msgid string) (StatResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.claimIdle(); err != nil {
		return StatConnectionError, err
	}
	defer func() { c.state = stateConnected }()

	c.applyDeadline(ctx)
	if _, err := c.conn.Cmd(cmdStat + "%s", msgid); err != nil {
		return StatConnectionError, fmt.Errorf("nntp: STAT: %w", asTimeout(err))
	}

	c.applyDeadline(ctx)
	line, err := c.conn.ReadLine()
	if err != nil {
		return StatConnectionError, fmt.Errorf("nntp: STAT response: %w", asTimeout(err))
	}
	if len(line) > 0 && line[0] == '2' {
		return ArticleExists, nil
	}
	return InvalidArticle, nil
}

// GracefulDisconnect sends QUIT and closes the connection, swallowing
// any error from the QUIT round-trip itself — matching
// async_graceful_disconnect, which closes regardless of the server's
// response.
func (c *Connection) GracefulDisconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == stateDisconnected {
		return
	}
	if c.conn != nil {
		c.conn.Cmd("%s", cmdQuit)
	}
	c.closeLocked()
}

// Close drops the connection without attempting QUIT, for the
// connection-error retry path where the socket is presumed dead already.
func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeLocked()
}

func (c *Connection) closeLocked() error {
	if c.state == stateDisconnected {
		return nil
	}
	c.state = stateDisconnected
	var err error
	if c.conn != nil {
		err = c.conn.Close()
		c.conn = nil
	}
	c.raw = nil
	return err
}

func (c *Connection) applyDeadline(ctx context.Context) {
	if c.raw == nil {
		return
	}
	if dl, ok := ctx.Deadline(); ok {
		c.raw.SetDeadline(dl)
	} else {
		c.raw.SetDeadline(time.Time{})
	}
}
