package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
)

// poolSize is the number of persistent connections the Client keeps open
// to the daemon.
const poolSize = 3

// defaultCallTimeout bounds a single Call when the caller's context has no
// deadline of its own.
const defaultCallTimeout = 30 * time.Second

// Option configures a Client at construction time.
type Option func(*Client)

// WithCallTimeout overrides the default per-call timeout.
func WithCallTimeout(d time.Duration) Option {
	return func(c *Client) { c.callTimeout = d }
}

// WithPoolSize overrides the default connection pool size.
func WithPoolSize(n int) Option {
	return func(c *Client) { c.poolSize = n }
}

// Client is a pooled RPC client talking to a single Unix socket.
type Client struct {
	socketPath  string
	callTimeout time.Duration
	poolSize    int

	mu   sync.Mutex
	pool []net.Conn
}

// NewClient creates a Client for the daemon listening on socketPath. No
// connection is made until the first Call.
func NewClient(socketPath string, opts ...Option) *Client {
	c := &Client{
		socketPath:  socketPath,
		callTimeout: defaultCallTimeout,
		poolSize:    poolSize,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Call sends method with params and decodes the result into dest (which
// may be nil). It applies the client's default timeout unless ctx already
// carries a deadline, in which case that deadline is used as is.
func (c *Client) Call(ctx context.Context, method string, params, dest any) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.callTimeout)
		defer cancel()
	}

	payload, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("encoding params: %w", err)
	}

	conn, err := c.acquire(ctx)
	if err != nil {
		return err
	}

	resp, err := c.roundTrip(ctx, conn, Request{
		ID:     uuid.NewString(),
		Method: method,
		Params: payload,
	})
	if err != nil {
		conn.Close()
		if errors.Is(err, os.ErrDeadlineExceeded) {
			return NewError(CodeRequestTimeout, fmt.Sprintf("call to %s timed out", method))
		}
		return fmt.Errorf("calling %s: %w", method, err)
	}

	c.release(conn)
	return resultAs(resp, dest)
}

func (c *Client) roundTrip(ctx context.Context, conn net.Conn, req Request) (Response, error) {
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}
	if err := writeFrame(conn, req); err != nil {
		return Response{}, fmt.Errorf("sending request: %w", err)
	}
	var resp Response
	if err := readFrame(conn, &resp); err != nil {
		return Response{}, fmt.Errorf("reading response: %w", err)
	}
	return resp, nil
}

// acquire returns a pooled connection, reusing one only if it survives a
// liveness probe, otherwise dialing a fresh one.
func (c *Client) acquire(ctx context.Context) (net.Conn, error) {
	c.mu.Lock()
	for len(c.pool) > 0 {
		conn := c.pool[len(c.pool)-1]
		c.pool = c.pool[:len(c.pool)-1]
		c.mu.Unlock()
		if isAlive(conn) {
			return conn, nil
		}
		conn.Close()
		c.mu.Lock()
	}
	c.mu.Unlock()

	return c.dial(ctx)
}

// release returns conn to the pool, closing it instead if the pool is
// already at capacity.
func (c *Client) release(conn net.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.pool) >= c.poolSize {
		conn.Close()
		return
	}
	c.pool = append(c.pool, conn)
}

func (c *Client) dial(ctx context.Context) (net.Conn, error) {
	if _, err := os.Stat(c.socketPath); errors.Is(err, os.ErrNotExist) {
		return nil, ErrDaemonNotRunning
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", c.socketPath)
	if err != nil {
		if errors.Is(err, os.ErrDeadlineExceeded) || ctx.Err() != nil {
			return nil, NewError(CodeConnectionTimeout, fmt.Sprintf("connecting to %s: %v", c.socketPath, err))
		}
		if errors.Is(err, net.ErrClosed) || isRefused(err) {
			return nil, ErrDaemonNotRunning
		}
		return nil, fmt.Errorf("dialing %s: %w", c.socketPath, err)
	}
	return conn, nil
}

// isAlive does a near-non-blocking one-byte read to detect a connection the
// peer has already closed. Go's net.Conn has no MSG_PEEK, so a short
// deadline stands in for it: a read that returns immediately with EOF or
// a closed-connection error means the peer is gone, while a timeout means
// no data is pending and the connection is still usable.
func isAlive(conn net.Conn) bool {
	conn.SetReadDeadline(time.Now().Add(time.Millisecond))
	defer conn.SetReadDeadline(time.Time{})

	one := make([]byte, 1)
	_, err := conn.Read(one)
	if err == nil {
		return false
	}
	return errors.Is(err, os.ErrDeadlineExceeded)
}

func isRefused(err error) bool {
	var opErr *net.OpError
	return errors.As(err, &opErr) && opErr.Op == "dial"
}

// Close closes every pooled connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, conn := range c.pool {
		conn.Close()
	}
	c.pool = nil
	return nil
}
