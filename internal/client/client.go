// Package client is a blocking protocol client: one request, one response.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/danmuck/aapid/internal/protocol"
	"github.com/danmuck/aapid/internal/protocol/frame"
)

var ErrTagMismatch = errors.New("client: response tag mismatch")

// Response is one decoded server response.
type Response struct {
	Header  frame.Header
	Payload []byte
}

// Err returns the command error carried by the response, if any.
func (r Response) Err() error {
	if r.Header.Error == protocol.CodeOK {
		return nil
	}
	return &protocol.ExecutionError{Code: r.Header.Error, Message: string(r.Payload)}
}

type Options struct {
	DialTimeout time.Duration
	CallTimeout time.Duration
	// DialAttempts bounds connection attempts; values below 1 mean one.
	DialAttempts int
	Backoff      BackoffConfig
	Limits       frame.Limits
}

func DefaultOptions() Options {
	return Options{
		DialTimeout:  5 * time.Second,
		CallTimeout:  15 * time.Second,
		DialAttempts: 1,
		Backoff:      DefaultBackoff(),
		Limits:       frame.DefaultLimits(),
	}
}

// Client serializes calls over one connection.
type Client struct {
	mu   sync.Mutex
	conn io.ReadWriteCloser
	opts Options
}

func Dial(ctx context.Context, addr string) (*Client, error) {
	return DialWithOptions(ctx, addr, DefaultOptions())
}

// DialWithOptions connects to addr, retrying with backoff up to
// opts.DialAttempts times.
func DialWithOptions(ctx context.Context, addr string, opts Options) (*Client, error) {
	attempts := opts.DialAttempts
	if attempts < 1 {
		attempts = 1
	}
	d := net.Dialer{Timeout: opts.DialTimeout}
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err == nil {
			return New(conn, opts), nil
		}
		lastErr = err
		if attempt == attempts {
			break
		}
		timer := time.NewTimer(retryDelay(opts.Backoff, attempt, rng))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("client: dial %s: %w", addr, ctx.Err())
		case <-timer.C:
		}
	}
	return nil, fmt.Errorf("client: dial %s after %d attempt(s): %w", addr, attempts, lastErr)
}

// New wraps an established stream.
func New(conn io.ReadWriteCloser, opts Options) *Client {
	if opts.Limits.MaxPayloadBytes == 0 {
		opts.Limits = frame.DefaultLimits()
	}
	return &Client{conn: conn, opts: opts}
}

// Call sends one request and waits for its response. Header and payload go out
// in a single write so the server sees them in one read burst.
func (c *Client) Call(tag int32, payload []byte) (Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if nc, ok := c.conn.(net.Conn); ok && c.opts.CallTimeout > 0 {
		_ = nc.SetDeadline(time.Now().Add(c.opts.CallTimeout))
		defer func() { _ = nc.SetDeadline(time.Time{}) }()
	}

	h := frame.Header{CommandTag: tag, Error: protocol.CodeOK, Version: frame.Version}
	if err := frame.WriteFrame(c.conn, h, frame.Payload{Data: payload}, len(payload)); err != nil {
		return Response{}, fmt.Errorf("client: write request: %w", err)
	}
	fr, err := frame.ReadFrame(c.conn, c.opts.Limits)
	if err != nil {
		return Response{}, fmt.Errorf("client: read response: %w", err)
	}
	if fr.Header.CommandTag != tag {
		return Response{}, fmt.Errorf("%w: sent %d got %d", ErrTagMismatch, tag, fr.Header.CommandTag)
	}
	return Response{Header: fr.Header, Payload: fr.Payload}, nil
}

func (c *Client) Close() error {
	return c.conn.Close()
}
