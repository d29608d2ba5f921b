package server

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/danmuck/aapid/internal/observability"
	"github.com/danmuck/aapid/internal/protocol"
	"github.com/danmuck/aapid/internal/protocol/dispatch"
	"github.com/danmuck/aapid/internal/protocol/frame"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// State is the connection handler state.
type State int

const (
	StateReading State = iota
	StateDispatching
	StateWriting
	StateClosedClean
	StateClosedError
)

func (s State) String() string {
	switch s {
	case StateReading:
		return "reading"
	case StateDispatching:
		return "dispatching"
	case StateWriting:
		return "writing"
	case StateClosedClean:
		return "closed_clean"
	case StateClosedError:
		return "closed_error"
	default:
		return "unknown"
	}
}

// errorSuffixLen is the two-byte trailer once reserved for error frames. It is
// never written; error frames carry exactly the message bytes.
const errorSuffixLen = 2

// DefaultReadBufferSize holds one header plus the largest default payload.
var DefaultReadBufferSize = frame.HeaderLen + frame.DefaultLimits().MaxPayloadBytes

type readDeadliner interface {
	SetReadDeadline(t time.Time) error
}

// ConnOption configures a Conn.
type ConnOption func(*Conn)

// WithIdleTimeout closes the connection when no header starts arriving within d.
func WithIdleTimeout(d time.Duration) ConnOption {
	return func(c *Conn) {
		c.idleTimeout = d
	}
}

// WithReadBufferSize sizes the request reader. A request whose header and
// payload arrive together is read whole only if it fits in n bytes.
func WithReadBufferSize(n int) ConnOption {
	return func(c *Conn) {
		c.readBufferSize = n
	}
}

func WithLogger(logger zerolog.Logger) ConnOption {
	return func(c *Conn) {
		c.logger = logger
	}
}

// Conn owns one accepted connection and runs the read-dispatch-write loop on
// it. At most one request is in flight: the next header is read only after the
// previous response has been written.
type Conn struct {
	rwc         io.ReadWriteCloser
	reader      *bufio.Reader
	dispatcher  *dispatch.Dispatcher
	idleTimeout    time.Duration
	readBufferSize int
	logger         zerolog.Logger

	mu       sync.Mutex
	state    State
	requests uint64

	closeOnce sync.Once
	closeErr  error
}

func NewConn(rwc io.ReadWriteCloser, d *dispatch.Dispatcher, opts ...ConnOption) *Conn {
	c := &Conn{
		rwc:            rwc,
		dispatcher:     d,
		readBufferSize: DefaultReadBufferSize,
		logger:         log.Logger,
		state:          StateReading,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.readBufferSize <= 0 {
		c.readBufferSize = DefaultReadBufferSize
	}
	c.reader = bufio.NewReaderSize(rwc, c.readBufferSize)
	if nc, ok := rwc.(net.Conn); ok && nc.RemoteAddr() != nil {
		c.logger = c.logger.With().Str("remote", nc.RemoteAddr().String()).Logger()
	}
	return c
}

// State returns the current handler state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Requests returns the number of responses written so far.
func (c *Conn) Requests() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.requests
}

func (c *Conn) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Close closes the underlying stream once. Later calls return the first result.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.rwc.Close()
	})
	return c.closeErr
}

// Serve runs the request loop until the peer closes, the stream is closed out
// of band, or a fatal I/O error occurs. It returns the terminal state and, for
// StateClosedError, the error that ended the connection.
func (c *Conn) Serve(ctx context.Context) (State, error) {
	observability.ConnectionOpened()
	c.logger.Info().Msg("server.conn handle request stream")

	state, err := c.loop(ctx)
	c.setState(state)
	_ = c.Close()

	observability.ConnectionClosed(state.String())
	event := c.logger.Info()
	if state == StateClosedError {
		event = c.logger.Error().Err(err)
	}
	event.Uint64("requests", c.Requests()).Str("state", state.String()).Msg("server.conn finished")
	return state, err
}

func (c *Conn) loop(ctx context.Context) (State, error) {
	for {
		if ctx.Err() != nil {
			return StateClosedClean, nil
		}

		c.setState(StateReading)
		c.armIdleDeadline()
		h, err := frame.ReadHeader(c.reader)
		if err != nil {
			return c.classify(err)
		}
		req := frame.ReadPayload(c.reader)
		c.logger.Debug().Stringer("header", h).Int("payload_len", req.Len()).Msg("server.conn request")

		c.setState(StateDispatching)
		start := time.Now()
		respHeader, result, length := c.dispatch(ctx, h, req)

		c.setState(StateWriting)
		if err := frame.WriteFrame(c.rwc, respHeader, result, length); err != nil {
			return c.classify(err)
		}
		observability.RecordCommand(h.CommandTag, respHeader.Error, time.Since(start), frame.HeaderLen+length)

		c.mu.Lock()
		c.requests++
		c.mu.Unlock()
	}
}

// dispatch turns one request into the response header, payload and the number
// of payload bytes to send. Command errors never escape as Go errors.
func (c *Conn) dispatch(ctx context.Context, h frame.Header, req frame.Payload) (frame.Header, frame.Payload, int) {
	respHeader := frame.Header{
		CommandTag: h.CommandTag,
		Error:      protocol.CodeOK,
		Version:    frame.Version,
	}
	var result frame.Payload
	var length dispatch.ResultLength

	err := c.dispatcher.Execute(ctx, h.CommandTag, req, &result, &length)
	if err == nil && (length.Value() < 0 || length.Value() > result.Len()) {
		err = protocol.Errorf(protocol.CodeInternal,
			"command %d reported result length %d for %d bytes", h.CommandTag, length.Value(), result.Len())
	}
	if err != nil {
		code, msg := protocol.ResponseCode(err)
		if errors.Is(err, protocol.ErrCommandNotImplemented) {
			c.logger.Error().Int32("tag", h.CommandTag).Msg("server.conn command not implemented")
		} else {
			event := c.logger.Error().Int32("tag", h.CommandTag)
			if info, ok := c.dispatcher.Registry().Info(h.CommandTag); ok {
				event = event.Str("command", info.Name)
			}
			event.Int32("code", code).Str("message", msg).Msg("server.conn command failed")
		}
		result = frame.Payload{Data: []byte(msg), ErrorValue: code}
		length.Set(result.Len() + errorSuffixLen)
		length.Set(result.Len())
		respHeader.Error = result.ErrorValue
	}
	return respHeader, result, length.Value()
}

func (c *Conn) armIdleDeadline() {
	if c.idleTimeout <= 0 {
		return
	}
	if d, ok := c.rwc.(readDeadliner); ok {
		_ = d.SetReadDeadline(time.Now().Add(c.idleTimeout))
	}
}

// classify maps a transport error onto a terminal state. End of stream, an
// out-of-band close and an idle deadline are clean closes.
func (c *Conn) classify(err error) (State, error) {
	switch {
	case errors.Is(err, frame.ErrEndOfStream):
		c.logger.Info().Msg("server.conn end of data stream reached")
		return StateClosedClean, nil
	case errors.Is(err, net.ErrClosed), errors.Is(err, io.ErrClosedPipe):
		c.logger.Info().Msg("server.conn closed out of band")
		return StateClosedClean, nil
	case errors.Is(err, os.ErrDeadlineExceeded):
		c.logger.Info().Dur("idle_timeout", c.idleTimeout).Msg("server.conn idle timeout")
		return StateClosedClean, nil
	default:
		return StateClosedError, err
	}
}
