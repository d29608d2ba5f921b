package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/aapid/internal/protocol/dispatch"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Config is the protocol listener configuration.
type Config struct {
	ListenAddr     string
	IdleTimeout    time.Duration
	MaxConnections int
	ReadBufferSize int
}

func DefaultConfig() Config {
	return Config{
		ListenAddr:     ":4056",
		IdleTimeout:    0,
		MaxConnections: 0,
		ReadBufferSize: DefaultReadBufferSize,
	}
}

// Option configures a Server.
type Option func(*Server)

// WithServerLogger sets the logger used by the accept loop and handed to every
// connection.
func WithServerLogger(logger zerolog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// Server accepts protocol connections and runs one Conn per connection.
type Server struct {
	cfg        Config
	dispatcher *dispatch.Dispatcher
	logger     zerolog.Logger

	connsMu sync.Mutex
	conns   map[*Conn]struct{}
	closing bool

	wg        sync.WaitGroup
	active    atomic.Int64
	listening atomic.Bool
	addr      atomic.Value
}

// New builds a server around a frozen registry.
func New(cfg Config, registry *dispatch.Registry, opts ...Option) *Server {
	if strings.TrimSpace(cfg.ListenAddr) == "" {
		cfg.ListenAddr = DefaultConfig().ListenAddr
	}
	if cfg.ReadBufferSize <= 0 {
		cfg.ReadBufferSize = DefaultReadBufferSize
	}
	s := &Server{
		cfg:        cfg,
		dispatcher: dispatch.NewDispatcher(registry),
		logger:     log.Logger,
		conns:      make(map[*Conn]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Server) Dispatcher() *dispatch.Dispatcher {
	return s.dispatcher
}

func (s *Server) ActiveConnections() int {
	return int(s.active.Load())
}

func (s *Server) Listening() bool {
	return s.listening.Load()
}

// Addr returns the bound listener address once Serve has started.
func (s *Server) Addr() string {
	v, _ := s.addr.Load().(string)
	return v
}

func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.ListenAddr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts on ln until ctx is cancelled or the listener fails. On return
// every tracked connection has been closed and its handler has finished.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	defer ln.Close()
	s.addr.Store(ln.Addr().String())
	s.listening.Store(true)
	defer s.listening.Store(false)
	s.logger.Info().Str("addr", ln.Addr().String()).Msg("server listening")

	defer s.wg.Wait()
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
		case <-stop:
		}
		s.closeAllConns()
		_ = ln.Close()
	}()

	for {
		nc, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		if limit := s.cfg.MaxConnections; limit > 0 && s.active.Load() >= int64(limit) {
			s.logger.Warn().
				Str("remote", nc.RemoteAddr().String()).
				Int("max_connections", limit).
				Msg("server connection limit reached")
			_ = nc.Close()
			continue
		}

		conn := NewConn(nc, s.dispatcher,
			WithIdleTimeout(s.cfg.IdleTimeout),
			WithReadBufferSize(s.cfg.ReadBufferSize),
			WithLogger(s.logger),
		)
		if !s.trackConn(conn) {
			_ = conn.Close()
			continue
		}
		active := s.active.Add(1)
		s.logger.Debug().Int64("active_clients", active).Msg("server client connected")
		s.wg.Add(1)
		go s.handle(ctx, conn)
	}
}

func (s *Server) handle(ctx context.Context, conn *Conn) {
	defer s.wg.Done()
	defer s.untrackConn(conn)
	defer func() {
		remaining := s.active.Add(-1)
		s.logger.Debug().Int64("active_clients", remaining).Msg("server client disconnected")
	}()
	_, _ = conn.Serve(ctx)
}

func (s *Server) trackConn(conn *Conn) bool {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	if s.closing {
		return false
	}
	s.conns[conn] = struct{}{}
	return true
}

func (s *Server) untrackConn(conn *Conn) {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	delete(s.conns, conn)
}

// closeAllConns closes live connections; their handlers see a clean close.
func (s *Server) closeAllConns() {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	s.closing = true
	for conn := range s.conns {
		_ = conn.Close()
		delete(s.conns, conn)
	}
}
