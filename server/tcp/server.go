// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package tcp accepts MQTT client connections over TCP and TLS and feeds
// them to proxy sessions.
package tcp

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/absmach/mqproxy/mqtt/codec"
	mqtls "github.com/absmach/mqproxy/pkg/tls"
	"github.com/absmach/mqproxy/proxy"
	"github.com/absmach/mqproxy/transport"
)

// ErrShutdownTimeout is returned when open sessions outlive the shutdown
// timeout and had to be cut.
var ErrShutdownTimeout = errors.New("shutdown timeout exceeded")

// ConnLimiter rate limits new connections per client address.
type ConnLimiter interface {
	AllowConnection(addr net.Addr) bool
}

// Config holds the listener configuration. Zero durations and sizes take
// defaults.
type Config struct {
	Address          string
	TLSConfig        *tls.Config
	Logger           *slog.Logger
	ShutdownTimeout  time.Duration
	HandshakeTimeout time.Duration
	TCPKeepAlive     time.Duration
	MaxConnections   int
	BufferSize       int
	MaxPacketSize    int
	DisableNoDelay   bool
	Link             transport.Config
}

func (c *Config) setDefaults(p *proxy.Proxy) {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = 30 * time.Second
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.BufferSize == 0 {
		c.BufferSize = 8192
	}
	if c.TCPKeepAlive == 0 {
		c.TCPKeepAlive = 15 * time.Second
	}
	if c.MaxPacketSize == 0 && p != nil {
		c.MaxPacketSize = p.Config().MaxPacketSize
	}
	if c.Link == (transport.Config{}) {
		c.Link = transport.DefaultConfig()
	}
}

// slots bounds concurrent connections. A nil slots is unbounded.
type slots chan struct{}

func (s slots) take() bool {
	if s == nil {
		return true
	}
	select {
	case s <- struct{}{}:
		return true
	default:
		return false
	}
}

func (s slots) give() {
	if s != nil {
		<-s
	}
}

// Server runs one proxy session per accepted connection.
type Server struct {
	cfg     Config
	proxy   *proxy.Proxy
	limiter ConnLimiter
	slots   slots
	logger  *slog.Logger

	mu   sync.Mutex
	addr net.Addr

	conns sync.WaitGroup
}

// New creates a server. limiter may be nil.
func New(cfg Config, p *proxy.Proxy, limiter ConnLimiter) *Server {
	cfg.setDefaults(p)
	s := &Server{
		cfg:     cfg,
		proxy:   p,
		limiter: limiter,
		logger:  cfg.Logger,
	}
	if cfg.MaxConnections > 0 {
		s.slots = make(slots, cfg.MaxConnections)
	}
	return s
}

// Listen serves until ctx is cancelled, then stops accepting and waits for
// open sessions up to the shutdown timeout.
func (s *Server) Listen(ctx context.Context) error {
	lc := net.ListenConfig{
		KeepAliveConfig: net.KeepAliveConfig{
			Enable:   s.cfg.TCPKeepAlive > 0,
			Idle:     s.cfg.TCPKeepAlive,
			Interval: s.cfg.TCPKeepAlive,
		},
	}
	ln, err := lc.Listen(ctx, "tcp", s.cfg.Address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Address, err)
	}
	s.mu.Lock()
	s.addr = ln.Addr()
	s.mu.Unlock()
	if s.cfg.TLSConfig != nil {
		ln = tls.NewListener(ln, s.cfg.TLSConfig)
	}
	s.logger.Info("tcp_server_started",
		slog.String("address", ln.Addr().String()),
		slog.String("security", mqtls.SecurityStatus(s.cfg.TLSConfig)))

	// Sessions outlive ctx until the drain gives up on them.
	sessCtx, cut := context.WithCancel(context.Background())
	defer cut()

	accepted := make(chan struct{})
	go func() {
		defer close(accepted)
		s.accept(ctx, sessCtx, ln)
	}()

	<-ctx.Done()
	s.logger.Info("tcp_server_stopping", slog.String("address", s.cfg.Address))
	if err := ln.Close(); err != nil {
		s.logger.Error("listener_close_failed", slog.String("error", err.Error()))
	}
	<-accepted
	return s.drain(cut)
}

func (s *Server) accept(ctx, sessCtx context.Context, ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Error("accept_failed", slog.String("error", err.Error()))
			continue
		}
		if reason := s.admit(conn); reason != "" {
			s.logger.Warn(reason, slog.String("remote", conn.RemoteAddr().String()))
			conn.Close()
			continue
		}
		if s.cfg.DisableNoDelay {
			if tc, ok := netConn(conn).(*net.TCPConn); ok {
				_ = tc.SetNoDelay(false)
			}
		}

		s.conns.Add(1)
		go func() {
			defer s.conns.Done()
			defer s.slots.give()
			s.serve(sessCtx, conn)
		}()
	}
}

// admit returns why conn is refused, or "" when it may proceed. An admitted
// connection holds a slot.
func (s *Server) admit(conn net.Conn) string {
	if s.limiter != nil && !s.limiter.AllowConnection(conn.RemoteAddr()) {
		return "connection_rate_limited"
	}
	if !s.slots.take() {
		return "connection_limit_reached"
	}
	return ""
}

func netConn(conn net.Conn) net.Conn {
	if tc, ok := conn.(*tls.Conn); ok {
		return tc.NetConn()
	}
	return conn
}

// drain waits for open sessions. After the shutdown timeout they are cut
// and given one more second to unwind.
func (s *Server) drain(cut context.CancelFunc) error {
	done := make(chan struct{})
	go func() {
		s.conns.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("tcp_server_stopped")
		return nil
	case <-time.After(s.cfg.ShutdownTimeout):
	}
	s.logger.Warn("shutdown_timeout_exceeded", slog.Duration("timeout", s.cfg.ShutdownTimeout))
	cut()
	select {
	case <-done:
	case <-time.After(time.Second):
	}
	return ErrShutdownTimeout
}

func (s *Server) serve(ctx context.Context, conn net.Conn) {
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	info, err := s.handshake(ctx, conn)
	if err != nil {
		s.logger.Debug("tls_handshake_failed",
			slog.String("remote", info.RemoteAddr),
			slog.String("error", err.Error()))
		conn.Close()
		return
	}

	link := transport.New(transport.NewStreamSink(conn), s.cfg.Link)
	sess := s.proxy.NewSession(link, info)
	sess.ClientClosed(s.read(conn, sess))
	_ = link.Close()
}

// handshake completes TLS when the listener has it and describes the
// connection for the session.
func (s *Server) handshake(ctx context.Context, conn net.Conn) (proxy.ConnInfo, error) {
	info := proxy.ConnInfo{RemoteAddr: conn.RemoteAddr().String(), Protocol: "tcp"}
	tc, ok := conn.(*tls.Conn)
	if !ok {
		return info, nil
	}

	hctx, cancel := context.WithTimeout(ctx, s.cfg.HandshakeTimeout)
	defer cancel()
	if err := tc.HandshakeContext(hctx); err != nil {
		return info, err
	}
	state := tc.ConnectionState()
	info.Secure = true
	info.Protocol = "tls"
	info.ServerName = state.ServerName
	info.CertNames = mqtls.CertNames(state)
	return info, nil
}

// read feeds client bytes to the session until either side stops. The read
// deadline follows the session: the connect timeout, then the keep alive.
func (s *Server) read(conn net.Conn, sess *proxy.Session) error {
	framer := codec.NewFramer(s.cfg.MaxPacketSize)
	buf := make([]byte, s.cfg.BufferSize)
	for {
		var deadline time.Time
		if d := sess.ReadTimeout(); d > 0 {
			deadline = time.Now().Add(d)
		}
		_ = conn.SetReadDeadline(deadline)

		n, err := conn.Read(buf)
		if n > 0 {
			if ferr := framer.Feed(buf[:n], sess.Receive); ferr != nil {
				if errors.Is(ferr, proxy.ErrClosed) {
					return nil
				}
				return ferr
			}
		}
		if err != nil {
			return err
		}
	}
}

// Addr returns the listening address once Listen has bound it.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}
