// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package websocket accepts MQTT over WebSocket connections and feeds them
// to proxy sessions.
package websocket

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/absmach/mqproxy/mqtt/codec"
	mqtls "github.com/absmach/mqproxy/pkg/tls"
	"github.com/absmach/mqproxy/proxy"
	"github.com/absmach/mqproxy/transport"
	"github.com/gorilla/websocket"
)

// ConnLimiter rate limits new connections per client address.
type ConnLimiter interface {
	AllowConnection(addr net.Addr) bool
}

// Config holds the WebSocket listener configuration.
type Config struct {
	Address         string
	Path            string
	TLSConfig       *tls.Config
	Logger          *slog.Logger
	ShutdownTimeout time.Duration
	MaxConnections  int
	MaxPacketSize   int
	// TrustForwarded takes the client address from X-Forwarded-For when the
	// listener sits behind a load balancer.
	TrustForwarded bool
	Link           transport.Config
}

// Server is the MQTT over WebSocket listener.
type Server struct {
	config   Config
	proxy    *proxy.Proxy
	limiter  ConnLimiter
	logger   *slog.Logger
	server   *http.Server
	upgrader websocket.Upgrader
	active   atomic.Int64
	wg       sync.WaitGroup

	// sessCtx outlives Listen's context; cancelling it closes hijacked
	// connections that did not finish within the shutdown timeout.
	sessCtx context.Context
	cut     context.CancelFunc

	mu       sync.Mutex
	listener net.Listener
}

// New creates a WebSocket listener. limiter may be nil.
func New(cfg Config, p *proxy.Proxy, limiter ConnLimiter) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Path == "" {
		cfg.Path = "/mqtt"
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	if cfg.MaxPacketSize == 0 && p != nil {
		cfg.MaxPacketSize = p.Config().MaxPacketSize
	}
	if cfg.Link == (transport.Config{}) {
		cfg.Link = transport.DefaultConfig()
	}

	sessCtx, cut := context.WithCancel(context.Background())
	s := &Server{
		sessCtx: sessCtx,
		cut:     cut,
		config:  cfg,
		proxy:   p,
		limiter: limiter,
		logger:  cfg.Logger,
		upgrader: websocket.Upgrader{
			Subprotocols: []string{"mqtt", "mqttv3.1"},
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc(cfg.Path, s.handleWebSocket)

	s.server = &http.Server{
		Addr:              cfg.Address,
		Handler:           mux,
		TLSConfig:         cfg.TLSConfig,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s
}

// Handler returns the upgrade handler.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Listen serves until the context is cancelled.
func (s *Server) Listen(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Address, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	s.logger.Info("websocket_server_started",
		slog.String("address", s.config.Address),
		slog.String("path", s.config.Path),
		slog.String("security", mqtls.SecurityStatus(s.config.TLSConfig)))

	errCh := make(chan error, 1)
	go func() {
		var err error
		if s.config.TLSConfig != nil {
			err = s.server.ServeTLS(ln, "", "")
		} else {
			err = s.server.Serve(ln)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		s.cut()
		return err
	case <-ctx.Done():
	}
	return s.shutdown()
}

// shutdown stops the HTTP server, then waits for upgraded sessions, which
// the HTTP server does not track. Sessions still open at the timeout are
// closed.
func (s *Server) shutdown() error {
	s.logger.Info("websocket_server_stopping")
	sctx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()

	err := s.server.Shutdown(sctx)
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-sctx.Done():
		s.cut()
		<-done
		err = sctx.Err()
	}
	s.cut()
	if err != nil {
		s.logger.Error("websocket_server_shutdown_error", slog.String("error", err.Error()))
		return err
	}
	s.logger.Info("websocket_server_stopped")
	return nil
}

// Addr returns the listener's network address.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	remote := s.clientAddr(r)
	if s.limiter != nil && !s.limiter.AllowConnection(transport.Addr{Net: "websocket", Address: remote}) {
		s.logger.Warn("connection_rate_limited", slog.String("remote", remote))
		http.Error(w, "too many connections", http.StatusTooManyRequests)
		return
	}
	if limit := int64(s.config.MaxConnections); limit > 0 {
		if s.active.Add(1) > limit {
			s.active.Add(-1)
			s.logger.Warn("connection_limit_reached", slog.String("remote", remote))
			http.Error(w, "connection limit reached", http.StatusServiceUnavailable)
			return
		}
		defer s.active.Add(-1)
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket_upgrade_failed", slog.String("error", err.Error()))
		return
	}
	s.wg.Add(1)
	defer s.wg.Done()
	stop := context.AfterFunc(s.sessCtx, func() { _ = ws.Close() })
	defer stop()

	info := proxy.ConnInfo{RemoteAddr: remote, Protocol: "ws"}
	if r.TLS != nil {
		info.Secure = true
		info.Protocol = "wss"
		info.ServerName = r.TLS.ServerName
		info.CertNames = mqtls.CertNames(*r.TLS)
	}
	s.logger.Debug("websocket_connection_accepted", slog.String("remote", remote))

	link := transport.New(transport.NewWSSink(ws, remote), s.config.Link)
	sess := s.proxy.NewSession(link, info)
	err = s.read(ws, sess)
	sess.ClientClosed(err)
	_ = link.Close()
}

// read feeds WebSocket messages to the session. MQTT frames may span or
// share messages.
func (s *Server) read(ws *websocket.Conn, sess *proxy.Session) error {
	framer := codec.NewFramer(s.config.MaxPacketSize)
	if s.config.MaxPacketSize > 0 {
		ws.SetReadLimit(int64(s.config.MaxPacketSize) + 5)
	}
	for {
		var deadline time.Time
		if d := sess.ReadTimeout(); d > 0 {
			deadline = time.Now().Add(d)
		}
		_ = ws.SetReadDeadline(deadline)

		typ, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			if errors.Is(err, websocket.ErrReadLimit) {
				return codec.ErrTooLarge
			}
			return err
		}
		if err := framer.FeedMessage(typ, data, sess.Receive); err != nil {
			if errors.Is(err, proxy.ErrClosed) {
				return nil
			}
			return err
		}
	}
}

func (s *Server) clientAddr(r *http.Request) string {
	if s.config.TrustForwarded {
		if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
			first, _, _ := strings.Cut(fwd, ",")
			if ip := strings.TrimSpace(first); ip != "" {
				return net.JoinHostPort(ip, "0")
			}
		}
	}
	return r.RemoteAddr
}
