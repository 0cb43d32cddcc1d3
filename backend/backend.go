// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package backend dials the backend broker and frames what it sends.
package backend

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/absmach/mqproxy/mqtt/codec"
	"github.com/absmach/mqproxy/transport"
)

// Handler receives the events of one backend link. BackendReady is called
// once before any frame; BackendClosed is called exactly once, also when
// the dial fails.
type Handler interface {
	BackendReady(l transport.Link)
	ReceiveBackend(f codec.Frame) error
	BackendClosed(err error)
}

// Config holds the backend connection settings.
type Config struct {
	Address       string        `yaml:"address"`
	DialTimeout   time.Duration `yaml:"dial_timeout"`
	ReadTimeout   time.Duration `yaml:"read_timeout"`
	BufferSize    int           `yaml:"buffer_size"`
	MaxPacketSize int           `yaml:"max_packet_size"`
	// TLS enables TLS towards the backend when set.
	TLS *tls.Config `yaml:"-"`

	Link transport.Config `yaml:"link"`
}

// DefaultConfig returns the default backend settings.
func DefaultConfig() Config {
	return Config{
		Address:       "localhost:1884",
		DialTimeout:   10 * time.Second,
		BufferSize:    8192,
		MaxPacketSize: 0,
		Link: transport.Config{
			QueueSize:    1000,
			WriteTimeout: 10 * time.Second,
			FlushTimeout: 2 * time.Second,
		},
	}
}

// Dialer opens backend links.
type Dialer struct {
	cfg    Config
	logger *slog.Logger
}

// NewDialer creates a backend dialer.
func NewDialer(cfg Config, logger *slog.Logger) *Dialer {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 8192
	}
	return &Dialer{cfg: cfg, logger: logger}
}

// Dial connects to the backend in the background and drives h.
func (d *Dialer) Dial(ctx context.Context, h Handler) {
	go d.run(ctx, h)
}

func (d *Dialer) run(ctx context.Context, h Handler) {
	conn, err := d.dial(ctx)
	if err != nil {
		d.logger.Warn("backend_dial_failed",
			slog.String("address", d.cfg.Address),
			slog.String("error", err.Error()))
		h.BackendClosed(err)
		return
	}

	link := transport.New(transport.NewStreamSink(conn), d.cfg.Link)
	h.BackendReady(link)

	err = d.read(conn, h)
	_ = link.Close()
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		err = nil
	}
	h.BackendClosed(err)
}

func (d *Dialer) dial(ctx context.Context) (net.Conn, error) {
	dctx, cancel := context.WithTimeout(ctx, d.cfg.DialTimeout)
	defer cancel()

	var nd net.Dialer
	conn, err := nd.DialContext(dctx, "tcp", d.cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("failed to dial backend %s: %w", d.cfg.Address, err)
	}
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		_ = tcpConn.SetNoDelay(true)
	}
	if d.cfg.TLS == nil {
		return conn, nil
	}

	tlsConn := tls.Client(conn, d.cfg.TLS)
	if err := tlsConn.HandshakeContext(dctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("backend TLS handshake failed: %w", err)
	}
	return tlsConn, nil
}

func (d *Dialer) read(conn net.Conn, h Handler) error {
	framer := codec.NewFramer(d.cfg.MaxPacketSize)
	buf := make([]byte, d.cfg.BufferSize)
	for {
		if d.cfg.ReadTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(d.cfg.ReadTimeout))
		}
		n, err := conn.Read(buf)
		if n > 0 {
			if ferr := framer.Feed(buf[:n], h.ReceiveBackend); ferr != nil {
				return ferr
			}
		}
		if err != nil {
			return err
		}
	}
}
