// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package transport writes MQTT frames to client and backend sockets.
package transport

import (
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

const controlBurst = 32

var (
	ErrSendQueueFull = errors.New("send queue full: connection closed")
	ErrNilFrame      = errors.New("cannot send empty frame")
)

// Link is a connection complete frames are sent on.
type Link interface {
	// Send queues a frame. Control frames (acks, pings, connack, disconnect)
	// overtake queued data frames.
	Send(frame []byte, control bool) error
	// Close flushes queued frames and closes the link.
	Close() error
	RemoteAddr() net.Addr
}

// Sink writes one frame at a time to a socket.
type Sink interface {
	WriteFrame(frame []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
	RemoteAddr() net.Addr
}

// Config configures a Conn.
type Config struct {
	// QueueSize is the data queue capacity. Zero makes writes synchronous.
	QueueSize int `yaml:"queue_size"`
	// DisconnectOnFull closes the link instead of blocking when the data
	// queue is full.
	DisconnectOnFull bool          `yaml:"disconnect_on_full"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
	// FlushTimeout bounds how long Close drains queued frames.
	FlushTimeout time.Duration `yaml:"flush_timeout"`
}

// DefaultConfig returns the default link settings.
func DefaultConfig() Config {
	return Config{
		QueueSize:        1000,
		DisconnectOnFull: true,
		WriteTimeout:     10 * time.Second,
		FlushTimeout:     2 * time.Second,
	}
}

// Conn is a Link with queued asynchronous writes.
type Conn struct {
	sink Sink
	cfg  Config

	sendMu    sync.Mutex
	controlCh chan []byte
	dataCh    chan []byte
	closeCh   chan struct{}
	abortCh   chan struct{}
	closeOnce sync.Once
	abortOnce sync.Once
	sendWg    sync.WaitGroup
	closed    atomic.Bool

	sent atomic.Uint64
}

var _ Link = (*Conn)(nil)

// New creates a Conn writing to sink.
func New(sink Sink, cfg Config) *Conn {
	c := &Conn{
		sink:    sink,
		cfg:     cfg,
		closeCh: make(chan struct{}),
		abortCh: make(chan struct{}),
	}

	if cfg.QueueSize > 0 {
		controlCap := max(cfg.QueueSize/4, 1)
		c.controlCh = make(chan []byte, controlCap)
		c.dataCh = make(chan []byte, cfg.QueueSize)

		c.sendWg.Add(1)
		go c.sendLoop()
	}

	return c
}

// Send implements Link.
func (c *Conn) Send(frame []byte, control bool) error {
	if len(frame) == 0 {
		return ErrNilFrame
	}
	if c.closed.Load() {
		return net.ErrClosed
	}
	if c.dataCh == nil {
		return c.writeSync(frame)
	}

	if control {
		select {
		case c.controlCh <- frame:
			return nil
		case <-c.closeCh:
			return net.ErrClosed
		}
	}

	if c.cfg.DisconnectOnFull {
		select {
		case c.dataCh <- frame:
			return nil
		case <-c.closeCh:
			return net.ErrClosed
		default:
			c.abort()
			return ErrSendQueueFull
		}
	}

	select {
	case c.dataCh <- frame:
		return nil
	case <-c.closeCh:
		return net.ErrClosed
	}
}

// Sent returns the number of frames written to the socket.
func (c *Conn) Sent() uint64 {
	return c.sent.Load()
}

func (c *Conn) writeSync(frame []byte) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	if c.closed.Load() {
		return net.ErrClosed
	}
	if err := c.write(frame); err != nil {
		c.abort()
		return err
	}
	return nil
}

func (c *Conn) write(frame []byte) error {
	if c.cfg.WriteTimeout > 0 {
		_ = c.sink.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	}
	if err := c.sink.WriteFrame(frame); err != nil {
		return err
	}
	c.sent.Add(1)
	return nil
}

func (c *Conn) sendLoop() {
	defer c.sendWg.Done()

	for {
		controlCount := 0

		for draining := true; draining && controlCount < controlBurst; {
			select {
			case <-c.abortCh:
				return
			case frame := <-c.controlCh:
				if !c.doWrite(frame) {
					return
				}
				controlCount++
			default:
				draining = false
			}
		}

		if controlCount == controlBurst {
			select {
			case <-c.abortCh:
				return
			case frame := <-c.dataCh:
				if !c.doWrite(frame) {
					return
				}
			default:
			}
			continue
		}

		select {
		case <-c.abortCh:
			return
		case <-c.closeCh:
			c.flush()
			return
		case frame := <-c.controlCh:
			if !c.doWrite(frame) {
				return
			}
		case frame := <-c.dataCh:
			if !c.doWrite(frame) {
				return
			}
		}
	}
}

// flush writes what is left in the queues, control frames first.
func (c *Conn) flush() {
	deadline := time.Now().Add(c.cfg.FlushTimeout)
	for _, ch := range []chan []byte{c.controlCh, c.dataCh} {
		for {
			if c.cfg.FlushTimeout > 0 && time.Now().After(deadline) {
				return
			}
			select {
			case frame := <-ch:
				if !c.doWrite(frame) {
					return
				}
				continue
			default:
			}
			break
		}
	}
}

func (c *Conn) doWrite(frame []byte) bool {
	if err := c.write(frame); err != nil {
		c.abort()
		return false
	}
	return true
}

func (c *Conn) markClosed() {
	c.closed.Store(true)
	c.closeOnce.Do(func() {
		close(c.closeCh)
	})
}

// abort closes the socket without flushing.
func (c *Conn) abort() {
	c.markClosed()
	c.abortOnce.Do(func() {
		close(c.abortCh)
		_ = c.sink.Close()
	})
}

// Close implements Link. Queued frames are written before the socket
// closes, within the flush timeout.
func (c *Conn) Close() error {
	c.markClosed()
	if c.dataCh != nil {
		c.sendWg.Wait()
	}
	c.abort()
	return nil
}

// Done is closed once the link stops accepting frames.
func (c *Conn) Done() <-chan struct{} {
	return c.closeCh
}

// RemoteAddr implements Link.
func (c *Conn) RemoteAddr() net.Addr {
	return c.sink.RemoteAddr()
}
