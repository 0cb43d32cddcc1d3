// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// StreamSink writes frames to a byte stream such as a TCP or TLS connection.
type StreamSink struct {
	conn net.Conn
}

var _ Sink = (*StreamSink)(nil)

// NewStreamSink wraps conn.
func NewStreamSink(conn net.Conn) *StreamSink {
	return &StreamSink{conn: conn}
}

// WriteFrame implements Sink.
func (s *StreamSink) WriteFrame(frame []byte) error {
	_, err := s.conn.Write(frame)
	return err
}

// SetWriteDeadline implements Sink.
func (s *StreamSink) SetWriteDeadline(t time.Time) error {
	return s.conn.SetWriteDeadline(t)
}

// Close implements Sink.
func (s *StreamSink) Close() error {
	return s.conn.Close()
}

// RemoteAddr implements Sink.
func (s *StreamSink) RemoteAddr() net.Addr {
	return s.conn.RemoteAddr()
}

// WSSink writes each frame as one binary WebSocket message.
type WSSink struct {
	mu         sync.Mutex
	ws         *websocket.Conn
	remoteAddr net.Addr
}

var _ Sink = (*WSSink)(nil)

// NewWSSink wraps ws. remoteAddr is the client address the HTTP request
// came from, which may differ from the socket peer behind a load balancer.
func NewWSSink(ws *websocket.Conn, remoteAddr string) *WSSink {
	return &WSSink{ws: ws, remoteAddr: Addr{Net: "websocket", Address: remoteAddr}}
}

// WriteFrame implements Sink.
func (s *WSSink) WriteFrame(frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ws.WriteMessage(websocket.BinaryMessage, frame)
}

// SetWriteDeadline implements Sink.
func (s *WSSink) SetWriteDeadline(t time.Time) error {
	return s.ws.SetWriteDeadline(t)
}

// Close implements Sink.
func (s *WSSink) Close() error {
	s.mu.Lock()
	_ = s.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	s.mu.Unlock()
	return s.ws.Close()
}

// RemoteAddr implements Sink.
func (s *WSSink) RemoteAddr() net.Addr {
	return s.remoteAddr
}

// Addr is a net.Addr for transports that only know a string address.
type Addr struct {
	Net     string
	Address string
}

// Network implements net.Addr.
func (a Addr) Network() string {
	return a.Net
}

// String implements net.Addr.
func (a Addr) String() string {
	return a.Address
}
