// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package transport_test

import (
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/absmach/mqproxy/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pipe(t *testing.T) (net.Conn, net.Conn) {
	server, client := net.Pipe()
	t.Cleanup(func() {
		server.Close()
		client.Close()
	})
	return server, client
}

func readN(t *testing.T, r io.Reader, n int) []byte {
	t.Helper()
	buf := make([]byte, n)
	_, err := io.ReadFull(r, buf)
	require.NoError(t, err)
	return buf
}

func TestConnSyncWrite(t *testing.T) {
	server, client := pipe(t)
	conn := transport.New(transport.NewStreamSink(server), transport.Config{})

	errCh := make(chan error, 1)
	go func() {
		errCh <- conn.Send([]byte{0xD0, 0x00}, true)
	}()
	assert.Equal(t, []byte{0xD0, 0x00}, readN(t, client, 2))
	require.NoError(t, <-errCh)
	assert.Equal(t, uint64(1), conn.Sent())
}

func TestConnQueuedWrites(t *testing.T) {
	server, client := pipe(t)
	conn := transport.New(transport.NewStreamSink(server), transport.Config{QueueSize: 16})
	defer conn.Close()

	frames := [][]byte{{0x30, 0x01, 'a'}, {0x30, 0x01, 'b'}, {0x30, 0x01, 'c'}}
	for _, f := range frames {
		require.NoError(t, conn.Send(f, false))
	}
	got := readN(t, client, 9)
	assert.Equal(t, []byte{0x30, 0x01, 'a', 0x30, 0x01, 'b', 0x30, 0x01, 'c'}, got)
}

func TestConnRejectsEmptyFrame(t *testing.T) {
	server, _ := pipe(t)
	conn := transport.New(transport.NewStreamSink(server), transport.Config{QueueSize: 1})
	defer conn.Close()

	assert.ErrorIs(t, conn.Send(nil, false), transport.ErrNilFrame)
}

type blockingSink struct {
	release chan struct{}
	closed  chan struct{}
	once    sync.Once
	mu      sync.Mutex
	frames  [][]byte
}

func newBlockingSink() *blockingSink {
	return &blockingSink{release: make(chan struct{}), closed: make(chan struct{})}
}

func (s *blockingSink) WriteFrame(frame []byte) error {
	select {
	case <-s.release:
	case <-s.closed:
		return net.ErrClosed
	}
	s.mu.Lock()
	s.frames = append(s.frames, frame)
	s.mu.Unlock()
	return nil
}

func (s *blockingSink) SetWriteDeadline(time.Time) error { return nil }

func (s *blockingSink) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

func (s *blockingSink) RemoteAddr() net.Addr {
	return transport.Addr{Net: "test", Address: "sink"}
}

func (s *blockingSink) written() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.frames...)
}

func TestConnDisconnectOnFull(t *testing.T) {
	sink := newBlockingSink()
	conn := transport.New(sink, transport.Config{QueueSize: 2, DisconnectOnFull: true})

	var err error
	for i := 0; i < 10 && err == nil; i++ {
		err = conn.Send([]byte{0x30, 0x00}, false)
	}
	assert.ErrorIs(t, err, transport.ErrSendQueueFull)

	select {
	case <-sink.closed:
	case <-time.After(time.Second):
		t.Fatal("sink not closed after overflow")
	}
	assert.ErrorIs(t, conn.Send([]byte{0x30, 0x00}, false), net.ErrClosed)
}

func TestConnCloseFlushes(t *testing.T) {
	sink := newBlockingSink()
	conn := transport.New(sink, transport.Config{QueueSize: 8, FlushTimeout: time.Second})

	require.NoError(t, conn.Send([]byte{0x30, 0x00}, false))
	require.NoError(t, conn.Send([]byte{0xE0, 0x00}, true))
	close(sink.release)

	require.NoError(t, conn.Close())
	assert.Len(t, sink.written(), 2)

	select {
	case <-conn.Done():
	default:
		t.Fatal("done channel not closed")
	}
	err := conn.Send([]byte{0x30, 0x00}, false)
	assert.True(t, errors.Is(err, net.ErrClosed))
}

func TestAddr(t *testing.T) {
	a := transport.Addr{Net: "websocket", Address: "10.0.0.1:1234"}
	assert.Equal(t, "websocket", a.Network())
	assert.Equal(t, "10.0.0.1:1234", a.String())
}
