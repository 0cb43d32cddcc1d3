// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package tcp

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/absmach/mqproxy/backend"
	"github.com/absmach/mqproxy/mqtt/codec"
	"github.com/absmach/mqproxy/mqtt/packets"
	"github.com/absmach/mqproxy/proxy"
	"github.com/absmach/mqproxy/tenant"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

// fakeBackend accepts proxy links, answers every CONNECT with a successful
// CONNACK and records what it receives.
type fakeBackend struct {
	ln     net.Listener
	frames chan []byte
	wg     sync.WaitGroup
}

func newFakeBackend(t *testing.T) *fakeBackend {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	b := &fakeBackend{ln: ln, frames: make(chan []byte, 64)}
	b.wg.Add(1)
	go b.accept()
	t.Cleanup(func() {
		ln.Close()
		b.wg.Wait()
	})
	return b
}

func (b *fakeBackend) accept() {
	defer b.wg.Done()
	for {
		conn, err := b.ln.Accept()
		if err != nil {
			return
		}
		b.wg.Add(1)
		go b.serve(conn)
	}
}

func (b *fakeBackend) serve(conn net.Conn) {
	defer b.wg.Done()
	defer conn.Close()

	framer := codec.NewFramer(0)
	buf := make([]byte, 4096)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			ferr := framer.Feed(buf[:n], func(f codec.Frame) error {
				b.frames <- bytes.Clone(f.Raw)
				if f.Type() == packets.ConnectType {
					_, err := conn.Write((&packets.Connack{ReasonCode: packets.Success}).Encode(packets.V311))
					return err
				}
				return nil
			})
			if ferr != nil {
				return
			}
		}
		if err != nil {
			return
		}
	}
}

func (b *fakeBackend) next(t *testing.T) codec.Frame {
	t.Helper()
	select {
	case raw := <-b.frames:
		hl, _, err := codec.ParseHeader(raw)
		require.NoError(t, err)
		return codec.Frame{Header: raw[0], Raw: raw, Body: raw[hl:]}
	case <-time.After(2 * time.Second):
		t.Fatal("backend received nothing")
		return codec.Frame{}
	}
}

func newProxy(t *testing.T, backendAddr string, tenants ...tenant.Config) *proxy.Proxy {
	t.Helper()

	store, err := tenant.NewStore(tenant.Rules{}, tenants, tenant.WillReject)
	require.NoError(t, err)
	bcfg := backend.DefaultConfig()
	bcfg.Address = backendAddr
	p, err := proxy.New(proxy.DefaultConfig(), proxy.Deps{
		Tenants: store,
		Dialer:  backend.NewDialer(bcfg, discard),
	}, discard)
	require.NoError(t, err)
	t.Cleanup(p.Close)
	return p
}

func openTenant(name string) tenant.Config {
	return tenant.Config{Name: name, AllowAnonymous: true, AllowRetain: true, MaxQoS: 2, TopicRules: "iot2"}
}

// startServer runs the server until the test ends and returns the result
// of Listen on the channel.
func startServer(t *testing.T, cfg Config, p *proxy.Proxy, limiter ConnLimiter) (*Server, context.CancelFunc, <-chan error) {
	t.Helper()

	if cfg.Address == "" {
		cfg.Address = "127.0.0.1:0"
	}
	cfg.Logger = discard
	s := New(cfg, p, limiter)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.Listen(ctx) }()
	t.Cleanup(cancel)

	require.Eventually(t, func() bool { return s.Addr() != nil }, 2*time.Second, 10*time.Millisecond)
	return s, cancel, errCh
}

func dial(t *testing.T, s *Server) net.Conn {
	t.Helper()
	conn, err := net.DialTimeout("tcp", s.Addr().String(), time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func connectFrame(clientID string) []byte {
	c := &packets.Connect{ProtocolName: "MQTT", Version: packets.V311, CleanStart: true, KeepAlive: 30, ClientID: clientID}
	return c.Encode()
}

// readFrame reads one complete frame from the connection.
func readFrame(t *testing.T, conn net.Conn) []byte {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	hdr := make([]byte, 2)
	_, err := io.ReadFull(conn, hdr)
	require.NoError(t, err)
	body := make([]byte, int(hdr[1]))
	_, err = io.ReadFull(conn, body)
	require.NoError(t, err)
	return append(hdr, body...)
}

func assertClosed(t *testing.T, conn net.Conn) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err := io.ReadAll(conn)
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		t.Fatal("connection was not closed")
	}
}

func TestServerProxiesSession(t *testing.T) {
	b := newFakeBackend(t)
	p := newProxy(t, b.ln.Addr().String(), openTenant("org1"))
	s, _, _ := startServer(t, Config{}, p, nil)

	conn := dial(t, s)
	_, err := conn.Write(connectFrame("d:org1:sensor:dev1"))
	require.NoError(t, err)

	f := b.next(t)
	require.Equal(t, packets.ConnectType, f.Type())
	pc, err := packets.DecodeProxyConnect(f.Body)
	require.NoError(t, err)
	assert.Equal(t, "org1", pc.Header.Org)
	assert.Equal(t, "d:org1:sensor:dev1", pc.Connect.ClientID)
	assert.Contains(t, pc.Header.ClientAddr, "127.0.0.1")

	assert.Equal(t, []byte{0x20, 0x02, 0x00, 0x00}, readFrame(t, conn))

	pub := &packets.Publish{Topic: "iot-2/evt/temp/fmt/json", Payload: []byte(`{"t":21}`)}
	_, err = conn.Write(pub.Encode(packets.V311))
	require.NoError(t, err)

	f = b.next(t)
	require.Equal(t, packets.PublishType, f.Type())
	got, err := packets.DecodePublish(f.Flags(), f.Body, packets.V311)
	require.NoError(t, err)
	assert.Equal(t, "iot-2/org1/type/sensor/id/dev1/evt/temp/fmt/json", got.Topic)
	assert.Equal(t, pub.Payload, got.Payload)

	require.Eventually(t, func() bool { return p.Stats().Connections == 1 }, time.Second, 10*time.Millisecond)
}

func TestServerRejectsNonConnect(t *testing.T) {
	b := newFakeBackend(t)
	p := newProxy(t, b.ln.Addr().String(), openTenant("org1"))
	s, _, _ := startServer(t, Config{}, p, nil)

	conn := dial(t, s)
	_, err := conn.Write([]byte{0xC0, 0x00})
	require.NoError(t, err)
	assertClosed(t, conn)
}

func TestServerPacketTooLarge(t *testing.T) {
	b := newFakeBackend(t)
	p := newProxy(t, b.ln.Addr().String(), openTenant("org1"))
	s, _, _ := startServer(t, Config{MaxPacketSize: 16}, p, nil)

	conn := dial(t, s)
	_, err := conn.Write(connectFrame("d:org1:sensor:a-rather-long-device-identifier"))
	require.NoError(t, err)
	assertClosed(t, conn)
}

func TestServerMaxConnections(t *testing.T) {
	b := newFakeBackend(t)
	p := newProxy(t, b.ln.Addr().String(), openTenant("org1"))
	s, _, _ := startServer(t, Config{MaxConnections: 1}, p, nil)

	first := dial(t, s)
	_, err := first.Write(connectFrame("d:org1:sensor:dev1"))
	require.NoError(t, err)
	assert.Equal(t, []byte{0x20, 0x02, 0x00, 0x00}, readFrame(t, first))

	second := dial(t, s)
	assertClosed(t, second)
}

type denyLimiter struct{}

func (denyLimiter) AllowConnection(net.Addr) bool { return false }

func TestServerConnectionRateLimited(t *testing.T) {
	b := newFakeBackend(t)
	p := newProxy(t, b.ln.Addr().String(), openTenant("org1"))
	s, _, _ := startServer(t, Config{}, p, denyLimiter{})

	conn := dial(t, s)
	assertClosed(t, conn)
}

func TestServerShutdown(t *testing.T) {
	b := newFakeBackend(t)

	t.Run("idle", func(t *testing.T) {
		p := newProxy(t, b.ln.Addr().String(), openTenant("org1"))
		_, cancel, errCh := startServer(t, Config{}, p, nil)
		cancel()
		select {
		case err := <-errCh:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Fatal("server did not stop")
		}
	})

	t.Run("open connection exceeds timeout", func(t *testing.T) {
		p := newProxy(t, b.ln.Addr().String(), openTenant("org1"))
		s, cancel, errCh := startServer(t, Config{ShutdownTimeout: 100 * time.Millisecond}, p, nil)

		conn := dial(t, s)
		_, err := conn.Write(connectFrame("d:org1:sensor:dev1"))
		require.NoError(t, err)
		readFrame(t, conn)

		cancel()
		select {
		case err := <-errCh:
			assert.ErrorIs(t, err, ErrShutdownTimeout)
		case <-time.After(3 * time.Second):
			t.Fatal("server did not stop")
		}
		assertClosed(t, conn)
	})

	t.Run("proxy closed first", func(t *testing.T) {
		p := newProxy(t, b.ln.Addr().String(), openTenant("org1"))
		s, cancel, errCh := startServer(t, Config{}, p, nil)

		conn := dial(t, s)
		_, err := conn.Write(connectFrame("d:org1:sensor:dev1"))
		require.NoError(t, err)
		readFrame(t, conn)

		p.Close()
		assertClosed(t, conn)
		cancel()
		select {
		case err := <-errCh:
			assert.NoError(t, err)
		case <-time.After(3 * time.Second):
			t.Fatal("server did not stop")
		}
	})
}
