// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package proxy

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

	"github.com/absmach/mqproxy/auth"
	"github.com/absmach/mqproxy/backend"
	"github.com/absmach/mqproxy/mqtt/codec"
	"github.com/absmach/mqproxy/mqtt/packets"
	"github.com/absmach/mqproxy/tenant"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errLinkClosed = errors.New("link closed")

type fakeLink struct {
	mu     sync.Mutex
	frames [][]byte
	closed bool
}

func (l *fakeLink) Send(frame []byte, _ bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return errLinkClosed
	}
	l.frames = append(l.frames, bytes.Clone(frame))
	return nil
}

func (l *fakeLink) Close() error {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	return nil
}

func (l *fakeLink) RemoteAddr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(192, 0, 2, 1), Port: 40000}
}

func (l *fakeLink) sent() [][]byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([][]byte(nil), l.frames...)
}

func (l *fakeLink) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

type fakeDialer struct {
	mu       sync.Mutex
	handlers []backend.Handler
}

func (d *fakeDialer) Dial(_ context.Context, h backend.Handler) {
	d.mu.Lock()
	d.handlers = append(d.handlers, h)
	d.mu.Unlock()
}

func (d *fakeDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.handlers)
}

func (d *fakeDialer) last() backend.Handler {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.handlers) == 0 {
		return nil
	}
	return d.handlers[len(d.handlers)-1]
}

type fakeRegistrar struct {
	mu      sync.Mutex
	devices []auth.Device
	done    []func(error)
}

func (r *fakeRegistrar) Register(_ context.Context, d auth.Device, done func(error)) {
	r.mu.Lock()
	r.devices = append(r.devices, d)
	r.done = append(r.done, done)
	r.mu.Unlock()
}

type fakeAuth struct {
	mu   sync.Mutex
	err  error
	ctx  context.Context
	done func(auth.Result, error)
	seen []auth.Credentials
}

func (a *fakeAuth) CheckCredentials(ctx context.Context, c auth.Credentials, done func(auth.Result, error)) (auth.Result, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.ctx = ctx
	a.seen = append(a.seen, c)
	if a.err != nil {
		return auth.Result{}, a.err
	}
	a.done = done
	return auth.Result{}, auth.ErrPending
}

func frameOf(t *testing.T, raw []byte) codec.Frame {
	t.Helper()
	hl, rl, err := codec.ParseHeader(raw)
	require.NoError(t, err)
	require.Equal(t, len(raw), hl+rl)
	return codec.Frame{Header: raw[0], Raw: raw, Body: raw[hl:]}
}

type harness struct {
	p      *Proxy
	dialer *fakeDialer
	reg    *fakeRegistrar
	auth   *fakeAuth
}

func newHarness(t *testing.T, tenants ...tenant.Config) *harness {
	t.Helper()
	return newHarnessWill(t, tenant.WillReject, tenants...)
}

func newHarnessWill(t *testing.T, will tenant.WillPolicy, tenants ...tenant.Config) *harness {
	t.Helper()
	store, err := tenant.NewStore(tenant.Rules{}, tenants, will)
	require.NoError(t, err)
	h := &harness{dialer: &fakeDialer{}, reg: &fakeRegistrar{}, auth: &fakeAuth{}}
	h.p, err = New(DefaultConfig(), Deps{
		Tenants:   store,
		Dialer:    h.dialer,
		Registrar: h.reg,
		Auth:      h.auth,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	return h
}

func openTenant(name string) tenant.Config {
	return tenant.Config{Name: name, AllowAnonymous: true, AllowRetain: true, MaxQoS: 2, TopicRules: "iot2"}
}

func connectPacket(version byte, clientID string) *packets.Connect {
	return &packets.Connect{ProtocolName: "MQTT", Version: version, CleanStart: true, KeepAlive: 60, ClientID: clientID}
}

type conn struct {
	s       *Session
	client  *fakeLink
	backend *fakeLink
}

// connect runs the client and backend handshakes of a new session.
func (h *harness) connect(t *testing.T, c *packets.Connect) *conn {
	t.Helper()
	cn := h.open(t, c)
	cn.acceptBackend(t, h, c.Version)
	return cn
}

// open sends CONNECT and leaves the backend handshake to the caller.
func (h *harness) open(t *testing.T, c *packets.Connect) *conn {
	t.Helper()
	cn := &conn{client: &fakeLink{}, backend: &fakeLink{}}
	cn.s = h.p.NewSession(cn.client, ConnInfo{RemoteAddr: "192.0.2.1:40000", Protocol: "tcp"})
	require.NoError(t, cn.s.Receive(frameOf(t, c.Encode())))
	return cn
}

func (cn *conn) acceptBackend(t *testing.T, h *harness, version byte) {
	t.Helper()
	bh := h.dialer.last()
	require.NotNil(t, bh, "backend was not dialed")
	bh.BackendReady(cn.backend)
	require.NoError(t, bh.ReceiveBackend(frameOf(t, (&packets.Connack{ReasonCode: packets.Success}).Encode(version))))
}

func (cn *conn) send(t *testing.T, raw []byte) error {
	t.Helper()
	return cn.s.Receive(frameOf(t, raw))
}

func (cn *conn) fromBackend(t *testing.T, raw []byte) error {
	t.Helper()
	return cn.s.ReceiveBackend(frameOf(t, raw))
}

func TestConnectAnonymous(t *testing.T) {
	h := newHarness(t, openTenant("org1"))
	cn := h.connect(t, connectPacket(packets.V311, "d:org1:sensor:dev1"))

	assert.Equal(t, StateConnected, cn.s.State())
	assert.Equal(t, [][]byte{{0x20, 0x02, 0x00, 0x00}}, cn.client.sent())

	sent := cn.backend.sent()
	require.Len(t, sent, 1)
	f := frameOf(t, sent[0])
	require.Equal(t, packets.ConnectType, f.Type())
	pc, err := packets.DecodeProxyConnect(f.Body)
	require.NoError(t, err)
	assert.Equal(t, "org1", pc.Header.Org)
	assert.Equal(t, "d:org1:sensor:dev1", pc.Connect.ClientID)
	assert.Equal(t, byte('d'), pc.Header.ClientClass)

	assert.Same(t, cn.s, h.p.Registry().Get("d:org1:sensor:dev1"))
	stats := h.p.Stats()
	assert.Equal(t, int64(1), stats.Connections)
}

func TestConnectRejected(t *testing.T) {
	closed := openTenant("closed")
	closed.AllowAnonymous = false
	disabled := openTenant("off")
	off := false
	disabled.Enabled = &off

	cases := []struct {
		desc     string
		clientID string
		connack  byte
	}{
		{desc: "unknown organization", clientID: "d:nope:sensor:dev1", connack: packets.ConnRefusedNotAuthorized},
		{desc: "disabled organization", clientID: "d:off:sensor:dev1", connack: packets.ConnRefusedNotAuthorized},
		{desc: "credentials required", clientID: "d:closed:sensor:dev1", connack: packets.ConnRefusedNotAuthorized},
		{desc: "client identifier without class", clientID: "plain-client", connack: packets.ConnRefusedIdentifier},
	}

	for _, tc := range cases {
		t.Run(tc.desc, func(t *testing.T) {
			h := newHarness(t, openTenant("org1"), closed, disabled)
			cn := &conn{client: &fakeLink{}}
			cn.s = h.p.NewSession(cn.client, ConnInfo{})
			err := cn.send(t, connectPacket(packets.V311, tc.clientID).Encode())

			assert.ErrorIs(t, err, ErrClosed)
			assert.Equal(t, [][]byte{{0x20, 0x02, 0x00, tc.connack}}, cn.client.sent())
			assert.True(t, cn.client.isClosed())
			assert.Equal(t, 0, h.dialer.dials())
			assert.Equal(t, uint64(1), h.p.Stats().ConnectFailures)
		})
	}
}

func TestFirstPacketMustBeConnect(t *testing.T) {
	h := newHarness(t, openTenant("org1"))
	client := &fakeLink{}
	s := h.p.NewSession(client, ConnInfo{})

	err := s.Receive(frameOf(t, packets.PingReq))
	assert.ErrorIs(t, err, ErrClosed)
	assert.Empty(t, client.sent())
	assert.True(t, client.isClosed())
}

func TestPublishHeldUntilBackendAccepts(t *testing.T) {
	h := newHarness(t, openTenant("org1"))
	cn := h.open(t, connectPacket(packets.V311, "d:org1:sensor:dev1"))

	pub := &packets.Publish{QoS: 1, PacketID: 1, Topic: "iot-2/evt/temp/fmt/json", Payload: []byte(`{"t":21}`)}
	require.NoError(t, cn.send(t, pub.Encode(packets.V311)))
	assert.Equal(t, StateInProgress, cn.s.State())

	cn.acceptBackend(t, h, packets.V311)

	want := &packets.Publish{QoS: 1, PacketID: 1, Topic: "iot-2/org1/type/sensor/id/dev1/evt/temp/fmt/json", Payload: []byte(`{"t":21}`)}
	sent := cn.backend.sent()
	require.Len(t, sent, 2)
	assert.Equal(t, want.Encode(packets.V311), sent[1])
}

func TestPublishRejectedTopic(t *testing.T) {
	h := newHarness(t, openTenant("org1"))

	t.Run("v5 negative acknowledgement", func(t *testing.T) {
		cn := h.connect(t, connectPacket(packets.V5, "d:org1:sensor:dev5"))
		pub := &packets.Publish{QoS: 1, PacketID: 7, Topic: "iot-2/cmd/reboot/fmt/json"}
		require.NoError(t, cn.send(t, pub.Encode(packets.V5)))

		sent := cn.client.sent()
		want := packets.NewAck(packets.PubackType, 7, packets.NotAuthorized, "topic not authorized").Encode(packets.V5)
		assert.Equal(t, want, sent[len(sent)-1])
		assert.Equal(t, StateConnected, cn.s.State())
		assert.Len(t, cn.backend.sent(), 1)
	})

	t.Run("v3.1.1 device disconnected", func(t *testing.T) {
		cn := h.connect(t, connectPacket(packets.V311, "d:org1:sensor:dev3"))
		pub := &packets.Publish{QoS: 1, PacketID: 7, Topic: "iot-2/cmd/reboot/fmt/json"}
		assert.ErrorIs(t, cn.send(t, pub.Encode(packets.V311)), ErrClosed)
		assert.Equal(t, StateClosed, cn.s.State())
		assert.True(t, cn.client.isClosed())
		assert.True(t, cn.backend.isClosed())
	})
}

func TestSubscribePartialReject(t *testing.T) {
	h := newHarness(t, openTenant("org1"))
	cn := h.connect(t, connectPacket(packets.V5, "d:org1:sensor:dev1"))

	sub := &packets.Subscribe{PacketID: 3, Subscriptions: []packets.Subscription{
		{Filter: "iot-2/cmd/+/fmt/+", Options: 1},
		{Filter: "iot-2/evt/+/fmt/json", Options: 1},
	}}
	require.NoError(t, cn.send(t, sub.Encode(packets.V5)))

	sent := cn.backend.sent()
	require.Len(t, sent, 2)
	fwd, err := packets.DecodeSubscribe(frameOf(t, sent[1]).Body, packets.V5)
	require.NoError(t, err)
	require.Len(t, fwd.Subscriptions, 1)
	assert.Equal(t, "iot-2/org1/type/sensor/id/dev1/cmd/+/fmt/+", fwd.Subscriptions[0].Filter)

	suback := &packets.Suback{PacketID: 3, ReasonCodes: []byte{packets.GrantedQoS1}}
	require.NoError(t, cn.fromBackend(t, suback.Encode(packets.V5)))

	out := cn.client.sent()
	got, err := packets.DecodeSuback(frameOf(t, out[len(out)-1]).Body, packets.V5)
	require.NoError(t, err)
	assert.Equal(t, []byte{packets.GrantedQoS1, packets.NotAuthorized}, got.ReasonCodes)
}

func TestBackendPublishRewritten(t *testing.T) {
	h := newHarness(t, openTenant("org1"))
	cn := h.connect(t, connectPacket(packets.V311, "d:org1:sensor:dev1"))

	in := &packets.Publish{QoS: 0, Topic: "iot-2/org1/type/sensor/id/dev1/cmd/reboot/fmt/json", Payload: []byte("now")}
	require.NoError(t, cn.fromBackend(t, in.Encode(packets.V311)))

	want := &packets.Publish{QoS: 0, Topic: "iot-2/cmd/reboot/fmt/json", Payload: []byte("now")}
	out := cn.client.sent()
	assert.Equal(t, want.Encode(packets.V311), out[len(out)-1])
	assert.Equal(t, uint64(1), h.p.Stats().PublishOut)
}

func TestGatewayDeviceAuthorization(t *testing.T) {
	h := newHarness(t, openTenant("org1"))
	cn := h.connect(t, connectPacket(packets.V5, "g:org1:gw:gw1"))

	for id := uint16(1); id <= 2; id++ {
		pub := &packets.Publish{QoS: 1, PacketID: id, Topic: "iot-2/type/sensor/id/d1/evt/e/fmt/json", Payload: []byte("x")}
		require.NoError(t, cn.send(t, pub.Encode(packets.V5)))
	}
	require.Len(t, h.reg.devices, 1, "one dispatch per device and connection")
	assert.Equal(t, auth.Device{Org: "org1", Type: "sensor", ID: "d1", GatewayType: "gw", GatewayID: "gw1"}, h.reg.devices[0])
	assert.Equal(t, 1, cn.s.PendingDevices())

	require.NoError(t, cn.send(t, packets.NewDisconnect(packets.Success, "").Encode(packets.V5)))
	assert.Equal(t, StateConnected, cn.s.State(), "disconnect waits for the device authorization")
	assert.Len(t, cn.backend.sent(), 1)

	h.reg.done[0](nil)

	sent := cn.backend.sent()
	require.Len(t, sent, 4)
	for i, id := range []uint16{1, 2} {
		f := frameOf(t, sent[i+1])
		require.Equal(t, packets.PublishType, f.Type())
		p, err := packets.DecodePublish(f.Flags(), f.Body, packets.V5)
		require.NoError(t, err)
		assert.Equal(t, id, p.PacketID)
		assert.Equal(t, "iot-2/org1/type/sensor/id/d1/evt/e/fmt/json", p.Topic)
	}
	assert.Equal(t, packets.DisconnectType, frameOf(t, sent[3]).Type())
	assert.Equal(t, StateClosed, cn.s.State())
	assert.Equal(t, 0, cn.s.PendingDevices())
	assert.Nil(t, h.p.Registry().Get("g:org1:gw:gw1"))
}

func TestGatewayDeviceDenied(t *testing.T) {
	h := newHarness(t, openTenant("org1"))
	cn := h.connect(t, connectPacket(packets.V5, "g:org1:gw:gw1"))

	pub := &packets.Publish{QoS: 1, PacketID: 9, Topic: "iot-2/type/sensor/id/d2/evt/e/fmt/json"}
	require.NoError(t, cn.send(t, pub.Encode(packets.V5)))
	h.reg.done[0](errors.New("unknown device"))

	out := cn.client.sent()
	ack, err := packets.DecodeAck(packets.PubackType, frameOf(t, out[len(out)-1]).Body, packets.V5)
	require.NoError(t, err)
	assert.Equal(t, uint16(9), ack.PacketID)
	assert.Equal(t, packets.NotAuthorized, ack.ReasonCode)
	assert.Len(t, cn.backend.sent(), 1)

	// The cached denial refuses the next publication without a dispatch.
	pub.PacketID = 10
	require.NoError(t, cn.send(t, pub.Encode(packets.V5)))
	assert.Len(t, h.reg.devices, 1)
}

func TestGatewayDeviceDeletedWhileQueued(t *testing.T) {
	h := newHarness(t, openTenant("org1"))
	cn := h.connect(t, connectPacket(packets.V5, "g:org1:gw:gw1"))

	pub := &packets.Publish{QoS: 1, PacketID: 3, Topic: "iot-2/type/sensor/id/d1/evt/e/fmt/json", Payload: []byte("x")}
	require.NoError(t, cn.send(t, pub.Encode(packets.V5)))
	require.Len(t, h.reg.done, 1)

	assert.True(t, h.p.DeleteDevice("org1", "sensor", "d1"))
	h.reg.done[0](nil)

	assert.Len(t, cn.backend.sent(), 1, "the held publication is not forwarded")
	out := cn.client.sent()
	require.Len(t, out, 2)
	ack, err := packets.DecodeAck(packets.PubackType, frameOf(t, out[1]).Body, packets.V5)
	require.NoError(t, err)
	assert.Equal(t, uint16(3), ack.PacketID)
	assert.Equal(t, packets.NotAuthorized, ack.ReasonCode)
	assert.Equal(t, 0, cn.s.PendingDevices())
	assert.Equal(t, StateConnected, cn.s.State())

	// The next publication asks the registrar again.
	pub.PacketID = 4
	require.NoError(t, cn.send(t, pub.Encode(packets.V5)))
	assert.Len(t, h.reg.devices, 2)
}

func TestWillPolicy(t *testing.T) {
	cases := []struct {
		desc     string
		global   tenant.WillPolicy
		policy   tenant.WillPolicy
		topic    string
		rejected bool
		will     bool
		want     string
	}{
		{desc: "valid topic converted", global: tenant.WillReject, topic: "iot-2/evt/status/fmt/json", will: true, want: "iot-2/org1/type/sensor/id/dev1/evt/status/fmt/json"},
		{desc: "unset falls back to global reject", global: tenant.WillReject, policy: tenant.WillUnset, topic: "not/allowed", rejected: true},
		{desc: "unset falls back to global remove", global: tenant.WillRemove, policy: tenant.WillUnset, topic: "not/allowed"},
		{desc: "allow keeps the will", global: tenant.WillReject, policy: tenant.WillAllow, topic: "not/allowed", will: true, want: "not/allowed"},
		{desc: "remove drops the will", global: tenant.WillReject, policy: tenant.WillRemove, topic: "not/allowed"},
		{desc: "reject refuses the connection", global: tenant.WillAllow, policy: tenant.WillReject, topic: "not/allowed", rejected: true},
	}

	for _, tc := range cases {
		t.Run(tc.desc, func(t *testing.T) {
			org := openTenant("org1")
			org.WillPolicy = tc.policy
			h := newHarnessWill(t, tc.global, org)

			c := connectPacket(packets.V5, "d:org1:sensor:dev1")
			c.WillFlag, c.WillQoS, c.WillTopic, c.WillPayload = true, 1, tc.topic, []byte("gone")

			if tc.rejected {
				cn := &conn{client: &fakeLink{}}
				cn.s = h.p.NewSession(cn.client, ConnInfo{})
				assert.ErrorIs(t, cn.send(t, c.Encode()), ErrClosed)
				out := cn.client.sent()
				require.Len(t, out, 1)
				ca, err := packets.DecodeConnack(frameOf(t, out[0]).Body, packets.V5)
				require.NoError(t, err)
				assert.Equal(t, packets.NotAuthorized, ca.ReasonCode)
				assert.Equal(t, 0, h.dialer.dials())
				return
			}

			cn := h.connect(t, c)
			assert.Equal(t, StateConnected, cn.s.State())
			sent := cn.backend.sent()
			require.NotEmpty(t, sent)
			pc, err := packets.DecodeProxyConnect(frameOf(t, sent[0]).Body)
			require.NoError(t, err)
			assert.Equal(t, tc.will, pc.Connect.WillFlag)
			if tc.will {
				assert.Equal(t, tc.want, pc.Connect.WillTopic)
				assert.Equal(t, []byte("gone"), pc.Connect.WillPayload)
			}
		})
	}
}

func TestAsyncAuthentication(t *testing.T) {
	checked := openTenant("org1")
	checked.AllowAnonymous = false
	checked.CheckUser = true

	connect := func() *packets.Connect {
		c := connectPacket(packets.V311, "a:org1:app1")
		c.UsernameFlag, c.Username = true, "key-1"
		c.PasswordFlag, c.Password = true, []byte("secret")
		return c
	}

	t.Run("accepted", func(t *testing.T) {
		h := newHarness(t, checked)
		cn := h.open(t, connect())
		require.NotNil(t, h.auth.done)
		assert.Equal(t, "key-1", h.auth.seen[0].Username)
		assert.Equal(t, 0, h.dialer.dials())

		sub := &packets.Subscribe{PacketID: 1, Subscriptions: []packets.Subscription{{Filter: "iot-2/type/+/id/+/evt/+/fmt/+"}}}
		require.NoError(t, cn.send(t, sub.Encode(packets.V311)))

		h.auth.done(auth.Result{}, nil)
		cn.acceptBackend(t, h, packets.V311)

		sent := cn.backend.sent()
		require.Len(t, sent, 2)
		pc, err := packets.DecodeProxyConnect(frameOf(t, sent[0]).Body)
		require.NoError(t, err)
		assert.True(t, pc.Header.WaitACL)
		fwd, err := packets.DecodeSubscribe(frameOf(t, sent[1]).Body, packets.V311)
		require.NoError(t, err)
		assert.Equal(t, "iot-2/org1/type/+/id/+/evt/+/fmt/+", fwd.Subscriptions[0].Filter)
	})

	t.Run("deadline", func(t *testing.T) {
		h := newHarness(t, checked)
		cn := h.open(t, connect())
		deadline, ok := h.auth.ctx.Deadline()
		require.True(t, ok)
		assert.WithinDuration(t, time.Now().Add(DefaultConfig().AuthTimeout), deadline, 5*time.Second)

		cn.s.Abort(newError(KindClosed, 0, "test"))
		assert.ErrorIs(t, h.auth.ctx.Err(), context.Canceled, "closing the session cancels the check")
	})

	t.Run("bad credentials", func(t *testing.T) {
		h := newHarness(t, checked)
		cn := h.open(t, connect())
		h.auth.done(auth.Result{}, auth.ErrBadCredentials)

		assert.Equal(t, [][]byte{{0x20, 0x02, 0x00, packets.ConnRefusedBadCredentials}}, cn.client.sent())
		assert.Equal(t, StateClosed, cn.s.State())
		assert.Equal(t, 0, h.dialer.dials())
	})
}

func TestBackendACLRestrictsPublish(t *testing.T) {
	h := newHarness(t, openTenant("org1"))
	cn := h.connect(t, connectPacket(packets.V5, "d:org1:sensor:dev1"))

	acl := &packets.ACL{Action: packets.ACLReplace, Filters: []string{"iot-2/org1/type/sensor/id/dev1/evt/allowed/fmt/+"}}
	require.NoError(t, cn.fromBackend(t, acl.Encode()))

	allowed := &packets.Publish{QoS: 1, PacketID: 1, Topic: "iot-2/evt/allowed/fmt/json"}
	denied := &packets.Publish{QoS: 1, PacketID: 2, Topic: "iot-2/evt/other/fmt/json"}
	require.NoError(t, cn.send(t, allowed.Encode(packets.V5)))
	require.NoError(t, cn.send(t, denied.Encode(packets.V5)))

	assert.Len(t, cn.backend.sent(), 2)
	out := cn.client.sent()
	ack, err := packets.DecodeAck(packets.PubackType, frameOf(t, out[len(out)-1]).Body, packets.V5)
	require.NoError(t, err)
	assert.Equal(t, uint16(2), ack.PacketID)
	assert.Equal(t, packets.NotAuthorized, ack.ReasonCode)
}

func TestSessionTakeover(t *testing.T) {
	h := newHarness(t, openTenant("org1"))
	first := h.connect(t, connectPacket(packets.V5, "d:org1:sensor:dev1"))
	second := h.connect(t, connectPacket(packets.V5, "d:org1:sensor:dev1"))

	require.Eventually(t, func() bool { return first.s.State() == StateClosed }, time.Second, 5*time.Millisecond)
	assert.Equal(t, StateConnected, second.s.State())
	assert.Same(t, second.s, h.p.Registry().Get("d:org1:sensor:dev1"))
	assert.Equal(t, uint64(1), h.p.Stats().Takeovers)

	out := first.client.sent()
	d, err := packets.DecodeDisconnect(frameOf(t, out[len(out)-1]).Body, packets.V5)
	require.NoError(t, err)
	assert.Equal(t, packets.SessionTakenOver, d.ReasonCode)
}

func TestDeleteDevice(t *testing.T) {
	h := newHarness(t, openTenant("org1"))
	cn := h.connect(t, connectPacket(packets.V5, "d:org1:sensor:dev1"))

	assert.True(t, h.p.DeleteDevice("org1", "sensor", "dev1"))
	assert.Equal(t, StateClosed, cn.s.State())
	assert.True(t, cn.client.isClosed())
	assert.False(t, h.p.DeleteDevice("org1", "sensor", "dev1"))
}

func TestBackendClosedBeforeConnack(t *testing.T) {
	h := newHarness(t, openTenant("org1"))
	cn := h.open(t, connectPacket(packets.V311, "d:org1:sensor:dev1"))

	h.dialer.last().BackendClosed(errors.New("connection refused"))

	assert.Equal(t, [][]byte{{0x20, 0x02, 0x00, packets.ConnRefusedUnavailable}}, cn.client.sent())
	assert.Equal(t, StateClosed, cn.s.State())
	assert.Nil(t, h.p.Registry().Get("d:org1:sensor:dev1"))
	assert.Equal(t, int64(0), h.p.Stats().Connections)
}
