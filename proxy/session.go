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
	"sync/atomic"
	"time"

	"github.com/absmach/mqproxy/mqtt/codec"
	"github.com/absmach/mqproxy/mqtt/packets"
	"github.com/absmach/mqproxy/tenant"
	"github.com/absmach/mqproxy/topics"
	"github.com/absmach/mqproxy/transport"
	"go.opentelemetry.io/otel/trace"
)

// Session is the state of one client connection and its backend link.
//
// Every entry point (client frames, backend frames, async completions)
// holds one unit of the inflight guard while it runs and takes the session
// lock. Closing the session biases the guard; the entry point that returns
// the last unit tears the session down.
type Session struct {
	p       *Proxy
	name    string
	client  transport.Link
	info    ConnInfo
	ctx     context.Context
	cancel  context.CancelFunc
	logger  *slog.Logger
	created time.Time

	guard    inflight
	tornDown atomic.Bool

	// clientID and org are fixed before the session is registered.
	clientID string
	org      string

	mu           sync.Mutex
	state        State
	version      byte
	connect      *packets.Connect
	tenant       *tenant.Tenant
	rules        *topics.TopicRules
	scope        topics.Scope
	certName     string
	userID       string
	keepAlive    uint16
	connackProps packets.Properties
	connackSent  bool
	registered   bool
	connected    bool
	closeReason  string
	span         trace.Span

	authorizing  bool
	externalAuth bool
	early        [][]byte
	earlySize    int

	proxyConnect []byte
	backend      transport.Link
	connectHeld  bool
	linksClosed  bool
	released     int
	async        int
	disconnect   []byte

	pending     *PendingBuffer
	aliases     *aliases
	localQoS2   map[uint16]struct{}
	subs        map[uint16]*filterMerge
	unsubs      map[uint16]*filterMerge
	acl         []string
	aclSet      bool
	pendingDevs int
}

// Name returns the connection name used as the device cache owner.
func (s *Session) Name() string {
	return s.name
}

// ClientID returns the client identifier once CONNECT was accepted.
func (s *Session) ClientID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clientID
}

// State returns the connection state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// PendingDevices returns the number of device authorizations in progress.
func (s *Session) PendingDevices() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pendingDevs
}

// ReadTimeout returns how long the listener waits for the next client
// bytes: the connect timeout before CONNECT, then one and a half times the
// keep alive. Zero means no deadline.
func (s *Session) ReadTimeout() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateNotConnected {
		return s.p.cfg.ConnectTimeout
	}
	return time.Duration(s.keepAlive) * 1500 * time.Millisecond
}

// Receive processes one complete client frame. The frame is only valid for
// the duration of the call. ErrClosed tells the listener to stop reading.
func (s *Session) Receive(f codec.Frame) error {
	if !s.guard.acquire() {
		return ErrClosed
	}
	s.mu.Lock()
	s.released++
	if err := s.handleClient(f); err != nil {
		s.fail(err)
	}
	closed := s.state == StateClosed
	s.unlock()
	if closed {
		return ErrClosed
	}
	return nil
}

// ClientClosed reports that reading from the client stopped. A nil error
// is an orderly close. Framing errors and keep alive expiry are reported
// to v5 clients before the connection closes.
func (s *Session) ClientClosed(err error) {
	s.mu.Lock()
	if s.state != StateClosed {
		e := readError(err)
		if e == nil && err != nil {
			s.logger.Debug("client_connection_lost", slog.String("error", err.Error()))
		}
		s.shutdown(e)
	}
	s.unlock()
}

func readError(err error) *Error {
	var ne net.Error
	switch {
	case err == nil, errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed), errors.Is(err, ErrClosed):
		return nil
	case errors.Is(err, codec.ErrTooLarge):
		return wrapError(KindMalformedWire, packets.PacketTooLarge, "packet too large", err)
	case errors.Is(err, codec.ErrBadLength), errors.Is(err, codec.ErrNotBinary):
		return malformedError(err)
	case errors.As(err, &ne) && ne.Timeout():
		return wrapError(KindClosed, packets.KeepAliveTimeout, "keep alive timeout", err)
	default:
		return nil
	}
}

// Abort closes the session, reporting e to the client when the protocol
// allows it.
func (s *Session) Abort(e *Error) {
	s.mu.Lock()
	s.shutdown(e)
	s.unlock()
}

func (s *Session) handleClient(f codec.Frame) error {
	if err := packets.CheckFlags(f.Header); err != nil {
		return malformedError(err)
	}
	typ := f.Type()
	if typ == packets.ConnectType {
		return s.handleConnect(f)
	}
	switch s.state {
	case StateNotConnected:
		return wrapError(KindProtocolViolation, packets.ProtocolError, "first packet must be CONNECT", ErrConnectFirst)
	case StateStolen, StateClosed:
		return nil
	}
	if s.disconnect != nil {
		return nil
	}
	if s.authorizing {
		return s.holdEarly(f)
	}

	switch typ {
	case packets.PublishType:
		return s.handlePublish(f)
	case packets.PubackType, packets.PubrecType, packets.PubcompType:
		return s.forwardAck(f)
	case packets.PubrelType:
		return s.handlePubrel(f)
	case packets.SubscribeType:
		return s.handleSubscribe(f)
	case packets.UnsubscribeType:
		return s.handleUnsubscribe(f)
	case packets.PingreqType:
		s.toClient(packets.PingResp, true)
		return nil
	case packets.DisconnectType:
		return s.handleDisconnect(f)
	case packets.AuthType:
		return newError(KindAuthenticationFailed, packets.NotAuthorized, "enhanced authentication not supported")
	default:
		return protocolError("unexpected " + packets.TypeName(typ) + " from client")
	}
}

// holdEarly keeps a frame that arrived while credentials are checked. It is
// processed once the session is authorized.
func (s *Session) holdEarly(f codec.Frame) error {
	if hard := s.p.cfg.PendingHard; hard > 0 && s.earlySize+len(f.Raw) > hard {
		e := newError(KindResourceExhausted, packets.QuotaExceeded, "pending data limit exceeded")
		e.Disconnect = true
		return e
	}
	s.early = append(s.early, bytes.Clone(f.Raw))
	s.earlySize += len(f.Raw)
	return nil
}

// replayEarly processes the frames held during authentication.
func (s *Session) replayEarly() error {
	early := s.early
	s.early, s.earlySize = nil, 0
	for _, raw := range early {
		hl, _, err := codec.ParseHeader(raw)
		if err != nil {
			return malformedError(err)
		}
		err = s.handleClient(codec.Frame{Header: raw[0], Raw: raw, Body: raw[hl:]})
		if err == nil || isPending(err) {
			continue
		}
		if e := asError(err); e.Closes() {
			return e
		}
	}
	return nil
}

func (s *Session) forwardAck(f codec.Frame) error {
	if _, err := packets.DecodeAck(f.Type(), f.Body, s.version); err != nil {
		return malformedError(err)
	}
	return s.sendBackend(bytes.Clone(f.Raw))
}

func (s *Session) handlePubrel(f codec.Frame) error {
	a, err := packets.DecodeAck(packets.PubrelType, f.Body, s.version)
	if err != nil {
		return malformedError(err)
	}
	if _, ok := s.localQoS2[a.PacketID]; ok {
		delete(s.localQoS2, a.PacketID)
		s.toClient(packets.NewAck(packets.PubcompType, a.PacketID, packets.Success, "").Encode(s.version), false)
		return nil
	}
	return s.sendBackend(bytes.Clone(f.Raw))
}

func (s *Session) handleDisconnect(f codec.Frame) error {
	if _, err := packets.DecodeDisconnect(f.Body, s.version); err != nil {
		return malformedError(err)
	}
	s.disconnect = bytes.Clone(f.Raw)
	if !s.settled() {
		s.logger.Debug("disconnect_deferred", slog.Int("async", s.async))
		return nil
	}
	s.finishDisconnect()
	return nil
}

// settled reports whether nothing the client sent is still waiting on an
// asynchronous decision or on the backend handshake.
func (s *Session) settled() bool {
	return s.async == 0 && !s.connectHeld
}

// settle completes a deferred DISCONNECT once the session is settled.
func (s *Session) settle() {
	if s.disconnect != nil && s.state != StateClosed && s.settled() {
		s.finishDisconnect()
	}
}

func (s *Session) finishDisconnect() {
	if s.state == StateConnected && s.backend != nil {
		_ = s.backend.Send(s.disconnect, true)
	}
	s.logger.Debug("client_disconnected", slog.String("client_id", s.clientID))
	s.shutdown(nil)
}

// begin registers an asynchronous operation. The operation owns one guard
// unit until end is called from its completion.
func (s *Session) begin() bool {
	if !s.guard.acquire() {
		return false
	}
	s.async++
	return true
}

func (s *Session) end() {
	s.async--
	s.released++
	s.settle()
}

// fail applies an error returned by a handler.
func (s *Session) fail(err error) {
	if isPending(err) {
		return
	}
	e := asError(err)
	s.p.deps.Metrics.RecordError(e.Kind.String())
	if !e.Closes() {
		s.logger.Debug("packet_rejected",
			slog.String("kind", e.Kind.String()),
			slog.String("reason", e.Reason))
		return
	}
	s.shutdown(e)
}

// shutdown moves the session to Closed, telling the client why when it can.
// Links are closed by unlock.
func (s *Session) shutdown(e *Error) {
	if s.state == StateClosed {
		return
	}
	prev := s.state
	s.state = StateClosed
	s.closeReason = "normal"
	switch {
	case prev == StateStolen:
		s.closeReason = "taken_over"
	case e != nil:
		s.closeReason = e.Kind.String()
	}
	if e != nil && e.Code != 0 && prev != StateStolen {
		switch {
		case !s.connackSent && s.version != 0:
			s.sendConnack(e.Code, e.Reason, nil)
		case s.connackSent && s.version == packets.V5:
			s.toClient(packets.NewDisconnect(e.Code, e.Reason).Encode(packets.V5), true)
		}
	}
	if s.connectHeld {
		s.connectHeld = false
		s.released++
	}
	if !s.connackSent || prev == StateInProgress {
		s.p.stats.connectFailures.Add(1)
	}
	s.endSpan(e)

	if e == nil {
		s.logger.Debug("session_closed", slog.String("client_id", s.clientID), slog.String("state", prev.String()))
		return
	}
	s.logger.Info("session_closed",
		slog.String("client_id", s.clientID),
		slog.String("state", prev.String()),
		slog.String("kind", e.Kind.String()),
		slog.String("reason", e.Reason))
}

// unlock releases the session lock, then closes the links of a closed
// session and returns the guard units collected while the lock was held.
func (s *Session) unlock() {
	n := s.released
	s.released = 0
	closeLinks := s.state == StateClosed && !s.linksClosed
	if closeLinks {
		s.linksClosed = true
	}
	be := s.backend
	s.mu.Unlock()

	if closeLinks {
		s.cancel()
		_ = s.client.Close()
		if be != nil {
			_ = be.Close()
		}
		if s.guard.close() {
			s.teardown()
		}
	}
	for ; n > 0; n-- {
		s.release()
	}
}

func (s *Session) release() {
	teardown, ok := s.guard.release()
	if !ok {
		s.logger.Error("inflight_underflow")
		_ = s.client.Close()
		return
	}
	if teardown {
		s.teardown()
	}
}

// teardown frees what the session holds outside itself. It runs once, after
// the last operation finished.
func (s *Session) teardown() {
	if s.tornDown.Swap(true) {
		return
	}
	s.cancel()

	s.mu.Lock()
	lost := s.pending.Len() + len(s.early)
	registered := s.registered
	clientID := s.clientID
	connected := s.connected
	reason := s.closeReason
	s.mu.Unlock()

	lost += s.p.deps.Devices.Release(s.name)
	if registered {
		s.p.registry.Remove(s)
	}
	if s.p.deps.Limiter != nil && clientID != "" {
		s.p.deps.Limiter.OnClientDisconnect(clientID)
	}
	s.p.stats.connections.Add(-1)
	s.p.stats.lost.Add(uint64(lost))
	if connected {
		s.p.deps.Metrics.RecordDisconnection(reason)
	}
	s.logger.Debug("session_teardown",
		slog.String("client_id", clientID),
		slog.Int("lost", lost),
		slog.Duration("lifetime", time.Since(s.created)))
}

// toClient sends a frame to the client. A failed send closes the session.
func (s *Session) toClient(frame []byte, control bool) {
	if err := s.client.Send(frame, control); err != nil {
		s.logger.Debug("client_send_failed", slog.String("error", err.Error()))
		s.shutdown(nil)
	}
}

// sendBackend forwards a frame to the backend, or holds it until the
// backend accepted the session. sendBackend owns frame. QoS 0 publications
// discarded above the soft limit are counted lost and not reported.
func (s *Session) sendBackend(frame []byte) error {
	if s.state == StateConnected && s.backend != nil {
		if err := s.backend.Send(frame, false); err != nil {
			return wrapError(KindBackendUnavailable, packets.ServerUnavailable, "backend send failed", err)
		}
		return nil
	}
	switch err := s.pending.Append(frame); err {
	case nil:
		return nil
	case ErrDiscarded:
		s.p.stats.lost.Add(1)
		return nil
	default:
		return wrapError(KindResourceExhausted, packets.QuotaExceeded, "pending data limit exceeded", err)
	}
}

func (s *Session) sendConnack(rc byte, reason string, props packets.Properties) {
	s.connackSent = true
	if s.version < packets.V5 {
		if _, ok := packets.LegacyConnackCode(rc); !ok {
			return
		}
		s.toClient((&packets.Connack{ReasonCode: rc}).Encode(s.version), true)
		return
	}
	if reason != "" && rc != packets.Success {
		props = props.Set(packets.StringProp(packets.ReasonStringProp, reason))
	}
	s.toClient((&packets.Connack{ReasonCode: rc, Properties: props}).Encode(s.version), true)
}
