// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package proxy

import (
	"context"
	"errors"
	"log/slog"
	"strconv"

	"github.com/absmach/mqproxy/auth"
	"github.com/absmach/mqproxy/mqtt/codec"
	"github.com/absmach/mqproxy/mqtt/packets"
	"github.com/absmach/mqproxy/tenant"
	"github.com/absmach/mqproxy/topics"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// tokenAuthUser is the user name of clients that authenticate with a token
// in the password. The client identifier is used as the user.
const tokenAuthUser = "use-token-auth"

func (s *Session) handleConnect(f codec.Frame) error {
	if s.state != StateNotConnected {
		return protocolError("second CONNECT")
	}
	s.state = StateInProgress
	s.startSpan()

	version, proxied, err := packets.DetectProtocolVersion(f.Body)
	switch {
	case err != nil && version == 0:
		return malformedError(err)
	case err != nil:
		s.version = packets.V311
		return wrapError(KindProtocolViolation, packets.UnsupportedProtocolVersion, "unsupported protocol version", err)
	case proxied:
		s.version = packets.V311
		return newError(KindProtocolViolation, packets.NotAuthorized, "proxy protocol not accepted from clients")
	}
	s.version = version

	c, err := packets.DecodeConnect(f.Body)
	if err != nil {
		return malformedError(err)
	}
	c = c.Clone()
	s.connect = c
	s.keepAlive = c.KeepAlive

	if s.p.closed.Load() {
		return newError(KindBackendUnavailable, packets.ServerUnavailable, "server shutting down")
	}
	if c.UsesEnhancedAuth() {
		return newError(KindAuthenticationFailed, packets.NotAuthorized, "enhanced authentication not supported")
	}

	clientID := c.ClientID
	if clientID == "" {
		id, ok := clientIDFromCert(s.info.CertNames, s.info.ServerName)
		if !ok {
			return newError(KindAuthenticationFailed, packets.ClientIDNotValid, "client identifier required")
		}
		clientID = id
		c.ClientID = id
		if s.version == packets.V5 {
			s.connackProps = s.connackProps.Set(packets.StringProp(packets.AssignedClientIDProp, id))
		}
	}
	if err := packets.ValidateClientID(clientID); err != nil {
		return wrapError(KindAuthenticationFailed, packets.ClientIDNotValid, "client identifier not valid", err)
	}

	id, err := s.p.deps.Classes.Match(clientID)
	if err != nil {
		return wrapError(KindAuthenticationFailed, packets.ClientIDNotValid, "client identifier not valid", err)
	}
	t, err := s.p.deps.Tenants.Get(id.Org)
	if err != nil {
		return wrapError(KindAuthenticationFailed, packets.NotAuthorized, "unknown organization", err)
	}
	if !t.IsEnabled() {
		return newError(KindAuthenticationFailed, packets.NotAuthorized, "organization disabled")
	}
	if t.Classes != nil {
		if id, err = t.Classes.Match(clientID); err != nil {
			return wrapError(KindAuthenticationFailed, packets.ClientIDNotValid, "client identifier not valid", err)
		}
	}
	s.clientID = clientID
	s.org = id.Org
	s.tenant = t
	s.rules = t.Topics
	s.scope = topics.Scope{Identity: id, AllowSys: t.AllowSysTopic, AllowShared: t.AllowShared}
	s.logger = s.logger.With(slog.String("client_id", clientID))
	if s.span != nil {
		s.span.SetAttributes(attribute.String("mqtt.client_id", clientID), attribute.String("mqtt.org", id.Org))
	}

	if t.RequireSecure && !s.info.Secure {
		return newError(KindAuthenticationFailed, packets.NotAuthorized, "secure connection required")
	}
	score, certName := matchCert(s.info.CertNames, &s.scope.Identity)
	if t.RequireCertificate && score == certNoMatch {
		return newError(KindAuthenticationFailed, packets.NotAuthorized, "client certificate does not match client identifier")
	}
	s.certName = certName
	if !t.MatchClientID(clientID) {
		return newError(KindAuthenticationFailed, packets.ClientIDNotValid, "client identifier not allowed")
	}
	if (id.Class == topics.ClassDevice || id.Class == topics.ClassGateway) && !t.MatchDevice(id.Type, id.ID) {
		return newError(KindAuthenticationFailed, packets.NotAuthorized, "device not allowed")
	}
	if err := s.applySessionLimits(c, t); err != nil {
		return err
	}
	return s.checkCredentials(c, t, score)
}

// applySessionLimits enforces the durable session policy and clamps the
// session expiry and keep alive, advertising the effective values to v5
// clients.
func (s *Session) applySessionLimits(c *packets.Connect, t *tenant.Tenant) error {
	if c.Durable() && !t.AllowDurable {
		return newError(KindAuthenticationFailed, packets.NotAuthorized, "durable sessions not allowed")
	}
	if c.Version == packets.V5 && t.MaxSessionExpiry > 0 && c.SessionExpiry() > t.MaxSessionExpiry {
		c.Properties = c.Properties.Set(packets.IntProp(packets.SessionExpiryIntervalProp, t.MaxSessionExpiry))
		s.connackProps = s.connackProps.Set(packets.IntProp(packets.SessionExpiryIntervalProp, t.MaxSessionExpiry))
	}

	limit := t.MaxKeepAlive
	if limit == 0 {
		limit = s.p.cfg.MaxKeepAlive
	}
	if limit > 0 && (c.KeepAlive == 0 || c.KeepAlive > limit) {
		c.KeepAlive = limit
		s.keepAlive = limit
		if c.Version == packets.V5 {
			s.connackProps = s.connackProps.Set(packets.IntProp(packets.ServerKeepAliveProp, uint32(limit)))
		}
	}
	if c.Version == packets.V5 && s.p.cfg.TopicAliasMax > 0 {
		s.connackProps = s.connackProps.Set(packets.IntProp(packets.TopicAliasMaximumProp, uint32(s.p.cfg.TopicAliasMax)))
	}
	outMax, _ := c.Properties.Uint(packets.TopicAliasMaximumProp)
	s.aliases = newAliases(s.p.cfg.TopicAliasMax, uint16(outMax))
	// Aliases end at the proxy; the backend sees full topics.
	c.Properties = c.Properties.Without(packets.TopicAliasMaximumProp)
	return nil
}

// checkCredentials decides how the client authenticates. It either
// authorizes the session, rejects it, or starts an asynchronous check.
func (s *Session) checkCredentials(c *packets.Connect, t *tenant.Tenant, certScore int) error {
	if t.IsQuickstart() {
		return s.authorized(auth.Result{})
	}

	user := c.Username
	switch {
	case c.UsernameFlag && c.Username == tokenAuthUser:
		user = s.clientID
	case !c.UsernameFlag && c.PasswordFlag && c.Version == packets.V5:
		user = s.clientID
	}
	hasCreds := c.UsernameFlag || c.PasswordFlag
	if t.UserIsClientID && hasCreds && user != s.clientID {
		return newError(KindAuthenticationFailed, packets.BadUserNameOrPassword, "user name must match client identifier")
	}
	s.userID = user

	if !hasCreds {
		switch {
		case certScore == certExact || t.AllowAnonymous:
			return s.authorized(auth.Result{})
		case t.RequireUser:
			return newError(KindAuthenticationFailed, packets.BadUserNameOrPassword, "user name required")
		default:
			return newError(KindAuthenticationFailed, packets.NotAuthorized, "credentials required")
		}
	}
	if !t.CheckUser && !t.RequireUser {
		return s.authorized(auth.Result{})
	}
	if s.p.deps.Auth == nil {
		return wrapError(KindAuthenticationFailed, packets.NotAuthorized, "no authenticator", auth.ErrNoAuthenticator)
	}

	creds := auth.Credentials{
		Org:        s.org,
		ClientID:   s.clientID,
		Username:   user,
		Password:   c.Password,
		CertName:   s.certName,
		ClientAddr: s.info.RemoteAddr,
		Class:      string(s.scope.Class),
		Secure:     s.info.Secure,
	}
	if !s.begin() {
		return newError(KindClosed, 0, "session closed")
	}
	ctx, cancel := context.WithTimeout(s.ctx, s.p.cfg.AuthTimeout)
	res, err := s.p.deps.Auth.CheckCredentials(ctx, creds, func(res auth.Result, err error) {
		cancel()
		s.authDone(res, err)
	})
	if errors.Is(err, auth.ErrPending) {
		s.authorizing = true
		s.p.stats.authPending.Add(1)
		s.logger.Debug("auth_pending")
		return errPending
	}
	cancel()
	s.async--
	s.released++
	return s.authResult(res, err)
}

// authDone completes an asynchronous credential check.
func (s *Session) authDone(res auth.Result, err error) {
	s.mu.Lock()
	s.p.stats.authPending.Add(-1)
	s.authorizing = false
	s.externalAuth = err == nil
	if s.state != StateClosed {
		if aerr := s.authResult(res, err); aerr != nil {
			s.fail(aerr)
		}
	}
	s.end()
	s.unlock()
}

func (s *Session) authResult(res auth.Result, err error) error {
	switch {
	case err == nil:
		s.scope.Masks = res.Masks
		return s.authorized(res)
	case errors.Is(err, auth.ErrTooManyRequests):
		return wrapError(KindTooManyRequests, packets.ConnectionRateExceeded, "connect request in queue", err).closing()
	case errors.Is(err, auth.ErrBadCredentials):
		return wrapError(KindAuthenticationFailed, packets.BadUserNameOrPassword, "bad user name or password", err)
	case errors.Is(err, auth.ErrNotAuthorized), errors.Is(err, auth.ErrNoAuthenticator):
		return wrapError(KindAuthenticationFailed, packets.NotAuthorized, "not authorized", err)
	default:
		return wrapError(KindBackendUnavailable, packets.ServerUnavailable, "authentication unavailable", err)
	}
}

// authorized finishes the handshake of an authenticated client: it applies
// the scale-out and will policies, registers the session, builds the
// backend CONNECT and dials the backend.
func (s *Session) authorized(res auth.Result) error {
	c := s.connect
	t := s.tenant
	id := &s.scope.Identity

	if id.Class == topics.ClassScaleOutApp && id.Type == "" {
		if c.Durable() {
			return newError(KindAuthenticationFailed, packets.NotAuthorized, "durable scale-out application needs an instance identifier")
		}
		s.clientID = s.clientID + ":" + uuid.NewString()
		c.ClientID = s.clientID
	}

	if c.WillFlag {
		if err := s.applyWillPolicy(c); err != nil {
			return err
		}
	}

	old, err := s.p.registry.Register(s, t.MaxConnections)
	if err != nil {
		return wrapError(KindResourceExhausted, packets.QuotaExceeded, "too many connections", err).closing()
	}
	s.registered = true
	if old != nil {
		s.p.stats.takeovers.Add(1)
		s.logger.Info("session_taken_over", slog.String("previous", old.Name()))
		go old.Abort(newError(KindClosed, packets.SessionTakenOver, "session taken over"))
	}

	if t.RemoveUser {
		c.RemoveUser()
	}
	hdr := packets.ProxyHeader{
		Org:             s.org,
		MaxConnectCount: uint32(t.MaxConnections),
		ClientAddr:      s.info.RemoteAddr,
		CertName:        s.certName,
		ExpectedMsgRate: uint32(t.ExpectedMsgRate),
		WaitACL:         s.externalAuth,
		ClientClass:     id.Class,
		UserID:          s.userID,
	}
	s.proxyConnect = (&packets.ProxyConnect{Connect: c, Header: hdr}).Encode()
	s.logger.Debug("client_authorized",
		slog.String("org", s.org),
		slog.String("class", string(id.Class)),
		slog.Int("masks", len(res.Masks)))

	if err := s.replayEarly(); err != nil {
		return err
	}
	if s.state == StateClosed {
		return nil
	}
	if !s.guard.acquire() {
		return newError(KindClosed, 0, "session closed")
	}
	s.connectHeld = true
	s.p.deps.Dialer.Dial(s.ctx, s)
	return nil
}

// applyWillPolicy rewrites the will topic for the backend. A will the
// session may not publish is kept, removed or rejected by the tenant's
// will policy.
func (s *Session) applyWillPolicy(c *packets.Connect) error {
	topic, err := s.rules.ConvertTopic(&s.scope, c.WillTopic, topics.Publish)
	if err == nil {
		c.WillTopic = topic
		return nil
	}
	switch s.p.deps.Tenants.WillPolicy(s.tenant) {
	case tenant.WillAllow:
		return nil
	case tenant.WillRemove:
		s.logger.Debug("will_removed", slog.String("topic", topics.Sanitize(c.WillTopic)))
		c.RemoveWill()
		return nil
	default:
		return wrapError(KindAuthorizationFailed, packets.NotAuthorized, "will topic not authorized", err).closing()
	}
}

func (s *Session) startSpan() {
	if s.p.deps.Tracer == nil {
		return
	}
	_, s.span = s.p.deps.Tracer.Start(s.ctx, "mqtt.connect",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("net.peer.addr", s.info.RemoteAddr),
			attribute.Bool("tls", s.info.Secure)))
}

func (s *Session) endSpan(e *Error) {
	if s.span == nil {
		return
	}
	if e != nil {
		s.span.SetStatus(codes.Error, e.Reason)
		s.span.SetAttributes(attribute.String("mqtt.reason_code", "0x"+strconv.FormatUint(uint64(e.Code), 16)))
	}
	s.span.End()
	s.span = nil
}
