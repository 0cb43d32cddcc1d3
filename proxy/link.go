// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package proxy

import (
	"bytes"
	"log/slog"

	"github.com/absmach/mqproxy/backend"
	"github.com/absmach/mqproxy/devauth"
	"github.com/absmach/mqproxy/mqtt/codec"
	"github.com/absmach/mqproxy/mqtt/packets"
	"github.com/absmach/mqproxy/topics"
	"github.com/absmach/mqproxy/transport"
)

var _ backend.Handler = (*Session)(nil)

// BackendReady sends the proxied CONNECT on a new backend link.
func (s *Session) BackendReady(l transport.Link) {
	s.mu.Lock()
	if s.state == StateClosed || s.backend != nil {
		s.mu.Unlock()
		_ = l.Close()
		return
	}
	s.backend = l
	if err := l.Send(s.proxyConnect, true); err != nil {
		s.shutdown(wrapError(KindBackendUnavailable, packets.ServerUnavailable, "backend unavailable", err))
	}
	s.unlock()
}

// ReceiveBackend processes one backend frame.
func (s *Session) ReceiveBackend(f codec.Frame) error {
	if !s.guard.acquire() {
		return ErrClosed
	}
	s.mu.Lock()
	s.released++
	if s.state != StateClosed {
		if err := s.handleBackend(f); err != nil {
			s.fail(err)
		}
	}
	closed := s.state == StateClosed
	s.unlock()
	if closed {
		return ErrClosed
	}
	return nil
}

// BackendClosed reports the end of the backend link, or a failed dial.
func (s *Session) BackendClosed(err error) {
	s.mu.Lock()
	if s.state != StateClosed {
		reason := "backend connection closed"
		if err != nil {
			reason = "backend unavailable"
			s.logger.Warn("backend_link_failed", slog.String("error", err.Error()))
		}
		code := packets.ServerUnavailable
		if s.connackSent {
			code = packets.ServerShuttingDown
		}
		s.shutdown(wrapError(KindBackendUnavailable, code, reason, err))
	}
	s.unlock()
}

func (s *Session) handleBackend(f codec.Frame) error {
	switch f.Type() {
	case packets.ConnackType:
		return s.backendConnack(f)
	case packets.PublishType:
		return s.backendPublish(f)
	case packets.PubackType, packets.PubrecType, packets.PubrelType, packets.PubcompType:
		s.toClient(cloneFrame(f), false)
		return nil
	case packets.SubackType:
		return s.backendSuback(f)
	case packets.UnsubackType:
		return s.backendUnsuback(f)
	case packets.PingrespType:
		return nil
	case packets.DisconnectType:
		return s.backendDisconnect(f)
	case packets.ExtType:
		return s.backendExt(f)
	default:
		return newError(KindBackendUnavailable, packets.ImplementationSpecificError,
			"unexpected "+packets.TypeName(f.Type())+" from backend")
	}
}

func (s *Session) backendConnack(f codec.Frame) error {
	if s.state != StateInProgress || s.connackSent {
		return newError(KindBackendUnavailable, packets.ImplementationSpecificError, "unexpected CONNACK from backend")
	}
	ca, err := packets.DecodeConnack(f.Body, s.version)
	if err != nil {
		return backendError(err)
	}
	if s.connectHeld {
		s.connectHeld = false
		s.released++
	}
	if ca.ReasonCode != packets.Success {
		s.toClient(ca.Encode(s.version), true)
		s.connackSent = true
		return newError(KindAuthenticationFailed, 0, "backend refused connection")
	}

	props := ca.Properties
	for _, p := range s.connackProps {
		props = props.Set(p)
	}
	s.state = StateConnected
	s.connected = true
	s.sendConnack(packets.Success, "", props)
	s.endSpan(nil)
	s.p.deps.Metrics.RecordConnection(versionName(s.version))
	s.logger.Info("client_connected",
		slog.String("org", s.org),
		slog.Int("version", int(s.version)),
		slog.Bool("secure", s.info.Secure))

	if err := s.replayPending(); err != nil {
		return err
	}
	s.settle()
	return nil
}

func (s *Session) backendPublish(f codec.Frame) error {
	p, err := packets.DecodePublish(f.Flags(), f.Body, s.version)
	if err != nil {
		return backendError(err)
	}
	topic, err := s.rules.ConvertTopicOut(&s.scope.Identity, p.Topic)
	if err != nil {
		s.logger.Warn("backend_topic_not_convertible", slog.String("topic", topics.Sanitize(p.Topic)))
		if p.QoS > 0 {
			typ := packets.PubackType
			if p.QoS == 2 {
				typ = packets.PubrecType
			}
			_ = s.backend.Send(packets.NewAck(typ, p.PacketID, packets.NotAuthorized, "").Encode(s.version), false)
		}
		return nil
	}
	p.Topic = topic
	if s.version == packets.V5 {
		p.Properties = p.Properties.Without(packets.TopicAliasProp)
		if alias, known := s.aliases.outboundAlias(topic); alias != 0 {
			p.Properties = p.Properties.Set(packets.IntProp(packets.TopicAliasProp, uint32(alias)))
			if known {
				p.Topic = ""
			}
		}
	}
	s.p.stats.publishOut.Add(1)
	s.p.deps.Metrics.RecordMessageSent(p.QoS, int64(len(p.Payload)))
	s.toClient(p.Encode(s.version), false)
	return nil
}

func (s *Session) backendDisconnect(f codec.Frame) error {
	d, err := packets.DecodeDisconnect(f.Body, s.version)
	if err != nil {
		return backendError(err)
	}
	if s.version == packets.V5 {
		s.toClient(cloneFrame(f), true)
	}
	if d.ReasonCode == packets.SessionTakenOver {
		s.state = StateStolen
		s.p.stats.takeovers.Add(1)
	}
	s.logger.Info("backend_disconnected", slog.Int("reason_code", int(d.ReasonCode)))
	s.shutdown(nil)
	return nil
}

func (s *Session) backendExt(f codec.Frame) error {
	switch f.Flags() {
	case packets.ExtACL:
		acl, err := packets.DecodeACL(f.Body)
		if err != nil {
			return backendError(err)
		}
		s.applyACL(acl)
	case packets.ExtPing:
		ping, err := packets.DecodeExtendedPing(f.Body)
		if err != nil {
			return backendError(err)
		}
		if ping.Kind != packets.PingRequest || s.backend == nil {
			return nil
		}
		resp := &packets.ExtendedPing{
			Kind:      packets.PingResponse,
			Timestamp: ping.Timestamp,
			Inflight:  uint32(s.guard.count()),
			Pending:   uint32(s.pending.Len() + s.pendingDevs),
		}
		_ = s.backend.Send(resp.Encode(), true)
	default:
		return newError(KindBackendUnavailable, packets.ImplementationSpecificError, "unknown extension packet")
	}
	return nil
}

func (s *Session) applyACL(acl *packets.ACL) {
	switch acl.Action {
	case packets.ACLReplace:
		s.acl = append([]string(nil), acl.Filters...)
	case packets.ACLAdd:
		for _, f := range acl.Filters {
			if !containsString(s.acl, f) {
				s.acl = append(s.acl, f)
			}
		}
	case packets.ACLRemove:
		kept := s.acl[:0]
		for _, f := range s.acl {
			if !containsString(acl.Filters, f) {
				kept = append(kept, f)
			}
		}
		s.acl = kept
	}
	s.aclSet = true
	s.logger.Debug("acl_updated", slog.Int("action", int(acl.Action)), slog.Int("filters", len(s.acl)))
}

// replayPending sends the frames held before the backend accepted the
// session, revalidating them against the current rules.
func (s *Session) replayPending() error {
	if s.pending.Len() == 0 {
		return nil
	}
	processed, total, err := s.pending.Replay(s.replayFrame)
	if lost := total - processed; lost > 0 {
		s.p.stats.lost.Add(uint64(lost))
		s.logger.Info("pending_data_rejected", slog.Int("lost", lost), slog.Int("total", total))
	}
	return err
}

func (s *Session) replayFrame(f codec.Frame) error {
	switch f.Type() {
	case packets.PublishType:
		p, err := packets.DecodePublish(f.Flags(), f.Body, s.version)
		if err != nil {
			return err
		}
		if err := s.revalidate(p.Topic, topics.Publish); err != nil {
			if nerr := s.nak(p, packets.NotAuthorized, "topic not authorized"); nerr != nil {
				return nerr
			}
			return err
		}
	case packets.SubscribeType:
		sub, err := packets.DecodeSubscribe(f.Body, s.version)
		if err != nil {
			return err
		}
		m := s.subs[sub.PacketID]
		keep := sub.Subscriptions[:0:0]
		var dropped []int
		for i, sc := range sub.Subscriptions {
			if err := s.revalidate(sc.Filter, topics.Subscribe); err != nil {
				dropped = append(dropped, i)
				continue
			}
			keep = append(keep, sc)
		}
		// Highest first, so earlier forwarded positions stay put.
		for i := len(dropped) - 1; i >= 0 && m != nil; i-- {
			m.rejectForwarded(dropped[i], packets.NotAuthorized)
		}
		if len(keep) == 0 {
			delete(s.subs, sub.PacketID)
			codes := []byte{packets.NotAuthorized}
			if m != nil {
				codes = m.codes
			}
			s.toClient((&packets.Suback{PacketID: sub.PacketID, ReasonCodes: codes}).Encode(s.version), false)
			return ErrDiscarded
		}
		if len(keep) < len(sub.Subscriptions) {
			sub.Subscriptions = keep
			return s.backend.Send(sub.Encode(s.version), false)
		}
	}
	return s.backend.Send(f.Raw, false)
}

// revalidate checks that a backend canonical topic or filter still maps to
// what the client may use: it is converted back to the client form and
// forward again, and must come out the same.
func (s *Session) revalidate(canonical string, dir topics.Direction) error {
	if topics.IsSys(canonical) {
		if !s.scope.AllowSys {
			return topics.ErrSysNotAllowed
		}
		return nil
	}
	inner := canonical
	if dir == topics.Subscribe {
		if _, f, ok := topics.ParseShared(canonical); ok {
			inner = f
		}
	}
	client, err := s.rules.ConvertTopicOut(&s.scope.Identity, inner)
	if err != nil {
		return err
	}
	back, err := s.rules.ConvertTopic(&s.scope, client, dir)
	if err != nil {
		return err
	}
	if back != inner && back != canonical {
		return topics.ErrNotAuthorized
	}
	if dir == topics.Publish && s.aclSet && !topics.MatchAny(s.acl, canonical) {
		return topics.ErrNotAuthorized
	}
	if devType, devID, ok := s.gatewayDevice(client); ok {
		key := devauth.Key{Org: s.org, Type: devType, ID: devID}
		if o, _ := s.p.deps.Devices.Check(key, s.name); o == devauth.Denied {
			return topics.ErrNotAuthorized
		}
	}
	return nil
}

func backendError(err error) *Error {
	return wrapError(KindBackendUnavailable, packets.ImplementationSpecificError, "malformed packet from backend", err)
}

func cloneFrame(f codec.Frame) []byte {
	return bytes.Clone(f.Raw)
}

func containsString(list []string, s string) bool {
	for _, x := range list {
		if x == s {
			return true
		}
	}
	return false
}

func versionName(v byte) string {
	switch v {
	case packets.V31:
		return "3.1"
	case packets.V311:
		return "3.1.1"
	case packets.V5:
		return "5"
	default:
		return "unknown"
	}
}
