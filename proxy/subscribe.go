// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package proxy

import (
	"errors"
	"log/slog"

	"github.com/absmach/mqproxy/devauth"
	"github.com/absmach/mqproxy/mqtt/codec"
	"github.com/absmach/mqproxy/mqtt/packets"
	"github.com/absmach/mqproxy/topics"
)

// filterMerge remembers which filters of a SUBSCRIBE or UNSUBSCRIBE were
// rejected locally, so the backend acknowledgement can be widened back to
// one reason code per client filter.
type filterMerge struct {
	codes     []byte
	forwarded []bool
}

func newFilterMerge(n int) *filterMerge {
	return &filterMerge{codes: make([]byte, n), forwarded: make([]bool, n)}
}

func (m *filterMerge) reject(i int, rc byte) {
	m.codes[i] = rc
	m.forwarded[i] = false
}

// rejectForwarded rejects the n-th forwarded filter.
func (m *filterMerge) rejectForwarded(n int, rc byte) {
	for i, fwd := range m.forwarded {
		if !fwd {
			continue
		}
		if n == 0 {
			m.reject(i, rc)
			return
		}
		n--
	}
}

// merge fills the forwarded slots with the backend codes, in order.
func (m *filterMerge) merge(backend []byte) []byte {
	out := make([]byte, len(m.codes))
	j := 0
	for i, rc := range m.codes {
		if !m.forwarded[i] {
			out[i] = rc
			continue
		}
		if j < len(backend) {
			out[i] = backend[j]
			j++
		} else {
			out[i] = packets.UnspecifiedError
		}
	}
	return out
}

func (s *Session) handleSubscribe(f codec.Frame) error {
	sub, err := packets.DecodeSubscribe(f.Body, s.version)
	if err != nil {
		return malformedError(err)
	}
	m := newFilterMerge(len(sub.Subscriptions))
	keep := make([]packets.Subscription, 0, len(sub.Subscriptions))
	limit := s.tenant.QoSLimit()
	for i, sc := range sub.Subscriptions {
		filter, rc, ok := s.checkFilter(sc.Filter)
		if !ok {
			m.reject(i, rc)
			s.logger.Debug("subscribe_filter_rejected",
				slog.String("filter", topics.Sanitize(sc.Filter)),
				slog.Int("reason_code", int(rc)))
			continue
		}
		opts := sc.Options
		if sc.QoS() > limit {
			opts = opts&^0x03 | limit
		}
		m.forwarded[i] = true
		keep = append(keep, packets.Subscription{Filter: filter, Options: opts})
	}
	if len(keep) == 0 {
		s.toClient((&packets.Suback{PacketID: sub.PacketID, ReasonCodes: m.codes}).Encode(s.version), false)
		return nil
	}

	out := &packets.Subscribe{PacketID: sub.PacketID, Properties: sub.Properties.Clone(), Subscriptions: keep}
	s.subs[sub.PacketID] = m
	if err := s.sendBackend(out.Encode(s.version)); err != nil {
		delete(s.subs, sub.PacketID)
		if !errors.Is(err, ErrPendingFull) {
			return err
		}
		for i := range m.codes {
			m.reject(i, packets.QuotaExceeded)
		}
		s.toClient((&packets.Suback{PacketID: sub.PacketID, ReasonCodes: m.codes}).Encode(s.version), false)
	}
	return nil
}

// checkFilter converts a client filter for the backend. Filters naming a
// device a gateway was already refused for are rejected from the cached
// outcome; subscriptions never dispatch a device authorization.
func (s *Session) checkFilter(filter string) (string, byte, bool) {
	out, err := s.rules.ConvertTopic(&s.scope, filter, topics.Subscribe)
	if err != nil {
		return "", filterReason(err), false
	}
	if devType, devID, ok := s.gatewayDevice(filter); ok {
		key := devauth.Key{Org: s.org, Type: devType, ID: devID}
		if o, _ := s.p.deps.Devices.Check(key, s.name); o == devauth.Denied {
			return "", packets.NotAuthorized, false
		}
	}
	return out, 0, true
}

func (s *Session) handleUnsubscribe(f codec.Frame) error {
	u, err := packets.DecodeUnsubscribe(f.Body, s.version)
	if err != nil {
		return malformedError(err)
	}
	m := newFilterMerge(len(u.Filters))
	keep := make([]string, 0, len(u.Filters))
	for i, filter := range u.Filters {
		out, err := s.rules.ConvertTopic(&s.scope, filter, topics.Subscribe)
		if err != nil {
			m.reject(i, filterReason(err))
			continue
		}
		m.forwarded[i] = true
		keep = append(keep, out)
	}
	if len(keep) == 0 {
		s.sendUnsuback(u.PacketID, m.codes)
		return nil
	}

	out := &packets.Unsubscribe{PacketID: u.PacketID, Properties: u.Properties.Clone(), Filters: keep}
	s.unsubs[u.PacketID] = m
	if err := s.sendBackend(out.Encode(s.version)); err != nil {
		delete(s.unsubs, u.PacketID)
		if !errors.Is(err, ErrPendingFull) {
			return err
		}
		for i := range m.codes {
			m.reject(i, packets.QuotaExceeded)
		}
		s.sendUnsuback(u.PacketID, m.codes)
	}
	return nil
}

func (s *Session) sendUnsuback(id uint16, codes []byte) {
	ua := &packets.Unsuback{PacketID: id}
	if s.version == packets.V5 {
		ua.ReasonCodes = codes
	}
	s.toClient(ua.Encode(s.version), false)
}

// backendSuback widens a backend SUBACK with the locally rejected filters.
func (s *Session) backendSuback(f codec.Frame) error {
	sa, err := packets.DecodeSuback(f.Body, s.version)
	if err != nil {
		return backendError(err)
	}
	m, ok := s.subs[sa.PacketID]
	if !ok {
		s.toClient(cloneFrame(f), false)
		return nil
	}
	delete(s.subs, sa.PacketID)
	sa.ReasonCodes = m.merge(sa.ReasonCodes)
	s.toClient(sa.Encode(s.version), false)
	return nil
}

// backendUnsuback widens a backend UNSUBACK with the locally rejected
// filters.
func (s *Session) backendUnsuback(f codec.Frame) error {
	ua, err := packets.DecodeUnsuback(f.Body, s.version)
	if err != nil {
		return backendError(err)
	}
	m, ok := s.unsubs[ua.PacketID]
	if !ok {
		s.toClient(cloneFrame(f), false)
		return nil
	}
	delete(s.unsubs, ua.PacketID)
	if s.version == packets.V5 {
		ua.ReasonCodes = m.merge(ua.ReasonCodes)
	}
	s.toClient(ua.Encode(s.version), false)
	return nil
}

// filterReason maps a topic rule error to a SUBACK reason code.
func filterReason(err error) byte {
	switch {
	case errors.Is(err, topics.ErrSharedDenied):
		return packets.SharedSubNotSupported
	case errors.Is(err, topics.ErrBadTopic), errors.Is(err, topics.ErrBadUTF8), errors.Is(err, topics.ErrBadSysTopic):
		return packets.TopicFilterInvalid
	default:
		return packets.NotAuthorized
	}
}
