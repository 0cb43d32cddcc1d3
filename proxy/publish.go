// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package proxy

import (
	"bytes"
	"errors"
	"log/slog"
	"unicode/utf8"

	"github.com/absmach/mqproxy/auth"
	"github.com/absmach/mqproxy/devauth"
	"github.com/absmach/mqproxy/mqtt/codec"
	"github.com/absmach/mqproxy/mqtt/packets"
	"github.com/absmach/mqproxy/router"
	"github.com/absmach/mqproxy/topics"
)

func (s *Session) handlePublish(f codec.Frame) error {
	p, err := packets.DecodePublish(f.Flags(), f.Body, s.version)
	if err != nil {
		return malformedError(err)
	}
	s.p.stats.publishIn.Add(1)
	s.p.deps.Metrics.RecordMessageReceived(p.QoS, int64(len(p.Payload)))

	if alias := p.TopicAlias(); alias != 0 {
		topic, ok := s.aliases.resolveInbound(alias, p.Topic)
		if !ok {
			return newError(KindProtocolViolation, packets.TopicAliasInvalid, "topic alias not valid")
		}
		p.Topic = topic
		p.Properties = p.Properties.Without(packets.TopicAliasProp)
	}
	if p.Topic == "" {
		return newError(KindProtocolViolation, packets.TopicNameInvalid, "empty topic name")
	}
	return s.publish(p)
}

// publish applies tenant policy and topic rules to a client publication and
// forwards it.
func (s *Session) publish(p *packets.Publish) error {
	t := s.tenant
	switch {
	case packets.ValidateQoS(p.QoS, t.QoSLimit()) != nil:
		return s.nak(p, packets.QoSNotSupported, "qos not supported")
	case p.Retain && !t.AllowRetain:
		return s.nak(p, packets.RetainNotSupported, "retain not supported")
	case t.MaxMessageSize > 0 && len(p.Payload) > t.MaxMessageSize:
		return s.nak(p, packets.PacketTooLarge, "message too large")
	case p.PayloadIsUTF8() && !utf8.Valid(p.Payload):
		return s.nak(p, packets.PayloadFormatInvalid, "payload is not valid UTF-8")
	}
	if s.p.deps.Limiter != nil && !s.p.deps.Limiter.AllowPublish(s.clientID, t.FairUse.Rate, t.FairUse.Burst) {
		return s.nak(p, packets.MessageRateTooHigh, "message rate too high")
	}

	clientTopic := p.Topic
	topic, err := s.rules.ConvertTopic(&s.scope, clientTopic, topics.Publish)
	if err != nil {
		s.logger.Debug("publish_topic_rejected",
			slog.String("topic", topics.Sanitize(clientTopic)),
			slog.String("error", err.Error()))
		return s.nak(p, topicReason(err), "topic not authorized")
	}
	if s.aclSet && !topics.MatchAny(s.acl, topic) {
		return s.nak(p, packets.NotAuthorized, "topic not in access list")
	}
	p.Topic = topic

	if devType, devID, ok := s.gatewayDevice(clientTopic); ok {
		return s.authorizeDevice(p, devType, devID)
	}
	return s.forwardPublish(p, nil)
}

// gatewayDevice returns the device a gateway publishes for, when that device
// is not the gateway itself and a registrar can authorize it.
func (s *Session) gatewayDevice(clientTopic string) (string, string, bool) {
	if s.scope.Class != topics.ClassGateway || s.p.deps.Registrar == nil {
		return "", "", false
	}
	devType, devID, ok := topics.DeviceRef(clientTopic)
	if !ok || (devType == s.scope.Type && devID == s.scope.ID) {
		return "", "", false
	}
	return devType, devID, true
}

// authorizeDevice holds a gateway publication until the device it is sent
// for is known to be allowed. The first unknown request of this connection
// for the device dispatches the registrar; later ones queue behind it.
func (s *Session) authorizeDevice(p *packets.Publish, devType, devID string) error {
	if !s.tenant.MatchDevice(devType, devID) {
		return s.nak(p, packets.NotAuthorized, "device not allowed")
	}
	key := devauth.Key{Org: s.org, Type: devType, ID: devID}
	p.Payload = bytes.Clone(p.Payload)
	p.Properties = p.Properties.Clone()
	frame := p.Encode(s.version)

	dec, err := s.p.deps.Devices.Authorize(key, s.name, devauth.Request{Frame: frame, Value: p})
	if errors.Is(err, devauth.ErrTooManyDevices) {
		return s.nak(p, packets.QuotaExceeded, "too many active devices")
	}
	if err != nil {
		return wrapError(KindResourceExhausted, packets.UnspecifiedError, "device authorization failed", err)
	}
	switch dec.Outcome {
	case devauth.Allowed:
		return s.forwardPublish(p, frame)
	case devauth.Denied:
		return s.nak(p, packets.NotAuthorized, dec.Reason)
	}
	if !dec.Dispatch {
		return errPending
	}
	if !s.begin() {
		return newError(KindClosed, 0, "session closed")
	}
	s.pendingDevs++
	s.p.stats.devicePending.Add(1)
	s.logger.Debug("device_auth_pending", slog.String("device", key.String()))

	dev := auth.Device{
		Org:         s.org,
		Type:        devType,
		ID:          devID,
		GatewayType: s.scope.Type,
		GatewayID:   s.scope.ID,
	}
	s.p.deps.Registrar.Register(s.ctx, dev, func(err error) {
		s.deviceDone(key, err)
	})
	return errPending
}

// deviceDone resumes the publications held for a device.
func (s *Session) deviceDone(key devauth.Key, err error) {
	outcome, reason := devauth.Allowed, ""
	if err != nil {
		outcome, reason = devauth.Denied, "device not authorized"
	}
	res := s.p.deps.Devices.Complete(key, s.name, outcome, reason)

	s.mu.Lock()
	s.pendingDevs--
	s.p.stats.devicePending.Add(-1)
	if s.state != StateClosed {
		if res.Outcome != devauth.Allowed {
			s.logger.Info("device_auth_denied", slog.String("device", key.String()), slog.String("reason", res.Reason))
		}
		for _, r := range res.Requests {
			p := r.Value.(*packets.Publish)
			var ferr error
			if res.Outcome == devauth.Allowed {
				ferr = s.forwardPublish(p, r.Frame)
			} else {
				ferr = s.nak(p, packets.NotAuthorized, res.Reason)
			}
			if ferr != nil {
				s.fail(ferr)
				if s.state == StateClosed {
					break
				}
			}
		}
	}
	s.end()
	s.unlock()
}

// forwardPublish offers the publication to the router and sends it to the
// backend unless an exclusive route took it. frame is the encoded
// publication when the caller already has it.
func (s *Session) forwardPublish(p *packets.Publish, frame []byte) error {
	if s.p.deps.Router != nil {
		msg := router.Message{
			Org:      s.org,
			ClientID: s.clientID,
			Topic:    p.Topic,
			QoS:      p.QoS,
			Retain:   p.Retain,
			Payload:  p.Payload,
		}
		if !s.p.deps.Router.RouteMessage(msg) {
			s.p.stats.routed.Add(1)
			s.ackLocal(p)
			return nil
		}
	}
	if frame == nil {
		frame = p.Encode(s.version)
	}
	if err := s.sendBackend(frame); err != nil {
		if errors.Is(err, ErrPendingFull) {
			return s.nak(p, packets.QuotaExceeded, "pending data limit exceeded")
		}
		return err
	}
	return nil
}

// ackLocal acknowledges a publication the backend never sees.
func (s *Session) ackLocal(p *packets.Publish) {
	switch p.QoS {
	case 1:
		s.toClient(packets.NewAck(packets.PubackType, p.PacketID, packets.Success, "").Encode(s.version), false)
	case 2:
		s.localQoS2[p.PacketID] = struct{}{}
		s.toClient(packets.NewAck(packets.PubrecType, p.PacketID, packets.Success, "").Encode(s.version), false)
	}
}

// nak rejects a client publication. QoS 0 is dropped. MQTT 5 clients get a
// negative acknowledgement. Older gateways get a positive acknowledgement
// and the message is dropped; other older clients are disconnected.
func (s *Session) nak(p *packets.Publish, rc byte, reason string) error {
	s.p.stats.rejected.Add(1)
	s.logger.Debug("publish_rejected",
		slog.String("topic", topics.Sanitize(p.Topic)),
		slog.Int("qos", int(p.QoS)),
		slog.String("reason", reason))
	if p.QoS == 0 {
		return nil
	}
	if s.version == packets.V5 {
		typ := packets.PubackType
		if p.QoS == 2 {
			typ = packets.PubrecType
		}
		s.toClient(packets.NewAck(typ, p.PacketID, rc, reason).Encode(s.version), false)
		return nil
	}
	if s.scope.Class == topics.ClassGateway {
		s.ackLocal(p)
		return nil
	}
	return (&Error{Kind: KindAuthorizationFailed, Code: rc, Reason: reason}).closing()
}

// topicReason maps a topic rule error to a reason code.
func topicReason(err error) byte {
	switch {
	case errors.Is(err, topics.ErrBadTopic), errors.Is(err, topics.ErrBadUTF8), errors.Is(err, topics.ErrBadSysTopic):
		return packets.TopicNameInvalid
	default:
		return packets.NotAuthorized
	}
}
