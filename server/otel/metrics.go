// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package otel

import (
	"context"
	"errors"
	"fmt"

	"github.com/absmach/mqproxy/proxy"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "mqproxy"

// Instrument names.
const (
	SessionsMetric      = "mqproxy.sessions"
	ActiveMetric        = "mqproxy.sessions.active"
	MessagesMetric      = "mqproxy.messages"
	BytesMetric         = "mqproxy.bytes"
	PayloadSizeMetric   = "mqproxy.payload.size"
	ErrorsMetric        = "mqproxy.errors"
	AuthPendingMetric   = "mqproxy.auth.pending"
	DevicePendingMetric = "mqproxy.devices.pending"
	LostMetric          = "mqproxy.messages.lost"
	RoutedMetric        = "mqproxy.messages.routed"
)

var (
	toBackend = attribute.String("direction", "to_backend")
	toClient  = attribute.String("direction", "to_client")
	opened    = attribute.String("event", "open")
	closed    = attribute.String("event", "close")
)

var _ proxy.Metrics = (*Metrics)(nil)

// Metrics records session and traffic measurements. Traffic is split by a
// direction attribute: to_backend for client publications, to_client for
// deliveries.
type Metrics struct {
	sessions    metric.Int64Counter
	active      metric.Int64UpDownCounter
	messages    metric.Int64Counter
	bytes       metric.Int64Counter
	payloadSize metric.Int64Histogram
	errors      metric.Int64Counter

	registration metric.Registration
}

// NewMetrics creates the instruments on the global meter provider. stats,
// when set, backs the observable instruments of pending authorizations,
// lost and routed messages.
func NewMetrics(stats func() proxy.StatsSnapshot) (*Metrics, error) {
	return NewMetricsWithMeter(otel.Meter(meterName), stats)
}

// NewMetricsWithMeter creates the instruments on meter.
func NewMetricsWithMeter(meter metric.Meter, stats func() proxy.StatsSnapshot) (*Metrics, error) {
	var errs []error
	counter := func(name, desc, unit string) metric.Int64Counter {
		c, err := meter.Int64Counter(name, metric.WithDescription(desc), metric.WithUnit(unit))
		errs = append(errs, err)
		return c
	}

	m := &Metrics{
		sessions: counter(SessionsMetric, "MQTT sessions opened and closed through the backend", "{session}"),
		messages: counter(MessagesMetric, "PUBLISH packets forwarded", "{message}"),
		bytes:    counter(BytesMetric, "Payload bytes forwarded", "By"),
		errors:   counter(ErrorsMetric, "Session errors by kind", "{error}"),
	}
	var err error
	m.active, err = meter.Int64UpDownCounter(ActiveMetric,
		metric.WithDescription("Sessions currently connected to the backend"),
		metric.WithUnit("{session}"))
	errs = append(errs, err)
	m.payloadSize, err = meter.Int64Histogram(PayloadSizeMetric,
		metric.WithDescription("Payload size of client publications"),
		metric.WithUnit("By"))
	errs = append(errs, err)

	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("failed to create metric instruments: %w", err)
	}
	if stats == nil {
		return m, nil
	}
	if err := m.observe(meter, stats); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Metrics) observe(meter metric.Meter, stats func() proxy.StatsSnapshot) error {
	authPending, err1 := meter.Int64ObservableGauge(AuthPendingMetric,
		metric.WithDescription("Credential checks waiting for the authenticator"))
	devicePending, err2 := meter.Int64ObservableGauge(DevicePendingMetric,
		metric.WithDescription("Gateway device authorizations in flight"))
	lost, err3 := meter.Int64ObservableCounter(LostMetric,
		metric.WithDescription("Messages discarded before the backend accepted the session"))
	routed, err4 := meter.Int64ObservableCounter(RoutedMetric,
		metric.WithDescription("Messages handed to the event router"))
	if err := errors.Join(err1, err2, err3, err4); err != nil {
		return fmt.Errorf("failed to create stats instruments: %w", err)
	}

	reg, err := meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		s := stats()
		o.ObserveInt64(authPending, s.AuthPending)
		o.ObserveInt64(devicePending, s.DevicePending)
		o.ObserveInt64(lost, int64(s.Lost))
		o.ObserveInt64(routed, int64(s.Routed))
		return nil
	}, authPending, devicePending, lost, routed)
	if err != nil {
		return fmt.Errorf("failed to register stats callback: %w", err)
	}
	m.registration = reg
	return nil
}

// Close unregisters the stats callback.
func (m *Metrics) Close() error {
	if m.registration == nil {
		return nil
	}
	return m.registration.Unregister()
}

func (m *Metrics) RecordConnection(version string) {
	ctx := context.Background()
	m.sessions.Add(ctx, 1, metric.WithAttributes(opened, attribute.String("version", version)))
	m.active.Add(ctx, 1)
}

func (m *Metrics) RecordDisconnection(reason string) {
	ctx := context.Background()
	m.sessions.Add(ctx, 1, metric.WithAttributes(closed, attribute.String("reason", reason)))
	m.active.Add(ctx, -1)
}

// RecordMessageReceived counts a client publication on its way to the
// backend.
func (m *Metrics) RecordMessageReceived(qos byte, size int64) {
	ctx := context.Background()
	m.messages.Add(ctx, 1, metric.WithAttributes(toBackend, attribute.Int("qos", int(qos))))
	m.bytes.Add(ctx, size, metric.WithAttributes(toBackend))
	m.payloadSize.Record(ctx, size)
}

// RecordMessageSent counts a delivery to the client.
func (m *Metrics) RecordMessageSent(qos byte, size int64) {
	ctx := context.Background()
	m.messages.Add(ctx, 1, metric.WithAttributes(toClient, attribute.Int("qos", int(qos))))
	m.bytes.Add(ctx, size, metric.WithAttributes(toClient))
}

func (m *Metrics) RecordError(kind string) {
	m.errors.Add(context.Background(), 1, metric.WithAttributes(attribute.String("kind", kind)))
}
