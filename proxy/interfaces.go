// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package proxy

import (
	"context"

	"github.com/absmach/mqproxy/auth"
	"github.com/absmach/mqproxy/backend"
	"github.com/absmach/mqproxy/router"
	"github.com/absmach/mqproxy/tenant"
)

// Authenticator checks client credentials. It returns auth.ErrPending when
// the result is delivered later through done.
type Authenticator interface {
	CheckCredentials(ctx context.Context, c auth.Credentials, done func(auth.Result, error)) (auth.Result, error)
}

// Registrar authorizes, and creates when needed, the devices a gateway
// publishes for. done is called from another goroutine.
type Registrar interface {
	Register(ctx context.Context, d auth.Device, done func(error))
}

// Tenants resolves tenant policy.
type Tenants interface {
	Get(org string) (*tenant.Tenant, error)
	WillPolicy(t *tenant.Tenant) tenant.WillPolicy
}

// Router forwards publications to the event pipeline. It reports whether
// the message also goes to the backend.
type Router interface {
	RouteMessage(msg router.Message) bool
}

// Dialer opens backend links.
type Dialer interface {
	Dial(ctx context.Context, h backend.Handler)
}

// Limiter enforces per client publish rates.
type Limiter interface {
	AllowPublish(clientID string, r float64, burst int) bool
	OnClientDisconnect(clientID string)
}

// Metrics records session events. server/otel provides the implementation.
type Metrics interface {
	RecordConnection(version string)
	RecordDisconnection(reason string)
	RecordMessageReceived(qos byte, size int64)
	RecordMessageSent(qos byte, size int64)
	RecordError(kind string)
}

type noopMetrics struct{}

func (noopMetrics) RecordConnection(string) {}
func (noopMetrics) RecordDisconnection(string) {}
func (noopMetrics) RecordMessageReceived(byte, int64) {}
func (noopMetrics) RecordMessageSent(byte, int64) {}
func (noopMetrics) RecordError(string) {}
