// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package auth checks client credentials against local users and an
// external authenticator, and registers devices on behalf of gateways.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/absmach/mqproxy/storage"
)

// Errors returned by authenticators.
var (
	// ErrPending means the result is delivered later through the callback.
	ErrPending          = errors.New("authentication pending")
	ErrBadCredentials   = errors.New("bad user name or password")
	ErrNotAuthorized    = errors.New("not authorized")
	ErrUnavailable      = errors.New("authenticator unavailable")
	ErrTooManyRequests  = errors.New("too many authentication requests")
	ErrNoAuthenticator  = errors.New("no authenticator configured")
	errUnexpectedStatus = errors.New("unexpected status")
)

// Credentials are what a connecting client presents.
type Credentials struct {
	Org        string `json:"org"`
	ClientID   string `json:"client_id"`
	Username   string `json:"username,omitempty"`
	Password   []byte `json:"-"`
	CertName   string `json:"cert_name,omitempty"`
	ClientAddr string `json:"client_addr,omitempty"`
	Class      string `json:"class,omitempty"`
	Secure     bool   `json:"secure"`
}

// Result is a successful authentication.
type Result struct {
	// Masks are authorization masks granted to the session.
	Masks []string `json:"masks,omitempty"`
	// Local is set when a local user record made the decision.
	Local bool `json:"-"`
}

// Checker is a synchronous credential check, such as a remote call.
type Checker interface {
	Check(ctx context.Context, c Credentials) (Result, error)
}

// Throttle spaces out external authentication per client.
type Throttle interface {
	ReserveAuth(clientID string) (time.Duration, error)
	AuthDone(clientID string)
}

// Service checks local users first and asks the external checker otherwise.
type Service struct {
	users    storage.UserStore
	external Checker
	throttle Throttle
	timeout  time.Duration
	logger   *slog.Logger
}

// NewService creates an authentication service. Any collaborator may be nil.
func NewService(users storage.UserStore, external Checker, throttle Throttle, timeout time.Duration, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Service{
		users:    users,
		external: external,
		throttle: throttle,
		timeout:  timeout,
		logger:   logger,
	}
}

// CheckCredentials verifies c. A local user decides synchronously. When the
// external authenticator is used, ErrPending is returned and done is called
// later from another goroutine. The external check ends at the service
// timeout or when ctx is done, whichever comes first.
func (s *Service) CheckCredentials(ctx context.Context, c Credentials, done func(Result, error)) (Result, error) {
	if s.users != nil && c.Username != "" {
		u, err := s.users.Get(c.Org, c.Username)
		switch {
		case err == nil:
			if err := VerifyPassword(u.PasswordHash, c.Password); err != nil {
				return Result{}, err
			}
			return Result{Masks: u.Masks, Local: true}, nil
		case !errors.Is(err, storage.ErrNotFound):
			s.logger.Error("local_user_lookup_failed", slog.String("org", c.Org), slog.String("error", err.Error()))
		}
	}

	if s.external == nil {
		return Result{}, ErrNoAuthenticator
	}

	var delay time.Duration
	if s.throttle != nil {
		d, err := s.throttle.ReserveAuth(c.ClientID)
		if err != nil {
			return Result{}, fmt.Errorf("%w: %w", ErrTooManyRequests, err)
		}
		delay = d
	}

	dispatch := func() {
		cctx, cancel := context.WithTimeout(ctx, s.timeout)
		defer cancel()
		res, err := s.external.Check(cctx, c)
		if s.throttle != nil {
			s.throttle.AuthDone(c.ClientID)
		}
		if err != nil {
			s.logger.Debug("auth_request_failed",
				slog.String("client_id", c.ClientID),
				slog.String("error", err.Error()))
		}
		done(res, err)
	}
	if delay > 0 {
		s.logger.Debug("auth_request_delayed", slog.String("client_id", c.ClientID), slog.Duration("delay", delay))
		time.AfterFunc(delay, dispatch)
	} else {
		go dispatch()
	}
	return Result{}, ErrPending
}
