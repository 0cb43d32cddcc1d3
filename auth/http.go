// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
)

// HTTPConfig configures a remote JSON endpoint.
type HTTPConfig struct {
	URL     string            `yaml:"url"`
	Headers map[string]string `yaml:"headers"`
	Timeout time.Duration     `yaml:"timeout"`
	// FailureThreshold consecutive failures open the circuit breaker.
	FailureThreshold int           `yaml:"failure_threshold"`
	ResetTimeout     time.Duration `yaml:"reset_timeout"`
}

type httpClient struct {
	cfg     HTTPConfig
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
	logger  *slog.Logger
}

func newHTTPClient(name string, cfg HTTPConfig, logger *slog.Logger) *httpClient {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	threshold := uint32(cfg.FailureThreshold)
	return &httpClient{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        name,
			MaxRequests: 1,
			Timeout:     cfg.ResetTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= threshold
			},
			// Rejections are answers, not failures of the endpoint.
			IsSuccessful: func(err error) bool {
				return err == nil || errors.Is(err, ErrNotAuthorized) || errors.Is(err, ErrBadCredentials)
			},
			OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
				logger.Warn("circuit_breaker_state_changed",
					slog.String("endpoint", name),
					slog.String("from", from.String()),
					slog.String("to", to.String()))
			},
		}),
		logger: logger,
	}
}

// post sends body and decodes a 2xx JSON reply into out. 401 maps to
// ErrBadCredentials, 403 and 404 to ErrNotAuthorized, anything else to
// ErrUnavailable.
func (c *httpClient) post(ctx context.Context, body, out any) error {
	_, err := c.breaker.Execute(func() (any, error) {
		return nil, c.do(ctx, body, out)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return err
}

func (c *httpClient) do(ctx context.Context, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "mqproxy/1.0")
	for k, v := range c.cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if out == nil {
			return nil
		}
		data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return fmt.Errorf("%w: %w", ErrUnavailable, err)
		}
		if len(bytes.TrimSpace(data)) == 0 {
			return nil
		}
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("%w: bad response: %w", ErrUnavailable, err)
		}
		return nil
	case resp.StatusCode == http.StatusUnauthorized:
		return ErrBadCredentials
	case resp.StatusCode == http.StatusForbidden, resp.StatusCode == http.StatusNotFound:
		return ErrNotAuthorized
	default:
		return fmt.Errorf("%w: %w %d", ErrUnavailable, errUnexpectedStatus, resp.StatusCode)
	}
}

// HTTPAuthenticator checks credentials with a remote service.
type HTTPAuthenticator struct {
	c *httpClient
}

var _ Checker = (*HTTPAuthenticator)(nil)

// NewHTTPAuthenticator creates a remote authenticator.
func NewHTTPAuthenticator(cfg HTTPConfig, logger *slog.Logger) *HTTPAuthenticator {
	return &HTTPAuthenticator{c: newHTTPClient("authenticator", cfg, logger)}
}

type authRequest struct {
	Credentials
	Password string `json:"password,omitempty"`
}

// Check implements Checker.
func (a *HTTPAuthenticator) Check(ctx context.Context, c Credentials) (Result, error) {
	var res Result
	err := a.c.post(ctx, authRequest{Credentials: c, Password: string(c.Password)}, &res)
	return res, err
}

// Device identifies a device a gateway acts for.
type Device struct {
	Org         string `json:"org"`
	Type        string `json:"type"`
	ID          string `json:"id"`
	GatewayType string `json:"gateway_type"`
	GatewayID   string `json:"gateway_id"`
}

// HTTPRegistrar authorizes and creates gateway devices with a remote
// service.
type HTTPRegistrar struct {
	c *httpClient
}

// NewHTTPRegistrar creates a remote device registrar.
func NewHTTPRegistrar(cfg HTTPConfig, logger *slog.Logger) *HTTPRegistrar {
	return &HTTPRegistrar{c: newHTTPClient("registrar", cfg, logger)}
}

// Register asks the service to authorize d, creating it when unknown. It
// runs asynchronously and calls done from another goroutine.
func (r *HTTPRegistrar) Register(ctx context.Context, d Device, done func(error)) {
	go func() {
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.c.cfg.Timeout)
		defer cancel()
		done(r.c.post(cctx, d, nil))
	}()
}
