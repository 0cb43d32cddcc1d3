// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package ocsp checks client certificates against an OCSP responder during
// the TLS handshake.
package ocsp

import (
	"bytes"
	"context"
	"crypto"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/absmach/mqproxy/pkg/tls/verifier"
	"golang.org/x/crypto/ocsp"
)

var (
	errParseURL     = errors.New("failed to parse OCSP responder URL")
	errNoResponder  = errors.New("no OCSP responder configured or named in the certificate")
	errNoIssuer     = errors.New("issuer certificate not in the verified chain")
	errRequest      = errors.New("OCSP request failed")
	errParseResp    = errors.New("failed to parse OCSP response")
	errServerFailed = errors.New("OCSP responder failed")
	errUnknown      = errors.New("OCSP status unknown")
	errCertRevoked  = errors.New("certificate revoked")
	errClientCrt    = errors.New("client certificate not received")
)

// maxResponseSize bounds the responder body that is read.
const maxResponseSize = 64 << 10

type Config struct {
	// Depth limits how many certificates of the chain are checked, starting
	// with the leaf. Zero checks the whole chain up to the root.
	Depth uint `yaml:"depth"`
	// ResponderURL overrides the responder named in the certificate.
	ResponderURL string        `yaml:"responder_url"`
	Timeout      time.Duration `yaml:"timeout"`
	// CacheTTL bounds how long a good status is reused when the responder
	// gives no next update time.
	CacheTTL time.Duration `yaml:"cache_ttl"`
}

// Enabled reports whether OCSP checking is configured.
func (c Config) Enabled() bool {
	return c.Depth > 0 || c.ResponderURL != ""
}

type cached struct {
	until time.Time
}

type ocspVerifier struct {
	cfg    Config
	client *http.Client
	now    func() time.Time

	mu   sync.Mutex
	good map[string]cached
}

var _ verifier.Verifier = (*ocspVerifier)(nil)

// New creates an OCSP verifier.
func New(cfg Config) (verifier.Verifier, error) {
	return newVerifier(cfg, &http.Client{})
}

func newVerifier(cfg Config, client *http.Client) (*ocspVerifier, error) {
	if cfg.ResponderURL != "" {
		if _, err := url.Parse(cfg.ResponderURL); err != nil {
			return nil, errors.Join(errParseURL, err)
		}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 10 * time.Minute
	}
	return &ocspVerifier{
		cfg:    cfg,
		client: client,
		now:    time.Now,
		good:   make(map[string]cached),
	}, nil
}

// VerifyPeerCertificate checks every certificate of the verified chains
// that has an issuer in the chain. Without verified chains there is nothing
// trustworthy to ask about.
func (v *ocspVerifier) VerifyPeerCertificate(rawCerts [][]byte, verifiedChains [][]*x509.Certificate) error {
	if len(verifiedChains) == 0 {
		if len(rawCerts) == 0 {
			return errClientCrt
		}
		return errNoIssuer
	}
	for _, chain := range verifiedChains {
		for i, cert := range chain {
			if v.cfg.Depth > 0 && uint(i) >= v.cfg.Depth {
				break
			}
			if i+1 >= len(chain) {
				// The root is trusted by configuration.
				break
			}
			if err := v.check(cert, chain[i+1]); err != nil {
				return err
			}
		}
	}
	return nil
}

func (v *ocspVerifier) check(cert, issuer *x509.Certificate) error {
	key := string(issuer.SubjectKeyId) + "/" + cert.SerialNumber.String()
	v.mu.Lock()
	c, ok := v.good[key]
	v.mu.Unlock()
	if ok && v.now().Before(c.until) {
		return nil
	}

	resp, err := v.query(cert, issuer)
	if err != nil {
		return err
	}
	switch resp.Status {
	case ocsp.Good:
		until := v.now().Add(v.cfg.CacheTTL)
		if !resp.NextUpdate.IsZero() && resp.NextUpdate.Before(until) {
			until = resp.NextUpdate
		}
		v.mu.Lock()
		v.good[key] = cached{until: until}
		v.mu.Unlock()
		return nil
	case ocsp.Revoked:
		return fmt.Errorf("%w: %s serial %x at %v", errCertRevoked, cert.Subject.CommonName, cert.SerialNumber, resp.RevokedAt)
	case ocsp.ServerFailed:
		return errServerFailed
	default:
		return errUnknown
	}
}

func (v *ocspVerifier) query(cert, issuer *x509.Certificate) (*ocsp.Response, error) {
	responder := v.cfg.ResponderURL
	if responder == "" {
		if len(cert.OCSPServer) == 0 {
			return nil, fmt.Errorf("%w: %s serial %x", errNoResponder, cert.Subject.CommonName, cert.SerialNumber)
		}
		responder = cert.OCSPServer[0]
	}

	body, err := ocsp.CreateRequest(cert, issuer, &ocsp.RequestOptions{Hash: crypto.SHA256})
	if err != nil {
		return nil, errors.Join(errRequest, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), v.cfg.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, responder, bytes.NewReader(body))
	if err != nil {
		return nil, errors.Join(errParseURL, err)
	}
	req.Header.Set("Content-Type", "application/ocsp-request")
	req.Header.Set("Accept", "application/ocsp-response")

	httpResp, err := v.client.Do(req)
	if err != nil {
		return nil, errors.Join(errRequest, err)
	}
	defer httpResp.Body.Close()
	if httpResp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d", errRequest, httpResp.StatusCode)
	}
	raw, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseSize))
	if err != nil {
		return nil, errors.Join(errRequest, err)
	}
	resp, err := ocsp.ParseResponseForCert(raw, cert, issuer)
	if err != nil {
		return nil, errors.Join(errParseResp, err)
	}
	return resp, nil
}
