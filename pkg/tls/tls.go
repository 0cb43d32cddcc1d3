// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package tls loads listener TLS settings and extracts the client
// certificate names the proxy matches client identities against.
package tls

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"

	"github.com/absmach/mqproxy/pkg/tls/verifier"
	"github.com/absmach/mqproxy/pkg/tls/verifier/crl"
	"github.com/absmach/mqproxy/pkg/tls/verifier/ocsp"
)

var (
	errLoadCerts = errors.New("failed to load certificates")
	errLoadCA    = errors.New("failed to load CA bundle")
	errNoCA      = errors.New("no certificates in CA bundle")
)

type Config struct {
	CertFile     string `yaml:"cert_file"`
	KeyFile      string `yaml:"key_file"`
	ServerCAFile string `yaml:"server_ca_file"`
	ClientCAFile string `yaml:"ca_file"`
	// RequireClientCert rejects handshakes without a verified client
	// certificate. Otherwise a certificate is verified when presented.
	RequireClientCert bool        `yaml:"require_client_cert"`
	OCSP              ocsp.Config `yaml:"ocsp"`
	CRL               crl.Config  `yaml:"crl"`
}

// Enabled reports whether a server certificate is configured.
func (c Config) Enabled() bool {
	return c.CertFile != "" && c.KeyFile != ""
}

// LoadTLSConfig returns the listener TLS configuration, or nil when no
// server certificate is configured. Client certificates are requested when
// a client CA is set; revocation verifiers run only on presented
// certificates.
func LoadTLSConfig(c *Config) (*tls.Config, error) {
	if !c.Enabled() {
		return nil, nil
	}

	cert, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
	if err != nil {
		return nil, errors.Join(errLoadCerts, err)
	}
	roots, err := loadPool(c.ServerCAFile)
	if err != nil {
		return nil, err
	}
	clients, err := loadPool(c.ClientCAFile)
	if err != nil {
		return nil, err
	}

	tc := &tls.Config{
		MinVersion: tls.VersionTLS12,
		CipherSuites: []uint16{
			tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
		},
		Certificates: []tls.Certificate{cert},
		RootCAs:      roots,
	}
	if clients != nil {
		tc.ClientCAs = clients
		tc.ClientAuth = tls.VerifyClientCertIfGiven
		if c.RequireClientCert {
			tc.ClientAuth = tls.RequireAndVerifyClientCert
		}
	}

	verifiers, err := BuildVerifiers(*c)
	if err != nil {
		return nil, err
	}
	if len(verifiers) > 0 {
		check := verifier.NewValidator(verifiers)
		tc.VerifyPeerCertificate = func(raw [][]byte, chains [][]*x509.Certificate) error {
			if len(raw) == 0 {
				return nil
			}
			return check(raw, chains)
		}
	}
	return tc, nil
}

// BuildVerifiers returns the configured revocation verifiers, OCSP first.
func BuildVerifiers(cfg Config) ([]verifier.Verifier, error) {
	var out []verifier.Verifier
	if cfg.OCSP.Enabled() {
		v, err := ocsp.New(cfg.OCSP)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	if cfg.CRL.Enabled() {
		v, err := crl.New(cfg.CRL)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// loadPool reads a PEM bundle. An empty path yields a nil pool.
func loadPool(path string) (*x509.CertPool, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w %s: %w", errLoadCA, path, err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(data) {
		return nil, fmt.Errorf("%w: %s", errNoCA, path)
	}
	return pool, nil
}

// CertNames returns the subject common name of the verified client
// certificate followed by its DNS, email and URI subject alternative names.
// It returns nil when the client sent no verified certificate.
func CertNames(state tls.ConnectionState) []string {
	if len(state.VerifiedChains) == 0 || len(state.VerifiedChains[0]) == 0 {
		return nil
	}
	leaf := state.VerifiedChains[0][0]
	var names []string
	if leaf.Subject.CommonName != "" {
		names = append(names, leaf.Subject.CommonName)
	}
	names = append(names, leaf.DNSNames...)
	names = append(names, leaf.EmailAddresses...)
	for _, u := range leaf.URIs {
		names = append(names, u.String())
	}
	return names
}

// SecurityStatus describes a listener TLS configuration for logs.
func SecurityStatus(c *tls.Config) string {
	switch {
	case c == nil:
		return "no TLS"
	case c.ClientCAs == nil:
		return "TLS"
	default:
		return "TLS and " + c.ClientAuth.String()
	}
}
