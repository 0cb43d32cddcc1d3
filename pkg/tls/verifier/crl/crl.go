// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package crl rejects client certificates listed in a certificate
// revocation list file.
package crl

import (
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"

	"github.com/absmach/mqproxy/pkg/tls/verifier"
)

var (
	errReadCRL     = errors.New("failed to read CRL file")
	errParseCRL    = errors.New("failed to parse CRL")
	errParseCert   = errors.New("failed to parse certificate")
	errClientCrt   = errors.New("client certificate not received")
	errCertRevoked = errors.New("certificate revoked")
)

type Config struct {
	// Depth limits how many certificates of the chain are checked, starting
	// with the leaf. Zero checks the whole chain.
	Depth          uint   `yaml:"depth"`
	OfflineCRLFile string `yaml:"offline_crl_file"`
}

// Enabled reports whether a CRL is configured.
func (c Config) Enabled() bool {
	return c.OfflineCRLFile != ""
}

type crlVerifier struct {
	depth   uint
	revoked map[string]struct{}
}

var _ verifier.Verifier = (*crlVerifier)(nil)

// New loads the CRL file, PEM or DER encoded.
func New(cfg Config) (verifier.Verifier, error) {
	data, err := os.ReadFile(cfg.OfflineCRLFile)
	if err != nil {
		return nil, errors.Join(errReadCRL, err)
	}
	if block, _ := pem.Decode(data); block != nil {
		data = block.Bytes
	}
	list, err := x509.ParseRevocationList(data)
	if err != nil {
		return nil, errors.Join(errParseCRL, err)
	}
	v := &crlVerifier{depth: cfg.Depth, revoked: make(map[string]struct{}, len(list.RevokedCertificateEntries))}
	for _, e := range list.RevokedCertificateEntries {
		v.revoked[e.SerialNumber.String()] = struct{}{}
	}
	return v, nil
}

func (v *crlVerifier) VerifyPeerCertificate(rawCerts [][]byte, verifiedChains [][]*x509.Certificate) error {
	if len(verifiedChains) > 0 {
		for _, chain := range verifiedChains {
			if err := v.check(chain); err != nil {
				return err
			}
		}
		return nil
	}
	if len(rawCerts) == 0 {
		return errClientCrt
	}
	certs := make([]*x509.Certificate, 0, len(rawCerts))
	for _, raw := range rawCerts {
		cert, err := x509.ParseCertificate(raw)
		if err != nil {
			return errors.Join(errParseCert, err)
		}
		certs = append(certs, cert)
	}
	return v.check(certs)
}

func (v *crlVerifier) check(chain []*x509.Certificate) error {
	for i, cert := range chain {
		if v.depth > 0 && uint(i) >= v.depth {
			return nil
		}
		if _, ok := v.revoked[cert.SerialNumber.String()]; ok {
			return fmt.Errorf("%w: common name %s and serial number %x", errCertRevoked, cert.Subject.CommonName, cert.SerialNumber)
		}
	}
	return nil
}
