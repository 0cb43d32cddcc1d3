// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package verifier chains certificate revocation checks into a
// tls.Config VerifyPeerCertificate callback.
package verifier

import "crypto/x509"

// Verifier checks the peer certificates after the standard chain
// verification succeeded.
type Verifier interface {
	VerifyPeerCertificate(rawCerts [][]byte, verifiedChains [][]*x509.Certificate) error
}

// NewValidator returns a callback running every verifier in order. The first
// failure rejects the handshake.
func NewValidator(verifiers []Verifier) func([][]byte, [][]*x509.Certificate) error {
	return func(rawCerts [][]byte, verifiedChains [][]*x509.Certificate) error {
		for _, v := range verifiers {
			if err := v.VerifyPeerCertificate(rawCerts, verifiedChains); err != nil {
				return err
			}
		}
		return nil
	}
}
