// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package tlstest

import (
	"crypto"
	"crypto/tls"
	"crypto/x509"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/crypto/ocsp"
)

// Responder is an OCSP responder signing with the test CA.
type Responder struct {
	*httptest.Server

	hits atomic.Int64
}

// Hits returns the number of requests served.
func (r *Responder) Hits() int64 {
	return r.hits.Load()
}

// OCSPResponder starts a responder reporting the given serials as revoked
// and every other serial as good. Answers are valid for nextUpdate.
func (c *Certs) OCSPResponder(t testing.TB, nextUpdate time.Duration, revoked ...*big.Int) *Responder {
	t.Helper()

	r := &Responder{}
	r.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		r.hits.Add(1)
		body, err := io.ReadAll(req.Body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		ocspReq, err := ocsp.ParseRequest(body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		now := time.Now()
		tmpl := ocsp.Response{
			Status:       ocsp.Good,
			SerialNumber: ocspReq.SerialNumber,
			ThisUpdate:   now.Add(-time.Minute),
			NextUpdate:   now.Add(nextUpdate),
			IssuerHash:   crypto.SHA256,
		}
		for _, s := range revoked {
			if s.Cmp(ocspReq.SerialNumber) == 0 {
				tmpl.Status = ocsp.Revoked
				tmpl.RevokedAt = now.Add(-time.Minute)
				tmpl.RevocationReason = ocsp.KeyCompromise
			}
		}
		der, err := ocsp.CreateResponse(c.CA, c.CA, tmpl, c.caKey)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/ocsp-response")
		_, _ = w.Write(der)
	}))
	t.Cleanup(r.Close)
	return r
}

// ClientCert parses the generated client certificate.
func (c *Certs) ClientCert(t testing.TB) *x509.Certificate {
	t.Helper()

	pair, err := tls.LoadX509KeyPair(c.ClientCertFile, c.ClientKeyFile)
	if err != nil {
		t.Fatalf("failed to load client certificate: %v", err)
	}
	cert, err := x509.ParseCertificate(pair.Certificate[0])
	if err != nil {
		t.Fatalf("failed to parse client certificate: %v", err)
	}
	return cert
}
