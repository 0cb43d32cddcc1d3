// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package ocsp

import (
	"crypto/x509"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/absmach/mqproxy/pkg/tls/tlstest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigEnabled(t *testing.T) {
	assert.False(t, Config{}.Enabled())
	assert.False(t, Config{Timeout: time.Second}.Enabled())
	assert.True(t, Config{Depth: 1}.Enabled())
	assert.True(t, Config{ResponderURL: "http://ocsp.local"}.Enabled())
}

func TestVerifyGoodIsCached(t *testing.T) {
	certs := tlstest.Generate(t, "device-1")
	responder := certs.OCSPResponder(t, time.Hour)

	v, err := newVerifier(Config{ResponderURL: responder.URL}, responder.Client())
	require.NoError(t, err)
	now := time.Now()
	v.now = func() time.Time { return now }

	chain := [][]*x509.Certificate{{certs.ClientCert(t), certs.CA}}
	require.NoError(t, v.VerifyPeerCertificate(nil, chain))
	require.NoError(t, v.VerifyPeerCertificate(nil, chain))
	assert.Equal(t, int64(1), responder.Hits(), "second check served from cache")

	now = now.Add(2 * time.Hour)
	require.NoError(t, v.VerifyPeerCertificate(nil, chain))
	assert.Equal(t, int64(2), responder.Hits(), "expired entry queried again")
}

func TestVerifyCacheBoundedByNextUpdate(t *testing.T) {
	certs := tlstest.Generate(t, "device-1")
	responder := certs.OCSPResponder(t, time.Minute)

	v, err := newVerifier(Config{ResponderURL: responder.URL, CacheTTL: time.Hour}, responder.Client())
	require.NoError(t, err)
	now := time.Now()
	v.now = func() time.Time { return now }

	chain := [][]*x509.Certificate{{certs.ClientCert(t), certs.CA}}
	require.NoError(t, v.VerifyPeerCertificate(nil, chain))
	now = now.Add(5 * time.Minute)
	require.NoError(t, v.VerifyPeerCertificate(nil, chain))
	assert.Equal(t, int64(2), responder.Hits())
}

func TestVerifyRevoked(t *testing.T) {
	certs := tlstest.Generate(t, "device-1")
	responder := certs.OCSPResponder(t, time.Hour, certs.ClientSerial)

	v, err := newVerifier(Config{ResponderURL: responder.URL}, responder.Client())
	require.NoError(t, err)

	chain := [][]*x509.Certificate{{certs.ClientCert(t), certs.CA}}
	err = v.VerifyPeerCertificate(nil, chain)
	assert.ErrorIs(t, err, errCertRevoked)

	err = v.VerifyPeerCertificate(nil, chain)
	assert.ErrorIs(t, err, errCertRevoked, "revoked status is not cached as good")
	assert.Equal(t, int64(2), responder.Hits())
}

func TestVerifyResponderErrors(t *testing.T) {
	certs := tlstest.Generate(t, "device-1")
	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer failing.Close()
	garbage := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("not ocsp"))
	}))
	defer garbage.Close()

	chain := [][]*x509.Certificate{{certs.ClientCert(t), certs.CA}}

	cases := []struct {
		desc string
		cfg  Config
		err  error
	}{
		{desc: "unavailable", cfg: Config{ResponderURL: failing.URL}, err: errRequest},
		{desc: "malformed body", cfg: Config{ResponderURL: garbage.URL}, err: errParseResp},
		{desc: "no responder", cfg: Config{Depth: 1}, err: errNoResponder},
	}
	for _, tc := range cases {
		t.Run(tc.desc, func(t *testing.T) {
			v, err := newVerifier(tc.cfg, &http.Client{})
			require.NoError(t, err)
			assert.ErrorIs(t, v.VerifyPeerCertificate(nil, chain), tc.err)
		})
	}
}

func TestVerifyWithoutChains(t *testing.T) {
	v, err := newVerifier(Config{Depth: 1}, &http.Client{})
	require.NoError(t, err)

	assert.ErrorIs(t, v.VerifyPeerCertificate(nil, nil), errClientCrt)
	assert.ErrorIs(t, v.VerifyPeerCertificate([][]byte{{0x30}}, nil), errNoIssuer)
}

func TestVerifyRootSkipped(t *testing.T) {
	certs := tlstest.Generate(t, "device-1")
	responder := certs.OCSPResponder(t, time.Hour)

	v, err := newVerifier(Config{ResponderURL: responder.URL}, responder.Client())
	require.NoError(t, err)

	require.NoError(t, v.VerifyPeerCertificate(nil, [][]*x509.Certificate{{certs.CA}}))
	assert.Zero(t, responder.Hits())
}
