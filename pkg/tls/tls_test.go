// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package tls_test

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	mqtls "github.com/absmach/mqproxy/pkg/tls"
	"github.com/absmach/mqproxy/pkg/tls/tlstest"
	"github.com/absmach/mqproxy/pkg/tls/verifier/crl"
	"github.com/absmach/mqproxy/pkg/tls/verifier/ocsp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadTLSConfigDisabled(t *testing.T) {
	cfg, err := mqtls.LoadTLSConfig(&mqtls.Config{})
	require.NoError(t, err)
	assert.Nil(t, cfg)
	assert.Equal(t, "no TLS", mqtls.SecurityStatus(cfg))
}

func TestLoadTLSConfigBadFiles(t *testing.T) {
	certs := tlstest.Generate(t, "d:sensor:dev1")
	notPEM := filepath.Join(t.TempDir(), "ca.pem")
	require.NoError(t, os.WriteFile(notPEM, []byte("not a certificate"), 0o600))

	cases := map[string]*mqtls.Config{
		"missing key pair":  {CertFile: "/nonexistent.crt", KeyFile: "/nonexistent.key"},
		"missing client CA": {CertFile: certs.ServerCertFile, KeyFile: certs.ServerKeyFile, ClientCAFile: "/nonexistent.pem"},
		"empty client CA":   {CertFile: certs.ServerCertFile, KeyFile: certs.ServerKeyFile, ClientCAFile: notPEM},
		"empty server CA":   {CertFile: certs.ServerCertFile, KeyFile: certs.ServerKeyFile, ServerCAFile: notPEM},
	}
	for desc, cfg := range cases {
		_, err := mqtls.LoadTLSConfig(cfg)
		assert.Error(t, err, desc)
	}
}

func TestSecurityStatus(t *testing.T) {
	certs := tlstest.Generate(t, "d:sensor:dev1")

	cfg, err := mqtls.LoadTLSConfig(&mqtls.Config{CertFile: certs.ServerCertFile, KeyFile: certs.ServerKeyFile})
	require.NoError(t, err)
	assert.Equal(t, "TLS", mqtls.SecurityStatus(cfg))
	assert.Equal(t, tls.NoClientCert, cfg.ClientAuth)

	cfg, err = mqtls.LoadTLSConfig(&mqtls.Config{CertFile: certs.ServerCertFile, KeyFile: certs.ServerKeyFile, ClientCAFile: certs.CAFile})
	require.NoError(t, err)
	assert.Equal(t, "TLS and VerifyClientCertIfGiven", mqtls.SecurityStatus(cfg))
}

func TestLoadTLSConfigClientAuth(t *testing.T) {
	certs := tlstest.Generate(t, "d:sensor:dev1")

	cases := []struct {
		desc    string
		require bool
		want    tls.ClientAuthType
	}{
		{desc: "optional client certificate", want: tls.VerifyClientCertIfGiven},
		{desc: "required client certificate", require: true, want: tls.RequireAndVerifyClientCert},
	}
	for _, tc := range cases {
		t.Run(tc.desc, func(t *testing.T) {
			cfg, err := mqtls.LoadTLSConfig(&mqtls.Config{
				CertFile:          certs.ServerCertFile,
				KeyFile:           certs.ServerKeyFile,
				ClientCAFile:      certs.CAFile,
				RequireClientCert: tc.require,
			})
			require.NoError(t, err)
			assert.Equal(t, tc.want, cfg.ClientAuth)
			assert.NotNil(t, cfg.ClientCAs)
		})
	}
}

// handshake runs a TLS handshake over an in-memory pipe and returns the
// server side result.
func handshake(t *testing.T, server, client *tls.Config) (tls.ConnectionState, error) {
	t.Helper()

	sc, cc := net.Pipe()
	defer sc.Close()
	defer cc.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	go func() {
		tc := tls.Client(cc, client)
		_ = tc.HandshakeContext(ctx)
		// Drain until the server side closes so TLS 1.3 session tickets
		// do not block the server.
		buf := make([]byte, 64)
		for {
			if _, err := tc.Read(buf); err != nil {
				return
			}
		}
	}()

	ts := tls.Server(sc, server)
	err := ts.HandshakeContext(ctx)
	return ts.ConnectionState(), err
}

func TestCertNames(t *testing.T) {
	certs := tlstest.Generate(t, "d:sensor:dev1")
	cfg, err := mqtls.LoadTLSConfig(&mqtls.Config{
		CertFile:     certs.ServerCertFile,
		KeyFile:      certs.ServerKeyFile,
		ClientCAFile: certs.CAFile,
	})
	require.NoError(t, err)

	state, err := handshake(t, cfg, certs.ClientConfig(t, "localhost", true))
	require.NoError(t, err)
	assert.Equal(t, []string{"d:sensor:dev1"}, mqtls.CertNames(state))

	state, err = handshake(t, cfg, certs.ClientConfig(t, "localhost", false))
	require.NoError(t, err)
	assert.Empty(t, mqtls.CertNames(state))
}

func TestCRLVerifier(t *testing.T) {
	certs := tlstest.Generate(t, "d:sensor:dev1")

	cases := []struct {
		desc    string
		revoked []*big.Int
		cert    bool
		wantErr bool
	}{
		{desc: "client certificate revoked", revoked: []*big.Int{certs.ClientSerial}, cert: true, wantErr: true},
		{desc: "other certificate revoked", revoked: []*big.Int{big.NewInt(99)}, cert: true},
		{desc: "no client certificate", revoked: []*big.Int{certs.ClientSerial}},
	}
	for _, tc := range cases {
		t.Run(tc.desc, func(t *testing.T) {
			cfg, err := mqtls.LoadTLSConfig(&mqtls.Config{
				CertFile:     certs.ServerCertFile,
				KeyFile:      certs.ServerKeyFile,
				ClientCAFile: certs.CAFile,
				CRL:          crl.Config{OfflineCRLFile: certs.WriteCRL(t, tc.revoked...)},
			})
			require.NoError(t, err)

			_, err = handshake(t, cfg, certs.ClientConfig(t, "localhost", tc.cert))
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestCRLVerifierDepth(t *testing.T) {
	certs := tlstest.Generate(t, "d:sensor:dev1")
	// The CA serial is revoked; a depth of one only checks the leaf.
	path := certs.WriteCRL(t, certs.CA.SerialNumber)

	chains := [][]*x509.Certificate{{certs.ClientCert(t), certs.CA}}

	v, err := crl.New(crl.Config{OfflineCRLFile: path, Depth: 1})
	require.NoError(t, err)
	assert.NoError(t, v.VerifyPeerCertificate(nil, chains))

	v, err = crl.New(crl.Config{OfflineCRLFile: path})
	require.NoError(t, err)
	assert.Error(t, v.VerifyPeerCertificate(nil, chains))
}

func TestOCSPVerifierOnHandshake(t *testing.T) {
	certs := tlstest.Generate(t, "d:sensor:dev1")

	for desc, revoked := range map[string]bool{"good": false, "revoked": true} {
		t.Run(desc, func(t *testing.T) {
			var serials []*big.Int
			if revoked {
				serials = append(serials, certs.ClientSerial)
			}
			responder := certs.OCSPResponder(t, time.Hour, serials...)
			cfg, err := mqtls.LoadTLSConfig(&mqtls.Config{
				CertFile:     certs.ServerCertFile,
				KeyFile:      certs.ServerKeyFile,
				ClientCAFile: certs.CAFile,
				OCSP:         ocsp.Config{ResponderURL: responder.URL},
			})
			require.NoError(t, err)

			_, err = handshake(t, cfg, certs.ClientConfig(t, "localhost", true))
			if revoked {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, int64(1), responder.Hits())

			_, err = handshake(t, cfg, certs.ClientConfig(t, "localhost", false))
			assert.NoError(t, err, "no certificate means no OCSP query")
			assert.Equal(t, int64(1), responder.Hits())
		})
	}
}
