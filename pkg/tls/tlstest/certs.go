// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package tlstest generates certificates for listener and verifier tests.
package tlstest

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// Certs holds the paths of a generated CA, server and client certificate.
type Certs struct {
	CAFile         string
	ServerCertFile string
	ServerKeyFile  string
	ClientCertFile string
	ClientKeyFile  string

	CA           *x509.Certificate
	ClientSerial *big.Int

	dir   string
	caKey *ecdsa.PrivateKey
}

// Generate writes a CA, a server certificate for localhost and serverNames,
// and a client certificate with the given common name to a temporary
// directory removed when the test ends.
func Generate(t testing.TB, clientCN string, serverNames ...string) *Certs {
	t.Helper()

	c := &Certs{dir: t.TempDir(), ClientSerial: big.NewInt(3)}
	c.caKey = newKey(t)
	now := time.Now()

	caTemplate := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{Organization: []string{"Test CA"}, CommonName: "Test CA"},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	caDER, err := x509.CreateCertificate(rand.Reader, caTemplate, caTemplate, &c.caKey.PublicKey, c.caKey)
	if err != nil {
		t.Fatalf("failed to create CA certificate: %v", err)
	}
	if c.CA, err = x509.ParseCertificate(caDER); err != nil {
		t.Fatalf("failed to parse CA certificate: %v", err)
	}
	c.CAFile = c.writePEM(t, "ca.crt", "CERTIFICATE", caDER)

	serverTemplate := &x509.Certificate{
		SerialNumber: big.NewInt(2),
		Subject:      pkix.Name{Organization: []string{"Test Server"}, CommonName: "localhost"},
		NotBefore:    now.Add(-time.Hour),
		NotAfter:     now.Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     append([]string{"localhost"}, serverNames...),
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1"), net.ParseIP("::1")},
	}
	c.ServerCertFile, c.ServerKeyFile = c.issue(t, "server", serverTemplate)

	clientTemplate := &x509.Certificate{
		SerialNumber: c.ClientSerial,
		Subject:      pkix.Name{Organization: []string{"Test Client"}, CommonName: clientCN},
		NotBefore:    now.Add(-time.Hour),
		NotAfter:     now.Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}
	c.ClientCertFile, c.ClientKeyFile = c.issue(t, "client", clientTemplate)

	return c
}

// WriteCRL writes a PEM revocation list signed by the CA and returns its path.
func (c *Certs) WriteCRL(t testing.TB, serials ...*big.Int) string {
	t.Helper()

	now := time.Now()
	list := &x509.RevocationList{
		Number:     big.NewInt(1),
		ThisUpdate: now.Add(-time.Minute),
		NextUpdate: now.Add(time.Hour),
	}
	for _, s := range serials {
		list.RevokedCertificateEntries = append(list.RevokedCertificateEntries, x509.RevocationListEntry{
			SerialNumber:   s,
			RevocationTime: now.Add(-time.Minute),
		})
	}
	der, err := x509.CreateRevocationList(rand.Reader, list, c.CA, c.caKey)
	if err != nil {
		t.Fatalf("failed to create CRL: %v", err)
	}
	return c.writePEM(t, "ca.crl", "X509 CRL", der)
}

// ClientConfig returns a client configuration trusting the CA. The client
// certificate is presented when withCert is set.
func (c *Certs) ClientConfig(t testing.TB, serverName string, withCert bool) *tls.Config {
	t.Helper()

	pool := x509.NewCertPool()
	pool.AddCert(c.CA)
	cfg := &tls.Config{
		RootCAs:    pool,
		ServerName: serverName,
		MinVersion: tls.VersionTLS12,
	}
	if withCert {
		cert, err := tls.LoadX509KeyPair(c.ClientCertFile, c.ClientKeyFile)
		if err != nil {
			t.Fatalf("failed to load client certificate: %v", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	return cfg
}

func (c *Certs) issue(t testing.TB, name string, template *x509.Certificate) (string, string) {
	t.Helper()

	key := newKey(t)
	der, err := x509.CreateCertificate(rand.Reader, template, c.CA, &key.PublicKey, c.caKey)
	if err != nil {
		t.Fatalf("failed to create %s certificate: %v", name, err)
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatalf("failed to marshal %s key: %v", name, err)
	}
	return c.writePEM(t, name+".crt", "CERTIFICATE", der), c.writePEM(t, name+".key", "EC PRIVATE KEY", keyDER)
}

func (c *Certs) writePEM(t testing.TB, name, typ string, der []byte) string {
	t.Helper()

	path := filepath.Join(c.dir, name)
	data := pem.EncodeToMemory(&pem.Block{Type: typ, Bytes: der})
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("failed to write %s: %v", name, err)
	}
	return path
}

func newKey(t testing.TB) *ecdsa.PrivateKey {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	return key
}
