package catest

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TLSPair holds matching server and client TLS configurations
// built around a throwaway CA.
type TLSPair struct {
	Server *tls.Config
	Client *tls.Config
}

// NewTLSPair generates an ed25519 CA and a leaf certificate for 127.0.0.1,
// returning configurations suitable for a local QUIC listener and dialer.
//
// Both configs set NextProtos to protos.
func NewTLSPair(t testing.TB, protos ...string) TLSPair {
	t.Helper()

	caPub, caPriv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	caTmpl := &x509.Certificate{
		SerialNumber: randomSerial(t),
		Subject: pkix.Name{
			Organization: []string{"Test CA"},
			CommonName:   "Test CA Root",
		},
		NotBefore: time.Now().Add(-15 * time.Second),
		NotAfter:  time.Now().Add(time.Hour),

		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	caDER, err := x509.CreateCertificate(nil, caTmpl, caTmpl, caPub, caPriv)
	require.NoError(t, err)
	caCert, err := x509.ParseCertificate(caDER)
	require.NoError(t, err)

	leafPub, leafPriv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	leafTmpl := &x509.Certificate{
		SerialNumber: randomSerial(t),
		Subject: pkix.Name{
			Organization: []string{"Test Leaf Cert"},
			CommonName:   "localhost",
		},
		NotBefore: time.Now().Add(-15 * time.Second),
		NotAfter:  time.Now().Add(time.Hour),

		KeyUsage:    x509.KeyUsageDigitalSignature,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},

		DNSNames:    []string{"localhost"},
		IPAddresses: []net.IP{net.IPv4(127, 0, 0, 1)},
	}
	leafDER, err := x509.CreateCertificate(nil, leafTmpl, caCert, leafPub, caPriv)
	require.NoError(t, err)
	leafCert, err := x509.ParseCertificate(leafDER)
	require.NoError(t, err)

	pool := x509.NewCertPool()
	pool.AddCert(caCert)

	return TLSPair{
		Server: &tls.Config{
			Certificates: []tls.Certificate{
				{
					Certificate: [][]byte{leafDER},
					PrivateKey:  leafPriv,
					Leaf:        leafCert,
				},
			},
			NextProtos: protos,
		},
		Client: &tls.Config{
			RootCAs:    pool,
			ServerName: "localhost",
			NextProtos: protos,
		},
	}
}

func randomSerial(t testing.TB) *big.Int {
	t.Helper()

	limit := new(big.Int).Lsh(big.NewInt(1), 128)
	n, err := rand.Int(rand.Reader, limit)
	require.NoError(t, err)
	return n
}
