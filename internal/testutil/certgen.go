package testutil

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

	"github.com/pkg/errors"
)

// CertKeyPair is a PEM-encoded self-signed certificate and its private key.
type CertKeyPair struct {
	CertPEM []byte
	KeyPEM  []byte
}

// GenerateCertKeyPair creates a self-signed ECDSA certificate valid for
// localhost, 127.0.0.1 and hostname.
func GenerateCertKeyPair(hostname string) (*CertKeyPair, error) {
	privateKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, errors.Wrap(err, "failed to generate key")
	}

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, errors.Wrap(err, "failed to generate serial number")
	}

	template := x509.Certificate{
		SerialNumber:          serialNumber,
		Subject:               pkix.Name{Organization: []string{"rpcmux test"}},
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
		DNSNames:              []string{"localhost"},
		IPAddresses:           []net.IP{net.ParseIP("127.0.0.1")},
	}
	if ip := net.ParseIP(hostname); ip != nil {
		if !ip.Equal(template.IPAddresses[0]) {
			template.IPAddresses = append(template.IPAddresses, ip)
		}
	} else if hostname != "" && hostname != "localhost" {
		template.DNSNames = append(template.DNSNames, hostname)
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &privateKey.PublicKey, privateKey)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create certificate")
	}
	keyDER, err := x509.MarshalPKCS8PrivateKey(privateKey)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal key")
	}

	return &CertKeyPair{
		CertPEM: pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
		KeyPEM:  pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER}),
	}, nil
}

// GenerateSelfSignedCertKeyPEM is GenerateCertKeyPair returning the raw PEM blocks.
func GenerateSelfSignedCertKeyPEM(hostname string) (certPEM []byte, keyPEM []byte, err error) {
	pair, err := GenerateCertKeyPair(hostname)
	if err != nil {
		return nil, nil, err
	}
	return pair.CertPEM, pair.KeyPEM, nil
}

// WriteFiles writes the pair to cert.pem and key.pem in a test temp dir.
func (p *CertKeyPair) WriteFiles(t *testing.T) (certFile, keyFile string, err error) {
	t.Helper()
	dir := t.TempDir()
	certFile = filepath.Join(dir, "cert.pem")
	keyFile = filepath.Join(dir, "key.pem")
	if err := os.WriteFile(certFile, p.CertPEM, 0600); err != nil {
		return "", "", err
	}
	if err := os.WriteFile(keyFile, p.KeyPEM, 0600); err != nil {
		return "", "", err
	}
	return certFile, keyFile, nil
}

// ServerTLSConfig returns a TLS config presenting the pair.
func (p *CertKeyPair) ServerTLSConfig() (*tls.Config, error) {
	cert, err := tls.X509KeyPair(p.CertPEM, p.KeyPEM)
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse key pair")
	}
	return &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}, nil
}

// ClientTLSConfig returns a TLS config that trusts only the pair's certificate.
func (p *CertKeyPair) ClientTLSConfig() (*tls.Config, error) {
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(p.CertPEM) {
		return nil, errors.New("failed to add certificate to pool")
	}
	return &tls.Config{RootCAs: pool, ServerName: "localhost", MinVersion: tls.VersionTLS12}, nil
}

// GenerateSelfSignedCertKeyFiles generates a pair for host and writes it to a
// test temp dir.
func GenerateSelfSignedCertKeyFiles(t *testing.T, host string) (certFile, keyFile string, err error) {
	t.Helper()
	pair, err := GenerateCertKeyPair(host)
	if err != nil {
		return "", "", err
	}
	return pair.WriteFiles(t)
}
