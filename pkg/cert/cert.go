// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package cert loads the TLS material the proxy needs and generates a
// self-signed CA for TLS termination.
package cert

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"os"
	"time"
)

const (
	// KeyBits is the RSA key size of generated certificates.
	KeyBits = 2048
	// Validity is the lifetime of generated certificates.
	Validity = 10 * 365 * 24 * time.Hour
)

var (
	// ErrNoCertificate is returned when a PEM file holds no certificate.
	ErrNoCertificate = errors.New("no certificate found in PEM data")

	// Subject of generated CA certificates.
	Subject = pkix.Name{
		Country:      []string{"US"},
		Province:     []string{"Security"},
		Organization: []string{"MITMqtt Proxy"},
		CommonName:   "MITMqtt CA",
	}
)

// LoadServerCredential reads a PEM certificate and key pair and returns a
// server TLS configuration for terminating client connections.
func LoadServerCredential(certFile, keyFile string) (*tls.Config, error) {
	pair, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load server credential: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{pair},
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// BrokerTrust describes how the proxy verifies a TLS broker.
type BrokerTrust struct {
	// CAFile holds PEM roots. Empty uses the system pool.
	CAFile string
	// ServerName overrides the name verified against the broker certificate.
	ServerName string
	// Insecure skips verification entirely.
	Insecure bool
}

// LoadBrokerTrust builds the client TLS configuration for the broker leg.
func LoadBrokerTrust(trust BrokerTrust) (*tls.Config, error) {
	cfg := &tls.Config{
		ServerName:         trust.ServerName,
		InsecureSkipVerify: trust.Insecure,
		MinVersion:         tls.VersionTLS12,
	}
	if trust.CAFile == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(trust.CAFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read broker CA: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(data) {
		return nil, fmt.Errorf("broker CA %s: %w", trust.CAFile, ErrNoCertificate)
	}
	cfg.RootCAs = pool
	return cfg, nil
}

// GenerateCA creates a self-signed CA certificate and its RSA key, both PEM
// encoded.
func GenerateCA() (certPEM, keyPEM []byte, err error) {
	key, err := rsa.GenerateKey(rand.Reader, KeyBits)
	if err != nil {
		return nil, nil, fmt.Errorf("unable to generate private key: %w", err)
	}

	serialLimit := new(big.Int).Lsh(big.NewInt(1), 128)
	serial, err := rand.Int(rand.Reader, serialLimit)
	if err != nil {
		return nil, nil, fmt.Errorf("unable to generate serial number: %w", err)
	}

	now := time.Now()
	tmpl := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               Subject,
		Issuer:                Subject,
		NotBefore:             now,
		NotAfter:              now.Add(Validity),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return nil, nil, fmt.Errorf("unable to create certificate: %w", err)
	}

	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	return certPEM, keyPEM, nil
}

// EnsureCA writes a generated CA to certFile and keyFile unless both exist.
// It reports whether new files were written.
func EnsureCA(certFile, keyFile string) (bool, error) {
	if exists(certFile) && exists(keyFile) {
		return false, nil
	}
	certPEM, keyPEM, err := GenerateCA()
	if err != nil {
		return false, err
	}
	if err := os.WriteFile(certFile, certPEM, 0o644); err != nil {
		return false, fmt.Errorf("failed to write certificate: %w", err)
	}
	if err := os.WriteFile(keyFile, keyPEM, 0o600); err != nil {
		return false, fmt.Errorf("failed to write private key: %w", err)
	}
	return true, nil
}

// Parse decodes the first certificate in PEM data.
func Parse(data []byte) (*x509.Certificate, error) {
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			return nil, ErrNoCertificate
		}
		if block.Type == "CERTIFICATE" {
			return x509.ParseCertificate(block.Bytes)
		}
	}
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
