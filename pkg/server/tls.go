package server

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"

	"github.com/pesit-go/pesitd/pkg/config"
	"github.com/pesit-go/pesitd/pkg/secrets"
)

// loadServerCertificate reads the certificate and key files. A
// password-protected key is decrypted with the passphrase from the
// secrets store (the config carries it in AES:v2: form).
func loadServerCertificate(cfg config.TLSConfig, sec secrets.Service) (tls.Certificate, error) {
	certPEM, err := os.ReadFile(cfg.CertFile)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("read %s: %w", cfg.CertFile, err)
	}
	keyPEM, err := os.ReadFile(cfg.KeyFile)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("read %s: %w", cfg.KeyFile, err)
	}

	if cfg.KeyPassword != "" {
		password, err := sec.Decrypt(cfg.KeyPassword)
		if err != nil {
			return tls.Certificate{}, fmt.Errorf("resolve key password: %w", err)
		}
		keyPEM, err = decryptKeyPEM(keyPEM, password)
		if err != nil {
			return tls.Certificate{}, fmt.Errorf("decrypt %s: %w", cfg.KeyFile, err)
		}
	}

	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return tls.Certificate{}, err
	}
	return cert, nil
}

// decryptKeyPEM handles legacy PEM-level encryption (DEK-Info headers),
// the form gateway-issued PeSIT keys still ship in.
func decryptKeyPEM(keyPEM []byte, password string) ([]byte, error) {
	block, _ := pem.Decode(keyPEM)
	if block == nil {
		return nil, errors.New("no PEM block in key file")
	}
	if !x509.IsEncryptedPEMBlock(block) { //nolint:staticcheck // legacy keys use PEM encryption
		return keyPEM, nil
	}
	der, err := x509.DecryptPEMBlock(block, []byte(password)) //nolint:staticcheck
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: block.Type, Bytes: der}), nil
}

// loadTrustPool builds the client-certificate trust store for mutual
// TLS from a PEM bundle.
func loadTrustPool(trustFile string) (*x509.CertPool, error) {
	if trustFile == "" {
		return nil, errors.New("client auth enabled but no trust file configured")
	}
	data, err := os.ReadFile(trustFile)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", trustFile, err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(data) {
		return nil, fmt.Errorf("%s: no certificates found", trustFile)
	}
	return pool, nil
}
