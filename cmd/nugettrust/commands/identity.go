package commands

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/pkcs12"

	"github.com/willibrandon/nugettrust/packaging/signatures"
)

// signingIdentity is a signing certificate, its key and the rest of the
// certificates found alongside it.
type signingIdentity struct {
	cert  *x509.Certificate
	key   crypto.Signer
	chain []*x509.Certificate
}

// loadSigningIdentity reads a PFX/P12 bundle or PEM certificates plus a
// PEM key. keyPath may be empty when the certificate file also holds the key.
func loadSigningIdentity(certPath, keyPath, password string) (*signingIdentity, error) {
	data, err := os.ReadFile(certPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read certificate: %w", err)
	}

	var blocks []*pem.Block
	switch strings.ToLower(filepath.Ext(certPath)) {
	case ".pfx", ".p12":
		if blocks, err = pkcs12.ToPEM(data, password); err != nil {
			return nil, fmt.Errorf("failed to decode %s: %w", certPath, err)
		}
	default:
		blocks = decodePEM(data)
	}

	if keyPath != "" {
		keyData, err := os.ReadFile(keyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read private key: %w", err)
		}
		blocks = append(blocks, decodePEM(keyData)...)
	}

	var (
		certs []*x509.Certificate
		key   crypto.Signer
	)
	for _, block := range blocks {
		switch {
		case block.Type == "CERTIFICATE":
			cert, err := x509.ParseCertificate(block.Bytes)
			if err != nil {
				return nil, fmt.Errorf("failed to parse certificate: %w", err)
			}
			certs = append(certs, cert)
		case strings.HasSuffix(block.Type, "PRIVATE KEY"):
			if key != nil {
				return nil, errors.New("more than one private key supplied")
			}
			if key, err = parsePrivateKey(block.Bytes); err != nil {
				return nil, err
			}
		}
	}
	if len(certs) == 0 {
		return nil, fmt.Errorf("no certificate found in %s", certPath)
	}
	if key == nil {
		return nil, errors.New("no private key found; pass --key-path")
	}

	for i, cert := range certs {
		if publicKeyMatches(cert, key) {
			chain := append(append([]*x509.Certificate{}, certs[:i]...), certs[i+1:]...)
			return &signingIdentity{cert: cert, key: key, chain: chain}, nil
		}
	}
	return nil, fmt.Errorf("%w: no certificate matches the private key", signatures.ErrInvalidCertificate)
}

func decodePEM(data []byte) []*pem.Block {
	var blocks []*pem.Block
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			return blocks
		}
		blocks = append(blocks, block)
	}
}

// parsePrivateKey accepts PKCS#8, PKCS#1 and SEC 1 encodings.
func parsePrivateKey(der []byte) (crypto.Signer, error) {
	if key, err := x509.ParsePKCS8PrivateKey(der); err == nil {
		signer, ok := key.(crypto.Signer)
		if !ok {
			return nil, fmt.Errorf("unsupported private key type %T", key)
		}
		return signer, nil
	}
	if key, err := x509.ParsePKCS1PrivateKey(der); err == nil {
		return key, nil
	}
	if key, err := x509.ParseECPrivateKey(der); err == nil {
		return key, nil
	}
	return nil, errors.New("unrecognized private key encoding")
}

func publicKeyMatches(cert *x509.Certificate, key crypto.Signer) bool {
	switch pub := cert.PublicKey.(type) {
	case *rsa.PublicKey:
		return pub.Equal(key.Public())
	case *ecdsa.PublicKey:
		return pub.Equal(key.Public())
	}
	return false
}
