package signatures

import (
	"crypto"
	_ "crypto/sha256"
	_ "crypto/sha512"
	"encoding/asn1"
	"fmt"
	"io"
	"strings"
)

// HashAlgorithmName represents cryptographic hash algorithms
type HashAlgorithmName string

const (
	// HashAlgorithmSHA256 represents the SHA-256 hash algorithm.
	HashAlgorithmSHA256 HashAlgorithmName = "SHA256"
	// HashAlgorithmSHA384 represents the SHA-384 hash algorithm.
	HashAlgorithmSHA384 HashAlgorithmName = "SHA384"
	// HashAlgorithmSHA512 represents the SHA-512 hash algorithm.
	HashAlgorithmSHA512 HashAlgorithmName = "SHA512"
)

// Hash algorithm OIDs (NIST)
var (
	oidSHA256 = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 1}
	oidSHA384 = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 2}
	oidSHA512 = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 3}
)

// SupportedHashAlgorithms lists the algorithms accepted for signing and manifests.
var SupportedHashAlgorithms = []HashAlgorithmName{
	HashAlgorithmSHA256,
	HashAlgorithmSHA384,
	HashAlgorithmSHA512,
}

// ParseHashAlgorithm accepts "SHA256", "sha-256" and similar spellings.
func ParseHashAlgorithm(s string) (HashAlgorithmName, error) {
	normalized := strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(s), "-", ""))
	for _, alg := range SupportedHashAlgorithms {
		if string(alg) == normalized {
			return alg, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedHashAlgorithm, s)
}

// CryptoHash returns the crypto.Hash for the algorithm.
func (h HashAlgorithmName) CryptoHash() (crypto.Hash, error) {
	switch h {
	case HashAlgorithmSHA256:
		return crypto.SHA256, nil
	case HashAlgorithmSHA384:
		return crypto.SHA384, nil
	case HashAlgorithmSHA512:
		return crypto.SHA512, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnsupportedHashAlgorithm, string(h))
	}
}

// OID returns the algorithm's object identifier.
func (h HashAlgorithmName) OID() (asn1.ObjectIdentifier, error) {
	switch h {
	case HashAlgorithmSHA256:
		return oidSHA256, nil
	case HashAlgorithmSHA384:
		return oidSHA384, nil
	case HashAlgorithmSHA512:
		return oidSHA512, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedHashAlgorithm, string(h))
	}
}

// IsSupported reports whether h is one of SupportedHashAlgorithms.
func (h HashAlgorithmName) IsSupported() bool {
	_, err := h.CryptoHash()
	return err == nil
}

// hashAlgorithmFromOID converts an OID to a hash algorithm name
func hashAlgorithmFromOID(oid asn1.ObjectIdentifier) (HashAlgorithmName, error) {
	switch {
	case oid.Equal(oidSHA256):
		return HashAlgorithmSHA256, nil
	case oid.Equal(oidSHA384):
		return HashAlgorithmSHA384, nil
	case oid.Equal(oidSHA512):
		return HashAlgorithmSHA512, nil
	default:
		return "", fmt.Errorf("%w: OID %s", ErrUnsupportedHashAlgorithm, oid)
	}
}

func hashAlgorithmFromCrypto(h crypto.Hash) (HashAlgorithmName, error) {
	switch h {
	case crypto.SHA256:
		return HashAlgorithmSHA256, nil
	case crypto.SHA384:
		return HashAlgorithmSHA384, nil
	case crypto.SHA512:
		return HashAlgorithmSHA512, nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupportedHashAlgorithm, h)
	}
}

// ComputeHash digests everything read from r.
func ComputeHash(r io.Reader, alg HashAlgorithmName) ([]byte, error) {
	h, err := alg.CryptoHash()
	if err != nil {
		return nil, err
	}
	hasher := h.New()
	if _, err := io.Copy(hasher, r); err != nil {
		return nil, fmt.Errorf("hash content: %w", err)
	}
	return hasher.Sum(nil), nil
}

func digest(alg HashAlgorithmName, data []byte) ([]byte, error) {
	h, err := alg.CryptoHash()
	if err != nil {
		return nil, err
	}
	hasher := h.New()
	hasher.Write(data)
	return hasher.Sum(nil), nil
}
