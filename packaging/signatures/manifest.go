package signatures

import (
	"bytes"
	"crypto/subtle"
	"encoding/asn1"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"hash"
	"strings"

	"github.com/willibrandon/nugettrust/packaging"
)

const manifestVersion = "1"

// SignatureManifest is the content covered by a primary signature: the
// package content hash and the algorithm that produced it.
type SignatureManifest struct {
	HashAlgorithm HashAlgorithmName
	ContentHash   []byte
}

// NewSignatureManifest validates alg and the digest length.
func NewSignatureManifest(alg HashAlgorithmName, contentHash []byte) (*SignatureManifest, error) {
	h, err := alg.CryptoHash()
	if err != nil {
		return nil, err
	}
	if len(contentHash) != h.Size() {
		return nil, fmt.Errorf("%w: %s content hash must be %d bytes, got %d",
			ErrArgumentInvalid, alg, h.Size(), len(contentHash))
	}
	return &SignatureManifest{HashAlgorithm: alg, ContentHash: bytes.Clone(contentHash)}, nil
}

// BuildManifest hashes the package content and returns its manifest.
// Entries are read in container order, skipping the signature entry.
func BuildManifest(pkg packaging.Container, alg HashAlgorithmName) (*SignatureManifest, error) {
	sum, err := ComputePackageContentHash(pkg, alg)
	if err != nil {
		return nil, err
	}
	return &SignatureManifest{HashAlgorithm: alg, ContentHash: sum}, nil
}

// ComputePackageContentHash digests every entry except the signature.
// Each entry contributes its length-prefixed name followed by its
// length-prefixed data, so renaming or moving bytes between entries changes
// the hash.
func ComputePackageContentHash(pkg packaging.Container, alg HashAlgorithmName) ([]byte, error) {
	if pkg == nil {
		return nil, fmt.Errorf("%w: nil package", ErrArgumentInvalid)
	}
	h, err := alg.CryptoHash()
	if err != nil {
		return nil, err
	}

	hasher := h.New()
	for _, name := range pkg.Entries() {
		if packaging.IsSignatureEntry(name) {
			continue
		}
		data, err := pkg.ReadEntry(name)
		if err != nil {
			return nil, fmt.Errorf("read entry %s: %w", name, err)
		}
		writeEntryHashInput(hasher, name, data)
	}
	return hasher.Sum(nil), nil
}

func writeEntryHashInput(w hash.Hash, name string, data []byte) {
	var prefix [8]byte
	binary.BigEndian.PutUint32(prefix[:4], uint32(len(name)))
	w.Write(prefix[:4])
	w.Write([]byte(name))
	binary.BigEndian.PutUint64(prefix[:], uint64(len(data)))
	w.Write(prefix[:])
	w.Write(data)
}

// Bytes returns the canonical serialization that is signed:
//
//	Version:1
//
//	Hash-Algorithm:<oid>
//	Package-Hash:<base64>
//
// with CRLF line endings.
func (m *SignatureManifest) Bytes() []byte {
	oid, _ := m.HashAlgorithm.OID()
	var b strings.Builder
	b.WriteString("Version:" + manifestVersion + "\r\n\r\n")
	b.WriteString("Hash-Algorithm:" + oid.String() + "\r\n")
	b.WriteString("Package-Hash:" + base64.StdEncoding.EncodeToString(m.ContentHash) + "\r\n\r\n")
	return []byte(b.String())
}

// Matches recomputes the package content hash and compares it with the
// manifest in constant time.
func (m *SignatureManifest) Matches(pkg packaging.Container) (bool, error) {
	actual, err := ComputePackageContentHash(pkg, m.HashAlgorithm)
	if err != nil {
		return false, err
	}
	return subtle.ConstantTimeCompare(actual, m.ContentHash) == 1, nil
}

// ParseManifest decodes a manifest produced by Bytes. Unknown headers,
// missing headers and trailing data are rejected.
func ParseManifest(data []byte) (*SignatureManifest, error) {
	text := string(data)
	header, body, ok := strings.Cut(text, "\r\n\r\n")
	if !ok || header != "Version:"+manifestVersion {
		return nil, fmt.Errorf("%w: unsupported manifest version header", ErrMalformedSignature)
	}
	if !strings.HasSuffix(body, "\r\n\r\n") {
		return nil, fmt.Errorf("%w: manifest is not terminated", ErrMalformedSignature)
	}

	lines := strings.Split(strings.TrimSuffix(body, "\r\n\r\n"), "\r\n")
	if len(lines) != 2 {
		return nil, fmt.Errorf("%w: manifest must contain exactly two headers", ErrMalformedSignature)
	}

	algText, ok := strings.CutPrefix(lines[0], "Hash-Algorithm:")
	if !ok {
		return nil, fmt.Errorf("%w: missing Hash-Algorithm", ErrMalformedSignature)
	}
	hashText, ok := strings.CutPrefix(lines[1], "Package-Hash:")
	if !ok {
		return nil, fmt.Errorf("%w: missing Package-Hash", ErrMalformedSignature)
	}

	oid, err := parseOID(algText)
	if err != nil {
		return nil, fmt.Errorf("%w: hash algorithm %q", ErrMalformedSignature, algText)
	}
	alg, err := hashAlgorithmFromOID(oid)
	if err != nil {
		return nil, err
	}
	contentHash, err := base64.StdEncoding.Strict().DecodeString(hashText)
	if err != nil {
		return nil, fmt.Errorf("%w: package hash is not base64", ErrMalformedSignature)
	}

	m, err := NewSignatureManifest(alg, contentHash)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedSignature, err)
	}
	return m, nil
}

func parseOID(s string) (asn1.ObjectIdentifier, error) {
	parts := strings.Split(s, ".")
	if len(parts) < 2 {
		return nil, fmt.Errorf("too few arcs")
	}
	oid := make(asn1.ObjectIdentifier, len(parts))
	for i, p := range parts {
		if p == "" || len(p) > 9 {
			return nil, fmt.Errorf("invalid arc %q", p)
		}
		n := 0
		for _, c := range p {
			if c < '0' || c > '9' {
				return nil, fmt.Errorf("invalid arc %q", p)
			}
			n = n*10 + int(c-'0')
		}
		oid[i] = n
	}
	return oid, nil
}
