package signatures

import (
	"bytes"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"slices"
)

// certificateIndex is an immutable lookup of certificates by fingerprint
// and subject.
type certificateIndex struct {
	certs         []*x509.Certificate
	byFingerprint map[Fingerprint]*x509.Certificate
	bySubject     map[string][]*x509.Certificate
}

func newCertificateIndex(certs []*x509.Certificate) *certificateIndex {
	idx := &certificateIndex{
		byFingerprint: make(map[Fingerprint]*x509.Certificate, len(certs)),
		bySubject:     make(map[string][]*x509.Certificate, len(certs)),
	}
	for _, cert := range certs {
		if cert == nil {
			continue
		}
		fp := sha256Fingerprint(cert)
		if _, dup := idx.byFingerprint[fp]; dup {
			continue
		}
		idx.byFingerprint[fp] = cert
		idx.bySubject[string(cert.RawSubject)] = append(idx.bySubject[string(cert.RawSubject)], cert)
		idx.certs = append(idx.certs, cert)
	}
	return idx
}

func (idx *certificateIndex) contains(cert *x509.Certificate) bool {
	if idx == nil || cert == nil {
		return false
	}
	_, ok := idx.byFingerprint[sha256Fingerprint(cert)]
	return ok
}

// issuers returns candidates whose subject matches child's issuer and whose
// key identifier, when both sides carry one, matches the authority key id.
func (idx *certificateIndex) issuers(child *x509.Certificate) []*x509.Certificate {
	if idx == nil {
		return nil
	}
	var out []*x509.Certificate
	for _, cand := range idx.bySubject[string(child.RawIssuer)] {
		if len(child.AuthorityKeyId) > 0 && len(cand.SubjectKeyId) > 0 &&
			!bytes.Equal(child.AuthorityKeyId, cand.SubjectKeyId) {
			continue
		}
		out = append(out, cand)
	}
	return out
}

// TrustStore is an immutable set of trust anchors. The zero value and nil
// are empty stores. A TrustStore is safe to share between goroutines.
type TrustStore struct {
	index *certificateIndex
}

// NewTrustStore creates a trust store holding certs.
func NewTrustStore(certs ...*x509.Certificate) *TrustStore {
	return &TrustStore{index: newCertificateIndex(certs)}
}

// LoadTrustStorePEM parses every CERTIFICATE block in data.
func LoadTrustStorePEM(data []byte) (*TrustStore, error) {
	certs, err := ParseCertificatesPEM(data)
	if err != nil {
		return nil, err
	}
	if len(certs) == 0 {
		return nil, fmt.Errorf("%w: no certificates found in PEM data", ErrArgumentInvalid)
	}
	return NewTrustStore(certs...), nil
}

// ParseCertificatesPEM decodes all CERTIFICATE blocks, ignoring other block types.
func ParseCertificatesPEM(data []byte) ([]*x509.Certificate, error) {
	var certs []*x509.Certificate
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%w: parse certificate: %w", ErrArgumentInvalid, err)
		}
		certs = append(certs, cert)
	}
	return certs, nil
}

// With returns a new store holding the anchors of ts and certs.
func (ts *TrustStore) With(certs ...*x509.Certificate) *TrustStore {
	return NewTrustStore(append(ts.Certificates(), certs...)...)
}

// Contains reports whether cert is an anchor, compared by fingerprint.
func (ts *TrustStore) Contains(cert *x509.Certificate) bool {
	if ts == nil {
		return false
	}
	return ts.index.contains(cert)
}

// Len returns the number of anchors.
func (ts *TrustStore) Len() int {
	if ts == nil || ts.index == nil {
		return 0
	}
	return len(ts.index.certs)
}

// Certificates returns the anchors ordered by fingerprint.
func (ts *TrustStore) Certificates() []*x509.Certificate {
	if ts == nil || ts.index == nil {
		return nil
	}
	out := slices.Clone(ts.index.certs)
	slices.SortFunc(out, func(a, b *x509.Certificate) int {
		return sha256Fingerprint(a).Compare(sha256Fingerprint(b))
	})
	return out
}

func (ts *TrustStore) issuers(child *x509.Certificate) []*x509.Certificate {
	if ts == nil {
		return nil
	}
	return ts.index.issuers(child)
}
