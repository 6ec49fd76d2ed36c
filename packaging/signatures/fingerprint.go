package signatures

import (
	"crypto/x509"
	"encoding/hex"
	"fmt"
	"slices"
	"strings"
)

// Fingerprint identifies a certificate by a digest of its DER encoding.
// Fingerprints are comparable and totally ordered, so they serve as map keys
// and set members; certificates are never compared by pointer.
type Fingerprint struct {
	Algorithm HashAlgorithmName
	// Value is the digest in upper-case hexadecimal.
	Value string
}

// CertificateFingerprint computes the fingerprint of cert with alg.
func CertificateFingerprint(cert *x509.Certificate, alg HashAlgorithmName) (Fingerprint, error) {
	if cert == nil {
		return Fingerprint{}, fmt.Errorf("%w: nil certificate", ErrArgumentInvalid)
	}
	sum, err := digest(alg, cert.Raw)
	if err != nil {
		return Fingerprint{}, err
	}
	return Fingerprint{Algorithm: alg, Value: strings.ToUpper(hex.EncodeToString(sum))}, nil
}

// sha256Fingerprint is used for logging and cache keys.
func sha256Fingerprint(cert *x509.Certificate) Fingerprint {
	fp, _ := CertificateFingerprint(cert, HashAlgorithmSHA256)
	return fp
}

// ParseFingerprint validates a hex fingerprint for the given algorithm.
// Colons and whitespace are ignored.
func ParseFingerprint(alg HashAlgorithmName, value string) (Fingerprint, error) {
	h, err := alg.CryptoHash()
	if err != nil {
		return Fingerprint{}, err
	}
	cleaned := strings.Map(func(r rune) rune {
		if r == ':' || r == ' ' || r == '\t' {
			return -1
		}
		return r
	}, value)
	raw, err := hex.DecodeString(cleaned)
	if err != nil {
		return Fingerprint{}, fmt.Errorf("%w: fingerprint %q is not hexadecimal", ErrArgumentInvalid, value)
	}
	if len(raw) != h.Size() {
		return Fingerprint{}, fmt.Errorf("%w: %s fingerprint must be %d bytes, got %d",
			ErrArgumentInvalid, alg, h.Size(), len(raw))
	}
	return Fingerprint{Algorithm: alg, Value: strings.ToUpper(cleaned)}, nil
}

func (f Fingerprint) String() string {
	return string(f.Algorithm) + ":" + f.Value
}

// Compare orders fingerprints by algorithm then value.
func (f Fingerprint) Compare(other Fingerprint) int {
	if c := strings.Compare(string(f.Algorithm), string(other.Algorithm)); c != 0 {
		return c
	}
	return strings.Compare(f.Value, other.Value)
}

// FingerprintSet is an immutable set of fingerprints.
type FingerprintSet struct {
	members map[Fingerprint]struct{}
}

// NewFingerprintSet creates a set holding fps.
func NewFingerprintSet(fps ...Fingerprint) FingerprintSet {
	set := FingerprintSet{members: make(map[Fingerprint]struct{}, len(fps))}
	for _, fp := range fps {
		set.members[fp] = struct{}{}
	}
	return set
}

// Len returns the number of fingerprints.
func (s FingerprintSet) Len() int {
	return len(s.members)
}

// Contains reports whether fp is a member.
func (s FingerprintSet) Contains(fp Fingerprint) bool {
	_, ok := s.members[fp]
	return ok
}

// ContainsCertificate reports whether cert matches any member, computing the
// certificate's fingerprint with each algorithm present in the set.
func (s FingerprintSet) ContainsCertificate(cert *x509.Certificate) bool {
	if cert == nil || len(s.members) == 0 {
		return false
	}
	seen := make(map[HashAlgorithmName]bool, 1)
	for fp := range s.members {
		if seen[fp.Algorithm] {
			continue
		}
		seen[fp.Algorithm] = true
		certFP, err := CertificateFingerprint(cert, fp.Algorithm)
		if err == nil && s.Contains(certFP) {
			return true
		}
	}
	return false
}

// Sorted returns the members in Compare order.
func (s FingerprintSet) Sorted() []Fingerprint {
	out := make([]Fingerprint, 0, len(s.members))
	for fp := range s.members {
		out = append(out, fp)
	}
	slices.SortFunc(out, Fingerprint.Compare)
	return out
}

// Union returns a new set containing the members of s and other.
func (s FingerprintSet) Union(other FingerprintSet) FingerprintSet {
	out := NewFingerprintSet(s.Sorted()...)
	for fp := range other.members {
		out.members[fp] = struct{}{}
	}
	return out
}
