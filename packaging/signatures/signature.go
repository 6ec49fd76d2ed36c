// Package signatures implements NuGet package signing and trust verification.
//
// Signatures are CMS/PKCS#7 SignedData structures (RFC 5652) stored in the
// package's .signature.p7s entry. The encapsulated content is a
// SignatureManifest naming the package content hash; signed attributes carry
// the signing time, signature type and (for repository signatures) the
// repository service index and package owners. Unsigned attributes carry RFC
// 3161 timestamp tokens and an optional repository countersignature.
//
// The Verifier evaluates every signature in a package against a TrustPolicy
// and produces a VerificationResult. Untrustworthy packages are reported
// through the result, never as errors.
package signatures

import (
	"crypto/x509"
	"encoding/asn1"
	"math/big"
	"time"
)

// SignatureType indicates who produced a signature.
type SignatureType string

const (
	// SignatureTypeAuthor is a signature by the package author (proof of origin).
	SignatureTypeAuthor SignatureType = "Author"

	// SignatureTypeRepository is a signature by a hosting repository (proof of receipt).
	SignatureTypeRepository SignatureType = "Repository"
)

// RepositoryInfo is the provenance payload of a repository signature.
type RepositoryInfo struct {
	// ServiceIndexURL is the V3 service index of the signing repository.
	ServiceIndexURL string

	// Owners lists the package owners registered with the repository, in order.
	Owners []string
}

// Signature is a decoded package signature or repository countersignature.
// Values returned by ReadSignature are never mutated by this package.
type Signature struct {
	// Type is Author or Repository. Repository is non-nil exactly when
	// Type is SignatureTypeRepository.
	Type       SignatureType
	Repository *RepositoryInfo

	SignerCertificate *x509.Certificate

	// Certificates holds every certificate embedded in the SignedData.
	Certificates []*x509.Certificate

	// CertificateChain is the signer's chain ordered leaf first, built from
	// the embedded certificates.
	CertificateChain []*x509.Certificate

	// SigningTime is the self-asserted signing-time signed attribute.
	SigningTime time.Time

	// HashAlgorithm is the signer's digest algorithm.
	HashAlgorithm HashAlgorithmName

	// Manifest is the signed content. Nil for countersignatures.
	Manifest *SignatureManifest

	Timestamps []Timestamp

	// TimestampErrors holds one entry for every timestamp token that was
	// present but could not be validated.
	TimestampErrors []error

	// Countersignature is the repository countersignature of a primary
	// author signature, if present.
	Countersignature *Signature

	// CountersignatureError is set when a countersignature attribute is
	// present but could not be decoded.
	CountersignatureError error

	// RawData is the full CMS encoding for primary signatures and the
	// SignerInfo encoding for countersignatures.
	RawData []byte

	// SignatureValue is the signer's signature over the signed attributes.
	SignatureValue []byte

	signedAttrs        []byte
	messageDigest      []byte
	signedContent      []byte
	signatureAlgorithm x509.SignatureAlgorithm
}

// IsCountersignature reports whether s is a repository countersignature.
func (s *Signature) IsCountersignature() bool {
	return s.Manifest == nil
}

// Timestamp is a validated RFC 3161 timestamp token.
type Timestamp struct {
	// Time is the TSA generation time.
	Time     time.Time
	Accuracy time.Duration

	SignerCertificate *x509.Certificate
	Certificates      []*x509.Certificate

	HashAlgorithm HashAlgorithmName
	HashedMessage []byte
	SerialNumber  *big.Int
	Policy        asn1.ObjectIdentifier
	Nonce         *big.Int

	// RawToken is the DER encoded timestamp token (a CMS ContentInfo).
	RawToken []byte
}

// UpperLimit is the latest instant the timestamp may represent.
func (t Timestamp) UpperLimit() time.Time {
	return t.Time.Add(t.Accuracy)
}

// LowerLimit is the earliest instant the timestamp may represent.
func (t Timestamp) LowerLimit() time.Time {
	return t.Time.Add(-t.Accuracy)
}

// SignedData represents CMS SignedData structure (RFC 5652)
type SignedData struct {
	Version          int                   `asn1:"default:1"`
	DigestAlgorithms []AlgorithmIdentifier `asn1:"set"`
	ContentInfo      EncapsulatedContentInfo
	Certificates     asn1.RawValue `asn1:"optional,tag:0"`
	CRLs             asn1.RawValue `asn1:"optional,tag:1"`
	SignerInfos      []SignerInfo  `asn1:"set"`
}

// EncapsulatedContentInfo represents the signed content
type EncapsulatedContentInfo struct {
	ContentType asn1.ObjectIdentifier
	Content     asn1.RawValue `asn1:"optional,explicit,tag:0"`
}

// SignerInfo represents signer information (RFC 5652)
type SignerInfo struct {
	Version            int           `asn1:"default:1"`
	SID                asn1.RawValue // SignerIdentifier (CHOICE)
	DigestAlgorithm    AlgorithmIdentifier
	SignedAttrs        asn1.RawValue `asn1:"optional,tag:0"`
	SignatureAlgorithm AlgorithmIdentifier
	Signature          []byte
	UnsignedAttrs      asn1.RawValue `asn1:"optional,tag:1"`
}

// IssuerAndSerialNumber identifies a certificate
type IssuerAndSerialNumber struct {
	Issuer       asn1.RawValue
	SerialNumber *big.Int
}

// AlgorithmIdentifier represents an algorithm
type AlgorithmIdentifier struct {
	Algorithm  asn1.ObjectIdentifier
	Parameters asn1.RawValue `asn1:"optional"`
}

// Attribute represents a CMS attribute
type Attribute struct {
	Type   asn1.ObjectIdentifier
	Values asn1.RawValue `asn1:"set"`
}
