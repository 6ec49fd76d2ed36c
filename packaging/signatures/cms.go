package signatures

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/x509"
	"encoding/asn1"
	"fmt"
	"math/big"
)

// OID constants for CMS/PKCS#7 structures (RFC 5652, RFC 2985, RFC 5035).
var (
	oidData       = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 7, 1}
	oidSignedData = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 7, 2}

	oidContentType      = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 3}
	oidMessageDigest    = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 4}
	oidSigningTime      = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 5}
	oidCounterSignature = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 6}

	oidSigningCertificateV2 = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 16, 2, 47}

	// RFC 5126 commitment types. NuGet uses proof of origin for author
	// signatures and proof of receipt for repository signatures.
	oidCommitmentTypeIndication = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 16, 2, 16}
	oidAuthorSignature          = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 16, 6, 1}
	oidRepositorySignature      = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 16, 6, 2}

	oidTimestampToken = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 16, 2, 14}

	// NuGet repository signature attributes.
	oidNuGetV3ServiceIndexURL = asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 311, 84, 2, 1, 1, 1}
	oidNuGetPackageOwners     = asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 311, 84, 2, 1, 1, 2}

	oidRSAEncryption   = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 1}
	oidSHA256WithRSA   = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 11}
	oidSHA384WithRSA   = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 12}
	oidSHA512WithRSA   = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 13}
	oidECDSAWithSHA256 = asn1.ObjectIdentifier{1, 2, 840, 10045, 4, 3, 2}
	oidECDSAWithSHA384 = asn1.ObjectIdentifier{1, 2, 840, 10045, 4, 3, 3}
	oidECDSAWithSHA512 = asn1.ObjectIdentifier{1, 2, 840, 10045, 4, 3, 4}

	oidEKUTimeStamping = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 3, 8}
)

// ContentInfo represents the outer wrapper for CMS structures (RFC 5652).
type ContentInfo struct {
	ContentType asn1.ObjectIdentifier
	Content     asn1.RawValue `asn1:"explicit,optional,tag:0"`
}

// SigningCertificateV2 identifies the signing certificate using SHA-256 or stronger (RFC 5035).
type SigningCertificateV2 struct {
	Certs []ESSCertIDv2
}

// ESSCertIDv2 identifies a certificate by its hash value (RFC 5035).
type ESSCertIDv2 struct {
	HashAlgorithm AlgorithmIdentifier `asn1:"optional"`
	CertHash      []byte
	IssuerSerial  IssuerSerial `asn1:"optional"`
}

// IssuerSerial identifies a certificate by issuer name and serial number.
type IssuerSerial struct {
	Issuer       []asn1.RawValue
	SerialNumber *big.Int
}

// signatureAlgorithmOID returns the SignerInfo signatureAlgorithm for a key.
func signatureAlgorithmOID(pub crypto.PublicKey, hashAlg HashAlgorithmName) (asn1.ObjectIdentifier, error) {
	switch pub.(type) {
	case *rsa.PublicKey:
		switch hashAlg {
		case HashAlgorithmSHA256:
			return oidSHA256WithRSA, nil
		case HashAlgorithmSHA384:
			return oidSHA384WithRSA, nil
		case HashAlgorithmSHA512:
			return oidSHA512WithRSA, nil
		}
	case *ecdsa.PublicKey:
		switch hashAlg {
		case HashAlgorithmSHA256:
			return oidECDSAWithSHA256, nil
		case HashAlgorithmSHA384:
			return oidECDSAWithSHA384, nil
		case HashAlgorithmSHA512:
			return oidECDSAWithSHA512, nil
		}
	default:
		return nil, fmt.Errorf("%w: unsupported public key type %T", ErrInvalidCertificate, pub)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnsupportedHashAlgorithm, string(hashAlg))
}

// x509SignatureAlgorithm maps a SignerInfo's algorithms onto the x509
// algorithm used to check the signature. rsaEncryption takes its hash from
// the digest algorithm.
func x509SignatureAlgorithm(sigAlg asn1.ObjectIdentifier, hashAlg HashAlgorithmName) (x509.SignatureAlgorithm, error) {
	switch {
	case sigAlg.Equal(oidSHA256WithRSA):
		return x509.SHA256WithRSA, nil
	case sigAlg.Equal(oidSHA384WithRSA):
		return x509.SHA384WithRSA, nil
	case sigAlg.Equal(oidSHA512WithRSA):
		return x509.SHA512WithRSA, nil
	case sigAlg.Equal(oidECDSAWithSHA256):
		return x509.ECDSAWithSHA256, nil
	case sigAlg.Equal(oidECDSAWithSHA384):
		return x509.ECDSAWithSHA384, nil
	case sigAlg.Equal(oidECDSAWithSHA512):
		return x509.ECDSAWithSHA512, nil
	case sigAlg.Equal(oidRSAEncryption):
		switch hashAlg {
		case HashAlgorithmSHA256:
			return x509.SHA256WithRSA, nil
		case HashAlgorithmSHA384:
			return x509.SHA384WithRSA, nil
		case HashAlgorithmSHA512:
			return x509.SHA512WithRSA, nil
		}
	}
	return x509.UnknownSignatureAlgorithm, fmt.Errorf("%w: signature algorithm %s", ErrUnsupportedHashAlgorithm, sigAlg)
}

// wrapContentInfo marshals SignedData into a ContentInfo.
func wrapContentInfo(sd *SignedData) ([]byte, error) {
	signedDataBytes, err := asn1.Marshal(*sd)
	if err != nil {
		return nil, fmt.Errorf("marshal signed data: %w", err)
	}
	return asn1.Marshal(ContentInfo{
		ContentType: oidSignedData,
		Content: asn1.RawValue{
			Class:      asn1.ClassContextSpecific,
			Tag:        0,
			IsCompound: true,
			Bytes:      signedDataBytes,
		},
	})
}

// parseSignedData unwraps a ContentInfo holding SignedData. Trailing bytes
// at either level are rejected.
func parseSignedData(data []byte) (*SignedData, error) {
	var contentInfo ContentInfo
	rest, err := asn1.Unmarshal(data, &contentInfo)
	if err != nil {
		return nil, fmt.Errorf("unmarshal content info: %w", err)
	}
	if len(rest) > 0 {
		return nil, fmt.Errorf("trailing data after content info")
	}
	if !contentInfo.ContentType.Equal(oidSignedData) {
		return nil, fmt.Errorf("not a SignedData structure (got OID %v)", contentInfo.ContentType)
	}
	if len(contentInfo.Content.Bytes) == 0 {
		return nil, fmt.Errorf("content info has no content")
	}

	var sd SignedData
	rest, err = asn1.Unmarshal(contentInfo.Content.Bytes, &sd)
	if err != nil {
		return nil, fmt.Errorf("unmarshal signed data: %w", err)
	}
	if len(rest) > 0 {
		return nil, fmt.Errorf("trailing data after signed data")
	}
	return &sd, nil
}

// certificateSet encodes certs as the [0] IMPLICIT CertificateSet.
func certificateSet(certs []*x509.Certificate) asn1.RawValue {
	var certBytes []byte
	for _, cert := range certs {
		certBytes = append(certBytes, cert.Raw...)
	}
	return asn1.RawValue{
		Class:      asn1.ClassContextSpecific,
		Tag:        0,
		IsCompound: true,
		Bytes:      certBytes,
	}
}

// signerIdentifier encodes the SignerIdentifier CHOICE for cert, preferring
// subjectKeyIdentifier when the certificate carries one.
func signerIdentifier(cert *x509.Certificate) (asn1.RawValue, error) {
	if len(cert.SubjectKeyId) > 0 {
		return asn1.RawValue{
			Class: asn1.ClassContextSpecific,
			Tag:   0,
			Bytes: cert.SubjectKeyId,
		}, nil
	}
	sidBytes, err := asn1.Marshal(IssuerAndSerialNumber{
		Issuer:       asn1.RawValue{FullBytes: cert.RawIssuer},
		SerialNumber: cert.SerialNumber,
	})
	if err != nil {
		return asn1.RawValue{}, fmt.Errorf("marshal issuer and serial: %w", err)
	}
	return asn1.RawValue{FullBytes: sidBytes}, nil
}

// implicitSet re-tags a DER SET as [tag] IMPLICIT for SignerInfo attributes.
func implicitSet(setDER []byte, tag int) (asn1.RawValue, error) {
	var raw asn1.RawValue
	if _, err := asn1.Unmarshal(setDER, &raw); err != nil {
		return asn1.RawValue{}, err
	}
	return asn1.RawValue{
		Class:      asn1.ClassContextSpecific,
		Tag:        tag,
		IsCompound: true,
		Bytes:      raw.Bytes,
	}, nil
}

// explicitSet rebuilds the universal SET encoding of [n] IMPLICIT attributes.
// The signature covers this form, not the tagged one (RFC 5652 section 5.4).
func explicitSet(implicit asn1.RawValue) ([]byte, error) {
	return asn1.Marshal(asn1.RawValue{
		Class:      asn1.ClassUniversal,
		Tag:        asn1.TagSet,
		IsCompound: true,
		Bytes:      implicit.Bytes,
	})
}
