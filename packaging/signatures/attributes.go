package signatures

import (
	"crypto/x509"
	"encoding/asn1"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// signedAttributesOptions describes the attributes placed in a SignerInfo.
type signedAttributesOptions struct {
	messageDigest []byte
	signingTime   time.Time
	sigType       SignatureType
	repository    *RepositoryInfo
	cert          *x509.Certificate
	hashAlg       HashAlgorithmName

	// countersignature omits content-type (RFC 5652 section 11.1)
	countersignature bool
}

// BuildSignedAttributes creates the authenticated attributes for a CMS signature (RFC 5652).
//
// The returned attributes include:
//   - content-type (primary signatures only)
//   - signing-time
//   - message-digest
//   - commitment-type-indication: Author or Repository
//   - signing-certificate-v2: binds the signing certificate to the signature
//   - nuget-v3-service-index-url and nuget-package-owners (repository only)
func buildSignedAttributes(opts signedAttributesOptions) ([]Attribute, error) {
	var attributes []Attribute

	if !opts.countersignature {
		attr, err := newAttribute(oidContentType, oidData)
		if err != nil {
			return nil, fmt.Errorf("create content-type: %w", err)
		}
		attributes = append(attributes, attr)
	}

	signingTime, err := newAttribute(oidSigningTime, opts.signingTime.UTC())
	if err != nil {
		return nil, fmt.Errorf("create signing-time: %w", err)
	}
	attributes = append(attributes, signingTime)

	messageDigest, err := newAttribute(oidMessageDigest, opts.messageDigest)
	if err != nil {
		return nil, fmt.Errorf("create message-digest: %w", err)
	}
	attributes = append(attributes, messageDigest)

	commitment, err := commitmentTypeAttribute(opts.sigType)
	if err != nil {
		return nil, fmt.Errorf("create commitment-type: %w", err)
	}
	attributes = append(attributes, commitment)

	signingCert, err := signingCertificateV2Attribute(opts.cert, opts.hashAlg)
	if err != nil {
		return nil, fmt.Errorf("create signing-certificate-v2: %w", err)
	}
	attributes = append(attributes, signingCert)

	if opts.sigType == SignatureTypeRepository {
		repoAttrs, err := repositoryAttributes(opts.repository)
		if err != nil {
			return nil, err
		}
		attributes = append(attributes, repoAttrs...)
	}

	return attributes, nil
}

// newAttribute marshals value and wraps it as a single valued attribute.
func newAttribute(oid asn1.ObjectIdentifier, value any) (Attribute, error) {
	encoded, err := asn1.Marshal(value)
	if err != nil {
		return Attribute{}, err
	}
	return rawAttribute(oid, encoded)
}

// rawAttribute wraps already DER encoded values in the attribute's SET OF.
func rawAttribute(oid asn1.ObjectIdentifier, values ...[]byte) (Attribute, error) {
	raws := make([]asn1.RawValue, len(values))
	for i, v := range values {
		raws[i] = asn1.RawValue{FullBytes: v}
	}
	set, err := asn1.MarshalWithParams(raws, "set")
	if err != nil {
		return Attribute{}, err
	}
	return Attribute{Type: oid, Values: asn1.RawValue{FullBytes: set}}, nil
}

// commitmentTypeAttribute encodes the commitment-type-indication attribute.
// The value is a CommitmentTypeIndication SEQUENCE holding the type OID.
func commitmentTypeAttribute(sigType SignatureType) (Attribute, error) {
	var commitmentOID asn1.ObjectIdentifier
	switch sigType {
	case SignatureTypeAuthor:
		commitmentOID = oidAuthorSignature
	case SignatureTypeRepository:
		commitmentOID = oidRepositorySignature
	default:
		return Attribute{}, fmt.Errorf("%w: unknown signature type %q", ErrArgumentInvalid, sigType)
	}
	return newAttribute(oidCommitmentTypeIndication, struct {
		CommitmentTypeID asn1.ObjectIdentifier
	}{commitmentOID})
}

// signingCertificateV2Attribute binds cert to the signature by hash (RFC 5035).
func signingCertificateV2Attribute(cert *x509.Certificate, hashAlg HashAlgorithmName) (Attribute, error) {
	certHash, err := digest(hashAlg, cert.Raw)
	if err != nil {
		return Attribute{}, err
	}
	oid, err := hashAlg.OID()
	if err != nil {
		return Attribute{}, err
	}

	return newAttribute(oidSigningCertificateV2, SigningCertificateV2{
		Certs: []ESSCertIDv2{{
			HashAlgorithm: AlgorithmIdentifier{Algorithm: oid},
			CertHash:      certHash,
			IssuerSerial: IssuerSerial{
				Issuer:       []asn1.RawValue{directoryName(cert.RawIssuer)},
				SerialNumber: cert.SerialNumber,
			},
		}},
	})
}

// directoryName wraps a Name as GeneralName directoryName [4].
func directoryName(rawName []byte) asn1.RawValue {
	return asn1.RawValue{Class: asn1.ClassContextSpecific, Tag: 4, IsCompound: true, Bytes: rawName}
}

func repositoryAttributes(repo *RepositoryInfo) ([]Attribute, error) {
	if err := validateRepositoryInfo(repo); err != nil {
		return nil, err
	}

	indexValue, err := asn1.MarshalWithParams(repo.ServiceIndexURL, "ia5")
	if err != nil {
		return nil, fmt.Errorf("encode service index url: %w", err)
	}
	indexAttr, err := rawAttribute(oidNuGetV3ServiceIndexURL, indexValue)
	if err != nil {
		return nil, err
	}
	attrs := []Attribute{indexAttr}

	if len(repo.Owners) > 0 {
		owners := make([]asn1.RawValue, len(repo.Owners))
		for i, owner := range repo.Owners {
			encoded, err := asn1.MarshalWithParams(owner, "utf8")
			if err != nil {
				return nil, fmt.Errorf("encode package owner: %w", err)
			}
			owners[i] = asn1.RawValue{FullBytes: encoded}
		}
		ownersAttr, err := newAttribute(oidNuGetPackageOwners, owners)
		if err != nil {
			return nil, err
		}
		attrs = append(attrs, ownersAttr)
	}
	return attrs, nil
}

func validateRepositoryInfo(repo *RepositoryInfo) error {
	if repo == nil {
		return fmt.Errorf("%w: repository signatures require a service index URL", ErrArgumentInvalid)
	}
	u, err := url.Parse(repo.ServiceIndexURL)
	if err != nil || !u.IsAbs() || (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
		return fmt.Errorf("%w: service index URL %q must be an absolute http(s) URL", ErrArgumentInvalid, repo.ServiceIndexURL)
	}
	seen := make(map[string]bool, len(repo.Owners))
	for _, owner := range repo.Owners {
		trimmed := strings.TrimSpace(owner)
		if trimmed == "" || trimmed != owner {
			return fmt.Errorf("%w: package owner %q is empty or padded", ErrArgumentInvalid, owner)
		}
		key := strings.ToLower(owner)
		if seen[key] {
			return fmt.Errorf("%w: duplicate package owner %q", ErrArgumentInvalid, owner)
		}
		seen[key] = true
	}
	return nil
}

// encodeSignedAttributes DER encodes attributes as a SET OF, the form that
// is hashed and signed.
func encodeSignedAttributes(attributes []Attribute) ([]byte, error) {
	return asn1.MarshalWithParams(attributes, "set")
}

// parsedAttributes is the decoded view of a SignerInfo's signed attributes.
type parsedAttributes struct {
	contentType   asn1.ObjectIdentifier
	messageDigest []byte
	signingTime   time.Time
	sigType       SignatureType
	repository    *RepositoryInfo
	signingCert   *SigningCertificateV2
}

// splitAttributes decodes the body of a [n] IMPLICIT SET OF Attribute.
func splitAttributes(body []byte) ([]Attribute, error) {
	var attrs []Attribute
	for len(body) > 0 {
		var attr Attribute
		rest, err := asn1.Unmarshal(body, &attr)
		if err != nil {
			return nil, fmt.Errorf("unmarshal attribute: %w", err)
		}
		attrs = append(attrs, attr)
		body = rest
	}
	return attrs, nil
}

// attributeValues returns the DER encoding of each value in an attribute.
func attributeValues(attr Attribute) ([][]byte, error) {
	var values [][]byte
	body := attr.Values.Bytes
	for len(body) > 0 {
		var v asn1.RawValue
		rest, err := asn1.Unmarshal(body, &v)
		if err != nil {
			return nil, fmt.Errorf("attribute %s: %w", attr.Type, err)
		}
		values = append(values, v.FullBytes)
		body = rest
	}
	return values, nil
}

// singleValue enforces the single valued attributes this package reads.
func singleValue(attr Attribute, out any, params string) error {
	values, err := attributeValues(attr)
	if err != nil {
		return err
	}
	if len(values) != 1 {
		return fmt.Errorf("attribute %s must have exactly one value, got %d", attr.Type, len(values))
	}
	rest, err := asn1.UnmarshalWithParams(values[0], out, params)
	if err != nil {
		return fmt.Errorf("attribute %s: %w", attr.Type, err)
	}
	if len(rest) > 0 {
		return fmt.Errorf("attribute %s: trailing data", attr.Type)
	}
	return nil
}

// parseSignedAttributes decodes and validates signed attributes. Each
// attribute may appear at most once.
func parseSignedAttributes(body []byte) (*parsedAttributes, error) {
	attrs, err := splitAttributes(body)
	if err != nil {
		return nil, err
	}

	parsed := &parsedAttributes{}
	seen := make(map[string]bool, len(attrs))
	var serviceIndex string
	var owners []string
	var hasServiceIndex bool

	for _, attr := range attrs {
		key := attr.Type.String()
		if seen[key] {
			return nil, fmt.Errorf("duplicate signed attribute %s", key)
		}
		seen[key] = true

		switch {
		case attr.Type.Equal(oidContentType):
			if err := singleValue(attr, &parsed.contentType, ""); err != nil {
				return nil, err
			}
		case attr.Type.Equal(oidMessageDigest):
			if err := singleValue(attr, &parsed.messageDigest, ""); err != nil {
				return nil, err
			}
		case attr.Type.Equal(oidSigningTime):
			if err := singleValue(attr, &parsed.signingTime, ""); err != nil {
				return nil, err
			}
		case attr.Type.Equal(oidCommitmentTypeIndication):
			sigType, err := parseCommitmentType(attr)
			if err != nil {
				return nil, err
			}
			parsed.sigType = sigType
		case attr.Type.Equal(oidSigningCertificateV2):
			var sc SigningCertificateV2
			if err := singleValue(attr, &sc, ""); err != nil {
				return nil, err
			}
			parsed.signingCert = &sc
		case attr.Type.Equal(oidNuGetV3ServiceIndexURL):
			if err := singleValue(attr, &serviceIndex, "ia5"); err != nil {
				return nil, err
			}
			hasServiceIndex = true
		case attr.Type.Equal(oidNuGetPackageOwners):
			if err := singleValue(attr, &owners, ""); err != nil {
				return nil, err
			}
		}
	}

	if len(parsed.messageDigest) == 0 {
		return nil, fmt.Errorf("missing message-digest attribute")
	}
	if parsed.signingTime.IsZero() {
		return nil, fmt.Errorf("missing signing-time attribute")
	}
	if parsed.sigType == "" {
		return nil, fmt.Errorf("missing or unknown commitment-type-indication")
	}

	if parsed.sigType == SignatureTypeRepository {
		if !hasServiceIndex {
			return nil, fmt.Errorf("repository signature without service index URL")
		}
		parsed.repository = &RepositoryInfo{ServiceIndexURL: serviceIndex, Owners: owners}
		if err := validateRepositoryInfo(parsed.repository); err != nil {
			return nil, err
		}
	} else if hasServiceIndex || owners != nil {
		return nil, fmt.Errorf("author signature carries repository attributes")
	}

	return parsed, nil
}

// parseCommitmentType accepts the CommitmentTypeIndication SEQUENCE and the
// bare OID form.
func parseCommitmentType(attr Attribute) (SignatureType, error) {
	values, err := attributeValues(attr)
	if err != nil {
		return "", err
	}
	if len(values) != 1 {
		return "", fmt.Errorf("commitment-type-indication must have exactly one value")
	}

	var commitmentOID asn1.ObjectIdentifier
	var indication struct {
		CommitmentTypeID        asn1.ObjectIdentifier
		CommitmentTypeQualifier asn1.RawValue `asn1:"optional"`
	}
	if _, err := asn1.Unmarshal(values[0], &indication); err == nil {
		commitmentOID = indication.CommitmentTypeID
	} else if _, err := asn1.Unmarshal(values[0], &commitmentOID); err != nil {
		return "", fmt.Errorf("commitment-type-indication: %w", err)
	}

	switch {
	case commitmentOID.Equal(oidAuthorSignature):
		return SignatureTypeAuthor, nil
	case commitmentOID.Equal(oidRepositorySignature):
		return SignatureTypeRepository, nil
	default:
		return "", fmt.Errorf("unknown commitment type %s", commitmentOID)
	}
}

// checkSigningCertificate verifies that the signing-certificate-v2 attribute,
// when present, names cert.
func checkSigningCertificate(sc *SigningCertificateV2, cert *x509.Certificate) error {
	if sc == nil {
		return nil
	}
	if len(sc.Certs) == 0 {
		return fmt.Errorf("signing-certificate-v2 lists no certificates")
	}
	first := sc.Certs[0]
	alg := HashAlgorithmSHA256
	if len(first.HashAlgorithm.Algorithm) > 0 {
		var err error
		alg, err = hashAlgorithmFromOID(first.HashAlgorithm.Algorithm)
		if err != nil {
			return err
		}
	}
	sum, err := digest(alg, cert.Raw)
	if err != nil {
		return err
	}
	if string(sum) != string(first.CertHash) {
		return fmt.Errorf("signing-certificate-v2 does not match the signer certificate")
	}
	return nil
}

// unsignedAttributes returns the unsigned attributes grouped by type.
func unsignedAttributes(raw asn1.RawValue) ([]Attribute, error) {
	if len(raw.Bytes) == 0 {
		return nil, nil
	}
	return splitAttributes(raw.Bytes)
}
