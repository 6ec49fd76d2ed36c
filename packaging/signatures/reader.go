package signatures

import (
	"bytes"
	"crypto/x509"
	"encoding/asn1"
	"fmt"
	"math/big"

	"github.com/digitorus/timestamp"
)

// ReadSignature decodes a primary package signature. Any structural problem
// yields an error wrapping ErrMalformedSignature; a Signature is returned
// only when every required element decoded. Timestamp tokens that fail
// validation are recorded in TimestampErrors rather than failing the read.
func ReadSignature(signatureData []byte) (sig *Signature, err error) {
	defer func() {
		if r := recover(); r != nil {
			sig, err = nil, fmt.Errorf("%w: %v", ErrMalformedSignature, r)
		}
	}()

	if len(signatureData) == 0 {
		return nil, fmt.Errorf("%w: signature data is empty", ErrMalformedSignature)
	}

	sd, err := parseSignedData(signatureData)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedSignature, err)
	}
	if !sd.ContentInfo.ContentType.Equal(oidData) {
		return nil, fmt.Errorf("%w: unexpected content type %s", ErrMalformedSignature, sd.ContentInfo.ContentType)
	}

	var content []byte
	if len(sd.ContentInfo.Content.Bytes) == 0 {
		return nil, fmt.Errorf("%w: signature has no signed content", ErrMalformedSignature)
	}
	if rest, err := asn1.Unmarshal(sd.ContentInfo.Content.Bytes, &content); err != nil || len(rest) > 0 {
		return nil, fmt.Errorf("%w: signed content is not an OCTET STRING", ErrMalformedSignature)
	}

	manifest, err := ParseManifest(content)
	if err != nil {
		return nil, err
	}

	certs, err := parseCertificates(sd.Certificates)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedSignature, err)
	}

	// NuGet signatures have exactly one signer
	if len(sd.SignerInfos) != 1 {
		return nil, fmt.Errorf("%w: expected exactly one signer, found %d", ErrMalformedSignature, len(sd.SignerInfos))
	}

	sig, err = decodeSignerInfo(sd.SignerInfos[0], certs, content, false)
	if err != nil {
		return nil, err
	}
	sig.Manifest = manifest
	sig.RawData = bytes.Clone(signatureData)

	sig.Countersignature, sig.CountersignatureError = readCountersignature(sd.SignerInfos[0], certs, sig.SignatureValue)
	return sig, nil
}

// decodeSignerInfo decodes one SignerInfo. content is the data the
// message-digest attribute must cover.
func decodeSignerInfo(si SignerInfo, certs []*x509.Certificate, content []byte, countersignature bool) (*Signature, error) {
	hashAlg, err := hashAlgorithmFromOID(si.DigestAlgorithm.Algorithm)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedSignature, err)
	}
	sigAlg, err := x509SignatureAlgorithm(si.SignatureAlgorithm.Algorithm, hashAlg)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedSignature, err)
	}
	if len(si.Signature) == 0 {
		return nil, fmt.Errorf("%w: empty signature value", ErrMalformedSignature)
	}

	signerCert, err := findSignerCertificate(si, certs)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedSignature, err)
	}

	if len(si.SignedAttrs.Bytes) == 0 {
		return nil, fmt.Errorf("%w: signer has no signed attributes", ErrMalformedSignature)
	}
	attrs, err := parseSignedAttributes(si.SignedAttrs.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedSignature, err)
	}
	if countersignature {
		if attrs.contentType != nil {
			return nil, fmt.Errorf("%w: countersignature carries content-type", ErrMalformedSignature)
		}
		if attrs.sigType != SignatureTypeRepository {
			return nil, fmt.Errorf("%w: countersignature must be a repository signature", ErrMalformedSignature)
		}
	} else if !attrs.contentType.Equal(oidData) {
		return nil, fmt.Errorf("%w: content-type attribute does not match content", ErrMalformedSignature)
	}
	if err := checkSigningCertificate(attrs.signingCert, signerCert); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedSignature, err)
	}

	signedAttrs, err := explicitSet(si.SignedAttrs)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedSignature, err)
	}

	sig := &Signature{
		Type:               attrs.sigType,
		Repository:         attrs.repository,
		SignerCertificate:  signerCert,
		Certificates:       certs,
		CertificateChain:   orderChain(signerCert, certs),
		SigningTime:        attrs.signingTime,
		HashAlgorithm:      hashAlg,
		SignatureValue:     bytes.Clone(si.Signature),
		signedAttrs:        signedAttrs,
		messageDigest:      attrs.messageDigest,
		signedContent:      content,
		signatureAlgorithm: sigAlg,
	}

	unsigned, err := unsignedAttributes(si.UnsignedAttrs)
	if err != nil {
		return nil, fmt.Errorf("%w: unsigned attributes: %w", ErrMalformedSignature, err)
	}
	for _, attr := range unsigned {
		if !attr.Type.Equal(oidTimestampToken) {
			continue
		}
		values, err := attributeValues(attr)
		if err != nil {
			sig.TimestampErrors = append(sig.TimestampErrors, err)
			continue
		}
		for _, token := range values {
			ts, err := parseTimestampToken(token, sig.SignatureValue)
			if err != nil {
				sig.TimestampErrors = append(sig.TimestampErrors, err)
				continue
			}
			sig.Timestamps = append(sig.Timestamps, *ts)
		}
	}

	return sig, nil
}

// readCountersignature decodes the repository countersignature of a primary
// signer, if any. Its message digest covers the primary signature value.
func readCountersignature(primary SignerInfo, certs []*x509.Certificate, primaryValue []byte) (*Signature, error) {
	unsigned, err := unsignedAttributes(primary.UnsignedAttrs)
	if err != nil {
		return nil, nil
	}

	var found []Attribute
	for _, attr := range unsigned {
		if attr.Type.Equal(oidCounterSignature) {
			found = append(found, attr)
		}
	}
	if len(found) == 0 {
		return nil, nil
	}
	if len(found) > 1 {
		return nil, fmt.Errorf("%w: multiple countersignature attributes", ErrMalformedSignature)
	}

	values, err := attributeValues(found[0])
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedSignature, err)
	}
	if len(values) != 1 {
		return nil, fmt.Errorf("%w: expected one countersignature, found %d", ErrMalformedSignature, len(values))
	}

	var si SignerInfo
	rest, err := asn1.Unmarshal(values[0], &si)
	if err != nil || len(rest) > 0 {
		return nil, fmt.Errorf("%w: countersignature signer info", ErrMalformedSignature)
	}
	sig, err := decodeSignerInfo(si, certs, primaryValue, true)
	if err != nil {
		return nil, err
	}
	sig.RawData = bytes.Clone(values[0])
	return sig, nil
}

// parseCertificates extracts X.509 certificates from the raw value
func parseCertificates(certData asn1.RawValue) ([]*x509.Certificate, error) {
	if len(certData.Bytes) == 0 {
		return nil, fmt.Errorf("signature embeds no certificates")
	}
	certs, err := x509.ParseCertificates(certData.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse x509 certificates: %w", err)
	}
	return certs, nil
}

// findSignerCertificate matches the signer info to a certificate
func findSignerCertificate(signerInfo SignerInfo, certs []*x509.Certificate) (*x509.Certificate, error) {
	// SignerIdentifier is a CHOICE:
	// - IssuerAndSerialNumber (SEQUENCE)
	// - subjectKeyIdentifier [0] IMPLICIT
	if signerInfo.SID.Class == asn1.ClassContextSpecific && signerInfo.SID.Tag == 0 {
		for _, cert := range certs {
			if len(cert.SubjectKeyId) > 0 && bytes.Equal(cert.SubjectKeyId, signerInfo.SID.Bytes) {
				return cert, nil
			}
		}
		return nil, fmt.Errorf("signer certificate not found")
	}

	var issuerAndSerial IssuerAndSerialNumber
	if _, err := asn1.Unmarshal(signerInfo.SID.FullBytes, &issuerAndSerial); err != nil {
		return nil, fmt.Errorf("parse signer identifier: %w", err)
	}
	for _, cert := range certs {
		if cert.SerialNumber.Cmp(issuerAndSerial.SerialNumber) == 0 &&
			bytes.Equal(cert.RawIssuer, issuerAndSerial.Issuer.FullBytes) {
			return cert, nil
		}
	}
	return nil, fmt.Errorf("signer certificate not found")
}

// orderChain follows issuer links from leaf through certs, leaf first.
func orderChain(leaf *x509.Certificate, certs []*x509.Certificate) []*x509.Certificate {
	chain := []*x509.Certificate{leaf}
	current := leaf
	for len(chain) <= len(certs) {
		if isSelfIssued(current) {
			break
		}
		var next *x509.Certificate
		for _, candidate := range certs {
			if inChain(chain, candidate) {
				continue
			}
			if issuedBy(current, candidate) {
				next = candidate
				break
			}
		}
		if next == nil {
			break
		}
		chain = append(chain, next)
		current = next
	}
	return chain
}

func inChain(chain []*x509.Certificate, cert *x509.Certificate) bool {
	for _, c := range chain {
		if c.Equal(cert) {
			return true
		}
	}
	return false
}

// parseTimestampToken validates a timestamp token and checks that it
// covers signatureValue. The token's own CMS signature is verified against
// the certificates it embeds; a token without certificates is rejected.
func parseTimestampToken(token, signatureValue []byte) (*Timestamp, error) {
	parsed, err := timestamp.Parse(token)
	if err != nil {
		return nil, fmt.Errorf("timestamp token: %w", err)
	}
	if len(parsed.Certificates) == 0 {
		return nil, fmt.Errorf("timestamp token embeds no certificates")
	}

	alg, err := hashAlgorithmFromCrypto(parsed.HashAlgorithm)
	if err != nil {
		return nil, fmt.Errorf("timestamp token: %w", err)
	}
	expected, err := digest(alg, signatureValue)
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(expected, parsed.HashedMessage) {
		return nil, fmt.Errorf("timestamp message imprint does not match the signature value")
	}

	sd, err := parseSignedData(token)
	if err != nil {
		return nil, fmt.Errorf("timestamp token: %w", err)
	}
	if len(sd.SignerInfos) != 1 {
		return nil, fmt.Errorf("timestamp token must have one signer")
	}
	tsaCert, err := findSignerCertificate(sd.SignerInfos[0], parsed.Certificates)
	if err != nil {
		return nil, fmt.Errorf("timestamp token: %w", err)
	}

	ts := &Timestamp{
		Time:              parsed.Time,
		Accuracy:          parsed.Accuracy,
		SignerCertificate: tsaCert,
		Certificates:      parsed.Certificates,
		HashAlgorithm:     alg,
		HashedMessage:     parsed.HashedMessage,
		SerialNumber:      parsed.SerialNumber,
		Policy:            parsed.Policy,
		Nonce:             parsed.Nonce,
		RawToken:          bytes.Clone(token),
	}
	if ts.SerialNumber == nil {
		ts.SerialNumber = new(big.Int)
	}
	return ts, nil
}

// CheckSignatureValue verifies that the message-digest attribute covers the
// signed content and that the signer certificate's key produced the
// signature over the signed attributes.
func (s *Signature) CheckSignatureValue() error {
	if s.SignerCertificate == nil || len(s.signedAttrs) == 0 {
		return fmt.Errorf("%w: signature was not produced by ReadSignature", ErrArgumentInvalid)
	}
	sum, err := digest(s.HashAlgorithm, s.signedContent)
	if err != nil {
		return err
	}
	if !bytes.Equal(sum, s.messageDigest) {
		return fmt.Errorf("message-digest attribute does not match the signed content")
	}
	if err := s.SignerCertificate.CheckSignature(s.signatureAlgorithm, s.signedAttrs, s.SignatureValue); err != nil {
		return fmt.Errorf("signature value: %w", err)
	}
	return nil
}
