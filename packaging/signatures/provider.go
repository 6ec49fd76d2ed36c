package signatures

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/asn1"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/willibrandon/nugettrust/observability"
)

// minRSAKeySize is the smallest RSA modulus accepted for signing.
const minRSAKeySize = 2048

// TimestampFailurePolicy decides what signing does when the timestamp
// authority cannot produce a token.
type TimestampFailurePolicy int

const (
	// TimestampRequired fails signing with ErrTimestampingFailed.
	TimestampRequired TimestampFailurePolicy = iota
	// TimestampBestEffort logs a warning and signs without a timestamp.
	TimestampBestEffort
)

func (p TimestampFailurePolicy) String() string {
	if p == TimestampBestEffort {
		return "BestEffort"
	}
	return "Required"
}

// Timestamper obtains a timestamp token over a signature value.
// *TimestampClient implements it.
type Timestamper interface {
	Timestamp(ctx context.Context, signatureValue []byte, hashAlg HashAlgorithmName) (*Timestamp, error)
}

var _ Timestamper = (*TimestampClient)(nil)

// SignRequest describes one signature to create.
type SignRequest struct {
	Certificate *x509.Certificate
	PrivateKey  crypto.Signer

	// Chain holds intermediate and root certificates used to build the
	// chain embedded in the signature.
	Chain []*x509.Certificate

	// Manifest is required for primary signatures and ignored for
	// countersignatures.
	Manifest *SignatureManifest

	Type       SignatureType
	Repository *RepositoryInfo

	// HashAlgorithm is the signer's digest algorithm. Zero uses the
	// manifest's algorithm, or SHA-256 for countersignatures.
	HashAlgorithm HashAlgorithmName

	// Timestamper is optional.
	Timestamper            Timestamper
	TimestampFailurePolicy TimestampFailurePolicy
}

// SignatureProvider creates CMS signatures. It holds no per-signature state
// and is safe for concurrent use.
type SignatureProvider struct {
	caps   Capabilities
	chains *ChainBuilder
	logger observability.Logger
	now    func() time.Time
}

// ProviderOption configures a SignatureProvider.
type ProviderOption func(*SignatureProvider)

// WithProviderLogger sets the logger.
func WithProviderLogger(logger observability.Logger) ProviderOption {
	return func(p *SignatureProvider) {
		p.logger = logger
	}
}

// WithProviderClock overrides the clock used for the signing time and
// certificate validity checks.
func WithProviderClock(now func() time.Time) ProviderOption {
	return func(p *SignatureProvider) {
		p.now = now
	}
}

// WithCapabilities replaces the detected process capabilities.
func WithCapabilities(caps Capabilities) ProviderOption {
	return func(p *SignatureProvider) {
		p.caps = caps
	}
}

// NewSignatureProvider creates a provider using DetectCapabilities.
func NewSignatureProvider(opts ...ProviderOption) *SignatureProvider {
	p := &SignatureProvider{
		caps:   DetectCapabilities(),
		logger: observability.NewNullLogger(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.chains = NewChainBuilder(WithChainLogger(p.logger), WithChainClock(p.now))
	return p
}

// CreateSignature signs req.Manifest and returns the decoded signature.
// The whole certificate chain that can be built from req.Certificate and
// req.Chain is embedded.
func (p *SignatureProvider) CreateSignature(ctx context.Context, req SignRequest) (sig *Signature, err error) {
	if req.Manifest == nil {
		return nil, fmt.Errorf("%w: manifest is required", ErrArgumentInvalid)
	}
	hashAlg, err := p.checkRequest(&req)
	if err != nil {
		return nil, err
	}

	ctx, span := observability.StartSignSpan(ctx, string(req.Type), string(hashAlg))
	start := time.Now()
	defer func() {
		observability.EndSpanWithError(span, err)
		recordSigning(req.Type, start, err)
	}()

	chain, err := p.signingChain(ctx, req)
	if err != nil {
		return nil, err
	}

	content := req.Manifest.Bytes()
	si, err := p.signerInfo(ctx, req, hashAlg, content, false)
	if err != nil {
		return nil, err
	}

	octets, err := asn1.Marshal(content)
	if err != nil {
		return nil, fmt.Errorf("marshal content: %w", err)
	}
	digestOID, _ := hashAlg.OID()
	sd := &SignedData{
		Version:          si.Version,
		DigestAlgorithms: []AlgorithmIdentifier{{Algorithm: digestOID}},
		ContentInfo: EncapsulatedContentInfo{
			ContentType: oidData,
			Content: asn1.RawValue{
				Class:      asn1.ClassContextSpecific,
				Tag:        0,
				IsCompound: true,
				Bytes:      octets,
			},
		},
		Certificates: certificateSet(chain),
		SignerInfos:  []SignerInfo{si},
	}

	raw, err := wrapContentInfo(sd)
	if err != nil {
		return nil, err
	}
	sig, err = ReadSignature(raw)
	if err != nil {
		return nil, fmt.Errorf("decode created signature: %w", err)
	}

	p.logger.InfoContext(ctx, "Created {SignatureType} signature with {Subject} ({Fingerprint})",
		string(req.Type), req.Certificate.Subject.CommonName, sha256Fingerprint(req.Certificate).Value)
	return sig, nil
}

// Countersign adds a repository countersignature to the author signature
// encoded in primary, replacing any existing countersignature. It returns
// the re-encoded primary signature.
func (p *SignatureProvider) Countersign(ctx context.Context, primary []byte, req SignRequest) (sig *Signature, err error) {
	if req.Type != SignatureTypeRepository {
		return nil, fmt.Errorf("%w: countersignatures must be repository signatures", ErrArgumentInvalid)
	}
	hashAlg, err := p.checkRequest(&req)
	if err != nil {
		return nil, err
	}

	existing, err := ReadSignature(primary)
	if err != nil {
		return nil, err
	}
	if existing.Type != SignatureTypeAuthor {
		return nil, fmt.Errorf("%w: only author signatures can be countersigned", ErrArgumentInvalid)
	}
	sd, err := parseSignedData(primary)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedSignature, err)
	}

	ctx, span := observability.StartSignSpan(ctx, "Countersignature", string(hashAlg))
	start := time.Now()
	defer func() {
		observability.EndSpanWithError(span, err)
		recordSigning(SignatureTypeRepository, start, err)
	}()

	chain, err := p.signingChain(ctx, req)
	if err != nil {
		return nil, err
	}
	csi, err := p.signerInfo(ctx, req, hashAlg, existing.SignatureValue, true)
	if err != nil {
		return nil, err
	}
	csiDER, err := asn1.Marshal(csi)
	if err != nil {
		return nil, fmt.Errorf("marshal countersignature: %w", err)
	}
	csAttr, err := rawAttribute(oidCounterSignature, csiDER)
	if err != nil {
		return nil, err
	}

	si := sd.SignerInfos[0]
	unsigned, err := unsignedAttributes(si.UnsignedAttrs)
	if err != nil {
		return nil, fmt.Errorf("%w: unsigned attributes: %w", ErrMalformedSignature, err)
	}
	unsigned = slices.DeleteFunc(unsigned, func(a Attribute) bool {
		return a.Type.Equal(oidCounterSignature)
	})
	if si.UnsignedAttrs, err = encodeUnsignedAttributes(append(unsigned, csAttr)); err != nil {
		return nil, err
	}
	sd.SignerInfos[0] = si

	sd.Certificates = certificateSet(mergeCertificates(existing.Certificates, chain))
	digestOID, _ := hashAlg.OID()
	if !slices.ContainsFunc(sd.DigestAlgorithms, func(a AlgorithmIdentifier) bool { return a.Algorithm.Equal(digestOID) }) {
		sd.DigestAlgorithms = append(sd.DigestAlgorithms, AlgorithmIdentifier{Algorithm: digestOID})
	}

	raw, err := wrapContentInfo(sd)
	if err != nil {
		return nil, err
	}
	sig, err = ReadSignature(raw)
	if err != nil {
		return nil, fmt.Errorf("decode countersigned signature: %w", err)
	}
	if sig.CountersignatureError != nil {
		return nil, fmt.Errorf("decode created countersignature: %w", sig.CountersignatureError)
	}

	p.logger.InfoContext(ctx, "Countersigned {PrimarySubject} with repository {ServiceIndex}",
		existing.SignerCertificate.Subject.CommonName, req.Repository.ServiceIndexURL)
	return sig, nil
}

// checkRequest validates req before any I/O and returns the signer's
// digest algorithm.
func (p *SignatureProvider) checkRequest(req *SignRequest) (HashAlgorithmName, error) {
	if !p.caps.CMSSigning {
		return "", ErrSigningNotSupported
	}
	if req.Timestamper != nil && !p.caps.Timestamping {
		return "", fmt.Errorf("%w: timestamping is unavailable", ErrSigningNotSupported)
	}

	hashAlg := req.HashAlgorithm
	if hashAlg == "" {
		hashAlg = HashAlgorithmSHA256
		if req.Manifest != nil {
			hashAlg = req.Manifest.HashAlgorithm
		}
	}
	if !hashAlg.IsSupported() {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedHashAlgorithm, string(hashAlg))
	}
	if !slices.Contains(p.caps.HashAlgorithms, hashAlg) {
		return "", fmt.Errorf("%w: %s is unavailable", ErrSigningNotSupported, hashAlg)
	}

	switch req.Type {
	case SignatureTypeAuthor:
		if req.Repository != nil {
			return "", fmt.Errorf("%w: author signatures carry no repository information", ErrArgumentInvalid)
		}
	case SignatureTypeRepository:
		if err := validateRepositoryInfo(req.Repository); err != nil {
			return "", err
		}
	default:
		return "", fmt.Errorf("%w: unknown signature type %q", ErrArgumentInvalid, req.Type)
	}

	if req.Certificate == nil {
		return "", fmt.Errorf("%w: signing certificate is required", ErrArgumentInvalid)
	}
	if err := validateSigningCertificate(req.Certificate, p.now()); err != nil {
		return "", err
	}
	if err := validateSigningKey(req.Certificate, req.PrivateKey); err != nil {
		return "", err
	}
	return hashAlg, nil
}

// validateSigningCertificate requires the code signing usage and a
// certificate valid at now.
func validateSigningCertificate(cert *x509.Certificate, now time.Time) error {
	if !slices.Contains(cert.ExtKeyUsage, x509.ExtKeyUsageCodeSigning) {
		return fmt.Errorf("%w: %q lacks the code signing extended key usage", ErrInvalidCertificate, cert.Subject.CommonName)
	}
	if cert.KeyUsage != 0 && cert.KeyUsage&x509.KeyUsageDigitalSignature == 0 {
		return fmt.Errorf("%w: %q key usage does not permit digital signatures", ErrInvalidCertificate, cert.Subject.CommonName)
	}
	if now.Before(cert.NotBefore) || now.After(cert.NotAfter) {
		return fmt.Errorf("%w: %q is valid from %s to %s", ErrInvalidCertificate, cert.Subject.CommonName,
			cert.NotBefore.UTC().Format(time.RFC3339), cert.NotAfter.UTC().Format(time.RFC3339))
	}
	return nil
}

// validateSigningKey checks that key is the certificate's private key and
// is strong enough.
func validateSigningKey(cert *x509.Certificate, key crypto.Signer) error {
	if key == nil {
		return fmt.Errorf("%w: private key is not accessible", ErrInvalidCertificate)
	}
	pub, ok := key.Public().(interface{ Equal(crypto.PublicKey) bool })
	if !ok || !pub.Equal(cert.PublicKey) {
		return fmt.Errorf("%w: private key does not match the certificate", ErrInvalidCertificate)
	}

	switch k := cert.PublicKey.(type) {
	case *rsa.PublicKey:
		if k.N.BitLen() < minRSAKeySize {
			return fmt.Errorf("%w: RSA key must be at least %d bits, got %d", ErrInvalidCertificate, minRSAKeySize, k.N.BitLen())
		}
	case *ecdsa.PublicKey:
		switch k.Curve {
		case elliptic.P256(), elliptic.P384(), elliptic.P521():
		default:
			return fmt.Errorf("%w: unsupported ECDSA curve %s", ErrInvalidCertificate, k.Curve.Params().Name)
		}
	default:
		return fmt.Errorf("%w: unsupported key type %T", ErrInvalidCertificate, cert.PublicKey)
	}
	return nil
}

// signingChain builds the chain embedded in the signature, leaf first.
// Without anchors the chain ends at a self-signed root or the last issuer
// found.
func (p *SignatureProvider) signingChain(ctx context.Context, req SignRequest) ([]*x509.Certificate, error) {
	result, err := p.chains.BuildChain(ctx, req.Certificate, req.Chain, nil, ChainOptions{
		ValidationTime: p.now(),
		RevocationMode: RevocationModeNever,
	})
	if err != nil {
		return nil, err
	}

	const structural = ChainStatusNotTimeValid | ChainStatusNotYetValid |
		ChainStatusInvalidBasicConstraints | ChainStatusNotValidForUsage
	if result.Status&structural != 0 {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCertificate, result.Err())
	}
	if result.Status.Has(ChainStatusPartialChain) {
		p.logger.WarnContext(ctx, "Certificate chain for {Subject} is incomplete; embedding {Count} certificate(s)",
			req.Certificate.Subject.CommonName, len(result.Chain))
	}
	return result.Chain, nil
}

// signerInfo signs content and returns the SignerInfo, timestamped when
// req carries a Timestamper.
func (p *SignatureProvider) signerInfo(ctx context.Context, req SignRequest, hashAlg HashAlgorithmName, content []byte, countersignature bool) (SignerInfo, error) {
	messageDigest, err := digest(hashAlg, content)
	if err != nil {
		return SignerInfo{}, err
	}
	attrs, err := buildSignedAttributes(signedAttributesOptions{
		messageDigest:    messageDigest,
		signingTime:      p.now(),
		sigType:          req.Type,
		repository:       req.Repository,
		cert:             req.Certificate,
		hashAlg:          hashAlg,
		countersignature: countersignature,
	})
	if err != nil {
		return SignerInfo{}, err
	}
	encoded, err := encodeSignedAttributes(attrs)
	if err != nil {
		return SignerInfo{}, fmt.Errorf("encode signed attributes: %w", err)
	}

	h, _ := hashAlg.CryptoHash()
	sum, err := digest(hashAlg, encoded)
	if err != nil {
		return SignerInfo{}, err
	}
	value, err := req.PrivateKey.Sign(rand.Reader, sum, h)
	if err != nil {
		return SignerInfo{}, fmt.Errorf("sign attributes: %w", err)
	}

	sigAlg, err := signatureAlgorithmOID(req.Certificate.PublicKey, hashAlg)
	if err != nil {
		return SignerInfo{}, err
	}
	sid, err := signerIdentifier(req.Certificate)
	if err != nil {
		return SignerInfo{}, err
	}
	signedAttrs, err := implicitSet(encoded, 0)
	if err != nil {
		return SignerInfo{}, err
	}
	digestOID, _ := hashAlg.OID()

	version := 1
	if len(req.Certificate.SubjectKeyId) > 0 {
		version = 3
	}
	si := SignerInfo{
		Version:            version,
		SID:                sid,
		DigestAlgorithm:    AlgorithmIdentifier{Algorithm: digestOID},
		SignedAttrs:        signedAttrs,
		SignatureAlgorithm: AlgorithmIdentifier{Algorithm: sigAlg},
		Signature:          value,
	}

	if req.Timestamper == nil {
		return si, nil
	}
	ts, err := req.Timestamper.Timestamp(ctx, value, hashAlg)
	if err != nil {
		if isCancellation(err) && ctx.Err() != nil {
			return SignerInfo{}, ctx.Err()
		}
		if req.TimestampFailurePolicy == TimestampBestEffort {
			p.logger.WarnContext(ctx, "Signing without a timestamp: {Error}", err)
			return si, nil
		}
		if errors.Is(err, ErrTimestampingFailed) {
			return SignerInfo{}, err
		}
		return SignerInfo{}, fmt.Errorf("%w: %w", ErrTimestampingFailed, err)
	}

	tsAttr, err := rawAttribute(oidTimestampToken, ts.RawToken)
	if err != nil {
		return SignerInfo{}, err
	}
	if si.UnsignedAttrs, err = encodeUnsignedAttributes([]Attribute{tsAttr}); err != nil {
		return SignerInfo{}, err
	}
	return si, nil
}

// encodeUnsignedAttributes encodes attrs as the [1] IMPLICIT SET OF.
func encodeUnsignedAttributes(attrs []Attribute) (asn1.RawValue, error) {
	set, err := asn1.MarshalWithParams(attrs, "set")
	if err != nil {
		return asn1.RawValue{}, fmt.Errorf("marshal unsigned attributes: %w", err)
	}
	return implicitSet(set, 1)
}

// mergeCertificates appends the certificates of extra not already in base.
func mergeCertificates(base, extra []*x509.Certificate) []*x509.Certificate {
	out := slices.Clone(base)
	for _, cert := range extra {
		if !inChain(out, cert) {
			out = append(out, cert)
		}
	}
	return out
}

func recordSigning(sigType SignatureType, start time.Time, err error) {
	result := "success"
	if err != nil {
		result = "failure"
	}
	observability.SignaturesCreatedTotal.WithLabelValues(string(sigType), result).Inc()
	observability.SigningDuration.WithLabelValues(string(sigType)).Observe(time.Since(start).Seconds())
}
