package signatures

import (
	"context"
	"errors"
)

// Sentinel errors for signing and verification failures. Callers test with
// errors.Is; CodeOf maps an error to the matching IssueCode.
var (
	// ErrArgumentInvalid indicates a nil or malformed input, rejected before any I/O.
	ErrArgumentInvalid = errors.New("invalid argument")

	// ErrUnsupportedHashAlgorithm indicates a hash algorithm outside SHA-256/384/512.
	ErrUnsupportedHashAlgorithm = errors.New("unsupported hash algorithm")

	// ErrInvalidCertificate indicates wrong key usage, a weak or mismatched key, or a
	// certificate outside its validity period.
	ErrInvalidCertificate = errors.New("invalid certificate")

	// ErrMalformedSignature indicates signature bytes that could not be decoded.
	ErrMalformedSignature = errors.New("malformed signature")

	// ErrPackageIntegrityCheckFailed indicates package content that no longer matches its signature.
	ErrPackageIntegrityCheckFailed = errors.New("package integrity check failed")

	// ErrChainBuildFailed indicates no certificate path to a trust anchor.
	ErrChainBuildFailed = errors.New("certificate chain build failed")

	ErrCertificateExpired = errors.New("certificate expired")
	ErrCertificateRevoked = errors.New("certificate revoked")

	// ErrRevocationCheckUnknown indicates revocation status could not be determined.
	ErrRevocationCheckUnknown = errors.New("revocation status unknown")

	ErrTimestampingFailed         = errors.New("timestamping failed")
	ErrTimestampAuthorityRejected = errors.New("timestamp authority rejected request")

	// ErrSigningNotSupported indicates the process cannot produce CMS signatures at all.
	ErrSigningNotSupported = errors.New("signing is not supported on this platform")

	// ErrPackageAlreadySigned is returned when signing a signed package without overwrite.
	ErrPackageAlreadySigned = errors.New("package is already signed")
)

// IssueCode identifies the kind of a verification issue.
type IssueCode string

const (
	CodeArgumentInvalid             IssueCode = "ArgumentInvalid"
	CodeUnsupportedAlgorithm        IssueCode = "UnsupportedAlgorithm"
	CodeInvalidCertificate          IssueCode = "InvalidCertificate"
	CodeMalformedSignature          IssueCode = "MalformedSignature"
	CodePackageIntegrityCheckFailed IssueCode = "PackageIntegrityCheckFailed"
	CodeSignatureVerificationFailed IssueCode = "SignatureVerificationFailed"
	CodeChainBuildFailed            IssueCode = "ChainBuildFailed"
	CodeUntrustedRoot               IssueCode = "UntrustedRoot"
	CodeCertificateExpired          IssueCode = "CertificateExpired"
	CodeCertificateNotYetValid      IssueCode = "CertificateNotYetValid"
	CodeCertificateRevoked          IssueCode = "CertificateRevoked"
	CodeRevocationCheckUnknown      IssueCode = "RevocationCheckUnknown"
	CodeTimestampingFailed          IssueCode = "TimestampingFailed"
	CodeTimestampAuthorityRejected  IssueCode = "TimestampAuthorityRejected"
	CodeTimestampInvalid            IssueCode = "TimestampInvalid"
	CodeTimestampMissing            IssueCode = "TimestampMissing"
	CodeTimestampCertificateExpired IssueCode = "TimestampCertificateExpired"
	CodeSigningNotSupported         IssueCode = "SigningNotSupported"
	CodeUntrustedSigner             IssueCode = "UntrustedSigner"
	CodeUntrustedRepository         IssueCode = "UntrustedRepository"
	CodePackageOwnersMismatch       IssueCode = "PackageOwnersMismatch"
	CodePrimarySignatureInvalid     IssueCode = "PrimarySignatureInvalid"
	CodeRequiredSignatureMissing    IssueCode = "RequiredSignatureMissing"
	CodeNoSignature                 IssueCode = "NoSignature"
)

var errorCodes = []struct {
	err  error
	code IssueCode
}{
	{ErrArgumentInvalid, CodeArgumentInvalid},
	{ErrPackageAlreadySigned, CodeArgumentInvalid},
	{ErrUnsupportedHashAlgorithm, CodeUnsupportedAlgorithm},
	{ErrInvalidCertificate, CodeInvalidCertificate},
	{ErrMalformedSignature, CodeMalformedSignature},
	{ErrPackageIntegrityCheckFailed, CodePackageIntegrityCheckFailed},
	{ErrChainBuildFailed, CodeChainBuildFailed},
	{ErrCertificateExpired, CodeCertificateExpired},
	{ErrCertificateRevoked, CodeCertificateRevoked},
	{ErrRevocationCheckUnknown, CodeRevocationCheckUnknown},
	{ErrTimestampAuthorityRejected, CodeTimestampAuthorityRejected},
	{ErrTimestampingFailed, CodeTimestampingFailed},
	{ErrSigningNotSupported, CodeSigningNotSupported},
}

// CodeOf returns the issue code for err, or "" if err is not a signing error.
func CodeOf(err error) IssueCode {
	if err == nil {
		return ""
	}
	for _, ec := range errorCodes {
		if errors.Is(err, ec.err) {
			return ec.code
		}
	}
	return ""
}

// isCancellation reports whether err came from a cancelled or expired context.
func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
