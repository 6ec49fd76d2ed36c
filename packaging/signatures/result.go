package signatures

import (
	"fmt"
	"slices"
	"time"
)

// TrustLevel is the verdict of a signature or a whole package. Higher values
// are more trusted; Unsigned is only used for whole packages.
type TrustLevel int

const (
	// TrustLevelUnknown is reported with an error when verification could
	// not complete.
	TrustLevelUnknown TrustLevel = iota
	TrustLevelInvalid
	TrustLevelUnsigned
	TrustLevelValidButUntrusted
	TrustLevelTrusted
)

func (l TrustLevel) String() string {
	switch l {
	case TrustLevelInvalid:
		return "Invalid"
	case TrustLevelUnsigned:
		return "Unsigned"
	case TrustLevelValidButUntrusted:
		return "ValidButUntrusted"
	case TrustLevelTrusted:
		return "Trusted"
	default:
		return "Unknown"
	}
}

// Severity grades an Issue.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityError
)

func (s Severity) String() string {
	switch s {
	case SeverityWarning:
		return "Warning"
	case SeverityError:
		return "Error"
	default:
		return "Info"
	}
}

// PackageIssue is the SignatureIndex of issues about the package as a whole.
const PackageIssue = -1

// Issue is one finding of a verification.
type Issue struct {
	Severity Severity
	Code     IssueCode
	Message  string
	// SignatureIndex is 0 for the primary signature, 1 for the
	// countersignature and PackageIssue for package level findings.
	SignatureIndex int
}

func (i Issue) String() string {
	return fmt.Sprintf("%s %s: %s", i.Severity, i.Code, i.Message)
}

// VerificationState is how far evaluation of a signature progressed.
type VerificationState int

const (
	StateNoSignaturePresent VerificationState = iota
	StateSignatureParsed
	StateChainBuilt
	StateTimeValidated
	StateRevocationChecked
	StateTrustDecided
)

func (s VerificationState) String() string {
	switch s {
	case StateSignatureParsed:
		return "SignatureParsed"
	case StateChainBuilt:
		return "ChainBuilt"
	case StateTimeValidated:
		return "TimeValidated"
	case StateRevocationChecked:
		return "RevocationChecked"
	case StateTrustDecided:
		return "TrustDecided"
	default:
		return "NoSignaturePresent"
	}
}

// SignatureVerdict is the outcome for one signature.
type SignatureVerdict struct {
	Index int
	Type  SignatureType
	// Signature is nil when the signature could not be decoded.
	Signature  *Signature
	TrustLevel TrustLevel
	State      VerificationState
	Chain      *ChainResult

	// Timestamp is the timestamp whose time validated the chain, if any.
	Timestamp *Timestamp
	// ValidationTime is the instant certificate validity was judged at.
	ValidationTime time.Time

	Issues []Issue

	revocationUnknown bool
}

func (v *SignatureVerdict) report(severity Severity, code IssueCode, format string, args ...any) {
	v.Issues = append(v.Issues, Issue{
		Severity:       severity,
		Code:           code,
		Message:        fmt.Sprintf(format, args...),
		SignatureIndex: v.Index,
	})
}

// fail marks the signature Invalid.
func (v *SignatureVerdict) fail(code IssueCode, format string, args ...any) {
	v.report(SeverityError, code, format, args...)
	v.TrustLevel = TrustLevelInvalid
}

// distrust records a trust failure. Author identity is load bearing so an
// untrusted author signature is Invalid; repository provenance is advisory.
func (v *SignatureVerdict) distrust(code IssueCode, format string, args ...any) {
	if v.Type == SignatureTypeAuthor {
		v.fail(code, format, args...)
		return
	}
	v.caution(code, format, args...)
}

// caution records a warning and caps the verdict at ValidButUntrusted.
func (v *SignatureVerdict) caution(code IssueCode, format string, args ...any) {
	v.report(SeverityWarning, code, format, args...)
	v.TrustLevel = min(v.TrustLevel, TrustLevelValidButUntrusted)
}

// Decision is what a consumer should do with a verified package.
type Decision int

const (
	DecisionBlock Decision = iota
	DecisionWarn
	DecisionProceed
)

func (d Decision) String() string {
	switch d {
	case DecisionWarn:
		return "Warn"
	case DecisionProceed:
		return "Proceed"
	default:
		return "Block"
	}
}

// VerificationResult is the outcome of verifying one package.
type VerificationResult struct {
	TrustLevel TrustLevel

	// Issues holds every finding, ordered by signature index.
	Issues []Issue

	// Signatures is ordered by index.
	Signatures []SignatureVerdict

	SessionID string
}

// HasIssue reports whether any issue carries code.
func (r *VerificationResult) HasIssue(code IssueCode) bool {
	return slices.ContainsFunc(r.Issues, func(i Issue) bool { return i.Code == code })
}

// IssuesWithCode returns the issues carrying code.
func (r *VerificationResult) IssuesWithCode(code IssueCode) []Issue {
	var out []Issue
	for _, i := range r.Issues {
		if i.Code == code {
			out = append(out, i)
		}
	}
	return out
}

// Errors returns the error severity issues.
func (r *VerificationResult) Errors() []Issue {
	return r.bySeverity(SeverityError)
}

// Warnings returns the warning severity issues.
func (r *VerificationResult) Warnings() []Issue {
	return r.bySeverity(SeverityWarning)
}

func (r *VerificationResult) bySeverity(s Severity) []Issue {
	var out []Issue
	for _, i := range r.Issues {
		if i.Severity == s {
			out = append(out, i)
		}
	}
	return out
}

// Decision maps the trust level to a consumer action: Invalid blocks,
// ValidButUntrusted warns and Trusted proceeds. Unsigned packages proceed
// only when policy.AllowUnsigned is set.
func (r *VerificationResult) Decision(policy TrustPolicy) Decision {
	switch r.TrustLevel {
	case TrustLevelTrusted:
		return DecisionProceed
	case TrustLevelValidButUntrusted:
		return DecisionWarn
	case TrustLevelUnsigned:
		if policy.AllowUnsigned {
			return DecisionProceed
		}
		return DecisionBlock
	default:
		return DecisionBlock
	}
}
