package output

import (
	"strings"

	"github.com/fatih/color"

	"github.com/willibrandon/nugettrust/packaging/signatures"
)

// levelColor picks the console colour for a trust level.
func levelColor(level signatures.TrustLevel) *color.Color {
	switch level {
	case signatures.TrustLevelTrusted:
		return ColorSuccess
	case signatures.TrustLevelValidButUntrusted, signatures.TrustLevelUnsigned:
		return ColorWarning
	default:
		return ColorError
	}
}

// Verdict prints the overall trust level of a package.
func (c *Console) Verdict(level signatures.TrustLevel, format string, a ...any) {
	c.write(c.out, VerbosityQuiet, levelColor(level), "", format, a...)
}

// NewPackageResult converts a verification result for JSON output.
func NewPackageResult(path, id, version string, r *signatures.VerificationResult, decision signatures.Decision) PackageResult {
	out := PackageResult{
		Path:       path,
		ID:         id,
		Version:    version,
		TrustLevel: r.TrustLevel.String(),
		Decision:   decision.String(),
		SessionID:  r.SessionID,
		Signatures: []SignatureResult{},
		Issues:     []IssueOutput{},
		level:      r.TrustLevel,
	}
	for _, v := range r.Signatures {
		out.Signatures = append(out.Signatures, newSignatureResult(v))
	}
	for _, issue := range r.Issues {
		out.Issues = append(out.Issues, IssueOutput{
			Severity:       issue.Severity.String(),
			Code:           string(issue.Code),
			Message:        issue.Message,
			SignatureIndex: issue.SignatureIndex,
		})
	}
	return out
}

func newSignatureResult(v signatures.SignatureVerdict) SignatureResult {
	sr := SignatureResult{
		Index:      v.Index,
		Type:       string(v.Type),
		TrustLevel: v.TrustLevel.String(),
		State:      v.State.String(),
	}
	if v.Timestamp != nil {
		sr.Timestamp = v.Timestamp.Time
	}
	sig := v.Signature
	if sig == nil {
		return sr
	}
	sr.SigningTime = sig.SigningTime
	if sig.SignerCertificate != nil {
		sr.Subject = sig.SignerCertificate.Subject.String()
		if fp, err := signatures.CertificateFingerprint(sig.SignerCertificate, signatures.HashAlgorithmSHA256); err == nil {
			sr.Fingerprint = fp.Value
		}
	}
	if sig.Repository != nil {
		sr.ServiceIndex = sig.Repository.ServiceIndexURL
		sr.Owners = sig.Repository.Owners
	}
	return sr
}

// WriteVerification prints a human readable verification report.
func (c *Console) WriteVerification(r PackageResult) {
	c.Header("Verifying %s", r.Path)
	if r.ID != "" {
		c.Detail("  Package: %s %s", r.ID, r.Version)
	}
	for _, s := range r.Signatures {
		c.Info("  Signature %d: %s [%s]", s.Index, s.Type, s.TrustLevel)
		if s.Subject != "" {
			c.Detail("    Subject:     %s", s.Subject)
			c.Detail("    Fingerprint: SHA256 %s", s.Fingerprint)
		}
		if !s.SigningTime.IsZero() {
			c.Detail("    Signed:      %s", s.SigningTime.UTC().Format("2006-01-02 15:04:05Z"))
		}
		if !s.Timestamp.IsZero() {
			c.Detail("    Timestamp:   %s", s.Timestamp.UTC().Format("2006-01-02 15:04:05Z"))
		}
		if s.ServiceIndex != "" {
			c.Detail("    Repository:  %s", s.ServiceIndex)
		}
		if len(s.Owners) > 0 {
			c.Detail("    Owners:      %s", strings.Join(s.Owners, ", "))
		}
	}
	for _, issue := range r.Issues {
		if issue.Severity == signatures.SeverityError.String() {
			c.Error("%s: %s", issue.Code, issue.Message)
		} else {
			c.Warning("%s: %s", issue.Code, issue.Message)
		}
	}
	c.Verdict(r.level, "%s: %s (%s)", r.Path, r.TrustLevel, r.Decision)
}
