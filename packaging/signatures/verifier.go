package signatures

import (
	"context"
	"crypto/x509"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/willibrandon/nugettrust/observability"
	"github.com/willibrandon/nugettrust/packaging"
)

// Verifier evaluates package signatures against a TrustPolicy. It is safe
// for concurrent use; concurrent verifications share only the read-only
// policy snapshot and the revocation cache.
type Verifier struct {
	policy     TrustPolicy
	chains     *ChainBuilder
	revocation RevocationChecker
	logger     observability.Logger
	now        func() time.Time
}

// VerifierOption configures a Verifier.
type VerifierOption func(*Verifier)

// WithVerifierLogger sets the logger.
func WithVerifierLogger(logger observability.Logger) VerifierOption {
	return func(v *Verifier) {
		v.logger = logger
	}
}

// WithVerifierClock overrides "now" for certificate validity checks.
func WithVerifierClock(now func() time.Time) VerifierOption {
	return func(v *Verifier) {
		v.now = now
	}
}

// WithVerifierRevocationChecker replaces the default RevocationClient.
func WithVerifierRevocationChecker(rc RevocationChecker) VerifierOption {
	return func(v *Verifier) {
		v.revocation = rc
	}
}

// NewVerifier validates policy and creates a verifier holding a snapshot of it.
func NewVerifier(policy TrustPolicy, opts ...VerifierOption) (*Verifier, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	v := &Verifier{
		policy: policy.snapshot(),
		logger: observability.NewNullLogger(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	if v.revocation == nil && v.policy.RevocationMode != RevocationModeNever {
		v.revocation = NewRevocationClient(WithRevocationLogger(v.logger), WithRevocationClock(v.now))
	}

	chainOpts := []ChainBuilderOption{WithChainLogger(v.logger), WithChainClock(v.now)}
	if v.revocation != nil {
		chainOpts = append(chainOpts, WithRevocationChecker(v.revocation))
	}
	v.chains = NewChainBuilder(chainOpts...)
	return v, nil
}

// Policy returns a copy of the verifier's policy.
func (v *Verifier) Policy() TrustPolicy {
	return v.policy.snapshot()
}

// Verify verifies pkg against policy with a one-off Verifier.
func Verify(ctx context.Context, pkg packaging.Container, policy TrustPolicy) (*VerificationResult, error) {
	v, err := NewVerifier(policy)
	if err != nil {
		return nil, err
	}
	return v.Verify(ctx, pkg)
}

// Verify evaluates every signature in pkg. An untrustworthy package is a
// normal result; an error is returned only for invalid arguments, a
// package that cannot be read, a cancelled ctx, or an unknown revocation
// status under FailOnUnknownRevocation. On error the result, when non-nil,
// holds what was evaluated so far.
func (v *Verifier) Verify(ctx context.Context, pkg packaging.Container) (result *VerificationResult, err error) {
	if pkg == nil {
		return nil, fmt.Errorf("%w: package is nil", ErrArgumentInvalid)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sessionID := uuid.NewString()
	logger := v.logger.ForContext("VerificationId", sessionID)

	var id, ver string
	if identity, err := packaging.ReadIdentity(pkg); err == nil {
		id, ver = identity.ID, identity.Version.String()
	} else {
		logger.DebugContext(ctx, "Package identity unavailable: {Error}", err)
	}

	ctx, span := observability.StartVerifySpan(ctx, id, ver, sessionID)
	start := time.Now()
	result = &VerificationResult{SessionID: sessionID}
	defer func() {
		span.SetAttributes(observability.AttrTrustLevel.String(result.TrustLevel.String()))
		observability.EndSpanWithError(span, err)
		observability.VerificationsTotal.WithLabelValues(result.TrustLevel.String()).Inc()
		observability.VerificationDuration.Observe(time.Since(start).Seconds())
		for _, issue := range result.Issues {
			observability.VerificationIssuesTotal.WithLabelValues(string(issue.Code), issue.Severity.String()).Inc()
		}
	}()

	verdicts, err := v.evaluate(ctx, pkg, logger)
	if err != nil {
		return result, err
	}
	result.Signatures = verdicts
	for _, vd := range verdicts {
		result.Issues = append(result.Issues, vd.Issues...)
	}
	level, issues := v.aggregate(verdicts)
	result.TrustLevel = level
	result.Issues = append(result.Issues, issues...)

	logger.InfoContext(ctx, "Verified {PackageId} {PackageVersion}: {TrustLevel} with {IssueCount} issue(s)",
		id, ver, level.String(), len(result.Issues))

	if v.policy.FailOnUnknownRevocation {
		for _, vd := range verdicts {
			if vd.revocationUnknown {
				return result, fmt.Errorf("%w: signature %d", ErrRevocationCheckUnknown, vd.Index)
			}
		}
	}
	return result, nil
}

// evaluate returns the verdicts ordered by signature index. Signatures are
// evaluated concurrently once their integrity outcome is known.
func (v *Verifier) evaluate(ctx context.Context, pkg packaging.Container, logger observability.Logger) ([]SignatureVerdict, error) {
	if !packaging.IsSigned(pkg) {
		return nil, nil
	}
	raw, err := pkg.ReadEntry(packaging.SignaturePath)
	if err != nil {
		return nil, fmt.Errorf("read signature: %w", err)
	}

	primary, err := ReadSignature(raw)
	if err != nil {
		vd := SignatureVerdict{Index: 0, TrustLevel: TrustLevelTrusted}
		vd.fail(CodeMalformedSignature, "%v", err)
		logger.WarnContext(ctx, "Signature could not be decoded: {Error}", err)
		return []SignatureVerdict{vd}, nil
	}

	verdicts := []SignatureVerdict{newVerdict(0, primary)}
	intact, err := primary.Manifest.Matches(pkg)
	if err != nil {
		return nil, fmt.Errorf("hash package content: %w", err)
	}
	if !intact {
		verdicts[0].fail(CodePackageIntegrityCheckFailed, "package content does not match the signed %s hash", primary.Manifest.HashAlgorithm)
	}

	switch {
	case primary.Countersignature != nil:
		vd := newVerdict(1, primary.Countersignature)
		if !intact {
			vd.fail(CodePrimarySignatureInvalid, "the countersigned primary signature failed its integrity check")
		}
		verdicts = append(verdicts, vd)
	case primary.CountersignatureError != nil:
		vd := SignatureVerdict{Index: 1, Type: SignatureTypeRepository, TrustLevel: TrustLevelTrusted}
		vd.fail(CodeMalformedSignature, "%v", primary.CountersignatureError)
		verdicts = append(verdicts, vd)
	}

	logger.DebugContext(ctx, "Evaluating {SignatureCount} signature(s)", len(verdicts))

	var g errgroup.Group
	for i := range verdicts {
		vd := &verdicts[i]
		if vd.Signature == nil || vd.TrustLevel == TrustLevelInvalid {
			continue
		}
		g.Go(func() error {
			v.evaluateSignature(ctx, vd)
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return verdicts, nil
}

func newVerdict(index int, sig *Signature) SignatureVerdict {
	return SignatureVerdict{
		Index:      index,
		Type:       sig.Type,
		Signature:  sig,
		TrustLevel: TrustLevelTrusted,
		State:      StateSignatureParsed,
	}
}

// evaluateSignature runs the post-integrity steps for one signature:
// signature value, chain, time, revocation and trust.
func (v *Verifier) evaluateSignature(ctx context.Context, vd *SignatureVerdict) {
	sig := vd.Signature
	ctx, span := observability.StartSignatureVerifySpan(ctx, string(sig.Type))
	defer func() {
		span.SetAttributes(observability.AttrTrustLevel.String(vd.TrustLevel.String()))
		span.End()
	}()

	if err := sig.CheckSignatureValue(); err != nil {
		vd.fail(CodeSignatureVerificationFailed, "%v", err)
		return
	}
	leaf := sig.SignerCertificate
	if !sig.SigningTime.IsZero() && (sig.SigningTime.Before(leaf.NotBefore) || sig.SigningTime.After(leaf.NotAfter)) {
		vd.fail(CodeInvalidCertificate, "signing time %s is outside the validity of %q", formatTime(sig.SigningTime), leaf.Subject.CommonName)
		return
	}

	vd.Timestamp = v.trustedTimestamp(ctx, vd)
	vd.ValidationTime = v.now()
	if vd.Timestamp != nil {
		vd.ValidationTime = vd.Timestamp.UpperLimit()
	} else if v.policy.RequireTimestamp {
		vd.distrust(CodeTimestampMissing, "signature has no valid timestamp")
	}

	chain, err := v.chains.BuildChain(ctx, leaf, sig.Certificates, v.policy.TrustAnchors, ChainOptions{
		Purpose:        x509.ExtKeyUsageCodeSigning,
		ValidationTime: vd.ValidationTime,
		RevocationMode: v.policy.RevocationMode,
	})
	if err != nil {
		vd.fail(CodeChainBuildFailed, "%v", err)
		return
	}
	vd.Chain = chain
	if !v.applyChain(vd, chain) {
		return
	}
	v.decideTrust(vd)
	vd.State = StateTrustDecided
}

// applyChain translates chain problems into issues, advancing vd.State
// through the chain, time and revocation steps. It returns false when the
// signature is structurally Invalid.
func (v *Verifier) applyChain(vd *SignatureVerdict, chain *ChainResult) bool {
	if chain.Status.Has(ChainStatusInvalidBasicConstraints) {
		vd.fail(CodeInvalidCertificate, "%s", chainDetail(chain, ChainStatusInvalidBasicConstraints))
		return false
	}
	if chain.Status.Has(ChainStatusNotValidForUsage) {
		vd.fail(CodeInvalidCertificate, "%s", chainDetail(chain, ChainStatusNotValidForUsage))
		return false
	}
	if !chain.Anchored {
		code, flag := CodeUntrustedRoot, ChainStatusUntrustedRoot
		if chain.Status.Has(ChainStatusPartialChain) {
			code, flag = CodeChainBuildFailed, ChainStatusPartialChain
		}
		if v.policy.untrustedRootAllowed(vd.Signature) {
			vd.report(SeverityWarning, code, "%s", chainDetail(chain, flag))
		} else {
			vd.distrust(code, "%s", chainDetail(chain, flag))
		}
	}
	vd.State = StateChainBuilt

	if chain.Status.Has(ChainStatusNotYetValid) {
		vd.fail(CodeCertificateNotYetValid, "%s", chainDetail(chain, ChainStatusNotYetValid))
		return false
	}
	if chain.Status.Has(ChainStatusNotTimeValid) {
		basis := "no trusted timestamp"
		if vd.Timestamp != nil {
			basis = "timestamp " + formatTime(vd.Timestamp.Time)
		}
		vd.distrust(CodeCertificateExpired, "%s (validated at %s, %s)", chainDetail(chain, ChainStatusNotTimeValid),
			formatTime(vd.ValidationTime), basis)
	}
	vd.State = StateTimeValidated

	if chain.Status.Has(ChainStatusRevoked) {
		vd.fail(CodeCertificateRevoked, "%s", chainDetail(chain, ChainStatusRevoked))
		return false
	}
	if chain.Status.Has(ChainStatusRevocationUnknown) {
		vd.caution(CodeRevocationCheckUnknown, "%s", chainDetail(chain, ChainStatusRevocationUnknown))
		vd.revocationUnknown = true
	}
	vd.State = StateRevocationChecked
	return true
}

// decideTrust applies the allow-lists. An unanchored chain accepted by
// policy stays Trusted only when the leaf is explicitly pinned.
func (v *Verifier) decideTrust(vd *SignatureVerdict) {
	sig := vd.Signature
	leaf := sig.SignerCertificate
	fp := sha256Fingerprint(leaf)
	unanchored := vd.Chain != nil && !vd.Chain.Anchored

	switch sig.Type {
	case SignatureTypeAuthor:
		allowed := v.policy.AllowedFingerprints
		pinned := allowed.ContainsCertificate(leaf)
		switch {
		case allowed.Len() > 0 && !pinned:
			vd.caution(CodeUntrustedSigner, "author certificate %s is not in the allowed list", fp)
		case unanchored && !pinned:
			vd.caution(CodeUntrustedSigner, "author certificate %s chains to an untrusted root", fp)
		}

	case SignatureTypeRepository:
		serviceIndex := sig.Repository.ServiceIndexURL
		repo, ok := v.policy.repository(serviceIndex)
		if !ok {
			vd.caution(CodeUntrustedRepository, "repository %s is not a trusted repository", serviceIndex)
			return
		}
		pinned := repo.Fingerprints.ContainsCertificate(leaf)
		switch {
		case repo.Fingerprints.Len() > 0 && !pinned:
			vd.caution(CodeUntrustedSigner, "repository certificate %s is not trusted for %s", fp, repo.Name)
		case unanchored && !pinned:
			vd.caution(CodeUntrustedSigner, "repository certificate %s chains to an untrusted root", fp)
		}
		if len(repo.Owners) > 0 && !ownersIntersect(repo.Owners, sig.Repository.Owners) {
			vd.caution(CodePackageOwnersMismatch, "package owners %q match none of %q",
				strings.Join(sig.Repository.Owners, ";"), strings.Join(repo.Owners, ";"))
		}
	}
}

// trustedTimestamp returns the first timestamp whose authority chain is
// valid at its generation time. A timestamp whose authority certificate
// has since expired still applies unless RequireValidTimestampCertificate
// is set; either way it is reported.
func (v *Verifier) trustedTimestamp(ctx context.Context, vd *SignatureVerdict) *Timestamp {
	sig := vd.Signature
	for _, err := range sig.TimestampErrors {
		vd.report(SeverityWarning, CodeTimestampInvalid, "%v", err)
	}

	now := v.now()
	for i := range sig.Timestamps {
		ts := &sig.Timestamps[i]
		if err := v.checkTimestamp(ctx, sig, ts); err != nil {
			vd.report(SeverityWarning, CodeTimestampInvalid, "timestamp %s: %v", formatTime(ts.Time), err)
			continue
		}
		tsa := ts.SignerCertificate
		if now.After(tsa.NotAfter) {
			if v.policy.RequireValidTimestampCertificate {
				vd.report(SeverityWarning, CodeTimestampCertificateExpired,
					"timestamp authority certificate %q expired at %s; timestamp ignored", tsa.Subject.CommonName, formatTime(tsa.NotAfter))
				continue
			}
			vd.report(SeverityWarning, CodeTimestampCertificateExpired,
				"timestamp authority certificate %q expired at %s", tsa.Subject.CommonName, formatTime(tsa.NotAfter))
		}
		return ts
	}
	return nil
}

func (v *Verifier) checkTimestamp(ctx context.Context, sig *Signature, ts *Timestamp) error {
	leaf := sig.SignerCertificate
	if ts.Time.Before(leaf.NotBefore) || ts.Time.After(leaf.NotAfter) {
		return fmt.Errorf("generation time is outside the validity of %q", leaf.Subject.CommonName)
	}

	chain, err := v.chains.BuildChain(ctx, ts.SignerCertificate, ts.Certificates, v.policy.timestampAnchors(), ChainOptions{
		Purpose:        x509.ExtKeyUsageTimeStamping,
		ValidationTime: ts.Time,
		RevocationMode: RevocationModeNever,
	})
	if err != nil {
		return err
	}
	problems := chain.Status
	if v.policy.AllowUntrustedRoot {
		problems &^= ChainStatusPartialChain | ChainStatusUntrustedRoot
	} else if !chain.Anchored {
		return chain.Err()
	}
	if problems != ChainStatusNoError {
		return chain.Err()
	}
	return nil
}

// aggregate combines the verdicts under the policy's signature requirement.
// Any Invalid signature of a required type makes the package Invalid;
// otherwise the most trusted required verdict wins.
func (v *Verifier) aggregate(verdicts []SignatureVerdict) (TrustLevel, []Issue) {
	if len(verdicts) == 0 {
		return TrustLevelUnsigned, []Issue{{
			Severity:       SeverityInfo,
			Code:           CodeNoSignature,
			Message:        "package is not signed",
			SignatureIndex: PackageIssue,
		}}
	}
	if verdicts[0].Signature == nil {
		return TrustLevelInvalid, nil
	}

	req := v.policy.Requirement
	level := TrustLevelUnknown
	for _, vd := range verdicts {
		if !req.requires(vd.Type) {
			continue
		}
		if vd.TrustLevel == TrustLevelInvalid {
			return TrustLevelInvalid, nil
		}
		level = max(level, vd.TrustLevel)
	}
	if level == TrustLevelUnknown {
		return TrustLevelInvalid, []Issue{{
			Severity:       SeverityError,
			Code:           CodeRequiredSignatureMissing,
			Message:        fmt.Sprintf("package has no %s signature", strings.ToLower(req.String())),
			SignatureIndex: PackageIssue,
		}}
	}
	return level, nil
}

// chainDetail describes the first element carrying flag.
func chainDetail(chain *ChainResult, flag ChainStatus) string {
	for i, el := range chain.Elements {
		if el.Status.Has(flag) {
			return fmt.Sprintf("%q (chain element %d): %s", el.Certificate.Subject.CommonName, i, strings.Join(el.Details, "; "))
		}
	}
	return flag.String()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
