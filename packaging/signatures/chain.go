package signatures

import (
	"bytes"
	"context"
	"crypto/x509"
	"fmt"
	"slices"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/willibrandon/nugettrust/observability"
)

// maxChainLength bounds path building.
const maxChainLength = 10

// maxConcurrentRevocationChecks bounds revocation fan-out per chain.
const maxConcurrentRevocationChecks = 4

// ChainStatus is a set of chain problems. The zero value means no problem.
type ChainStatus uint32

const (
	// ChainStatusPartialChain means no issuer was found for the last element.
	ChainStatusPartialChain ChainStatus = 1 << iota
	// ChainStatusUntrustedRoot means the chain ends in a self-signed
	// certificate that is not a trust anchor.
	ChainStatusUntrustedRoot
	ChainStatusNotTimeValid
	ChainStatusNotYetValid
	ChainStatusRevoked
	ChainStatusRevocationUnknown
	ChainStatusInvalidBasicConstraints
	ChainStatusNotValidForUsage
)

// ChainStatusNoError is the status of a valid, anchored chain.
const ChainStatusNoError ChainStatus = 0

var chainStatusNames = []struct {
	flag ChainStatus
	name string
}{
	{ChainStatusPartialChain, "PartialChain"},
	{ChainStatusUntrustedRoot, "UntrustedRoot"},
	{ChainStatusNotTimeValid, "NotTimeValid"},
	{ChainStatusNotYetValid, "NotYetValid"},
	{ChainStatusRevoked, "Revoked"},
	{ChainStatusRevocationUnknown, "RevocationUnknown"},
	{ChainStatusInvalidBasicConstraints, "InvalidBasicConstraints"},
	{ChainStatusNotValidForUsage, "NotValidForUsage"},
}

// Has reports whether all bits of flag are set.
func (s ChainStatus) Has(flag ChainStatus) bool {
	return s&flag == flag
}

func (s ChainStatus) String() string {
	if s == ChainStatusNoError {
		return "NoError"
	}
	var names []string
	for _, n := range chainStatusNames {
		if s.Has(n.flag) {
			names = append(names, n.name)
		}
	}
	return strings.Join(names, "|")
}

// ChainElement is one certificate of a built chain with its own problems.
type ChainElement struct {
	Certificate *x509.Certificate
	Fingerprint Fingerprint
	Status      ChainStatus
	// Revocation is nil when revocation was not evaluated for this element.
	Revocation *RevocationResult
	Details    []string
}

// ChainResult is the outcome of BuildChain. Chain is always leaf first and
// holds as much of the path as could be built, even on failure.
type ChainResult struct {
	Chain    []*x509.Certificate
	Elements []ChainElement
	Status   ChainStatus
	// Anchored is true when the last element is a trust anchor.
	Anchored bool
}

// OK reports whether the chain is anchored and has no problems.
func (r *ChainResult) OK() bool {
	return r.Anchored && r.Status == ChainStatusNoError
}

// FailedHop returns the index of the first element with a problem, or -1.
func (r *ChainResult) FailedHop() int {
	for i, el := range r.Elements {
		if el.Status != ChainStatusNoError {
			return i
		}
	}
	return -1
}

// Err summarizes the most severe problem as a wrapped sentinel error.
func (r *ChainResult) Err() error {
	describe := func(sentinel error, flag ChainStatus) error {
		for i, el := range r.Elements {
			if el.Status.Has(flag) {
				return fmt.Errorf("%w: %s (hop %d): %s", sentinel, el.Certificate.Subject.CommonName, i,
					strings.Join(el.Details, "; "))
			}
		}
		return sentinel
	}
	switch {
	case r.Status.Has(ChainStatusRevoked):
		return describe(ErrCertificateRevoked, ChainStatusRevoked)
	case r.Status.Has(ChainStatusNotTimeValid):
		return describe(ErrCertificateExpired, ChainStatusNotTimeValid)
	case r.Status.Has(ChainStatusNotYetValid):
		return describe(ErrInvalidCertificate, ChainStatusNotYetValid)
	case r.Status.Has(ChainStatusInvalidBasicConstraints):
		return describe(ErrInvalidCertificate, ChainStatusInvalidBasicConstraints)
	case r.Status.Has(ChainStatusNotValidForUsage):
		return describe(ErrInvalidCertificate, ChainStatusNotValidForUsage)
	case r.Status.Has(ChainStatusPartialChain), r.Status.Has(ChainStatusUntrustedRoot), !r.Anchored:
		last := r.Chain[len(r.Chain)-1]
		return fmt.Errorf("%w: no path from %q to a trust anchor (ends at %q)", ErrChainBuildFailed,
			r.Chain[0].Subject.CommonName, last.Subject.CommonName)
	case r.Status.Has(ChainStatusRevocationUnknown):
		return describe(ErrRevocationCheckUnknown, ChainStatusRevocationUnknown)
	}
	return nil
}

// ChainOptions configures BuildChain.
type ChainOptions struct {
	// Purpose is the extended key usage required of the leaf. Zero means
	// code signing.
	Purpose x509.ExtKeyUsage

	// ValidationTime is the instant certificate validity is judged at.
	// Zero means now.
	ValidationTime time.Time

	RevocationMode RevocationMode
}

// ChainBuilder builds and validates certificate chains. It holds no
// per-chain state and is safe for concurrent use.
type ChainBuilder struct {
	revocation RevocationChecker
	logger     observability.Logger
	now        func() time.Time
}

// ChainBuilderOption configures a ChainBuilder.
type ChainBuilderOption func(*ChainBuilder)

// WithRevocationChecker sets the checker used in Online and Offline modes.
func WithRevocationChecker(rc RevocationChecker) ChainBuilderOption {
	return func(b *ChainBuilder) {
		b.revocation = rc
	}
}

// WithChainLogger sets the logger.
func WithChainLogger(logger observability.Logger) ChainBuilderOption {
	return func(b *ChainBuilder) {
		b.logger = logger
	}
}

// WithChainClock overrides the clock used when ChainOptions.ValidationTime is zero.
func WithChainClock(now func() time.Time) ChainBuilderOption {
	return func(b *ChainBuilder) {
		b.now = now
	}
}

// NewChainBuilder creates a chain builder. Without a revocation checker
// every revocation query in Online or Offline mode reports Unknown.
func NewChainBuilder(opts ...ChainBuilderOption) *ChainBuilder {
	b := &ChainBuilder{
		logger: observability.NewNullLogger(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// BuildChain builds a path from leaf to a trust anchor and validates every
// element: validity period, CA constraints on issuers, key usage at the
// leaf and revocation per opts.RevocationMode. Revocation queries for
// different elements run concurrently; a cancelled ctx leaves unfinished
// queries Unknown.
func (b *ChainBuilder) BuildChain(ctx context.Context, leaf *x509.Certificate, available []*x509.Certificate, anchors *TrustStore, opts ChainOptions) (*ChainResult, error) {
	if leaf == nil {
		return nil, fmt.Errorf("%w: leaf certificate is required", ErrArgumentInvalid)
	}

	ctx, span := observability.StartChainBuildSpan(ctx, leaf.Subject.CommonName)
	defer span.End()

	result := b.buildPath(leaf, available, anchors)
	b.validateElements(result, opts)
	b.checkRevocation(ctx, result, opts.RevocationMode)

	span.SetAttributes(
		observability.AttrChainLength.Int(len(result.Chain)),
		observability.AttrChainStatus.String(result.Status.String()),
	)
	return result, nil
}

// buildPath extends leaf towards a trust anchor, preferring anchors over
// other available issuers.
func (b *ChainBuilder) buildPath(leaf *x509.Certificate, available []*x509.Certificate, anchors *TrustStore) *ChainResult {
	pool := newCertificateIndex(available)
	result := &ChainResult{Chain: []*x509.Certificate{leaf}}
	current := leaf

	for {
		if anchors.Contains(current) {
			result.Anchored = true
			break
		}
		if len(result.Chain) >= maxChainLength {
			result.Status |= ChainStatusPartialChain
			break
		}

		issuer := selectIssuer(current, result.Chain, anchors.issuers(current), pool.issuers(current))
		if issuer == nil {
			if isSelfSigned(current) {
				result.Status |= ChainStatusUntrustedRoot
			} else {
				result.Status |= ChainStatusPartialChain
			}
			break
		}
		result.Chain = append(result.Chain, issuer)
		current = issuer
	}

	result.Elements = make([]ChainElement, len(result.Chain))
	for i, cert := range result.Chain {
		result.Elements[i] = ChainElement{Certificate: cert, Fingerprint: sha256Fingerprint(cert)}
	}
	last := len(result.Elements) - 1
	if result.Status.Has(ChainStatusUntrustedRoot) {
		result.Elements[last].Status |= ChainStatusUntrustedRoot
		result.Elements[last].Details = append(result.Elements[last].Details, "self-signed certificate is not a trust anchor")
	}
	if result.Status.Has(ChainStatusPartialChain) {
		result.Elements[last].Status |= ChainStatusPartialChain
		result.Elements[last].Details = append(result.Elements[last].Details, "issuer certificate not found")
	}
	return result
}

func selectIssuer(child *x509.Certificate, chain []*x509.Certificate, candidateSets ...[]*x509.Certificate) *x509.Certificate {
	for _, candidates := range candidateSets {
		for _, cand := range candidates {
			if inChain(chain, cand) {
				continue
			}
			if cand.CheckSignature(child.SignatureAlgorithm, child.RawTBSCertificate, child.Signature) == nil {
				return cand
			}
		}
	}
	return nil
}

func isSelfIssued(cert *x509.Certificate) bool {
	return bytes.Equal(cert.RawIssuer, cert.RawSubject)
}

func isSelfSigned(cert *x509.Certificate) bool {
	return isSelfIssued(cert) &&
		cert.CheckSignature(cert.SignatureAlgorithm, cert.RawTBSCertificate, cert.Signature) == nil
}

// issuedBy reports whether parent's key signed child.
func issuedBy(child, parent *x509.Certificate) bool {
	if !bytes.Equal(child.RawIssuer, parent.RawSubject) {
		return false
	}
	if len(child.AuthorityKeyId) > 0 && len(parent.SubjectKeyId) > 0 &&
		!bytes.Equal(child.AuthorityKeyId, parent.SubjectKeyId) {
		return false
	}
	return parent.CheckSignature(child.SignatureAlgorithm, child.RawTBSCertificate, child.Signature) == nil
}

func (b *ChainBuilder) validateElements(result *ChainResult, opts ChainOptions) {
	at := opts.ValidationTime
	if at.IsZero() {
		at = b.now()
	}
	purpose := opts.Purpose
	if purpose == x509.ExtKeyUsageAny {
		purpose = x509.ExtKeyUsageCodeSigning
	}

	for i := range result.Elements {
		el := &result.Elements[i]
		cert := el.Certificate

		if at.Before(cert.NotBefore) {
			el.Status |= ChainStatusNotYetValid
			el.Details = append(el.Details, fmt.Sprintf("not valid before %s", cert.NotBefore.UTC().Format(time.RFC3339)))
		}
		if at.After(cert.NotAfter) {
			el.Status |= ChainStatusNotTimeValid
			el.Details = append(el.Details, fmt.Sprintf("expired at %s", cert.NotAfter.UTC().Format(time.RFC3339)))
		}

		if !permitsUsage(cert, purpose, i == 0) {
			el.Status |= ChainStatusNotValidForUsage
			el.Details = append(el.Details, "extended key usage does not permit "+usageName(purpose))
		}

		if i == 0 {
			if cert.KeyUsage != 0 && cert.KeyUsage&x509.KeyUsageDigitalSignature == 0 {
				el.Status |= ChainStatusNotValidForUsage
				el.Details = append(el.Details, "key usage does not permit digital signatures")
			}
			continue
		}

		if !cert.BasicConstraintsValid || !cert.IsCA {
			el.Status |= ChainStatusInvalidBasicConstraints
			el.Details = append(el.Details, "issuer is not a certificate authority")
		} else if maxPathLen(cert) >= 0 && i-1 > maxPathLen(cert) {
			el.Status |= ChainStatusInvalidBasicConstraints
			el.Details = append(el.Details, fmt.Sprintf("path length %d exceeds constraint %d", i-1, maxPathLen(cert)))
		}
		if cert.KeyUsage != 0 && cert.KeyUsage&x509.KeyUsageCertSign == 0 {
			el.Status |= ChainStatusInvalidBasicConstraints
			el.Details = append(el.Details, "key usage does not permit certificate signing")
		}
	}

	for _, el := range result.Elements {
		result.Status |= el.Status
	}
}

func maxPathLen(cert *x509.Certificate) int {
	if cert.MaxPathLen > 0 || (cert.MaxPathLen == 0 && cert.MaxPathLenZero) {
		return cert.MaxPathLen
	}
	return -1
}

// permitsUsage requires the leaf to name purpose. An issuer's EKU, when
// present, constrains its subordinates.
func permitsUsage(cert *x509.Certificate, purpose x509.ExtKeyUsage, leaf bool) bool {
	if len(cert.ExtKeyUsage) == 0 && len(cert.UnknownExtKeyUsage) == 0 {
		return !leaf
	}
	return slices.Contains(cert.ExtKeyUsage, purpose) || slices.Contains(cert.ExtKeyUsage, x509.ExtKeyUsageAny)
}

func usageName(purpose x509.ExtKeyUsage) string {
	switch purpose {
	case x509.ExtKeyUsageCodeSigning:
		return "code signing"
	case x509.ExtKeyUsageTimeStamping:
		return "time stamping"
	default:
		return fmt.Sprintf("usage %d", purpose)
	}
}

// checkRevocation queries every non-root element concurrently. Results are
// written by index so the outcome is independent of completion order.
func (b *ChainBuilder) checkRevocation(ctx context.Context, result *ChainResult, mode RevocationMode) {
	if mode == RevocationModeNever {
		return
	}

	outcomes := make([]*RevocationResult, len(result.Elements))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentRevocationChecks)

	for i := range result.Elements {
		if i+1 >= len(result.Chain) {
			// roots are not revocation checked
			break
		}
		cert, issuer := result.Chain[i], result.Chain[i+1]
		g.Go(func() error {
			outcomes[i] = b.queryRevocation(gctx, cert, issuer, mode)
			return nil
		})
	}
	_ = g.Wait()

	for i, outcome := range outcomes {
		if outcome == nil {
			continue
		}
		el := &result.Elements[i]
		el.Revocation = outcome
		switch outcome.Status {
		case RevocationStatusRevoked:
			el.Status |= ChainStatusRevoked
			el.Details = append(el.Details, fmt.Sprintf("revoked at %s", outcome.RevokedAt.UTC().Format(time.RFC3339)))
		case RevocationStatusUnknown:
			el.Status |= ChainStatusRevocationUnknown
			if outcome.Err != nil {
				el.Details = append(el.Details, "revocation status unknown: "+outcome.Err.Error())
			} else {
				el.Details = append(el.Details, "revocation status unknown")
			}
		}
		result.Status |= el.Status
	}
}

func (b *ChainBuilder) queryRevocation(ctx context.Context, cert, issuer *x509.Certificate, mode RevocationMode) *RevocationResult {
	if err := ctx.Err(); err != nil {
		return &RevocationResult{Status: RevocationStatusUnknown, Err: err}
	}
	if b.revocation == nil {
		return &RevocationResult{Status: RevocationStatusUnknown, Err: fmt.Errorf("no revocation checker configured")}
	}
	res := b.revocation.CheckRevocation(ctx, cert, issuer, mode)
	if res.Status == RevocationStatusUnknown {
		b.logger.WarnContext(ctx, "Revocation status of {Subject} is unknown: {Error}", cert.Subject.CommonName, res.Err)
	}
	return &res
}
