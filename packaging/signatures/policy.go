package signatures

import (
	"fmt"
	"slices"
	"strings"
)

// SignatureRequirement names the signature types a package must carry.
type SignatureRequirement int

const (
	// RequireEither accepts an author or a repository signature.
	RequireEither SignatureRequirement = iota
	RequireAuthor
	RequireRepository
)

func (r SignatureRequirement) String() string {
	switch r {
	case RequireAuthor:
		return "Author"
	case RequireRepository:
		return "Repository"
	default:
		return "Either"
	}
}

// ParseSignatureRequirement parses "either", "author" or "repository".
func ParseSignatureRequirement(s string) (SignatureRequirement, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "either":
		return RequireEither, nil
	case "author":
		return RequireAuthor, nil
	case "repository":
		return RequireRepository, nil
	}
	return RequireEither, fmt.Errorf("%w: unknown signature requirement %q", ErrArgumentInvalid, s)
}

// requires reports whether a signature of type t is required by r, given
// the types present in the package.
func (r SignatureRequirement) requires(t SignatureType) bool {
	switch r {
	case RequireAuthor:
		return t == SignatureTypeAuthor
	case RequireRepository:
		return t == SignatureTypeRepository
	default:
		return true
	}
}

// TrustedRepository is a feed whose repository signatures are trusted.
type TrustedRepository struct {
	Name string

	// ServiceIndexURL is compared case-insensitively with the signature's
	// service index.
	ServiceIndexURL string

	// Fingerprints restricts the repository signing certificates. Empty
	// accepts any certificate that chains to a trust anchor.
	Fingerprints FingerprintSet

	// Owners, when set, must share at least one entry with the signature's
	// package owners.
	Owners []string
}

// TrustPolicy is the read-only configuration of a verification session.
// A Verifier snapshots the policy it is created with; later changes to the
// caller's copy do not affect it.
type TrustPolicy struct {
	// TrustAnchors are the root certificates chains must end at.
	TrustAnchors *TrustStore

	// TimestampAnchors anchor timestamp authority chains. Nil uses TrustAnchors.
	TimestampAnchors *TrustStore

	// AllowedFingerprints, when non-empty, lists the only author signing
	// certificates that are Trusted. Other sound signatures are
	// ValidButUntrusted.
	AllowedFingerprints FingerprintSet

	// AllowUntrustedRoot accepts chains that do not end at an anchor.
	// Such signatures are Trusted only when their leaf is allow-listed.
	AllowUntrustedRoot bool

	// UntrustedRootFingerprints accepts an untrusted root for the listed
	// leaf certificates only.
	UntrustedRootFingerprints FingerprintSet

	TrustedRepositories []TrustedRepository

	RevocationMode RevocationMode

	// FailOnUnknownRevocation turns an unknown revocation status into an
	// operation error instead of a warning.
	FailOnUnknownRevocation bool

	RequireTimestamp bool

	// RequireValidTimestampCertificate ignores timestamps whose authority
	// certificate has expired since the token was issued.
	RequireValidTimestampCertificate bool

	Requirement SignatureRequirement

	// AllowUnsigned lets Decision proceed with unsigned packages.
	AllowUnsigned bool
}

// DefaultTrustPolicy returns a policy with online revocation checking and
// no trust anchors.
func DefaultTrustPolicy() TrustPolicy {
	return TrustPolicy{
		TrustAnchors:   NewTrustStore(),
		RevocationMode: RevocationModeOnline,
		Requirement:    RequireEither,
	}
}

// Validate checks the policy for values the verifier cannot use.
func (p TrustPolicy) Validate() error {
	switch p.RevocationMode {
	case RevocationModeOnline, RevocationModeOffline, RevocationModeNever:
	default:
		return fmt.Errorf("%w: unknown revocation mode %d", ErrArgumentInvalid, p.RevocationMode)
	}
	switch p.Requirement {
	case RequireEither, RequireAuthor, RequireRepository:
	default:
		return fmt.Errorf("%w: unknown signature requirement %d", ErrArgumentInvalid, p.Requirement)
	}
	for i, repo := range p.TrustedRepositories {
		if strings.TrimSpace(repo.ServiceIndexURL) == "" {
			return fmt.Errorf("%w: trusted repository %d (%q) has no service index", ErrArgumentInvalid, i, repo.Name)
		}
	}
	return nil
}

// snapshot returns a copy that shares no mutable state with p.
func (p TrustPolicy) snapshot() TrustPolicy {
	s := p
	if s.TrustAnchors == nil {
		s.TrustAnchors = NewTrustStore()
	}
	s.TrustedRepositories = make([]TrustedRepository, len(p.TrustedRepositories))
	for i, repo := range p.TrustedRepositories {
		repo.Owners = slices.Clone(repo.Owners)
		s.TrustedRepositories[i] = repo
	}
	return s
}

// timestampAnchors returns the anchors for timestamp authority chains.
func (p TrustPolicy) timestampAnchors() *TrustStore {
	if p.TimestampAnchors != nil {
		return p.TimestampAnchors
	}
	return p.TrustAnchors
}

// untrustedRootAllowed reports whether an unanchored chain ending above
// leaf is acceptable.
func (p TrustPolicy) untrustedRootAllowed(sig *Signature) bool {
	return p.AllowUntrustedRoot || p.UntrustedRootFingerprints.ContainsCertificate(sig.SignerCertificate)
}

// repository finds the trusted repository for serviceIndex.
func (p TrustPolicy) repository(serviceIndex string) (TrustedRepository, bool) {
	for _, repo := range p.TrustedRepositories {
		if strings.EqualFold(strings.TrimRight(repo.ServiceIndexURL, "/"), strings.TrimRight(serviceIndex, "/")) {
			return repo, true
		}
	}
	return TrustedRepository{}, false
}

// ownersIntersect reports whether the two owner lists share an entry,
// compared case-insensitively.
func ownersIntersect(a, b []string) bool {
	for _, x := range a {
		if slices.ContainsFunc(b, func(y string) bool { return strings.EqualFold(x, y) }) {
			return true
		}
	}
	return false
}
