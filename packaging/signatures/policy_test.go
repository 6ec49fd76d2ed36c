package signatures

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSignatureRequirement(t *testing.T) {
	tests := map[string]SignatureRequirement{
		"":            RequireEither,
		"Either":      RequireEither,
		"author":      RequireAuthor,
		" REPOSITORY": RequireRepository,
	}
	for in, want := range tests {
		got, err := ParseSignatureRequirement(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
		if in != "" {
			back, err := ParseSignatureRequirement(got.String())
			require.NoError(t, err)
			assert.Equal(t, got, back)
		}
	}

	_, err := ParseSignatureRequirement("publisher")
	assert.ErrorIs(t, err, ErrArgumentInvalid)
}

func TestSignatureRequirement_Requires(t *testing.T) {
	assert.True(t, RequireEither.requires(SignatureTypeAuthor))
	assert.True(t, RequireEither.requires(SignatureTypeRepository))
	assert.True(t, RequireAuthor.requires(SignatureTypeAuthor))
	assert.False(t, RequireAuthor.requires(SignatureTypeRepository))
	assert.False(t, RequireRepository.requires(SignatureTypeAuthor))
}

func TestTrustPolicy_Validate(t *testing.T) {
	assert.NoError(t, DefaultTrustPolicy().Validate())

	bad := []TrustPolicy{
		{RevocationMode: RevocationMode(7)},
		{Requirement: SignatureRequirement(5)},
		{TrustedRepositories: []TrustedRepository{{Name: "nuget.org"}}},
	}
	for _, p := range bad {
		assert.ErrorIs(t, p.Validate(), ErrArgumentInvalid)
	}
}

func TestTrustPolicy_Snapshot(t *testing.T) {
	owners := []string{"alice"}
	p := TrustPolicy{TrustedRepositories: []TrustedRepository{{Name: "feed", ServiceIndexURL: "https://feed.test/v3/index.json", Owners: owners}}}

	s := p.snapshot()
	owners[0] = "mallory"
	p.TrustedRepositories[0].Name = "changed"

	assert.Equal(t, "alice", s.TrustedRepositories[0].Owners[0])
	assert.Equal(t, "feed", s.TrustedRepositories[0].Name)
	assert.NotNil(t, s.TrustAnchors, "nil anchors become an empty store")
	assert.Zero(t, s.TrustAnchors.Len())
}

func TestTrustPolicy_Repository(t *testing.T) {
	p := TrustPolicy{TrustedRepositories: []TrustedRepository{
		{Name: "nuget.org", ServiceIndexURL: "https://api.nuget.org/v3/index.json"},
	}}

	repo, ok := p.repository("HTTPS://API.NUGET.ORG/v3/index.json/")
	assert.True(t, ok)
	assert.Equal(t, "nuget.org", repo.Name)

	_, ok = p.repository("https://v3serviceIndexUrl.test/api/index.json")
	assert.False(t, ok)
}

func TestTrustPolicy_TimestampAnchors(t *testing.T) {
	pki := newTestPKI(t, "TSAnchors")
	other := newTestPKI(t, "TSAnchorsOther")

	p := TrustPolicy{TrustAnchors: pki.anchors()}
	assert.Same(t, p.TrustAnchors, p.timestampAnchors())

	p.TimestampAnchors = other.anchors()
	assert.Same(t, p.TimestampAnchors, p.timestampAnchors())
}

func TestTrustPolicy_UntrustedRootAllowed(t *testing.T) {
	pki := newTestPKI(t, "UntrustedRootPolicy")
	leaf, _ := pki.signer(t, "Pinned")
	sig := &Signature{SignerCertificate: leaf}

	assert.False(t, TrustPolicy{}.untrustedRootAllowed(sig))
	assert.True(t, TrustPolicy{AllowUntrustedRoot: true}.untrustedRootAllowed(sig))
	assert.True(t, TrustPolicy{UntrustedRootFingerprints: NewFingerprintSet(sha256Fingerprint(leaf))}.untrustedRootAllowed(sig))
}

func TestOwnersIntersect(t *testing.T) {
	assert.True(t, ownersIntersect([]string{"nuget", "Microsoft"}, []string{"microsoft"}))
	assert.False(t, ownersIntersect([]string{"nuget"}, []string{"contoso"}))
	assert.False(t, ownersIntersect(nil, []string{"contoso"}))
}

func TestVerificationResult_Decision(t *testing.T) {
	tests := []struct {
		level         TrustLevel
		allowUnsigned bool
		want          Decision
	}{
		{TrustLevelTrusted, false, DecisionProceed},
		{TrustLevelValidButUntrusted, false, DecisionWarn},
		{TrustLevelInvalid, true, DecisionBlock},
		{TrustLevelUnknown, true, DecisionBlock},
		{TrustLevelUnsigned, false, DecisionBlock},
		{TrustLevelUnsigned, true, DecisionProceed},
	}
	for _, tt := range tests {
		r := &VerificationResult{TrustLevel: tt.level}
		if got := r.Decision(TrustPolicy{AllowUnsigned: tt.allowUnsigned}); got != tt.want {
			t.Errorf("Decision(%s, allowUnsigned=%v) = %s, want %s", tt.level, tt.allowUnsigned, got, tt.want)
		}
	}
}

func TestSignatureVerdict_Escalation(t *testing.T) {
	author := SignatureVerdict{Type: SignatureTypeAuthor, TrustLevel: TrustLevelTrusted}
	author.distrust(CodeUntrustedRoot, "root %s", "X")
	assert.Equal(t, TrustLevelInvalid, author.TrustLevel)
	assert.Equal(t, SeverityError, author.Issues[0].Severity)
	assert.Equal(t, "root X", author.Issues[0].Message)

	repo := SignatureVerdict{Index: 1, Type: SignatureTypeRepository, TrustLevel: TrustLevelTrusted}
	repo.distrust(CodeUntrustedRepository, "unknown")
	assert.Equal(t, TrustLevelValidButUntrusted, repo.TrustLevel)
	assert.Equal(t, SeverityWarning, repo.Issues[0].Severity)
	assert.Equal(t, 1, repo.Issues[0].SignatureIndex)

	// caution never raises a failed verdict
	repo.fail(CodeCertificateRevoked, "revoked")
	repo.caution(CodeRevocationCheckUnknown, "unknown")
	assert.Equal(t, TrustLevelInvalid, repo.TrustLevel)
}

func TestVerificationResult_IssueQueries(t *testing.T) {
	r := &VerificationResult{Issues: []Issue{
		{Severity: SeverityError, Code: CodeUntrustedRoot, Message: "a"},
		{Severity: SeverityWarning, Code: CodeTimestampMissing, Message: "b"},
		{Severity: SeverityWarning, Code: CodeUntrustedRoot, Message: "c", SignatureIndex: 1},
	}}
	assert.True(t, r.HasIssue(CodeUntrustedRoot))
	assert.False(t, r.HasIssue(CodeCertificateRevoked))
	assert.Len(t, r.IssuesWithCode(CodeUntrustedRoot), 2)
	assert.Len(t, r.Errors(), 1)
	assert.Len(t, r.Warnings(), 2)
	assert.Equal(t, "Warning TimestampMissing: b", r.Issues[1].String())
}
