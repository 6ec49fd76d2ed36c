package signatures

import (
	"context"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubRevocation answers every query with status and counts calls.
type stubRevocation struct {
	status RevocationStatus
	calls  atomic.Int32
}

func (s *stubRevocation) CheckRevocation(ctx context.Context, cert, issuer *x509.Certificate, mode RevocationMode) RevocationResult {
	s.calls.Add(1)
	if err := ctx.Err(); err != nil {
		return RevocationResult{Status: RevocationStatusUnknown, Err: err}
	}
	res := RevocationResult{Status: s.status, Source: "stub"}
	if s.status == RevocationStatusRevoked {
		res.RevokedAt = time.Now().Add(-time.Minute)
	}
	return res
}

func TestChainStatus_String(t *testing.T) {
	assert.Equal(t, "NoError", ChainStatusNoError.String())
	assert.Equal(t, "PartialChain|Revoked", (ChainStatusPartialChain | ChainStatusRevoked).String())
	assert.True(t, (ChainStatusRevoked | ChainStatusNotTimeValid).Has(ChainStatusRevoked))
	assert.False(t, ChainStatusRevoked.Has(ChainStatusRevoked|ChainStatusNotTimeValid))
}

func TestBuildChain_Anchored(t *testing.T) {
	pki := newTestPKI(t, "Chain")
	leaf, _ := pki.signer(t, "Chain Leaf")

	result, err := NewChainBuilder().BuildChain(context.Background(), leaf, []*x509.Certificate{pki.intermediate}, pki.anchors(), ChainOptions{
		RevocationMode: RevocationModeNever,
	})
	require.NoError(t, err)

	assert.True(t, result.OK(), "status %s", result.Status)
	assert.True(t, result.Anchored)
	require.Len(t, result.Chain, 3)
	assert.True(t, result.Chain[1].Equal(pki.intermediate))
	assert.True(t, result.Chain[2].Equal(pki.root))
	assert.Equal(t, -1, result.FailedHop())
	assert.NoError(t, result.Err())
	for _, el := range result.Elements {
		assert.Nil(t, el.Revocation, "revocation is not evaluated in Never mode")
	}
}

func TestBuildChain_Unanchored(t *testing.T) {
	pki := newTestPKI(t, "Unanchored")
	other := newTestPKI(t, "OtherAnchor")
	leaf, _ := pki.signer(t, "Unanchored Leaf")
	builder := NewChainBuilder()

	t.Run("self-signed root not trusted", func(t *testing.T) {
		result, err := builder.BuildChain(context.Background(), leaf, pki.chain(), other.anchors(), ChainOptions{RevocationMode: RevocationModeNever})
		require.NoError(t, err)
		assert.False(t, result.Anchored)
		assert.True(t, result.Status.Has(ChainStatusUntrustedRoot))
		assert.Len(t, result.Chain, 3)
		assert.Equal(t, 2, result.FailedHop())
		assert.ErrorIs(t, result.Err(), ErrChainBuildFailed)
	})

	t.Run("issuer missing", func(t *testing.T) {
		result, err := builder.BuildChain(context.Background(), leaf, nil, other.anchors(), ChainOptions{RevocationMode: RevocationModeNever})
		require.NoError(t, err)
		assert.True(t, result.Status.Has(ChainStatusPartialChain))
		assert.Len(t, result.Chain, 1, "the partial chain is still reported")
		assert.Equal(t, 0, result.FailedHop())
	})

	t.Run("nil anchors", func(t *testing.T) {
		result, err := builder.BuildChain(context.Background(), leaf, pki.chain(), nil, ChainOptions{RevocationMode: RevocationModeNever})
		require.NoError(t, err)
		assert.Len(t, result.Chain, 3)
		assert.True(t, result.Status.Has(ChainStatusUntrustedRoot))
	})
}

func TestBuildChain_Validity(t *testing.T) {
	pki := newTestPKI(t, "Validity")
	leaf, _ := pki.issue(t, leafTemplate{
		name:      "Short Lived",
		notBefore: time.Now().Add(-time.Hour),
		notAfter:  time.Now().Add(time.Hour),
	})
	builder := NewChainBuilder()

	expired, err := builder.BuildChain(context.Background(), leaf, pki.chain(), pki.anchors(), ChainOptions{
		ValidationTime: time.Now().Add(2 * time.Hour),
		RevocationMode: RevocationModeNever,
	})
	require.NoError(t, err)
	assert.True(t, expired.Status.Has(ChainStatusNotTimeValid))
	assert.True(t, expired.Anchored)
	assert.ErrorIs(t, expired.Err(), ErrCertificateExpired)

	early, err := builder.BuildChain(context.Background(), leaf, pki.chain(), pki.anchors(), ChainOptions{
		ValidationTime: time.Now().Add(-2 * time.Hour),
		RevocationMode: RevocationModeNever,
	})
	require.NoError(t, err)
	assert.True(t, early.Status.Has(ChainStatusNotYetValid))
	assert.ErrorIs(t, early.Err(), ErrInvalidCertificate)

	// the builder's clock is used when no validation time is given
	later := NewChainBuilder(WithChainClock(fixedClock(time.Now().Add(2 * time.Hour))))
	viaClock, err := later.BuildChain(context.Background(), leaf, pki.chain(), pki.anchors(), ChainOptions{RevocationMode: RevocationModeNever})
	require.NoError(t, err)
	assert.True(t, viaClock.Status.Has(ChainStatusNotTimeValid))
}

func TestBuildChain_Usage(t *testing.T) {
	pki := newTestPKI(t, "Usage")
	tsaLeaf, _ := pki.issue(t, leafTemplate{name: "TSA Leaf", usage: []x509.ExtKeyUsage{x509.ExtKeyUsageTimeStamping}})
	builder := NewChainBuilder()

	codeSigning, err := builder.BuildChain(context.Background(), tsaLeaf, pki.chain(), pki.anchors(), ChainOptions{RevocationMode: RevocationModeNever})
	require.NoError(t, err)
	assert.True(t, codeSigning.Status.Has(ChainStatusNotValidForUsage))

	timeStamping, err := builder.BuildChain(context.Background(), tsaLeaf, pki.chain(), pki.anchors(), ChainOptions{
		Purpose:        x509.ExtKeyUsageTimeStamping,
		RevocationMode: RevocationModeNever,
	})
	require.NoError(t, err)
	assert.True(t, timeStamping.OK(), "status %s", timeStamping.Status)
}

func TestBuildChain_IssuerNotCA(t *testing.T) {
	pki := newTestPKI(t, "NotCA")
	// a leaf used as an issuer
	fakeIssuer, fakeKey := pki.issue(t, leafTemplate{name: "Fake Issuer"})
	leaf := createCertificate(t, &x509.Certificate{
		SerialNumber: nextSerial(),
		Subject:      pkix.Name{CommonName: "Issued By Leaf"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageCodeSigning},
	}, fakeIssuer, generateKey(t).Public(), fakeKey)

	result, err := NewChainBuilder().BuildChain(context.Background(), leaf,
		[]*x509.Certificate{fakeIssuer, pki.intermediate}, pki.anchors(), ChainOptions{RevocationMode: RevocationModeNever})
	require.NoError(t, err)
	assert.True(t, result.Status.Has(ChainStatusInvalidBasicConstraints))
	assert.Equal(t, 1, result.FailedHop())
	assert.ErrorIs(t, result.Err(), ErrInvalidCertificate)
}

func TestBuildChain_Revocation(t *testing.T) {
	pki := newTestPKI(t, "ChainRevocation")
	leaf, _ := pki.signer(t, "Revocation Leaf")

	tests := []struct {
		name    string
		checker *stubRevocation
		want    ChainStatus
		wantErr error
	}{
		{"good", &stubRevocation{status: RevocationStatusGood}, ChainStatusNoError, nil},
		{"revoked", &stubRevocation{status: RevocationStatusRevoked}, ChainStatusRevoked, ErrCertificateRevoked},
		{"unknown", &stubRevocation{status: RevocationStatusUnknown}, ChainStatusRevocationUnknown, ErrRevocationCheckUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			builder := NewChainBuilder(WithRevocationChecker(tt.checker))
			result, err := builder.BuildChain(context.Background(), leaf, pki.chain(), pki.anchors(), ChainOptions{RevocationMode: RevocationModeOnline})
			require.NoError(t, err)

			assert.Equal(t, tt.want, result.Status)
			assert.EqualValues(t, 2, tt.checker.calls.Load(), "leaf and intermediate are checked, the root is not")
			assert.NotNil(t, result.Elements[0].Revocation)
			assert.Nil(t, result.Elements[2].Revocation)
			if tt.wantErr == nil {
				assert.NoError(t, result.Err())
			} else {
				assert.ErrorIs(t, result.Err(), tt.wantErr)
			}
		})
	}
}

func TestBuildChain_RevocationWithoutChecker(t *testing.T) {
	pki := newTestPKI(t, "NoChecker")
	leaf, _ := pki.signer(t, "No Checker Leaf")

	result, err := NewChainBuilder().BuildChain(context.Background(), leaf, pki.chain(), pki.anchors(), ChainOptions{RevocationMode: RevocationModeOffline})
	require.NoError(t, err)
	assert.True(t, result.Status.Has(ChainStatusRevocationUnknown))
	assert.True(t, result.Anchored)
}

func TestBuildChain_CancelledRevocation(t *testing.T) {
	pki := newTestPKI(t, "CancelChain")
	leaf, _ := pki.signer(t, "Cancel Leaf")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	checker := &stubRevocation{status: RevocationStatusGood}
	result, err := NewChainBuilder(WithRevocationChecker(checker)).BuildChain(ctx, leaf, pki.chain(), pki.anchors(), ChainOptions{RevocationMode: RevocationModeOnline})
	require.NoError(t, err)
	assert.True(t, result.Status.Has(ChainStatusRevocationUnknown))
	assert.True(t, errors.Is(result.Elements[0].Revocation.Err, context.Canceled))
}

func TestBuildChain_NilLeaf(t *testing.T) {
	_, err := NewChainBuilder().BuildChain(context.Background(), nil, nil, nil, ChainOptions{})
	assert.ErrorIs(t, err, ErrArgumentInvalid)
}
