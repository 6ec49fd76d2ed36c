package signatures

import (
	"context"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	nthttp "github.com/willibrandon/nugettrust/http"
)

func noRetryClient() *nthttp.Client {
	return nthttp.NewClientWithOptions(nthttp.WithMaxRetries(0), nthttp.WithTimeout(5*time.Second))
}

// serveCRL serves der at a test URL and counts requests.
func serveCRL(t *testing.T, der []byte) (string, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "application/pkix-crl")
		_, _ = w.Write(der)
	}))
	t.Cleanup(srv.Close)
	return srv.URL + "/intermediate.crl", &hits
}

func TestParseRevocationMode(t *testing.T) {
	tests := []struct {
		in   string
		want RevocationMode
	}{
		{"online", RevocationModeOnline},
		{"Offline", RevocationModeOffline},
		{" NEVER ", RevocationModeNever},
		{"none", RevocationModeNever},
	}
	for _, tt := range tests {
		got, err := ParseRevocationMode(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}

	_, err := ParseRevocationMode("sometimes")
	assert.ErrorIs(t, err, ErrArgumentInvalid)
	assert.Equal(t, "RevocationMode(9)", RevocationMode(9).String())
}

func TestCheckRevocation_OCSP(t *testing.T) {
	pki := newTestPKI(t, "OCSP")
	responder := newTestOCSPResponder(t, pki.intermediate, pki.intermediateKey)
	good, _ := pki.issue(t, leafTemplate{name: "Good Leaf", ocsp: []string{responder.server.URL}})
	revoked, _ := pki.issue(t, leafTemplate{name: "Revoked Leaf", ocsp: []string{responder.server.URL}})
	responder.revoke(revoked)

	rc := NewRevocationClient(WithRevocationHTTPClient(noRetryClient()))

	res := rc.CheckRevocation(context.Background(), good, pki.intermediate, RevocationModeOnline)
	assert.Equal(t, RevocationStatusGood, res.Status)
	assert.Equal(t, RevocationSourceOCSP, res.Source)
	assert.False(t, res.Cached)

	res = rc.CheckRevocation(context.Background(), revoked, pki.intermediate, RevocationModeOnline)
	assert.Equal(t, RevocationStatusRevoked, res.Status)
	assert.False(t, res.RevokedAt.IsZero())

	// answered from the cache
	before := responder.requests.Load()
	res = rc.CheckRevocation(context.Background(), good, pki.intermediate, RevocationModeOnline)
	assert.Equal(t, RevocationStatusGood, res.Status)
	assert.True(t, res.Cached)
	assert.Equal(t, before, responder.requests.Load())
}

func TestCheckRevocation_DelegatedResponder(t *testing.T) {
	pki := newTestPKI(t, "Delegated")
	check := func(leaf *x509.Certificate) RevocationResult {
		return NewRevocationClient(WithRevocationHTTPClient(noRetryClient())).
			CheckRevocation(context.Background(), leaf, pki.intermediate, RevocationModeOnline)
	}

	t.Run("signer answering for itself", func(t *testing.T) {
		responder := newTestOCSPResponder(t, pki.intermediate, pki.intermediateKey)
		leaf, key := pki.issue(t, leafTemplate{name: "Self Answering", ocsp: []string{responder.server.URL}})
		responder.delegate(leaf, key)

		res := check(leaf)
		assert.Equal(t, RevocationStatusUnknown, res.Status)
		assert.Empty(t, res.Source)
		assert.ErrorContains(t, res.Err, "not authorized for OCSP signing")
	})

	t.Run("sibling without OCSP signing usage", func(t *testing.T) {
		responder := newTestOCSPResponder(t, pki.intermediate, pki.intermediateKey)
		sibling, key := pki.signer(t, "Sibling")
		leaf, _ := pki.issue(t, leafTemplate{name: "Sibling Target", ocsp: []string{responder.server.URL}})
		responder.delegate(sibling, key)

		assert.Equal(t, RevocationStatusUnknown, check(leaf).Status)
	})

	t.Run("expired OCSP signer", func(t *testing.T) {
		responder := newTestOCSPResponder(t, pki.intermediate, pki.intermediateKey)
		expired, key := pki.issue(t, leafTemplate{
			name:      "Expired Responder",
			usage:     []x509.ExtKeyUsage{x509.ExtKeyUsageOCSPSigning},
			notBefore: time.Now().Add(-2 * time.Hour),
			notAfter:  time.Now().Add(-time.Hour),
		})
		leaf, _ := pki.issue(t, leafTemplate{name: "Expired Target", ocsp: []string{responder.server.URL}})
		responder.delegate(expired, key)

		res := check(leaf)
		assert.Equal(t, RevocationStatusUnknown, res.Status)
		assert.ErrorContains(t, res.Err, "validity period")
	})

	t.Run("authorized OCSP signer", func(t *testing.T) {
		responder := newTestOCSPResponder(t, pki.intermediate, pki.intermediateKey)
		signer, key := pki.issue(t, leafTemplate{name: "OCSP Responder", usage: []x509.ExtKeyUsage{x509.ExtKeyUsageOCSPSigning}})
		leaf, _ := pki.issue(t, leafTemplate{name: "Authorized Target", ocsp: []string{responder.server.URL}})
		responder.delegate(signer, key)
		responder.revoke(leaf)

		res := check(leaf)
		assert.Equal(t, RevocationStatusRevoked, res.Status)
		assert.Equal(t, RevocationSourceOCSP, res.Source)
	})
}

func TestCheckRevocation_OfflineUsesCache(t *testing.T) {
	pki := newTestPKI(t, "Offline")
	responder := newTestOCSPResponder(t, pki.intermediate, pki.intermediateKey)
	leaf, _ := pki.issue(t, leafTemplate{name: "Offline Leaf", ocsp: []string{responder.server.URL}})
	other, _ := pki.issue(t, leafTemplate{name: "Never Queried", ocsp: []string{responder.server.URL}})

	rc := NewRevocationClient(WithRevocationHTTPClient(noRetryClient()))
	require.Equal(t, RevocationStatusGood, rc.CheckRevocation(context.Background(), leaf, pki.intermediate, RevocationModeOnline).Status)

	requests := responder.requests.Load()
	res := rc.CheckRevocation(context.Background(), leaf, pki.intermediate, RevocationModeOffline)
	assert.Equal(t, RevocationStatusGood, res.Status)
	assert.True(t, res.Cached)

	res = rc.CheckRevocation(context.Background(), other, pki.intermediate, RevocationModeOffline)
	assert.Equal(t, RevocationStatusUnknown, res.Status)
	assert.Error(t, res.Err)
	assert.Equal(t, requests, responder.requests.Load(), "offline mode makes no network requests")
}

func TestCheckRevocation_Unavailable(t *testing.T) {
	pki := newTestPKI(t, "Unavailable")
	responder := newTestOCSPResponder(t, pki.intermediate, pki.intermediateKey)
	responder.setFailing(true)
	leaf, _ := pki.issue(t, leafTemplate{name: "Unavailable Leaf", ocsp: []string{responder.server.URL}})
	bare, _ := pki.issue(t, leafTemplate{name: "No Endpoints"})

	rc := NewRevocationClient(WithRevocationHTTPClient(noRetryClient()))

	res := rc.CheckRevocation(context.Background(), leaf, pki.intermediate, RevocationModeOnline)
	assert.Equal(t, RevocationStatusUnknown, res.Status)
	assert.Empty(t, res.Source)
	assert.Error(t, res.Err)

	res = rc.CheckRevocation(context.Background(), bare, pki.intermediate, RevocationModeOnline)
	assert.Equal(t, RevocationStatusUnknown, res.Status)
}

func TestCheckRevocation_CRLFallback(t *testing.T) {
	pki := newTestPKI(t, "CRLFallback")
	responder := newTestOCSPResponder(t, pki.intermediate, pki.intermediateKey)
	responder.setFailing(true)

	revokedLeaf, _ := pki.issue(t, leafTemplate{name: "Listed"})
	crlURL, hits := serveCRL(t, createCRL(t, pki.intermediate, pki.intermediateKey, time.Now().Add(time.Hour), revokedLeaf))

	leaf, _ := pki.issue(t, leafTemplate{name: "CRL Leaf", ocsp: []string{responder.server.URL}, crl: []string{crlURL}})
	listed, _ := pki.issue(t, leafTemplate{name: "Listed Twin", crl: []string{crlURL}})

	rc := NewRevocationClient(WithRevocationHTTPClient(noRetryClient()))

	res := rc.CheckRevocation(context.Background(), leaf, pki.intermediate, RevocationModeOnline)
	assert.Equal(t, RevocationStatusGood, res.Status)
	assert.Equal(t, RevocationSourceCRL, res.Source)
	assert.EqualValues(t, 1, hits.Load())

	// the cached CRL answers the next query
	res = rc.CheckRevocation(context.Background(), listed, pki.intermediate, RevocationModeOnline)
	assert.Equal(t, RevocationStatusGood, res.Status, "a different serial is not listed")
	assert.True(t, res.Cached)
	assert.EqualValues(t, 1, hits.Load())
}

func TestCheckRevocation_StaleCRLIsNotTrusted(t *testing.T) {
	pki := newTestPKI(t, "StaleCRL")
	crlURL, _ := serveCRL(t, createCRL(t, pki.intermediate, pki.intermediateKey, time.Now().Add(-time.Second)))
	leaf, _ := pki.issue(t, leafTemplate{name: "Stale Leaf", crl: []string{crlURL}})

	res := NewRevocationClient(WithRevocationHTTPClient(noRetryClient())).
		CheckRevocation(context.Background(), leaf, pki.intermediate, RevocationModeOnline)
	assert.Equal(t, RevocationStatusUnknown, res.Status)
}

func TestCheckRevocation_LocalCRL(t *testing.T) {
	pki := newTestPKI(t, "LocalCRL")
	revoked, _ := pki.signer(t, "Locally Revoked")
	good, _ := pki.signer(t, "Locally Good")

	der := createCRL(t, pki.intermediate, pki.intermediateKey, time.Now().Add(time.Hour), revoked)
	crl, err := ParseRevocationList(pem.EncodeToMemory(&pem.Block{Type: "X509 CRL", Bytes: der}))
	require.NoError(t, err)

	rc := NewRevocationClient(WithLocalCRLs(crl))
	for _, mode := range []RevocationMode{RevocationModeOnline, RevocationModeOffline} {
		res := rc.CheckRevocation(context.Background(), revoked, pki.intermediate, mode)
		assert.Equal(t, RevocationStatusRevoked, res.Status, mode.String())
		assert.Equal(t, RevocationSourceLocal, res.Source)

		res = rc.CheckRevocation(context.Background(), good, pki.intermediate, mode)
		assert.Equal(t, RevocationStatusGood, res.Status, mode.String())
	}

	// a CRL signed by another issuer is ignored
	other := newTestPKI(t, "LocalCRLOther")
	foreign, err := x509.ParseRevocationList(createCRL(t, other.intermediate, other.intermediateKey, time.Now().Add(time.Hour), revoked))
	require.NoError(t, err)
	res := NewRevocationClient(WithLocalCRLs(foreign)).CheckRevocation(context.Background(), revoked, pki.intermediate, RevocationModeOffline)
	assert.Equal(t, RevocationStatusUnknown, res.Status)
}

func TestCheckRevocation_ModesAndCancellation(t *testing.T) {
	pki := newTestPKI(t, "Modes")
	leaf, _ := pki.signer(t, "Modes Leaf")
	rc := NewRevocationClient()

	res := rc.CheckRevocation(context.Background(), leaf, pki.intermediate, RevocationModeNever)
	assert.Equal(t, RevocationStatusUnknown, res.Status)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res = rc.CheckRevocation(ctx, leaf, pki.intermediate, RevocationModeOnline)
	assert.Equal(t, RevocationStatusUnknown, res.Status)
	assert.True(t, errors.Is(res.Err, context.Canceled))
}

func TestParseRevocationList_Rejects(t *testing.T) {
	_, err := ParseRevocationList(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: []byte{1}}))
	assert.ErrorIs(t, err, ErrArgumentInvalid)

	_, err = ParseRevocationList([]byte("junk"))
	assert.Error(t, err)
}
