package signatures

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/digitorus/timestamp"
	"golang.org/x/crypto/ocsp"

	"github.com/willibrandon/nugettrust/packaging"
)

var serialCounter atomic.Int64

func nextSerial() *big.Int {
	return big.NewInt(serialCounter.Add(1) + 1000)
}

func generateKey(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	return key
}

func createCertificate(t *testing.T, template, parent *x509.Certificate, pub crypto.PublicKey, parentKey crypto.Signer) *x509.Certificate {
	t.Helper()
	der, err := x509.CreateCertificate(rand.Reader, template, parent, pub, parentKey)
	if err != nil {
		t.Fatalf("failed to create certificate: %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("failed to parse certificate: %v", err)
	}
	return cert
}

// testPKI is a root CA with one intermediate that issues leaf certificates.
type testPKI struct {
	root            *x509.Certificate
	rootKey         crypto.Signer
	intermediate    *x509.Certificate
	intermediateKey crypto.Signer
}

func newTestPKI(t *testing.T, name string) *testPKI {
	t.Helper()
	now := time.Now()

	rootKey := generateKey(t)
	rootTmpl := &x509.Certificate{
		SerialNumber:          nextSerial(),
		Subject:               pkix.Name{CommonName: name + " Root CA", Organization: []string{"Test Org"}},
		NotBefore:             now.Add(-48 * time.Hour),
		NotAfter:              now.Add(10 * 365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		IsCA:                  true,
		BasicConstraintsValid: true,
	}
	root := createCertificate(t, rootTmpl, rootTmpl, rootKey.Public(), rootKey)

	intKey := generateKey(t)
	intTmpl := &x509.Certificate{
		SerialNumber:          nextSerial(),
		Subject:               pkix.Name{CommonName: name + " Intermediate CA", Organization: []string{"Test Org"}},
		NotBefore:             now.Add(-48 * time.Hour),
		NotAfter:              now.Add(5 * 365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		IsCA:                  true,
		BasicConstraintsValid: true,
	}
	intermediate := createCertificate(t, intTmpl, root, intKey.Public(), rootKey)

	return &testPKI{root: root, rootKey: rootKey, intermediate: intermediate, intermediateKey: intKey}
}

func (p *testPKI) anchors() *TrustStore {
	return NewTrustStore(p.root)
}

// leafTemplate describes a leaf certificate issued by the intermediate.
type leafTemplate struct {
	name      string
	usage     []x509.ExtKeyUsage
	notBefore time.Time
	notAfter  time.Time
	ocsp      []string
	crl       []string
	noSKI     bool
}

func (p *testPKI) issue(t *testing.T, lt leafTemplate) (*x509.Certificate, *ecdsa.PrivateKey) {
	t.Helper()
	if lt.usage == nil {
		lt.usage = []x509.ExtKeyUsage{x509.ExtKeyUsageCodeSigning}
	}
	if lt.notBefore.IsZero() {
		lt.notBefore = time.Now().Add(-time.Hour)
	}
	if lt.notAfter.IsZero() {
		lt.notAfter = time.Now().Add(365 * 24 * time.Hour)
	}
	key := generateKey(t)
	tmpl := &x509.Certificate{
		SerialNumber:          nextSerial(),
		Subject:               pkix.Name{CommonName: lt.name, Organization: []string{"Test Org"}},
		NotBefore:             lt.notBefore,
		NotAfter:              lt.notAfter,
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           lt.usage,
		BasicConstraintsValid: true,
		OCSPServer:            lt.ocsp,
		CRLDistributionPoints: lt.crl,
	}
	if !lt.noSKI {
		tmpl.SubjectKeyId = nextSerial().Bytes()
	}
	return createCertificate(t, tmpl, p.intermediate, key.Public(), p.intermediateKey), key
}

// signer issues a code signing certificate valid for a year.
func (p *testPKI) signer(t *testing.T, name string) (*x509.Certificate, *ecdsa.PrivateKey) {
	t.Helper()
	return p.issue(t, leafTemplate{name: name})
}

// chain returns the certificates a signer passes in SignRequest.Chain.
func (p *testPKI) chain() []*x509.Certificate {
	return []*x509.Certificate{p.intermediate, p.root}
}

// testTSA is an RFC 3161 responder backed by a certificate issued by root.
type testTSA struct {
	server *httptest.Server
	cert   *x509.Certificate
	key    *ecdsa.PrivateKey

	mu       sync.Mutex
	genTime  func() time.Time
	status   int
	requests atomic.Int32
}

func newTestTSA(t *testing.T, pki *testPKI) *testTSA {
	t.Helper()
	key := generateKey(t)
	tmpl := &x509.Certificate{
		SerialNumber:          nextSerial(),
		Subject:               pkix.Name{CommonName: "Test Timestamp Authority"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(2 * 365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageTimeStamping},
		BasicConstraintsValid: true,
	}
	return newTestTSAWithCert(t, createCertificate(t, tmpl, pki.root, key.Public(), pki.rootKey), key)
}

func newTestTSAWithCert(t *testing.T, cert *x509.Certificate, key *ecdsa.PrivateKey) *testTSA {
	t.Helper()
	tsa := &testTSA{cert: cert, key: key, genTime: time.Now, status: http.StatusOK}
	tsa.server = httptest.NewServer(http.HandlerFunc(tsa.serve))
	t.Cleanup(tsa.server.Close)
	return tsa
}

func (tsa *testTSA) setStatus(status int) {
	tsa.mu.Lock()
	defer tsa.mu.Unlock()
	tsa.status = status
}

func (tsa *testTSA) serve(w http.ResponseWriter, r *http.Request) {
	tsa.requests.Add(1)
	tsa.mu.Lock()
	status, genTime := tsa.status, tsa.genTime
	tsa.mu.Unlock()
	if status != http.StatusOK {
		w.WriteHeader(status)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	req, err := timestamp.ParseRequest(body)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	ts := timestamp.Timestamp{
		HashAlgorithm:     req.HashAlgorithm,
		HashedMessage:     req.HashedMessage,
		Time:              genTime().UTC().Truncate(time.Second),
		Accuracy:          time.Second,
		Nonce:             req.Nonce,
		Policy:            asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 4146, 2, 3},
		AddTSACertificate: req.Certificates,
	}
	resp, err := ts.CreateResponseWithOpts(tsa.cert, tsa.key, crypto.SHA256)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", timestampReplyContentType)
	_, _ = w.Write(resp)
}

func (tsa *testTSA) client(t *testing.T, opts ...TimestampOption) *TimestampClient {
	t.Helper()
	tc, err := NewTimestampClient(tsa.server.URL, opts...)
	if err != nil {
		t.Fatalf("NewTimestampClient: %v", err)
	}
	return tc
}

// testOCSPResponder answers OCSP requests for certificates issued by issuer.
type testOCSPResponder struct {
	server    *httptest.Server
	issuer    *x509.Certificate
	issuerKey crypto.Signer

	mu         sync.Mutex
	revoked    map[string]time.Time
	fail       bool
	signerCert *x509.Certificate
	signerKey  crypto.Signer
	requests   atomic.Int32
}

func newTestOCSPResponder(t *testing.T, issuer *x509.Certificate, issuerKey crypto.Signer) *testOCSPResponder {
	t.Helper()
	r := &testOCSPResponder{issuer: issuer, issuerKey: issuerKey, revoked: make(map[string]time.Time)}
	r.server = httptest.NewServer(http.HandlerFunc(r.serve))
	t.Cleanup(r.server.Close)
	return r
}

func (r *testOCSPResponder) revoke(cert *x509.Certificate) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.revoked[cert.SerialNumber.String()] = time.Now().Add(-time.Minute)
}

// delegate signs later responses with cert and key and embeds cert in them.
func (r *testOCSPResponder) delegate(cert *x509.Certificate, key crypto.Signer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.signerCert, r.signerKey = cert, key
}

func (r *testOCSPResponder) setFailing(fail bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fail = fail
}

func (r *testOCSPResponder) serve(w http.ResponseWriter, req *http.Request) {
	r.requests.Add(1)
	r.mu.Lock()
	fail := r.fail
	r.mu.Unlock()
	if fail {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}

	body, err := io.ReadAll(req.Body)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	ocspReq, err := ocsp.ParseRequest(body)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	r.mu.Lock()
	revokedAt, revoked := r.revoked[ocspReq.SerialNumber.String()]
	signerCert, signerKey := r.issuer, r.issuerKey
	if r.signerCert != nil {
		signerCert, signerKey = r.signerCert, r.signerKey
	}
	r.mu.Unlock()

	tmpl := ocsp.Response{
		Status:       ocsp.Good,
		SerialNumber: ocspReq.SerialNumber,
		ThisUpdate:   time.Now().Add(-time.Minute),
		NextUpdate:   time.Now().Add(time.Hour),
	}
	if revoked {
		tmpl.Status = ocsp.Revoked
		tmpl.RevokedAt = revokedAt
		tmpl.RevocationReason = ocsp.KeyCompromise
	}
	if signerCert != r.issuer {
		tmpl.Certificate = signerCert
	}
	resp, err := ocsp.CreateResponse(r.issuer, signerCert, tmpl, signerKey)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/ocsp-response")
	_, _ = w.Write(resp)
}

// createCRL returns a DER CRL from issuer listing revoked.
func createCRL(t *testing.T, issuer *x509.Certificate, key crypto.Signer, nextUpdate time.Time, revoked ...*x509.Certificate) []byte {
	t.Helper()
	var entries []x509.RevocationListEntry
	for _, cert := range revoked {
		entries = append(entries, x509.RevocationListEntry{
			SerialNumber:   cert.SerialNumber,
			RevocationTime: time.Now().Add(-time.Minute),
		})
	}
	der, err := x509.CreateRevocationList(rand.Reader, &x509.RevocationList{
		Number:                    nextSerial(),
		ThisUpdate:                time.Now().Add(-time.Minute),
		NextUpdate:                nextUpdate,
		RevokedCertificateEntries: entries,
	}, issuer, key)
	if err != nil {
		t.Fatalf("failed to create CRL: %v", err)
	}
	return der
}

// newTestPackage returns a package with a nuspec and two content entries.
func newTestPackage(t *testing.T, id, ver string) *packaging.MemoryPackage {
	t.Helper()
	pkg := packaging.NewMemoryPackage()
	entries := []struct {
		name string
		data []byte
	}{
		{id + ".nuspec", packaging.MinimalNuspec(id, ver, "Test Author")},
		{"lib/net8.0/" + id + ".dll", []byte("binary content of " + id)},
		{"README.md", []byte("# " + id + "\n")},
	}
	for _, e := range entries {
		if err := pkg.WriteEntry(e.name, e.data); err != nil {
			t.Fatalf("WriteEntry(%s): %v", e.name, err)
		}
	}
	return pkg
}

// fixedClock returns a clock frozen at at.
func fixedClock(at time.Time) func() time.Time {
	return func() time.Time { return at }
}

// signTestPackage author-signs pkg with cert and key.
func signTestPackage(t *testing.T, provider *SignatureProvider, pkg packaging.Container, req SignRequest) *Signature {
	t.Helper()
	sig, err := provider.SignPackage(context.Background(), pkg, req, false)
	if err != nil {
		t.Fatalf("SignPackage: %v", err)
	}
	return sig
}
