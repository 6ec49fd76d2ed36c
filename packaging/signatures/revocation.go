package signatures

import (
	"bytes"
	"context"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strings"
	"time"

	"golang.org/x/crypto/ocsp"

	"github.com/willibrandon/nugettrust/cache"
	nthttp "github.com/willibrandon/nugettrust/http"
	"github.com/willibrandon/nugettrust/observability"
)

// RevocationMode selects how certificate revocation is checked.
type RevocationMode int

const (
	// RevocationModeOnline consults cached data first, then OCSP responders
	// and CRL distribution points.
	RevocationModeOnline RevocationMode = iota
	// RevocationModeOffline uses only cached responses and local CRLs.
	RevocationModeOffline
	// RevocationModeNever skips revocation checking.
	RevocationModeNever
)

func (m RevocationMode) String() string {
	switch m {
	case RevocationModeOnline:
		return "Online"
	case RevocationModeOffline:
		return "Offline"
	case RevocationModeNever:
		return "Never"
	default:
		return fmt.Sprintf("RevocationMode(%d)", int(m))
	}
}

// ParseRevocationMode parses "online", "offline" or "never", ignoring case.
func ParseRevocationMode(s string) (RevocationMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "online":
		return RevocationModeOnline, nil
	case "offline":
		return RevocationModeOffline, nil
	case "never", "none":
		return RevocationModeNever, nil
	default:
		return RevocationModeOnline, fmt.Errorf("%w: unknown revocation mode %q", ErrArgumentInvalid, s)
	}
}

// RevocationStatus is the answer to a revocation query.
type RevocationStatus int

const (
	RevocationStatusGood RevocationStatus = iota
	RevocationStatusRevoked
	RevocationStatusUnknown
)

func (s RevocationStatus) String() string {
	switch s {
	case RevocationStatusGood:
		return "Good"
	case RevocationStatusRevoked:
		return "Revoked"
	default:
		return "Unknown"
	}
}

// Revocation data sources.
const (
	RevocationSourceOCSP  = "ocsp"
	RevocationSourceCRL   = "crl"
	RevocationSourceLocal = "local"
)

// RevocationResult is the outcome of one certificate's revocation query.
type RevocationResult struct {
	Status RevocationStatus
	// Source names where the answer came from; empty when Unknown.
	Source string
	Cached bool
	// RevokedAt and Reason are set when Status is Revoked.
	RevokedAt time.Time
	Reason    int
	// Err explains an Unknown status.
	Err error
}

// RevocationChecker answers revocation queries for a certificate issued by
// issuer. Implementations must honour ctx and report failures as Unknown.
type RevocationChecker interface {
	CheckRevocation(ctx context.Context, cert, issuer *x509.Certificate, mode RevocationMode) RevocationResult
}

const (
	maxRevocationResponseSize = 10 << 20
	revocationClockSkew       = 5 * time.Minute
	defaultRevocationTimeout  = 10 * time.Second
)

// RevocationClient checks revocation with OCSP, falling back to CRL
// distribution points. Every fetched response is verified against the
// issuer before it is trusted or cached.
type RevocationClient struct {
	http   *nthttp.Client
	cache  cache.Store
	crls   []*x509.RevocationList
	logger observability.Logger
	now    func() time.Time
}

var _ RevocationChecker = (*RevocationClient)(nil)

// RevocationOption configures a RevocationClient.
type RevocationOption func(*RevocationClient)

// WithRevocationHTTPClient sets the client used for OCSP and CRL requests.
func WithRevocationHTTPClient(c *nthttp.Client) RevocationOption {
	return func(rc *RevocationClient) {
		rc.http = c
	}
}

// WithRevocationCache sets the response cache. Offline mode answers only
// from this cache and local CRLs.
func WithRevocationCache(store cache.Store) RevocationOption {
	return func(rc *RevocationClient) {
		rc.cache = store
	}
}

// WithLocalCRLs adds CRLs supplied by the operator. They are honoured in
// Online and Offline mode.
func WithLocalCRLs(crls ...*x509.RevocationList) RevocationOption {
	return func(rc *RevocationClient) {
		rc.crls = append(rc.crls, crls...)
	}
}

// WithRevocationLogger sets the logger.
func WithRevocationLogger(logger observability.Logger) RevocationOption {
	return func(rc *RevocationClient) {
		rc.logger = logger
	}
}

// WithRevocationClock overrides the clock used for freshness checks.
func WithRevocationClock(now func() time.Time) RevocationOption {
	return func(rc *RevocationClient) {
		rc.now = now
	}
}

// NewRevocationClient creates a revocation client. The default cache is an
// in-memory LRU.
func NewRevocationClient(opts ...RevocationOption) *RevocationClient {
	rc := &RevocationClient{
		logger: observability.NewNullLogger(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(rc)
	}
	if rc.http == nil {
		rc.http = nthttp.NewClientWithOptions(
			nthttp.WithTimeout(defaultRevocationTimeout),
			nthttp.WithMaxRetries(2),
		)
	}
	if rc.cache == nil {
		rc.cache = cache.NewMultiTierCache(cache.NewMemoryCache(1024, 64<<20).WithClock(rc.now), nil)
	}
	return rc
}

// CheckRevocation implements RevocationChecker.
func (rc *RevocationClient) CheckRevocation(ctx context.Context, cert, issuer *x509.Certificate, mode RevocationMode) (result RevocationResult) {
	ctx, span := observability.StartRevocationSpan(ctx, cert.Subject.CommonName, mode.String())
	defer func() {
		span.SetAttributes(
			observability.AttrRevocationStatus.String(result.Status.String()),
			observability.AttrRevocationSource.String(result.Source),
		)
		observability.EndSpanWithError(span, result.Err)
		source := result.Source
		if source == "" {
			source = "none"
		} else if result.Cached {
			source = "cache"
		}
		observability.RevocationChecksTotal.WithLabelValues(source, strings.ToLower(result.Status.String())).Inc()
	}()

	if mode == RevocationModeNever {
		return RevocationResult{Status: RevocationStatusUnknown, Err: errors.New("revocation checking disabled")}
	}
	if err := ctx.Err(); err != nil {
		return RevocationResult{Status: RevocationStatusUnknown, Err: err}
	}

	var failures []error

	if res, ok, err := rc.checkLocalCRLs(cert, issuer); ok {
		return res
	} else if err != nil {
		failures = append(failures, err)
	}
	if res, ok := rc.cachedOCSP(ctx, cert, issuer); ok {
		return res
	}
	if res, ok := rc.cachedCRL(ctx, cert, issuer); ok {
		return res
	}

	if mode == RevocationModeOffline {
		failures = append(failures, errors.New("no cached revocation data available offline"))
		return RevocationResult{Status: RevocationStatusUnknown, Err: errors.Join(failures...)}
	}

	res, err := rc.queryOCSP(ctx, cert, issuer)
	if err == nil {
		return res
	}
	failures = append(failures, err)
	if ctx.Err() != nil {
		return RevocationResult{Status: RevocationStatusUnknown, Err: ctx.Err()}
	}

	res, err = rc.queryCRL(ctx, cert, issuer)
	if err == nil {
		return res
	}
	failures = append(failures, err)
	if ctx.Err() != nil {
		return RevocationResult{Status: RevocationStatusUnknown, Err: ctx.Err()}
	}

	return RevocationResult{Status: RevocationStatusUnknown, Err: errors.Join(failures...)}
}

// ocspCacheKey identifies an OCSP answer by issuer and serial.
func ocspCacheKey(cert, issuer *x509.Certificate) string {
	return sha256Fingerprint(issuer).Value + "-" + hex.EncodeToString(cert.SerialNumber.Bytes())
}

func (rc *RevocationClient) cachedOCSP(ctx context.Context, cert, issuer *x509.Certificate) (RevocationResult, bool) {
	for _, server := range cert.OCSPServer {
		data, ok, err := rc.cache.Get(ctx, server, ocspCacheKey(cert, issuer))
		if err != nil || !ok {
			continue
		}
		resp, err := rc.parseOCSP(data, cert, issuer)
		if err != nil || resp.Status == ocsp.Unknown {
			continue
		}
		observability.RecordCacheHit(ctx, true)
		res := ocspResult(resp)
		res.Cached = true
		return res, true
	}
	return RevocationResult{}, false
}

func (rc *RevocationClient) cachedCRL(ctx context.Context, cert, issuer *x509.Certificate) (RevocationResult, bool) {
	for _, dp := range cert.CRLDistributionPoints {
		data, ok, err := rc.cache.Get(ctx, dp, "crl")
		if err != nil || !ok {
			continue
		}
		crl, err := rc.parseCRL(data, issuer)
		if err != nil {
			continue
		}
		observability.RecordCacheHit(ctx, true)
		res := crlResult(crl, cert, RevocationSourceCRL)
		res.Cached = true
		return res, true
	}
	return RevocationResult{}, false
}

// checkLocalCRLs consults operator-supplied CRLs from issuer. A revoked
// entry counts even in a stale CRL; a Good answer needs a current one.
func (rc *RevocationClient) checkLocalCRLs(cert, issuer *x509.Certificate) (RevocationResult, bool, error) {
	var stale bool
	for _, crl := range rc.crls {
		if !bytes.Equal(crl.RawIssuer, cert.RawIssuer) {
			continue
		}
		if err := crl.CheckSignatureFrom(issuer); err != nil {
			continue
		}
		res := crlResult(crl, cert, RevocationSourceLocal)
		if res.Status == RevocationStatusRevoked {
			return res, true, nil
		}
		if rc.crlCurrent(crl) {
			return res, true, nil
		}
		stale = true
	}
	if stale {
		return RevocationResult{}, false, errors.New("local CRL is past its next update")
	}
	return RevocationResult{}, false, nil
}

func (rc *RevocationClient) queryOCSP(ctx context.Context, cert, issuer *x509.Certificate) (RevocationResult, error) {
	if len(cert.OCSPServer) == 0 {
		return RevocationResult{}, errors.New("certificate has no OCSP responder")
	}
	req, err := ocsp.CreateRequest(cert, issuer, nil)
	if err != nil {
		return RevocationResult{}, fmt.Errorf("create OCSP request: %w", err)
	}

	var failures []error
	for _, server := range cert.OCSPServer {
		der, err := rc.fetch(ctx, http.MethodPost, server, "application/ocsp-request", req)
		if err != nil {
			failures = append(failures, fmt.Errorf("OCSP %s: %w", server, err))
			continue
		}
		resp, err := rc.parseOCSP(der, cert, issuer)
		if err != nil {
			failures = append(failures, fmt.Errorf("OCSP %s: %w", server, err))
			continue
		}
		if resp.Status == ocsp.Unknown {
			failures = append(failures, fmt.Errorf("OCSP %s: responder does not know the certificate", server))
			continue
		}
		if !resp.NextUpdate.IsZero() {
			validate := func(b []byte) error {
				_, err := rc.parseOCSP(b, cert, issuer)
				return err
			}
			if err := rc.cache.Set(ctx, server, ocspCacheKey(cert, issuer), der, resp.NextUpdate, validate); err != nil {
				rc.logger.DebugContext(ctx, "Caching OCSP response from {Responder} failed: {Error}", server, err)
			}
		}
		return ocspResult(resp), nil
	}
	return RevocationResult{}, errors.Join(failures...)
}

func (rc *RevocationClient) queryCRL(ctx context.Context, cert, issuer *x509.Certificate) (RevocationResult, error) {
	if len(cert.CRLDistributionPoints) == 0 {
		return RevocationResult{}, errors.New("certificate has no CRL distribution point")
	}

	var failures []error
	for _, dp := range cert.CRLDistributionPoints {
		if !strings.HasPrefix(dp, "http://") && !strings.HasPrefix(dp, "https://") {
			failures = append(failures, fmt.Errorf("CRL %s: unsupported scheme", dp))
			continue
		}
		der, err := rc.fetch(ctx, http.MethodGet, dp, "", nil)
		if err != nil {
			failures = append(failures, fmt.Errorf("CRL %s: %w", dp, err))
			continue
		}
		crl, err := rc.parseCRL(der, issuer)
		if err != nil {
			failures = append(failures, fmt.Errorf("CRL %s: %w", dp, err))
			continue
		}
		validate := func(b []byte) error {
			_, err := rc.parseCRL(b, issuer)
			return err
		}
		if err := rc.cache.Set(ctx, dp, "crl", der, crl.NextUpdate, validate); err != nil {
			rc.logger.DebugContext(ctx, "Caching CRL from {DistributionPoint} failed: {Error}", dp, err)
		}
		return crlResult(crl, cert, RevocationSourceCRL), nil
	}
	return RevocationResult{}, errors.Join(failures...)
}

func (rc *RevocationClient) fetch(ctx context.Context, method, url, contentType string, body []byte) ([]byte, error) {
	var (
		resp *http.Response
		err  error
	)
	if method == http.MethodPost {
		resp, err = rc.http.Post(ctx, url, contentType, body)
	} else {
		resp, err = rc.http.Get(ctx, url)
	}
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxRevocationResponseSize+1))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if len(data) > maxRevocationResponseSize {
		return nil, errors.New("response too large")
	}
	return data, nil
}

// parseOCSP verifies an OCSP response for cert and checks that it is
// current. A response signed by a delegated responder is accepted only when
// the responder certificate carries id-kp-OCSPSigning and is within its
// validity period.
func (rc *RevocationClient) parseOCSP(der []byte, cert, issuer *x509.Certificate) (*ocsp.Response, error) {
	resp, err := ocsp.ParseResponseForCert(der, cert, issuer)
	if err != nil {
		return nil, fmt.Errorf("parse OCSP response: %w", err)
	}
	now := rc.now()
	if responder := resp.Certificate; responder != nil && !responder.Equal(issuer) {
		if !slices.Contains(responder.ExtKeyUsage, x509.ExtKeyUsageOCSPSigning) {
			return nil, fmt.Errorf("OCSP responder %q is not authorized for OCSP signing", responder.Subject.CommonName)
		}
		if now.Before(responder.NotBefore) || now.After(responder.NotAfter) {
			return nil, fmt.Errorf("OCSP responder %q certificate is outside its validity period", responder.Subject.CommonName)
		}
	}
	if resp.ThisUpdate.After(now.Add(revocationClockSkew)) {
		return nil, errors.New("OCSP response is not yet valid")
	}
	if !resp.NextUpdate.IsZero() && !now.Before(resp.NextUpdate) {
		return nil, errors.New("OCSP response has expired")
	}
	return resp, nil
}

// parseCRL verifies a CRL's signature against issuer and checks that it is
// current.
func (rc *RevocationClient) parseCRL(der []byte, issuer *x509.Certificate) (*x509.RevocationList, error) {
	crl, err := ParseRevocationList(der)
	if err != nil {
		return nil, err
	}
	if err := crl.CheckSignatureFrom(issuer); err != nil {
		return nil, fmt.Errorf("CRL signature: %w", err)
	}
	if !rc.crlCurrent(crl) {
		return nil, errors.New("CRL is past its next update")
	}
	return crl, nil
}

func (rc *RevocationClient) crlCurrent(crl *x509.RevocationList) bool {
	now := rc.now()
	if crl.ThisUpdate.After(now.Add(revocationClockSkew)) {
		return false
	}
	return crl.NextUpdate.IsZero() || now.Before(crl.NextUpdate)
}

func ocspResult(resp *ocsp.Response) RevocationResult {
	if resp.Status == ocsp.Revoked {
		return RevocationResult{
			Status:    RevocationStatusRevoked,
			Source:    RevocationSourceOCSP,
			RevokedAt: resp.RevokedAt,
			Reason:    resp.RevocationReason,
		}
	}
	return RevocationResult{Status: RevocationStatusGood, Source: RevocationSourceOCSP}
}

func crlResult(crl *x509.RevocationList, cert *x509.Certificate, source string) RevocationResult {
	for _, entry := range crl.RevokedCertificateEntries {
		if entry.SerialNumber.Cmp(cert.SerialNumber) == 0 {
			return RevocationResult{
				Status:    RevocationStatusRevoked,
				Source:    source,
				RevokedAt: entry.RevocationTime,
				Reason:    entry.ReasonCode,
			}
		}
	}
	return RevocationResult{Status: RevocationStatusGood, Source: source}
}

// ParseRevocationList parses a CRL in DER or PEM ("X509 CRL") form.
func ParseRevocationList(data []byte) (*x509.RevocationList, error) {
	if block, _ := pem.Decode(data); block != nil {
		if block.Type != "X509 CRL" {
			return nil, fmt.Errorf("%w: unexpected PEM block %q", ErrArgumentInvalid, block.Type)
		}
		data = block.Bytes
	}
	crl, err := x509.ParseRevocationList(data)
	if err != nil {
		return nil, fmt.Errorf("parse CRL: %w", err)
	}
	return crl, nil
}
