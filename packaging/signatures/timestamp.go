package signatures

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/x509"
	"encoding/asn1"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"slices"
	"time"

	"github.com/digitorus/timestamp"

	nthttp "github.com/willibrandon/nugettrust/http"
	"github.com/willibrandon/nugettrust/observability"
)

const (
	defaultTimestampTimeout   = 30 * time.Second
	defaultTimestampRetries   = 2
	maxTimestampResponseSize  = 1 << 20
	timestampQueryContentType = "application/timestamp-query"
	timestampReplyContentType = "application/timestamp-reply"
	timestampNonceSize        = 32
)

// TimestampClient requests RFC 3161 timestamp tokens from a timestamp
// authority (TSA). Transient network failures are retried by the underlying
// HTTP client; protocol failures are not retried.
type TimestampClient struct {
	url     string
	timeout time.Duration
	http    *nthttp.Client
	anchors *TrustStore
	chains  *ChainBuilder
	logger  observability.Logger
	now     func() time.Time
}

// TimestampOption configures a TimestampClient.
type TimestampOption func(*TimestampClient)

// WithTimestampHTTPClient sets the HTTP client. Its retry configuration
// bounds the attempts made per request.
func WithTimestampHTTPClient(c *nthttp.Client) TimestampOption {
	return func(tc *TimestampClient) {
		tc.http = c
	}
}

// WithTimestampTimeout bounds a whole request including retries.
func WithTimestampTimeout(d time.Duration) TimestampOption {
	return func(tc *TimestampClient) {
		tc.timeout = d
	}
}

// WithTimestampTrustStore requires the TSA certificate to chain to one of
// the anchors in store. Without it any TSA certificate carrying the
// time stamping usage is accepted.
func WithTimestampTrustStore(store *TrustStore) TimestampOption {
	return func(tc *TimestampClient) {
		tc.anchors = store
	}
}

// WithTimestampLogger sets the logger.
func WithTimestampLogger(logger observability.Logger) TimestampOption {
	return func(tc *TimestampClient) {
		tc.logger = logger
	}
}

// WithTimestampClock overrides the clock used to validate the TSA certificate.
func WithTimestampClock(now func() time.Time) TimestampOption {
	return func(tc *TimestampClient) {
		tc.now = now
	}
}

// NewTimestampClient creates a client for the TSA at url.
func NewTimestampClient(url string, opts ...TimestampOption) (*TimestampClient, error) {
	if err := validateTimestampURL(url); err != nil {
		return nil, err
	}
	tc := &TimestampClient{
		url:     url,
		timeout: defaultTimestampTimeout,
		logger:  observability.NewNullLogger(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(tc)
	}
	if tc.http == nil {
		tc.http = nthttp.NewClientWithOptions(
			nthttp.WithTimeout(tc.timeout),
			nthttp.WithMaxRetries(defaultTimestampRetries),
			nthttp.WithLogger(tc.logger),
		)
	}
	tc.chains = NewChainBuilder(WithChainLogger(tc.logger), WithChainClock(tc.now))
	return tc, nil
}

// URL returns the timestamp authority endpoint.
func (c *TimestampClient) URL() string {
	return c.url
}

// Timestamp requests a token over signatureValue. The TSA is sent the
// digest of signatureValue under hashAlg; the returned token is validated
// before use: its CMS signature, message imprint, nonce and the TSA
// certificate's time stamping usage.
//
// Errors wrap ErrTimestampAuthorityRejected for protocol failures and
// ErrTimestampingFailed for transport failures. A cancelled ctx is
// returned unchanged.
func (c *TimestampClient) Timestamp(ctx context.Context, signatureValue []byte, hashAlg HashAlgorithmName) (ts *Timestamp, err error) {
	if len(signatureValue) == 0 {
		return nil, fmt.Errorf("%w: nothing to timestamp", ErrArgumentInvalid)
	}
	h, err := hashAlg.CryptoHash()
	if err != nil {
		return nil, err
	}

	ctx, span := observability.StartTimestampSpan(ctx, c.url)
	defer func() {
		observability.EndSpanWithError(span, err)
		observability.TimestampRequestsTotal.WithLabelValues(timestampResultLabel(err)).Inc()
	}()

	parent := ctx
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	nonce, err := generateNonce()
	if err != nil {
		return nil, fmt.Errorf("%w: generate nonce: %w", ErrTimestampingFailed, err)
	}
	request, err := timestamp.CreateRequest(bytes.NewReader(signatureValue), &timestamp.RequestOptions{
		Hash:         h,
		Certificates: true,
		Nonce:        nonce,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %w", ErrTimestampingFailed, err)
	}

	c.logger.DebugContext(ctx, "Requesting {HashAlgorithm} timestamp from {TimestampURL}", string(hashAlg), c.url)

	body, err := c.post(ctx, request)
	if err != nil {
		if parent.Err() != nil {
			return nil, parent.Err()
		}
		c.logger.WarnContext(ctx, "Timestamp request to {TimestampURL} failed: {Error}", c.url, err)
		return nil, err
	}

	token, err := extractTimestampToken(body)
	if err != nil {
		return nil, err
	}
	ts, err = parseTimestampToken(token, signatureValue)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTimestampAuthorityRejected, err)
	}
	if ts.HashAlgorithm != hashAlg {
		return nil, fmt.Errorf("%w: response uses %s, requested %s", ErrTimestampAuthorityRejected, ts.HashAlgorithm, hashAlg)
	}
	if ts.Nonce == nil || ts.Nonce.Cmp(nonce) != 0 {
		return nil, fmt.Errorf("%w: nonce mismatch", ErrTimestampAuthorityRejected)
	}
	if err := c.checkAuthority(ctx, ts); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTimestampAuthorityRejected, err)
	}

	c.logger.InfoContext(ctx, "Timestamp {Time} issued by {Authority}", ts.Time.UTC().Format(time.RFC3339), ts.SignerCertificate.Subject.CommonName)
	return ts, nil
}

// post sends the request and returns the response body. Client errors are
// rejections; server errors and transport failures are timestamping failures.
func (c *TimestampClient) post(ctx context.Context, request []byte) ([]byte, error) {
	resp, err := c.http.Post(ctx, c.url, timestampQueryContentType, request)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTimestampingFailed, err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: timestamp authority returned HTTP %d", ErrTimestampingFailed, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("%w: timestamp authority returned HTTP %d", ErrTimestampAuthorityRejected, resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "" && ct != timestampReplyContentType {
		c.logger.DebugContext(ctx, "Timestamp authority {TimestampURL} replied with content type {ContentType}", c.url, ct)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxTimestampResponseSize+1))
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %w", ErrTimestampingFailed, err)
	}
	if len(body) > maxTimestampResponseSize {
		return nil, fmt.Errorf("%w: response exceeds %d bytes", ErrTimestampAuthorityRejected, maxTimestampResponseSize)
	}
	return body, nil
}

// checkAuthority requires the TSA certificate to carry the time stamping
// usage and to be valid at the token's time. With a trust store configured
// it must also chain to an anchor.
func (c *TimestampClient) checkAuthority(ctx context.Context, ts *Timestamp) error {
	cert := ts.SignerCertificate
	if !slices.Contains(cert.ExtKeyUsage, x509.ExtKeyUsageTimeStamping) {
		return fmt.Errorf("certificate %q is not valid for time stamping", cert.Subject.CommonName)
	}
	if ts.Time.Before(cert.NotBefore) || ts.Time.After(cert.NotAfter) {
		return fmt.Errorf("certificate %q was not valid at %s", cert.Subject.CommonName, ts.Time.UTC().Format(time.RFC3339))
	}
	if c.anchors == nil {
		return nil
	}
	chain, err := c.chains.BuildChain(ctx, cert, ts.Certificates, c.anchors, ChainOptions{
		Purpose:        x509.ExtKeyUsageTimeStamping,
		ValidationTime: ts.Time,
		RevocationMode: RevocationModeNever,
	})
	if err != nil {
		return err
	}
	if !chain.OK() {
		return chain.Err()
	}
	return nil
}

func timestampResultLabel(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrTimestampAuthorityRejected):
		return "rejected"
	default:
		return "failed"
	}
}

func validateTimestampURL(raw string) error {
	if raw == "" {
		return fmt.Errorf("%w: timestamp authority URL is required", ErrArgumentInvalid)
	}
	req, err := http.NewRequest(http.MethodPost, raw, nil)
	if err != nil || (req.URL.Scheme != "http" && req.URL.Scheme != "https") || req.URL.Host == "" {
		return fmt.Errorf("%w: timestamp authority URL %q must be an absolute http(s) URL", ErrArgumentInvalid, raw)
	}
	return nil
}

// RFC 3161 TimeStampResp
type timestampResponse struct {
	Status         pkiStatusInfo
	TimeStampToken asn1.RawValue `asn1:"optional"`
}

type pkiStatusInfo struct {
	Status       int
	StatusString []asn1.RawValue `asn1:"optional"`
	FailInfo     asn1.BitString  `asn1:"optional"`
}

const (
	pkiStatusGranted         = 0
	pkiStatusGrantedWithMods = 1
)

// extractTimestampToken returns the token of a granted response.
func extractTimestampToken(body []byte) ([]byte, error) {
	var resp timestampResponse
	rest, err := asn1.Unmarshal(body, &resp)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed response: %w", ErrTimestampAuthorityRejected, err)
	}
	if len(rest) > 0 {
		return nil, fmt.Errorf("%w: trailing data after response", ErrTimestampAuthorityRejected)
	}
	if resp.Status.Status != pkiStatusGranted && resp.Status.Status != pkiStatusGrantedWithMods {
		return nil, fmt.Errorf("%w: status %d, failure info %x", ErrTimestampAuthorityRejected,
			resp.Status.Status, resp.Status.FailInfo.Bytes)
	}
	if len(resp.TimeStampToken.FullBytes) == 0 {
		return nil, fmt.Errorf("%w: response carries no token", ErrTimestampAuthorityRejected)
	}
	return resp.TimeStampToken.FullBytes, nil
}

// generateNonce returns a random positive 256-bit nonce.
func generateNonce() (*big.Int, error) {
	b := make([]byte, timestampNonceSize)
	if _, err := rand.Read(b); err != nil {
		return nil, err
	}
	b[0] &= 0x7f
	return new(big.Int).SetBytes(b), nil
}
