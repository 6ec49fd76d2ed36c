package v3

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/willibrandon/nugettrust/packaging/signatures"
)

// ErrInsecureResource is returned for a repository signatures resource
// that is not served over HTTPS.
var ErrInsecureResource = errors.New("repository signatures must be served over https")

// Hash algorithm OIDs used as fingerprint keys.
var fingerprintOIDs = map[string]signatures.HashAlgorithmName{
	"2.16.840.1.101.3.4.2.1": signatures.HashAlgorithmSHA256,
	"2.16.840.1.101.3.4.2.2": signatures.HashAlgorithmSHA384,
	"2.16.840.1.101.3.4.2.3": signatures.HashAlgorithmSHA512,
}

// GetRepositorySignatures fetches the RepositorySignatures resource of the
// feed at indexURL. Both the service index and the resource must be https.
func (c *ServiceIndexClient) GetRepositorySignatures(ctx context.Context, indexURL string) (*RepositorySignatures, error) {
	if !isHTTPS(indexURL) {
		return nil, fmt.Errorf("%w: %s", ErrInsecureResource, indexURL)
	}
	resourceURL, err := c.GetResourceURL(ctx, indexURL, ResourceTypeRepositorySignatures)
	if err != nil {
		return nil, err
	}
	if !isHTTPS(resourceURL) {
		return nil, fmt.Errorf("%w: %s", ErrInsecureResource, resourceURL)
	}

	var doc RepositorySignatures
	if err := c.getJSON(ctx, resourceURL, &doc); err != nil {
		return nil, fmt.Errorf("fetch repository signatures: %w", err)
	}
	return &doc, nil
}

// Fingerprints returns the certificate's fingerprints for the supported
// hash algorithms, strongest first. Unknown OIDs are skipped.
func (sc SigningCertificate) Fingerprints() ([]signatures.Fingerprint, error) {
	var out []signatures.Fingerprint
	for _, alg := range []signatures.HashAlgorithmName{signatures.HashAlgorithmSHA512, signatures.HashAlgorithmSHA384, signatures.HashAlgorithmSHA256} {
		for oid, value := range sc.Fingerprints {
			if fingerprintOIDs[oid] != alg {
				continue
			}
			fp, err := signatures.ParseFingerprint(alg, value)
			if err != nil {
				return nil, fmt.Errorf("certificate %q: %w", sc.Subject, err)
			}
			out = append(out, fp)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("certificate %q has no supported fingerprint", sc.Subject)
	}
	return out, nil
}

func isHTTPS(raw string) bool {
	u, err := url.Parse(raw)
	return err == nil && strings.EqualFold(u.Scheme, "https") && u.Host != ""
}
