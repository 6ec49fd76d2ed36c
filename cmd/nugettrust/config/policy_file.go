package config

import (
	"bytes"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/willibrandon/nugettrust/packaging/signatures"
)

// PolicyFile is the YAML trust policy. Certificate and CRL paths are
// relative to the file's directory.
type PolicyFile struct {
	TrustAnchors                     []string           `yaml:"trustAnchors"`
	TimestampAnchors                 []string           `yaml:"timestampAnchors"`
	CRLs                             []string           `yaml:"crls"`
	AllowedFingerprints              []string           `yaml:"allowedFingerprints"`
	AllowUntrustedRoot               bool               `yaml:"allowUntrustedRoot"`
	UntrustedRootFingerprints        []string           `yaml:"untrustedRootFingerprints"`
	TrustedRepositories              []RepositoryPolicy `yaml:"trustedRepositories"`
	RevocationMode                   string             `yaml:"revocationMode"`
	FailOnUnknownRevocation          bool               `yaml:"failOnUnknownRevocation"`
	RequireTimestamp                 bool               `yaml:"requireTimestamp"`
	RequireValidTimestampCertificate bool               `yaml:"requireValidTimestampCertificate"`
	Requirement                      string             `yaml:"requirement"`
	AllowUnsigned                    *bool              `yaml:"allowUnsigned"`

	dir string
}

// RepositoryPolicy is one trustedRepositories entry.
type RepositoryPolicy struct {
	Name         string   `yaml:"name"`
	ServiceIndex string   `yaml:"serviceIndex"`
	Fingerprints []string `yaml:"fingerprints"`
	Owners       []string `yaml:"owners"`
}

// LoadPolicyFile reads a YAML policy.
func LoadPolicyFile(path string) (*PolicyFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy file: %w", err)
	}
	pf, err := ParsePolicyFile(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	pf.dir = filepath.Dir(path)
	return pf, nil
}

// ParsePolicyFile decodes a YAML policy, rejecting unknown keys.
func ParsePolicyFile(r io.Reader) (*PolicyFile, error) {
	var pf PolicyFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&pf); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse policy: %w", err)
	}
	return &pf, nil
}

func (pf *PolicyFile) path(p string) string {
	if filepath.IsAbs(p) || pf.dir == "" {
		return p
	}
	return filepath.Join(pf.dir, p)
}

// Apply overlays the file onto s.
func (pf *PolicyFile) Apply(s *TrustSettings) error {
	p := &s.Policy

	anchors, err := pf.loadCertificates(pf.TrustAnchors)
	if err != nil {
		return err
	}
	p.TrustAnchors = p.TrustAnchors.With(anchors...)

	if len(pf.TimestampAnchors) > 0 {
		tsa, err := pf.loadCertificates(pf.TimestampAnchors)
		if err != nil {
			return err
		}
		p.TimestampAnchors = signatures.NewTrustStore(tsa...)
	}

	for _, name := range pf.CRLs {
		crl, err := LoadCRL(pf.path(name))
		if err != nil {
			return err
		}
		s.LocalCRLs = append(s.LocalCRLs, crl)
	}

	allowed, err := ParseFingerprints(pf.AllowedFingerprints)
	if err != nil {
		return err
	}
	p.AllowedFingerprints = p.AllowedFingerprints.Union(allowed)

	untrusted, err := ParseFingerprints(pf.UntrustedRootFingerprints)
	if err != nil {
		return err
	}
	p.UntrustedRootFingerprints = p.UntrustedRootFingerprints.Union(untrusted)
	p.AllowUntrustedRoot = p.AllowUntrustedRoot || pf.AllowUntrustedRoot

	for _, repo := range pf.TrustedRepositories {
		fps, err := ParseFingerprints(repo.Fingerprints)
		if err != nil {
			return fmt.Errorf("repository %q: %w", repo.Name, err)
		}
		p.TrustedRepositories = append(p.TrustedRepositories, signatures.TrustedRepository{
			Name:            repo.Name,
			ServiceIndexURL: repo.ServiceIndex,
			Fingerprints:    fps,
			Owners:          repo.Owners,
		})
	}

	if pf.RevocationMode != "" {
		if p.RevocationMode, err = signatures.ParseRevocationMode(pf.RevocationMode); err != nil {
			return err
		}
	}
	if pf.Requirement != "" {
		if p.Requirement, err = signatures.ParseSignatureRequirement(pf.Requirement); err != nil {
			return err
		}
	}
	p.FailOnUnknownRevocation = p.FailOnUnknownRevocation || pf.FailOnUnknownRevocation
	p.RequireTimestamp = p.RequireTimestamp || pf.RequireTimestamp
	p.RequireValidTimestampCertificate = p.RequireValidTimestampCertificate || pf.RequireValidTimestampCertificate
	if pf.AllowUnsigned != nil {
		p.AllowUnsigned = *pf.AllowUnsigned
	}
	return nil
}

func (pf *PolicyFile) loadCertificates(paths []string) ([]*x509.Certificate, error) {
	var certs []*x509.Certificate
	for _, name := range paths {
		loaded, err := LoadCertificates(pf.path(name))
		if err != nil {
			return nil, err
		}
		certs = append(certs, loaded...)
	}
	return certs, nil
}

// LoadCertificates reads PEM or DER certificates from path.
func LoadCertificates(path string) ([]*x509.Certificate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read certificate file: %w", err)
	}
	certs, err := signatures.ParseCertificatesPEM(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if len(certs) == 0 {
		cert, err := x509.ParseCertificate(data)
		if err != nil {
			return nil, fmt.Errorf("%s: no PEM or DER certificate found", path)
		}
		certs = append(certs, cert)
	}
	return certs, nil
}

// LoadCRL reads a PEM or DER certificate revocation list.
func LoadCRL(path string) (*x509.RevocationList, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read CRL: %w", err)
	}
	crl, err := signatures.ParseRevocationList(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return crl, nil
}

// ParseFingerprint accepts "SHA256:HEX" or a bare hex digest whose
// algorithm is implied by its length.
func ParseFingerprint(raw string) (signatures.Fingerprint, error) {
	raw = strings.TrimSpace(raw)
	if alg, value, ok := strings.Cut(raw, ":"); ok {
		if name, err := signatures.ParseHashAlgorithm(alg); err == nil {
			return signatures.ParseFingerprint(name, value)
		}
	}
	hexLen := len(strings.NewReplacer(":", "", " ", "").Replace(raw))
	switch hexLen {
	case 64:
		return signatures.ParseFingerprint(signatures.HashAlgorithmSHA256, raw)
	case 96:
		return signatures.ParseFingerprint(signatures.HashAlgorithmSHA384, raw)
	case 128:
		return signatures.ParseFingerprint(signatures.HashAlgorithmSHA512, raw)
	}
	return signatures.Fingerprint{}, fmt.Errorf("%w: cannot infer the hash algorithm of fingerprint %q", signatures.ErrArgumentInvalid, raw)
}

// ParseFingerprints parses every fingerprint string into a set.
func ParseFingerprints(raws []string) (signatures.FingerprintSet, error) {
	fps := make([]signatures.Fingerprint, 0, len(raws))
	for _, raw := range raws {
		fp, err := ParseFingerprint(raw)
		if err != nil {
			return signatures.FingerprintSet{}, err
		}
		fps = append(fps, fp)
	}
	return signatures.NewFingerprintSet(fps...), nil
}
