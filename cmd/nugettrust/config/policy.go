package config

import (
	"crypto/x509"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/willibrandon/nugettrust/packaging/signatures"
)

// TrustSettings is everything the verify command needs from configuration.
type TrustSettings struct {
	Policy    signatures.TrustPolicy
	LocalCRLs []*x509.RevocationList

	// Sources lists the files that contributed, in load order.
	Sources []string
}

// LoadOptions selects the configuration sources.
type LoadOptions struct {
	// ConfigFile is a NuGet.Config path. A missing file is an error only
	// when ConfigRequired is set.
	ConfigFile     string
	ConfigRequired bool

	// PolicyFile is an optional YAML policy applied before the NuGet.Config.
	PolicyFile string

	// Getenv reads environment variables; nil uses os.Getenv.
	Getenv func(string) string
}

// LoadTrustSettings builds the trust policy from a YAML policy file, the
// NuGet.Config trusted signers and NUGET_CERT_REVOCATION_MODE, in that order.
func LoadTrustSettings(opts LoadOptions) (*TrustSettings, error) {
	s := &TrustSettings{Policy: signatures.DefaultTrustPolicy()}

	if opts.PolicyFile != "" {
		pf, err := LoadPolicyFile(opts.PolicyFile)
		if err != nil {
			return nil, err
		}
		if err := pf.Apply(s); err != nil {
			return nil, fmt.Errorf("%s: %w", opts.PolicyFile, err)
		}
		s.Sources = append(s.Sources, opts.PolicyFile)
	}

	if opts.ConfigFile != "" {
		cfg, err := LoadNuGetConfig(opts.ConfigFile)
		switch {
		case err == nil:
			if err := ApplyNuGetConfig(cfg, &s.Policy); err != nil {
				return nil, fmt.Errorf("%s: %w", opts.ConfigFile, err)
			}
			s.Sources = append(s.Sources, opts.ConfigFile)
		case errors.Is(err, fs.ErrNotExist) && !opts.ConfigRequired:
		default:
			return nil, err
		}
	}

	getenv := opts.Getenv
	if getenv == nil {
		getenv = os.Getenv
	}
	if mode := getenv(EnvRevocationMode); mode != "" {
		parsed, err := signatures.ParseRevocationMode(mode)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", EnvRevocationMode, err)
		}
		s.Policy.RevocationMode = parsed
	}

	if err := s.Policy.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// ApplyNuGetConfig merges trusted signers and signatureValidationMode into p.
//
// In "require" mode unsigned packages are blocked and, when trusted authors
// are listed, only their certificates are trusted. "accept" lets unsigned
// packages through. An unset mode leaves p.AllowUnsigned alone.
func ApplyNuGetConfig(cfg *NuGetConfig, p *signatures.TrustPolicy) error {
	switch mode := strings.ToLower(strings.TrimSpace(cfg.GetConfigValue(KeySignatureValidationMode))); mode {
	case "":
	case "accept":
		p.AllowUnsigned = true
	case "require":
		p.AllowUnsigned = false
	default:
		return fmt.Errorf("%w: %s must be accept or require, got %q", signatures.ErrArgumentInvalid, KeySignatureValidationMode, mode)
	}

	if cfg.TrustedSigners == nil {
		return nil
	}

	var allowed, untrusted []signatures.Fingerprint
	pin := func(owner string, c Certificate) (signatures.Fingerprint, error) {
		alg := signatures.HashAlgorithmSHA256
		if c.HashAlgorithm != "" {
			var err error
			if alg, err = signatures.ParseHashAlgorithm(c.HashAlgorithm); err != nil {
				return signatures.Fingerprint{}, fmt.Errorf("trusted signer %q: %w", owner, err)
			}
		}
		fp, err := signatures.ParseFingerprint(alg, c.Fingerprint)
		if err != nil {
			return signatures.Fingerprint{}, fmt.Errorf("trusted signer %q: %w", owner, err)
		}
		if c.AllowUntrustedRoot {
			untrusted = append(untrusted, fp)
		}
		return fp, nil
	}

	for _, author := range cfg.TrustedSigners.Authors {
		if len(author.Certificates) == 0 {
			return fmt.Errorf("%w: trusted author %q has no certificate", signatures.ErrArgumentInvalid, author.Name)
		}
		for _, c := range author.Certificates {
			fp, err := pin(author.Name, c)
			if err != nil {
				return err
			}
			allowed = append(allowed, fp)
		}
	}

	for _, repo := range cfg.TrustedSigners.Repositories {
		if repo.ServiceIndex == "" {
			return fmt.Errorf("%w: trusted repository %q has no serviceIndex", signatures.ErrArgumentInvalid, repo.Name)
		}
		var fps []signatures.Fingerprint
		for _, c := range repo.Certificates {
			fp, err := pin(repo.Name, c)
			if err != nil {
				return err
			}
			fps = append(fps, fp)
		}
		p.TrustedRepositories = append(p.TrustedRepositories, signatures.TrustedRepository{
			Name:            repo.Name,
			ServiceIndexURL: repo.ServiceIndex,
			Fingerprints:    signatures.NewFingerprintSet(fps...),
			Owners:          repo.OwnerList(),
		})
	}

	p.AllowedFingerprints = p.AllowedFingerprints.Union(signatures.NewFingerprintSet(allowed...))
	p.UntrustedRootFingerprints = p.UntrustedRootFingerprints.Union(signatures.NewFingerprintSet(untrusted...))
	return nil
}
