package commands

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/willibrandon/nugettrust/cache"
	"github.com/willibrandon/nugettrust/cmd/nugettrust/cli"
	"github.com/willibrandon/nugettrust/cmd/nugettrust/config"
	"github.com/willibrandon/nugettrust/cmd/nugettrust/output"
	"github.com/willibrandon/nugettrust/packaging"
	"github.com/willibrandon/nugettrust/packaging/signatures"
)

// ErrVerificationFailed is returned when at least one package is blocked.
var ErrVerificationFailed = errors.New("package signature verification failed")

type verifyOptions struct {
	policyFile         string
	trustAnchors       []string
	timestampAnchors   []string
	crls               []string
	fingerprints       []string
	revocationMode     string
	requireTimestamp   bool
	allowUntrustedRoot bool
	requirement        string
	format             string
	parallel           int
	noCache            bool
	network            networkOptions
}

// NewVerifyCommand creates the verify command
func NewVerifyCommand(console *output.Console) *cobra.Command {
	opts := &verifyOptions{}

	cmd := &cobra.Command{
		Use:   "verify <PACKAGE_PATH>...",
		Short: "Verify package signatures",
		Long: `Verify the signatures of one or more .nupkg files against the trust policy.

The policy combines an optional YAML policy file, the trusted signers of the
NuGet.Config (see --configfile) and NUGET_CERT_REVOCATION_MODE; flags given
here are applied last. The command fails when any package is blocked.

Examples:
  nugettrust verify My.Package.1.0.0.nupkg --trust-anchor roots.pem
  nugettrust verify *.nupkg --policy trust.yaml --format json
  nugettrust verify My.Package.1.0.0.nupkg --certificate-fingerprint SHA256:3F9001EA...`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runVerify(cmd.Context(), console, args, opts)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.policyFile, "policy", "", "YAML trust policy file")
	f.StringSliceVar(&opts.trustAnchors, "trust-anchor", nil, "PEM or DER root certificates to trust")
	f.StringSliceVar(&opts.timestampAnchors, "timestamp-anchor", nil, "Root certificates for timestamp authorities (defaults to --trust-anchor)")
	f.StringSliceVar(&opts.crls, "crl", nil, "Local certificate revocation lists")
	f.StringSliceVar(&opts.fingerprints, "certificate-fingerprint", nil, "Trusted author certificate fingerprints (ALG:HEX or HEX)")
	f.StringVar(&opts.revocationMode, "revocation-mode", "", "Revocation checking: online, offline or never")
	f.BoolVar(&opts.requireTimestamp, "require-timestamp", false, "Treat signatures without a trusted timestamp as untrusted")
	f.BoolVar(&opts.allowUntrustedRoot, "allow-untrusted-root", false, "Accept chains that do not end at a trust anchor")
	f.StringVar(&opts.requirement, "signature-requirement", "", "Required signature: either, author or repository")
	f.StringVar(&opts.format, "format", "console", "Output format: console or json")
	f.IntVar(&opts.parallel, "parallel", 4, "Packages verified at once")
	f.BoolVar(&opts.noCache, "no-cache", false, "Do not read or write the revocation disk cache")
	opts.network.register(cmd)

	return cmd
}

// settings loads the configured policy and overlays the command flags.
func (o *verifyOptions) settings() (*config.TrustSettings, error) {
	s, err := config.LoadTrustSettings(config.LoadOptions{
		ConfigFile:     config.ResolveConfigPath(cli.ConfigFile),
		ConfigRequired: cli.ConfigFile != "",
		PolicyFile:     o.policyFile,
	})
	if err != nil {
		return nil, err
	}

	p := &s.Policy
	for _, path := range o.trustAnchors {
		certs, err := config.LoadCertificates(path)
		if err != nil {
			return nil, err
		}
		p.TrustAnchors = p.TrustAnchors.With(certs...)
	}
	for _, path := range o.timestampAnchors {
		certs, err := config.LoadCertificates(path)
		if err != nil {
			return nil, err
		}
		if p.TimestampAnchors == nil {
			p.TimestampAnchors = signatures.NewTrustStore()
		}
		p.TimestampAnchors = p.TimestampAnchors.With(certs...)
	}
	for _, path := range o.crls {
		crl, err := config.LoadCRL(path)
		if err != nil {
			return nil, err
		}
		s.LocalCRLs = append(s.LocalCRLs, crl)
	}

	fps, err := config.ParseFingerprints(o.fingerprints)
	if err != nil {
		return nil, err
	}
	p.AllowedFingerprints = p.AllowedFingerprints.Union(fps)

	if o.revocationMode != "" {
		if p.RevocationMode, err = signatures.ParseRevocationMode(o.revocationMode); err != nil {
			return nil, err
		}
	}
	if o.requirement != "" {
		if p.Requirement, err = signatures.ParseSignatureRequirement(o.requirement); err != nil {
			return nil, err
		}
	}
	p.RequireTimestamp = p.RequireTimestamp || o.requireTimestamp
	p.AllowUntrustedRoot = p.AllowUntrustedRoot || o.allowUntrustedRoot
	return s, nil
}

func (o *verifyOptions) revocationCache() cache.Store {
	var disk *cache.DiskCache
	if !o.noCache {
		var err error
		if disk, err = cache.NewDiskCache(config.RevocationCacheDir()); err != nil {
			cli.Logger.Warn("Revocation disk cache unavailable: {Error}", err)
			disk = nil
		}
	}
	return cache.NewMultiTierCache(cache.NewMemoryCache(1024, 32<<20), disk)
}

func runVerify(ctx context.Context, console *output.Console, paths []string, opts *verifyOptions) error {
	if opts.format != "console" && opts.format != "json" {
		return fmt.Errorf("invalid --format %q (use console or json)", opts.format)
	}
	start := time.Now()

	s, err := opts.settings()
	if err != nil {
		return err
	}
	for _, src := range s.Sources {
		console.Debug("Trust policy source: %s", src)
	}
	if s.Policy.TrustAnchors.Len() == 0 && !s.Policy.AllowUntrustedRoot {
		console.Warning("No trust anchors configured; signatures will not chain to a trusted root. Use --trust-anchor or a policy file.")
	}

	rc := signatures.NewRevocationClient(
		signatures.WithRevocationHTTPClient(opts.network.client()),
		signatures.WithRevocationCache(opts.revocationCache()),
		signatures.WithLocalCRLs(s.LocalCRLs...),
		signatures.WithRevocationLogger(cli.Logger))
	verifier, err := signatures.NewVerifier(s.Policy,
		signatures.WithVerifierLogger(cli.Logger),
		signatures.WithVerifierRevocationChecker(rc))
	if err != nil {
		return err
	}

	results := make([]output.PackageResult, len(paths))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(opts.parallel, 1))
	for i, path := range paths {
		g.Go(func() error {
			r, err := verifyPackage(gctx, verifier, path)
			results[i] = r
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	blocked := 0
	for _, r := range results {
		if r.Decision == signatures.DecisionBlock.String() {
			blocked++
		}
	}

	if opts.format == "json" {
		doc := output.NewVerifyOutput()
		doc.Packages = results
		doc.ElapsedMs = output.MeasureElapsed(start)
		if err := output.WriteJSON(console.Out(), doc); err != nil {
			return err
		}
	} else {
		for _, r := range results {
			if r.Error != "" {
				console.Error("%s: %s", r.Path, r.Error)
			}
			console.WriteVerification(r)
		}
	}

	if blocked > 0 {
		return fmt.Errorf("%w: %d of %d package(s) blocked", ErrVerificationFailed, blocked, len(paths))
	}
	return nil
}

func verifyPackage(ctx context.Context, v *signatures.Verifier, path string) (output.PackageResult, error) {
	failed := func(err error) (output.PackageResult, error) {
		return output.PackageResult{
			Path:       path,
			TrustLevel: signatures.TrustLevelUnknown.String(),
			Decision:   signatures.DecisionBlock.String(),
			Signatures: []output.SignatureResult{},
			Issues:     []output.IssueOutput{},
			Error:      err.Error(),
		}, err
	}

	pkg, err := packaging.OpenZipPackage(path)
	if err != nil {
		return failed(err)
	}
	var id, ver string
	if identity, err := packaging.ReadIdentity(pkg); err == nil {
		id, ver = identity.ID, identity.Version.String()
	}

	result, err := v.Verify(ctx, pkg)
	if err != nil {
		if result == nil {
			return failed(err)
		}
		r := output.NewPackageResult(path, id, ver, result, signatures.DecisionBlock)
		r.Error = err.Error()
		return r, err
	}
	return output.NewPackageResult(path, id, ver, result, result.Decision(v.Policy())), nil
}
