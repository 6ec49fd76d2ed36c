package commands

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/spf13/cobra"

	"github.com/willibrandon/nugettrust/cmd/nugettrust/cli"
	"github.com/willibrandon/nugettrust/cmd/nugettrust/config"
	"github.com/willibrandon/nugettrust/cmd/nugettrust/output"
	"github.com/willibrandon/nugettrust/packaging"
	"github.com/willibrandon/nugettrust/packaging/signatures"
	v3 "github.com/willibrandon/nugettrust/protocol/v3"
)

// NewTrustCommand creates the "trust" parent command
func NewTrustCommand(console *output.Console) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "trust",
		Short: "Manage trusted signers",
		Long: `Manage the trustedSigners section of a NuGet.Config file.

Examples:
  nugettrust trust list
  nugettrust trust add contoso --fingerprint SHA256:3F9001EA...
  nugettrust trust add nuget.org --type repository --package signed.nupkg --owners microsoft
  nugettrust trust add nuget.org --type repository --service-index https://api.nuget.org/v3/index.json
  nugettrust trust sync nuget.org
  nugettrust trust remove contoso`,
	}

	cmd.AddCommand(newTrustListCommand(console))
	cmd.AddCommand(newTrustAddCommand(console))
	cmd.AddCommand(newTrustSyncCommand(console))
	cmd.AddCommand(newTrustRemoveCommand(console))
	return cmd
}

// loadTrustConfig opens the target NuGet.Config, starting from an empty
// configuration when the file does not exist yet.
func loadTrustConfig() (*config.NuGetConfig, string, error) {
	path := config.ResolveConfigPath(cli.ConfigFile)
	if path == "" {
		return nil, "", errors.New("unable to determine the NuGet.Config location; pass --configfile")
	}
	cfg, err := config.LoadNuGetConfig(path)
	if errors.Is(err, fs.ErrNotExist) {
		return config.NewEmptyConfig(), path, nil
	}
	if err != nil {
		return nil, "", err
	}
	return cfg, path, nil
}

func newTrustListCommand(console *output.Console) *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List trusted signers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTrustList(console, format)
		},
	}
	cmd.Flags().StringVar(&format, "format", "console", "Output format: console or json")
	return cmd
}

func runTrustList(console *output.Console, format string) error {
	cfg, path, err := loadTrustConfig()
	if err != nil {
		return err
	}

	doc := output.TrustListOutput{SchemaVersion: output.CurrentSchemaVersion, ConfigFile: path, Signers: []output.TrustedSignerEntry{}}
	if ts := cfg.TrustedSigners; ts != nil {
		for _, a := range ts.Authors {
			doc.Signers = append(doc.Signers, output.TrustedSignerEntry{Name: a.Name, Kind: "author", Certificates: certificateEntries(a.Certificates)})
		}
		for _, r := range ts.Repositories {
			doc.Signers = append(doc.Signers, output.TrustedSignerEntry{
				Name:         r.Name,
				Kind:         "repository",
				ServiceIndex: r.ServiceIndex,
				Owners:       r.OwnerList(),
				Certificates: certificateEntries(r.Certificates),
			})
		}
	}

	switch format {
	case "json":
		return output.WriteJSON(console.Out(), doc)
	case "console":
	default:
		return fmt.Errorf("invalid --format %q (use console or json)", format)
	}

	if len(doc.Signers) == 0 {
		console.Info("No trusted signers configured in %s.", path)
		return nil
	}
	console.Info("Registered trusted signers:")
	for i, s := range doc.Signers {
		console.Info("  %d.  %s [%s]", i+1, s.Name, s.Kind)
		if s.ServiceIndex != "" {
			console.Info("      Service Index: %s", s.ServiceIndex)
		}
		if len(s.Owners) > 0 {
			console.Info("      Owners: %s", strings.Join(s.Owners, "; "))
		}
		console.Info("      Certificate fingerprint(s):")
		for _, c := range s.Certificates {
			suffix := ""
			if c.AllowUntrustedRoot {
				suffix = " (allow untrusted root)"
			}
			console.Info("        %s - %s%s", c.HashAlgorithm, c.Fingerprint, suffix)
		}
	}
	return nil
}

func certificateEntries(certs []config.Certificate) []output.CertificateEntry {
	out := make([]output.CertificateEntry, 0, len(certs))
	for _, c := range certs {
		alg := c.HashAlgorithm
		if alg == "" {
			alg = string(signatures.HashAlgorithmSHA256)
		}
		out = append(out, output.CertificateEntry{Fingerprint: c.Fingerprint, HashAlgorithm: alg, AllowUntrustedRoot: c.AllowUntrustedRoot})
	}
	return out
}

type trustAddOptions struct {
	kind               string
	fingerprint        string
	certificatePath    string
	packagePath        string
	serviceIndex       string
	owners             []string
	hashAlgorithm      string
	allowUntrustedRoot bool
	feed               feedOptions
}

func newTrustAddCommand(console *output.Console) *cobra.Command {
	opts := &trustAddOptions{}
	cmd := &cobra.Command{
		Use:   "add <NAME>",
		Short: "Trust an author or repository",
		Long: `Add a trusted author or repository to NuGet.Config.

The certificate is given as a fingerprint, a certificate file, or a signed
package whose author (or repository) signature supplies the certificate.
A repository given only by --service-index is trusted with the signing
certificates its service index publishes.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTrustAdd(cmd.Context(), console, args[0], opts)
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.kind, "type", "author", "Signer type: author or repository")
	f.StringVar(&opts.fingerprint, "fingerprint", "", "Certificate fingerprint (ALG:HEX or HEX)")
	f.StringVar(&opts.certificatePath, "certificate-path", "", "Certificate file to trust")
	f.StringVar(&opts.packagePath, "package", "", "Signed package to take the certificate from")
	f.StringVar(&opts.serviceIndex, "service-index", "", "Repository service index URL")
	f.StringSliceVar(&opts.owners, "owners", nil, "Trusted package owners of the repository")
	f.StringVar(&opts.hashAlgorithm, "hash-algorithm", "SHA256", "Fingerprint algorithm for --certificate-path and --package")
	f.BoolVar(&opts.allowUntrustedRoot, "allow-untrusted-root", false, "Trust the certificate even if it does not chain to a trust anchor")
	opts.feed.register(cmd)
	cmd.MarkFlagsMutuallyExclusive("fingerprint", "certificate-path", "package")
	return cmd
}

func runTrustAdd(ctx context.Context, console *output.Console, name string, opts *trustAddOptions) error {
	kind := strings.ToLower(opts.kind)
	if kind != "author" && kind != "repository" {
		return fmt.Errorf("invalid --type %q (use author or repository)", opts.kind)
	}

	fps, serviceIndex, owners, err := opts.resolve(ctx, kind)
	if err != nil {
		return err
	}

	cfg, path, err := loadTrustConfig()
	if err != nil {
		return err
	}

	certs := make([]config.Certificate, 0, len(fps))
	for _, fp := range fps {
		certs = append(certs, config.Certificate{Fingerprint: fp.Value, HashAlgorithm: string(fp.Algorithm), AllowUntrustedRoot: opts.allowUntrustedRoot})
	}
	switch kind {
	case "author":
		if cfg.FindRepository(name) != nil {
			return fmt.Errorf("a trusted repository named %q already exists", name)
		}
		for _, cert := range certs {
			cfg.AddAuthorCertificate(name, cert)
		}
	case "repository":
		if cfg.FindAuthor(name) != nil {
			return fmt.Errorf("a trusted author named %q already exists", name)
		}
		if serviceIndex == "" {
			return errors.New("trusted repositories need --service-index or a repository-signed --package")
		}
		cfg.AddRepository(config.TrustedRepository{
			Name:         name,
			ServiceIndex: serviceIndex,
			Certificates: certs,
			Owners:       strings.Join(owners, ";"),
		})
	}

	if err := config.SaveNuGetConfig(path, cfg); err != nil {
		return fmt.Errorf("failed to save config: %w", err)
	}
	if len(fps) == 1 {
		console.Success("Trusted %s %q added with %s.", kind, name, fps[0])
	} else {
		console.Success("Trusted %s %q added with %d certificates.", kind, name, len(fps))
	}
	return nil
}

// resolve returns the fingerprints to pin and, for repositories read from a
// package, the service index and owners recorded in its signature.
func (o *trustAddOptions) resolve(ctx context.Context, kind string) ([]signatures.Fingerprint, string, []string, error) {
	serviceIndex, owners := o.serviceIndex, o.owners
	switch {
	case o.fingerprint != "":
		fp, err := config.ParseFingerprint(o.fingerprint)
		return []signatures.Fingerprint{fp}, serviceIndex, owners, err
	case o.certificatePath == "" && o.packagePath == "":
		if kind != "repository" || serviceIndex == "" {
			return nil, "", nil, errors.New("one of --fingerprint, --certificate-path or --package is required")
		}
		fps, err := fetchRepositoryFingerprints(ctx, o.feed.serviceIndexClient(), serviceIndex)
		return fps, serviceIndex, owners, err
	}

	alg, err := signatures.ParseHashAlgorithm(o.hashAlgorithm)
	if err != nil {
		return nil, "", nil, err
	}

	if o.certificatePath != "" {
		certs, err := config.LoadCertificates(o.certificatePath)
		if err != nil {
			return nil, "", nil, err
		}
		fp, err := signatures.CertificateFingerprint(certs[0], alg)
		return []signatures.Fingerprint{fp}, serviceIndex, owners, err
	}

	pkg, err := packaging.OpenZipPackage(o.packagePath)
	if err != nil {
		return nil, "", nil, err
	}
	sig, err := signatures.ReadPackageSignature(pkg)
	if err != nil {
		return nil, "", nil, err
	}

	signer := sig
	if kind == "repository" {
		if sig.Type != signatures.SignatureTypeRepository {
			signer = sig.Countersignature
		}
		if signer == nil {
			return nil, "", nil, fmt.Errorf("%s has no repository signature", o.packagePath)
		}
		if serviceIndex == "" && signer.Repository != nil {
			serviceIndex = signer.Repository.ServiceIndexURL
		}
		if len(owners) == 0 && signer.Repository != nil {
			owners = signer.Repository.Owners
		}
	} else if sig.Type != signatures.SignatureTypeAuthor {
		return nil, "", nil, fmt.Errorf("%s has no author signature", o.packagePath)
	}

	fp, err := signatures.CertificateFingerprint(signer.SignerCertificate, alg)
	return []signatures.Fingerprint{fp}, serviceIndex, owners, err
}

// fetchRepositoryFingerprints reads the signing certificates a repository
// publishes in its service index.
func fetchRepositoryFingerprints(ctx context.Context, client *v3.ServiceIndexClient, serviceIndex string) ([]signatures.Fingerprint, error) {
	doc, err := client.GetRepositorySignatures(ctx, serviceIndex)
	if err != nil {
		return nil, err
	}
	var fps []signatures.Fingerprint
	for _, sc := range doc.SigningCertificates {
		certFPs, err := sc.Fingerprints()
		if err != nil {
			return nil, err
		}
		fps = append(fps, certFPs[0])
	}
	if len(fps) == 0 {
		return nil, fmt.Errorf("%s publishes no repository signing certificates", serviceIndex)
	}
	return fps, nil
}

func newTrustSyncCommand(console *output.Console) *cobra.Command {
	var feed feedOptions
	cmd := &cobra.Command{
		Use:   "sync <NAME>",
		Short: "Refresh a trusted repository's certificates from its service index",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, path, err := loadTrustConfig()
			if err != nil {
				return err
			}
			repo := cfg.FindRepository(args[0])
			if repo == nil {
				return fmt.Errorf("no trusted repository named %q in %s", args[0], path)
			}

			fps, err := fetchRepositoryFingerprints(cmd.Context(), feed.serviceIndexClient(), repo.ServiceIndex)
			if err != nil {
				return err
			}
			certs := make([]config.Certificate, 0, len(fps))
			for _, fp := range fps {
				cert := config.Certificate{Fingerprint: fp.Value, HashAlgorithm: string(fp.Algorithm)}
				for _, old := range repo.Certificates {
					if strings.EqualFold(old.Fingerprint, fp.Value) {
						cert.AllowUntrustedRoot = old.AllowUntrustedRoot
					}
				}
				certs = append(certs, cert)
			}
			repo.Certificates = certs

			if err := config.SaveNuGetConfig(path, cfg); err != nil {
				return fmt.Errorf("failed to save config: %w", err)
			}
			console.Success("Trusted repository %q synced with %d certificate(s).", repo.Name, len(certs))
			return nil
		},
	}
	feed.register(cmd)
	return cmd
}

func newTrustRemoveCommand(console *output.Console) *cobra.Command {
	return &cobra.Command{
		Use:   "remove <NAME>",
		Short: "Remove a trusted signer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, path, err := loadTrustConfig()
			if err != nil {
				return err
			}
			if !cfg.RemoveSigner(args[0]) {
				return fmt.Errorf("no trusted signer named %q in %s", args[0], path)
			}
			if err := config.SaveNuGetConfig(path, cfg); err != nil {
				return fmt.Errorf("failed to save config: %w", err)
			}
			console.Success("Trusted signer %q removed.", args[0])
			return nil
		},
	}
}
