package commands

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/spf13/cobra"

	"github.com/willibrandon/nugettrust/cmd/nugettrust/cli"
	"github.com/willibrandon/nugettrust/cmd/nugettrust/config"
	"github.com/willibrandon/nugettrust/cmd/nugettrust/output"
	"github.com/willibrandon/nugettrust/packaging"
	"github.com/willibrandon/nugettrust/packaging/signatures"
)

type signOptions struct {
	certificatePath     string
	certificatePassword string
	keyPath             string
	chainPaths          []string
	timestamper         string
	timestampOptional   bool
	signatureType       string
	serviceIndex        string
	owners              []string
	hashAlgorithm       string
	overwrite           bool
	output              string
	network             networkOptions
}

// NewSignCommand creates the sign command
func NewSignCommand(console *output.Console) *cobra.Command {
	opts := &signOptions{}

	cmd := &cobra.Command{
		Use:   "sign <PACKAGE_PATH>",
		Short: "Sign a NuGet package",
		Long: `Sign a .nupkg with an author signature, or with a repository signature.

Repository signing an author-signed package adds a repository countersignature.

Examples:
  nugettrust sign My.Package.1.0.0.nupkg --certificate-path cert.pfx --certificate-password secret --timestamper http://timestamp.digicert.com
  nugettrust sign My.Package.1.0.0.nupkg --certificate-path cert.pem --key-path key.pem --hash-algorithm SHA384
  nugettrust sign My.Package.1.0.0.nupkg --type repository --service-index https://feed.example/v3/index.json --owners contoso --certificate-path repo.pfx`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSign(cmd, console, args[0], opts)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.certificatePath, "certificate-path", "", "Signing certificate: a PFX/P12 bundle or PEM certificates")
	f.StringVar(&opts.certificatePassword, "certificate-password", "", "Password of the PFX/P12 bundle")
	f.StringVar(&opts.keyPath, "key-path", "", "PEM private key when the certificate file does not contain it")
	f.StringSliceVar(&opts.chainPaths, "chain-path", nil, "Additional intermediate or root certificates to embed")
	f.StringVar(&opts.timestamper, "timestamper", "", "RFC 3161 timestamp authority URL")
	f.BoolVar(&opts.timestampOptional, "timestamp-optional", false, "Sign without a timestamp if the timestamp authority fails")
	f.StringVar(&opts.signatureType, "type", "author", "Signature type: author or repository")
	f.StringVar(&opts.serviceIndex, "service-index", "", "Repository service index URL (repository signatures)")
	f.StringSliceVar(&opts.owners, "owners", nil, "Package owners recorded in a repository signature")
	f.StringVar(&opts.hashAlgorithm, "hash-algorithm", "SHA256", "Hash algorithm: SHA256, SHA384 or SHA512")
	f.BoolVar(&opts.overwrite, "overwrite", false, "Replace an existing signature or countersignature")
	f.StringVarP(&opts.output, "output", "o", "", "Write the signed package here instead of in place")
	opts.network.register(cmd)
	_ = cmd.MarkFlagRequired("certificate-path")

	return cmd
}

func (o *signOptions) request() (signatures.SignRequest, error) {
	var req signatures.SignRequest

	alg, err := signatures.ParseHashAlgorithm(o.hashAlgorithm)
	if err != nil {
		return req, err
	}
	req.HashAlgorithm = alg

	switch strings.ToLower(o.signatureType) {
	case "author":
		req.Type = signatures.SignatureTypeAuthor
		if o.serviceIndex != "" || len(o.owners) > 0 {
			return req, fmt.Errorf("--service-index and --owners apply to repository signatures only")
		}
	case "repository":
		req.Type = signatures.SignatureTypeRepository
		if _, err := url.ParseRequestURI(o.serviceIndex); err != nil {
			return req, fmt.Errorf("repository signatures need an absolute --service-index URL")
		}
		req.Repository = &signatures.RepositoryInfo{ServiceIndexURL: o.serviceIndex, Owners: o.owners}
	default:
		return req, fmt.Errorf("invalid --type %q (use author or repository)", o.signatureType)
	}

	id, err := loadSigningIdentity(o.certificatePath, o.keyPath, o.certificatePassword)
	if err != nil {
		return req, err
	}
	req.Certificate, req.PrivateKey, req.Chain = id.cert, id.key, id.chain
	for _, path := range o.chainPaths {
		certs, err := config.LoadCertificates(path)
		if err != nil {
			return req, err
		}
		req.Chain = append(req.Chain, certs...)
	}

	if o.timestamper != "" {
		tsa, err := signatures.NewTimestampClient(o.timestamper,
			signatures.WithTimestampHTTPClient(o.network.client()),
			signatures.WithTimestampTimeout(o.network.timeout),
			signatures.WithTimestampLogger(cli.Logger))
		if err != nil {
			return req, err
		}
		req.Timestamper = tsa
		if o.timestampOptional {
			req.TimestampFailurePolicy = signatures.TimestampBestEffort
		}
	}
	return req, nil
}

func runSign(cmd *cobra.Command, console *output.Console, path string, opts *signOptions) error {
	req, err := opts.request()
	if err != nil {
		return err
	}

	pkg, err := packaging.OpenZipPackage(path)
	if err != nil {
		return err
	}
	identity, err := packaging.ReadIdentity(pkg)
	if err != nil {
		return err
	}

	provider := signatures.NewSignatureProvider(signatures.WithProviderLogger(cli.Logger))
	if req.Timestamper == nil {
		console.Warning("No timestamper specified; the signature becomes invalid when %q expires.", req.Certificate.Subject.CommonName)
	}

	var sig *signatures.Signature
	if req.Type == signatures.SignatureTypeRepository {
		sig, err = provider.RepositorySignPackage(cmd.Context(), pkg, req, opts.overwrite)
	} else {
		sig, err = provider.SignPackage(cmd.Context(), pkg, req, opts.overwrite)
	}
	if err != nil {
		return fmt.Errorf("signing %s: %w", identity, err)
	}

	dest := opts.output
	if dest == "" {
		dest = path
	}
	if err := pkg.SaveFile(dest); err != nil {
		return err
	}

	added, kind := sig, string(req.Type)+" signature"
	if req.Type == signatures.SignatureTypeRepository && sig.Countersignature != nil {
		added, kind = sig.Countersignature, "Repository countersignature"
	}
	fp, _ := signatures.CertificateFingerprint(req.Certificate, signatures.HashAlgorithmSHA256)
	console.Detail("  Signer:      %s", req.Certificate.Subject)
	console.Detail("  Fingerprint: SHA256 %s", fp.Value)
	if len(added.Timestamps) > 0 {
		console.Detail("  Timestamp:   %s", added.Timestamps[0].Time.UTC().Format("2006-01-02 15:04:05Z"))
	}
	console.Success("%s added to %s (%s).", kind, identity, dest)
	return nil
}
