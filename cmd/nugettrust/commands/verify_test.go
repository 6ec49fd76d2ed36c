package commands

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/willibrandon/nugettrust/cmd/nugettrust/output"
	"github.com/willibrandon/nugettrust/packaging/signatures"
)

func TestVerifyCommand_Trusted(t *testing.T) {
	f := newCLIFixture(t)
	f.sign(t, f.pkgPath)

	out, _, err := run(t, NewVerifyCommand, f.verifyArgs(f.pkgPath)...)
	require.NoError(t, err, out)
	assert.Contains(t, out, "Signature 0: Author [Trusted]")
	assert.Contains(t, out, "Subject:     CN=CLI Test Signer")
	assert.Contains(t, out, ": Trusted (Proceed)")
}

func TestVerifyCommand_UntrustedRootBlocks(t *testing.T) {
	f := newCLIFixture(t)
	f.sign(t, f.pkgPath)

	out, _, err := run(t, NewVerifyCommand, f.pkgPath, "--revocation-mode", "never", "--no-cache")
	assert.ErrorIs(t, err, ErrVerificationFailed)
	assert.Contains(t, out, "No trust anchors configured")
	assert.Contains(t, out, ": Invalid (Block)")

	out, _, err = run(t, NewVerifyCommand, f.pkgPath, "--revocation-mode", "never", "--no-cache", "--allow-untrusted-root")
	require.NoError(t, err, out)
	assert.NotContains(t, out, "(Block)")
}

func TestVerifyCommand_JSON(t *testing.T) {
	f := newCLIFixture(t)
	f.sign(t, f.pkgPath)
	unsigned := f.newPackage(t, "Cli.Unsigned", "2.0.0")

	out, _, err := run(t, NewVerifyCommand, append(f.verifyArgs(f.pkgPath, unsigned), "--format", "json")...)
	assert.ErrorIs(t, err, ErrVerificationFailed, "unsigned packages are blocked by default")

	var doc output.VerifyOutput
	require.NoError(t, json.Unmarshal([]byte(out), &doc))
	require.Len(t, doc.Packages, 2)

	signed := doc.Packages[0]
	assert.Equal(t, "Cli.Package", signed.ID)
	assert.Equal(t, "1.2.3", signed.Version)
	assert.Equal(t, "Trusted", signed.TrustLevel)
	require.Len(t, signed.Signatures, 1)
	fp, err := signatures.CertificateFingerprint(f.leaf, signatures.HashAlgorithmSHA256)
	require.NoError(t, err)
	assert.Equal(t, fp.Value, signed.Signatures[0].Fingerprint)

	assert.Equal(t, "Unsigned", doc.Packages[1].TrustLevel)
	assert.Equal(t, "Block", doc.Packages[1].Decision)
	assert.NotEmpty(t, doc.Packages[1].Issues)
}

func TestVerifyCommand_SignatureValidationMode(t *testing.T) {
	f := newCLIFixture(t)

	write := func(mode string) {
		cfg := `<?xml version="1.0" encoding="utf-8"?>
<configuration>
  <config>
    <add key="signatureValidationMode" value="` + mode + `" />
  </config>
</configuration>`
		require.NoError(t, os.WriteFile(f.configPath, []byte(cfg), 0o644))
	}

	write("accept")
	out, _, err := run(t, NewVerifyCommand, f.verifyArgs(f.pkgPath)...)
	require.NoError(t, err, out)
	assert.Contains(t, out, "Unsigned (Proceed)")

	write("require")
	_, _, err = run(t, NewVerifyCommand, f.verifyArgs(f.pkgPath)...)
	assert.ErrorIs(t, err, ErrVerificationFailed)

	write("sometimes")
	_, _, err = run(t, NewVerifyCommand, f.verifyArgs(f.pkgPath)...)
	assert.ErrorIs(t, err, signatures.ErrArgumentInvalid)
}

func TestVerifyCommand_PinnedFingerprint(t *testing.T) {
	f := newCLIFixture(t)
	f.sign(t, f.pkgPath)
	other, _ := f.issue(t, "Someone Else")
	otherFP, err := signatures.CertificateFingerprint(other, signatures.HashAlgorithmSHA256)
	require.NoError(t, err)

	out, _, err := run(t, NewVerifyCommand, append(f.verifyArgs(f.pkgPath), "--certificate-fingerprint", otherFP.String())...)
	require.NoError(t, err, "an unpinned but valid author is a warning")
	assert.Contains(t, out, "ValidButUntrusted (Warn)")
}

func TestVerifyCommand_Errors(t *testing.T) {
	f := newCLIFixture(t)

	out, errOut, err := run(t, NewVerifyCommand, f.verifyArgs(filepath.Join(f.dir, "missing.nupkg"))...)
	assert.ErrorIs(t, err, ErrVerificationFailed)
	assert.Contains(t, errOut, "missing.nupkg")
	assert.Contains(t, out, "Unknown (Block)")

	_, _, err = run(t, NewVerifyCommand, append(f.verifyArgs(f.pkgPath), "--format", "xml")...)
	assert.ErrorContains(t, err, "invalid --format")

	_, _, err = run(t, NewVerifyCommand, f.pkgPath, "--revocation-mode", "sometimes")
	assert.ErrorIs(t, err, signatures.ErrArgumentInvalid)

	_, _, err = run(t, NewVerifyCommand, f.pkgPath, "--policy", filepath.Join(f.dir, "missing.yaml"))
	assert.Error(t, err)

	_, _, err = run(t, NewVerifyCommand)
	assert.Error(t, err, "at least one package is required")
}

func TestVerifyCommand_PolicyFile(t *testing.T) {
	f := newCLIFixture(t)
	f.sign(t, f.pkgPath)
	policy := filepath.Join(f.dir, "trust.yaml")
	require.NoError(t, os.WriteFile(policy, []byte("trustAnchors: [root.pem]\nrevocationMode: never\n"), 0o644))

	out, _, err := run(t, NewVerifyCommand, f.pkgPath, "--policy", policy, "--no-cache")
	require.NoError(t, err, out)
	assert.Contains(t, out, "Trusted (Proceed)")
}
