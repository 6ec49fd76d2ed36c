package commands

import (
	"bytes"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"

	"github.com/willibrandon/nugettrust/cmd/nugettrust/cli"
	"github.com/willibrandon/nugettrust/cmd/nugettrust/config"
	"github.com/willibrandon/nugettrust/cmd/nugettrust/output"
	"github.com/willibrandon/nugettrust/packaging"
)

// cliFixture is a temp directory holding a root CA, a code signing
// certificate and key, an unsigned package and a NuGet.Config path.
type cliFixture struct {
	dir        string
	root       *x509.Certificate
	rootKey    crypto.Signer
	leaf       *x509.Certificate
	rootPath   string
	certPath   string
	keyPath    string
	pkgPath    string
	configPath string
}

func newCLIFixture(t *testing.T) *cliFixture {
	t.Helper()
	t.Setenv(config.EnvRevocationMode, "")

	f := &cliFixture{dir: t.TempDir()}
	rootKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	f.rootKey = rootKey
	rootTmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "CLI Test Root"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign,
		IsCA:                  true,
		BasicConstraintsValid: true,
	}
	f.root = createCert(t, rootTmpl, rootTmpl, rootKey.Public(), rootKey)

	var key *ecdsa.PrivateKey
	f.leaf, key = f.issue(t, "CLI Test Signer")

	f.rootPath = f.writePEM(t, "root.pem", "CERTIFICATE", f.root.Raw)
	f.certPath = f.writePEM(t, "signer.pem", "CERTIFICATE", f.leaf.Raw, f.root.Raw)
	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	require.NoError(t, err)
	f.keyPath = f.writePEM(t, "signer.key", "PRIVATE KEY", keyDER)
	f.pkgPath = f.newPackage(t, "Cli.Package", "1.2.3")
	f.configPath = filepath.Join(f.dir, "NuGet.Config")
	require.NoError(t, os.WriteFile(f.configPath, []byte("<configuration />\n"), 0o644))

	cli.ConfigFile = f.configPath
	t.Cleanup(func() { cli.ConfigFile = "" })
	return f
}

func createCert(t *testing.T, tmpl, parent *x509.Certificate, pub crypto.PublicKey, signer crypto.Signer) *x509.Certificate {
	t.Helper()
	der, err := x509.CreateCertificate(rand.Reader, tmpl, parent, pub, signer)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return cert
}

// issue creates a code signing certificate under the fixture root.
func (f *cliFixture) issue(t *testing.T, name string) (*x509.Certificate, *ecdsa.PrivateKey) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	serial, err := rand.Int(rand.Reader, big.NewInt(1<<62))
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: name},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(12 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageCodeSigning},
	}
	return createCert(t, tmpl, f.root, key.Public(), f.rootKey), key
}

func (f *cliFixture) writePEM(t *testing.T, name, blockType string, ders ...[]byte) string {
	t.Helper()
	var buf bytes.Buffer
	for _, der := range ders {
		require.NoError(t, pem.Encode(&buf, &pem.Block{Type: blockType, Bytes: der}))
	}
	path := filepath.Join(f.dir, name)
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o600))
	return path
}

func (f *cliFixture) newPackage(t *testing.T, id, ver string) string {
	t.Helper()
	mem := packaging.NewMemoryPackage()
	require.NoError(t, mem.WriteEntry(id+".nuspec", packaging.MinimalNuspec(id, ver, "Test Author")))
	require.NoError(t, mem.WriteEntry("lib/net8.0/"+id+".dll", []byte("assembly "+id)))
	pkg := &packaging.ZipPackage{MemoryPackage: mem}
	path := filepath.Join(f.dir, id+"."+ver+".nupkg")
	require.NoError(t, pkg.SaveFile(path))
	return path
}

// run executes cmd with args and returns stdout and stderr.
func run(t *testing.T, newCmd func(*output.Console) *cobra.Command, args ...string) (string, string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	console := output.NewConsole(&out, &errOut, output.VerbosityDetailed)
	console.SetColors(false)
	cmd := newCmd(console)
	if args == nil {
		args = []string{}
	}
	cmd.SetArgs(args)
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	err := cmd.Execute()
	return out.String(), errOut.String(), err
}

func (f *cliFixture) sign(t *testing.T, pkgPath string, extra ...string) string {
	t.Helper()
	args := append([]string{pkgPath, "--certificate-path", f.certPath, "--key-path", f.keyPath}, extra...)
	out, _, err := run(t, NewSignCommand, args...)
	require.NoError(t, err)
	return out
}

func (f *cliFixture) verifyArgs(paths ...string) []string {
	return append(paths, "--trust-anchor", f.rootPath, "--revocation-mode", "never", "--no-cache")
}
