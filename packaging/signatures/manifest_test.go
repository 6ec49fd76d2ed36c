package signatures

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"strings"
	"testing"

	"github.com/willibrandon/nugettrust/packaging"
)

func TestParseHashAlgorithm(t *testing.T) {
	tests := []struct {
		input   string
		want    HashAlgorithmName
		wantErr bool
	}{
		{"SHA256", HashAlgorithmSHA256, false},
		{"sha-384", HashAlgorithmSHA384, false},
		{" sha512 ", HashAlgorithmSHA512, false},
		{"SHA1", "", true},
		{"MD5", "", true},
		{"", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseHashAlgorithm(tt.input)
			if tt.wantErr {
				if !errors.Is(err, ErrUnsupportedHashAlgorithm) {
					t.Fatalf("ParseHashAlgorithm(%q) error = %v, want ErrUnsupportedHashAlgorithm", tt.input, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseHashAlgorithm(%q) unexpected error: %v", tt.input, err)
			}
			if got != tt.want {
				t.Errorf("ParseHashAlgorithm(%q) = %s, want %s", tt.input, got, tt.want)
			}
		})
	}
}

func TestHashAlgorithmOIDRoundTrip(t *testing.T) {
	for _, alg := range SupportedHashAlgorithms {
		oid, err := alg.OID()
		if err != nil {
			t.Fatalf("%s.OID(): %v", alg, err)
		}
		back, err := hashAlgorithmFromOID(oid)
		if err != nil || back != alg {
			t.Errorf("hashAlgorithmFromOID(%s) = %s, %v; want %s", oid, back, err, alg)
		}
	}

	if _, err := HashAlgorithmName("SHA1").OID(); !errors.Is(err, ErrUnsupportedHashAlgorithm) {
		t.Errorf("SHA1.OID() error = %v, want ErrUnsupportedHashAlgorithm", err)
	}
}

func TestComputeHash(t *testing.T) {
	got, err := ComputeHash(strings.NewReader("hello"), HashAlgorithmSHA256)
	if err != nil {
		t.Fatalf("ComputeHash: %v", err)
	}
	want := sha256.Sum256([]byte("hello"))
	if !bytes.Equal(got, want[:]) {
		t.Errorf("ComputeHash = %x, want %x", got, want)
	}
}

func TestBuildManifest_RoundTrip(t *testing.T) {
	for _, alg := range SupportedHashAlgorithms {
		t.Run(string(alg), func(t *testing.T) {
			pkg := newTestPackage(t, "RoundTrip", "1.0.0")
			m, err := BuildManifest(pkg, alg)
			if err != nil {
				t.Fatalf("BuildManifest: %v", err)
			}

			ok, err := m.Matches(pkg)
			if err != nil || !ok {
				t.Fatalf("Matches = %v, %v; want true", ok, err)
			}

			parsed, err := ParseManifest(m.Bytes())
			if err != nil {
				t.Fatalf("ParseManifest: %v", err)
			}
			if parsed.HashAlgorithm != alg || !bytes.Equal(parsed.ContentHash, m.ContentHash) {
				t.Errorf("ParseManifest = %+v, want %+v", parsed, m)
			}
		})
	}
}

func TestBuildManifest_IgnoresSignatureEntry(t *testing.T) {
	pkg := newTestPackage(t, "Ignore", "1.0.0")
	before, err := BuildManifest(pkg, HashAlgorithmSHA256)
	if err != nil {
		t.Fatalf("BuildManifest: %v", err)
	}
	if err := pkg.WriteEntry(packaging.SignaturePath, []byte("not a real signature")); err != nil {
		t.Fatalf("WriteEntry: %v", err)
	}
	after, err := BuildManifest(pkg, HashAlgorithmSHA256)
	if err != nil {
		t.Fatalf("BuildManifest: %v", err)
	}
	if !bytes.Equal(before.ContentHash, after.ContentHash) {
		t.Error("signature entry changed the content hash")
	}
}

func TestComputePackageContentHash_SensitiveToLayout(t *testing.T) {
	build := func(entries ...[2]string) []byte {
		pkg := packaging.NewMemoryPackage()
		for _, e := range entries {
			if err := pkg.WriteEntry(e[0], []byte(e[1])); err != nil {
				t.Fatalf("WriteEntry: %v", err)
			}
		}
		sum, err := ComputePackageContentHash(pkg, HashAlgorithmSHA256)
		if err != nil {
			t.Fatalf("ComputePackageContentHash: %v", err)
		}
		return sum
	}

	base := build([2]string{"a.txt", "abc"}, [2]string{"b.txt", "def"})
	variants := map[string][]byte{
		"bytes moved between entries": build([2]string{"a.txt", "abcd"}, [2]string{"b.txt", "ef"}),
		"entry renamed":               build([2]string{"a.txt", "abc"}, [2]string{"c.txt", "def"}),
		"entries reordered":           build([2]string{"b.txt", "def"}, [2]string{"a.txt", "abc"}),
		"content changed":             build([2]string{"a.txt", "abc"}, [2]string{"b.txt", "deF"}),
	}
	for name, sum := range variants {
		if bytes.Equal(base, sum) {
			t.Errorf("%s: content hash unchanged", name)
		}
	}
}

func TestManifestBytes_Format(t *testing.T) {
	hash := bytes.Repeat([]byte{0xAB}, 32)
	m, err := NewSignatureManifest(HashAlgorithmSHA256, hash)
	if err != nil {
		t.Fatalf("NewSignatureManifest: %v", err)
	}
	want := "Version:1\r\n\r\nHash-Algorithm:2.16.840.1.101.3.4.2.1\r\nPackage-Hash:" +
		base64.StdEncoding.EncodeToString(hash) + "\r\n\r\n"
	if got := string(m.Bytes()); got != want {
		t.Errorf("Bytes() = %q, want %q", got, want)
	}
}

func TestNewSignatureManifest_WrongLength(t *testing.T) {
	if _, err := NewSignatureManifest(HashAlgorithmSHA512, make([]byte, 32)); !errors.Is(err, ErrArgumentInvalid) {
		t.Errorf("error = %v, want ErrArgumentInvalid", err)
	}
}

func TestParseManifest_Rejects(t *testing.T) {
	valid := "Version:1\r\n\r\nHash-Algorithm:2.16.840.1.101.3.4.2.1\r\nPackage-Hash:" +
		base64.StdEncoding.EncodeToString(make([]byte, 32)) + "\r\n\r\n"
	if _, err := ParseManifest([]byte(valid)); err != nil {
		t.Fatalf("valid manifest rejected: %v", err)
	}

	tests := []struct {
		name string
		data string
	}{
		{"empty", ""},
		{"wrong version", strings.Replace(valid, "Version:1", "Version:2", 1)},
		{"LF line endings", strings.ReplaceAll(valid, "\r\n", "\n")},
		{"extra header", strings.Replace(valid, "\r\n\r\n", "\r\n\r\nExtra:1\r\n", 1)},
		{"unterminated", strings.TrimSuffix(valid, "\r\n")},
		{"trailing data", valid + "x"},
		{"unknown algorithm", strings.Replace(valid, "2.16.840.1.101.3.4.2.1", "1.3.14.3.2.26", 1)},
		{"bad oid", strings.Replace(valid, "2.16.840.1.101.3.4.2.1", "2..1", 1)},
		{"bad base64", strings.Replace(valid, "Package-Hash:", "Package-Hash:!!", 1)},
		{"short hash", strings.Replace(valid, base64.StdEncoding.EncodeToString(make([]byte, 32)), base64.StdEncoding.EncodeToString(make([]byte, 20)), 1)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseManifest([]byte(tt.data)); err == nil {
				t.Errorf("ParseManifest(%q) succeeded, want error", tt.data)
			}
		})
	}
}
