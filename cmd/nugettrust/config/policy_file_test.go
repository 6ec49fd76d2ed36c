package config

import (
	"strings"
	"testing"

	"github.com/willibrandon/nugettrust/packaging/signatures"
)

func TestParsePolicyFile_UnknownKey(t *testing.T) {
	if _, err := ParsePolicyFile(strings.NewReader("trustAnchor: [a.pem]\n")); err == nil {
		t.Error("ParsePolicyFile() should reject misspelled keys")
	}
}

func TestParsePolicyFile_Empty(t *testing.T) {
	pf, err := ParsePolicyFile(strings.NewReader(""))
	if err != nil {
		t.Fatalf("ParsePolicyFile(empty) error = %v", err)
	}
	if pf.AllowUnsigned != nil {
		t.Error("allowUnsigned should be unset")
	}
}

func TestParseFingerprint(t *testing.T) {
	tests := []struct {
		spec    string
		alg     signatures.HashAlgorithmName
		wantErr bool
	}{
		{"SHA256:" + authorFP, signatures.HashAlgorithmSHA256, false},
		{"sha-256:" + strings.ToLower(authorFP), signatures.HashAlgorithmSHA256, false},
		{authorFP, signatures.HashAlgorithmSHA256, false},
		{strings.Repeat("AB", 48), signatures.HashAlgorithmSHA384, false},
		{strings.Repeat("CD", 64), signatures.HashAlgorithmSHA512, false},
		{"SHA384:" + authorFP, "", true},
		{"ABCD", "", true},
	}
	for _, tt := range tests {
		fp, err := ParseFingerprint(tt.spec)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ParseFingerprint(%q) should fail", tt.spec)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseFingerprint(%q) error = %v", tt.spec, err)
			continue
		}
		if fp.Algorithm != tt.alg {
			t.Errorf("ParseFingerprint(%q) algorithm = %s, want %s", tt.spec, fp.Algorithm, tt.alg)
		}
		if fp.Value != strings.ToUpper(fp.Value) {
			t.Errorf("ParseFingerprint(%q) value not upper-case", tt.spec)
		}
	}
}
