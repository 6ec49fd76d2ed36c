package output

import (
	"encoding/json"
	"io"
	"time"

	"github.com/willibrandon/nugettrust/packaging/signatures"
)

// CurrentSchemaVersion is the schema version for all JSON outputs
const CurrentSchemaVersion = "1.0.0"

// VerifyOutput is the JSON document written by "verify --format json".
type VerifyOutput struct {
	SchemaVersion string          `json:"schemaVersion"`
	Packages      []PackageResult `json:"packages"`
	ElapsedMs     int64           `json:"elapsedMs"`
}

// PackageResult is the verification outcome of one package file.
type PackageResult struct {
	Path       string            `json:"path"`
	ID         string            `json:"id,omitempty"`
	Version    string            `json:"version,omitempty"`
	TrustLevel string            `json:"trustLevel"`
	Decision   string            `json:"decision"`
	SessionID  string            `json:"sessionId,omitempty"`
	Signatures []SignatureResult `json:"signatures"`
	Issues     []IssueOutput     `json:"issues"`
	Error      string            `json:"error,omitempty"`

	level signatures.TrustLevel
}

// SignatureResult describes one signature of a package.
type SignatureResult struct {
	Index        int       `json:"index"`
	Type         string    `json:"type"`
	TrustLevel   string    `json:"trustLevel"`
	State        string    `json:"state"`
	Subject      string    `json:"subject,omitempty"`
	Fingerprint  string    `json:"fingerprint,omitempty"`
	SigningTime  time.Time `json:"signingTime,omitzero"`
	Timestamp    time.Time `json:"timestamp,omitzero"`
	ServiceIndex string    `json:"serviceIndex,omitempty"`
	Owners       []string  `json:"owners,omitempty"`
}

// IssueOutput is one verification finding.
type IssueOutput struct {
	Severity       string `json:"severity"`
	Code           string `json:"code"`
	Message        string `json:"message"`
	SignatureIndex int    `json:"signatureIndex"`
}

// TrustListOutput is the JSON document written by "trust list --format json".
type TrustListOutput struct {
	SchemaVersion string               `json:"schemaVersion"`
	ConfigFile    string               `json:"configFile"`
	Signers       []TrustedSignerEntry `json:"signers"`
}

// TrustedSignerEntry is one trusted author or repository.
type TrustedSignerEntry struct {
	Name         string             `json:"name"`
	Kind         string             `json:"kind"`
	ServiceIndex string             `json:"serviceIndex,omitempty"`
	Owners       []string           `json:"owners,omitempty"`
	Certificates []CertificateEntry `json:"certificates"`
}

// CertificateEntry is one pinned certificate fingerprint.
type CertificateEntry struct {
	Fingerprint        string `json:"fingerprint"`
	HashAlgorithm      string `json:"hashAlgorithm"`
	AllowUntrustedRoot bool   `json:"allowUntrustedRoot"`
}

// NewVerifyOutput creates an empty VerifyOutput.
func NewVerifyOutput() *VerifyOutput {
	return &VerifyOutput{SchemaVersion: CurrentSchemaVersion, Packages: []PackageResult{}}
}

// WriteJSON writes v as indented JSON. When --format json is used all JSON
// goes to stdout and all messages go to stderr.
func WriteJSON(w io.Writer, v any) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}

// MeasureElapsed returns elapsed time in milliseconds since start
func MeasureElapsed(start time.Time) int64 {
	return time.Since(start).Milliseconds()
}
